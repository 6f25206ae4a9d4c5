package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/fakeai/fakeai/internal/events"
	"github.com/fakeai/fakeai/internal/kvcache"
	"github.com/fakeai/fakeai/internal/latency"
	"github.com/fakeai/fakeai/internal/metrics"
	"github.com/fakeai/fakeai/internal/ratelimit"
	"github.com/fakeai/fakeai/internal/tokens"
	"github.com/fakeai/fakeai/pkg/apierr"
)

// toolCallChance is the probability a request carrying tools actually
// invokes one (when tool_choice leaves the decision open).
const toolCallChance = 0.5

// completionPlan is everything decided up front about one completion.
// Content is fully generated before the first byte is written, so the
// streaming and non-streaming paths emit identical text for one seed.
type completionPlan struct {
	id        string
	requestID string
	created   int64
	model     string
	endpoint  string
	apiKey    string

	gen     *tokens.Generator
	sampler *latency.Sampler

	promptTokens  int
	inputTokens   int // tokenizer view of the prompt (cache blocks)
	matchedTokens int
	worker        int

	content   []string
	reasoning []string
	toolCalls []toolCall
	finish    string

	includeUsage bool
}

func (p *completionPlan) completionTokens() int {
	return len(p.content) + len(p.reasoning)
}

func (p *completionPlan) usage() usage {
	u := usage{
		PromptTokens:     p.promptTokens,
		CompletionTokens: p.completionTokens(),
		PromptDetails:    &usageDetails{CachedTokens: p.matchedTokens},
	}
	u.TotalTokens = u.PromptTokens + u.CompletionTokens
	if len(p.reasoning) > 0 {
		u.CompletionTokDetail = &completionDetails{ReasoningTokens: len(p.reasoning)}
	}
	return u
}

func (p *completionPlan) contentText() string {
	var out string
	for _, t := range p.content {
		out += t
	}
	return out
}

func (p *completionPlan) reasoningText() string {
	var out string
	for _, t := range p.reasoning {
		out += t
	}
	return out
}

func (s *Server) handleChatCompletions(ctx *fasthttp.RequestCtx) {
	const endpoint = "/v1/chat/completions"

	var req chatRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		s.validationError(ctx, endpoint, "We could not parse the JSON body of your request.")
		return
	}
	if req.Model == "" {
		s.validationError(ctx, endpoint, "you must provide a model parameter")
		return
	}
	if len(req.Messages) == 0 {
		s.paramError(ctx, endpoint, "messages", "[] is too short - 'messages'")
		return
	}
	if req.MaxTokens != nil && *req.MaxTokens < 0 {
		s.paramError(ctx, endpoint, "max_tokens", "max_tokens must be non-negative")
		return
	}

	var prompt string
	for _, m := range req.Messages {
		prompt += m.contentText() + "\n"
	}

	plan, ok := s.prepare(ctx, endpoint, req.Model, prompt, req.MaxTokens, req.Stream)
	if !ok {
		return
	}
	plan.includeUsage = req.StreamOptions != nil && req.StreamOptions.IncludeUsage

	if !s.planContent(ctx, plan, &req) {
		return
	}

	if req.Stream {
		s.streamChat(ctx, plan)
		return
	}
	s.completeChat(ctx, plan)
}

// prepare runs the shared admission pipeline: rate limiting, context
// validation and cache routing. On a false return the error response has
// already been written.
func (s *Server) prepare(ctx *fasthttp.RequestCtx, endpoint, modelID, prompt string, maxTokens *int, streaming bool) (*completionPlan, bool) {
	requestID := reqID(ctx)
	key := apiKey(ctx)
	promptTokens := tokens.Estimate(prompt)
	desc := s.registry.Get(modelID)

	s.bus.Publish(events.Event{
		Kind:      events.RequestStarted,
		RequestID: requestID,
		Request: &events.RequestPayload{
			Endpoint:    endpoint,
			Model:       modelID,
			APIKey:      key,
			Streaming:   streaming,
			InputTokens: promptTokens,
		},
	})
	s.bus.Publish(events.Event{
		Kind:      events.ModelAccessed,
		RequestID: requestID,
		Request:   &events.RequestPayload{Endpoint: endpoint, Model: modelID},
	})

	if s.limiter != nil {
		res := s.limiter.Admit(key, promptTokens+completionReservation)
		setRateLimitHeaders(ctx, res.Headers)
		s.prom.ObserveRateLimit(res.Allowed)
		if res.AbuseDetected {
			s.bus.Publish(events.Event{
				Kind:      events.ErrorPatternDetected,
				RequestID: requestID,
				Error: &events.ErrorPayload{
					Endpoint: endpoint,
					ErrKind:  "abuse",
					Pattern:  "burst",
					APIKey:   key,
					Message:  fmt.Sprintf("observed %.0f attempts/min", res.ObservedRPM),
				},
			})
		}
		if !res.Allowed {
			s.bus.Publish(events.Event{
				Kind:      events.RequestRejected,
				RequestID: requestID,
				Request:   &events.RequestPayload{Endpoint: endpoint, Model: modelID, APIKey: key, Status: fasthttp.StatusTooManyRequests},
			})
			s.bus.Publish(events.Event{
				Kind:      events.ErrorRateLimited,
				RequestID: requestID,
				Error:     &events.ErrorPayload{Endpoint: endpoint, ErrKind: "rate_limit", APIKey: key},
			})
			writeRateLimited(ctx, modelID, res.RetryAfterSec)
			return nil, false
		}
		s.bus.Publish(events.Event{
			Kind:      events.RequestAdmitted,
			RequestID: requestID,
			Request:   &events.RequestPayload{Endpoint: endpoint, Model: modelID, APIKey: key},
		})
	}

	reserve := completionReservation
	if maxTokens != nil {
		reserve = *maxTokens
	}
	if window, ok := s.registry.ValidateContext(modelID, promptTokens, reserve); !ok {
		s.bus.Publish(events.Event{
			Kind:      events.ErrorContextOverflow,
			RequestID: requestID,
			Error:     &events.ErrorPayload{Endpoint: endpoint, ErrKind: "context_overflow"},
		})
		s.bus.Publish(events.Event{
			Kind:      events.RequestFailed,
			RequestID: requestID,
			Request:   &events.RequestPayload{Endpoint: endpoint, Model: modelID, Status: fasthttp.StatusBadRequest},
		})
		apierr.WriteContextLength(ctx, window, promptTokens, reserve)
		return nil, false
	}

	plan := &completionPlan{
		id:           "chatcmpl-" + shortID(requestID),
		requestID:    requestID,
		created:      time.Now().Unix(),
		model:        modelID,
		endpoint:     endpoint,
		apiKey:       key,
		promptTokens: promptTokens,
		finish:       "stop",
	}

	if s.cache != nil {
		ids := kvcache.Tokenize(prompt)
		d := s.cache.Route(endpoint, ids)
		plan.inputTokens = d.TotalTokens
		plan.matchedTokens = d.MatchedTokens
		plan.worker = d.Worker
		if plan.matchedTokens > plan.promptTokens {
			plan.matchedTokens = plan.promptTokens
		}

		s.prom.ObserveCacheLookup(d.MatchedTokens)
		s.bus.Publish(events.Event{
			Kind:      events.CacheLookup,
			RequestID: requestID,
			Cache: &events.CachePayload{
				Endpoint:      endpoint,
				MatchedTokens: d.MatchedTokens,
				TotalTokens:   d.TotalTokens,
				Worker:        d.Worker,
			},
		})
		hitKind := events.CacheMiss
		if d.MatchedTokens > 0 {
			hitKind = events.CacheHit
		}
		s.bus.Publish(events.Event{
			Kind:      hitKind,
			RequestID: requestID,
			Cache:     &events.CachePayload{Endpoint: endpoint, MatchedTokens: d.MatchedTokens, TotalTokens: d.TotalTokens, Worker: d.Worker},
		})
		s.bus.Publish(events.Event{
			Kind:      events.WorkerRouted,
			RequestID: requestID,
			Cache:     &events.CachePayload{Endpoint: endpoint, Worker: d.Worker, MatchedTokens: d.MatchedTokens},
		})

		s.cache.BeginRequest(d.Worker, d.TotalTokens)
		depth := s.cache.QueueDepth(d.Worker)
		s.prom.SetWorkerQueueDepth(d.Worker, depth)
		s.bus.Publish(events.Event{
			Kind:      events.QueueDepth,
			RequestID: requestID,
			Latency:   &events.LatencyPayload{Phase: "route", QueueDepth: depth},
		})
		s.bus.Publish(events.Event{
			Kind:      events.BatchFormed,
			RequestID: requestID,
			Latency:   &events.LatencyPayload{Phase: "route", BatchSize: int(s.active.Load())},
		})
	}

	seed := tokens.Seed(requestID)
	plan.gen = tokens.NewGenerator(seed)
	plan.sampler = s.samplerFor(desc.TTFTHintMs, desc.ITLHintMs, seed)
	return plan, true
}

// samplerFor builds a per-request latency sampler, letting model
// descriptor hints override the configured means.
func (s *Server) samplerFor(ttftHint, itlHint float64, seed uint64) *latency.Sampler {
	if ttftHint <= 0 && itlHint <= 0 {
		return s.shaper.SamplerFor(seed)
	}
	cfg := latency.Config{
		TTFTMs:          s.cfg.Latency.TTFTMs,
		TTFTVariancePct: s.cfg.Latency.TTFTVariancePct,
		ITLMs:           s.cfg.Latency.ITLMs,
		ITLVariancePct:  s.cfg.Latency.ITLVariancePct,
		SpeedupWeight:   s.cfg.KVCache.SpeedupWeight,
	}
	if ttftHint > 0 {
		cfg.TTFTMs = ttftHint
	}
	if itlHint > 0 {
		cfg.ITLMs = itlHint
	}
	return latency.New(cfg).SamplerFor(seed)
}

// planContent decides the completion's shape: token count, reasoning
// prefix, tool calls or structured output. All draws come from the plan's
// seeded generator.
func (s *Server) planContent(ctx *fasthttp.RequestCtx, plan *completionPlan, req *chatRequest) bool {
	desc := s.registry.Get(req.Model)

	target := 80 + pick(plan.gen, 41) // 80..120 tokens unless capped
	if req.MaxTokens != nil && *req.MaxTokens < target {
		target = *req.MaxTokens
		plan.finish = "length"
	}

	// Structured outputs: fabricate a schema-conforming document and use
	// it verbatim as the content.
	if rf := req.ResponseFormat; rf != nil && rf.Type == "json_schema" && rf.JSONSchema != nil && rf.JSONSchema.Strict {
		doc, err := generateFromSchema(rf.JSONSchema.Schema, plan.gen)
		if err != nil {
			s.validationError(ctx, plan.endpoint, "invalid json_schema: "+err.Error())
			return false
		}
		if err := validateAgainstSchema(rf.JSONSchema.Schema, doc); err != nil {
			s.log.Error("structured_output_invalid",
				slog.String("request_id", plan.requestID),
				slog.String("error", err.Error()),
			)
			apierr.WriteInternal(ctx, plan.requestID)
			return false
		}
		raw, _ := json.Marshal(doc)
		plan.content = splitText(string(raw))
		return true
	}

	// Tool calls: the seed decides when tool_choice leaves it open.
	if len(req.Tools) > 0 {
		choice := toolChoiceMode(req.ToolChoice)
		if choice == "required" || (choice == "auto" && plan.gen.Chance(toolCallChance)) {
			t := req.Tools[pick(plan.gen, len(req.Tools))]
			args, err := generateFromSchema(t.Function.Parameters, plan.gen)
			if err != nil {
				s.validationError(ctx, plan.endpoint, "invalid tool parameters schema: "+err.Error())
				return false
			}
			if len(t.Function.Parameters) > 0 {
				if err := validateAgainstSchema(t.Function.Parameters, args); err != nil {
					s.log.Error("tool_arguments_invalid",
						slog.String("request_id", plan.requestID),
						slog.String("tool", t.Function.Name),
						slog.String("error", err.Error()),
					)
					apierr.WriteInternal(ctx, plan.requestID)
					return false
				}
			}
			raw, _ := json.Marshal(args)
			plan.toolCalls = []toolCall{{
				ID:   "call_" + shortID(uuid.New().String()),
				Type: "function",
				Function: toolCallFunction{
					Name:      t.Function.Name,
					Arguments: string(raw),
				},
			}}
			plan.finish = "tool_calls"
			return true
		}
	}

	if desc.Capabilities.Reasoning && target > 0 {
		plan.reasoning = plan.gen.Generate(tokens.ReasoningBudget(target))
	}
	plan.content = plan.gen.Generate(target)
	return true
}

// completeChat runs the non-streaming path: simulate the full latency,
// then write one JSON body.
func (s *Server) completeChat(ctx *fasthttp.RequestCtx, plan *completionPlan) {
	start := time.Now()

	ttft := plan.sampler.TTFT(plan.matchedTokens, plan.promptTokens)
	s.publishPrefill(plan, ttft)
	if !sleepCtx(ctx, ttft) {
		s.finishCancelled(plan, start)
		return
	}
	s.publishDecodeStart(plan)

	var decode time.Duration
	for i := 1; i < plan.completionTokens(); i++ {
		decode += plan.sampler.ITL()
	}
	if !sleepCtx(ctx, decode) {
		s.finishCancelled(plan, start)
		return
	}

	msg := chatMessage{Role: "assistant"}
	if len(plan.toolCalls) == 0 {
		msg.Content, _ = json.Marshal(plan.contentText())
	}
	msg.ReasoningContent = plan.reasoningText()
	msg.ToolCalls = plan.toolCalls

	resp := chatResponse{
		ID:      plan.id,
		Object:  "chat.completion",
		Created: plan.created,
		Model:   plan.model,
		Choices: []chatChoice{{Index: 0, Message: msg, FinishReason: plan.finish}},
		Usage:   plan.usage(),
	}
	writeJSON(ctx, resp)

	s.finishCompleted(plan, start, ttft, decode)
}

// finishCompleted publishes the terminal accounting events shared by both
// chat paths.
func (s *Server) finishCompleted(plan *completionPlan, start time.Time, ttft, decode time.Duration) {
	totalMs := float64(time.Since(start)) / float64(time.Millisecond)
	u := plan.usage()
	s.releaseWorker(plan, start)

	s.bus.Publish(events.Event{
		Kind:      events.DecodeCompleted,
		RequestID: plan.requestID,
		Latency: &events.LatencyPayload{
			Phase:     "decode",
			PrefillMs: float64(ttft) / float64(time.Millisecond),
			DecodeMs:  float64(decode) / float64(time.Millisecond),
			TotalMs:   totalMs,
		},
		Request: &events.RequestPayload{
			Endpoint:     plan.endpoint,
			Model:        plan.model,
			Worker:       plan.worker,
			InputTokens:  u.PromptTokens,
			OutputTokens: u.CompletionTokens,
		},
	})
	s.bus.Publish(events.Event{
		Kind:      events.RequestCompleted,
		RequestID: plan.requestID,
		Request: &events.RequestPayload{
			Endpoint:     plan.endpoint,
			Model:        plan.model,
			APIKey:       plan.apiKey,
			InputTokens:  u.PromptTokens,
			OutputTokens: u.CompletionTokens,
			CachedTokens: plan.matchedTokens,
			Worker:       plan.worker,
			DurationMs:   totalMs,
			FinishReason: plan.finish,
		},
	})
	s.bus.Publish(events.Event{
		Kind:      events.UsageTokens,
		RequestID: plan.requestID,
		Usage: &events.UsagePayload{
			APIKey:       plan.apiKey,
			Model:        plan.model,
			InputTokens:  u.PromptTokens,
			OutputTokens: u.CompletionTokens,
			CachedTokens: plan.matchedTokens,
		},
	})
	if plan.matchedTokens > 0 && plan.promptTokens > 0 {
		ratio := 1 - float64(plan.matchedTokens)/float64(plan.promptTokens)*s.cfg.KVCache.SpeedupWeight
		s.bus.Publish(events.Event{
			Kind:      events.CacheSpeedup,
			RequestID: plan.requestID,
			Cache:     &events.CachePayload{Endpoint: plan.endpoint, SpeedupRatio: ratio},
		})
	}

	s.prom.ObserveRequest(plan.model, "ok", u.PromptTokens, u.CompletionTokens, plan.matchedTokens)
	s.prom.ObserveTTFT(plan.model, ttft.Seconds())
	s.prom.ObserveCost(plan.model, metrics.Cost(plan.model, u.PromptTokens, u.CompletionTokens, plan.matchedTokens))

	// The reservation charged at admit covered tokens we did not emit.
	if s.limiter != nil && u.CompletionTokens < completionReservation {
		s.limiter.Refund(plan.apiKey, completionReservation-u.CompletionTokens)
	}
}

func (s *Server) releaseWorker(plan *completionPlan, start time.Time) {
	if s.cache == nil {
		return
	}
	s.cache.EndRequest(plan.worker, plan.inputTokens, time.Since(start))
	s.prom.SetWorkerQueueDepth(plan.worker, s.cache.QueueDepth(plan.worker))
}

func (s *Server) finishCancelled(plan *completionPlan, start time.Time) {
	s.releaseWorker(plan, start)
	s.bus.Publish(events.Event{
		Kind:      events.RequestCancelled,
		RequestID: plan.requestID,
		Request: &events.RequestPayload{
			Endpoint:   plan.endpoint,
			Model:      plan.model,
			APIKey:     plan.apiKey,
			DurationMs: float64(time.Since(start)) / float64(time.Millisecond),
		},
	})
	s.prom.ObserveRequest(plan.model, "cancelled", 0, 0, 0)
}

func (s *Server) publishPrefill(plan *completionPlan, ttft time.Duration) {
	s.bus.Publish(events.Event{
		Kind:      events.PrefillStarted,
		RequestID: plan.requestID,
		Latency:   &events.LatencyPayload{Phase: "prefill"},
	})
	s.bus.Publish(events.Event{
		Kind:      events.TTFTRecorded,
		RequestID: plan.requestID,
		Latency:   &events.LatencyPayload{Phase: "prefill", PrefillMs: float64(ttft) / float64(time.Millisecond)},
	})
}

// publishDecodeStart marks the prefill → decode transition.
func (s *Server) publishDecodeStart(plan *completionPlan) {
	s.bus.Publish(events.Event{
		Kind:      events.PrefillCompleted,
		RequestID: plan.requestID,
		Latency:   &events.LatencyPayload{Phase: "prefill"},
	})
	s.bus.Publish(events.Event{
		Kind:      events.DecodeStarted,
		RequestID: plan.requestID,
		Latency:   &events.LatencyPayload{Phase: "decode"},
	})
}

// sleepCtx sleeps d, returning false if the request was cancelled first.
func sleepCtx(ctx *fasthttp.RequestCtx, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

func writeRateLimited(ctx *fasthttp.RequestCtx, modelID string, retryAfterSec int) {
	apierr.WriteRateLimit(ctx, retryAfterSec,
		"Rate limit reached for "+modelID+". Please try again in "+strconv.Itoa(retryAfterSec)+"s.")
}

func setRateLimitHeaders(ctx *fasthttp.RequestCtx, h ratelimit.Headers) {
	ctx.Response.Header.Set("x-ratelimit-limit-requests", strconv.Itoa(h.LimitRequests))
	ctx.Response.Header.Set("x-ratelimit-remaining-requests", strconv.Itoa(h.RemainingRequests))
	ctx.Response.Header.Set("x-ratelimit-reset-requests", strconv.Itoa(h.ResetRequestsSec))
	ctx.Response.Header.Set("x-ratelimit-limit-tokens", strconv.Itoa(h.LimitTokens))
	ctx.Response.Header.Set("x-ratelimit-remaining-tokens", strconv.Itoa(h.RemainingTokens))
	ctx.Response.Header.Set("x-ratelimit-reset-tokens", strconv.Itoa(h.ResetTokensSec))
}

func (s *Server) validationError(ctx *fasthttp.RequestCtx, endpoint, message string) {
	s.publishValidationError(ctx, endpoint)
	apierr.Write(ctx, fasthttp.StatusBadRequest, message, apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
}

func (s *Server) paramError(ctx *fasthttp.RequestCtx, endpoint, param, message string) {
	s.publishValidationError(ctx, endpoint)
	apierr.WriteParam(ctx, fasthttp.StatusBadRequest, message, apierr.TypeInvalidRequest, param, apierr.CodeInvalidRequest)
}

func (s *Server) publishValidationError(ctx *fasthttp.RequestCtx, endpoint string) {
	s.bus.Publish(events.Event{
		Kind:      events.ErrorValidation,
		RequestID: reqID(ctx),
		Error:     &events.ErrorPayload{Endpoint: endpoint, ErrKind: "validation"},
	})
}

func (s *Server) publishAuthError(ctx *fasthttp.RequestCtx) {
	s.bus.Publish(events.Event{
		Kind:      events.ErrorAuth,
		RequestID: reqID(ctx),
		Error:     &events.ErrorPayload{Endpoint: string(ctx.Path()), ErrKind: "auth"},
	})
}

// toolChoiceMode reduces the tool_choice field to none/auto/required.
func toolChoiceMode(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "auto"
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		switch s {
		case "none", "auto", "required":
			return s
		}
		return "auto"
	}
	// An object selects a specific tool, which forces a call.
	return "required"
}

// splitText chops s into small chunks for streaming, approximating token
// granularity.
func splitText(s string) []string {
	const chunk = 6
	if s == "" {
		return nil
	}
	out := make([]string, 0, len(s)/chunk+1)
	for len(s) > chunk {
		out = append(out, s[:chunk])
		s = s[chunk:]
	}
	return append(out, s)
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
