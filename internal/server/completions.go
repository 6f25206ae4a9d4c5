package server

import (
	"bufio"
	"encoding/json"
	"errors"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/fakeai/fakeai/internal/events"
)

// handleCompletions serves the legacy text completion endpoint. It shares
// the chat admission pipeline; only the wire shapes differ.
func (s *Server) handleCompletions(ctx *fasthttp.RequestCtx) {
	const endpoint = "/v1/completions"

	var req completionRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		s.validationError(ctx, endpoint, "We could not parse the JSON body of your request.")
		return
	}
	if req.Model == "" {
		s.validationError(ctx, endpoint, "you must provide a model parameter")
		return
	}
	prompt := req.promptText()
	if prompt == "" {
		s.paramError(ctx, endpoint, "prompt", "prompt is required")
		return
	}

	plan, ok := s.prepare(ctx, endpoint, req.Model, prompt, req.MaxTokens, req.Stream)
	if !ok {
		return
	}
	plan.id = "cmpl-" + shortID(plan.requestID)

	target := 80 + pick(plan.gen, 41)
	if req.MaxTokens != nil && *req.MaxTokens < target {
		target = *req.MaxTokens
		plan.finish = "length"
	}
	plan.content = plan.gen.Generate(target)

	if req.Stream {
		s.streamCompletion(ctx, plan)
		return
	}

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

	u := plan.usage()
	resp := completionResponse{
		ID:      plan.id,
		Object:  "text_completion",
		Created: plan.created,
		Model:   plan.model,
		Choices: []textChoice{{Index: 0, Text: plan.contentText(), FinishReason: plan.finish}},
		Usage:   &u,
	}
	writeJSON(ctx, resp)
	s.finishCompleted(plan, start, ttft, decode)
}

// streamCompletion paces text-completion chunks out over SSE. Unlike chat
// there is no role chunk and the delta is a plain text field.
func (s *Server) streamCompletion(ctx *fasthttp.RequestCtx, plan *completionPlan) {
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.Response.Header.Set("X-Accel-Buffering", "no")

	start := time.Now()
	s.prom.StreamOpened()
	s.bus.Publish(events.Event{
		Kind:      events.StreamStarted,
		RequestID: plan.requestID,
		StreamID:  plan.id,
		Request: &events.RequestPayload{
			Endpoint:    plan.endpoint,
			Model:       plan.model,
			APIKey:      plan.apiKey,
			Streaming:   true,
			InputTokens: plan.promptTokens,
		},
	})

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		sw := &sseWriter{
			w:         w,
			ctx:       ctx,
			deadline:  start.Add(s.cfg.StreamTimeout()),
			keepAlive: s.cfg.KeepAliveInterval(),
			tokenMax:  s.cfg.TokenTimeout(),
			lastWrite: start,
		}
		err := s.runTextStream(sw, plan, start)
		switch {
		case err == nil:
		case errors.Is(err, errClientGone):
			s.streamCancelled(plan, start)
		default:
			s.streamFailed(sw, plan, start, err)
		}
	})
}

func (s *Server) runTextStream(sw *sseWriter, plan *completionPlan, start time.Time) error {
	ttft := plan.sampler.TTFT(plan.matchedTokens, plan.promptTokens)
	s.publishPrefill(plan, ttft)
	if plan.completionTokens() > 0 {
		if err := sw.wait(ttft, s.keepAliveHook(plan)); err != nil {
			return err
		}
	}

	var decode time.Duration
	for i, t := range plan.content {
		if i > 0 {
			itl := plan.sampler.ITL()
			decode += itl
			if err := sw.wait(itl, s.keepAliveHook(plan)); err != nil {
				return err
			}
			s.prom.ObserveITL(plan.model, itl.Seconds())
		} else {
			s.publishDecodeStart(plan)
			s.publishFirstToken(plan, ttft)
		}
		c := completionResponse{
			ID:      plan.id,
			Object:  "text_completion",
			Created: plan.created,
			Model:   plan.model,
			Choices: []textChoice{{Index: 0, Text: t}},
		}
		if err := sw.sendJSON(c); err != nil {
			return err
		}
		s.bus.Publish(events.Event{
			Kind:      events.StreamTokenGenerated,
			RequestID: plan.requestID,
			StreamID:  plan.id,
			Stream:    &events.StreamPayload{Sequence: i, Token: t, ChunkSize: len(t)},
		})
	}

	final := completionResponse{
		ID:      plan.id,
		Object:  "text_completion",
		Created: plan.created,
		Model:   plan.model,
		Choices: []textChoice{{Index: 0, FinishReason: plan.finish}},
	}
	if err := sw.sendJSON(final); err != nil {
		return err
	}
	if err := sw.sendRaw("[DONE]"); err != nil {
		return err
	}

	s.bus.Publish(events.Event{
		Kind:      events.StreamCompleted,
		RequestID: plan.requestID,
		StreamID:  plan.id,
		Stream:    &events.StreamPayload{Tokens: plan.completionTokens(), TTFTMs: float64(ttft) / float64(time.Millisecond)},
	})
	s.prom.StreamFinished("completed")
	s.finishCompleted(plan, start, ttft, decode)
	return nil
}
