package server

import (
	"encoding/json"
	"hash/fnv"
	"math"
	"math/rand/v2"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/fakeai/fakeai/internal/events"
	"github.com/fakeai/fakeai/internal/tokens"
)

const defaultEmbeddingDims = 1536

// handleEmbeddings fabricates unit-norm embedding vectors. The vector is a
// pure function of the input text, so identical inputs embed identically
// across processes.
func (s *Server) handleEmbeddings(ctx *fasthttp.RequestCtx) {
	const endpoint = "/v1/embeddings"

	var req embeddingRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		s.validationError(ctx, endpoint, "We could not parse the JSON body of your request.")
		return
	}
	if req.Model == "" {
		s.validationError(ctx, endpoint, "you must provide a model parameter")
		return
	}
	inputs, ok := embeddingInputs(req.Input)
	if !ok || len(inputs) == 0 {
		s.paramError(ctx, endpoint, "input", "input must be a string or an array of strings")
		return
	}
	dims := req.Dimensions
	if dims <= 0 {
		dims = defaultEmbeddingDims
	}

	requestID := reqID(ctx)
	key := apiKey(ctx)
	promptTokens := 0
	for _, in := range inputs {
		promptTokens += tokens.Estimate(in)
	}

	s.bus.Publish(events.Event{
		Kind:      events.RequestStarted,
		RequestID: requestID,
		Request:   &events.RequestPayload{Endpoint: endpoint, Model: req.Model, APIKey: key, InputTokens: promptTokens},
	})

	if s.limiter != nil {
		res := s.limiter.Admit(key, promptTokens)
		setRateLimitHeaders(ctx, res.Headers)
		s.prom.ObserveRateLimit(res.Allowed)
		if !res.Allowed {
			s.bus.Publish(events.Event{
				Kind:      events.ErrorRateLimited,
				RequestID: requestID,
				Error:     &events.ErrorPayload{Endpoint: endpoint, ErrKind: "rate_limit", APIKey: key},
			})
			writeRateLimited(ctx, req.Model, res.RetryAfterSec)
			return
		}
	}

	start := time.Now()
	data := make([]embeddingObject, 0, len(inputs))
	for i, in := range inputs {
		data = append(data, embeddingObject{
			Object:    "embedding",
			Embedding: embedText(in, dims),
			Index:     i,
		})
	}

	resp := embeddingResponse{
		Object: "list",
		Data:   data,
		Model:  req.Model,
		Usage:  usage{PromptTokens: promptTokens, TotalTokens: promptTokens},
	}
	writeJSON(ctx, resp)

	s.bus.Publish(events.Event{
		Kind:      events.RequestCompleted,
		RequestID: requestID,
		Request: &events.RequestPayload{
			Endpoint:    endpoint,
			Model:       req.Model,
			APIKey:      key,
			InputTokens: promptTokens,
			DurationMs:  float64(time.Since(start)) / float64(time.Millisecond),
		},
	})
	s.bus.Publish(events.Event{
		Kind:      events.UsageTokens,
		RequestID: requestID,
		Usage:     &events.UsagePayload{APIKey: key, Model: req.Model, InputTokens: promptTokens},
	})
	s.prom.ObserveRequest(req.Model, "ok", promptTokens, 0, 0)
}

// embedText produces an L2-normalized vector seeded by an FNV-64a hash of
// the text.
func embedText(text string, dims int) []float64 {
	h := fnv.New64a()
	h.Write([]byte(text))
	seed := h.Sum64()
	rng := rand.New(rand.NewPCG(seed, seed^0xe3bed))

	v := make([]float64, dims)
	var norm float64
	for i := range v {
		v[i] = rng.Float64()*2 - 1
		norm += v[i] * v[i]
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		norm = 1
	}
	for i := range v {
		v[i] /= norm
	}
	return v
}

// embeddingInputs flattens string or []string input.
func embeddingInputs(raw json.RawMessage) ([]string, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	var one string
	if err := json.Unmarshal(raw, &one); err == nil {
		return []string{one}, true
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return list, true
	}
	return nil, false
}
