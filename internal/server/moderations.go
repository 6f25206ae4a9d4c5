package server

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/fakeai/fakeai/internal/events"
)

// moderationCategories is the fixed category set the endpoint reports,
// with the trigger words that flag each one. This is a deliberately crude
// classifier; its purpose is a plausible wire shape, not safety.
var moderationCategories = map[string][]string{
	"hate":            {"hate", "hateful"},
	"hate/threatening": {},
	"harassment":      {"harass", "bully"},
	"self-harm":       {"suicide", "self-harm"},
	"sexual":          {"sexual", "nsfw"},
	"violence":        {"kill", "attack", "violence", "weapon"},
	"violence/graphic": {},
}

func (s *Server) handleModerations(ctx *fasthttp.RequestCtx) {
	const endpoint = "/v1/moderations"

	var req moderationRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		s.validationError(ctx, endpoint, "We could not parse the JSON body of your request.")
		return
	}
	inputs, ok := embeddingInputs(req.Input)
	if !ok || len(inputs) == 0 {
		s.paramError(ctx, endpoint, "input", "input must be a string or an array of strings")
		return
	}
	modelID := req.Model
	if modelID == "" {
		modelID = "text-moderation-latest"
	}

	results := make([]moderationResult, 0, len(inputs))
	for _, in := range inputs {
		results = append(results, moderateText(in))
	}

	resp := moderationResponse{
		ID:      "modr-" + shortID(uuid.New().String()),
		Model:   modelID,
		Results: results,
	}
	writeJSON(ctx, resp)

	s.bus.Publish(events.Event{
		Kind:      events.RequestCompleted,
		RequestID: reqID(ctx),
		Request:   &events.RequestPayload{Endpoint: endpoint, Model: modelID, APIKey: apiKey(ctx)},
	})
	s.prom.ObserveRequest(modelID, "ok", 0, 0, 0)
}

func moderateText(text string) moderationResult {
	lower := strings.ToLower(text)
	res := moderationResult{
		Categories:     make(map[string]bool, len(moderationCategories)),
		CategoryScores: make(map[string]float64, len(moderationCategories)),
	}
	for cat, words := range moderationCategories {
		hit := false
		for _, w := range words {
			if strings.Contains(lower, w) {
				hit = true
				break
			}
		}
		res.Categories[cat] = hit
		if hit {
			res.CategoryScores[cat] = 0.92
			res.Flagged = true
		} else {
			res.CategoryScores[cat] = 0.001
		}
	}
	return res
}
