package server

import (
	"time"

	"github.com/valyala/fasthttp"

	"github.com/fakeai/fakeai/internal/kvcache"
	"github.com/fakeai/fakeai/internal/metrics"
)

func (s *Server) handleHealth(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, map[string]any{
		"status":    "healthy",
		"ready":     true,
		"version":   Version,
		"timestamp": time.Now().Unix(),
	})
}

// handleMetrics serves the lightweight JSON snapshot (no per-request
// lifecycle dump).
func (s *Server) handleMetrics(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, s.agg.Snapshot(false))
}

// handleMetricsAggregated serves the full snapshot including the dynamo
// lifecycle history.
func (s *Server) handleMetricsAggregated(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, s.agg.Snapshot(true))
}

// handleDynamoMetrics serves phase-timing percentiles plus per-worker
// routing state in one document.
func (s *Server) handleDynamoMetrics(ctx *fasthttp.RequestCtx) {
	snap := s.trackers.Dynamo.Snapshot()
	out := struct {
		metrics.DynamoSnapshot
		Workers []kvcache.Worker `json:"workers,omitempty"`
	}{DynamoSnapshot: snap}
	if s.cache != nil {
		out.Workers = s.cache.Stats().Workers
	}
	writeJSON(ctx, out)
}

// handleKVCacheMetrics combines the router's own counters with the
// event-derived cache tracker.
func (s *Server) handleKVCacheMetrics(ctx *fasthttp.RequestCtx) {
	out := struct {
		Enabled bool                     `json:"enabled"`
		Router  *kvcache.Stats           `json:"router,omitempty"`
		Tracker metrics.KVCacheSnapshot  `json:"tracker"`
	}{
		Enabled: s.cache != nil,
		Tracker: s.trackers.KVCache.Snapshot(),
	}
	if s.cache != nil {
		st := s.cache.Stats()
		out.Router = &st
	}
	writeJSON(ctx, out)
}
