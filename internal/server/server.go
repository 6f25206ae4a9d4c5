// Package server implements the OpenAI-compatible HTTP surface: chat and
// text completions (streaming and non-streaming), embeddings, moderations,
// the model registry endpoints, and the metrics/WS observability surface.
// Everything is fabricated; no model is loaded anywhere.
package server

import (
	"context"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/fasthttp/router"
	"github.com/fasthttp/websocket"
	"github.com/valyala/fasthttp"

	"github.com/fakeai/fakeai/internal/auth"
	"github.com/fakeai/fakeai/internal/config"
	"github.com/fakeai/fakeai/internal/events"
	"github.com/fakeai/fakeai/internal/kvcache"
	"github.com/fakeai/fakeai/internal/latency"
	"github.com/fakeai/fakeai/internal/metrics"
	"github.com/fakeai/fakeai/internal/model"
	"github.com/fakeai/fakeai/internal/ratelimit"
)

// Version is stamped into build info and the health payload.
const Version = "0.1.0"

// completionReservation is the fixed token count charged against the tpm
// budget at admit time on top of the estimated prompt.
const completionReservation = 1000

// Server wires the simulation pipeline behind the HTTP surface.
type Server struct {
	cfg      *config.Config
	log      *slog.Logger
	bus      *events.Bus
	trackers *metrics.Trackers
	agg      *metrics.Aggregator
	prom     *metrics.Registry
	gpu      *metrics.GPUSimulator
	registry *model.Registry
	shaper   *latency.Shaper
	cache    *kvcache.Router // nil when the KV cache is disabled
	limiter  *ratelimit.Limiter
	verifier *auth.Verifier
	upgrader websocket.FastHTTPUpgrader

	active atomic.Int64
	srv    *fasthttp.Server
}

// New assembles a server from pre-built subsystems. cache and limiter may
// be nil (feature disabled).
func New(
	cfg *config.Config,
	log *slog.Logger,
	bus *events.Bus,
	trackers *metrics.Trackers,
	prom *metrics.Registry,
	registry *model.Registry,
	shaper *latency.Shaper,
	cache *kvcache.Router,
	limiter *ratelimit.Limiter,
	verifier *auth.Verifier,
) *Server {
	s := &Server{
		cfg:      cfg,
		log:      log,
		bus:      bus,
		trackers: trackers,
		agg:      metrics.NewAggregator(trackers, bus),
		prom:     prom,
		registry: registry,
		shaper:   shaper,
		cache:    cache,
		limiter:  limiter,
		verifier: verifier,
		upgrader: websocket.FastHTTPUpgrader{
			CheckOrigin: func(*fasthttp.RequestCtx) bool { return true },
		},
	}
	s.gpu = metrics.NewGPUSimulator(cfg.Metrics.NumGPUs, func() int {
		return int(s.active.Load())
	})
	return s
}

// Handler builds the full route table with the middleware chain applied.
func (s *Server) Handler() fasthttp.RequestHandler {
	r := router.New()

	r.POST("/v1/chat/completions", s.authed(s.handleChatCompletions))
	r.POST("/v1/completions", s.authed(s.handleCompletions))
	r.POST("/v1/embeddings", s.authed(s.handleEmbeddings))
	r.POST("/v1/moderations", s.authed(s.handleModerations))
	r.GET("/v1/models", s.authed(s.handleListModels))
	r.GET("/v1/models/{id}", s.authed(s.handleGetModel))

	r.GET("/health", s.handleHealth)
	r.GET("/metrics", s.handleMetrics)
	r.GET("/metrics/aggregated", s.handleMetricsAggregated)
	r.GET("/metrics/prometheus", s.prom.Handler())
	r.GET("/metrics/stream", s.handleMetricsStream)
	r.GET("/dynamo/metrics/json", s.handleDynamoMetrics)
	r.GET("/kv-cache/metrics", s.handleKVCacheMetrics)
	r.GET("/dcgm/metrics", s.gpu.Handler())

	return applyMiddleware(r.Handler,
		s.recovery,
		requestID,
		s.instrument,
		corsHandler(s.cfg.CORSOrigins),
		securityHeaders,
	)
}

// Serve runs the HTTP server on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.srv = &fasthttp.Server{
		Handler:            s.Handler(),
		Name:               "fakeai/" + Version,
		ReadTimeout:        60 * time.Second,
		// Streams can legitimately stay open for minutes.
		WriteTimeout:       s.cfg.StreamTimeout() + time.Minute,
		MaxRequestBodySize: s.cfg.MaxRequestSize,
		StreamRequestBody:  true,
	}
	return s.srv.Serve(ln)
}

// ListenAndServe binds the configured address and serves.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.ShutdownWithContext(ctx)
}

// ActiveRequests reports the in-flight request count (drives the GPU
// simulation).
func (s *Server) ActiveRequests() int { return int(s.active.Load()) }
