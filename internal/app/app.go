// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initBus      — event bus + metric tracker subscribers
//  2. initSim      — model registry, latency shaper, KV-cache router
//  3. initAdmission — API key verifier, rate limiter
//  4. initServer   — HTTP surface
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fakeai/fakeai/internal/auth"
	"github.com/fakeai/fakeai/internal/config"
	"github.com/fakeai/fakeai/internal/events"
	"github.com/fakeai/fakeai/internal/kvcache"
	"github.com/fakeai/fakeai/internal/latency"
	"github.com/fakeai/fakeai/internal/metrics"
	"github.com/fakeai/fakeai/internal/model"
	"github.com/fakeai/fakeai/internal/ratelimit"
	"github.com/fakeai/fakeai/internal/reqlog"
	"github.com/fakeai/fakeai/internal/server"
)

// shutdownGrace bounds how long in-flight requests may run after a stop
// signal before the listener is torn down.
const shutdownGrace = 10 * time.Second

// App owns all long-lived resources and exposes Run.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	bus      *events.Bus
	trackers *metrics.Trackers
	prom     *metrics.Registry
	reqLog   *reqlog.Logger

	registry *model.Registry
	shaper   *latency.Shaper
	cache    *kvcache.Router // nil when disabled
	limiter  *ratelimit.Limiter
	verifier *auth.Verifier

	srv *server.Server
}

// New initialises all subsystems and returns a ready-to-run App.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"bus", a.initBus},
		{"sim", a.initSim},
		{"admission", a.initAdmission},
		{"server", a.initServer},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the event bus and HTTP server and blocks until ctx is
// cancelled or a component fails. Shutdown drains in-flight requests for
// up to shutdownGrace.
func (a *App) Run(ctx context.Context) error {
	a.log.Info("starting server",
		slog.String("version", a.version),
		slog.String("addr", a.cfg.Addr()),
		slog.Bool("kv_cache", a.cache != nil),
		slog.Bool("rate_limit", a.limiter != nil),
	)

	a.bus.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.srv.ListenAndServe()
	})

	g.Go(func() error {
		<-gctx.Done()

		shCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := a.srv.Shutdown(shCtx); err != nil {
			a.log.Error("shutdown error", slog.String("error", err.Error()))
		}
		a.bus.Wait()
		if err := a.reqLog.Close(); err != nil {
			a.log.Error("request log close error", slog.String("error", err.Error()))
		}

		st := a.bus.Stats()
		a.log.Info("stopped",
			slog.Int64("events_published", st.Published),
			slog.Int64("events_dropped", st.Dropped),
			slog.Int64("log_entries_dropped", a.reqLog.Dropped()),
		)
		return nil
	})

	return g.Wait()
}

// Server exposes the HTTP layer for the CLI and tests.
func (a *App) Server() *server.Server { return a.srv }
