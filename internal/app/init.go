package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fakeai/fakeai/internal/auth"
	"github.com/fakeai/fakeai/internal/events"
	"github.com/fakeai/fakeai/internal/kvcache"
	"github.com/fakeai/fakeai/internal/latency"
	"github.com/fakeai/fakeai/internal/metrics"
	"github.com/fakeai/fakeai/internal/model"
	"github.com/fakeai/fakeai/internal/ratelimit"
	"github.com/fakeai/fakeai/internal/reqlog"
	"github.com/fakeai/fakeai/internal/server"
)

// initBus creates the event bus, the metric trackers and the Prometheus
// registry, and subscribes everything that consumes events.
func (a *App) initBus(ctx context.Context) error {
	a.bus = events.New(a.log)

	a.trackers = metrics.NewTrackers(a.cfg.Metrics.BudgetUSD)
	a.trackers.Register(a.bus)

	rl, err := reqlog.New(ctx, a.log)
	if err != nil {
		return err
	}
	rl.Register(a.bus)
	a.reqLog = rl

	a.prom = metrics.NewRegistry(a.version)
	a.bus.OnDrop(a.prom.ObserveBusDrop)

	// Per-category event counters on the shared registry.
	prom := a.prom
	a.bus.Subscribe("prom-bus-counter", []events.Kind{events.Wildcard}, 10,
		func(_ context.Context, ev events.Event) error {
			prom.ObserveBusEvent(ev.Kind.Category())
			return nil
		})

	if a.cfg.Metrics.BudgetUSD > 0 {
		a.log.Info("budget tracking enabled", slog.Float64("budget_usd", a.cfg.Metrics.BudgetUSD))
	}
	return nil
}

// initSim builds the simulation core: the model registry, the latency
// shaper and (when enabled) the KV-cache router.
func (a *App) initSim(_ context.Context) error {
	a.registry = model.NewRegistry()

	a.shaper = latency.New(latency.Config{
		TTFTMs:          a.cfg.Latency.TTFTMs,
		TTFTVariancePct: a.cfg.Latency.TTFTVariancePct,
		ITLMs:           a.cfg.Latency.ITLMs,
		ITLVariancePct:  a.cfg.Latency.ITLVariancePct,
		SpeedupWeight:   a.cfg.KVCache.SpeedupWeight,
	})

	if a.cfg.KVCache.Enabled {
		a.cache = kvcache.NewRouter(
			a.cfg.KVCache.NumWorkers,
			a.cfg.KVCache.BlockSize,
			a.cfg.KVCache.MaxBlocksPerWorker,
			a.cfg.KVCache.OverlapWeight,
		)
		a.log.Info("kv cache enabled",
			slog.Int("workers", a.cfg.KVCache.NumWorkers),
			slog.Int("block_size", a.cfg.KVCache.BlockSize),
		)
	} else {
		a.log.Info("kv cache disabled")
	}
	return nil
}

// initAdmission builds the API key verifier and, when enabled, the
// per-key rate limiter.
func (a *App) initAdmission(_ context.Context) error {
	v, err := auth.New(a.cfg.Auth.APIKeys, a.cfg.Auth.APIKeyFile)
	if err != nil {
		return fmt.Errorf("api keys: %w", err)
	}
	a.verifier = v

	if a.cfg.RateLimit.Enabled {
		tier := ratelimit.TierByName(a.cfg.RateLimit.Tier)
		a.limiter = ratelimit.New(tier, a.cfg.RateLimit.RPMOverride, a.cfg.RateLimit.TPMOverride)
		a.log.Info("rate limiting enabled", slog.String("tier", tier.Name))
	}
	return nil
}

// initServer assembles the HTTP surface from the subsystems built above.
func (a *App) initServer(_ context.Context) error {
	a.srv = server.New(
		a.cfg, a.log, a.bus, a.trackers, a.prom,
		a.registry, a.shaper, a.cache, a.limiter, a.verifier,
	)
	return nil
}
