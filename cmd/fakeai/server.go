package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fakeai/fakeai/internal/app"
	"github.com/fakeai/fakeai/internal/config"
)

func newServerCmd() *cobra.Command {
	var (
		host           string
		port           int
		ttftMs         float64
		itlMs          float64
		apiKeys        []string
		enableSecurity bool
		rateLimit      bool
		rateTier       string
		kvWorkers      int
		logLevel       string
		configFile     string
	)

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the simulation server",
		Long: "Run the simulation server. Flags override the corresponding\n" +
			"FAKEAI_* environment variables and config.yaml values.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadFile(configFile)
			if err != nil {
				return fmt.Errorf("%w: %s", errUsage, err)
			}

			// Explicit flags win over env and file config.
			flags := cmd.Flags()
			if flags.Changed("host") {
				cfg.Host = host
			}
			if flags.Changed("port") {
				cfg.Port = port
			}
			if flags.Changed("ttft") {
				cfg.Latency.TTFTMs = ttftMs
			}
			if flags.Changed("itl") {
				cfg.Latency.ITLMs = itlMs
			}
			if flags.Changed("api-key") {
				cfg.Auth.APIKeys = apiKeys
			}
			if flags.Changed("enable-security") {
				cfg.Auth.RequireAPIKey = enableSecurity
			}
			if flags.Changed("rate-limit") {
				cfg.RateLimit.Enabled = rateLimit
			}
			if flags.Changed("rate-limit-tier") {
				cfg.RateLimit.Tier = strings.ToLower(rateTier)
			}
			if flags.Changed("kv-cache-workers") {
				cfg.KVCache.NumWorkers = kvWorkers
			}
			if flags.Changed("log-level") {
				cfg.LogLevel = strings.ToLower(logLevel)
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("%w: %s", errUsage, err)
			}

			log := buildLogger(cfg.LogLevel)
			slog.SetDefault(log)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, cfg, log, version)
			if err != nil {
				return err
			}
			return a.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&host, "host", "0.0.0.0", "bind address")
	cmd.Flags().IntVar(&port, "port", 8000, "listen port")
	cmd.Flags().Float64Var(&ttftMs, "ttft", 500, "mean time-to-first-token in ms")
	cmd.Flags().Float64Var(&itlMs, "itl", 50, "mean inter-token latency in ms")
	cmd.Flags().StringArrayVar(&apiKeys, "api-key", nil, "allowed API key (repeatable)")
	cmd.Flags().BoolVar(&enableSecurity, "enable-security", false, "reject requests without a valid API key")
	cmd.Flags().BoolVar(&rateLimit, "rate-limit", false, "enable per-key rate limiting")
	cmd.Flags().StringVar(&rateTier, "rate-limit-tier", "tier-1", "rate limit tier (free, tier-1 .. tier-5)")
	cmd.Flags().IntVar(&kvWorkers, "kv-cache-workers", 4, "KV cache affinity partitions")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	cmd.Flags().StringVar(&configFile, "config-file", "", "explicit config file path (default ./config.yaml)")

	return cmd
}

// buildLogger constructs a JSON slog.Logger for the given level string.
// Unknown level strings default to INFO.
func buildLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}

	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     l,
		AddSource: l == slog.LevelDebug,
	}))
}
