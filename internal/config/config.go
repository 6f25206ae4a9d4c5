// Package config loads and validates all runtime configuration for the
// simulator.
//
// Configuration is read from environment variables (preferred for
// containers) or from a config.yaml file in the working directory.
// Environment variables take precedence over the YAML file.
//
// Naming convention: env vars use the FAKEAI_ prefix with UPPER_SNAKE_CASE
// names; the YAML file uses the same names in lower_snake_case without the
// prefix. For example FAKEAI_TTFT_MS becomes ttft_ms in YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

const envPrefix = "FAKEAI"

// Config is the top-level configuration container.
type Config struct {
	// Host is the bind address. Default: "0.0.0.0".
	Host string

	// Port is the TCP port the HTTP server listens on. Default: 8000.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn,
	// error. Default: info.
	LogLevel string

	// MaxRequestSize caps request bodies in bytes. Default: 100 MB.
	MaxRequestSize int

	// Latency shapes the simulated response timing.
	Latency LatencyConfig

	// Auth controls API key verification.
	Auth AuthConfig

	// RateLimit controls per-key admission.
	RateLimit RateLimitConfig

	// KVCache controls the prefix-reuse simulation.
	KVCache KVCacheConfig

	// Stream controls SSE behaviour.
	Stream StreamConfig

	// Metrics controls the observability surface.
	Metrics MetricsConfig

	// CORSOrigins is the list of allowed CORS origins. Default: ["*"].
	CORSOrigins []string
}

// LatencyConfig holds TTFT/ITL shaping parameters.
type LatencyConfig struct {
	// TTFTMs is the mean time-to-first-token in milliseconds. Default: 500.
	TTFTMs float64

	// TTFTVariancePct is the ± uniform variance applied to TTFT. Default: 10.
	TTFTVariancePct float64

	// ITLMs is the mean inter-token latency in milliseconds. Default: 50.
	ITLMs float64

	// ITLVariancePct is the ± uniform variance applied to ITL. Default: 10.
	ITLVariancePct float64
}

// AuthConfig controls API key verification.
type AuthConfig struct {
	// RequireAPIKey rejects requests without a valid key even when the
	// allowlist came out empty. Default: false.
	RequireAPIKey bool

	// APIKeys is the comma-separated allowlist from FAKEAI_API_KEYS.
	APIKeys []string

	// APIKeyFile points to a file of keys, one per line; blank lines and
	// lines starting with # are skipped.
	APIKeyFile string
}

// RateLimitConfig controls per-key admission.
type RateLimitConfig struct {
	// Enabled switches rate limiting on. Default: false.
	Enabled bool

	// Tier selects the limit tier: free, tier-1 .. tier-5. Default: tier-1.
	Tier string

	// RPMOverride / TPMOverride replace the tier values when positive.
	RPMOverride int
	TPMOverride int
}

// KVCacheConfig controls the prefix-reuse simulation.
type KVCacheConfig struct {
	// Enabled switches the cache router on. Default: true.
	Enabled bool

	// BlockSize is tokens per cache block. Default: 16.
	BlockSize int

	// NumWorkers is the number of affinity partitions. Default: 4.
	NumWorkers int

	// MaxBlocksPerWorker bounds each worker's LRU. Default: 100000.
	MaxBlocksPerWorker int

	// OverlapWeight scales matched tokens in the routing score. Default: 1.0.
	OverlapWeight float64

	// SpeedupWeight scales how strongly overlap shortens TTFT. Default: 0.8.
	SpeedupWeight float64
}

// StreamConfig controls SSE behaviour.
type StreamConfig struct {
	// TimeoutSeconds is the whole-stream wall clock budget. Default: 300.
	TimeoutSeconds int

	// TokenTimeoutSeconds bounds the gap between two tokens. Default: 30.
	TokenTimeoutSeconds int

	// KeepAliveIntervalSeconds is the idle gap before a keep-alive comment
	// is written. Default: 15.
	KeepAliveIntervalSeconds int
}

// MetricsConfig controls the observability surface.
type MetricsConfig struct {
	// WSPushIntervalSeconds is the /metrics/stream push cadence. Default: 1.
	WSPushIntervalSeconds int

	// NumGPUs is how many GPUs the DCGM endpoint fabricates. Default: 1.
	NumGPUs int

	// BudgetUSD is the per-key budget for usage warnings. 0 disables.
	BudgetUSD float64
}

// Load reads configuration from environment variables and (optionally)
// from config.yaml in the current working directory.
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile is Load with an explicit config file path. An empty path falls
// back to ./config.yaml; a non-empty path must exist.
func LoadFile(path string) (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		_ = v.ReadInConfig()
	}

	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────
	v.SetDefault("HOST", "0.0.0.0")
	v.SetDefault("PORT", 8000)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("MAX_REQUEST_SIZE", 100*1024*1024)

	v.SetDefault("TTFT_MS", 500.0)
	v.SetDefault("TTFT_VARIANCE_PERCENT", 10.0)
	v.SetDefault("ITL_MS", 50.0)
	v.SetDefault("ITL_VARIANCE_PERCENT", 10.0)

	v.SetDefault("REQUIRE_API_KEY", false)
	v.SetDefault("API_KEYS", "")
	v.SetDefault("API_KEY_FILE", "")

	v.SetDefault("RATE_LIMIT_ENABLED", false)
	v.SetDefault("RATE_LIMIT_TIER", "tier-1")
	v.SetDefault("RATE_LIMIT_RPM", 0)
	v.SetDefault("RATE_LIMIT_TPM", 0)

	v.SetDefault("KV_CACHE_ENABLED", true)
	v.SetDefault("KV_CACHE_BLOCK_SIZE", 16)
	v.SetDefault("KV_CACHE_NUM_WORKERS", 4)
	v.SetDefault("KV_CACHE_MAX_BLOCKS_PER_WORKER", 100_000)
	v.SetDefault("KV_OVERLAP_WEIGHT", 1.0)
	v.SetDefault("KV_SPEEDUP_WEIGHT", 0.8)

	v.SetDefault("STREAM_TIMEOUT_SECONDS", 300)
	v.SetDefault("STREAM_TOKEN_TIMEOUT_SECONDS", 30)
	v.SetDefault("STREAM_KEEPALIVE_INTERVAL_SECONDS", 15)

	v.SetDefault("METRICS_WS_PUSH_INTERVAL_SECONDS", 1)
	v.SetDefault("NUM_GPUS", 1)
	v.SetDefault("BUDGET_USD", 0.0)

	v.SetDefault("CORS_ORIGINS", []string{"*"})

	// ── Build config ──────────────────────────────────────────────────────
	cfg := &Config{
		Host:           v.GetString("HOST"),
		Port:           v.GetInt("PORT"),
		LogLevel:       strings.ToLower(v.GetString("LOG_LEVEL")),
		MaxRequestSize: v.GetInt("MAX_REQUEST_SIZE"),

		Latency: LatencyConfig{
			TTFTMs:          v.GetFloat64("TTFT_MS"),
			TTFTVariancePct: v.GetFloat64("TTFT_VARIANCE_PERCENT"),
			ITLMs:           v.GetFloat64("ITL_MS"),
			ITLVariancePct:  v.GetFloat64("ITL_VARIANCE_PERCENT"),
		},

		Auth: AuthConfig{
			RequireAPIKey: v.GetBool("REQUIRE_API_KEY"),
			APIKeys:       splitCSV(v.GetString("API_KEYS")),
			APIKeyFile:    v.GetString("API_KEY_FILE"),
		},

		RateLimit: RateLimitConfig{
			Enabled:     v.GetBool("RATE_LIMIT_ENABLED"),
			Tier:        strings.ToLower(v.GetString("RATE_LIMIT_TIER")),
			RPMOverride: v.GetInt("RATE_LIMIT_RPM"),
			TPMOverride: v.GetInt("RATE_LIMIT_TPM"),
		},

		KVCache: KVCacheConfig{
			Enabled:            v.GetBool("KV_CACHE_ENABLED"),
			BlockSize:          v.GetInt("KV_CACHE_BLOCK_SIZE"),
			NumWorkers:         v.GetInt("KV_CACHE_NUM_WORKERS"),
			MaxBlocksPerWorker: v.GetInt("KV_CACHE_MAX_BLOCKS_PER_WORKER"),
			OverlapWeight:      v.GetFloat64("KV_OVERLAP_WEIGHT"),
			SpeedupWeight:      v.GetFloat64("KV_SPEEDUP_WEIGHT"),
		},

		Stream: StreamConfig{
			TimeoutSeconds:           v.GetInt("STREAM_TIMEOUT_SECONDS"),
			TokenTimeoutSeconds:      v.GetInt("STREAM_TOKEN_TIMEOUT_SECONDS"),
			KeepAliveIntervalSeconds: v.GetInt("STREAM_KEEPALIVE_INTERVAL_SECONDS"),
		},

		Metrics: MetricsConfig{
			WSPushIntervalSeconds: v.GetInt("METRICS_WS_PUSH_INTERVAL_SECONDS"),
			NumGPUs:               v.GetInt("NUM_GPUS"),
			BudgetUSD:             v.GetFloat64("BUDGET_USD"),
		},

		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks all semantic constraints that cannot be expressed as
// defaults.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("config: PORT must be in 1..65535, got %d", c.Port)
	}
	if c.MaxRequestSize < 1 {
		return fmt.Errorf("config: MAX_REQUEST_SIZE must be positive, got %d", c.MaxRequestSize)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error", c.LogLevel)
	}

	if c.Latency.TTFTMs < 0 || c.Latency.ITLMs < 0 {
		return fmt.Errorf("config: latency means must be non-negative")
	}
	if c.Latency.TTFTVariancePct < 0 || c.Latency.TTFTVariancePct > 100 ||
		c.Latency.ITLVariancePct < 0 || c.Latency.ITLVariancePct > 100 {
		return fmt.Errorf("config: variance percentages must be in 0..100")
	}

	switch c.RateLimit.Tier {
	case "free", "tier-1", "tier-2", "tier-3", "tier-4", "tier-5":
	default:
		return fmt.Errorf("config: invalid RATE_LIMIT_TIER %q; must be free or tier-1 .. tier-5", c.RateLimit.Tier)
	}

	if c.KVCache.BlockSize < 1 {
		return fmt.Errorf("config: KV_CACHE_BLOCK_SIZE must be ≥ 1, got %d", c.KVCache.BlockSize)
	}
	if c.KVCache.NumWorkers < 1 {
		return fmt.Errorf("config: KV_CACHE_NUM_WORKERS must be ≥ 1, got %d", c.KVCache.NumWorkers)
	}
	if c.KVCache.OverlapWeight <= 0 {
		return fmt.Errorf("config: KV_OVERLAP_WEIGHT must be positive")
	}
	if c.KVCache.SpeedupWeight < 0 || c.KVCache.SpeedupWeight > 1 {
		return fmt.Errorf("config: KV_SPEEDUP_WEIGHT must be in 0..1")
	}

	if c.Stream.TimeoutSeconds < 1 || c.Stream.TokenTimeoutSeconds < 1 {
		return fmt.Errorf("config: stream timeouts must be ≥ 1 second")
	}
	if c.Stream.KeepAliveIntervalSeconds < 1 {
		return fmt.Errorf("config: STREAM_KEEPALIVE_INTERVAL_SECONDS must be ≥ 1")
	}
	if c.Metrics.WSPushIntervalSeconds < 1 {
		return fmt.Errorf("config: METRICS_WS_PUSH_INTERVAL_SECONDS must be ≥ 1")
	}
	return nil
}

// Addr returns the host:port listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// StreamTimeout returns the whole-stream budget as a duration.
func (c *Config) StreamTimeout() time.Duration {
	return time.Duration(c.Stream.TimeoutSeconds) * time.Second
}

// TokenTimeout returns the inter-token budget as a duration.
func (c *Config) TokenTimeout() time.Duration {
	return time.Duration(c.Stream.TokenTimeoutSeconds) * time.Second
}

// KeepAliveInterval returns the SSE keep-alive cadence as a duration.
func (c *Config) KeepAliveInterval() time.Duration {
	return time.Duration(c.Stream.KeepAliveIntervalSeconds) * time.Second
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
