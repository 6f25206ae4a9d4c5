package config

import (
	"testing"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() with no environment: %v", err)
	}
	if cfg.Port != 8000 || cfg.Host != "0.0.0.0" {
		t.Fatalf("listen defaults = %s:%d", cfg.Host, cfg.Port)
	}
	if cfg.Latency.TTFTMs != 500 || cfg.Latency.ITLMs != 50 {
		t.Fatalf("latency defaults = %+v", cfg.Latency)
	}
	if !cfg.KVCache.Enabled || cfg.KVCache.BlockSize != 16 || cfg.KVCache.NumWorkers != 4 {
		t.Fatalf("kv cache defaults = %+v", cfg.KVCache)
	}
	if cfg.RateLimit.Enabled || cfg.RateLimit.Tier != "tier-1" {
		t.Fatalf("rate limit defaults = %+v", cfg.RateLimit)
	}
	if cfg.Stream.TimeoutSeconds != 300 || cfg.Stream.KeepAliveIntervalSeconds != 15 {
		t.Fatalf("stream defaults = %+v", cfg.Stream)
	}
	if cfg.MaxRequestSize != 100*1024*1024 {
		t.Fatalf("max request size = %d", cfg.MaxRequestSize)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("FAKEAI_PORT", "9100")
	t.Setenv("FAKEAI_TTFT_MS", "120.5")
	t.Setenv("FAKEAI_API_KEYS", "sk-a, sk-b ,")
	t.Setenv("FAKEAI_RATE_LIMIT_ENABLED", "true")
	t.Setenv("FAKEAI_RATE_LIMIT_TIER", "tier-3")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != 9100 {
		t.Fatalf("port = %d", cfg.Port)
	}
	if cfg.Latency.TTFTMs != 120.5 {
		t.Fatalf("ttft = %v", cfg.Latency.TTFTMs)
	}
	if len(cfg.Auth.APIKeys) != 2 || cfg.Auth.APIKeys[0] != "sk-a" || cfg.Auth.APIKeys[1] != "sk-b" {
		t.Fatalf("api keys = %v", cfg.Auth.APIKeys)
	}
	if !cfg.RateLimit.Enabled || cfg.RateLimit.Tier != "tier-3" {
		t.Fatalf("rate limit = %+v", cfg.RateLimit)
	}
}

func TestValidate_Rejections(t *testing.T) {
	base := func() *Config {
		cfg, err := Load()
		if err != nil {
			t.Fatal(err)
		}
		return cfg
	}

	cfg := base()
	cfg.Port = 0
	if err := cfg.Validate(); err == nil {
		t.Error("port 0 must be rejected")
	}

	cfg = base()
	cfg.LogLevel = "verbose"
	if err := cfg.Validate(); err == nil {
		t.Error("unknown log level must be rejected")
	}

	cfg = base()
	cfg.RateLimit.Tier = "tier-9"
	if err := cfg.Validate(); err == nil {
		t.Error("unknown tier must be rejected")
	}

	cfg = base()
	cfg.Latency.TTFTVariancePct = 150
	if err := cfg.Validate(); err == nil {
		t.Error("variance above 100 must be rejected")
	}

	cfg = base()
	cfg.KVCache.BlockSize = 0
	if err := cfg.Validate(); err == nil {
		t.Error("zero block size must be rejected")
	}
}

func TestAddrAndDurations(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Addr() != "0.0.0.0:8000" {
		t.Fatalf("addr = %s", cfg.Addr())
	}
	if cfg.KeepAliveInterval().Seconds() != 15 {
		t.Fatalf("keepalive = %v", cfg.KeepAliveInterval())
	}
}
