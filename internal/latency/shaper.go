// Package latency shapes the simulated timing of fabricated completions:
// time-to-first-token (TTFT) and inter-token latency (ITL), with uniform
// percent-variance noise and an optional KV-cache-driven TTFT reduction.
package latency

import (
	"math/rand/v2"
	"time"
)

const (
	// DefaultSpeedupWeight scales how strongly cache overlap shortens TTFT.
	DefaultSpeedupWeight = 0.8

	// ttftFloorFraction is the lowest TTFT the cache reduction may reach,
	// as a fraction of the configured mean.
	ttftFloorFraction = 0.10
)

// Config holds the shaper parameters. All durations are mean values in
// milliseconds; variance is a ± percentage applied uniformly.
type Config struct {
	TTFTMs          float64
	TTFTVariancePct float64
	ITLMs           float64
	ITLVariancePct  float64
	SpeedupWeight   float64
}

// Shaper samples TTFT and ITL delays. One Shaper serves all requests; the
// PRNG is guarded by the caller owning a per-request Sampler.
type Shaper struct {
	cfg Config
}

// New creates a Shaper. A zero SpeedupWeight falls back to the default.
func New(cfg Config) *Shaper {
	if cfg.SpeedupWeight <= 0 {
		cfg.SpeedupWeight = DefaultSpeedupWeight
	}
	return &Shaper{cfg: cfg}
}

// Sampler draws delays for one request from a dedicated PRNG, so a
// request's timing is deterministic given its seed.
type Sampler struct {
	cfg Config
	rng *rand.Rand
}

// SamplerFor creates a per-request sampler from a seed.
func (s *Shaper) SamplerFor(seed uint64) *Sampler {
	return &Sampler{
		cfg: s.cfg,
		rng: rand.New(rand.NewPCG(seed, seed^0x51f15eed)),
	}
}

// sample returns mean × (1 + uniform(−variancePct, +variancePct)/100),
// clamped non-negative.
func (sm *Sampler) sample(mean, variancePct float64) float64 {
	if mean <= 0 {
		return 0
	}
	noise := (sm.rng.Float64()*2 - 1) * variancePct / 100
	v := mean * (1 + noise)
	if v < 0 {
		v = 0
	}
	return v
}

// TTFT returns the time-to-first-token delay. When the KV cache matched
// matchedTokens of totalTokens input tokens, TTFT shrinks by
// (1 − overlap × speedupWeight), floored at 10% of the configured mean.
func (sm *Sampler) TTFT(matchedTokens, totalTokens int) time.Duration {
	mean := sm.cfg.TTFTMs
	if totalTokens > 0 && matchedTokens > 0 {
		overlap := float64(matchedTokens) / float64(totalTokens)
		factor := 1 - overlap*sm.cfg.SpeedupWeight
		floor := ttftFloorFraction
		if factor < floor {
			factor = floor
		}
		mean *= factor
	}
	ms := sm.sample(mean, sm.cfg.TTFTVariancePct)
	return time.Duration(ms * float64(time.Millisecond))
}

// ITL returns one inter-token delay.
func (sm *Sampler) ITL() time.Duration {
	ms := sm.sample(sm.cfg.ITLMs, sm.cfg.ITLVariancePct)
	return time.Duration(ms * float64(time.Millisecond))
}
