package ratelimit

import (
	"math"
	"sync"
	"time"
)

const (
	// Abuse detection: sustained request rate above burstFactor × RPM for
	// at least burstDuration flags the key.
	burstFactor   = 3.0
	burstDuration = 5 * time.Second

	attemptWindow = time.Minute
)

// bucket is a lazily refilled token bucket.
type bucket struct {
	capacity     float64
	tokens       float64
	refillPerSec float64
	last         time.Time
}

func newBucket(capacity int, per time.Duration, now time.Time) bucket {
	c := float64(capacity)
	return bucket{
		capacity:     c,
		tokens:       c,
		refillPerSec: c / per.Seconds(),
		last:         now,
	}
}

func (b *bucket) refill(now time.Time) {
	if b.capacity == 0 {
		return
	}
	elapsed := now.Sub(b.last).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens = math.Min(b.capacity, b.tokens+elapsed*b.refillPerSec)
	b.last = now
}

// retryAfter returns the whole seconds until the bucket holds n tokens.
func (b *bucket) retryAfter(n float64) int {
	if b.capacity == 0 || b.tokens >= n {
		return 0
	}
	return int(math.Ceil((n - b.tokens) / b.refillPerSec))
}

// resetAfter returns the whole seconds until the bucket is full again.
func (b *bucket) resetAfter() int {
	return b.retryAfter(b.capacity)
}

// keyState is one API key's buckets plus abuse-detection bookkeeping.
type keyState struct {
	rpm bucket
	tpm bucket
	rpd bucket

	attempts   []time.Time
	burstSince time.Time
	flagged    bool
}

// Headers is the rate-limit header snapshot attached to every response.
type Headers struct {
	LimitRequests     int
	RemainingRequests int
	ResetRequestsSec  int
	LimitTokens       int
	RemainingTokens   int
	ResetTokensSec    int
}

// Result is the outcome of one admission attempt.
type Result struct {
	Allowed       bool
	RetryAfterSec int
	Headers       Headers

	// AbuseDetected fires once per sustained burst, on the attempt that
	// crosses the detection threshold.
	AbuseDetected bool
	ObservedRPM   float64
}

// Limiter admits requests per key against a tier's rpm/tpm/rpd limits.
// All three axes are checked under one lock: a rejected request consumes
// nothing on any axis.
type Limiter struct {
	mu   sync.Mutex
	tier Tier
	keys map[string]*keyState

	now func() time.Time
}

// New creates a limiter for a tier. Explicit rpmOverride/tpmOverride
// replace the tier values when positive.
func New(tier Tier, rpmOverride, tpmOverride int) *Limiter {
	if rpmOverride > 0 {
		tier.RPM = rpmOverride
	}
	if tpmOverride > 0 {
		tier.TPM = tpmOverride
	}
	return &Limiter{
		tier: tier,
		keys: make(map[string]*keyState),
		now:  time.Now,
	}
}

// Tier returns the effective tier (after overrides).
func (l *Limiter) Tier() Tier { return l.tier }

// Admit attempts to admit one request consuming tokenEstimate tokens for
// key. On rejection nothing is consumed and RetryAfterSec is the smallest
// time until any failing axis next refills.
func (l *Limiter) Admit(key string, tokenEstimate int) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	ks := l.state(key, now)
	ks.rpm.refill(now)
	ks.tpm.refill(now)
	ks.rpd.refill(now)

	res := Result{}
	res.AbuseDetected, res.ObservedRPM = l.recordAttempt(ks, now)

	need := float64(tokenEstimate)
	retry := 0
	allowed := true
	if l.tier.RPM > 0 && ks.rpm.tokens < 1 {
		allowed = false
		retry = minRetry(retry, ks.rpm.retryAfter(1))
	}
	if l.tier.TPM > 0 && ks.tpm.tokens < need {
		allowed = false
		retry = minRetry(retry, ks.tpm.retryAfter(need))
	}
	if l.tier.RPD > 0 && ks.rpd.tokens < 1 {
		allowed = false
		retry = minRetry(retry, ks.rpd.retryAfter(1))
	}

	if allowed {
		if l.tier.RPM > 0 {
			ks.rpm.tokens--
		}
		if l.tier.TPM > 0 {
			ks.tpm.tokens -= need
		}
		if l.tier.RPD > 0 {
			ks.rpd.tokens--
		}
	}

	res.Allowed = allowed
	res.RetryAfterSec = retry
	res.Headers = l.headers(ks)
	return res
}

// minRetry folds one failing axis' refill time into the running minimum,
// clamped to at least one second.
func minRetry(cur, r int) int {
	if r < 1 {
		r = 1
	}
	if cur == 0 || r < cur {
		return r
	}
	return cur
}

// Refund returns unused tokens to the tpm bucket after a request finishes
// with fewer tokens than estimated.
func (l *Limiter) Refund(key string, tokens int) {
	if tokens <= 0 || l.tier.TPM == 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	ks, ok := l.keys[key]
	if !ok {
		return
	}
	ks.tpm.tokens = math.Min(ks.tpm.capacity, ks.tpm.tokens+float64(tokens))
}

// Snapshot returns current headers for key without consuming anything.
func (l *Limiter) Snapshot(key string) Headers {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	ks := l.state(key, now)
	ks.rpm.refill(now)
	ks.tpm.refill(now)
	return l.headers(ks)
}

func (l *Limiter) state(key string, now time.Time) *keyState {
	ks, ok := l.keys[key]
	if !ok {
		ks = &keyState{
			rpm: newBucket(l.tier.RPM, time.Minute, now),
			tpm: newBucket(l.tier.TPM, time.Minute, now),
			rpd: newBucket(l.tier.RPD, 24*time.Hour, now),
		}
		l.keys[key] = ks
	}
	return ks
}

func (l *Limiter) headers(ks *keyState) Headers {
	return Headers{
		LimitRequests:     l.tier.RPM,
		RemainingRequests: int(ks.rpm.tokens),
		ResetRequestsSec:  ks.rpm.resetAfter(),
		LimitTokens:       l.tier.TPM,
		RemainingTokens:   int(ks.tpm.tokens),
		ResetTokensSec:    ks.tpm.resetAfter(),
	}
}

// recordAttempt tracks attempt timestamps (admitted or not) in a sliding
// minute window and detects sustained bursts above burstFactor × RPM.
// Returns (detected-now, observed rate); detected-now is true only on the
// attempt that crosses the burstDuration threshold.
func (l *Limiter) recordAttempt(ks *keyState, now time.Time) (bool, float64) {
	cutoff := now.Add(-attemptWindow)
	kept := ks.attempts[:0]
	for _, t := range ks.attempts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	ks.attempts = append(kept, now)

	observed := float64(len(ks.attempts))
	if l.tier.RPM == 0 || observed <= burstFactor*float64(l.tier.RPM) {
		ks.burstSince = time.Time{}
		ks.flagged = false
		return false, observed
	}

	if ks.burstSince.IsZero() {
		ks.burstSince = now
	}
	if !ks.flagged && now.Sub(ks.burstSince) >= burstDuration {
		ks.flagged = true
		return true, observed
	}
	return false, observed
}
