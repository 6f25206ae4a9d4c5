// Package metrics implements the observability core: sliding sample
// windows, the specialized trackers fed by event-bus subscribers, the
// Prometheus/DCGM exposition, and the aggregated snapshot document
// served by the metrics endpoints.
package metrics

import (
	"math"
	"sort"
	"sync"
	"time"
)

const (
	defaultWindowSeconds = 60.0
	defaultMaxSamples    = 10_000
)

type sample struct {
	at    time.Time
	value float64
}

// Window is a sliding-window sample buffer bounded by both age and count.
// Samples are append-only; Cleanup drops samples older than the window.
// Safe for concurrent use.
type Window struct {
	mu            sync.Mutex
	windowSeconds float64
	maxSamples    int
	samples       []sample
	now           func() time.Time
}

// NewWindow creates a window. Non-positive arguments fall back to the
// defaults (60 s, 10 000 samples).
func NewWindow(windowSeconds float64, maxSamples int) *Window {
	if windowSeconds <= 0 {
		windowSeconds = defaultWindowSeconds
	}
	if maxSamples <= 0 {
		maxSamples = defaultMaxSamples
	}
	return &Window{
		windowSeconds: windowSeconds,
		maxSamples:    maxSamples,
		now:           time.Now,
	}
}

// Record appends a sample at the current time.
func (w *Window) Record(v float64) {
	w.RecordAt(w.now(), v)
}

// RecordAt appends a sample with an explicit timestamp. When the buffer is
// full the oldest sample is discarded.
func (w *Window) RecordAt(t time.Time, v float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.samples) >= w.maxSamples {
		w.samples = w.samples[1:]
	}
	w.samples = append(w.samples, sample{at: t, value: v})
}

// cleanupLocked drops samples older than now − window. Callers hold w.mu.
func (w *Window) cleanupLocked() {
	cutoff := w.now().Add(-time.Duration(w.windowSeconds * float64(time.Second)))
	i := 0
	for i < len(w.samples) && w.samples[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		w.samples = w.samples[i:]
	}
}

// Rate returns samples-per-second over the window after cleanup.
func (w *Window) Rate() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cleanupLocked()
	return float64(len(w.samples)) / w.windowSeconds
}

// Count returns the number of live samples after cleanup.
func (w *Window) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cleanupLocked()
	return len(w.samples)
}

// Mean returns the arithmetic mean of live sample values, or 0 when empty.
func (w *Window) Mean() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cleanupLocked()
	if len(w.samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range w.samples {
		sum += s.value
	}
	return sum / float64(len(w.samples))
}

// Sum returns the sum of live sample values.
func (w *Window) Sum() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cleanupLocked()
	var sum float64
	for _, s := range w.samples {
		sum += s.value
	}
	return sum
}

// Percentile returns the p-th percentile of live sample values using the
// nearest-rank method. With fewer than 20 samples the max is returned,
// as is any p≥100 query. Returns 0 when the window is empty.
func (w *Window) Percentile(p float64) float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cleanupLocked()

	n := len(w.samples)
	if n == 0 {
		return 0
	}
	values := make([]float64, n)
	for i, s := range w.samples {
		values[i] = s.value
	}
	sort.Float64s(values)

	if n < 20 || p >= 100 {
		return values[n-1]
	}

	rank := int(math.Ceil(p / 100 * float64(n)))
	if rank < 1 {
		rank = 1
	}
	if rank > n {
		rank = n
	}
	return values[rank-1]
}

// Values returns a copy of the live sample values (oldest first).
func (w *Window) Values() []float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cleanupLocked()
	out := make([]float64, len(w.samples))
	for i, s := range w.samples {
		out[i] = s.value
	}
	return out
}
