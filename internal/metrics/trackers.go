package metrics

import (
	"sync"
	"time"
)

// PercentilesMs is the standard latency summary in milliseconds.
type PercentilesMs struct {
	P50 float64 `json:"p50_ms"`
	P90 float64 `json:"p90_ms"`
	P99 float64 `json:"p99_ms"`
}

func percentiles(w *Window) PercentilesMs {
	return PercentilesMs{P50: w.Percentile(50), P90: w.Percentile(90), P99: w.Percentile(99)}
}

// RequestTracker aggregates per-endpoint request throughput, error rates
// and latency percentiles over sliding windows.
type RequestTracker struct {
	mu        sync.Mutex
	endpoints map[string]*endpointWindows

	started   int64
	completed int64
	failed    int64
	cancelled int64
	rejected  int64
}

type endpointWindows struct {
	requests  *Window
	responses *Window
	errors    *Window
	latency   *Window
}

func NewRequestTracker() *RequestTracker {
	return &RequestTracker{endpoints: make(map[string]*endpointWindows)}
}

func (t *RequestTracker) windows(endpoint string) *endpointWindows {
	ew, ok := t.endpoints[endpoint]
	if !ok {
		ew = &endpointWindows{
			requests:  NewWindow(0, 0),
			responses: NewWindow(0, 0),
			errors:    NewWindow(0, 0),
			latency:   NewWindow(0, 0),
		}
		t.endpoints[endpoint] = ew
	}
	return ew
}

func (t *RequestTracker) Start(endpoint string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.started++
	t.windows(endpoint).requests.Record(1)
}

func (t *RequestTracker) Complete(endpoint string, durationMs float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.completed++
	ew := t.windows(endpoint)
	ew.responses.Record(1)
	ew.latency.Record(durationMs)
}

func (t *RequestTracker) Fail(endpoint string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failed++
	t.windows(endpoint).errors.Record(1)
}

func (t *RequestTracker) Cancel(endpoint string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancelled++
}

func (t *RequestTracker) Reject(endpoint string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rejected++
	t.windows(endpoint).errors.Record(1)
}

// EndpointSnapshot is one endpoint's rates and latency summary.
type EndpointSnapshot struct {
	RPS          float64       `json:"requests_per_second"`
	ResponseRate float64       `json:"responses_per_second"`
	ErrorRate    float64       `json:"errors_per_second"`
	Latency      PercentilesMs `json:"latency"`
	LatencyMean  float64       `json:"latency_mean_ms"`
}

// RequestSnapshot is the full request-tracker dump.
type RequestSnapshot struct {
	Started   int64                       `json:"total_started"`
	Completed int64                       `json:"total_completed"`
	Failed    int64                       `json:"total_failed"`
	Cancelled int64                       `json:"total_cancelled"`
	Rejected  int64                       `json:"total_rejected"`
	Endpoints map[string]EndpointSnapshot `json:"endpoints"`
}

func (t *RequestTracker) Snapshot() RequestSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := RequestSnapshot{
		Started:   t.started,
		Completed: t.completed,
		Failed:    t.failed,
		Cancelled: t.cancelled,
		Rejected:  t.rejected,
		Endpoints: make(map[string]EndpointSnapshot, len(t.endpoints)),
	}
	for ep, ew := range t.endpoints {
		s.Endpoints[ep] = EndpointSnapshot{
			RPS:          ew.requests.Rate(),
			ResponseRate: ew.responses.Rate(),
			ErrorRate:    ew.errors.Rate(),
			Latency:      percentiles(ew.latency),
			LatencyMean:  ew.latency.Mean(),
		}
	}
	return s
}

// StreamingTracker follows per-stream lifecycles and aggregates TTFT and
// tokens-per-second across completed streams.
type StreamingTracker struct {
	mu     sync.Mutex
	active map[string]*streamState

	ttft *Window
	tps  *Window

	completed int64
	failed    int64
	cancelled int64
}

type streamState struct {
	start      time.Time
	firstToken time.Time
	tokens     int
}

func NewStreamingTracker() *StreamingTracker {
	return &StreamingTracker{
		active: make(map[string]*streamState),
		ttft:   NewWindow(0, 0),
		tps:    NewWindow(0, 0),
	}
}

func (t *StreamingTracker) Started(streamID string, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active[streamID] = &streamState{start: at}
}

func (t *StreamingTracker) FirstToken(streamID string, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.active[streamID]
	if !ok || !st.firstToken.IsZero() {
		return
	}
	st.firstToken = at
	t.ttft.Record(at.Sub(st.start).Seconds() * 1000)
}

func (t *StreamingTracker) Token(streamID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.active[streamID]; ok {
		st.tokens++
	}
}

func (t *StreamingTracker) Completed(streamID string, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.active[streamID]
	if !ok {
		return
	}
	delete(t.active, streamID)
	t.completed++
	if !st.firstToken.IsZero() && st.tokens > 0 {
		if gen := at.Sub(st.firstToken).Seconds(); gen > 0 {
			t.tps.Record(float64(st.tokens) / gen)
		}
	}
}

func (t *StreamingTracker) Failed(streamID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.active, streamID)
	t.failed++
}

func (t *StreamingTracker) Cancelled(streamID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.active, streamID)
	t.cancelled++
}

// StreamingSnapshot is the streaming-tracker dump.
type StreamingSnapshot struct {
	Active    int           `json:"active_streams"`
	Completed int64         `json:"completed_streams"`
	Failed    int64         `json:"failed_streams"`
	Cancelled int64         `json:"cancelled_streams"`
	TTFT      PercentilesMs `json:"ttft"`
	TTFTMean  float64       `json:"ttft_mean_ms"`
	TPSMean   float64       `json:"tokens_per_second_mean"`
}

func (t *StreamingTracker) Snapshot() StreamingSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return StreamingSnapshot{
		Active:    len(t.active),
		Completed: t.completed,
		Failed:    t.failed,
		Cancelled: t.cancelled,
		TTFT:      percentiles(t.ttft),
		TTFTMean:  t.ttft.Mean(),
		TPSMean:   t.tps.Mean(),
	}
}

// ModelTracker keeps per-model request counts, running mean latency and
// token totals.
type ModelTracker struct {
	mu     sync.Mutex
	models map[string]*ModelStats
}

// ModelStats is one model's aggregate.
type ModelStats struct {
	Requests      int64   `json:"requests"`
	MeanLatencyMs float64 `json:"mean_latency_ms"`
	InputTokens   int64   `json:"input_tokens"`
	OutputTokens  int64   `json:"output_tokens"`
	CachedTokens  int64   `json:"cached_tokens"`
}

func NewModelTracker() *ModelTracker {
	return &ModelTracker{models: make(map[string]*ModelStats)}
}

func (t *ModelTracker) Record(model string, durationMs float64, input, output, cached int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ms, ok := t.models[model]
	if !ok {
		ms = &ModelStats{}
		t.models[model] = ms
	}
	ms.Requests++
	ms.MeanLatencyMs += (durationMs - ms.MeanLatencyMs) / float64(ms.Requests)
	ms.InputTokens += int64(input)
	ms.OutputTokens += int64(output)
	ms.CachedTokens += int64(cached)
}

func (t *ModelTracker) Snapshot() map[string]ModelStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]ModelStats, len(t.models))
	for m, ms := range t.models {
		out[m] = *ms
	}
	return out
}

// ErrorTracker classifies failures per endpoint and counts detected abuse
// patterns.
type ErrorTracker struct {
	mu       sync.Mutex
	byKind   map[string]map[string]int64 // endpoint → error kind → count
	patterns map[string]int64
	total    int64
}

func NewErrorTracker() *ErrorTracker {
	return &ErrorTracker{
		byKind:   make(map[string]map[string]int64),
		patterns: make(map[string]int64),
	}
}

func (t *ErrorTracker) Record(endpoint, kind string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.total++
	m, ok := t.byKind[endpoint]
	if !ok {
		m = make(map[string]int64)
		t.byKind[endpoint] = m
	}
	m[kind]++
}

func (t *ErrorTracker) Pattern(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.patterns[name]++
}

// ErrorSnapshot is the error-tracker dump.
type ErrorSnapshot struct {
	Total    int64                       `json:"total_errors"`
	ByKind   map[string]map[string]int64 `json:"by_endpoint"`
	Patterns map[string]int64            `json:"patterns"`
}

func (t *ErrorTracker) Snapshot() ErrorSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := ErrorSnapshot{
		Total:    t.total,
		ByKind:   make(map[string]map[string]int64, len(t.byKind)),
		Patterns: make(map[string]int64, len(t.patterns)),
	}
	for ep, m := range t.byKind {
		cp := make(map[string]int64, len(m))
		for k, v := range m {
			cp[k] = v
		}
		s.ByKind[ep] = cp
	}
	for p, v := range t.patterns {
		s.Patterns[p] = v
	}
	return s
}

// KVCacheTracker aggregates cache lookup outcomes per endpoint plus the
// observed TTFT speedup ratios.
type KVCacheTracker struct {
	mu        sync.Mutex
	endpoints map[string]*cacheEndpoint
	speedup   *Window
}

type cacheEndpoint struct {
	lookups int64
	hits    int64
	matched int64
	total   int64
}

func NewKVCacheTracker() *KVCacheTracker {
	return &KVCacheTracker{
		endpoints: make(map[string]*cacheEndpoint),
		speedup:   NewWindow(0, 0),
	}
}

func (t *KVCacheTracker) Lookup(endpoint string, matched, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ce, ok := t.endpoints[endpoint]
	if !ok {
		ce = &cacheEndpoint{}
		t.endpoints[endpoint] = ce
	}
	ce.lookups++
	ce.matched += int64(matched)
	ce.total += int64(total)
	if matched > 0 {
		ce.hits++
	}
}

func (t *KVCacheTracker) Speedup(ratio float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.speedup.Record(ratio)
}

// CacheEndpointSnapshot is one endpoint's hit behaviour.
type CacheEndpointSnapshot struct {
	Lookups    int64   `json:"lookups"`
	Hits       int64   `json:"hits"`
	HitRate    float64 `json:"hit_rate"`
	AvgMatched float64 `json:"avg_matched_tokens"`
	ReuseRate  float64 `json:"token_reuse_rate"`
}

// KVCacheSnapshot is the cache-tracker dump.
type KVCacheSnapshot struct {
	Endpoints   map[string]CacheEndpointSnapshot `json:"endpoints"`
	MeanSpeedup float64                          `json:"mean_ttft_speedup_ratio"`
}

func (t *KVCacheTracker) Snapshot() KVCacheSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := KVCacheSnapshot{
		Endpoints:   make(map[string]CacheEndpointSnapshot, len(t.endpoints)),
		MeanSpeedup: t.speedup.Mean(),
	}
	for ep, ce := range t.endpoints {
		es := CacheEndpointSnapshot{Lookups: ce.lookups, Hits: ce.hits}
		if ce.lookups > 0 {
			es.HitRate = float64(ce.hits) / float64(ce.lookups)
			es.AvgMatched = float64(ce.matched) / float64(ce.lookups)
		}
		if ce.total > 0 {
			es.ReuseRate = float64(ce.matched) / float64(ce.total)
		}
		s.Endpoints[ep] = es
	}
	return s
}
