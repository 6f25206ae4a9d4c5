package kvcache

import (
	"sync"
	"time"
)

// Worker is an accounting partition for cache affinity and routing. It is
// not a thread: routing assigns requests to workers purely to model
// locality, and the counters here feed the scoring function and the
// /kv-cache and /dynamo metric endpoints.
type Worker struct {
	ID             int     `json:"id"`
	QueueDepth     int     `json:"queue_depth"`
	TokensInFlight int     `json:"tokens_in_flight"`
	AvgLatencyMs   float64 `json:"avg_latency_ms"`
	RoutedTotal    int64   `json:"routed_total"`

	latencySamples int64
}

// Decision is the outcome of one routed lookup.
type Decision struct {
	Worker        int
	MatchedTokens int
	TotalTokens   int
}

// Stats is a point-in-time copy of router counters for the metrics
// endpoints.
type Stats struct {
	Lookups          int64    `json:"total_lookups"`
	Hits             int64    `json:"total_cache_hits"`
	HitRate          float64  `json:"cache_hit_rate"`
	MatchedTokens    int64    `json:"total_matched_tokens"`
	InputTokens      int64    `json:"total_input_tokens"`
	AvgMatchedTokens float64  `json:"avg_matched_tokens"`
	TokenReuseRate   float64  `json:"token_reuse_rate"`
	Evictions        int64    `json:"evictions"`
	BlockSize        int      `json:"block_size"`
	MaxBlocksPerWorker int    `json:"max_blocks_per_worker"`
	Workers          []Worker `json:"workers"`
	ByEndpoint       map[string]EndpointStats `json:"by_endpoint"`
}

// EndpointStats aggregates hit behaviour per HTTP endpoint.
type EndpointStats struct {
	Lookups       int64   `json:"lookups"`
	Hits          int64   `json:"hits"`
	HitRate       float64 `json:"hit_rate"`
	AvgMatched    float64 `json:"avg_matched_tokens"`
	matchedTokens int64
}

// Router pairs the radix tree with worker accounting and the affinity
// scoring rule: score(w) = overlapWeight × matchedTokens(w) − queueDepth(w).
type Router struct {
	tree          *Tree
	overlapWeight float64

	mu       sync.Mutex
	workers  []*Worker
	lookups  int64
	hits     int64
	matched  int64
	input    int64
	byEndpoint map[string]*EndpointStats
}

// NewRouter creates a router with numWorkers affinity partitions.
func NewRouter(numWorkers, blockSize, maxBlocksPerWorker int, overlapWeight float64) *Router {
	if numWorkers <= 0 {
		numWorkers = 4
	}
	if overlapWeight <= 0 {
		overlapWeight = 1.0
	}
	r := &Router{
		tree:          NewTree(blockSize, maxBlocksPerWorker),
		overlapWeight: overlapWeight,
		workers:       make([]*Worker, numWorkers),
		byEndpoint:    make(map[string]*EndpointStats),
	}
	for i := range r.workers {
		r.workers[i] = &Worker{ID: i}
	}
	return r
}

// Route tokenises nothing — callers pass the token-id sequence. It scores
// every worker by contiguous cached-prefix overlap minus queue depth,
// routes to the best one (ties: least queue depth, then smallest id),
// inserts the full path for the chosen worker, and returns the decision.
func (r *Router) Route(endpoint string, tokens []uint64) Decision {
	hashes := BlockHashes(tokens, r.tree.blockSize)
	_, perWorker := r.tree.MatchBlocks(hashes)

	r.mu.Lock()
	best := r.workers[0]
	bestScore := r.score(best, perWorker)
	for _, w := range r.workers[1:] {
		s := r.score(w, perWorker)
		switch {
		case s > bestScore:
			best, bestScore = w, s
		case s == bestScore && w.QueueDepth < best.QueueDepth:
			best = w
		case s == bestScore && w.QueueDepth == best.QueueDepth && w.ID < best.ID:
			best = w
		}
	}

	matchedTokens := perWorker[best.ID] * r.tree.blockSize
	if matchedTokens > len(tokens) {
		matchedTokens = len(tokens)
	}

	best.RoutedTotal++
	r.lookups++
	r.matched += int64(matchedTokens)
	r.input += int64(len(tokens))
	if matchedTokens > 0 {
		r.hits++
	}
	es := r.byEndpoint[endpoint]
	if es == nil {
		es = &EndpointStats{}
		r.byEndpoint[endpoint] = es
	}
	es.Lookups++
	es.matchedTokens += int64(matchedTokens)
	if matchedTokens > 0 {
		es.Hits++
	}
	workerID := best.ID
	r.mu.Unlock()

	r.tree.Insert(hashes, workerID)

	return Decision{Worker: workerID, MatchedTokens: matchedTokens, TotalTokens: len(tokens)}
}

// score computes the affinity score for w given per-worker matched block
// counts. Called with r.mu held.
func (r *Router) score(w *Worker, perWorker map[int]int) float64 {
	matched := perWorker[w.ID] * r.tree.blockSize
	return r.overlapWeight*float64(matched) - float64(w.QueueDepth)
}

// BeginRequest charges a routed request against its worker.
func (r *Router) BeginRequest(worker, tokens int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if worker < 0 || worker >= len(r.workers) {
		return
	}
	w := r.workers[worker]
	w.QueueDepth++
	w.TokensInFlight += tokens
}

// EndRequest releases the worker charge and folds the observed latency
// into the running average.
func (r *Router) EndRequest(worker, tokens int, latency time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if worker < 0 || worker >= len(r.workers) {
		return
	}
	w := r.workers[worker]
	if w.QueueDepth > 0 {
		w.QueueDepth--
	}
	w.TokensInFlight -= tokens
	if w.TokensInFlight < 0 {
		w.TokensInFlight = 0
	}
	w.latencySamples++
	ms := float64(latency.Milliseconds())
	w.AvgLatencyMs += (ms - w.AvgLatencyMs) / float64(w.latencySamples)
}

// QueueDepth reports a worker's current depth (for the dynamo endpoint).
func (r *Router) QueueDepth(worker int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if worker < 0 || worker >= len(r.workers) {
		return 0
	}
	return r.workers[worker].QueueDepth
}

// NumWorkers returns the configured partition count.
func (r *Router) NumWorkers() int { return len(r.workers) }

// Stats returns a copy of all router counters.
func (r *Router) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := Stats{
		Lookups:            r.lookups,
		Hits:               r.hits,
		MatchedTokens:      r.matched,
		InputTokens:        r.input,
		Evictions:          r.tree.Evictions(),
		BlockSize:          r.tree.blockSize,
		MaxBlocksPerWorker: r.tree.maxPerWorker,
		ByEndpoint:         make(map[string]EndpointStats, len(r.byEndpoint)),
	}
	if r.lookups > 0 {
		st.HitRate = float64(r.hits) / float64(r.lookups)
		st.AvgMatchedTokens = float64(r.matched) / float64(r.lookups)
	}
	if r.input > 0 {
		st.TokenReuseRate = float64(r.matched) / float64(r.input)
	}
	for _, w := range r.workers {
		st.Workers = append(st.Workers, *w)
	}
	for ep, es := range r.byEndpoint {
		out := EndpointStats{Lookups: es.Lookups, Hits: es.Hits}
		if es.Lookups > 0 {
			out.HitRate = float64(es.Hits) / float64(es.Lookups)
			out.AvgMatched = float64(es.matchedTokens) / float64(es.Lookups)
		}
		st.ByEndpoint[ep] = out
	}
	return st
}
