// Package events provides the process-wide publish/subscribe event bus for
// operational observability. Events flow from the request pipeline (auth,
// rate limiter, cache router, streaming engine) to subscribers (metric
// trackers, the batched request logger, the WebSocket metrics pusher).
//
// Publishing is non-blocking: when the bus queue is full the event is
// dropped and counted. Subscribers that repeatedly fail or time out are
// temporarily suppressed by a per-subscriber circuit so one bad consumer
// cannot starve the rest.
package events

import "time"

// Kind identifies one event type. Kinds are grouped into categories by
// their dotted prefix (see Category).
type Kind string

// Request lifecycle events.
const (
	RequestStarted   Kind = "request.started"
	RequestQueued    Kind = "request.queued"
	RequestAdmitted  Kind = "request.admitted"
	RequestRejected  Kind = "request.rejected"
	RequestCompleted Kind = "request.completed"
	RequestFailed    Kind = "request.failed"
	RequestCancelled Kind = "request.cancelled"
)

// Token events.
const (
	TokensCounted   Kind = "tokens.counted"
	TokensGenerated Kind = "tokens.generated"
	TokensReasoning Kind = "tokens.reasoning"
)

// Stream lifecycle events.
const (
	StreamStarted        Kind = "stream.started"
	StreamFirstToken     Kind = "stream.first_token"
	StreamTokenGenerated Kind = "stream.token_generated"
	StreamKeepAlive      Kind = "stream.keepalive"
	StreamCompleted      Kind = "stream.completed"
	StreamFailed         Kind = "stream.failed"
	StreamCancelled      Kind = "stream.cancelled"
)

// Latency phase events.
const (
	PrefillStarted   Kind = "latency.prefill_started"
	PrefillCompleted Kind = "latency.prefill_completed"
	DecodeStarted    Kind = "latency.decode_started"
	DecodeCompleted  Kind = "latency.decode_completed"
	TTFTRecorded     Kind = "latency.ttft_recorded"
	ITLRecorded      Kind = "latency.itl_recorded"
)

// KV-cache events.
const (
	CacheLookup   Kind = "cache.lookup"
	CacheHit      Kind = "cache.hit"
	CacheMiss     Kind = "cache.miss"
	CacheInsert   Kind = "cache.insert"
	CacheEvict    Kind = "cache.evict"
	CacheSpeedup  Kind = "cache.speedup_applied"
	WorkerRouted  Kind = "cache.worker_routed"
	WorkerDrained Kind = "cache.worker_drained"
)

// Model and resource events.
const (
	ModelRegistered Kind = "model.registered"
	ModelAccessed   Kind = "model.accessed"
	GPUSampled      Kind = "model.gpu_sampled"
	QueueDepth      Kind = "model.queue_depth"
	BatchFormed     Kind = "model.batch_formed"
)

// Error and recovery events.
const (
	ErrorOccurred        Kind = "error.occurred"
	ErrorValidation      Kind = "error.validation"
	ErrorAuth            Kind = "error.auth"
	ErrorRateLimited     Kind = "error.rate_limited"
	ErrorContextOverflow Kind = "error.context_overflow"
	ErrorTimeout         Kind = "error.timeout"
	ErrorPatternDetected Kind = "error.pattern_detected"
	ErrorRecovered       Kind = "error.recovered"
)

// Usage and billing events.
const (
	UsageTokens         Kind = "usage.tokens"
	UsageCost           Kind = "usage.cost"
	UsageBudgetWarning  Kind = "usage.budget_warning"
	UsageBudgetExceeded Kind = "usage.budget_exceeded"
)

// Wildcard subscribes a handler to every event kind.
const Wildcard Kind = "*"

// AllKinds lists every defined event kind (48 kinds, 8 categories).
// Publish rejects kinds outside this set so typos surface in tests rather
// than as silent no-ops.
var AllKinds = []Kind{
	RequestStarted, RequestQueued, RequestAdmitted, RequestRejected,
	RequestCompleted, RequestFailed, RequestCancelled,
	TokensCounted, TokensGenerated, TokensReasoning,
	StreamStarted, StreamFirstToken, StreamTokenGenerated, StreamKeepAlive,
	StreamCompleted, StreamFailed, StreamCancelled,
	PrefillStarted, PrefillCompleted, DecodeStarted, DecodeCompleted,
	TTFTRecorded, ITLRecorded,
	CacheLookup, CacheHit, CacheMiss, CacheInsert, CacheEvict,
	CacheSpeedup, WorkerRouted, WorkerDrained,
	ModelRegistered, ModelAccessed, GPUSampled,
	QueueDepth, BatchFormed,
	ErrorOccurred, ErrorValidation, ErrorAuth, ErrorRateLimited,
	ErrorContextOverflow, ErrorTimeout, ErrorPatternDetected, ErrorRecovered,
	UsageTokens, UsageCost, UsageBudgetWarning, UsageBudgetExceeded,
}

// Category returns the dotted prefix of a kind ("request", "stream", …).
func (k Kind) Category() string {
	s := string(k)
	for i := 0; i < len(s); i++ {
		if s[i] == '.' {
			return s[:i]
		}
	}
	return s
}

// Event is a single immutable observability record. Exactly one payload
// field is set, matching the kind's category.
type Event struct {
	Kind      Kind      `json:"kind"`
	RequestID string    `json:"request_id,omitempty"`
	StreamID  string    `json:"stream_id,omitempty"`
	Timestamp time.Time `json:"ts"`

	Request *RequestPayload `json:"request,omitempty"`
	Stream  *StreamPayload  `json:"stream,omitempty"`
	Latency *LatencyPayload `json:"latency,omitempty"`
	Cache   *CachePayload   `json:"cache,omitempty"`
	Error   *ErrorPayload   `json:"error,omitempty"`
	Usage   *UsagePayload   `json:"usage,omitempty"`
}

// RequestPayload carries request-lifecycle details.
type RequestPayload struct {
	Endpoint     string `json:"endpoint"`
	Model        string `json:"model"`
	APIKey       string `json:"api_key,omitempty"`
	Streaming    bool   `json:"streaming"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
	CachedTokens int    `json:"cached_tokens"`
	Worker       int    `json:"worker"`
	DurationMs   float64 `json:"duration_ms"`
	FinishReason string `json:"finish_reason,omitempty"`
	Status       int    `json:"status,omitempty"`
}

// StreamPayload carries per-token stream details.
type StreamPayload struct {
	Sequence  int     `json:"seq"`
	Token     string  `json:"token,omitempty"`
	ChunkSize int     `json:"chunk_bytes"`
	TTFTMs    float64 `json:"ttft_ms,omitempty"`
	ITLMs     float64 `json:"itl_ms,omitempty"`
	Tokens    int     `json:"tokens,omitempty"`
	TPS       float64 `json:"tokens_per_second,omitempty"`
	Reasoning bool    `json:"reasoning,omitempty"`
}

// LatencyPayload carries phase timing samples in milliseconds.
type LatencyPayload struct {
	Phase      string  `json:"phase"`
	QueueMs    float64 `json:"queue_ms,omitempty"`
	PrefillMs  float64 `json:"prefill_ms,omitempty"`
	DecodeMs   float64 `json:"decode_ms,omitempty"`
	TotalMs    float64 `json:"total_ms,omitempty"`
	QueueDepth int     `json:"queue_depth,omitempty"`
	BatchSize  int     `json:"batch_size,omitempty"`
}

// CachePayload carries KV-cache lookup/insert details.
type CachePayload struct {
	Endpoint      string  `json:"endpoint"`
	MatchedTokens int     `json:"matched_tokens"`
	TotalTokens   int     `json:"total_tokens"`
	Worker        int     `json:"worker"`
	BlocksEvicted int     `json:"blocks_evicted,omitempty"`
	SpeedupRatio  float64 `json:"speedup_ratio,omitempty"`
}

// ErrorPayload classifies a failure.
type ErrorPayload struct {
	Endpoint string `json:"endpoint"`
	ErrKind  string `json:"error_kind"`
	Message  string `json:"message,omitempty"`
	Pattern  string `json:"pattern,omitempty"`
	APIKey   string `json:"api_key,omitempty"`
}

// UsagePayload carries billing-relevant counters.
type UsagePayload struct {
	APIKey       string  `json:"api_key"`
	Model        string  `json:"model"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CachedTokens int     `json:"cached_tokens"`
	CostUSD      float64 `json:"cost_usd,omitempty"`
}
