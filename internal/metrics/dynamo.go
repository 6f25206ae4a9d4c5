package metrics

import (
	"sort"
	"sync"
	"time"
)

const (
	lifecycleRingSize = 100
	minuteBucketCount = 60
)

// Lifecycle is one request's full latency breakdown.
type Lifecycle struct {
	RequestID    string    `json:"request_id"`
	Model        string    `json:"model"`
	Worker       int       `json:"worker"`
	QueueMs      float64   `json:"queue_ms"`
	PrefillMs    float64   `json:"prefill_ms"`
	DecodeMs     float64   `json:"decode_ms"`
	TotalMs      float64   `json:"total_ms"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	Finished     time.Time `json:"finished"`
}

// minuteBucket accumulates per-minute request history.
type minuteBucket struct {
	Minute   int64   `json:"minute_unix"`
	Requests int64   `json:"requests"`
	TotalMs  float64 `json:"total_latency_ms"`
	Tokens   int64   `json:"tokens"`
}

// DynamoTracker keeps fine-grained latency breakdowns: the last 100
// request lifecycles in a ring, queue-depth and batch-size samples, and
// 60 one-minute history buckets.
type DynamoTracker struct {
	mu sync.Mutex

	ring []Lifecycle
	next int

	queueMs   *Window
	prefillMs *Window
	decodeMs  *Window
	totalMs   *Window

	queueDepth *Window
	batchSize  *Window

	buckets map[int64]*minuteBucket

	now func() time.Time
}

func NewDynamoTracker() *DynamoTracker {
	return &DynamoTracker{
		ring:       make([]Lifecycle, 0, lifecycleRingSize),
		queueMs:    NewWindow(0, 0),
		prefillMs:  NewWindow(0, 0),
		decodeMs:   NewWindow(0, 0),
		totalMs:    NewWindow(0, 0),
		queueDepth: NewWindow(0, 0),
		batchSize:  NewWindow(0, 0),
		buckets:    make(map[int64]*minuteBucket),
		now:        time.Now,
	}
}

// RecordLifecycle folds one finished request into the ring, the latency
// windows and the minute history.
func (t *DynamoTracker) RecordLifecycle(lc Lifecycle) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if lc.Finished.IsZero() {
		lc.Finished = t.now()
	}
	if len(t.ring) < lifecycleRingSize {
		t.ring = append(t.ring, lc)
	} else {
		t.ring[t.next] = lc
	}
	t.next = (t.next + 1) % lifecycleRingSize

	t.queueMs.Record(lc.QueueMs)
	t.prefillMs.Record(lc.PrefillMs)
	t.decodeMs.Record(lc.DecodeMs)
	t.totalMs.Record(lc.TotalMs)

	minute := lc.Finished.Unix() / 60 * 60
	b, ok := t.buckets[minute]
	if !ok {
		b = &minuteBucket{Minute: minute}
		t.buckets[minute] = b
		t.trimBucketsLocked(minute)
	}
	b.Requests++
	b.TotalMs += lc.TotalMs
	b.Tokens += int64(lc.InputTokens + lc.OutputTokens)
}

// trimBucketsLocked drops buckets older than the retained hour.
func (t *DynamoTracker) trimBucketsLocked(latest int64) {
	cutoff := latest - int64(minuteBucketCount*60)
	for m := range t.buckets {
		if m <= cutoff {
			delete(t.buckets, m)
		}
	}
}

func (t *DynamoTracker) SampleQueueDepth(depth int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.queueDepth.Record(float64(depth))
}

func (t *DynamoTracker) SampleBatchSize(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.batchSize.Record(float64(n))
}

// PhaseSnapshot is one latency phase's summary.
type PhaseSnapshot struct {
	Mean float64 `json:"mean_ms"`
	PercentilesMs
}

// DynamoSnapshot is the dynamo-tracker dump backing /dynamo/metrics/json.
type DynamoSnapshot struct {
	Queue   PhaseSnapshot `json:"queue"`
	Prefill PhaseSnapshot `json:"prefill"`
	Decode  PhaseSnapshot `json:"decode"`
	Total   PhaseSnapshot `json:"total"`

	QueueDepthMean float64 `json:"queue_depth_mean"`
	BatchSizeMean  float64 `json:"batch_size_mean"`

	Lifecycles []Lifecycle    `json:"recent_requests"`
	History    []minuteBucket `json:"history"`
}

func phase(w *Window) PhaseSnapshot {
	return PhaseSnapshot{Mean: w.Mean(), PercentilesMs: percentiles(w)}
}

func (t *DynamoTracker) Snapshot() DynamoSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := DynamoSnapshot{
		Queue:          phase(t.queueMs),
		Prefill:        phase(t.prefillMs),
		Decode:         phase(t.decodeMs),
		Total:          phase(t.totalMs),
		QueueDepthMean: t.queueDepth.Mean(),
		BatchSizeMean:  t.batchSize.Mean(),
		Lifecycles:     make([]Lifecycle, 0, len(t.ring)),
	}
	// Oldest first.
	if len(t.ring) == lifecycleRingSize {
		s.Lifecycles = append(s.Lifecycles, t.ring[t.next:]...)
		s.Lifecycles = append(s.Lifecycles, t.ring[:t.next]...)
	} else {
		s.Lifecycles = append(s.Lifecycles, t.ring...)
	}
	for _, b := range t.buckets {
		s.History = append(s.History, *b)
	}
	sort.Slice(s.History, func(i, j int) bool { return s.History[i].Minute < s.History[j].Minute })
	return s
}
