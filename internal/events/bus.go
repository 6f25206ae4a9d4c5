package events

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// queueCapacity bounds the publish queue. Publishing to a full queue
	// drops the event and increments the drop counter.
	queueCapacity = 10_000

	// handlerTimeout is the per-subscriber dispatch deadline.
	handlerTimeout = 5 * time.Second

	// Circuit thresholds: failureThreshold failures within failureWindow
	// suppress the subscriber for circuitCooldown.
	failureThreshold = 5
	failureWindow    = 60 * time.Second
	circuitCooldown  = 30 * time.Second
)

// Handler processes one dispatched event. It must return before the
// dispatch timeout and must not mutate anything except its own tracker.
type Handler func(ctx context.Context, e Event) error

// subscriber is one registered handler with its match set and priority.
type subscriber struct {
	name     string
	kinds    map[Kind]struct{}
	wildcard bool
	priority int
	fn       Handler

	mu           sync.Mutex
	handled      int64
	errors       int64
	timeouts     int64
	failures     int // failures inside the current window
	windowStart  time.Time
	suppressedAt time.Time // zero when the circuit is closed
}

// Bus is the process event dispatcher. Construct with New, register
// subscribers, then call Start exactly once.
type Bus struct {
	queue chan Event
	log   *slog.Logger

	mu   sync.RWMutex
	subs []*subscriber

	published int64
	dropped   int64
	dispatched int64

	startOnce sync.Once
	wg        sync.WaitGroup
	valid     map[Kind]struct{}
	onDrop    func()
}

// New creates an event bus with the default queue capacity.
func New(log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	valid := make(map[Kind]struct{}, len(AllKinds))
	for _, k := range AllKinds {
		valid[k] = struct{}{}
	}
	return &Bus{
		queue: make(chan Event, queueCapacity),
		log:   log,
		valid: valid,
	}
}

// Subscribe registers a handler for the given kinds. Wildcard subscribes
// to every kind. Higher priority runs earlier within one event. Must be
// called before Start.
func (b *Bus) Subscribe(name string, kinds []Kind, priority int, fn Handler) {
	s := &subscriber{
		name:        name,
		kinds:       make(map[Kind]struct{}, len(kinds)),
		priority:    priority,
		fn:          fn,
		windowStart: time.Now(),
	}
	for _, k := range kinds {
		if k == Wildcard {
			s.wildcard = true
			continue
		}
		s.kinds[k] = struct{}{}
	}

	b.mu.Lock()
	b.subs = append(b.subs, s)
	// Keep subscribers sorted by priority descending so dispatch does not
	// re-sort per event.
	sort.SliceStable(b.subs, func(i, j int) bool {
		return b.subs[i].priority > b.subs[j].priority
	})
	b.mu.Unlock()
}

// OnDrop registers fn to run on every dropped event, on top of the
// internal drop counter. Must be set before Start.
func (b *Bus) OnDrop(fn func()) { b.onDrop = fn }

// Publish enqueues an event without blocking. Events with an unknown kind
// or a full queue are dropped and counted.
func (b *Bus) Publish(e Event) {
	if _, ok := b.valid[e.Kind]; !ok {
		b.drop()
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	select {
	case b.queue <- e:
		atomic.AddInt64(&b.published, 1)
	default:
		b.drop()
	}
}

func (b *Bus) drop() {
	atomic.AddInt64(&b.dropped, 1)
	if b.onDrop != nil {
		b.onDrop()
	}
}

// Start launches the dispatcher worker. The worker drains the queue until
// ctx is cancelled, then exits after a final non-blocking drain.
func (b *Bus) Start(ctx context.Context) {
	b.startOnce.Do(func() {
		b.wg.Add(1)
		go b.run(ctx)
	})
}

// Wait blocks until the dispatcher worker has exited.
func (b *Bus) Wait() { b.wg.Wait() }

func (b *Bus) run(ctx context.Context) {
	defer b.wg.Done()
	for {
		select {
		case e := <-b.queue:
			b.dispatch(ctx, e)
		case <-ctx.Done():
			for {
				select {
				case e := <-b.queue:
					b.dispatch(context.Background(), e)
				default:
					return
				}
			}
		}
	}
}

// dispatch fans one event out to all matching subscribers. Subscribers in
// the same priority band run concurrently; bands run highest-first so
// accounting-critical trackers observe the event before derived ones.
func (b *Bus) dispatch(ctx context.Context, e Event) {
	b.mu.RLock()
	matched := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		if s.wildcard {
			matched = append(matched, s)
			continue
		}
		if _, ok := s.kinds[e.Kind]; ok {
			matched = append(matched, s)
		}
	}
	b.mu.RUnlock()

	if len(matched) == 0 {
		return
	}
	atomic.AddInt64(&b.dispatched, 1)

	// matched is already priority-sorted (descending).
	i := 0
	for i < len(matched) {
		j := i
		for j < len(matched) && matched[j].priority == matched[i].priority {
			j++
		}
		var wg sync.WaitGroup
		for _, s := range matched[i:j] {
			if s.circuitOpen() {
				continue
			}
			wg.Add(1)
			go func(s *subscriber) {
				defer wg.Done()
				b.invoke(ctx, s, e)
			}(s)
		}
		wg.Wait()
		i = j
	}
}

func (b *Bus) invoke(ctx context.Context, s *subscriber, e Event) {
	callCtx, cancel := context.WithTimeout(ctx, handlerTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				b.log.Error("subscriber_panic",
					slog.String("subscriber", s.name),
					slog.Any("panic", r),
				)
				done <- context.Canceled
			}
		}()
		done <- s.fn(callCtx, e)
	}()

	select {
	case err := <-done:
		if err != nil {
			s.recordFailure(false)
			b.log.Warn("subscriber_error",
				slog.String("subscriber", s.name),
				slog.String("kind", string(e.Kind)),
				slog.String("error", err.Error()),
			)
			return
		}
		s.recordSuccess()
	case <-callCtx.Done():
		s.recordFailure(true)
		b.log.Warn("subscriber_timeout",
			slog.String("subscriber", s.name),
			slog.String("kind", string(e.Kind)),
		)
	}
}

func (s *subscriber) circuitOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.suppressedAt.IsZero() {
		return false
	}
	if time.Since(s.suppressedAt) >= circuitCooldown {
		// Cooldown over: close the circuit and start a fresh window.
		s.suppressedAt = time.Time{}
		s.failures = 0
		s.windowStart = time.Now()
		return false
	}
	return true
}

func (s *subscriber) recordSuccess() {
	s.mu.Lock()
	s.handled++
	s.mu.Unlock()
}

func (s *subscriber) recordFailure(timeout bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if timeout {
		s.timeouts++
	} else {
		s.errors++
	}
	now := time.Now()
	if now.Sub(s.windowStart) > failureWindow {
		s.failures = 0
		s.windowStart = now
	}
	s.failures++
	if s.failures >= failureThreshold {
		s.suppressedAt = now
	}
}

// SubscriberStats is a copy of one subscriber's dispatch tallies.
type SubscriberStats struct {
	Name        string `json:"name"`
	Priority    int    `json:"priority"`
	Handled     int64  `json:"handled"`
	Errors      int64  `json:"errors"`
	Timeouts    int64  `json:"timeouts"`
	CircuitOpen bool   `json:"circuit_open"`
}

// Stats is a point-in-time snapshot of bus counters.
type Stats struct {
	Published   int64             `json:"published"`
	Dropped     int64             `json:"dropped"`
	Dispatched  int64             `json:"dispatched"`
	QueueDepth  int               `json:"queue_depth"`
	Subscribers []SubscriberStats `json:"subscribers"`
}

// Stats returns a snapshot of publish/drop counters and per-subscriber
// tallies.
func (b *Bus) Stats() Stats {
	st := Stats{
		Published:  atomic.LoadInt64(&b.published),
		Dropped:    atomic.LoadInt64(&b.dropped),
		Dispatched: atomic.LoadInt64(&b.dispatched),
		QueueDepth: len(b.queue),
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		s.mu.Lock()
		st.Subscribers = append(st.Subscribers, SubscriberStats{
			Name:        s.name,
			Priority:    s.priority,
			Handled:     s.handled,
			Errors:      s.errors,
			Timeouts:    s.timeouts,
			CircuitOpen: !s.suppressedAt.IsZero(),
		})
		s.mu.Unlock()
	}
	return st
}

// Dropped returns the number of events dropped since process start.
func (b *Bus) Dropped() int64 { return atomic.LoadInt64(&b.dropped) }
