// Package reqlog implements a non-blocking, batched request logger fed by
// the event bus.
//
// Terminal request events are copied onto an internal buffered channel and
// flushed in batches by a background goroutine, so logging never blocks the
// request hot path. If the channel fills up (> 10 000 entries), new entries
// are dropped and counted in Dropped.
package reqlog

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fakeai/fakeai/internal/events"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second

	// subscriberPriority sits below the metric trackers so accounting is
	// settled before the log line is queued.
	subscriberPriority = 20
)

// Entry is one completed (or failed/cancelled/rejected) request.
type Entry struct {
	RequestID    string
	Endpoint     string
	Model        string
	Outcome      string
	InputTokens  int
	OutputTokens int
	CachedTokens int
	Worker       int
	LatencyMs    float64
	FinishReason string
	CreatedAt    time.Time
}

// Logger drains entries to slog in batches.
type Logger struct {
	ch        chan Entry
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	dropped int64

	baseCtx context.Context
	log     *slog.Logger
}

// New starts the flush goroutine.
func New(ctx context.Context, slogger *slog.Logger) (*Logger, error) {
	if ctx == nil {
		return nil, fmt.Errorf("reqlog: context must not be nil")
	}
	if slogger == nil {
		slogger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}

	l := &Logger{
		ch:      make(chan Entry, channelBuffer),
		done:    make(chan struct{}),
		baseCtx: ctx,
		log:     slogger,
	}

	l.wg.Add(1)
	go l.run()

	return l, nil
}

// Register subscribes the logger to terminal request events on the bus.
func (l *Logger) Register(bus *events.Bus) {
	bus.Subscribe("request-logger", []events.Kind{
		events.RequestCompleted, events.RequestFailed,
		events.RequestCancelled, events.RequestRejected,
	}, subscriberPriority, func(_ context.Context, ev events.Event) error {
		p := ev.Request
		if p == nil {
			return nil
		}
		l.Log(Entry{
			RequestID:    ev.RequestID,
			Endpoint:     p.Endpoint,
			Model:        p.Model,
			Outcome:      outcomeOf(ev.Kind),
			InputTokens:  p.InputTokens,
			OutputTokens: p.OutputTokens,
			CachedTokens: p.CachedTokens,
			Worker:       p.Worker,
			LatencyMs:    p.DurationMs,
			FinishReason: p.FinishReason,
			CreatedAt:    ev.Timestamp,
		})
		return nil
	})
}

// Log enqueues an entry without blocking.
func (l *Logger) Log(entry Entry) {
	select {
	case l.ch <- entry:
	default:
		atomic.AddInt64(&l.dropped, 1)
	}
}

// Dropped reports how many entries were discarded on overflow.
func (l *Logger) Dropped() int64 {
	return atomic.LoadInt64(&l.dropped)
}

// Close drains the channel and stops the flush goroutine. Safe to call
// multiple times.
func (l *Logger) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
	})
	l.wg.Wait()
	return nil
}

func (l *Logger) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Entry, 0, batchSize)

	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		for _, e := range batch {
			l.log.InfoContext(ctx, "request",
				slog.String("id", e.RequestID),
				slog.String("endpoint", e.Endpoint),
				slog.String("model", e.Model),
				slog.String("outcome", e.Outcome),
				slog.Int("input_tokens", e.InputTokens),
				slog.Int("output_tokens", e.OutputTokens),
				slog.Int("cached_tokens", e.CachedTokens),
				slog.Int("worker", e.Worker),
				slog.Float64("latency_ms", e.LatencyMs),
				slog.String("finish_reason", e.FinishReason),
				slog.Time("created_at", normalizeTime(e.CreatedAt)),
			)
		}
		batch = batch[:0]
	}

	for {
		select {
		case entry := <-l.ch:
			batch = append(batch, entry)
			if len(batch) >= batchSize {
				flush(l.baseCtx)
			}

		case <-ticker.C:
			flush(l.baseCtx)

		case <-l.done:
			for {
				select {
				case entry := <-l.ch:
					batch = append(batch, entry)
					if len(batch) >= batchSize {
						flush(l.baseCtx)
					}
				default:
					flush(l.baseCtx)
					return
				}
			}
		}
	}
}

func outcomeOf(k events.Kind) string {
	switch k {
	case events.RequestCompleted:
		return "ok"
	case events.RequestFailed:
		return "failed"
	case events.RequestCancelled:
		return "cancelled"
	case events.RequestRejected:
		return "rejected"
	}
	return string(k)
}

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
