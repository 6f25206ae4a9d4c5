package metrics

import (
	"context"
	"time"

	"github.com/fakeai/fakeai/internal/events"
)

// Subscriber priorities. Accounting-critical trackers (request, error)
// run before derived ones (cost, model) within each dispatch.
const (
	prioRequest   = 100
	prioError     = 95
	prioStreaming = 90
	prioDynamo    = 80
	prioKVCache   = 70
	prioCost      = 60
	prioModel     = 50
)

// Trackers bundles the one-instance-each metric trackers.
type Trackers struct {
	Request   *RequestTracker
	Streaming *StreamingTracker
	Dynamo    *DynamoTracker
	Cost      *CostTracker
	Model     *ModelTracker
	Error     *ErrorTracker
	KVCache   *KVCacheTracker
}

// NewTrackers constructs the full tracker set. budgetUSD <= 0 disables
// budget checks on the cost tracker.
func NewTrackers(budgetUSD float64) *Trackers {
	return &Trackers{
		Request:   NewRequestTracker(),
		Streaming: NewStreamingTracker(),
		Dynamo:    NewDynamoTracker(),
		Cost:      NewCostTracker(budgetUSD),
		Model:     NewModelTracker(),
		Error:     NewErrorTracker(),
		KVCache:   NewKVCacheTracker(),
	}
}

// Register wires each tracker to its event kinds on the bus. Each
// subscriber only mutates its own tracker; the cost subscriber is the one
// exception, publishing budget threshold crossings back onto the bus.
func (t *Trackers) Register(bus *events.Bus) {
	bus.Subscribe("request-tracker", []events.Kind{
		events.RequestStarted, events.RequestCompleted, events.RequestFailed,
		events.RequestCancelled, events.RequestRejected,
	}, prioRequest, t.onRequest)

	bus.Subscribe("error-tracker", []events.Kind{
		events.ErrorOccurred, events.ErrorValidation, events.ErrorAuth,
		events.ErrorRateLimited, events.ErrorContextOverflow,
		events.ErrorTimeout, events.ErrorPatternDetected,
	}, prioError, t.onError)

	bus.Subscribe("streaming-tracker", []events.Kind{
		events.StreamStarted, events.StreamFirstToken, events.StreamTokenGenerated,
		events.StreamCompleted, events.StreamFailed, events.StreamCancelled,
	}, prioStreaming, t.onStream)

	bus.Subscribe("dynamo-tracker", []events.Kind{
		events.DecodeCompleted, events.QueueDepth, events.BatchFormed,
	}, prioDynamo, t.onDynamo)

	bus.Subscribe("kvcache-tracker", []events.Kind{
		events.CacheLookup, events.CacheSpeedup,
	}, prioKVCache, t.onCache)

	bus.Subscribe("cost-tracker", []events.Kind{
		events.UsageTokens,
	}, prioCost, t.onUsage(bus))

	bus.Subscribe("model-tracker", []events.Kind{
		events.RequestCompleted,
	}, prioModel, t.onModel)
}

func (t *Trackers) onRequest(_ context.Context, ev events.Event) error {
	p := ev.Request
	if p == nil {
		return nil
	}
	switch ev.Kind {
	case events.RequestStarted:
		t.Request.Start(p.Endpoint)
	case events.RequestCompleted:
		t.Request.Complete(p.Endpoint, p.DurationMs)
	case events.RequestFailed:
		t.Request.Fail(p.Endpoint)
	case events.RequestCancelled:
		t.Request.Cancel(p.Endpoint)
	case events.RequestRejected:
		t.Request.Reject(p.Endpoint)
	}
	return nil
}

func (t *Trackers) onError(_ context.Context, ev events.Event) error {
	p := ev.Error
	if p == nil {
		return nil
	}
	if ev.Kind == events.ErrorPatternDetected {
		t.Error.Pattern(p.Pattern)
		return nil
	}
	t.Error.Record(p.Endpoint, p.ErrKind)
	return nil
}

func (t *Trackers) onStream(_ context.Context, ev events.Event) error {
	at := ev.Timestamp
	if at.IsZero() {
		at = time.Now()
	}
	switch ev.Kind {
	case events.StreamStarted:
		t.Streaming.Started(ev.StreamID, at)
	case events.StreamFirstToken:
		t.Streaming.FirstToken(ev.StreamID, at)
	case events.StreamTokenGenerated:
		t.Streaming.Token(ev.StreamID)
	case events.StreamCompleted:
		t.Streaming.Completed(ev.StreamID, at)
	case events.StreamFailed:
		t.Streaming.Failed(ev.StreamID)
	case events.StreamCancelled:
		t.Streaming.Cancelled(ev.StreamID)
	}
	return nil
}

func (t *Trackers) onDynamo(_ context.Context, ev events.Event) error {
	p := ev.Latency
	if p == nil {
		return nil
	}
	switch ev.Kind {
	case events.DecodeCompleted:
		lc := Lifecycle{
			RequestID: ev.RequestID,
			QueueMs:   p.QueueMs,
			PrefillMs: p.PrefillMs,
			DecodeMs:  p.DecodeMs,
			TotalMs:   p.TotalMs,
			Finished:  ev.Timestamp,
		}
		if r := ev.Request; r != nil {
			lc.Model = r.Model
			lc.Worker = r.Worker
			lc.InputTokens = r.InputTokens
			lc.OutputTokens = r.OutputTokens
		}
		t.Dynamo.RecordLifecycle(lc)
	case events.QueueDepth:
		t.Dynamo.SampleQueueDepth(p.QueueDepth)
	case events.BatchFormed:
		t.Dynamo.SampleBatchSize(p.BatchSize)
	}
	return nil
}

func (t *Trackers) onCache(_ context.Context, ev events.Event) error {
	p := ev.Cache
	if p == nil {
		return nil
	}
	switch ev.Kind {
	case events.CacheLookup:
		t.KVCache.Lookup(p.Endpoint, p.MatchedTokens, p.TotalTokens)
	case events.CacheSpeedup:
		t.KVCache.Speedup(p.SpeedupRatio)
	}
	return nil
}

func (t *Trackers) onUsage(bus *events.Bus) events.Handler {
	return func(_ context.Context, ev events.Event) error {
		p := ev.Usage
		if p == nil {
			return nil
		}
		_, state := t.Cost.Record(p.APIKey, p.Model, p.InputTokens, p.OutputTokens, p.CachedTokens)
		switch state {
		case BudgetWarning:
			bus.Publish(events.Event{
				Kind:      events.UsageBudgetWarning,
				RequestID: ev.RequestID,
				Timestamp: time.Now(),
				Usage:     p,
			})
		case BudgetExceeded:
			bus.Publish(events.Event{
				Kind:      events.UsageBudgetExceeded,
				RequestID: ev.RequestID,
				Timestamp: time.Now(),
				Usage:     p,
			})
		}
		return nil
	}
}

func (t *Trackers) onModel(_ context.Context, ev events.Event) error {
	p := ev.Request
	if p == nil || p.Model == "" {
		return nil
	}
	t.Model.Record(p.Model, p.DurationMs, p.InputTokens, p.OutputTokens, p.CachedTokens)
	return nil
}
