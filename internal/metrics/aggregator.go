package metrics

import (
	"time"

	"github.com/fakeai/fakeai/internal/events"
)

// Aggregate is the combined metrics document served by /metrics and
// /metrics/aggregated. The shape is stable: every tracker contributes a
// named section.
type Aggregate struct {
	Timestamp time.Time             `json:"timestamp"`
	UptimeSec float64               `json:"uptime_seconds"`
	Requests  RequestSnapshot       `json:"requests"`
	Streaming StreamingSnapshot     `json:"streaming"`
	Dynamo    *DynamoSnapshot       `json:"dynamo,omitempty"`
	Cost      CostSnapshot          `json:"cost"`
	Models    map[string]ModelStats `json:"models"`
	Errors    ErrorSnapshot         `json:"errors"`
	KVCache   KVCacheSnapshot       `json:"kv_cache"`
	Bus       events.Stats          `json:"event_bus"`
}

// Aggregator snapshots every tracker plus the bus into one document.
type Aggregator struct {
	trackers *Trackers
	bus      *events.Bus
	started  time.Time
}

func NewAggregator(trackers *Trackers, bus *events.Bus) *Aggregator {
	return &Aggregator{trackers: trackers, bus: bus, started: time.Now()}
}

// Snapshot builds the combined document. includeDynamo controls whether
// the heavyweight lifecycle dump is attached (/metrics omits it,
// /metrics/aggregated includes it).
func (a *Aggregator) Snapshot(includeDynamo bool) Aggregate {
	agg := Aggregate{
		Timestamp: time.Now(),
		UptimeSec: time.Since(a.started).Seconds(),
		Requests:  a.trackers.Request.Snapshot(),
		Streaming: a.trackers.Streaming.Snapshot(),
		Cost:      a.trackers.Cost.Snapshot(),
		Models:    a.trackers.Model.Snapshot(),
		Errors:    a.trackers.Error.Snapshot(),
		KVCache:   a.trackers.KVCache.Snapshot(),
		Bus:       a.bus.Stats(),
	}
	if includeDynamo {
		d := a.trackers.Dynamo.Snapshot()
		agg.Dynamo = &d
	}
	return agg
}
