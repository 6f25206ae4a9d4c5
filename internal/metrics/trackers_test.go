package metrics

import (
	"math"
	"testing"
	"time"
)

func TestRequestTracker_Snapshot(t *testing.T) {
	tr := NewRequestTracker()
	for i := 0; i < 10; i++ {
		tr.Start("/v1/chat/completions")
		tr.Complete("/v1/chat/completions", float64(100+i*10))
	}
	tr.Start("/v1/embeddings")
	tr.Fail("/v1/embeddings")

	s := tr.Snapshot()
	if s.Started != 11 || s.Completed != 10 || s.Failed != 1 {
		t.Fatalf("totals = %+v", s)
	}
	chat := s.Endpoints["/v1/chat/completions"]
	if chat.RPS == 0 {
		t.Fatal("rps must be positive after traffic")
	}
	if !(chat.Latency.P50 <= chat.Latency.P90 && chat.Latency.P90 <= chat.Latency.P99) {
		t.Fatalf("percentile ordering violated: %+v", chat.Latency)
	}
	if s.Endpoints["/v1/embeddings"].ErrorRate == 0 {
		t.Fatal("error rate must reflect the failure")
	}
}

func TestStreamingTracker_TTFTAndTPS(t *testing.T) {
	tr := NewStreamingTracker()
	t0 := time.Now()

	tr.Started("s1", t0)
	tr.FirstToken("s1", t0.Add(150*time.Millisecond))
	tr.FirstToken("s1", t0.Add(999*time.Millisecond)) // second call ignored
	for i := 0; i < 10; i++ {
		tr.Token("s1")
	}
	tr.Completed("s1", t0.Add(1150*time.Millisecond))

	s := tr.Snapshot()
	if s.Active != 0 || s.Completed != 1 {
		t.Fatalf("lifecycle counts = %+v", s)
	}
	if math.Abs(s.TTFTMean-150) > 0.001 {
		t.Fatalf("ttft mean = %v, want 150", s.TTFTMean)
	}
	// 10 tokens over 1s of generation time.
	if math.Abs(s.TPSMean-10) > 0.001 {
		t.Fatalf("tps mean = %v, want 10", s.TPSMean)
	}
}

func TestStreamingTracker_FailedAndCancelled(t *testing.T) {
	tr := NewStreamingTracker()
	now := time.Now()
	tr.Started("a", now)
	tr.Started("b", now)
	tr.Failed("a")
	tr.Cancelled("b")

	s := tr.Snapshot()
	if s.Active != 0 || s.Failed != 1 || s.Cancelled != 1 {
		t.Fatalf("snapshot = %+v", s)
	}
}

func TestDynamoTracker_RingAndBuckets(t *testing.T) {
	tr := NewDynamoTracker()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 150; i++ {
		tr.RecordLifecycle(Lifecycle{
			RequestID: "req",
			QueueMs:   1, PrefillMs: 2, DecodeMs: 3, TotalMs: 6,
			InputTokens: 10, OutputTokens: 5,
			Finished: base.Add(time.Duration(i) * time.Second),
		})
	}
	s := tr.Snapshot()
	if len(s.Lifecycles) != lifecycleRingSize {
		t.Fatalf("ring holds %d lifecycles, want %d", len(s.Lifecycles), lifecycleRingSize)
	}
	// Oldest surviving entry is number 50 of 150.
	if got := s.Lifecycles[0].Finished; !got.Equal(base.Add(50 * time.Second)) {
		t.Fatalf("oldest lifecycle finished at %v", got)
	}
	if s.Total.Mean != 6 {
		t.Fatalf("total mean = %v", s.Total.Mean)
	}
	// 150 seconds of traffic spans 3 minute buckets.
	if len(s.History) != 3 {
		t.Fatalf("history has %d buckets, want 3", len(s.History))
	}
	if s.History[0].Minute >= s.History[1].Minute {
		t.Fatal("history must be sorted by minute")
	}
}

func TestDynamoTracker_BucketTrim(t *testing.T) {
	tr := NewDynamoTracker()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 90; i++ {
		tr.RecordLifecycle(Lifecycle{TotalMs: 1, Finished: base.Add(time.Duration(i) * time.Minute)})
	}
	s := tr.Snapshot()
	if len(s.History) > minuteBucketCount {
		t.Fatalf("history has %d buckets, cap is %d", len(s.History), minuteBucketCount)
	}
}

func TestCost_PriceTable(t *testing.T) {
	cases := []struct {
		model                string
		input, output, cached int
		want                 float64
	}{
		{"gpt-4", 1000, 1000, 0, 0.09},
		{"gpt-4o", 1000, 0, 0, 0.005},
		{"gpt-4o", 1000, 0, 1000, 0.0025}, // fully cached → 50% discount
		{"unknown-model", 1000, 1000, 0, 0.003},
		{"ft:gpt-4:acme:run1", 1000, 0, 0, 0.03},
	}
	for _, c := range cases {
		if got := Cost(c.model, c.input, c.output, c.cached); math.Abs(got-c.want) > 1e-9 {
			t.Errorf("Cost(%s, %d, %d, %d) = %v, want %v", c.model, c.input, c.output, c.cached, got, c.want)
		}
	}
}

func TestCostTracker_BudgetTransitions(t *testing.T) {
	// Budget $0.10; gpt-4 at 1000/0 input tokens costs $0.03 per call.
	tr := NewCostTracker(0.10)

	var states []BudgetState
	for i := 0; i < 4; i++ {
		_, st := tr.Record("sk-a", "gpt-4", 1000, 0, 0)
		states = append(states, st)
	}
	// 0.03, 0.06, 0.09 (crosses 0.08 warn), 0.12 (crosses budget).
	want := []BudgetState{BudgetOK, BudgetOK, BudgetWarning, BudgetExceeded}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("call %d state = %v, want %v (all: %v)", i, states[i], want[i], states)
		}
	}

	s := tr.Snapshot()
	if math.Abs(s.ByKey["sk-a"].CostUSD-0.12) > 1e-9 {
		t.Fatalf("accumulated cost = %v", s.ByKey["sk-a"].CostUSD)
	}
}

func TestErrorTracker(t *testing.T) {
	tr := NewErrorTracker()
	tr.Record("/v1/chat/completions", "validation")
	tr.Record("/v1/chat/completions", "validation")
	tr.Record("/v1/chat/completions", "rate_limit")
	tr.Pattern("burst")

	s := tr.Snapshot()
	if s.Total != 3 {
		t.Fatalf("total = %d", s.Total)
	}
	if s.ByKind["/v1/chat/completions"]["validation"] != 2 {
		t.Fatalf("by kind = %+v", s.ByKind)
	}
	if s.Patterns["burst"] != 1 {
		t.Fatalf("patterns = %+v", s.Patterns)
	}
}

func TestKVCacheTracker(t *testing.T) {
	tr := NewKVCacheTracker()
	tr.Lookup("/v1/chat/completions", 0, 100)
	tr.Lookup("/v1/chat/completions", 64, 100)
	tr.Speedup(0.6)
	tr.Speedup(0.4)

	s := tr.Snapshot()
	ep := s.Endpoints["/v1/chat/completions"]
	if ep.Lookups != 2 || ep.Hits != 1 {
		t.Fatalf("endpoint = %+v", ep)
	}
	if math.Abs(ep.HitRate-0.5) > 1e-9 || math.Abs(ep.AvgMatched-32) > 1e-9 {
		t.Fatalf("rates = %+v", ep)
	}
	if math.Abs(s.MeanSpeedup-0.5) > 1e-9 {
		t.Fatalf("mean speedup = %v", s.MeanSpeedup)
	}
}

func TestModelTracker_RunningMean(t *testing.T) {
	tr := NewModelTracker()
	tr.Record("gpt-4o", 100, 10, 5, 0)
	tr.Record("gpt-4o", 300, 20, 10, 4)

	s := tr.Snapshot()["gpt-4o"]
	if s.Requests != 2 || s.MeanLatencyMs != 200 {
		t.Fatalf("stats = %+v", s)
	}
	if s.InputTokens != 30 || s.OutputTokens != 15 || s.CachedTokens != 4 {
		t.Fatalf("token totals = %+v", s)
	}
}
