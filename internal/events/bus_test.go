package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestBus_PublishDispatchesToMatchingSubscriber(t *testing.T) {
	b := New(testLogger())
	var got int64
	b.Subscribe("counter", []Kind{RequestStarted}, 0, func(_ context.Context, e Event) error {
		if e.Kind != RequestStarted {
			t.Errorf("unexpected kind %s", e.Kind)
		}
		atomic.AddInt64(&got, 1)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.Start(ctx)

	b.Publish(Event{Kind: RequestStarted, RequestID: "r1"})
	b.Publish(Event{Kind: StreamStarted, RequestID: "r1"}) // not subscribed

	waitFor(t, func() bool { return atomic.LoadInt64(&got) == 1 })
}

func TestBus_WildcardReceivesEverything(t *testing.T) {
	b := New(testLogger())
	var got int64
	b.Subscribe("all", []Kind{Wildcard}, 0, func(_ context.Context, _ Event) error {
		atomic.AddInt64(&got, 1)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.Start(ctx)

	b.Publish(Event{Kind: RequestStarted})
	b.Publish(Event{Kind: CacheLookup})
	b.Publish(Event{Kind: UsageCost})

	waitFor(t, func() bool { return atomic.LoadInt64(&got) == 3 })
}

func TestBus_UnknownKindDropped(t *testing.T) {
	b := New(testLogger())
	b.Publish(Event{Kind: Kind("bogus.kind")})
	if b.Dropped() != 1 {
		t.Fatalf("dropped = %d, want 1", b.Dropped())
	}
	if got := atomic.LoadInt64(&b.published); got != 0 {
		t.Fatalf("published = %d, want 0", got)
	}
}

func TestBus_DropHookFiresPerDrop(t *testing.T) {
	b := New(testLogger())
	var hooked int
	b.OnDrop(func() { hooked++ })

	b.Publish(Event{Kind: Kind("bogus.kind")})
	if hooked != 1 {
		t.Fatalf("hook calls after unknown kind = %d, want 1", hooked)
	}

	// No Start: fill the queue, then overflow it.
	for i := 0; i < queueCapacity; i++ {
		b.Publish(Event{Kind: StreamTokenGenerated})
	}
	b.Publish(Event{Kind: StreamTokenGenerated})
	if hooked != 2 {
		t.Fatalf("hook calls after overflow = %d, want 2", hooked)
	}
	if b.Dropped() != 2 {
		t.Fatalf("dropped = %d, want 2", b.Dropped())
	}
}

func TestBus_FullQueueDropsExactlyOne(t *testing.T) {
	b := New(testLogger())
	// No Start: the queue fills without being drained.
	for i := 0; i < queueCapacity; i++ {
		b.Publish(Event{Kind: StreamTokenGenerated})
	}
	if b.Dropped() != 0 {
		t.Fatalf("dropped before overflow = %d, want 0", b.Dropped())
	}

	start := time.Now()
	b.Publish(Event{Kind: StreamTokenGenerated})
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("publish on full queue blocked for %v", elapsed)
	}
	if b.Dropped() != 1 {
		t.Fatalf("dropped = %d, want exactly 1", b.Dropped())
	}
}

func TestBus_PriorityBandsRunHighFirst(t *testing.T) {
	b := New(testLogger())
	var mu sync.Mutex
	var order []string

	record := func(name string) Handler {
		return func(_ context.Context, _ Event) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}
	b.Subscribe("derived", []Kind{RequestCompleted}, 10, record("derived"))
	b.Subscribe("accounting", []Kind{RequestCompleted}, 100, record("accounting"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.Start(ctx)

	b.Publish(Event{Kind: RequestCompleted})

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 2
	})

	mu.Lock()
	defer mu.Unlock()
	if order[0] != "accounting" || order[1] != "derived" {
		t.Fatalf("dispatch order = %v, want [accounting derived]", order)
	}
}

func TestBus_FailingSubscriberDoesNotBlockOthers(t *testing.T) {
	b := New(testLogger())
	var healthy int64
	b.Subscribe("bad", []Kind{ErrorOccurred}, 50, func(_ context.Context, _ Event) error {
		return errors.New("boom")
	})
	b.Subscribe("good", []Kind{ErrorOccurred}, 50, func(_ context.Context, _ Event) error {
		atomic.AddInt64(&healthy, 1)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.Start(ctx)

	for i := 0; i < 3; i++ {
		b.Publish(Event{Kind: ErrorOccurred})
	}
	waitFor(t, func() bool { return atomic.LoadInt64(&healthy) == 3 })

	var bad SubscriberStats
	for _, s := range b.Stats().Subscribers {
		if s.Name == "bad" {
			bad = s
		}
	}
	if bad.Errors != 3 {
		t.Fatalf("bad.Errors = %d, want 3", bad.Errors)
	}
}

func TestBus_CircuitOpensAfterRepeatedFailures(t *testing.T) {
	b := New(testLogger())
	var calls int64
	b.Subscribe("flaky", []Kind{RequestFailed}, 0, func(_ context.Context, _ Event) error {
		atomic.AddInt64(&calls, 1)
		return errors.New("always fails")
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.Start(ctx)

	// failureThreshold failures open the circuit; later events are skipped.
	for i := 0; i < failureThreshold+3; i++ {
		b.Publish(Event{Kind: RequestFailed})
	}

	waitFor(t, func() bool {
		for _, s := range b.Stats().Subscribers {
			if s.Name == "flaky" && s.CircuitOpen {
				return true
			}
		}
		return false
	})

	if got := atomic.LoadInt64(&calls); got > failureThreshold {
		t.Fatalf("handler invoked %d times after circuit should have opened (threshold %d)", got, failureThreshold)
	}
}

func TestKind_Category(t *testing.T) {
	cases := map[Kind]string{
		RequestStarted:       "request",
		StreamFirstToken:     "stream",
		CacheLookup:          "cache",
		ErrorPatternDetected: "error",
		UsageCost:            "usage",
		TTFTRecorded:         "latency",
	}
	for k, want := range cases {
		if got := k.Category(); got != want {
			t.Errorf("Category(%s) = %s, want %s", k, got, want)
		}
	}
}

func TestAllKinds_Count(t *testing.T) {
	if len(AllKinds) != 48 {
		t.Fatalf("len(AllKinds) = %d, want 48", len(AllKinds))
	}
	seen := make(map[Kind]struct{})
	for _, k := range AllKinds {
		if _, dup := seen[k]; dup {
			t.Fatalf("duplicate kind %s", k)
		}
		seen[k] = struct{}{}
	}
}
