package viewers

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/onnwee/chat-relay/testutil"
)

type staticSource []string

func (s staticSource) AllVideoIDs() []string { return append([]string(nil), s...) }

type emitted struct {
	mu     sync.Mutex
	totals []float64
	ids    []string
}

func (e *emitted) fn(_ context.Context, total float64, id string) {
	e.mu.Lock()
	e.totals = append(e.totals, total)
	e.ids = append(e.ids, id)
	e.mu.Unlock()
}

func (e *emitted) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.totals)
}

func TestTwoStreamsAggregate(t *testing.T) {
	p := testutil.NewFakeViewerProvider()
	p.Set("A", 140)
	p.Set("B", 920)
	em := &emitted{}
	a := NewAggregator(Options{Source: staticSource{"A", "B"}, Provider: p, Emit: em.fn})

	if got := a.GetTotalViewers(context.Background()); got != 1060 {
		t.Fatalf("GetTotalViewers = %v, want 1060", got)
	}
	if got := a.TotalViewerCount(); got != 1060 {
		t.Fatalf("TotalViewerCount = %v, want 1060", got)
	}
	if len(em.totals) != 1 || em.totals[0] != 1060 || em.ids[0] != "B" {
		t.Fatalf("emitted = %v %v", em.totals, em.ids)
	}
	if s := a.Snapshot(); s.SuccessfulStreams != 2 {
		t.Fatalf("snapshot = %+v", s)
	}
}

func TestPartialFailure(t *testing.T) {
	p := testutil.NewFakeViewerProvider()
	p.Set("A", 300)
	p.SetError("F", errors.New("boom"))
	p.Set("B", 700)
	a := NewAggregator(Options{Source: staticSource{"A", "F", "B"}, Provider: p})

	if got := a.GetTotalViewers(context.Background()); got != 1000 {
		t.Fatalf("GetTotalViewers = %v, want 1000", got)
	}
	s := a.Snapshot()
	if s.SuccessfulStreams != 2 || len(s.Failed) != 1 || s.Failed[0] != "F" {
		t.Fatalf("snapshot = %+v", s)
	}
}

func TestAllFailAndEmpty(t *testing.T) {
	p := testutil.NewFakeViewerProvider()
	p.SetError("A", errors.New("x"))
	em := &emitted{}
	a := NewAggregator(Options{Source: staticSource{"A"}, Provider: p, Emit: em.fn})
	if got := a.GetTotalViewers(context.Background()); got != 0 {
		t.Fatalf("all failed total = %v", got)
	}
	if em.count() != 0 {
		t.Fatal("no update should mean no emission")
	}

	empty := NewAggregator(Options{Source: staticSource{}, Provider: p})
	if got := empty.GetTotalViewers(context.Background()); got != 0 {
		t.Fatalf("empty total = %v", got)
	}
}

func TestMissingProviderReturnsZero(t *testing.T) {
	a := NewAggregator(Options{Source: staticSource{"A"}})
	if got := a.GetTotalViewers(context.Background()); got != 0 {
		t.Fatalf("got %v", got)
	}
	if got := a.GetTotalViewers(context.Background()); got != 0 {
		t.Fatalf("got %v", got)
	}
}

func TestEdgeValuesFlowThrough(t *testing.T) {
	tests := []struct {
		name   string
		counts map[string]float64
		check  func(float64) bool
	}{
		{"zero", map[string]float64{"A": 0, "B": 5}, func(v float64) bool { return v == 5 }},
		{"negative", map[string]float64{"A": -10, "B": 5}, func(v float64) bool { return v == -5 }},
		{"nan", map[string]float64{"A": math.NaN(), "B": 5}, math.IsNaN},
		{"inf", map[string]float64{"A": math.Inf(1), "B": 5}, func(v float64) bool { return math.IsInf(v, 1) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := testutil.NewFakeViewerProvider()
			var ids staticSource
			for id, n := range tt.counts {
				p.Set(id, n)
				ids = append(ids, id)
			}
			em := &emitted{}
			a := NewAggregator(Options{Source: ids, Provider: p, Emit: em.fn})
			if got := a.GetTotalViewers(context.Background()); !tt.check(got) {
				t.Fatalf("total = %v", got)
			}
			if em.count() != 1 || !tt.check(em.totals[0]) {
				t.Fatalf("emitted = %v", em.totals)
			}
		})
	}
}

func TestTotalIsDeterministic(t *testing.T) {
	p := testutil.NewFakeViewerProvider()
	ids := staticSource{}
	for i, n := range []float64{0.1, 0.2, 0.3, 1e16, -1e16, 7} {
		id := string(rune('a' + i))
		p.Set(id, n)
		ids = append(ids, id)
	}
	a := NewAggregator(Options{Source: ids, Provider: p})
	a.GetTotalViewers(context.Background())
	first := a.TotalViewerCount()
	for i := 0; i < 50; i++ {
		if got := a.TotalViewerCount(); got != first {
			t.Fatalf("TotalViewerCount changed: %v vs %v", got, first)
		}
	}
}

func TestReleaseClearsSnapshot(t *testing.T) {
	p := testutil.NewFakeViewerProvider()
	p.Set("A", 3)
	a := NewAggregator(Options{Source: staticSource{"A"}, Provider: p})
	a.GetTotalViewers(context.Background())
	a.Release()
	if a.TotalViewerCount() != 0 || a.GetTotalViewers(context.Background()) != 0 {
		t.Fatal("Release did not clear state")
	}
	a.SetProvider(p)
	if a.GetTotalViewers(context.Background()) != 3 {
		t.Fatal("SetProvider did not restore polling")
	}
}

func TestRunPollsOnTicker(t *testing.T) {
	clock := clockwork.NewFakeClock()
	p := testutil.NewFakeViewerProvider()
	p.Set("A", 1)
	em := &emitted{}
	a := NewAggregator(Options{Source: staticSource{"A"}, Provider: p, Emit: em.fn, Clock: clock})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.Run(ctx, time.Second)
		close(done)
	}()
	if err := clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatal(err)
	}
	clock.Advance(time.Second)
	deadline := time.Now().Add(2 * time.Second)
	for em.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done
	if em.count() == 0 {
		t.Fatal("poller did not emit")
	}
}
