// Package viewers sums concurrent viewer counts across every detected broadcast.
package viewers

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/onnwee/chat-relay/telemetry"
)

// Provider returns the current viewer count of one broadcast.
type Provider interface {
	ViewerCount(ctx context.Context, videoID string) (float64, error)
}

// Source lists the broadcasts to query, regardless of chat readiness.
type Source interface {
	AllVideoIDs() []string
}

// EmitFunc receives the aggregated total and the last updated stream id.
type EmitFunc func(ctx context.Context, total float64, streamID string)

// DefaultConcurrency bounds parallel provider calls.
const DefaultConcurrency = 8

// Snapshot is the result of one poll. It replaces the previous one.
type Snapshot struct {
	Counts            map[string]float64
	Failed            []string
	Total             float64
	SuccessfulStreams int
	LastUpdated       string
	UpdatedAt         time.Time
}

// Options configures an Aggregator. Source is required.
type Options struct {
	Source      Source
	Provider    Provider
	Emit        EmitFunc
	Clock       clockwork.Clock
	Logger      *slog.Logger
	Concurrency int
	CallTimeout time.Duration
}

// Aggregator fans out per-broadcast queries and keeps the latest snapshot.
type Aggregator struct {
	source      Source
	emit        EmitFunc
	clock       clockwork.Clock
	logger      *slog.Logger
	concurrency int
	timeout     time.Duration

	mu       sync.Mutex
	provider Provider
	snapshot Snapshot
	warned   bool
}

func NewAggregator(opts Options) *Aggregator {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 10 * time.Second
	}
	return &Aggregator{
		source:      opts.Source,
		provider:    opts.Provider,
		emit:        opts.Emit,
		clock:       opts.Clock,
		logger:      opts.Logger.With(slog.String("component", "viewers")),
		concurrency: opts.Concurrency,
		timeout:     opts.CallTimeout,
	}
}

// SetProvider replaces the provider; nil disables polling.
func (a *Aggregator) SetProvider(p Provider) {
	a.mu.Lock()
	a.provider = p
	a.warned = false
	a.mu.Unlock()
}

// Release drops the provider and the last snapshot.
func (a *Aggregator) Release() {
	a.mu.Lock()
	a.provider = nil
	a.snapshot = Snapshot{}
	a.mu.Unlock()
}

type result struct {
	id    string
	count float64
	err   error
}

// GetTotalViewers queries every broadcast and returns the sum of the counts
// that succeeded. Failed broadcasts are left out; it never fails as a whole.
// Counts are passed through unchanged, including negative, NaN and infinite values.
func (a *Aggregator) GetTotalViewers(ctx context.Context) float64 {
	a.mu.Lock()
	provider := a.provider
	warned := a.warned
	if provider == nil {
		a.warned = true
	}
	a.mu.Unlock()
	if provider == nil {
		if !warned {
			a.logger.Warn("no viewer count provider configured; reporting 0")
		}
		return 0
	}
	ids := a.source.AllVideoIDs()
	if len(ids) == 0 {
		a.store(Snapshot{Counts: map[string]float64{}, UpdatedAt: a.clock.Now()})
		return 0
	}

	ctx, span := telemetry.StartSpan(ctx, "viewers.poll", attribute.Int("streams", len(ids)))
	results := make([]result, len(ids))
	var g errgroup.Group
	g.SetLimit(a.concurrency)
	for i, id := range ids {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, a.timeout)
			defer cancel()
			n, err := provider.ViewerCount(cctx, id)
			results[i] = result{id: id, count: n, err: err}
			return nil
		})
	}
	_ = g.Wait()

	snap := Snapshot{Counts: make(map[string]float64, len(ids)), UpdatedAt: a.clock.Now()}
	for _, r := range results {
		if r.err != nil {
			snap.Failed = append(snap.Failed, r.id)
			a.logger.Debug("viewer count failed", slog.String("video_id", r.id), slog.Any("err", r.err))
			continue
		}
		snap.Counts[r.id] = r.count
		snap.LastUpdated = r.id
	}
	snap.SuccessfulStreams = len(snap.Counts)
	snap.Total = sum(snap.Counts)
	a.store(snap)
	telemetry.EndSpan(span, nil)

	if snap.SuccessfulStreams > 0 {
		telemetry.SetViewerTotal(snap.Total)
		if a.emit != nil {
			a.emit(ctx, snap.Total, snap.LastUpdated)
		}
	}
	return snap.Total
}

func (a *Aggregator) store(s Snapshot) {
	a.mu.Lock()
	a.snapshot = s
	a.mu.Unlock()
}

// TotalViewerCount recomputes the total of the last snapshot.
func (a *Aggregator) TotalViewerCount() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return sum(a.snapshot.Counts)
}

// Snapshot returns a copy of the last poll result.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.snapshot
	s.Counts = make(map[string]float64, len(a.snapshot.Counts))
	for k, v := range a.snapshot.Counts {
		s.Counts[k] = v
	}
	s.Failed = append([]string(nil), a.snapshot.Failed...)
	return s
}

// sum adds counts in id order so repeated calls give identical results.
func sum(counts map[string]float64) float64 {
	ids := make([]string, 0, len(counts))
	for id := range counts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var total float64
	for _, id := range ids {
		total += counts[id]
	}
	return total
}
