// Package streams runs the periodic live-stream discovery loop for one channel
// and reconciles detected broadcasts with the registered chat connections.
package streams

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/chat-relay/retry"
	"github.com/onnwee/chat-relay/telemetry"
)

// Detector returns the ids of the channel's currently-live broadcasts.
type Detector interface {
	DetectLiveStreams(ctx context.Context, handle string) ([]string, error)
}

// Controller connects and disconnects broadcasts. AllVideoIDs lists every
// registered connection, ready or not.
type Controller interface {
	ConnectToStream(ctx context.Context, videoID, reason string) error
	DisconnectFromStream(ctx context.Context, videoID, reason string) error
	AllVideoIDs() []string
}

// Reconcile reasons.
const (
	ReasonDetected = "stream detected"
	ReasonNotLive  = "no longer live"
)

const (
	minPollInterval  = time.Second
	maxPollInterval  = time.Hour
	defaultPoll      = 60 * time.Second
	defaultFullCheck = 5 * time.Minute
	defaultCallLimit = 15 * time.Second
)

// ErrAlreadyRunning is returned by Start when the loop is active.
var ErrAlreadyRunning = errors.New("stream monitoring already running")

// ShortageState tracks fewer live broadcasts than MaxStreams.
type ShortageState struct {
	InShortage         bool
	LastKnownAvailable int
	LastKnownRequired  int
	LastWarningAt      *time.Time
}

// Options configures a Manager. Handle, Detector and Controller are required.
type Options struct {
	Handle     string
	Detector   Detector
	Controller Controller

	MaxStreams        int           // 0 = unlimited
	PollInterval      time.Duration // clamped to [1s, 1h]
	FullCheckInterval time.Duration // minimum spacing of shortage warnings
	CallTimeout       time.Duration // per detection and per connect call
	RetryAttempts     int           // consecutive failed ticks before giving up
	Backoff           retry.Backoff

	Clock    clockwork.Clock
	Logger   *slog.Logger
	Reporter *retry.Reporter

	// OnShortage is called when a shortage warning is due.
	OnShortage func(ctx context.Context, s ShortageState)
	// OnDetected is called with ids not seen in the previous detection.
	OnDetected func(ctx context.Context, ids []string)
	// OnExhausted is called once, from its own goroutine, after RetryAttempts
	// consecutive failed ticks. The loop has stopped by then.
	OnExhausted func(err error)
}

// Stats is a snapshot of loop counters.
type Stats struct {
	Running             bool
	Ticks               int
	Failures            int
	ConsecutiveFailures int
	LastTickAt          *time.Time
	LastDetected        []string
	Shortage            ShortageState
}

// Manager is the discovery loop. Ticks never overlap.
type Manager struct {
	opts    Options
	clock   clockwork.Clock
	logger  *slog.Logger
	retrier *retry.Retrier

	tickMu sync.Mutex // serialises ticks

	mu       sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
	shortage ShortageState
	known    map[string]struct{}
	ticks    int
	failures int
	lastTick *time.Time
	lastSeen []string
}

// NewManager validates opts and returns an idle Manager.
func NewManager(opts Options) *Manager {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Reporter == nil {
		opts.Reporter = retry.NewReporter(opts.Logger, nil)
	}
	opts.PollInterval = ClampInterval(opts.PollInterval)
	if opts.FullCheckInterval <= 0 {
		opts.FullCheckInterval = defaultFullCheck
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = defaultCallLimit
	}
	if opts.MaxStreams < 0 {
		opts.MaxStreams = 0
	}
	if opts.Backoff.Base <= 0 {
		opts.Backoff = retry.DefaultBackoff()
	}
	return &Manager{
		opts:    opts,
		clock:   opts.Clock,
		logger:  opts.Logger.With(slog.String("component", "streams"), slog.String("handle", opts.Handle)),
		retrier: retry.NewRetrier(opts.RetryAttempts, opts.Backoff),
		known:   make(map[string]struct{}),
	}
}

// ClampInterval returns d bounded to [1s, 1h]; non-positive values select 60s.
func ClampInterval(d time.Duration) time.Duration {
	switch {
	case d <= 0:
		return defaultPoll
	case d < minPollInterval:
		return minPollInterval
	case d > maxPollInterval:
		return maxPollInterval
	}
	return d
}

// PollInterval returns the validated polling interval.
func (m *Manager) PollInterval() time.Duration { return m.opts.PollInterval }

// Start launches the polling loop. The first tick runs immediately.
func (m *Manager) Start(ctx context.Context) error { return m.StartAfter(ctx, 0) }

// StartAfter launches the polling loop with the first tick after delay.
func (m *Manager) StartAfter(ctx context.Context, delay time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.done != nil {
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.retrier.Reset()
	go m.run(ctx, m.done, delay)
	m.logger.Info("stream monitoring started", slog.Duration("interval", m.opts.PollInterval), slog.Int("max_streams", m.opts.MaxStreams))
	return nil
}

// Stop cancels the loop and waits for an in-flight tick to finish. It is safe
// to call when not running.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	m.logger.Info("stream monitoring stopped")
}

// Running reports whether the loop is active.
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.done != nil
}

func (m *Manager) run(ctx context.Context, done chan struct{}, delay time.Duration) {
	var exhausted error
	defer func() {
		close(done)
		if exhausted != nil {
			m.mu.Lock()
			if m.done == done {
				m.cancel, m.done = nil, nil
			}
			m.mu.Unlock()
			if m.opts.OnExhausted != nil {
				go m.opts.OnExhausted(exhausted)
			}
		}
	}()

	for {
		if delay > 0 {
			select {
			case <-ctx.Done():
				return
			case <-m.clock.After(delay):
			}
		} else if ctx.Err() != nil {
			return
		}
		// The tick runs to completion even if Stop is called meanwhile.
		err := m.Tick(context.WithoutCancel(ctx))
		if err == nil {
			m.retrier.Reset()
			delay = m.opts.PollInterval
			continue
		}
		wait, ok := m.retrier.Fail()
		if !ok {
			m.logger.Error("stream monitoring giving up", slog.Int("attempts", m.retrier.Attempts()), slog.Any("err", err))
			exhausted = err
			return
		}
		delay = wait
		m.logger.Warn("detection failed; backing off", slog.Duration("wait", wait), slog.Int("attempt", m.retrier.Attempts()))
	}
}

// Tick runs one reconcile pass. It returns the detection error, if any;
// individual connect or disconnect failures are reported but do not fail the tick.
func (m *Manager) Tick(ctx context.Context) (err error) {
	m.tickMu.Lock()
	defer m.tickMu.Unlock()

	ctx, span := telemetry.StartSpan(ctx, "streams.tick", attribute.String("handle", m.opts.Handle))
	defer func() { telemetry.EndSpan(span, err) }()
	telemetry.Inc(telemetry.DetectionTicks)
	start := m.clock.Now()
	defer func() {
		if telemetry.TickDuration != nil {
			telemetry.TickDuration.Observe(m.clock.Since(start).Seconds())
		}
	}()

	dctx, cancel := context.WithTimeout(ctx, m.opts.CallTimeout)
	detected, err := m.opts.Detector.DetectLiveStreams(dctx, m.opts.Handle)
	cancel()
	now := m.clock.Now()
	m.mu.Lock()
	m.ticks++
	m.lastTick = &now
	if err != nil {
		m.failures++
	}
	m.mu.Unlock()
	if err != nil {
		telemetry.Inc(telemetry.DetectionFailures)
		m.opts.Reporter.Report(ctx, retry.KindConnection, "detect live streams", "", err, slog.String("handle", m.opts.Handle))
		return err
	}
	detected = dedupe(detected)

	m.announceNew(ctx, detected)

	connected := m.opts.Controller.AllVideoIDs()
	connectedSet := toSet(connected)
	detectedSet := toSet(detected)

	// Existing connections beyond the cap are kept; only new ones are limited.
	limited := m.opts.MaxStreams > 0
	budget := m.opts.MaxStreams - len(connected)
	for _, id := range detected {
		if _, ok := connectedSet[id]; ok {
			continue
		}
		if limited && budget <= 0 {
			m.logger.Debug("max streams reached; not connecting", slog.String("video_id", id), slog.Int("max_streams", m.opts.MaxStreams))
			continue
		}
		cctx, ccancel := context.WithTimeout(ctx, m.opts.CallTimeout)
		cerr := m.opts.Controller.ConnectToStream(cctx, id, ReasonDetected)
		ccancel()
		if cerr != nil {
			m.logger.Warn("connect to detected stream failed", slog.String("video_id", id), slog.Any("err", cerr))
			continue
		}
		budget--
	}
	for _, id := range connected {
		if _, ok := detectedSet[id]; ok {
			continue
		}
		if derr := m.opts.Controller.DisconnectFromStream(ctx, id, ReasonNotLive); derr != nil {
			m.logger.Warn("disconnect from ended stream failed", slog.String("video_id", id), slog.Any("err", derr))
		}
	}

	m.evaluateShortage(ctx, len(detected))
	return nil
}

func (m *Manager) announceNew(ctx context.Context, detected []string) {
	m.mu.Lock()
	var fresh []string
	next := make(map[string]struct{}, len(detected))
	for _, id := range detected {
		next[id] = struct{}{}
		if _, ok := m.known[id]; !ok {
			fresh = append(fresh, id)
		}
	}
	m.known = next
	m.lastSeen = append([]string(nil), detected...)
	m.mu.Unlock()
	if len(fresh) > 0 {
		m.logger.Info("live streams detected", slog.Any("video_ids", fresh))
		if m.opts.OnDetected != nil {
			m.opts.OnDetected(ctx, fresh)
		}
	}
}

func (m *Manager) evaluateShortage(ctx context.Context, available int) {
	m.mu.Lock()
	if m.opts.MaxStreams == 0 || available >= m.opts.MaxStreams {
		was := m.shortage.InShortage
		m.shortage = ShortageState{}
		m.mu.Unlock()
		if was {
			m.logger.Info("stream shortage resolved", slog.Int("available", available), slog.Int("required", m.opts.MaxStreams))
		}
		return
	}
	now := m.clock.Now()
	m.shortage.InShortage = true
	m.shortage.LastKnownAvailable = available
	m.shortage.LastKnownRequired = m.opts.MaxStreams
	due := m.shortage.LastWarningAt == nil || now.Sub(*m.shortage.LastWarningAt) >= m.opts.FullCheckInterval
	if due {
		m.shortage.LastWarningAt = &now
	}
	snapshot := m.shortageCopyLocked()
	m.mu.Unlock()
	if !due {
		return
	}
	telemetry.Inc(telemetry.ShortageWarnings)
	m.logger.Warn("fewer live streams than max streams",
		slog.Int("available", available),
		slog.Int("required", m.opts.MaxStreams),
	)
	if m.opts.OnShortage != nil {
		m.opts.OnShortage(ctx, snapshot)
	}
}

func (m *Manager) shortageCopyLocked() ShortageState {
	s := m.shortage
	if s.LastWarningAt != nil {
		t := *s.LastWarningAt
		s.LastWarningAt = &t
	}
	return s
}

// Shortage returns a copy of the shortage state.
func (m *Manager) Shortage() ShortageState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shortageCopyLocked()
}

// Stats returns loop counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Stats{
		Running:             m.done != nil,
		Ticks:               m.ticks,
		Failures:            m.failures,
		ConsecutiveFailures: m.retrier.Attempts(),
		LastDetected:        append([]string(nil), m.lastSeen...),
		Shortage:            m.shortageCopyLocked(),
	}
	if m.lastTick != nil {
		t := *m.lastTick
		s.LastTickAt = &t
	}
	return s
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func toSet(ids []string) map[string]struct{} {
	s := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}
