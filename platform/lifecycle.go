package platform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/onnwee/chat-relay/config"
	"github.com/onnwee/chat-relay/datalog"
	"github.com/onnwee/chat-relay/retry"
	"github.com/onnwee/chat-relay/streams"
)

// ErrNoDetector is returned when monitoring is enabled without a detector.
var ErrNoDetector = errors.New("missing required stream detector")

// Initialize merges handlers, reports configuration problems and, when the
// platform is enabled with a username, runs the first detection and starts
// the discovery loop. It is a no-op while initialized with ready connections
// unless forceReconnect is set. If monitoring cannot start the platform is
// cleaned up and the error returned.
func (p *Platform) Initialize(ctx context.Context, handlers Handlers, forceReconnect bool) error {
	p.lifeMu.Lock()
	defer p.lifeMu.Unlock()

	if p.Initialized() {
		if p.conns.ReadyCount() > 0 && !forceReconnect {
			p.logger.Debug("already initialized with active streams; skipping")
			return nil
		}
		p.cleanupLocked(ctx)
	}

	p.hmu.Lock()
	p.handlers = p.handlers.merge(handlers)
	p.hmu.Unlock()

	cfg := p.opts.Config
	p.reportIssues(ctx, cfg)
	p.setState(func() { p.initErr = nil })

	if cfg.DataLoggingEnabled && cfg.DataLoggingPath != "" {
		w, err := datalog.Open(cfg.DataLoggingPath)
		if err != nil {
			p.reporter.Report(ctx, retry.KindConfiguration, "open data log", "", err)
		} else {
			p.data = w
			p.processor.SetDataLog(w)
		}
	}
	p.aggregator.SetProvider(p.opts.Viewers)

	if !cfg.IsConfigured() {
		p.setState(func() { p.initialized = true })
		p.logger.Info("youtube ingestion not enabled or no username; monitoring disabled",
			slog.Bool("enabled", cfg.Enabled))
		return nil
	}

	if err := p.startMonitoring(ctx, cfg); err != nil {
		p.reporter.Report(ctx, retry.Classify(err), "initialize", "", err)
		p.cleanupLocked(ctx)
		p.setState(func() { p.initErr = err })
		return fmt.Errorf("start youtube monitoring: %w", err)
	}
	p.setState(func() { p.initialized = true })
	p.logger.Info("youtube ingestion initialized",
		slog.String("username", cfg.Username),
		slog.Int("connections", p.conns.Count()),
		slog.Int("max_streams", cfg.MaxStreams))
	return nil
}

func (p *Platform) setState(fn func()) {
	p.stateMu.Lock()
	fn()
	p.stateMu.Unlock()
}

func (p *Platform) reportIssues(ctx context.Context, cfg config.PlatformConfig) {
	seen := make(map[string]struct{})
	issues := append(append([]config.Issue(nil), p.opts.Issues...), cfg.Validate()...)
	for _, is := range issues {
		if _, dup := seen[is.Key]; dup {
			continue
		}
		seen[is.Key] = struct{}{}
		p.reporter.Report(ctx, retry.KindConfiguration, "validate config", "", is)
	}
}

func (p *Platform) startMonitoring(ctx context.Context, cfg config.PlatformConfig) error {
	if p.opts.Detector == nil {
		return fmt.Errorf("%w for %s", ErrNoDetector, cfg.Username)
	}
	if p.opts.Resolver != nil {
		id, err := p.opts.Resolver.ResolveChannelID(ctx, cfg.Username)
		if err != nil {
			p.reporter.Report(ctx, retry.KindConnection, "resolve channel", "", err)
		} else {
			p.setState(func() { p.channelID = id })
		}
	}

	var monitor *streams.Manager
	monitor = streams.NewManager(streams.Options{
		Handle:            cfg.Username,
		Detector:          p.opts.Detector,
		Controller:        p,
		MaxStreams:        cfg.MaxStreams,
		PollInterval:      cfg.PollInterval(),
		FullCheckInterval: cfg.FullCheck(),
		CallTimeout:       p.opts.CallTimeout,
		RetryAttempts:     cfg.RetryAttempts,
		Backoff:           p.opts.Backoff,
		Clock:             p.clock,
		Logger:            p.opts.Logger,
		Reporter:          p.reporter,
		OnShortage:        p.onShortage,
		OnDetected:        p.onDetected,
		OnExhausted:       func(err error) { p.onExhausted(monitor, err) },
	})

	backoff := p.opts.Backoff
	if backoff.Base <= 0 {
		backoff = retry.DefaultBackoff()
	}
	r := retry.NewRetrier(cfg.RetryAttempts, backoff)
	err := retry.Do(ctx, p.clock, r, monitor.Tick, func(attempt int, err error, wait time.Duration) {
		p.logger.Warn("initial detection failed; retrying",
			slog.Int("attempt", attempt), slog.Duration("wait", wait), slog.Any("err", err))
	})
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	if err := monitor.StartAfter(runCtx, monitor.PollInterval()); err != nil {
		cancel()
		return err
	}
	p.cancelRun = cancel
	p.setState(func() { p.monitor = monitor })
	if p.opts.ViewerPollInterval > 0 {
		done := make(chan struct{})
		p.pollerDone = done
		go func() {
			defer close(done)
			p.aggregator.Run(runCtx, p.opts.ViewerPollInterval)
		}()
	}
	return nil
}

// Cleanup stops monitoring, releases every connection and the viewer
// provider, and marks the platform uninitialized. Safe to call repeatedly.
func (p *Platform) Cleanup(ctx context.Context) {
	p.lifeMu.Lock()
	defer p.lifeMu.Unlock()
	p.cleanupLocked(ctx)
}

func (p *Platform) cleanupLocked(ctx context.Context) {
	if p.cancelRun != nil {
		p.cancelRun()
		p.cancelRun = nil
	}
	p.stateMu.Lock()
	monitor, wasInitialized := p.monitor, p.initialized
	p.monitor = nil
	p.stateMu.Unlock()
	if monitor != nil {
		monitor.Stop()
	}
	if p.pollerDone != nil {
		<-p.pollerDone
		p.pollerDone = nil
	}

	p.disconnectAll(ctx, "cleanup")
	p.aggregator.Release()
	if p.data != nil {
		p.processor.SetDataLog(nil)
		if err := p.data.Close(); err != nil {
			p.reporter.Cleanup(ctx, "close data log", "", err)
		}
		p.data = nil
	}
	p.setState(func() { p.initialized = false })
	if wasInitialized {
		p.logger.Info("youtube ingestion cleaned up")
	}
}

// Reconnect tears everything down and initializes again with the current handlers.
func (p *Platform) Reconnect(ctx context.Context) error {
	return p.Initialize(ctx, Handlers{}, true)
}

// onExhausted runs once the discovery loop gave up. Only the loop that is
// still current triggers a cleanup.
func (p *Platform) onExhausted(m *streams.Manager, err error) {
	p.lifeMu.Lock()
	defer p.lifeMu.Unlock()
	p.stateMu.RLock()
	current := p.monitor == m
	p.stateMu.RUnlock()
	if !current {
		return
	}
	ctx := context.Background()
	p.logger.Error("stream monitoring exhausted retries; cleaning up", slog.Any("err", err))
	p.cleanupLocked(ctx)
	p.setState(func() { p.initErr = err })
}

func (p *Platform) onShortage(context.Context, streams.ShortageState) {
	p.statsMu.Lock()
	p.shortages++
	p.statsMu.Unlock()
}

func (p *Platform) onDetected(ctx context.Context, ids []string) {
	ev, err := p.factory.StreamDetected(ids, p.factory.Now())
	p.emitBuilt(ctx, "emit stream detected", "", ev, err)
}
