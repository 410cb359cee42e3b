// Package platform is the public surface of the YouTube ingestion subsystem.
//
// A Platform owns every moving part between Initialize and Cleanup: the
// connection registry and factory, the stream discovery loop, the chat
// processor, the viewer aggregator and the channel resolver. Everything it
// produces leaves through Emit, which publishes to the event bus and calls
// the matching entry of the injected Handlers.
package platform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/onnwee/chat-relay/chat"
	"github.com/onnwee/chat-relay/config"
	"github.com/onnwee/chat-relay/connection"
	"github.com/onnwee/chat-relay/datalog"
	"github.com/onnwee/chat-relay/eventbus"
	"github.com/onnwee/chat-relay/events"
	"github.com/onnwee/chat-relay/innertube"
	"github.com/onnwee/chat-relay/resolver"
	"github.com/onnwee/chat-relay/retry"
	"github.com/onnwee/chat-relay/streams"
	"github.com/onnwee/chat-relay/telemetry"
	"github.com/onnwee/chat-relay/viewers"
)

// Handler receives one emitted event.
type Handler func(ctx context.Context, ev *events.Event)

// Handlers is the injected handler map. Nil entries are skipped.
type Handlers struct {
	OnChat           Handler
	OnGift           Handler
	OnGiftPaypiggy   Handler
	OnMembership     Handler
	OnStreamStatus   Handler
	OnStreamDetected Handler
	OnViewerCount    Handler
}

// merge returns h with every non-nil entry of other applied on top.
func (h Handlers) merge(other Handlers) Handlers {
	if other.OnChat != nil {
		h.OnChat = other.OnChat
	}
	if other.OnGift != nil {
		h.OnGift = other.OnGift
	}
	if other.OnGiftPaypiggy != nil {
		h.OnGiftPaypiggy = other.OnGiftPaypiggy
	}
	if other.OnMembership != nil {
		h.OnMembership = other.OnMembership
	}
	if other.OnStreamStatus != nil {
		h.OnStreamStatus = other.OnStreamStatus
	}
	if other.OnStreamDetected != nil {
		h.OnStreamDetected = other.OnStreamDetected
	}
	if other.OnViewerCount != nil {
		h.OnViewerCount = other.OnViewerCount
	}
	return h
}

func (h Handlers) forType(t events.Type) Handler {
	switch t {
	case events.TypeChatMessage:
		return h.OnChat
	case events.TypeGift:
		return h.OnGift
	case events.TypeGiftPaypiggy:
		return h.OnGiftPaypiggy
	case events.TypePaypiggy:
		return h.OnMembership
	case events.TypeStreamStatus:
		return h.OnStreamStatus
	case events.TypeStreamDetected:
		return h.OnStreamDetected
	case events.TypeViewerCount:
		return h.OnViewerCount
	}
	return nil
}

// Options wires a Platform. Instances and Detector are required for
// monitoring; every other collaborator is optional.
type Options struct {
	Config config.PlatformConfig
	// Issues are repairs made while normalizing Config; they are reported
	// as configuration errors on Initialize.
	Issues []config.Issue

	Instances *innertube.InstanceManager
	Detector  streams.Detector
	Viewers   viewers.Provider
	Resolver  *resolver.Resolver
	Bus       *eventbus.Bus
	Suppress  chat.SuppressFunc

	// ViewerPollInterval enables the periodic viewer poller when > 0.
	ViewerPollInterval time.Duration
	CallTimeout        time.Duration
	Backoff            retry.Backoff

	Clock  clockwork.Clock
	Logger *slog.Logger
}

// ConnectOptions qualifies a Connect call.
type ConnectOptions struct {
	Reason string
}

// Platform is the YouTube ingestion facade. Safe for concurrent use.
type Platform struct {
	opts     Options
	clock    clockwork.Clock
	logger   *slog.Logger
	factory  *events.Factory
	reporter *retry.Reporter
	bus      *eventbus.Bus

	conns       *connection.Manager
	connFactory *connection.Factory
	processor   *chat.Processor
	aggregator  *viewers.Aggregator

	// lifeMu serialises Initialize and Cleanup.
	lifeMu     sync.Mutex
	data       *datalog.Writer
	cancelRun  context.CancelFunc
	pollerDone chan struct{}

	// stateMu guards what status readers see. It is never held while
	// calling into other components.
	stateMu     sync.RWMutex
	initialized bool
	monitor     *streams.Manager
	initErr     error
	channelID   string

	// connMu serialises connect and disconnect so stream-status transitions
	// are emitted exactly once. live is true between stream-status(true) and
	// stream-status(false).
	connMu sync.Mutex
	live   bool

	gatesMu sync.Mutex
	gates   map[string]*videoGate

	hmu      sync.RWMutex
	handlers Handlers

	statsMu   sync.Mutex
	emitted   map[events.Type]int
	errCount  int
	shortages int
	lastError string
}

// New builds an idle Platform. Call Initialize to start monitoring.
func New(opts Options) *Platform {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Bus == nil {
		opts.Bus = eventbus.New(opts.Logger)
	}
	if opts.Instances == nil {
		opts.Instances = innertube.NewInstanceManager(nil, 0)
	}
	p := &Platform{
		opts:    opts,
		clock:   opts.Clock,
		logger:  opts.Logger.With(slog.String("component", "platform")),
		factory: events.NewFactoryWithClock(opts.Clock),
		bus:     opts.Bus,
		emitted: make(map[events.Type]int),
		gates:   make(map[string]*videoGate),
	}
	p.reporter = retry.NewReporter(opts.Logger, p.reportHook)
	p.conns = connection.NewManager(opts.Clock, p.reporter, opts.Logger)
	p.connFactory = connection.NewFactory(opts.Instances, p, opts.Logger)
	p.processor = chat.NewProcessor(chat.Options{
		Factory:  p.factory,
		Emit:     p.Emit,
		Reporter: p.reporter,
		Suppress: opts.Suppress,
		Logger:   opts.Logger,
	})
	p.aggregator = viewers.NewAggregator(viewers.Options{
		Source:      p.conns,
		Provider:    opts.Viewers,
		Emit:        p.emitViewerCount,
		Clock:       opts.Clock,
		Logger:      opts.Logger,
		CallTimeout: opts.CallTimeout,
	})
	return p
}

// Bus returns the event bus every emitted event is published on.
func (p *Platform) Bus() *eventbus.Bus { return p.bus }

// Subscribe registers a bus listener. See eventbus.Bus.Subscribe.
func (p *Platform) Subscribe(l eventbus.Listener) (string, func()) {
	return p.bus.Subscribe(l)
}

// Emit publishes ev on the bus and invokes the mapped handler. Types without
// a handler, and handlers left nil, are logged at debug level.
func (p *Platform) Emit(ctx context.Context, ev *events.Event) {
	if ev == nil {
		return
	}
	ctx = telemetry.WithCorrelation(ctx, ev.Metadata.CorrelationID)
	telemetry.IncEvent(string(ev.Type))
	p.statsMu.Lock()
	p.emitted[ev.Type]++
	p.statsMu.Unlock()

	p.bus.Publish(ctx, eventbus.Wrap(ev))

	p.hmu.RLock()
	h := p.handlers.forType(ev.Type)
	p.hmu.RUnlock()
	if h == nil {
		p.logger.Debug("no handler for event", slog.String("type", string(ev.Type)))
		return
	}
	p.callHandler(ctx, h, ev)
}

func (p *Platform) callHandler(ctx context.Context, h Handler, ev *events.Event) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("event handler panicked",
				slog.String("type", string(ev.Type)), slog.Any("panic", r))
		}
	}()
	h(ctx, ev)
}

// emitBuilt publishes a freshly built event or reports why it could not be built.
func (p *Platform) emitBuilt(ctx context.Context, op, videoID string, ev *events.Event, err error) {
	if err != nil {
		p.reporter.Report(ctx, retry.KindProcessing, op, videoID, err)
		return
	}
	p.Emit(ctx, ev)
}

func (p *Platform) emitViewerCount(ctx context.Context, total float64, streamID string) {
	ev, err := p.factory.ViewerCount(total, streamID, p.factory.Now())
	p.emitBuilt(ctx, "emit viewer count", streamID, ev, err)
}

// reportHook turns every reported error into an error event.
func (p *Platform) reportHook(ctx context.Context, e *retry.Error, recoverable bool) {
	msg := retry.Sanitize(e.Err.Error())
	p.statsMu.Lock()
	p.errCount++
	p.lastError = fmt.Sprintf("%s: %s", e.Op, msg)
	p.statsMu.Unlock()

	ev, err := p.factory.Error(events.ErrorParams{
		Err:         errors.New(msg),
		Name:        e.Name(),
		Operation:   e.Op,
		Recoverable: recoverable,
		VideoID:     e.VideoID,
		Timestamp:   p.factory.Now(),
	})
	if err != nil {
		// Reporting again could loop; log only.
		p.logger.Error("build error event", slog.Any("err", err))
		return
	}
	p.Emit(ctx, ev)
}
