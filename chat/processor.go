package chat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/onnwee/chat-relay/datalog"
	"github.com/onnwee/chat-relay/events"
	"github.com/onnwee/chat-relay/innertube"
	"github.com/onnwee/chat-relay/retry"
	"github.com/onnwee/chat-relay/telemetry"
)

// HandlerFunc handles one normalized item.
type HandlerFunc func(ctx context.Context, n Normalized) error

// EmitFunc publishes a built event.
type EmitFunc func(ctx context.Context, e *events.Event)

// SuppressFunc reports whether an item from author should produce no event.
type SuppressFunc func(author innertube.Author, item *innertube.ChatItem) bool

// SuppressNone never suppresses.
func SuppressNone(innertube.Author, *innertube.ChatItem) bool { return false }

// Options configures a Processor. Factory and Emit are required.
type Options struct {
	Factory  *events.Factory
	Emit     EmitFunc
	Reporter *retry.Reporter
	Suppress SuppressFunc
	DataLog  *datalog.Writer
	Logger   *slog.Logger
}

// Processor normalizes chat updates and dispatches them by vendor tag.
type Processor struct {
	factory  *events.Factory
	emit     EmitFunc
	reporter *retry.Reporter
	suppress SuppressFunc
	logger   *slog.Logger

	dataMu sync.RWMutex
	data   *datalog.Writer

	handlers map[string]HandlerFunc

	mu          sync.Mutex
	seenUnknown map[string]struct{}
}

// NewProcessor builds the dispatch table once for the returned Processor.
func NewProcessor(opts Options) *Processor {
	p := &Processor{
		factory:     opts.Factory,
		emit:        opts.Emit,
		reporter:    opts.Reporter,
		suppress:    opts.Suppress,
		data:        opts.DataLog,
		logger:      opts.Logger,
		seenUnknown: make(map[string]struct{}),
	}
	if p.factory == nil {
		p.factory = events.NewFactory()
	}
	if p.emit == nil {
		p.emit = func(context.Context, *events.Event) {}
	}
	if p.suppress == nil {
		p.suppress = SuppressNone
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	if p.reporter == nil {
		p.reporter = retry.NewReporter(p.logger, nil)
	}
	p.logger = p.logger.With(slog.String("component", "chat"))
	p.handlers = p.buildHandlers()
	return p
}

func (p *Processor) buildHandlers() map[string]HandlerFunc {
	noop := func(context.Context, Normalized) error { return nil }
	return map[string]HandlerFunc{
		innertube.ItemTextMessage:      p.handleChatMessage,
		innertube.ItemPaidMessage:      p.monetary(p.buildSuperChat),
		innertube.ItemPaidSticker:      p.monetary(p.buildSuperSticker),
		innertube.ItemMembership:       p.monetary(p.buildMembership),
		innertube.ItemGiftPurchase:     p.monetary(p.buildGiftMembership),
		innertube.ItemGiftRedemption:   noop, // the purchase announcement already counted it
		innertube.ItemViewerEngagement: p.handleEngagement,

		innertube.ItemTickerPaidMessage:  noop,
		innertube.ItemTickerPaidSticker:  noop,
		innertube.ItemTickerSponsor:      noop,
		innertube.ItemPaidMessageRender:  noop,
		innertube.ItemPaidStickerRender:  noop,
		innertube.ItemMembershipRender:   noop,
		innertube.ItemGiftRedeemRender:   noop,
		innertube.ItemGiftPurchaseRender: noop,

		innertube.ItemPlaceholder:    noop,
		innertube.ItemModeChange:     noop,
		innertube.ItemBannerAdd:      noop,
		innertube.ItemBannerRemove:   noop,
		innertube.ItemPollUpdate:     noop,
		innertube.ItemTooltip:        noop,
		innertube.ItemRestrictedChat: noop,
	}
}

// SetDataLog replaces the data log writer; nil disables data logging.
func (p *Processor) SetDataLog(w *datalog.Writer) {
	p.dataMu.Lock()
	p.data = w
	p.dataMu.Unlock()
}

func (p *Processor) dataLog() *datalog.Writer {
	p.dataMu.RLock()
	defer p.dataMu.RUnlock()
	return p.data
}

// HasHandler reports whether tag is in the dispatch table.
func (p *Processor) HasHandler(tag string) bool {
	_, ok := p.handlers[tag]
	return ok
}

// HandleUpdate runs one chat update through the pipeline. It never panics and
// never returns an error: failures are reported as processing errors.
func (p *Processor) HandleUpdate(ctx context.Context, u innertube.ChatUpdate) {
	u = WrapDirect(u)
	if u.Item == nil {
		p.logger.Debug("ignoring empty chat update", slog.String("video_id", u.VideoID))
		return
	}
	p.dataLog().Raw(ctx, u.VideoID, u.Item.Type, u.Item)

	n, ok := Normalize(u)
	if !ok {
		telemetry.Inc(telemetry.ChatItemsSkipped)
		return
	}
	h, ok := p.handlers[n.EventType]
	if !ok {
		p.unknown(ctx, n)
		return
	}
	if err := p.invoke(ctx, h, n); err != nil {
		p.reporter.Report(ctx, retry.KindProcessing, "chat-update", n.VideoID, err,
			slog.String("event_type", n.EventType),
			slog.String("item_id", n.Debug.ItemID),
			slog.String("author_id", n.Debug.AuthorID),
		)
	}
}

func (p *Processor) invoke(ctx context.Context, h HandlerFunc, n Normalized) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, n)
}

func (p *Processor) unknown(ctx context.Context, n Normalized) {
	telemetry.IncUnknownItem(n.EventType)
	data := p.dataLog()
	data.Unknown(ctx, n.VideoID, n.EventType, n.Item)

	p.mu.Lock()
	_, seen := p.seenUnknown[n.EventType]
	p.seenUnknown[n.EventType] = struct{}{}
	p.mu.Unlock()
	if seen {
		return
	}
	p.logger.Info("unknown chat item type",
		slog.String("item_type", n.EventType),
		slog.String("video_id", n.Debug.VideoID),
		slog.String("item_id", n.Debug.ItemID),
		slog.String("author_id", n.Debug.AuthorID),
		slog.Bool("data_logged", data != nil),
	)
}

func (p *Processor) timestamp(n Normalized) string {
	if n.Item.Timestamp.IsZero() {
		return p.factory.Now()
	}
	return events.FormatTimestamp(n.Item.Timestamp)
}

func userFromAuthor(a innertube.Author) events.User {
	return events.User{
		ID:         a.ID,
		Name:       a.Name,
		IsMod:      a.IsModerator,
		IsOwner:    a.IsOwner,
		IsVerified: a.IsVerified,
		IsPaypiggy: a.IsMember,
	}
}

func (p *Processor) handleChatMessage(ctx context.Context, n Normalized) error {
	text := MessageText(n.Item.Message)
	if text == "" {
		return nil
	}
	ev, err := p.factory.ChatMessage(events.ChatMessageParams{
		VideoID:   n.VideoID,
		MessageID: n.Item.ID,
		User:      userFromAuthor(n.Item.Author),
		Text:      text,
		Timestamp: p.timestamp(n),
	})
	if err != nil {
		return err
	}
	p.emit(ctx, ev)
	return nil
}

func (p *Processor) handleEngagement(_ context.Context, n Normalized) error {
	if p.suppress(n.Item.Author, n.Item) {
		return nil
	}
	p.logger.Debug("viewer engagement notice",
		slog.String("video_id", n.VideoID),
		slog.String("text", MessageText(n.Item.Message)),
	)
	return nil
}

type buildFunc func(n Normalized, u events.User, ts string) (*events.Event, error)

// monetary is the shared path for paid and membership items.
func (p *Processor) monetary(build buildFunc) HandlerFunc {
	return func(ctx context.Context, n Normalized) error {
		if p.suppress(n.Item.Author, n.Item) {
			p.logger.Debug("suppressed monetary item",
				slog.String("item_type", n.EventType),
				slog.String("video_id", n.VideoID),
			)
			return nil
		}
		ev, err := build(n, userFromAuthor(n.Item.Author), p.timestamp(n))
		if err != nil {
			return err
		}
		p.emit(ctx, ev)
		return nil
	}
}

func (p *Processor) buildSuperChat(n Normalized, u events.User, ts string) (*events.Event, error) {
	var amount float64
	var currency string
	if n.Item.Purchase != nil {
		amount, currency = n.Item.Purchase.Amount, n.Item.Purchase.Currency
	}
	return p.factory.Gift(events.GiftParams{
		VideoID:   n.VideoID,
		MessageID: n.Item.ID,
		User:      u,
		GiftType:  events.GiftTypeSuperChat,
		Amount:    amount,
		Currency:  currency,
		Text:      MessageText(n.Item.Message),
		Timestamp: ts,
	})
}

func (p *Processor) buildSuperSticker(n Normalized, u events.User, ts string) (*events.Event, error) {
	var amount float64
	var currency string
	if n.Item.Purchase != nil {
		amount, currency = n.Item.Purchase.Amount, n.Item.Purchase.Currency
	}
	return p.factory.Gift(events.GiftParams{
		VideoID:   n.VideoID,
		MessageID: n.Item.ID,
		User:      u,
		GiftType:  events.GiftTypeSuperSticker,
		Amount:    amount,
		Currency:  currency,
		Text:      n.Item.StickerLabel,
		Timestamp: ts,
	})
}

func (p *Processor) buildMembership(n Normalized, u events.User, ts string) (*events.Event, error) {
	text := MessageText(n.Item.Message)
	if text == "" {
		text = n.Item.HeaderSubtext
	}
	return p.factory.Paypiggy(events.PaypiggyParams{
		VideoID:   n.VideoID,
		MessageID: n.Item.ID,
		User:      u,
		Tier:      n.Item.MembershipTier,
		Months:    n.Item.MembershipMonths,
		Text:      text,
		Timestamp: ts,
	})
}

func (p *Processor) buildGiftMembership(n Normalized, u events.User, ts string) (*events.Event, error) {
	return p.factory.GiftPaypiggy(events.GiftPaypiggyParams{
		VideoID:   n.VideoID,
		MessageID: n.Item.ID,
		User:      u,
		GiftCount: n.Item.GiftCount,
		Tier:      n.Item.MembershipTier,
		Timestamp: ts,
	})
}
