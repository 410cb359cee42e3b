// Package eventbus carries normalized events from the platform to its
// consumers under the "platform:event" topic.
package eventbus

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/onnwee/chat-relay/events"
)

// Topic is the name consumers subscribe to.
const Topic = "platform:event"

// Envelope is what the bus delivers for every emitted event.
type Envelope struct {
	Platform string        `json:"platform"`
	Type     events.Type   `json:"type"`
	Data     *events.Event `json:"data"`
}

// Wrap builds the envelope for ev.
func Wrap(ev *events.Event) Envelope {
	return Envelope{Platform: ev.Platform, Type: ev.Type, Data: ev}
}

// Encode renders env as JSON. Events holding NaN or infinite counts cannot be
// encoded and return an error.
func Encode(env Envelope) ([]byte, error) { return json.Marshal(env) }

// Listener receives envelopes synchronously in publish order.
type Listener func(ctx context.Context, env Envelope)

type subscriber struct {
	id string
	fn Listener
}

// Bus is an in-process fan-out. Listeners run on the publishing goroutine;
// a panicking listener is logged and skipped.
type Bus struct {
	mu     sync.RWMutex
	subs   []subscriber
	logger *slog.Logger
}

// New returns an empty bus. Pass nil logger for default.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{logger: logger.With(slog.String("component", "eventbus"))}
}

// Subscribe registers fn and returns its id and a function that removes it.
func (b *Bus) Subscribe(fn Listener) (string, func()) {
	id := uuid.NewString()
	b.mu.Lock()
	b.subs = append(b.subs, subscriber{id: id, fn: fn})
	b.mu.Unlock()
	b.logger.Debug("subscriber added", slog.String("sub_id", id))
	return id, func() { b.Unsubscribe(id) }
}

// Unsubscribe removes a listener; unknown ids are ignored.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			b.logger.Debug("subscriber removed", slog.String("sub_id", id))
			return
		}
	}
}

// Len is the number of registered listeners.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Publish delivers env to every listener registered at call time.
func (b *Bus) Publish(ctx context.Context, env Envelope) {
	b.mu.RLock()
	targets := make([]subscriber, len(b.subs))
	copy(targets, b.subs)
	b.mu.RUnlock()

	for _, s := range targets {
		b.deliver(ctx, s, env)
	}
}

func (b *Bus) deliver(ctx context.Context, s subscriber, env Envelope) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("listener panicked",
				slog.String("sub_id", s.id), slog.String("type", string(env.Type)), slog.Any("panic", r))
		}
	}()
	s.fn(ctx, env)
}

// Channel subscribes a buffered channel. Envelopes are dropped for a full
// channel so a slow reader never stalls the publisher. The subscription ends
// and the channel closes when ctx is done.
func (b *Bus) Channel(ctx context.Context, buffer int) <-chan Envelope {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Envelope, buffer)
	var (
		mu     sync.Mutex
		closed bool
	)
	id, unsubscribe := b.Subscribe(func(_ context.Context, env Envelope) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- env:
		default:
			b.logger.Debug("dropped event for slow subscriber", slog.String("type", string(env.Type)))
		}
	})
	go func() {
		<-ctx.Done()
		unsubscribe()
		mu.Lock()
		closed = true
		close(ch)
		mu.Unlock()
		b.logger.Debug("channel subscription closed", slog.String("sub_id", id))
	}()
	return ch
}
