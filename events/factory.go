package events

import (
	"errors"
	"math"
	"strings"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// User identifies the viewer behind a chat or monetization event.
type User struct {
	ID         string
	Name       string
	IsMod      bool
	IsOwner    bool
	IsVerified bool
	IsPaypiggy bool
}

type ChatMessageParams struct {
	VideoID   string
	MessageID string
	User      User
	Text      string
	Timestamp string
}

type GiftParams struct {
	VideoID   string
	MessageID string
	User      User
	GiftType  string
	Amount    float64
	Currency  string
	Text      string
	Timestamp string
}

type PaypiggyParams struct {
	VideoID   string
	MessageID string
	User      User
	Tier      string
	Months    int
	Text      string
	Timestamp string
}

type GiftPaypiggyParams struct {
	VideoID   string
	MessageID string
	User      User
	GiftCount int
	Tier      string
	Timestamp string
}

type ErrorParams struct {
	Err         error
	Name        string
	Operation   string
	Recoverable bool
	VideoID     string
	Timestamp   string
}

// Factory builds validated events. It is safe for concurrent use.
type Factory struct {
	clock clockwork.Clock
	newID func() string
}

// NewFactory returns a Factory using the real clock and uuid v4 correlation ids.
func NewFactory() *Factory { return NewFactoryWithClock(clockwork.NewRealClock()) }

// NewFactoryWithClock returns a Factory that stamps events with clock.
func NewFactoryWithClock(clock clockwork.Clock) *Factory {
	return &Factory{clock: clock, newID: uuid.NewString}
}

// Now returns the current time in the canonical layout.
func (f *Factory) Now() string { return FormatTimestamp(f.clock.Now()) }

func (f *Factory) envelope(t Type, ts string) (*Event, error) {
	if strings.TrimSpace(ts) == "" {
		return nil, &InvalidEventError{Type: t, Field: "timestamp", Reason: "is required"}
	}
	parsed, err := ParseTimestamp(ts)
	if err != nil {
		return nil, &InvalidEventError{Type: t, Field: "timestamp", Reason: "must be ISO-8601"}
	}
	return &Event{
		Type:      t,
		Platform:  Platform,
		Timestamp: FormatTimestamp(parsed),
		Metadata:  Metadata{CorrelationID: f.newID()},
	}, nil
}

func requireUser(t Type, u User) error {
	if strings.TrimSpace(u.Name) == "" {
		return &InvalidEventError{Type: t, Field: "username", Reason: "is required"}
	}
	return nil
}

func applyUser(e *Event, u User) {
	e.Username = u.Name
	e.UserID = u.ID
	e.IsMod = u.IsMod
	e.IsOwner = u.IsOwner
	e.IsVerified = u.IsVerified
	e.IsPaypiggy = u.IsPaypiggy
}

// ChatMessage builds a chat-message event. Empty text is rejected.
func (f *Factory) ChatMessage(p ChatMessageParams) (*Event, error) {
	if err := requireUser(TypeChatMessage, p.User); err != nil {
		return nil, err
	}
	if strings.TrimSpace(p.Text) == "" {
		return nil, &InvalidEventError{Type: TypeChatMessage, Field: "message.text", Reason: "is required"}
	}
	e, err := f.envelope(TypeChatMessage, p.Timestamp)
	if err != nil {
		return nil, err
	}
	applyUser(e, p.User)
	e.VideoID = p.VideoID
	e.MessageID = p.MessageID
	e.Message = &Message{Text: p.Text}
	return e, nil
}

func (f *Factory) ChatConnected(videoID, ts string) (*Event, error) {
	if videoID == "" {
		return nil, &InvalidEventError{Type: TypeChatConnected, Field: "videoId", Reason: "is required"}
	}
	e, err := f.envelope(TypeChatConnected, ts)
	if err != nil {
		return nil, err
	}
	e.VideoID = videoID
	return e, nil
}

func (f *Factory) ChatDisconnected(videoID, reason, ts string) (*Event, error) {
	if videoID == "" {
		return nil, &InvalidEventError{Type: TypeChatDisconnected, Field: "videoId", Reason: "is required"}
	}
	e, err := f.envelope(TypeChatDisconnected, ts)
	if err != nil {
		return nil, err
	}
	e.VideoID = videoID
	e.Reason = reason
	return e, nil
}

// StreamStatus builds a stream-status event; videoID is the stream that caused
// the transition and may be empty.
func (f *Factory) StreamStatus(isLive bool, videoID, ts string) (*Event, error) {
	e, err := f.envelope(TypeStreamStatus, ts)
	if err != nil {
		return nil, err
	}
	e.IsLive = isLive
	e.VideoID = videoID
	return e, nil
}

func (f *Factory) StreamDetected(videoIDs []string, ts string) (*Event, error) {
	if len(videoIDs) == 0 {
		return nil, &InvalidEventError{Type: TypeStreamDetected, Field: "videoIds", Reason: "must not be empty"}
	}
	e, err := f.envelope(TypeStreamDetected, ts)
	if err != nil {
		return nil, err
	}
	e.VideoIDs = append([]string(nil), videoIDs...)
	return e, nil
}

// ViewerCount builds a viewer-count event. The count is not validated: negative,
// NaN and infinite values are the observer's display problem.
func (f *Factory) ViewerCount(count float64, streamID, ts string) (*Event, error) {
	e, err := f.envelope(TypeViewerCount, ts)
	if err != nil {
		return nil, err
	}
	e.Count = count
	e.StreamID = streamID
	return e, nil
}

// Gift builds a Super Chat or Super Sticker event.
func (f *Factory) Gift(p GiftParams) (*Event, error) {
	if err := requireUser(TypeGift, p.User); err != nil {
		return nil, err
	}
	if p.GiftType != GiftTypeSuperChat && p.GiftType != GiftTypeSuperSticker {
		return nil, &InvalidEventError{Type: TypeGift, Field: "giftType", Reason: "is not a known gift type"}
	}
	if err := validateMoney(TypeGift, p.Amount, p.Currency); err != nil {
		return nil, err
	}
	e, err := f.envelope(TypeGift, p.Timestamp)
	if err != nil {
		return nil, err
	}
	applyUser(e, p.User)
	e.VideoID = p.VideoID
	e.MessageID = p.MessageID
	e.GiftType = p.GiftType
	e.GiftCount = 1
	e.Amount = p.Amount
	e.Currency = strings.ToUpper(p.Currency)
	if p.Text != "" {
		e.Message = &Message{Text: p.Text}
	}
	return e, nil
}

func (f *Factory) Paypiggy(p PaypiggyParams) (*Event, error) {
	if err := requireUser(TypePaypiggy, p.User); err != nil {
		return nil, err
	}
	if p.Months < 0 {
		return nil, &InvalidEventError{Type: TypePaypiggy, Field: "months", Reason: "must not be negative"}
	}
	e, err := f.envelope(TypePaypiggy, p.Timestamp)
	if err != nil {
		return nil, err
	}
	applyUser(e, p.User)
	e.IsPaypiggy = true
	e.VideoID = p.VideoID
	e.MessageID = p.MessageID
	e.Tier = p.Tier
	e.Months = p.Months
	if p.Text != "" {
		e.Message = &Message{Text: p.Text}
	}
	return e, nil
}

func (f *Factory) GiftPaypiggy(p GiftPaypiggyParams) (*Event, error) {
	if err := requireUser(TypeGiftPaypiggy, p.User); err != nil {
		return nil, err
	}
	if p.GiftCount <= 0 {
		return nil, &InvalidEventError{Type: TypeGiftPaypiggy, Field: "giftCount", Reason: "must be positive"}
	}
	e, err := f.envelope(TypeGiftPaypiggy, p.Timestamp)
	if err != nil {
		return nil, err
	}
	applyUser(e, p.User)
	e.VideoID = p.VideoID
	e.MessageID = p.MessageID
	e.GiftCount = p.GiftCount
	e.Tier = p.Tier
	return e, nil
}

// Error builds an error event. Only the error and timestamp are required.
func (f *Factory) Error(p ErrorParams) (*Event, error) {
	if p.Err == nil {
		return nil, &InvalidEventError{Type: TypeError, Field: "error", Reason: "is required"}
	}
	e, err := f.envelope(TypeError, p.Timestamp)
	if err != nil {
		return nil, err
	}
	name := p.Name
	if name == "" {
		name = "Error"
		var named interface{ Name() string }
		if errors.As(p.Err, &named) {
			name = named.Name()
		}
	}
	op := p.Operation
	if op == "" {
		op = "unknown"
	}
	e.Error = &ErrorInfo{Message: p.Err.Error(), Name: name}
	e.Context = &ErrorContext{Operation: op}
	e.Recoverable = p.Recoverable
	e.VideoID = p.VideoID
	return e, nil
}

func validateMoney(t Type, amount float64, currency string) error {
	if math.IsNaN(amount) || math.IsInf(amount, 0) || amount <= 0 {
		return &InvalidEventError{Type: t, Field: "amount", Reason: "must be a positive number"}
	}
	if strings.TrimSpace(currency) == "" {
		return &InvalidEventError{Type: t, Field: "currency", Reason: "is required"}
	}
	return nil
}
