// Package events defines the normalized event vocabulary emitted by the YouTube
// ingestion pipeline and the builders that produce it.
//
// Every event shares one envelope (type, platform, ISO-8601 UTC timestamp and a
// metadata block holding a per-event correlation id). Builders validate their
// inputs and never hand back a partially populated event.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Platform is the value of Event.Platform for everything this module emits.
const Platform = "youtube"

// TimestampLayout is the canonical ISO-8601 UTC rendering (millisecond precision).
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// Type enumerates the closed set of normalized event types.
type Type string

const (
	TypeChatMessage      Type = "chat-message"
	TypeChatConnected    Type = "chat-connected"
	TypeChatDisconnected Type = "chat-disconnected"
	TypeStreamStatus     Type = "stream-status"
	TypeStreamDetected   Type = "stream-detected"
	TypeViewerCount      Type = "viewer-count"
	TypeGift             Type = "gift"
	// TypePaypiggy is a recurring membership (new member or milestone).
	TypePaypiggy Type = "paypiggy"
	// TypeGiftPaypiggy is a batch of gifted memberships.
	TypeGiftPaypiggy Type = "giftpaypiggy"
	TypeError        Type = "error"
)

// Types lists every normalized type in a stable order.
var Types = []Type{
	TypeChatMessage, TypeChatConnected, TypeChatDisconnected, TypeStreamStatus,
	TypeStreamDetected, TypeViewerCount, TypeGift, TypePaypiggy, TypeGiftPaypiggy, TypeError,
}

// Valid reports whether t belongs to the closed type set.
func (t Type) Valid() bool {
	for _, known := range Types {
		if t == known {
			return true
		}
	}
	return false
}

// Gift types carried by TypeGift events.
const (
	GiftTypeSuperChat    = "Super Chat"
	GiftTypeSuperSticker = "Super Sticker"
)

// Metadata is attached to every event. Extra holds builder-specific debug values.
type Metadata struct {
	CorrelationID string         `json:"correlationId"`
	Extra         map[string]any `json:"extra,omitempty"`
}

// Message is the text payload of a chat message.
type Message struct {
	Text string `json:"text"`
}

// ErrorInfo is the sanitized error payload of an error event.
type ErrorInfo struct {
	Message string `json:"message"`
	Name    string `json:"name"`
}

// ErrorContext names the operation that failed.
type ErrorContext struct {
	Operation string `json:"operation"`
}

// Event is a normalized event. Fields beyond the envelope are populated per type.
type Event struct {
	Type      Type     `json:"type"`
	Platform  string   `json:"platform"`
	Timestamp string   `json:"timestamp"`
	Metadata  Metadata `json:"metadata"`

	VideoID string `json:"videoId,omitempty"`

	// Identity of the user behind chat and monetization events. The flags
	// are encoded only for those types.
	Username   string `json:"username,omitempty"`
	UserID     string `json:"userId,omitempty"`
	IsMod      bool   `json:"isMod"`
	IsOwner    bool   `json:"isOwner"`
	IsVerified bool   `json:"isVerified"`
	IsPaypiggy bool   `json:"isPaypiggy"`

	MessageID string   `json:"messageId,omitempty"`
	Message   *Message `json:"message,omitempty"`

	// Monetization.
	GiftType  string  `json:"giftType,omitempty"`
	GiftCount int     `json:"giftCount,omitempty"`
	Amount    float64 `json:"amount,omitempty"`
	Currency  string  `json:"currency,omitempty"`
	Tier      string  `json:"tier,omitempty"`
	Months    int     `json:"months,omitempty"`

	// Stream lifecycle.
	IsLive   bool     `json:"isLive"`
	Reason   string   `json:"reason,omitempty"`
	VideoIDs []string `json:"videoIds,omitempty"`

	// Viewer count; NaN and Inf are passed through untouched.
	Count    float64 `json:"count"`
	StreamID string  `json:"streamId,omitempty"`

	// Error events.
	Error       *ErrorInfo    `json:"error,omitempty"`
	Context     *ErrorContext `json:"context,omitempty"`
	Recoverable bool          `json:"recoverable"`
}

// MarshalJSON encodes the envelope plus the fields of e's type. Flags and
// counts that belong to the type are always present, zero or not; those of
// other types are left out.
func (e Event) MarshalJSON() ([]byte, error) {
	type plain Event
	w := struct {
		plain
		IsMod       *bool    `json:"isMod,omitempty"`
		IsOwner     *bool    `json:"isOwner,omitempty"`
		IsVerified  *bool    `json:"isVerified,omitempty"`
		IsPaypiggy  *bool    `json:"isPaypiggy,omitempty"`
		IsLive      *bool    `json:"isLive,omitempty"`
		Count       *float64 `json:"count,omitempty"`
		Recoverable *bool    `json:"recoverable,omitempty"`
	}{plain: plain(e)}
	switch e.Type {
	case TypeChatMessage, TypeGift, TypePaypiggy, TypeGiftPaypiggy:
		w.IsMod, w.IsOwner, w.IsVerified, w.IsPaypiggy = &e.IsMod, &e.IsOwner, &e.IsVerified, &e.IsPaypiggy
	case TypeStreamStatus:
		w.IsLive = &e.IsLive
	case TypeViewerCount:
		w.Count = &e.Count
	case TypeError:
		w.Recoverable = &e.Recoverable
	}
	return json.Marshal(w)
}

// ErrInvalidEvent is matched by every builder validation failure.
var ErrInvalidEvent = errors.New("invalid event")

// InvalidEventError describes which field made a builder reject its input.
type InvalidEventError struct {
	Type   Type
	Field  string
	Reason string
}

func (e *InvalidEventError) Error() string {
	return fmt.Sprintf("invalid %s event: %s %s", e.Type, e.Field, e.Reason)
}

// Is lets errors.Is(err, ErrInvalidEvent) match.
func (e *InvalidEventError) Is(target error) bool { return target == ErrInvalidEvent }

// FormatTimestamp renders t in the canonical layout.
func FormatTimestamp(t time.Time) string { return t.UTC().Format(TimestampLayout) }

// ParseTimestamp accepts any RFC 3339 timestamp and returns it in UTC.
func ParseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
