package events

import (
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func newTestFactory() *Factory {
	return NewFactoryWithClock(clockwork.NewFakeClockAt(time.Date(2024, 10, 15, 14, 30, 0, 0, time.UTC)))
}

func TestNowIsISO8601UTC(t *testing.T) {
	f := newTestFactory()
	if got, want := f.Now(), "2024-10-15T14:30:00.000Z"; got != want {
		t.Fatalf("Now() = %q, want %q", got, want)
	}
}

func TestEnvelopeTimestampNormalizedToUTC(t *testing.T) {
	f := newTestFactory()
	e, err := f.ChatConnected("dQw4w9WgXcQ", "2024-10-15T16:30:00.5+02:00")
	if err != nil {
		t.Fatalf("ChatConnected error: %v", err)
	}
	if e.Timestamp != "2024-10-15T14:30:00.500Z" {
		t.Errorf("timestamp = %q", e.Timestamp)
	}
	if e.Platform != Platform {
		t.Errorf("platform = %q", e.Platform)
	}
}

func TestBuildersRejectBadTimestamps(t *testing.T) {
	f := newTestFactory()
	for _, ts := range []string{"", "   ", "yesterday", "1729000000", "2024-10-15 14:30:00"} {
		t.Run(ts, func(t *testing.T) {
			_, err := f.StreamStatus(true, "", ts)
			if !errors.Is(err, ErrInvalidEvent) {
				t.Fatalf("expected ErrInvalidEvent for %q, got %v", ts, err)
			}
			var ie *InvalidEventError
			if !errors.As(err, &ie) || ie.Field != "timestamp" {
				t.Fatalf("expected timestamp field error, got %v", err)
			}
		})
	}
}

func TestCorrelationIDsAreUnique(t *testing.T) {
	f := NewFactory()
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		e, err := f.ViewerCount(float64(i), "abc", f.Now())
		if err != nil {
			t.Fatalf("ViewerCount error: %v", err)
		}
		if e.Metadata.CorrelationID == "" {
			t.Fatal("empty correlation id")
		}
		if seen[e.Metadata.CorrelationID] {
			t.Fatalf("duplicate correlation id %s", e.Metadata.CorrelationID)
		}
		seen[e.Metadata.CorrelationID] = true
	}
}

func TestChatMessageValidation(t *testing.T) {
	f := newTestFactory()
	ts := f.Now()
	tests := []struct {
		name  string
		p     ChatMessageParams
		field string
	}{
		{"missing user", ChatMessageParams{Text: "hi", Timestamp: ts}, "username"},
		{"empty text", ChatMessageParams{User: User{Name: "a"}, Text: "  ", Timestamp: ts}, "message.text"},
		{"missing timestamp", ChatMessageParams{User: User{Name: "a"}, Text: "hi"}, "timestamp"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.ChatMessage(tt.p)
			var ie *InvalidEventError
			if !errors.As(err, &ie) {
				t.Fatalf("expected InvalidEventError, got %v", err)
			}
			if ie.Field != tt.field {
				t.Errorf("field = %q, want %q", ie.Field, tt.field)
			}
		})
	}

	e, err := f.ChatMessage(ChatMessageParams{VideoID: "v1", User: User{ID: "u1", Name: "alice", IsMod: true}, Text: "hello", Timestamp: ts})
	if err != nil {
		t.Fatalf("ChatMessage error: %v", err)
	}
	if e.Message == nil || e.Message.Text != "hello" {
		t.Errorf("message = %+v", e.Message)
	}
	if !e.IsMod || e.IsOwner || e.IsVerified || e.IsPaypiggy {
		t.Errorf("unexpected flags: %+v", e)
	}
}

func TestGiftValidation(t *testing.T) {
	f := newTestFactory()
	ts := f.Now()
	user := User{Name: "bob"}
	bad := []GiftParams{
		{User: user, GiftType: GiftTypeSuperChat, Amount: 0, Currency: "USD", Timestamp: ts},
		{User: user, GiftType: GiftTypeSuperChat, Amount: -5, Currency: "USD", Timestamp: ts},
		{User: user, GiftType: GiftTypeSuperChat, Amount: math.NaN(), Currency: "USD", Timestamp: ts},
		{User: user, GiftType: GiftTypeSuperChat, Amount: 5, Currency: "", Timestamp: ts},
		{User: user, GiftType: "bits", Amount: 5, Currency: "USD", Timestamp: ts},
		{GiftType: GiftTypeSuperChat, Amount: 5, Currency: "USD", Timestamp: ts},
	}
	for i, p := range bad {
		if _, err := f.Gift(p); !errors.Is(err, ErrInvalidEvent) {
			t.Errorf("case %d: expected ErrInvalidEvent, got %v", i, err)
		}
	}
	e, err := f.Gift(GiftParams{VideoID: "v", User: user, GiftType: GiftTypeSuperSticker, Amount: 4.99, Currency: "usd", Timestamp: ts})
	if err != nil {
		t.Fatalf("Gift error: %v", err)
	}
	if e.Currency != "USD" || e.Amount != 4.99 || e.GiftCount != 1 {
		t.Errorf("unexpected gift: %+v", e)
	}
}

func TestGiftPaypiggyRequiresPositiveCount(t *testing.T) {
	f := newTestFactory()
	if _, err := f.GiftPaypiggy(GiftPaypiggyParams{User: User{Name: "c"}, GiftCount: 0, Timestamp: f.Now()}); !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("expected ErrInvalidEvent, got %v", err)
	}
	e, err := f.GiftPaypiggy(GiftPaypiggyParams{User: User{Name: "c"}, GiftCount: 5, Timestamp: f.Now()})
	if err != nil || e.GiftCount != 5 {
		t.Fatalf("GiftPaypiggy = %+v, %v", e, err)
	}
}

func TestPaypiggySetsMembership(t *testing.T) {
	f := newTestFactory()
	e, err := f.Paypiggy(PaypiggyParams{User: User{Name: "d"}, Months: 12, Tier: "Gold", Timestamp: f.Now()})
	if err != nil {
		t.Fatalf("Paypiggy error: %v", err)
	}
	if !e.IsPaypiggy || e.Months != 12 || e.Tier != "Gold" {
		t.Errorf("unexpected paypiggy: %+v", e)
	}
}

type namedErr struct{}

func (namedErr) Error() string { return "boom" }
func (namedErr) Name() string  { return "ConnectionError" }

func TestErrorEvent(t *testing.T) {
	f := newTestFactory()
	if _, err := f.Error(ErrorParams{Timestamp: f.Now()}); !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("expected ErrInvalidEvent for nil error, got %v", err)
	}
	e, err := f.Error(ErrorParams{Err: namedErr{}, Operation: "connect", Recoverable: true, VideoID: "v", Timestamp: f.Now()})
	if err != nil {
		t.Fatalf("Error builder: %v", err)
	}
	if e.Error.Name != "ConnectionError" || e.Error.Message != "boom" {
		t.Errorf("error info = %+v", e.Error)
	}
	if e.Context.Operation != "connect" || !e.Recoverable || e.VideoID != "v" {
		t.Errorf("unexpected error event: %+v", e)
	}
}

func TestViewerCountPassesThroughOddValues(t *testing.T) {
	f := newTestFactory()
	for _, v := range []float64{0, -3, math.Inf(1), math.NaN()} {
		e, err := f.ViewerCount(v, "s", f.Now())
		if err != nil {
			t.Fatalf("ViewerCount(%v) error: %v", v, err)
		}
		if math.IsNaN(v) {
			if !math.IsNaN(e.Count) {
				t.Errorf("NaN not preserved: %v", e.Count)
			}
			continue
		}
		if e.Count != v {
			t.Errorf("count = %v, want %v", e.Count, v)
		}
	}
}

func TestTypeValid(t *testing.T) {
	for _, typ := range Types {
		if !typ.Valid() {
			t.Errorf("%s should be valid", typ)
		}
	}
	if Type("raid").Valid() {
		t.Error("raid should not be valid")
	}
}

func TestMarshalJSONFieldsFollowType(t *testing.T) {
	f := newTestFactory()
	ts := f.Now()
	mustBuild := func(ev *Event, err error) *Event {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
		return ev
	}
	userFlags := []string{"isMod", "isOwner", "isVerified", "isPaypiggy"}
	tests := []struct {
		name    string
		ev      *Event
		present []string
		absent  []string
	}{
		{
			name:    "zero viewers keep count",
			ev:      mustBuild(f.ViewerCount(0, "aaaaaaaaaaa", ts)),
			present: []string{"count", "streamId"},
			absent:  append([]string{"isLive", "recoverable"}, userFlags...),
		},
		{
			name:    "chat message carries user flags",
			ev:      mustBuild(f.ChatMessage(ChatMessageParams{VideoID: "aaaaaaaaaaa", User: User{Name: "a"}, Text: "hi", Timestamp: ts})),
			present: append([]string{"message", "username"}, userFlags...),
			absent:  []string{"count", "isLive", "recoverable"},
		},
		{
			name:    "offline status keeps isLive",
			ev:      mustBuild(f.StreamStatus(false, "aaaaaaaaaaa", ts)),
			present: []string{"isLive"},
			absent:  append([]string{"count", "recoverable"}, userFlags...),
		},
		{
			name:    "error keeps recoverable",
			ev:      mustBuild(f.Error(ErrorParams{Err: errors.New("x"), Operation: "connect", Timestamp: ts})),
			present: []string{"recoverable", "error", "context"},
			absent:  append([]string{"count", "isLive"}, userFlags...),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := json.Marshal(tt.ev)
			if err != nil {
				t.Fatal(err)
			}
			var got map[string]any
			if err := json.Unmarshal(raw, &got); err != nil {
				t.Fatal(err)
			}
			for _, k := range append([]string{"type", "platform", "timestamp", "metadata"}, tt.present...) {
				if _, ok := got[k]; !ok {
					t.Errorf("%s missing from %s", k, raw)
				}
			}
			for _, k := range tt.absent {
				if _, ok := got[k]; ok {
					t.Errorf("%s present in %s", k, raw)
				}
			}
		})
	}

	raw, _ := json.Marshal(mustBuild(f.ViewerCount(0, "aaaaaaaaaaa", ts)))
	var back Event
	if err := json.Unmarshal(raw, &back); err != nil || back.Type != TypeViewerCount || back.Count != 0 || back.StreamID != "aaaaaaaaaaa" {
		t.Fatalf("round trip = %+v, %v", back, err)
	}
}
