package db

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/onnwee/chat-relay/eventbus"
	"github.com/onnwee/chat-relay/events"
)

func archiveFactory() *events.Factory {
	return events.NewFactoryWithClock(clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)))
}

func TestArchiveDropsWhenQueueFull(t *testing.T) {
	a := NewArchive(nil, 1, nil)
	f := archiveFactory()
	for i := 0; i < 3; i++ {
		ev, err := f.StreamStatus(true, "aaaaaaaaaaa", f.Now())
		if err != nil {
			t.Fatal(err)
		}
		a.Listen(context.Background(), eventbus.Wrap(ev))
	}
	a.Listen(context.Background(), eventbus.Envelope{})
	st := a.Stats()
	if st.Queued != 1 || st.Dropped != 2 {
		t.Fatalf("stats = %+v, want 1 queued and 2 dropped", st)
	}
}

func TestArchiveStoreAndRecent(t *testing.T) {
	dbx := openTestDB(t)
	ctx := context.Background()
	a := NewArchive(dbx, 0, nil)
	f := archiveFactory()

	msg, err := f.ChatMessage(events.ChatMessageParams{
		VideoID: "aaaaaaaaaaa", MessageID: "m1",
		User: events.User{ID: "u1", Name: "viewer"}, Text: "hello", Timestamp: f.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}
	vc, err := f.ViewerCount(1060, "bbbbbbbbbbb", f.Now())
	if err != nil {
		t.Fatal(err)
	}
	for _, ev := range []*events.Event{msg, vc, msg} {
		if err := a.Store(ctx, ev); err != nil {
			t.Fatalf("Store(%s): %v", ev.Type, err)
		}
	}

	counts, err := a.CountByType(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts[events.TypeChatMessage] != 1 || counts[events.TypeViewerCount] != 1 {
		t.Fatalf("counts = %v (duplicate correlation ids must be ignored)", counts)
	}

	got, err := a.Recent(ctx, "aaaaaaaaaaa", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Message == nil || got[0].Message.Text != "hello" || got[0].Username != "viewer" {
		t.Fatalf("Recent = %+v", got)
	}
	all, err := a.Recent(ctx, "", 10)
	if err != nil || len(all) != 2 {
		t.Fatalf("Recent(all) = %d, %v", len(all), err)
	}
}

func TestArchiveRejectsUnencodableEvent(t *testing.T) {
	dbx := openTestDB(t)
	f := archiveFactory()
	ev, _ := f.ViewerCount(math.NaN(), "", f.Now())
	if err := NewArchive(dbx, 0, nil).Store(context.Background(), ev); err == nil {
		t.Fatal("NaN viewer count should fail to encode")
	}
}

func TestArchiveListenWritesAsync(t *testing.T) {
	dbx := openTestDB(t)
	ctx := context.Background()
	a := NewArchive(dbx, 16, nil)
	a.Start(ctx)
	f := archiveFactory()
	for _, live := range []bool{true, false} {
		ev, _ := f.StreamStatus(live, "aaaaaaaaaaa", f.Now())
		a.Listen(ctx, eventbus.Wrap(ev))
	}
	a.Close()
	a.Listen(ctx, eventbus.Envelope{Data: &events.Event{Type: events.TypeStreamStatus}})

	if st := a.Stats(); st.Stored != 2 || st.Failed != 0 {
		t.Fatalf("stats = %+v", st)
	}
	counts, err := a.CountByType(ctx)
	if err != nil || counts[events.TypeStreamStatus] != 2 {
		t.Fatalf("counts = %v, %v", counts, err)
	}
}
