package youtubeapi

import (
	"context"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	yt "google.golang.org/api/youtube/v3"

	"github.com/onnwee/chat-relay/innertube"
	"github.com/onnwee/chat-relay/testutil"
)

const chatPath = "/youtube/v3/liveChat/messages"

func liveVideo(id string) map[string]any {
	return map[string]any{
		"id":      id,
		"snippet": map[string]any{"liveBroadcastContent": "live"},
		"liveStreamingDetails": map[string]any{
			"actualStartTime":  "2026-03-01T12:00:00Z",
			"activeLiveChatId": "chat-" + id,
		},
	}
}

func textItem(id, author, text string) map[string]any {
	return map[string]any{
		"id": id,
		"snippet": map[string]any{
			"type":               "textMessageEvent",
			"publishedAt":        "2026-03-01T12:05:00Z",
			"displayMessage":     text,
			"textMessageDetails": map[string]any{"messageText": text},
		},
		"authorDetails": map[string]any{"channelId": "UC-" + author, "displayName": author},
	}
}

type chatEvents struct {
	started chan struct{}
	ended   chan struct{}
	errs    chan error
	updates chan innertube.ChatUpdate
}

func openChat(t *testing.T, srv *testutil.MockYouTubeServer, clock clockwork.Clock) (innertube.LiveChat, *chatEvents) {
	t.Helper()
	srv.MockVideosResponse([]map[string]any{liveVideo("aaaaaaaaaaa")})
	c := newTestClient(t, srv, clock)
	info, err := c.GetInfo(context.Background(), "aaaaaaaaaaa")
	if err != nil {
		t.Fatal(err)
	}
	chat, err := info.GetLiveChat(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	ev := &chatEvents{
		started: make(chan struct{}, 4),
		ended:   make(chan struct{}, 4),
		errs:    make(chan error, 4),
		updates: make(chan innertube.ChatUpdate, 16),
	}
	chat.OnStart(func() { ev.started <- struct{}{} })
	chat.OnEnd(func() { ev.ended <- struct{}{} })
	chat.OnError(func(err error) { ev.errs <- err })
	chat.OnChatUpdate(func(u innertube.ChatUpdate) { ev.updates <- u })
	t.Cleanup(chat.Stop)
	return chat, ev
}

func waitFor[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
	var zero T
	return zero
}

func advancePoll(t *testing.T, clock *clockwork.FakeClock, d time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatalf("poller never slept: %v", err)
	}
	clock.Advance(d)
}

func TestLiveChatPaging(t *testing.T) {
	srv := testutil.NewMockYouTubeServer(t)
	srv.Handle(chatPath, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("liveChatId") != "chat-aaaaaaaaaaa" {
			t.Errorf("liveChatId = %q", q.Get("liveChatId"))
		}
		var body map[string]any
		switch q.Get("pageToken") {
		case "":
			body = map[string]any{
				"nextPageToken": "p1",
				"items":         []map[string]any{textItem("old", "alice", "backlog")},
			}
		case "p1":
			body = map[string]any{
				"nextPageToken": "p2",
				"items": []map[string]any{
					textItem("m1", "bob", "hello"),
					{
						"id": "m2",
						"snippet": map[string]any{
							"type": "superChatEvent",
							"superChatDetails": map[string]any{
								"amountMicros": "5000000",
								"currency":     "USD",
								"userComment":  "great stream",
							},
						},
						"authorDetails": map[string]any{"channelId": "UC-carol", "displayName": "carol"},
					},
				},
			}
		default:
			body = map[string]any{
				"items": []map[string]any{{"id": "m3", "snippet": map[string]any{"type": "chatEndedEvent"}}},
			}
		}
		testutil.WriteJSON(w, http.StatusOK, body)
	})
	clock := clockwork.NewFakeClock()
	chat, ev := openChat(t, srv, clock)
	if err := chat.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := chat.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	waitFor(t, ev.started, "start")
	advancePoll(t, clock, time.Second)

	first := waitFor(t, ev.updates, "text update")
	if first.Item.ID != "m1" || first.Item.Type != innertube.ItemTextMessage || first.VideoID != "aaaaaaaaaaa" {
		t.Fatalf("first update = %+v", first.Item)
	}
	if first.Item.Author.Name != "bob" || len(first.Item.Message) != 1 || first.Item.Message[0].Text != "hello" {
		t.Fatalf("text item = %+v", first.Item)
	}
	paid := waitFor(t, ev.updates, "super chat update")
	if paid.Item.Type != innertube.ItemPaidMessage || paid.Item.Purchase == nil ||
		paid.Item.Purchase.Amount != 5 || paid.Item.Purchase.Currency != "USD" {
		t.Fatalf("paid item = %+v", paid.Item)
	}

	advancePoll(t, clock, time.Second)
	waitFor(t, ev.ended, "end")
	select {
	case u := <-ev.updates:
		if u.Item.Type == "chatEndedEvent" || u.Item.ID == "old" {
			t.Fatalf("unexpected update %+v", u.Item)
		}
	default:
	}
	if n := srv.Hits(chatPath); n != 3 {
		t.Fatalf("polls = %d, want 3", n)
	}
}

func TestLiveChatEndedError(t *testing.T) {
	srv := testutil.NewMockYouTubeServer(t)
	srv.Handle(chatPath, func(w http.ResponseWriter, _ *http.Request) {
		testutil.WriteJSON(w, http.StatusForbidden, map[string]any{
			"error": map[string]any{
				"code":    403,
				"message": "The live chat is no longer live.",
				"errors":  []map[string]any{{"reason": "liveChatEnded", "domain": "youtube.liveChat"}},
			},
		})
	})
	chat, ev := openChat(t, srv, clockwork.NewFakeClock())
	if err := chat.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, ev.ended, "end")
	select {
	case err := <-ev.errs:
		t.Fatalf("ended chat reported error %v", err)
	default:
	}
}

func TestLiveChatRecoversAfterError(t *testing.T) {
	srv := testutil.NewMockYouTubeServer(t)
	var calls atomic.Int32
	srv.Handle(chatPath, func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			testutil.WriteJSON(w, http.StatusForbidden, map[string]any{
				"error": map[string]any{
					"code":    403,
					"message": "quota exceeded",
					"errors":  []map[string]any{{"reason": "quotaExceeded"}},
				},
			})
			return
		}
		testutil.WriteJSON(w, http.StatusOK, map[string]any{"nextPageToken": "p1"})
	})
	clock := clockwork.NewFakeClock()
	chat, ev := openChat(t, srv, clock)
	if err := chat.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	waitFor(t, ev.errs, "error")
	select {
	case <-ev.started:
		t.Fatal("start fired before a successful poll")
	default:
	}
	advancePoll(t, clock, time.Second)
	waitFor(t, ev.started, "start after recovery")
}

func TestLiveChatStopFromEndCallback(t *testing.T) {
	srv := testutil.NewMockYouTubeServer(t)
	srv.HandleJSON(chatPath, map[string]any{"offlineAt": "2026-03-01T14:00:00Z"})
	chat, ev := openChat(t, srv, clockwork.NewFakeClock())
	stopped := make(chan struct{})
	chat.OnEnd(func() {
		chat.Stop()
		chat.RemoveAllListeners()
		close(stopped)
	})
	if err := chat.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, ev.started, "start")
	waitFor(t, ev.ended, "end")
	waitFor(t, stopped, "stop inside callback")
}

func TestChatUpdateMapping(t *testing.T) {
	tests := []struct {
		name  string
		msg   *yt.LiveChatMessage
		check func(t *testing.T, it *innertube.ChatItem)
	}{
		{
			name: "super sticker",
			msg: &yt.LiveChatMessage{Snippet: &yt.LiveChatMessageSnippet{
				Type: "superStickerEvent",
				SuperStickerDetails: &yt.LiveChatSuperStickerDetails{
					AmountMicros:         2500000,
					Currency:             "EUR",
					SuperStickerMetadata: &yt.SuperStickerMetadata{AltText: "party"},
				},
			}},
			check: func(t *testing.T, it *innertube.ChatItem) {
				if it.Type != innertube.ItemPaidSticker || it.Purchase.Amount != 2.5 || it.StickerLabel != "party" {
					t.Fatalf("item = %+v", it)
				}
			},
		},
		{
			name: "new member",
			msg: &yt.LiveChatMessage{Snippet: &yt.LiveChatMessageSnippet{
				Type:              "newSponsorEvent",
				DisplayMessage:    "Welcome to Gold!",
				NewSponsorDetails: &yt.LiveChatNewSponsorDetails{MemberLevelName: "Gold"},
			}},
			check: func(t *testing.T, it *innertube.ChatItem) {
				if it.Type != innertube.ItemMembership || it.MembershipTier != "Gold" || it.HeaderSubtext != "Welcome to Gold!" {
					t.Fatalf("item = %+v", it)
				}
			},
		},
		{
			name: "milestone",
			msg: &yt.LiveChatMessage{Snippet: &yt.LiveChatMessageSnippet{
				Type: "memberMilestoneChatEvent",
				MemberMilestoneChatDetails: &yt.LiveChatMemberMilestoneChatDetails{
					MemberLevelName: "Gold", MemberMonth: 12, UserComment: "a year!",
				},
			}},
			check: func(t *testing.T, it *innertube.ChatItem) {
				if it.Type != innertube.ItemMembership || it.MembershipMonths != 12 || len(it.Message) != 1 {
					t.Fatalf("item = %+v", it)
				}
			},
		},
		{
			name: "gift purchase",
			msg: &yt.LiveChatMessage{Snippet: &yt.LiveChatMessageSnippet{
				Type: "membershipGiftingEvent",
				MembershipGiftingDetails: &yt.LiveChatMembershipGiftingDetails{
					GiftMembershipsCount: 5, GiftMembershipsLevelName: "Gold",
				},
			}},
			check: func(t *testing.T, it *innertube.ChatItem) {
				if it.Type != innertube.ItemGiftPurchase || it.GiftCount != 5 {
					t.Fatalf("item = %+v", it)
				}
			},
		},
		{
			name: "gift received",
			msg:  &yt.LiveChatMessage{Snippet: &yt.LiveChatMessageSnippet{Type: "giftMembershipReceivedEvent"}},
			check: func(t *testing.T, it *innertube.ChatItem) {
				if it.Type != innertube.ItemGiftRedemption {
					t.Fatalf("item = %+v", it)
				}
			},
		},
		{
			name: "deleted",
			msg: &yt.LiveChatMessage{Snippet: &yt.LiveChatMessageSnippet{
				Type:                  "messageDeletedEvent",
				MessageDeletedDetails: &yt.LiveChatMessageDeletedDetails{DeletedMessageId: "m1"},
			}},
			check: func(t *testing.T, it *innertube.ChatItem) {
				if it.Type != innertube.ItemRemoveChatItem || it.TargetItemID != "m1" {
					t.Fatalf("item = %+v", it)
				}
			},
		},
		{
			name: "banned",
			msg: &yt.LiveChatMessage{Snippet: &yt.LiveChatMessageSnippet{
				Type: "userBannedEvent",
				UserBannedDetails: &yt.LiveChatUserBannedMessageDetails{
					BannedUserDetails: &yt.ChannelProfileDetails{ChannelId: "UC-spam"},
				},
			}},
			check: func(t *testing.T, it *innertube.ChatItem) {
				if it.Type != innertube.ItemRemoveChatItemByAuthor || it.TargetItemID != "UC-spam" {
					t.Fatalf("item = %+v", it)
				}
			},
		},
		{
			name: "tombstone",
			msg:  &yt.LiveChatMessage{Snippet: &yt.LiveChatMessageSnippet{Type: "tombstone"}},
			check: func(t *testing.T, it *innertube.ChatItem) {
				if it.Type != innertube.ItemPlaceholder {
					t.Fatalf("item = %+v", it)
				}
			},
		},
		{
			name: "unknown keeps api type",
			msg:  &yt.LiveChatMessage{Snippet: &yt.LiveChatMessageSnippet{Type: "pollEvent"}},
			check: func(t *testing.T, it *innertube.ChatItem) {
				if it.Type != "pollEvent" {
					t.Fatalf("item = %+v", it)
				}
			},
		},
		{
			name: "author and timestamp",
			msg: &yt.LiveChatMessage{
				Id: "m9",
				Snippet: &yt.LiveChatMessageSnippet{
					Type:           "textMessageEvent",
					PublishedAt:    "2026-03-01T12:05:00.5Z",
					DisplayMessage: "hi",
				},
				AuthorDetails: &yt.LiveChatMessageAuthorDetails{
					ChannelId: "UC-mod", DisplayName: "mod", IsChatModerator: true, IsChatSponsor: true,
				},
			},
			check: func(t *testing.T, it *innertube.ChatItem) {
				if it.ID != "m9" || !it.Author.IsModerator || !it.Author.IsMember || it.Message[0].Text != "hi" {
					t.Fatalf("item = %+v", it)
				}
				if it.Timestamp.UnixMilli() != time.Date(2026, 3, 1, 12, 5, 0, 500e6, time.UTC).UnixMilli() {
					t.Fatalf("timestamp = %v", it.Timestamp)
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := chatUpdate("aaaaaaaaaaa", tt.msg)
			if u.VideoID != "aaaaaaaaaaa" || u.Item == nil {
				t.Fatalf("update = %+v", u)
			}
			tt.check(t, u.Item)
		})
	}
}
