package youtubeapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"google.golang.org/api/googleapi"
	yt "google.golang.org/api/youtube/v3"

	"github.com/onnwee/chat-relay/innertube"
)

// Data API message types.
const (
	msgText              = "textMessageEvent"
	msgSuperChat         = "superChatEvent"
	msgSuperSticker      = "superStickerEvent"
	msgNewSponsor        = "newSponsorEvent"
	msgMemberMilestone   = "memberMilestoneChatEvent"
	msgMembershipGifting = "membershipGiftingEvent"
	msgGiftReceived      = "giftMembershipReceivedEvent"
	msgDeleted           = "messageDeletedEvent"
	msgUserBanned        = "userBannedEvent"
	msgChatEnded         = "chatEndedEvent"
	msgTombstone         = "tombstone"
)

// liveChat polls liveChatMessages.list for one broadcast. Callbacks run on
// the polling goroutine, never inside Start. Stop does not wait for that
// goroutine so it may be called from a callback.
type liveChat struct {
	c       *Client
	videoID string
	chatID  string
	logger  *slog.Logger

	mu       sync.Mutex
	onStart  []func()
	onEnd    []func()
	onError  []func(error)
	onUpdate []func(innertube.ChatUpdate)
	cancel   context.CancelFunc
}

func newLiveChat(c *Client, videoID, chatID string) *liveChat {
	return &liveChat{
		c:       c,
		videoID: videoID,
		chatID:  chatID,
		logger:  c.logger.With(slog.String("video_id", videoID)),
	}
}

func (l *liveChat) OnStart(fn func()) {
	l.mu.Lock()
	l.onStart = append(l.onStart, fn)
	l.mu.Unlock()
}

func (l *liveChat) OnEnd(fn func()) {
	l.mu.Lock()
	l.onEnd = append(l.onEnd, fn)
	l.mu.Unlock()
}

func (l *liveChat) OnError(fn func(error)) {
	l.mu.Lock()
	l.onError = append(l.onError, fn)
	l.mu.Unlock()
}

func (l *liveChat) OnChatUpdate(fn func(innertube.ChatUpdate)) {
	l.mu.Lock()
	l.onUpdate = append(l.onUpdate, fn)
	l.mu.Unlock()
}

func (l *liveChat) RemoveAllListeners() {
	l.mu.Lock()
	l.onStart, l.onEnd, l.onError, l.onUpdate = nil, nil, nil, nil
	l.mu.Unlock()
}

// Start begins polling. Calling it while running is a no-op.
func (l *liveChat) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	go l.poll(ctx)
	return nil
}

func (l *liveChat) Stop() {
	l.mu.Lock()
	cancel := l.cancel
	l.cancel = nil
	l.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (l *liveChat) SendMessage(ctx context.Context, text string) error {
	return l.c.SendMessage(ctx, l.chatID, text)
}

// poll fires start after the first successful page. That page is the chat
// backlog and is not delivered.
func (l *liveChat) poll(ctx context.Context) {
	var (
		pageToken string
		started   bool
		failures  int
	)
	for {
		resp, err := l.c.svc.LiveChatMessages.List(l.chatID, []string{"snippet", "authorDetails"}).
			PageToken(pageToken).Context(ctx).Do()
		if ctx.Err() != nil {
			return
		}
		var wait time.Duration
		switch {
		case err != nil && chatEnded(err):
			l.logger.Info("live chat ended", slog.Any("err", err))
			l.fireEnd()
			return
		case err != nil:
			failures++
			l.fireError(err)
			wait = l.c.opts.ErrorBackoff.Delay(failures)
		default:
			failures = 0
			ended := resp.OfflineAt != ""
			backlog := !started
			if backlog {
				started = true
				l.fireStart()
			}
			for _, m := range resp.Items {
				switch {
				case m == nil || m.Snippet == nil:
				case m.Snippet.Type == msgChatEnded:
					ended = true
				case !backlog:
					l.fireUpdate(chatUpdate(l.videoID, m))
				}
			}
			if ended {
				l.fireEnd()
				return
			}
			pageToken = resp.NextPageToken
			wait = time.Duration(resp.PollingIntervalMillis) * time.Millisecond
			if wait < l.c.opts.MinPollInterval {
				wait = l.c.opts.MinPollInterval
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-l.c.clock.After(wait):
		}
	}
}

// chatEnded reports API errors meaning the chat is gone for good.
func chatEnded(err error) bool {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return false
	}
	for _, e := range gerr.Errors {
		switch e.Reason {
		case "liveChatEnded", "liveChatNotFound", "liveChatDisabled":
			return true
		}
	}
	return gerr.Code == http.StatusNotFound
}

func (l *liveChat) fireStart() {
	l.mu.Lock()
	fns := append([]func(){}, l.onStart...)
	l.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (l *liveChat) fireEnd() {
	l.mu.Lock()
	fns := append([]func(){}, l.onEnd...)
	l.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (l *liveChat) fireError(err error) {
	l.mu.Lock()
	fns := append([]func(error){}, l.onError...)
	l.mu.Unlock()
	for _, fn := range fns {
		fn(err)
	}
}

func (l *liveChat) fireUpdate(u innertube.ChatUpdate) {
	l.mu.Lock()
	fns := append([]func(innertube.ChatUpdate){}, l.onUpdate...)
	l.mu.Unlock()
	for _, fn := range fns {
		fn(u)
	}
}

// chatUpdate maps a Data API message onto the chat item schema the
// processor dispatches on. Unknown types keep their API name.
func chatUpdate(videoID string, m *yt.LiveChatMessage) innertube.ChatUpdate {
	s := m.Snippet
	item := &innertube.ChatItem{ID: m.Id, Type: s.Type}
	if a := m.AuthorDetails; a != nil {
		item.Author = innertube.Author{
			ID:          a.ChannelId,
			Name:        a.DisplayName,
			Thumbnail:   a.ProfileImageUrl,
			IsModerator: a.IsChatModerator,
			IsOwner:     a.IsChatOwner,
			IsVerified:  a.IsVerified,
			IsMember:    a.IsChatSponsor,
		}
	}
	if ts, err := time.Parse(time.RFC3339Nano, s.PublishedAt); err == nil {
		item.Timestamp = ts
	}
	text := func(t string) []innertube.Run {
		if t == "" {
			return nil
		}
		return []innertube.Run{{Text: t}}
	}

	switch s.Type {
	case msgText:
		item.Type = innertube.ItemTextMessage
		msg := s.DisplayMessage
		if d := s.TextMessageDetails; d != nil && d.MessageText != "" {
			msg = d.MessageText
		}
		item.Message = text(msg)
	case msgSuperChat:
		item.Type = innertube.ItemPaidMessage
		if d := s.SuperChatDetails; d != nil {
			item.Purchase = &innertube.Money{Amount: micros(d.AmountMicros), Currency: d.Currency}
			item.Message = text(d.UserComment)
		}
	case msgSuperSticker:
		item.Type = innertube.ItemPaidSticker
		if d := s.SuperStickerDetails; d != nil {
			item.Purchase = &innertube.Money{Amount: micros(d.AmountMicros), Currency: d.Currency}
			if md := d.SuperStickerMetadata; md != nil {
				item.StickerLabel = md.AltText
			}
		}
	case msgNewSponsor:
		item.Type = innertube.ItemMembership
		if d := s.NewSponsorDetails; d != nil {
			item.MembershipTier = d.MemberLevelName
		}
		item.HeaderSubtext = s.DisplayMessage
	case msgMemberMilestone:
		item.Type = innertube.ItemMembership
		if d := s.MemberMilestoneChatDetails; d != nil {
			item.MembershipTier = d.MemberLevelName
			item.MembershipMonths = int(d.MemberMonth)
			item.Message = text(d.UserComment)
		}
		item.HeaderSubtext = s.DisplayMessage
	case msgMembershipGifting:
		item.Type = innertube.ItemGiftPurchase
		if d := s.MembershipGiftingDetails; d != nil {
			item.GiftCount = int(d.GiftMembershipsCount)
			item.MembershipTier = d.GiftMembershipsLevelName
		}
	case msgGiftReceived:
		item.Type = innertube.ItemGiftRedemption
		if d := s.GiftMembershipReceivedDetails; d != nil {
			item.MembershipTier = d.MemberLevelName
		}
	case msgDeleted:
		item.Type = innertube.ItemRemoveChatItem
		if d := s.MessageDeletedDetails; d != nil {
			item.TargetItemID = d.DeletedMessageId
		}
	case msgUserBanned:
		item.Type = innertube.ItemRemoveChatItemByAuthor
		if d := s.UserBannedDetails; d != nil && d.BannedUserDetails != nil {
			item.TargetItemID = d.BannedUserDetails.ChannelId
		}
	case msgTombstone:
		item.Type = innertube.ItemPlaceholder
	}
	return innertube.ChatUpdate{Item: item, VideoID: videoID}
}

func micros(v uint64) float64 { return float64(v) / 1e6 }
