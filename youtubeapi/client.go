// Package youtubeapi implements the ingestion collaborators on top of the
// YouTube Data API v3: the innertube.Client used to open chat connections,
// the live-stream detector and the viewer-count provider. Chat streams are
// polled through liveChatMessages.list.
package youtubeapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"
	"google.golang.org/api/option"
	yt "google.golang.org/api/youtube/v3"

	"github.com/onnwee/chat-relay/innertube"
	"github.com/onnwee/chat-relay/retry"
	"github.com/onnwee/chat-relay/telemetry"
)

// ErrNoCredentials is returned by New without an API key or HTTP client.
var ErrNoCredentials = errors.New("no api key or oauth client configured")

// Options configures a Client.
type Options struct {
	// APIKey authenticates read-only calls. Ignored when HTTPClient is set.
	APIKey string
	// HTTPClient is used as is, typically an OAuth client from Auth. Sending
	// chat messages requires one.
	HTTPClient *http.Client
	// Endpoint overrides the API base URL.
	Endpoint string

	// MinPollInterval is the floor for chat polling; the server's suggested
	// interval is used when larger. Default 2s.
	MinPollInterval time.Duration
	// ErrorBackoff spaces chat polls after failures.
	ErrorBackoff retry.Backoff

	Clock  clockwork.Clock
	Logger *slog.Logger
}

// Client talks to the Data API. It implements innertube.Client and
// viewers.Provider.
type Client struct {
	svc    *yt.Service
	opts   Options
	clock  clockwork.Clock
	logger *slog.Logger
}

var _ innertube.Client = (*Client)(nil)

// New builds a Client.
func New(ctx context.Context, opts Options) (*Client, error) {
	var co []option.ClientOption
	switch {
	case opts.HTTPClient != nil:
		co = append(co, option.WithHTTPClient(opts.HTTPClient))
	case opts.APIKey != "":
		co = append(co, option.WithAPIKey(opts.APIKey))
	default:
		return nil, fmt.Errorf("youtube client: %w", ErrNoCredentials)
	}
	if opts.Endpoint != "" {
		co = append(co, option.WithEndpoint(opts.Endpoint))
	}
	svc, err := yt.NewService(ctx, co...)
	if err != nil {
		return nil, fmt.Errorf("youtube client: %w", err)
	}
	if opts.MinPollInterval <= 0 {
		opts.MinPollInterval = 2 * time.Second
	}
	if opts.ErrorBackoff.Base <= 0 {
		opts.ErrorBackoff = retry.Backoff{Base: 5 * time.Second, Max: 2 * time.Minute}
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Client{
		svc:    svc,
		opts:   opts,
		clock:  opts.Clock,
		logger: opts.Logger.With(slog.String("component", "youtubeapi")),
	}, nil
}

// GetInfo looks the video up with videos.list. The returned info opens a
// polling chat handle when the broadcast has an active live chat.
func (c *Client) GetInfo(ctx context.Context, videoID string) (_ *innertube.VideoInfo, err error) {
	ctx, span := telemetry.StartSpan(ctx, "youtubeapi.get_info", attribute.String("video_id", videoID))
	defer func() { telemetry.EndSpan(span, err) }()

	v, err := c.video(ctx, videoID)
	if err != nil {
		return nil, err
	}
	info := videoInfo(v)
	chatID := ""
	if v.LiveStreamingDetails != nil {
		chatID = v.LiveStreamingDetails.ActiveLiveChatId
	}
	info.ChatOpener = func(context.Context) (innertube.LiveChat, error) {
		if chatID == "" {
			return nil, innertube.ErrChatUnavailable
		}
		return newLiveChat(c, videoID, chatID), nil
	}
	return info, nil
}

func (c *Client) video(ctx context.Context, videoID string) (*yt.Video, error) {
	resp, err := c.svc.Videos.List([]string{"snippet", "liveStreamingDetails"}).
		Id(videoID).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("videos.list %s: %w", videoID, err)
	}
	if len(resp.Items) == 0 || resp.Items[0] == nil {
		return nil, fmt.Errorf("video %s not found", videoID)
	}
	return resp.Items[0], nil
}

// videoInfo maps the API resource onto the liveness signals the connection
// factory checks.
func videoInfo(v *yt.Video) *innertube.VideoInfo {
	info := &innertube.VideoInfo{ID: v.Id}
	if s := v.Snippet; s != nil {
		info.Title = s.Title
		info.ChannelID = s.ChannelId
		info.LiveStatus = s.LiveBroadcastContent
		switch s.LiveBroadcastContent {
		case "live":
			info.IsLive = true
			info.Badges = []string{"LIVE"}
		case "upcoming":
			info.IsUpcoming = true
		}
	}
	// Replays keep their liveStreamingDetails, so only an unfinished broadcast counts.
	if d := v.LiveStreamingDetails; d != nil && d.ActualStartTime != "" && d.ActualEndTime == "" {
		info.IsLiveContent = true
		n := d.ConcurrentViewers
		info.ConcurrentViewers = &n
	}
	return info
}

// ResolveURL resolves a channel URL to its id. /channel/UC... URLs are
// returned as is; @handle URLs go through channels.list forHandle.
func (c *Client) ResolveURL(ctx context.Context, url string) (string, error) {
	if i := strings.Index(url, "/channel/"); i >= 0 {
		id := strings.Trim(url[i+len("/channel/"):], "/")
		if id != "" {
			return id, nil
		}
	}
	handle := url
	if i := strings.LastIndex(url, "@"); i >= 0 {
		handle = url[i+1:]
	}
	handle = strings.Trim(handle, "/ ")
	if handle == "" {
		return "", fmt.Errorf("invalid url %q", url)
	}
	resp, err := c.svc.Channels.List([]string{"id"}).ForHandle(handle).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("channels.list @%s: %w", handle, err)
	}
	if len(resp.Items) == 0 || resp.Items[0].Id == "" {
		return "", fmt.Errorf("channel @%s not found", handle)
	}
	return resp.Items[0].Id, nil
}

// ViewerCount returns concurrentViewers for a broadcast that is on air.
func (c *Client) ViewerCount(ctx context.Context, videoID string) (float64, error) {
	resp, err := c.svc.Videos.List([]string{"liveStreamingDetails"}).Id(videoID).Context(ctx).Do()
	if err != nil {
		return 0, fmt.Errorf("videos.list %s: %w", videoID, err)
	}
	if len(resp.Items) == 0 || resp.Items[0].LiveStreamingDetails == nil {
		return 0, fmt.Errorf("video %s has no live streaming details", videoID)
	}
	return float64(resp.Items[0].LiveStreamingDetails.ConcurrentViewers), nil
}

// SendMessage posts text to the chat with liveChatID. It needs an OAuth client.
func (c *Client) SendMessage(ctx context.Context, liveChatID, text string) error {
	msg := &yt.LiveChatMessage{Snippet: &yt.LiveChatMessageSnippet{
		LiveChatId:         liveChatID,
		Type:               "textMessageEvent",
		TextMessageDetails: &yt.LiveChatTextMessageDetails{MessageText: text},
	}}
	if _, err := c.svc.LiveChatMessages.Insert([]string{"snippet"}, msg).Context(ctx).Do(); err != nil {
		return fmt.Errorf("liveChatMessages.insert: %w", err)
	}
	return nil
}
