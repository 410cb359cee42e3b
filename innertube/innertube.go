// Package innertube describes the contract of the external YouTube client the
// ingestion core consumes: video info lookup, live chat stream handles and
// channel URL resolution. Implementations live elsewhere (see youtubeapi); this
// package only holds the types, the vendor chat-item schema and the shared
// instance manager.
package innertube

import (
	"context"
	"errors"
	"regexp"
	"strings"
)

// Client is the external YouTube client.
type Client interface {
	GetInfo(ctx context.Context, videoID string) (*VideoInfo, error)
	// ResolveURL resolves a channel URL (e.g. https://www.youtube.com/@handle)
	// to its channel id.
	ResolveURL(ctx context.Context, url string) (string, error)
}

// LiveChat is a handle to one broadcast's chat stream. Callbacks registered on a
// handle are invoked from a single goroutine in source order.
type LiveChat interface {
	OnStart(func())
	OnEnd(func())
	OnError(func(error))
	OnChatUpdate(func(ChatUpdate))
	Start(ctx context.Context) error
	Stop()
	RemoveAllListeners()
	SendMessage(ctx context.Context, text string) error
}

// ErrChatUnavailable is returned by GetLiveChat when the video has no chat.
var ErrChatUnavailable = errors.New("live chat unavailable")

// VideoInfo is the subset of video metadata used for liveness validation.
type VideoInfo struct {
	ID                     string
	Title                  string
	ChannelID              string
	IsLive                 bool
	IsLiveContent          bool
	IsLiveDVREnabled       bool
	IsLowLatencyLiveStream bool
	IsUpcoming             bool
	LiveStatus             string
	HLSManifestURL         string
	LiveStreamability      bool
	Badges                 []string
	ConcurrentViewers      *uint64

	// ChatOpener is supplied by the client implementation.
	ChatOpener func(ctx context.Context) (LiveChat, error)
}

// GetLiveChat opens the chat stream for the video.
func (v *VideoInfo) GetLiveChat(ctx context.Context) (LiveChat, error) {
	if v == nil || v.ChatOpener == nil {
		return nil, ErrChatUnavailable
	}
	return v.ChatOpener(ctx)
}

// HasLiveBadge reports whether any badge marks the video as live now.
func HasLiveBadge(info *VideoInfo) bool {
	if info == nil {
		return false
	}
	for _, b := range info.Badges {
		u := strings.ToUpper(strings.TrimSpace(b))
		if u == "LIVE" || u == "LIVE NOW" || strings.Contains(u, "BADGE_STYLE_TYPE_LIVE_NOW") {
			return true
		}
	}
	return false
}

var videoIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{11}$`)

// IsVideoID reports whether s has the shape of a YouTube video id.
func IsVideoID(s string) bool { return videoIDPattern.MatchString(s) }
