package youtubeapi

import (
	"context"
	"fmt"

	"github.com/onnwee/chat-relay/resolver"
	"github.com/onnwee/chat-relay/streams"
)

// ChannelResolver maps a handle to a channel id. *resolver.Resolver
// satisfies it.
type ChannelResolver interface {
	ResolveChannelID(ctx context.Context, handle string) (string, error)
}

// Detector finds a channel's live broadcasts with search.list
// (eventType=live). Each call costs 100 quota units, so the polling
// interval should be chosen with the daily quota in mind.
type Detector struct {
	client   *Client
	channels ChannelResolver
}

var _ streams.Detector = (*Detector)(nil)

// NewDetector returns a detector. When channels is nil the handle is resolved
// through the client on every call.
func NewDetector(c *Client, channels ChannelResolver) *Detector {
	return &Detector{client: c, channels: channels}
}

// DetectLiveStreams returns the ids of the channel's live videos.
func (d *Detector) DetectLiveStreams(ctx context.Context, handle string) ([]string, error) {
	channelID, err := d.channelID(ctx, handle)
	if err != nil {
		return nil, err
	}
	resp, err := d.client.svc.Search.List([]string{"id"}).
		ChannelId(channelID).
		EventType("live").
		Type("video").
		MaxResults(50).
		Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("search.list live for %s: %w", channelID, err)
	}
	ids := make([]string, 0, len(resp.Items))
	for _, it := range resp.Items {
		if it == nil || it.Id == nil || it.Id.VideoId == "" {
			continue
		}
		ids = append(ids, it.Id.VideoId)
	}
	return ids, nil
}

func (d *Detector) channelID(ctx context.Context, handle string) (string, error) {
	if d.channels != nil {
		return d.channels.ResolveChannelID(ctx, handle)
	}
	h := resolver.NormalizeHandle(handle)
	if h == "" {
		return "", resolver.ErrEmptyHandle
	}
	return d.client.ResolveURL(ctx, resolver.ChannelURL(h))
}
