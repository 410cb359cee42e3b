package connection

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/chat-relay/chat"
	"github.com/onnwee/chat-relay/innertube"
	"github.com/onnwee/chat-relay/telemetry"
)

// Listener receives the lifecycle and chat callbacks of every handle the
// Factory creates. Calls for one video id arrive from one goroutine in order.
type Listener interface {
	OnStart(videoID string)
	OnEnd(videoID string)
	OnError(videoID string, err error)
	OnChatUpdate(videoID string, u innertube.ChatUpdate)
}

// Factory creates wired chat handles.
type Factory struct {
	instances *innertube.InstanceManager
	listener  Listener
	logger    *slog.Logger
}

// NewFactory returns a Factory that acquires the shared client from instances.
func NewFactory(instances *innertube.InstanceManager, listener Listener, logger *slog.Logger) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Factory{
		instances: instances,
		listener:  listener,
		logger:    logger.With(slog.String("component", "connection_factory")),
	}
}

// CreateConnection validates that videoID is live, opens its chat handle and
// wires the listener. The handle is returned unstarted.
func (f *Factory) CreateConnection(ctx context.Context, videoID string) (_ innertube.LiveChat, err error) {
	ctx, span := telemetry.StartSpan(ctx, "connection.create", attribute.String("video_id", videoID))
	defer func() { telemetry.EndSpan(span, err) }()

	client, err := f.instances.Get(ctx)
	if err != nil {
		return nil, err
	}
	info, err := client.GetInfo(ctx, videoID)
	if err != nil {
		return nil, fmt.Errorf("get info %s: %w", videoID, err)
	}
	v := ValidateVideoForConnection(info)
	if !v.IsLive && v.IsUpcoming {
		return nil, &NotLiveError{VideoID: videoID, Reason: v.Reason}
	}

	handle, err := info.GetLiveChat(ctx)
	if err != nil {
		if !v.IsLive {
			return nil, &NotLiveError{VideoID: videoID, Reason: v.Reason}
		}
		return nil, fmt.Errorf("open live chat %s: %w", videoID, err)
	}
	if handle == nil {
		return nil, &NotLiveError{VideoID: videoID, Reason: v.Reason}
	}
	if !v.IsLive {
		f.logger.Warn("chat available although liveness checks failed",
			slog.String("video_id", videoID), slog.String("reason", v.Reason))
	}
	if v.IsPremiere {
		f.logger.Info("premiere detected; waiting for chat start", slog.String("video_id", videoID))
	}

	f.setupListeners(handle, videoID)
	return handle, nil
}

func (f *Factory) setupListeners(handle innertube.LiveChat, videoID string) {
	if f.listener == nil {
		return
	}
	l := f.listener
	handle.OnStart(func() { l.OnStart(videoID) })
	handle.OnEnd(func() { l.OnEnd(videoID) })
	handle.OnError(func(err error) { l.OnError(videoID, err) })
	handle.OnChatUpdate(func(u innertube.ChatUpdate) {
		if u.VideoID == "" {
			u.VideoID = videoID
		}
		l.OnChatUpdate(videoID, chat.WrapDirect(u))
	})
}
