package platform

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/onnwee/chat-relay/connection"
	"github.com/onnwee/chat-relay/innertube"
	"github.com/onnwee/chat-relay/retry"
)

// Disconnect reasons set by the platform itself.
const (
	ReasonStreamEnded = "stream ended"
	ReasonChatError   = "unrecoverable chat error"
	ReasonManual      = "manual disconnect"
)

// Connect opens, registers and starts the chat connection for videoID. It
// returns true when the connection exists afterwards, including when it
// already did. stream-status(true) is emitted once the first one has started.
func (p *Platform) Connect(ctx context.Context, videoID string, opts ConnectOptions) (bool, error) {
	if !innertube.IsVideoID(videoID) {
		err := retry.MarkPermanent(errors.New("invalid video id " + videoID))
		p.reporter.Report(ctx, retry.KindConnection, "connect", videoID, err)
		return false, err
	}
	p.connMu.Lock()
	defer p.connMu.Unlock()
	if p.conns.Has(videoID) {
		return true, nil
	}

	handle, err := p.connFactory.CreateConnection(ctx, videoID)
	if err != nil {
		p.reporter.Report(ctx, retry.KindConnection, "connect", videoID, err)
		return false, err
	}
	if _, err := p.conns.Add(videoID, handle); err != nil {
		handle.RemoveAllListeners()
		handle.Stop()
		p.reporter.Report(ctx, retry.KindConnection, "register connection", videoID, err)
		return false, err
	}
	p.conns.SetState(videoID, connection.StateStarting)
	// OnStart waits on the gate, so stream-status(true) precedes chat-connected.
	unlock := p.lockVideo(videoID)
	// The handle outlives the call that opened it.
	err = handle.Start(context.WithoutCancel(ctx))
	if err == nil && !p.live {
		p.live = true
		p.emitStreamStatus(ctx, true, videoID)
	}
	unlock()
	if err != nil {
		p.reporter.Report(ctx, retry.KindConnection, "start chat", videoID, err)
		p.removeLocked(ctx, videoID, "start failed")
		return false, err
	}
	reason := opts.Reason
	if reason == "" {
		reason = "manual connect"
	}
	p.logger.Info("connected to live chat", slog.String("video_id", videoID), slog.String("reason", reason))
	return true, nil
}

// Disconnect removes the connection for videoID. It reports whether one
// existed. chat-disconnected is emitted for connections that reached
// chat-connected, then stream-status(false) when it was the last one.
func (p *Platform) Disconnect(ctx context.Context, videoID, reason string) bool {
	p.connMu.Lock()
	defer p.connMu.Unlock()
	return p.removeLocked(ctx, videoID, reason)
}

func (p *Platform) removeLocked(ctx context.Context, videoID, reason string) bool {
	if strings.TrimSpace(reason) == "" {
		reason = ReasonManual
	}
	unlock := p.lockVideo(videoID)
	entry, _ := p.conns.Get(videoID)
	if !p.conns.Remove(ctx, videoID, reason) {
		unlock()
		return false
	}
	if entry.Ready {
		ev, err := p.factory.ChatDisconnected(videoID, reason, p.factory.Now())
		p.emitBuilt(ctx, "emit chat disconnected", videoID, ev, err)
	}
	unlock()
	if p.live && p.conns.Count() == 0 {
		p.live = false
		p.emitStreamStatus(ctx, false, videoID)
	}
	return true
}

// videoGate orders a video's callbacks against its start and removal.
type videoGate struct {
	mu   sync.Mutex
	refs int
}

// lockVideo holds the gate for videoID until unlock is called. Handlers run
// under it and must not disconnect the same video synchronously.
func (p *Platform) lockVideo(videoID string) (unlock func()) {
	p.gatesMu.Lock()
	g := p.gates[videoID]
	if g == nil {
		g = &videoGate{}
		p.gates[videoID] = g
	}
	g.refs++
	p.gatesMu.Unlock()

	g.mu.Lock()
	return func() {
		g.mu.Unlock()
		p.gatesMu.Lock()
		if g.refs--; g.refs == 0 {
			delete(p.gates, videoID)
		}
		p.gatesMu.Unlock()
	}
}

func (p *Platform) disconnectAll(ctx context.Context, reason string) {
	p.connMu.Lock()
	defer p.connMu.Unlock()
	ids := p.conns.AllVideoIDs()
	for _, id := range ids {
		p.removeLocked(ctx, id, reason)
	}
}

func (p *Platform) emitStreamStatus(ctx context.Context, live bool, videoID string) {
	ev, err := p.factory.StreamStatus(live, videoID, p.factory.Now())
	p.emitBuilt(ctx, "emit stream status", videoID, ev, err)
}

// SendMessage posts text through the first ready connection that accepts it.
// It is best effort and reports false when no connection succeeded.
func (p *Platform) SendMessage(ctx context.Context, text string) bool {
	if strings.TrimSpace(text) == "" {
		return false
	}
	for _, id := range p.conns.ActiveVideoIDs() {
		e, ok := p.conns.Get(id)
		if !ok || e.Handle == nil {
			continue
		}
		if err := e.Handle.SendMessage(ctx, text); err != nil {
			p.logger.Warn("send chat message failed", slog.String("video_id", id), slog.Any("err", err))
			continue
		}
		return true
	}
	return false
}

// GetViewerCount polls every connected broadcast and returns the total.
func (p *Platform) GetViewerCount(ctx context.Context) float64 {
	return p.aggregator.GetTotalViewers(ctx)
}

// ActiveVideoIDs returns the ids of ready connections.
func (p *Platform) ActiveVideoIDs() []string { return p.conns.ActiveVideoIDs() }

// AllVideoIDs returns every registered connection, ready or not.
func (p *Platform) AllVideoIDs() []string { return p.conns.AllVideoIDs() }

// ConnectToStream is called by the discovery loop.
func (p *Platform) ConnectToStream(ctx context.Context, videoID, reason string) error {
	_, err := p.Connect(ctx, videoID, ConnectOptions{Reason: reason})
	return err
}

// DisconnectFromStream is called by the discovery loop.
func (p *Platform) DisconnectFromStream(ctx context.Context, videoID, reason string) error {
	p.Disconnect(ctx, videoID, reason)
	return nil
}

// OnStart marks the connection ready and emits chat-connected once.
func (p *Platform) OnStart(videoID string) {
	ctx := context.Background()
	unlock := p.lockVideo(videoID)
	defer unlock()
	if !p.conns.SetReady(videoID) {
		return
	}
	ev, err := p.factory.ChatConnected(videoID, p.factory.Now())
	p.emitBuilt(ctx, "emit chat connected", videoID, ev, err)
}

// OnEnd removes the connection when the broadcast's chat ends.
func (p *Platform) OnEnd(videoID string) {
	p.Disconnect(context.Background(), videoID, ReasonStreamEnded)
}

// OnError reports a chat stream error. Errors that will not clear on their
// own also drop the connection.
func (p *Platform) OnError(videoID string, err error) {
	ctx := context.Background()
	p.conns.MarkError(videoID)
	p.reporter.Report(ctx, retry.KindConnection, "chat stream", videoID, err)
	if !retry.IsRetryable(err) {
		p.Disconnect(ctx, videoID, ReasonChatError)
	}
}

// OnChatUpdate runs one chat update through the processor. Updates that
// arrive after the connection was removed are dropped.
func (p *Platform) OnChatUpdate(videoID string, u innertube.ChatUpdate) {
	if u.VideoID == "" {
		u.VideoID = videoID
	}
	unlock := p.lockVideo(videoID)
	defer unlock()
	if !p.conns.Has(videoID) {
		p.logger.Debug("dropping chat update for removed connection", slog.String("video_id", videoID))
		return
	}
	p.processor.HandleUpdate(context.Background(), u)
}

var (
	_ connection.Listener = (*Platform)(nil)
)
