package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/onnwee/chat-relay/eventbus"
	"github.com/onnwee/chat-relay/events"
)

// DefaultArchiveBuffer is the queue size used when NewArchive gets 0.
const DefaultArchiveBuffer = 1024

// Archive persists every normalized event to youtube_events. Listen is
// non-blocking: envelopes are queued and written by the goroutine started
// with Start, and dropped when the queue is full.
type Archive struct {
	db     *sql.DB
	logger *slog.Logger

	mu     sync.RWMutex
	queue  chan eventbus.Envelope
	closed bool
	done   chan struct{}

	stored  atomic.Int64
	dropped atomic.Int64
	failed  atomic.Int64
}

// ArchiveStats are the archive counters.
type ArchiveStats struct {
	Stored  int64 `json:"stored"`
	Dropped int64 `json:"dropped"`
	Failed  int64 `json:"failed"`
	Queued  int   `json:"queued"`
}

// NewArchive returns an archive writing through db.
func NewArchive(db *sql.DB, buffer int, logger *slog.Logger) *Archive {
	if buffer <= 0 {
		buffer = DefaultArchiveBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Archive{
		db:     db,
		logger: logger.With(slog.String("component", "event_archive")),
		queue:  make(chan eventbus.Envelope, buffer),
		done:   make(chan struct{}),
	}
}

// Start launches the writer. It returns after the queue is closed by Close
// and drained.
func (a *Archive) Start(ctx context.Context) {
	go func() {
		defer close(a.done)
		wctx := context.WithoutCancel(ctx)
		for env := range a.queue {
			if err := a.Store(wctx, env.Data); err != nil {
				a.failed.Add(1)
				a.logger.Warn("archive event failed",
					slog.String("type", string(env.Type)), slog.Any("err", err))
			}
		}
	}()
}

// Listen is an eventbus.Listener.
func (a *Archive) Listen(_ context.Context, env eventbus.Envelope) {
	if env.Data == nil {
		return
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}
	select {
	case a.queue <- env:
	default:
		if a.dropped.Add(1)%100 == 1 {
			a.logger.Warn("archive queue full; dropping events", slog.Int64("dropped", a.dropped.Load()))
		}
	}
}

// Close stops accepting events and waits for queued ones to be written.
// Start must have been called.
func (a *Archive) Close() {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()
	<-a.done
}

// Stats returns the counters.
func (a *Archive) Stats() ArchiveStats {
	return ArchiveStats{
		Stored:  a.stored.Load(),
		Dropped: a.dropped.Load(),
		Failed:  a.failed.Load(),
		Queued:  len(a.queue),
	}
}

// Store writes ev synchronously. Replays of the same correlation id are ignored.
func (a *Archive) Store(ctx context.Context, ev *events.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", ev.Type, err)
	}
	ts, err := events.ParseTimestamp(ev.Timestamp)
	if err != nil {
		return fmt.Errorf("parse %s timestamp: %w", ev.Type, err)
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err = a.db.ExecContext(ctx,
		`INSERT INTO youtube_events(correlation_id, type, video_id, stream_id, username, event_ts, payload)
		 VALUES($1,$2,NULLIF($3,''),NULLIF($4,''),NULLIF($5,''),$6,$7)
		 ON CONFLICT (correlation_id) DO NOTHING`,
		ev.Metadata.CorrelationID, string(ev.Type), ev.VideoID, ev.StreamID, ev.Username, ts, payload)
	if err != nil {
		return err
	}
	a.stored.Add(1)
	return nil
}

// Recent returns up to limit archived events, newest first. An empty videoID
// matches every video.
func (a *Archive) Recent(ctx context.Context, videoID string, limit int) ([]*events.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := a.db.QueryContext(ctx,
		`SELECT payload FROM youtube_events
		 WHERE ($1 = '' OR video_id = $1)
		 ORDER BY event_ts DESC, id DESC LIMIT $2`, videoID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*events.Event
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var ev events.Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, fmt.Errorf("decode archived event: %w", err)
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}

// CountByType returns the number of archived events per type.
func (a *Archive) CountByType(ctx context.Context) (map[events.Type]int, error) {
	rows, err := a.db.QueryContext(ctx, `SELECT type, COUNT(*) FROM youtube_events GROUP BY type`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[events.Type]int)
	for rows.Next() {
		var t string
		var n int
		if err := rows.Scan(&t, &n); err != nil {
			return nil, err
		}
		out[events.Type(t)] = n
	}
	return out, rows.Err()
}
