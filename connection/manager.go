// Package connection owns the per-broadcast chat connections: the registry
// (Manager), handle creation (Factory) and liveness validation.
package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/onnwee/chat-relay/innertube"
	"github.com/onnwee/chat-relay/retry"
	"github.com/onnwee/chat-relay/telemetry"
)

// ErrDuplicateConnection is returned by Add when a different handle is
// already registered for the video id.
var ErrDuplicateConnection = errors.New("duplicate connection")

// State is the lifecycle position of a chat handle.
type State int

const (
	StateUnopened State = iota
	StateStarting
	StateRunning
	StateStopping
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnopened:
		return "unopened"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Entry is one registered connection. Values returned by the Manager are copies.
type Entry struct {
	VideoID     string
	Handle      innertube.LiveChat
	Ready       bool
	State       State
	CreatedAt   time.Time
	ReadyAt     *time.Time
	LastErrorAt *time.Time
}

// Manager is the registry of chat connections keyed by video id. It is the
// only writer of entries; readers get copies and snapshots.
type Manager struct {
	clock    clockwork.Clock
	reporter *retry.Reporter
	logger   *slog.Logger

	mu      sync.RWMutex
	entries map[string]*Entry
	order   []string
}

// NewManager returns an empty registry. A nil clock uses the real clock.
func NewManager(clock clockwork.Clock, reporter *retry.Reporter, logger *slog.Logger) *Manager {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if reporter == nil {
		reporter = retry.NewReporter(logger, nil)
	}
	return &Manager{
		clock:    clock,
		reporter: reporter,
		logger:   logger.With(slog.String("component", "connection_manager")),
		entries:  make(map[string]*Entry),
	}
}

// Add registers handle for videoID. Adding the same handle twice is a no-op
// (added=false); adding a different handle fails with ErrDuplicateConnection.
func (m *Manager) Add(videoID string, handle innertube.LiveChat) (added bool, err error) {
	if videoID == "" {
		return false, errors.New("video id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[videoID]; ok {
		if e.Handle == handle {
			return false, nil
		}
		return false, fmt.Errorf("%w: %s", ErrDuplicateConnection, videoID)
	}
	m.entries[videoID] = &Entry{
		VideoID:   videoID,
		Handle:    handle,
		State:     StateUnopened,
		CreatedAt: m.clock.Now(),
	}
	m.order = append(m.order, videoID)
	m.publishLocked()
	return true, nil
}

// Remove deletes the entry and releases its handle. It reports whether an
// entry existed.
func (m *Manager) Remove(ctx context.Context, videoID, reason string) bool {
	m.mu.Lock()
	e, ok := m.entries[videoID]
	if ok {
		e.State = StateStopping
		delete(m.entries, videoID)
		m.dropOrderLocked(videoID)
		m.publishLocked()
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	m.release(ctx, videoID, e.Handle)
	m.logger.Info("connection removed", slog.String("video_id", videoID), slog.String("reason", reason))
	return true
}

// release stops a handle outside the lock. Failures are cleanup errors.
func (m *Manager) release(ctx context.Context, videoID string, h innertube.LiveChat) {
	if h == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.reporter.Cleanup(ctx, "release", videoID, fmt.Errorf("release panic: %v", r))
		}
	}()
	h.RemoveAllListeners()
	h.Stop()
}

// SetState moves an entry to s. Unknown ids are ignored.
func (m *Manager) SetState(videoID string, s State) {
	m.mu.Lock()
	if e, ok := m.entries[videoID]; ok {
		e.State = s
	}
	m.mu.Unlock()
}

// SetReady marks the entry ready. It returns true only on the first transition.
func (m *Manager) SetReady(videoID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[videoID]
	if !ok || e.Ready {
		return false
	}
	now := m.clock.Now()
	e.Ready = true
	e.ReadyAt = &now
	e.State = StateRunning
	m.publishLocked()
	return true
}

// MarkError records the time of the latest error on the entry.
func (m *Manager) MarkError(videoID string) {
	m.mu.Lock()
	if e, ok := m.entries[videoID]; ok {
		now := m.clock.Now()
		e.LastErrorAt = &now
	}
	m.mu.Unlock()
}

func (m *Manager) IsReady(videoID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[videoID]
	return ok && e.Ready
}

func (m *Manager) Has(videoID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.entries[videoID]
	return ok
}

// Get returns a copy of the entry.
func (m *Manager) Get(videoID string) (Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[videoID]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// AllVideoIDs returns every registered id in insertion order, ready or not.
func (m *Manager) AllVideoIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.order...)
}

// ActiveVideoIDs returns the ready ids in insertion order.
func (m *Manager) ActiveVideoIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.order))
	for _, id := range m.order {
		if m.entries[id].Ready {
			out = append(out, id)
		}
	}
	return out
}

// Entries returns copies of all entries in insertion order.
func (m *Manager) Entries() []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Entry, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, *m.entries[id])
	}
	return out
}

func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

func (m *Manager) ReadyCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.readyCountLocked()
}

func (m *Manager) readyCountLocked() int {
	n := 0
	for _, e := range m.entries {
		if e.Ready {
			n++
		}
	}
	return n
}

// CleanupAll releases every handle and empties the registry. It returns the
// number of entries removed.
func (m *Manager) CleanupAll(ctx context.Context) int {
	m.mu.Lock()
	entries := make([]*Entry, 0, len(m.order))
	for _, id := range m.order {
		entries = append(entries, m.entries[id])
	}
	m.entries = make(map[string]*Entry)
	m.order = nil
	m.publishLocked()
	m.mu.Unlock()

	for _, e := range entries {
		m.release(ctx, e.VideoID, e.Handle)
	}
	if len(entries) > 0 {
		m.logger.Info("all connections cleaned up", slog.Int("count", len(entries)))
	}
	return len(entries)
}

func (m *Manager) dropOrderLocked(videoID string) {
	for i, id := range m.order {
		if id == videoID {
			m.order = append(m.order[:i], m.order[i+1:]...)
			return
		}
	}
}

func (m *Manager) publishLocked() {
	telemetry.SetConnections(len(m.entries), m.readyCountLocked())
}
