package server

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/oauth2"

	"github.com/onnwee/chat-relay/config"
	"github.com/onnwee/chat-relay/db"
	"github.com/onnwee/chat-relay/eventbus"
	"github.com/onnwee/chat-relay/events"
	"github.com/onnwee/chat-relay/platform"
)

const (
	// Maximum number of OAuth states to keep in memory
	maxOAuthStates = 10000
	oauthStateTTL  = 10 * time.Minute
)

// Platform is the part of *platform.Platform the HTTP API uses.
type Platform interface {
	HealthStatus() platform.Health
	Stats() platform.Stats
	ValidateConfig() []config.Issue
	Reconnect(ctx context.Context) error
	Connect(ctx context.Context, videoID string, opts platform.ConnectOptions) (bool, error)
	Disconnect(ctx context.Context, videoID, reason string) bool
	SendMessage(ctx context.Context, text string) bool
}

// Archive is the read side of the event archive. *db.Archive satisfies it.
type Archive interface {
	Recent(ctx context.Context, videoID string, limit int) ([]*events.Event, error)
	Stats() db.ArchiveStats
}

// Authorizer runs the YouTube OAuth code flow. *youtubeapi.Auth satisfies it.
type Authorizer interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (*oauth2.Token, error)
}

// Deps are the collaborators behind the routes. Platform and Bus are
// required; the rest enable optional routes and checks.
type Deps struct {
	Platform Platform
	Bus      *eventbus.Bus
	DB       *sql.DB
	Archive  Archive
	Auth     Authorizer
	Clock    clockwork.Clock
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	platform Platform
	bus      *eventbus.Bus
	db       *sql.DB
	archive  Archive
	auth     Authorizer
	clock    clockwork.Clock

	stateStore map[string]time.Time
	stateMu    sync.Mutex
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(d Deps) *Handlers {
	if d.Clock == nil {
		d.Clock = clockwork.NewRealClock()
	}
	return &Handlers{
		platform:   d.Platform,
		bus:        d.Bus,
		db:         d.DB,
		archive:    d.Archive,
		auth:       d.Auth,
		clock:      d.Clock,
		stateStore: make(map[string]time.Time),
	}
}

// cleanExpiredStates removes expired OAuth states from the store.
// This should be called with stateMu locked.
func (h *Handlers) cleanExpiredStates() {
	now := h.clock.Now()
	for state, expiry := range h.stateStore {
		if now.After(expiry) {
			delete(h.stateStore, state)
		}
	}
}

// addOAuthState records state and reports whether it was accepted.
func (h *Handlers) addOAuthState(state string) bool {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()

	if len(h.stateStore)%100 == 0 {
		h.cleanExpiredStates()
	}
	// Refusing new states caps memory use under a flood of start requests.
	if len(h.stateStore) >= maxOAuthStates {
		return false
	}
	h.stateStore[state] = h.clock.Now().Add(oauthStateTTL)
	return true
}

// consumeOAuthState removes state and reports whether it was valid.
func (h *Handlers) consumeOAuthState(state string) bool {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	exp, ok := h.stateStore[state]
	if !ok {
		return false
	}
	delete(h.stateStore, state)
	return !h.clock.Now().After(exp)
}
