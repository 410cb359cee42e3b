package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// MockYouTubeServer creates a test server that mocks YouTube Data API v3 responses.
// Handlers are keyed by resource path (e.g. "/youtube/v3/videos").
type MockYouTubeServer struct {
	*httptest.Server

	mu       sync.Mutex
	Handlers map[string]http.HandlerFunc
	hits     map[string]int
}

// NewMockYouTubeServer creates a new mock Data API server.
func NewMockYouTubeServer(t *testing.T) *MockYouTubeServer {
	t.Helper()
	m := &MockYouTubeServer{
		Handlers: make(map[string]http.HandlerFunc),
		hits:     make(map[string]int),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Path
		m.mu.Lock()
		m.hits[key]++
		handler, ok := m.Handlers[key]
		m.mu.Unlock()
		if ok {
			handler(w, r)
			return
		}
		WriteJSON(w, http.StatusNotFound, map[string]any{
			"error": map[string]any{"code": 404, "message": "not found: " + key},
		})
	}))
	t.Cleanup(m.Close)
	return m
}

// Handle registers fn for path.
func (m *MockYouTubeServer) Handle(path string, fn http.HandlerFunc) {
	m.mu.Lock()
	m.Handlers[path] = fn
	m.mu.Unlock()
}

// HandleJSON registers a handler that always answers body with status 200.
func (m *MockYouTubeServer) HandleJSON(path string, body any) {
	m.Handle(path, func(w http.ResponseWriter, _ *http.Request) {
		WriteJSON(w, http.StatusOK, body)
	})
}

// Hits returns how many requests reached path.
func (m *MockYouTubeServer) Hits(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hits[path]
}

// MockVideosResponse answers videos.list with the given items.
func (m *MockYouTubeServer) MockVideosResponse(items []map[string]any) {
	m.HandleJSON("/youtube/v3/videos", map[string]any{"kind": "youtube#videoListResponse", "items": items})
}

// MockSearchLiveResponse answers search.list with live video ids.
func (m *MockYouTubeServer) MockSearchLiveResponse(videoIDs ...string) {
	items := make([]map[string]any, 0, len(videoIDs))
	for _, id := range videoIDs {
		items = append(items, map[string]any{
			"id":      map[string]any{"kind": "youtube#video", "videoId": id},
			"snippet": map[string]any{"liveBroadcastContent": "live"},
		})
	}
	m.HandleJSON("/youtube/v3/search", map[string]any{"kind": "youtube#searchListResponse", "items": items})
}

// MockChannelsResponse answers channels.list with a single channel id.
func (m *MockYouTubeServer) MockChannelsResponse(channelID string) {
	items := []map[string]any{}
	if channelID != "" {
		items = append(items, map[string]any{"id": channelID})
	}
	m.HandleJSON("/youtube/v3/channels", map[string]any{"kind": "youtube#channelListResponse", "items": items})
}

// WriteJSON writes body as JSON with status.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body) //nolint:errcheck // test mock response
}
