package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/oauth2"

	"github.com/onnwee/chat-relay/config"
	"github.com/onnwee/chat-relay/db"
	"github.com/onnwee/chat-relay/eventbus"
	"github.com/onnwee/chat-relay/events"
	"github.com/onnwee/chat-relay/platform"
	"github.com/onnwee/chat-relay/retry"
)

type fakePlatform struct {
	mu           sync.Mutex
	health       platform.Health
	issues       []config.Issue
	reconnectErr error
	connectErr   error
	connected    map[string]bool
	sent         []string
	sendOK       bool
}

func (f *fakePlatform) HealthStatus() platform.Health {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.health
}

func (f *fakePlatform) Stats() platform.Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := platform.Stats{Platform: events.Platform, Username: "@chan", Config: config.DefaultPlatform()}
	for id := range f.connected {
		st.Connections.Stored++
		st.Connections.VideoIDs = append(st.Connections.VideoIDs, id)
	}
	return st
}

func (f *fakePlatform) ValidateConfig() []config.Issue { return f.issues }

func (f *fakePlatform) Reconnect(context.Context) error { return f.reconnectErr }

func (f *fakePlatform) Connect(_ context.Context, videoID string, _ platform.ConnectOptions) (bool, error) {
	if f.connectErr != nil {
		return false, f.connectErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connected == nil {
		f.connected = make(map[string]bool)
	}
	f.connected[videoID] = true
	return true, nil
}

func (f *fakePlatform) Disconnect(_ context.Context, videoID, _ string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected[videoID] {
		return false
	}
	delete(f.connected, videoID)
	return true
}

func (f *fakePlatform) SendMessage(_ context.Context, text string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	return f.sendOK
}

type fakeArchive struct {
	evs     []*events.Event
	err     error
	videoID string
	limit   int
}

func (a *fakeArchive) Recent(_ context.Context, videoID string, limit int) ([]*events.Event, error) {
	a.videoID, a.limit = videoID, limit
	return a.evs, a.err
}

func (a *fakeArchive) Stats() db.ArchiveStats { return db.ArchiveStats{Stored: 3, Dropped: 1} }

type fakeAuth struct {
	code string
}

func (a *fakeAuth) AuthCodeURL(state string) string {
	return "https://accounts.example/auth?state=" + url.QueryEscape(state)
}

func (a *fakeAuth) Exchange(_ context.Context, code string) (*oauth2.Token, error) {
	if code != a.code {
		return nil, errors.New("invalid_grant")
	}
	return &oauth2.Token{AccessToken: "a", RefreshToken: "r", Expiry: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}, nil
}

func newTestMux(t *testing.T, d Deps) http.Handler {
	t.Helper()
	t.Setenv("ADMIN_TOKEN", "")
	t.Setenv("ADMIN_USERNAME", "")
	t.Setenv("ADMIN_PASSWORD", "")
	if d.Platform == nil {
		d.Platform = &fakePlatform{health: platform.Health{Healthy: true, Status: platform.HealthIdle, Configured: true}}
	}
	if d.Bus == nil {
		d.Bus = eventbus.New(nil)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return NewMux(ctx, d)
}

func do(h http.Handler, method, target string, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestHealthz(t *testing.T) {
	rr := do(newTestMux(t, Deps{}), http.MethodGet, "/healthz", "")
	if rr.Code != http.StatusOK || rr.Body.String() != "ok" {
		t.Fatalf("healthz = %d %q", rr.Code, rr.Body.String())
	}
}

func TestReadyz(t *testing.T) {
	tests := []struct {
		health platform.Health
		want   int
	}{
		{platform.Health{Healthy: true, Status: platform.HealthHealthy, Ready: 1}, http.StatusOK},
		{platform.Health{Healthy: true, Status: platform.HealthIdle}, http.StatusOK},
		{platform.Health{Healthy: true, Status: platform.HealthDisabled}, http.StatusOK},
		{platform.Health{Status: platform.HealthDegraded}, http.StatusServiceUnavailable},
		{platform.Health{Status: platform.HealthUnhealthy, InitError: "boom"}, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.health.Status, func(t *testing.T) {
			rr := do(newTestMux(t, Deps{Platform: &fakePlatform{health: tt.health}}), http.MethodGet, "/readyz", "")
			if rr.Code != tt.want {
				t.Fatalf("status = %d, want %d", rr.Code, tt.want)
			}
			var got platform.Health
			if err := json.NewDecoder(rr.Body).Decode(&got); err != nil {
				t.Fatal(err)
			}
			if got.Status != tt.health.Status {
				t.Fatalf("body status = %q", got.Status)
			}
		})
	}
}

func TestStatus(t *testing.T) {
	p := &fakePlatform{connected: map[string]bool{"aaaaaaaaaaa": true}}
	h := newTestMux(t, Deps{Platform: p, Archive: &fakeArchive{}})
	rr := do(h, http.MethodGet, "/status", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var body struct {
		Platform    string `json:"platform"`
		Connections struct {
			Stored int `json:"stored"`
		} `json:"connections"`
		Archive *db.ArchiveStats `json:"archive"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Platform != events.Platform || body.Connections.Stored != 1 || body.Archive == nil || body.Archive.Stored != 3 {
		t.Fatalf("body = %+v", body)
	}
	if rr := do(h, http.MethodPost, "/status", ""); rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("POST /status = %d", rr.Code)
	}
}

func TestConfigIssues(t *testing.T) {
	p := &fakePlatform{issues: []config.Issue{{Key: "maxStreams", Value: -1, Message: "must be >= 0"}}}
	rr := do(newTestMux(t, Deps{Platform: p}), http.MethodGet, "/config", "")
	var body struct {
		Valid  bool          `json:"valid"`
		Issues []configIssue `json:"issues"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Valid || len(body.Issues) != 1 || body.Issues[0].Key != "maxStreams" {
		t.Fatalf("body = %+v", body)
	}
}

func TestCorrelationIDHeader(t *testing.T) {
	h := newTestMux(t, Deps{})
	rr := do(h, http.MethodGet, "/healthz", "")
	if rr.Header().Get("X-Correlation-ID") == "" {
		t.Fatal("missing generated correlation id")
	}
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Correlation-ID", "corr-123")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if got := rr.Header().Get("X-Correlation-ID"); got != "corr-123" {
		t.Fatalf("correlation id = %q", got)
	}
}

func TestEventsStream(t *testing.T) {
	bus := eventbus.New(nil)
	srv := httptest.NewServer(newTestMux(t, Deps{Bus: bus}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events?type=chat-message", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}
	r := bufio.NewReader(resp.Body)
	if line, err := r.ReadString('\n'); err != nil || !strings.HasPrefix(line, ":") {
		t.Fatalf("first line = %q, %v", line, err)
	}
	if bus.Len() != 1 {
		t.Fatalf("subscribers = %d", bus.Len())
	}

	publish := func(typ events.Type, corr string) {
		bus.Publish(context.Background(), eventbus.Wrap(&events.Event{
			Type: typ, Platform: events.Platform, Metadata: events.Metadata{CorrelationID: corr},
		}))
	}
	publish(events.TypeViewerCount, "skip-me")
	publish(events.TypeChatMessage, "c1")

	var lines []string
	for len(lines) < 3 {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatal(err)
		}
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	if lines[0] != "event: chat-message" || lines[1] != "id: c1" || !strings.HasPrefix(lines[2], "data: ") {
		t.Fatalf("frame = %q", lines)
	}
	var env eventbus.Envelope
	if err := json.Unmarshal([]byte(strings.TrimPrefix(lines[2], "data: ")), &env); err != nil {
		t.Fatal(err)
	}
	if env.Type != events.TypeChatMessage || env.Data.Metadata.CorrelationID != "c1" {
		t.Fatalf("envelope = %+v", env)
	}

	cancel()
	deadline := time.Now().Add(5 * time.Second)
	for bus.Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if bus.Len() != 0 {
		t.Fatal("subscription outlived the client")
	}
}

func TestEventsRejectsUnknownType(t *testing.T) {
	rr := do(newTestMux(t, Deps{}), http.MethodGet, "/events?type=bogus", "")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestRecentEvents(t *testing.T) {
	if rr := do(newTestMux(t, Deps{}), http.MethodGet, "/events/recent", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("without archive = %d", rr.Code)
	}

	a := &fakeArchive{evs: []*events.Event{{Type: events.TypeGift, Platform: events.Platform}}}
	h := newTestMux(t, Deps{Archive: a})
	rr := do(h, http.MethodGet, "/events/recent?video_id=aaaaaaaaaaa&limit=5000", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var got []events.Event
	if err := json.NewDecoder(rr.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Type != events.TypeGift || a.videoID != "aaaaaaaaaaa" || a.limit != defaultRecent {
		t.Fatalf("got %+v (video %q limit %d)", got, a.videoID, a.limit)
	}

	a.evs, a.err = nil, errors.New("db down")
	if rr := do(h, http.MethodGet, "/events/recent", ""); rr.Code != http.StatusInternalServerError {
		t.Fatalf("query error = %d", rr.Code)
	}
}

func TestAdminEndpoints(t *testing.T) {
	p := &fakePlatform{sendOK: true}
	h := newTestMux(t, Deps{Platform: p})

	if rr := do(h, http.MethodGet, "/admin/connect?video_id=aaaaaaaaaaa", ""); rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET connect = %d", rr.Code)
	}
	if rr := do(h, http.MethodPost, "/admin/connect?video_id=short", ""); rr.Code != http.StatusBadRequest {
		t.Fatalf("bad id = %d", rr.Code)
	}
	if rr := do(h, http.MethodPost, "/admin/connect?video_id=aaaaaaaaaaa", ""); rr.Code != http.StatusOK {
		t.Fatalf("connect = %d %s", rr.Code, rr.Body.String())
	}
	if rr := do(h, http.MethodPost, "/admin/disconnect?video_id=aaaaaaaaaaa", ""); rr.Code != http.StatusOK {
		t.Fatalf("disconnect = %d", rr.Code)
	}
	if rr := do(h, http.MethodPost, "/admin/disconnect?video_id=aaaaaaaaaaa", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("second disconnect = %d", rr.Code)
	}
	if rr := do(h, http.MethodPost, "/admin/send", `{"text":"  hello  "}`); rr.Code != http.StatusOK {
		t.Fatalf("send = %d", rr.Code)
	}
	if rr := do(h, http.MethodPost, "/admin/send", `{"text":""}`); rr.Code != http.StatusBadRequest {
		t.Fatalf("empty send = %d", rr.Code)
	}
	if rr := do(h, http.MethodPost, "/admin/reconnect", ""); rr.Code != http.StatusOK {
		t.Fatalf("reconnect = %d", rr.Code)
	}
	if len(p.sent) != 1 || p.sent[0] != "hello" {
		t.Fatalf("sent = %q", p.sent)
	}
}

func TestAdminErrors(t *testing.T) {
	tests := []struct {
		name string
		p    *fakePlatform
		path string
		body string
		want int
	}{
		{"connect transient", &fakePlatform{connectErr: errors.New("503 service unavailable")}, "/admin/connect?video_id=aaaaaaaaaaa", "", http.StatusBadGateway},
		{"connect permanent", &fakePlatform{connectErr: retry.MarkPermanent(errors.New("video not live"))}, "/admin/connect?video_id=aaaaaaaaaaa", "", http.StatusUnprocessableEntity},
		{"reconnect failure", &fakePlatform{reconnectErr: errors.New("no live streams")}, "/admin/reconnect", "", http.StatusBadGateway},
		{"send without ready stream", &fakePlatform{}, "/admin/send", `{"text":"hi"}`, http.StatusConflict},
		{"send too long", &fakePlatform{}, "/admin/send", `{"text":"` + strings.Repeat("x", maxChatMessageLen+1) + `"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := do(newTestMux(t, Deps{Platform: tt.p}), http.MethodPost, tt.path, tt.body)
			if rr.Code != tt.want {
				t.Fatalf("status = %d, want %d (%s)", rr.Code, tt.want, rr.Body.String())
			}
		})
	}
}

func TestAdminRequiresToken(t *testing.T) {
	t.Setenv("ADMIN_TOKEN", "secret")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := NewMux(ctx, Deps{Platform: &fakePlatform{}, Bus: eventbus.New(nil)})

	if rr := do(h, http.MethodPost, "/admin/reconnect", ""); rr.Code != http.StatusUnauthorized {
		t.Fatalf("without token = %d", rr.Code)
	}
	req := httptest.NewRequest(http.MethodPost, "/admin/reconnect", nil)
	req.Header.Set("X-Admin-Token", "secret")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("with token = %d", rr.Code)
	}
	if rr := do(h, http.MethodGet, "/status", ""); rr.Code != http.StatusOK {
		t.Fatalf("non-admin route = %d", rr.Code)
	}
}

func TestYouTubeOAuthFlow(t *testing.T) {
	if rr := do(newTestMux(t, Deps{}), http.MethodGet, "/auth/youtube/start", ""); rr.Code != http.StatusBadRequest {
		t.Fatalf("unconfigured start = %d", rr.Code)
	}

	clock := clockwork.NewFakeClock()
	h := newTestMux(t, Deps{Auth: &fakeAuth{code: "good"}, Clock: clock})
	start := func() string {
		rr := do(h, http.MethodGet, "/auth/youtube/start", "")
		if rr.Code != http.StatusFound {
			t.Fatalf("start = %d", rr.Code)
		}
		loc, err := url.Parse(rr.Header().Get("Location"))
		if err != nil {
			t.Fatal(err)
		}
		return loc.Query().Get("state")
	}

	state := start()
	if state == "" {
		t.Fatal("missing state")
	}
	if rr := do(h, http.MethodGet, "/auth/youtube/callback?code=good&state=forged", ""); rr.Code != http.StatusBadRequest {
		t.Fatalf("forged state = %d", rr.Code)
	}
	rr := do(h, http.MethodGet, "/auth/youtube/callback?code=good&state="+state, "")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"refresh_token_present":true`) {
		t.Fatalf("callback = %d %s", rr.Code, rr.Body.String())
	}
	if rr := do(h, http.MethodGet, "/auth/youtube/callback?code=good&state="+state, ""); rr.Code != http.StatusBadRequest {
		t.Fatalf("replayed state = %d", rr.Code)
	}

	state = start()
	if rr := do(h, http.MethodGet, "/auth/youtube/callback?code=bad&state="+state, ""); rr.Code != http.StatusBadGateway {
		t.Fatalf("failed exchange = %d", rr.Code)
	}

	state = start()
	clock.Advance(oauthStateTTL + time.Second)
	if rr := do(h, http.MethodGet, "/auth/youtube/callback?code=good&state="+state, ""); rr.Code != http.StatusBadRequest {
		t.Fatalf("expired state = %d", rr.Code)
	}
}
