package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/onnwee/chat-relay/eventbus"
	"github.com/onnwee/chat-relay/events"
)

const (
	sseBuffer        = 256
	defaultRecent    = 100
	maxRecent        = 1000
	sseKeepaliveNote = ": keepalive\n\n"
)

// HandleEvents streams bus envelopes as Server-Sent Events until the client
// goes away. ?type=chat-message,gift limits the stream to those types. A
// reader too slow for the buffer loses events rather than stalling ingestion.
func (h *Handlers) HandleEvents(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	filter := typeFilter(r.URL.Query().Get("type"))
	if filter == nil && r.URL.Query().Get("type") != "" {
		http.Error(w, "unknown event type", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	ch := h.bus.Channel(ctx, sseBuffer)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprint(w, sseKeepaliveNote)
	flusher.Flush()

	logger := slog.Default().With(slog.String("component", "sse"))
	for env := range ch {
		if env.Data == nil || (filter != nil && !filter[env.Type]) {
			continue
		}
		data, err := eventbus.Encode(env)
		if err != nil {
			logger.Warn("skipping unencodable event", slog.String("type", string(env.Type)), slog.Any("err", err))
			continue
		}
		if _, err := fmt.Fprintf(w, "event: %s\nid: %s\ndata: %s\n\n", env.Type, env.Data.Metadata.CorrelationID, data); err != nil {
			return
		}
		flusher.Flush()
	}
}

// typeFilter parses a comma separated list of event types. It returns nil for
// an empty list or when any entry is unknown.
func typeFilter(raw string) map[events.Type]bool {
	if raw == "" {
		return nil
	}
	out := make(map[events.Type]bool)
	for _, part := range strings.Split(raw, ",") {
		t := events.Type(strings.TrimSpace(part))
		if !t.Valid() {
			return nil
		}
		out[t] = true
	}
	return out
}

// HandleRecentEvents returns archived events, newest first. ?video_id limits
// them to one broadcast and ?limit caps the count.
func (h *Handlers) HandleRecentEvents(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	if h.archive == nil {
		http.Error(w, "event archive not configured", http.StatusNotFound)
		return
	}
	limit := parseIntQuery(r, "limit", defaultRecent)
	if limit <= 0 || limit > maxRecent {
		limit = defaultRecent
	}
	evs, err := h.archive.Recent(r.Context(), r.URL.Query().Get("video_id"), limit)
	if err != nil {
		slog.Error("recent events query failed", slog.Any("err", err), slog.String("component", "http"))
		http.Error(w, "query failed", http.StatusInternalServerError)
		return
	}
	if evs == nil {
		evs = []*events.Event{}
	}
	writeJSON(w, http.StatusOK, evs)
}
