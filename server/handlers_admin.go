package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/onnwee/chat-relay/innertube"
	"github.com/onnwee/chat-relay/platform"
	"github.com/onnwee/chat-relay/retry"
)

const maxChatMessageLen = 200

// HandleAdminReconnect tears the platform down and initializes it again.
func (h *Handlers) HandleAdminReconnect(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	if err := h.platform.Reconnect(r.Context()); err != nil {
		slog.Error("admin reconnect failed", slog.Any("err", err), slog.String("component", "admin"))
		writeJSON(w, http.StatusBadGateway, map[string]string{"status": "error", "error": retry.Sanitize(err.Error())})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "health": h.platform.HealthStatus()})
}

// HandleAdminConnect attaches to the chat of ?video_id without waiting for
// the next detection cycle.
func (h *Handlers) HandleAdminConnect(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	videoID := strings.TrimSpace(r.URL.Query().Get("video_id"))
	if !innertube.IsVideoID(videoID) {
		http.Error(w, "invalid video_id", http.StatusBadRequest)
		return
	}
	ok, err := h.platform.Connect(r.Context(), videoID, platform.ConnectOptions{Reason: "admin request"})
	if err != nil {
		status := http.StatusBadGateway
		if !retry.IsRetryable(err) {
			status = http.StatusUnprocessableEntity
		}
		writeJSON(w, status, map[string]any{"status": "error", "video_id": videoID, "error": retry.Sanitize(err.Error())})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "video_id": videoID, "connected": ok})
}

// HandleAdminDisconnect drops the connection for ?video_id.
func (h *Handlers) HandleAdminDisconnect(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	videoID := strings.TrimSpace(r.URL.Query().Get("video_id"))
	if videoID == "" {
		http.Error(w, "missing video_id", http.StatusBadRequest)
		return
	}
	if !h.platform.Disconnect(r.Context(), videoID, platform.ReasonManual) {
		writeJSON(w, http.StatusNotFound, map[string]any{"status": "not_connected", "video_id": videoID})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "video_id": videoID})
}

// HandleAdminSend posts {"text": "..."} to the chat of the first ready
// connection.
func (h *Handlers) HandleAdminSend(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var body struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&body); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	text := strings.TrimSpace(body.Text)
	if text == "" || len([]rune(text)) > maxChatMessageLen {
		http.Error(w, "text must be 1-200 characters", http.StatusBadRequest)
		return
	}
	if !h.platform.SendMessage(r.Context(), text) {
		writeJSON(w, http.StatusConflict, map[string]string{"status": "not_sent"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}
