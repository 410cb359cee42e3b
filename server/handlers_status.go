package server

import (
	"net/http"

	"github.com/onnwee/chat-relay/db"
	"github.com/onnwee/chat-relay/platform"
)

type statusResponse struct {
	platform.Stats
	Health  platform.Health  `json:"health"`
	Archive *db.ArchiveStats `json:"archive,omitempty"`
}

// HandleStatus returns platform counters, connection state and archive stats.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	resp := statusResponse{
		Stats:  h.platform.Stats(),
		Health: h.platform.HealthStatus(),
	}
	if h.archive != nil {
		st := h.archive.Stats()
		resp.Archive = &st
	}
	writeJSON(w, http.StatusOK, resp)
}

type configIssue struct {
	Key     string `json:"key"`
	Value   any    `json:"value"`
	Message string `json:"message"`
}

// HandleConfig returns the effective platform configuration and every problem
// found while normalizing or validating it.
func (h *Handlers) HandleConfig(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	issues := h.platform.ValidateConfig()
	out := make([]configIssue, 0, len(issues))
	for _, is := range issues {
		out = append(out, configIssue{Key: is.Key, Value: is.Value, Message: is.Message})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"config": h.platform.Stats().Config,
		"valid":  len(out) == 0,
		"issues": out,
	})
}
