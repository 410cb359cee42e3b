package platform

import (
	"time"

	"github.com/onnwee/chat-relay/config"
	"github.com/onnwee/chat-relay/events"
	"github.com/onnwee/chat-relay/streams"
)

// Health values reported by HealthStatus.
const (
	HealthHealthy   = "healthy"
	HealthIdle      = "idle"
	HealthDegraded  = "degraded"
	HealthUnhealthy = "unhealthy"
	HealthDisabled  = "disabled"
)

// ConnectionInfo is the public view of one connection entry.
type ConnectionInfo struct {
	VideoID     string     `json:"videoId"`
	Ready       bool       `json:"ready"`
	State       string     `json:"state"`
	CreatedAt   time.Time  `json:"createdAt"`
	ReadyAt     *time.Time `json:"readyAt,omitempty"`
	LastErrorAt *time.Time `json:"lastErrorAt,omitempty"`
}

// ConnectionState separates stored connections from ready ones.
type ConnectionState struct {
	Initialized    bool             `json:"initialized"`
	Monitoring     bool             `json:"monitoring"`
	Stored         int              `json:"stored"`
	Ready          int              `json:"ready"`
	VideoIDs       []string         `json:"videoIds"`
	ActiveVideoIDs []string         `json:"activeVideoIds"`
	Connections    []ConnectionInfo `json:"connections"`
}

// Stats is the operator view of the platform.
type Stats struct {
	Platform         string                `json:"platform"`
	Username         string                `json:"username"`
	ChannelID        string                `json:"channelId,omitempty"`
	Connections      ConnectionState       `json:"connections"`
	Monitor          *streams.Stats        `json:"monitor,omitempty"`
	TotalViewers     float64               `json:"totalViewers"`
	ViewerStreams    int                   `json:"viewerStreams"`
	EventsEmitted    map[events.Type]int   `json:"eventsEmitted"`
	Errors           int                   `json:"errors"`
	ShortageWarnings int                   `json:"shortageWarnings"`
	LastError        string                `json:"lastError,omitempty"`
	Config           config.PlatformConfig `json:"config"`
}

// Health is the summary used by readiness probes.
type Health struct {
	Healthy    bool   `json:"healthy"`
	Status     string `json:"status"`
	Configured bool   `json:"configured"`
	Stored     int    `json:"stored"`
	Ready      int    `json:"ready"`
	InitError  string `json:"initError,omitempty"`
	LastError  string `json:"lastError,omitempty"`
}

// Initialized reports whether Initialize succeeded and Cleanup has not run since.
func (p *Platform) Initialized() bool {
	p.stateMu.RLock()
	defer p.stateMu.RUnlock()
	return p.initialized
}

func (p *Platform) currentMonitor() *streams.Manager {
	p.stateMu.RLock()
	defer p.stateMu.RUnlock()
	return p.monitor
}

// IsActive reports whether the platform is initialized with at least one
// ready connection.
func (p *Platform) IsActive() bool {
	return p.Initialized() && p.conns.ReadyCount() > 0
}

// IsConfigured reports whether monitoring would start on Initialize.
func (p *Platform) IsConfigured() bool { return p.opts.Config.IsConfigured() }

// ValidateConfig returns every configuration problem, including repairs made
// while normalizing. An empty result means the configuration is valid.
func (p *Platform) ValidateConfig() []config.Issue {
	out := append([]config.Issue(nil), p.opts.Issues...)
	return append(out, p.opts.Config.Validate()...)
}

// ConnectionState returns a snapshot of the registry.
func (p *Platform) ConnectionState() ConnectionState {
	entries := p.conns.Entries()
	st := ConnectionState{
		Initialized:    p.Initialized(),
		VideoIDs:       make([]string, 0, len(entries)),
		ActiveVideoIDs: make([]string, 0, len(entries)),
		Connections:    make([]ConnectionInfo, 0, len(entries)),
	}
	if m := p.currentMonitor(); m != nil {
		st.Monitoring = m.Running()
	}
	for _, e := range entries {
		st.Stored++
		st.VideoIDs = append(st.VideoIDs, e.VideoID)
		if e.Ready {
			st.Ready++
			st.ActiveVideoIDs = append(st.ActiveVideoIDs, e.VideoID)
		}
		st.Connections = append(st.Connections, ConnectionInfo{
			VideoID:     e.VideoID,
			Ready:       e.Ready,
			State:       e.State.String(),
			CreatedAt:   e.CreatedAt,
			ReadyAt:     e.ReadyAt,
			LastErrorAt: e.LastErrorAt,
		})
	}
	return st
}

// Stats returns counters and the current connection state.
func (p *Platform) Stats() Stats {
	snap := p.aggregator.Snapshot()
	st := Stats{
		Platform:      events.Platform,
		Username:      p.opts.Config.Username,
		Connections:   p.ConnectionState(),
		TotalViewers:  snap.Total,
		ViewerStreams: snap.SuccessfulStreams,
		Config:        p.opts.Config,
	}
	p.stateMu.RLock()
	st.ChannelID = p.channelID
	monitor := p.monitor
	p.stateMu.RUnlock()
	if monitor != nil {
		ms := monitor.Stats()
		st.Monitor = &ms
	}

	p.statsMu.Lock()
	st.EventsEmitted = make(map[events.Type]int, len(p.emitted))
	for k, v := range p.emitted {
		st.EventsEmitted[k] = v
	}
	st.Errors = p.errCount
	st.ShortageWarnings = p.shortages
	st.LastError = p.lastError
	p.statsMu.Unlock()
	return st
}

// HealthStatus summarises whether ingestion is working. A configured
// platform without live streams is idle, not unhealthy.
func (p *Platform) HealthStatus() Health {
	h := Health{
		Configured: p.IsConfigured(),
		Stored:     p.conns.Count(),
		Ready:      p.conns.ReadyCount(),
	}
	p.stateMu.RLock()
	initialized, initErr, monitor := p.initialized, p.initErr, p.monitor
	p.stateMu.RUnlock()
	p.statsMu.Lock()
	h.LastError = p.lastError
	p.statsMu.Unlock()
	if initErr != nil {
		h.InitError = initErr.Error()
	}

	switch {
	case !h.Configured:
		h.Status, h.Healthy = HealthDisabled, true
	case initErr != nil || !initialized:
		h.Status = HealthUnhealthy
	case monitor != nil && monitor.Stats().ConsecutiveFailures > 0:
		h.Status = HealthDegraded
	case h.Ready > 0:
		h.Status, h.Healthy = HealthHealthy, true
	default:
		h.Status, h.Healthy = HealthIdle, true
	}
	return h
}
