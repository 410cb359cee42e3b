// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	EventsEmitted       *prometheus.CounterVec // label: type
	ChatItemsUnknown    *prometheus.CounterVec // label: item_type
	ChatItemsSkipped    prometheus.Counter
	ErrorsTotal         *prometheus.CounterVec // label: kind
	DetectionTicks      prometheus.Counter
	DetectionFailures   prometheus.Counter
	ConnectAttempts     prometheus.Counter
	ConnectFailures     prometheus.Counter
	ShortageWarnings    prometheus.Counter
	ChannelCacheLookups *prometheus.CounterVec // label: result (memory|file|resolved|failed)

	// Histograms (seconds)
	ConnectDuration prometheus.Observer
	TickDuration    prometheus.Observer

	// Gauges
	ConnectionsStored prometheus.Gauge
	ConnectionsReady  prometheus.Gauge
	ViewerTotal       prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		EventsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{Name: "youtube_events_emitted_total", Help: "Normalized events emitted by type"}, []string{"type"})
		ChatItemsUnknown = promauto.NewCounterVec(prometheus.CounterOpts{Name: "youtube_chat_items_unknown_total", Help: "Chat items with an unrecognized vendor tag"}, []string{"item_type"})
		ChatItemsSkipped = promauto.NewCounter(prometheus.CounterOpts{Name: "youtube_chat_items_skipped_total", Help: "Chat items skipped (delete actions)"})
		ErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{Name: "youtube_errors_total", Help: "Errors reported by kind"}, []string{"kind"})
		DetectionTicks = promauto.NewCounter(prometheus.CounterOpts{Name: "youtube_detection_ticks_total", Help: "Stream detection ticks run"})
		DetectionFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "youtube_detection_failures_total", Help: "Stream detection ticks that failed"})
		ConnectAttempts = promauto.NewCounter(prometheus.CounterOpts{Name: "youtube_connect_attempts_total", Help: "Chat connection attempts"})
		ConnectFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "youtube_connect_failures_total", Help: "Chat connection attempts that failed"})
		ShortageWarnings = promauto.NewCounter(prometheus.CounterOpts{Name: "youtube_stream_shortage_warnings_total", Help: "Stream shortage warnings emitted"})
		ChannelCacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{Name: "youtube_channel_cache_lookups_total", Help: "Channel id lookups by result"}, []string{"result"})
		ConnectDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "youtube_connect_duration_seconds", Help: "Chat connection setup duration seconds", Buckets: prometheus.DefBuckets})
		TickDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "youtube_detection_tick_duration_seconds", Help: "Stream detection tick duration seconds", Buckets: prometheus.DefBuckets})
		ConnectionsStored = promauto.NewGauge(prometheus.GaugeOpts{Name: "youtube_connections_stored", Help: "Chat connections currently registered"})
		ConnectionsReady = promauto.NewGauge(prometheus.GaugeOpts{Name: "youtube_connections_ready", Help: "Chat connections that received their start event"})
		ViewerTotal = promauto.NewGauge(prometheus.GaugeOpts{Name: "youtube_viewers_total", Help: "Last aggregated viewer count across streams"})
	})
}

// IncEvent counts an emitted event.
func IncEvent(eventType string) {
	if EventsEmitted != nil {
		EventsEmitted.WithLabelValues(eventType).Inc()
	}
}

// IncError counts a reported error by kind.
func IncError(kind string) {
	if ErrorsTotal != nil {
		ErrorsTotal.WithLabelValues(kind).Inc()
	}
}

// IncUnknownItem counts a chat item with an unrecognized tag.
func IncUnknownItem(itemType string) {
	if ChatItemsUnknown != nil {
		ChatItemsUnknown.WithLabelValues(itemType).Inc()
	}
}

// IncCacheLookup counts a channel id lookup outcome.
func IncCacheLookup(result string) {
	if ChannelCacheLookups != nil {
		ChannelCacheLookups.WithLabelValues(result).Inc()
	}
}

// Inc increments c when it has been initialized.
func Inc(c prometheus.Counter) {
	if c != nil {
		c.Inc()
	}
}

// SetConnections records stored and ready connection counts.
func SetConnections(stored, ready int) {
	if ConnectionsStored != nil {
		ConnectionsStored.Set(float64(stored))
	}
	if ConnectionsReady != nil {
		ConnectionsReady.Set(float64(ready))
	}
}

// SetViewerTotal records the last aggregated viewer count.
func SetViewerTotal(n float64) {
	if ViewerTotal != nil {
		ViewerTotal.Set(n)
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
