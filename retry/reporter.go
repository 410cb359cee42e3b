package retry

import (
	"context"
	"log/slog"
	"regexp"

	"github.com/onnwee/chat-relay/telemetry"
)

// Hook receives every reported error. recoverable is false for connection
// failures that will not be retried.
type Hook func(ctx context.Context, err *Error, recoverable bool)

// Reporter logs errors by kind, counts them and forwards them to a hook.
// Reporting never returns an error to the caller.
type Reporter struct {
	logger *slog.Logger
	hook   Hook
}

// NewReporter returns a reporter. A nil logger uses slog.Default.
func NewReporter(logger *slog.Logger, hook Hook) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reporter{logger: logger.With(slog.String("component", "retry")), hook: hook}
}

// SetHook replaces the hook.
func (r *Reporter) SetHook(h Hook) { r.hook = h }

// Report records err under kind and returns the tagged error. attrs carry
// extra context such as the event type and a minimal payload summary.
func (r *Reporter) Report(ctx context.Context, kind Kind, op, videoID string, err error, attrs ...slog.Attr) *Error {
	if err == nil {
		return nil
	}
	e := &Error{Kind: kind, Op: op, VideoID: videoID, Err: err}
	telemetry.IncError(kind.String())

	args := []any{slog.String("kind", kind.String()), slog.String("op", op)}
	if videoID != "" {
		args = append(args, slog.String("video_id", videoID))
	}
	if corr := telemetry.GetCorrelation(ctx); corr != "" {
		args = append(args, slog.String("corr", corr))
	}
	for _, a := range attrs {
		args = append(args, a)
	}
	recoverable := true
	switch kind {
	case KindConfiguration:
		args = append(args, slog.String("err", Sanitize(err.Error())))
		r.logger.Warn("configuration error", args...)
	case KindConnection:
		recoverable = IsRetryable(err)
		args = append(args, slog.Any("err", err), slog.Bool("retryable", recoverable))
		r.logger.Error("connection error", args...)
	case KindProcessing:
		args = append(args, slog.Any("err", err))
		r.logger.Warn("processing error", args...)
	case KindCleanup:
		args = append(args, slog.Any("err", err))
		r.logger.Warn("cleanup error", args...)
	}
	if r.hook != nil {
		r.hook(ctx, e, recoverable)
	}
	return e
}

// Cleanup reports a release failure. It exists so cleanup paths read as
// "report and move on".
func (r *Reporter) Cleanup(ctx context.Context, op, videoID string, err error) {
	r.Report(ctx, KindCleanup, op, videoID, err)
}

var secretPattern = regexp.MustCompile(`(?i)((?:key|token|secret|password|access_token|refresh_token)=)[^&\s"]+`)

// Sanitize masks credential-looking query values in an error message.
func Sanitize(msg string) string {
	return secretPattern.ReplaceAllString(msg, "${1}***")
}
