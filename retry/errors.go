// Package retry classifies ingestion errors into kinds, computes jittered
// exponential backoff and reports failures to logs and metrics.
package retry

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind is the handling policy for an error.
type Kind int

const (
	// KindConnection covers acquiring or losing chat handles, network and auth-like failures.
	// These are retried with backoff.
	KindConnection Kind = iota
	// KindConfiguration covers bad or missing options. Processing continues with defaults.
	KindConfiguration
	// KindProcessing covers failures while handling a single chat item. Never retried.
	KindProcessing
	// KindCleanup covers failures while releasing resources. Logged only.
	KindCleanup
)

// String returns a human-readable name for the kind.
func (k Kind) String() string {
	switch k {
	case KindConnection:
		return "connection"
	case KindConfiguration:
		return "configuration"
	case KindProcessing:
		return "processing"
	case KindCleanup:
		return "cleanup"
	default:
		return "unknown"
	}
}

// Error attaches a kind and the failing operation to an underlying error.
type Error struct {
	Kind    Kind
	Op      string
	VideoID string
	Err     error
}

func (e *Error) Error() string {
	if e.VideoID != "" {
		return fmt.Sprintf("%s %s (%s): %v", e.Kind, e.Op, e.VideoID, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Name is used as the error name on error events.
func (e *Error) Name() string {
	switch e.Kind {
	case KindConnection:
		return "ConnectionError"
	case KindConfiguration:
		return "ConfigurationError"
	case KindProcessing:
		return "ProcessingError"
	case KindCleanup:
		return "CleanupError"
	default:
		return "Error"
	}
}

// Wrap returns err tagged with kind and op. A nil err stays nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// WrapVideo is Wrap with the affected video id.
func WrapVideo(kind Kind, op, videoID string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, VideoID: videoID, Err: err}
}

// Classify maps err to a Kind. Tagged errors keep their kind; otherwise the
// message is matched against known configuration patterns and everything else
// is treated as a connection failure.
func Classify(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if err == nil {
		return KindConnection
	}
	lower := strings.ToLower(err.Error())
	configPatterns := []string{
		"invalid configuration",
		"missing required",
		"data logging path",
		"username is required",
		"no api key",
	}
	for _, p := range configPatterns {
		if strings.Contains(lower, p) {
			return KindConfiguration
		}
	}
	return KindConnection
}

// IsRetryable reports whether a connection-level operation that failed with
// err should be attempted again.
//
// Permanent failures:
// - Configuration, processing and cleanup kinds
// - Content gone or never live (404, video unavailable, not live, upcoming)
// - Invalid input (malformed URL, invalid video id)
// - Context cancellation
//
// Everything else is transient, including network, server, rate limit and auth
// failures (tokens are refreshed in the background).
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if Classify(err) != KindConnection {
		return false
	}
	if Permanent(err) {
		return false
	}
	lower := strings.ToLower(err.Error())

	// Server errors first so "service unavailable" is not read as content missing.
	serverPatterns := []string{
		"500", "502", "503", "504",
		"internal server error",
		"bad gateway",
		"service unavailable",
		"gateway timeout",
	}
	for _, p := range serverPatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}

	fatalPatterns := []string{
		"404",
		"not found",
		"no longer available",
		"does not exist",
		"not live",
		"upcoming but not yet live",
		"invalid url",
		"malformed url",
		"invalid video id",
		"live chat unavailable",
	}
	for _, p := range fatalPatterns {
		if strings.Contains(lower, p) {
			return false
		}
	}
	if strings.Contains(lower, "video") && strings.Contains(lower, "unavailable") {
		return false
	}
	return true
}

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// MarkPermanent wraps err so IsRetryable reports false regardless of its message.
func MarkPermanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Permanent reports whether err was marked with MarkPermanent.
func Permanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
