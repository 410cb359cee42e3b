package connection

import (
	"errors"
	"fmt"
	"strings"

	"github.com/onnwee/chat-relay/innertube"
)

// ErrNotLive is matched by every NotLiveError.
var ErrNotLive = errors.New("video is not live")

// NotLiveError explains why a video cannot be connected to.
type NotLiveError struct {
	VideoID string
	Reason  string
}

func (e *NotLiveError) Error() string {
	return fmt.Sprintf("video %s is not live: %s", e.VideoID, e.Reason)
}

func (e *NotLiveError) Is(target error) bool { return target == ErrNotLive }

// Liveness reasons.
const (
	ReasonLive     = "live"
	ReasonPremiere = "premiere (live and upcoming)"
	ReasonUpcoming = "upcoming but not yet live"
	ReasonReplay   = "not live (VOD/replay)"
	ReasonNoInfo   = "no video info"
)

// Validation is the outcome of ValidateVideoForConnection.
type Validation struct {
	IsLive     bool
	IsUpcoming bool
	IsPremiere bool
	Reason     string
}

// ValidateVideoForConnection decides whether info describes a broadcast that
// should get a chat connection. Any one live signal is enough.
func ValidateVideoForConnection(info *innertube.VideoInfo) Validation {
	if info == nil {
		return Validation{Reason: ReasonNoInfo}
	}
	live := info.IsLive ||
		info.IsLiveContent ||
		info.IsLiveDVREnabled ||
		info.IsLowLatencyLiveStream ||
		strings.HasPrefix(strings.ToLower(strings.TrimSpace(info.LiveStatus)), "live") ||
		info.HLSManifestURL != "" ||
		info.LiveStreamability ||
		innertube.HasLiveBadge(info)

	switch {
	case live && info.IsUpcoming:
		return Validation{IsLive: true, IsUpcoming: true, IsPremiere: true, Reason: ReasonPremiere}
	case live:
		return Validation{IsLive: true, Reason: ReasonLive}
	case info.IsUpcoming:
		return Validation{IsUpcoming: true, Reason: ReasonUpcoming}
	default:
		return Validation{Reason: ReasonReplay}
	}
}
