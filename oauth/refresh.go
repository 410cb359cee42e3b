// Package oauth keeps a stored OAuth token fresh. A Refresher wakes up on a
// jittered interval and refreshes the token once its remaining lifetime falls
// inside the configured window.
package oauth

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/oauth2"
)

// Store loads and saves the token for a provider.
type Store interface {
	LoadToken(ctx context.Context, provider string) (*oauth2.Token, error)
	SaveToken(ctx context.Context, provider string, tok *oauth2.Token) error
}

// RefreshFunc exchanges tok's refresh token for a new token.
type RefreshFunc func(ctx context.Context, tok *oauth2.Token) (*oauth2.Token, error)

// ConfigRefresh refreshes through cfg's token endpoint.
func ConfigRefresh(cfg *oauth2.Config) RefreshFunc {
	return func(ctx context.Context, tok *oauth2.Token) (*oauth2.Token, error) {
		// An expired copy forces the token source to hit the endpoint.
		stale := &oauth2.Token{RefreshToken: tok.RefreshToken, Expiry: time.Unix(1, 0)}
		return cfg.TokenSource(ctx, stale).Token()
	}
}

// Refresher checks and refreshes one provider's token.
type Refresher struct {
	Store    Store
	Provider string
	Refresh  RefreshFunc
	Interval time.Duration // how often to wake up; default 5m
	Window   time.Duration // refresh when remaining lifetime <= Window; default 15m
	Clock    clockwork.Clock
	Logger   *slog.Logger
}

func (r *Refresher) defaults() {
	if r.Interval <= 0 {
		r.Interval = 5 * time.Minute
	}
	if r.Window <= 0 {
		r.Window = 15 * time.Minute
	}
	if r.Clock == nil {
		r.Clock = clockwork.NewRealClock()
	}
	if r.Logger == nil {
		r.Logger = slog.Default()
	}
}

// Check refreshes the token if it is inside the window. It reports whether a
// refresh happened. Missing tokens and tokens without a refresh token are skipped.
func (r *Refresher) Check(ctx context.Context) (bool, error) {
	r.defaults()
	tok, err := r.Store.LoadToken(ctx, r.Provider)
	if err != nil {
		return false, err
	}
	if tok == nil || tok.RefreshToken == "" {
		return false, nil
	}
	if !tok.Expiry.IsZero() && tok.Expiry.Sub(r.Clock.Now()) > r.Window {
		return false, nil
	}

	rctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	next, err := r.Refresh(rctx, tok)
	cancel()
	if err != nil {
		return false, err
	}
	if next == nil || next.AccessToken == "" {
		return false, errors.New("refresh returned no access token")
	}
	if next.RefreshToken == "" {
		next.RefreshToken = tok.RefreshToken
	}
	if err := r.Store.SaveToken(ctx, r.Provider, next); err != nil {
		return false, err
	}
	return true, nil
}

// Run checks on a jittered interval until ctx is done. The first check is
// delayed by up to half an interval to spread load across instances.
func (r *Refresher) Run(ctx context.Context) {
	r.defaults()
	logger := r.Logger.With(slog.String("component", "oauth_refresh"), slog.String("provider", r.Provider))
	//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
	wait := time.Duration(rand.Int63n(int64(r.Interval/2) + 1))
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.Clock.After(wait):
		}
		refreshed, err := r.Check(ctx)
		switch {
		case err != nil:
			logger.Warn("token refresh failed", slog.Any("err", err))
		case refreshed:
			logger.Info("token refreshed")
		}
		wait = r.nextSleep()
	}
}

// nextSleep is Interval with +-20% jitter, never below half the interval.
func (r *Refresher) nextSleep() time.Duration {
	jitterRange := int64(r.Interval / 5)
	if jitterRange <= 0 {
		return r.Interval
	}
	//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
	d := r.Interval + time.Duration(rand.Int63n(jitterRange*2)-jitterRange)
	if d < r.Interval/2 {
		d = r.Interval / 2
	}
	return d
}

// StartRefresher runs a Refresher in its own goroutine.
func StartRefresher(ctx context.Context, store Store, provider string, interval, window time.Duration, fn RefreshFunc) *Refresher {
	r := &Refresher{Store: store, Provider: provider, Refresh: fn, Interval: interval, Window: window}
	go r.Run(ctx)
	return r
}
