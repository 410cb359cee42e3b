package youtubeapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// Provider is the token store key for YouTube credentials.
const Provider = "youtube"

// DefaultScope allows reading and posting live chat.
const DefaultScope = "https://www.googleapis.com/auth/youtube.force-ssl"

// ErrNoToken is returned when no OAuth token has been stored yet.
var ErrNoToken = errors.New("no youtube token stored")

// TokenStore persists the OAuth token. db.TokenStore satisfies it.
type TokenStore interface {
	LoadToken(ctx context.Context, provider string) (*oauth2.Token, error)
	SaveToken(ctx context.Context, provider string, tok *oauth2.Token) error
}

// AuthConfig holds the OAuth client registration.
type AuthConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	// Scopes are comma or space separated; empty selects DefaultScope.
	Scopes string
	// Endpoint overrides google.Endpoint.
	Endpoint *oauth2.Endpoint
}

// Auth runs the OAuth code flow and hands out authorized HTTP clients whose
// refreshed tokens are written back to the store.
type Auth struct {
	cfg   *oauth2.Config
	store TokenStore
}

// NewAuth builds an Auth.
func NewAuth(ac AuthConfig, store TokenStore) *Auth {
	scopes := []string{DefaultScope}
	if fields := strings.Fields(strings.ReplaceAll(ac.Scopes, ",", " ")); len(fields) > 0 {
		scopes = fields
	}
	endpoint := google.Endpoint
	if ac.Endpoint != nil {
		endpoint = *ac.Endpoint
	}
	return &Auth{
		cfg: &oauth2.Config{
			ClientID:     ac.ClientID,
			ClientSecret: ac.ClientSecret,
			Endpoint:     endpoint,
			RedirectURL:  ac.RedirectURL,
			Scopes:       scopes,
		},
		store: store,
	}
}

// Config exposes the OAuth config, e.g. for oauth.ConfigRefresh.
func (a *Auth) Config() *oauth2.Config { return a.cfg }

// AuthCodeURL is where the operator grants access. A refresh token is always requested.
func (a *Auth) AuthCodeURL(state string) string {
	return a.cfg.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// Exchange trades the callback code for a token and stores it.
func (a *Auth) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	tok, err := a.cfg.Exchange(ctx, code)
	if err != nil {
		return nil, err
	}
	if err := a.store.SaveToken(ctx, Provider, tok); err != nil {
		return nil, err
	}
	return tok, nil
}

// HTTPClient returns a client authorized with the stored token. Refreshed
// tokens are persisted as they are minted.
func (a *Auth) HTTPClient(ctx context.Context) (*http.Client, error) {
	tok, err := a.store.LoadToken(ctx, Provider)
	if err != nil {
		return nil, err
	}
	if tok == nil || (tok.AccessToken == "" && tok.RefreshToken == "") {
		return nil, ErrNoToken
	}
	src := &persistingSource{
		base:  a.cfg.TokenSource(ctx, tok),
		store: a.store,
		last:  tok.AccessToken,
	}
	return oauth2.NewClient(ctx, oauth2.ReuseTokenSource(tok, src)), nil
}

// persistingSource saves every token whose access token changed.
type persistingSource struct {
	base  oauth2.TokenSource
	store TokenStore
	last  string
}

func (p *persistingSource) Token() (*oauth2.Token, error) {
	tok, err := p.base.Token()
	if err != nil {
		return nil, err
	}
	if tok.AccessToken != p.last {
		p.last = tok.AccessToken
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		// A failed save only costs a refresh on the next start.
		_ = p.store.SaveToken(ctx, Provider, tok)
	}
	return tok, nil
}
