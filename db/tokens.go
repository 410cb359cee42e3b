package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/oauth2"

	"github.com/onnwee/chat-relay/crypto"
)

// ErrNoToken is returned by LoadToken when no row exists for the provider.
var ErrNoToken = errors.New("no oauth token stored")

// Encryption versions stored with each row.
const (
	tokenPlaintext = 0
	tokenSealed    = 1
)

// TokenStore persists OAuth tokens in oauth_tokens. With a Sealer the access
// and refresh tokens are encrypted at rest; rows written without one are
// still readable.
type TokenStore struct {
	DB     *sql.DB
	Sealer *crypto.Sealer
}

// NewTokenStore builds a store, sealing tokens when ENCRYPTION_KEY is set.
func NewTokenStore(dbx *sql.DB) (*TokenStore, error) {
	s := &TokenStore{DB: dbx}
	key := os.Getenv("ENCRYPTION_KEY")
	if key == "" {
		slog.Warn("ENCRYPTION_KEY not set, OAuth tokens will be stored in plaintext (not recommended for production)",
			slog.String("component", "db_encryption"))
		return s, nil
	}
	sealer, err := crypto.NewSealer(os.Getenv("ENCRYPTION_KEY_ID"), key)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize encryption: %w", err)
	}
	s.Sealer = sealer
	return s, nil
}

// SaveToken upserts tok for provider. The granted scope is read from the
// token's "scope" extra when present.
func (s *TokenStore) SaveToken(ctx context.Context, provider string, tok *oauth2.Token) error {
	if tok == nil {
		return errors.New("nil token")
	}
	access, refresh := tok.AccessToken, tok.RefreshToken
	version, keyID := tokenPlaintext, ""
	if s.Sealer != nil {
		var err error
		if access, err = s.Sealer.Seal(access); err != nil {
			return fmt.Errorf("encrypt access token: %w", err)
		}
		if refresh, err = s.Sealer.Seal(refresh); err != nil {
			return fmt.Errorf("encrypt refresh token: %w", err)
		}
		version, keyID = tokenSealed, s.Sealer.KeyID
	}
	scope, _ := tok.Extra("scope").(string)

	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO oauth_tokens(provider, access_token, refresh_token, token_type, expires_at, scope, encryption_version, encryption_key_id, updated_at)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8,NOW())
		 ON CONFLICT(provider) DO UPDATE SET
		   access_token=EXCLUDED.access_token,
		   refresh_token=CASE WHEN EXCLUDED.refresh_token = '' THEN oauth_tokens.refresh_token ELSE EXCLUDED.refresh_token END,
		   token_type=EXCLUDED.token_type,
		   expires_at=EXCLUDED.expires_at,
		   scope=CASE WHEN EXCLUDED.scope = '' THEN oauth_tokens.scope ELSE EXCLUDED.scope END,
		   encryption_version=EXCLUDED.encryption_version,
		   encryption_key_id=EXCLUDED.encryption_key_id,
		   updated_at=NOW()`,
		provider, access, refresh, tok.TokenType, tok.Expiry, strings.TrimSpace(scope), version, keyID)
	return err
}

// LoadToken returns the stored token for provider, decrypting it if needed.
func (s *TokenStore) LoadToken(ctx context.Context, provider string) (*oauth2.Token, error) {
	var (
		access, refresh       string
		tokenType, scope, kid sql.NullString
		expiry                sql.NullTime
		version               int
	)
	err := s.DB.QueryRowContext(ctx,
		`SELECT COALESCE(access_token,''), COALESCE(refresh_token,''), token_type, expires_at, scope,
		        COALESCE(encryption_version, 0), encryption_key_id
		 FROM oauth_tokens WHERE provider = $1`, provider).
		Scan(&access, &refresh, &tokenType, &expiry, &scope, &version, &kid)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoToken
	}
	if err != nil {
		return nil, err
	}

	if version == tokenSealed {
		if s.Sealer == nil {
			return nil, errors.New("token is encrypted but ENCRYPTION_KEY not configured")
		}
		if kid.Valid && kid.String != "" && kid.String != s.Sealer.KeyID {
			return nil, fmt.Errorf("token sealed with key %q, have %q", kid.String, s.Sealer.KeyID)
		}
		if access, err = s.Sealer.Open(access); err != nil {
			return nil, fmt.Errorf("decrypt access token: %w", err)
		}
		if refresh, err = s.Sealer.Open(refresh); err != nil {
			return nil, fmt.Errorf("decrypt refresh token: %w", err)
		}
	}

	tok := &oauth2.Token{AccessToken: access, RefreshToken: refresh, TokenType: tokenType.String}
	if expiry.Valid {
		tok.Expiry = expiry.Time
	}
	if scope.String != "" {
		tok = tok.WithExtra(map[string]any{"scope": scope.String})
	}
	return tok, nil
}

// PlaintextProviders lists providers whose tokens are stored unencrypted.
func (s *TokenStore) PlaintextProviders(ctx context.Context) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT provider FROM oauth_tokens WHERE COALESCE(encryption_version, 0) = $1 ORDER BY provider`, tokenPlaintext)
	if err != nil {
		return nil, fmt.Errorf("query plaintext tokens: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan token row: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
