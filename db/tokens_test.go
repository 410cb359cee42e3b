package db

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/onnwee/chat-relay/crypto"
)

func testSealer(t *testing.T, keyID string, b byte) *crypto.Sealer {
	t.Helper()
	key := make([]byte, crypto.KeySize)
	for i := range key {
		key[i] = b
	}
	s, err := crypto.NewSealer(keyID, base64.StdEncoding.EncodeToString(key))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestNewTokenStoreReadsKey(t *testing.T) {
	t.Setenv("ENCRYPTION_KEY", "")
	s, err := NewTokenStore(nil)
	if err != nil || s.Sealer != nil {
		t.Fatalf("plaintext store = %+v, %v", s, err)
	}

	t.Setenv("ENCRYPTION_KEY", base64.StdEncoding.EncodeToString(make([]byte, crypto.KeySize)))
	t.Setenv("ENCRYPTION_KEY_ID", "k2")
	s, err = NewTokenStore(nil)
	if err != nil || s.Sealer == nil || s.Sealer.KeyID != "k2" {
		t.Fatalf("sealed store = %+v, %v", s, err)
	}

	t.Setenv("ENCRYPTION_KEY", "short")
	if _, err := NewTokenStore(nil); err == nil {
		t.Fatal("bad key should fail")
	}
}

func TestTokenStoreRoundTrip(t *testing.T) {
	dbx := openTestDB(t)
	ctx := context.Background()
	expiry := time.Now().Add(time.Hour).Truncate(time.Second)

	tests := []struct {
		name   string
		sealer *crypto.Sealer
	}{
		{"plaintext", nil},
		{"sealed", testSealer(t, "k1", 9)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &TokenStore{DB: dbx, Sealer: tt.sealer}
			provider := "youtube-" + tt.name
			if _, err := s.LoadToken(ctx, provider); !errors.Is(err, ErrNoToken) {
				t.Fatalf("LoadToken before save err = %v", err)
			}
			tok := (&oauth2.Token{AccessToken: "ya29.a", RefreshToken: "1//r", TokenType: "Bearer", Expiry: expiry}).
				WithExtra(map[string]any{"scope": "youtube.force-ssl"})
			if err := s.SaveToken(ctx, provider, tok); err != nil {
				t.Fatal(err)
			}
			// A refresh without a new refresh token keeps the stored one.
			if err := s.SaveToken(ctx, provider, &oauth2.Token{AccessToken: "ya29.b", Expiry: expiry}); err != nil {
				t.Fatal(err)
			}

			got, err := s.LoadToken(ctx, provider)
			if err != nil {
				t.Fatal(err)
			}
			if got.AccessToken != "ya29.b" || got.RefreshToken != "1//r" || !got.Expiry.Equal(expiry) {
				t.Fatalf("token = %+v", got)
			}
			if scope, _ := got.Extra("scope").(string); scope != "youtube.force-ssl" {
				t.Fatalf("scope = %q", scope)
			}

			var raw string
			if err := dbx.QueryRowContext(ctx, `SELECT refresh_token FROM oauth_tokens WHERE provider=$1`, provider).Scan(&raw); err != nil {
				t.Fatal(err)
			}
			if sealed := tt.sealer != nil; sealed == strings.Contains(raw, "1//r") {
				t.Fatalf("stored refresh token %q (sealed=%v)", raw, sealed)
			}
		})
	}
}

func TestTokenStoreKeyMismatch(t *testing.T) {
	dbx := openTestDB(t)
	ctx := context.Background()
	sealed := &TokenStore{DB: dbx, Sealer: testSealer(t, "k1", 1)}
	if err := sealed.SaveToken(ctx, "youtube", &oauth2.Token{AccessToken: "a", RefreshToken: "r"}); err != nil {
		t.Fatal(err)
	}
	if _, err := (&TokenStore{DB: dbx}).LoadToken(ctx, "youtube"); err == nil {
		t.Fatal("sealed token must not load without a key")
	}
	if _, err := (&TokenStore{DB: dbx, Sealer: testSealer(t, "k2", 1)}).LoadToken(ctx, "youtube"); err == nil {
		t.Fatal("sealed token must not load with another key id")
	}
	if _, err := (&TokenStore{DB: dbx, Sealer: testSealer(t, "k1", 2)}).LoadToken(ctx, "youtube"); !errors.Is(err, crypto.ErrOpen) {
		t.Fatalf("wrong key material err = %v", err)
	}
}

func TestPlaintextProviders(t *testing.T) {
	dbx := openTestDB(t)
	ctx := context.Background()
	plain := &TokenStore{DB: dbx}
	sealed := &TokenStore{DB: dbx, Sealer: testSealer(t, "k1", 3)}
	for _, p := range []string{"b-plain", "a-plain"} {
		if err := plain.SaveToken(ctx, p, &oauth2.Token{AccessToken: "x"}); err != nil {
			t.Fatal(err)
		}
	}
	if err := sealed.SaveToken(ctx, "sealed", &oauth2.Token{AccessToken: "x"}); err != nil {
		t.Fatal(err)
	}
	got, err := sealed.PlaintextProviders(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0] != "a-plain" || got[1] != "b-plain" {
		t.Fatalf("providers = %v", got)
	}
}
