package crypto

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"
)

func testKey(b byte) string {
	k := make([]byte, KeySize)
	for i := range k {
		k[i] = b
	}
	return base64.StdEncoding.EncodeToString(k)
}

func TestNewSealer(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		wantErr string
	}{
		{"empty key", "", "empty"},
		{"invalid base64", "not-valid-base64!@#$", "invalid encryption key"},
		{"short key", base64.StdEncoding.EncodeToString(make([]byte, 16)), "want 32 bytes"},
		{"long key", base64.StdEncoding.EncodeToString(make([]byte, 64)), "want 32 bytes"},
		{"valid", testKey(1), ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewSealer("", tt.key)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("err = %v, want %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if s.KeyID != "default" {
				t.Errorf("KeyID = %q", s.KeyID)
			}
		})
	}
}

func TestSealOpen(t *testing.T) {
	s, err := NewSealer("k1", testKey(7))
	if err != nil {
		t.Fatal(err)
	}
	for _, plain := range []string{"ya29.access-token", "1//refresh", "ünïcode ✓", strings.Repeat("x", 4096)} {
		sealed, err := s.Seal(plain)
		if err != nil {
			t.Fatal(err)
		}
		if sealed == plain || strings.Contains(sealed, plain) {
			t.Fatalf("sealed value leaks plaintext")
		}
		got, err := s.Open(sealed)
		if err != nil {
			t.Fatal(err)
		}
		if got != plain {
			t.Fatalf("Open = %q, want %q", got, plain)
		}
	}
}

func TestSealIsRandomised(t *testing.T) {
	s, _ := NewSealer("", testKey(3))
	a, _ := s.Seal("same")
	b, _ := s.Seal("same")
	if a == b {
		t.Fatal("two seals of the same value must differ")
	}
}

func TestEmptyPassesThrough(t *testing.T) {
	s, _ := NewSealer("", testKey(3))
	if v, err := s.Seal(""); v != "" || err != nil {
		t.Fatalf("Seal(\"\") = %q, %v", v, err)
	}
	if v, err := s.Open(""); v != "" || err != nil {
		t.Fatalf("Open(\"\") = %q, %v", v, err)
	}
}

func TestOpenRejects(t *testing.T) {
	s, _ := NewSealer("", testKey(1))
	other, _ := NewSealer("", testKey(2))
	sealed, _ := s.Seal("secret")

	raw, _ := base64.StdEncoding.DecodeString(sealed)
	raw[len(raw)-1] ^= 0xff
	tampered := base64.StdEncoding.EncodeToString(raw)

	tests := []struct {
		name  string
		open  *Sealer
		value string
	}{
		{"wrong key", other, sealed},
		{"tampered", s, tampered},
		{"not base64", s, "%%%"},
		{"too short", s, base64.StdEncoding.EncodeToString([]byte("abc"))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.open.Open(tt.value); !errors.Is(err, ErrOpen) {
				t.Fatalf("err = %v, want ErrOpen", err)
			}
		})
	}
}
