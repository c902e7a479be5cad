package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
)

// fakeJWT builds an unsigned JWT with the given expiry. Only the exp claim
// matters for local expiry checks.
func fakeJWT(t *testing.T, exp time.Time) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none","typ":"JWT"}`))
	payload, err := json.Marshal(map[string]any{"sub": "u1", "exp": exp.Unix()})
	if err != nil {
		t.Fatal(err)
	}
	return fmt.Sprintf("%s.%s.", header, base64.RawURLEncoding.EncodeToString(payload))
}

func testSource(t *testing.T, refreshURL string) *Source {
	t.Helper()
	path := filepath.Join(t.TempDir(), "credentials.json")
	return NewSource(path, refreshURL, zap.NewNop())
}

func TestLoadMissingFileIsUnauthenticated(t *testing.T) {
	s := testSource(t, "")
	if err := s.Load(); err != nil {
		t.Fatalf("Load() on missing file error = %v", err)
	}
	if _, ok := s.Token(); ok {
		t.Error("missing credential file should yield no token")
	}
}

func TestSetPersistsAcrossSources(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	s := NewSource(path, "", zap.NewNop())
	if err := s.Set(Tokens{Access: "a1", Refresh: "r1"}); err != nil {
		t.Fatal(err)
	}

	reopened := NewSource(path, "", zap.NewNop())
	if err := reopened.Load(); err != nil {
		t.Fatal(err)
	}
	tok, ok := reopened.Token()
	if !ok || tok != "a1" {
		t.Errorf("token after reload = %q, %v; want a1, true", tok, ok)
	}
}

func TestExpired(t *testing.T) {
	tests := []struct {
		name string
		exp  time.Time
		skew time.Duration
		want bool
	}{
		{"live token", time.Now().Add(time.Hour), 30 * time.Second, false},
		{"expired token", time.Now().Add(-time.Hour), 30 * time.Second, true},
		{"expiring within skew", time.Now().Add(10 * time.Second), 30 * time.Second, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := testSource(t, "")
			if err := s.Set(Tokens{Access: fakeJWT(t, tt.exp), Refresh: "r"}); err != nil {
				t.Fatal(err)
			}
			if got := s.Expired(tt.skew); got != tt.want {
				t.Errorf("Expired() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestExpiredWithoutTokenIsFalse(t *testing.T) {
	s := testSource(t, "")
	if s.Expired(time.Minute) {
		t.Error("empty credential should not report expired")
	}
}

func TestRefreshSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req refreshRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RefreshToken != "r1" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(Tokens{Access: "a2", Refresh: "r2"})
	}))
	defer srv.Close()

	s := testSource(t, srv.URL)
	if err := s.Set(Tokens{Access: "a1", Refresh: "r1"}); err != nil {
		t.Fatal(err)
	}

	if err := s.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	tok, _ := s.Token()
	if tok != "a2" {
		t.Errorf("token after refresh = %q, want a2", tok)
	}
}

func TestRefreshRejectedIsErrRefreshFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	s := testSource(t, srv.URL)
	if err := s.Set(Tokens{Access: "a1", Refresh: "r1"}); err != nil {
		t.Fatal(err)
	}

	err := s.Refresh(context.Background())
	if !errors.Is(err, ErrRefreshFailed) {
		t.Errorf("Refresh() error = %v, want ErrRefreshFailed", err)
	}
}

func TestRefreshWithoutRefreshTokenFails(t *testing.T) {
	s := testSource(t, "http://unused")
	err := s.Refresh(context.Background())
	if !errors.Is(err, ErrRefreshFailed) {
		t.Errorf("Refresh() error = %v, want ErrRefreshFailed", err)
	}
}

func TestClearDropsCredential(t *testing.T) {
	s := testSource(t, "")
	if err := s.Set(Tokens{Access: "a1", Refresh: "r1"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Clear(); err != nil {
		t.Fatal(err)
	}
	if _, ok := s.Token(); ok {
		t.Error("token should be gone after Clear")
	}
	if err := s.Load(); err != nil {
		t.Fatal(err)
	}
	if _, ok := s.Token(); ok {
		t.Error("cleared credential should not reload from disk")
	}
}
