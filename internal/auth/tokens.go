// Package auth holds the session's bearer credential. The engine never
// issues tokens; it stores the pair handed over at login, checks expiry
// locally, and runs the refresh exchange against the auth service.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// ErrRefreshFailed indicates the refresh exchange was rejected; the session
// cannot be recovered without a fresh login.
var ErrRefreshFailed = errors.New("token refresh failed")

// Tokens is the persisted credential pair.
type Tokens struct {
	Access  string `json:"access_token"`
	Refresh string `json:"refresh_token"`
}

// Source stores the credential pair for one session and refreshes it on
// demand. Safe for concurrent use.
type Source struct {
	mu         sync.Mutex
	path       string
	refreshURL string
	httpc      *http.Client
	tokens     Tokens
	logger     *zap.Logger
}

// NewSource creates a token source persisting to path. The refresh exchange
// posts to refreshURL.
func NewSource(path, refreshURL string, logger *zap.Logger) *Source {
	return &Source{
		path:       path,
		refreshURL: refreshURL,
		httpc:      &http.Client{Timeout: 15 * time.Second},
		logger:     logger,
	}
}

// Load reads the persisted credential pair. A missing file is not an error:
// the session is simply unauthenticated.
func (s *Source) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read credentials: %w", err)
	}
	if err := json.Unmarshal(data, &s.tokens); err != nil {
		return fmt.Errorf("parse credentials: %w", err)
	}
	return nil
}

// Token returns the current access token. ok is false when the session has
// no credential.
func (s *Source) Token() (token string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokens.Access, s.tokens.Access != ""
}

// Set stores a new credential pair and persists it.
func (s *Source) Set(t Tokens) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = t
	return s.persistLocked()
}

// Clear drops the credential pair and removes the persisted file. Used on
// forced logout.
func (s *Source) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = Tokens{}
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Expired reports whether the access token's embedded expiry has passed,
// with skew subtracted so a token about to expire counts as expired. The
// claim is decoded without signature verification: the engine is not the
// token's verifier, it only schedules refresh ahead of the server rejecting
// the handshake. A token without a readable expiry is treated as live.
func (s *Source) Expired(skew time.Duration) bool {
	s.mu.Lock()
	access := s.tokens.Access
	s.mu.Unlock()
	if access == "" {
		return false
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(access, claims); err != nil {
		return false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return time.Now().Add(skew).After(exp.Time)
}

// Subject returns the user id carried in the access token's sub claim,
// decoded the same unverified way as Expired. Empty when there is no
// credential or no readable subject.
func (s *Source) Subject() string {
	s.mu.Lock()
	access := s.tokens.Access
	s.mu.Unlock()
	if access == "" {
		return ""
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(access, claims); err != nil {
		return ""
	}
	sub, err := claims.GetSubject()
	if err != nil {
		return ""
	}
	return sub
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// Refresh runs the refresh exchange and persists the new pair. Any failure
// is reported as ErrRefreshFailed; the caller decides whether that means a
// forced logout.
func (s *Source) Refresh(ctx context.Context) error {
	s.mu.Lock()
	refresh := s.tokens.Refresh
	s.mu.Unlock()
	if refresh == "" {
		return fmt.Errorf("no refresh token: %w", ErrRefreshFailed)
	}

	body, err := json.Marshal(refreshRequest{RefreshToken: refresh})
	if err != nil {
		return fmt.Errorf("marshal refresh request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.refreshURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: auth service returned %d", ErrRefreshFailed, resp.StatusCode)
	}

	var next Tokens
	if err := json.NewDecoder(resp.Body).Decode(&next); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrRefreshFailed, err)
	}
	if next.Access == "" {
		return fmt.Errorf("%w: response missing access token", ErrRefreshFailed)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens.Access = next.Access
	if next.Refresh != "" {
		s.tokens.Refresh = next.Refresh
	}
	if err := s.persistLocked(); err != nil {
		s.logger.Warn("persisting refreshed credentials failed", zap.Error(err))
	}
	s.logger.Info("access token refreshed")
	return nil
}

func (s *Source) persistLocked() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return err
	}
	data, err := json.Marshal(s.tokens)
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0600)
}
