// Package conn owns the single duplex event channel to the message server:
// authenticated dial, read pump, bounded reconnect, and the typed event
// fan-out higher layers consume. No component opens a second channel.
package conn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sparkline/courier/internal/auth"
	"github.com/sparkline/courier/internal/bus"
	"github.com/sparkline/courier/internal/wire"
)

// Config tunes the channel.
type Config struct {
	URL                  string
	MaxReconnectAttempts int
	BackoffInitial       time.Duration
	BackoffMax           time.Duration
	HandshakeTimeout     time.Duration
	WriteTimeout         time.Duration
	// TokenSkew treats a token expiring within this window as already
	// expired, so refresh runs before the server rejects the handshake.
	TokenSkew time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.TokenSkew <= 0 {
		c.TokenSkew = 30 * time.Second
	}
}

// Manager maintains exactly one authenticated channel and re-establishes it
// transparently on failure.
type Manager struct {
	cfg    Config
	tokens *auth.Source
	bus    *bus.Bus
	logger *zap.Logger

	mu             sync.Mutex
	ws             *websocket.Conn
	status         Status
	gen            int
	closing        bool
	logoutFired    bool
	reconnectTimer *time.Timer
	bo             backoff.BackOff

	writeMu sync.Mutex
}

// NewManager creates a connection manager. It starts disconnected; call
// Connect after login or app resume.
func NewManager(cfg Config, tokens *auth.Source, b *bus.Bus, logger *zap.Logger) *Manager {
	cfg.applyDefaults()
	return &Manager{
		cfg:    cfg,
		tokens: tokens,
		bus:    b,
		logger: logger,
		status: Status{State: Disconnected},
	}
}

// Status returns the current connection status.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Subscribe registers a handler for an inbound server event. The handler
// receives the frame's raw JSON payload. The returned function
// unsubscribes; calling it more than once is a no-op.
func (m *Manager) Subscribe(event string, fn func(json.RawMessage)) func() {
	return m.bus.Subscribe(ServerEventPrefix+event, func(evt bus.Event) {
		data, ok := evt.Payload.(json.RawMessage)
		if !ok {
			return
		}
		fn(data)
	})
}

// OnStateChange registers a handler for connection state transitions.
func (m *Manager) OnStateChange(fn func(Status)) func() {
	return m.bus.Subscribe(EventStateChanged, func(evt bus.Event) {
		st, ok := evt.Payload.(Status)
		if !ok {
			return
		}
		fn(st)
	})
}

// Connect establishes the channel. It is a no-op when already connected or
// connecting. An absent credential leaves the manager disconnected without
// error: unauthenticated sessions simply stay offline. An expired credential
// is refreshed before the handshake; if that refresh fails the attempt
// aborts and the caller decides whether to retry.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.status.State == Connected || m.status.State == Connecting {
		m.mu.Unlock()
		return nil
	}
	m.closing = false
	// A manual Connect supersedes any pending reconnect attempt.
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	m.bo = nil
	m.mu.Unlock()

	token, ok := m.tokens.Token()
	if !ok {
		m.logger.Info("no credential, staying disconnected")
		m.setStatus(Status{State: Disconnected})
		return nil
	}

	if m.tokens.Expired(m.cfg.TokenSkew) {
		m.logger.Info("access token expired, refreshing before connect")
		if err := m.tokens.Refresh(ctx); err != nil {
			m.setStatus(Status{State: Disconnected, Err: "authentication failed"})
			return fmt.Errorf("refresh before connect: %w", err)
		}
		token, _ = m.tokens.Token()
	}

	m.setStatus(Status{State: Connecting})
	if err := m.dial(ctx, token); err != nil {
		return err
	}
	return nil
}

// Disconnect tears down the channel and synchronously cancels any pending
// reconnect timer. Safe to call in any state.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.closing = true
	m.gen++
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	m.bo = nil
	ws := m.ws
	m.ws = nil
	m.mu.Unlock()

	if ws != nil {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = ws.Close()
	}
	m.setStatus(Status{State: Disconnected})
}

// Send transmits an event on the channel. When not connected the event is
// dropped with a warning: queuing is the outbound machine's job, not the
// channel's. The error return covers encoding and write failures only.
func (m *Manager) Send(event string, payload any) error {
	m.mu.Lock()
	ws := m.ws
	connected := m.status.State == Connected
	m.mu.Unlock()

	if !connected || ws == nil {
		m.logger.Warn("send dropped, channel not connected", zap.String("event", event))
		return nil
	}

	raw, err := wire.Encode(event, payload)
	if err != nil {
		return err
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	_ = ws.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, raw); err != nil {
		return fmt.Errorf("write %s: %w", event, err)
	}
	return nil
}

func (m *Manager) dial(ctx context.Context, token string) error {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	dialer := websocket.Dialer{HandshakeTimeout: m.cfg.HandshakeTimeout}
	ws, resp, err := dialer.DialContext(ctx, m.cfg.URL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			err = fmt.Errorf("handshake rejected: invalid token: %w", err)
		}
		m.logger.Warn("dial failed", zap.Error(err))
		m.scheduleReconnect(err)
		return fmt.Errorf("dial %s: %w", m.cfg.URL, err)
	}

	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		_ = ws.Close()
		return nil
	}
	m.ws = ws
	m.gen++
	gen := m.gen
	m.bo = nil
	m.logoutFired = false
	m.mu.Unlock()

	m.setStatus(Status{State: Connected})
	m.logger.Info("channel connected", zap.String("url", m.cfg.URL))

	go m.readPump(ws, gen)
	return nil
}

// readPump decodes inbound frames and publishes them on the bus. Malformed
// frames are logged and dropped, never allowed to kill the pump.
func (m *Manager) readPump(ws *websocket.Conn, gen int) {
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			m.handleDrop(gen, err)
			return
		}

		frame, err := wire.DecodeFrame(raw)
		if err != nil {
			m.logger.Warn("dropping malformed frame", zap.Error(err))
			continue
		}
		m.bus.Publish(bus.Event{
			Name:      ServerEventPrefix + frame.Event,
			Timestamp: time.Now(),
			Payload:   frame.Data,
		})
	}
}

func (m *Manager) handleDrop(gen int, cause error) {
	m.mu.Lock()
	if gen != m.gen || m.closing {
		// A newer connection owns the channel, or Disconnect already ran.
		m.mu.Unlock()
		return
	}
	if m.ws != nil {
		_ = m.ws.Close()
		m.ws = nil
	}
	m.mu.Unlock()

	m.logger.Warn("channel dropped", zap.Error(cause))

	if isAuthError(cause) {
		if err := m.tokens.Refresh(context.Background()); err != nil {
			m.fireLogout(err)
			m.setStatus(Status{State: Disconnected, Err: "authentication failed"})
			return
		}
		// Token refreshed; fall through to the normal reconnect path.
	}
	m.scheduleReconnect(cause)
}

func (m *Manager) scheduleReconnect(cause error) {
	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		return
	}
	if m.bo == nil {
		m.bo = newBackoff(m.cfg)
		m.status.Attempt = 0
	}
	attempt := m.status.Attempt + 1
	if attempt > m.cfg.MaxReconnectAttempts {
		m.bo = nil
		st := Status{State: Disconnected, Err: "reconnection failed", Attempt: attempt - 1}
		m.statusLocked(st)
		m.mu.Unlock()
		m.logger.Error("reconnection attempts exhausted", zap.Int("attempts", attempt-1))
		m.publishStatus(st)
		return
	}

	delay := m.bo.NextBackOff()
	st := Status{State: Reconnecting, Err: errString(cause), Attempt: attempt}
	m.statusLocked(st)
	m.reconnectTimer = time.AfterFunc(delay, m.tryReconnect)
	m.mu.Unlock()

	m.logger.Info("reconnect scheduled",
		zap.Int("attempt", attempt),
		zap.Duration("delay", delay))
	m.publishStatus(st)
}

func (m *Manager) tryReconnect() {
	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		return
	}
	m.reconnectTimer = nil
	m.mu.Unlock()

	token, ok := m.tokens.Token()
	if !ok {
		m.setStatus(Status{State: Disconnected})
		return
	}

	if m.tokens.Expired(m.cfg.TokenSkew) {
		if err := m.tokens.Refresh(context.Background()); err != nil {
			m.fireLogout(err)
			m.setStatus(Status{State: Disconnected, Err: "authentication failed"})
			return
		}
		token, _ = m.tokens.Token()
	}

	_ = m.dial(context.Background(), token)
}

// fireLogout emits the forced-logout notification at most once per session.
// Repeated refresh failures must not double-fire it.
func (m *Manager) fireLogout(cause error) {
	m.mu.Lock()
	if m.logoutFired {
		m.mu.Unlock()
		return
	}
	m.logoutFired = true
	m.mu.Unlock()

	m.logger.Error("token refresh failed, forcing logout", zap.Error(cause))
	m.bus.Publish(bus.Event{
		Name:      EventLogoutRequired,
		Timestamp: time.Now(),
		Payload:   errString(cause),
	})
}

func (m *Manager) setStatus(st Status) {
	m.mu.Lock()
	m.statusLocked(st)
	m.mu.Unlock()
	m.publishStatus(st)
}

func (m *Manager) statusLocked(st Status) {
	m.status = st
}

// publishStatus broadcasts a state change synchronously to all subscribers.
// Called outside m.mu so handlers may call back into the manager.
func (m *Manager) publishStatus(st Status) {
	m.bus.Publish(bus.Event{
		Name:      EventStateChanged,
		Timestamp: time.Now(),
		Payload:   st,
	})
}

func newBackoff(cfg Config) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.BackoffInitial
	bo.MaxInterval = cfg.BackoffMax
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

// isAuthError reports whether a connection error carries an expiry or
// invalid-token signature. These trigger the refresh-and-reconnect path
// rather than an immediate forced logout.
func isAuthError(err error) bool {
	if err == nil {
		return false
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) && closeErr.Code == websocket.ClosePolicyViolation {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, sig := range []string{"token expired", "invalid token", "unauthorized", "401"} {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
