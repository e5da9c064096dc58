package transport

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/clock"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/wire"
)

// Credentials is the persisted key/value store holding the session's tokens.
type Credentials interface {
	GetCredential(ctx context.Context, key string) (string, error)
	SetCredential(ctx context.Context, key, value string) error
	RemoveCredentials(ctx context.Context, keys ...string) error
}

// Config tunes the session's timing.
type Config struct {
	HandshakeTimeout time.Duration
	AckTimeout       time.Duration
	BaseDelay        time.Duration
	MaxDelay         time.Duration
	MaxAttempts      int
	LivenessInterval time.Duration
	// Device is a fingerprint of this client sent with every dial.
	Device string
}

// DefaultConfig returns the production timings.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: 10 * time.Second,
		AckTimeout:       10 * time.Second,
		BaseDelay:        time.Second,
		MaxDelay:         10 * time.Second,
		MaxAttempts:      5,
		LivenessInterval: 30 * time.Second,
	}
}

// Backoff returns the delay before reconnect attempt n (0-based):
// base·2^n capped at limit.
func Backoff(n int, base, limit time.Duration) time.Duration {
	d := base
	for i := 0; i < n; i++ {
		d *= 2
		if d >= limit {
			return limit
		}
	}
	return min(d, limit)
}

// Snapshot is a point-in-time view of the session.
type Snapshot struct {
	State         status.State
	Connected     bool
	Authenticated bool
	Attempt       int
	Exhausted     bool
	Rooms         int
}

// Session owns the single live connection of the daemon. It is safe for
// concurrent use; handlers registered with On run one at a time, in the
// order frames arrive.
type Session struct {
	cfg     Config
	dialer  Dialer
	creds   Credentials
	machine *status.Machine
	bus     *bus.Bus
	clock   clock.Clock
	logger  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// connectMu serializes dial + handshake sequences.
	connectMu sync.Mutex

	mu           sync.Mutex
	conn         Conn
	established  bool
	authWaiter   chan wire.AuthResult
	handlers     map[string][]*Subscription
	rooms        map[string]string
	attempt      int
	exhausted    bool
	reconnecting bool
	retryTimer   clock.Timer
	liveTimer    clock.Timer
	foreground   bool
	closed       bool
}

// NewSession creates a disconnected session.
func NewSession(cfg Config, dialer Dialer, creds Credentials, machine *status.Machine, b *bus.Bus, clk clock.Clock, logger *zap.Logger) *Session {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if machine == nil {
		machine = status.NewMachine(b)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		cfg:      cfg,
		dialer:   dialer,
		creds:    creds,
		machine:  machine,
		bus:      b,
		clock:    clk,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		handlers: make(map[string][]*Subscription),
		rooms:    make(map[string]string),
	}
}

// Connect dials with the stored access token and completes the authenticate
// handshake. A rejected token falls through to re-authentication; missing
// credentials log the session out. Other failures schedule a reconnect.
func (s *Session) Connect(ctx context.Context) error {
	s.connectMu.Lock()
	defer s.connectMu.Unlock()

	if s.Connected() {
		return nil
	}
	token, err := s.creds.GetCredential(ctx, store.KeyAccessToken)
	if err != nil {
		return &Error{Op: "read credentials", Err: err}
	}
	deviceID, err := s.creds.GetCredential(ctx, store.KeyDeviceID)
	if err != nil {
		return &Error{Op: "read credentials", Err: err}
	}
	if token == "" {
		s.Logout(ctx, "missing access token")
		return &AuthError{Reason: "missing access token"}
	}

	err = s.handshake(ctx, Handshake{Token: token, DeviceID: deviceID, Device: s.cfg.Device})
	var authErr *AuthError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &authErr):
		s.logger.Info("access token rejected, re-authenticating", zap.String("reason", authErr.Reason))
		return s.reauthenticateLocked(ctx)
	default:
		s.logger.Warn("connect failed", zap.Error(err))
		s.scheduleReconnect()
		return err
	}
}

// reauthenticateLocked redials with the refresh credential. connectMu must be
// held. It does nothing when another caller already reconnected.
func (s *Session) reauthenticateLocked(ctx context.Context) error {
	if s.Connected() {
		return nil
	}
	refresh, err := s.creds.GetCredential(ctx, store.KeyRefreshToken)
	if err != nil {
		return &Error{Op: "read credentials", Err: err}
	}
	deviceID, err := s.creds.GetCredential(ctx, store.KeyDeviceID)
	if err != nil {
		return &Error{Op: "read credentials", Err: err}
	}
	if refresh == "" || deviceID == "" {
		s.Logout(ctx, "missing refresh credential")
		return &AuthError{Reason: "missing refresh credential"}
	}

	err = s.handshake(ctx, Handshake{Token: refresh, DeviceID: deviceID, Device: s.cfg.Device, Refresh: true})
	var authErr *AuthError
	switch {
	case err == nil:
		s.logger.Info("re-authenticated")
		return nil
	case errors.As(err, &authErr):
		s.Logout(ctx, "re-authentication rejected")
		return err
	default:
		s.logger.Warn("re-authentication failed", zap.Error(err))
		s.scheduleReconnect()
		return err
	}
}

func (s *Session) handshake(ctx context.Context, h Handshake) error {
	s.setState(status.Connecting)
	conn, err := s.dialer.Dial(ctx, h)
	if err != nil {
		s.setState(status.Disconnected)
		var authErr *AuthError
		if errors.As(err, &authErr) {
			return err
		}
		return &Error{Op: "dial", Err: err}
	}

	waiter := make(chan wire.AuthResult, 1)
	done := make(chan struct{})
	s.mu.Lock()
	prev := s.conn
	s.conn = conn
	s.established = false
	s.authWaiter = waiter
	s.mu.Unlock()
	if prev != nil {
		_ = prev.Close()
	}
	s.setState(status.Connected)
	go s.pump(conn, done)

	if h.Refresh {
		err = conn.Emit(ctx, EventReauthenticate, map[string]string{
			"refreshTokenHash": h.Token,
			"deviceId":         h.DeviceID,
		})
	} else {
		err = conn.Emit(ctx, EventAuthenticate, map[string]string{"token": h.Token, "deviceId": h.DeviceID})
		if err == nil {
			err = conn.Emit(ctx, EventTokenValidate, map[string]string{"token": h.Token})
		}
	}
	if err != nil {
		s.abandon(conn)
		return &Error{Op: "handshake", Err: err}
	}

	timeout := make(chan struct{})
	t := s.clock.AfterFunc(s.cfg.HandshakeTimeout, func() { close(timeout) })
	defer t.Stop()

	var res wire.AuthResult
	select {
	case res = <-waiter:
	case <-done:
		s.abandon(conn)
		return &Error{Op: "handshake", Err: ErrClosed}
	case <-timeout:
		s.abandon(conn)
		return &Error{Op: "handshake", Err: ErrHandshakeTimeout}
	case <-ctx.Done():
		s.abandon(conn)
		return &Error{Op: "handshake", Err: ctx.Err()}
	}
	if !res.OK {
		s.abandon(conn)
		return &AuthError{Reason: res.Message}
	}

	if h.Refresh {
		s.persistRotated(ctx, res)
	}
	if res.SessionID != "" {
		if err := s.creds.SetCredential(ctx, store.KeySessionID, res.SessionID); err != nil {
			s.logger.Warn("failed to store session id", zap.Error(err))
		}
	}

	s.mu.Lock()
	s.established = true
	s.authWaiter = nil
	s.attempt = 0
	s.exhausted = false
	rooms := make(map[string]string, len(s.rooms))
	for chatID, userID := range s.rooms {
		rooms[chatID] = userID
	}
	s.mu.Unlock()

	s.setState(status.Authenticated)
	s.logger.Info("session authenticated", zap.Int("rooms", len(rooms)))
	for chatID, userID := range rooms {
		if err := s.joinRoom(ctx, chatID, userID); err != nil {
			s.logger.Warn("rejoin failed", zap.String("conversation_id", chatID), zap.Error(err))
		}
	}
	return nil
}

func (s *Session) persistRotated(ctx context.Context, res wire.AuthResult) {
	if res.AccessToken != "" {
		if err := s.creds.SetCredential(ctx, store.KeyAccessToken, res.AccessToken); err != nil {
			s.logger.Error("failed to store rotated access token", zap.Error(err))
		}
	}
	if res.RefreshTokenHash != "" {
		if err := s.creds.SetCredential(ctx, store.KeyRefreshToken, res.RefreshTokenHash); err != nil {
			s.logger.Error("failed to store rotated refresh token", zap.Error(err))
		}
	}
}

// abandon drops a connection that never completed its handshake.
func (s *Session) abandon(conn Conn) {
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
		s.authWaiter = nil
	}
	s.mu.Unlock()
	_ = conn.Close()
	s.setState(status.Disconnected)
}

func (s *Session) pump(conn Conn, done chan struct{}) {
	defer close(done)
	reason := ""
	for f := range conn.Frames() {
		switch f.Event {
		case EventAuthenticated, EventReauthenticated:
			res, err := wire.ParseAuthResult(f.Data)
			if err != nil {
				res = wire.AuthResult{Message: err.Error()}
			}
			s.mu.Lock()
			w := s.authWaiter
			s.mu.Unlock()
			if w != nil {
				select {
				case w <- res:
				default:
				}
			}
		case EventDisconnect:
			reason = wire.DisconnectReason(f.Data)
		case EventLogout:
			s.Logout(s.ctx, "logged out by server")
		}
		s.dispatch(f)
	}
	s.handleDrop(conn, reason)
}

func (s *Session) handleDrop(conn Conn, reason string) {
	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	wasEstablished := s.established
	s.established = false
	closed := s.closed
	s.mu.Unlock()

	if !wasEstablished || closed {
		return
	}
	s.logger.Warn("connection lost", zap.String("reason", reason))
	s.setState(status.Disconnected)

	if reason == ReasonServerDisconnect {
		s.connectMu.Lock()
		defer s.connectMu.Unlock()
		if err := s.reauthenticateLocked(s.ctx); err != nil {
			s.logger.Warn("re-authentication after server disconnect failed", zap.Error(err))
		}
		return
	}
	s.scheduleReconnect()
}

// scheduleReconnect arms the next backoff attempt, or publishes the
// exhausted notice once the attempt budget is spent.
func (s *Session) scheduleReconnect() {
	s.mu.Lock()
	if s.closed || s.reconnecting || s.exhausted || s.machine.Current() == status.LoggedOut {
		s.mu.Unlock()
		return
	}
	if s.attempt >= s.cfg.MaxAttempts {
		s.exhausted = true
		attempts := s.attempt
		s.mu.Unlock()
		s.logger.Warn("reconnect attempts exhausted", zap.Int("attempts", attempts))
		s.bus.Emit(bus.KindReconnectFailed, bus.Reconnecting{Attempt: attempts})
		s.bus.Emit(bus.KindNotice, bus.Notice{Level: "error", Text: "Connection lost. Tap retry to reconnect."})
		return
	}
	delay := Backoff(s.attempt, s.cfg.BaseDelay, s.cfg.MaxDelay)
	s.attempt++
	attempt := s.attempt
	s.reconnecting = true
	s.retryTimer = s.clock.AfterFunc(delay, s.reconnectNow)
	s.mu.Unlock()

	s.logger.Info("reconnect scheduled", zap.Int("attempt", attempt), zap.Duration("delay", delay))
	s.bus.Emit(bus.KindReconnecting, bus.Reconnecting{Attempt: attempt, Delay: delay})
}

func (s *Session) reconnectNow() {
	s.mu.Lock()
	s.reconnecting = false
	s.retryTimer = nil
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}
	if err := s.Connect(s.ctx); err != nil {
		s.logger.Debug("reconnect attempt failed", zap.Error(err))
	}
}

// Retry is the manual reconnect affordance: it resets the attempt budget and
// connects immediately.
func (s *Session) Retry(ctx context.Context) error {
	s.mu.Lock()
	s.attempt = 0
	s.exhausted = false
	s.reconnecting = false
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
	s.mu.Unlock()
	return s.Connect(ctx)
}

// SetForeground starts or stops the liveness poll. While foregrounded the
// session checks every LivenessInterval and reconnects a dead connection.
func (s *Session) SetForeground(fg bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.foreground = fg
	if s.liveTimer != nil {
		s.liveTimer.Stop()
		s.liveTimer = nil
	}
	if fg && !s.closed {
		s.liveTimer = s.clock.AfterFunc(s.cfg.LivenessInterval, s.checkLiveness)
	}
}

func (s *Session) checkLiveness() {
	s.mu.Lock()
	if !s.foreground || s.closed {
		s.mu.Unlock()
		return
	}
	need := s.conn == nil && !s.reconnecting && !s.exhausted && s.machine.Current() != status.LoggedOut
	s.liveTimer = s.clock.AfterFunc(s.cfg.LivenessInterval, s.checkLiveness)
	s.mu.Unlock()

	if need {
		s.logger.Info("liveness check found no connection, reconnecting")
		s.reconnectNow()
	}
}

// Logout is the single exit for credential failures: it removes the stored
// credentials, drops the connection and publishes session.logged_out.
func (s *Session) Logout(ctx context.Context, reason string) {
	s.mu.Lock()
	if s.machine.Current() == status.LoggedOut {
		s.mu.Unlock()
		return
	}
	conn := s.conn
	s.conn = nil
	s.established = false
	s.authWaiter = nil
	s.rooms = make(map[string]string)
	s.attempt = 0
	s.exhausted = false
	s.reconnecting = false
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	err := s.creds.RemoveCredentials(ctx,
		store.KeyAccessToken, store.KeyRefreshToken, store.KeyUserInfo, store.KeySessionID)
	if err != nil {
		s.logger.Error("failed to clear credentials", zap.Error(err))
	}
	s.setState(status.LoggedOut)
	s.logger.Warn("session logged out", zap.String("reason", reason))
	s.bus.Emit(bus.KindLoggedOut, bus.LoggedOut{Reason: reason})
}

// Close shuts the session down for good.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	s.conn = nil
	s.established = false
	for _, t := range []clock.Timer{s.retryTimer, s.liveTimer} {
		if t != nil {
			t.Stop()
		}
	}
	s.retryTimer, s.liveTimer = nil, nil
	s.mu.Unlock()

	s.cancel()
	if conn != nil {
		_ = conn.Close()
	}
	if s.machine.Current() != status.LoggedOut {
		s.setState(status.Disconnected)
	}
	return nil
}

// Connected reports whether an authenticated connection is up.
func (s *Session) Connected() bool {
	return s.readyConn() != nil
}

// Snapshot returns the current session view.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		State:         s.machine.Current(),
		Connected:     s.conn != nil,
		Authenticated: s.established,
		Attempt:       s.attempt,
		Exhausted:     s.exhausted,
		Rooms:         len(s.rooms),
	}
}

func (s *Session) readyConn() Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.established || s.conn == nil {
		return nil
	}
	return s.conn
}

// Emit sends a fire-and-forget event. It fails fast with ErrNotConnected when
// no authenticated connection is up.
func (s *Session) Emit(ctx context.Context, event string, data any) error {
	conn := s.readyConn()
	if conn == nil {
		return ErrNotConnected
	}
	if err := conn.Emit(ctx, event, data); err != nil {
		return &Error{Op: "emit " + event, Err: err}
	}
	return nil
}

// Request sends an event and waits up to AckTimeout for its acknowledgement.
func (s *Session) Request(ctx context.Context, event string, data any) (json.RawMessage, error) {
	conn := s.readyConn()
	if conn == nil {
		return nil, ErrNotConnected
	}
	if s.cfg.AckTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.AckTimeout)
		defer cancel()
	}
	resp, err := conn.Request(ctx, event, data)
	if err != nil {
		return nil, &Error{Op: "request " + event, Err: err}
	}
	return resp, nil
}

// Join enters a conversation room. Rooms are remembered and replayed after
// every successful (re)authentication, so joining while offline is allowed.
func (s *Session) Join(ctx context.Context, chatID, userID string) error {
	s.mu.Lock()
	s.rooms[chatID] = userID
	s.mu.Unlock()
	if !s.Connected() {
		return nil
	}
	return s.joinRoom(ctx, chatID, userID)
}

func (s *Session) joinRoom(ctx context.Context, chatID, userID string) error {
	if err := s.Emit(ctx, EventUserJoin, map[string]string{"userId": userID}); err != nil {
		return err
	}
	if err := s.Emit(ctx, EventChatJoin, map[string]string{"chatId": chatID, "userId": userID}); err != nil {
		return err
	}
	if err := s.Emit(ctx, EventUserStatus, map[string]string{"userId": userID, "status": "online"}); err != nil {
		return err
	}
	if s.machine.Current() == status.Authenticated {
		s.setState(status.Joined)
	}
	return nil
}

// Leave forgets a room and announces the user offline in it.
func (s *Session) Leave(ctx context.Context, chatID string) error {
	s.mu.Lock()
	userID, ok := s.rooms[chatID]
	delete(s.rooms, chatID)
	remaining := len(s.rooms)
	s.mu.Unlock()
	if !ok || !s.Connected() {
		return nil
	}
	err := s.Emit(ctx, EventUserStatus, map[string]string{"userId": userID, "status": "offline"})
	if remaining == 0 && s.machine.Current() == status.Joined {
		s.setState(status.Authenticated)
	}
	return err
}

func (s *Session) setState(to status.State) {
	if s.machine.Current() == to {
		return
	}
	if err := s.machine.Transition(to); err != nil {
		s.logger.Debug("state transition skipped", zap.Error(err))
	}
}
