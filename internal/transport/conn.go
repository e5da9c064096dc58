// Package transport maintains the authenticated live connection to the chat
// server: dialing, the authenticate handshake, re-authentication with the
// refresh credential, reconnect backoff and event subscriptions.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Wire event names.
const (
	EventAuthenticate    = "authenticate"
	EventAuthenticated   = "authenticated"
	EventReauthenticate  = "reauthenticate"
	EventReauthenticated = "reauthenticated"
	EventTokenValidate   = "token:validate"
	EventDisconnect      = "disconnect"
	EventLogout          = "logout"

	EventChatJoin   = "chat:join"
	EventUserJoin   = "user:join"
	EventUserStatus = "user:status"

	EventMessageSend     = "message:send"
	EventMessageNew      = "message:new"
	EventMessageReceived = "message:received"
	EventMessageAck      = "message:sent:ack"
	EventDelivered       = "message:delivered"
	EventRead            = "message:read"
	EventDeleteMe        = "message:delete:me"
	EventDeleteEveryone  = "message:delete:everyone"

	EventTypingStart     = "typing:start"
	EventTypingStop      = "typing:stop"
	EventRecording       = "typing:recording"
	EventRecordingUpdate = "typing:recording:update"

	EventPresenceUpdate = "presence:update"
	EventPresenceManual = "presence:manual"
	EventUserOnline     = "user:online"
	EventUserOffline    = "user:offline"
)

// ReasonServerDisconnect is the disconnect reason for a server-initiated
// close. It means the server no longer accepts the session's credentials.
const ReasonServerDisconnect = "io server disconnect"

// ReasonTransportClose is the disconnect reason for a lost connection.
const ReasonTransportClose = "transport close"

// Frame is one inbound event.
type Frame struct {
	Event string
	Data  json.RawMessage
}

// Conn is a single live connection. Frames is closed when the connection
// ends; a final "disconnect" frame carries the reason when one is known.
type Conn interface {
	Emit(ctx context.Context, event string, data any) error
	Request(ctx context.Context, event string, data any) (json.RawMessage, error)
	Frames() <-chan Frame
	Close() error
}

// Handshake carries what is attached to a dial.
type Handshake struct {
	Token    string
	DeviceID string
	Device   string
	Refresh  bool
}

// Dialer opens connections.
type Dialer interface {
	Dial(ctx context.Context, h Handshake) (Conn, error)
}

var (
	// ErrNotConnected is returned when emitting without an authenticated connection.
	ErrNotConnected = errors.New("transport: not connected")
	// ErrClosed is returned by calls on a connection that has ended.
	ErrClosed = errors.New("transport: connection closed")
	// ErrHandshakeTimeout is returned when the server does not answer authenticate in time.
	ErrHandshakeTimeout = errors.New("transport: handshake timed out")
)

// Error is a connect, handshake or emit failure.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// AuthError means the server rejected the presented credential.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	if e.Reason == "" {
		return "transport: credential rejected"
	}
	return "transport: credential rejected: " + e.Reason
}
