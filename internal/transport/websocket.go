package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 3 * time.Second

	// websocket max message size to read.
	readLimit = 1 << 20
)

// envelope is the JSON framing used on the socket. Events carry a name and
// data; a request also carries an id which the server echoes back as ack.
type envelope struct {
	Event string          `json:"event,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	ID    int64           `json:"id,omitempty"`
	Ack   int64           `json:"ack,omitempty"`
}

// WSDialer dials the chat server over WebSocket.
type WSDialer struct {
	URL    string
	Dialer *websocket.Dialer
	Logger *zap.Logger
}

// Dial connects with the credential attached as a bearer header. An HTTP
// 401 or 403 on upgrade is reported as *AuthError.
func (d *WSDialer) Dial(ctx context.Context, h Handshake) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+h.Token)
	if h.DeviceID != "" {
		header.Set("X-Device-Id", h.DeviceID)
	}
	if h.Device != "" {
		header.Set("X-Device-Info", h.Device)
	}

	ws, resp, err := dialer.DialContext(ctx, d.URL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, &AuthError{Reason: resp.Status}
		}
		return nil, fmt.Errorf("dial %s: %w", d.URL, err)
	}
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &wsConn{
		ws:      ws,
		frames:  make(chan Frame, 64),
		closing: make(chan struct{}),
		pending: make(map[int64]chan json.RawMessage),
		logger:  logger,
	}
	go c.recvLoop()
	return c, nil
}

type wsConn struct {
	ws     *websocket.Conn
	logger *zap.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[int64]chan json.RawMessage
	nextID  int64

	frames    chan Frame
	closing   chan struct{}
	closeOnce sync.Once
}

func (c *wsConn) Frames() <-chan Frame { return c.frames }

func (c *wsConn) Emit(_ context.Context, event string, data any) error {
	return c.write(envelope{Event: event}, data)
}

func (c *wsConn) Request(ctx context.Context, event string, data any) (json.RawMessage, error) {
	ch := make(chan json.RawMessage, 1)
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.write(envelope{Event: event, ID: id}, data); err != nil {
		return nil, err
	}
	select {
	case resp := <-ch:
		return resp, nil
	case <-c.closing:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *wsConn) write(env envelope, data any) error {
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("encode %s: %w", env.Event, err)
		}
		env.Data = raw
	}
	out, err := json.Marshal(env)
	if err != nil {
		return err
	}

	select {
	case <-c.closing:
		return ErrClosed
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, out)
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closing)
		c.writeMu.Lock()
		_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
		_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}

func (c *wsConn) recvLoop() {
	defer close(c.frames)
	c.ws.SetReadLimit(readLimit)

	for {
		msgType, msg, err := c.ws.ReadMessage()
		if err != nil {
			c.finish(err)
			return
		}
		if msgType != websocket.TextMessage {
			c.logger.Debug("ignoring non-text frame", zap.Int("type", msgType))
			continue
		}

		var env envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			c.logger.Warn("malformed frame", zap.Error(err))
			continue
		}
		if env.Ack != 0 {
			c.mu.Lock()
			ch, ok := c.pending[env.Ack]
			c.mu.Unlock()
			if ok {
				select {
				case ch <- env.Data:
				default:
				}
			}
			continue
		}
		if env.Event == "" {
			continue
		}
		select {
		case c.frames <- Frame{Event: env.Event, Data: env.Data}:
		case <-c.closing:
			return
		}
	}
}

// finish reports why the read side ended. A close frame received from the
// server is a server-initiated disconnect; anything else, including the 1006
// gorilla reports for a dropped TCP connection, is a transport failure. A
// close we started ourselves is not reported.
func (c *wsConn) finish(err error) {
	select {
	case <-c.closing:
		return
	default:
	}
	reason := ReasonTransportClose
	if serverClosed(err) {
		reason = ReasonServerDisconnect
	}
	c.logger.Info("connection ended", zap.String("reason", reason), zap.Error(err))
	data, _ := json.Marshal(reason)
	select {
	case c.frames <- Frame{Event: EventDisconnect, Data: data}:
	default:
	}
	c.closeOnce.Do(func() {
		close(c.closing)
		_ = c.ws.Close()
	})
}

// serverClosed reports whether err carries a close frame the server sent.
func serverClosed(err error) bool {
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		return false
	}
	switch ce.Code {
	case websocket.CloseNormalClosure, websocket.CloseGoingAway,
		websocket.ClosePolicyViolation, websocket.CloseServiceRestart:
		return true
	}
	return false
}
