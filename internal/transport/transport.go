// Package transport owns the physical websocket connection. It knows nothing
// about conversations: it dials, sends and receives raw text frames, and
// reports lifecycle events. Retry and buffering live a layer up.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// writeWait is the maximum time allowed for a single frame write before the
// connection is considered broken.
const writeWait = 10 * time.Second

// Events receives connection lifecycle callbacks. Any field may be nil.
// OnClose fires exactly once per socket, whether the peer closed, a read
// failed, or Close was called locally.
type Events struct {
	OnFrame func(data []byte)
	OnError func(err error)
	OnClose func(code int, reason string)
}

// Socket is a single live connection produced by a Dialer.
type Socket interface {
	// Send writes one text frame.
	Send(data []byte) error

	// Close closes the connection with the given status code and reason.
	Close(code int, reason string) error
}

// Dialer opens sockets. Each Dial establishes exactly one new connection.
type Dialer interface {
	Dial(ctx context.Context, address string, ev Events) (Socket, error)
}

// WebSocketDialer dials websocket URLs using gorilla/websocket.
type WebSocketDialer struct {
	// HandshakeTimeout bounds the opening handshake. Zero means the
	// gorilla default.
	HandshakeTimeout time.Duration
}

// Dial opens a websocket connection and starts delivering inbound frames to
// ev until the connection closes.
func (d *WebSocketDialer) Dial(ctx context.Context, address string, ev Events) (Socket, error) {
	dialer := websocket.Dialer{HandshakeTimeout: d.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, address, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", address, err)
	}

	s := &webSocket{conn: conn, ev: ev}
	go s.readLoop()
	return s, nil
}

// webSocket adapts *websocket.Conn to Socket.
type webSocket struct {
	conn *websocket.Conn
	ev   Events

	// writeMu serializes writes; gorilla allows at most one concurrent writer.
	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (s *webSocket) Send(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

func (s *webSocket) Close(code int, reason string) error {
	s.writeMu.Lock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = s.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason))
	s.writeMu.Unlock()

	err := s.conn.Close()
	s.notifyClose(code, reason)
	return err
}

// readLoop delivers inbound frames until the connection dies, then reports
// the error (if abnormal) and the close.
func (s *webSocket) readLoop() {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			code, reason := closeInfo(err)
			if !isNormalClose(err) && s.ev.OnError != nil {
				s.ev.OnError(err)
			}
			s.notifyClose(code, reason)
			return
		}
		if s.ev.OnFrame != nil {
			s.ev.OnFrame(data)
		}
	}
}

func (s *webSocket) notifyClose(code int, reason string) {
	s.closeOnce.Do(func() {
		if s.ev.OnClose != nil {
			s.ev.OnClose(code, reason)
		}
	})
}

func closeInfo(err error) (int, string) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text
	}
	return websocket.CloseAbnormalClosure, err.Error()
}

func isNormalClose(err error) bool {
	return websocket.IsCloseError(err,
		websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
