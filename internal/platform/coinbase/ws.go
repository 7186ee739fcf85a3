package coinbase

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/depthbook/internal/domain"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next message or pong from the peer.
	pongWait = 60 * time.Second

	// pingPeriod sends pings to the peer at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	handshakeTimeout = 15 * time.Second
)

// Session is one WebSocket connection to the feed. Reads must come from a
// single goroutine; writes may come from any goroutine.
type Session struct {
	conn     *websocket.Conn
	channels []string

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// Dial connects to wsURL. channels is the channel set sent with every
// subscribe and unsubscribe command; DefaultChannels is used when empty.
func Dial(ctx context.Context, wsURL string, channels []string) (*Session, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
	}

	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("coinbase/ws: connect: %w", err)
	}
	if len(channels) == 0 {
		channels = DefaultChannels
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	return &Session{conn: conn, channels: channels}, nil
}

// Subscribe requests the configured channels for productIDs.
func (s *Session) Subscribe(productIDs ...string) error {
	if err := s.send(Command{Type: "subscribe", ProductIDs: productIDs, Channels: s.channels}); err != nil {
		return fmt.Errorf("coinbase/ws: subscribe %v: %w", productIDs, err)
	}
	return nil
}

// Unsubscribe drops the configured channels for productIDs.
func (s *Session) Unsubscribe(productIDs ...string) error {
	if err := s.send(Command{Type: "unsubscribe", ProductIDs: productIDs, Channels: s.channels}); err != nil {
		return fmt.Errorf("coinbase/ws: unsubscribe %v: %w", productIDs, err)
	}
	return nil
}

// ReadFrame blocks until the next text frame arrives. Any error means the
// session is finished and should be closed.
func (s *Session) ReadFrame() ([]byte, error) {
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("coinbase/ws: read: %w: %v", domain.ErrWSDisconnect, err)
	}
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	return data, nil
}

// KeepAlive pings the peer every pingPeriod until ctx is done or a ping
// fails.
func (s *Session) KeepAlive(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.ping(); err != nil {
				return
			}
		}
	}
}

// Close sends a close frame and releases the connection. It is safe to call
// more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.writeMu.Lock()
		s.conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = s.conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		s.writeMu.Unlock()
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}

func (s *Session) ping() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.PingMessage, nil)
}

func (s *Session) send(cmd Command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}
