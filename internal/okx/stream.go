package okx

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/gorilla/websocket"
)

// Heartbeat and shutdown intervals for the candle stream.
const (
	pingInterval = 20 * time.Second
	pongWait     = 10 * time.Second
	closeWait    = 10 * time.Second

	// readWait bounds a single ReadMessage. The venue pushes at least
	// a heartbeat reply inside each ping interval, so a read that
	// exceeds ping+pong is a dead connection.
	readWait = pingInterval + pongWait
)

// Stream is one live websocket connection to the candle feed.
// It is not safe for concurrent use beyond one reader plus the
// internal ping loop; the collector worker owns it exclusively.
type Stream struct {
	conn   *websocket.Conn
	cancel context.CancelFunc
	done   chan struct{}
}

// Dialer opens a Stream. The collector takes one of these so tests can
// substitute a scripted feed.
type Dialer func(ctx context.Context, url string) (*Stream, error)

// Dial connects to the websocket endpoint and starts the ping loop.
func Dial(ctx context.Context, url string) (*Stream, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	pingCtx, cancel := context.WithCancel(context.Background())
	s := &Stream{conn: conn, cancel: cancel, done: make(chan struct{})}

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readWait))
	})

	go s.pingLoop(pingCtx)
	return s, nil
}

func (s *Stream) pingLoop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deadline := time.Now().Add(pongWait)
			if err := s.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				log.Printf("[okx] ping failed: %v", err)
				return
			}
		}
	}
}

// Subscribe sends one subscribe request for the given channels.
func (s *Stream) Subscribe(args []SubscribeArg) error {
	req := wsRequest{Op: "subscribe", Args: args}
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode subscribe: %w", err)
	}
	s.conn.SetWriteDeadline(time.Now().Add(pongWait))
	if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("send subscribe: %w", err)
	}
	return nil
}

// Unsubscribe sends one unsubscribe request for the given channels.
func (s *Stream) Unsubscribe(args []SubscribeArg) error {
	req := wsRequest{Op: "unsubscribe", Args: args}
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode unsubscribe: %w", err)
	}
	s.conn.SetWriteDeadline(time.Now().Add(pongWait))
	if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("send unsubscribe: %w", err)
	}
	return nil
}

// Read returns the next text frame. A read past the heartbeat window
// fails, which the caller treats as a connection loss.
func (s *Stream) Read() ([]byte, error) {
	if err := s.conn.SetReadDeadline(time.Now().Add(readWait)); err != nil {
		return nil, err
	}
	_, payload, err := s.conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("read frame: %w", err)
	}
	return payload, nil
}

// Close sends a close frame, waits briefly for the ping loop to stop,
// and tears down the connection.
func (s *Stream) Close() error {
	s.cancel()

	deadline := time.Now().Add(closeWait)
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := s.conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
		log.Printf("[okx] close frame failed: %v", err)
	}

	select {
	case <-s.done:
	case <-time.After(closeWait):
	}
	return s.conn.Close()
}
