package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/xSeung/MultiThread-FileTransferr/internal/logging"
	"github.com/xSeung/MultiThread-FileTransferr/pkg/protocol"
)

// ErrClosed is returned by Send after the connection is closed.
var ErrClosed = errors.New("wsclient: connection closed")

// Conn represents a WebSocket connection to the server.
type Conn struct {
	conn     *websocket.Conn
	logger   *slog.Logger
	sendChan chan protocol.Envelope
	done     chan struct{}
	writeMu  sync.Mutex

	closeOnce sync.Once
	closeErr  error
	sendMu    sync.RWMutex // guards closed against Send
	closed    bool
}

var dialer = websocket.Dialer{
	HandshakeTimeout: 5 * time.Second,
}

// URL builds the /ws address of a rendezvous server for one peer.
// serverURL may use http(s):// or ws(s):// or omit the scheme.
func URL(serverURL, joinCode, peerID, role string) (string, error) {
	raw := strings.TrimRight(serverURL, "/")
	switch {
	case strings.HasPrefix(raw, "https://"):
		raw = "wss://" + strings.TrimPrefix(raw, "https://")
	case strings.HasPrefix(raw, "http://"):
		raw = "ws://" + strings.TrimPrefix(raw, "http://")
	case strings.HasPrefix(raw, "ws://"), strings.HasPrefix(raw, "wss://"):
	default:
		raw = "ws://" + raw
	}
	u, err := url.Parse(raw + "/ws")
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	q := u.Query()
	q.Set("join_code", joinCode)
	q.Set("peer_id", peerID)
	q.Set("role", role)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Dial establishes a WebSocket connection to the server.
// wsURL should be the full WebSocket URL including path and query parameters.
func Dial(ctx context.Context, wsURL string, logger *slog.Logger) (*Conn, error) {
	// Parse URL
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, err
	}

	// Create request headers
	headers := http.Header{}

	// Dial with context
	conn, resp, err := dialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		if resp != nil {
			body, _ := io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			if len(body) > 0 {
				return nil, fmt.Errorf("websocket upgrade failed (%d): %s", resp.StatusCode, string(body))
			}
			return nil, fmt.Errorf("websocket upgrade failed (%d)", resp.StatusCode)
		}
		return nil, err
	}

	if logger == nil {
		logger = logging.Discard()
	}
	c := &Conn{
		conn:     conn,
		logger:   logger,
		sendChan: make(chan protocol.Envelope, 256), // Buffered channel for sends
		done:     make(chan struct{}),
	}

	// Start writer goroutine for serialized writes
	go c.writeLoop()

	return c, nil
}

// ReadLoop reads messages from the WebSocket connection and calls onEnv for each envelope.
// Returns when the connection is closed or context is cancelled.
func (c *Conn) ReadLoop(ctx context.Context, onEnv func(env protocol.Envelope)) error {
	// Set read deadline
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	// Start pinger
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.writeMu.Lock()
				c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				err := c.conn.WriteMessage(websocket.PingMessage, nil)
				c.writeMu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}()

	go func() {
		<-ctx.Done()
		// Closing the connection forces ReadMessage() to unblock instantly
		c.conn.Close()
	}()

	for {
		// Check context
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		// Read message
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("websocket read error", "error", err)
			}
			return err
		}

		// Only process text messages
		if messageType != websocket.TextMessage {
			continue
		}

		// Parse envelope
		var env protocol.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			c.logger.Warn("invalid JSON envelope", "error", err)
			continue
		}

		// Call callback
		onEnv(env)
	}
}

// Send sends an envelope over the WebSocket connection.
// Uses a buffered channel to serialize writes and avoid concurrent write issues.
func (c *Conn) Send(env protocol.Envelope) error {
	c.sendMu.RLock()
	defer c.sendMu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	select {
	case c.sendChan <- env:
		return nil
	case <-c.done:
		return ErrClosed
	}
}

// writeLoop handles serialized writes to the WebSocket connection.
func (c *Conn) writeLoop() {
	defer close(c.done)
	for {
		select {
		case env, ok := <-c.sendChan:
			if !ok {
				return
			}
			c.writeMu.Lock()
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			err := c.conn.WriteJSON(env)
			c.writeMu.Unlock()
			if err != nil {
				c.logger.Error("websocket write error", "error", err)
				return
			}
		}
	}
}

// Close flushes queued envelopes and closes the WebSocket connection.
// It is safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.sendMu.Lock()
		c.closed = true
		close(c.sendChan)
		c.sendMu.Unlock()
		<-c.done // Wait for write loop to finish
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}
