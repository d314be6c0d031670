// Package device implements the relay's link to the device peer: a browser
// extension that executes CDP commands through chrome.debugger.
//
// The link is a request/response transport. Requests carry sequential ids
// allocated by the relay; responses are correlated by id alone, so they may
// arrive in any order. Messages without an id are events and are handed to
// the registered EventHandler.
package device

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/hotnsoursoup/playwright-electron-mcp/internal/metrics"
	"github.com/hotnsoursoup/playwright-electron-mcp/internal/protocol"
)

// ErrConnectionClosed is returned by Call when the connection is closed
// before or while waiting for a response.
var ErrConnectionClosed = errors.New("websocket closed")

const defaultWriteTimeout = 10 * time.Second

// Socket is the subset of *websocket.Conn used by the relay.
type Socket interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	Ping(ctx context.Context) error
}

// EventHandler receives device events. A returned error closes the
// connection.
type EventHandler func(method string, params json.RawMessage) error

// Config holds Conn parameters.
type Config struct {
	OnEvent      EventHandler
	WriteTimeout time.Duration
	Logger       *slog.Logger
	Metrics      *metrics.Metrics // optional; nil disables metrics
}

// Conn is a device connection.
type Conn struct {
	ws           Socket
	onEvent      EventHandler
	writeTimeout time.Duration
	logger       *slog.Logger
	metrics      *metrics.Metrics
	pending      *pendingTable

	mu     sync.Mutex
	lastID int64
	closed bool
	done   chan struct{}
}

// New wraps ws. Run must be called to start reading.
func New(ws Socket, cfg Config) *Conn {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	return &Conn{
		ws:           ws,
		onEvent:      cfg.OnEvent,
		writeTimeout: cfg.WriteTimeout,
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
		pending:      newPendingTable(cfg.Metrics),
		done:         make(chan struct{}),
	}
}

// Call sends method to the device and waits for its result. It fails
// without sending if the connection is already closed. A device-reported
// failure is returned as *protocol.Error.
//
// There is no timeout at this layer: the call stays pending until the
// device answers, the connection closes, or ctx is cancelled.
func (c *Conn) Call(ctx context.Context, method string, params json.RawMessage, sessionID string) (json.RawMessage, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrConnectionClosed
	}
	c.lastID++
	id := c.lastID
	ch := c.pending.add(id)
	c.mu.Unlock()

	data, err := protocol.Encode(&protocol.Message{ID: &id, Method: method, Params: params, SessionID: sessionID})
	if err != nil {
		c.pending.remove(id)
		return nil, fmt.Errorf("encode %s: %w", method, err)
	}

	writeCtx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	err = c.ws.Write(writeCtx, websocket.MessageText, data)
	cancel()
	if err != nil {
		c.pending.remove(id)
		return nil, fmt.Errorf("send %s: %w", method, err)
	}
	c.metrics.MessageSent(metrics.RoleDevice)
	c.logger.Debug("→ device", "method", method, "id", id)

	select {
	case res := <-ch:
		return res.value, res.err
	case <-ctx.Done():
		c.pending.remove(id)
		return nil, ctx.Err()
	}
}

// Run reads from the device until the socket fails or the connection is
// closed. Malformed JSON and event-handler failures close the connection.
// Every call still pending when Run returns fails with ErrConnectionClosed.
func (c *Conn) Run(ctx context.Context) error {
	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			c.logger.Debug("device socket closed", "error", err)
			c.shutdown()
			return ignoreClosed(err)
		}
		c.metrics.MessageReceived(metrics.RoleDevice)

		msg, err := protocol.Decode(data)
		if err != nil {
			c.logger.Warn("closing device connection due to malformed JSON", "error", err, "data", truncate(data))
			c.metrics.ConnectionError(metrics.RoleDevice, metrics.ReasonMalformedJSON)
			c.closeWith(websocket.StatusInvalidFramePayloadData, "malformed JSON")
			return err
		}
		if err := c.dispatch(msg); err != nil {
			c.logger.Warn("closing device connection due to failed message handler", "method", msg.Method, "error", err)
			c.metrics.ConnectionError(metrics.RoleDevice, metrics.ReasonHandlerFailed)
			c.closeWith(websocket.StatusInternalError, "message handler failed")
			return err
		}
	}
}

func (c *Conn) dispatch(msg *protocol.Message) error {
	if msg.ID != nil {
		res := callResult{value: msg.Result}
		if msg.Error != nil {
			res = callResult{err: msg.Error}
		}
		if !c.pending.resolve(*msg.ID, res) {
			c.logger.Debug("← device: unexpected response", "id", *msg.ID)
			c.metrics.ConnectionError(metrics.RoleDevice, metrics.ReasonUnexpectedResponse)
		}
		return nil
	}
	c.logger.Debug("← device", "method", msg.Method)
	if c.onEvent == nil {
		return nil
	}
	return c.onEvent(msg.Method, msg.Params)
}

// Close closes the connection with a normal-closure status and reason.
// Pending calls fail with ErrConnectionClosed. Safe to call more than once.
func (c *Conn) Close(reason string) {
	if reason == "" {
		reason = "Connection closed"
	}
	c.closeWith(websocket.StatusNormalClosure, reason)
}

func (c *Conn) closeWith(code websocket.StatusCode, reason string) {
	if !c.shutdown() {
		return
	}
	c.logger.Debug("closing device connection", "code", code, "reason", reason)
	// The close handshake can wait on the peer; callers must not block on it.
	go func() { _ = c.ws.Close(code, reason) }()
}

// shutdown marks the connection closed and fails pending calls. Returns
// false if it was already closed.
func (c *Conn) shutdown() bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.closed = true
	c.mu.Unlock()

	if n := c.pending.failAll(ErrConnectionClosed); n > 0 {
		c.logger.Debug("failed pending device calls", "count", n)
	}
	close(c.done)
	return true
}

// Done is closed once the connection is closed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Pending returns the number of in-flight calls.
func (c *Conn) Pending() int {
	return c.pending.len()
}

func ignoreClosed(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return nil
	}
	return err
}

func truncate(data []byte) string {
	const limit = 256
	if len(data) > limit {
		return string(data[:limit]) + "..."
	}
	return string(data)
}
