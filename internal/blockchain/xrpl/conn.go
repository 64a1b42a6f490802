// Package xrpl talks to rippled over its websocket JSON API.
package xrpl

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

var (
	// ErrTxNotFound is returned when rippled does not know a transaction
	ErrTxNotFound = errors.New("xrpl transaction not found")

	// ErrFinalityTimeout is returned when a transaction is not validated in time
	ErrFinalityTimeout = errors.New("xrpl finality timeout")

	// ErrTxFailed is returned for a validated transaction with a non-success result
	ErrTxFailed = errors.New("xrpl transaction failed")

	// ErrSearchIncomplete is returned when a payment search hit its page limit
	// before reaching the start of the window. The payment may still exist.
	ErrSearchIncomplete = errors.New("xrpl payment search incomplete")
)

// RPCError is an error response from rippled
type RPCError struct {
	Code    string
	Message string
}

func (e *RPCError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("rippled error %s", e.Code)
	}
	return fmt.Sprintf("rippled error %s: %s", e.Code, e.Message)
}

// Dialer opens websocket connections to one rippled endpoint
type Dialer struct {
	Endpoint         string
	HandshakeTimeout time.Duration
	Logger           *zap.Logger
}

// NewDialer creates a new Dialer
func NewDialer(endpoint string, logger *zap.Logger) *Dialer {
	return &Dialer{Endpoint: endpoint, HandshakeTimeout: 10 * time.Second, Logger: logger.Named("xrpl")}
}

// Dial opens a connection. The caller owns it and must Close it.
func (d *Dialer) Dial(ctx context.Context) (*Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: d.HandshakeTimeout}
	ws, _, err := dialer.DialContext(ctx, d.Endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial %s: %w", d.Endpoint, err)
	}
	return &Conn{ws: ws, logger: d.Logger}, nil
}

// WithConn dials, runs fn and closes the connection on every exit path
func WithConn(ctx context.Context, d *Dialer, fn func(*Conn) error) error {
	conn, err := d.Dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(conn)
}

// Conn is a single rippled websocket session. Requests are serialized.
type Conn struct {
	mu     sync.Mutex
	ws     *websocket.Conn
	nextID int64
	logger *zap.Logger
}

// Close sends a close frame and releases the socket
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws == nil {
		return nil
	}
	_ = c.ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	err := c.ws.Close()
	c.ws = nil
	return err
}

// Request sends one command and returns its result object. Stream messages that
// arrive in between are skipped.
func (c *Conn) Request(ctx context.Context, command string, params map[string]interface{}) (gjson.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws == nil {
		return gjson.Result{}, errors.New("xrpl connection closed")
	}

	c.nextID++
	id := c.nextID
	msg := map[string]interface{}{"id": id, "command": command}
	for k, v := range params {
		msg[k] = v
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(30 * time.Second)
	}
	_ = c.ws.SetWriteDeadline(deadline)
	_ = c.ws.SetReadDeadline(deadline)

	if err := c.ws.WriteJSON(msg); err != nil {
		return gjson.Result{}, fmt.Errorf("send %s: %w", command, err)
	}
	c.logger.Debug("rippled request sent", zap.String("command", command), zap.Int64("id", id))

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return gjson.Result{}, ctx.Err()
			}
			return gjson.Result{}, fmt.Errorf("read %s response: %w", command, err)
		}
		resp := gjson.ParseBytes(raw)
		if resp.Get("type").String() != "response" || resp.Get("id").Int() != id {
			continue
		}
		if resp.Get("status").String() != "success" {
			return gjson.Result{}, &RPCError{
				Code:    resp.Get("error").String(),
				Message: resp.Get("error_message").String(),
			}
		}
		return resp.Get("result"), nil
	}
}
