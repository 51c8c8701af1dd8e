// Package channel carries Signal K JSON messages over a pluggable transport.
//
// A Channel owns one connection and one read goroutine. Inbound messages are
// handed to the registered handler serially, so the arrival order on a
// channel is kept. There is no ordering across channels.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

var (
	// ErrUnauthorized is returned when the server rejects the credentials
	ErrUnauthorized = errors.New("unauthorized")
	// ErrNotOpen is returned when sending on a closed channel
	ErrNotOpen = errors.New("channel not open")
)

// Role of a channel
type Role uint8

const (
	// RolePrimary carries the subscribed data stream
	RolePrimary Role = iota
	// RoleControl carries writes and the writable paths
	RoleControl
	// RoleNotifications carries `notifications.*`
	RoleNotifications
	// RoleConversions carries the units preference updates
	RoleConversions
)

// Roles in opening order
var Roles = []Role{RolePrimary, RoleControl, RoleNotifications, RoleConversions}

func (r Role) String() string {
	switch r {
	case RolePrimary:
		return "primary"
	case RoleControl:
		return "control"
	case RoleNotifications:
		return "notifications"
	case RoleConversions:
		return "conversions"
	default:
		return fmt.Sprintf("role(%d)", uint8(r))
	}
}

// Conn is an established connection
type Conn interface {
	// ReadMessage blocks until the next message, returns an error once closed
	ReadMessage() ([]byte, error)
	WriteMessage(ctx context.Context, data []byte) error
	Close() error
}

// Transport dials connections
type Transport interface {
	Dial(ctx context.Context) (Conn, error)
}

// Handler consumes one inbound message
type Handler func(data []byte)

// Metrics observes channel traffic
type Metrics interface {
	IncMessages(role string)
}

// Channel is a single logical connection
type Channel struct {
	role      Role
	transport Transport

	mu      sync.Mutex
	conn    Conn
	closing bool
	done    chan struct{}
	handler Handler
	onClose []func(err error)
	metrics Metrics

	// serializes writers
	writeMu sync.Mutex
}

func New(role Role, transport Transport) *Channel {
	return &Channel{role: role, transport: transport}
}

func (c *Channel) Role() Role {
	return c.role
}

// OnMessage sets the inbound message handler
func (c *Channel) OnMessage(h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

// OnClose registers a callback for an unexpected close
//
// It is not called when the channel is closed with Close.
func (c *Channel) OnClose(fn func(err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClose = append(c.onClose, fn)
}

func (c *Channel) SetMetrics(m Metrics) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics = m
}

// IsOpen reports whether the channel is connected
func (c *Channel) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Open dials the transport and starts reading
//
// Opening an open channel is a no-op.
func (c *Channel) Open(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	conn, err := c.transport.Dial(ctx)
	if err != nil {
		return fmt.Errorf("open %s channel: %w", c.role, err)
	}

	c.mu.Lock()
	if c.conn != nil {
		// lost a race with another Open
		c.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	c.conn = conn
	c.closing = false
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	log.Info().Str("role", c.role.String()).Msg("Channel open")
	go c.readLoop(conn, done)
	return nil
}

func (c *Channel) readLoop(conn Conn, done chan struct{}) {
	defer close(done)
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			c.closed(conn, err)
			return
		}
		c.mu.Lock()
		h := c.handler
		m := c.metrics
		c.mu.Unlock()
		if m != nil {
			m.IncMessages(c.role.String())
		}
		if h != nil {
			h(data)
		}
	}
}

// closed runs on the read goroutine once the connection ended
func (c *Channel) closed(conn Conn, err error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	intentional := c.closing
	c.conn = nil
	fns := append([]func(error){}, c.onClose...)
	c.mu.Unlock()

	_ = conn.Close()
	if intentional {
		return
	}
	log.Warn().Str("role", c.role.String()).Msgf("Channel closed: %s", err)
	for _, fn := range fns {
		fn(err)
	}
}

// Close closes the channel and waits for the read goroutine to finish
func (c *Channel) Close() error {
	c.mu.Lock()
	conn := c.conn
	done := c.done
	if conn == nil {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	c.mu.Unlock()

	err := conn.Close()
	if done != nil {
		<-done
	}
	log.Info().Str("role", c.role.String()).Msg("Channel closed")
	return err
}

// Send marshals msg to JSON and writes it
func (c *Channel) Send(ctx context.Context, msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %T: %w", msg, err)
	}
	return c.SendRaw(ctx, data)
}

// SendRaw writes an already encoded message
func (c *Channel) SendRaw(ctx context.Context, data []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("%s: %w", c.role, ErrNotOpen)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	log.Debug().Str("role", c.role.String()).Msgf("Sending %s", data)
	if err := conn.WriteMessage(ctx, data); err != nil {
		return fmt.Errorf("write %s channel: %w", c.role, err)
	}
	return nil
}
