package channel

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultWriteTimeout     = 10 * time.Second
)

// WebSocketTransport dials a Signal K stream endpoint
//
// see also
// - streaming api: https://signalk.org/specification/1.7.0/doc/streaming_api.html
type WebSocketTransport struct {
	URL string
	// bearer token, sent in the Authorization header if set
	Token            string
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
}

func (t *WebSocketTransport) Dial(ctx context.Context) (Conn, error) {
	timeout := t.HandshakeTimeout
	if timeout <= 0 {
		timeout = defaultHandshakeTimeout
	}
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: timeout,
	}

	headers := http.Header{}
	if t.Token != "" {
		headers.Set("Authorization", "Bearer "+t.Token)
	}

	conn, resp, err := dialer.DialContext(ctx, t.URL, headers)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: %s", ErrUnauthorized, resp.Status)
		}
		return nil, fmt.Errorf("dial %s: %w", t.URL, err)
	}

	writeTimeout := t.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	return &wsConn{conn: conn, writeTimeout: writeTimeout}, nil
}

type wsConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	for {
		typ, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if typ == websocket.TextMessage || typ == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (c *wsConn) WriteMessage(ctx context.Context, data []byte) error {
	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close() error {
	// best effort close handshake
	_ = c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	return c.conn.Close()
}
