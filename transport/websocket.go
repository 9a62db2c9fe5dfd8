// Package transport carries protocol frames over a WebSocket.
package transport

//go:generate mockgen -destination=mocks/mock_transport.go -package=mocks github.com/mrsingh-rishi/voice-client/transport Conn,Dialer

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	gws "github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultWriteWait        = 10 * time.Second
	DefaultMaxMessageSize   = 8 * 1024 * 1024
)

// Conn is one open socket. WriteFrame must not be called concurrently;
// ReadFrame may run on its own goroutine.
type Conn interface {
	WriteFrame(binary bool, data []byte) error
	ReadFrame() (binary bool, data []byte, err error)
	Close() error
}

// Dialer opens sockets.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebSocketDialer dials with gorilla/websocket.
type WebSocketDialer struct {
	Header           http.Header
	HandshakeTimeout time.Duration
	WriteWait        time.Duration
	MaxMessageSize   int64
	Log              *slog.Logger
}

// NewWebSocketDialer returns a dialer with default timeouts. A non-empty
// token is sent as a bearer Authorization header.
func NewWebSocketDialer(token string, log *slog.Logger) *WebSocketDialer {
	if log == nil {
		log = slog.Default()
	}
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	return &WebSocketDialer{
		Header:           header,
		HandshakeTimeout: DefaultHandshakeTimeout,
		WriteWait:        DefaultWriteWait,
		MaxMessageSize:   DefaultMaxMessageSize,
		Log:              log,
	}
}

func (d *WebSocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := gws.Dialer{
		HandshakeTimeout: d.HandshakeTimeout,
		Proxy:            http.ProxyFromEnvironment,
	}
	conn, resp, err := dialer.DialContext(ctx, url, d.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, errors.Wrapf(err, "dial %s: status %d", url, resp.StatusCode)
		}
		return nil, errors.Wrapf(err, "dial %s", url)
	}
	if d.MaxMessageSize > 0 {
		conn.SetReadLimit(d.MaxMessageSize)
	}
	d.Log.Debug("socket connected", "url", url)
	return &wsConn{conn: conn, writeWait: d.WriteWait}, nil
}

type wsConn struct {
	conn      *gws.Conn
	writeWait time.Duration

	closeOnce sync.Once
	closeErr  error
}

func (c *wsConn) WriteFrame(binary bool, data []byte) error {
	mt := gws.TextMessage
	if binary {
		mt = gws.BinaryMessage
	}
	if c.writeWait > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
	}
	return errors.Wrap(c.conn.WriteMessage(mt, data), "write frame")
}

func (c *wsConn) ReadFrame() (bool, []byte, error) {
	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			return false, nil, errors.Wrap(err, "read frame")
		}
		switch mt {
		case gws.BinaryMessage:
			return true, data, nil
		case gws.TextMessage:
			return false, data, nil
		}
	}
}

// Close sends a normal-closure frame and closes the socket.
func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		msg := gws.FormatCloseMessage(gws.CloseNormalClosure, "client closing")
		_ = c.conn.WriteControl(gws.CloseMessage, msg, time.Now().Add(time.Second))
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// IsNormalClose reports whether err is a clean close initiated by either side.
func IsNormalClose(err error) bool {
	return gws.IsCloseError(errors.Cause(err), gws.CloseNormalClosure, gws.CloseGoingAway)
}
