package tunnel

import (
	"context"
	"io"
	"net"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketRemoteDialer is a RemoteDialer that carries the tunnel's byte
// stream over a WebSocket connection instead of a direct TCP connection.
// This lets the tunnel reach remote services that are only exposed through
// HTTP infrastructure (reverse proxies, TLS terminators, etc.). Each binary
// WebSocket message holds one write's worth of relay bytes; no additional
// framing is imposed on the payload.
type WebSocketRemoteDialer struct {
	// URL is the ws:// or wss:// endpoint to dial. When empty, the addr
	// passed to DialContext is used as "ws://<addr>".
	URL string

	// HandshakeTimeout bounds the WebSocket upgrade handshake. Zero means
	// the gorilla default.
	HandshakeTimeout time.Duration

	// Subprotocols is the optional Sec-WebSocket-Protocol offer.
	Subprotocols []string
}

// DialContext dials the WebSocket endpoint and wraps it as a net.Conn.
func (d *WebSocketRemoteDialer) DialContext(ctx context.Context, addr string) (net.Conn, error) {
	url := d.URL
	if url == "" {
		url = "ws://" + addr
	}
	dialer := websocket.Dialer{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		HandshakeTimeout: d.HandshakeTimeout,
		Subprotocols:     d.Subprotocols,
	}
	wsConn, resp, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return newWebSocketConn(wsConn), nil
}

// webSocketConn adapts a *websocket.Conn message stream to the net.Conn
// byte-stream interface the relay expects.
type webSocketConn struct {
	*websocket.Conn
	reader io.Reader
}

func newWebSocketConn(wsConn *websocket.Conn) net.Conn {
	return &webSocketConn{Conn: wsConn}
}

// Read drains the current message, then advances to the next one. A clean
// WebSocket close (normal closure or going-away) surfaces as io.EOF so the
// relay sees an ordinary end-of-stream; abnormal close codes stay errors.
func (c *webSocketConn) Read(p []byte) (int, error) {
	for {
		if c.reader == nil {
			_, r, err := c.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			c.reader = r
		}
		n, err := c.reader.Read(p)
		if err == io.EOF {
			c.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

// Write sends p as a single binary message.
func (c *webSocketConn) Write(p []byte) (int, error) {
	if err := c.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// SetDeadline applies the deadline to both directions.
func (c *webSocketConn) SetDeadline(t time.Time) error {
	if err := c.SetReadDeadline(t); err != nil {
		return err
	}
	return c.SetWriteDeadline(t)
}
