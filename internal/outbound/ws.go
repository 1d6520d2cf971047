package outbound

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sqzxcv/leaf/internal/config"
	"github.com/sqzxcv/leaf/internal/dnsclient"
)

// wsHandler tunnels a byte stream inside a WebSocket connection to
// settings.server, using gorilla/websocket (spec §4.3 Ws).
type wsHandler struct {
	tag       string
	url       string
	insecure  bool
	tlsConfig *tls.Config
}

func buildWS(decl config.Outbound, _ func(string) (Handler, bool), _ *dnsclient.Client, _ *slog.Logger) (Handler, bool, error) {
	server, _ := decl.Settings["server"].(string)
	if server == "" {
		return nil, false, fmt.Errorf("ws %q: settings.server is required", decl.Tag)
	}
	path, _ := decl.Settings["path"].(string)
	useTLS, _ := decl.Settings["tls"].(bool)
	insecure, _ := decl.Settings["insecure"].(bool)

	scheme := "ws"
	if useTLS {
		scheme = "wss"
	}
	u := url.URL{Scheme: scheme, Host: server, Path: path}
	h := &wsHandler{tag: decl.Tag, url: u.String(), insecure: insecure}
	if useTLS {
		h.tlsConfig = &tls.Config{InsecureSkipVerify: insecure}
	}
	return h, true, nil
}

func (h *wsHandler) Tag() string    { return h.tag }
func (h *wsHandler) TCP() TCPDialer { return h }
func (h *wsHandler) UDP() UDPDialer { return nil }

func (h *wsHandler) DialTCP(ctx context.Context, _ Target) (net.Conn, error) {
	dialer := websocket.Dialer{
		TLSClientConfig:  h.tlsConfig,
		HandshakeTimeout: 45 * time.Second,
	}
	conn, _, err := dialer.DialContext(ctx, h.url, nil)
	if err != nil {
		return nil, fmt.Errorf("ws %q: %w", h.tag, err)
	}
	return &wsStreamConn{conn: conn}, nil
}

// wsStreamConn adapts a [*websocket.Conn] (message-oriented) to a byte-stream
// [net.Conn] by fragmenting writes into binary messages and buffering the
// trailing bytes of partially-consumed reads.
type wsStreamConn struct {
	conn *websocket.Conn
	rbuf []byte
}

func (c *wsStreamConn) Read(p []byte) (int, error) {
	for len(c.rbuf) == 0 {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return 0, err
		}
		c.rbuf = data
	}
	n := copy(p, c.rbuf)
	c.rbuf = c.rbuf[n:]
	return n, nil
}

func (c *wsStreamConn) Write(p []byte) (int, error) {
	if err := c.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsStreamConn) Close() error                       { return c.conn.Close() }
func (c *wsStreamConn) LocalAddr() net.Addr                { return c.conn.LocalAddr() }
func (c *wsStreamConn) RemoteAddr() net.Addr               { return c.conn.RemoteAddr() }
func (c *wsStreamConn) SetDeadline(t time.Time) error      { return c.conn.UnderlyingConn().SetDeadline(t) }
func (c *wsStreamConn) SetReadDeadline(t time.Time) error  { return c.conn.SetReadDeadline(t) }
func (c *wsStreamConn) SetWriteDeadline(t time.Time) error { return c.conn.SetWriteDeadline(t) }
