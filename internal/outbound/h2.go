package outbound

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/bassosimone/nop"

	"github.com/sqzxcv/leaf/internal/config"
	"github.com/sqzxcv/leaf/internal/dnsclient"
)

// h2Handler tunnels a byte stream inside the body of a long-lived HTTP/2
// POST request, the same connection shape [nop.HTTPConn] builds for its
// "h2" ALPN branch, reused here as a transport rather than a one-shot
// request/response exchange (spec §4.3 H2).
type h2Handler struct {
	tag        string
	server     string
	serverName string
	path       string
	insecure   bool
	cfg        *nop.Config
	logger     nop.SLogger
}

func buildH2(decl config.Outbound, _ func(string) (Handler, bool), _ *dnsclient.Client, logger *slog.Logger) (Handler, bool, error) {
	server, _ := decl.Settings["server"].(string)
	if server == "" {
		return nil, false, fmt.Errorf("h2 %q: settings.server is required", decl.Tag)
	}
	path, _ := decl.Settings["path"].(string)
	if path == "" {
		path = "/"
	}
	serverName, _ := decl.Settings["server_name"].(string)
	insecure, _ := decl.Settings["insecure"].(bool)
	return &h2Handler{
		tag: decl.Tag, server: server, path: path,
		serverName: serverName, insecure: insecure,
		cfg: nop.NewConfig(), logger: nop.DefaultSLogger(),
	}, true, nil
}

func (h *h2Handler) Tag() string    { return h.tag }
func (h *h2Handler) TCP() TCPDialer { return h }
func (h *h2Handler) UDP() UDPDialer { return nil }

func (h *h2Handler) DialTCP(ctx context.Context, _ Target) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", h.server)
	if err != nil {
		return nil, fmt.Errorf("h2 %q: %w", h.tag, err)
	}
	tlsConfig := &tls.Config{ServerName: h.serverName, InsecureSkipVerify: h.insecure, NextProtos: []string{"h2"}}
	handshake := nop.NewTLSHandshakeFunc(h.cfg, tlsConfig, h.logger)
	tlsConn, err := handshake.Call(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("h2 %q: %w", h.tag, err)
	}

	httpConnOp := nop.NewHTTPConnFuncTLS(h.cfg, h.logger)
	hconn, err := httpConnOp.Call(ctx, tlsConn)
	if err != nil {
		tlsConn.Close()
		return nil, fmt.Errorf("h2 %q: %w", h.tag, err)
	}

	pr, pw := io.Pipe()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://"+h.serverName+h.path, pr)
	if err != nil {
		hconn.Close()
		return nil, fmt.Errorf("h2 %q: %w", h.tag, err)
	}
	resp, err := hconn.RoundTrip(req)
	if err != nil {
		hconn.Close()
		return nil, fmt.Errorf("h2 %q: %w", h.tag, err)
	}
	return &h2StreamConn{hconn: hconn, bodyReader: resp.Body, bodyWriter: pw}, nil
}

// h2StreamConn presents the request body writer and response body reader
// of one long-lived HTTP/2 request as a [net.Conn].
type h2StreamConn struct {
	hconn      *nop.HTTPConn
	bodyReader io.ReadCloser
	bodyWriter *io.PipeWriter
}

func (c *h2StreamConn) Read(p []byte) (int, error)  { return c.bodyReader.Read(p) }
func (c *h2StreamConn) Write(p []byte) (int, error) { return c.bodyWriter.Write(p) }
func (c *h2StreamConn) Close() error {
	c.bodyWriter.Close()
	c.bodyReader.Close()
	return c.hconn.Close()
}
func (c *h2StreamConn) LocalAddr() net.Addr               { return c.hconn.Conn().LocalAddr() }
func (c *h2StreamConn) RemoteAddr() net.Addr              { return c.hconn.Conn().RemoteAddr() }
func (c *h2StreamConn) SetDeadline(t time.Time) error     { return c.hconn.Conn().SetDeadline(t) }
func (c *h2StreamConn) SetReadDeadline(t time.Time) error { return c.hconn.Conn().SetReadDeadline(t) }
func (c *h2StreamConn) SetWriteDeadline(t time.Time) error {
	return c.hconn.Conn().SetWriteDeadline(t)
}
