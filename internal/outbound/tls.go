package outbound

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"

	"github.com/bassosimone/nop"

	"github.com/sqzxcv/leaf/internal/config"
	"github.com/sqzxcv/leaf/internal/dnsclient"
)

// tlsHandler dials settings.server and performs a TLS handshake using
// [nop.TLSHandshakeFunc], the same handshake primitive the DNS-over-TLS
// transport in internal/dnsclient composes (spec §4.3 Tls).
type tlsHandler struct {
	tag        string
	server     string
	serverName string
	insecure   bool
	cfg        *nop.Config
	logger     nop.SLogger
}

func buildTLS(decl config.Outbound, _ func(string) (Handler, bool), _ *dnsclient.Client, logger *slog.Logger) (Handler, bool, error) {
	server, _ := decl.Settings["server"].(string)
	if server == "" {
		return nil, false, fmt.Errorf("tls %q: settings.server is required", decl.Tag)
	}
	serverName, _ := decl.Settings["server_name"].(string)
	insecure, _ := decl.Settings["insecure"].(bool)
	return &tlsHandler{
		tag:        decl.Tag,
		server:     server,
		serverName: serverName,
		insecure:   insecure,
		cfg:        nop.NewConfig(),
		logger:     nop.DefaultSLogger(),
	}, true, nil
}

func (h *tlsHandler) Tag() string    { return h.tag }
func (h *tlsHandler) TCP() TCPDialer { return h }
func (h *tlsHandler) UDP() UDPDialer { return nil }

func (h *tlsHandler) DialTCP(ctx context.Context, _ Target) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", h.server)
	if err != nil {
		return nil, fmt.Errorf("tls %q: %w", h.tag, err)
	}
	tlsConfig := &tls.Config{ServerName: h.serverName, InsecureSkipVerify: h.insecure}
	handshake := nop.NewTLSHandshakeFunc(h.cfg, tlsConfig, h.logger)
	tlsConn, err := handshake.Call(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("tls %q: %w", h.tag, err)
	}
	return tlsConn, nil
}
