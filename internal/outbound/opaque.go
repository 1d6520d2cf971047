package outbound

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"github.com/sqzxcv/leaf/internal/config"
	"github.com/sqzxcv/leaf/internal/dnsclient"
)

// Framer frames and deframes a byte stream for one opaque protocol
// (shadowsocks, trojan, vmess). Per spec §1, each such protocol is
// "an opaque transport with the properties the dispatcher depends on" —
// the cryptography and wire framing are explicitly out of scope, so a
// real implementation plugs a concrete Framer in here without touching
// the handler shape below.
type Framer interface {
	// Frame wraps conn so that writes/reads carry the protocol's framing
	// around the given target.
	Frame(conn net.Conn, target Target) (net.Conn, error)
}

// FramerFunc adapts a function to [Framer].
type FramerFunc func(conn net.Conn, target Target) (net.Conn, error)

func (f FramerFunc) Frame(conn net.Conn, target Target) (net.Conn, error) { return f(conn, target) }

// passthroughFramer is the documented stub: it establishes the TCP
// connection to the upstream server but performs no protocol-specific
// framing, since the cipher/handshake body is out of scope (spec §1).
// Swapping in a real Framer (e.g. a Shadowsocks AEAD implementation) is a
// drop-in replacement behind the same [Framer] interface.
func passthroughFramer(conn net.Conn, _ Target) (net.Conn, error) {
	return conn, nil
}

// opaqueHandler is the shared shape of shadowsocks/trojan/vmess: dial the
// upstream server, then hand the connection to the protocol's Framer.
type opaqueHandler struct {
	tag      string
	protocol string
	server   string
	framer   Framer
}

// buildOpaque returns a [Builder] for the named opaque protocol. The
// settings map's "server" key names the upstream host:port; a real
// deployment also supplies "framer" via [Registry.Register] replacing
// this builder with one that wires a concrete [Framer].
func buildOpaque(protocol string) Builder {
	return func(decl config.Outbound, _ func(string) (Handler, bool), _ *dnsclient.Client, _ *slog.Logger) (Handler, bool, error) {
		server, _ := decl.Settings["server"].(string)
		if server == "" {
			return nil, false, fmt.Errorf("%s %q: settings.server is required", protocol, decl.Tag)
		}
		return &opaqueHandler{tag: decl.Tag, protocol: protocol, server: server, framer: FramerFunc(passthroughFramer)}, true, nil
	}
}

func (h *opaqueHandler) Tag() string    { return h.tag }
func (h *opaqueHandler) TCP() TCPDialer { return h }
func (h *opaqueHandler) UDP() UDPDialer { return nil }

func (h *opaqueHandler) DialTCP(ctx context.Context, target Target) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", h.server)
	if err != nil {
		return nil, fmt.Errorf("%s %q: %w", h.protocol, h.tag, err)
	}
	framed, err := h.framer.Frame(conn, target)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return framed, nil
}
