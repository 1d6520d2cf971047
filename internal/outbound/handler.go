// Package outbound implements the spec §4.1-§4.3 outbound handler graph:
// tag-indexed protocol endpoints composed by combinators (tryall, random,
// failover, retry, chain, select, amux), built and reloaded by a two-phase
// fixed-point [Manager].
package outbound

import (
	"context"
	"net"
	"net/netip"
)

// Target is the destination an outbound handler connects to: either a
// resolved address or a host name the handler (or its DNS client) must
// resolve itself, mirroring spec §3's Destination shape.
type Target struct {
	Host string
	Addr netip.Addr
	Port uint16
}

// PacketConn abstracts the UDP capability's send/receive pair (spec §3:
// "a packet channel pair").
type PacketConn interface {
	WriteTo(p []byte, addr Target) (int, error)
	ReadFrom(p []byte) (n int, from Target, err error)
	Close() error
}

// TCPDialer is the TCP capability of a [Handler].
type TCPDialer interface {
	DialTCP(ctx context.Context, target Target) (net.Conn, error)
}

// UDPDialer is the UDP capability of a [Handler].
type UDPDialer interface {
	DialUDP(ctx context.Context, target Target) (PacketConn, error)
}

// Handler is an outbound entity identified by a unique tag, with optional
// TCP and UDP capabilities (spec §3's OutboundHandler).
type Handler interface {
	Tag() string
	TCP() TCPDialer // nil if the handler has no TCP capability
	UDP() UDPDialer // nil if the handler has no UDP capability
}

// Closer is implemented by handlers (mainly combinators) that own
// background tasks and must release their cancellation handle on reload
// or shutdown (spec §4.1 reload step (d), spec §5 Cancellation).
type Closer interface {
	Close()
}
