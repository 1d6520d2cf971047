package netstack

import (
	"context"
	"log/slog"
	"math/rand"
	"net"
	"net/netip"
	"sync"

	"github.com/sqzxcv/leaf/internal/flow"
)

// TCPAccept is invoked for each newly established TCP flow (spec §4.6:
// "For each new TCP connection: a stream whose remote address is the TUN
// target IP; fed to dispatcher").
type TCPAccept func(f flow.Flow, conn net.Conn)

// UDPDatagram is invoked for each UDP datagram not consumed by DNS (spec
// §4.6: "otherwise delivered to dispatcher"). reply sends a datagram back
// to the TUN peer with source and destination swapped.
type UDPDatagram func(f flow.Flow, payload []byte, reply func([]byte) error)

// DNSHandler answers a UDP datagram addressed to port 53 instead of
// forwarding it to the dispatcher (spec §4.6: "if dst.port==53 and mode
// permits, the packet is answered by the fake-DNS module"). ok is false
// when the query should fall through to OnUDP instead (mode does not
// permit synthesis for this domain).
type DNSHandler func(query []byte) (answer []byte, ok bool)

// Stack is a minimal user-space TCP/UDP termination point driven by a
// [PacketIO] source (spec §4.6). It implements neither retransmission
// nor congestion control, and keeps exactly one in-order receive buffer
// per TCP connection rather than a reordering window — a deliberate
// reduced scope for a stack whose only peer is a local TUN device, not a
// lossy network link (see DESIGN.md).
type Stack struct {
	io         PacketIO
	Logger     *slog.Logger
	InboundTag string

	OnTCP TCPAccept
	OnUDP UDPDatagram
	DNS   DNSHandler

	mu    sync.Mutex
	conns map[fourTuple]*tcpConn
}

// New constructs a [*Stack] reading packets from pio.
func New(pio PacketIO, logger *slog.Logger) *Stack {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Stack{io: pio, Logger: logger, conns: make(map[fourTuple]*tcpConn)}
}

// Run reads packets from the underlying [PacketIO] until ctx is
// cancelled or a read error occurs.
func (s *Stack) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		pkt, err := s.io.ReadPacket(ctx)
		if err != nil {
			return err
		}
		if err := s.handlePacket(ctx, pkt); err != nil {
			s.Logger.Debug("netstack: dropping malformed packet", "err", err)
		}
	}
}

func (s *Stack) handlePacket(ctx context.Context, pkt []byte) error {
	ip, payload, err := parseIPv4(pkt)
	if err != nil {
		return err
	}
	switch ip.protocol {
	case protoTCP:
		return s.handleTCP(ctx, ip, payload)
	case protoUDP:
		return s.handleUDP(ctx, ip, payload)
	default:
		return nil // ICMP and everything else pass through unterminated
	}
}

func (s *Stack) handleUDP(ctx context.Context, ip ipv4Header, seg []byte) error {
	uh, payload, err := parseUDP(seg)
	if err != nil {
		return err
	}

	if uh.dstPort == 53 && s.DNS != nil {
		if answer, ok := s.DNS(payload); ok {
			reply := buildUDP(ip.dst, ip.src, uh.dstPort, uh.srcPort, answer)
			return s.io.WritePacket(ctx, buildIPv4(protoUDP, ip.dst, ip.src, reply))
		}
	}

	if s.OnUDP == nil {
		return nil
	}
	srcAddr, dstAddr, srcPort, dstPort := ip.src, ip.dst, uh.srcPort, uh.dstPort
	f := flow.Flow{
		Network:     flow.UDP,
		Source:      netip.AddrPortFrom(srcAddr, srcPort),
		Destination: flow.Destination{Addr: dstAddr, Port: dstPort},
		InboundTag:  s.InboundTag,
	}
	reply := func(payload []byte) error {
		seg := buildUDP(dstAddr, srcAddr, dstPort, srcPort, payload)
		return s.io.WritePacket(ctx, buildIPv4(protoUDP, dstAddr, srcAddr, seg))
	}
	s.OnUDP(f, append([]byte(nil), payload...), reply)
	return nil
}

func (s *Stack) handleTCP(ctx context.Context, ip ipv4Header, seg []byte) error {
	th, payload, err := parseTCP(seg)
	if err != nil {
		return err
	}
	tuple := fourTuple{srcAddr: ip.src, dstAddr: ip.dst, srcPort: th.srcPort, dstPort: th.dstPort}

	s.mu.Lock()
	c, ok := s.conns[tuple]
	s.mu.Unlock()

	if !ok {
		if th.flags.has(flagSYN) && !th.flags.has(flagACK) {
			return s.acceptTCP(ctx, tuple, th)
		}
		if th.flags.has(flagRST) {
			return nil
		}
		return s.sendReset(ctx, tuple, th)
	}

	if th.flags.has(flagRST) {
		c.onRST()
		return nil
	}
	if len(payload) > 0 {
		if err := c.onData(ctx, payload); err != nil {
			return err
		}
	}
	if th.flags.has(flagFIN) {
		return c.onFIN(ctx)
	}
	return nil
}

func (s *Stack) acceptTCP(ctx context.Context, tuple fourTuple, th tcpHeader) error {
	isn := rand.Uint32()
	c := newTCPConn(s, tuple, isn, th.seq+1)

	s.mu.Lock()
	s.conns[tuple] = c
	s.mu.Unlock()

	synAck := buildTCP(tuple.dstAddr, tuple.srcAddr, tuple.dstPort, tuple.srcPort, isn, c.ack, flagSYN|flagACK, 65535, nil)
	if err := s.io.WritePacket(ctx, buildIPv4(protoTCP, tuple.dstAddr, tuple.srcAddr, synAck)); err != nil {
		s.removeConn(tuple)
		return err
	}
	c.mu.Lock()
	c.seq++
	c.mu.Unlock()

	if s.OnTCP != nil {
		f := flow.Flow{
			Network:     flow.TCP,
			Source:      netip.AddrPortFrom(tuple.srcAddr, tuple.srcPort),
			Destination: flow.Destination{Addr: tuple.dstAddr, Port: tuple.dstPort},
			InboundTag:  s.InboundTag,
		}
		go s.OnTCP(f, c)
	}
	return nil
}

func (s *Stack) sendReset(ctx context.Context, tuple fourTuple, th tcpHeader) error {
	seg := buildTCP(tuple.dstAddr, tuple.srcAddr, tuple.dstPort, tuple.srcPort, th.ack, th.seq+1, flagRST|flagACK, 0, nil)
	return s.io.WritePacket(ctx, buildIPv4(protoTCP, tuple.dstAddr, tuple.srcAddr, seg))
}

func (s *Stack) removeConn(tuple fourTuple) {
	s.mu.Lock()
	delete(s.conns, tuple)
	s.mu.Unlock()
}
