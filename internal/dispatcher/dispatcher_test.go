package dispatcher

import (
	"bytes"
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sqzxcv/leaf/internal/config"
	"github.com/sqzxcv/leaf/internal/flow"
	"github.com/sqzxcv/leaf/internal/nat"
	"github.com/sqzxcv/leaf/internal/outbound"
)

type stubRouter struct {
	tag string
}

func (s stubRouter) Route(ctx context.Context, f flow.Flow) string { return s.tag }

type stubHandlers struct {
	handlers map[string]outbound.Handler
	def      string
}

func (s stubHandlers) Get(tag string) (outbound.Handler, bool) {
	h, ok := s.handlers[tag]
	return h, ok
}

func (s stubHandlers) DefaultHandler() (string, bool) {
	if s.def == "" {
		return "", false
	}
	return s.def, true
}

type tcpStubHandler struct {
	tag  string
	conn net.Conn
	err  error
}

func (h *tcpStubHandler) Tag() string { return h.tag }
func (h *tcpStubHandler) TCP() outbound.TCPDialer {
	return tcpDialerFunc(func(ctx context.Context, target outbound.Target) (net.Conn, error) {
		return h.conn, h.err
	})
}
func (h *tcpStubHandler) UDP() outbound.UDPDialer { return nil }

type tcpDialerFunc func(ctx context.Context, target outbound.Target) (net.Conn, error)

func (f tcpDialerFunc) DialTCP(ctx context.Context, target outbound.Target) (net.Conn, error) {
	return f(ctx, target)
}

type udpStubHandler struct {
	tag  string
	conn outbound.PacketConn
	err  error
}

func (h *udpStubHandler) Tag() string           { return h.tag }
func (h *udpStubHandler) TCP() outbound.TCPDialer { return nil }
func (h *udpStubHandler) UDP() outbound.UDPDialer {
	return udpDialerFunc(func(ctx context.Context, target outbound.Target) (outbound.PacketConn, error) {
		return h.conn, h.err
	})
}

type udpDialerFunc func(ctx context.Context, target outbound.Target) (outbound.PacketConn, error)

func (f udpDialerFunc) DialUDP(ctx context.Context, target outbound.Target) (outbound.PacketConn, error) {
	return f(ctx, target)
}

// loopPacketConn fakes a PacketConn: outgoing writes land on sent (for the
// test to assert on), and incoming replies are injected by pushing onto
// incoming.
type loopPacketConn struct {
	sent     chan []byte
	incoming chan []byte
	from     outbound.Target
	closed   bool
}

func (c *loopPacketConn) WriteTo(p []byte, addr outbound.Target) (int, error) {
	cp := append([]byte(nil), p...)
	c.sent <- cp
	return len(p), nil
}

func (c *loopPacketConn) ReadFrom(p []byte) (int, outbound.Target, error) {
	b, ok := <-c.incoming
	if !ok {
		return 0, outbound.Target{}, net.ErrClosed
	}
	n := copy(p, b)
	return n, c.from, nil
}

func (c *loopPacketConn) Close() error {
	if !c.closed {
		c.closed = true
		close(c.incoming)
	}
	return nil
}

func testFlow() flow.Flow {
	return flow.Flow{
		Network:     flow.TCP,
		Source:      netip.MustParseAddrPort("10.0.0.1:1234"),
		Destination: flow.Destination{Host: "example.com", Port: 443},
	}
}

func TestDispatchCopiesBothDirections(t *testing.T) {
	clientSide, clientConn := net.Pipe()
	upstreamSide, upstreamConn := net.Pipe()
	_ = clientSide

	h := &tcpStubHandler{tag: "proxy", conn: upstreamConn}
	d := New(stubHandlers{handlers: map[string]outbound.Handler{"proxy": h}}, stubRouter{tag: "proxy"}, nil, nil, config.DefaultIdleTimeouts, nil)

	go d.Dispatch(context.Background(), testFlow(), clientConn)

	go func() {
		buf := make([]byte, 5)
		n, _ := upstreamSide.Read(buf)
		upstreamSide.Write(bytes.ToUpper(buf[:n]))
		upstreamSide.Close()
	}()

	clientSide.SetDeadline(time.Now().Add(2 * time.Second))
	_, err := clientSide.Write([]byte("hello"))
	require.NoError(t, err)

	reply := make([]byte, 5)
	n, err := clientSide.Read(reply)
	require.NoError(t, err)
	assert.Equal(t, "HELLO", string(reply[:n]))
}

func TestDispatchFallsBackToDefaultHandler(t *testing.T) {
	clientSide, clientConn := net.Pipe()
	_, upstreamConn := net.Pipe()

	h := &tcpStubHandler{tag: "direct", conn: upstreamConn}
	d := New(stubHandlers{handlers: map[string]outbound.Handler{"direct": h}, def: "direct"}, stubRouter{tag: "missing"}, nil, nil, config.DefaultIdleTimeouts, nil)

	done := make(chan struct{})
	go func() {
		d.Dispatch(context.Background(), testFlow(), clientConn)
		close(done)
	}()

	upstreamConn.Close()
	clientSide.Close()
	<-done
}

func TestDispatchClosesClientOnConnectFailure(t *testing.T) {
	clientSide, clientConn := net.Pipe()
	h := &tcpStubHandler{tag: "proxy", err: assert.AnError}
	d := New(stubHandlers{handlers: map[string]outbound.Handler{"proxy": h}}, stubRouter{tag: "proxy"}, nil, nil, config.DefaultIdleTimeouts, nil)

	done := make(chan struct{})
	go func() {
		d.Dispatch(context.Background(), testFlow(), clientConn)
		close(done)
	}()
	<-done

	_, err := clientSide.Write([]byte("x"))
	assert.Error(t, err, "client conn should be closed after a failed connect")
}

type fakeDNSStub struct {
	addr   netip.Addr
	domain string
}

func (f fakeDNSStub) Contains(addr netip.Addr) bool { return addr == f.addr }
func (f fakeDNSStub) ReverseLookup(addr netip.Addr) (string, bool) {
	if addr == f.addr {
		return f.domain, true
	}
	return "", false
}

func TestDispatchSubstitutesFakeDNSDestination(t *testing.T) {
	fakeAddr := netip.MustParseAddr("198.18.0.1")
	d := New(stubHandlers{}, stubRouter{}, fakeDNSStub{addr: fakeAddr, domain: "real.example.com"}, nil, config.DefaultIdleTimeouts, nil)

	f := flow.Flow{Network: flow.TCP, Destination: flow.Destination{Addr: fakeAddr, Port: 443}}
	resolved := d.substituteFakeDNS(f)
	assert.Equal(t, "real.example.com", resolved.Destination.Host)

	// An address outside the fake-DNS pool is left untouched.
	other := flow.Flow{Network: flow.TCP, Destination: flow.Destination{Addr: netip.MustParseAddr("8.8.8.8"), Port: 443}}
	assert.Empty(t, d.substituteFakeDNS(other).Destination.Host)
}

func TestDispatchUDPReusesSessionAndDeliversReplies(t *testing.T) {
	pc := &loopPacketConn{
		sent:     make(chan []byte, 4),
		incoming: make(chan []byte, 4),
		from:     outbound.Target{Addr: netip.MustParseAddr("1.1.1.1"), Port: 53},
	}
	h := &udpStubHandler{tag: "direct", conn: pc}
	natMgr := nat.NewManager(30 * time.Second)
	defer natMgr.Close()

	d := New(stubHandlers{handlers: map[string]outbound.Handler{"direct": h}}, stubRouter{tag: "direct"}, nil, natMgr, config.DefaultIdleTimeouts, nil)

	f := flow.Flow{
		Network:     flow.UDP,
		Source:      netip.MustParseAddrPort("10.0.0.1:1234"),
		Destination: flow.Destination{Addr: netip.MustParseAddr("1.1.1.1"), Port: 53},
	}

	delivered := make(chan []byte, 1)
	deliver := func(from flow.Destination, payload []byte) { delivered <- payload }

	require.NoError(t, d.DispatchUDP(context.Background(), f, []byte("query"), deliver))

	sent := <-pc.sent
	assert.Equal(t, "query", string(sent))

	pc.incoming <- []byte("reply") // simulate an upstream datagram arriving
	select {
	case payload := <-delivered:
		assert.Equal(t, "reply", string(payload))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivered reply")
	}

	first, ok := natMgr.Get(f)
	require.True(t, ok)

	require.NoError(t, d.DispatchUDP(context.Background(), f, []byte("query2"), deliver))
	assert.Equal(t, "query2", string(<-pc.sent))

	second, ok := natMgr.Get(f)
	require.True(t, ok)
	assert.Same(t, first, second, "session should be reused on a second datagram")
}
