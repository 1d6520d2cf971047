package netstack

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sqzxcv/leaf/internal/flow"
)

// fakePacketIO is an in-memory [PacketIO]: inbound feeds ReadPacket,
// outbound captures whatever the stack writes.
type fakePacketIO struct {
	inbound  chan []byte
	outbound chan []byte
}

func newFakePacketIO() *fakePacketIO {
	return &fakePacketIO{inbound: make(chan []byte, 16), outbound: make(chan []byte, 16)}
}

func (f *fakePacketIO) ReadPacket(ctx context.Context) ([]byte, error) {
	select {
	case pkt := <-f.inbound:
		return pkt, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakePacketIO) WritePacket(ctx context.Context, pkt []byte) error {
	f.outbound <- pkt
	return nil
}

func (f *fakePacketIO) recvOutbound(t *testing.T) []byte {
	t.Helper()
	select {
	case pkt := <-f.outbound:
		return pkt
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outbound packet")
		return nil
	}
}

var (
	clientAddr = netip.MustParseAddr("198.18.0.7")
	targetAddr = netip.MustParseAddr("93.184.216.34")
)

func TestStackCompletesTCPHandshakeAndDelivers(t *testing.T) {
	pio := newFakePacketIO()
	s := New(pio, nil)

	accepted := make(chan flow.Flow, 1)
	acceptedConn := make(chan []byte, 1)
	s.OnTCP = func(f flow.Flow, conn net.Conn) {
		accepted <- f
		buf := make([]byte, 64)
		n, _ := conn.Read(buf)
		acceptedConn <- append([]byte(nil), buf[:n]...)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	syn := buildTCP(clientAddr, targetAddr, 5000, 443, 1000, 0, flagSYN, 65535, nil)
	pio.inbound <- buildIPv4(protoTCP, clientAddr, targetAddr, syn)

	synAckPkt := pio.recvOutbound(t)
	ip, synAckSeg, err := parseIPv4(synAckPkt)
	require.NoError(t, err)
	synAckHdr, _, err := parseTCP(synAckSeg)
	require.NoError(t, err)
	assert.True(t, synAckHdr.flags.has(flagSYN))
	assert.True(t, synAckHdr.flags.has(flagACK))
	assert.Equal(t, targetAddr, ip.src)
	assert.Equal(t, uint32(1001), synAckHdr.ack)

	ack := buildTCP(clientAddr, targetAddr, 5000, 443, 1001, synAckHdr.seq+1, flagACK, 65535, nil)
	pio.inbound <- buildIPv4(protoTCP, clientAddr, targetAddr, ack)

	select {
	case f := <-accepted:
		assert.Equal(t, flow.TCP, f.Network)
		assert.Equal(t, targetAddr, f.Destination.Addr)
		assert.EqualValues(t, 443, f.Destination.Port)
	case <-time.After(2 * time.Second):
		t.Fatal("OnTCP was not invoked")
	}

	data := buildTCP(clientAddr, targetAddr, 5000, 443, 1001, synAckHdr.seq+1, flagACK, 65535, []byte("hello"))
	pio.inbound <- buildIPv4(protoTCP, clientAddr, targetAddr, data)

	select {
	case got := <-acceptedConn:
		assert.Equal(t, "hello", string(got))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for data to reach the accepted conn")
	}

	// Data delivery triggers an ACK back to the client.
	ackPkt := pio.recvOutbound(t)
	_, ackSeg, err := parseIPv4(ackPkt)
	require.NoError(t, err)
	ackHdr, _, err := parseTCP(ackSeg)
	require.NoError(t, err)
	assert.EqualValues(t, 1001+len("hello"), ackHdr.ack)
}

func TestStackAnswersDNSViaHandler(t *testing.T) {
	pio := newFakePacketIO()
	s := New(pio, nil)
	s.DNS = func(query []byte) ([]byte, bool) {
		assert.Equal(t, "query-bytes", string(query))
		return []byte("answer-bytes"), true
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	udpSeg := buildUDP(clientAddr, targetAddr, 9000, 53, []byte("query-bytes"))
	pio.inbound <- buildIPv4(protoUDP, clientAddr, targetAddr, udpSeg)

	out := pio.recvOutbound(t)
	ip, seg, err := parseIPv4(out)
	require.NoError(t, err)
	assert.Equal(t, targetAddr, ip.src)
	assert.Equal(t, clientAddr, ip.dst)
	uh, payload, err := parseUDP(seg)
	require.NoError(t, err)
	assert.EqualValues(t, 53, uh.srcPort)
	assert.Equal(t, "answer-bytes", string(payload))
}

func TestStackDeliversNonDNSUDPToDispatcher(t *testing.T) {
	pio := newFakePacketIO()
	s := New(pio, nil)

	delivered := make(chan flow.Flow, 1)
	var replyFn func([]byte) error
	s.OnUDP = func(f flow.Flow, payload []byte, reply func([]byte) error) {
		assert.Equal(t, "payload", string(payload))
		replyFn = reply
		delivered <- f
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	seg := buildUDP(clientAddr, targetAddr, 6000, 9999, []byte("payload"))
	pio.inbound <- buildIPv4(protoUDP, clientAddr, targetAddr, seg)

	select {
	case f := <-delivered:
		assert.Equal(t, flow.UDP, f.Network)
		assert.EqualValues(t, 9999, f.Destination.Port)
	case <-time.After(2 * time.Second):
		t.Fatal("OnUDP was not invoked")
	}

	require.NoError(t, replyFn([]byte("reply")))
	out := pio.recvOutbound(t)
	_, seg2, err := parseIPv4(out)
	require.NoError(t, err)
	_, payload, err := parseUDP(seg2)
	require.NoError(t, err)
	assert.Equal(t, "reply", string(payload))
}
