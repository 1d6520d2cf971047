package nat

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sqzxcv/leaf/internal/flow"
	"github.com/sqzxcv/leaf/internal/outbound"
)

type fakePacketConn struct {
	closed bool
}

func (f *fakePacketConn) WriteTo(p []byte, addr outbound.Target) (int, error) { return len(p), nil }
func (f *fakePacketConn) ReadFrom(p []byte) (int, outbound.Target, error)     { return 0, outbound.Target{}, nil }
func (f *fakePacketConn) Close() error                                       { f.closed = true; return nil }

func testFlow() flow.Flow {
	return flow.Flow{
		Network:     flow.UDP,
		Source:      netip.MustParseAddrPort("10.0.0.1:1234"),
		Destination: flow.Destination{Addr: netip.MustParseAddr("1.1.1.1"), Port: 53},
	}
}

func TestPutAndGet(t *testing.T) {
	m := NewManager(30 * time.Second)
	defer m.Close()

	f := testFlow()
	_, ok := m.Get(f)
	assert.False(t, ok)

	conn := &fakePacketConn{}
	m.Put(f, conn)

	s, ok := m.Get(f)
	require.True(t, ok)
	assert.Same(t, conn, s.Conn)
}

func TestRemoveClosesConn(t *testing.T) {
	m := NewManager(30 * time.Second)
	defer m.Close()

	f := testFlow()
	conn := &fakePacketConn{}
	m.Put(f, conn)
	m.Remove(f.ID())

	_, ok := m.Get(f)
	assert.False(t, ok)
	assert.True(t, conn.closed)
}

func TestEvictionClosesIdleSessions(t *testing.T) {
	m := NewManager(50 * time.Millisecond)
	defer m.Close()

	f := testFlow()
	conn := &fakePacketConn{}
	m.Put(f, conn)

	assert.Eventually(t, func() bool { return conn.closed }, 2*time.Second, 10*time.Millisecond)
	_, ok := m.Get(f)
	assert.False(t, ok)
}

func TestTouchResetsIdleClock(t *testing.T) {
	m := NewManager(100 * time.Millisecond)
	defer m.Close()

	f := testFlow()
	conn := &fakePacketConn{}
	s := m.Put(f, conn)

	stop := time.Now().Add(150 * time.Millisecond)
	for time.Now().Before(stop) {
		s.Touch(time.Now())
		time.Sleep(20 * time.Millisecond)
	}
	_, ok := m.Get(f)
	assert.True(t, ok, "session touched frequently enough should not be evicted")
}
