package inbound

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sqzxcv/leaf/internal/flow"
)

func TestSOCKSHandshakeConnectToDomain(t *testing.T) {
	accepted := make(chan flow.Flow, 1)
	l, err := ListenSOCKS("in", "127.0.0.1:0", func(f flow.Flow, conn net.Conn) {
		accepted <- f
		conn.Close()
	}, nil)
	require.NoError(t, err)
	defer l.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Serve(ctx)

	conn, err := net.Dial("tcp", l.ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(2 * time.Second))

	_, err = conn.Write([]byte{socksVersion5, 1, 0x00})
	require.NoError(t, err)
	resp := make([]byte, 2)
	_, err = conn.Read(resp)
	require.NoError(t, err)
	assert.Equal(t, []byte{socksVersion5, 0x00}, resp)

	domain := "example.com"
	req := []byte{socksVersion5, socksCmdConnect, 0x00, socksAtypDomain, byte(len(domain))}
	req = append(req, domain...)
	portBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(portBuf, 80)
	req = append(req, portBuf...)
	_, err = conn.Write(req)
	require.NoError(t, err)

	reply := make([]byte, 10)
	_, err = conn.Read(reply)
	require.NoError(t, err)
	assert.Equal(t, byte(socksReplySuccess), reply[1])

	select {
	case f := <-accepted:
		assert.Equal(t, "example.com", f.Destination.Host)
		assert.EqualValues(t, 80, f.Destination.Port)
		assert.Equal(t, "in", f.InboundTag)
	case <-time.After(2 * time.Second):
		t.Fatal("onFlow was not invoked")
	}
}

func TestSOCKSHandshakeConnectToIPv4(t *testing.T) {
	accepted := make(chan flow.Flow, 1)
	l, err := ListenSOCKS("in", "127.0.0.1:0", func(f flow.Flow, conn net.Conn) {
		accepted <- f
		conn.Close()
	}, nil)
	require.NoError(t, err)
	defer l.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Serve(ctx)

	conn, err := net.Dial("tcp", l.ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(2 * time.Second))

	_, err = conn.Write([]byte{socksVersion5, 1, 0x00})
	require.NoError(t, err)
	resp := make([]byte, 2)
	_, err = conn.Read(resp)
	require.NoError(t, err)

	req := []byte{socksVersion5, socksCmdConnect, 0x00, socksAtypIPv4, 93, 184, 216, 34, 0, 443}
	_, err = conn.Write(req)
	require.NoError(t, err)

	reply := make([]byte, 10)
	_, err = conn.Read(reply)
	require.NoError(t, err)
	assert.Equal(t, byte(socksReplySuccess), reply[1])

	select {
	case f := <-accepted:
		assert.Equal(t, "93.184.216.34", f.Destination.Addr.String())
		assert.EqualValues(t, 443, f.Destination.Port)
	case <-time.After(2 * time.Second):
		t.Fatal("onFlow was not invoked")
	}
}

func TestSOCKSRejectsUnsupportedCommand(t *testing.T) {
	l, err := ListenSOCKS("in", "127.0.0.1:0", nil, nil)
	require.NoError(t, err)
	defer l.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Serve(ctx)

	conn, err := net.Dial("tcp", l.ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(2 * time.Second))

	conn.Write([]byte{socksVersion5, 1, 0x00})
	resp := make([]byte, 2)
	conn.Read(resp)

	// BIND (0x02) is not supported.
	conn.Write([]byte{socksVersion5, 0x02, 0x00, socksAtypIPv4, 1, 1, 1, 1, 0, 80})
	reply := make([]byte, 10)
	_, err = conn.Read(reply)
	require.NoError(t, err)
	assert.Equal(t, byte(socksReplyFailure), reply[1])
}
