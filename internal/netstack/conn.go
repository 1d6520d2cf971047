package netstack

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"
	"time"
)

type fourTuple struct {
	srcAddr, dstAddr netip.Addr
	srcPort, dstPort uint16
}

// tcpConn is a [net.Conn] backed by a [Stack]-terminated TCP connection:
// Read drains an in-order byte pipe fed by incoming segments, Write
// synthesizes an outgoing data segment per call. There is no
// retransmission or reordering buffer (see package doc); deadlines are
// accepted but not enforced since the underlying transport is an
// in-memory pipe, not a socket with kernel-level timeout support.
type tcpConn struct {
	stack *Stack
	tuple fourTuple

	mu     sync.Mutex
	seq    uint32 // next sequence number this side will send
	ack    uint32 // next sequence number expected from the peer
	closed bool

	pr *io.PipeReader
	pw *io.PipeWriter
}

func newTCPConn(stack *Stack, tuple fourTuple, isn, peerNextSeq uint32) *tcpConn {
	pr, pw := io.Pipe()
	return &tcpConn{stack: stack, tuple: tuple, seq: isn, ack: peerNextSeq, pr: pr, pw: pw}
}

func (c *tcpConn) Read(b []byte) (int, error) { return c.pr.Read(b) }

func (c *tcpConn) Write(b []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, net.ErrClosed
	}
	seg := buildTCP(c.tuple.dstAddr, c.tuple.srcAddr, c.tuple.dstPort, c.tuple.srcPort, c.seq, c.ack, flagACK, 65535, b)
	if err := c.stack.io.WritePacket(context.Background(), buildIPv4(protoTCP, c.tuple.dstAddr, c.tuple.srcAddr, seg)); err != nil {
		return 0, err
	}
	c.seq += uint32(len(b))
	return len(b), nil
}

// CloseWrite sends a FIN, implementing the dispatcher's half-close
// propagation without tearing down the read side.
func (c *tcpConn) CloseWrite() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	seg := buildTCP(c.tuple.dstAddr, c.tuple.srcAddr, c.tuple.dstPort, c.tuple.srcPort, c.seq, c.ack, flagACK|flagFIN, 65535, nil)
	err := c.stack.io.WritePacket(context.Background(), buildIPv4(protoTCP, c.tuple.dstAddr, c.tuple.srcAddr, seg))
	c.seq++
	c.closed = true
	return err
}

func (c *tcpConn) Close() error {
	c.CloseWrite()
	c.pw.Close()
	c.stack.removeConn(c.tuple)
	return nil
}

func (c *tcpConn) onData(ctx context.Context, payload []byte) error {
	c.mu.Lock()
	c.ack += uint32(len(payload))
	ack := c.ack
	seq := c.seq
	c.mu.Unlock()

	if _, err := c.pw.Write(payload); err != nil {
		return err
	}
	seg := buildTCP(c.tuple.dstAddr, c.tuple.srcAddr, c.tuple.dstPort, c.tuple.srcPort, seq, ack, flagACK, 65535, nil)
	return c.stack.io.WritePacket(ctx, buildIPv4(protoTCP, c.tuple.dstAddr, c.tuple.srcAddr, seg))
}

func (c *tcpConn) onFIN(ctx context.Context) error {
	c.mu.Lock()
	c.ack++
	ack := c.ack
	seq := c.seq
	c.mu.Unlock()

	c.pw.Close() // EOF: the peer half-closed its write side
	seg := buildTCP(c.tuple.dstAddr, c.tuple.srcAddr, c.tuple.dstPort, c.tuple.srcPort, seq, ack, flagACK, 65535, nil)
	return c.stack.io.WritePacket(ctx, buildIPv4(protoTCP, c.tuple.dstAddr, c.tuple.srcAddr, seg))
}

func (c *tcpConn) onRST() {
	c.pw.CloseWithError(fmt.Errorf("netstack: connection reset by peer"))
	c.stack.removeConn(c.tuple)
}

func (c *tcpConn) LocalAddr() net.Addr {
	return &net.TCPAddr{IP: c.tuple.dstAddr.AsSlice(), Port: int(c.tuple.dstPort)}
}

func (c *tcpConn) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: c.tuple.srcAddr.AsSlice(), Port: int(c.tuple.srcPort)}
}

// Deadlines are accepted (to satisfy [net.Conn]) but have no effect: see
// the type doc comment.
func (c *tcpConn) SetDeadline(t time.Time) error      { return nil }
func (c *tcpConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *tcpConn) SetWriteDeadline(t time.Time) error { return nil }

var _ net.Conn = (*tcpConn)(nil)
