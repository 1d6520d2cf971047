package netstack

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

type tcpFlags uint8

const (
	flagFIN tcpFlags = 1 << 0
	flagSYN tcpFlags = 1 << 1
	flagRST tcpFlags = 1 << 2
	flagACK tcpFlags = 1 << 4
)

func (f tcpFlags) has(bit tcpFlags) bool { return f&bit != 0 }

type tcpHeader struct {
	srcPort, dstPort uint16
	seq, ack         uint32
	flags            tcpFlags
	dataOffset       int
}

func parseTCP(seg []byte) (tcpHeader, []byte, error) {
	if len(seg) < 20 {
		return tcpHeader{}, nil, fmt.Errorf("netstack: short tcp segment (%d bytes)", len(seg))
	}
	dataOffset := int(seg[12]>>4) * 4
	if dataOffset < 20 || dataOffset > len(seg) {
		return tcpHeader{}, nil, fmt.Errorf("netstack: invalid tcp data offset %d", dataOffset)
	}
	h := tcpHeader{
		srcPort:    binary.BigEndian.Uint16(seg[0:2]),
		dstPort:    binary.BigEndian.Uint16(seg[2:4]),
		seq:        binary.BigEndian.Uint32(seg[4:8]),
		ack:        binary.BigEndian.Uint32(seg[8:12]),
		flags:      tcpFlags(seg[13]),
		dataOffset: dataOffset,
	}
	return h, seg[dataOffset:], nil
}

// buildTCP constructs a minimal (no options) TCP segment, checksummed
// over the IPv4 pseudo-header.
func buildTCP(src, dst netip.Addr, srcPort, dstPort uint16, seq, ack uint32, flags tcpFlags, window uint16, payload []byte) []byte {
	seg := make([]byte, 20+len(payload))
	binary.BigEndian.PutUint16(seg[0:2], srcPort)
	binary.BigEndian.PutUint16(seg[2:4], dstPort)
	binary.BigEndian.PutUint32(seg[4:8], seq)
	binary.BigEndian.PutUint32(seg[8:12], ack)
	seg[12] = 5 << 4 // data offset: 5 words, no options
	seg[13] = byte(flags)
	binary.BigEndian.PutUint16(seg[14:16], window)
	copy(seg[20:], payload)

	sum := pseudoHeaderChecksum(protoTCP, src, dst, len(seg))
	for i := 0; i+1 < len(seg); i += 2 {
		sum += uint32(seg[i])<<8 | uint32(seg[i+1])
	}
	if len(seg)%2 == 1 {
		sum += uint32(seg[len(seg)-1]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	binary.BigEndian.PutUint16(seg[16:18], ^uint16(sum))
	return seg
}
