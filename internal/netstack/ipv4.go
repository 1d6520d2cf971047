package netstack

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

const (
	protoICMP = 1
	protoTCP  = 6
	protoUDP  = 17
)

// ipv4Header is the subset of an IPv4 header the demuxer needs. Options
// are skipped over but not interpreted (spec §4.6 only needs source,
// destination, and protocol to dispatch a segment).
type ipv4Header struct {
	protocol  uint8
	src, dst  netip.Addr
	headerLen int
	totalLen  int
}

func parseIPv4(pkt []byte) (ipv4Header, []byte, error) {
	if len(pkt) < 20 {
		return ipv4Header{}, nil, fmt.Errorf("netstack: short ipv4 packet (%d bytes)", len(pkt))
	}
	version := pkt[0] >> 4
	if version != 4 {
		return ipv4Header{}, nil, fmt.Errorf("netstack: unsupported IP version %d", version)
	}
	ihl := int(pkt[0]&0x0f) * 4
	if ihl < 20 || len(pkt) < ihl {
		return ipv4Header{}, nil, fmt.Errorf("netstack: invalid ipv4 header length %d", ihl)
	}
	totalLen := int(binary.BigEndian.Uint16(pkt[2:4]))
	if totalLen < ihl || totalLen > len(pkt) {
		totalLen = len(pkt)
	}
	h := ipv4Header{
		protocol:  pkt[9],
		src:       netip.AddrFrom4([4]byte(pkt[12:16])),
		dst:       netip.AddrFrom4([4]byte(pkt[16:20])),
		headerLen: ihl,
		totalLen:  totalLen,
	}
	return h, pkt[ihl:totalLen], nil
}

// buildIPv4 constructs a minimal (no options) IPv4 packet wrapping
// payload, for the write path back to the TUN device.
func buildIPv4(protocol uint8, src, dst netip.Addr, payload []byte) []byte {
	pkt := make([]byte, 20+len(payload))
	pkt[0] = 0x45 // version 4, IHL 5 (20 bytes, no options)
	binary.BigEndian.PutUint16(pkt[2:4], uint16(len(pkt)))
	pkt[8] = 64 // TTL
	pkt[9] = protocol
	s, d := src.As4(), dst.As4()
	copy(pkt[12:16], s[:])
	copy(pkt[16:20], d[:])
	binary.BigEndian.PutUint16(pkt[10:12], internetChecksum(pkt[:20]))
	copy(pkt[20:], payload)
	return pkt
}

// internetChecksum computes the ones'-complement checksum used by both
// the IPv4 header and the TCP/UDP pseudo-header scheme (RFC 791 §3.1 /
// RFC 793 §3.1).
func internetChecksum(b []byte) uint16 {
	var sum uint32
	for i := 0; i+1 < len(b); i += 2 {
		sum += uint32(b[i])<<8 | uint32(b[i+1])
	}
	if len(b)%2 == 1 {
		sum += uint32(b[len(b)-1]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}

func pseudoHeaderChecksum(protocol uint8, src, dst netip.Addr, segLen int) uint32 {
	s, d := src.As4(), dst.As4()
	buf := make([]byte, 12)
	copy(buf[0:4], s[:])
	copy(buf[4:8], d[:])
	buf[9] = protocol
	binary.BigEndian.PutUint16(buf[10:12], uint16(segLen))
	var sum uint32
	for i := 0; i+1 < len(buf); i += 2 {
		sum += uint32(buf[i])<<8 | uint32(buf[i+1])
	}
	return sum
}
