package netstack

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

type udpHeader struct {
	srcPort, dstPort uint16
}

func parseUDP(seg []byte) (udpHeader, []byte, error) {
	if len(seg) < 8 {
		return udpHeader{}, nil, fmt.Errorf("netstack: short udp segment (%d bytes)", len(seg))
	}
	h := udpHeader{
		srcPort: binary.BigEndian.Uint16(seg[0:2]),
		dstPort: binary.BigEndian.Uint16(seg[2:4]),
	}
	length := int(binary.BigEndian.Uint16(seg[4:6]))
	if length < 8 || length > len(seg) {
		length = len(seg)
	}
	return h, seg[8:length], nil
}

// buildUDP constructs a UDP segment with a checksum computed over the
// IPv4 pseudo-header, as RFC 768 requires for IPv4.
func buildUDP(src, dst netip.Addr, srcPort, dstPort uint16, payload []byte) []byte {
	seg := make([]byte, 8+len(payload))
	binary.BigEndian.PutUint16(seg[0:2], srcPort)
	binary.BigEndian.PutUint16(seg[2:4], dstPort)
	binary.BigEndian.PutUint16(seg[4:6], uint16(len(seg)))
	copy(seg[8:], payload)

	sum := pseudoHeaderChecksum(protoUDP, src, dst, len(seg))
	for i := 0; i+1 < len(seg); i += 2 {
		sum += uint32(seg[i])<<8 | uint32(seg[i+1])
	}
	if len(seg)%2 == 1 {
		sum += uint32(seg[len(seg)-1]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	checksum := ^uint16(sum)
	if checksum == 0 {
		checksum = 0xffff // RFC 768: an all-zero computed checksum is transmitted as all-ones
	}
	binary.BigEndian.PutUint16(seg[6:8], checksum)
	return seg
}
