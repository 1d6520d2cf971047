// Package netstack implements the spec §4.6 NetStack half: a minimal
// user-space TCP/UDP termination point that reads IP packets from a
// packet-IO source, reassembles flows, and hands them to the dispatcher.
package netstack

import "context"

// PacketIO abstracts the platform-specific TUN device behind the
// packet-level interface the design notes call for (spec §9: "Abstract
// behind a packet-IO interface exposing read_packet/write_packet"). The
// TUN device itself — and each platform's callback ABI wiring it to this
// interface (darwin/linux native device, Windows WinTun-like bridge,
// Android/iOS host file descriptor) — is an external collaborator outside
// this package's scope.
type PacketIO interface {
	ReadPacket(ctx context.Context) ([]byte, error)
	WritePacket(ctx context.Context, pkt []byte) error
}
