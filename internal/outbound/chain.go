package outbound

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"github.com/sqzxcv/leaf/internal/config"
	"github.com/sqzxcv/leaf/internal/dnsclient"
)

// chainHandler holds an ordered list of actors and dials through the last
// one only. The earlier actors are never invoked, so their transports are
// not layered underneath the last actor's: every outbound handler here
// connects by [Target], and none can dial over an existing [net.Conn].
// The chain has no UDP capability.
type chainHandler struct {
	tag    string
	actors []Handler
}

func buildChain(decl config.Outbound, resolve func(string) (Handler, bool), _ *dnsclient.Client, _ *slog.Logger) (Handler, bool, error) {
	actors, ok := resolveActors(decl.Actors, resolve)
	if !ok {
		return nil, false, nil
	}
	if len(actors) == 0 {
		return nil, false, nil
	}
	return &chainHandler{tag: decl.Tag, actors: actors}, true, nil
}

func (h *chainHandler) Tag() string    { return h.tag }
func (h *chainHandler) TCP() TCPDialer { return h }
func (h *chainHandler) UDP() UDPDialer { return nil }

// DialTCP connects through the chain's final actor alone; the other actors
// in the list take no part in the connection.
func (h *chainHandler) DialTCP(ctx context.Context, t Target) (net.Conn, error) {
	last := h.actors[len(h.actors)-1]
	if last.TCP() == nil {
		return nil, fmt.Errorf("chain %q: last actor %q has no TCP capability", h.tag, last.Tag())
	}
	return last.TCP().DialTCP(ctx, t)
}
