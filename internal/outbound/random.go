package outbound

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/sqzxcv/leaf/internal/config"
	"github.com/sqzxcv/leaf/internal/dnsclient"
)

// randomHandler picks one actor uniformly at random per connect attempt
// (spec §4.2 Random).
type randomHandler struct {
	tag    string
	actors []Handler

	mu  sync.Mutex
	rnd *rand.Rand
}

func buildRandom(decl config.Outbound, resolve func(string) (Handler, bool), _ *dnsclient.Client, _ *slog.Logger) (Handler, bool, error) {
	actors, ok := resolveActors(decl.Actors, resolve)
	if !ok {
		return nil, false, nil
	}
	return &randomHandler{tag: decl.Tag, actors: actors, rnd: rand.New(rand.NewSource(time.Now().UnixNano()))}, true, nil
}

func (h *randomHandler) Tag() string    { return h.tag }
func (h *randomHandler) TCP() TCPDialer { return h }
func (h *randomHandler) UDP() UDPDialer { return h }

func (h *randomHandler) pick() Handler {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.actors[h.rnd.Intn(len(h.actors))]
}

func (h *randomHandler) DialTCP(ctx context.Context, t Target) (net.Conn, error) {
	actor := h.pick()
	if actor.TCP() == nil {
		return nil, fmt.Errorf("random %q: selected actor %q has no TCP capability", h.tag, actor.Tag())
	}
	return actor.TCP().DialTCP(ctx, t)
}

func (h *randomHandler) DialUDP(ctx context.Context, t Target) (PacketConn, error) {
	actor := h.pick()
	if actor.UDP() == nil {
		return nil, fmt.Errorf("random %q: selected actor %q has no UDP capability", h.tag, actor.Tag())
	}
	return actor.UDP().DialUDP(ctx, t)
}
