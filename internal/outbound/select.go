package outbound

import (
	"context"
	"net"
	"sync"
)

// selectHandler forwards every call to whichever actor is currently
// selected, and lets the control plane change that actor at runtime
// without rebuilding the graph (spec §4.3 Select).
type selectHandler struct {
	tag     string
	actors  []string
	resolve func(string) (Handler, bool)

	mu       sync.RWMutex
	selected string
}

func newSelectHandler(tag string, actors []string, selected string, resolve func(string) (Handler, bool)) *selectHandler {
	return &selectHandler{tag: tag, actors: actors, selected: selected, resolve: resolve}
}

func (h *selectHandler) Tag() string    { return h.tag }
func (h *selectHandler) TCP() TCPDialer { return h }
func (h *selectHandler) UDP() UDPDialer { return h }

// setSelected changes the active actor. The caller (Manager.SetSelectorState)
// persists the choice across reloads. Neither checks actor against the
// configured set; a name outside it is replaced by the first actor on the
// next reload.
func (h *selectHandler) setSelected(actor string) {
	h.mu.Lock()
	h.selected = actor
	h.mu.Unlock()
}

func (h *selectHandler) current() (Handler, bool) {
	h.mu.RLock()
	tag := h.selected
	h.mu.RUnlock()
	return h.resolve(tag)
}

func (h *selectHandler) DialTCP(ctx context.Context, t Target) (net.Conn, error) {
	actor, ok := h.current()
	if !ok || actor.TCP() == nil {
		return nil, errSelectorUnresolved(h.tag)
	}
	return actor.TCP().DialTCP(ctx, t)
}

func (h *selectHandler) DialUDP(ctx context.Context, t Target) (PacketConn, error) {
	actor, ok := h.current()
	if !ok || actor.UDP() == nil {
		return nil, errSelectorUnresolved(h.tag)
	}
	return actor.UDP().DialUDP(ctx, t)
}

type selectorUnresolvedError struct{ tag string }

func (e *selectorUnresolvedError) Error() string {
	return "outbound: select " + e.tag + ": selected actor has no matching capability"
}

func errSelectorUnresolved(tag string) error { return &selectorUnresolvedError{tag: tag} }
