package outbound

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/sqzxcv/leaf/internal/config"
	"github.com/sqzxcv/leaf/internal/dnsclient"
)

// tryAllHandler starts a connect attempt against every actor at once,
// staggered by a small delay, and keeps the first one to succeed while
// cancelling the rest (spec §4.2 TryAll).
type tryAllHandler struct {
	tag     string
	actors  []Handler
	stagger time.Duration
}

func buildTryAll(decl config.Outbound, resolve func(string) (Handler, bool), _ *dnsclient.Client, _ *slog.Logger) (Handler, bool, error) {
	actors, ok := resolveActors(decl.Actors, resolve)
	if !ok {
		return nil, false, nil
	}
	stagger := durationSetting(decl.Settings, "stagger_delay", 250*time.Millisecond)
	return &tryAllHandler{tag: decl.Tag, actors: actors, stagger: stagger}, true, nil
}

func (h *tryAllHandler) Tag() string    { return h.tag }
func (h *tryAllHandler) TCP() TCPDialer { return h }
func (h *tryAllHandler) UDP() UDPDialer { return h }

type tryAllResult struct {
	conn net.Conn
	pc   PacketConn
	err  error
}

func (h *tryAllHandler) DialTCP(ctx context.Context, t Target) (net.Conn, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan tryAllResult, len(h.actors))
	launched := 0
	for i, actor := range h.actors {
		if actor.TCP() == nil {
			continue
		}
		launched++
		i, actor := i, actor
		go func() {
			select {
			case <-time.After(time.Duration(i) * h.stagger):
			case <-ctx.Done():
				results <- tryAllResult{err: ctx.Err()}
				return
			}
			conn, err := actor.TCP().DialTCP(ctx, t)
			results <- tryAllResult{conn: conn, err: err}
		}()
	}

	var lastErr error
	for j := 0; j < launched; j++ {
		r := <-results
		if r.err == nil {
			return r.conn, nil
		}
		lastErr = r.err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("tryall %q: no actor has a TCP capability", h.tag)
	}
	return nil, lastErr
}

func (h *tryAllHandler) DialUDP(ctx context.Context, t Target) (PacketConn, error) {
	for _, actor := range h.actors {
		if actor.UDP() == nil {
			continue
		}
		pc, err := actor.UDP().DialUDP(ctx, t)
		if err == nil {
			return pc, nil
		}
	}
	return nil, fmt.Errorf("tryall %q: no actor accepted the UDP connection", h.tag)
}

// resolveActors looks up every tag in actors via resolve, returning ok=false
// if any is still missing (signals the fixed-point loop to defer this decl).
func resolveActors(tags []string, resolve func(string) (Handler, bool)) ([]Handler, bool) {
	out := make([]Handler, 0, len(tags))
	for _, tag := range tags {
		h, ok := resolve(tag)
		if !ok {
			return nil, false
		}
		out = append(out, h)
	}
	return out, true
}

func intSetting(settings map[string]any, key string, def int) int {
	v, ok := settings[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	}
	return def
}

func durationSetting(settings map[string]any, key string, def time.Duration) time.Duration {
	v, ok := settings[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case int:
		return time.Duration(n) * time.Millisecond
	case float64:
		return time.Duration(n) * time.Millisecond
	case string:
		if d, err := time.ParseDuration(n); err == nil {
			return d
		}
	}
	return def
}
