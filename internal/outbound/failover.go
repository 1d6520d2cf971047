package outbound

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/sqzxcv/leaf/internal/config"
	"github.com/sqzxcv/leaf/internal/dnsclient"
)

// failoverHandler keeps a background probe task measuring each actor's
// connect latency against a fixed probe target, and on every real connect
// attempt tries actors in ascending last-measured-RTT order, each bounded
// by failTimeout, falling through to the next actor on error or timeout
// (spec §4.2 Failover). The probe task's cancellation handle is surrendered
// to the [Manager] via [Closer] so [Manager.Reload] can stop it.
type failoverHandler struct {
	tag         string
	actors      []Handler
	failTimeout time.Duration
	probeTarget Target
	probeEvery  time.Duration

	mu      sync.RWMutex
	rtt     map[string]time.Duration
	cancel  context.CancelFunc
	probeWG sync.WaitGroup
}

func buildFailover(decl config.Outbound, resolve func(string) (Handler, bool), _ *dnsclient.Client, logger *slog.Logger) (Handler, bool, error) {
	actors, ok := resolveActors(decl.Actors, resolve)
	if !ok {
		return nil, false, nil
	}
	if len(actors) == 0 {
		return nil, false, nil
	}
	failTimeout := durationSetting(decl.Settings, "fail_timeout", 5*time.Second)
	probeEvery := durationSetting(decl.Settings, "probe_interval", 30*time.Second)

	probeHost, _ := decl.Settings["probe_host"].(string)
	if probeHost == "" {
		probeHost = "1.1.1.1"
	}
	probePort := intSetting(decl.Settings, "probe_port", 80)
	probeTarget := Target{Host: probeHost, Port: uint16(probePort)}
	if a, err := netip.ParseAddr(probeHost); err == nil {
		probeTarget.Addr = a
	}

	h := &failoverHandler{
		tag: decl.Tag, actors: actors, failTimeout: failTimeout,
		probeTarget: probeTarget, probeEvery: probeEvery,
		rtt: make(map[string]time.Duration, len(actors)),
	}
	h.startProbing(logger)
	return h, true, nil
}

func (h *failoverHandler) Tag() string    { return h.tag }
func (h *failoverHandler) TCP() TCPDialer { return h }
func (h *failoverHandler) UDP() UDPDialer { return h }

// Close stops the background probe task (spec §4.1 reload step (d)).
func (h *failoverHandler) Close() {
	h.mu.RLock()
	cancel := h.cancel
	h.mu.RUnlock()
	if cancel != nil {
		cancel()
	}
	h.probeWG.Wait()
}

func (h *failoverHandler) startProbing(logger *slog.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	h.mu.Lock()
	h.cancel = cancel
	h.mu.Unlock()

	h.probeWG.Add(1)
	go func() {
		defer h.probeWG.Done()
		ticker := time.NewTicker(h.probeEvery)
		defer ticker.Stop()
		h.probeOnce(ctx, logger)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				h.probeOnce(ctx, logger)
			}
		}
	}()
}

func (h *failoverHandler) probeOnce(ctx context.Context, logger *slog.Logger) {
	for _, actor := range h.actors {
		if actor.TCP() == nil {
			continue
		}
		probeCtx, cancel := context.WithTimeout(ctx, h.failTimeout)
		t0 := time.Now()
		conn, err := actor.TCP().DialTCP(probeCtx, h.probeTarget)
		elapsed := time.Since(t0)
		cancel()
		if err != nil {
			h.mu.Lock()
			h.rtt[actor.Tag()] = h.failTimeout + time.Second // push failing actors to the back
			h.mu.Unlock()
			if logger != nil {
				logger.Debug("failover probe failed", "tag", h.tag, "actor", actor.Tag(), "err", err)
			}
			continue
		}
		conn.Close()
		h.mu.Lock()
		h.rtt[actor.Tag()] = elapsed
		h.mu.Unlock()
	}
}

// priorityOrder returns actors sorted by ascending last-measured RTT.
// A never-yet-probed actor ranks as if its RTT were failTimeout/2: after
// known-good actors faster than that, before slower known-good ones and
// before known-failing ones, so a fresh actor still gets tried early.
func (h *failoverHandler) priorityOrder() []Handler {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ordered := make([]Handler, len(h.actors))
	copy(ordered, h.actors)
	sort.SliceStable(ordered, func(i, j int) bool {
		ri, iok := h.rtt[ordered[i].Tag()]
		rj, jok := h.rtt[ordered[j].Tag()]
		if !iok {
			ri = h.failTimeout / 2
		}
		if !jok {
			rj = h.failTimeout / 2
		}
		return ri < rj
	})
	return ordered
}

func (h *failoverHandler) DialTCP(ctx context.Context, t Target) (net.Conn, error) {
	var lastErr error
	for _, actor := range h.priorityOrder() {
		if actor.TCP() == nil {
			continue
		}
		attemptCtx, cancel := context.WithTimeout(ctx, h.failTimeout)
		conn, err := actor.TCP().DialTCP(attemptCtx, t)
		cancel()
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("failover %q: no actor has a TCP capability", h.tag)
	}
	return nil, lastErr
}

func (h *failoverHandler) DialUDP(ctx context.Context, t Target) (PacketConn, error) {
	for _, actor := range h.priorityOrder() {
		if actor.UDP() == nil {
			continue
		}
		pc, err := actor.UDP().DialUDP(ctx, t)
		if err == nil {
			return pc, nil
		}
	}
	return nil, fmt.Errorf("failover %q: no actor accepted the UDP connection", h.tag)
}
