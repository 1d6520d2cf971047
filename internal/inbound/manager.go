package inbound

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sqzxcv/leaf/internal/config"
)

// Manager owns the set of listeners started from [config.Inbound]
// declarations and stops them together on shutdown.
type Manager struct {
	listeners []*SOCKSListener
	logger    *slog.Logger
}

// New starts one listener per decls entry whose protocol this package
// implements. "tun" declarations are skipped here: the TUN/fake-DNS
// bridge has no network listener to bind and is instead wired directly
// against internal/netstack by the caller (spec §4.6).
func New(decls []config.Inbound, onFlow Accept, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	m := &Manager{logger: logger}
	for _, d := range decls {
		switch d.Protocol {
		case "socks", "socks5":
			l, err := ListenSOCKS(d.Tag, d.Listen, onFlow, logger)
			if err != nil {
				m.Close()
				return nil, err
			}
			m.listeners = append(m.listeners, l)
		case "tun":
			continue
		default:
			m.Close()
			return nil, fmt.Errorf("inbound: unknown protocol %q for tag %q", d.Protocol, d.Tag)
		}
	}
	return m, nil
}

// Serve runs every listener's accept loop until ctx is cancelled,
// returning once all of them have stopped.
func (m *Manager) Serve(ctx context.Context) {
	done := make(chan struct{}, len(m.listeners))
	for _, l := range m.listeners {
		l := l
		go func() {
			if err := l.Serve(ctx); err != nil && ctx.Err() == nil {
				m.logger.Warn("inbound: listener stopped", "tag", l.Tag, "err", err)
			}
			done <- struct{}{}
		}()
	}
	for range m.listeners {
		<-done
	}
}

// Close stops every listener.
func (m *Manager) Close() {
	for _, l := range m.listeners {
		l.Close()
	}
}
