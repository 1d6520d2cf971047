package outbound

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"github.com/hashicorp/go-multierror"

	"github.com/sqzxcv/leaf/internal/config"
	"github.com/sqzxcv/leaf/internal/dnsclient"
)

// retryHandler tries its single actor up to attempts times, returning the
// first success and aggregating every failure otherwise (spec §4.2 Retry).
type retryHandler struct {
	tag      string
	actor    Handler
	attempts int
}

func buildRetry(decl config.Outbound, resolve func(string) (Handler, bool), _ *dnsclient.Client, _ *slog.Logger) (Handler, bool, error) {
	actors, ok := resolveActors(decl.Actors, resolve)
	if !ok {
		return nil, false, nil
	}
	attempts := intSetting(decl.Settings, "attempts", 3)
	if len(actors) == 0 {
		return nil, false, nil
	}
	return &retryHandler{tag: decl.Tag, actor: actors[0], attempts: attempts}, true, nil
}

func (h *retryHandler) Tag() string    { return h.tag }
func (h *retryHandler) TCP() TCPDialer { return h }
func (h *retryHandler) UDP() UDPDialer { return h }

func (h *retryHandler) DialTCP(ctx context.Context, t Target) (net.Conn, error) {
	if h.actor.TCP() == nil {
		return nil, fmt.Errorf("retry %q: actor %q has no TCP capability", h.tag, h.actor.Tag())
	}
	var errs *multierror.Error
	for i := 0; i < h.attempts; i++ {
		conn, err := h.actor.TCP().DialTCP(ctx, t)
		if err == nil {
			return conn, nil
		}
		errs = multierror.Append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	return nil, errs.ErrorOrNil()
}

func (h *retryHandler) DialUDP(ctx context.Context, t Target) (PacketConn, error) {
	if h.actor.UDP() == nil {
		return nil, fmt.Errorf("retry %q: actor %q has no UDP capability", h.tag, h.actor.Tag())
	}
	var errs *multierror.Error
	for i := 0; i < h.attempts; i++ {
		pc, err := h.actor.UDP().DialUDP(ctx, t)
		if err == nil {
			return pc, nil
		}
		errs = multierror.Append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	return nil, errs.ErrorOrNil()
}
