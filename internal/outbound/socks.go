package outbound

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"golang.org/x/net/proxy"

	"github.com/sqzxcv/leaf/internal/config"
	"github.com/sqzxcv/leaf/internal/dnsclient"
)

// socksHandler connects to targets through an upstream SOCKS5 proxy
// server using golang.org/x/net/proxy's client dialer.
type socksHandler struct {
	tag      string
	server   string
	username string
	password string
}

func buildSocks(decl config.Outbound, _ func(string) (Handler, bool), _ *dnsclient.Client, _ *slog.Logger) (Handler, bool, error) {
	server, _ := decl.Settings["server"].(string)
	if server == "" {
		return nil, false, fmt.Errorf("socks %q: settings.server is required", decl.Tag)
	}
	username, _ := decl.Settings["username"].(string)
	password, _ := decl.Settings["password"].(string)
	return &socksHandler{tag: decl.Tag, server: server, username: username, password: password}, true, nil
}

func (h *socksHandler) Tag() string    { return h.tag }
func (h *socksHandler) TCP() TCPDialer { return h }
func (h *socksHandler) UDP() UDPDialer { return nil } // SOCKS5 UDP ASSOCIATE is not modeled here

func (h *socksHandler) dialer() (proxy.Dialer, error) {
	var auth *proxy.Auth
	if h.username != "" {
		auth = &proxy.Auth{User: h.username, Password: h.password}
	}
	return proxy.SOCKS5("tcp", h.server, auth, proxy.Direct)
}

func (h *socksHandler) DialTCP(ctx context.Context, t Target) (net.Conn, error) {
	d, err := h.dialer()
	if err != nil {
		return nil, err
	}
	cd, ok := d.(proxy.ContextDialer)
	addr := targetAddr(t)
	if ok {
		return cd.DialContext(ctx, "tcp", addr)
	}
	return d.Dial("tcp", addr)
}

func targetAddr(t Target) string {
	host := t.Host
	if host == "" {
		host = t.Addr.String()
	}
	return net.JoinHostPort(host, fmt.Sprint(t.Port))
}
