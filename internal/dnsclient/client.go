// Package dnsclient implements the spec §4 DNS client: caching resolution
// with IPv4/IPv6 preference, per-server bind address, and hosts-file
// overrides, built from the nop DNS-over-{UDP,TCP,TLS,HTTPS} primitives.
package dnsclient

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"time"

	"github.com/bassosimone/dnscodec"
	"github.com/bassosimone/nop"
	"github.com/miekg/dns"
)

// Server is one upstream resolver.
type Server struct {
	// Protocol is one of "udp", "tcp", "tls", "https".
	Protocol string
	Endpoint netip.AddrPort
	// URL is the DoH endpoint, required when Protocol == "https".
	URL string
	// Bind is the local address dialed connections originate from, or
	// the zero value to let the OS choose (spec §4: "per-server bind
	// address").
	Bind netip.Addr
}

// Client resolves hostnames against an ordered list of servers, caching
// answers and honoring hosts-file overrides and an IPv4/IPv6 preference.
//
// Fields are safe to read concurrently once constructed; Hosts and
// Servers must not be mutated after construction (reload builds a new
// Client, matching the outbound manager's own reload contract).
type Client struct {
	Servers    []Server
	Hosts      map[string][]netip.Addr
	PreferIPv6 bool

	cfg    *nop.Config
	logger nop.SLogger
	cache  *cache
}

// New constructs a [*Client] with sensible nop defaults.
func New(servers []Server, hosts map[string][]netip.Addr, preferIPv6 bool, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Client{
		Servers:    servers,
		Hosts:      hosts,
		PreferIPv6: preferIPv6,
		cfg:        nop.NewConfig(),
		logger:     logger,
		cache:      newCache(),
	}
}

// Lookup resolves hostname to a list of addresses, consulting hosts
// overrides and the cache before querying upstream servers in order.
func (c *Client) Lookup(ctx context.Context, hostname string) ([]netip.Addr, error) {
	if addrs, ok := c.Hosts[hostname]; ok {
		return addrs, nil
	}

	qtypes := []uint16{dns.TypeA, dns.TypeAAAA}
	if c.PreferIPv6 {
		qtypes = []uint16{dns.TypeAAAA, dns.TypeA}
	}

	var out []netip.Addr
	var lastErr error
	for _, qtype := range qtypes {
		if addrs, ok := c.cache.get(hostname, qtype); ok {
			out = append(out, addrs...)
			continue
		}
		addrs, ttl, err := c.queryServers(ctx, hostname, qtype)
		if err != nil {
			lastErr = err
			continue
		}
		c.cache.put(hostname, qtype, addrs, ttl)
		out = append(out, addrs...)
	}
	if len(out) == 0 && lastErr != nil {
		return nil, lastErr
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("dnsclient: no records for %q", hostname)
	}
	return out, nil
}

// queryServers tries each configured server in declared order, returning
// the first successful answer.
func (c *Client) queryServers(ctx context.Context, hostname string, qtype uint16) ([]netip.Addr, time.Duration, error) {
	if len(c.Servers) == 0 {
		return nil, 0, fmt.Errorf("dnsclient: no servers configured")
	}
	var lastErr error
	for _, srv := range c.Servers {
		addrs, ttl, err := c.exchangeOne(ctx, srv, hostname, qtype)
		if err == nil {
			return addrs, ttl, nil
		}
		lastErr = err
	}
	return nil, 0, lastErr
}

func (c *Client) exchangeOne(ctx context.Context, srv Server, hostname string, qtype uint16) ([]netip.Addr, time.Duration, error) {
	query := dnscodec.NewQuery(hostname, qtype)
	switch strings.ToLower(srv.Protocol) {
	case "udp":
		return c.exchangeUDP(ctx, srv, query)
	case "tcp":
		return c.exchangeTCP(ctx, srv, query)
	case "tls":
		return c.exchangeTLS(ctx, srv, query)
	case "https":
		return c.exchangeHTTPS(ctx, srv, query)
	default:
		return nil, 0, fmt.Errorf("dnsclient: unknown server protocol %q", srv.Protocol)
	}
}

func (c *Client) dialer(srv Server) *nop.ConnectFunc {
	cfg := *c.cfg
	if srv.Bind.IsValid() {
		cfg.Dialer = &net_localAddrDialer{addr: srv.Bind}
	}
	network := "udp"
	if srv.Protocol != "udp" {
		network = "tcp"
	}
	return nop.NewConnectFunc(&cfg, network, c.logger)
}

func recordsFor(resp *dnscodec.Response, qtype uint16) ([]netip.Addr, error) {
	if qtype == dns.TypeAAAA {
		return resp.RecordsAAAA()
	}
	return resp.RecordsA()
}
