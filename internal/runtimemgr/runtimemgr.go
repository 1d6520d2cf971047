// Package runtimemgr implements the spec §6 CLI/host API: a small
// registry of running proxy instances, each built from a parsed
// [config.Config] and torn down as a unit on shutdown.
package runtimemgr

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"strings"
	"sync"

	"github.com/datawire/dlib/dlog"
	"github.com/miekg/dns"
	"golang.org/x/sync/errgroup"

	"github.com/sqzxcv/leaf/internal/config"
	"github.com/sqzxcv/leaf/internal/coreerrors"
	"github.com/sqzxcv/leaf/internal/dispatcher"
	"github.com/sqzxcv/leaf/internal/dnsclient"
	"github.com/sqzxcv/leaf/internal/fakedns"
	"github.com/sqzxcv/leaf/internal/flow"
	"github.com/sqzxcv/leaf/internal/inbound"
	"github.com/sqzxcv/leaf/internal/nat"
	"github.com/sqzxcv/leaf/internal/netstack"
	"github.com/sqzxcv/leaf/internal/outbound"
	"github.com/sqzxcv/leaf/internal/router"
)

// Options carries the host-supplied extras run() needs beyond the config
// file itself (spec §6: "opts").
type Options struct {
	// Logger receives structured logs for every instance started with
	// these Options. Defaults to a stderr text handler.
	Logger *slog.Logger
	// PacketIO feeds the netstack/fake-DNS bridge (spec §4.6). The TUN
	// device itself is a platform-provided external collaborator (spec
	// §6 "TUN callback ABI"); callers that want a "tun" inbound to do
	// anything must supply the adapter here. Nil leaves any "tun"
	// declaration in the config accepted but inert.
	PacketIO netstack.PacketIO
}

var (
	registryMu sync.Mutex
	registry   = make(map[uint16]*instance)
)

// instance is one running proxy, keyed by the instance_id the host API
// uses across run/reload/shutdown (spec §6).
type instance struct {
	id         uint16
	configPath string

	cancel context.CancelFunc
	comps  *components
}

// Run starts a proxy instance from the config file at configPath and
// blocks until it is shut down, per spec §6's `run(instance_id,
// config_path, opts) → error_code`.
func Run(id uint16, configPath string, opts Options) coreerrors.Code {
	if opts.Logger == nil {
		opts.Logger = defaultLogger()
	}

	registryMu.Lock()
	if _, exists := registry[id]; exists {
		registryMu.Unlock()
		return coreerrors.CodeRuntimeManager
	}
	registryMu.Unlock()

	if _, err := os.Stat(configPath); err != nil {
		return coreerrors.CodeConfigPath
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return coreerrors.CodeConfig
	}

	comps, err := buildComponents(cfg, opts)
	if err != nil {
		return coreerrors.CodeOf(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	ctx = dlog.WithField(ctx, "instance", id)
	g, ctx := errgroup.WithContext(ctx)

	inst := &instance{id: id, configPath: configPath, cancel: cancel, comps: comps}
	registryMu.Lock()
	registry[id] = inst
	registryMu.Unlock()

	g.Go(func() error {
		comps.inboundMgr.Serve(ctx)
		return nil
	})
	if comps.netstack != nil {
		g.Go(func() error {
			dlog.Infof(ctx, "netstack: running")
			err := comps.netstack.Run(ctx)
			if ctx.Err() != nil {
				return nil
			}
			return err
		})
	}

	dlog.Infof(ctx, "instance started from %s", configPath)
	waitErr := g.Wait()
	comps.Close()

	registryMu.Lock()
	delete(registry, id)
	registryMu.Unlock()

	if waitErr != nil && ctx.Err() == nil {
		dlog.Errorf(ctx, "instance stopped with error: %v", waitErr)
		return coreerrors.CodeRuntimeManager
	}
	return coreerrors.OK
}

// Reload reloads instance id from the file it was started with, per spec
// §6's `reload(instance_id) → error_code`.
func Reload(id uint16) coreerrors.Code {
	registryMu.Lock()
	inst, ok := registry[id]
	registryMu.Unlock()
	if !ok {
		return coreerrors.CodeRuntimeManager
	}
	if inst.configPath == "" {
		return coreerrors.CodeNoConfigFile
	}

	cfg, err := config.Load(inst.configPath)
	if err != nil {
		return coreerrors.CodeConfig
	}
	if err := inst.comps.outMgr.Reload(cfg.Outbounds, inst.comps.dnsClient); err != nil {
		return coreerrors.CodeOf(err)
	}
	return coreerrors.OK
}

// Shutdown cancels every task belonging to instance id and returns once
// the request has been issued, per spec §6's `shutdown(instance_id) →
// bool`.
func Shutdown(id uint16) bool {
	registryMu.Lock()
	inst, ok := registry[id]
	registryMu.Unlock()
	if !ok {
		return false
	}
	inst.cancel()
	return true
}

// TestConfig parses and validates path only, per spec §6's
// `test_config(path) → error_code`.
func TestConfig(path string) coreerrors.Code {
	if _, err := os.Stat(path); err != nil {
		return coreerrors.CodeConfigPath
	}
	if _, err := config.Load(path); err != nil {
		return coreerrors.CodeConfig
	}
	return coreerrors.OK
}

func defaultLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

// components is everything buildComponents wires together for one
// instance. Close stops the inbound listeners and the NAT manager (closing
// its sessions); background probe tasks owned by outbound handlers, such
// as failover's, are not stopped by it.
type components struct {
	dnsClient  *dnsclient.Client
	outMgr     *outbound.Manager
	router     *router.Router
	natMgr     *nat.Manager
	fakeDNS    *fakedns.Server
	dispatcher *dispatcher.Dispatcher
	inboundMgr *inbound.Manager
	netstack   *netstack.Stack
}

func (c *components) Close() {
	c.inboundMgr.Close()
	c.natMgr.Close()
}

// buildComponents constructs the full per-instance handler graph from a
// parsed config, in the dependency order spec §4 lays the pieces out in:
// DNS client, outbound manager, router, NAT manager, fake-DNS, dispatcher,
// inbound listeners, and (if wired) the netstack bridge.
func buildComponents(cfg *config.Config, opts Options) (*components, error) {
	logger := opts.Logger

	dnsServers := make([]dnsclient.Server, 0, len(cfg.DNS.Servers))
	for _, d := range cfg.DNS.Servers {
		s, err := parseDNSServer(d)
		if err != nil {
			return nil, coreerrors.New(coreerrors.CodeConfig, err)
		}
		dnsServers = append(dnsServers, s)
	}
	hosts := make(map[string][]netip.Addr, len(cfg.DNS.Hosts))
	for name, addrs := range cfg.DNS.Hosts {
		parsed := make([]netip.Addr, 0, len(addrs))
		for _, a := range addrs {
			addr, err := netip.ParseAddr(a)
			if err != nil {
				return nil, coreerrors.New(coreerrors.CodeConfig, fmt.Errorf("dns hosts %q: %w", name, err))
			}
			parsed = append(parsed, addr)
		}
		hosts[name] = parsed
	}
	dnsClient := dnsclient.New(dnsServers, hosts, cfg.DNS.PreferIPv6, logger)

	registryOut := outbound.NewRegistry()
	outMgr := outbound.NewManager(registryOut, logger)
	if err := outMgr.Reload(cfg.Outbounds, dnsClient); err != nil {
		return nil, coreerrors.New(coreerrors.CodeConfig, err)
	}

	defaultTag := cfg.RoutingDefault
	if defaultTag == "" {
		if tag, ok := outMgr.DefaultHandler(); ok {
			defaultTag = tag
		}
	}
	rt, err := router.New(cfg.RoutingRules, defaultTag, router.Options{
		ResolveOnDemand: true,
		Resolver:        dnsClient,
		Logger:          logger,
	})
	if err != nil {
		return nil, err
	}

	natMgr := nat.NewManager(config.DefaultIdleTimeouts.UDP)

	var fakeDNS *fakedns.Server
	if cfg.FakeDNS != nil {
		fd, err := buildFakeDNS(cfg.FakeDNS)
		if err != nil {
			return nil, coreerrors.New(coreerrors.CodeConfig, err)
		}
		fakeDNS = fd
	}

	var fakeResolver dispatcher.FakeDNSResolver
	if fakeDNS != nil {
		fakeResolver = fakeDNS
	}
	disp := dispatcher.New(outMgr, rt, fakeResolver, natMgr, config.DefaultIdleTimeouts, logger)

	onFlow := func(f flow.Flow, conn net.Conn) {
		disp.Dispatch(context.Background(), f, conn)
	}
	inMgr, err := inbound.New(cfg.Inbounds, onFlow, logger)
	if err != nil {
		return nil, coreerrors.New(coreerrors.CodeConfig, err)
	}

	var stack *netstack.Stack
	if opts.PacketIO != nil && hasTunInbound(cfg.Inbounds) {
		stack = netstack.New(opts.PacketIO, logger)
		stack.OnTCP = func(f flow.Flow, conn net.Conn) {
			disp.Dispatch(context.Background(), f, conn)
		}
		stack.OnUDP = func(f flow.Flow, payload []byte, reply func([]byte) error) {
			deliver := func(_ flow.Destination, payload []byte) {
				// The TUN peer only ever sees replies as if they came
				// from the address it originally dialed; reply already
				// carries that swapped source/destination pair baked
				// in, so the upstream's apparent address is purely
				// informational here.
				_ = reply(payload)
			}
			if err := disp.DispatchUDP(context.Background(), f, payload, deliver); err != nil {
				logger.Debug("runtimemgr: netstack udp dispatch failed", "err", err)
			}
		}
		if fakeDNS != nil {
			stack.DNS = buildDNSHandler(fakeDNS)
		}
	}

	return &components{
		dnsClient:  dnsClient,
		outMgr:     outMgr,
		router:     rt,
		natMgr:     natMgr,
		fakeDNS:    fakeDNS,
		dispatcher: disp,
		inboundMgr: inMgr,
		netstack:   stack,
	}, nil
}

func hasTunInbound(decls []config.Inbound) bool {
	for _, d := range decls {
		if d.Protocol == "tun" {
			return true
		}
	}
	return false
}

func buildFakeDNS(fc *config.FakeDNS) (*fakedns.Server, error) {
	c := fakedns.Config{
		Include:  fc.Include,
		Exclude:  fc.Exclude,
		Capacity: fc.Capacity,
	}
	if fc.Prefix != "" {
		prefix, err := netip.ParsePrefix(fc.Prefix)
		if err != nil {
			return nil, fmt.Errorf("fake_dns prefix %q: %w", fc.Prefix, err)
		}
		c.Prefix = prefix
	}
	switch fc.Mode {
	case "include":
		c.Mode = fakedns.ModeInclude
	default:
		c.Mode = fakedns.ModeExclude
	}
	return fakedns.New(c)
}

// buildDNSHandler adapts fakeDNS to a [netstack.DNSHandler]: the only
// queries it answers are those its own include/exclude policy covers,
// letting everything else fall through to the dispatcher's UDP path.
func buildDNSHandler(fakeDNS *fakedns.Server) netstack.DNSHandler {
	return func(query []byte) ([]byte, bool) {
		msg := new(dns.Msg)
		if err := msg.Unpack(query); err != nil || len(msg.Question) == 0 {
			return nil, false
		}
		domain := strings.TrimSuffix(msg.Question[0].Name, ".")
		if !fakeDNS.ShouldSynthesize(domain) {
			return nil, false
		}
		answer := fakeDNS.Answer(msg)
		out, err := answer.Pack()
		if err != nil {
			return nil, false
		}
		return out, true
	}
}

// parseDNSServer converts a [config.DNSServer]'s URL-shaped Address (e.g.
// "udp://8.8.8.8:53", "tls://1.1.1.1:853", "https://dns.google/dns-query")
// into a [dnsclient.Server].
func parseDNSServer(d config.DNSServer) (dnsclient.Server, error) {
	scheme, rest, ok := strings.Cut(d.Address, "://")
	if !ok {
		return dnsclient.Server{}, fmt.Errorf("dns server %q: missing scheme", d.Address)
	}
	s := dnsclient.Server{Protocol: scheme}
	if scheme == "https" {
		s.URL = d.Address
	} else {
		ap, err := netip.ParseAddrPort(rest)
		if err != nil {
			return dnsclient.Server{}, fmt.Errorf("dns server %q: %w", d.Address, err)
		}
		s.Endpoint = ap
	}
	if d.Bind != "" {
		addr, err := netip.ParseAddr(d.Bind)
		if err != nil {
			return dnsclient.Server{}, fmt.Errorf("dns server bind %q: %w", d.Bind, err)
		}
		s.Bind = addr
	}
	return s, nil
}
