// Package router implements the spec §4.4 router: an ordered list of
// pre-compiled rules evaluated per flow, first match wins, falling back to
// a configured default tag.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"strconv"
	"strings"

	"github.com/sqzxcv/leaf/internal/config"
	"github.com/sqzxcv/leaf/internal/coreerrors"
	"github.com/sqzxcv/leaf/internal/flow"
)

// Resolver is the subset of [*dnsclient.Client] the router needs to
// resolve a host name when a rule's IP/GeoIP predicates could otherwise
// match (spec §4.4 "Domain resolution policy").
type Resolver interface {
	Lookup(ctx context.Context, hostname string) ([]netip.Addr, error)
}

type portRange struct {
	low, high uint16
}

func (p portRange) contains(port uint16) bool {
	return port >= p.low && port <= p.high
}

// rule is one compiled [config.RoutingRule].
type rule struct {
	domains        *domainIndex
	hasDomain      bool
	ips            *ipTrie
	hasIP          bool
	geoCountries   map[string]bool
	hasGeo         bool
	ports          *portRange
	sourceTags     map[string]bool
	inboundTags    map[string]bool
	network        flow.Network
	hasNetwork     bool
	needsResolve   bool // rule has IP/GeoIP predicates alongside a domain destination
	target         string
}

// Router evaluates flows against a compiled, ordered rule set (spec §4.4).
type Router struct {
	rules           []rule
	defaultTag      string
	geo             CountryResolver
	resolveOnDemand bool
	resolver        Resolver
	logger          *slog.Logger
}

// Options configures router construction.
type Options struct {
	// ResolveOnDemand enables resolving a domain destination via Resolver
	// when a rule's predicate set mixes domain and IP/GeoIP predicates
	// (spec §4.4). When false, such rules are skipped for unresolved
	// destinations rather than triggering a lookup.
	ResolveOnDemand bool
	Resolver        Resolver
	GeoIP           CountryResolver
	Logger          *slog.Logger
}

// New compiles decls into a [*Router]. defaultTag is returned by Route
// when no rule matches.
func New(decls []config.RoutingRule, defaultTag string, opts Options) (*Router, error) {
	if opts.GeoIP == nil {
		opts.GeoIP = NoCountryResolver
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	r := &Router{
		defaultTag:      defaultTag,
		geo:             opts.GeoIP,
		resolveOnDemand: opts.ResolveOnDemand,
		resolver:        opts.Resolver,
		logger:          opts.Logger,
	}
	for _, d := range decls {
		compiled, err := compileRule(d)
		if err != nil {
			return nil, coreerrors.New(coreerrors.CodeConfig, err)
		}
		r.rules = append(r.rules, compiled)
	}
	return r, nil
}

func compileRule(d config.RoutingRule) (rule, error) {
	if d.Target == "" {
		return rule{}, fmt.Errorf("router: rule missing target")
	}
	out := rule{target: d.Target}

	if len(d.DomainExact) > 0 || len(d.DomainSuffix) > 0 || len(d.DomainKeyword) > 0 {
		out.hasDomain = true
		out.domains = newDomainIndex(d.DomainExact, d.DomainSuffix, d.DomainKeyword)
	}

	if len(d.IPCIDR) > 0 {
		out.hasIP = true
		out.ips = newIPTrie()
		for _, cidr := range d.IPCIDR {
			prefix, err := netip.ParsePrefix(cidr)
			if err != nil {
				return rule{}, fmt.Errorf("router: invalid ip_cidr %q: %w", cidr, err)
			}
			out.ips.insert(prefix)
		}
	}

	if len(d.GeoIP) > 0 {
		out.hasGeo = true
		out.geoCountries = make(map[string]bool, len(d.GeoIP))
		for _, c := range d.GeoIP {
			out.geoCountries[strings.ToUpper(c)] = true
		}
	}

	if d.PortRange != "" {
		pr, err := parsePortRange(d.PortRange)
		if err != nil {
			return rule{}, err
		}
		out.ports = &pr
	}

	if len(d.SourceTag) > 0 {
		out.sourceTags = toSet(d.SourceTag)
	}
	if len(d.InboundTag) > 0 {
		out.inboundTags = toSet(d.InboundTag)
	}

	if d.Network != "" {
		out.hasNetwork = true
		switch strings.ToLower(d.Network) {
		case "tcp":
			out.network = flow.TCP
		case "udp":
			out.network = flow.UDP
		default:
			return rule{}, fmt.Errorf("router: invalid network %q", d.Network)
		}
	}

	out.needsResolve = out.hasDomain && (out.hasIP || out.hasGeo)
	return out, nil
}

func parsePortRange(s string) (portRange, error) {
	parts := strings.SplitN(s, "-", 2)
	low, err := strconv.ParseUint(parts[0], 10, 16)
	if err != nil {
		return portRange{}, fmt.Errorf("router: invalid port_range %q: %w", s, err)
	}
	high := low
	if len(parts) == 2 {
		high, err = strconv.ParseUint(parts[1], 10, 16)
		if err != nil {
			return portRange{}, fmt.Errorf("router: invalid port_range %q: %w", s, err)
		}
	}
	return portRange{low: uint16(low), high: uint16(high)}, nil
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, i := range items {
		set[i] = true
	}
	return set
}

// Route evaluates f against the compiled rule set in declaration order and
// returns the first matching rule's target tag, or the router's default
// (spec §4.4: "Ties: first match wins. No match: default.").
func (r *Router) Route(ctx context.Context, f flow.Flow) string {
	for _, rl := range r.rules {
		matched, err := r.matchRule(ctx, rl, f)
		if err != nil {
			r.logger.Debug("router: rule evaluation error, skipping", "target", rl.target, "err", err)
			continue
		}
		if matched {
			return rl.target
		}
	}
	return r.defaultTag
}

func (r *Router) matchRule(ctx context.Context, rl rule, f flow.Flow) (bool, error) {
	if rl.hasNetwork && rl.network != f.Network {
		return false, nil
	}
	// source_tag and inbound_tag both key off f.InboundTag: flow.Flow
	// carries only the inbound listener's tag, not a separate per-source
	// identity, so source_tag is a scope simplification.
	if rl.sourceTags != nil && !rl.sourceTags[f.InboundTag] {
		return false, nil
	}
	if rl.inboundTags != nil && !rl.inboundTags[f.InboundTag] {
		return false, nil
	}
	if rl.ports != nil && !rl.ports.contains(f.Destination.Port) {
		return false, nil
	}

	addr := f.Destination.Addr
	host := f.Destination.Host

	if host != "" && rl.needsResolve {
		if !r.resolveOnDemand || r.resolver == nil {
			return false, nil // spec §4.4: skip rather than resolve when disabled
		}
		addrs, err := r.resolver.Lookup(ctx, host)
		if err != nil || len(addrs) == 0 {
			return false, nil
		}
		addr = addrs[0]
	}

	if rl.hasDomain && host != "" {
		if !(rl.domains.matchesExact(host) || rl.domains.matchesSuffix(host) || rl.domains.matchesKeyword(host)) {
			return false, nil
		}
	} else if rl.hasDomain {
		return false, nil // domain predicate present but destination has no host name
	}

	if rl.hasIP {
		if !addr.IsValid() || !rl.ips.contains(addr) {
			return false, nil
		}
	}

	if rl.hasGeo {
		if !addr.IsValid() {
			return false, nil
		}
		country, ok := r.geo.Country(addr)
		if !ok || !rl.geoCountries[country] {
			return false, nil
		}
	}

	return true, nil
}
