package router

import (
	"context"
	"net/netip"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sqzxcv/leaf/internal/config"
	"github.com/sqzxcv/leaf/internal/flow"
)

func mustAddr(t *testing.T, s string) netip.Addr {
	t.Helper()
	a, err := netip.ParseAddr(s)
	require.NoError(t, err)
	return a
}

func TestRouteDomainSuffix(t *testing.T) {
	rules := []config.RoutingRule{
		{DomainSuffix: []string{"example.com"}, Target: "proxy"},
	}
	r, err := New(rules, "direct", Options{})
	require.NoError(t, err)

	f := flow.Flow{Network: flow.TCP, Destination: flow.Destination{Host: "api.example.com", Port: 443}}
	assert.Equal(t, "proxy", r.Route(context.Background(), f))

	f.Destination.Host = "other.com"
	assert.Equal(t, "direct", r.Route(context.Background(), f))
}

func TestRouteIPCIDR(t *testing.T) {
	rules := []config.RoutingRule{
		{IPCIDR: []string{"10.0.0.0/8"}, Target: "block"},
	}
	r, err := New(rules, "direct", Options{})
	require.NoError(t, err)

	f := flow.Flow{Network: flow.TCP, Destination: flow.Destination{Addr: mustAddr(t, "10.1.2.3"), Port: 80}}
	assert.Equal(t, "block", r.Route(context.Background(), f))

	f.Destination.Addr = mustAddr(t, "8.8.8.8")
	assert.Equal(t, "direct", r.Route(context.Background(), f))
}

func TestRouteFirstMatchWins(t *testing.T) {
	rules := []config.RoutingRule{
		{DomainSuffix: []string{"example.com"}, Target: "first"},
		{DomainSuffix: []string{"example.com"}, Target: "second"},
	}
	r, err := New(rules, "direct", Options{})
	require.NoError(t, err)

	f := flow.Flow{Network: flow.TCP, Destination: flow.Destination{Host: "www.example.com", Port: 443}}
	assert.Equal(t, "first", r.Route(context.Background(), f))
}

func TestRoutePortRange(t *testing.T) {
	rules := []config.RoutingRule{
		{PortRange: "1000-2000", Target: "matched"},
	}
	r, err := New(rules, "direct", Options{})
	require.NoError(t, err)

	f := flow.Flow{Destination: flow.Destination{Addr: mustAddr(t, "1.2.3.4"), Port: 1500}}
	assert.Equal(t, "matched", r.Route(context.Background(), f))

	f.Destination.Port = 80
	assert.Equal(t, "direct", r.Route(context.Background(), f))
}

func TestRouteNetworkPredicate(t *testing.T) {
	rules := []config.RoutingRule{
		{Network: "udp", Target: "udp-only"},
	}
	r, err := New(rules, "direct", Options{})
	require.NoError(t, err)

	tcp := flow.Flow{Network: flow.TCP, Destination: flow.Destination{Addr: mustAddr(t, "1.2.3.4")}}
	assert.Equal(t, "direct", r.Route(context.Background(), tcp))

	udp := flow.Flow{Network: flow.UDP, Destination: flow.Destination{Addr: mustAddr(t, "1.2.3.4")}}
	assert.Equal(t, "udp-only", r.Route(context.Background(), udp))
}

type stubResolver struct {
	addrs []netip.Addr
	err   error
}

func (s stubResolver) Lookup(context.Context, string) ([]netip.Addr, error) {
	return s.addrs, s.err
}

func TestRouteResolvesDomainForIPPredicate(t *testing.T) {
	rules := []config.RoutingRule{
		{DomainSuffix: []string{"example.com"}, IPCIDR: []string{"93.184.0.0/16"}, Target: "cdn"},
	}
	resolver := stubResolver{addrs: []netip.Addr{mustAddr(t, "93.184.216.34")}}
	r, err := New(rules, "direct", Options{ResolveOnDemand: true, Resolver: resolver})
	require.NoError(t, err)

	f := flow.Flow{Destination: flow.Destination{Host: "www.example.com", Port: 443}}
	assert.Equal(t, "cdn", r.Route(context.Background(), f))
}

func TestRouteSkipsUnresolvedWhenResolveDisabled(t *testing.T) {
	rules := []config.RoutingRule{
		{DomainSuffix: []string{"example.com"}, IPCIDR: []string{"93.184.0.0/16"}, Target: "cdn"},
	}
	r, err := New(rules, "direct", Options{ResolveOnDemand: false})
	require.NoError(t, err)

	f := flow.Flow{Destination: flow.Destination{Host: "www.example.com", Port: 443}}
	assert.Equal(t, "direct", r.Route(context.Background(), f))
}

func TestRouteGeoIP(t *testing.T) {
	csv := "1.0.0.0/8,US\n2.0.0.0/8,CN\n"
	geo, err := NewCSVCountryResolver(strings.NewReader(csv))
	require.NoError(t, err)

	rules := []config.RoutingRule{
		{GeoIP: []string{"CN"}, Target: "blocked"},
	}
	r, err := New(rules, "direct", Options{GeoIP: geo})
	require.NoError(t, err)

	f := flow.Flow{Destination: flow.Destination{Addr: mustAddr(t, "2.2.2.2")}}
	assert.Equal(t, "blocked", r.Route(context.Background(), f))

	f.Destination.Addr = mustAddr(t, "1.1.1.1")
	assert.Equal(t, "direct", r.Route(context.Background(), f))
}

func TestInvalidPortRangeRejected(t *testing.T) {
	rules := []config.RoutingRule{{PortRange: "not-a-range", Target: "x"}}
	_, err := New(rules, "direct", Options{})
	assert.Error(t, err)
}
