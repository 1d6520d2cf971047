package dnsclient

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCacheRoundTrip(t *testing.T) {
	c := newCache()
	addrs := []netip.Addr{netip.MustParseAddr("198.18.0.1")}
	c.put("example.com", 1, addrs, time.Minute)

	got, ok := c.get("example.com", 1)
	assert.True(t, ok)
	assert.Equal(t, addrs, got)

	_, ok = c.get("example.com", 28)
	assert.False(t, ok)
}

func TestCacheExpiry(t *testing.T) {
	c := newCache()
	fake := time.Now()
	c.now = func() time.Time { return fake }
	c.put("example.com", 1, []netip.Addr{netip.MustParseAddr("198.18.0.1")}, time.Second)

	fake = fake.Add(2 * time.Second)
	_, ok := c.get("example.com", 1)
	assert.False(t, ok)
}

func TestLookupHostsOverride(t *testing.T) {
	hosts := map[string][]netip.Addr{"internal.local": {netip.MustParseAddr("10.0.0.1")}}
	cl := New(nil, hosts, false, nil)

	addrs, err := cl.Lookup(context.Background(), "internal.local")
	assert.NoError(t, err)
	assert.Equal(t, hosts["internal.local"], addrs)
}

func TestParseHosts(t *testing.T) {
	out := ParseHosts(map[string][]string{
		"a": {"1.2.3.4", "not-an-ip"},
		"b": {"not-an-ip"},
	})
	assert.Len(t, out["a"], 1)
	_, ok := out["b"]
	assert.False(t, ok)
}
