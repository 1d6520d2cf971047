// Package config holds the in-memory, already-parsed configuration model
// the core consumes. Per spec §6, the binary and human-readable wire
// formats are external collaborators; this package only describes their
// shared shape plus a convenience YAML loader for local development and
// `test-config`.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root of the parsed configuration, mirroring spec §6:
// log, dns, inbounds[], outbounds[], routing_rules[].
type Config struct {
	Log          Log           `yaml:"log"`
	DNS          DNS           `yaml:"dns"`
	Inbounds     []Inbound     `yaml:"inbounds"`
	Outbounds    []Outbound    `yaml:"outbounds"`
	RoutingRules []RoutingRule `yaml:"routing_rules"`
	// RoutingDefault is the tag used when no rule matches (spec §4.4:
	// "No match: default.", spec §8 scenario S5's `default:"proxy"`).
	// Empty falls back to the outbound manager's leaf-derived default.
	RoutingDefault string   `yaml:"routing_default,omitempty"`
	FakeDNS        *FakeDNS `yaml:"fake_dns,omitempty"`
}

// FakeDNS configures the fake-DNS/NetStack bridge (spec §4.6). Nil
// disables fake-DNS answers and reverse lookup; a "tun" inbound still runs
// without them.
type FakeDNS struct {
	Prefix   string   `yaml:"prefix,omitempty"` // defaults to 198.18.0.0/15
	Mode     string   `yaml:"mode,omitempty"`   // "include" or "exclude"
	Include  []string `yaml:"include,omitempty"`
	Exclude  []string `yaml:"exclude,omitempty"`
	Capacity int      `yaml:"capacity,omitempty"`
}

// Log configures the structured logging sink.
type Log struct {
	Level string `yaml:"level"`
}

// DNS configures the DNS client (spec §4 DNS client, 8% share).
type DNS struct {
	Servers    []DNSServer `yaml:"servers"`
	Hosts      map[string][]string `yaml:"hosts"`
	PreferIPv6 bool        `yaml:"prefer_ipv6"`
}

// DNSServer is one upstream resolver, with an optional per-server bind
// address as spec §4 (DNS client) requires.
type DNSServer struct {
	Address string `yaml:"address"` // e.g. "udp://8.8.8.8:53", "tls://1.1.1.1:853"
	Bind    string `yaml:"bind,omitempty"`
}

// Inbound describes a listener (network socket or TUN) per spec §4
// Inbound manager + listeners.
type Inbound struct {
	Tag      string         `yaml:"tag"`
	Protocol string         `yaml:"protocol"` // "socks", "http", "tun", ...
	Listen   string         `yaml:"listen,omitempty"`
	Settings map[string]any `yaml:"settings,omitempty"`
}

// Outbound is one outbound declaration consumed by the outbound manager's
// fixed-point construction (spec §4.1).
type Outbound struct {
	Tag      string         `yaml:"tag"`
	Protocol string         `yaml:"protocol"`
	Bind     string         `yaml:"bind,omitempty"`
	Actors   []string       `yaml:"actors,omitempty"`
	Settings map[string]any `yaml:"settings,omitempty"`
}

// RoutingRule is one ordered rule evaluated by the router (spec §3, §4.4).
type RoutingRule struct {
	DomainExact   []string `yaml:"domain,omitempty"`
	DomainSuffix  []string `yaml:"domain_suffix,omitempty"`
	DomainKeyword []string `yaml:"domain_keyword,omitempty"`
	IPCIDR        []string `yaml:"ip_cidr,omitempty"`
	GeoIP         []string `yaml:"geoip,omitempty"`
	PortRange     string   `yaml:"port_range,omitempty"`
	SourceTag     []string `yaml:"source_tag,omitempty"`
	InboundTag    []string `yaml:"inbound_tag,omitempty"`
	Network       string   `yaml:"network,omitempty"` // "tcp", "udp", ""
	Target        string   `yaml:"target"`
}

// IdleTimeouts groups the two timeouts spec §3/§4.5 name independently.
type IdleTimeouts struct {
	TCP time.Duration
	UDP time.Duration
}

// DefaultIdleTimeouts matches spec §3's "default ~30s" NAT idle timeout and
// a conservative matching TCP idle timeout.
var DefaultIdleTimeouts = IdleTimeouts{
	TCP: 30 * time.Second,
	UDP: 30 * time.Second,
}

// Load reads and parses the human-readable YAML configuration form from
// path (spec §6: "a human-readable variant ... describing the same
// model"; the binary length-prefixed wire form is an external
// collaborator this package does not implement).
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate applies the structural checks spec §8's testable properties
// require before construction (tag uniqueness; everything else is
// checked by the component that owns it — the router, the outbound
// manager — since only they know their own predicate shapes).
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Outbounds))
	for _, o := range c.Outbounds {
		if o.Tag == "" {
			return fmt.Errorf("config: outbound missing tag")
		}
		if seen[o.Tag] {
			return fmt.Errorf("config: duplicate outbound tag %q", o.Tag)
		}
		seen[o.Tag] = true
	}
	return nil
}
