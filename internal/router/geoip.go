package router

import (
	"bufio"
	"io"
	"net/netip"
	"strings"
)

// CountryResolver maps an address to an ISO country code. No MMDB reader
// appears anywhere in the retrieved dependency corpus, so the router
// depends on this interface rather than a concrete database format;
// [NewCSVCountryResolver] is the stdlib-backed default, and a real
// deployment can substitute a MaxMind-backed implementation built on the
// same interface without touching rule-evaluation code.
type CountryResolver interface {
	Country(addr netip.Addr) (string, bool)
}

// csvCountryResolver resolves countries from an in-memory table of
// (prefix, country) pairs, loaded from a "cidr,country" CSV.
type csvCountryResolver struct {
	byCountry map[string]*ipTrie
}

// NewCSVCountryResolver parses a "cidr,country_code" CSV (one pair per
// line, optional header, '#' comments) into an in-memory resolver.
func NewCSVCountryResolver(r io.Reader) (CountryResolver, error) {
	res := &csvCountryResolver{byCountry: make(map[string]*ipTrie)}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, ",", 2)
		if len(parts) != 2 {
			continue
		}
		cidr := strings.TrimSpace(parts[0])
		country := strings.ToUpper(strings.TrimSpace(parts[1]))
		prefix, err := netip.ParsePrefix(cidr)
		if err != nil {
			continue // tolerate a header row or malformed line
		}
		trie, ok := res.byCountry[country]
		if !ok {
			trie = newIPTrie()
			res.byCountry[country] = trie
		}
		trie.insert(prefix)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return res, nil
}

// Country implements [CountryResolver] with a linear scan over the loaded
// country tries. Tables grounded for production use are small enough
// (hundreds of aggregated entries per country) that this is not a
// bottleneck relative to one DNS lookup per flow.
func (r *csvCountryResolver) Country(addr netip.Addr) (string, bool) {
	for country, trie := range r.byCountry {
		if trie.contains(addr) {
			return country, true
		}
	}
	return "", false
}

// NoCountryResolver is used when no GeoIP table is configured; every
// `geoip` predicate then fails to match, per spec §4.4's "if disabled,
// the rule is skipped rather than resolved" resolution-policy spirit
// applied to the GeoIP source itself.
type noCountryResolver struct{}

func (noCountryResolver) Country(netip.Addr) (string, bool) { return "", false }

// NoCountryResolver is the zero-configuration [CountryResolver].
var NoCountryResolver CountryResolver = noCountryResolver{}
