package dnsclient

import "net/netip"

// ParseHosts converts the config package's raw string-list form into the
// []netip.Addr form [Client.Hosts] expects, dropping any entry that does
// not parse as an IP literal (spec §3's hosts-file overrides are static
// IP mappings, not further name aliases).
func ParseHosts(raw map[string][]string) map[string][]netip.Addr {
	out := make(map[string][]netip.Addr, len(raw))
	for name, vals := range raw {
		var addrs []netip.Addr
		for _, v := range vals {
			if a, err := netip.ParseAddr(v); err == nil {
				addrs = append(addrs, a)
			}
		}
		if len(addrs) > 0 {
			out[name] = addrs
		}
	}
	return out
}
