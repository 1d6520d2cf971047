// Package fakedns implements the spec §4.6 fake-DNS half of the
// NetStack bridge: ephemeral-IP allocation, a bounded LRU of
// domain<->IP bindings, include/exclude synthesis policy, and minimal
// DNS answer construction via github.com/miekg/dns.
package fakedns

import (
	"container/list"
	"fmt"
	"net/netip"
	"strings"
	"sync"

	"github.com/miekg/dns"
)

// Mode selects which domains fake-DNS synthesizes answers for.
type Mode int

const (
	// ModeInclude synthesizes only for domains matching Include.
	ModeInclude Mode = iota
	// ModeExclude synthesizes for every domain except those in Exclude.
	ModeExclude
)

// DefaultPrefix is the ephemeral range spec's example uses.
var DefaultPrefix = netip.MustParsePrefix("198.18.0.0/15")

// Config configures a [*Server].
type Config struct {
	Prefix   netip.Prefix // defaults to DefaultPrefix when the zero value
	Mode     Mode
	Include  []string // domain suffixes, ModeInclude
	Exclude  []string // domain suffixes, ModeExclude
	Capacity int      // LRU capacity; defaults to 4096
}

type binding struct {
	domain string
	addr   netip.Addr
}

// Server allocates ephemeral IPs for domains and answers reverse lookups,
// per spec §4.6.
type Server struct {
	mode    Mode
	include []string
	exclude []string

	mu       sync.Mutex
	pool     *ipPool
	lru      *list.List // of *binding, front = most-recently-used
	byDomain map[string]*list.Element
	byAddr   map[netip.Addr]*list.Element
	capacity int
}

// New validates cfg (spec: "Exactly one of the two lists may be
// non-empty; both non-empty is a configuration error") and constructs a
// [*Server].
func New(cfg Config) (*Server, error) {
	if len(cfg.Include) > 0 && len(cfg.Exclude) > 0 {
		return nil, fmt.Errorf("fakedns: include and exclude lists are mutually exclusive")
	}
	prefix := cfg.Prefix
	if !prefix.IsValid() {
		prefix = DefaultPrefix
	}
	pool, err := newIPPool(prefix)
	if err != nil {
		return nil, err
	}
	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = 4096
	}
	return &Server{
		mode:     cfg.Mode,
		include:  cfg.Include,
		exclude:  cfg.Exclude,
		pool:     pool,
		lru:      list.New(),
		byDomain: make(map[string]*list.Element),
		byAddr:   make(map[netip.Addr]*list.Element),
		capacity: capacity,
	}, nil
}

// ShouldSynthesize reports whether fake-DNS should answer a query for
// domain under the configured include/exclude policy.
func (s *Server) ShouldSynthesize(domain string) bool {
	switch s.mode {
	case ModeInclude:
		return matchesAnySuffix(domain, s.include)
	default:
		return !matchesAnySuffix(domain, s.exclude)
	}
}

func matchesAnySuffix(domain string, suffixes []string) bool {
	domain = strings.ToLower(strings.TrimSuffix(domain, "."))
	for _, suf := range suffixes {
		suf = strings.ToLower(strings.TrimSuffix(suf, "."))
		if domain == suf || strings.HasSuffix(domain, "."+suf) {
			return true
		}
	}
	return false
}

// Allocate returns the ephemeral IP bound to domain, creating a new
// binding (evicting the least-recently-used one if the LRU is full) on
// first query (spec: "allocate the next free IP from the pool (cyclic,
// evicting least-recently-used binding)").
func (s *Server) Allocate(domain string) netip.Addr {
	domain = strings.ToLower(domain)
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.byDomain[domain]; ok {
		s.lru.MoveToFront(el)
		return el.Value.(*binding).addr
	}

	if s.lru.Len() >= s.capacity {
		s.evictOldest()
	}

	addr := s.pool.allocate()
	for {
		if _, taken := s.byAddr[addr]; !taken {
			break
		}
		s.evictOldest()
		addr = s.pool.allocate()
	}

	b := &binding{domain: domain, addr: addr}
	el := s.lru.PushFront(b)
	s.byDomain[domain] = el
	s.byAddr[addr] = el
	return addr
}

func (s *Server) evictOldest() {
	back := s.lru.Back()
	if back == nil {
		return
	}
	b := back.Value.(*binding)
	delete(s.byDomain, b.domain)
	delete(s.byAddr, b.addr)
	s.lru.Remove(back)
}

// ReverseLookup recovers the domain bound to addr, if any, without
// mutating LRU order (spec: "Reverse lookup used by the dispatcher never
// mutates the LRU").
func (s *Server) ReverseLookup(addr netip.Addr) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.byAddr[addr]
	if !ok {
		return "", false
	}
	return el.Value.(*binding).domain, true
}

// Contains reports whether addr falls within the fake-DNS pool's range,
// used by the dispatcher's "is this a fake IP" check (spec §4.5 TCP path
// step 1).
func (s *Server) Contains(addr netip.Addr) bool {
	return s.pool.contains(addr)
}

// Answer synthesizes a minimal TTL=1 DNS response for query (spec:
// "return a minimal DNS answer with TTL=1"), allocating a binding as a
// side effect.
func (s *Server) Answer(query *dns.Msg) *dns.Msg {
	resp := new(dns.Msg)
	resp.SetReply(query)
	resp.Authoritative = true

	if len(query.Question) == 0 {
		return resp
	}
	q := query.Question[0]
	if q.Qtype != dns.TypeA {
		return resp // only A records are synthesized; AAAA gets an empty answer
	}

	addr := s.Allocate(q.Name)
	rr := &dns.A{
		Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 1},
		A:   addr.AsSlice(),
	}
	resp.Answer = append(resp.Answer, rr)
	return resp
}
