package outbound

import (
	"log/slog"
	"sync"

	"github.com/sqzxcv/leaf/internal/config"
	"github.com/sqzxcv/leaf/internal/coreerrors"
	"github.com/sqzxcv/leaf/internal/dnsclient"
)

// maxFixedPointPasses is the literal K=8 bound from spec §4.1.
const maxFixedPointPasses = 8

// Builder constructs one handler from its declaration. leaves build
// protocol endpoints directly; combinators call resolve to look up
// already-constructed actors and return (nil, false) when any actor is
// still missing, so the fixed-point loop can defer them to the next pass.
type Builder func(decl config.Outbound, resolve func(tag string) (Handler, bool), dns *dnsclient.Client, logger *slog.Logger) (Handler, bool, error)

// leafProtocols is the set of protocol identifiers built in a single pass
// because their settings are self-contained (spec §4.1 step 1).
var leafProtocols = map[string]bool{
	"direct": true, "drop": true, "redirect": true, "socks": true,
	"shadowsocks": true, "trojan": true, "vmess": true,
	"tls": true, "ws": true, "quic": true, "h2": true,
}

// Registry maps the protocol identifier used in config.Outbound.Protocol
// to the [Builder] that constructs it. Combinators (tryall, random,
// failover, retry, chain, amux) register here too; select is built in a
// dedicated pass (spec §4.1) so it is not part of this map.
type Registry struct {
	mu       sync.RWMutex
	builders map[string]Builder
}

// NewRegistry returns a [*Registry] pre-populated with every built-in
// protocol and combinator builder.
func NewRegistry() *Registry {
	r := &Registry{builders: make(map[string]Builder)}
	registerBuiltins(r)
	return r
}

// Register adds or replaces the builder for protocol.
func (r *Registry) Register(protocol string, b Builder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builders[protocol] = b
}

func (r *Registry) lookup(protocol string) (Builder, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.builders[protocol]
	return b, ok
}

// Manager owns the constructed handler graph: a tag-indexed map plus the
// default handler tag, built by the two-phase fixed-point algorithm of
// spec §4.1 and replaced atomically on [Manager.Reload].
type Manager struct {
	registry *Registry
	logger   *slog.Logger

	mu             sync.RWMutex
	handlers       map[string]Handler
	defaultTag     string
	selectorStates map[string]string // selector tag -> selected actor tag
	prevClosers    []Closer
}

// NewManager constructs an empty [*Manager]; call [Manager.Reload] to
// build its first generation of handlers.
func NewManager(registry *Registry, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Manager{
		registry:       registry,
		logger:         logger,
		handlers:       make(map[string]Handler),
		selectorStates: make(map[string]string),
	}
}

// Get implements the spec §4.1 contract `get(tag) -> handler | None`.
func (m *Manager) Get(tag string) (Handler, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.handlers[tag]
	return h, ok
}

// DefaultHandler implements `default_handler() -> tag | None`.
func (m *Manager) DefaultHandler() (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.defaultTag == "" {
		return "", false
	}
	return m.defaultTag, true
}

// SelectorState returns the actor tag currently selected by the `select`
// combinator named tag, used by control-plane calls that change it.
func (m *Manager) SelectorState(tag string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.selectorStates[tag]
	return v, ok
}

// SetSelectorState changes the active actor of selector tag and persists
// it for the next reload, matching spec §4.3's Select semantics.
func (m *Manager) SetSelectorState(tag, actor string) {
	m.mu.Lock()
	m.selectorStates[tag] = actor
	h, ok := m.handlers[tag]
	m.mu.Unlock()
	if ok {
		if s, ok := h.(*selectHandler); ok {
			s.setSelected(actor)
		}
	}
}

// Reload rebuilds the handler graph from decls, following spec §4.1's
// reload contract: snapshot selector state, construct the new graph,
// restore selector state by tag, abort the previous generation's
// background handles, then atomically replace the maps. Handler
// references already held by in-flight flows remain valid (spec §4.1,
// §5) because this method never mutates an existing *Handler in place;
// it only swaps the map that resolves a tag to one.
func (m *Manager) Reload(decls []config.Outbound, dns *dnsclient.Client) error {
	m.mu.RLock()
	snapshot := make(map[string]string, len(m.selectorStates))
	for k, v := range m.selectorStates {
		snapshot[k] = v
	}
	prevClosers := m.prevClosers
	m.mu.RUnlock()

	handlers, defaultTag, newClosers, err := build(decls, m.registry, dns, m.logger, snapshot)
	if err != nil {
		return err
	}

	for _, c := range prevClosers {
		c.Close()
	}

	m.mu.Lock()
	m.handlers = handlers
	m.defaultTag = defaultTag
	m.selectorStates = snapshot
	m.prevClosers = newClosers
	m.mu.Unlock()
	return nil
}

// build runs the fixed-point construction described in spec §4.1.
func build(decls []config.Outbound, registry *Registry, dns *dnsclient.Client, logger *slog.Logger, selectorStates map[string]string) (map[string]Handler, string, []Closer, error) {
	seen := make(map[string]bool, len(decls))
	for _, d := range decls {
		if seen[d.Tag] {
			return nil, "", nil, coreerrors.Newf(coreerrors.CodeConfig, "outbound: duplicate tag %q", d.Tag)
		}
		seen[d.Tag] = true
	}

	handlers := make(map[string]Handler, len(decls))
	var defaultTag string
	var closers []Closer
	resolve := func(tag string) (Handler, bool) {
		h, ok := handlers[tag]
		return h, ok
	}

	// Phase 1: leaves.
	var pending []config.Outbound
	for _, d := range decls {
		if d.Protocol == "select" {
			pending = append(pending, d) // selectors: separate fixed-point pass
			continue
		}
		if !leafProtocols[d.Protocol] {
			if _, ok := registry.lookup(d.Protocol); !ok {
				return nil, "", nil, coreerrors.Newf(coreerrors.CodeConfig, "outbound %q: unknown protocol %q", d.Tag, d.Protocol)
			}
			pending = append(pending, d) // combinator: needs later passes
			continue
		}
		b, ok := registry.lookup(d.Protocol)
		if !ok {
			return nil, "", nil, coreerrors.Newf(coreerrors.CodeConfig, "outbound %q: unknown protocol %q", d.Tag, d.Protocol)
		}
		h, ok, err := b(d, resolve, dns, logger)
		if err != nil {
			return nil, "", nil, coreerrors.New(coreerrors.CodeConfig, err)
		}
		if !ok {
			return nil, "", nil, coreerrors.Newf(coreerrors.CodeConfig, "outbound %q: leaf protocol failed to self-construct", d.Tag)
		}
		handlers[d.Tag] = h
		if c, ok := h.(Closer); ok {
			closers = append(closers, c)
		}
		if defaultTag == "" {
			defaultTag = d.Tag
		}
	}

	// Phase 2: combinators, up to maxFixedPointPasses scans.
	var selectors []config.Outbound
	for i := range pending {
		if pending[i].Protocol == "select" {
			selectors = append(selectors, pending[i])
		}
	}
	combinators := pending[:0:0]
	for _, d := range pending {
		if d.Protocol != "select" {
			combinators = append(combinators, d)
		}
	}

	for pass := 0; pass < maxFixedPointPasses && len(combinators) > 0; pass++ {
		var deferred []config.Outbound
		for _, d := range combinators {
			if len(d.Actors) == 0 {
				continue // empty-actor combinators are skipped (spec §4.1)
			}
			if !allResolved(d.Actors, resolve) {
				deferred = append(deferred, d)
				continue
			}
			b, ok := registry.lookup(d.Protocol)
			if !ok {
				return nil, "", nil, coreerrors.Newf(coreerrors.CodeConfig, "outbound %q: unknown protocol %q", d.Tag, d.Protocol)
			}
			h, ok, err := b(d, resolve, dns, logger)
			if err != nil {
				return nil, "", nil, coreerrors.New(coreerrors.CodeConfig, err)
			}
			if !ok {
				deferred = append(deferred, d)
				continue
			}
			handlers[d.Tag] = h
			if c, ok := h.(Closer); ok {
				closers = append(closers, c)
			}
		}
		if len(deferred) == len(combinators) {
			break // no progress; remaining actor refs are unresolvable
		}
		combinators = deferred
	}
	for _, d := range combinators {
		logger.Warn("outbound: combinator actor references unresolved after fixed-point passes, dropping", "tag", d.Tag, "actors", d.Actors)
	}

	// Phase 3: selectors, in their own fixed-point loop (spec §4.1) since
	// their state must persist across reloads.
	for pass := 0; pass < maxFixedPointPasses && len(selectors) > 0; pass++ {
		var deferred []config.Outbound
		for _, d := range selectors {
			if len(d.Actors) == 0 {
				continue
			}
			if !allResolved(d.Actors, resolve) {
				deferred = append(deferred, d)
				continue
			}
			selected := selectorStates[d.Tag]
			if selected == "" || !containsTag(d.Actors, selected) {
				selected = d.Actors[0]
			}
			h := newSelectHandler(d.Tag, d.Actors, selected, resolve)
			handlers[d.Tag] = h
			selectorStates[d.Tag] = selected
		}
		if len(deferred) == len(selectors) {
			break
		}
		selectors = deferred
	}

	if defaultTag == "" {
		return nil, "", nil, coreerrors.Newf(coreerrors.CodeConfig, "outbound: no leaf handler available to act as default")
	}
	return handlers, defaultTag, closers, nil
}

func allResolved(actors []string, resolve func(string) (Handler, bool)) bool {
	for _, a := range actors {
		if _, ok := resolve(a); !ok {
			return false
		}
	}
	return true
}

func containsTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}

func registerBuiltins(r *Registry) {
	r.Register("direct", buildDirect)
	r.Register("drop", buildDrop)
	r.Register("redirect", buildRedirect)
	r.Register("socks", buildSocks)
	r.Register("shadowsocks", buildOpaque("shadowsocks"))
	r.Register("trojan", buildOpaque("trojan"))
	r.Register("vmess", buildOpaque("vmess"))
	r.Register("tls", buildTLS)
	r.Register("ws", buildWS)
	r.Register("quic", buildQUIC)
	r.Register("h2", buildH2)
	r.Register("tryall", buildTryAll)
	r.Register("random", buildRandom)
	r.Register("failover", buildFailover)
	r.Register("retry", buildRetry)
	r.Register("chain", buildChain)
	r.Register("amux", buildAMux)
}
