// Package nat implements the spec §4 NAT manager: a (source, destination)
// keyed session table with idle eviction, backing the dispatcher's UDP
// path (spec §4.5).
package nat

import (
	"sync"
	"time"

	"github.com/sqzxcv/leaf/internal/flow"
	"github.com/sqzxcv/leaf/internal/outbound"
)

// Session is one NAT-table entry: the outbound packet connection standing
// in for a (source, destination) pair, plus its last-activity timestamp.
type Session struct {
	Key  string
	Conn outbound.PacketConn

	mu           sync.Mutex
	lastActivity time.Time
}

// Touch records activity against the session, refreshing its idle
// deadline (spec §5: "entry mutation (last-activity) may use a
// finer-grained lock").
func (s *Session) Touch(now time.Time) {
	s.mu.Lock()
	s.lastActivity = now
	s.mu.Unlock()
}

func (s *Session) idleSince(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastActivity)
}

// Manager owns the shared NAT table, evicting sessions idle for longer
// than IdleTimeout (spec §3: "default ~30s").
type Manager struct {
	IdleTimeout time.Duration

	mu       sync.Mutex
	sessions map[string]*Session

	stop    chan struct{}
	stopped sync.WaitGroup
}

// NewManager constructs a [*Manager] and starts its eviction sweep.
func NewManager(idleTimeout time.Duration) *Manager {
	if idleTimeout <= 0 {
		idleTimeout = 30 * time.Second
	}
	m := &Manager{
		IdleTimeout: idleTimeout,
		sessions:    make(map[string]*Session),
		stop:        make(chan struct{}),
	}
	m.stopped.Add(1)
	go m.evictLoop()
	return m
}

// Get returns the existing session for f, if any (spec §4.5 UDP path
// step 1: "ask NAT manager for a session keyed by (source, dest)").
func (m *Manager) Get(f flow.Flow) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[f.ID()]
	return s, ok
}

// Put registers a newly-created session for f (spec §4.5 UDP path step 2:
// "register the new session with an LRU timestamp").
func (m *Manager) Put(f flow.Flow, conn outbound.PacketConn) *Session {
	s := &Session{Key: f.ID(), Conn: conn, lastActivity: time.Now()}
	m.mu.Lock()
	m.sessions[f.ID()] = s
	m.mu.Unlock()
	return s
}

// Remove drops key from the table, closing its connection.
func (m *Manager) Remove(key string) {
	m.mu.Lock()
	s, ok := m.sessions[key]
	if ok {
		delete(m.sessions, key)
	}
	m.mu.Unlock()
	if ok {
		s.Conn.Close()
	}
}

// Close stops the eviction sweep and closes every remaining session.
func (m *Manager) Close() {
	close(m.stop)
	m.stopped.Wait()

	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()
	for _, s := range sessions {
		s.Conn.Close()
	}
}

func (m *Manager) evictLoop() {
	defer m.stopped.Done()
	interval := m.IdleTimeout / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case now := <-ticker.C:
			m.evictOnce(now)
		}
	}
}

func (m *Manager) evictOnce(now time.Time) {
	m.mu.Lock()
	var expired []*Session
	for key, s := range m.sessions {
		if s.idleSince(now) >= m.IdleTimeout {
			expired = append(expired, s)
			delete(m.sessions, key)
		}
	}
	m.mu.Unlock()
	for _, s := range expired {
		s.Conn.Close()
	}
}
