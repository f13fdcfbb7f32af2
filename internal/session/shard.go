package session

import (
	"hash/fnv"
	"sync"
)

// shardCount matches SPEC_FULL.md §5's 16-way session map sharding,
// generalizing the teacher's per-kitchen subsMu/subs pattern
// (internal/mcpgw/gateway.go) to a fixed shard count keyed by
// session_id hash instead of by kitchen name.
const shardCount = 16

type shard struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// MaxSessions is the resource cap on live sessions held by one Manager
// (spec.md §5: "Max 1,024 concurrent sessions").
const MaxSessions = 1024

// Manager holds every live session, sharded to bound lock contention
// under spec.md §5's 1,024 concurrent session ceiling.
type Manager struct {
	shards [shardCount]*shard
}

// NewManager builds an empty, ready-to-use Manager.
func NewManager() *Manager {
	m := &Manager{}
	for i := range m.shards {
		m.shards[i] = &shard{sessions: make(map[string]*Session)}
	}
	return m
}

func (m *Manager) shardFor(sessionID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sessionID))
	return m.shards[h.Sum32()%shardCount]
}

// Add registers a new session.
func (m *Manager) Add(s *Session) {
	sh := m.shardFor(s.ID())
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.sessions[s.ID()] = s
}

// Get looks up a session by id.
func (m *Manager) Get(id string) (*Session, bool) {
	sh := m.shardFor(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	s, ok := sh.sessions[id]
	return s, ok
}

// Remove drops a session from the manager.
func (m *Manager) Remove(id string) {
	sh := m.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	delete(sh.sessions, id)
}

// Count returns the number of live sessions across all shards.
func (m *Manager) Count() int {
	n := 0
	for _, sh := range m.shards {
		sh.mu.RLock()
		n += len(sh.sessions)
		sh.mu.RUnlock()
	}
	return n
}

// AtCapacity reports whether the manager already holds MaxSessions live
// sessions, the point at which new connections must be refused.
func (m *Manager) AtCapacity() bool {
	return m.Count() >= MaxSessions
}

// Sweep closes and removes every session idle for longer than
// IdleTimeout, returning the ids it reaped.
func (m *Manager) Sweep() []string {
	var reaped []string
	for _, sh := range m.shards {
		sh.mu.Lock()
		for id, s := range sh.sessions {
			if s.IdleFor() > IdleTimeout {
				s.Close()
				delete(sh.sessions, id)
				reaped = append(reaped, id)
			}
		}
		sh.mu.Unlock()
	}
	return reaped
}
