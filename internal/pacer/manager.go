package pacer

import (
	"sync"
)

// Manager owns the in-process map of per-session pacers (spec.md §5: "the
// pacer map (each entry is single-writer)").
type Manager struct {
	mu              sync.RWMutex
	pacers          map[string]*Pacer
	burstLimit      int64
	burstCooldownMs int64
}

// NewManager builds a Manager using the given defaults for newly created
// pacers' burst guard.
func NewManager(burstLimit, burstCooldownMs int64) *Manager {
	return &Manager{
		pacers:          make(map[string]*Pacer),
		burstLimit:      burstLimit,
		burstCooldownMs: burstCooldownMs,
	}
}

// GetOrCreate returns the pacer for sessionID, creating one from profile if
// absent.
func (m *Manager) GetOrCreate(sessionID string, profile Profile) *Pacer {
	m.mu.RLock()
	p, ok := m.pacers[sessionID]
	m.mu.RUnlock()
	if ok {
		return p
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pacers[sessionID]; ok {
		return p
	}
	p = New(sessionID, Config{
		MinDelayMs:      profile.MinDelayMs,
		MaxDelayMs:      profile.MaxDelayMs,
		BurstLimit:      m.burstLimit,
		BurstCooldownMs: m.burstCooldownMs,
	})
	m.pacers[sessionID] = p
	return p
}

// Get returns the pacer for sessionID, if any.
func (m *Manager) Get(sessionID string) (*Pacer, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pacers[sessionID]
	return p, ok
}

// Remove drops the pacer for sessionID, e.g. when its consumer stops.
func (m *Manager) Remove(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pacers, sessionID)
}

// Count returns the number of active pacers.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.pacers)
}

// All returns a stats snapshot for every tracked pacer.
func (m *Manager) All() []Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Stats, 0, len(m.pacers))
	for _, p := range m.pacers {
		out = append(out, p.Stats())
	}
	return out
}
