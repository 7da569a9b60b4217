package keypool

import "time"

// SetNow overrides the manager's clock for tests.
func (m *Manager) SetNow(fn func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = fn
}

// FreeFailures exposes the in-memory tier counter mirror for tests.
func (m *Manager) FreeFailures() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.freeFailures
}
