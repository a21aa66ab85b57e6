package utils

import (
	"sync"
)

// OptionalRWMutex is a sync.RWMutex that can be switched off at construction time for
// callers that promise external synchronization.
type OptionalRWMutex struct {
	mutex   sync.RWMutex
	enabled bool
}

func NewOptionalRWMutex(enabled bool) *OptionalRWMutex {
	return &OptionalRWMutex{enabled: enabled}
}

func (m *OptionalRWMutex) Enabled() bool {
	return m.enabled
}

func (m *OptionalRWMutex) Lock() {
	if m.enabled {
		m.mutex.Lock()
	}
}

func (m *OptionalRWMutex) Unlock() {
	if m.enabled {
		m.mutex.Unlock()
	}
}

func (m *OptionalRWMutex) RLock() {
	if m.enabled {
		m.mutex.RLock()
	}
}

func (m *OptionalRWMutex) RUnlock() {
	if m.enabled {
		m.mutex.RUnlock()
	}
}
