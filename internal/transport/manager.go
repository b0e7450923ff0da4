package transport

import (
	"sync"
	"time"

	"github.com/lexiqai/voice-pipeline/internal/resilience"
)

// Session is a live connection owned by the manager
type Session interface {
	ID() string
	Close()
}

// ConnectionManager tracks live sessions by connection id
type ConnectionManager struct {
	mu       sync.RWMutex
	sessions map[string]Session
}

// NewConnectionManager creates an empty manager
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{sessions: make(map[string]Session)}
}

// Register adds a session and returns the new count
func (m *ConnectionManager) Register(s Session) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID()] = s
	return len(m.sessions)
}

// Unregister removes a session and returns the new count. Unknown ids are ignored.
func (m *ConnectionManager) Unregister(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return len(m.sessions)
}

// Count returns the number of live sessions
func (m *ConnectionManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// CloseAll closes every session concurrently and removes it. Returns false
// if some session did not finish closing within timeout.
func (m *ConnectionManager) CloseAll(timeout time.Duration) bool {
	m.mu.Lock()
	sessions := make([]Session, 0, len(m.sessions))
	for id, s := range m.sessions {
		sessions = append(sessions, s)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s Session) {
			defer wg.Done()
			s.Close()
		}(s)
	}
	return resilience.WaitGroupTimeout(&wg, timeout)
}
