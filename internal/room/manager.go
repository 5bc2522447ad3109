// Package room tracks which chat each connection is currently viewing.
package room

import (
	"sync"

	"github.com/samber/lo"
)

// Manager maps a connection to the single chat it has joined. It knows
// nothing about the transport so routing can be tested with plain ids.
type Manager struct {
	mu      sync.RWMutex
	current map[string]int              // connection -> chat
	members map[int]map[string]struct{} // chat -> connections
}

func NewManager() *Manager {
	return &Manager{
		current: make(map[string]int),
		members: make(map[int]map[string]struct{}),
	}
}

// Join makes chatID the connection's only joined chat.
func (m *Manager) Join(connID string, chatID int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.leaveLocked(connID)
	m.current[connID] = chatID
	set, ok := m.members[chatID]
	if !ok {
		set = make(map[string]struct{})
		m.members[chatID] = set
	}
	set[connID] = struct{}{}
}

// Leave clears the connection's membership. It is safe to call repeatedly.
func (m *Manager) Leave(connID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leaveLocked(connID)
}

func (m *Manager) leaveLocked(connID string) {
	chatID, ok := m.current[connID]
	if !ok {
		return
	}
	delete(m.current, connID)
	if set, ok := m.members[chatID]; ok {
		delete(set, connID)
		if len(set) == 0 {
			delete(m.members, chatID)
		}
	}
}

func (m *Manager) IsActiveIn(connID string, chatID int) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	current, ok := m.current[connID]
	return ok && current == chatID
}

// Current returns the joined chat, if any.
func (m *Manager) Current(connID string) (int, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	chatID, ok := m.current[connID]
	return chatID, ok
}

// Members lists the connections joined to chatID.
func (m *Manager) Members(chatID int) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return lo.Keys(m.members[chatID])
}
