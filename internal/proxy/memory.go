package proxy

import (
	"context"
	"sync"
)

// Memory is an in-process permission store.
type Memory struct {
	mu    sync.RWMutex
	perms map[string]Permission
}

func NewMemory() *Memory {
	return &Memory{perms: make(map[string]Permission)}
}

func (m *Memory) GetPermission(_ context.Context, userID string) (Permission, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.perms[userID]
	return p, ok, nil
}

func (m *Memory) SetPermission(_ context.Context, p Permission) error {
	m.mu.Lock()
	m.perms[p.UserID] = p
	m.mu.Unlock()
	return nil
}
