package face

import (
	"context"
	"sync"
)

// Memory is an in-process template store.
type Memory struct {
	mu        sync.RWMutex
	templates map[string]Template
}

func NewMemory() *Memory {
	return &Memory{templates: make(map[string]Template)}
}

func (m *Memory) PutTemplate(_ context.Context, t Template) error {
	m.mu.Lock()
	m.templates[t.UserID] = t
	m.mu.Unlock()
	return nil
}

func (m *Memory) GetTemplate(_ context.Context, userID string) (Template, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.templates[userID]
	if !ok {
		return Template{}, ErrNoTemplateRegistered
	}
	return t, nil
}

func (m *Memory) DeleteTemplate(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.templates[userID]; !ok {
		return ErrNoTemplateRegistered
	}
	delete(m.templates, userID)
	return nil
}
