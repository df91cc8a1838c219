package directory

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Role is the account role as known to the user directory.
type Role string

const (
	RoleStudent Role = "student"
	RoleFaculty Role = "faculty"
	RoleAdmin   Role = "admin"
)

var ErrUserNotFound = errors.New("user not found")

// ParseRole normalises a role string.
func ParseRole(s string) (Role, error) {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case RoleStudent, RoleFaculty, RoleAdmin:
		return r, nil
	default:
		return "", fmt.Errorf("unknown role %q", s)
	}
}

// CanCertify reports whether the role may certify attendance for someone else.
func (r Role) CanCertify() bool {
	return r == RoleFaculty || r == RoleAdmin
}

// User is the directory's view of an account.
type User struct {
	ID     string `json:"id" yaml:"id"`
	Role   Role   `json:"role" yaml:"role"`
	Active bool   `json:"active" yaml:"active"`
}

// Actor is the authenticated caller of an operation.
type Actor struct {
	ID   string
	Role Role
}

func (a Actor) IsAdmin() bool { return a.Role == RoleAdmin }

// Directory looks users up by id.
type Directory interface {
	User(ctx context.Context, id string) (User, error)
}

// Memory is an in-process directory.
type Memory struct {
	mu    sync.RWMutex
	users map[string]User
}

func NewMemory(users ...User) *Memory {
	m := &Memory{users: make(map[string]User, len(users))}
	for _, u := range users {
		m.users[u.ID] = u
	}
	return m
}

func (m *Memory) User(_ context.Context, id string) (User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return u, nil
}

// Put adds or replaces a user.
func (m *Memory) Put(u User) {
	m.mu.Lock()
	m.users[u.ID] = u
	m.mu.Unlock()
}

// LoadFile reads a YAML list of users, used to seed the in-memory directory.
func LoadFile(path string) ([]User, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read directory file: %w", err)
	}
	var doc struct {
		Users []User `yaml:"users"`
	}
	if err := yaml.Unmarshal(buf, &doc); err != nil {
		return nil, fmt.Errorf("parse directory file: %w", err)
	}
	for i := range doc.Users {
		r, err := ParseRole(string(doc.Users[i].Role))
		if err != nil {
			return nil, fmt.Errorf("user %s: %w", doc.Users[i].ID, err)
		}
		doc.Users[i].Role = r
	}
	return doc.Users, nil
}
