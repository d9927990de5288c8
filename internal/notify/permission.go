package notify

import (
	"fmt"
	"strings"
	"sync"
)

// Permission is the host alert permission state.
type Permission string

const (
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
	PermissionPrompt  Permission = "prompt"
)

// ParsePermission parses a permission name.
func ParsePermission(s string) (Permission, error) {
	switch p := Permission(strings.ToLower(strings.TrimSpace(s))); p {
	case PermissionGranted, PermissionDenied, PermissionPrompt:
		return p, nil
	case "":
		return PermissionPrompt, nil
	default:
		return "", fmt.Errorf("notify: unknown permission %q", s)
	}
}

// PermissionGate holds the current permission. It is safe for concurrent use.
type PermissionGate struct {
	mu     sync.RWMutex
	state  Permission
	prompt func() Permission
}

// NewPermissionGate creates a gate in the initial state. prompt answers a
// Request made while the state is PermissionPrompt; nil grants.
func NewPermissionGate(initial Permission, prompt func() Permission) *PermissionGate {
	if initial == "" {
		initial = PermissionPrompt
	}
	return &PermissionGate{state: initial, prompt: prompt}
}

// State returns the current permission.
func (g *PermissionGate) State() Permission {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state
}

// Granted reports whether alerts may be shown.
func (g *PermissionGate) Granted() bool {
	return g.State() == PermissionGranted
}

// Set overrides the state.
func (g *PermissionGate) Set(p Permission) {
	g.mu.Lock()
	g.state = p
	g.mu.Unlock()
}

// Request asks for permission. Only a pending prompt is resolved; a decided
// state is returned unchanged.
func (g *PermissionGate) Request() Permission {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != PermissionPrompt {
		return g.state
	}
	answer := PermissionGranted
	if g.prompt != nil {
		answer = g.prompt()
	}
	if answer == PermissionPrompt {
		return g.state
	}
	g.state = answer
	return g.state
}
