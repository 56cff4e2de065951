package memory

import (
	"context"
	"sync"
)

// InMemory is a process-local [Store].
type InMemory struct {
	mu       sync.RWMutex
	sessions map[string][]Message
}

var _ Store = (*InMemory)(nil)

// NewInMemory returns an empty InMemory store.
func NewInMemory() *InMemory {
	return &InMemory{sessions: make(map[string][]Message)}
}

// Initialize implements [Store].
func (s *InMemory) Initialize(_ context.Context, sessionID string) error {
	if sessionID == "" {
		return ErrEmptySession
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sessions[sessionID]) == 0 {
		s.sessions[sessionID] = []Message{{Role: RoleAssistant, Text: Greeting}}
	}
	return nil
}

// Recent implements [Store].
func (s *InMemory) Recent(_ context.Context, sessionID string, limit int) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return tail(s.sessions[sessionID], limit), nil
}

// Append implements [Store].
func (s *InMemory) Append(_ context.Context, sessionID string, msgs ...Message) error {
	if sessionID == "" {
		return ErrEmptySession
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sessionID] = append(s.sessions[sessionID], msgs...)
	return nil
}

// Clear implements [Store].
func (s *InMemory) Clear(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	return nil
}
