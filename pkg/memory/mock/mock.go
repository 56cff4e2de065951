// Package mock provides a test double for [memory.Store].
//
// Store keeps messages in memory like [memory.InMemory] but additionally
// records every call and can be told to fail.
//
//	store := &mock.Store{AppendErr: errors.New("disk full")}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/turnstile/pkg/memory"
)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// SessionID is the session argument.
	SessionID string

	// Messages holds the appended messages for Append calls.
	Messages []memory.Message
}

// Store is a configurable test double for [memory.Store].
type Store struct {
	mu    sync.Mutex
	calls []Call
	data  map[string][]memory.Message

	// InitializeErr, RecentErr, AppendErr and ClearErr are returned from the
	// corresponding methods when non-nil.
	InitializeErr error
	RecentErr     error
	AppendErr     error
	ClearErr      error
}

var _ memory.Store = (*Store)(nil)

func (s *Store) record(c Call) {
	s.calls = append(s.calls, c)
	if s.data == nil {
		s.data = make(map[string][]memory.Message)
	}
}

// Initialize implements [memory.Store].
func (s *Store) Initialize(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record(Call{Method: "Initialize", SessionID: sessionID})
	if s.InitializeErr != nil {
		return s.InitializeErr
	}
	if len(s.data[sessionID]) == 0 {
		s.data[sessionID] = []memory.Message{{Role: memory.RoleAssistant, Text: memory.Greeting}}
	}
	return nil
}

// Recent implements [memory.Store].
func (s *Store) Recent(_ context.Context, sessionID string, limit int) ([]memory.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record(Call{Method: "Recent", SessionID: sessionID})
	if s.RecentErr != nil {
		return nil, s.RecentErr
	}
	msgs := s.data[sessionID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return append([]memory.Message{}, msgs...), nil
}

// Append implements [memory.Store].
func (s *Store) Append(_ context.Context, sessionID string, msgs ...memory.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record(Call{Method: "Append", SessionID: sessionID, Messages: append([]memory.Message(nil), msgs...)})
	if s.AppendErr != nil {
		return s.AppendErr
	}
	s.data[sessionID] = append(s.data[sessionID], msgs...)
	return nil
}

// Clear implements [memory.Store].
func (s *Store) Clear(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record(Call{Method: "Clear", SessionID: sessionID})
	if s.ClearErr != nil {
		return s.ClearErr
	}
	delete(s.data, sessionID)
	return nil
}

// Calls returns a copy of all recorded calls.
func (s *Store) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// CallCount returns how many times method was called.
func (s *Store) CallCount(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}
