// Package mock provides a test double for [agent.Store].
//
//	store := &mock.Store{Agents: []agent.Config{weather}}
//	store.UpsertErr = errors.New("db down")
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/MrWong99/turnstile/internal/agent"
)

// Store is a configurable [agent.Store]. Agents is returned by List as-is, in
// slice order.
type Store struct {
	mu sync.Mutex

	Agents []agent.Config

	ListErr   error
	UpsertErr error
	DeleteErr error

	// Upserted records every config passed to Upsert.
	Upserted []agent.Config

	listCalls int
}

var _ agent.Store = (*Store)(nil)

// List implements [agent.Store].
func (s *Store) List(_ context.Context) ([]agent.Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listCalls++
	if s.ListErr != nil {
		return nil, s.ListErr
	}
	return append([]agent.Config(nil), s.Agents...), nil
}

// Get implements [agent.Store].
func (s *Store) Get(_ context.Context, name string) (agent.Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.Agents {
		if a.Name == name {
			return a, nil
		}
	}
	return agent.Config{}, fmt.Errorf("%w: %q", agent.ErrNotFound, name)
}

// Upsert implements [agent.Store]. It records cfg and replaces or appends it.
func (s *Store) Upsert(_ context.Context, cfg agent.Config) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Upserted = append(s.Upserted, cfg)
	if s.UpsertErr != nil {
		return false, s.UpsertErr
	}
	for i, a := range s.Agents {
		if a.Name == cfg.Name {
			s.Agents[i] = cfg
			return false, nil
		}
	}
	s.Agents = append(s.Agents, cfg)
	return true, nil
}

// Delete implements [agent.Store].
func (s *Store) Delete(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.DeleteErr != nil {
		return s.DeleteErr
	}
	for i, a := range s.Agents {
		if a.Name == name {
			s.Agents = append(s.Agents[:i], s.Agents[i+1:]...)
			break
		}
	}
	return nil
}

// ListCalls returns how often List was called.
func (s *Store) ListCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listCalls
}
