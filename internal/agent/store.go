package agent

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
)

// ErrNotFound is returned when a named agent does not exist.
var ErrNotFound = errors.New("agent: not found")

// Store keeps agent configurations. Implementations must be safe for
// concurrent use.
type Store interface {
	// List returns every agent ordered by name.
	List(ctx context.Context) ([]Config, error)

	// Get returns the named agent or [ErrNotFound].
	Get(ctx context.Context, name string) (Config, error)

	// Upsert validates cfg and stores it, replacing any agent with the same
	// name. created reports whether the agent was new.
	Upsert(ctx context.Context, cfg Config) (created bool, err error)

	// Delete removes the named agent. Deleting an unknown agent is not an
	// error.
	Delete(ctx context.Context, name string) error
}

// MemStore is an in-process [Store].
type MemStore struct {
	mu     sync.RWMutex
	agents map[string]Config
}

var _ Store = (*MemStore)(nil)

// NewMemStore returns a store seeded with cfgs. Every seed is defaulted and
// validated; the first invalid one is returned as an error.
func NewMemStore(cfgs ...Config) (*MemStore, error) {
	s := &MemStore{agents: make(map[string]Config, len(cfgs))}
	for _, c := range cfgs {
		if _, err := s.Upsert(context.Background(), c); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// List implements [Store].
func (s *MemStore) List(_ context.Context) ([]Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Config, 0, len(s.agents))
	for _, c := range s.agents {
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b Config) int { return strings.Compare(a.Name, b.Name) })
	return out, nil
}

// Get implements [Store].
func (s *MemStore) Get(_ context.Context, name string) (Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.agents[name]
	if !ok {
		return Config{}, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return c, nil
}

// Upsert implements [Store].
func (s *MemStore) Upsert(_ context.Context, cfg Config) (bool, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, exists := s.agents[cfg.Name]
	s.agents[cfg.Name] = cfg
	return !exists, nil
}

// Delete implements [Store].
func (s *MemStore) Delete(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.agents, name)
	return nil
}
