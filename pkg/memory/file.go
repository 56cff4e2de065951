package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FileStore keeps each session as an indented JSON array in
// <dir>/<session>.json. Writes replace the file atomically. A corrupt file
// reads as an empty history.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

var _ Store = (*FileStore)(nil)

// NewFileStore creates dir if needed and returns a store rooted there.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("memory: create dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(sessionID string) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, sessionID)
	return filepath.Join(s.dir, safe+".json")
}

// read must be called with s.mu held.
func (s *FileStore) read(sessionID string) ([]Message, error) {
	data, err := os.ReadFile(s.path(sessionID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("memory: read session: %w", err)
	}
	var msgs []Message
	if len(data) == 0 || json.Unmarshal(data, &msgs) != nil {
		return nil, nil
	}
	return msgs, nil
}

// write must be called with s.mu held.
func (s *FileStore) write(sessionID string, msgs []Message) error {
	data, err := json.MarshalIndent(msgs, "", "  ")
	if err != nil {
		return fmt.Errorf("memory: encode session: %w", err)
	}
	tmp, err := os.CreateTemp(s.dir, ".session-*")
	if err != nil {
		return fmt.Errorf("memory: write session: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("memory: write session: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("memory: write session: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path(sessionID)); err != nil {
		return fmt.Errorf("memory: write session: %w", err)
	}
	return nil
}

// Initialize implements [Store].
func (s *FileStore) Initialize(_ context.Context, sessionID string) error {
	if sessionID == "" {
		return ErrEmptySession
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs, err := s.read(sessionID)
	if err != nil {
		return err
	}
	if len(msgs) > 0 {
		return nil
	}
	return s.write(sessionID, []Message{{Role: RoleAssistant, Text: Greeting}})
}

// Recent implements [Store].
func (s *FileStore) Recent(_ context.Context, sessionID string, limit int) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs, err := s.read(sessionID)
	if err != nil {
		return nil, err
	}
	return tail(msgs, limit), nil
}

// Append implements [Store].
func (s *FileStore) Append(_ context.Context, sessionID string, msgs ...Message) error {
	if sessionID == "" {
		return ErrEmptySession
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, err := s.read(sessionID)
	if err != nil {
		return err
	}
	return s.write(sessionID, append(existing, msgs...))
}

// Clear implements [Store].
func (s *FileStore) Clear(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path(sessionID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("memory: clear session: %w", err)
	}
	return nil
}
