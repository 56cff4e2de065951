package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/turnstile/internal/endpoint"
	"github.com/MrWong99/turnstile/internal/observe"
	"github.com/MrWong99/turnstile/internal/turn"
	"github.com/MrWong99/turnstile/pkg/audio/denoise"
)

// ErrManagerClosed is returned by Open after Close.
var ErrManagerClosed = errors.New("session: manager closed")

// SessionResponder hands out a responder bound to one conversation session.
// *agent.Responder implements it.
type SessionResponder interface {
	Session(id string) turn.Responder
}

// ManagerConfig holds the dependencies shared by every stream.
type ManagerConfig struct {
	// Stream is the template for new streams. It can be replaced at runtime
	// with SetVAD and SetDenoise.
	Stream Config

	// Collaborators are shared by all streams. When Sessions is set the
	// Responder field is replaced per stream with one bound to its session.
	Collaborators turn.Collaborators
	Sessions      SessionResponder

	// DefaultSession is used when Open is called without a session ID.
	DefaultSession string

	// TurnOptions are applied to every stream's dispatcher.
	TurnOptions []turn.Option

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Manager tracks the open streams. All methods are safe for concurrent use.
type Manager struct {
	mu      sync.Mutex
	cfg     ManagerConfig
	streams map[string]*Stream
	closed  bool
}

// NewManager returns an empty Manager.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &Manager{cfg: cfg, streams: make(map[string]*Stream)}
}

// Open starts a stream that replies in sessionID and delivers its events
// through out.
func (m *Manager) Open(ctx context.Context, sessionID string, out turn.Sender) (*Stream, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		sessionID = m.cfg.DefaultSession
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrManagerClosed
	}

	collab := m.cfg.Collaborators
	if m.cfg.Sessions != nil {
		collab.Responder = m.cfg.Sessions.Session(sessionID)
	}

	id := uuid.NewString()
	s := newStream(id, sessionID, m.cfg.Stream, collab, out, m.cfg.Metrics, m.cfg.TurnOptions...)
	m.streams[id] = s
	m.cfg.Metrics.ActiveStreams.Add(ctx, 1)

	slog.Info("stream opened",
		"stream", id,
		"session", sessionID,
		"sample_rate", m.cfg.Stream.SampleRate,
		"denoise", m.cfg.Stream.Denoise != nil,
	)
	return s, nil
}

// Release closes the stream with the given ID and forgets it. Unknown IDs
// are ignored.
func (m *Manager) Release(ctx context.Context, id string) error {
	m.mu.Lock()
	s, ok := m.streams[id]
	if ok {
		delete(m.streams, id)
		m.cfg.Metrics.ActiveStreams.Add(ctx, -1)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}

	info := s.Info()
	err := s.Close(ctx)
	slog.Info("stream closed", "stream", id, "session", s.sessionID, "frames", info.Frames, "turns", info.Turns, "err", err)
	return err
}

// Get returns the open stream with the given ID.
func (m *Manager) Get(id string) (*Stream, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[id]
	return s, ok
}

// Len returns the number of open streams.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.streams)
}

// List returns a snapshot of the open streams, oldest first.
func (m *Manager) List() []Info {
	m.mu.Lock()
	infos := make([]Info, 0, len(m.streams))
	for _, s := range m.streams {
		infos = append(infos, s.Info())
	}
	m.mu.Unlock()

	slices.SortFunc(infos, func(a, b Info) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return infos
}

// SetVAD replaces the endpoint tunables for streams opened from now on.
func (m *Manager) SetVAD(cfg endpoint.Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg.Stream.VAD = cfg
}

// SetDenoise replaces the denoiser settings for streams opened from now on.
// nil disables noise suppression.
func (m *Manager) SetDenoise(cfg *denoise.Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg.Stream.Denoise = cfg
}

// StreamConfig returns the template used for new streams.
func (m *Manager) StreamConfig() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg.Stream
}

// Close closes every open stream and rejects further Opens. Streams are
// closed concurrently and share ctx as their deadline. Every stream is
// closed even when one fails; the first error is returned.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	ids := make([]string, 0, len(m.streams))
	for id := range m.streams {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var g errgroup.Group
	for _, id := range ids {
		g.Go(func() error { return m.Release(ctx, id) })
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("session: close manager: %w", err)
	}
	return nil
}
