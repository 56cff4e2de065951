// Package mock provides test doubles for the turn package interfaces.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/turnstile/internal/turn"
)

// Sender records every event it is given.
type Sender struct {
	mu sync.Mutex

	// Err, if non-nil, is returned from Send after recording the event.
	Err error

	events []turn.Event
}

var _ turn.Sender = (*Sender)(nil)

// Send records ev.
func (s *Sender) Send(_ context.Context, ev turn.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return s.Err
}

// Events returns a copy of the recorded events.
func (s *Sender) Events() []turn.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]turn.Event(nil), s.events...)
}

// Responder is a mock implementation of turn.Responder.
type Responder struct {
	mu sync.Mutex

	// Reply is returned by Respond.
	Reply turn.Reply
	// Err, if non-nil, is returned by Respond.
	Err error
	// Fn, if set, overrides Reply and Err.
	Fn func(ctx context.Context, text string) (turn.Reply, error)

	texts []string
}

var _ turn.Responder = (*Responder)(nil)

// Respond records text and returns the configured reply.
func (r *Responder) Respond(ctx context.Context, text string) (turn.Reply, error) {
	r.mu.Lock()
	r.texts = append(r.texts, text)
	fn, reply, err := r.Fn, r.Reply, r.Err
	r.mu.Unlock()

	if fn != nil {
		return fn(ctx, text)
	}
	return reply, err
}

// Texts returns the text of every call in order.
func (r *Responder) Texts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.texts...)
}
