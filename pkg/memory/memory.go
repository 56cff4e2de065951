// Package memory stores the running conversation of a session so that
// micro-agents can be sent the recent history with every request.
//
// A session starts with a single assistant greeting ([Store.Initialize]).
// Every answered turn appends the user's English text followed by the
// spoken reply. Three backends are provided: [InMemory] for tests and
// single-process deployments, [FileStore] which keeps one JSON document per
// session, and the PostgreSQL store in the postgres sub-package.
package memory

import (
	"context"
	"errors"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Greeting is the assistant message every new session starts with.
const Greeting = "Hi! How can I help you today?"

// ErrEmptySession is returned when a session ID is empty.
var ErrEmptySession = errors.New("memory: session id is empty")

// Message is one conversation entry. The JSON form ({"role","text"}) is what
// agent memory templates refer to as {role} and {text}.
type Message struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// Exchange returns the user message followed by the assistant reply.
func Exchange(user, assistant string) []Message {
	return []Message{
		{Role: RoleUser, Text: user},
		{Role: RoleAssistant, Text: assistant},
	}
}

// Store persists conversation history per session.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Initialize seeds the session with [Greeting] if it has no messages yet.
	Initialize(ctx context.Context, sessionID string) error

	// Recent returns up to limit of the newest messages, oldest first. A
	// non-positive limit returns the whole history. Unknown sessions yield an
	// empty, non-nil slice.
	Recent(ctx context.Context, sessionID string, limit int) ([]Message, error)

	// Append adds msgs to the end of the session.
	Append(ctx context.Context, sessionID string, msgs ...Message) error

	// Clear forgets the session.
	Clear(ctx context.Context, sessionID string) error
}

// tail returns the last limit messages of msgs as a fresh slice.
func tail(msgs []Message, limit int) []Message {
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out
}
