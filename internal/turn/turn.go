// Package turn hands finished utterances to the slow downstream pipeline.
//
// A [Dispatcher] owns one worker goroutine per stream. [Dispatcher.Dispatch]
// only ever enqueues, so the ingest loop is never held up by transcription,
// reply generation or speech synthesis. Turns are processed strictly one at a
// time in arrival order and every result leaves through a [Sender] as an
// [Event].
package turn

import (
	"context"
	"crypto/rand"
	"encoding/hex"

	"github.com/MrWong99/turnstile/internal/intent"
)

// Turn is one finished utterance. It is immutable once created.
type Turn struct {
	// ID is 16 lower-case hex characters.
	ID string

	// PCM is mono 16-bit audio at SampleRate.
	PCM        []int16
	SampleRate int
}

// New creates a Turn with a fresh ID.
func New(pcm []int16, sampleRate int) Turn {
	return Turn{ID: NewID(), PCM: pcm, SampleRate: sampleRate}
}

// DurationMs returns the audio length of t.
func (t Turn) DurationMs() int {
	if t.SampleRate <= 0 {
		return 0
	}
	return len(t.PCM) * 1000 / t.SampleRate
}

// NewID returns 8 random bytes encoded as hex.
func NewID() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// Reply is what a [Responder] produced for one transcript.
type Reply struct {
	// Text is the short spoken reply. Empty means no reply.
	Text string

	// Optional is passed through to the client as optional_response.
	Optional any

	ActionItems []intent.ActionItem

	// Prompt is the micro-agent prompt the reply was built from.
	Prompt string
}

// Responder builds the reply to the English text of a turn.
type Responder interface {
	Respond(ctx context.Context, text string) (Reply, error)
}

// Sender delivers events to the client.
type Sender interface {
	Send(ctx context.Context, ev Event) error
}

// SenderFunc adapts a function to [Sender].
type SenderFunc func(ctx context.Context, ev Event) error

// Send calls f.
func (f SenderFunc) Send(ctx context.Context, ev Event) error { return f(ctx, ev) }
