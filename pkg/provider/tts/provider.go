// Package tts defines the interface for Text-to-Speech backends.
//
// A backend turns one reply into one encoded audio clip. The clip is shipped
// to the client as-is (base64 in the FinalReply event), so implementations
// return the encoded container together with its MIME type rather than raw
// PCM.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"
	"errors"
	"strings"
)

// MIME types of the containers the shipped backends produce.
const (
	MIMEMPEG = "audio/mpeg"
	MIMEWAV  = "audio/wav"
)

// ErrEmptyText is returned when there is nothing to synthesise.
var ErrEmptyText = errors.New("tts: text is empty")

// Audio is one synthesised clip.
type Audio struct {
	// Data is the encoded audio container (mp3, wav, ...).
	Data []byte

	// MIME is the content type of Data, e.g. "audio/mpeg".
	MIME string
}

// Empty reports whether the clip carries no audio.
func (a Audio) Empty() bool { return len(a.Data) == 0 }

// Synthesizer converts text to speech.
type Synthesizer interface {
	// Synthesize renders text with the backend's configured voice. It returns
	// ErrEmptyText when text is blank and a non-nil error when the backend
	// returns no audio.
	Synthesize(ctx context.Context, text string) (Audio, error)
}

// MIMEForFormat maps a short format name to its content type. Unknown names
// map to audio/mpeg.
func MIMEForFormat(format string) string {
	if strings.EqualFold(format, "wav") {
		return MIMEWAV
	}
	return MIMEMPEG
}
