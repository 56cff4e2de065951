// Package stt defines the speech-to-text interfaces used by turn processing.
//
// Two layers exist. A [Provider] is a single recognition backend (OpenAI,
// whisper.cpp, Deepgram) that turns one WAV file into text, optionally
// translated to English. A [Transcriber] is what turn processing consumes: it
// produces the original text, its language and an English rendering.
// [TwoPass] builds a Transcriber from any Provider.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"errors"
)

// Request describes one recognition call.
type Request struct {
	// WAVPath is a mono 16-bit PCM WAV file. The provider must not delete it.
	WAVPath string

	// Translate asks for English output regardless of the spoken language.
	Translate bool

	// Language is an optional ISO 639-1 hint. Empty lets the backend detect it.
	Language string
}

// Result is the text a Provider recognised.
type Result struct {
	Text string

	// Language is the ISO 639-1 code reported by the backend, or empty when
	// the backend does not report one.
	Language string
}

// Provider is a single speech recognition backend.
type Provider interface {
	Recognize(ctx context.Context, req Request) (Result, error)
}

// Transcription is the outcome of transcribing one turn.
type Transcription struct {
	// LangLine is a human readable summary, e.g.
	// "Detected language: German (Deutsch) — de".
	LangLine string

	// LangCode is the normalised language code, "und" when unknown.
	LangCode string

	OriginalText string

	// EnglishText equals OriginalText when the speech was already English or
	// translation failed.
	EnglishText string
}

// Empty reports whether nothing was recognised.
func (t Transcription) Empty() bool {
	return t.OriginalText == "" && t.EnglishText == ""
}

// Transcriber turns a turn's WAV file into a [Transcription].
type Transcriber interface {
	Transcribe(ctx context.Context, wavPath string) (Transcription, error)
}

// ErrTranslationUnsupported is returned by providers that cannot translate.
var ErrTranslationUnsupported = errors.New("stt: translation not supported by provider")
