package stt

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// TwoPass is a [Transcriber] that recognises the original speech first and,
// for non-English speech, asks the provider a second time for an English
// translation. A failed or empty translation falls back to the original text.
type TwoPass struct {
	provider Provider
	detect   func(string) string
}

var _ Transcriber = (*TwoPass)(nil)

// TwoPassOption configures a [TwoPass].
type TwoPassOption func(*TwoPass)

// WithDetector replaces [DetectLanguage] for providers that do not report
// the spoken language.
func WithDetector(fn func(text string) string) TwoPassOption {
	return func(t *TwoPass) { t.detect = fn }
}

// NewTwoPass wraps p.
func NewTwoPass(p Provider, opts ...TwoPassOption) *TwoPass {
	t := &TwoPass{provider: p, detect: DetectLanguage}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Transcribe implements [Transcriber].
func (t *TwoPass) Transcribe(ctx context.Context, wavPath string) (Transcription, error) {
	orig, err := t.provider.Recognize(ctx, Request{WAVPath: wavPath})
	if err != nil {
		return Transcription{}, fmt.Errorf("stt: transcribe: %w", err)
	}
	original := strings.TrimSpace(orig.Text)

	code := Undetermined
	switch {
	case orig.Language != "":
		code = NormalizeLang(orig.Language)
	case original != "":
		code = t.detect(original)
	}

	english := original
	if code != "en" && original != "" {
		tr, err := t.provider.Recognize(ctx, Request{WAVPath: wavPath, Translate: true})
		switch {
		case err != nil:
			slog.Warn("stt: translation failed, using original text", "lang", code, "err", err)
		case strings.TrimSpace(tr.Text) != "":
			english = strings.TrimSpace(tr.Text)
		}
	}

	return Transcription{
		LangLine:     LangLine(code),
		LangCode:     code,
		OriginalText: original,
		EnglishText:  english,
	}, nil
}
