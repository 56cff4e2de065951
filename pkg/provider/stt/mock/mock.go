// Package mock provides test doubles for the stt package interfaces.
//
// Provider serves canned recognition results, separately for plain and
// translation requests. Transcriber serves a canned [stt.Transcription].
//
//	p := &mock.Provider{Original: stt.Result{Text: "hallo"}, Translated: stt.Result{Text: "hello"}}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/turnstile/pkg/provider/stt"
)

// RecognizeCall records a single invocation of Provider.Recognize.
type RecognizeCall struct {
	Ctx context.Context
	Req stt.Request
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Original is returned for requests with Translate unset.
	Original stt.Result
	// OriginalErr, if non-nil, is returned for requests with Translate unset.
	OriginalErr error

	// Translated is returned for requests with Translate set.
	Translated stt.Result
	// TranslateErr, if non-nil, is returned for requests with Translate set.
	TranslateErr error

	// RecognizeCalls records every call to Recognize.
	RecognizeCalls []RecognizeCall
}

var _ stt.Provider = (*Provider)(nil)

// Recognize records the call and returns the configured result.
func (p *Provider) Recognize(ctx context.Context, req stt.Request) (stt.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.RecognizeCalls = append(p.RecognizeCalls, RecognizeCall{Ctx: ctx, Req: req})
	if req.Translate {
		return p.Translated, p.TranslateErr
	}
	return p.Original, p.OriginalErr
}

// Calls returns a copy of the recorded calls.
func (p *Provider) Calls() []RecognizeCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]RecognizeCall(nil), p.RecognizeCalls...)
}

// Transcriber is a mock implementation of stt.Transcriber.
type Transcriber struct {
	mu sync.Mutex

	// Result is returned by Transcribe.
	Result stt.Transcription
	// Err, if non-nil, is returned by Transcribe.
	Err error
	// Fn, if set, overrides Result and Err.
	Fn func(ctx context.Context, wavPath string) (stt.Transcription, error)

	// Paths records the wavPath of every call.
	Paths []string
}

var _ stt.Transcriber = (*Transcriber)(nil)

// Transcribe records the call and returns the configured transcription.
func (t *Transcriber) Transcribe(ctx context.Context, wavPath string) (stt.Transcription, error) {
	t.mu.Lock()
	t.Paths = append(t.Paths, wavPath)
	fn, res, err := t.Fn, t.Result, t.Err
	t.mu.Unlock()

	if fn != nil {
		return fn(ctx, wavPath)
	}
	return res, err
}

// CallPaths returns a copy of the recorded paths.
func (t *Transcriber) CallPaths() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.Paths...)
}
