// This file contains the NativeProvider implementation backed by the
// whisper.cpp CGO bindings. The whisper.cpp static library (libwhisper.a)
// and headers (whisper.h) must be available at link time via LIBRARY_PATH
// and C_INCLUDE_PATH environment variables.

package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/MrWong99/turnstile/pkg/audio"
	"github.com/MrWong99/turnstile/pkg/provider/stt"
)

// modelSampleRate is the only rate whisper models accept.
const modelSampleRate = 16000

var _ stt.Provider = (*NativeProvider)(nil)

// NativeProvider implements stt.Provider using the whisper.cpp Go bindings.
// The model is loaded once and shared; every call gets its own context.
type NativeProvider struct {
	model    whisperlib.Model
	language string

	// sem bounds concurrent inference; whisper.cpp is CPU heavy.
	sem chan struct{}

	closeOnce sync.Once
}

// NativeOption is a functional option for configuring a NativeProvider.
type NativeOption func(*NativeProvider)

// WithNativeLanguage pins the recognition language. Defaults to auto-detection.
func WithNativeLanguage(lang string) NativeOption {
	return func(p *NativeProvider) { p.language = lang }
}

// WithNativeConcurrency sets how many inferences may run at once. Default 1.
func WithNativeConcurrency(n int) NativeOption {
	return func(p *NativeProvider) {
		if n > 0 {
			p.sem = make(chan struct{}, n)
		}
	}
}

// NewNative loads the whisper.cpp model at modelPath. The caller must call
// Close when the provider is no longer needed.
func NewNative(modelPath string, opts ...NativeOption) (*NativeProvider, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}

	p := &NativeProvider{
		model:    model,
		language: autoLanguage,
		sem:      make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Close releases the whisper model. Calling Close more than once is safe.
func (p *NativeProvider) Close() error {
	var err error
	p.closeOnce.Do(func() {
		if p.model != nil {
			err = p.model.Close()
		}
	})
	return err
}

// Recognize implements stt.Provider. Inference itself cannot be interrupted;
// ctx only bounds the wait for a free inference slot.
func (p *NativeProvider) Recognize(ctx context.Context, req stt.Request) (stt.Result, error) {
	pcm, info, err := audio.ReadWAV(req.WAVPath)
	if err != nil {
		return stt.Result{}, fmt.Errorf("whisper: %w", err)
	}
	if info.SampleRate != modelSampleRate {
		pcm = audio.Resample(pcm, info.SampleRate, modelSampleRate)
	}

	select {
	case p.sem <- struct{}{}:
		defer func() { <-p.sem }()
	case <-ctx.Done():
		return stt.Result{}, fmt.Errorf("whisper: wait for inference slot: %w", ctx.Err())
	}

	wctx, err := p.model.NewContext()
	if err != nil {
		return stt.Result{}, fmt.Errorf("whisper: create context: %w", err)
	}

	lang := req.Language
	if lang == "" {
		lang = p.language
	}
	if err := wctx.SetLanguage(lang); err != nil {
		slog.Warn("whisper: failed to set language, using default", "language", lang, "err", err)
	}
	wctx.SetTranslate(req.Translate)

	if err := wctx.Process(pcmToFloat32(pcm), nil, nil, nil); err != nil {
		return stt.Result{}, fmt.Errorf("whisper: process audio: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return stt.Result{}, fmt.Errorf("whisper: read segment: %w", err)
		}
		if text := strings.TrimSpace(segment.Text); text != "" {
			parts = append(parts, text)
		}
	}

	res := stt.Result{Text: strings.Join(parts, " ")}
	if req.Translate {
		res.Language = "en"
	}
	return res, nil
}
