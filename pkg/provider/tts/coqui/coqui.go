// Package coqui provides a [tts.Synthesizer] backed by a self-hosted Coqui
// TTS server. It is the offline alternative to ElevenLabs and is usually
// registered as a fallback.
//
// Two API modes are supported:
//
//   - APIModeStandard (default): the standard Coqui TTS server
//     (ghcr.io/coqui-ai/tts-cpu), synthesis via GET /api/tts with query
//     parameters.
//
//   - APIModeXTTS: the Coqui XTTS v2 API server, synthesis via
//     POST /tts_to_audio/ with a JSON body. A speaker is required.
//
// Both servers answer with a complete WAV file, which is returned unchanged.
//
// Typical usage:
//
//	p, err := coqui.New("http://localhost:5002",
//	    coqui.WithLanguage("en"),
//	    coqui.WithSpeaker("p225"),
//	)
//	clip, err := p.Synthesize(ctx, "Hello there.")
package coqui

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MrWong99/turnstile/pkg/provider/tts"
)

var _ tts.Synthesizer = (*Provider)(nil)

const (
	defaultLanguage = "en"
	defaultTimeout  = 30 * time.Second
	xttsEndpoint    = "/tts_to_audio/"
	apiTTSEndpoint  = "/api/tts"
)

// APIMode selects which Coqui server API the provider targets.
type APIMode string

const (
	// APIModeXTTS targets the Coqui XTTS v2 API server (/tts_to_audio/).
	APIModeXTTS APIMode = "xtts"

	// APIModeStandard targets the standard Coqui TTS server (/api/tts).
	APIModeStandard APIMode = "standard"
)

// Option is a functional option for configuring a Coqui Provider.
type Option func(*Provider)

// WithLanguage sets the language code sent to the server. Defaults to "en".
func WithLanguage(lang string) Option {
	return func(p *Provider) {
		p.language = lang
	}
}

// WithSpeaker sets the speaker. In standard mode this is the speaker_id of a
// multi-speaker model; in XTTS mode it is the speaker_wav reference.
func WithSpeaker(id string) Option {
	return func(p *Provider) {
		p.speaker = id
	}
}

// WithTimeout sets the per-request HTTP timeout. Defaults to 30 s.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.httpClient.Timeout = d
	}
}

// WithAPIMode sets the server API mode.
func WithAPIMode(mode APIMode) Option {
	return func(p *Provider) {
		p.apiMode = mode
	}
}

// Provider implements [tts.Synthesizer] backed by a Coqui TTS server.
// It is safe for concurrent use.
type Provider struct {
	serverURL  string
	language   string
	speaker    string
	apiMode    APIMode
	httpClient *http.Client
}

// New creates a Coqui Provider for the server at serverURL (e.g.,
// "http://localhost:5002").
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("coqui: serverURL must not be empty")
	}
	p := &Provider{
		serverURL:  strings.TrimRight(serverURL, "/"),
		language:   defaultLanguage,
		apiMode:    APIModeStandard,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	switch p.apiMode {
	case APIModeStandard:
	case APIModeXTTS:
		if p.speaker == "" {
			return nil, errors.New("coqui: a speaker is required in XTTS mode")
		}
	default:
		return nil, fmt.Errorf("coqui: unknown API mode %q", p.apiMode)
	}
	return p, nil
}

// xttsRequest is the JSON body sent to POST /tts_to_audio/.
type xttsRequest struct {
	Text       string `json:"text"`
	SpeakerWav string `json:"speaker_wav"`
	Language   string `json:"language"`
}

// Synthesize renders text and returns the server's WAV response.
func (p *Provider) Synthesize(ctx context.Context, text string) (tts.Audio, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return tts.Audio{}, tts.ErrEmptyText
	}

	req, err := p.newRequest(ctx, text)
	if err != nil {
		return tts.Audio{}, err
	}
	req.Header.Set("Accept", tts.MIMEWAV)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return tts.Audio{}, fmt.Errorf("coqui: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<10))
		return tts.Audio{}, fmt.Errorf("coqui: %s %s returned status %d: %s",
			req.Method, req.URL.Path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	wav, err := io.ReadAll(resp.Body)
	if err != nil {
		return tts.Audio{}, fmt.Errorf("coqui: read WAV response: %w", err)
	}
	if err := checkWAV(wav); err != nil {
		return tts.Audio{}, err
	}
	return tts.Audio{Data: wav, MIME: tts.MIMEWAV}, nil
}

func (p *Provider) newRequest(ctx context.Context, text string) (*http.Request, error) {
	if p.apiMode == APIModeXTTS {
		data, err := json.Marshal(xttsRequest{Text: text, SpeakerWav: p.speaker, Language: p.language})
		if err != nil {
			return nil, fmt.Errorf("coqui: marshal tts request: %w", err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+xttsEndpoint, bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("coqui: create tts request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	}

	params := url.Values{}
	params.Set("text", text)
	if p.speaker != "" {
		params.Set("speaker_id", p.speaker)
	}
	if p.language != "" {
		params.Set("language_id", p.language)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.serverURL+apiTTSEndpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("coqui: create tts request: %w", err)
	}
	return req, nil
}

// checkWAV verifies that b starts with a RIFF/WAVE header and carries at least
// one byte of payload after the 44-byte canonical header.
func checkWAV(b []byte) error {
	if len(b) < 12 || string(b[0:4]) != "RIFF" || string(b[8:12]) != "WAVE" {
		return errors.New("coqui: response is not a WAV file")
	}
	if len(b) <= 44 {
		return errors.New("coqui: returned empty audio")
	}
	return nil
}
