// Package elevenlabs provides an ElevenLabs-backed [tts.Synthesizer] using
// the REST text-to-speech endpoint.
package elevenlabs

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
	defaultBaseURL = "https://api.elevenlabs.io"
	defaultModel   = "eleven_multilingual_v2"
	defaultFormat  = "mp3"
	defaultTimeout = 60 * time.Second

	// maxErrorBody caps how much of an error response is read into the
	// returned error.
	maxErrorBody = 4 << 10
)

// VoiceSettings mirrors the ElevenLabs voice_settings object.
type VoiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Style           float64 `json:"style"`
	UseSpeakerBoost bool    `json:"use_speaker_boost"`
}

// DefaultVoiceSettings returns the settings used when none are configured.
func DefaultVoiceSettings() VoiceSettings {
	return VoiceSettings{
		Stability:       0.5,
		SimilarityBoost: 0.75,
		Style:           0,
		UseSpeakerBoost: true,
	}
}

// Option is a functional option for configuring the ElevenLabs Provider.
type Option func(*Provider)

// WithModel sets the ElevenLabs model ID (e.g., "eleven_multilingual_v2").
func WithModel(model string) Option {
	return func(p *Provider) {
		if model != "" {
			p.model = model
		}
	}
}

// WithFormat selects the output container, "mp3" (default) or "wav".
func WithFormat(format string) Option {
	return func(p *Provider) {
		if format != "" {
			p.format = strings.ToLower(format)
		}
	}
}

// WithVoiceSettings overrides the default voice settings.
func WithVoiceSettings(vs VoiceSettings) Option {
	return func(p *Provider) {
		p.settings = vs
	}
}

// WithBaseURL overrides the API root. Used to point the provider at a test
// server.
func WithBaseURL(u string) Option {
	return func(p *Provider) {
		if u != "" {
			p.baseURL = strings.TrimRight(u, "/")
		}
	}
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		if c != nil {
			p.httpClient = c
		}
	}
}

// Provider implements [tts.Synthesizer] backed by the ElevenLabs REST API.
type Provider struct {
	apiKey     string
	voiceID    string
	model      string
	format     string
	settings   VoiceSettings
	baseURL    string
	httpClient *http.Client
}

// New creates a new ElevenLabs Provider. apiKey and voiceID must be non-empty.
func New(apiKey, voiceID string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	if strings.TrimSpace(voiceID) == "" {
		return nil, errors.New("elevenlabs: voiceID must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		voiceID:    strings.TrimSpace(voiceID),
		model:      defaultModel,
		format:     defaultFormat,
		settings:   DefaultVoiceSettings(),
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	if p.format != "mp3" && p.format != "wav" {
		return nil, fmt.Errorf("elevenlabs: unsupported format %q, use mp3 or wav", p.format)
	}
	return p, nil
}

// ---- request / response types ----

// synthesisRequest is the JSON body of POST /v1/text-to-speech/{voice_id}.
type synthesisRequest struct {
	Text          string        `json:"text"`
	ModelID       string        `json:"model_id"`
	VoiceSettings VoiceSettings `json:"voice_settings"`
}

// errorResponse covers both error shapes the API returns.
type errorResponse struct {
	Detail json.RawMessage `json:"detail"`
	Error  json.RawMessage `json:"error"`
}

// Synthesize renders text with the configured voice and returns the encoded
// clip.
func (p *Provider) Synthesize(ctx context.Context, text string) (tts.Audio, error) {
	if strings.TrimSpace(text) == "" {
		return tts.Audio{}, tts.ErrEmptyText
	}

	body, err := json.Marshal(synthesisRequest{
		Text:          text,
		ModelID:       p.model,
		VoiceSettings: p.settings,
	})
	if err != nil {
		return tts.Audio{}, fmt.Errorf("elevenlabs: marshal request: %w", err)
	}

	mime := tts.MIMEForFormat(p.format)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(), bytes.NewReader(body))
	if err != nil {
		return tts.Audio{}, fmt.Errorf("elevenlabs: create request: %w", err)
	}
	req.Header.Set("xi-api-key", p.apiKey)
	req.Header.Set("Accept", mime)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return tts.Audio{}, fmt.Errorf("elevenlabs: synthesize: %w", err)
	}
	defer resp.Body.Close()

	// A JSON body means an error even when the status looks successful.
	if resp.StatusCode != http.StatusOK || strings.Contains(resp.Header.Get("Content-Type"), "application/json") {
		return tts.Audio{}, fmt.Errorf("elevenlabs: HTTP %d: %s", resp.StatusCode, errorDetail(resp.Body))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return tts.Audio{}, fmt.Errorf("elevenlabs: read audio: %w", err)
	}
	if len(data) == 0 {
		return tts.Audio{}, errors.New("elevenlabs: returned empty audio")
	}
	return tts.Audio{Data: data, MIME: mime}, nil
}

func (p *Provider) endpoint() string {
	return p.baseURL + "/v1/text-to-speech/" + url.PathEscape(p.voiceID)
}

// errorDetail extracts the most useful message from an error body.
func errorDetail(r io.Reader) string {
	raw, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))
	var er errorResponse
	if err := json.Unmarshal(raw, &er); err == nil {
		for _, field := range []json.RawMessage{er.Detail, er.Error} {
			if len(field) == 0 {
				continue
			}
			var s string
			if json.Unmarshal(field, &s) == nil {
				return s
			}
			return string(field)
		}
	}
	return strings.TrimSpace(string(raw))
}
