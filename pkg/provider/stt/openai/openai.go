// Package openai provides an STT provider backed by the OpenAI audio API.
// Plain recognition uses the transcriptions endpoint and translation to
// English uses the translations endpoint.
package openai

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/MrWong99/turnstile/pkg/provider/stt"
)

const defaultModel = oai.AudioModelWhisper1

// Provider implements stt.Provider using the OpenAI audio API.
type Provider struct {
	client oai.Client
	model  oai.AudioModel
}

var _ stt.Provider = (*Provider)(nil)

type config struct {
	baseURL    string
	model      string
	timeout    time.Duration
	maxRetries int
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithModel selects the audio model. Defaults to "whisper-1". Translation is
// only offered by whisper-1.
func WithModel(model string) Option {
	return func(c *config) { c.model = model }
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// WithMaxRetries sets how often the SDK retries a failed request. Default 2.
func WithMaxRetries(n int) Option {
	return func(c *config) { c.maxRetries = n }
}

// New constructs a Provider.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai stt: apiKey must not be empty")
	}
	cfg := &config{model: string(defaultModel), maxRetries: 2}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(cfg.maxRetries),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}
	return &Provider{client: oai.NewClient(reqOpts...), model: oai.AudioModel(cfg.model)}, nil
}

// Recognize implements stt.Provider.
func (p *Provider) Recognize(ctx context.Context, req stt.Request) (stt.Result, error) {
	f, err := os.Open(req.WAVPath)
	if err != nil {
		return stt.Result{}, fmt.Errorf("openai stt: open audio: %w", err)
	}
	defer f.Close()

	if req.Translate {
		tr, err := p.client.Audio.Translations.New(ctx, oai.AudioTranslationNewParams{
			File:  f,
			Model: p.model,
		})
		if err != nil {
			return stt.Result{}, fmt.Errorf("openai stt: translate: %w", err)
		}
		return stt.Result{Text: tr.Text, Language: "en"}, nil
	}

	params := oai.AudioTranscriptionNewParams{
		File:  f,
		Model: p.model,
	}
	if req.Language != "" {
		params.Language = oai.String(req.Language)
	}
	tr, err := p.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return stt.Result{}, fmt.Errorf("openai stt: transcribe: %w", err)
	}
	return stt.Result{Text: tr.Text}, nil
}
