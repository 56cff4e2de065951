// Package deepgram provides an STT provider backed by the Deepgram
// pre-recorded audio API. Deepgram detects the spoken language but does not
// translate, so translation requests fail with
// [stt.ErrTranslationUnsupported] and callers keep the original text.
package deepgram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/MrWong99/turnstile/pkg/provider/stt"
)

const (
	defaultEndpoint = "https://api.deepgram.com/v1/listen"
	defaultModel    = "nova-3"
)

var _ stt.Provider = (*Provider)(nil)

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model to use (e.g., "nova-3", "base").
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithLanguage pins the recognition language and disables detection.
func WithLanguage(language string) Option {
	return func(p *Provider) { p.language = language }
}

// WithEndpoint overrides the API endpoint, mainly for tests.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) { p.endpoint = endpoint }
}

// WithHTTPClient replaces the default client, which has a 30 s timeout.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// Provider implements stt.Provider backed by Deepgram.
type Provider struct {
	apiKey     string
	model      string
	language   string
	endpoint   string
	httpClient *http.Client
}

// New creates a new Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		model:      defaultModel,
		endpoint:   defaultEndpoint,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Recognize implements stt.Provider.
func (p *Provider) Recognize(ctx context.Context, req stt.Request) (stt.Result, error) {
	if req.Translate {
		return stt.Result{}, stt.ErrTranslationUnsupported
	}
	wav, err := os.ReadFile(req.WAVPath)
	if err != nil {
		return stt.Result{}, fmt.Errorf("deepgram: read audio: %w", err)
	}

	u, err := p.buildURL(req.Language)
	if err != nil {
		return stt.Result{}, fmt.Errorf("deepgram: build URL: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(wav))
	if err != nil {
		return stt.Result{}, fmt.Errorf("deepgram: create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Token "+p.apiKey)
	httpReq.Header.Set("Content-Type", "audio/wav")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return stt.Result{}, fmt.Errorf("deepgram: http request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return stt.Result{}, fmt.Errorf("deepgram: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return stt.Result{}, fmt.Errorf("deepgram: server returned HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}

	var body listenResponse
	if err := json.Unmarshal(data, &body); err != nil {
		return stt.Result{}, fmt.Errorf("deepgram: parse response: %w", err)
	}
	if len(body.Results.Channels) == 0 {
		return stt.Result{}, nil
	}
	ch := body.Results.Channels[0]
	res := stt.Result{Language: ch.DetectedLanguage}
	if len(ch.Alternatives) > 0 {
		res.Text = strings.TrimSpace(ch.Alternatives[0].Transcript)
	}
	return res, nil
}

// buildURL constructs the listen endpoint URL with its query parameters.
func (p *Provider) buildURL(lang string) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}
	if lang == "" {
		lang = p.language
	}

	q := u.Query()
	q.Set("model", p.model)
	q.Set("punctuate", "true")
	q.Set("smart_format", "true")
	if lang != "" {
		q.Set("language", lang)
	} else {
		q.Set("detect_language", "true")
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// listenResponse is the subset of the pre-recorded response that is used.
type listenResponse struct {
	Results struct {
		Channels []struct {
			DetectedLanguage string `json:"detected_language"`
			Alternatives     []struct {
				Transcript string  `json:"transcript"`
				Confidence float64 `json:"confidence"`
			} `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}
