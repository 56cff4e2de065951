// Package whisper provides STT providers backed by whisper.cpp.
//
// [Provider] talks to a running whisper-server binary over its REST API
// (POST /inference, multipart/form-data). [NativeProvider] links the
// whisper.cpp library through its Go bindings and runs inference in process.
// Both recognise one WAV file per call and support whisper's built-in
// translation to English.
//
// Usage:
//
//	p, err := whisper.New("http://localhost:8080", whisper.WithModel("small"))
//	res, err := p.Recognize(ctx, stt.Request{WAVPath: path})
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/MrWong99/turnstile/pkg/provider/stt"
)

// autoLanguage asks whisper to detect the spoken language.
const autoLanguage = "auto"

var _ stt.Provider = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the model identifier forwarded to the whisper.cpp server
// (e.g., "base", "small"). When empty the server uses whichever model it
// was started with.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithLanguage pins the recognition language. Defaults to auto-detection.
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithHTTPClient replaces the default client, which has a 60 s timeout.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// Provider implements stt.Provider backed by a whisper.cpp HTTP server.
type Provider struct {
	serverURL  string
	model      string
	language   string
	httpClient *http.Client
}

// New creates a Provider for the whisper.cpp server at serverURL (e.g.,
// "http://localhost:8080").
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	p := &Provider{
		serverURL:  strings.TrimRight(serverURL, "/"),
		language:   autoLanguage,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Recognize implements stt.Provider.
func (p *Provider) Recognize(ctx context.Context, req stt.Request) (stt.Result, error) {
	wav, err := os.ReadFile(req.WAVPath)
	if err != nil {
		return stt.Result{}, fmt.Errorf("whisper: read audio: %w", err)
	}

	lang := req.Language
	if lang == "" {
		lang = p.language
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", filepath.Base(req.WAVPath))
	if err != nil {
		return stt.Result{}, fmt.Errorf("whisper: create form file: %w", err)
	}
	if _, err := fw.Write(wav); err != nil {
		return stt.Result{}, fmt.Errorf("whisper: write wav data: %w", err)
	}
	fields := map[string]string{
		"language":        lang,
		"translate":       strconv.FormatBool(req.Translate),
		"response_format": "json",
	}
	if p.model != "" {
		fields["model"] = p.model
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return stt.Result{}, fmt.Errorf("whisper: write %s field: %w", k, err)
		}
	}
	if err := mw.Close(); err != nil {
		return stt.Result{}, fmt.Errorf("whisper: close multipart writer: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+"/inference", &body)
	if err != nil {
		return stt.Result{}, fmt.Errorf("whisper: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return stt.Result{}, fmt.Errorf("whisper: http request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return stt.Result{}, fmt.Errorf("whisper: read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return stt.Result{}, fmt.Errorf("whisper: server returned HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}

	var result struct {
		Text     string `json:"text"`
		Language string `json:"language"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return stt.Result{}, fmt.Errorf("whisper: parse JSON response: %w", err)
	}
	out := stt.Result{Text: strings.TrimSpace(result.Text), Language: result.Language}
	if req.Translate {
		out.Language = "en"
	}
	return out, nil
}
