package coqui

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MrWong99/turnstile/pkg/audio"
	"github.com/MrWong99/turnstile/pkg/provider/tts"
)

func testWAV(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := audio.WriteWAV(&buf, make([]int16, 160), 16000); err != nil {
		t.Fatalf("WriteWAV: %v", err)
	}
	return buf.Bytes()
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		url     string
		opts    []Option
		wantErr bool
	}{
		{name: "standard", url: "http://localhost:5002"},
		{name: "empty url", wantErr: true},
		{name: "xtts with speaker", url: "http://x", opts: []Option{WithAPIMode(APIModeXTTS), WithSpeaker("ref.wav")}},
		{name: "xtts without speaker", url: "http://x", opts: []Option{WithAPIMode(APIModeXTTS)}, wantErr: true},
		{name: "unknown mode", url: "http://x", opts: []Option{WithAPIMode("grpc")}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := New(tt.url, tt.opts...)
			if (err != nil) != tt.wantErr {
				t.Fatalf("New() err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSynthesize_Standard(t *testing.T) {
	t.Parallel()
	wav := testWAV(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != apiTTSEndpoint {
			t.Errorf("request = %s %s, want GET %s", r.Method, r.URL.Path, apiTTSEndpoint)
		}
		q := r.URL.Query()
		if q.Get("text") != "Hello there." {
			t.Errorf("text = %q", q.Get("text"))
		}
		if q.Get("speaker_id") != "p225" {
			t.Errorf("speaker_id = %q, want p225", q.Get("speaker_id"))
		}
		if q.Get("language_id") != "de" {
			t.Errorf("language_id = %q, want de", q.Get("language_id"))
		}
		w.Header().Set("Content-Type", "audio/wav")
		_, _ = w.Write(wav)
	}))
	defer srv.Close()

	p, err := New(srv.URL, WithSpeaker("p225"), WithLanguage("de"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	clip, err := p.Synthesize(context.Background(), "  Hello there.  ")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if clip.MIME != tts.MIMEWAV {
		t.Errorf("MIME = %q, want %q", clip.MIME, tts.MIMEWAV)
	}
	if !bytes.Equal(clip.Data, wav) {
		t.Errorf("data length = %d, want %d", len(clip.Data), len(wav))
	}
}

func TestSynthesize_XTTS(t *testing.T) {
	t.Parallel()
	wav := testWAV(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != xttsEndpoint {
			t.Errorf("request = %s %s, want POST %s", r.Method, r.URL.Path, xttsEndpoint)
		}
		var body xttsRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode: %v", err)
		}
		if body.Text != "Hi." || body.SpeakerWav != "ref.wav" || body.Language != "en" {
			t.Errorf("body = %+v", body)
		}
		_, _ = w.Write(wav)
	}))
	defer srv.Close()

	p, err := New(srv.URL, WithAPIMode(APIModeXTTS), WithSpeaker("ref.wav"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := p.Synthesize(context.Background(), "Hi."); err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
}

func TestSynthesize_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		status  int
		body    []byte
		wantSub string
	}{
		{"server error", http.StatusInternalServerError, []byte("model not loaded"), "status 500"},
		{"not wav", http.StatusOK, []byte("<html>nope</html>"), "not a WAV"},
		{"header only", http.StatusOK, append([]byte("RIFF\x00\x00\x00\x00WAVE"), make([]byte, 32)...), "empty audio"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write(tt.body)
			}))
			defer srv.Close()

			p, _ := New(srv.URL)
			_, err := p.Synthesize(context.Background(), "text")
			if err == nil || !strings.Contains(err.Error(), tt.wantSub) {
				t.Fatalf("err = %v, want it to contain %q", err, tt.wantSub)
			}
		})
	}
}

func TestSynthesize_EmptyText(t *testing.T) {
	t.Parallel()
	p, _ := New("http://unused")
	if _, err := p.Synthesize(context.Background(), ""); !errors.Is(err, tts.ErrEmptyText) {
		t.Fatalf("err = %v, want ErrEmptyText", err)
	}
}
