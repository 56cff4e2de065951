package api_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/MrWong99/turnstile/internal/agent"
	"github.com/MrWong99/turnstile/internal/api"
	memmock "github.com/MrWong99/turnstile/pkg/memory/mock"
	"github.com/MrWong99/turnstile/pkg/provider/stt"
	sttmock "github.com/MrWong99/turnstile/pkg/provider/stt/mock"
	"github.com/MrWong99/turnstile/pkg/provider/tts"
	ttsmock "github.com/MrWong99/turnstile/pkg/provider/tts/mock"
)

// ---- helpers ----

func newServer(t *testing.T, d api.Deps) *httptest.Server {
	t.Helper()
	if d.Responder == nil {
		d.Responder = agent.NewResponder()
	}
	srv := httptest.NewServer(api.New(d).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, srv *httptest.Server, path, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(srv.URL+path, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func wantStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		b, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d, want %d (body %s)", resp.StatusCode, want, b)
	}
}

type textResponse struct {
	Transcription struct {
		LangCode     string `json:"lang_code"`
		LangLine     string `json:"lang_line"`
		OriginalText string `json:"original_text"`
		EnglishText  string `json:"english_text"`
	} `json:"transcription"`
	MicroAgent struct {
		NormalizedPrompt string            `json:"normalized_prompt"`
		ActionItems      []json.RawMessage `json:"action_items"`
	} `json:"micro_agent"`
	ReplyPreview   *string `json:"reply_preview"`
	ReplyAudioB64  *string `json:"reply_audio_b64"`
	ReplyAudioMIME *string `json:"reply_audio_mime"`
}

// ---- tests ----

func TestHealth(t *testing.T) {
	t.Parallel()
	srv := newServer(t, api.Deps{})

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	wantStatus(t, resp, http.StatusOK)

	var body map[string]string
	decode(t, resp, &body)
	if body["status"] != "ok" {
		t.Fatalf("status field = %q, want ok", body["status"])
	}
}

func TestCORSPreflight(t *testing.T) {
	t.Parallel()
	srv := newServer(t, api.Deps{})

	req, _ := http.NewRequest(http.MethodOptions, srv.URL+api.Prefix+"/text", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	wantStatus(t, resp, http.StatusNoContent)
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("Access-Control-Allow-Origin = %q, want *", got)
	}
}

func TestPrompt(t *testing.T) {
	t.Parallel()
	srv := newServer(t, api.Deps{})

	resp := postJSON(t, srv, api.Prefix+"/prompt", `{"text":"Please send the weekly report to Anna tomorrow."}`)
	wantStatus(t, resp, http.StatusOK)

	var body struct {
		NormalizedPrompt string            `json:"normalized_prompt"`
		ActionItems      []json.RawMessage `json:"action_items"`
	}
	decode(t, resp, &body)
	if !strings.HasPrefix(body.NormalizedPrompt, "### User message (English)\n") {
		t.Fatalf("normalized_prompt = %q, want the prompt header", body.NormalizedPrompt)
	}
	if !strings.Contains(body.NormalizedPrompt, "weekly report") {
		t.Fatalf("normalized_prompt = %q, want the utterance", body.NormalizedPrompt)
	}
	if body.ActionItems == nil {
		t.Fatal("action_items missing, want a list")
	}
}

func TestBadRequests(t *testing.T) {
	t.Parallel()
	srv := newServer(t, api.Deps{})

	tests := []struct {
		name   string
		path   string
		body   string
		detail string
	}{
		{"empty prompt", "/prompt", `{"text":"   "}`, "Text body cannot be empty."},
		{"empty text", "/text", `{"text":""}`, "Text body cannot be empty."},
		{"unknown field", "/text", `{"text":"hi","colour":"red"}`, "invalid request body"},
		{"not json", "/prompt", `text=hi`, "invalid request body"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postJSON(t, srv, api.Prefix+tt.path, tt.body)
			wantStatus(t, resp, http.StatusBadRequest)
			var body struct{ Detail string }
			decode(t, resp, &body)
			if !strings.Contains(body.Detail, tt.detail) {
				t.Fatalf("detail = %q, want it to contain %q", body.Detail, tt.detail)
			}
		})
	}
}

func TestText(t *testing.T) {
	t.Parallel()
	synth := &ttsmock.Synthesizer{Audio: tts.Audio{Data: []byte("mp3-bytes"), MIME: tts.MIMEMPEG}}
	mem := &memmock.Store{}
	srv := newServer(t, api.Deps{
		Responder:   agent.NewResponder(agent.WithMemory(mem)),
		Synthesizer: synth,
	})

	const text = "Please send the weekly report to Anna tomorrow."
	resp := postJSON(t, srv, api.Prefix+"/text", `{"text":"`+text+`","include_tts":true,"session_id":"call-7"}`)
	wantStatus(t, resp, http.StatusOK)

	var body textResponse
	decode(t, resp, &body)
	if body.Transcription.LangCode != "en" {
		t.Fatalf("lang_code = %q, want en", body.Transcription.LangCode)
	}
	if !strings.Contains(body.Transcription.LangLine, "% confidence") {
		t.Fatalf("lang_line = %q, want a confidence suffix", body.Transcription.LangLine)
	}
	if body.Transcription.OriginalText != text || body.Transcription.EnglishText != text {
		t.Fatalf("transcription = %+v, want original and english %q", body.Transcription, text)
	}
	if body.ReplyPreview == nil || *body.ReplyPreview != agent.HeardReply(text) {
		t.Fatalf("reply_preview = %v, want %q", body.ReplyPreview, agent.HeardReply(text))
	}
	if body.ReplyAudioB64 == nil || *body.ReplyAudioB64 != base64.StdEncoding.EncodeToString([]byte("mp3-bytes")) {
		t.Fatalf("reply_audio_b64 = %v, want encoded mock audio", body.ReplyAudioB64)
	}
	if body.ReplyAudioMIME == nil || *body.ReplyAudioMIME != tts.MIMEMPEG {
		t.Fatalf("reply_audio_mime = %v, want %s", body.ReplyAudioMIME, tts.MIMEMPEG)
	}
	if calls := synth.Calls(); len(calls) != 1 || calls[0].Text != agent.HeardReply(text) {
		t.Fatalf("synth calls = %+v, want one call with the reply", calls)
	}

	var appended bool
	for _, c := range mem.Calls() {
		if c.Method == "Append" && c.SessionID == "call-7" {
			appended = true
		}
	}
	if !appended {
		t.Fatalf("memory calls = %+v, want an append to session call-7", mem.Calls())
	}
}

func TestText_SynthesisFailureStillReplies(t *testing.T) {
	t.Parallel()
	srv := newServer(t, api.Deps{
		Synthesizer: &ttsmock.Synthesizer{Err: errors.New("quota exceeded")},
	})

	resp := postJSON(t, srv, api.Prefix+"/text", `{"text":"What time is it?","include_tts":true}`)
	wantStatus(t, resp, http.StatusOK)

	var body textResponse
	decode(t, resp, &body)
	if body.ReplyPreview == nil {
		t.Fatal("reply_preview missing")
	}
	if body.ReplyAudioB64 != nil || body.ReplyAudioMIME != nil {
		t.Fatalf("audio = %v/%v, want none after a synthesis failure", body.ReplyAudioB64, body.ReplyAudioMIME)
	}
}

func TestText_VoiceOverrideUsesFactory(t *testing.T) {
	t.Parallel()
	opts := make(chan api.VoiceOptions, 1)
	override := &ttsmock.Synthesizer{Audio: tts.Audio{Data: []byte("wav"), MIME: tts.MIMEWAV}}
	def := &ttsmock.Synthesizer{Audio: tts.Audio{Data: []byte("mp3"), MIME: tts.MIMEMPEG}}
	srv := newServer(t, api.Deps{
		Synthesizer: def,
		Voices: func(v api.VoiceOptions) (tts.Synthesizer, error) {
			opts <- v
			return override, nil
		},
	})

	resp := postJSON(t, srv, api.Prefix+"/text",
		`{"text":"Hello there","include_tts":true,"tts_voice_id":"v-2","tts_format":"wav"}`)
	wantStatus(t, resp, http.StatusOK)

	var body textResponse
	decode(t, resp, &body)
	if body.ReplyAudioMIME == nil || *body.ReplyAudioMIME != tts.MIMEWAV {
		t.Fatalf("reply_audio_mime = %v, want %s", body.ReplyAudioMIME, tts.MIMEWAV)
	}
	if got := <-opts; got.VoiceID != "v-2" || got.Format != "wav" {
		t.Fatalf("factory options = %+v, want voice v-2 and format wav", got)
	}
	if n := len(def.Calls()); n != 0 {
		t.Fatalf("default synthesizer calls = %d, want 0", n)
	}
}

func TestAudio(t *testing.T) {
	t.Parallel()
	type upload struct {
		path string
		data []byte
	}
	saved := make(chan upload, 1)
	tr := &sttmock.Transcriber{
		Fn: func(_ context.Context, path string) (stt.Transcription, error) {
			data, _ := os.ReadFile(path)
			saved <- upload{path: path, data: data}
			return stt.Transcription{
				LangLine:     stt.LangLine("de"),
				LangCode:     "de",
				OriginalText: "Wie spät ist es?",
				EnglishText:  "What time is it?",
			}, nil
		},
	}
	srv := newServer(t, api.Deps{Transcriber: tr, TempDir: t.TempDir()})

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "clip.wav")
	if err != nil {
		t.Fatal(err)
	}
	fw.Write([]byte("RIFF-fake"))
	mw.WriteField("session_id", "upload")
	mw.Close()

	resp, err := http.Post(srv.URL+api.Prefix+"/audio", mw.FormDataContentType(), &buf)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	wantStatus(t, resp, http.StatusOK)

	var body textResponse
	decode(t, resp, &body)
	if body.Transcription.LangCode != "de" || body.Transcription.EnglishText != "What time is it?" {
		t.Fatalf("transcription = %+v, want the transcriber result", body.Transcription)
	}
	if body.ReplyPreview == nil || *body.ReplyPreview != agent.HeardReply("What time is it?") {
		t.Fatalf("reply_preview = %v, want a reply to the English text", body.ReplyPreview)
	}
	up := <-saved
	if string(up.data) != "RIFF-fake" {
		t.Fatalf("saved upload = %q, want RIFF-fake", up.data)
	}
	if _, err := os.Stat(up.path); !os.IsNotExist(err) {
		t.Fatalf("upload %s still exists after the request (err %v)", up.path, err)
	}
}

func TestAudio_Errors(t *testing.T) {
	t.Parallel()

	t.Run("no transcriber", func(t *testing.T) {
		srv := newServer(t, api.Deps{})
		resp := postJSON(t, srv, api.Prefix+"/audio", `{}`)
		wantStatus(t, resp, http.StatusServiceUnavailable)
	})

	t.Run("missing file", func(t *testing.T) {
		srv := newServer(t, api.Deps{Transcriber: &sttmock.Transcriber{}})
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		mw.WriteField("session_id", "x")
		mw.Close()
		resp, err := http.Post(srv.URL+api.Prefix+"/audio", mw.FormDataContentType(), &buf)
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		wantStatus(t, resp, http.StatusBadRequest)
	})

	t.Run("transcription fails", func(t *testing.T) {
		srv := newServer(t, api.Deps{Transcriber: &sttmock.Transcriber{Err: errors.New("model gone")}, TempDir: t.TempDir()})
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		fw, _ := mw.CreateFormFile("file", "a.wav")
		fw.Write([]byte("x"))
		mw.Close()
		resp, err := http.Post(srv.URL+api.Prefix+"/audio", mw.FormDataContentType(), &buf)
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		wantStatus(t, resp, http.StatusBadGateway)
	})
}

func TestTTS(t *testing.T) {
	t.Parallel()
	opts := make(chan api.VoiceOptions, 1)
	synth := &ttsmock.Synthesizer{Audio: tts.Audio{Data: []byte("ID3audio"), MIME: tts.MIMEMPEG}}
	srv := newServer(t, api.Deps{
		Voices: func(v api.VoiceOptions) (tts.Synthesizer, error) {
			opts <- v
			return synth, nil
		},
	})

	resp := postJSON(t, srv, api.Prefix+"/tts", `{"text":"Hello"}`)
	wantStatus(t, resp, http.StatusOK)
	if ct := resp.Header.Get("Content-Type"); ct != tts.MIMEMPEG {
		t.Fatalf("Content-Type = %q, want %s", ct, tts.MIMEMPEG)
	}
	data, _ := io.ReadAll(resp.Body)
	if string(data) != "ID3audio" {
		t.Fatalf("body = %q, want raw audio", data)
	}
	want := api.VoiceOptions{Format: "mp3", Stability: 0.5, SimilarityBoost: 0.75, UseSpeakerBoost: true}
	if got := <-opts; got != want {
		t.Fatalf("voice options = %+v, want defaults %+v", got, want)
	}
}

func TestTTS_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		deps api.Deps
		body string
	}{
		{"empty text", api.Deps{Synthesizer: &ttsmock.Synthesizer{}}, `{"text":""}`},
		{"not configured", api.Deps{}, `{"text":"hi"}`},
		{"backend error", api.Deps{Synthesizer: &ttsmock.Synthesizer{Err: errors.New("boom")}}, `{"text":"hi"}`},
		{"empty audio", api.Deps{Synthesizer: &ttsmock.Synthesizer{}}, `{"text":"hi"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newServer(t, tt.deps)
			resp := postJSON(t, srv, api.Prefix+"/tts", tt.body)
			wantStatus(t, resp, http.StatusBadRequest)
			var body struct{ Detail string }
			decode(t, resp, &body)
			if !strings.HasPrefix(body.Detail, "TTS failed: ") {
				t.Fatalf("detail = %q, want a TTS failure", body.Detail)
			}
		})
	}
}

func TestConfig(t *testing.T) {
	t.Parallel()
	store, err := agent.NewMemStore(agent.Config{Name: "weather", Endpoint: "http://weather.local/ask"})
	if err != nil {
		t.Fatal(err)
	}
	mem := &memmock.Store{}
	srv := newServer(t, api.Deps{
		Responder: agent.NewResponder(agent.WithAgents(store), agent.WithMemory(mem)),
		Agents:    store,
	})

	resp := postJSON(t, srv, api.Prefix+"/config", `{"agents":{
		"weather":{"description":"Forecasts","endpoint":"http://weather.local/v2","method":"post"},
		"calendar":{"description":"Meetings","endpoint":"http://cal.local/q"},
		"broken":{"description":"No endpoint"}
	}}`)
	wantStatus(t, resp, http.StatusOK)

	var body struct {
		Status         string   `json:"status"`
		TotalAgents    int      `json:"total_agents"`
		AgentsReceived []string `json:"agents_received"`
		Created        []string `json:"created"`
		Updated        []string `json:"updated"`
		Failed         []string `json:"failed"`
	}
	decode(t, resp, &body)
	if body.Status != "partial" || body.TotalAgents != 3 {
		t.Fatalf("status = %q total = %d, want partial 3", body.Status, body.TotalAgents)
	}
	if strings.Join(body.AgentsReceived, ",") != "broken,calendar,weather" {
		t.Fatalf("agents_received = %v, want sorted names", body.AgentsReceived)
	}
	if strings.Join(body.Created, ",") != "calendar" || strings.Join(body.Updated, ",") != "weather" || strings.Join(body.Failed, ",") != "broken" {
		t.Fatalf("created %v updated %v failed %v", body.Created, body.Updated, body.Failed)
	}

	got, err := store.Get(context.Background(), "weather")
	if err != nil {
		t.Fatal(err)
	}
	if got.Endpoint != "http://weather.local/v2" || got.Method != http.MethodPost {
		t.Fatalf("stored weather = %+v, want the new endpoint and POST", got)
	}
	if mem.CallCount("Clear") != 1 {
		t.Fatalf("Clear calls = %d, want 1", mem.CallCount("Clear"))
	}
}

func TestConfig_NoStore(t *testing.T) {
	t.Parallel()
	srv := newServer(t, api.Deps{})
	resp := postJSON(t, srv, api.Prefix+"/config", `{"agents":{}}`)
	wantStatus(t, resp, http.StatusServiceUnavailable)
}

func TestListAgents(t *testing.T) {
	t.Parallel()
	store, err := agent.NewMemStore(
		agent.Config{Name: "zeta", Endpoint: "http://z.local"},
		agent.Config{Name: "alpha", Endpoint: "http://a.local"},
	)
	if err != nil {
		t.Fatal(err)
	}
	srv := newServer(t, api.Deps{Agents: store})

	resp, err := http.Get(srv.URL + api.Prefix + "/agents")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	wantStatus(t, resp, http.StatusOK)

	var body struct {
		Agents []agent.Config `json:"agents"`
	}
	decode(t, resp, &body)
	if len(body.Agents) != 2 || body.Agents[0].Name != "alpha" || body.Agents[1].Name != "zeta" {
		t.Fatalf("agents = %+v, want alpha then zeta", body.Agents)
	}
}
