// Package api serves the REST surface next to the streaming endpoint: the
// same turn processing for text and uploaded audio, prompt building, raw
// speech synthesis and runtime agent configuration.
//
// All routes live under /api/v1 except the /health liveness probe. Errors are
// JSON objects with a single "detail" field.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/MrWong99/turnstile/internal/agent"
	"github.com/MrWong99/turnstile/internal/intent"
	"github.com/MrWong99/turnstile/internal/observe"
	"github.com/MrWong99/turnstile/pkg/provider/llm"
	"github.com/MrWong99/turnstile/pkg/provider/stt"
	"github.com/MrWong99/turnstile/pkg/provider/tts"
)

const (
	// Prefix is the path prefix of every versioned route.
	Prefix = "/api/v1"

	maxJSONBody  = 1 << 20
	maxAudioBody = 32 << 20
)

// VoiceOptions are per-request overrides of the speech voice.
type VoiceOptions struct {
	VoiceID         string
	ModelID         string
	Format          string
	Stability       float64
	SimilarityBoost float64
	Style           float64
	UseSpeakerBoost bool
}

// VoiceFactory builds a synthesizer for the given overrides. Empty fields
// keep the configured defaults.
type VoiceFactory func(VoiceOptions) (tts.Synthesizer, error)

// Deps are the collaborators of a [Server]. Responder is required; every
// other dependency disables the routes that need it when nil.
type Deps struct {
	Responder *agent.Responder

	// Agents backs POST /config and GET /agents.
	Agents agent.Store

	// LLM translates non-English text and refines action items.
	LLM llm.Provider

	// Transcriber backs POST /audio.
	Transcriber stt.Transcriber

	// Synthesizer is the default voice; Voices builds overridden ones.
	Synthesizer tts.Synthesizer
	Voices      VoiceFactory

	// TempDir holds uploaded audio while it is transcribed. Empty uses the
	// system default.
	TempDir string

	Metrics *observe.Metrics
}

// Server implements the REST handlers.
type Server struct {
	deps    Deps
	plain   *intent.Extractor
	refined *intent.Extractor
}

// New creates a Server.
func New(d Deps) *Server {
	if d.Metrics == nil {
		d.Metrics = observe.DefaultMetrics()
	}
	s := &Server{deps: d, plain: intent.NewExtractor()}
	s.refined = s.plain
	if d.LLM != nil {
		s.refined = intent.NewExtractor(intent.WithRefiner(d.LLM))
	}
	return s
}

// Register adds every route to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST "+Prefix+"/prompt", s.handlePrompt)
	mux.HandleFunc("POST "+Prefix+"/text", s.handleText)
	mux.HandleFunc("POST "+Prefix+"/audio", s.handleAudio)
	mux.HandleFunc("POST "+Prefix+"/tts", s.handleTTS)
	mux.HandleFunc("POST "+Prefix+"/config", s.handleConfig)
	mux.HandleFunc("GET "+Prefix+"/agents", s.handleListAgents)
}

// Handler returns the routes wrapped in permissive CORS handling, for
// browser front ends served from another origin.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.Register(mux)
	return cors(mux)
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ---- helpers ----

type errorBody struct {
	Detail string `json:"detail"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("api: encode response", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, errorBody{Detail: detail})
}

// decodeJSON reads a size-limited JSON body into v, rejecting unknown
// fields.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}
