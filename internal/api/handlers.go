package api

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/MrWong99/turnstile/internal/agent"
	"github.com/MrWong99/turnstile/internal/intent"
	"github.com/MrWong99/turnstile/internal/observe"
	"github.com/MrWong99/turnstile/pkg/provider/stt"
	"github.com/MrWong99/turnstile/pkg/provider/tts"
)

// ---- request and response bodies ----

type promptIn struct {
	Text            string `json:"text"`
	NeedActionItems *bool  `json:"need_action_items"`
}

type promptOut struct {
	NormalizedPrompt string              `json:"normalized_prompt"`
	ActionItems      []intent.ActionItem `json:"action_items"`
}

type textIn struct {
	Text            string `json:"text"`
	NeedActionItems *bool  `json:"need_action_items"`
	IncludeTTS      bool   `json:"include_tts"`
	TTSVoiceID      string `json:"tts_voice_id"`
	TTSModelID      string `json:"tts_model_id"`
	TTSFormat       string `json:"tts_format"`
	SessionID       string `json:"session_id"`
}

type transcriptionOut struct {
	LangCode     string `json:"lang_code"`
	LangLine     string `json:"lang_line"`
	OriginalText string `json:"original_text"`
	EnglishText  string `json:"english_text"`
}

type textOut struct {
	Transcription    transcriptionOut `json:"transcription"`
	MicroAgent       promptOut        `json:"micro_agent"`
	ReplyPreview     *string          `json:"reply_preview"`
	ReplyAudioB64    *string          `json:"reply_audio_b64"`
	ReplyAudioMIME   *string          `json:"reply_audio_mime"`
	OptionalResponse any              `json:"optional_response"`
}

type ttsIn struct {
	Text            string  `json:"text"`
	VoiceID         string  `json:"voice_id"`
	ModelID         string  `json:"model_id"`
	Format          string  `json:"fmt"`
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Style           float64 `json:"style"`
	UseSpeakerBoost bool    `json:"use_speaker_boost"`
}

type configIn struct {
	Agents map[string]agent.Config `json:"agents"`
}

type configOut struct {
	Status         string   `json:"status"`
	TotalAgents    int      `json:"total_agents"`
	AgentsReceived []string `json:"agents_received"`
	Created        []string `json:"created"`
	Updated        []string `json:"updated"`
	Failed         []string `json:"failed"`
}

// replyOptions carries the reply part of /text and /audio.
type replyOptions struct {
	needItems  bool
	includeTTS bool
	voice      VoiceOptions
	session    string
}

// ---- handlers ----

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handlePrompt(w http.ResponseWriter, r *http.Request) {
	var in promptIn
	if !decodeJSON(w, r, &in) {
		return
	}
	text := strings.TrimSpace(in.Text)
	if text == "" {
		writeError(w, http.StatusBadRequest, "Text body cannot be empty.")
		return
	}
	ctx := r.Context()
	code, _ := stt.DetectLanguageConfidence(text)
	en := s.toEnglish(ctx, code, text)

	items := s.extractor(boolOr(in.NeedActionItems, true)).Extract(ctx, en)
	writeJSON(w, http.StatusOK, promptOut{
		NormalizedPrompt: intent.BuildPrompt(en, items),
		ActionItems:      items,
	})
}

func (s *Server) handleText(w http.ResponseWriter, r *http.Request) {
	var in textIn
	if !decodeJSON(w, r, &in) {
		return
	}
	text := strings.TrimSpace(in.Text)
	if text == "" {
		writeError(w, http.StatusBadRequest, "Text body cannot be empty.")
		return
	}
	ctx := r.Context()
	code, confidence := stt.DetectLanguageConfidence(text)
	tr := stt.Transcription{
		LangLine:     fmt.Sprintf("%s — %d%% confidence", stt.LangLine(code), int(math.Round(confidence*100))),
		LangCode:     code,
		OriginalText: text,
		EnglishText:  s.toEnglish(ctx, code, text),
	}
	s.reply(w, r, tr, replyOptions{
		needItems:  boolOr(in.NeedActionItems, true),
		includeTTS: in.IncludeTTS,
		voice:      VoiceOptions{VoiceID: in.TTSVoiceID, ModelID: in.TTSModelID, Format: in.TTSFormat},
		session:    in.SessionID,
	})
}

func (s *Server) handleAudio(w http.ResponseWriter, r *http.Request) {
	if s.deps.Transcriber == nil {
		writeError(w, http.StatusServiceUnavailable, "speech recognition is not configured")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxAudioBody)
	if err := r.ParseMultipartForm(maxAudioBody); err != nil {
		writeError(w, http.StatusBadRequest, "invalid upload: "+err.Error())
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing audio file: "+err.Error())
		return
	}
	defer file.Close()

	dir, err := os.MkdirTemp(s.deps.TempDir, "turnstile-upload-*")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "temp dir: "+err.Error())
		return
	}
	defer os.RemoveAll(dir)

	name := filepath.Base(header.Filename)
	if name == "." || name == string(filepath.Separator) || name == "" {
		name = "audio.wav"
	}
	path := filepath.Join(dir, name)
	if err := saveUpload(path, file); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	ctx, done := s.deps.Metrics.Stage(r.Context(), "api.transcribe", observe.StageSTT)
	tr, err := s.deps.Transcriber.Transcribe(ctx, path)
	done(err)
	if err != nil {
		s.deps.Metrics.RecordProviderError(ctx, "stt", "transcribe")
		writeError(w, http.StatusBadGateway, "transcription failed: "+err.Error())
		return
	}

	s.reply(w, r, tr, replyOptions{
		needItems:  formBool(r, "need_action_items", false),
		includeTTS: formBool(r, "include_tts", false),
		voice: VoiceOptions{
			VoiceID: r.FormValue("tts_voice_id"),
			ModelID: r.FormValue("tts_model_id"),
			Format:  r.FormValue("tts_format"),
		},
		session: r.FormValue("session_id"),
	})
}

func (s *Server) handleTTS(w http.ResponseWriter, r *http.Request) {
	in := ttsIn{Format: "mp3", Stability: 0.5, SimilarityBoost: 0.75, UseSpeakerBoost: true}
	if !decodeJSON(w, r, &in) {
		return
	}
	if strings.TrimSpace(in.Text) == "" {
		writeError(w, http.StatusBadRequest, "TTS failed: text is empty")
		return
	}
	synth, err := s.voice(VoiceOptions{
		VoiceID:         in.VoiceID,
		ModelID:         in.ModelID,
		Format:          in.Format,
		Stability:       in.Stability,
		SimilarityBoost: in.SimilarityBoost,
		Style:           in.Style,
		UseSpeakerBoost: in.UseSpeakerBoost,
	}, true)
	if err != nil {
		writeError(w, http.StatusBadRequest, "TTS failed: "+err.Error())
		return
	}
	audio, err := s.synthesize(r.Context(), synth, in.Text)
	if err != nil {
		writeError(w, http.StatusBadRequest, "TTS failed: "+err.Error())
		return
	}
	mime := audio.MIME
	if mime == "" {
		mime = tts.MIMEForFormat(in.Format)
	}
	w.Header().Set("Content-Type", mime)
	w.Header().Set("Content-Length", strconv.Itoa(len(audio.Data)))
	_, _ = w.Write(audio.Data)
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	if s.deps.Agents == nil {
		writeError(w, http.StatusServiceUnavailable, "agent store is not configured")
		return
	}
	var in configIn
	if !decodeJSON(w, r, &in) {
		return
	}
	ctx := r.Context()
	log := observe.Logger(ctx)

	out := configOut{
		TotalAgents:    len(in.Agents),
		AgentsReceived: make([]string, 0, len(in.Agents)),
		Created:        []string{},
		Updated:        []string{},
		Failed:         []string{},
	}
	for name := range in.Agents {
		out.AgentsReceived = append(out.AgentsReceived, name)
	}
	slices.Sort(out.AgentsReceived)

	for _, name := range out.AgentsReceived {
		cfg := in.Agents[name]
		cfg.Name = name
		created, err := s.deps.Agents.Upsert(ctx, cfg)
		switch {
		case err != nil:
			log.Warn("api: storing agent failed", "agent", name, "err", err)
			out.Failed = append(out.Failed, name)
		case created:
			out.Created = append(out.Created, name)
		default:
			out.Updated = append(out.Updated, name)
		}
	}

	if err := s.deps.Responder.ClearSession(ctx, agent.DefaultSession); err != nil {
		log.Warn("api: clearing session memory failed", "err", err)
	}

	switch {
	case len(out.Failed) == 0:
		out.Status = "ok"
	case len(out.Created) == 0 && len(out.Updated) == 0:
		out.Status = "error"
	default:
		out.Status = "partial"
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Agents == nil {
		writeJSON(w, http.StatusOK, map[string]any{"agents": []agent.Config{}})
		return
	}
	list, err := s.deps.Agents.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if list == nil {
		list = []agent.Config{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": list})
}

// ---- shared steps ----

// reply runs the responder on a transcription and writes the TextOut body.
func (s *Server) reply(w http.ResponseWriter, r *http.Request, tr stt.Transcription, opts replyOptions) {
	ctx := r.Context()
	en := tr.EnglishText
	if strings.TrimSpace(en) == "" {
		en = tr.OriginalText
	}

	session := opts.session
	if session == "" {
		session = agent.DefaultSession
	}
	ctx, done := s.deps.Metrics.Stage(ctx, "api.reply", observe.StageReply)
	rep, err := s.deps.Responder.RespondSession(ctx, session, en)
	done(err)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "reply failed: "+err.Error())
		return
	}

	out := textOut{
		Transcription: transcriptionOut{
			LangCode:     tr.LangCode,
			LangLine:     tr.LangLine,
			OriginalText: tr.OriginalText,
			EnglishText:  tr.EnglishText,
		},
		MicroAgent:       promptOut{NormalizedPrompt: rep.Prompt, ActionItems: []intent.ActionItem{}},
		OptionalResponse: rep.Optional,
	}
	if opts.needItems && len(rep.ActionItems) > 0 {
		out.MicroAgent.ActionItems = rep.ActionItems
	}
	if rep.Text != "" {
		text := rep.Text
		out.ReplyPreview = &text
	}

	if opts.includeTTS && rep.Text != "" {
		if audio, err := s.speak(ctx, rep.Text, opts.voice); err != nil {
			observe.Logger(ctx).Warn("api: speech synthesis failed, replying without audio", "err", err)
		} else {
			b64 := base64.StdEncoding.EncodeToString(audio.Data)
			mime := audio.MIME
			out.ReplyAudioB64, out.ReplyAudioMIME = &b64, &mime
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) speak(ctx context.Context, text string, v VoiceOptions) (tts.Audio, error) {
	synth, err := s.voice(v, false)
	if err != nil {
		return tts.Audio{}, err
	}
	return s.synthesize(ctx, synth, text)
}

// voice picks the synthesizer for v. The default voice is used unless v
// overrides something or force is set and a factory exists.
func (s *Server) voice(v VoiceOptions, force bool) (tts.Synthesizer, error) {
	overridden := v.VoiceID != "" || v.ModelID != "" || (v.Format != "" && !strings.EqualFold(v.Format, "mp3"))
	if s.deps.Voices != nil && (force || overridden) {
		return s.deps.Voices(v)
	}
	if s.deps.Synthesizer == nil {
		return nil, errors.New("speech synthesis is not configured")
	}
	return s.deps.Synthesizer, nil
}

func (s *Server) synthesize(ctx context.Context, synth tts.Synthesizer, text string) (tts.Audio, error) {
	ctx, done := s.deps.Metrics.Stage(ctx, "api.synthesize", observe.StageTTS)
	audio, err := synth.Synthesize(ctx, text)
	if err == nil && audio.Empty() {
		err = errors.New("no audio returned")
	}
	done(err)
	if err != nil {
		s.deps.Metrics.RecordProviderError(ctx, "tts", "synthesize")
	}
	return audio, err
}

// toEnglish translates text unless it is already English or no model is
// configured. A failed translation keeps the original.
func (s *Server) toEnglish(ctx context.Context, code, text string) string {
	if code == "en" || s.deps.LLM == nil {
		return text
	}
	en, err := agent.TranslateToEnglish(ctx, s.deps.LLM, text)
	if err != nil || en == "" {
		observe.Logger(ctx).Warn("api: translation failed, using original text", "lang", code, "err", err)
		return text
	}
	return en
}

func (s *Server) extractor(refine bool) *intent.Extractor {
	if refine {
		return s.refined
	}
	return s.plain
}

func saveUpload(path string, src io.Reader) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("save upload: %w", err)
	}
	if _, err := io.Copy(f, src); err != nil {
		f.Close()
		return fmt.Errorf("save upload: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("save upload: %w", err)
	}
	return nil
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

func formBool(r *http.Request, key string, def bool) bool {
	v := r.FormValue(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
