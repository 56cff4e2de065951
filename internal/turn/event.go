package turn

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/MrWong99/turnstile/internal/intent"
	"github.com/MrWong99/turnstile/pkg/provider/stt"
	"github.com/MrWong99/turnstile/pkg/provider/tts"
)

// Kind discriminates the outbound event variants.
type Kind int

const (
	KindInterrupt Kind = iota + 1
	KindTranscription
	KindFinalReply
	KindError
)

// String returns the snake_case name used in logs and metrics.
func (k Kind) String() string {
	switch k {
	case KindInterrupt:
		return "interrupt"
	case KindTranscription:
		return "transcription"
	case KindFinalReply:
		return "final_reply"
	case KindError:
		return "error"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// ErrorProcessingFailed is the error code of every turn failure notice.
const ErrorProcessingFailed = "processing_failed"

// Event is a message for the client. Build it with the constructors; the
// zero value is not a valid event.
type Event struct {
	Kind   Kind
	TurnID string

	// Transcription is set for KindTranscription.
	Transcription stt.Transcription

	// NoSpeech marks a transcription that produced no usable text. It is the
	// last event of its turn.
	NoSpeech bool

	// Reply, Audio and Optional are set for KindFinalReply. Nil fields are
	// sent as null.
	Reply    *string
	Audio    *tts.Audio
	Optional any

	// Code and Detail are set for KindError.
	Code   string
	Detail string
}

// Interrupt tells the client to stop playing audio.
func Interrupt() Event { return Event{Kind: KindInterrupt} }

// Transcribed reports what was recognised for a turn.
func Transcribed(turnID string, tr stt.Transcription) Event {
	return Event{Kind: KindTranscription, TurnID: turnID, Transcription: tr}
}

// NoSpeech reports a transcription with no usable text. No reply follows.
func NoSpeech(turnID string, tr stt.Transcription) Event {
	return Event{Kind: KindTranscription, TurnID: turnID, Transcription: tr, NoSpeech: true}
}

// FinalReply carries the reply text and audio of a turn. Empty text and
// empty audio are sent as null.
func FinalReply(turnID, text string, audio tts.Audio, optional any) Event {
	ev := Event{Kind: KindFinalReply, TurnID: turnID, Optional: optional}
	if text != "" {
		ev.Reply = &text
	}
	if !audio.Empty() {
		ev.Audio = &audio
	}
	return ev
}

// Failed reports a turn that could not be processed.
func Failed(detail string) Event {
	return Event{Kind: KindError, Code: ErrorProcessingFailed, Detail: detail}
}

type transcriptionJSON struct {
	LangCode     string `json:"lang_code"`
	LangLine     string `json:"lang_line"`
	OriginalText string `json:"original_text"`
	EnglishText  string `json:"english_text"`
}

type microAgentJSON struct {
	NormalizedPrompt string              `json:"normalized_prompt"`
	ActionItems      []intent.ActionItem `json:"action_items"`
}

// MarshalJSON renders the wire shape of the event's variant.
func (e Event) MarshalJSON() ([]byte, error) {
	switch e.Kind {
	case KindInterrupt:
		return []byte(`{"type":"INTERRUPT_AUDIO"}`), nil

	case KindTranscription:
		tr := transcriptionJSON{
			LangCode:     e.Transcription.LangCode,
			LangLine:     e.Transcription.LangLine,
			OriginalText: e.Transcription.OriginalText,
			EnglishText:  e.Transcription.EnglishText,
		}
		if !e.NoSpeech {
			return json.Marshal(struct {
				TurnID        string            `json:"turn_id"`
				Transcription transcriptionJSON `json:"transcription"`
			}{e.TurnID, tr})
		}
		return json.Marshal(struct {
			TurnID         string            `json:"turn_id"`
			Transcription  transcriptionJSON `json:"transcription"`
			MicroAgent     microAgentJSON    `json:"micro_agent"`
			ReplyPreview   *string           `json:"reply_preview"`
			ReplyAudioB64  *string           `json:"reply_audio_b64"`
			ReplyAudioMIME *string           `json:"reply_audio_mime"`
		}{
			TurnID:        e.TurnID,
			Transcription: tr,
			MicroAgent:    microAgentJSON{ActionItems: []intent.ActionItem{}},
		})

	case KindFinalReply:
		var b64, mime *string
		if e.Audio != nil {
			enc := base64.StdEncoding.EncodeToString(e.Audio.Data)
			b64, mime = &enc, &e.Audio.MIME
		}
		return json.Marshal(struct {
			TurnID           string  `json:"turn_id"`
			ReplyPreview     *string `json:"reply_preview"`
			ReplyAudioB64    *string `json:"reply_audio_b64"`
			ReplyAudioMIME   *string `json:"reply_audio_mime"`
			OptionalResponse any     `json:"optional_response"`
		}{e.TurnID, e.Reply, b64, mime, e.Optional})

	case KindError:
		return json.Marshal(struct {
			Error  string `json:"error"`
			Detail string `json:"detail"`
		}{e.Code, e.Detail})

	default:
		return nil, fmt.Errorf("turn: marshal event: unknown kind %v", e.Kind)
	}
}
