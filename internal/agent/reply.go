package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/MrWong99/turnstile/pkg/provider/llm"
)

// ShortReplySystemPrompt keeps spoken replies brief.
const ShortReplySystemPrompt = "You are a very concise assistant. Reply briefly as if you were speaking " +
	"with a human. DO NOT have more than 40 words in your response."

const shortReplyTemperature = 0.2

// ShortReply asks p for a brief spoken answer to text. Blank text yields an
// empty reply without a model call.
func ShortReply(ctx context.Context, p llm.Provider, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", nil
	}
	out, err := llm.Ask(ctx, p, ShortReplySystemPrompt, text, shortReplyTemperature)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// HeardReply is the reply used when no model can answer.
func HeardReply(text string) string {
	return "I heard: " + text
}

const translateSystemPrompt = "Translate the user's input into natural English. " +
	"Return ONLY the translated text (no notes, no language tag)."

// TranslateToEnglish renders text in natural English.
func TranslateToEnglish(ctx context.Context, p llm.Provider, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", nil
	}
	out, err := llm.Ask(ctx, p, translateSystemPrompt, text, 0)
	if err != nil {
		return "", fmt.Errorf("agent: translate: %w", err)
	}
	return strings.TrimSpace(out), nil
}
