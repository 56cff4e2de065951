// Package llm defines the Provider interface for Large Language Model backends.
//
// Every caller in turnstile needs one short, non-streaming answer: a spoken
// reply, an agent name, a JSON request body or a refined list of action
// items. The interface therefore has a single Complete method; the adapters
// in the sub-packages translate it to their SDK.
//
// Implementors must be safe for concurrent use.
package llm

import "context"

// Usage holds token accounting information returned by the LLM backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries everything the LLM needs to produce a response.
type CompletionRequest struct {
	// SystemPrompt is sent as a leading "system" message when non-empty.
	SystemPrompt string

	// Messages is the ordered conversation. The last message is normally from
	// the "user" role.
	Messages []Message

	// Temperature is always sent; zero requests greedy decoding.
	Temperature float64

	// MaxTokens caps the completion. Zero leaves the provider default.
	MaxTokens int

	// JSON asks the model for a single JSON object. Backends without a native
	// JSON mode fall back to an instruction in the system prompt.
	JSON bool
}

// CompletionResponse is the model's answer to a [CompletionRequest].
type CompletionResponse struct {
	Content string
	Usage   Usage
}

// Provider is the abstraction over any LLM backend.
type Provider interface {
	// Complete sends req to the model and waits for the full response. It
	// returns an error if the request fails, the model returns no choices or
	// ctx is cancelled first.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}

// JSONInstruction is appended to the system prompt by backends that have no
// native JSON response mode.
const JSONInstruction = "Respond with a single valid JSON object and nothing else."

// Ask is a convenience wrapper for the common single-question call.
func Ask(ctx context.Context, p Provider, system, user string, temperature float64) (string, error) {
	resp, err := p.Complete(ctx, CompletionRequest{
		SystemPrompt: system,
		Messages:     []Message{{Role: RoleUser, Content: user}},
		Temperature:  temperature,
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}
