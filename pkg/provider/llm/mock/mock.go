// Package mock provides a test double for the llm.Provider interface.
//
// Responses are served from Responses in call order; once exhausted the last
// entry repeats. Err, when set, is returned instead.
//
//	p := &mock.Provider{Responses: []string{"Sure, sending it now."}}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/turnstile/pkg/provider/llm"
)

// CompleteCall records a single invocation of Complete.
type CompleteCall struct {
	Ctx context.Context
	Req llm.CompletionRequest
}

// Provider is a mock implementation of llm.Provider.
type Provider struct {
	mu sync.Mutex

	// Responses are returned as Content, one per call.
	Responses []string

	// Err, if non-nil, is returned from every Complete call.
	Err error

	// Fn, if set, overrides Responses and Err.
	Fn func(req llm.CompletionRequest) (string, error)

	// CompleteCalls records every invocation of Complete in order.
	CompleteCalls []CompleteCall
}

var _ llm.Provider = (*Provider)(nil)

// Complete records the call and returns the next configured response.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.CompleteCalls)
	p.CompleteCalls = append(p.CompleteCalls, CompleteCall{Ctx: ctx, Req: req})

	if p.Fn != nil {
		content, err := p.Fn(req)
		if err != nil {
			return nil, err
		}
		return &llm.CompletionResponse{Content: content}, nil
	}
	if p.Err != nil {
		return nil, p.Err
	}
	if len(p.Responses) == 0 {
		return &llm.CompletionResponse{}, nil
	}
	return &llm.CompletionResponse{Content: p.Responses[min(n, len(p.Responses)-1)]}, nil
}

// Calls returns a copy of the recorded calls.
func (p *Provider) Calls() []CompleteCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]CompleteCall, len(p.CompleteCalls))
	copy(out, p.CompleteCalls)
	return out
}

// Reset clears all recorded calls.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CompleteCalls = nil
}
