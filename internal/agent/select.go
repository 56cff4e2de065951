package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MrWong99/turnstile/pkg/provider/llm"
)

const selectSystemPrompt = "You are an expert at selecting the most suitable agent " +
	"to handle user queries based on their descriptions."

var (
	// ErrNoAgents is returned when there is nothing to select from.
	ErrNoAgents = errors.New("agent: no agents configured")

	// ErrNoMatch is returned when the LLM names no known agent.
	ErrNoMatch = errors.New("agent: selection matched no agent")
)

// Select returns the name of the agent best suited to query. A single agent
// is returned without asking the LLM. An empty query selects nothing.
func Select(ctx context.Context, p llm.Provider, query string, agents []Config) (string, error) {
	query = strings.TrimSpace(query)
	switch {
	case query == "":
		return "", nil
	case len(agents) == 0:
		return "", ErrNoAgents
	case len(agents) == 1:
		return agents[0].Name, nil
	case p == nil:
		return "", fmt.Errorf("agent: select: %d agents and no LLM", len(agents))
	}

	answer, err := llm.Ask(ctx, p, selectSystemPrompt, selectPrompt(query, agents), 0)
	if err != nil {
		return "", fmt.Errorf("agent: select: %w", err)
	}
	name, ok := matchName(answer, agents)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrNoMatch, answer)
	}
	return name, nil
}

func selectPrompt(query string, agents []Config) string {
	var b strings.Builder
	b.WriteString("Available agents:\n")
	for i, a := range agents {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "- %s: %s", a.Name, a.Description)
	}
	b.WriteString("\n\nUser query:\n")
	b.WriteString(query)
	b.WriteString("\n\nSelect the single best agent to handle this query. Respond with ONLY the agent name.")
	return b.String()
}

// matchName maps the model's answer to an agent name. Exact and
// case-insensitive matches win; otherwise the closest name by sound and
// spelling is accepted if it is close enough.
func matchName(answer string, agents []Config) (string, bool) {
	answer = strings.Trim(strings.TrimSpace(answer), "`\"'.* ")
	if answer == "" {
		return "", false
	}
	for _, a := range agents {
		if a.Name == answer {
			return a.Name, true
		}
	}
	for _, a := range agents {
		if strings.EqualFold(a.Name, answer) {
			return a.Name, true
		}
	}
	names := make([]string, len(agents))
	for i, a := range agents {
		names[i] = a.Name
	}
	name, _, ok := newNameMatcher().match(answer, names)
	return name, ok
}
