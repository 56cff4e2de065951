package intent

import (
	"fmt"
	"strings"
)

// BuildPrompt renders the micro-agent prompt from the user's English text
// and the extracted items.
func BuildPrompt(text string, items []ActionItem) string {
	var b strings.Builder
	b.WriteString("### User message (English)\n")
	b.WriteString(text)
	b.WriteString("\n\n### Extracted action items\n")
	if len(items) == 0 {
		b.WriteString("(none)")
	}
	for i, it := range items {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%d. %s [owner: %s; due: %s; priority: %s; conf: %.2f]",
			i+1,
			orDefault(it.Description, "N/A"),
			orDefault(it.Assignee, Unassigned),
			orDefault(it.DueDate, "n/a"),
			orDefault(it.Priority, PriorityUnspecified),
			it.Confidence,
		)
	}
	b.WriteString("\n\n### Instructions\n")
	b.WriteString("- Prioritize by urgency: High → Medium → Low.\n")
	b.WriteString("- If due dates are missing, ask once for clarification, then continue.\n")
	b.WriteString("- Respond with concrete steps, not explanations.\n")
	return b.String()
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
