package intent

import (
	"regexp"
	"strings"
	"time"
)

// seedConfidence is the confidence assigned to every heuristic item.
const seedConfidence = 0.6

var imperatives = []string{
	"send", "create", "share", "prepare", "review", "finalize", "schedule", "book",
	"organize", "update", "draft", "call", "email", "deploy", "test", "fix",
	"investigate", "check", "verify", "confirm", "document", "summarize", "plan",
	"assign", "train", "analyze", "measure", "optimize", "present",
}

var (
	imperativeRe = regexp.MustCompile(`(?i)^\s*(?:please\s+)?(?:` + strings.Join(imperatives, "|") + `)\b`)

	triggerRes = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bwe need to\b`),
		regexp.MustCompile(`(?i)\blet'?s\b`),
		regexp.MustCompile(`(?i)\bcan you\b`),
		regexp.MustCompile(`(?i)\bcould you\b`),
		regexp.MustCompile(`(?i)\bplease\b`),
		regexp.MustCompile(`(?i)\baction item\b`),
		regexp.MustCompile(`(?i)\bmake sure\b`),
	}

	pronounRes = []struct {
		re    *regexp.Regexp
		label string
	}{
		{regexp.MustCompile(`(?i)\bI(?:'ll|\s+will)?\b`), "I"},
		{regexp.MustCompile(`(?i)\bwe(?:'ll|\s+will)?\b`), "We"},
		{regexp.MustCompile(`(?i)\byou(?:'ll|\s+will)?\b`), "You"},
	}
	nameRe = regexp.MustCompile(`\b[A-Z][a-z]+(?:\s+[A-Z][a-z]+)?\b`)

	highRe   = regexp.MustCompile(`(?i)\b(?:urgent|asap|immediately|high priority)\b`)
	lowRe    = regexp.MustCompile(`(?i)\b(?:no rush|low priority)\b`)
	mediumRe = regexp.MustCompile(`(?i)\bpriority\b`)

	splitRe = regexp.MustCompile(`[.?!]\s+|\n+`)

	cleanRes = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bplease\b[:,]?\s*`),
		regexp.MustCompile(`(?i)\bwe need to\b\s*`),
		regexp.MustCompile(`(?i)\blet'?s\b\s*`),
	}
)

// Heuristics extracts action items from English text with pattern matching.
// Sentences are de-duplicated on their cleaned, lower-cased description. now
// anchors relative due dates.
func Heuristics(text string, now time.Time) []ActionItem {
	var (
		out  []ActionItem
		seen = map[string]bool{}
	)
	for _, sent := range splitSentences(text) {
		if !isActionable(sent) {
			continue
		}
		desc := clean(sent)
		if desc == "" {
			continue
		}
		key := strings.ToLower(desc)
		if seen[key] {
			continue
		}
		seen[key] = true

		out = append(out, ActionItem{
			Description: desc,
			Assignee:    assignee(sent),
			DueDate:     dueDate(sent, now),
			Priority:    priority(sent),
			Evidence:    sent,
			Confidence:  seedConfidence,
		})
	}
	return out
}

// splitSentences splits after sentence punctuation followed by whitespace and
// on newlines. The punctuation stays with its sentence.
func splitSentences(text string) []string {
	var out []string
	add := func(s string) {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	last := 0
	for _, m := range splitRe.FindAllStringIndex(text, -1) {
		end := m[0]
		if text[m[0]] != '\n' {
			end++
		}
		add(text[last:end])
		last = m[1]
	}
	add(text[last:])
	return out
}

func isActionable(s string) bool {
	if imperativeRe.MatchString(s) {
		return true
	}
	for _, re := range triggerRes {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

// clean strips politeness and framing phrases to leave the core action.
func clean(s string) string {
	for _, re := range cleanRes {
		s = re.ReplaceAllString(s, "")
	}
	return strings.Trim(s, " \t\r\n-•")
}

// assignee guesses who owns the action. Pronouns win over names. A
// capitalised word at the very start of the sentence is not taken as a name
// since it is usually just the sentence's first word.
func assignee(s string) string {
	for _, p := range pronounRes {
		if p.re.MatchString(s) {
			return p.label
		}
	}
	for _, loc := range nameRe.FindAllStringIndex(s, -1) {
		if strings.TrimSpace(s[:loc[0]]) == "" {
			continue
		}
		return s[loc[0]:loc[1]]
	}
	return Unassigned
}

// priority maps urgency phrases to a label. Imperative sentences without one
// default to medium.
func priority(s string) string {
	switch {
	case highRe.MatchString(s):
		return PriorityHigh
	case lowRe.MatchString(s):
		return PriorityLow
	case mediumRe.MatchString(s):
		return PriorityMedium
	case imperativeRe.MatchString(s):
		return PriorityMedium
	default:
		return PriorityUnspecified
	}
}
