package intent

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/MrWong99/turnstile/pkg/provider/llm"
)

const (
	maxRefineRunes = 6000
	maxRefineSeeds = 20

	// refinedConfidence is used when the model omits or garbles a confidence.
	refinedConfidence = 0.7
)

const refineSystemPrompt = "You are an expert meeting assistant. Extract concrete action items.\n" +
	"Return ONLY a single JSON object with an 'items' array matching the provided schema.\n" +
	"No explanations, no extra text, no markdown fences, no additional objects."

const itemsSchema = `{
  "type": "object",
  "properties": {
    "items": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "description": {"type": "string"},
          "assignee": {"type": "string"},
          "due_date": {"type": "string"},
          "priority": {"type": "string", "enum": ["High", "Medium", "Low", "Unspecified"]},
          "evidence": {"type": "string"},
          "confidence": {"type": "number", "minimum": 0, "maximum": 1}
        },
        "required": ["description", "assignee", "due_date", "priority", "evidence", "confidence"]
      }
    }
  },
  "required": ["items"]
}`

var fencedJSONRe = regexp.MustCompile("(?s)```json\\s*(\\{.*?\\})\\s*```")

// Refiner asks an LLM to turn noisy heuristic candidates into clean action
// items.
type Refiner struct {
	llm llm.Provider
}

// NewRefiner returns a Refiner backed by p.
func NewRefiner(p llm.Provider) *Refiner {
	return &Refiner{llm: p}
}

// Refine returns the model's items, or seeds when the call fails or yields
// nothing usable. It never returns an error.
func (r *Refiner) Refine(ctx context.Context, text string, seeds []ActionItem) []ActionItem {
	reply, err := llm.Ask(ctx, r.llm, refineSystemPrompt, refinePrompt(text, seeds), 0)
	if err != nil {
		slog.Warn("intent: refine failed, keeping heuristic items", "err", err)
		return seeds
	}
	items := parseItems(ExtractJSONObject(reply))
	if len(items) == 0 {
		return seeds
	}
	return items
}

func refinePrompt(text string, seeds []ActionItem) string {
	if r := []rune(text); len(r) > maxRefineRunes {
		text = string(r[:maxRefineRunes])
	}
	if len(seeds) > maxRefineSeeds {
		seeds = seeds[:maxRefineSeeds]
	}
	if seeds == nil {
		seeds = []ActionItem{}
	}

	var hints bytes.Buffer
	enc := json.NewEncoder(&hints)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	_ = enc.Encode(seeds)

	var b strings.Builder
	b.WriteString("### Transcript (English)\n")
	b.WriteString(text)
	b.WriteString("\n\n### Heuristic candidates (noisy hints)\n")
	b.WriteString(strings.TrimRight(hints.String(), "\n"))
	b.WriteString("\n\n### JSON schema\n")
	b.WriteString(itemsSchema)
	b.WriteString("\n")
	return b.String()
}

// ExtractJSONObject pulls a JSON object out of a model reply. A ```json
// fenced block wins, then the first balanced {...} span that is valid JSON.
// When neither exists it returns {"items":[]}.
func ExtractJSONObject(reply string) string {
	if m := fencedJSONRe.FindStringSubmatch(reply); m != nil && gjson.Valid(m[1]) {
		return m[1]
	}
	if obj, ok := firstBalancedObject(reply); ok {
		return obj
	}
	return `{"items":[]}`
}

// firstBalancedObject scans for the first brace-balanced span that parses.
// Braces inside JSON strings are skipped.
func firstBalancedObject(s string) (string, bool) {
	for start := strings.IndexByte(s, '{'); start >= 0; {
		depth, inStr, esc := 0, false, false
		for i := start; i < len(s); i++ {
			c := s[i]
			switch {
			case esc:
				esc = false
			case inStr && c == '\\':
				esc = true
			case c == '"':
				inStr = !inStr
			case inStr:
			case c == '{':
				depth++
			case c == '}':
				depth--
				if depth == 0 {
					if cand := s[start : i+1]; gjson.Valid(cand) {
						return cand, true
					}
					i = len(s)
				}
			}
		}
		next := strings.IndexByte(s[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}
	return "", false
}

// parseItems reads the items array leniently: missing strings become empty
// and a missing or unparsable confidence falls back to refinedConfidence.
func parseItems(obj string) []ActionItem {
	var out []ActionItem
	gjson.Get(obj, "items").ForEach(func(_, v gjson.Result) bool {
		if !v.IsObject() {
			return true
		}
		out = append(out, ActionItem{
			Description: v.Get("description").String(),
			Assignee:    v.Get("assignee").String(),
			DueDate:     v.Get("due_date").String(),
			Priority:    v.Get("priority").String(),
			Evidence:    v.Get("evidence").String(),
			Confidence:  confidence(v.Get("confidence")),
		})
		return true
	})
	return out
}

func confidence(v gjson.Result) float64 {
	switch v.Type {
	case gjson.Number:
		return v.Float()
	case gjson.String:
		if f, err := strconv.ParseFloat(strings.TrimSpace(v.Str), 64); err == nil {
			return f
		}
	}
	return refinedConfidence
}
