package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"strings"

	"github.com/MrWong99/turnstile/pkg/memory"
	"github.com/MrWong99/turnstile/pkg/provider/llm"
)

const (
	requestSystemPrompt = "You are a JSON generator. Return only valid JSON with no additional text, explanations, or formatting."
	requestMaxTokens    = 1000
	queryPlaceholder    = "<USER_QUERY_HERE>"
)

// Request is a fully specified call to a micro agent.
type Request struct {
	URL            string            `json:"url"`
	Method         string            `json:"method"`
	Headers        map[string]string `json:"headers"`
	QueryParams    map[string]any    `json:"query_params,omitempty"`
	Body           map[string]any    `json:"body,omitempty"`
	ResponseFormat string            `json:"response_format"`
	ResponseFields []string          `json:"response_fields"`
}

// BuildRequest shapes query into a request for the agent described by cfg.
// The LLM fills in the request from a template; its answer is then forced
// back onto the configured endpoint, method, headers and response fields, the
// utterance is guaranteed to be present and history is attached when the
// agent wants it. When p is nil or the LLM fails, a request carrying only the
// utterance and history is returned instead.
func BuildRequest(ctx context.Context, p llm.Provider, query string, cfg Config, history []memory.Message) Request {
	if p == nil {
		return finishRequest(nil, query, cfg, history)
	}
	resp, err := p.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: requestSystemPrompt,
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: requestPrompt(query, cfg, history)}},
		Temperature:  0,
		MaxTokens:    requestMaxTokens,
		JSON:         true,
	})
	if err != nil {
		slog.Warn("agent: structured request failed, using fallback request", "agent", cfg.Name, "err", err)
		return finishRequest(nil, query, cfg, history)
	}
	var raw map[string]any
	if err := json.Unmarshal([]byte(cleanJSON(resp.Content)), &raw); err != nil {
		slog.Warn("agent: structured request is not JSON, using fallback request", "agent", cfg.Name, "err", err)
		return finishRequest(nil, query, cfg, history)
	}
	return finishRequest(raw, query, cfg, history)
}

// FallbackRequest builds the request used when no LLM is available.
func FallbackRequest(query string, cfg Config, history []memory.Message) Request {
	return finishRequest(nil, query, cfg, history)
}

func finishRequest(raw map[string]any, query string, cfg Config, history []memory.Message) Request {
	req := Request{
		URL:            cfg.Endpoint,
		Method:         cfg.Method,
		Headers:        make(map[string]string, len(cfg.Headers)),
		QueryParams:    object(raw, LocationQuery),
		Body:           object(raw, LocationBody),
		ResponseFormat: FormatJSON,
		ResponseFields: cfg.ResponseFields,
	}
	maps.Copy(req.Headers, cfg.Headers)

	data := req.location(cfg.dataLocation())
	if _, ok := data[cfg.QueryField]; !ok {
		data[cfg.QueryField] = query
	}

	if cfg.memoryEnabled() && len(history) > 0 {
		m := cfg.Memory
		value := encodeMemory(transformMemory(history, m.ItemTemplate), m)
		if m.Delivery == LocationHeader {
			req.Headers[m.FieldName] = headerValue(value)
		} else {
			req.location(m.Delivery)[m.FieldName] = value
		}
	}

	if len(req.QueryParams) == 0 {
		req.QueryParams = nil
	}
	if len(req.Body) == 0 {
		req.Body = nil
	}
	return req
}

// location returns the data map for loc, creating it if needed.
func (r *Request) location(loc string) map[string]any {
	if loc == LocationQuery {
		if r.QueryParams == nil {
			r.QueryParams = make(map[string]any)
		}
		return r.QueryParams
	}
	if r.Body == nil {
		r.Body = make(map[string]any)
	}
	return r.Body
}

func object(raw map[string]any, key string) map[string]any {
	if m, ok := raw[key].(map[string]any); ok {
		return m
	}
	return nil
}

// requestPrompt asks the model to fill the request template for query.
func requestPrompt(query string, cfg Config, history []memory.Message) string {
	loc := cfg.dataLocation()
	withMemory := cfg.memoryEnabled() && len(history) > 0

	template := Request{
		URL:            cfg.Endpoint,
		Method:         cfg.Method,
		Headers:        cfg.Headers,
		ResponseFormat: FormatJSON,
		ResponseFields: cfg.ResponseFields,
	}
	if template.Headers == nil {
		template.Headers = map[string]string{}
	}
	template.location(loc)[cfg.QueryField] = queryPlaceholder

	var memoryNotes string
	if withMemory {
		m := cfg.Memory
		transformed := transformMemory(history, m.ItemTemplate)
		if m.Delivery != LocationHeader {
			template.location(m.Delivery)[m.FieldName] = encodeMemory(transformed, m)
		}
		memoryNotes = fmt.Sprintf("\n- Memory is ENABLED for this agent\n"+
			"- Include conversation history in %q field\n"+
			"- Place memory in %q section\n"+
			"- Memory format: %s (example)\n",
			m.FieldName, m.Delivery, indentJSON(transformed[:1]))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Extract information from the user query and build an API request.\n\n")
	fmt.Fprintf(&b, "USER QUERY: %q\n\n", query)
	fmt.Fprintf(&b, "AGENT CONFIGURATION:\n")
	fmt.Fprintf(&b, "- Endpoint (DO NOT CHANGE): %s\n", cfg.Endpoint)
	fmt.Fprintf(&b, "- Method (DO NOT CHANGE): %s\n", cfg.Method)
	fmt.Fprintf(&b, "- Query Field Name: %s\n", cfg.QueryField)
	fmt.Fprintf(&b, "- Data Location: %s\n", loc)
	fmt.Fprintf(&b, "- Required Fields: %s\n", compactJSON(cfg.RequiredFields))
	fmt.Fprintf(&b, "- Optional Fields: %s\n", compactJSON(cfg.OptionalFields))
	b.WriteString(memoryNotes)
	fmt.Fprintf(&b, "\nTASK:\n")
	fmt.Fprintf(&b, "1. Take the user's query text: %q\n", query)
	fmt.Fprintf(&b, "2. Place it in the %q field\n", cfg.QueryField)
	fmt.Fprintf(&b, "3. Extract any additional parameters if mentioned in the query that match optional fields: %s\n", compactJSON(cfg.OptionalFields))
	if withMemory {
		fmt.Fprintf(&b, "4. Include conversation history if memory is enabled\n")
		fmt.Fprintf(&b, "5. Use the EXACT template below\n")
	} else {
		fmt.Fprintf(&b, "4. Use the EXACT template below\n")
	}
	fmt.Fprintf(&b, "\nOUTPUT TEMPLATE (fill in the %s value):\n%s\n", cfg.QueryField, indentJSON(template))
	fmt.Fprintf(&b, "\nRULES:\n")
	fmt.Fprintf(&b, "- Return ONLY valid JSON\n")
	fmt.Fprintf(&b, "- Use the exact endpoint: %s\n", cfg.Endpoint)
	fmt.Fprintf(&b, "- Use the exact method: %s\n", cfg.Method)
	fmt.Fprintf(&b, "- NO explanations or markdown\n")
	fmt.Fprintf(&b, "- NO ``` code blocks\n")
	fmt.Fprintf(&b, "- Map user query to %q field\n", cfg.QueryField)
	fmt.Fprintf(&b, "- Place data in %q section\n", loc)
	if withMemory {
		fmt.Fprintf(&b, "- Include memory in %s if provided\n", cfg.Memory.FieldName)
	}
	b.WriteString("\nReturn the JSON now:")
	return b.String()
}

// cleanJSON strips Markdown fences and any prose around the outermost braces.
func cleanJSON(s string) string {
	s = strings.ReplaceAll(s, "```json", "")
	s = strings.ReplaceAll(s, "```", "")
	if i := strings.IndexByte(s, '{'); i > 0 {
		s = s[i:]
	}
	if i := strings.LastIndexByte(s, '}'); i > 0 {
		s = s[:i+1]
	}
	return strings.TrimSpace(s)
}

// ---- memory shaping ----

// transformMemory reshapes history with template. Without a template every
// message becomes {"role": ..., "text": ...}.
func transformMemory(history []memory.Message, template map[string]any) []any {
	out := make([]any, 0, len(history))
	for _, m := range history {
		item := map[string]string{"role": m.Role, "text": m.Text}
		if len(template) == 0 {
			out = append(out, map[string]any{"role": m.Role, "text": m.Text})
			continue
		}
		out = append(out, transformItem(item, template))
	}
	return out
}

// transformItem walks template and substitutes {key} placeholders in every
// string leaf with the item's values. Non-string leaves are kept as-is.
func transformItem(item map[string]string, template any) any {
	switch t := template.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, v := range t {
			out[k] = transformItem(item, v)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, v := range t {
			out[i] = transformItem(item, v)
		}
		return out
	case string:
		for k, v := range item {
			t = strings.ReplaceAll(t, "{"+k+"}", v)
		}
		return t
	default:
		return template
	}
}

// encodeMemory renders the transformed history in the agent's send_as
// format. Text joins one line per message.
func encodeMemory(items []any, m *MemoryConfig) any {
	if m.SendAs != FormatText {
		return items
	}
	lines := make([]string, 0, len(items))
	for _, it := range items {
		switch v := it.(type) {
		case string:
			lines = append(lines, v)
		case map[string]any:
			if len(m.ItemTemplate) == 0 {
				lines = append(lines, fmt.Sprintf("%v: %v", v["role"], v["text"]))
				continue
			}
			lines = append(lines, compactJSON(v))
		default:
			lines = append(lines, compactJSON(v))
		}
	}
	return strings.Join(lines, "\n")
}

func headerValue(v any) string {
	if s, ok := v.(string); ok {
		// Header values cannot carry line breaks.
		return strings.ReplaceAll(s, "\n", " | ")
	}
	return compactJSON(v)
}

func compactJSON(v any) string {
	return encodeJSON(v, "")
}

func indentJSON(v any) string {
	return encodeJSON(v, "  ")
}

// encodeJSON marshals v without HTML escaping so placeholders such as
// <USER_QUERY_HERE> reach the model verbatim.
func encodeJSON(v any, indent string) string {
	if s, ok := v.([]string); ok && s == nil {
		v = []string{}
	}
	var b bytes.Buffer
	enc := json.NewEncoder(&b)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", indent)
	if err := enc.Encode(v); err != nil {
		return fmt.Sprint(v)
	}
	return strings.TrimSuffix(b.String(), "\n")
}
