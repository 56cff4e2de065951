package agent

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/MrWong99/turnstile/pkg/memory"
	"github.com/MrWong99/turnstile/pkg/provider/llm"
	llmmock "github.com/MrWong99/turnstile/pkg/provider/llm/mock"
)

func testAgent() Config {
	c := Config{
		Name:           "coast",
		Description:    "Answers questions about the coast",
		Endpoint:       "https://agents.example/coast",
		Method:         "POST",
		Headers:        map[string]string{"X-Api-Key": "k"},
		ResponseFields: []string{"answer"},
		OptionalFields: []string{"region"},
	}
	c.ApplyDefaults()
	return c
}

func testHistory() []memory.Message {
	return []memory.Message{
		{Role: memory.RoleAssistant, Text: memory.Greeting},
		{Role: memory.RoleUser, Text: "any storms?"},
	}
}

func TestBuildRequest_PostProcessesModelOutput(t *testing.T) {
	t.Parallel()
	p := &llmmock.Provider{Responses: []string{"```json\n" +
		`{"url":"https://evil.example","method":"GET","headers":{},"body":{"query":"tides today","region":"north"},"query_params":{}}` +
		"\n```"}}

	got := BuildRequest(context.Background(), p, "what are the tides today", testAgent(), nil)

	if got.URL != "https://agents.example/coast" || got.Method != "POST" {
		t.Errorf("URL/Method = %q %q, want configured values", got.URL, got.Method)
	}
	if got.Headers["X-Api-Key"] != "k" {
		t.Errorf("Headers = %v, want configured headers", got.Headers)
	}
	if got.Body["query"] != "tides today" || got.Body["region"] != "north" {
		t.Errorf("Body = %v, want model fields kept", got.Body)
	}
	if got.QueryParams != nil {
		t.Errorf("QueryParams = %v, want empty location dropped", got.QueryParams)
	}
	if !reflect.DeepEqual(got.ResponseFields, []string{"answer"}) {
		t.Errorf("ResponseFields = %v", got.ResponseFields)
	}

	req := p.Calls()[0].Req
	if req.SystemPrompt != requestSystemPrompt || !req.JSON || req.MaxTokens != 1000 || req.Temperature != 0 {
		t.Errorf("request = %+v", req)
	}
}

func TestBuildRequest_AddsMissingQueryField(t *testing.T) {
	t.Parallel()
	p := &llmmock.Provider{Responses: []string{`{"body":{"region":"south"}}`}}
	got := BuildRequest(context.Background(), p, "surf report", testAgent(), nil)
	if got.Body["query"] != "surf report" {
		t.Fatalf("Body = %v, want query filled in", got.Body)
	}
}

func TestBuildRequest_Fallback(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		p    llm.Provider
	}{
		{"no model", nil},
		{"model error", &llmmock.Provider{Err: errors.New("rate limited")}},
		{"not json", &llmmock.Provider{Responses: []string{"Sure! Here you go."}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := BuildRequest(context.Background(), tt.p, "surf report", testAgent(), nil)
			want := map[string]any{"query": "surf report"}
			if !reflect.DeepEqual(got.Body, want) {
				t.Fatalf("Body = %v, want %v", got.Body, want)
			}
			if got.URL != "https://agents.example/coast" {
				t.Errorf("URL = %q", got.URL)
			}
		})
	}
}

func TestFallbackRequest_QueryParams(t *testing.T) {
	t.Parallel()
	cfg := testAgent()
	cfg.UseQueryParams = true
	cfg.QueryField = "q"
	got := FallbackRequest("surf", cfg, nil)
	if got.QueryParams["q"] != "surf" || got.Body != nil {
		t.Fatalf("request = %+v, want data in query params only", got)
	}
}

func TestBuildRequest_MemoryDelivery(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		mem   MemoryConfig
		check func(t *testing.T, r Request)
	}{
		{
			name: "body json with template",
			mem:  MemoryConfig{Enabled: true, ItemTemplate: map[string]any{"speaker": "{role}", "content": "{text}"}},
			check: func(t *testing.T, r Request) {
				want := []any{
					map[string]any{"speaker": "assistant", "content": memory.Greeting},
					map[string]any{"speaker": "user", "content": "any storms?"},
				}
				if got := r.Body["conversation_history"]; !reflect.DeepEqual(got, want) {
					t.Fatalf("history = %#v, want %#v", got, want)
				}
			},
		},
		{
			name: "query params text",
			mem:  MemoryConfig{Enabled: true, Delivery: "query", FieldName: "ctx", SendAs: FormatText},
			check: func(t *testing.T, r Request) {
				want := "assistant: " + memory.Greeting + "\nuser: any storms?"
				if got := r.QueryParams["ctx"]; got != want {
					t.Fatalf("history = %q, want %q", got, want)
				}
			},
		},
		{
			name: "header",
			mem:  MemoryConfig{Enabled: true, Delivery: LocationHeader, FieldName: "X-History", SendAs: FormatText},
			check: func(t *testing.T, r Request) {
				want := "assistant: " + memory.Greeting + " | user: any storms?"
				if got := r.Headers["X-History"]; got != want {
					t.Fatalf("header = %q, want %q", got, want)
				}
			},
		},
		{
			name: "disabled",
			mem:  MemoryConfig{Enabled: false},
			check: func(t *testing.T, r Request) {
				if _, ok := r.Body["conversation_history"]; ok {
					t.Fatal("history sent although memory is disabled")
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := testAgent()
			mem := tt.mem
			cfg.Memory = &mem
			cfg.ApplyDefaults()
			tt.check(t, FallbackRequest("surf", cfg, testHistory()))
		})
	}
}

func TestTransformItem(t *testing.T) {
	t.Parallel()
	item := map[string]string{"role": "user", "text": "Hello"}
	tests := []struct {
		name     string
		template any
		want     any
	}{
		{"direct", map[string]any{"role": "{role}", "content": "{text}"}, map[string]any{"role": "user", "content": "Hello"}},
		{"static text", map[string]any{"type": "chat", "who": "{role}"}, map[string]any{"type": "chat", "who": "user"}},
		{"combined", map[string]any{"msg": "{role} said: {text}"}, map[string]any{"msg": "user said: Hello"}},
		{"nested", map[string]any{"data": map[string]any{"speaker": "{role}"}}, map[string]any{"data": map[string]any{"speaker": "user"}}},
		{"list", []any{"{role}", 3}, []any{"user", 3}},
		{"non-string leaf", true, true},
		{"unknown placeholder", "{mood}", "{mood}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := transformItem(item, tt.template); !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("transformItem = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestCleanJSON(t *testing.T) {
	t.Parallel()
	tests := []struct{ in, want string }{
		{`{"a":1}`, `{"a":1}`},
		{"```json\n{\"a\":1}\n```", `{"a":1}`},
		{`Here it is: {"a":{"b":2}} hope that helps`, `{"a":{"b":2}}`},
		{"no json", "no json"},
	}
	for _, tt := range tests {
		if got := cleanJSON(tt.in); got != tt.want {
			t.Errorf("cleanJSON(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRequestPrompt(t *testing.T) {
	t.Parallel()
	cfg := testAgent()
	cfg.Memory = &MemoryConfig{Enabled: true}
	cfg.ApplyDefaults()

	got := requestPrompt("surf report", cfg, testHistory())
	for _, want := range []string{
		`USER QUERY: "surf report"`,
		"- Endpoint (DO NOT CHANGE): https://agents.example/coast",
		"- Data Location: body",
		`- Optional Fields: ["region"]`,
		"- Memory is ENABLED for this agent",
		`"query": "<USER_QUERY_HERE>"`,
		"4. Include conversation history if memory is enabled",
		"- Include memory in conversation_history if provided",
		"Return the JSON now:",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("prompt missing %q\n%s", want, got)
		}
	}

	plain := requestPrompt("surf report", testAgent(), nil)
	if strings.Contains(plain, "Memory is ENABLED") || !strings.Contains(plain, "4. Use the EXACT template below") {
		t.Errorf("prompt without memory:\n%s", plain)
	}
}
