package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

const (
	defaultCallTimeout = 20 * time.Second

	// maxResponseBody caps how much of an agent response is read.
	maxResponseBody = 1 << 20
)

// Field is one response field kept from an agent answer.
type Field struct {
	Name  string
	Value any
}

// OptionalValue is an extra the agent returned alongside its answer, tagged
// with the type configured for it.
type OptionalValue struct {
	Value any    `json:"value"`
	Type  string `json:"type"`
}

// Result is a filtered agent response.
type Result struct {
	// Fields holds the configured response fields present in the answer, in
	// configuration order.
	Fields []Field

	Optional []OptionalValue

	// Text is the agent's answer: the first field for JSON agents, the whole
	// body for text agents.
	Text string
}

// Client calls micro agents over HTTP.
type Client struct {
	http *http.Client
}

// NewClient returns a Client using hc, or a client with a 20 s timeout when
// hc is nil.
func NewClient(hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: defaultCallTimeout}
	}
	return &Client{http: hc}
}

// Call sends req and filters the response according to cfg. GET requests
// carry their data in the URL query, all other methods as a JSON body. Any
// non-2xx status is an error.
func (c *Client) Call(ctx context.Context, req Request, cfg Config) (Result, error) {
	httpReq, err := c.newRequest(ctx, req)
	if err != nil {
		return Result{}, err
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("agent %s: call: %w", cfg.Name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return Result{}, fmt.Errorf("agent %s: read response: %w", cfg.Name, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Result{}, fmt.Errorf("agent %s: HTTP %d: %s", cfg.Name, resp.StatusCode, snippet(body))
	}

	if cfg.ResponseFormat == FormatText {
		return Result{Text: strings.TrimSpace(string(body))}, nil
	}
	return filterResponse(body, cfg)
}

func (c *Client) newRequest(ctx context.Context, req Request) (*http.Request, error) {
	method := strings.ToUpper(req.Method)
	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, fmt.Errorf("agent: parse url: %w", err)
	}
	if len(req.QueryParams) > 0 {
		q := u.Query()
		for k, v := range req.QueryParams {
			q.Set(k, queryValue(v))
		}
		u.RawQuery = q.Encode()
	}

	var body io.Reader
	if method != http.MethodGet {
		data := req.Body
		if data == nil {
			data = map[string]any{}
		}
		b, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("agent: encode body: %w", err)
		}
		body = bytes.NewReader(b)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("agent: build request: %w", err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if body != nil && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "application/json")
	return httpReq, nil
}

// filterResponse keeps the configured fields of a JSON body. Field names are
// gjson paths, so nested values such as "data.answer" can be selected.
func filterResponse(body []byte, cfg Config) (Result, error) {
	if !gjson.ValidBytes(body) {
		return Result{}, fmt.Errorf("agent %s: response is not valid JSON: %s", cfg.Name, snippet(body))
	}
	var res Result
	for _, f := range cfg.ResponseFields {
		r := gjson.GetBytes(body, f)
		if !r.Exists() {
			continue
		}
		res.Fields = append(res.Fields, Field{Name: f, Value: r.Value()})
		if len(res.Fields) == 1 {
			res.Text = r.String()
		}
	}
	for i, f := range cfg.OptionalResponseFields {
		r := gjson.GetBytes(body, f)
		if !r.Exists() {
			continue
		}
		var typ string
		if i < len(cfg.OptionalResponseFieldTypes) {
			typ = cfg.OptionalResponseFieldTypes[i]
		}
		res.Optional = append(res.Optional, OptionalValue{Value: r.Value(), Type: typ})
	}
	return res, nil
}

// queryValue renders a query parameter. Strings are sent as-is, everything
// else as JSON.
func queryValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		return compactJSON(t)
	}
}

func snippet(b []byte) string {
	const limit = 200
	s := strings.TrimSpace(string(b))
	if len(s) > limit {
		s = s[:limit] + "…"
	}
	return s
}
