// Package agent connects transcribed turns to micro agents: small HTTP
// services that each handle one kind of request.
//
// A turn flows through the package in four steps. [Select] picks the agent
// whose description best fits the utterance, [BuildRequest] asks the LLM to
// shape the utterance into the agent's request format, [Client.Call] invokes
// the agent and filters its response, and [Responder] turns the agent's answer
// into a short spoken reply and records the exchange in conversation memory.
//
// Agents are declared in configuration and kept in a [Store]; the REST API
// can replace them at runtime.
package agent

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Request data locations.
const (
	LocationBody   = "body"
	LocationQuery  = "query_params"
	LocationHeader = "header"
)

// Response and memory encodings.
const (
	FormatJSON = "json"
	FormatText = "text"
)

const (
	defaultQueryField  = "query"
	defaultMemoryField = "conversation_history"
)

var validMethods = map[string]struct{}{
	"GET":    {},
	"POST":   {},
	"PUT":    {},
	"DELETE": {},
}

// Config describes one micro agent.
type Config struct {
	// Name identifies the agent. It is the key the selector answers with.
	Name string `yaml:"name" json:"name,omitempty"`

	// Description tells the selector what the agent is good at.
	Description string `yaml:"description" json:"description"`

	Endpoint string `yaml:"endpoint" json:"endpoint"`

	// Method is GET, POST, PUT or DELETE. Defaults to GET.
	Method string `yaml:"method" json:"method"`

	// Headers are sent with every request.
	Headers map[string]string `yaml:"headers" json:"headers,omitempty"`

	// QueryField is the request field that carries the utterance. Defaults
	// to "query".
	QueryField string `yaml:"query_field" json:"query_field,omitempty"`

	// UseQueryParams places the request data in the URL query instead of the
	// JSON body.
	UseQueryParams bool `yaml:"use_query_params" json:"use_query_params,omitempty"`

	QueryParams    []string `yaml:"query_params" json:"query_params"`
	RequiredFields []string `yaml:"required_fields" json:"required_fields"`
	OptionalFields []string `yaml:"optional_fields" json:"optional_fields,omitempty"`

	// ResponseFormat is "json" (default) or "text".
	ResponseFormat string `yaml:"response_format" json:"response_format"`

	// ResponseFields are the gjson paths kept from a JSON response. The
	// first one present becomes the agent's answer.
	ResponseFields []string `yaml:"response_field" json:"response_field"`

	// OptionalResponseFields are passed through to the client as typed
	// extras, e.g. a link or an image URL. OptionalResponseFieldTypes names
	// the type of each, position by position.
	OptionalResponseFields     []string `yaml:"optional_response_field" json:"optional_response_field"`
	OptionalResponseFieldTypes []string `yaml:"optional_response_field_type" json:"optional_response_field_type"`

	Memory *MemoryConfig `yaml:"memory" json:"memory,omitempty"`
}

// MemoryConfig controls whether and how conversation history is sent to the
// agent.
type MemoryConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Delivery is "body" (default), "query_params" (alias "query") or
	// "header".
	Delivery string `yaml:"delivery" json:"delivery"`

	// FieldName is the request field (or header) that carries the history.
	// Defaults to "conversation_history".
	FieldName string `yaml:"field_name" json:"field_name"`

	// SendAs is "json" (default) or "text".
	SendAs string `yaml:"send_as" json:"send_as"`

	// ItemTemplate reshapes every history message. String leaves may contain
	// {role} and {text} placeholders. An empty template sends messages as
	// {"role": ..., "text": ...}.
	ItemTemplate map[string]any `yaml:"item_template" json:"item_template,omitempty"`
}

// ApplyDefaults fills unset optional fields.
func (c *Config) ApplyDefaults() {
	c.Method = strings.ToUpper(strings.TrimSpace(c.Method))
	if c.Method == "" {
		c.Method = "GET"
	}
	if c.QueryField == "" {
		c.QueryField = defaultQueryField
	}
	if c.ResponseFormat == "" {
		c.ResponseFormat = FormatJSON
	}
	if m := c.Memory; m != nil {
		switch m.Delivery {
		case "":
			m.Delivery = LocationBody
		case "query":
			m.Delivery = LocationQuery
		}
		if m.FieldName == "" {
			m.FieldName = defaultMemoryField
		}
		if m.SendAs == "" {
			m.SendAs = FormatJSON
		}
	}
}

// Validate reports every problem with c. Call [Config.ApplyDefaults] first.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Name) == "" {
		errs = append(errs, errors.New("name must not be empty"))
	}
	if u, err := url.Parse(c.Endpoint); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("endpoint %q must be an absolute URL", c.Endpoint))
	}
	if _, ok := validMethods[c.Method]; !ok {
		errs = append(errs, fmt.Errorf("method must be GET, POST, PUT or DELETE, got %q", c.Method))
	}
	if c.ResponseFormat != FormatJSON && c.ResponseFormat != FormatText {
		errs = append(errs, fmt.Errorf("response_format must be %q or %q, got %q", FormatJSON, FormatText, c.ResponseFormat))
	}
	if len(c.OptionalResponseFieldTypes) != len(c.OptionalResponseFields) {
		errs = append(errs, fmt.Errorf("optional_response_field_type has %d entries, want one per optional_response_field (%d)",
			len(c.OptionalResponseFieldTypes), len(c.OptionalResponseFields)))
	}
	if m := c.Memory; m != nil {
		switch m.Delivery {
		case LocationBody, LocationQuery, LocationHeader:
		default:
			errs = append(errs, fmt.Errorf("memory.delivery must be body, query_params or header, got %q", m.Delivery))
		}
		if m.SendAs != FormatJSON && m.SendAs != FormatText {
			errs = append(errs, fmt.Errorf("memory.send_as must be %q or %q, got %q", FormatJSON, FormatText, m.SendAs))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("agent %q: %w", c.Name, err)
	}
	return nil
}

// memoryEnabled reports whether history should be attached to requests.
func (c *Config) memoryEnabled() bool {
	return c.Memory != nil && c.Memory.Enabled
}

// dataLocation returns where the utterance is placed.
func (c *Config) dataLocation() string {
	if c.UseQueryParams {
		return LocationQuery
	}
	return LocationBody
}
