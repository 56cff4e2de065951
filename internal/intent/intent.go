// Package intent extracts action items from an English transcript and turns
// them into the micro-agent prompt.
//
// Extraction runs in two passes. [Heuristics] finds imperative or request
// sentences with regular expressions and guesses assignee, priority and due
// date. An optional [Refiner] then asks an LLM to clean the candidates up;
// it never fails, falling back to the heuristic seeds on any error.
package intent

import (
	"context"
	"time"

	"github.com/MrWong99/turnstile/pkg/provider/llm"
)

// Priority labels.
const (
	PriorityHigh        = "High"
	PriorityMedium      = "Medium"
	PriorityLow         = "Low"
	PriorityUnspecified = "Unspecified"
)

// Unassigned is the assignee of items with no recognisable owner.
const Unassigned = "Unassigned"

// DueUnclear marks an item that mentions a deadline that could not be
// resolved to a date.
const DueUnclear = "Unclear"

// ActionItem is one extracted task.
type ActionItem struct {
	Description string  `json:"description"`
	Assignee    string  `json:"assignee"`
	DueDate     string  `json:"due_date"`
	Priority    string  `json:"priority"`
	Evidence    string  `json:"evidence"`
	Confidence  float64 `json:"confidence"`
}

// Option configures an [Extractor].
type Option func(*Extractor)

// WithRefiner enables the LLM refinement pass.
func WithRefiner(p llm.Provider) Option {
	return func(e *Extractor) {
		if p != nil {
			e.refiner = NewRefiner(p)
		}
	}
}

// WithClock overrides the reference time used to resolve relative due dates.
func WithClock(now func() time.Time) Option {
	return func(e *Extractor) {
		e.now = now
	}
}

// Extractor runs the heuristic pass and, when configured, the LLM refinement.
// It is safe for concurrent use.
type Extractor struct {
	refiner *Refiner
	now     func() time.Time
}

// NewExtractor creates an Extractor. Without [WithRefiner] only heuristics
// are used.
func NewExtractor(opts ...Option) *Extractor {
	e := &Extractor{now: time.Now}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Extract returns the action items found in text. It never fails; an empty
// result is returned as a non-nil empty slice so it marshals as [].
func (e *Extractor) Extract(ctx context.Context, text string) []ActionItem {
	items := Heuristics(text, e.now())
	if e.refiner != nil {
		items = e.refiner.Refine(ctx, text, items)
	}
	if items == nil {
		items = []ActionItem{}
	}
	return items
}
