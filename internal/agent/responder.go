package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/MrWong99/turnstile/internal/intent"
	"github.com/MrWong99/turnstile/internal/observe"
	"github.com/MrWong99/turnstile/internal/turn"
	"github.com/MrWong99/turnstile/pkg/memory"
	"github.com/MrWong99/turnstile/pkg/provider/llm"
)

// DefaultSession is the memory session used when none is bound.
const DefaultSession = "default"

const defaultHistoryLimit = 20

var errEmptyAnswer = errors.New("agent: empty answer")

// Responder is the [turn.Responder] that routes a transcript through the
// micro agents.
//
// For every transcript it extracts action items, asks the selected agent for
// an answer and condenses that answer (or, when no agent answers, the
// micro-agent prompt) into a short spoken reply. The exchange is appended to
// conversation memory. Only the reply model can make Respond fall back to a
// canned reply; every other failure is logged and skipped.
type Responder struct {
	llm       llm.Provider
	agents    Store
	memory    memory.Store
	client    *Client
	extractor *intent.Extractor
	history   int
	metrics   *observe.Metrics
}

var _ turn.Responder = (*Responder)(nil)

// ResponderOption configures a [Responder].
type ResponderOption func(*Responder)

// WithLLM sets the model used for selection, request shaping and replies.
// Without one the responder answers with [HeardReply].
func WithLLM(p llm.Provider) ResponderOption {
	return func(r *Responder) { r.llm = p }
}

// WithAgents sets the agent store. Without one no agent is called.
func WithAgents(s Store) ResponderOption {
	return func(r *Responder) { r.agents = s }
}

// WithMemory sets the conversation memory. Without one history is neither
// sent nor recorded.
func WithMemory(s memory.Store) ResponderOption {
	return func(r *Responder) { r.memory = s }
}

// WithClient replaces the agent HTTP client.
func WithClient(c *Client) ResponderOption {
	return func(r *Responder) {
		if c != nil {
			r.client = c
		}
	}
}

// WithExtractor replaces the action item extractor.
func WithExtractor(e *intent.Extractor) ResponderOption {
	return func(r *Responder) {
		if e != nil {
			r.extractor = e
		}
	}
}

// WithHistoryLimit caps how many past messages are sent to an agent. Zero or
// less sends the whole history.
func WithHistoryLimit(n int) ResponderOption {
	return func(r *Responder) { r.history = n }
}

// WithResponderMetrics records provider errors on m.
func WithResponderMetrics(m *observe.Metrics) ResponderOption {
	return func(r *Responder) { r.metrics = m }
}

// NewResponder creates a Responder.
func NewResponder(opts ...ResponderOption) *Responder {
	r := &Responder{
		client:    NewClient(nil),
		extractor: intent.NewExtractor(),
		history:   defaultHistoryLimit,
		metrics:   observe.DefaultMetrics(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Respond implements [turn.Responder] for the [DefaultSession].
func (r *Responder) Respond(ctx context.Context, text string) (turn.Reply, error) {
	return r.RespondSession(ctx, DefaultSession, text)
}

// Session returns a [turn.Responder] bound to the memory session id.
func (r *Responder) Session(id string) turn.Responder {
	if id == "" {
		id = DefaultSession
	}
	return sessionResponder{r: r, id: id}
}

type sessionResponder struct {
	r  *Responder
	id string
}

func (s sessionResponder) Respond(ctx context.Context, text string) (turn.Reply, error) {
	return s.r.RespondSession(ctx, s.id, text)
}

// RespondSession builds the reply to text within the given memory session.
func (r *Responder) RespondSession(ctx context.Context, session, text string) (turn.Reply, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return turn.Reply{}, nil
	}
	log := observe.Logger(ctx).With("session", session)

	items := r.extractor.Extract(ctx, text)
	prompt := intent.BuildPrompt(text, items)

	var optional []OptionalValue
	normalized := prompt
	if res, err := r.askAgent(ctx, session, text); err != nil {
		log.Info("agent: no agent answer, replying to the prompt", "err", err)
	} else {
		normalized = res.Text
		optional = res.Optional
	}

	reply, err := r.shortReply(ctx, normalized)
	if err != nil {
		log.Warn("agent: short reply failed, using fallback reply", "err", err)
		r.metrics.RecordProviderError(ctx, "llm", "reply")
		reply = HeardReply(text)
	}

	if r.memory != nil {
		if err := r.memory.Append(ctx, session, memory.Exchange(text, reply)...); err != nil {
			log.Warn("agent: saving memory failed", "err", err)
		}
	}

	out := turn.Reply{
		Text:        reply,
		ActionItems: items,
		Prompt:      normalized,
	}
	if len(optional) > 0 {
		out.Optional = optional
	}
	return out, nil
}

// askAgent selects an agent, shapes and sends the request and returns the
// agent's non-empty answer.
func (r *Responder) askAgent(ctx context.Context, session, text string) (Result, error) {
	if r.agents == nil {
		return Result{}, ErrNoAgents
	}
	agents, err := r.agents.List(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("agent: list agents: %w", err)
	}
	name, err := Select(ctx, r.llm, text, agents)
	if err != nil {
		return Result{}, err
	}
	var cfg Config
	for _, a := range agents {
		if a.Name == name {
			cfg = a
			break
		}
	}

	var history []memory.Message
	if r.memory != nil && cfg.memoryEnabled() {
		if err := r.memory.Initialize(ctx, session); err != nil {
			observe.Logger(ctx).Warn("agent: initialising memory failed", "session", session, "err", err)
		}
		history, err = r.memory.Recent(ctx, session, r.history)
		if err != nil {
			observe.Logger(ctx).Warn("agent: loading memory failed", "session", session, "err", err)
		}
	}

	req := BuildRequest(ctx, r.llm, text, cfg, history)
	res, err := r.client.Call(ctx, req, cfg)
	if err != nil {
		r.metrics.RecordProviderError(ctx, "agent:"+cfg.Name, "call")
		return Result{}, err
	}
	if strings.TrimSpace(res.Text) == "" {
		return Result{}, fmt.Errorf("%w from %s", errEmptyAnswer, cfg.Name)
	}
	observe.Logger(ctx).Debug("agent: answered", "agent", cfg.Name, "fields", len(res.Fields))
	return res, nil
}

func (r *Responder) shortReply(ctx context.Context, text string) (string, error) {
	if r.llm == nil {
		return "", errors.New("agent: no reply model configured")
	}
	return ShortReply(ctx, r.llm, text)
}

// ClearSession drops the memory of session.
func (r *Responder) ClearSession(ctx context.Context, session string) error {
	if r.memory == nil {
		return nil
	}
	if err := r.memory.Clear(ctx, session); err != nil {
		return fmt.Errorf("agent: clear session: %w", err)
	}
	slog.Info("agent: session memory cleared", "session", session)
	return nil
}
