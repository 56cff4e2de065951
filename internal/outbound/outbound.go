// Package outbound delivers turn events to the client.
//
// A [Channel] holds an ordered list of [Transport]s. Each event is encoded
// once and offered to the transports in order; the first one that accepts it
// wins. Every transport sits behind its own circuit breaker so a dead
// connection is skipped quickly instead of timing out on every event. When
// all transports fail the event is dropped with a warning; the live stream
// never waits on a client that is gone.
package outbound

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/turnstile/internal/observe"
	"github.com/MrWong99/turnstile/internal/resilience"
	"github.com/MrWong99/turnstile/internal/turn"
)

// Transport delivers one encoded event.
type Transport interface {
	// Name identifies the transport in logs and metrics.
	Name() string

	// Deliver sends payload, a single JSON object.
	Deliver(ctx context.Context, payload []byte) error
}

// ErrNoTransports is returned by New without any transport.
var ErrNoTransports = errors.New("outbound: no transports configured")

// Config tunes a [Channel].
type Config struct {
	// CircuitBreaker is applied to every transport. Zero values take the
	// resilience defaults.
	CircuitBreaker resilience.CircuitBreakerConfig

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Channel sends events through the first healthy transport. It implements
// [turn.Sender] and is safe for concurrent use.
type Channel struct {
	group   *resilience.FallbackGroup[Transport]
	metrics *observe.Metrics
}

var _ turn.Sender = (*Channel)(nil)

// New creates a Channel that tries transports in the given order.
func New(cfg Config, transports ...Transport) (*Channel, error) {
	if len(transports) == 0 {
		return nil, ErrNoTransports
	}
	m := cfg.Metrics
	if m == nil {
		m = observe.DefaultMetrics()
	}
	group := resilience.NewFallbackGroup(transports[0], transports[0].Name(), resilience.FallbackConfig{
		CircuitBreaker: cfg.CircuitBreaker,
	})
	for _, t := range transports[1:] {
		group.AddFallback(t.Name(), t)
	}
	return &Channel{group: group, metrics: m}, nil
}

// Transports returns the transport names in delivery order.
func (c *Channel) Transports() []string { return c.group.Names() }

// Send encodes ev and delivers it. An encoding error is returned without
// trying any transport. A delivery failure is logged, counted and returned,
// but callers are free to ignore it: the event is already dropped.
func (c *Channel) Send(ctx context.Context, ev turn.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("outbound: encode %s event: %w", ev.Kind, err)
	}

	var via string
	err = c.group.Execute(ctx, func(ctx context.Context, t Transport) error {
		if err := t.Deliver(ctx, payload); err != nil {
			return err
		}
		via = t.Name()
		return nil
	})
	if err != nil {
		observe.Logger(ctx).Warn("outbound event dropped",
			"kind", ev.Kind, "turn_id", ev.TurnID, "bytes", len(payload), "err", err)
		c.metrics.RecordOutbound(ctx, ev.Kind.String(), "dropped")
		return fmt.Errorf("outbound: send %s event: %w", ev.Kind, err)
	}
	slog.Debug("outbound event sent", "kind", ev.Kind, "turn_id", ev.TurnID, "via", via, "bytes", len(payload))
	c.metrics.RecordOutbound(ctx, ev.Kind.String(), "sent")
	return nil
}

// withTimeout bounds ctx by d when d is positive.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}
