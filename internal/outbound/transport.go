package outbound

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// DefaultTimeout bounds a single delivery attempt.
const DefaultTimeout = 5 * time.Second

// ---- native push ----

// MessageWriter is the part of a websocket connection Push needs.
// *websocket.Conn implements it.
type MessageWriter interface {
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
}

// Push writes events as text frames on the stream's own websocket.
type Push struct {
	conn    MessageWriter
	timeout time.Duration
}

var _ Transport = (*Push)(nil)

// NewPush returns a Push transport. A non-positive timeout uses
// [DefaultTimeout].
func NewPush(conn MessageWriter, timeout time.Duration) *Push {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Push{conn: conn, timeout: timeout}
}

// Name implements [Transport].
func (p *Push) Name() string { return "push" }

// Deliver implements [Transport].
func (p *Push) Deliver(ctx context.Context, payload []byte) error {
	ctx, cancel := withTimeout(ctx, p.timeout)
	defer cancel()
	if err := p.conn.Write(ctx, websocket.MessageText, payload); err != nil {
		return fmt.Errorf("outbound: push: %w", err)
	}
	return nil
}

// ---- blocking push ----

// ErrDeliveryTimeout is returned by SyncPush when the wrapped function does
// not return in time.
var ErrDeliveryTimeout = errors.New("outbound: delivery timed out")

// SyncPush adapts a blocking send function. The function runs on its own
// goroutine so Deliver returns after the timeout even if it never does.
type SyncPush struct {
	name    string
	fn      func(payload []byte) error
	timeout time.Duration
}

var _ Transport = (*SyncPush)(nil)

// NewSyncPush wraps fn. A non-positive timeout uses [DefaultTimeout].
func NewSyncPush(name string, fn func(payload []byte) error, timeout time.Duration) *SyncPush {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &SyncPush{name: name, fn: fn, timeout: timeout}
}

// Name implements [Transport].
func (s *SyncPush) Name() string { return s.name }

// Deliver implements [Transport].
func (s *SyncPush) Deliver(ctx context.Context, payload []byte) error {
	done := make(chan error, 1)
	go func() { done <- s.fn(payload) }()

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("outbound: %s: %w", s.name, err)
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("outbound: %s: %w", s.name, ErrDeliveryTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EventLog returns a SyncPush that appends every event to w as one JSON
// line. Writes are serialised; a write still blocked after timeout is left
// running and reported as [ErrDeliveryTimeout].
func EventLog(w io.Writer, timeout time.Duration) *SyncPush {
	var mu sync.Mutex
	return NewSyncPush("event_log", func(payload []byte) error {
		line := make([]byte, 0, len(payload)+1)
		line = append(append(line, payload...), '\n')
		mu.Lock()
		defer mu.Unlock()
		_, err := w.Write(line)
		return err
	}, timeout)
}

// ---- callback ----

// Callback delivers through a caller-supplied function.
type Callback struct {
	name string
	fn   func(ctx context.Context, payload []byte) error
}

var _ Transport = (*Callback)(nil)

// NewCallback wraps fn.
func NewCallback(name string, fn func(ctx context.Context, payload []byte) error) *Callback {
	return &Callback{name: name, fn: fn}
}

// Name implements [Transport].
func (c *Callback) Name() string { return c.name }

// Deliver implements [Transport].
func (c *Callback) Deliver(ctx context.Context, payload []byte) error {
	if err := c.fn(ctx, payload); err != nil {
		return fmt.Errorf("outbound: %s: %w", c.name, err)
	}
	return nil
}

// Webhook returns a Callback that POSTs each event as JSON to url. Any
// non-2xx status is an error. A nil client uses a client with
// [DefaultTimeout].
func Webhook(url string, client *http.Client, headers map[string]string) *Callback {
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}
	return NewCallback("webhook", func(ctx context.Context, payload []byte) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return fmt.Errorf("HTTP %d", resp.StatusCode)
		}
		return nil
	})
}
