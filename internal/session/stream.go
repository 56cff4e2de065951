// Package session owns the per-connection ingest pipeline.
//
// A [Stream] chains the frame normalizer, the optional denoiser and the
// endpoint detector on the goroutine that reads the connection, and hands
// every finished utterance to its own [turn.Dispatcher]. Nothing on the
// ingest path waits for network I/O: barge-in notices are queued for a
// delivery goroutine and turns are queued for the dispatcher worker.
//
// A [Manager] tracks the open streams of the process.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/turnstile/internal/endpoint"
	"github.com/MrWong99/turnstile/internal/observe"
	"github.com/MrWong99/turnstile/internal/turn"
	"github.com/MrWong99/turnstile/pkg/audio"
	"github.com/MrWong99/turnstile/pkg/audio/denoise"
)

// noticeBuffer bounds the barge-in notices waiting for delivery.
const noticeBuffer = 8

// ErrStreamClosed is returned by Ingest after Close.
var ErrStreamClosed = errors.New("session: stream closed")

// Config describes the canonical audio format and detector tunables of a
// stream.
type Config struct {
	// SampleRate and FrameMs define the canonical frame every raw frame is
	// normalized to.
	SampleRate int
	FrameMs    int

	VAD endpoint.Config

	// Denoise is nil when noise suppression is disabled.
	Denoise *denoise.Config

	// RingDuration bounds a buffered utterance. Zero uses
	// [endpoint.DefaultRingDuration].
	RingDuration time.Duration
}

// Info describes an open stream.
type Info struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	StartedAt time.Time `json:"started_at"`
	Frames    uint64    `json:"frames"`
	Errors    uint64    `json:"frame_errors"`
	Turns     uint64    `json:"turns"`
	Busy      bool      `json:"busy"`
}

// Stream is the ingest pipeline of one connection. Ingest must be called
// from a single goroutine; Close and Info are safe to call from any.
type Stream struct {
	id        string
	sessionID string
	started   time.Time

	norm *audio.Normalizer
	den  *denoise.Denoiser
	det  *endpoint.Detector
	disp *turn.Dispatcher

	out     turn.Sender
	metrics *observe.Metrics
	log     *slog.Logger

	// ctx lives until Close and carries the background notice deliveries.
	ctx    context.Context
	cancel context.CancelFunc

	notices chan turn.Event
	done    chan struct{}

	mu     sync.Mutex
	closed bool

	frames atomic.Uint64
	errs   atomic.Uint64
	turns  atomic.Uint64
}

// newStream builds a stream. Options in opts are applied to its dispatcher
// after the stream's own logger and metrics.
func newStream(id, sessionID string, cfg Config, collab turn.Collaborators, out turn.Sender, m *observe.Metrics, opts ...turn.Option) *Stream {
	log := slog.Default().With("stream", id, "session", sessionID)
	s := &Stream{
		id:        id,
		sessionID: sessionID,
		started:   time.Now(),
		norm:      audio.NewNormalizer(cfg.SampleRate, cfg.FrameMs),
		out:       out,
		metrics:   m,
		log:       log,
		notices:   make(chan turn.Event, noticeBuffer),
		done:      make(chan struct{}),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	if cfg.Denoise != nil {
		s.den = denoise.New(*cfg.Denoise)
	}

	detOpts := []endpoint.Option{
		endpoint.WithInterruptHandler(s.onInterrupt),
		endpoint.WithSegmentHandler(s.onSegment),
		endpoint.WithDiscardHandler(s.onDiscard),
	}
	if cfg.RingDuration > 0 {
		detOpts = append(detOpts, endpoint.WithRingDuration(cfg.RingDuration))
	}
	s.det = endpoint.NewDetector(cfg.VAD, cfg.SampleRate, detOpts...)

	dispOpts := append([]turn.Option{turn.WithLogger(log), turn.WithMetrics(m)}, opts...)
	s.disp = turn.NewDispatcher(collab, out, dispOpts...)

	go s.deliver()
	return s
}

// ID returns the stream ID.
func (s *Stream) ID() string { return s.id }

// SessionID returns the conversation session the stream replies in.
func (s *Stream) SessionID() string { return s.sessionID }

// State returns the detector state. Like Ingest it must only be called
// from the ingest goroutine.
func (s *Stream) State() endpoint.State { return s.det.State() }

// Info returns a snapshot of the stream's counters.
func (s *Stream) Info() Info {
	return Info{
		ID:        s.id,
		SessionID: s.sessionID,
		StartedAt: s.started,
		Frames:    s.frames.Load(),
		Errors:    s.errs.Load(),
		Turns:     s.turns.Load(),
		Busy:      s.disp.Busy(),
	}
}

// Ingest normalizes raw and runs the resulting canonical frames through the
// denoiser and the endpoint detector.
//
// A malformed frame is still processed on its best-effort decoding; the
// normalization error is counted and returned so the caller can log it and
// carry on.
func (s *Stream) Ingest(ctx context.Context, raw audio.RawFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStreamClosed
	}

	frames, nerr := s.norm.Normalize(raw)
	if nerr != nil {
		s.errs.Add(1)
		s.metrics.RecordFrameError(ctx, "normalize")
		nerr = fmt.Errorf("session: ingest frame %d: %w", raw.Index, nerr)
	}
	for _, f := range frames {
		if s.den != nil {
			f.Samples = s.den.Process(f.Samples)
		}
		s.det.Process(f)
		s.frames.Add(1)
	}
	return nerr
}

// Close stops the stream. An open utterance is dropped; turns already
// dispatched are finished unless ctx ends first.
func (s *Stream) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.det.Reset()
	close(s.notices)
	s.mu.Unlock()

	err := s.disp.Close(ctx)

	select {
	case <-s.done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	s.cancel()
	if err != nil {
		return fmt.Errorf("session: close stream %s: %w", s.id, err)
	}
	return nil
}

func (s *Stream) onInterrupt() {
	s.metrics.RecordInterrupt(s.ctx)
	select {
	case s.notices <- turn.Interrupt():
	default:
		s.log.Warn("interrupt notice dropped, delivery is behind")
	}
}

func (s *Stream) onSegment(seg endpoint.Segment) {
	t := turn.New(seg.PCM, seg.SampleRate)
	s.log.Debug("utterance cut",
		"turn_id", t.ID, "reason", seg.Reason, "speech_ms", seg.SpeechMs, "duration_ms", seg.DurationMs())
	switch err := s.disp.Dispatch(t); {
	case err == nil:
		s.turns.Add(1)
	case errors.Is(err, turn.ErrBacklogFull):
		// The dispatcher already notified the client.
	default:
		s.log.Warn("turn not dispatched", "turn_id", t.ID, "err", err)
	}
}

func (s *Stream) onDiscard(seg endpoint.Segment) {
	s.metrics.RecordTurn(s.ctx, observe.OutcomeDiscarded)
	s.log.Debug("utterance discarded", "speech_ms", seg.SpeechMs, "duration_ms", seg.DurationMs())
}

// deliver sends queued notices in order until Close.
func (s *Stream) deliver() {
	defer close(s.done)
	for ev := range s.notices {
		if err := s.out.Send(s.ctx, ev); err != nil {
			s.log.Debug("notice not delivered", "kind", ev.Kind, "err", err)
		}
	}
}
