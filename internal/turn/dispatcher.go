package turn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"strings"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/MrWong99/turnstile/internal/observe"
	"github.com/MrWong99/turnstile/pkg/audio"
	"github.com/MrWong99/turnstile/pkg/provider/stt"
	"github.com/MrWong99/turnstile/pkg/provider/tts"
)

// DefaultQueueSize is how many turns may wait behind the one in flight unless
// [WithQueueSize] says otherwise.
const DefaultQueueSize = 16

// BacklogFullDetail is the detail of the notice sent when a turn is dropped.
const BacklogFullDetail = "turn backlog full"

var (
	// ErrBacklogFull is returned by Dispatch when the queue has no room.
	ErrBacklogFull = errors.New("turn: backlog full")

	// ErrClosed is returned by Dispatch after Close.
	ErrClosed = errors.New("turn: dispatcher closed")
)

// Collaborators are the downstream services a turn passes through.
type Collaborators struct {
	Transcriber stt.Transcriber
	Responder   Responder

	// Synthesizer is optional. Without it replies carry no audio.
	Synthesizer tts.Synthesizer
}

// ErrorReporter receives turn failures, e.g. to forward them to Sentry.
type ErrorReporter func(ctx context.Context, turnID string, err error)

// Option configures a [Dispatcher].
type Option func(*Dispatcher)

// WithQueueSize sets how many turns may wait behind the one in flight.
func WithQueueSize(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.queueSize = n
		}
	}
}

// WithTempDir sets the directory for the per-turn WAV files. Empty means
// [os.TempDir].
func WithTempDir(dir string) Option {
	return func(d *Dispatcher) { d.tempDir = dir }
}

// WithMinSpeechMs skips turns whose audio is shorter than ms.
func WithMinSpeechMs(ms int) Option {
	return func(d *Dispatcher) { d.minSpeechMs = ms }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithErrorReporter registers a callback for turn failures.
func WithErrorReporter(r ErrorReporter) Option {
	return func(d *Dispatcher) { d.report = r }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.log = l }
}

// Dispatcher runs turns through the collaborators on a single worker
// goroutine. Dispatch and Close are safe for concurrent use.
type Dispatcher struct {
	collab Collaborators
	out    Sender

	queueSize   int
	tempDir     string
	minSpeechMs int
	metrics     *observe.Metrics
	report      ErrorReporter
	log         *slog.Logger

	queue chan Turn
	slot  *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	closed  bool
	notices sync.WaitGroup
	done    chan struct{}
}

// NewDispatcher starts a Dispatcher. Call Close to stop its worker.
func NewDispatcher(collab Collaborators, out Sender, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		collab:    collab,
		out:       out,
		queueSize: DefaultQueueSize,
		slot:      semaphore.NewWeighted(1),
		done:      make(chan struct{}),
	}
	for _, o := range opts {
		o(d)
	}
	if d.metrics == nil {
		d.metrics = observe.DefaultMetrics()
	}
	if d.log == nil {
		d.log = slog.Default()
	}
	d.queue = make(chan Turn, d.queueSize)
	d.ctx, d.cancel = context.WithCancel(context.Background())
	go d.run()
	return d
}

// Dispatch enqueues t and returns immediately. When the queue is full the
// turn is dropped, a notice is sent to the client and [ErrBacklogFull] is
// returned.
func (d *Dispatcher) Dispatch(t Turn) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}

	select {
	case d.queue <- t:
		d.metrics.RecordTurn(d.ctx, observe.OutcomeDispatched)
		d.metrics.RecordSegment(d.ctx, t.DurationMs())
		return nil
	default:
	}

	d.log.Warn("turn backlog full, dropping turn", "turn_id", t.ID, "queued", len(d.queue))
	d.metrics.RecordTurn(d.ctx, observe.OutcomeDropped)
	d.notices.Add(1)
	go func() {
		defer d.notices.Done()
		d.send(d.ctx, Failed(BacklogFullDetail))
	}()
	return ErrBacklogFull
}

// Busy reports whether a turn is being processed right now.
func (d *Dispatcher) Busy() bool {
	if d.slot.TryAcquire(1) {
		d.slot.Release(1)
		return false
	}
	return true
}

// Close stops accepting turns and waits until the queued ones are finished.
// If ctx ends first, in-flight work is cancelled and ctx's error returned.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	select {
	case <-d.done:
		d.notices.Wait()
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		return ctx.Err()
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for t := range d.queue {
		if err := d.slot.Acquire(d.ctx, 1); err != nil {
			// Cancelled by Close; drain without processing.
			continue
		}
		d.process(d.ctx, t)
		d.slot.Release(1)
	}
}

// process runs one turn and converts panics into a failure notice.
func (d *Dispatcher) process(ctx context.Context, t Turn) {
	ctx, done := d.metrics.Stage(ctx, "turn.process", observe.StageTurn)
	log := d.log.With("turn_id", t.ID)

	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("turn: panic: %v", r)
			log.Error("turn panicked", "err", err, "stack", string(debug.Stack()))
		}
		if err != nil {
			d.fail(ctx, t.ID, err)
		}
		done(err)
	}()

	err = d.handle(ctx, log, t)
}

func (d *Dispatcher) handle(ctx context.Context, log *slog.Logger, t Turn) error {
	path, err := audio.WriteTempWAV(d.tempDir, t.PCM, t.SampleRate)
	if err != nil {
		return fmt.Errorf("turn: write wav: %w", err)
	}
	defer func() {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warn("failed to remove turn audio", "path", path, "err", err)
		}
	}()

	durMs := 0
	if info, err := audio.ReadWAVInfo(path); err == nil {
		durMs = info.DurationMs()
	}
	if durMs < d.minSpeechMs {
		log.Info("skipping short segment", "duration_ms", durMs, "min_speech_ms", d.minSpeechMs)
		d.metrics.RecordTurn(ctx, observe.OutcomeSkipped)
		return nil
	}

	tr, err := d.transcribe(ctx, path)
	if err != nil {
		return err
	}
	log.Info("transcribed turn", "lang", tr.LangCode, "text", tr.OriginalText)
	d.send(ctx, Transcribed(t.ID, tr))

	text := tr.EnglishText
	if text == "" {
		text = tr.OriginalText
	}
	text = strings.TrimSpace(text)
	if text == "" {
		log.Info("empty transcript, no reply")
		d.send(ctx, NoSpeech(t.ID, tr))
		d.metrics.RecordTurn(ctx, observe.OutcomeEmpty)
		return nil
	}

	reply := d.respond(ctx, log, text)
	clip := d.synthesize(ctx, log, reply.Text)

	d.send(ctx, FinalReply(t.ID, reply.Text, clip, reply.Optional))
	d.metrics.RecordTurn(ctx, observe.OutcomeCompleted)
	return nil
}

func (d *Dispatcher) transcribe(ctx context.Context, path string) (stt.Transcription, error) {
	ctx, done := d.metrics.Stage(ctx, "turn.stt", observe.StageSTT)
	tr, err := d.collab.Transcriber.Transcribe(ctx, path)
	done(err)
	if err != nil {
		d.metrics.RecordProviderError(ctx, "stt", "transcribe")
		return stt.Transcription{}, fmt.Errorf("turn: transcribe: %w", err)
	}
	return tr, nil
}

// respond degrades to an empty reply on error.
func (d *Dispatcher) respond(ctx context.Context, log *slog.Logger, text string) Reply {
	if d.collab.Responder == nil {
		return Reply{}
	}
	ctx, done := d.metrics.Stage(ctx, "turn.reply", observe.StageReply)
	reply, err := d.collab.Responder.Respond(ctx, text)
	done(err)
	if err != nil {
		log.Warn("reply failed, sending without reply", "err", err)
		d.metrics.RecordProviderError(ctx, "reply", "respond")
		return Reply{}
	}
	log.Info("reply ready", "reply", reply.Text, "action_items", len(reply.ActionItems))
	return reply
}

// synthesize degrades to no audio on error.
func (d *Dispatcher) synthesize(ctx context.Context, log *slog.Logger, text string) tts.Audio {
	if d.collab.Synthesizer == nil || strings.TrimSpace(text) == "" {
		return tts.Audio{}
	}
	ctx, done := d.metrics.Stage(ctx, "turn.tts", observe.StageTTS)
	clip, err := d.collab.Synthesizer.Synthesize(ctx, text)
	done(err)
	if err != nil {
		log.Warn("speech synthesis failed, sending text only", "err", err)
		d.metrics.RecordProviderError(ctx, "tts", "synthesize")
		return tts.Audio{}
	}
	return clip
}

func (d *Dispatcher) fail(ctx context.Context, turnID string, err error) {
	d.log.Error("turn failed", "turn_id", turnID, "err", err)
	d.metrics.RecordTurn(ctx, observe.OutcomeFailed)
	if d.report != nil {
		d.report(ctx, turnID, err)
	}
	d.send(ctx, Failed(err.Error()))
}

// send delivers ev. Delivery problems are logged by the sender; they never
// fail the turn.
func (d *Dispatcher) send(ctx context.Context, ev Event) {
	if err := d.out.Send(ctx, ev); err != nil {
		d.log.Debug("event not delivered", "kind", ev.Kind, "turn_id", ev.TurnID, "err", err)
	}
}
