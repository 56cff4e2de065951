package turn_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/turnstile/internal/observe"
	"github.com/MrWong99/turnstile/internal/turn"
	"github.com/MrWong99/turnstile/internal/turn/mock"
	"github.com/MrWong99/turnstile/pkg/provider/stt"
	sttmock "github.com/MrWong99/turnstile/pkg/provider/stt/mock"
	"github.com/MrWong99/turnstile/pkg/provider/tts"
	ttsmock "github.com/MrWong99/turnstile/pkg/provider/tts/mock"
)

const rate = 16000

func oneSecond() turn.Turn { return turn.New(make([]int16, rate), rate) }

var english = stt.Transcription{
	LangLine:     "Detected language: English (English) — en",
	LangCode:     "en",
	OriginalText: "please send the report",
	EnglishText:  "please send the report",
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

// start creates a dispatcher writing into a fresh temp dir. The dir is
// returned so tests can check that turn audio was cleaned up.
func start(t *testing.T, collab turn.Collaborators, opts ...turn.Option) (*turn.Dispatcher, *mock.Sender, string) {
	t.Helper()
	dir := t.TempDir()
	sender := &mock.Sender{}
	opts = append([]turn.Option{turn.WithTempDir(dir), turn.WithMetrics(testMetrics(t)), turn.WithMinSpeechMs(650)}, opts...)
	d := turn.NewDispatcher(collab, sender, opts...)
	t.Cleanup(func() { _ = d.Close(context.Background()) })
	return d, sender, dir
}

func closeAndWait(t *testing.T, d *turn.Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func assertDirEmpty(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("temp dir has %d leftover files, want 0", len(entries))
	}
}

func marshal(t *testing.T, ev turn.Event) map[string]any {
	t.Helper()
	b, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	return m
}

func TestDispatcher_FullTurn(t *testing.T) {
	t.Parallel()
	var wavPath string
	transcriber := &sttmock.Transcriber{Fn: func(_ context.Context, path string) (stt.Transcription, error) {
		wavPath = path
		if _, err := os.Stat(path); err != nil {
			t.Errorf("wav missing during transcription: %v", err)
		}
		return english, nil
	}}
	responder := &mock.Responder{Reply: turn.Reply{Text: "Sure, sending it now.", Optional: []string{"x"}}}
	synth := &ttsmock.Synthesizer{Audio: tts.Audio{Data: []byte("mp3"), MIME: tts.MIMEMPEG}}

	d, sender, dir := start(t, turn.Collaborators{Transcriber: transcriber, Responder: responder, Synthesizer: synth})
	tr := oneSecond()
	if err := d.Dispatch(tr); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	closeAndWait(t, d)

	events := sender.Events()
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].Kind != turn.KindTranscription || events[0].TurnID != tr.ID {
		t.Errorf("first event = %v %q, want transcription for %q", events[0].Kind, events[0].TurnID, tr.ID)
	}
	final := marshal(t, events[1])
	if final["turn_id"] != tr.ID || final["reply_preview"] != "Sure, sending it now." ||
		final["reply_audio_b64"] != "bXAz" || final["reply_audio_mime"] != "audio/mpeg" {
		t.Errorf("final reply = %v", final)
	}
	if got := responder.Texts(); len(got) != 1 || got[0] != "please send the report" {
		t.Errorf("responder texts = %q", got)
	}
	if calls := synth.Calls(); len(calls) != 1 || calls[0].Text != "Sure, sending it now." {
		t.Errorf("synth calls = %+v", calls)
	}
	if _, err := os.Stat(wavPath); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("wav %q still exists: %v", wavPath, err)
	}
	assertDirEmpty(t, dir)
}

func TestDispatcher_SkipsShortSegments(t *testing.T) {
	t.Parallel()
	transcriber := &sttmock.Transcriber{Result: english}
	d, sender, dir := start(t, turn.Collaborators{Transcriber: transcriber, Responder: &mock.Responder{}})

	if err := d.Dispatch(turn.New(make([]int16, rate/4), rate)); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	closeAndWait(t, d)

	if n := len(transcriber.CallPaths()); n != 0 {
		t.Errorf("transcriber called %d times, want 0", n)
	}
	if n := len(sender.Events()); n != 0 {
		t.Errorf("got %d events, want 0", n)
	}
	assertDirEmpty(t, dir)
}

func TestDispatcher_EmptyTranscript(t *testing.T) {
	t.Parallel()
	responder := &mock.Responder{}
	d, sender, _ := start(t, turn.Collaborators{
		Transcriber: &sttmock.Transcriber{Result: stt.Transcription{LangCode: "und", EnglishText: "  "}},
		Responder:   responder,
	})
	if err := d.Dispatch(oneSecond()); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	closeAndWait(t, d)

	events := sender.Events()
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if !events[1].NoSpeech {
		t.Fatalf("second event is not a no-speech notice: %+v", events[1])
	}
	m := marshal(t, events[1])
	if _, ok := m["micro_agent"]; !ok {
		t.Errorf("no-speech event lacks micro_agent: %v", m)
	}
	if v, ok := m["reply_preview"]; !ok || v != nil {
		t.Errorf("reply_preview = %v (present %v), want null", v, ok)
	}
	if n := len(responder.Texts()); n != 0 {
		t.Errorf("responder called %d times, want 0", n)
	}
}

func TestDispatcher_FallsBackToOriginalText(t *testing.T) {
	t.Parallel()
	responder := &mock.Responder{Reply: turn.Reply{Text: "ok"}}
	d, _, _ := start(t, turn.Collaborators{
		Transcriber: &sttmock.Transcriber{Result: stt.Transcription{LangCode: "de", OriginalText: " hallo "}},
		Responder:   responder,
	})
	if err := d.Dispatch(oneSecond()); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	closeAndWait(t, d)
	if got := responder.Texts(); len(got) != 1 || got[0] != "hallo" {
		t.Fatalf("responder texts = %q, want [hallo]", got)
	}
}

func TestDispatcher_TranscriptionFailure(t *testing.T) {
	t.Parallel()
	var reported atomic.Int32
	d, sender, dir := start(t,
		turn.Collaborators{Transcriber: &sttmock.Transcriber{Err: errors.New("stt down")}, Responder: &mock.Responder{}},
		turn.WithErrorReporter(func(_ context.Context, _ string, err error) { reported.Add(1) }),
	)
	if err := d.Dispatch(oneSecond()); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	closeAndWait(t, d)

	events := sender.Events()
	if len(events) != 1 || events[0].Kind != turn.KindError || events[0].Code != turn.ErrorProcessingFailed {
		t.Fatalf("events = %+v, want one processing_failed notice", events)
	}
	if reported.Load() != 1 {
		t.Errorf("reporter called %d times, want 1", reported.Load())
	}
	assertDirEmpty(t, dir)
}

func TestDispatcher_DegradesReplyAndAudio(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		responder *mock.Responder
		synth     *ttsmock.Synthesizer
		wantText  any
	}{
		{"reply fails", &mock.Responder{Err: errors.New("llm down")}, &ttsmock.Synthesizer{Audio: tts.Audio{Data: []byte("x"), MIME: tts.MIMEMPEG}}, nil},
		{"tts fails", &mock.Responder{Reply: turn.Reply{Text: "hi"}}, &ttsmock.Synthesizer{Err: errors.New("tts down")}, "hi"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			d, sender, _ := start(t, turn.Collaborators{
				Transcriber: &sttmock.Transcriber{Result: english},
				Responder:   tt.responder,
				Synthesizer: tt.synth,
			})
			if err := d.Dispatch(oneSecond()); err != nil {
				t.Fatalf("Dispatch: %v", err)
			}
			closeAndWait(t, d)

			events := sender.Events()
			if len(events) != 2 || events[1].Kind != turn.KindFinalReply {
				t.Fatalf("events = %+v, want transcription then final reply", events)
			}
			m := marshal(t, events[1])
			if m["reply_preview"] != tt.wantText {
				t.Errorf("reply_preview = %v, want %v", m["reply_preview"], tt.wantText)
			}
			if m["reply_audio_b64"] != nil || m["reply_audio_mime"] != nil {
				t.Errorf("audio = %v/%v, want null", m["reply_audio_b64"], m["reply_audio_mime"])
			}
		})
	}
}

func TestDispatcher_RecoversFromPanic(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	responder := &mock.Responder{Fn: func(context.Context, string) (turn.Reply, error) {
		if calls.Add(1) == 1 {
			panic("responder exploded")
		}
		return turn.Reply{Text: "fine"}, nil
	}}
	d, sender, dir := start(t, turn.Collaborators{Transcriber: &sttmock.Transcriber{Result: english}, Responder: responder})

	for range 2 {
		if err := d.Dispatch(oneSecond()); err != nil {
			t.Fatalf("Dispatch: %v", err)
		}
	}
	closeAndWait(t, d)

	var kinds []turn.Kind
	for _, ev := range sender.Events() {
		kinds = append(kinds, ev.Kind)
	}
	want := []turn.Kind{turn.KindTranscription, turn.KindError, turn.KindTranscription, turn.KindFinalReply}
	if len(kinds) != len(want) {
		t.Fatalf("kinds = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("kinds = %v, want %v", kinds, want)
		}
	}
	assertDirEmpty(t, dir)
}

func TestDispatcher_ProcessesInOrder(t *testing.T) {
	t.Parallel()
	d, sender, _ := start(t, turn.Collaborators{Transcriber: &sttmock.Transcriber{Result: english}, Responder: &mock.Responder{}},
		turn.WithQueueSize(8))

	var ids []string
	for range 5 {
		tr := oneSecond()
		ids = append(ids, tr.ID)
		if err := d.Dispatch(tr); err != nil {
			t.Fatalf("Dispatch: %v", err)
		}
	}
	closeAndWait(t, d)

	var got []string
	for _, ev := range sender.Events() {
		if ev.Kind == turn.KindTranscription {
			got = append(got, ev.TurnID)
		}
	}
	if len(got) != len(ids) {
		t.Fatalf("got %d transcriptions, want %d", len(got), len(ids))
	}
	for i := range ids {
		if got[i] != ids[i] {
			t.Fatalf("order = %v, want %v", got, ids)
		}
	}
}

// blockingTranscriber holds every call until release is closed.
func blockingTranscriber() (*sttmock.Transcriber, <-chan struct{}, chan struct{}) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	tr := &sttmock.Transcriber{Fn: func(ctx context.Context, _ string) (stt.Transcription, error) {
		once.Do(func() { close(started) })
		select {
		case <-release:
			return english, nil
		case <-ctx.Done():
			return stt.Transcription{}, ctx.Err()
		}
	}}
	return tr, started, release
}

func TestDispatcher_BacklogFull(t *testing.T) {
	t.Parallel()
	transcriber, started, release := blockingTranscriber()
	d, sender, _ := start(t, turn.Collaborators{Transcriber: transcriber, Responder: &mock.Responder{}}, turn.WithQueueSize(1))

	if err := d.Dispatch(oneSecond()); err != nil {
		t.Fatalf("first Dispatch: %v", err)
	}
	<-started
	if !d.Busy() {
		t.Error("Busy() = false while a turn is in flight")
	}
	if err := d.Dispatch(oneSecond()); err != nil {
		t.Fatalf("second Dispatch: %v", err)
	}

	begin := time.Now()
	err := d.Dispatch(oneSecond())
	if !errors.Is(err, turn.ErrBacklogFull) {
		t.Fatalf("third Dispatch err = %v, want ErrBacklogFull", err)
	}
	if elapsed := time.Since(begin); elapsed > time.Second {
		t.Fatalf("Dispatch blocked for %v", elapsed)
	}

	close(release)
	closeAndWait(t, d)

	var notices int
	for _, ev := range sender.Events() {
		if ev.Kind == turn.KindError && ev.Detail == turn.BacklogFullDetail {
			notices++
		}
	}
	if notices != 1 {
		t.Errorf("backlog notices = %d, want 1", notices)
	}
	if d.Busy() {
		t.Error("Busy() = true after Close")
	}
}

func TestDispatcher_DefaultQueueHoldsBacklog(t *testing.T) {
	t.Parallel()
	transcriber, started, release := blockingTranscriber()
	d, sender, _ := start(t, turn.Collaborators{Transcriber: transcriber, Responder: &mock.Responder{}})

	if err := d.Dispatch(oneSecond()); err != nil {
		t.Fatalf("first Dispatch: %v", err)
	}
	<-started
	for i := range turn.DefaultQueueSize {
		if err := d.Dispatch(oneSecond()); err != nil {
			t.Fatalf("queued Dispatch %d: %v", i, err)
		}
	}
	if err := d.Dispatch(oneSecond()); !errors.Is(err, turn.ErrBacklogFull) {
		t.Fatalf("Dispatch past the queue err = %v, want ErrBacklogFull", err)
	}

	close(release)
	closeAndWait(t, d)

	var finals int
	for _, ev := range sender.Events() {
		if ev.Kind == turn.KindFinalReply {
			finals++
		}
	}
	if want := turn.DefaultQueueSize + 1; finals != want {
		t.Errorf("final replies = %d, want %d", finals, want)
	}
}

func TestDispatcher_DispatchAfterClose(t *testing.T) {
	t.Parallel()
	d, _, _ := start(t, turn.Collaborators{Transcriber: &sttmock.Transcriber{Result: english}})
	closeAndWait(t, d)
	if err := d.Dispatch(oneSecond()); !errors.Is(err, turn.ErrClosed) {
		t.Fatalf("Dispatch after Close err = %v, want ErrClosed", err)
	}
	// A second Close is harmless.
	closeAndWait(t, d)
}

func TestDispatcher_CloseTimeoutCancelsWork(t *testing.T) {
	t.Parallel()
	transcriber, started, _ := blockingTranscriber()
	d, _, dir := start(t, turn.Collaborators{Transcriber: transcriber, Responder: &mock.Responder{}})

	if err := d.Dispatch(oneSecond()); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := d.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Close err = %v, want DeadlineExceeded", err)
	}

	// The cancelled turn still cleans up after itself.
	deadline := time.Now().Add(5 * time.Second)
	for {
		entries, _ := os.ReadDir(dir)
		if len(entries) == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("turn audio not removed after cancellation")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
