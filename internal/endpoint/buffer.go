package endpoint

import (
	"sync"

	"github.com/MrWong99/turnstile/pkg/audio"
)

// SegmentBuffer holds the frames of the utterance that is currently being
// recorded.
//
// The buffer is bounded by a total sample count. When an [Append] pushes the
// total past the bound, the oldest frames are evicted until it fits again, so
// an overlong utterance keeps its most recent audio.
//
// All methods are safe for concurrent use.
type SegmentBuffer struct {
	mu         sync.Mutex
	frames     []audio.Frame
	samples    int
	maxSamples int
}

// NewSegmentBuffer creates a buffer that retains at most maxSamples samples.
// A non-positive maxSamples disables the bound.
func NewSegmentBuffer(maxSamples int) *SegmentBuffer {
	return &SegmentBuffer{maxSamples: maxSamples}
}

// Append adds f to the end of the buffer and evicts from the front if the
// bound is exceeded. A frame larger than the bound on its own is kept alone.
func (b *SegmentBuffer) Append(f audio.Frame) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.frames = append(b.frames, f)
	b.samples += len(f.Samples)
	b.evict()
}

// Len returns the number of buffered samples.
func (b *SegmentBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.samples
}

// Frames returns a copy of the buffered frames, oldest first.
func (b *SegmentBuffer) Frames() []audio.Frame {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]audio.Frame, len(b.frames))
	copy(out, b.frames)
	return out
}

// Clear drops every buffered frame.
func (b *SegmentBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reset()
}

// Flush concatenates the buffered frames into one PCM slice and clears the
// buffer. It reports false when the buffer was empty.
func (b *SegmentBuffer) Flush() ([]int16, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.samples == 0 {
		b.reset()
		return nil, false
	}
	pcm := make([]int16, 0, b.samples)
	for _, f := range b.frames {
		pcm = append(pcm, f.Samples...)
	}
	b.reset()
	return pcm, true
}

// reset must be called with b.mu held. The backing array is released so a
// long utterance does not pin memory for the lifetime of the stream.
func (b *SegmentBuffer) reset() {
	b.frames = nil
	b.samples = 0
}

// evict must be called with b.mu held.
func (b *SegmentBuffer) evict() {
	if b.maxSamples <= 0 || b.samples <= b.maxSamples {
		return
	}
	start := 0
	for start < len(b.frames)-1 && b.samples > b.maxSamples {
		b.samples -= len(b.frames[start].Samples)
		start++
	}
	if start == 0 {
		return
	}
	kept := make([]audio.Frame, len(b.frames)-start, cap(b.frames))
	copy(kept, b.frames[start:])
	b.frames = kept
}
