package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
)

var (
	// ErrMalformedFrame is returned when a payload cannot be split into whole
	// samples for the declared channel count and encoding.
	ErrMalformedFrame = errors.New("audio: malformed frame")

	// ErrUnsupportedEncoding is returned for an unknown sample encoding.
	ErrUnsupportedEncoding = errors.New("audio: unsupported encoding")
)

// Normalizer turns transport frames of any rate, layout and encoding into
// canonical mono 16-bit frames of a fixed duration. Samples that do not fill a
// whole canonical frame are carried into the next call.
//
// Create one per stream; not designed for shared use across goroutines.
type Normalizer struct {
	sampleRate int
	frameMs    int

	pending []int16
	next    uint64

	warnedResample sync.Once
	warnedChannels sync.Once
}

// NewNormalizer returns a Normalizer producing frameMs frames at sampleRate.
func NewNormalizer(sampleRate, frameMs int) *Normalizer {
	return &Normalizer{sampleRate: sampleRate, frameMs: frameMs}
}

// FrameSize returns the canonical number of samples per frame.
func (n *Normalizer) FrameSize() int {
	return n.sampleRate * n.frameMs / 1000
}

// SampleRate returns the canonical sample rate.
func (n *Normalizer) SampleRate() int { return n.sampleRate }

// Normalize converts raw into zero or more canonical frames.
//
// Normalize never panics. When raw cannot be decoded it returns a single frame
// holding the payload read as 16-bit PCM, unmodified, together with a non-nil
// error. Callers log the error and keep going.
func (n *Normalizer) Normalize(raw RawFrame) ([]Frame, error) {
	mono, err := n.decodeMono(raw)
	if err != nil {
		rate := raw.SampleRate
		if rate <= 0 {
			rate = n.sampleRate
		}
		f := Frame{Samples: BytesToSamples(raw.Data), SampleRate: rate, Index: n.next}
		n.next++
		return []Frame{f}, fmt.Errorf("audio: normalize frame %d: %w", raw.Index, err)
	}

	if raw.SampleRate != n.sampleRate {
		n.warnedResample.Do(func() {
			slog.Warn("audio normalizer: resampling input",
				"from", formatString(raw.SampleRate, raw.Channels),
				"to", formatString(n.sampleRate, 1),
			)
		})
		mono = Resample(mono, raw.SampleRate, n.sampleRate)
	}

	size := n.FrameSize()
	if size <= 0 {
		f := Frame{Samples: mono, SampleRate: n.sampleRate, Index: n.next}
		n.next++
		return []Frame{f}, nil
	}

	n.pending = append(n.pending, mono...)
	var out []Frame
	for len(n.pending) >= size {
		samples := make([]int16, size)
		copy(samples, n.pending[:size])
		n.pending = n.pending[size:]
		out = append(out, Frame{Samples: samples, SampleRate: n.sampleRate, Index: n.next})
		n.next++
	}
	if len(n.pending) == 0 {
		n.pending = nil
	}
	return out, nil
}

// Pending returns the number of carried samples not yet emitted.
func (n *Normalizer) Pending() int { return len(n.pending) }

// decodeMono validates raw and folds all channels into one mono sample track.
func (n *Normalizer) decodeMono(raw RawFrame) ([]int16, error) {
	if raw.SampleRate <= 0 {
		return nil, fmt.Errorf("%w: sample rate %d", ErrMalformedFrame, raw.SampleRate)
	}
	if raw.Channels <= 0 {
		return nil, fmt.Errorf("%w: %d channels", ErrMalformedFrame, raw.Channels)
	}
	width := raw.Encoding.BytesPerSample()
	if width == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedEncoding, raw.Encoding)
	}
	stride := width * raw.Channels
	if len(raw.Data)%stride != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a multiple of %d", ErrMalformedFrame, len(raw.Data), stride)
	}
	if raw.Channels > 1 {
		n.warnedChannels.Do(func() {
			slog.Warn("audio normalizer: downmixing to mono", "channels", raw.Channels, "layout", raw.Layout)
		})
	}

	steps := len(raw.Data) / stride
	out := make([]int16, steps)
	for i := range steps {
		var sum float64
		for c := range raw.Channels {
			var off int
			if raw.Layout == Planar {
				off = (c*steps + i) * width
			} else {
				off = (i*raw.Channels + c) * width
			}
			sum += decodeSample(raw.Data[off:off+width], raw.Encoding)
		}
		out[i] = clamp16(sum / float64(raw.Channels))
	}
	return out, nil
}

// decodeSample reads one sample in 16-bit scale. Float input is clipped to
// [-1, 1] before scaling; integer input keeps its value and is clamped later.
func decodeSample(b []byte, enc Encoding) float64 {
	switch enc {
	case S16LE:
		return float64(int16(binary.LittleEndian.Uint16(b)))
	case S32LE:
		return float64(int32(binary.LittleEndian.Uint32(b)))
	case U8:
		return float64(int(b[0])-128) * 256
	case F32LE:
		return clipUnit(float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))) * 32767
	case F64LE:
		return clipUnit(math.Float64frombits(binary.LittleEndian.Uint64(b))) * 32767
	default:
		return 0
	}
}

func clipUnit(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(-1, math.Min(1, v))
}

func clamp16(v float64) int16 {
	if math.IsNaN(v) {
		return 0
	}
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(math.Round(v))
}

// Resample converts mono samples from srcRate to dstRate using linear
// interpolation. Returns the input unchanged when the rates match or are
// invalid.
func Resample(pcm []int16, srcRate, dstRate int) []int16 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) == 0 {
		return pcm
	}
	dst := int(int64(len(pcm)) * int64(dstRate) / int64(srcRate))
	if dst == 0 {
		return nil
	}

	out := make([]int16, dst)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dst {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)

		s0 := pcm[idx]
		s1 := s0
		if idx+1 < len(pcm) {
			s1 = pcm[idx+1]
		}
		out[i] = int16(float64(s0)*(1-frac) + float64(s1)*frac)
	}
	return out
}

// SamplesToBytes encodes samples as little-endian 16-bit PCM.
func SamplesToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		binary.LittleEndian.PutUint16(b[i*2:], uint16(s))
	}
	return b
}

// BytesToSamples decodes little-endian 16-bit PCM. A trailing odd byte is
// ignored.
func BytesToSamples(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return pcm
}

// formatString returns a human-readable string for a sample rate and channel count,
// e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
