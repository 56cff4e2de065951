// Package audio holds the frame types of the ingest path and the codecs
// that turn client audio into canonical mono frames.
//
// [Normalizer] converts [RawFrame] values of any supported encoding, layout
// and rate into fixed-length mono 16-bit [Frame] values. [OpusDecoder] turns
// Opus packets into raw frames first.
package audio

import (
	"fmt"
	"strings"
)

// Frame is a canonical mono 16-bit PCM frame. Frames are the unit the ingest
// path works in: normalised, denoised, measured by the endpoint detector and
// buffered into utterance segments.
type Frame struct {
	// Samples holds exactly SampleRate*frameMs/1000 mono samples once the
	// frame has passed through a [Normalizer].
	Samples []int16

	// SampleRate in Hz.
	SampleRate int

	// Index is the arrival index of the frame within its stream.
	Index uint64
}

// DurationMs returns the duration of the frame in milliseconds.
func (f Frame) DurationMs() int {
	if f.SampleRate <= 0 {
		return 0
	}
	return len(f.Samples) * 1000 / f.SampleRate
}

// Encoding identifies the sample encoding of a [RawFrame] payload.
type Encoding int

const (
	// S16LE is signed 16-bit little-endian PCM.
	S16LE Encoding = iota
	// S32LE is signed 32-bit little-endian PCM.
	S32LE
	// U8 is unsigned 8-bit PCM centred at 128.
	U8
	// F32LE is IEEE-754 32-bit float PCM in [-1, 1].
	F32LE
	// F64LE is IEEE-754 64-bit float PCM in [-1, 1].
	F64LE
)

var encodingNames = map[Encoding]string{
	S16LE: "s16le",
	S32LE: "s32le",
	U8:    "u8",
	F32LE: "f32le",
	F64LE: "f64le",
}

// String returns the lower-case wire name of the encoding.
func (e Encoding) String() string {
	if s, ok := encodingNames[e]; ok {
		return s
	}
	return fmt.Sprintf("encoding(%d)", int(e))
}

// BytesPerSample returns the width of one sample of one channel.
func (e Encoding) BytesPerSample() int {
	switch e {
	case U8:
		return 1
	case S16LE:
		return 2
	case S32LE, F32LE:
		return 4
	case F64LE:
		return 8
	default:
		return 0
	}
}

// ParseEncoding maps a wire name ("s16le", "f32le", ...) to an [Encoding].
func ParseEncoding(s string) (Encoding, error) {
	want := strings.ToLower(strings.TrimSpace(s))
	if want == "" || want == "pcm" {
		return S16LE, nil
	}
	for e, name := range encodingNames {
		if name == want {
			return e, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnsupportedEncoding, s)
}

// Layout describes how multi-channel samples are arranged in a payload.
type Layout int

const (
	// Interleaved stores one sample per channel per time step: L R L R ...
	Interleaved Layout = iota
	// Planar stores all samples of channel 0, then channel 1, and so on.
	Planar
)

// RawFrame is a frame as delivered by a transport, before normalisation.
type RawFrame struct {
	Data       []byte
	SampleRate int
	Channels   int
	Encoding   Encoding
	Layout     Layout
	Index      uint64
}
