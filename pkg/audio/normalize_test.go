package audio_test

import (
	"encoding/binary"
	"errors"
	"math"
	"testing"

	"github.com/MrWong99/turnstile/pkg/audio"
)

func f32Bytes(vals ...float32) []byte {
	b := make([]byte, len(vals)*4)
	for i, v := range vals {
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(v))
	}
	return b
}

func s32Bytes(vals ...int32) []byte {
	b := make([]byte, len(vals)*4)
	for i, v := range vals {
		binary.LittleEndian.PutUint32(b[i*4:], uint32(v))
	}
	return b
}

func TestNormalizer_FrameSize(t *testing.T) {
	t.Parallel()
	n := audio.NewNormalizer(48000, 20)
	if got := n.FrameSize(); got != 960 {
		t.Fatalf("FrameSize() = %d, want 960", got)
	}
}

func TestNormalizer_MonoPassThrough(t *testing.T) {
	t.Parallel()
	n := audio.NewNormalizer(8000, 1) // 8 samples per frame
	in := []int16{1, 2, 3, 4, 5, 6, 7, 8}

	frames, err := n.Normalize(audio.RawFrame{Data: audio.SamplesToBytes(in), SampleRate: 8000, Channels: 1})
	if err != nil {
		t.Fatalf("Normalize: unexpected error: %v", err)
	}
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	for i, s := range frames[0].Samples {
		if s != in[i] {
			t.Errorf("sample %d = %d, want %d", i, s, in[i])
		}
	}
}

func TestNormalizer_StereoInterleavedAveraged(t *testing.T) {
	t.Parallel()
	n := audio.NewNormalizer(8000, 0)
	frames, err := n.Normalize(audio.RawFrame{
		Data:       audio.SamplesToBytes([]int16{100, 200, -100, -300, 32767, 32767}),
		SampleRate: 8000,
		Channels:   2,
	})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	want := []int16{150, -200, 32767}
	got := frames[0].Samples
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestNormalizer_StereoPlanar(t *testing.T) {
	t.Parallel()
	n := audio.NewNormalizer(8000, 0)
	// Channel 0: 10, 20. Channel 1: 30, 40.
	frames, err := n.Normalize(audio.RawFrame{
		Data:       audio.SamplesToBytes([]int16{10, 20, 30, 40}),
		SampleRate: 8000,
		Channels:   2,
		Layout:     audio.Planar,
	})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	got := frames[0].Samples
	if got[0] != 20 || got[1] != 30 {
		t.Fatalf("samples = %v, want [20 30]", got)
	}
}

func TestNormalizer_FloatScaledAndClipped(t *testing.T) {
	t.Parallel()
	n := audio.NewNormalizer(8000, 0)
	frames, err := n.Normalize(audio.RawFrame{
		Data:       f32Bytes(0.5, -1.0, 2.5, -7),
		SampleRate: 8000,
		Channels:   1,
		Encoding:   audio.F32LE,
	})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	want := []int16{16384, -32767, 32767, -32767}
	for i, w := range want {
		if got := frames[0].Samples[i]; got != w {
			t.Errorf("sample %d = %d, want %d", i, got, w)
		}
	}
}

func TestNormalizer_Int32Clamped(t *testing.T) {
	t.Parallel()
	n := audio.NewNormalizer(8000, 0)
	frames, err := n.Normalize(audio.RawFrame{
		Data:       s32Bytes(1000, 1<<20, -(1 << 20)),
		SampleRate: 8000,
		Channels:   1,
		Encoding:   audio.S32LE,
	})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	want := []int16{1000, 32767, -32768}
	for i, w := range want {
		if got := frames[0].Samples[i]; got != w {
			t.Errorf("sample %d = %d, want %d", i, got, w)
		}
	}
}

func TestNormalizer_CarriesRemainder(t *testing.T) {
	t.Parallel()
	n := audio.NewNormalizer(8000, 1) // 8 samples per frame

	frames, err := n.Normalize(audio.RawFrame{Data: audio.SamplesToBytes(make([]int16, 12)), SampleRate: 8000, Channels: 1})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if len(frames) != 1 || n.Pending() != 4 {
		t.Fatalf("frames=%d pending=%d, want 1 and 4", len(frames), n.Pending())
	}

	frames, err = n.Normalize(audio.RawFrame{Data: audio.SamplesToBytes(make([]int16, 4)), SampleRate: 8000, Channels: 1})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if len(frames) != 1 || n.Pending() != 0 {
		t.Fatalf("frames=%d pending=%d, want 1 and 0", len(frames), n.Pending())
	}
	if frames[0].Index != 1 {
		t.Errorf("Index = %d, want 1", frames[0].Index)
	}
}

func TestNormalizer_Resamples(t *testing.T) {
	t.Parallel()
	n := audio.NewNormalizer(16000, 20) // 320 samples per frame
	frames, err := n.Normalize(audio.RawFrame{Data: audio.SamplesToBytes(make([]int16, 960)), SampleRate: 48000, Channels: 1})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if len(frames) != 1 || len(frames[0].Samples) != 320 {
		t.Fatalf("got %d frames, want one 320-sample frame", len(frames))
	}
}

func TestNormalizer_MalformedPassesThrough(t *testing.T) {
	t.Parallel()
	n := audio.NewNormalizer(48000, 20)

	tests := []struct {
		name string
		raw  audio.RawFrame
		want error
	}{
		{"odd bytes", audio.RawFrame{Data: []byte{1, 0, 2}, SampleRate: 48000, Channels: 1}, audio.ErrMalformedFrame},
		{"zero channels", audio.RawFrame{Data: []byte{1, 0}, SampleRate: 48000}, audio.ErrMalformedFrame},
		{"zero rate", audio.RawFrame{Data: []byte{1, 0}, Channels: 1}, audio.ErrMalformedFrame},
		{"bad encoding", audio.RawFrame{Data: []byte{1, 0}, SampleRate: 48000, Channels: 1, Encoding: audio.Encoding(42)}, audio.ErrUnsupportedEncoding},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frames, err := n.Normalize(tt.raw)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			if len(frames) != 1 {
				t.Fatalf("got %d frames, want the unmodified input frame", len(frames))
			}
			if len(frames[0].Samples) != len(tt.raw.Data)/2 {
				t.Errorf("samples = %d, want %d", len(frames[0].Samples), len(tt.raw.Data)/2)
			}
		})
	}
}

func TestParseEncoding(t *testing.T) {
	t.Parallel()
	for _, name := range []string{"s16le", "S32LE", "u8", "f32le", "f64le", ""} {
		if _, err := audio.ParseEncoding(name); err != nil {
			t.Errorf("ParseEncoding(%q): %v", name, err)
		}
	}
	if _, err := audio.ParseEncoding("mulaw"); !errors.Is(err, audio.ErrUnsupportedEncoding) {
		t.Errorf("ParseEncoding(mulaw) err = %v, want ErrUnsupportedEncoding", err)
	}
}

func TestResample(t *testing.T) {
	t.Parallel()
	up := audio.Resample([]int16{1000, 2000}, 16000, 48000)
	if len(up) != 6 {
		t.Fatalf("upsample len = %d, want 6", len(up))
	}
	if up[0] != 1000 {
		t.Errorf("first sample = %d, want 1000", up[0])
	}
	down := audio.Resample([]int16{100, 200, 300, 400, 500, 600}, 48000, 16000)
	if len(down) != 2 {
		t.Fatalf("downsample len = %d, want 2", len(down))
	}
	same := []int16{1, 2, 3}
	if got := audio.Resample(same, 8000, 8000); len(got) != 3 {
		t.Errorf("same-rate len = %d, want 3", len(got))
	}
}
