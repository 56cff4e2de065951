package denoise

import (
	"math"
	"math/rand/v2"
	"testing"
)

func noiseFrame(n int, amp float64, seed uint64) []int16 {
	r := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	out := make([]int16, n)
	for i := range out {
		out[i] = int16((r.Float64()*2 - 1) * amp)
	}
	return out
}

func TestProcess_PreservesLength(t *testing.T) {
	t.Parallel()
	d := New(DefaultConfig(48000, 20))
	for i := range 10 {
		in := noiseFrame(960, 3000, uint64(i))
		out := d.Process(in)
		if len(out) != len(in) {
			t.Fatalf("frame %d: len(out) = %d, want %d", i, len(out), len(in))
		}
	}
}

func TestProcess_SizeMismatchPassesThrough(t *testing.T) {
	t.Parallel()
	d := New(DefaultConfig(48000, 20))
	in := noiseFrame(480, 3000, 1)
	out := d.Process(in)
	if &out[0] != &in[0] {
		t.Fatal("mismatched frame was not returned unchanged")
	}
	if d.primed {
		t.Fatal("mismatched frame updated the noise floor")
	}
}

func TestProcess_SilenceStaysSilent(t *testing.T) {
	t.Parallel()
	d := New(DefaultConfig(16000, 20))
	out := d.Process(make([]int16, 320))
	for i, s := range out {
		if s != 0 {
			t.Fatalf("sample %d = %d, want 0", i, s)
		}
	}
}

func TestProcess_LimiterKeepsRange(t *testing.T) {
	t.Parallel()
	d := New(DefaultConfig(16000, 20))
	in := make([]int16, 320)
	for i := range in {
		if i%2 == 0 {
			in[i] = math.MaxInt16
		} else {
			in[i] = math.MinInt16
		}
	}
	for range 5 {
		for i, s := range d.Process(in) {
			if s > 32767 || s < -32767 {
				t.Fatalf("sample %d = %d out of range", i, s)
			}
		}
	}
}

func TestFloor_ConvergesOnStationaryNoise(t *testing.T) {
	t.Parallel()
	d := New(DefaultConfig(48000, 20))
	frame := noiseFrame(960, 2000, 7)

	const warmup = 5
	prev := d.Floor()
	var deltas []float64
	for i := range 200 {
		d.Process(frame)
		cur := d.Floor()
		if i > 0 {
			var delta float64
			for k := range cur {
				delta = math.Max(delta, math.Abs(cur[k]-prev[k]))
			}
			deltas = append(deltas, delta)
		}
		prev = cur
	}

	for i := warmup + 1; i < len(deltas); i++ {
		if deltas[i] > deltas[i-1]*(1+1e-6)+1e-9 {
			t.Fatalf("floor delta grew at frame %d: %g -> %g", i, deltas[i-1], deltas[i])
		}
	}
	if last, first := deltas[len(deltas)-1], deltas[warmup]; last > first*0.05 {
		t.Fatalf("floor did not converge: first delta %g, last delta %g", first, last)
	}
}

func TestGain_NeverBelowMaxAttenuation(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig(48000, 20)
	d := New(cfg)
	minGain := cfg.MinGain()

	tests := []struct {
		name         string
		power, floor float64
	}{
		{"zero power", 0, 1000},
		{"at floor", 1000, 1000},
		{"far below floor", 1, 1e9},
		{"far above floor", 1e9, 1},
		{"zero floor", 50, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := d.gain(tt.power, tt.floor)
			if g < minGain-1e-12 {
				t.Errorf("gain = %g, want >= %g", g, minGain)
			}
			if g > 1 {
				t.Errorf("gain = %g, want <= 1", g)
			}
		})
	}
}

func energy(pcm []int16) float64 {
	var e float64
	for _, s := range pcm {
		e += float64(s) * float64(s)
	}
	return e
}

func TestProcess_AttenuationBoundedOnNoise(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		rate, ms int
		amp      float64
		frames   int
		repeat   bool
	}{
		{"48k white noise", 48000, 20, 2000, 60, false},
		{"16k white noise", 16000, 20, 2000, 60, false},
		{"48k stationary frame", 48000, 20, 2000, 60, true},
		{"16k quiet noise", 16000, 20, 200, 60, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := DefaultConfig(tt.rate, tt.ms)
			d := New(cfg)
			floor := cfg.MinGain()
			fixed := noiseFrame(cfg.FrameSize(), tt.amp, 99)
			for i := range tt.frames {
				in := fixed
				if !tt.repeat {
					in = noiseFrame(cfg.FrameSize(), tt.amp, uint64(1000+i))
				}
				ratio := energy(d.Process(in)) / energy(in)
				if ratio < floor {
					t.Fatalf("frame %d: output/input energy = %.4f, want >= %.4f", i, ratio, floor)
				}
			}
			if d.rmsFloor <= 0 {
				t.Fatalf("rms floor = %g, want > 0", d.rmsFloor)
			}
		})
	}
}

func TestMinGain(t *testing.T) {
	t.Parallel()
	got := DefaultConfig(48000, 20).MinGain()
	want := math.Pow(10, -18.0/20)
	if math.Abs(got-want) > 1e-12 {
		t.Fatalf("MinGain() = %g, want %g", got, want)
	}
}

func TestHighPass_RemovesDC(t *testing.T) {
	t.Parallel()
	hp := highPass{alpha: math.Exp(-2 * math.Pi * 120 / 16000)}
	x := make([]float64, 4000)
	for i := range x {
		x[i] = 1000
	}
	hp.apply(x)
	if math.Abs(x[len(x)-1]) > 1 {
		t.Fatalf("DC not removed: last sample %g", x[len(x)-1])
	}
}

func TestPreEmphasis_DeEmphasisRoundTrip(t *testing.T) {
	t.Parallel()
	in := []float64{1, 2, 3, -4, 5}
	x := append([]float64(nil), in...)
	pe := preEmphasis{coef: 0.97}
	pe.apply(x)
	deEmphasis(x, 0.97)
	for i := range in {
		if math.Abs(x[i]-in[i]) > 1e-9 {
			t.Fatalf("sample %d = %g, want %g", i, x[i], in[i])
		}
	}
	if pe.last != 5 {
		t.Fatalf("carry = %g, want 5", pe.last)
	}
}
