// Package denoise implements a per-stream spectral-gate noise suppressor for
// canonical mono 16-bit frames.
//
// Each frame is high-passed and pre-emphasised, windowed and transformed,
// then every frequency bin is scaled by a soft mask derived from an
// exponentially smoothed estimate of the noise floor. The masked spectrum is
// transformed back, rescaled by the window's RMS so an unmasked frame keeps
// its energy, de-emphasised, peak limited and quantised. Latency is
// bounded by a single frame; nothing is buffered across frames except filter
// carries and floor estimates.
//
// A [Denoiser] is owned by exactly one stream and is not safe for concurrent
// use.
package denoise

import (
	"math"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/dsp/window"
)

const (
	eps     = 1e-8
	ceiling = 32767.0
)

// Config holds the tunables of a [Denoiser].
type Config struct {
	// SampleRate of the frames in Hz.
	SampleRate int

	// FrameMs is the canonical frame duration; frames of any other length are
	// passed through untouched.
	FrameMs int

	// HighPassHz is the cutoff of the one-pole high-pass filter.
	HighPassHz float64

	// PreEmphasis is the first-difference coefficient.
	PreEmphasis float64

	// RMSAlpha and PSDAlpha are the EMA smoothing factors of the scalar and
	// per-bin noise floors.
	RMSAlpha float64
	PSDAlpha float64

	// FloorBoost (> 1) scales the per-bin floor before the mask is computed.
	FloorBoost float64

	// MaskRelax (< 1) is the exponent that softens the mask.
	MaskRelax float64

	// MaxAttenDB bounds the attenuation of any bin.
	MaxAttenDB float64
}

// DefaultConfig returns the tuned defaults for the given frame geometry.
func DefaultConfig(sampleRate, frameMs int) Config {
	return Config{
		SampleRate:  sampleRate,
		FrameMs:     frameMs,
		HighPassHz:  120,
		PreEmphasis: 0.97,
		RMSAlpha:    0.95,
		PSDAlpha:    0.98,
		FloorBoost:  1.8,
		MaskRelax:   0.6,
		MaxAttenDB:  18,
	}
}

// FrameSize returns the number of samples per canonical frame.
func (c Config) FrameSize() int {
	return c.SampleRate * c.FrameMs / 1000
}

// MinGain returns the linear gain corresponding to MaxAttenDB.
func (c Config) MinGain() float64 {
	return math.Pow(10, -c.MaxAttenDB/20)
}

// highPass is a leaky integrator subtracted from the input.
type highPass struct {
	alpha float64
	xi    float64
}

func (h *highPass) apply(x []float64) {
	a := h.alpha
	xi := h.xi
	for i, v := range x {
		xi = a*xi + (1-a)*v
		x[i] = v - xi
	}
	h.xi = xi
}

// preEmphasis is a first-difference filter carrying the last input sample.
type preEmphasis struct {
	coef float64
	last float64
}

func (p *preEmphasis) apply(x []float64) {
	prev := p.last
	for i, v := range x {
		x[i] = v - p.coef*prev
		prev = v
	}
	p.last = prev
}

// deEmphasis inverts [preEmphasis]. Its state starts at zero on every frame.
func deEmphasis(x []float64, coef float64) {
	var d float64
	for i, v := range x {
		d = v + coef*d
		x[i] = d
	}
}

// Denoiser is a stateful spectral gate for one stream.
type Denoiser struct {
	cfg     Config
	n       int
	minGain float64

	hp  highPass
	pre preEmphasis

	fft    *fourier.FFT
	win    []float64
	buf    []float64
	coeffs []complex128
	psd    []float64

	// winGain undoes the mean energy loss of the analysis window.
	winGain float64

	rmsFloor float64
	psdFloor []float64
	primed   bool
}

// New creates a Denoiser for frames described by cfg.
func New(cfg Config) *Denoiser {
	n := cfg.FrameSize()
	d := &Denoiser{
		cfg:     cfg,
		n:       n,
		minGain: cfg.MinGain(),
		hp:      highPass{alpha: math.Exp(-2 * math.Pi * cfg.HighPassHz / float64(cfg.SampleRate))},
		pre:     preEmphasis{coef: cfg.PreEmphasis},
	}
	if n <= 0 {
		return d
	}
	ones := make([]float64, n)
	for i := range ones {
		ones[i] = 1
	}
	d.fft = fourier.NewFFT(n)
	d.win = window.Hann(ones)
	d.winGain = 1
	var energy float64
	for _, w := range d.win {
		energy += w * w
	}
	if energy > 0 {
		d.winGain = math.Sqrt(float64(n) / energy)
	}
	d.buf = make([]float64, n)
	d.coeffs = make([]complex128, n/2+1)
	d.psd = make([]float64, n/2+1)
	d.psdFloor = make([]float64, n/2+1)
	return d
}

// FrameSize returns the only frame length the Denoiser processes.
func (d *Denoiser) FrameSize() int { return d.n }

// Process denoises one frame. A frame whose length differs from FrameSize is
// returned unchanged and does not touch the filter state.
func (d *Denoiser) Process(frame []int16) []int16 {
	if d.n <= 0 || len(frame) != d.n {
		return frame
	}

	x := d.buf
	for i, s := range frame {
		x[i] = float64(s)
	}
	d.hp.apply(x)
	d.pre.apply(x)

	for i := range x {
		x[i] *= d.win[i]
	}
	d.fft.Coefficients(d.coeffs, x)
	for k, c := range d.coeffs {
		re, im := real(c), imag(c)
		d.psd[k] = re*re + im*im
	}

	d.updateFloors(d.psd)
	for k, c := range d.coeffs {
		d.coeffs[k] = c * complex(d.gain(d.psd[k], d.psdFloor[k]), 0)
	}

	d.fft.Sequence(x, d.coeffs)
	scale := d.winGain / float64(d.n)
	for i := range x {
		x[i] *= scale
	}
	deEmphasis(x, d.cfg.PreEmphasis)

	peak := eps
	for _, v := range x {
		peak = math.Max(peak, math.Abs(v))
	}
	limit := 1.0
	if peak > ceiling {
		limit = ceiling / peak
	}

	out := make([]int16, d.n)
	for i, v := range x {
		v *= limit
		out[i] = int16(math.Max(-ceiling, math.Min(ceiling, v)))
	}
	return out
}

// updateFloors advances both EMA floor estimates. The first frame seeds them.
func (d *Denoiser) updateFloors(psd []float64) {
	var mean float64
	for _, p := range psd {
		mean += p
	}
	mean /= float64(len(psd))
	cur := math.Sqrt(mean + eps)

	if !d.primed {
		d.rmsFloor = cur
		copy(d.psdFloor, psd)
		d.primed = true
		return
	}
	ar, ap := d.cfg.RMSAlpha, d.cfg.PSDAlpha
	d.rmsFloor = ar*d.rmsFloor + (1-ar)*cur
	for k, p := range psd {
		d.psdFloor[k] = ap*d.psdFloor[k] + (1-ap)*p
	}
}

// gain returns the soft mask value for one bin.
func (d *Denoiser) gain(power, floor float64) float64 {
	boosted := d.cfg.FloorBoost * (floor + eps)
	ratio := power / (boosted + eps)
	m := math.Pow(ratio/(ratio+1), d.cfg.MaskRelax)
	return math.Max(m, d.minGain)
}

// Floor returns a copy of the per-bin noise floor estimate.
func (d *Denoiser) Floor() []float64 {
	out := make([]float64, len(d.psdFloor))
	copy(out, d.psdFloor)
	return out
}
