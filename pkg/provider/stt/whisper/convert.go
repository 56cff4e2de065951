package whisper

// pcmToFloat32 converts 16-bit samples to float32 in [-1.0, 1.0).
func pcmToFloat32(pcm []int16) []float32 {
	out := make([]float32, len(pcm))
	for i, s := range pcm {
		out[i] = float32(s) / 32768.0
	}
	return out
}
