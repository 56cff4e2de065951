package audio

import (
	"fmt"

	"layeh.com/gopus"
)

// maxOpusFrameMs is the longest Opus packet duration (120 ms).
const maxOpusFrameMs = 120

// OpusDecoder decodes Opus packets from a single stream into raw 16-bit
// frames. Each stream needs its own decoder since Opus decoding is stateful.
type OpusDecoder struct {
	dec        *gopus.Decoder
	sampleRate int
	channels   int
}

// NewOpusDecoder creates a decoder producing sampleRate PCM with the given
// channel count. Opus supports 8, 12, 16, 24 and 48 kHz.
func NewOpusDecoder(sampleRate, channels int) (*OpusDecoder, error) {
	dec, err := gopus.NewDecoder(sampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus decoder: %w", err)
	}
	return &OpusDecoder{dec: dec, sampleRate: sampleRate, channels: channels}, nil
}

// Decode decodes one Opus packet into an interleaved S16LE [RawFrame].
func (d *OpusDecoder) Decode(packet []byte, index uint64) (RawFrame, error) {
	pcm, err := d.dec.Decode(packet, d.sampleRate*maxOpusFrameMs/1000, false)
	if err != nil {
		return RawFrame{}, fmt.Errorf("audio: opus decode: %w", err)
	}
	return RawFrame{
		Data:       SamplesToBytes(pcm),
		SampleRate: d.sampleRate,
		Channels:   d.channels,
		Encoding:   S16LE,
		Layout:     Interleaved,
		Index:      index,
	}, nil
}
