package wsingest

import (
	"errors"
	"fmt"
	"strings"

	"github.com/MrWong99/turnstile/pkg/audio"
)

// maxChannels bounds the channel count a client may announce.
const maxChannels = 8

// encodingOpus is the hello encoding for Opus packets.
const encodingOpus = "opus"

// Hello is the first message of a stream. It describes the binary frames
// that follow.
type Hello struct {
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	Encoding   string `json:"encoding"`
	Layout     string `json:"layout"`
	SessionID  string `json:"session_id,omitempty"`
}

// format is a validated [Hello].
type format struct {
	sampleRate int
	channels   int
	encoding   audio.Encoding
	layout     audio.Layout
	opus       bool
}

// parse validates h. Channels default to 1 and the layout to interleaved.
func (h Hello) parse() (format, error) {
	f := format{sampleRate: h.SampleRate, channels: h.Channels}
	var errs []error

	if f.sampleRate <= 0 {
		errs = append(errs, fmt.Errorf("sample_rate must be positive, got %d", h.SampleRate))
	}
	if f.channels == 0 {
		f.channels = 1
	}
	if f.channels < 0 || f.channels > maxChannels {
		errs = append(errs, fmt.Errorf("channels must be between 1 and %d, got %d", maxChannels, h.Channels))
	}

	switch layout := strings.ToLower(strings.TrimSpace(h.Layout)); layout {
	case "", "interleaved":
		f.layout = audio.Interleaved
	case "planar":
		f.layout = audio.Planar
	default:
		errs = append(errs, fmt.Errorf("unknown layout %q", h.Layout))
	}

	if strings.EqualFold(strings.TrimSpace(h.Encoding), encodingOpus) {
		f.opus = true
		f.encoding = audio.S16LE
	} else {
		enc, err := audio.ParseEncoding(h.Encoding)
		if err != nil {
			errs = append(errs, err)
		}
		f.encoding = enc
	}

	if err := errors.Join(errs...); err != nil {
		return format{}, fmt.Errorf("wsingest: invalid hello: %w", err)
	}
	return f, nil
}

// raw wraps one binary message in a [audio.RawFrame].
func (f format) raw(data []byte, index uint64) audio.RawFrame {
	return audio.RawFrame{
		Data:       data,
		SampleRate: f.sampleRate,
		Channels:   f.channels,
		Encoding:   f.encoding,
		Layout:     f.layout,
		Index:      index,
	}
}
