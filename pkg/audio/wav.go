package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

// wavHeader is the canonical 44-byte RIFF/WAVE header for 16-bit PCM.
type wavHeader struct {
	ChunkID       [4]byte
	ChunkSize     uint32
	Format        [4]byte
	Subchunk1ID   [4]byte
	Subchunk1Size uint32
	AudioFormat   uint16
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	Subchunk2ID   [4]byte
	Subchunk2Size uint32
}

// WriteWAV writes pcm as a mono 16-bit WAV stream to w.
func WriteWAV(w io.Writer, pcm []int16, sampleRate int) error {
	if sampleRate <= 0 {
		return fmt.Errorf("audio: write wav: sample rate must be positive, got %d", sampleRate)
	}
	dataSize := uint32(len(pcm) * 2)
	h := wavHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + dataSize,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1,
		NumChannels:   1,
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate) * 2,
		BlockAlign:    2,
		BitsPerSample: 16,
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}
	if err := binary.Write(w, binary.LittleEndian, h); err != nil {
		return fmt.Errorf("audio: write wav header: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, pcm); err != nil {
		return fmt.Errorf("audio: write wav data: %w", err)
	}
	return nil
}

// WriteTempWAV writes pcm to a new temporary WAV file in dir (the system
// default when empty) and returns its path. The caller owns the file and must
// remove it.
func WriteTempWAV(dir string, pcm []int16, sampleRate int) (string, error) {
	f, err := os.CreateTemp(dir, "turn_*.wav")
	if err != nil {
		return "", fmt.Errorf("audio: create temp wav: %w", err)
	}
	path := f.Name()
	werr := WriteWAV(f, pcm, sampleRate)
	cerr := f.Close()
	if err := errors.Join(werr, cerr); err != nil {
		_ = os.Remove(path)
		return "", err
	}
	return path, nil
}

// WAVInfo describes the format of a WAV file.
type WAVInfo struct {
	SampleRate int
	Channels   int
	Samples    int
}

// DurationMs returns the playback duration in milliseconds.
func (i WAVInfo) DurationMs() int {
	if i.SampleRate <= 0 {
		return 0
	}
	return i.Samples * 1000 / i.SampleRate
}

// ReadWAVInfo reads the header of the 16-bit PCM WAV file at path.
func ReadWAVInfo(path string) (WAVInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return WAVInfo{}, fmt.Errorf("audio: open wav: %w", err)
	}
	defer f.Close()

	var h wavHeader
	if err := binary.Read(f, binary.LittleEndian, &h); err != nil {
		return WAVInfo{}, fmt.Errorf("audio: read wav header: %w", err)
	}
	if string(h.ChunkID[:]) != "RIFF" || string(h.Format[:]) != "WAVE" {
		return WAVInfo{}, fmt.Errorf("%w: not a RIFF/WAVE file", ErrMalformedFrame)
	}
	if h.NumChannels == 0 || h.BitsPerSample == 0 {
		return WAVInfo{}, fmt.Errorf("%w: empty wav format", ErrMalformedFrame)
	}
	frame := int(h.NumChannels) * int(h.BitsPerSample) / 8
	return WAVInfo{
		SampleRate: int(h.SampleRate),
		Channels:   int(h.NumChannels),
		Samples:    int(h.Subchunk2Size) / frame,
	}, nil
}

// ReadWAV reads a 16-bit PCM WAV file written by [WriteWAV]. Multi-channel
// files are averaged to mono.
func ReadWAV(path string) ([]int16, WAVInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, WAVInfo{}, fmt.Errorf("audio: open wav: %w", err)
	}
	defer f.Close()

	var h wavHeader
	if err := binary.Read(f, binary.LittleEndian, &h); err != nil {
		return nil, WAVInfo{}, fmt.Errorf("audio: read wav header: %w", err)
	}
	if string(h.ChunkID[:]) != "RIFF" || string(h.Format[:]) != "WAVE" || h.BitsPerSample != 16 || h.NumChannels == 0 {
		return nil, WAVInfo{}, fmt.Errorf("%w: not a 16-bit PCM wav", ErrMalformedFrame)
	}
	raw := make([]int16, int(h.Subchunk2Size)/2)
	if err := binary.Read(f, binary.LittleEndian, raw); err != nil {
		return nil, WAVInfo{}, fmt.Errorf("audio: read wav data: %w", err)
	}

	ch := int(h.NumChannels)
	mono := raw
	if ch > 1 {
		mono = make([]int16, len(raw)/ch)
		for i := range mono {
			var sum int
			for c := range ch {
				sum += int(raw[i*ch+c])
			}
			mono[i] = int16(sum / ch)
		}
	}
	return mono, WAVInfo{SampleRate: int(h.SampleRate), Channels: ch, Samples: len(mono)}, nil
}
