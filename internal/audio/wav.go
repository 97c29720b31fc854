package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/go-audio/wav"
)

var ErrUnsupportedAudio = errors.New("audio: unsupported input")

// ReadWAV decodes a 16 kHz PCM WAV stream into mono float32 samples in
// [-1, 1). Stereo input is averaged down to one channel.
func ReadWAV(r io.ReadSeeker) ([]float32, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("%w: not a PCM WAV file", ErrUnsupportedAudio)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("decode wav: %w", err)
	}
	if dec.SampleRate != SampleRate {
		return nil, fmt.Errorf("%w: sample rate %d, want %d", ErrUnsupportedAudio, dec.SampleRate, SampleRate)
	}
	chans := int(dec.NumChans)
	if chans != 1 && chans != 2 {
		return nil, fmt.Errorf("%w: %d channels", ErrUnsupportedAudio, chans)
	}
	depth := buf.SourceBitDepth
	if depth == 0 {
		depth = int(dec.BitDepth)
	}
	if depth < 8 || depth > 32 {
		return nil, fmt.Errorf("%w: bit depth %d", ErrUnsupportedAudio, depth)
	}
	scale := 1 / float32(uint64(1)<<(depth-1))
	if depth == 8 {
		// 8-bit WAV is unsigned
		for i := range buf.Data {
			buf.Data[i] -= 128
		}
	}

	out := make([]float32, len(buf.Data)/chans)
	for i := range out {
		var s float32
		for c := range chans {
			s += float32(buf.Data[i*chans+c])
		}
		out[i] = s / float32(chans) * scale
	}
	return out, nil
}

// DecodeF32LE interprets raw little-endian float32 PCM.
func DecodeF32LE(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not whole float32 samples", ErrUnsupportedAudio, len(b))
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return out, nil
}
