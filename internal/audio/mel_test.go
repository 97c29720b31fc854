package audio

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sine(freq float64, seconds float64) []float32 {
	n := int(seconds * SampleRate)
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(0.5 * math.Sin(2*math.Pi*freq*float64(i)/SampleRate))
	}
	return out
}

func TestLogMelDeterministic(t *testing.T) {
	t.Parallel()

	filters := NewMelFilters(NMel)
	samples := sine(440, 1.3)

	a, err := LogMelSpectrogram(samples, filters, 1, false)
	require.NoError(t, err)
	b, err := LogMelSpectrogram(samples, filters, 4, false)
	require.NoError(t, err)

	require.Equal(t, len(samples)/HopLength, a.NLen)
	require.Equal(t, NMel, a.NMel)
	assert.Equal(t, a.Data, b.Data, "thread count must not change the output")
}

func TestLogMelShortInputIsPadded(t *testing.T) {
	t.Parallel()

	mel, err := LogMelSpectrogram([]float32{0.1, -0.1, 0.2}, NewMelFilters(8), 2, false)
	require.NoError(t, err)
	assert.Equal(t, 1, mel.NLen)
	assert.Len(t, mel.Data, 8)
	for _, v := range mel.Data {
		assert.False(t, math.IsNaN(float64(v)))
	}

	empty, err := LogMelSpectrogram(nil, NewMelFilters(8), 1, false)
	require.NoError(t, err)
	assert.Equal(t, 1, empty.NLen)
}

func TestLogMelNormalizedRange(t *testing.T) {
	t.Parallel()

	mel, err := LogMelSpectrogram(sine(1000, 0.5), NewMelFilters(NMel), 2, false)
	require.NoError(t, err)

	mx := float32(math.Inf(-1))
	mn := float32(math.Inf(1))
	for _, v := range mel.Data {
		mx = max(mx, v)
		mn = min(mn, v)
	}
	// values are clamped to 8 decades below the peak, then (x+4)/4
	assert.InDelta(t, 2.0, float64(mx-mn), 1e-5)
}

func TestLogMelPeakFollowsFrequency(t *testing.T) {
	t.Parallel()

	filters := NewMelFilters(NMel)
	peak := func(freq float64) int {
		mel, err := LogMelSpectrogram(sine(freq, 0.5), filters, 1, false)
		require.NoError(t, err)
		best, bestV := 0, float32(math.Inf(-1))
		frame := mel.NLen / 2
		for j := range mel.NMel {
			if v := mel.At(j, frame); v > bestV {
				best, bestV = j, v
			}
		}
		return best
	}
	low, high := peak(300), peak(3000)
	assert.Less(t, low, high)
}

func TestLogMelSpeedUpHalvesFrames(t *testing.T) {
	t.Parallel()

	samples := sine(440, 1)
	normal, err := LogMelSpectrogram(samples, NewMelFilters(NMel), 2, false)
	require.NoError(t, err)
	fast, err := LogMelSpectrogram(samples, NewMelFilters(NMel), 2, true)
	require.NoError(t, err)
	assert.Equal(t, normal.NLen/2, fast.NLen)
}

func TestNewFrontendRejectsBadFilters(t *testing.T) {
	t.Parallel()

	_, err := NewFrontend(Filters{NMel: 2, NFFT: 10, Data: make([]float32, 20)}, false)
	require.ErrorIs(t, err, ErrBadFilters)
	_, err = NewFrontend(Filters{NMel: 2, NFFT: 201, Data: make([]float32, 3)}, false)
	require.ErrorIs(t, err, ErrBadFilters)
}

func TestFFTMatchesDFT(t *testing.T) {
	t.Parallel()

	f, err := NewFrontend(NewMelFilters(4), false)
	require.NoError(t, err)
	in := make([]float64, NFFT)
	for i := range in {
		in[i] = math.Sin(float64(i)*0.37) + 0.25*math.Cos(float64(i)*1.3)
	}
	fast := make([]float64, 2*NFFT)
	slow := make([]float64, 2*NFFT)
	f.fft(in, fast, make([]float64, 8*NFFT), 1)
	f.dft(in, slow, 1)
	for i := range fast {
		require.InDelta(t, slow[i], fast[i], 1e-6, "bin %d", i/2)
	}
}

func TestSignalEnergyMatchesNaive(t *testing.T) {
	t.Parallel()

	samples := []float32{1, -2, 3, -4, 5, 0, 0.5}
	const hw = 2
	got := SignalEnergy(samples, hw)
	for i := range samples {
		var sum float64
		for j := -hw; j <= hw; j++ {
			if k := i + j; k >= 0 && k < len(samples) {
				sum += math.Abs(float64(samples[k]))
			}
		}
		assert.InDelta(t, sum/(2*hw+1), float64(got[i]), 1e-6, "index %d", i)
	}
}

func writeWAV(t *testing.T, path string, rate, chans int, data []int) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	enc := wav.NewEncoder(f, rate, 16, chans, 1)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: chans, SampleRate: rate},
		Data:           data,
		SourceBitDepth: 16,
	}
	require.NoError(t, enc.Write(buf))
	require.NoError(t, enc.Close())
	require.NoError(t, f.Close())
}

func TestReadWAV(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	mono := filepath.Join(dir, "mono.wav")
	writeWAV(t, mono, SampleRate, 1, []int{0, 16384, -16384, 32767})

	f, err := os.Open(mono)
	require.NoError(t, err)
	defer f.Close()
	got, err := ReadWAV(f)
	require.NoError(t, err)
	require.Len(t, got, 4)
	assert.InDelta(t, 0.5, got[1], 1e-6)
	assert.InDelta(t, -0.5, got[2], 1e-6)

	stereo := filepath.Join(dir, "stereo.wav")
	writeWAV(t, stereo, SampleRate, 2, []int{16384, 0, -16384, -16384})
	sf, err := os.Open(stereo)
	require.NoError(t, err)
	defer sf.Close()
	got, err = ReadWAV(sf)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{0.25, -0.5}, got, 1e-6)

	wrongRate := filepath.Join(dir, "44k.wav")
	writeWAV(t, wrongRate, 44100, 1, []int{1, 2, 3})
	wf, err := os.Open(wrongRate)
	require.NoError(t, err)
	defer wf.Close()
	_, err = ReadWAV(wf)
	require.ErrorIs(t, err, ErrUnsupportedAudio)
}

func TestDecodeF32LE(t *testing.T) {
	t.Parallel()

	_, err := DecodeF32LE([]byte{1, 2, 3})
	require.ErrorIs(t, err, ErrUnsupportedAudio)

	got, err := DecodeF32LE([]byte{0, 0, 0x80, 0x3f})
	require.NoError(t, err)
	assert.Equal(t, []float32{1}, got)
}
