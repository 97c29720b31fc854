// Package audio turns PCM samples into the log-mel features the encoder
// consumes.
package audio

import (
	"errors"
	"fmt"
	"math"
	"sync"
)

const (
	SampleRate   = 16000
	NFFT         = 400
	HopLength    = 160
	ChunkSeconds = 30
	NMel         = 80
)

var ErrBadFilters = errors.New("audio: invalid mel filterbank")

// Filters is a row-major [NMel][NFFT] filterbank over 1+NFFT/2 power bins.
type Filters struct {
	NMel int
	NFFT int
	Data []float32
}

func (f Filters) validate() error {
	if f.NMel <= 0 || f.NFFT <= 0 || len(f.Data) != f.NMel*f.NFFT {
		return fmt.Errorf("%w: %dx%d with %d values", ErrBadFilters, f.NMel, f.NFFT, len(f.Data))
	}
	return nil
}

// Mel is a log-mel spectrogram. Data is laid out [NMel][NLen], one
// contiguous row of frames per mel bin.
type Mel struct {
	NMel int
	NLen int
	Data []float32
}

// At returns bin j of frame i, or 0 past the end.
func (m *Mel) At(j, i int) float32 {
	if i < 0 || i >= m.NLen {
		return 0
	}
	return m.Data[j*m.NLen+i]
}

// Seconds returns the audio duration the spectrogram covers.
func (m *Mel) Seconds() float64 {
	return float64(m.NLen*HopLength) / SampleRate
}

// Frontend holds the window, FFT tables and filterbank for one model.
// It is immutable and safe for concurrent use.
type Frontend struct {
	filters  Filters
	fftSize  int
	hop      int
	nBins    int
	speedUp  bool
	hann     []float64
	cos, sin []float64
}

// NewFrontend prepares a frontend. With speedUp the FFT size and hop are
// doubled and adjacent bins averaged, producing half as many frames.
func NewFrontend(filters Filters, speedUp bool) (*Frontend, error) {
	if err := filters.validate(); err != nil {
		return nil, err
	}
	f := &Frontend{filters: filters, fftSize: NFFT, hop: HopLength, speedUp: speedUp}
	if speedUp {
		f.fftSize *= 2
		f.hop *= 2
	}
	f.nBins = 1 + NFFT/2
	if filters.NFFT != f.nBins {
		return nil, fmt.Errorf("%w: %d bins, want %d", ErrBadFilters, filters.NFFT, f.nBins)
	}
	n := f.fftSize
	f.hann = make([]float64, n)
	f.cos = make([]float64, n)
	f.sin = make([]float64, n)
	for i := range n {
		theta := 2 * math.Pi * float64(i) / float64(n)
		f.hann[i] = 0.5 * (1 - math.Cos(theta))
		f.cos[i] = math.Cos(theta)
		f.sin[i] = math.Sin(theta)
	}
	return f, nil
}

// LogMelSpectrogram is a one-shot NewFrontend plus Compute.
func LogMelSpectrogram(samples []float32, filters Filters, nThreads int, speedUp bool) (*Mel, error) {
	f, err := NewFrontend(filters, speedUp)
	if err != nil {
		return nil, err
	}
	return f.Compute(samples, nThreads), nil
}

// Compute returns the normalized log-mel spectrogram of samples. Frames
// are split across nThreads goroutines. Input shorter than one hop still
// yields one zero-padded frame. The result depends only on samples.
func (f *Frontend) Compute(samples []float32, nThreads int) *Mel {
	nLen := max(1, len(samples)/f.hop)
	mel := &Mel{NMel: f.filters.NMel, NLen: nLen, Data: make([]float32, f.filters.NMel*nLen)}
	nThreads = max(1, min(nThreads, nLen))

	var wg sync.WaitGroup
	for ith := range nThreads {
		wg.Go(func() {
			f.frames(samples, mel, ith, nThreads)
		})
	}
	wg.Wait()

	mmax := float32(math.Inf(-1))
	for _, v := range mel.Data {
		mmax = max(mmax, v)
	}
	floor := mmax - 8
	for i, v := range mel.Data {
		mel.Data[i] = (max(v, floor) + 4) / 4
	}
	return mel
}

func (f *Frontend) frames(samples []float32, mel *Mel, ith, stride int) {
	n := f.fftSize
	in := make([]float64, n)
	out := make([]float64, 2*n)
	scratch := make([]float64, 8*n)
	power := make([]float64, n)
	filt := f.filters

	for i := ith; i < mel.NLen; i += stride {
		off := i * f.hop
		for j := range n {
			if off+j < len(samples) {
				in[j] = f.hann[j] * float64(samples[off+j])
			} else {
				in[j] = 0
			}
		}

		f.fft(in, out, scratch, 1)
		for j := range n {
			power[j] = out[2*j]*out[2*j] + out[2*j+1]*out[2*j+1]
		}
		for j := 1; j < n/2; j++ {
			power[j] += power[n-j]
		}
		if f.speedUp {
			for j := range f.nBins {
				power[j] = 0.5 * (power[2*j] + power[2*j+1])
			}
		}

		for j := range filt.NMel {
			row := filt.Data[j*filt.NFFT : (j+1)*filt.NFFT]
			var sum float64
			for k, w := range row {
				sum += power[k] * float64(w)
			}
			sum = max(sum, 1e-10)
			mel.Data[j*mel.NLen+i] = float32(math.Log10(sum))
		}
	}
}

// fft is a recursive radix-2 transform of real input into interleaved
// complex output, falling back to a direct DFT for odd lengths. step maps
// the sub-transform length onto the full-size twiddle tables.
func (f *Frontend) fft(in, out, scratch []float64, step int) {
	n := len(in)
	if n == 1 {
		out[0], out[1] = in[0], 0
		return
	}
	if n%2 == 1 {
		f.dft(in, out, step)
		return
	}
	half := n / 2
	even, odd := scratch[:half], scratch[half:n]
	evenOut, oddOut := scratch[n:2*n], scratch[2*n:3*n]
	rest := scratch[3*n:]
	for i := range half {
		even[i] = in[2*i]
		odd[i] = in[2*i+1]
	}
	f.fft(even, evenOut, rest, step*2)
	f.fft(odd, oddOut, rest, step*2)

	for k := range half {
		re, im := f.cos[k*step], -f.sin[k*step]
		reOdd, imOdd := oddOut[2*k], oddOut[2*k+1]
		out[2*k] = evenOut[2*k] + re*reOdd - im*imOdd
		out[2*k+1] = evenOut[2*k+1] + re*imOdd + im*reOdd
		out[2*(k+half)] = evenOut[2*k] - re*reOdd + im*imOdd
		out[2*(k+half)+1] = evenOut[2*k+1] - re*imOdd - im*reOdd
	}
}

func (f *Frontend) dft(in, out []float64, step int) {
	n := len(in)
	for k := range n {
		var re, im float64
		for m, v := range in {
			idx := (k * m % n) * step
			re += v * f.cos[idx]
			im -= v * f.sin[idx]
		}
		out[2*k] = re
		out[2*k+1] = im
	}
}
