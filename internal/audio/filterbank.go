package audio

import "math"

// NewMelFilters builds a triangular filterbank of nMel bands over the
// 1+NFFT/2 power bins, spaced evenly on the mel scale up to Nyquist.
// Converted models ship their own filterbank; this one serves synthetic
// models and tools.
func NewMelFilters(nMel int) Filters {
	nBins := NFFT/2 + 1
	hzToMel := func(f float64) float64 { return 2595 * math.Log10(1+f/700) }
	melToHz := func(m float64) float64 { return 700 * (math.Pow(10, m/2595) - 1) }

	hi := hzToMel(SampleRate / 2)
	bins := make([]int, nMel+2)
	for i := range bins {
		hz := melToHz(float64(i) * hi / float64(nMel+1))
		bins[i] = min(nBins-1, int(math.Floor((NFFT+1)*hz/SampleRate+0.5)))
	}

	f := Filters{NMel: nMel, NFFT: nBins, Data: make([]float32, nMel*nBins)}
	for m := range nMel {
		row := f.Data[m*nBins : (m+1)*nBins]
		start, center, end := bins[m], bins[m+1], bins[m+2]
		for b := start; b < center; b++ {
			row[b] = float32(b-start) / float32(center-start)
		}
		for b := center; b <= end; b++ {
			if end != center {
				row[b] = float32(end-b) / float32(end-center)
			}
		}
	}
	return f
}
