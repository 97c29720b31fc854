package audio

// SignalEnergy returns the mean absolute amplitude over a window of
// 2*halfWindow+1 samples centred on every sample. Positions outside the
// signal contribute zero.
func SignalEnergy(samples []float32, halfWindow int) []float32 {
	n := len(samples)
	out := make([]float32, n)
	if n == 0 {
		return out
	}
	abs := func(v float32) float64 {
		if v < 0 {
			return float64(-v)
		}
		return float64(v)
	}
	var sum float64
	for j := 0; j <= halfWindow && j < n; j++ {
		sum += abs(samples[j])
	}
	width := float64(2*halfWindow + 1)
	for i := range n {
		out[i] = float32(sum / width)
		if add := i + halfWindow + 1; add < n {
			sum += abs(samples[add])
		}
		if drop := i - halfWindow; drop >= 0 {
			sum -= abs(samples[drop])
		}
	}
	return out
}

// SamplesToCentis converts a sample index to centiseconds.
func SamplesToCentis(i int) int64 { return int64(100 * i / SampleRate) }

// CentisToSamples converts centiseconds to a sample index.
func CentisToSamples(t int64) int { return int(t * SampleRate / 100) }
