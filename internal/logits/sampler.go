// Package logits turns decoder logits into token choices.
package logits

import (
	"math"
	"math/rand"
)

// SamplerConfig configures the behaviour of a Sampler.
type SamplerConfig struct {
	Seed        int64
	Temperature float32
	// TopK restricts sampling to the k most likely tokens. Zero keeps the
	// whole vocabulary.
	TopK int
}

// Sampler draws tokens from temperature-scaled logits. It is not safe for
// concurrent use; every decoder owns its own.
type Sampler struct {
	rng    *rand.Rand
	cfg    SamplerConfig
	greedy bool
	prob   []float64
	idx    []int
}

// NewSampler returns a new sampler with the provided configuration.
func NewSampler(cfg SamplerConfig) *Sampler {
	greedy := cfg.Temperature <= 0
	if cfg.TopK < 0 {
		cfg.TopK = 0
	}
	return &Sampler{
		rng:    rand.New(rand.NewSource(cfg.Seed)),
		cfg:    cfg,
		greedy: greedy,
	}
}

// Greedy reports whether the sampler always takes the argmax.
func (s *Sampler) Greedy() bool { return s.greedy }

// Sample draws one index from logits. Entries at -Inf are never chosen.
//
//  1. A non-positive temperature returns the argmax.
//  2. Otherwise the logits are divided by the temperature and, when TopK
//     is set, cut down to the k largest.
//  3. A softmax over the survivors is sampled with one uniform draw.
func (s *Sampler) Sample(logits []float32) int {
	if s.greedy {
		return Argmax(logits)
	}

	idx := s.idx[:0]
	if s.cfg.TopK > 0 && s.cfg.TopK < len(logits) {
		idx = append(idx, TopK(logits, s.cfg.TopK)...)
	} else {
		for i := range logits {
			idx = append(idx, i)
		}
	}
	s.idx = idx

	inv := 1 / float64(s.cfg.Temperature)
	maxv := math.Inf(-1)
	for _, i := range idx {
		maxv = math.Max(maxv, float64(logits[i])*inv)
	}
	if math.IsInf(maxv, -1) {
		return Argmax(logits)
	}

	if cap(s.prob) < len(idx) {
		s.prob = make([]float64, len(idx))
	}
	prob := s.prob[:len(idx)]
	var sum float64
	for j, i := range idx {
		e := math.Exp(float64(logits[i])*inv - maxv)
		prob[j] = e
		sum += e
	}

	r := s.rng.Float64() * sum
	var c float64
	last := idx[0]
	for j, i := range idx {
		if prob[j] == 0 {
			continue
		}
		c += prob[j]
		last = i
		if r < c {
			return i
		}
	}
	return last
}

// Argmax returns the index of the largest value, preferring the lower index
// on ties. It panics on an empty slice.
func Argmax(x []float32) int {
	if len(x) == 0 {
		panic("argmax: empty slice")
	}
	bestI := 0
	bestV := x[0]
	for i := 1; i < len(x); i++ {
		if x[i] > bestV {
			bestV = x[i]
			bestI = i
		}
	}
	return bestI
}

// TopK returns the indices of the k largest values, largest first. Equal
// values keep ascending index order. This is O(V*K), fine for small k.
func TopK(x []float32, k int) []int {
	k = min(k, len(x))
	if k <= 0 {
		return nil
	}
	top := make([]int, 0, k+1)
	for i, v := range x {
		pos := len(top)
		for pos > 0 && x[top[pos-1]] < v {
			pos--
		}
		if pos >= k {
			continue
		}
		top = append(top, 0)
		copy(top[pos+1:], top[pos:])
		top[pos] = i
		if len(top) > k {
			top = top[:k]
		}
	}
	return top
}

// LogSoftmax writes log-probabilities of logits into dst, which must be at
// least as long. -Inf logits stay -Inf.
func LogSoftmax(dst, logits []float32) {
	lse := LogSumExp(logits)
	for i, v := range logits {
		dst[i] = float32(float64(v) - lse)
	}
}

// LogSumExp returns log(sum(exp(x))) computed in float64.
func LogSumExp(x []float32) float64 {
	maxv := math.Inf(-1)
	for _, v := range x {
		maxv = math.Max(maxv, float64(v))
	}
	if math.IsInf(maxv, -1) {
		return maxv
	}
	var sum float64
	for _, v := range x {
		sum += math.Exp(float64(v) - maxv)
	}
	return maxv + math.Log(sum)
}

// Softmax writes probabilities of logits into dst.
func Softmax(dst, logits []float32) {
	lse := LogSumExp(logits)
	for i, v := range logits {
		dst[i] = float32(math.Exp(float64(v) - lse))
	}
}

// Entropy is the Shannon entropy, in nats, of the empirical distribution
// of ids.
func Entropy(ids []int32) float64 {
	if len(ids) == 0 {
		return 0
	}
	counts := make(map[int32]int, len(ids))
	for _, id := range ids {
		counts[id]++
	}
	n := float64(len(ids))
	var h float64
	for _, c := range counts {
		p := float64(c) / n
		h -= p * math.Log(p)
	}
	return h
}
