package whisper

import (
	"context"
	"math"
	"slices"
	"sort"
	"time"

	"github.com/samcharles93/murmur/internal/logits"
)

// entropyWindow is the number of trailing tokens checked for repetition.
const entropyWindow = 32

// windowResult is the outcome of decoding one window at one temperature.
type windowResult struct {
	tokens       []TokenData
	seekDelta    int
	failed       bool
	avgLogprob   float64
	noSpeechProb float32
	temperature  float32
}

// prepareSamplers gives every decoder a sampler seeded from p.Seed.
func (st *State) prepareSamplers(p *Params) {
	st.ensureDecoders(max(p.BestOf, p.BeamSize, 1))
	for j, d := range st.decoders {
		d.sampler = logits.NewSampler(logits.SamplerConfig{Seed: p.Seed + int64(j), Temperature: 1})
	}
}

func (p *Params) decoderCount(temp float32) int {
	switch {
	case temp > 0:
		return p.BestOf
	case p.Strategy == BeamSearch:
		return p.BeamSize
	}
	return 1
}

// decodeWindow runs the decoders over the encoded window starting at seek.
func (st *State) decodeWindow(ctx context.Context, p *Params, prompt []int32, seek, seekEnd, window int, temp float32) (windowResult, error) {
	hp := st.c.model.HParams
	v := st.c.model.Vocab
	wr := windowResult{temperature: temp, failed: true}

	decs := st.decoders[:p.decoderCount(temp)]
	beam := temp == 0 && p.Strategy == BeamSearch && len(decs) > 1
	for _, d := range decs {
		d.reset(window)
	}

	d0 := decs[0]
	d0.nPast = 0
	if err := st.forward(d0, prompt); err != nil {
		return wr, err
	}
	logits.Softmax(d0.probs, d0.logits)
	wr.noSpeechProb = d0.probs[v.NoSpeech]
	for _, d := range decs[1:] {
		d.copyCache(d0, d0.nPast)
		copy(d.logits, d0.logits)
	}

	nMax := hp.NTextCtx/2 - 4
	for i := 0; i < nMax; i++ {
		if shouldAbort(ctx, p) {
			return wr, ErrAborted
		}
		start := time.Now()
		if beam {
			st.beamStep(decs, p, i)
		} else {
			for _, d := range decs {
				if !d.active() {
					continue
				}
				st.processLogits(d, p, temp)
				var id int
				if temp > 0 {
					id = d.sampler.Sample(d.logprobs)
				} else {
					id = logits.Argmax(d.logprobs)
				}
				td := st.tokenData(d, int32(id))
				d.seq.tokens = append(d.seq.tokens, td)
				d.seq.sumLogprobAll += float64(td.PLog)
			}
		}

		done := true
		for _, d := range decs {
			if d.active() {
				st.advance(d, p, i, nMax, seek, seekEnd, window)
			}
			done = done && !d.active()
		}
		st.timings.Sample += time.Since(start)
		st.timings.NSample++
		if done || i == nMax-1 {
			break
		}

		for _, d := range decs {
			if !d.active() {
				continue
			}
			last := d.seq.tokens[len(d.seq.tokens)-1].ID
			if err := st.forward(d, []int32{last}); err != nil {
				return wr, err
			}
		}
	}

	best := -1
	for j, d := range decs {
		if d.failed {
			continue
		}
		st.finalize(d, p)
		if d.failed {
			continue
		}
		if best < 0 || d.seq.score > decs[best].seq.score {
			best = j
		}
	}
	if best < 0 {
		return wr, nil
	}
	d := decs[best]
	wr.failed = false
	wr.tokens = slices.Clone(d.seq.tokens[:d.seq.resultLen])
	wr.seekDelta = d.seekDelta
	wr.avgLogprob = d.seq.avgLogprob
	st.log.Debug("window decoded", "seek", seek, "decoder", best, "temperature", temp,
		"tokens", len(wr.tokens), "avg_logprob", wr.avgLogprob, "no_speech", wr.noSpeechProb)
	return wr, nil
}

// advance applies the stopping rules after d picked the token of step i.
func (st *State) advance(d *decoder, p *Params, i, nMax, seek, seekEnd, window int) {
	v := st.c.model.Vocab
	tok := d.seq.tokens[len(d.seq.tokens)-1]

	if tok.ID > v.Beg {
		delta := int(v.TimestampCentis(tok.ID))
		// Timestamps never go back in time.
		if d.hasTS && d.seekDelta > delta && d.seq.resultLen < i {
			d.failed = true
			return
		}
		d.seekDelta = delta
		d.seq.resultLen = i + 1
		d.hasTS = true
	}

	if tok.ID == v.EOT ||
		(p.MaxTokens > 0 && i >= p.MaxTokens) ||
		(d.hasTS && seek+d.seekDelta+100 >= seekEnd) {
		if d.seq.resultLen == 0 && !p.NoTimestamps {
			if seek+d.seekDelta+100 >= seekEnd {
				d.seq.resultLen = i + 1
			} else {
				d.failed = true
				return
			}
		}
		if p.SingleSegment || p.NoTimestamps {
			d.seq.resultLen = i + 1
			d.seekDelta = window
		}
		d.completed = true
		return
	}

	if i == nMax-1 && (d.seq.resultLen == 0 || d.seekDelta < window/2) {
		d.failed = true
	}
}

// finalize scores the kept part of d's hypothesis.
func (st *State) finalize(d *decoder, p *Params) {
	seq := &d.seq
	if seq.resultLen == 0 {
		d.failed = true
		return
	}
	seq.tokens = seq.tokens[:seq.resultLen]
	seq.sumLogprob = 0
	for _, t := range seq.tokens {
		seq.sumLogprob += float64(t.PLog)
	}
	n := float64(seq.resultLen)
	seq.avgLogprob = seq.sumLogprob / n

	tail := seq.tokens[max(0, len(seq.tokens)-entropyWindow):]
	ids := make([]int32, len(tail))
	for i, t := range tail {
		ids[i] = t.ID
	}
	seq.entropy = logits.Entropy(ids)
	if seq.resultLen > entropyWindow && seq.entropy < float64(p.EntropyThold) {
		st.log.Debug("decoder repeats itself", "entropy", seq.entropy, "threshold", p.EntropyThold)
		d.failed = true
		return
	}

	penalty := n
	if p.LengthPenalty > 0 {
		penalty = math.Pow((5+n)/6, float64(p.LengthPenalty))
	}
	seq.score = seq.sumLogprob / penalty
}

type beamCandidate struct {
	parent    int
	seq       sequence
	seekDelta int
	hasTS     bool
}

// beamStep extends every active hypothesis by its BeamSize best tokens and
// keeps the best candidates overall. Equal scores keep the lower parent.
func (st *State) beamStep(decs []*decoder, p *Params, i int) {
	var cands []beamCandidate
	for j, d := range decs {
		if !d.active() {
			continue
		}
		st.processLogits(d, p, 0)
		// Every decoder starts from the same prompt.
		if i == 0 && j > 0 {
			continue
		}
		for _, id := range logits.TopK(d.logprobs, p.BeamSize) {
			if math.IsInf(float64(d.logprobs[id]), -1) {
				continue
			}
			td := st.tokenData(d, int32(id))
			seq := d.seq.clone()
			seq.tokens = append(seq.tokens, td)
			seq.sumLogprobAll += float64(td.PLog)
			cands = append(cands, beamCandidate{parent: j, seq: seq, seekDelta: d.seekDelta, hasTS: d.hasTS})
		}
	}
	sort.SliceStable(cands, func(a, b int) bool {
		return cands[a].seq.sumLogprobAll > cands[b].seq.sumLogprobAll
	})

	assign := make([]int, len(decs))
	ci := 0
	for j, d := range decs {
		assign[j] = -1
		if d.active() && ci < len(cands) {
			assign[j] = ci
			ci++
		}
	}

	// Caches that another decoder inherits are saved before any is
	// overwritten.
	if len(st.kvSnap) < len(decs) {
		st.kvSnap = append(st.kvSnap, make([][]float32, len(decs)-len(st.kvSnap))...)
	}
	nPast := make([]int, len(decs))
	saved := make([]bool, len(decs))
	for j, c := range assign {
		if c < 0 {
			continue
		}
		parent := cands[c].parent
		if parent != j && !saved[parent] {
			pd := decs[parent]
			st.kvSnap[parent] = pd.snapshot(st.kvSnap[parent], pd.nPast)
			nPast[parent] = pd.nPast
			saved[parent] = true
		}
	}

	for j, d := range decs {
		if !d.active() {
			continue
		}
		c := assign[j]
		if c < 0 {
			d.failed = true
			continue
		}
		cand := &cands[c]
		if cand.parent != j {
			d.restore(st.kvSnap[cand.parent], nPast[cand.parent])
		}
		d.seq = cand.seq
		d.seekDelta = cand.seekDelta
		d.hasTS = cand.hasTS
	}
}
