package whisper

import (
	"math"

	"github.com/samcharles93/murmur/internal/logits"
)

var negInf = float32(math.Inf(-1))

func suppress(x []float32, lo, hi int) {
	lo = max(lo, 0)
	hi = min(hi, len(x))
	for i := lo; i < hi; i++ {
		x[i] = negInf
	}
}

// processLogits applies temperature and the decoding rules to d.logits and
// fills d.logprobs and d.probs. The rules, in order:
//
//   - control tokens and language tokens are never sampled
//   - with SuppressBlank, the first token may not be EOT or a bare space
//   - timestamps come in pairs: after a lone timestamp only another
//     timestamp or EOT may follow, after a pair only text
//   - timestamps never go back in time
//   - the first token is a timestamp no later than MaxInitialTS
//   - when the timestamps together outweigh every text token, a timestamp
//     is forced
func (st *State) processLogits(d *decoder, p *Params, temperature float32) {
	v := st.c.model.Vocab
	x := d.logits
	nVocab := v.NVocab
	beg := int(v.Beg)
	eot := int(v.EOT)

	if temperature > 0 {
		inv := 1 / temperature
		for i := range x {
			x[i] *= inv
		}
	}

	x[v.SOT] = negInf
	x[v.SOLM] = negInf
	x[v.Prev] = negInf
	x[v.NoSpeech] = negInf
	x[v.NoTimestamps] = negInf
	x[v.Translate] = negInf
	x[v.Transcribe] = negInf
	if v.Multilingual {
		suppress(x, int(v.SOT)+1, int(v.Translate))
	}

	tokens := d.seq.tokens
	if p.SuppressBlank && len(tokens) == 0 {
		x[eot] = negInf
		if id, ok := v.ID(" "); ok {
			x[id] = negInf
		}
	}

	if p.NoTimestamps {
		suppress(x, beg, nVocab)
	} else {
		n := len(tokens)
		lastWasTS := n > 0 && tokens[n-1].ID >= v.Beg
		penultWasTS := n < 2 || tokens[n-2].ID >= v.Beg
		if lastWasTS {
			if penultWasTS {
				suppress(x, beg, nVocab)
			} else {
				suppress(x, 0, eot)
			}
		}

		for i := n - 1; i >= 0; i-- {
			if tokens[i].ID < v.Beg {
				continue
			}
			last := int(tokens[i].ID)
			if !lastWasTS || penultWasTS {
				last++
			}
			suppress(x, beg, last)
			break
		}

		if n == 0 {
			suppress(x, 0, beg)
			if p.MaxInitialTS > 0 {
				maxID := beg + int(math.Round(float64(p.MaxInitialTS)/0.02))
				suppress(x, maxID+1, nVocab)
			}
		}
	}

	logits.LogSoftmax(d.logprobs, x)

	if !p.NoTimestamps {
		tsMass := logits.LogSumExp(d.logprobs[beg:])
		maxText := math.Inf(-1)
		for _, lp := range d.logprobs[:beg] {
			maxText = math.Max(maxText, float64(lp))
		}
		if tsMass > maxText {
			suppress(x, 0, beg)
			logits.LogSoftmax(d.logprobs, x)
		}
	}

	for i, lp := range d.logprobs {
		d.probs[i] = float32(math.Exp(float64(lp)))
	}
}

// tokenData describes token id under the current distribution of d.
func (st *State) tokenData(d *decoder, id int32) TokenData {
	v := st.c.model.Vocab
	td := TokenData{
		ID:   id,
		TID:  v.Beg,
		Text: v.Text(id),
		P:    d.probs[id],
		PLog: d.logprobs[id],
		T0:   -1,
		T1:   -1,
	}
	var sum, best float32
	for i := int(v.Beg); i < v.NVocab; i++ {
		pr := d.probs[i]
		sum += pr
		if pr > best {
			best = pr
			td.TID = int32(i)
		}
	}
	td.PT = best / (sum + 1e-10)
	td.PTSum = sum
	if id >= v.Beg {
		td.TID = id
	}
	return td
}
