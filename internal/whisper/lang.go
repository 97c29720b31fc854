package whisper

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/samcharles93/murmur/internal/logits"
	"github.com/samcharles93/murmur/internal/model"
)

// LangProb is the detection probability of one language.
type LangProb struct {
	ID   int
	Code string
	Prob float32
}

// DetectLanguage encodes the window at p.OffsetMS and ranks every language
// by the probability of its token following SOT, most likely first.
func (c *Context) DetectLanguage(ctx context.Context, st *State, samples []float32, p Params) ([]LangProb, error) {
	if err := c.checkState(st); err != nil {
		return nil, err
	}
	if !c.model.Multilingual {
		return nil, fmt.Errorf("%w: model is not multilingual", ErrInvalidArgument)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	nCtx, err := c.audioCtx(&p)
	if err != nil {
		return nil, err
	}
	if err := st.ensureBackend(p.Threads); err != nil {
		return nil, err
	}
	st.computeMel(samples, &p)
	seek := p.OffsetMS / 10
	if p.SpeedUp {
		seek /= 2
	}
	return st.detectLanguage(ctx, &p, seek, nCtx)
}

func (st *State) detectLanguage(ctx context.Context, p *Params, seek, nCtx int) ([]LangProb, error) {
	if seek >= st.mel.NLen {
		return nil, fmt.Errorf("%w: offset frame %d beyond %d frames", ErrInvalidArgument, seek, st.mel.NLen)
	}
	if shouldAbort(ctx, p) {
		return nil, ErrAborted
	}
	if err := st.encode(seek, nCtx); err != nil {
		return nil, err
	}
	st.ensureDecoders(1)
	d := st.decoders[0]
	d.nPast = 0
	v := st.c.model.Vocab
	if err := st.forward(d, []int32{v.SOT}); err != nil {
		return nil, err
	}

	n := model.MaxLangID() + 1
	scores := make([]float32, n)
	for i := range scores {
		scores[i] = d.logits[v.Lang(i)]
	}
	probs := make([]float32, n)
	logits.Softmax(probs, scores)

	out := make([]LangProb, n)
	for i, pr := range probs {
		if math.IsNaN(float64(pr)) {
			return nil, errors.New("language detection produced NaN probabilities")
		}
		out[i] = LangProb{ID: i, Code: model.LangCode(i), Prob: pr}
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].Prob > out[b].Prob })
	return out, nil
}
