package whisper

import (
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/samcharles93/murmur/internal/logits"
	"github.com/samcharles93/murmur/internal/tensor"
)

// sequence is one decoding hypothesis.
type sequence struct {
	tokens []TokenData
	// resultLen is the number of tokens kept when the window is closed.
	resultLen     int
	sumLogprobAll float64
	sumLogprob    float64
	avgLogprob    float64
	entropy       float64
	score         float64
}

func (s *sequence) clone() sequence {
	c := *s
	c.tokens = slices.Clone(s.tokens)
	return c
}

// decoder owns a self-attention cache and the running hypothesis.
type decoder struct {
	selfK, selfV []*tensor.Tensor
	nPast        int

	seq       sequence
	seekDelta int
	hasTS     bool
	failed    bool
	completed bool

	logits   []float32
	logprobs []float32
	probs    []float32

	sampler *logits.Sampler
}

func (d *decoder) active() bool { return !d.failed && !d.completed }

func (st *State) newDecoder() *decoder {
	hp := st.c.model.HParams
	d := &decoder{
		selfK:    make([]*tensor.Tensor, hp.NTextLayer),
		selfV:    make([]*tensor.Tensor, hp.NTextLayer),
		logits:   make([]float32, hp.NVocab),
		logprobs: make([]float32, hp.NVocab),
		probs:    make([]float32, hp.NVocab),
	}
	for i := range d.selfK {
		d.selfK[i] = tensor.New(fmt.Sprintf("self_k.%d", i), hp.NTextState, hp.NTextCtx)
		d.selfV[i] = tensor.New(fmt.Sprintf("self_v.%d", i), hp.NTextState, hp.NTextCtx)
	}
	return d
}

// ensureDecoders grows the decoder pool to n.
func (st *State) ensureDecoders(n int) {
	for len(st.decoders) < n {
		st.decoders = append(st.decoders, st.newDecoder())
	}
}

// reset clears the hypothesis for a new window attempt.
func (d *decoder) reset(window int) {
	d.seq = sequence{tokens: d.seq.tokens[:0]}
	d.seekDelta = window
	d.hasTS = false
	d.failed = false
	d.completed = false
}

// copyCache copies the first n cached positions of src into d.
func (d *decoder) copyCache(src *decoder, n int) {
	for i := range d.selfK {
		w := d.selfK[i].Ne[0] * n
		copy(d.selfK[i].Data[:w], src.selfK[i].Data[:w])
		copy(d.selfV[i].Data[:w], src.selfV[i].Data[:w])
	}
	d.nPast = n
}

// snapshot appends the first n cached positions of d to buf.
func (d *decoder) snapshot(buf []float32, n int) []float32 {
	buf = buf[:0]
	for i := range d.selfK {
		w := d.selfK[i].Ne[0] * n
		buf = append(buf, d.selfK[i].Data[:w]...)
		buf = append(buf, d.selfV[i].Data[:w]...)
	}
	return buf
}

func (d *decoder) restore(buf []float32, n int) {
	off := 0
	for i := range d.selfK {
		w := d.selfK[i].Ne[0] * n
		copy(d.selfK[i].Data[:w], buf[off:off+w])
		off += w
		copy(d.selfV[i].Data[:w], buf[off:off+w])
		off += w
	}
	d.nPast = n
}

// forward feeds tokens to d at its current position and leaves the logits
// of the last one in d.logits.
func (st *State) forward(d *decoder, tokens []int32) error {
	start := time.Now()
	m := st.c.model
	hp := m.HParams
	dec := &m.Decoder
	n := len(tokens)
	if n == 0 {
		return fmt.Errorf("%w: empty decoder input", ErrInvalidArgument)
	}
	if d.nPast+n > hp.NTextCtx {
		return fmt.Errorf("%w: %d tokens at position %d exceed text context %d", ErrInvalidArgument, n, d.nPast, hp.NTextCtx)
	}

	g := tensor.NewGraph()
	ids := tensor.NewInts("tokens", n)
	copy(ids.Ints, tokens)

	x := g.Add(g.GetRows(dec.TokenEmb, ids), g.Rows(dec.PosEmb, d.nPast, n))
	scale := float32(1 / math.Sqrt(float64(hp.NTextState/hp.NTextHead)))
	for i := range dec.Layers {
		l := &dec.Layers[i]

		a := &l.Attn
		h := layerNorm(g, x, a.LnW, a.LnB)
		q := linear(g, a.Q, a.QB, h)
		k := g.StoreRows(d.selfK[i], linear(g, a.K, nil, h), d.nPast)
		v := g.StoreRows(d.selfV[i], linear(g, a.V, a.VB, h), d.nPast)
		h = g.Attention(q, k, v, hp.NTextHead, d.nPast, true, scale)
		x = g.Add(x, linear(g, a.O, a.OB, h))

		c := &l.Cross
		h = layerNorm(g, x, c.LnW, c.LnB)
		q = linear(g, c.Q, c.QB, h)
		h = g.Attention(q, st.crossK[i], st.crossV[i], hp.NTextHead, 0, false, scale)
		x = g.Add(x, linear(g, c.O, c.OB, h))

		x = mlp(g, &l.MLP, x)
	}
	x = layerNorm(g, x, dec.LnW, dec.LnB)
	out := g.MulMat(dec.TokenEmb, g.Rows(x, n-1, 1))
	g.Output(out)

	if err := tensor.Run(g, &st.arena, st.be); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	copy(d.logits, out.Data)
	d.nPast += n
	st.timings.Decode += time.Since(start)
	st.timings.NDecode++
	return nil
}
