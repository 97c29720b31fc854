package whisper

import (
	"fmt"
	"math"
	"time"

	"github.com/samcharles93/murmur/internal/model"
	"github.com/samcharles93/murmur/internal/tensor"
)

const lnEps = 1e-5

// encoderGraph is built once per audio context and rerun for every window.
type encoderGraph struct {
	nCtx int
	g    *tensor.Graph
	plan *tensor.Plan
	mel  *tensor.Tensor
}

func layerNorm(g *tensor.Graph, x, w, b *tensor.Tensor) *tensor.Tensor {
	return g.Add(g.Mul(g.Norm(x, lnEps), w), b)
}

func linear(g *tensor.Graph, w, b, x *tensor.Tensor) *tensor.Tensor {
	y := g.MulMat(w, x)
	if b != nil {
		y = g.Add(y, b)
	}
	return y
}

func mlp(g *tensor.Graph, f *model.MLPWeights, x *tensor.Tensor) *tensor.Tensor {
	h := layerNorm(g, x, f.LnW, f.LnB)
	h = g.GELU(linear(g, f.Up, f.UpB, h))
	return g.Add(x, linear(g, f.Down, f.DownB, h))
}

func (st *State) buildEncoder(nCtx int) (*encoderGraph, error) {
	m := st.c.model
	hp := m.HParams
	e := &m.Encoder
	s := hp.NAudioState

	if len(st.crossK) != hp.NTextLayer || st.crossK[0].Ne[1] != nCtx {
		st.crossK = make([]*tensor.Tensor, hp.NTextLayer)
		st.crossV = make([]*tensor.Tensor, hp.NTextLayer)
		for i := range st.crossK {
			st.crossK[i] = tensor.New(fmt.Sprintf("cross_k.%d", i), s, nCtx)
			st.crossV[i] = tensor.New(fmt.Sprintf("cross_v.%d", i), s, nCtx)
		}
	}

	g := tensor.NewGraph()
	mel := tensor.New("mel", 2*nCtx, hp.NMels)

	x := g.GELU(g.Conv1D(e.Conv1W, mel, e.Conv1B, 1, 1))
	x = g.GELU(g.Conv1D(e.Conv2W, x, e.Conv2B, 2, 1))
	x = g.Transpose(x)
	pos := e.PosEmb
	if nCtx < hp.NAudioCtx {
		pos = g.Rows(pos, 0, nCtx)
	}
	x = g.Add(x, pos)

	scale := float32(1 / math.Sqrt(float64(s/hp.NAudioHead)))
	for i := range e.Layers {
		a := &e.Layers[i].Attn
		h := layerNorm(g, x, a.LnW, a.LnB)
		q := linear(g, a.Q, a.QB, h)
		k := linear(g, a.K, nil, h)
		v := linear(g, a.V, a.VB, h)
		h = g.Attention(q, k, v, hp.NAudioHead, 0, false, scale)
		x = g.Add(x, linear(g, a.O, a.OB, h))
		x = mlp(g, &e.Layers[i].MLP, x)
	}
	x = layerNorm(g, x, e.LnW, e.LnB)

	outs := make([]*tensor.Tensor, 0, 2*hp.NTextLayer)
	for i := range m.Decoder.Layers {
		c := &m.Decoder.Layers[i].Cross
		k := g.StoreRows(st.crossK[i], g.MulMat(c.K, x), 0)
		v := g.StoreRows(st.crossV[i], linear(g, c.V, c.VB, x), 0)
		outs = append(outs, k, v)
	}
	g.Output(outs...)

	if err := tensor.Prepare(g, st.be); err != nil {
		return nil, fmt.Errorf("encoder graph: %w", err)
	}
	plan, err := tensor.NewPlan(g)
	if err != nil {
		return nil, fmt.Errorf("encoder graph: %w", err)
	}
	return &encoderGraph{nCtx: nCtx, g: g, plan: plan, mel: mel}, nil
}

// encode runs the encoder over the window starting at mel frame seek and
// fills the cross-attention caches. Frames past the end are zero.
func (st *State) encode(seek, nCtx int) error {
	start := time.Now()
	if st.enc == nil || st.enc.nCtx != nCtx {
		eg, err := st.buildEncoder(nCtx)
		if err != nil {
			return err
		}
		st.enc = eg
	}
	eg := st.enc
	n := 2 * nCtx
	for j := range eg.mel.Ne[1] {
		row := eg.mel.Data[j*n : (j+1)*n]
		for i := range row {
			row[i] = st.mel.At(j, seek+i)
		}
	}
	if err := st.arena.Reserve(eg.plan); err != nil {
		return err
	}
	if err := tensor.Execute(eg.g, eg.plan, &st.arena, st.be); err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	st.timings.Encode += time.Since(start)
	st.timings.NEncode++
	return nil
}
