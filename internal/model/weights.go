package model

import (
	"fmt"

	"github.com/samcharles93/murmur/internal/tensor"
	"github.com/samcharles93/murmur/pkg/mmf"
)

// AttentionWeights holds one attention block. The key projection has no
// bias.
type AttentionWeights struct {
	LnW, LnB *tensor.Tensor
	Q, QB    *tensor.Tensor
	K        *tensor.Tensor
	V, VB    *tensor.Tensor
	O, OB    *tensor.Tensor
}

type MLPWeights struct {
	LnW, LnB    *tensor.Tensor
	Up, UpB     *tensor.Tensor
	Down, DownB *tensor.Tensor
}

type EncoderLayer struct {
	Attn AttentionWeights
	MLP  MLPWeights
}

type DecoderLayer struct {
	Attn  AttentionWeights
	Cross AttentionWeights
	MLP   MLPWeights
}

type Encoder struct {
	Conv1W, Conv1B *tensor.Tensor
	Conv2W, Conv2B *tensor.Tensor
	PosEmb         *tensor.Tensor
	LnW, LnB       *tensor.Tensor
	Layers         []EncoderLayer
}

type Decoder struct {
	TokenEmb *tensor.Tensor
	PosEmb   *tensor.Tensor
	LnW, LnB *tensor.Tensor
	Layers   []DecoderLayer
}

type tensorKind int

const (
	kindMatrix tensorKind = iota // any dtype, used by matrix products
	kindConv                     // f32 or f16
	kindF32                      // widened to f32
)

type spec struct {
	name  string
	shape []int
	kind  tensorKind
	dst   **tensor.Tensor
}

// TensorSpec describes one required weight. Shape is innermost-first.
type TensorSpec struct {
	Name  string
	Shape []int
	// F32 weights are widened to f32 on load whatever their stored dtype.
	F32 bool
}

func (m *Model) specs() []spec {
	hp := m.HParams
	s := hp.NAudioState
	var out []spec
	add := func(name string, kind tensorKind, dst **tensor.Tensor, shape ...int) {
		out = append(out, spec{name: name, shape: shape, kind: kind, dst: dst})
	}
	attn := func(prefix string, a *AttentionWeights, ln string) {
		add(prefix+"."+ln+".weight", kindF32, &a.LnW, s)
		add(prefix+"."+ln+".bias", kindF32, &a.LnB, s)
		blk := prefix + "." + map[string]string{"attn_ln": "attn", "cross_attn_ln": "cross_attn"}[ln]
		add(blk+".query.weight", kindMatrix, &a.Q, s, s)
		add(blk+".query.bias", kindF32, &a.QB, s)
		add(blk+".key.weight", kindMatrix, &a.K, s, s)
		add(blk+".value.weight", kindMatrix, &a.V, s, s)
		add(blk+".value.bias", kindF32, &a.VB, s)
		add(blk+".out.weight", kindMatrix, &a.O, s, s)
		add(blk+".out.bias", kindF32, &a.OB, s)
	}
	mlp := func(prefix string, f *MLPWeights) {
		add(prefix+".mlp_ln.weight", kindF32, &f.LnW, s)
		add(prefix+".mlp_ln.bias", kindF32, &f.LnB, s)
		add(prefix+".mlp.0.weight", kindMatrix, &f.Up, s, 4*s)
		add(prefix+".mlp.0.bias", kindF32, &f.UpB, 4*s)
		add(prefix+".mlp.2.weight", kindMatrix, &f.Down, 4*s, s)
		add(prefix+".mlp.2.bias", kindF32, &f.DownB, s)
	}

	e := &m.Encoder
	add("encoder.conv1.weight", kindConv, &e.Conv1W, 3, hp.NMels, s)
	add("encoder.conv1.bias", kindF32, &e.Conv1B, s)
	add("encoder.conv2.weight", kindConv, &e.Conv2W, 3, s, s)
	add("encoder.conv2.bias", kindF32, &e.Conv2B, s)
	add("encoder.positional_embedding", kindF32, &e.PosEmb, s, hp.NAudioCtx)
	for i := range e.Layers {
		p := fmt.Sprintf("encoder.blocks.%d", i)
		attn(p, &e.Layers[i].Attn, "attn_ln")
		mlp(p, &e.Layers[i].MLP)
	}
	add("encoder.ln_post.weight", kindF32, &e.LnW, s)
	add("encoder.ln_post.bias", kindF32, &e.LnB, s)

	d := &m.Decoder
	add("decoder.positional_embedding", kindF32, &d.PosEmb, s, hp.NTextCtx)
	add("decoder.token_embedding.weight", kindMatrix, &d.TokenEmb, s, hp.NVocab)
	for i := range d.Layers {
		p := fmt.Sprintf("decoder.blocks.%d", i)
		attn(p, &d.Layers[i].Attn, "attn_ln")
		attn(p, &d.Layers[i].Cross, "cross_attn_ln")
		mlp(p, &d.Layers[i].MLP)
	}
	add("decoder.ln.weight", kindF32, &d.LnW, s)
	add("decoder.ln.bias", kindF32, &d.LnB, s)
	return out
}

// TensorSpecs lists every weight a model with hp must provide, in the
// order a writer should emit them.
func TensorSpecs(hp HParams) []TensorSpec {
	m := &Model{HParams: hp}
	m.Encoder.Layers = make([]EncoderLayer, hp.NAudioLayer)
	m.Decoder.Layers = make([]DecoderLayer, hp.NTextLayer)
	specs := m.specs()
	out := make([]TensorSpec, len(specs))
	for i, s := range specs {
		out[i] = TensorSpec{Name: s.name, Shape: s.shape, F32: s.kind == kindF32}
	}
	return out
}

func sameShape(a []int, b [tensor.MaxDims]int) bool {
	for i := range tensor.MaxDims {
		want := 1
		if i < len(a) {
			want = a[i]
		}
		if b[i] != want {
			return false
		}
	}
	return true
}

// bind resolves every required tensor from f. Unknown and missing tensors
// are both format errors.
func (m *Model) bind(f *mmf.File) error {
	specs := m.specs()
	want := make(map[string]struct{}, len(specs))
	for _, s := range specs {
		want[s.name] = struct{}{}
	}
	for _, ti := range f.Tensors {
		if _, ok := want[ti.Name]; !ok {
			return fmt.Errorf("%w: unknown tensor %q", mmf.ErrBadFormat, ti.Name)
		}
	}

	m.tensors = make(map[string]*tensor.Tensor, len(specs))
	for _, s := range specs {
		ti, ok := f.Tensor(s.name)
		if !ok {
			return fmt.Errorf("%w: missing tensor %q", mmf.ErrBadFormat, s.name)
		}
		t, err := tensor.FromRaw(ti.Name, ti.DType, ti.Data, ti.Shape...)
		if err != nil {
			return err
		}
		if !sameShape(s.shape, t.Ne) {
			return fmt.Errorf("%w: tensor %q has shape %v, want %v", mmf.ErrBadFormat, s.name, ti.Shape, s.shape)
		}
		switch s.kind {
		case kindConv:
			if t.DType != mmf.DTypeF32 && t.DType != mmf.DTypeF16 {
				return fmt.Errorf("%w: convolution %q stored as %s", mmf.ErrUnsupportedQuant, s.name, t.DType)
			}
		case kindF32:
			if t.DType != mmf.DTypeF32 {
				if t, err = tensor.FromData(ti.Name, t.Float32(), ti.Shape...); err != nil {
					return err
				}
			}
		}
		*s.dst = t
		m.tensors[s.name] = t
		m.memBytes += int64(t.Bytes())
	}
	return nil
}
