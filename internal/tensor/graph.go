package tensor

import (
	"fmt"

	"github.com/samcharles93/murmur/pkg/mmf"
)

// Graph is an append-only DAG of tensor operations. Every builder method
// appends one node whose sources are leaves or earlier nodes, so a graph
// cannot contain forward references or cycles.
//
// The first invalid operation is recorded and returned by Err; later
// builder calls become no-ops. A graph with an error is never executed.
type Graph struct {
	nodes   []*Tensor
	outputs map[*Tensor]struct{}
	err     error
	poison  *Tensor
}

func NewGraph() *Graph {
	return &Graph{outputs: make(map[*Tensor]struct{})}
}

// Err returns the first build error.
func (g *Graph) Err() error { return g.err }

// Nodes returns the nodes in execution order.
func (g *Graph) Nodes() []*Tensor { return g.nodes }

// Output marks tensors whose values must survive execution.
func (g *Graph) Output(ts ...*Tensor) {
	for _, t := range ts {
		if t != nil && t.graph == g {
			g.outputs[t] = struct{}{}
		}
	}
}

func (g *Graph) isOutput(t *Tensor) bool {
	_, ok := g.outputs[t]
	return ok
}

func (g *Graph) fail(op Op, format string, args ...any) *Tensor {
	if g.err == nil {
		g.err = fmt.Errorf("%w: %s: %s", ErrShapeMismatch, op, fmt.Sprintf(format, args...))
	}
	if g.poison == nil {
		g.poison = &Tensor{Name: "invalid", Ne: [MaxDims]int{1, 1, 1, 1}, graph: g, id: -1}
	}
	return g.poison
}

// check validates sources: non-nil, and either leaves or nodes of g.
func (g *Graph) check(op Op, srcs ...*Tensor) bool {
	if g.err != nil {
		return false
	}
	for _, s := range srcs {
		if s == nil {
			g.fail(op, "nil source")
			return false
		}
		if !s.IsLeaf() && s.graph != g {
			g.fail(op, "source %s belongs to another graph", s.Name)
			return false
		}
	}
	return true
}

func (g *Graph) add(op Op, name string, ne [MaxDims]int, srcs ...*Tensor) *Tensor {
	t := &Tensor{Name: name, Ne: ne, DType: mmf.DTypeF32, Op: op, graph: g, id: len(g.nodes)}
	copy(t.Src[:], srcs)
	g.nodes = append(g.nodes, t)
	return t
}

func is2D(t *Tensor) bool { return t.Ne[2] == 1 && t.Ne[3] == 1 }

func isF32(t *Tensor) bool { return t.DType == mmf.DTypeF32 && t.Ints == nil }

func (g *Graph) elementwise(op Op, a, b *Tensor) *Tensor {
	if !g.check(op, a, b) {
		return g.fail(op, "invalid sources")
	}
	if !isF32(a) || !isF32(b) {
		return g.fail(op, "operands must be f32, got %s and %s", a, b)
	}
	if a.Ne != b.Ne && (b.Ne[0] != a.Ne[0] || b.Rows() != 1) {
		return g.fail(op, "cannot broadcast %s onto %s", b, a)
	}
	return g.add(op, a.Name+"."+op.String(), a.Ne, a, b)
}

// Add returns a+b. b may be a single row broadcast over a's rows.
func (g *Graph) Add(a, b *Tensor) *Tensor { return g.elementwise(OpAdd, a, b) }

// Mul returns a*b elementwise. b may be a single row broadcast over a's rows.
func (g *Graph) Mul(a, b *Tensor) *Tensor { return g.elementwise(OpMul, a, b) }

func (g *Graph) unary(op Op, a *Tensor) *Tensor {
	if !g.check(op, a) {
		return g.fail(op, "invalid source")
	}
	if !isF32(a) {
		return g.fail(op, "operand must be f32, got %s", a)
	}
	return g.add(op, a.Name+"."+op.String(), a.Ne, a)
}

// Scale returns a*s.
func (g *Graph) Scale(a *Tensor, s float32) *Tensor {
	t := g.unary(OpScale, a)
	t.fparam = s
	return t
}

// GELU applies the tanh approximation of the Gaussian error linear unit.
func (g *Graph) GELU(a *Tensor) *Tensor { return g.unary(OpGELU, a) }

// Norm normalizes every row to zero mean and unit variance.
func (g *Graph) Norm(a *Tensor, eps float32) *Tensor {
	t := g.unary(OpNorm, a)
	t.fparam = eps
	return t
}

// SoftMax normalizes every row into a probability distribution.
func (g *Graph) SoftMax(a *Tensor) *Tensor { return g.unary(OpSoftMax, a) }

// Copy returns a contiguous copy of a.
func (g *Graph) Copy(a *Tensor) *Tensor { return g.unary(OpCopy, a) }

// MulMat multiplies every row of w [K, N] with every row of x [K, M],
// producing [N, M]. w may use any stored dtype.
func (g *Graph) MulMat(w, x *Tensor) *Tensor {
	if !g.check(OpMulMat, w, x) {
		return g.fail(OpMulMat, "invalid sources")
	}
	if !is2D(w) || !is2D(x) || w.Ne[0] != x.Ne[0] {
		return g.fail(OpMulMat, "%s x %s", w, x)
	}
	if !isF32(x) || w.Ints != nil {
		return g.fail(OpMulMat, "activations must be f32, got %s", x)
	}
	return g.add(OpMulMat, w.Name+"*"+x.Name, [MaxDims]int{w.Ne[1], x.Ne[1], 1, 1}, w, x)
}

// Conv1D convolves x [T, Cin] (time contiguous) with w [K, Cin, Cout],
// zero-padding pad samples on both ends, and adds bias b [Cout] when
// non-nil. The result is [T', Cout].
func (g *Graph) Conv1D(w, x, b *Tensor, stride, pad int) *Tensor {
	srcs := []*Tensor{w, x}
	if b != nil {
		srcs = append(srcs, b)
	}
	if !g.check(OpConv1D, srcs...) {
		return g.fail(OpConv1D, "invalid sources")
	}
	if w.DType != mmf.DTypeF32 && w.DType != mmf.DTypeF16 {
		return g.fail(OpConv1D, "kernel dtype %s", w.DType)
	}
	if !isF32(x) || !is2D(x) || w.Ne[3] != 1 || w.Ne[1] != x.Ne[1] {
		return g.fail(OpConv1D, "%s over %s", w, x)
	}
	if stride < 1 || pad < 0 {
		return g.fail(OpConv1D, "stride %d pad %d", stride, pad)
	}
	if b != nil && (!isF32(b) || b.Len() != w.Ne[2]) {
		return g.fail(OpConv1D, "bias %s for %d channels", b, w.Ne[2])
	}
	k := w.Ne[0]
	tOut := (x.Ne[0]+2*pad-k)/stride + 1
	if tOut < 1 {
		return g.fail(OpConv1D, "input %s shorter than kernel %d", x, k)
	}
	t := g.add(OpConv1D, w.Name+"("+x.Name+")", [MaxDims]int{tOut, w.Ne[2], 1, 1}, w, x, b)
	t.iparams[0] = stride
	t.iparams[1] = pad
	return t
}

// Transpose returns a contiguous transpose of a 2D tensor.
func (g *Graph) Transpose(a *Tensor) *Tensor {
	if !g.check(OpTranspose, a) {
		return g.fail(OpTranspose, "invalid source")
	}
	if !isF32(a) || !is2D(a) {
		return g.fail(OpTranspose, "%s", a)
	}
	return g.add(OpTranspose, a.Name+"ᵀ", [MaxDims]int{a.Ne[1], a.Ne[0], 1, 1}, a)
}

// GetRows gathers rows of emb selected by the index leaf ids.
func (g *Graph) GetRows(emb, ids *Tensor) *Tensor {
	if !g.check(OpGetRows, emb, ids) {
		return g.fail(OpGetRows, "invalid sources")
	}
	if !is2D(emb) || emb.Ints != nil || ids.Ints == nil || !ids.IsLeaf() {
		return g.fail(OpGetRows, "%s by %s", emb, ids)
	}
	return g.add(OpGetRows, emb.Name+"["+ids.Name+"]", [MaxDims]int{emb.Ne[0], len(ids.Ints), 1, 1}, emb, ids)
}

// Attention computes multi-head scaled dot-product attention of q [D, Tq]
// over k, v [D, Tk]. With causal set, query i sits at absolute position
// nPast+i and only sees keys at or before it.
func (g *Graph) Attention(q, k, v *Tensor, nHead, nPast int, causal bool, scale float32) *Tensor {
	if !g.check(OpAttention, q, k, v) {
		return g.fail(OpAttention, "invalid sources")
	}
	if !isF32(q) || !isF32(k) || !isF32(v) || !is2D(q) || !is2D(k) || !is2D(v) {
		return g.fail(OpAttention, "operands must be 2D f32")
	}
	d := q.Ne[0]
	if k.Ne[0] != d || v.Ne[0] != d || k.Ne[1] != v.Ne[1] {
		return g.fail(OpAttention, "q %s k %s v %s", q, k, v)
	}
	if nHead < 1 || d%nHead != 0 {
		return g.fail(OpAttention, "%d heads over width %d", nHead, d)
	}
	if causal && (nPast < 0 || k.Ne[1] < nPast+q.Ne[1]) {
		return g.fail(OpAttention, "causal window %d+%d exceeds %d keys", nPast, q.Ne[1], k.Ne[1])
	}
	t := g.add(OpAttention, q.Name+".attn", q.Ne, q, k, v)
	t.iparams[0] = nHead
	t.iparams[1] = nPast
	if causal {
		t.iparams[2] = 1
	}
	t.fparam = scale
	return t
}

// Rows returns a non-owning view of rows [off, off+n) of a 2D tensor.
// The view must not outlive the tensor it aliases.
func (g *Graph) Rows(a *Tensor, off, n int) *Tensor {
	if !g.check(OpView, a) {
		return g.fail(OpView, "invalid source")
	}
	if !isF32(a) || !is2D(a) || off < 0 || n < 1 || off+n > a.Ne[1] {
		return g.fail(OpView, "rows [%d,%d) of %s", off, off+n, a)
	}
	t := g.add(OpView, fmt.Sprintf("%s[%d:%d]", a.Name, off, off+n), [MaxDims]int{a.Ne[0], n, 1, 1}, a)
	t.offset = off * a.Ne[0]
	return t
}

// StoreRows copies src into rows [off, off+src rows) of the leaf dst and
// returns a view of dst rows [0, off+src rows). Later nodes that read the
// stored rows must consume the returned view.
func (g *Graph) StoreRows(dst, src *Tensor, off int) *Tensor {
	if !g.check(OpStoreRows, dst, src) {
		return g.fail(OpStoreRows, "invalid sources")
	}
	if !dst.IsLeaf() || !isF32(dst) || !is2D(dst) || !isF32(src) || src.Ne[0] != dst.Ne[0] {
		return g.fail(OpStoreRows, "%s into %s", src, dst)
	}
	n := src.Rows()
	if off < 0 || off+n > dst.Ne[1] {
		return g.fail(OpStoreRows, "rows [%d,%d) exceed %s", off, off+n, dst)
	}
	t := g.add(OpStoreRows, dst.Name, [MaxDims]int{dst.Ne[0], off + n, 1, 1}, dst, src)
	t.iparams[0] = off
	return t
}

// base returns the tensor whose storage t aliases, following views.
func base(t *Tensor) *Tensor {
	for t.Op == OpView {
		t = t.Src[0]
	}
	return t
}

// storage returns the arena-backed node that owns t's memory, or nil when
// t lives in leaf memory.
func storage(t *Tensor) *Tensor {
	b := base(t)
	if b.IsLeaf() || b.Op == OpStoreRows {
		return nil
	}
	return b
}

// AssignBackends tags every node with the backend chosen by pick and
// inserts a copy node wherever a node reads a value produced on another
// backend. Leaves and stored rows live in host memory shared by every
// backend. It returns the number of copies inserted.
func (g *Graph) AssignBackends(pick func(*Tensor) string) int {
	type key struct {
		src *Tensor
		be  string
	}
	copies := make(map[key]*Tensor)
	out := make([]*Tensor, 0, len(g.nodes))
	for _, n := range g.nodes {
		if n.Op == OpView {
			if s := storage(n); s != nil {
				n.Backend = s.Backend
			}
			out = append(out, n)
			continue
		}
		n.Backend = pick(n)
		for i, s := range n.Src {
			if s == nil {
				continue
			}
			if n.Op == OpStoreRows && i == 0 {
				continue
			}
			p := storage(s)
			if p == nil || p.Backend == n.Backend {
				continue
			}
			k := key{s, n.Backend}
			c, ok := copies[k]
			if !ok {
				c = &Tensor{Name: s.Name + "@" + n.Backend, Ne: s.Ne, DType: mmf.DTypeF32, Op: OpCopy, graph: g, Backend: n.Backend}
				c.Src[0] = s
				copies[k] = c
				out = append(out, c)
			}
			n.Src[i] = c
		}
		out = append(out, n)
	}
	for i, n := range out {
		n.id = i
	}
	g.nodes = out
	return len(copies)
}
