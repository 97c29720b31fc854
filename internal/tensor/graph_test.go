package tensor

import (
	"errors"
	"math"
	"testing"

	"github.com/samcharles93/murmur/pkg/mmf"
)

type refBackend struct {
	name string
	pool *Pool
	ops  map[Op]bool
	seen map[Op]int
}

func newRef(name string, ops ...Op) *refBackend {
	b := &refBackend{name: name, pool: NewPool(2), seen: make(map[Op]int)}
	if len(ops) > 0 {
		b.ops = make(map[Op]bool)
		for _, o := range ops {
			b.ops[o] = true
		}
	}
	return b
}

func (b *refBackend) Name() string { return b.name }

func (b *refBackend) Supports(t *Tensor) bool { return b.ops == nil || b.ops[t.Op] }

func (b *refBackend) Compute(t *Tensor) error {
	b.seen[t.Op]++
	return Compute(t, b.pool)
}

func mustData(t *testing.T, name string, data []float32, ne ...int) *Tensor {
	t.Helper()
	x, err := FromData(name, data, ne...)
	if err != nil {
		t.Fatalf("from data %s: %v", name, err)
	}
	return x
}

func assertClose(t *testing.T, got, want []float32, tol float64) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d want %d", len(got), len(want))
	}
	for i := range got {
		if math.Abs(float64(got[i]-want[i])) > tol {
			t.Fatalf("index %d: got %v want %v", i, got[i], want[i])
		}
	}
}

func TestBuildRejectsShapeMismatch(t *testing.T) {
	t.Parallel()

	g := NewGraph()
	a := New("a", 4, 2)
	b := New("b", 3, 2)
	sum := g.Add(a, b)
	out := g.Scale(sum, 2)
	if !errors.Is(g.Err(), ErrShapeMismatch) {
		t.Fatalf("err: got %v want %v", g.Err(), ErrShapeMismatch)
	}
	g.Output(out)

	be := newRef("cpu")
	if err := Run(g, &Arena{}, be); !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("run: got %v want %v", err, ErrShapeMismatch)
	}
	if len(be.seen) != 0 {
		t.Fatalf("graph with build error executed %v", be.seen)
	}
}

func TestBuildRejectsForeignNodes(t *testing.T) {
	t.Parallel()

	g1 := NewGraph()
	x := g1.Scale(New("x", 2), 1)
	g2 := NewGraph()
	g2.GELU(x)
	if !errors.Is(g2.Err(), ErrShapeMismatch) {
		t.Fatalf("err: got %v want %v", g2.Err(), ErrShapeMismatch)
	}
}

func TestMulMatMatchesNaive(t *testing.T) {
	t.Parallel()

	const k, n, m = 64, 5, 3
	wData := make([]float32, k*n)
	for i := range wData {
		wData[i] = float32((i%13)-6) * 0.1
	}
	xData := make([]float32, k*m)
	for i := range xData {
		xData[i] = float32((i%7)-3) * 0.25
	}
	want := make([]float32, n*m)
	for j := range m {
		for r := range n {
			var s float64
			for c := range k {
				s += float64(wData[r*k+c]) * float64(xData[j*k+c])
			}
			want[j*n+r] = float32(s)
		}
	}

	for _, dt := range []mmf.DType{mmf.DTypeF32, mmf.DTypeF16, mmf.DTypeQ8_0, mmf.DTypeQ4_1, mmf.DTypeQ4_0} {
		raw, err := Quantize(dt, wData)
		if err != nil {
			t.Fatalf("quantize %s: %v", dt, err)
		}
		w, err := FromRaw("w", dt, raw, k, n)
		if err != nil {
			t.Fatalf("from raw %s: %v", dt, err)
		}
		g := NewGraph()
		out := g.MulMat(w, mustData(t, "x", xData, k, m))
		g.Output(out)
		if err := Run(g, &Arena{}, newRef("cpu")); err != nil {
			t.Fatalf("run %s: %v", dt, err)
		}
		tol := map[mmf.DType]float64{mmf.DTypeF32: 1e-5, mmf.DTypeF16: 1e-2, mmf.DTypeQ8_0: 0.1, mmf.DTypeQ4_1: 0.6, mmf.DTypeQ4_0: 0.6}[dt]
		assertClose(t, out.Data, want, tol)
	}
}

func TestConv1DStrideAndPadding(t *testing.T) {
	t.Parallel()

	// one input channel, one output channel, kernel [1 1 1]
	w := mustData(t, "w", []float32{1, 1, 1}, 3, 1, 1)
	x := mustData(t, "x", []float32{1, 2, 3, 4}, 4, 1)
	b := mustData(t, "b", []float32{10}, 1)

	g := NewGraph()
	s1 := g.Conv1D(w, x, b, 1, 1)
	s2 := g.Conv1D(w, x, nil, 2, 1)
	g.Output(s1, s2)
	if err := Run(g, &Arena{}, newRef("cpu")); err != nil {
		t.Fatalf("run: %v", err)
	}
	assertClose(t, s1.Data, []float32{13, 16, 19, 17}, 1e-6)
	assertClose(t, s2.Data, []float32{3, 9}, 1e-6)
}

func TestAttentionCausal(t *testing.T) {
	t.Parallel()

	// single head, width 2; identical keys give uniform weights
	q := mustData(t, "q", []float32{1, 0, 1, 0, 1, 0}, 2, 3)
	k := mustData(t, "k", []float32{1, 0, 1, 0, 1, 0}, 2, 3)
	v := mustData(t, "v", []float32{3, 0, 6, 0, 9, 0}, 2, 3)

	g := NewGraph()
	out := g.Attention(q, k, v, 1, 0, true, 1)
	full := g.Attention(q, k, v, 1, 0, false, 1)
	g.Output(out, full)
	if err := Run(g, &Arena{}, newRef("cpu")); err != nil {
		t.Fatalf("run: %v", err)
	}
	assertClose(t, out.Data, []float32{3, 0, 4.5, 0, 6, 0}, 1e-5)
	assertClose(t, full.Data, []float32{6, 0, 6, 0, 6, 0}, 1e-5)
}

func TestStoreRowsFeedsLaterReads(t *testing.T) {
	t.Parallel()

	cache := New("cache", 2, 4)
	g := NewGraph()
	x := g.Scale(mustData(t, "x", []float32{1, 2, 3, 4}, 2, 2), 2)
	stored := g.StoreRows(cache, x, 1)
	view := g.Rows(stored, 1, 2)
	out := g.Copy(view)
	g.Output(out)
	if err := Run(g, &Arena{}, newRef("cpu")); err != nil {
		t.Fatalf("run: %v", err)
	}
	assertClose(t, cache.Data, []float32{0, 0, 2, 4, 6, 8, 0, 0}, 0)
	assertClose(t, out.Data, []float32{2, 4, 6, 8}, 0)
}

func TestPlanReusesBuffers(t *testing.T) {
	t.Parallel()

	const n = 64
	x := New("x", n)
	for i := range x.Data {
		x.Data[i] = 1
	}
	g := NewGraph()
	cur := x
	for range 10 {
		cur = g.Scale(cur, 2)
	}
	g.Output(cur)

	p, err := NewPlan(g)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if p.Size() > 2*n {
		t.Fatalf("arena not reused: got %d elements for a chain of %d-element nodes", p.Size(), n)
	}
	a := &Arena{}
	if err := a.Reserve(p); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	be := newRef("cpu")
	if err := Prepare(g, be); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	for range 2 {
		if err := Execute(g, p, a, be); err != nil {
			t.Fatalf("execute: %v", err)
		}
		if cur.Data[0] != 1024 {
			t.Fatalf("output: got %v want 1024", cur.Data[0])
		}
	}
}

func TestPlanKeepsOutputsLive(t *testing.T) {
	t.Parallel()

	x := mustData(t, "x", []float32{1, 2, 3, 4}, 4)
	g := NewGraph()
	first := g.Scale(x, 10)
	second := g.Scale(first, 10)
	third := g.Scale(second, 10)
	g.Output(first, third)
	if err := Run(g, &Arena{}, newRef("cpu")); err != nil {
		t.Fatalf("run: %v", err)
	}
	assertClose(t, first.Data, []float32{10, 20, 30, 40}, 0)
	assertClose(t, third.Data, []float32{1000, 2000, 3000, 4000}, 0)
}

func TestExecuteRejectsMismatchedPlan(t *testing.T) {
	t.Parallel()

	g1 := NewGraph()
	g1.Output(g1.Scale(New("x", 8), 1))
	p, err := NewPlan(g1)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	g2 := NewGraph()
	g2.Output(g2.GELU(g2.Scale(New("x", 8), 1)))
	a := &Arena{}
	_ = a.Reserve(p)
	if err := Execute(g2, p, a, newRef("cpu")); !errors.Is(err, ErrAllocationFailure) {
		t.Fatalf("got %v want %v", err, ErrAllocationFailure)
	}
}

func TestAssignBackendsInsertsCopies(t *testing.T) {
	t.Parallel()

	x := mustData(t, "x", []float32{1, -1, 2, -2}, 4)
	g := NewGraph()
	s := g.Scale(x, 2)
	ge := g.GELU(s)
	out := g.Add(ge, s)
	g.Output(out)

	copies := g.AssignBackends(func(n *Tensor) string {
		if n.Op == OpGELU {
			return "fast"
		}
		return "ref"
	})
	if copies != 2 {
		t.Fatalf("copies: got %d want 2", copies)
	}
	for i, n := range g.Nodes() {
		for _, s := range n.Src {
			if s != nil && !s.IsLeaf() && s.id >= i {
				t.Fatalf("node %s reads later node %s", n.Name, s.Name)
			}
		}
	}
}

func TestFP16RoundTrip(t *testing.T) {
	t.Parallel()

	for _, v := range []float32{0, 1, -2.5, 0.333251953125, 65504, 6.1035156e-05} {
		if got := FP16ToF32(F32ToFP16(v)); got != v {
			t.Fatalf("round trip %v: got %v", v, got)
		}
	}
}

func TestPoolCoversRange(t *testing.T) {
	t.Parallel()

	p := NewPool(4)
	defer p.Close()
	hits := make([]int, 103)
	p.Parallel(len(hits), func(lo, hi int) {
		for i := lo; i < hi; i++ {
			hits[i]++
		}
	})
	for i, h := range hits {
		if h != 1 {
			t.Fatalf("index %d visited %d times", i, h)
		}
	}
}
