package simd

import (
	"github.com/samcharles93/murmur/internal/tensor"
	"github.com/samcharles93/murmur/pkg/mmf"
)

type Backend struct {
	pool *tensor.Pool
}

func New(threads int) *Backend {
	return &Backend{pool: tensor.NewPool(threads)}
}

func (b *Backend) Name() string { return "simd" }

func (b *Backend) Supports(t *tensor.Tensor) bool {
	switch t.Op {
	case tensor.OpMulMat:
		return t.Src[0].DType.Known()
	case tensor.OpAdd, tensor.OpMul, tensor.OpScale, tensor.OpGELU, tensor.OpCopy:
		return true
	}
	return false
}

func (b *Backend) Compute(t *tensor.Tensor) error {
	switch t.Op {
	case tensor.OpMulMat:
		mulMat(t, b.pool)
	case tensor.OpAdd:
		binary(t, b.pool, addTo)
	case tensor.OpMul:
		binary(t, b.pool, mulTo)
	case tensor.OpScale:
		s := t.FloatParam()
		src := t.Src[0].Data
		b.pool.Parallel(t.Rows(), func(lo, hi int) {
			n := t.Ne[0]
			scaleTo(t.Data[lo*n:hi*n], src[lo*n:hi*n], s)
		})
	case tensor.OpGELU:
		src := t.Src[0].Data
		b.pool.Parallel(t.Rows(), func(lo, hi int) {
			n := t.Ne[0]
			geluTo(t.Data[lo*n:hi*n], src[lo*n:hi*n])
		})
	default:
		return tensor.Compute(t, b.pool)
	}
	return nil
}

func (b *Backend) Close() { b.pool.Close() }

func binary(t *tensor.Tensor, p *tensor.Pool, f func(dst, a, b []float32)) {
	a, bb := t.Src[0], t.Src[1]
	n := t.Ne[0]
	if a.Ne == bb.Ne {
		p.Parallel(t.Rows(), func(lo, hi int) {
			f(t.Data[lo*n:hi*n], a.Data[lo*n:hi*n], bb.Data[lo*n:hi*n])
		})
		return
	}
	p.Parallel(t.Rows(), func(lo, hi int) {
		for r := lo; r < hi; r++ {
			f(t.Data[r*n:(r+1)*n], a.Data[r*n:(r+1)*n], bb.Data[:n])
		}
	})
}

// blockLen bounds how many products are summed in float32 before the
// partial sum is folded into a float64 accumulator.
const blockLen = 64

func mulMat(t *tensor.Tensor, p *tensor.Pool) {
	w, x := t.Src[0], t.Src[1]
	k, nOut, m := w.Ne[0], w.Ne[1], x.Ne[1]
	p.Parallel(nOut, func(lo, hi int) {
		var row []float32
		if w.DType != mmf.DTypeF32 {
			row = make([]float32, k)
		}
		for n := lo; n < hi; n++ {
			if w.DType == mmf.DTypeF32 {
				row = w.Data[n*k : (n+1)*k]
			} else {
				w.RowTo(row, n)
			}
			for j := range m {
				xs := x.Data[j*k : (j+1)*k]
				var sum float64
				for c := 0; c < k; c += blockLen {
					e := min(c+blockLen, k)
					sum += float64(dot(row[c:e], xs[c:e]))
				}
				t.Data[j*nOut+n] = float32(sum)
			}
		}
	})
}

// geluTable maps every fp16 bit pattern to GELU of its value.
var geluTable = func() *[1 << 16]float32 {
	var tbl [1 << 16]float32
	for i := range tbl {
		tbl[i] = tensor.GELU(tensor.FP16ToF32(uint16(i)))
	}
	return &tbl
}()

func geluTo(dst, src []float32) {
	for i, v := range src {
		switch {
		case v <= -10:
			dst[i] = 0
		case v >= 10:
			dst[i] = v
		default:
			dst[i] = geluTable[tensor.F32ToFP16(v)]
		}
	}
}
