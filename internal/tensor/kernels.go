package tensor

import (
	"fmt"
	"math"

	"github.com/samcharles93/murmur/pkg/mmf"
)

// Compute evaluates node t with the reference kernels. Sources and t.Data
// must already be bound. Matrix products accumulate in float64.
func Compute(t *Tensor, p *Pool) error {
	switch t.Op {
	case OpView:
	case OpAdd:
		binaryRows(t, p, func(a, b float32) float32 { return a + b })
	case OpMul:
		binaryRows(t, p, func(a, b float32) float32 { return a * b })
	case OpScale:
		s := t.fparam
		src := t.Src[0].Data
		p.Parallel(t.Rows(), func(lo, hi int) {
			n := t.Ne[0]
			for i := lo * n; i < hi*n; i++ {
				t.Data[i] = src[i] * s
			}
		})
	case OpGELU:
		src := t.Src[0].Data
		p.Parallel(t.Rows(), func(lo, hi int) {
			n := t.Ne[0]
			for i := lo * n; i < hi*n; i++ {
				t.Data[i] = GELU(src[i])
			}
		})
	case OpNorm:
		norm(t, p)
	case OpSoftMax:
		src := t.Src[0]
		p.Parallel(t.Rows(), func(lo, hi int) {
			for r := lo; r < hi; r++ {
				SoftMax(t.Row(r), src.Row(r))
			}
		})
	case OpMulMat:
		mulMat(t, p)
	case OpConv1D:
		conv1D(t, p)
	case OpTranspose:
		src := t.Src[0]
		rows, cols := src.Ne[1], src.Ne[0]
		p.Parallel(cols, func(lo, hi int) {
			for c := lo; c < hi; c++ {
				out := t.Data[c*rows : (c+1)*rows]
				for r := range rows {
					out[r] = src.Data[r*cols+c]
				}
			}
		})
	case OpGetRows:
		emb, ids := t.Src[0], t.Src[1]
		for i, id := range ids.Ints {
			if id < 0 || int(id) >= emb.Ne[1] {
				return fmt.Errorf("%w: row %d outside %s", ErrShapeMismatch, id, emb)
			}
			emb.RowTo(t.Row(i), int(id))
		}
	case OpAttention:
		attention(t, p)
	case OpStoreRows:
		off := t.iparams[0] * t.Ne[0]
		copy(t.Src[0].Data[off:], t.Src[1].Data[:t.Src[1].Len()])
	case OpCopy:
		copy(t.Data, t.Src[0].Data[:t.Len()])
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedOp, t.Op)
	}
	return nil
}

func binaryRows(t *Tensor, p *Pool, f func(a, b float32) float32) {
	a, b := t.Src[0], t.Src[1]
	bcast := a.Ne != b.Ne
	n := t.Ne[0]
	p.Parallel(t.Rows(), func(lo, hi int) {
		for r := lo; r < hi; r++ {
			out := t.Data[r*n : (r+1)*n]
			x := a.Data[r*n : (r+1)*n]
			y := b.Data[:n]
			if !bcast {
				y = b.Data[r*n : (r+1)*n]
			}
			for i := range out {
				out[i] = f(x[i], y[i])
			}
		}
	})
}

const sqrt2OverPi = 0.79788456080286535587989211986876

// GELU is the tanh approximation of the Gaussian error linear unit.
func GELU(x float32) float32 {
	v := float64(x)
	return float32(0.5 * v * (1 + math.Tanh(sqrt2OverPi*v*(1+0.044715*v*v))))
}

// SoftMax writes the normalized exponentials of src into dst. The sum is
// kept in float64.
func SoftMax(dst, src []float32) {
	mx := float32(math.Inf(-1))
	for _, v := range src {
		mx = max(mx, v)
	}
	var sum float64
	for i, v := range src {
		e := math.Exp(float64(v - mx))
		dst[i] = float32(e)
		sum += e
	}
	if sum == 0 {
		return
	}
	inv := 1 / sum
	for i := range dst[:len(src)] {
		dst[i] = float32(float64(dst[i]) * inv)
	}
}

func norm(t *Tensor, p *Pool) {
	src := t.Src[0]
	eps := float64(t.fparam)
	n := t.Ne[0]
	p.Parallel(t.Rows(), func(lo, hi int) {
		for r := lo; r < hi; r++ {
			x := src.Data[r*n : (r+1)*n]
			out := t.Data[r*n : (r+1)*n]
			var mean float64
			for _, v := range x {
				mean += float64(v)
			}
			mean /= float64(n)
			var variance float64
			for _, v := range x {
				d := float64(v) - mean
				variance += d * d
			}
			variance /= float64(n)
			scale := 1 / math.Sqrt(variance+eps)
			for i, v := range x {
				out[i] = float32((float64(v) - mean) * scale)
			}
		}
	})
}

func dot64(a, b []float32) float64 {
	var s0, s1, s2, s3 float64
	i := 0
	for ; i+4 <= len(a); i += 4 {
		s0 += float64(a[i]) * float64(b[i])
		s1 += float64(a[i+1]) * float64(b[i+1])
		s2 += float64(a[i+2]) * float64(b[i+2])
		s3 += float64(a[i+3]) * float64(b[i+3])
	}
	for ; i < len(a); i++ {
		s0 += float64(a[i]) * float64(b[i])
	}
	return s0 + s1 + s2 + s3
}

// mulMat splits weight rows across the pool. Each row is dequantized once
// and reused against every activation row.
func mulMat(t *Tensor, p *Pool) {
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
				t.Data[j*nOut+n] = float32(dot64(row, x.Data[j*k:(j+1)*k]))
			}
		}
	})
}

func conv1D(t *Tensor, p *Pool) {
	w, x, b := t.Src[0], t.Src[1], t.Src[2]
	k, cin, cout := w.Ne[0], w.Ne[1], w.Ne[2]
	stride, pad := t.iparams[0], t.iparams[1]
	tIn, tOut := x.Ne[0], t.Ne[0]
	p.Parallel(cout, func(lo, hi int) {
		kern := make([]float32, k*cin)
		acc := make([]float64, tOut)
		for co := lo; co < hi; co++ {
			for ci := range cin {
				w.RowTo(kern[ci*k:], co*cin+ci)
			}
			bias := 0.0
			if b != nil {
				bias = float64(b.Data[co])
			}
			for i := range acc {
				acc[i] = bias
			}
			for ci := range cin {
				xs := x.Data[ci*tIn : (ci+1)*tIn]
				kw := kern[ci*k : (ci+1)*k]
				for i := range tOut {
					base := i*stride - pad
					s := 0.0
					for j, wv := range kw {
						if pos := base + j; pos >= 0 && pos < tIn {
							s += float64(wv) * float64(xs[pos])
						}
					}
					acc[i] += s
				}
			}
			out := t.Data[co*tOut : (co+1)*tOut]
			for i, v := range acc {
				out[i] = float32(v)
			}
		}
	})
}

func attention(t *Tensor, p *Pool) {
	q, k, v := t.Src[0], t.Src[1], t.Src[2]
	nHead, nPast, causal := t.iparams[0], t.iparams[1], t.iparams[2] == 1
	d := q.Ne[0]
	dh := d / nHead
	tq, tk := q.Ne[1], k.Ne[1]
	scale := float64(t.fparam)
	p.Parallel(nHead*tq, func(lo, hi int) {
		scores := make([]float64, tk)
		acc := make([]float64, dh)
		for job := lo; job < hi; job++ {
			h, i := job/tq, job%tq
			limit := tk
			if causal {
				limit = nPast + i + 1
			}
			qs := q.Data[i*d+h*dh : i*d+(h+1)*dh]
			mx := math.Inf(-1)
			for j := range limit {
				s := dot64(qs, k.Data[j*d+h*dh:j*d+(h+1)*dh]) * scale
				scores[j] = s
				mx = max(mx, s)
			}
			var sum float64
			for j := range limit {
				scores[j] = math.Exp(scores[j] - mx)
				sum += scores[j]
			}
			clear(acc)
			for j := range limit {
				w := scores[j] / sum
				vs := v.Data[j*d+h*dh : j*d+(h+1)*dh]
				for c, vv := range vs {
					acc[c] += w * float64(vv)
				}
			}
			out := t.Data[i*d+h*dh : i*d+(h+1)*dh]
			for c, a := range acc {
				out[c] = float32(a)
			}
		}
	})
}
