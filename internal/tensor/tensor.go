// Package tensor implements the tensor value type, compute graphs built
// from tensor operations, the arena planner and the reference kernels.
package tensor

import (
	"fmt"
	"unsafe"

	"github.com/samcharles93/murmur/pkg/mmf"
)

// MaxDims is the highest tensor rank.
const MaxDims = 4

// Op identifies the operation that produces a graph node.
type Op uint8

const (
	OpNone Op = iota
	OpAdd
	OpMul
	OpScale
	OpGELU
	OpNorm
	OpMulMat
	OpSoftMax
	OpConv1D
	OpTranspose
	OpGetRows
	OpAttention
	OpView
	OpStoreRows
	OpCopy
)

var opNames = [...]string{
	OpNone:      "none",
	OpAdd:       "add",
	OpMul:       "mul",
	OpScale:     "scale",
	OpGELU:      "gelu",
	OpNorm:      "norm",
	OpMulMat:    "mul_mat",
	OpSoftMax:   "soft_max",
	OpConv1D:    "conv_1d",
	OpTranspose: "transpose",
	OpGetRows:   "get_rows",
	OpAttention: "attention",
	OpView:      "view",
	OpStoreRows: "store_rows",
	OpCopy:      "copy",
}

func (o Op) String() string {
	if int(o) < len(opNames) {
		return opNames[o]
	}
	return fmt.Sprintf("op(%d)", uint8(o))
}

// Tensor is either a leaf (weight, input or externally owned cache) or a
// node of exactly one Graph. Ne[0] is the contiguous dimension; unused
// dimensions are 1. Leaf F32 values live in Data, encoded values in Raw.
// A node's Data is bound to the graph arena only while it executes.
type Tensor struct {
	Name  string
	Ne    [MaxDims]int
	DType mmf.DType

	Data []float32
	Raw  []byte
	Ints []int32

	Op      Op
	Src     [3]*Tensor
	Backend string

	iparams [4]int
	fparam  float32

	graph  *Graph
	id     int
	offset int
}

type fmtError string

func (e fmtError) Error() string { return string(e) }

func shapeOf(ne []int) ([MaxDims]int, error) {
	var out [MaxDims]int
	if len(ne) == 0 || len(ne) > MaxDims {
		return out, fmt.Errorf("%w: rank %d", ErrShapeMismatch, len(ne))
	}
	for i := range out {
		out[i] = 1
	}
	for i, d := range ne {
		if d <= 0 {
			return out, fmt.Errorf("%w: dimension %d is %d", ErrShapeMismatch, i, d)
		}
		out[i] = d
	}
	return out, nil
}

// New allocates a zeroed F32 leaf.
func New(name string, ne ...int) *Tensor {
	shape, err := shapeOf(ne)
	if err != nil {
		panic(err)
	}
	t := &Tensor{Name: name, Ne: shape, DType: mmf.DTypeF32, id: -1}
	t.Data = make([]float32, t.Len())
	return t
}

// FromData wraps data as an F32 leaf without copying.
func FromData(name string, data []float32, ne ...int) (*Tensor, error) {
	shape, err := shapeOf(ne)
	if err != nil {
		return nil, err
	}
	t := &Tensor{Name: name, Ne: shape, DType: mmf.DTypeF32, Data: data, id: -1}
	if len(data) != t.Len() {
		return nil, fmt.Errorf("%w: %s has %d values for shape %v", ErrShapeMismatch, name, len(data), ne)
	}
	return t, nil
}

// FromRaw wraps an encoded payload as a leaf without copying. F32 payloads
// are reinterpreted in place when aligned.
func FromRaw(name string, dt mmf.DType, raw []byte, ne ...int) (*Tensor, error) {
	size, err := mmf.PayloadSize(dt, ne)
	if err != nil {
		return nil, fmt.Errorf("tensor %s: %w", name, err)
	}
	if int64(len(raw)) != size {
		return nil, fmt.Errorf("%w: %s payload is %d bytes, want %d", ErrShapeMismatch, name, len(raw), size)
	}
	shape, err := shapeOf(ne)
	if err != nil {
		return nil, err
	}
	t := &Tensor{Name: name, Ne: shape, DType: dt, id: -1}
	if dt == mmf.DTypeF32 {
		t.Data = Float32View(raw)
	} else {
		t.Raw = raw
	}
	return t, nil
}

// NewInts allocates an index leaf of n entries for GetRows.
func NewInts(name string, n int) *Tensor {
	return &Tensor{Name: name, Ne: [MaxDims]int{n, 1, 1, 1}, DType: mmf.DTypeF32, Ints: make([]int32, n), id: -1}
}

func (t *Tensor) Rows() int { return t.Ne[1] * t.Ne[2] * t.Ne[3] }

func (t *Tensor) Len() int { return t.Ne[0] * t.Rows() }

func (t *Tensor) IsLeaf() bool { return t.Op == OpNone }

// IsView reports whether the tensor aliases another tensor's storage.
func (t *Tensor) IsView() bool { return t.Op == OpView || t.Op == OpStoreRows }

func (t *Tensor) Dims() int {
	n := MaxDims
	for n > 1 && t.Ne[n-1] == 1 {
		n--
	}
	return n
}

func (t *Tensor) String() string {
	return fmt.Sprintf("%s%v %s", t.Name, t.Ne[:t.Dims()], t.DType)
}

// Row returns row r of an F32 tensor.
func (t *Tensor) Row(r int) []float32 {
	n := t.Ne[0]
	return t.Data[r*n : (r+1)*n : (r+1)*n]
}

// RowTo writes row r, dequantized, into dst.
func (t *Tensor) RowTo(dst []float32, r int) {
	n := t.Ne[0]
	if t.DType == mmf.DTypeF32 {
		copy(dst[:n], t.Data[r*n:(r+1)*n])
		return
	}
	rb := rowBytes(t.DType, n)
	dequantRow(dst, t.DType, t.Raw[r*rb:(r+1)*rb], n)
}

// Float32 returns every value of t, dequantizing when needed.
func (t *Tensor) Float32() []float32 {
	if t.DType == mmf.DTypeF32 {
		return t.Data
	}
	out := make([]float32, t.Len())
	for r := 0; r < t.Rows(); r++ {
		t.RowTo(out[r*t.Ne[0]:], r)
	}
	return out
}

// Bytes returns the storage footprint of a leaf.
func (t *Tensor) Bytes() int {
	if t.DType == mmf.DTypeF32 {
		return 4 * len(t.Data)
	}
	return len(t.Raw)
}

// rawUint16LE provides a fast unsafe view when the host is little-endian and
// the backing storage is suitably aligned.
func rawUint16LE(raw []byte) ([]uint16, bool) {
	if !nativeLittleEndian || len(raw) == 0 || len(raw)%2 != 0 {
		return nil, false
	}
	if uintptr(unsafe.Pointer(&raw[0]))%2 != 0 {
		return nil, false
	}
	return unsafe.Slice((*uint16)(unsafe.Pointer(&raw[0])), len(raw)/2), true
}

// FloatParam returns the scalar operand of Scale, Norm and Attention nodes.
func (t *Tensor) FloatParam() float32 { return t.fparam }
