package tensor

import (
	"encoding/binary"
	"fmt"
	"slices"

	"github.com/cespare/xxhash/v2"
)

// arenaAlign is the element alignment of every arena buffer.
const arenaAlign = 16

// MaxArenaElems bounds a single arena. Plans above it fail with
// ErrAllocationFailure instead of attempting the allocation.
var MaxArenaElems = 1 << 31

// Plan is a reusable arena layout for one graph topology. Views and
// stored rows are not allocated. A buffer is released for reuse once its
// last consumer has been placed; outputs are never released.
type Plan struct {
	offsets []int
	size    int
	sig     uint64
}

// Size returns the arena length the plan requires, in float32 elements.
func (p *Plan) Size() int { return p.size }

// Compatible reports whether g has the topology the plan was built for.
func (p *Plan) Compatible(g *Graph) bool {
	return p != nil && len(p.offsets) == len(g.nodes) && p.sig == signature(g)
}

func signature(g *Graph) uint64 {
	h := xxhash.New()
	var buf [8]byte
	for _, n := range g.nodes {
		_, _ = h.Write([]byte{byte(n.Op)})
		for _, d := range n.Ne {
			binary.LittleEndian.PutUint64(buf[:], uint64(d))
			_, _ = h.Write(buf[:])
		}
		for _, s := range n.Src {
			id := int64(-1)
			if s != nil && !s.IsLeaf() {
				id = int64(s.id)
			}
			binary.LittleEndian.PutUint64(buf[:], uint64(id))
			_, _ = h.Write(buf[:])
		}
		if g.isOutput(n) {
			_, _ = h.Write([]byte{1})
		}
	}
	return h.Sum64()
}

type span struct{ off, size int }

type freeList struct {
	spans []span
	top   int
}

func (f *freeList) alloc(size int) int {
	for i, s := range f.spans {
		if s.size < size {
			continue
		}
		off := s.off
		if s.size == size {
			f.spans = slices.Delete(f.spans, i, i+1)
		} else {
			f.spans[i] = span{s.off + size, s.size - size}
		}
		return off
	}
	off := f.top
	f.top += size
	return off
}

func (f *freeList) release(off, size int) {
	i, _ := slices.BinarySearchFunc(f.spans, off, func(s span, o int) int { return s.off - o })
	f.spans = slices.Insert(f.spans, i, span{off, size})
	if i+1 < len(f.spans) && f.spans[i].off+f.spans[i].size == f.spans[i+1].off {
		f.spans[i].size += f.spans[i+1].size
		f.spans = slices.Delete(f.spans, i+1, i+2)
	}
	if i > 0 && f.spans[i-1].off+f.spans[i-1].size == f.spans[i].off {
		f.spans[i-1].size += f.spans[i].size
		f.spans = slices.Delete(f.spans, i, i+1)
		i--
	}
	if last := f.spans[len(f.spans)-1]; last.off+last.size == f.top {
		f.top = last.off
		f.spans = f.spans[:len(f.spans)-1]
	}
}

func alignUp(n int) int { return (n + arenaAlign - 1) / arenaAlign * arenaAlign }

// NewPlan computes arena offsets for g by liveness over execution order.
func NewPlan(g *Graph) (*Plan, error) {
	if g.err != nil {
		return nil, g.err
	}
	n := len(g.nodes)
	last := make([]int, n)
	for i := range last {
		last[i] = i
	}
	for i, t := range g.nodes {
		for _, s := range t.Src {
			if s == nil {
				continue
			}
			if st := storage(s); st != nil {
				last[st.id] = max(last[st.id], i)
			}
		}
		if g.isOutput(t) {
			if st := storage(t); st != nil {
				last[st.id] = n
			}
		}
	}

	dies := make([][]int, n)
	for i, l := range last {
		if l < n && !g.nodes[i].IsView() {
			dies[l] = append(dies[l], i)
		}
	}

	p := &Plan{offsets: make([]int, n), sig: signature(g)}
	var fl freeList
	for i, t := range g.nodes {
		if t.IsView() {
			p.offsets[i] = -1
		} else {
			p.offsets[i] = fl.alloc(alignUp(t.Len()))
		}
		p.size = max(p.size, fl.top)
		for _, d := range dies[i] {
			fl.release(p.offsets[d], alignUp(g.nodes[d].Len()))
		}
	}
	if p.size > MaxArenaElems {
		return nil, fmt.Errorf("%w: plan needs %d elements", ErrAllocationFailure, p.size)
	}
	return p, nil
}

// Arena is the reusable backing store for planned intermediates.
type Arena struct {
	buf []float32
}

// Reserve grows the arena to fit p. Existing storage is reused when large
// enough.
func (a *Arena) Reserve(p *Plan) error {
	if p.size > MaxArenaElems {
		return fmt.Errorf("%w: plan needs %d elements", ErrAllocationFailure, p.size)
	}
	if len(a.buf) < p.size {
		a.buf = make([]float32, p.size)
	}
	return nil
}

// Len returns the arena capacity in elements.
func (a *Arena) Len() int { return len(a.buf) }

// bind points every node's Data at its arena slot or aliased storage.
func (p *Plan) bind(g *Graph, a *Arena) {
	for i, t := range g.nodes {
		switch t.Op {
		case OpView:
			src := t.Src[0]
			t.Data = src.Data[t.offset : t.offset+t.Len() : t.offset+t.Len()]
		case OpStoreRows:
			dst := t.Src[0]
			t.Data = dst.Data[:t.Len():t.Len()]
		default:
			off := p.offsets[i]
			t.Data = a.buf[off : off+t.Len() : off+t.Len()]
		}
	}
}
