// Package cpu is the reference backend. It computes every op.
package cpu

import "github.com/samcharles93/murmur/internal/tensor"

type Backend struct {
	pool *tensor.Pool
}

func New(threads int) *Backend {
	return &Backend{pool: tensor.NewPool(threads)}
}

func (b *Backend) Name() string { return "cpu" }

func (b *Backend) Supports(t *tensor.Tensor) bool { return t.Op != tensor.OpNone }

func (b *Backend) Compute(t *tensor.Tensor) error { return tensor.Compute(t, b.pool) }

func (b *Backend) Threads() int { return b.pool.Size() }

func (b *Backend) Close() { b.pool.Close() }
