package backend

import (
	"fmt"

	"github.com/samcharles93/murmur/internal/tensor"
)

// Scheduler spreads a graph over several backends. Each node runs on the
// first backend, in preference order, that supports it; copy nodes are
// inserted where a value crosses from one backend to another.
type Scheduler struct {
	backends []Backend
	byName   map[string]Backend
	copies   int
}

// NewScheduler combines backends in preference order. The last backend
// should support every op.
func NewScheduler(backends ...Backend) *Scheduler {
	s := &Scheduler{backends: backends, byName: make(map[string]Backend, len(backends))}
	for _, b := range backends {
		s.byName[b.Name()] = b
	}
	return s
}

func (s *Scheduler) Name() string { return Auto }

func (s *Scheduler) Supports(t *tensor.Tensor) bool {
	return s.pick(t) != ""
}

func (s *Scheduler) pick(t *tensor.Tensor) string {
	for _, b := range s.backends {
		if b.Supports(t) {
			return b.Name()
		}
	}
	return ""
}

// Prepare assigns every node and records the copies it had to insert.
func (s *Scheduler) Prepare(g *tensor.Graph) error {
	for _, n := range g.Nodes() {
		if n.Op != tensor.OpView && s.pick(n) == "" {
			return fmt.Errorf("%w: %s", tensor.ErrUnsupportedOp, n.Op)
		}
	}
	s.copies = g.AssignBackends(s.pick)
	return nil
}

// Copies returns the number of copy nodes inserted by the last Prepare.
func (s *Scheduler) Copies() int { return s.copies }

func (s *Scheduler) Compute(t *tensor.Tensor) error {
	b, ok := s.byName[t.Backend]
	if !ok {
		return fmt.Errorf("%w: node %s assigned to unknown backend %q", tensor.ErrUnsupportedOp, t.Name, t.Backend)
	}
	return b.Compute(t)
}

// Backends returns the combined backend names in preference order.
func (s *Scheduler) Backends() []string {
	out := make([]string, len(s.backends))
	for i, b := range s.backends {
		out[i] = b.Name()
	}
	return out
}

func (s *Scheduler) Close() {
	for _, b := range s.backends {
		b.Close()
	}
}
