package tensor

import "fmt"

// Backend computes graph nodes. Implementations must accept any node for
// which Supports returns true, with sources and output already bound.
type Backend interface {
	Name() string
	Supports(t *Tensor) bool
	Compute(t *Tensor) error
}

// Preparer is implemented by backends that tag nodes before planning, such
// as a scheduler spreading one graph over several devices.
type Preparer interface {
	Prepare(g *Graph) error
}

// Prepare lets be annotate g. It must run before NewPlan because it may
// insert nodes.
func Prepare(g *Graph, be Backend) error {
	if g.err != nil {
		return g.err
	}
	if pr, ok := be.(Preparer); ok {
		return pr.Prepare(g)
	}
	for _, n := range g.nodes {
		n.Backend = be.Name()
	}
	return nil
}

// Execute runs g in node order on be, writing intermediates into a.
// Nothing runs unless the whole graph is valid, planned, and supported.
func Execute(g *Graph, p *Plan, a *Arena, be Backend) error {
	if g.err != nil {
		return g.err
	}
	if !p.Compatible(g) {
		return fmt.Errorf("%w: plan does not match graph", ErrAllocationFailure)
	}
	if a.Len() < p.size {
		return fmt.Errorf("%w: arena holds %d elements, plan needs %d", ErrAllocationFailure, a.Len(), p.size)
	}
	for _, n := range g.nodes {
		if n.Op != OpView && !be.Supports(n) {
			return fmt.Errorf("%w: %s on %s", ErrUnsupportedOp, n.Op, be.Name())
		}
	}
	p.bind(g, a)
	for _, n := range g.nodes {
		if n.Op == OpView {
			continue
		}
		if err := be.Compute(n); err != nil {
			return fmt.Errorf("compute %s (%s): %w", n.Name, n.Op, err)
		}
	}
	return nil
}

// Run plans, reserves and executes g in one call.
func Run(g *Graph, a *Arena, be Backend) error {
	if err := Prepare(g, be); err != nil {
		return err
	}
	p, err := NewPlan(g)
	if err != nil {
		return err
	}
	if err := a.Reserve(p); err != nil {
		return err
	}
	return Execute(g, p, a, be)
}
