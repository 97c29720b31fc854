package tensor

import "errors"

var (
	// ErrShapeMismatch reports an operation built over incompatible shapes
	// or element types. It is raised at graph-build time.
	ErrShapeMismatch = errors.New("tensor shape mismatch")
	// ErrAllocationFailure reports an arena that cannot hold a planned graph.
	ErrAllocationFailure = errors.New("tensor allocation failure")
	// ErrUnsupportedOp reports a node that no backend can compute.
	ErrUnsupportedOp = errors.New("unsupported tensor op")
)
