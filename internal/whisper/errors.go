package whisper

import (
	"context"
	"errors"

	"github.com/samcharles93/murmur/internal/model"
	"github.com/samcharles93/murmur/internal/tensor"
	"github.com/samcharles93/murmur/pkg/mmf"
)

var (
	// ErrInvalidArgument reports an out-of-range index, a bad parameter or
	// an unknown language.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrAborted marks caller cancellation. Transcribe never returns it;
	// an aborted call reports Result.Aborted instead.
	ErrAborted = errors.New("aborted")
)

// ErrorKind classifies engine errors for callers that map them onto
// another taxonomy, such as HTTP status codes.
type ErrorKind int

const (
	KindNone ErrorKind = iota
	KindBadFormat
	KindUnsupportedQuant
	KindTruncated
	KindShapeMismatch
	KindAllocationFailure
	KindUnsupportedOp
	KindInvalidArgument
	KindAborted
	KindInternal
)

func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindBadFormat:
		return "bad_format"
	case KindUnsupportedQuant:
		return "unsupported_quant"
	case KindTruncated:
		return "truncated"
	case KindShapeMismatch:
		return "shape_mismatch"
	case KindAllocationFailure:
		return "allocation_failure"
	case KindUnsupportedOp:
		return "unsupported_op"
	case KindInvalidArgument:
		return "invalid_argument"
	case KindAborted:
		return "aborted"
	default:
		return "internal"
	}
}

// KindOf maps err onto the error taxonomy. A nil error is KindNone.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, mmf.ErrBadFormat):
		return KindBadFormat
	case errors.Is(err, mmf.ErrUnsupportedQuant):
		return KindUnsupportedQuant
	case errors.Is(err, mmf.ErrTruncated):
		return KindTruncated
	case errors.Is(err, tensor.ErrShapeMismatch):
		return KindShapeMismatch
	case errors.Is(err, tensor.ErrAllocationFailure):
		return KindAllocationFailure
	case errors.Is(err, tensor.ErrUnsupportedOp):
		return KindUnsupportedOp
	case errors.Is(err, ErrInvalidArgument),
		errors.Is(err, model.ErrUnknownLanguage),
		errors.Is(err, model.ErrInvalidToken):
		return KindInvalidArgument
	case errors.Is(err, ErrAborted),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return KindAborted
	default:
		return KindInternal
	}
}
