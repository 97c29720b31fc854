package mmf

import "errors"

var (
	ErrBadFormat        = errors.New("bad MMF format")
	ErrUnsupportedQuant = errors.New("unsupported MMF quantization")
	ErrTruncated        = errors.New("truncated MMF file")
)
