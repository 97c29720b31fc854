package mmf

import "fmt"

// DType tags a tensor payload encoding. Values follow the ggml type ids.
type DType uint32

const (
	DTypeF32  DType = 0
	DTypeF16  DType = 1
	DTypeQ4_0 DType = 2
	DTypeQ4_1 DType = 3
	DTypeQ8_0 DType = 8
)

// QuantBlock is the number of elements per quantization block.
const QuantBlock = 32

func (d DType) String() string {
	switch d {
	case DTypeF32:
		return "f32"
	case DTypeF16:
		return "f16"
	case DTypeQ4_0:
		return "q4_0"
	case DTypeQ4_1:
		return "q4_1"
	case DTypeQ8_0:
		return "q8_0"
	default:
		return fmt.Sprintf("dtype(%d)", uint32(d))
	}
}

func (d DType) Known() bool {
	switch d {
	case DTypeF32, DTypeF16, DTypeQ4_0, DTypeQ4_1, DTypeQ8_0:
		return true
	}
	return false
}

func (d DType) Quantized() bool {
	return d == DTypeQ4_0 || d == DTypeQ4_1 || d == DTypeQ8_0
}

// BlockBytes returns the encoded size of one block of QuantBlock elements.
func (d DType) BlockBytes() int {
	switch d {
	case DTypeQ4_0:
		return 2 + QuantBlock/2
	case DTypeQ4_1:
		return 4 + QuantBlock/2
	case DTypeQ8_0:
		return 2 + QuantBlock
	}
	return 0
}

// ParseDType accepts the names printed by String.
func ParseDType(s string) (DType, error) {
	for _, d := range []DType{DTypeF32, DTypeF16, DTypeQ4_0, DTypeQ4_1, DTypeQ8_0} {
		if d.String() == s {
			return d, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnsupportedQuant, s)
}

// PayloadSize returns the exact byte size of a tensor payload.
// Quantized tensors need an innermost dimension divisible by QuantBlock.
func PayloadSize(d DType, shape []int) (int64, error) {
	if len(shape) == 0 || len(shape) > maxRank {
		return 0, fmt.Errorf("%w: rank %d", ErrBadFormat, len(shape))
	}
	n := int64(1)
	for _, s := range shape {
		if s <= 0 {
			return 0, fmt.Errorf("%w: dimension %d", ErrBadFormat, s)
		}
		n *= int64(s)
		if n > 1<<40 {
			return 0, fmt.Errorf("%w: tensor too large", ErrBadFormat)
		}
	}
	switch d {
	case DTypeF32:
		return n * 4, nil
	case DTypeF16:
		return n * 2, nil
	case DTypeQ4_0, DTypeQ4_1, DTypeQ8_0:
		if shape[0]%QuantBlock != 0 {
			return 0, fmt.Errorf("%w: %s row of %d not a multiple of %d", ErrBadFormat, d, shape[0], QuantBlock)
		}
		return n / QuantBlock * int64(d.BlockBytes()), nil
	default:
		return 0, fmt.Errorf("%w: %s", ErrUnsupportedQuant, d)
	}
}
