package tensor

import (
	"math"
	"unsafe"
)

var nativeLittleEndian = func() bool {
	var x uint16 = 1
	b := (*[2]byte)(unsafe.Pointer(&x))
	return b[0] == 1
}()

// fp16Table maps every FP16 bit pattern to float32.
var fp16Table = func() *[1 << 16]float32 {
	var tbl [1 << 16]float32
	for i := range tbl {
		tbl[i] = fp16ToF32(uint16(i))
	}
	return &tbl
}()

// FP16ToF32 widens an IEEE 754 binary16 value.
func FP16ToF32(h uint16) float32 { return fp16Table[h] }

func u16le(b []byte, off int) uint16 {
	_ = b[off+1]
	return uint16(b[off]) | uint16(b[off+1])<<8
}

// F32ToFP16 narrows f with round-to-nearest-even.
func F32ToFP16(f float32) uint16 {
	u := math.Float32bits(f)
	sign := (u >> 31) & 0x1
	exp := int((u >> 23) & 0xFF)
	frac := u & 0x7FFFFF

	if exp == 0xFF {
		if frac != 0 {
			return uint16((sign << 15) | 0x7C00 | (frac >> 13) | 1)
		}
		return uint16((sign << 15) | 0x7C00)
	}

	e := exp - 127
	if e > 15 {
		return uint16((sign << 15) | 0x7C00)
	}
	if e < -14 {
		if e < -24 {
			return uint16(sign << 15)
		}
		frac |= 0x800000
		shift := uint32(-14 - e)
		rnd := uint32(1<<(shift-1)) - 1 + ((frac >> shift) & 1)
		frac = (frac + rnd) >> shift
		return uint16((sign << 15) | (frac >> 13))
	}

	exp16 := uint32(e + 15)
	rnd := uint32(0xFFF + ((frac >> 13) & 1))
	frac += rnd
	if frac&0x800000 != 0 {
		exp16++
		frac = 0
		if exp16 >= 0x1F {
			return uint16((sign << 15) | 0x7C00)
		}
	}
	return uint16((sign << 15) | (exp16 << 10) | ((frac & 0x7FFFFF) >> 13))
}

func fp16ToF32(h uint16) float32 {
	sign := uint32(h>>15) & 0x1
	exp := uint32(h>>10) & 0x1F
	frac := uint32(h & 0x3FF)
	var f uint32
	switch exp {
	case 0:
		if frac == 0 {
			f = sign << 31
		} else {
			e := uint32(127 - 15 + 1)
			for frac&0x400 == 0 {
				frac <<= 1
				e--
			}
			frac &= 0x3FF
			f = (sign << 31) | (e << 23) | (frac << 13)
		}
	case 0x1F:
		f = (sign << 31) | 0x7F800000 | (frac << 13)
	default:
		f = (sign << 31) | ((exp + 127 - 15) << 23) | (frac << 13)
	}
	return math.Float32frombits(f)
}

// Float32View reinterprets little-endian f32 bytes without copying when the
// host byte order and alignment allow it, and copies otherwise.
func Float32View(raw []byte) []float32 {
	n := len(raw) / 4
	if n == 0 {
		return nil
	}
	if nativeLittleEndian && uintptr(unsafe.Pointer(&raw[0]))%4 == 0 {
		return unsafe.Slice((*float32)(unsafe.Pointer(&raw[0])), n)
	}
	out := make([]float32, n)
	for i := range out {
		out[i] = math.Float32frombits(uint32(raw[4*i]) | uint32(raw[4*i+1])<<8 | uint32(raw[4*i+2])<<16 | uint32(raw[4*i+3])<<24)
	}
	return out
}
