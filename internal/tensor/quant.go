package tensor

import (
	"encoding/binary"
	"math"

	"github.com/samcharles93/murmur/pkg/mmf"
)

const qk = mmf.QuantBlock

// dequantRow expands one encoded row of n elements into dst.
func dequantRow(dst []float32, dt mmf.DType, raw []byte, n int) {
	switch dt {
	case mmf.DTypeF16:
		if u, ok := rawUint16LE(raw[:2*n]); ok {
			for i, h := range u {
				dst[i] = fp16Table[h]
			}
			return
		}
		for i := range n {
			dst[i] = fp16Table[u16le(raw, 2*i)]
		}
	case mmf.DTypeQ8_0:
		for b := 0; b < n/qk; b++ {
			blk := raw[b*34:]
			d := fp16Table[u16le(blk, 0)]
			out := dst[b*qk : b*qk+qk]
			for j := range out {
				out[j] = d * float32(int8(blk[2+j]))
			}
		}
	case mmf.DTypeQ4_0:
		for b := 0; b < n/qk; b++ {
			blk := raw[b*18:]
			d := fp16Table[u16le(blk, 0)]
			out := dst[b*qk : b*qk+qk]
			for j := range qk / 2 {
				v := blk[2+j]
				out[j] = d * float32(int(v&0x0F)-8)
				out[j+qk/2] = d * float32(int(v>>4)-8)
			}
		}
	case mmf.DTypeQ4_1:
		for b := 0; b < n/qk; b++ {
			blk := raw[b*20:]
			d := fp16Table[u16le(blk, 0)]
			m := fp16Table[u16le(blk, 2)]
			out := dst[b*qk : b*qk+qk]
			for j := range qk / 2 {
				v := blk[4+j]
				out[j] = d*float32(v&0x0F) + m
				out[j+qk/2] = d*float32(v>>4) + m
			}
		}
	default:
		panic("tensor: dequant of unsupported dtype " + dt.String())
	}
}

// rowBytes returns the encoded size of a row of n elements.
func rowBytes(dt mmf.DType, n int) int {
	switch dt {
	case mmf.DTypeF32:
		return 4 * n
	case mmf.DTypeF16:
		return 2 * n
	default:
		return n / qk * dt.BlockBytes()
	}
}

// Quantize encodes src (a multiple of the block size for quantized types)
// into dt. F32 and F16 are accepted too.
func Quantize(dt mmf.DType, src []float32) ([]byte, error) {
	switch dt {
	case mmf.DTypeF32:
		out := make([]byte, 4*len(src))
		for i, v := range src {
			binary.LittleEndian.PutUint32(out[4*i:], math.Float32bits(v))
		}
		return out, nil
	case mmf.DTypeF16:
		out := make([]byte, 2*len(src))
		for i, v := range src {
			binary.LittleEndian.PutUint16(out[2*i:], F32ToFP16(v))
		}
		return out, nil
	case mmf.DTypeQ8_0, mmf.DTypeQ4_0, mmf.DTypeQ4_1:
	default:
		return nil, fmtError("quantize: unsupported dtype " + dt.String())
	}
	if len(src)%qk != 0 {
		return nil, fmtError("quantize: length not a multiple of the block size")
	}
	bs := dt.BlockBytes()
	out := make([]byte, len(src)/qk*bs)
	for b := 0; b < len(src)/qk; b++ {
		blk := src[b*qk : b*qk+qk]
		dstBlk := out[b*bs : b*bs+bs]
		switch dt {
		case mmf.DTypeQ8_0:
			quantizeQ8Block(dstBlk, blk)
		case mmf.DTypeQ4_0:
			quantizeQ40Block(dstBlk, blk)
		case mmf.DTypeQ4_1:
			quantizeQ41Block(dstBlk, blk)
		}
	}
	return out, nil
}

func quantizeQ8Block(dst []byte, x []float32) {
	var amax float32
	for _, v := range x {
		amax = max(amax, float32(math.Abs(float64(v))))
	}
	d := amax / 127
	id := float32(0)
	if d != 0 {
		id = 1 / d
	}
	binary.LittleEndian.PutUint16(dst, F32ToFP16(d))
	for j, v := range x {
		dst[2+j] = byte(int8(math.Round(float64(v * id))))
	}
}

func quantizeQ40Block(dst []byte, x []float32) {
	var amax, maxv float32
	for _, v := range x {
		if a := float32(math.Abs(float64(v))); a > amax {
			amax = a
			maxv = v
		}
	}
	d := maxv / -8
	id := float32(0)
	if d != 0 {
		id = 1 / d
	}
	binary.LittleEndian.PutUint16(dst, F32ToFP16(d))
	for j := range qk / 2 {
		x0 := min(15, int8(x[j]*id+8.5))
		x1 := min(15, int8(x[j+qk/2]*id+8.5))
		dst[2+j] = byte(x0) | byte(x1)<<4
	}
}

func quantizeQ41Block(dst []byte, x []float32) {
	lo, hi := x[0], x[0]
	for _, v := range x[1:] {
		lo = min(lo, v)
		hi = max(hi, v)
	}
	d := (hi - lo) / 15
	id := float32(0)
	if d != 0 {
		id = 1 / d
	}
	binary.LittleEndian.PutUint16(dst, F32ToFP16(d))
	binary.LittleEndian.PutUint16(dst[2:], F32ToFP16(lo))
	for j := range qk / 2 {
		x0 := min(15, int8((x[j]-lo)*id+0.5))
		x1 := min(15, int8((x[j+qk/2]-lo)*id+0.5))
		dst[4+j] = byte(x0) | byte(x1)<<4
	}
}
