//go:build goexperiment.simd && amd64

package simd

import "simd/archsimd"

func dot(a, b []float32) float32 {
	n := len(a)
	if !features.HasAVX2 {
		var s float32
		for i := range n {
			s += a[i] * b[i]
		}
		return s
	}
	var acc archsimd.Float32x8
	j := 0
	for ; j+8 <= n; j += 8 {
		va := archsimd.LoadFloat32x8Slice(a[j:])
		vb := archsimd.LoadFloat32x8Slice(b[j:])
		acc = acc.Add(va.Mul(vb))
	}
	var tmp [8]float32
	acc.Store(&tmp)
	sum := tmp[0] + tmp[1] + tmp[2] + tmp[3] + tmp[4] + tmp[5] + tmp[6] + tmp[7]
	for ; j < n; j++ {
		sum += a[j] * b[j]
	}
	return sum
}

func addTo(dst, a, b []float32) {
	n := len(dst)
	j := 0
	if features.HasAVX2 {
		for ; j+8 <= n; j += 8 {
			v := archsimd.LoadFloat32x8Slice(a[j:]).Add(archsimd.LoadFloat32x8Slice(b[j:]))
			v.StoreSlice(dst[j:])
		}
	}
	for ; j < n; j++ {
		dst[j] = a[j] + b[j]
	}
}

func mulTo(dst, a, b []float32) {
	n := len(dst)
	j := 0
	if features.HasAVX2 {
		for ; j+8 <= n; j += 8 {
			v := archsimd.LoadFloat32x8Slice(a[j:]).Mul(archsimd.LoadFloat32x8Slice(b[j:]))
			v.StoreSlice(dst[j:])
		}
	}
	for ; j < n; j++ {
		dst[j] = a[j] * b[j]
	}
}

func scaleTo(dst, src []float32, s float32) {
	n := len(dst)
	j := 0
	if features.HasAVX2 {
		vs := archsimd.BroadcastFloat32x8(s)
		for ; j+8 <= n; j += 8 {
			archsimd.LoadFloat32x8Slice(src[j:]).Mul(vs).StoreSlice(dst[j:])
		}
	}
	for ; j < n; j++ {
		dst[j] = src[j] * s
	}
}
