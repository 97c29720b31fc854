package model

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/samcharles93/murmur/internal/logger"
	"github.com/samcharles93/murmur/internal/tensor"
	"github.com/samcharles93/murmur/pkg/mmf"
)

// QuantizeStats summarizes a conversion.
type QuantizeStats struct {
	Converted int
	Kept      int
	BytesIn   int64
	BytesOut  int64
}

// Quantize rewrites src with every matrix weight stored as dt. Norms,
// biases, embeddings added to activations and convolutions keep their
// stored precision, as do matrices whose rows are not whole blocks.
func Quantize(dst io.Writer, src *mmf.File, dt mmf.DType) (QuantizeStats, error) {
	var st QuantizeStats
	switch dt {
	case mmf.DTypeF16, mmf.DTypeQ8_0, mmf.DTypeQ4_0, mmf.DTypeQ4_1:
	default:
		return st, fmt.Errorf("%w: cannot quantize to %s", mmf.ErrUnsupportedQuant, dt)
	}
	hp := HParamsFromFile(src.HParams)
	if err := hp.Validate(); err != nil {
		return st, err
	}
	matrices := make(map[string]bool)
	for _, ts := range TensorSpecs(hp) {
		matrices[ts.Name] = !ts.F32 && len(ts.Shape) == 2
	}

	w := mmf.NewWriter(dst)
	hp.FType = dt
	if err := w.WriteHeader(hp.File()); err != nil {
		return st, err
	}
	if err := w.WriteFilters(src.Filters.NMel, src.Filters.NFFT, src.Filters.Data); err != nil {
		return st, err
	}
	if err := w.WriteVocab(src.Vocab); err != nil {
		return st, err
	}

	start := time.Now()
	for _, ti := range src.Tensors {
		st.BytesIn += int64(len(ti.Data))
		if !matrices[ti.Name] || ti.DType == dt || (dt.Quantized() && ti.Shape[0]%mmf.QuantBlock != 0) {
			if err := w.WriteTensor(ti.Name, ti.DType, ti.Shape, ti.Data); err != nil {
				return st, err
			}
			st.Kept++
			st.BytesOut += int64(len(ti.Data))
			continue
		}
		t, err := tensor.FromRaw(ti.Name, ti.DType, ti.Data, ti.Shape...)
		if err != nil {
			return st, err
		}
		payload, err := tensor.Quantize(dt, t.Float32())
		if err != nil {
			return st, fmt.Errorf("%s: %w", ti.Name, err)
		}
		if err := w.WriteTensor(ti.Name, dt, ti.Shape, payload); err != nil {
			return st, err
		}
		st.Converted++
		st.BytesOut += int64(len(payload))
	}
	if err := w.Close(); err != nil {
		return st, err
	}
	logger.Process().Info("model quantized",
		"ftype", dt.String(),
		"converted", st.Converted,
		"kept", st.Kept,
		"in_mb", fmt.Sprintf("%.1f", float64(st.BytesIn)/(1<<20)),
		"out_mb", fmt.Sprintf("%.1f", float64(st.BytesOut)/(1<<20)),
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return st, nil
}

// QuantizeFile converts the model at in and writes it to out. A failed
// conversion leaves no output file behind.
func QuantizeFile(in, out string, dt mmf.DType) (QuantizeStats, error) {
	src, err := mmf.Open(in)
	if err != nil {
		return QuantizeStats{}, fmt.Errorf("open model %s: %w", in, err)
	}
	defer func() { _ = src.Close() }()

	f, err := os.Create(out)
	if err != nil {
		return QuantizeStats{}, err
	}
	st, err := Quantize(f, src, dt)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(out)
		return QuantizeStats{}, err
	}
	return st, nil
}
