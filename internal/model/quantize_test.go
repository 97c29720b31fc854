package model_test

import (
	"errors"
	"math"
	"path/filepath"
	"testing"

	"github.com/samcharles93/murmur/internal/model"
	"github.com/samcharles93/murmur/pkg/mmf"
)

func TestQuantizeFile(t *testing.T) {
	t.Parallel()
	in, _ := writeToy(t)
	out := filepath.Join(t.TempDir(), "toy-q8.mmf")

	st, err := model.QuantizeFile(in, out, mmf.DTypeQ8_0)
	if err != nil {
		t.Fatalf("QuantizeFile: %v", err)
	}
	if st.Converted == 0 || st.Kept == 0 {
		t.Fatalf("stats: %+v", st)
	}
	if st.BytesOut >= st.BytesIn {
		t.Fatalf("output not smaller: %d >= %d", st.BytesOut, st.BytesIn)
	}

	src, err := model.Load(in)
	if err != nil {
		t.Fatalf("Load source: %v", err)
	}
	defer src.Close()
	m, err := model.Load(out)
	if err != nil {
		t.Fatalf("Load quantized: %v", err)
	}
	defer m.Close()

	if m.FType != mmf.DTypeQ8_0 {
		t.Fatalf("ftype: got %s want q8_0", m.FType)
	}
	checks := map[string]mmf.DType{
		"decoder.token_embedding.weight":         mmf.DTypeQ8_0,
		"encoder.blocks.0.attn.query.weight":     mmf.DTypeQ8_0,
		"decoder.blocks.1.mlp.2.weight":          mmf.DTypeQ8_0,
		"encoder.conv1.weight":                   mmf.DTypeF16,
		"decoder.ln.weight":                      mmf.DTypeF32,
		"decoder.positional_embedding":           mmf.DTypeF32,
		"decoder.blocks.0.cross_attn.value.bias": mmf.DTypeF32,
	}
	for name, want := range checks {
		tt, ok := m.Tensor(name)
		if !ok {
			t.Fatalf("missing %s", name)
		}
		if tt.DType != want {
			t.Fatalf("%s: got %s want %s", name, tt.DType, want)
		}
	}

	a, _ := src.Tensor("decoder.token_embedding.weight")
	b, _ := m.Tensor("decoder.token_embedding.weight")
	av, bv := a.Float32(), b.Float32()
	var maxAbs, maxErr float64
	for i := range av {
		maxAbs = math.Max(maxAbs, math.Abs(float64(av[i])))
		maxErr = math.Max(maxErr, math.Abs(float64(av[i]-bv[i])))
	}
	if maxErr > maxAbs/100 {
		t.Fatalf("quantization error %g exceeds 1%% of %g", maxErr, maxAbs)
	}
}

func TestQuantizeRejectsF32Target(t *testing.T) {
	t.Parallel()
	in, _ := writeToy(t)
	out := filepath.Join(t.TempDir(), "out.mmf")
	_, err := model.QuantizeFile(in, out, mmf.DTypeF32)
	if !errors.Is(err, mmf.ErrUnsupportedQuant) {
		t.Fatalf("expected ErrUnsupportedQuant, got %v", err)
	}
	if _, err := model.Load(out); err == nil {
		t.Fatalf("failed conversion left a loadable file")
	}
}
