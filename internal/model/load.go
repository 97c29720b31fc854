package model

import (
	"fmt"
	"io"
	"time"

	"github.com/samcharles93/murmur/internal/audio"
	"github.com/samcharles93/murmur/internal/logger"
	"github.com/samcharles93/murmur/internal/tensor"
	"github.com/samcharles93/murmur/pkg/mmf"
)

// Model is a loaded speech model. It is immutable after Load and safe to
// share across any number of inference states.
type Model struct {
	HParams
	Vocab   *Vocab
	Filters audio.Filters
	Encoder Encoder
	Decoder Decoder

	tensors  map[string]*tensor.Tensor
	memBytes int64
	file     *mmf.File
}

// Load maps the model file at path. Weight tensors alias the mapping until
// Close is called.
func Load(path string) (*Model, error) {
	start := time.Now()
	f, err := mmf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open model %s: %w", path, err)
	}
	m, err := fromFile(f)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("load model %s: %w", path, err)
	}
	logLoaded(m, path, start)
	return m, nil
}

// LoadReader reads a complete model from r into memory.
func LoadReader(r io.Reader) (*Model, error) {
	start := time.Now()
	f, err := mmf.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("decode model: %w", err)
	}
	m, err := fromFile(f)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("load model: %w", err)
	}
	logLoaded(m, "<stream>", start)
	return m, nil
}

func fromFile(f *mmf.File) (*Model, error) {
	hp := HParamsFromFile(f.HParams)
	if err := hp.Validate(); err != nil {
		return nil, err
	}
	if f.Filters.NMel != hp.NMels {
		return nil, fmt.Errorf("%w: filter bank has %d mel bins, hparams want %d", mmf.ErrBadFormat, f.Filters.NMel, hp.NMels)
	}
	if f.Filters.NFFT != audio.NFFT/2+1 {
		return nil, fmt.Errorf("%w: filter bank has %d fft bins, want %d", mmf.ErrBadFormat, f.Filters.NFFT, audio.NFFT/2+1)
	}
	vocab, err := NewVocab(f.Vocab, hp.NVocab, hp.NAudioCtx, hp.Multilingual)
	if err != nil {
		return nil, err
	}

	m := &Model{
		HParams: hp,
		Vocab:   vocab,
		Filters: audio.Filters{NMel: f.Filters.NMel, NFFT: f.Filters.NFFT, Data: f.Filters.Data},
		file:    f,
	}
	m.Encoder.Layers = make([]EncoderLayer, hp.NAudioLayer)
	m.Decoder.Layers = make([]DecoderLayer, hp.NTextLayer)
	if err := m.bind(f); err != nil {
		return nil, err
	}
	return m, nil
}

func logLoaded(m *Model, src string, start time.Time) {
	logger.Process().Info("model loaded",
		"source", src,
		"type", m.Type(),
		"multilingual", m.Multilingual,
		"ftype", m.FType.String(),
		"n_vocab", m.NVocab,
		"n_audio_ctx", m.NAudioCtx,
		"n_text_ctx", m.NTextCtx,
		"n_state", m.NAudioState,
		"mem_mb", fmt.Sprintf("%.1f", float64(m.memBytes)/(1<<20)),
		"mapped", m.file.Mapped(),
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
}

// Close releases the file mapping. The model must not be used afterwards.
func (m *Model) Close() error {
	if m == nil || m.file == nil {
		return nil
	}
	err := m.file.Close()
	m.file = nil
	return err
}

// Tensor returns a weight by its stored name.
func (m *Model) Tensor(name string) (*tensor.Tensor, bool) {
	t, ok := m.tensors[name]
	return t, ok
}

// MemoryBytes is the size of the weights as held in memory.
func (m *Model) MemoryBytes() int64 { return m.memBytes }

// TensorCount is the number of bound weight tensors.
func (m *Model) TensorCount() int { return len(m.tensors) }
