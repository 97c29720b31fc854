package mmf

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
)

type writeStage int

const (
	stageHeader writeStage = iota
	stageFilters
	stageVocab
	stageTensors
	stageClosed
)

// Writer produces a model file. Sections must be written in file order:
// WriteHeader, WriteFilters, WriteVocab, then any number of WriteTensor.
type Writer struct {
	bw    *bufio.Writer
	f     *os.File
	off   int64
	stage writeStage
	seen  map[string]struct{}
	buf   [16]byte
	pad   [tensorAlign]byte
}

// Create truncates path and returns a writer that owns the file.
func Create(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	w := NewWriter(f)
	w.f = f
	return w, nil
}

// NewWriter writes a model file to w. Close flushes but does not close w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{
		bw:   bufio.NewWriterSize(w, 1<<20),
		seen: make(map[string]struct{}),
	}
}

func (w *Writer) write(p []byte) error {
	n, err := w.bw.Write(p)
	w.off += int64(n)
	return err
}

func (w *Writer) u32(v uint32) error {
	binary.LittleEndian.PutUint32(w.buf[:4], v)
	return w.write(w.buf[:4])
}

func (w *Writer) expect(s writeStage, what string) error {
	if w.stage != s {
		return fmt.Errorf("mmf: %s written out of order", what)
	}
	return nil
}

// WriteHeader writes the magic, current version and hyperparameters.
func (w *Writer) WriteHeader(hp HParams) error {
	if err := w.expect(stageHeader, "header"); err != nil {
		return err
	}
	copy(w.buf[:4], Magic[:])
	binary.LittleEndian.PutUint16(w.buf[4:], CurrentMajor)
	binary.LittleEndian.PutUint16(w.buf[6:], CurrentMinor)
	if err := w.write(w.buf[:headerSize]); err != nil {
		return err
	}
	for _, p := range hp.fields() {
		if err := w.u32(uint32(*p)); err != nil {
			return err
		}
	}
	w.stage = stageFilters
	return nil
}

// WriteFilters writes a row-major nMel x nFFT filterbank.
func (w *Writer) WriteFilters(nMel, nFFT int, data []float32) error {
	if err := w.expect(stageFilters, "filters"); err != nil {
		return err
	}
	if len(data) != nMel*nFFT {
		return fmt.Errorf("mmf: filterbank has %d values, want %d", len(data), nMel*nFFT)
	}
	if err := w.u32(uint32(nMel)); err != nil {
		return err
	}
	if err := w.u32(uint32(nFFT)); err != nil {
		return err
	}
	for _, v := range data {
		if err := w.u32(math.Float32bits(v)); err != nil {
			return err
		}
	}
	w.stage = stageVocab
	return nil
}

// WriteVocab writes the token table in id order.
func (w *Writer) WriteVocab(tokens []string) error {
	if err := w.expect(stageVocab, "vocab"); err != nil {
		return err
	}
	if err := w.u32(uint32(len(tokens))); err != nil {
		return err
	}
	for _, t := range tokens {
		if len(t) > maxTokenLen {
			return fmt.Errorf("mmf: token %q too long", t[:32])
		}
		if err := w.u32(uint32(len(t))); err != nil {
			return err
		}
		if err := w.write([]byte(t)); err != nil {
			return err
		}
	}
	w.stage = stageTensors
	return nil
}

// WriteTensor appends a tensor record. Shape is innermost-first and the
// payload must match PayloadSize exactly.
func (w *Writer) WriteTensor(name string, dt DType, shape []int, payload []byte) error {
	if err := w.expect(stageTensors, "tensor "+name); err != nil {
		return err
	}
	if name == "" || len(name) > maxNameLen {
		return fmt.Errorf("mmf: invalid tensor name %q", name)
	}
	if _, dup := w.seen[name]; dup {
		return fmt.Errorf("mmf: duplicate tensor %q", name)
	}
	size, err := PayloadSize(dt, shape)
	if err != nil {
		return fmt.Errorf("tensor %q: %w", name, err)
	}
	if int64(len(payload)) != size {
		return fmt.Errorf("mmf: tensor %q payload is %d bytes, want %d", name, len(payload), size)
	}
	for _, v := range []uint32{uint32(len(shape)), uint32(len(name)), uint32(dt)} {
		if err := w.u32(v); err != nil {
			return err
		}
	}
	for _, d := range shape {
		if err := w.u32(uint32(d)); err != nil {
			return err
		}
	}
	if err := w.write([]byte(name)); err != nil {
		return err
	}
	if pad := padTo(w.off, tensorAlign); pad > 0 {
		if err := w.write(w.pad[:pad]); err != nil {
			return err
		}
	}
	if err := w.write(payload); err != nil {
		return err
	}
	w.seen[name] = struct{}{}
	return nil
}

// Close flushes buffered output and closes the file when the writer owns it.
func (w *Writer) Close() error {
	if w.stage == stageClosed {
		return nil
	}
	done := w.stage == stageTensors
	w.stage = stageClosed
	err := w.bw.Flush()
	if !done && err == nil {
		err = errors.New("mmf: writer closed before vocab was written")
	}
	if w.f != nil {
		err = errors.Join(err, w.f.Close())
	}
	return err
}
