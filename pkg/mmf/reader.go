package mmf

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"golang.org/x/sys/unix"
)

type File struct {
	Header  Header
	HParams HParams
	Filters Filters
	Vocab   []string
	Tensors []TensorInfo

	index   map[string]int
	data    []byte
	mmapped bool
}

// Open maps a model file read-only and parses it. Tensor payloads are
// slices of the mapping, so weights are never resident twice.
// If mmap is unavailable, it falls back to reading the whole file.
// The returned file must be closed to release any mapping.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size64 := stat.Size()
	if size64 < headerSize {
		return nil, fmt.Errorf("%w: file is %d bytes", ErrTruncated, size64)
	}
	if size64 > int64(int(^uint(0)>>1)) {
		return nil, fmt.Errorf("%w: file too large to address", ErrBadFormat)
	}
	size := int(size64)

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err == nil {
		mf, parseErr := parse(&byteSource{data: data})
		if parseErr != nil {
			_ = unix.Munmap(data)
			return nil, parseErr
		}
		mf.data = data
		mf.mmapped = true
		return mf, nil
	}

	data, err = readAllAt(f, size)
	if err != nil {
		return nil, err
	}
	return OpenBytes(data)
}

// OpenBytes parses a model held in memory. Payloads alias data.
func OpenBytes(data []byte) (*File, error) {
	mf, err := parse(&byteSource{data: data})
	if err != nil {
		return nil, err
	}
	mf.data = data
	return mf, nil
}

// Decode parses a model from a stream, copying each payload once.
func Decode(r io.Reader) (*File, error) {
	return parse(&streamSource{r: bufio.NewReaderSize(r, 1<<20)})
}

func readAllAt(r io.ReaderAt, size int) ([]byte, error) {
	out := make([]byte, size)
	var off int64
	for off < int64(size) {
		n, err := r.ReadAt(out[off:], off)
		off += int64(n)
		if err == nil {
			continue
		}
		if err == io.EOF && off == int64(size) {
			break
		}
		return nil, err
	}
	return out, nil
}

// Close releases the mapping. Tensor data must not be used afterwards.
func (f *File) Close() error {
	if f == nil {
		return nil
	}
	data := f.data
	mapped := f.mmapped
	f.data = nil
	f.mmapped = false
	f.Tensors = nil
	f.index = nil
	if mapped && data != nil {
		return unix.Munmap(data)
	}
	return nil
}

// Mapped reports whether payloads alias a memory mapping.
func (f *File) Mapped() bool { return f.mmapped }

// Tensor returns the named tensor.
func (f *File) Tensor(name string) (TensorInfo, bool) {
	i, ok := f.index[name]
	if !ok {
		return TensorInfo{}, false
	}
	return f.Tensors[i], true
}

// source yields consecutive byte ranges of the file.
type source interface {
	// next returns exactly n bytes or io.ErrUnexpectedEOF. At a clean end
	// of input with n > 0 it returns io.EOF.
	next(n int) ([]byte, error)
	offset() int64
}

type byteSource struct {
	data []byte
	off  int
}

func (s *byteSource) next(n int) ([]byte, error) {
	if n == 0 {
		return nil, nil
	}
	if s.off == len(s.data) {
		return nil, io.EOF
	}
	if n < 0 || len(s.data)-s.off < n {
		s.off = len(s.data)
		return nil, io.ErrUnexpectedEOF
	}
	b := s.data[s.off : s.off+n : s.off+n]
	s.off += n
	return b, nil
}

func (s *byteSource) offset() int64 { return int64(s.off) }

type streamSource struct {
	r   *bufio.Reader
	off int64
}

func (s *streamSource) next(n int) ([]byte, error) {
	if n == 0 {
		return nil, nil
	}
	b := make([]byte, n)
	m, err := io.ReadFull(s.r, b)
	s.off += int64(m)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (s *streamSource) offset() int64 { return s.off }

func truncated(what string, err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %s", ErrTruncated, what)
	}
	return fmt.Errorf("mmf: read %s: %w", what, err)
}

func parse(src source) (*File, error) {
	b, err := src.next(headerSize)
	if err != nil {
		return nil, truncated("header", err)
	}
	var h Header
	copy(h.Magic[:], b[:4])
	h.Major = binary.LittleEndian.Uint16(b[4:])
	h.Minor = binary.LittleEndian.Uint16(b[6:])
	if !h.Valid() {
		return nil, fmt.Errorf("%w: magic %q", ErrBadFormat, h.Magic[:])
	}
	if !h.Compatible() {
		return nil, fmt.Errorf("%w: version %d.%d (reader supports %d.%d)", ErrBadFormat, h.Major, h.Minor, CurrentMajor, CurrentMinor)
	}

	mf := &File{Header: h, index: make(map[string]int)}

	b, err = src.next(hparamsSize)
	if err != nil {
		return nil, truncated("hparams", err)
	}
	for i, p := range mf.HParams.fields() {
		*p = int32(binary.LittleEndian.Uint32(b[i*4:]))
	}

	if err := parseFilters(src, &mf.Filters); err != nil {
		return nil, err
	}
	if mf.Vocab, err = parseVocab(src); err != nil {
		return nil, err
	}

	for {
		ti, err := parseTensor(src)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if _, dup := mf.index[ti.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate tensor %q", ErrBadFormat, ti.Name)
		}
		mf.index[ti.Name] = len(mf.Tensors)
		mf.Tensors = append(mf.Tensors, ti)
	}
	return mf, nil
}

func parseFilters(src source, out *Filters) error {
	b, err := src.next(8)
	if err != nil {
		return truncated("filters", err)
	}
	nMel := int(int32(binary.LittleEndian.Uint32(b)))
	nFFT := int(int32(binary.LittleEndian.Uint32(b[4:])))
	if nMel < 0 || nFFT < 0 || nMel*nFFT > maxFilterSize {
		return fmt.Errorf("%w: filterbank %dx%d", ErrBadFormat, nMel, nFFT)
	}
	b, err = src.next(nMel * nFFT * 4)
	if err != nil {
		return truncated("filters", err)
	}
	out.NMel = nMel
	out.NFFT = nFFT
	out.Data = make([]float32, nMel*nFFT)
	for i := range out.Data {
		out.Data[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return nil
}

func parseVocab(src source) ([]string, error) {
	b, err := src.next(4)
	if err != nil {
		return nil, truncated("vocab", err)
	}
	n := binary.LittleEndian.Uint32(b)
	if n > maxVocabSize {
		return nil, fmt.Errorf("%w: vocab size %d", ErrBadFormat, n)
	}
	vocab := make([]string, n)
	for i := range vocab {
		b, err = src.next(4)
		if err != nil {
			return nil, truncated("vocab", err)
		}
		l := binary.LittleEndian.Uint32(b)
		if l > maxTokenLen {
			return nil, fmt.Errorf("%w: token %d length %d", ErrBadFormat, i, l)
		}
		b, err = src.next(int(l))
		if err != nil {
			return nil, truncated("vocab", err)
		}
		vocab[i] = string(b)
	}
	return vocab, nil
}

func parseTensor(src source) (TensorInfo, error) {
	b, err := src.next(12)
	if errors.Is(err, io.EOF) {
		return TensorInfo{}, io.EOF
	}
	if err != nil {
		return TensorInfo{}, truncated("tensor descriptor", err)
	}
	rank := binary.LittleEndian.Uint32(b)
	nameLen := binary.LittleEndian.Uint32(b[4:])
	dt := DType(binary.LittleEndian.Uint32(b[8:]))
	if rank == 0 || rank > maxRank {
		return TensorInfo{}, fmt.Errorf("%w: tensor rank %d", ErrBadFormat, rank)
	}
	if nameLen == 0 || nameLen > maxNameLen {
		return TensorInfo{}, fmt.Errorf("%w: tensor name length %d", ErrBadFormat, nameLen)
	}
	if !dt.Known() {
		return TensorInfo{}, fmt.Errorf("%w: tag %d", ErrUnsupportedQuant, uint32(dt))
	}

	b, err = src.next(int(rank) * 4)
	if err != nil {
		return TensorInfo{}, truncated("tensor dims", err)
	}
	shape := make([]int, rank)
	for i := range shape {
		shape[i] = int(binary.LittleEndian.Uint32(b[i*4:]))
	}
	b, err = src.next(int(nameLen))
	if err != nil {
		return TensorInfo{}, truncated("tensor name", err)
	}
	name := string(b)

	size, err := PayloadSize(dt, shape)
	if err != nil {
		return TensorInfo{}, fmt.Errorf("tensor %q: %w", name, err)
	}
	if pad := padTo(src.offset(), tensorAlign); pad > 0 {
		if _, err := src.next(int(pad)); err != nil {
			return TensorInfo{}, truncated("tensor "+name, err)
		}
	}
	off := src.offset()
	data, err := src.next(int(size))
	if err != nil {
		return TensorInfo{}, truncated("tensor "+name, err)
	}
	return TensorInfo{Name: name, DType: dt, Shape: shape, Offset: off, Data: data}, nil
}

func padTo(off int64, align int64) int64 {
	if r := off % align; r != 0 {
		return align - r
	}
	return 0
}
