// Package mmf reads and writes murmur model files.
//
// A model file is a little-endian stream:
//
//	header      magic "MMF\x00", major uint16, minor uint16
//	hparams     12 x int32
//	filters     n_mel int32, n_fft int32, n_mel*n_fft x float32
//	vocab       count uint32, then count x (len uint32, bytes)
//	tensors     repeated until EOF:
//	              rank uint32, name_len uint32, dtype uint32,
//	              dims [rank]uint32 (innermost first), name,
//	              zero padding to a 32-byte file offset, payload
package mmf

const (
	CurrentMajor uint16 = 1
	CurrentMinor uint16 = 0

	headerSize  = 8
	hparamsSize = 12 * 4
	tensorAlign = 32

	maxRank       = 4
	maxNameLen    = 1 << 10
	maxTokenLen   = 1 << 16
	maxVocabSize  = 1 << 21
	maxFilterSize = 1 << 20
)

var Magic = [4]byte{'M', 'M', 'F', 0}

// Header is the fixed file prefix.
type Header struct {
	Magic [4]byte
	Major uint16
	Minor uint16
}

func (h Header) Valid() bool { return h.Magic == Magic }

// Compatible reports whether this reader understands the layout. Unknown
// majors and newer minors are refused rather than guessed at.
func (h Header) Compatible() bool {
	return h.Major == CurrentMajor && h.Minor <= CurrentMinor
}

// HParams is the fixed-width hyperparameter block.
type HParams struct {
	NVocab       int32
	NAudioCtx    int32
	NAudioState  int32
	NAudioHead   int32
	NAudioLayer  int32
	NTextCtx     int32
	NTextState   int32
	NTextHead    int32
	NTextLayer   int32
	NMels        int32
	FType        int32
	Multilingual int32
}

func (hp *HParams) fields() []*int32 {
	return []*int32{
		&hp.NVocab, &hp.NAudioCtx, &hp.NAudioState, &hp.NAudioHead, &hp.NAudioLayer,
		&hp.NTextCtx, &hp.NTextState, &hp.NTextHead, &hp.NTextLayer,
		&hp.NMels, &hp.FType, &hp.Multilingual,
	}
}

// Filters is the precomputed mel filterbank, row-major [NMel][NFFT].
type Filters struct {
	NMel int
	NFFT int
	Data []float32
}

// TensorInfo describes one stored tensor. Shape is innermost-first.
// Data aliases the mapping when the file was opened with Open.
type TensorInfo struct {
	Name   string
	DType  DType
	Shape  []int
	Offset int64
	Data   []byte
}

// Elements returns the number of logical elements.
func (t TensorInfo) Elements() int {
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}
