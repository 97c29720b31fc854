package whisper

import (
	"context"
	"time"

	"github.com/samcharles93/murmur/internal/audio"
	"github.com/samcharles93/murmur/internal/backend"
	"github.com/samcharles93/murmur/internal/logger"
	"github.com/samcharles93/murmur/internal/tensor"
)

// noCopy makes go vet's copylocks check flag copies of a State.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

// Timings accumulates the time spent in each stage.
type Timings struct {
	Mel     time.Duration
	Sample  time.Duration
	Encode  time.Duration
	Decode  time.Duration
	NSample int
	NEncode int
	NDecode int
}

// Total sums the stage durations.
func (t Timings) Total() time.Duration { return t.Mel + t.Sample + t.Encode + t.Decode }

func (t Timings) add(o Timings) Timings {
	return Timings{
		Mel: t.Mel + o.Mel, Sample: t.Sample + o.Sample, Encode: t.Encode + o.Encode, Decode: t.Decode + o.Decode,
		NSample: t.NSample + o.NSample, NEncode: t.NEncode + o.NEncode, NDecode: t.NDecode + o.NDecode,
	}
}

func (t Timings) div(n int) Timings {
	if n <= 1 {
		return t
	}
	d := time.Duration(n)
	return Timings{
		Mel: t.Mel / d, Sample: t.Sample / d, Encode: t.Encode / d, Decode: t.Decode / d,
		NSample: t.NSample / n, NEncode: t.NEncode / n, NDecode: t.NDecode / n,
	}
}

// State is the mutable side of a transcription: spectrogram, encoder
// output, decoder caches and the segments produced so far. A State must
// only be used by one goroutine at a time and must not be copied.
type State struct {
	noCopy noCopy

	c   *Context
	log logger.Logger

	be        backend.Backend
	beThreads int
	arena     tensor.Arena

	mel    *audio.Mel
	enc    *encoderGraph
	crossK []*tensor.Tensor
	crossV []*tensor.Tensor

	decoders []*decoder
	kvSnap   [][]float32

	// Text of earlier windows, fed back as a prompt.
	promptPast []int32

	// Token timestamp state carried between segments.
	energy  []float32
	tBeg    int64
	tLast   int64
	tidLast int32

	result  *Result
	timings Timings
}

// Context returns the owning Context.
func (st *State) Context() *Context { return st.c }

// Result returns the segments of the current or last call. Observers may
// read it from OnSegment.
func (st *State) Result() *Result {
	if st.result == nil {
		st.result = &Result{}
	}
	return st.result
}

// Timings returns the accumulated stage timings.
func (st *State) Timings() Timings { return st.timings }

// ResetTimings clears the accumulated timings.
func (st *State) ResetTimings() { st.timings = Timings{} }

// ResetPrompt forgets the text carried over from earlier calls.
func (st *State) ResetPrompt() { st.promptPast = st.promptPast[:0] }

// Close releases the backend worker threads. The State may be reused;
// the backend is reopened on demand.
func (st *State) Close() error {
	if st.be != nil {
		st.be.Close()
		st.be = nil
	}
	st.enc = nil
	return nil
}

func (st *State) ensureBackend(threads int) error {
	if st.be != nil && st.beThreads == threads {
		return nil
	}
	if st.be != nil {
		st.be.Close()
		st.be = nil
	}
	be, err := backend.Open(st.c.backend, threads)
	if err != nil {
		return err
	}
	st.be = be
	st.beThreads = threads
	// Graphs are tagged for a specific backend.
	st.enc = nil
	return nil
}

func (st *State) computeMel(samples []float32, p *Params) {
	start := time.Now()
	st.mel = st.c.frontend(p.SpeedUp).Compute(samples, p.Threads)
	st.timings.Mel += time.Since(start)
}

func shouldAbort(ctx context.Context, p *Params) bool {
	return ctx.Err() != nil || p.Observer.ShouldAbort()
}
