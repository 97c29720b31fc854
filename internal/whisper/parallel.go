package whisper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/murmur/internal/audio"
)

// lockedObserver serializes callbacks coming from several chunks.
type lockedObserver struct {
	mu    *sync.Mutex
	inner Observer
	// quiet drops segment and progress callbacks.
	quiet bool
}

func (o lockedObserver) OnSegment(st *State, nNew int) {
	if o.quiet {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.inner.OnSegment(st, nNew)
}

func (o lockedObserver) OnProgress(st *State, percent int) {
	if o.quiet {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.inner.OnProgress(st, percent)
}

func (o lockedObserver) ShouldAbort() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.inner.ShouldAbort()
}

// minChunkSamples keeps every parallel chunk at least one second long.
const minChunkSamples = audio.SampleRate

// TranscribeParallel splits samples into workers contiguous chunks and
// transcribes them concurrently, each on its own State. Segments are
// merged in chunk order with times rebased onto the whole input. Only the
// first chunk reports progress; merged segments are reported after it
// finishes. Quality may suffer near the split points.
func (c *Context) TranscribeParallel(ctx context.Context, samples []float32, p Params, workers int) (*Result, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	offset := audio.SampleRate * p.OffsetMS / 1000
	if offset > len(samples) {
		offset = len(samples)
	}
	if p.DurationMS > 0 {
		end := offset + audio.SampleRate*p.DurationMS/1000
		if end < len(samples) {
			samples = samples[:end]
		}
		p.DurationMS = 0
	}
	workers = max(1, min(workers, (len(samples)-offset)/minChunkSamples))

	if workers == 1 {
		st := c.NewState()
		defer st.Close()
		return c.Transcribe(ctx, st, samples, p)
	}

	nPer := (len(samples) - offset) / workers
	states := make([]*State, workers)
	results := make([]*Result, workers)
	for i := range states {
		states[i] = c.NewState()
	}
	defer func() {
		for _, st := range states {
			st.Close()
		}
	}()

	mu := new(sync.Mutex)
	g, gctx := errgroup.WithContext(ctx)
	for i := range workers {
		pc := p
		var chunk []float32
		if i == 0 {
			chunk = samples[:offset+nPer]
			pc.Observer = lockedObserver{mu: mu, inner: p.Observer}
		} else {
			start := offset + i*nPer
			end := start + nPer
			if i == workers-1 {
				end = len(samples)
			}
			chunk = samples[start:end]
			pc.OffsetMS = 0
			pc.PromptTokens = nil
			pc.InitialPrompt = ""
			pc.Observer = lockedObserver{mu: mu, inner: p.Observer, quiet: true}
		}
		g.Go(func() error {
			res, err := c.Transcribe(gctx, states[i], chunk, pc)
			if err != nil {
				return fmt.Errorf("chunk %d: %w", i, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	st0 := states[0]
	out := results[0]
	offsetT := int64(p.OffsetMS / 10)
	timings := out.Timings
	for i := 1; i < workers; i++ {
		r := results[i]
		shift := audio.SamplesToCentis(i*nPer) + offsetT
		for _, seg := range r.Segments {
			seg.T0 += shift
			seg.T1 += shift
			for j := range seg.Tokens {
				if seg.Tokens[j].T0 >= 0 {
					seg.Tokens[j].T0 += shift
					seg.Tokens[j].T1 += shift
				}
			}
			if n := len(out.Segments); n > 0 {
				seg.T0 = max(seg.T0, out.Segments[n-1].T1)
			}
			out.Segments = append(out.Segments, seg)
			mu.Lock()
			p.Observer.OnSegment(st0, 1)
			mu.Unlock()
		}
		out.Aborted = out.Aborted || r.Aborted
		timings = timings.add(r.Timings)
	}
	out.Timings = timings.div(workers)

	if p.SpeakerTurn {
		gap := p.SpeakerTurnGap.Milliseconds() / 10
		for i := 1; i < len(out.Segments); i++ {
			out.Segments[i].SpeakerTurn = out.Segments[i].T0-out.Segments[i-1].T1 >= gap
		}
	}

	for i := 1; i < workers; i++ {
		at := time.Duration(audio.SamplesToCentis(offset+i*nPer)) * 10 * time.Millisecond
		c.log.Warn("audio split for parallel transcription, quality may degrade near the split", "split", i, "at", at)
	}
	return out, nil
}
