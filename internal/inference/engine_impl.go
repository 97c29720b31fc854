package inference

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/samcharles93/murmur/internal/model"
	"github.com/samcharles93/murmur/internal/whisper"
)

// ErrClosed is returned by an engine after Close.
var ErrClosed = errors.New("engine closed")

type EngineImpl struct {
	path  string
	model *model.Model
	wctx  *whisper.Context

	mu     sync.Mutex
	idle   []*whisper.State
	closed bool
}

func (e *EngineImpl) Close() error {
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	var errs []error
	for _, st := range e.idle {
		if err := st.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	e.idle = nil
	if e.model != nil {
		if err := e.model.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (e *EngineImpl) Info() ModelInfo {
	m := e.model
	return ModelInfo{
		Path:         e.path,
		Type:         m.Type(),
		Multilingual: m.Multilingual,
		Vocab:        m.NVocab,
		AudioCtx:     m.NAudioCtx,
		TextCtx:      m.NTextCtx,
		Mels:         m.NMels,
		FType:        m.FType.String(),
		Tensors:      m.TensorCount(),
		MemoryBytes:  m.MemoryBytes(),
		Backend:      e.wctx.Backend(),
	}
}

// acquire reuses an idle State so buffers survive across requests.
func (e *EngineImpl) acquire() (*whisper.State, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	if n := len(e.idle); n > 0 {
		st := e.idle[n-1]
		e.idle = e.idle[:n-1]
		return st, nil
	}
	return e.wctx.NewState(), nil
}

func (e *EngineImpl) release(st *whisper.State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		_ = st.Close()
		return
	}
	e.idle = append(e.idle, st)
}

func (e *EngineImpl) Transcribe(ctx context.Context, req *Request, samples []float32) (*Result, error) {
	if ctx == nil {
		return nil, fmt.Errorf("context is required")
	}
	if req == nil {
		return nil, fmt.Errorf("request is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := req.Params()
	if err != nil {
		return nil, err
	}

	start := time.Now()
	var res *whisper.Result
	if req.Workers > 1 {
		res, err = safeCall("TranscribeParallel", func() (*whisper.Result, error) {
			return e.wctx.TranscribeParallel(ctx, samples, p, req.Workers)
		})
	} else {
		st, aerr := e.acquire()
		if aerr != nil {
			return nil, aerr
		}
		// Requests are independent; a reused State must not prompt with
		// the previous request's text.
		st.ResetPrompt()
		res, err = safeCall("Transcribe", func() (*whisper.Result, error) {
			return e.wctx.Transcribe(ctx, st, samples, p)
		})
		if err == nil {
			e.release(st)
		} else {
			_ = st.Close()
		}
	}
	if err != nil {
		return nil, err
	}
	if req.CleanText {
		for i := range res.Segments {
			res.Segments[i].Text = CleanText(res.Segments[i].Text)
		}
	}
	return &Result{Result: res, Stats: newStats(len(samples), res.NSegments(), time.Since(start))}, nil
}

func (e *EngineImpl) DetectLanguage(ctx context.Context, req *Request, samples []float32) ([]whisper.LangProb, error) {
	if req == nil {
		return nil, fmt.Errorf("request is required")
	}
	p, err := req.Params()
	if err != nil {
		return nil, err
	}
	st, err := e.acquire()
	if err != nil {
		return nil, err
	}
	defer e.release(st)
	var out []whisper.LangProb
	_, err = safeCall("DetectLanguage", func() (*whisper.Result, error) {
		var derr error
		out, derr = e.wctx.DetectLanguage(ctx, st, samples, p)
		return nil, derr
	})
	return out, err
}

// safeCall converts a panic in the engine into an error.
func safeCall(name string, fn func() (*whisper.Result, error)) (res *whisper.Result, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			res = nil
			err = fmt.Errorf("panic in %s: %v", name, rec)
		}
	}()
	return fn()
}
