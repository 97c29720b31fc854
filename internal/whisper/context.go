package whisper

import (
	"fmt"

	"github.com/samcharles93/murmur/internal/audio"
	"github.com/samcharles93/murmur/internal/backend"
	"github.com/samcharles93/murmur/internal/logger"
	"github.com/samcharles93/murmur/internal/model"
)

// Context binds a loaded model to a compute backend choice. It holds no
// per-call state and is safe for concurrent use; every concurrent
// transcription needs its own State.
type Context struct {
	model     *model.Model
	backend   string
	log       logger.Logger
	frontends [2]*audio.Frontend
}

// Option configures a Context.
type Option func(*Context)

// WithBackend selects the compute backend: "auto", "cpu" or "simd".
func WithBackend(name string) Option {
	return func(c *Context) { c.backend = name }
}

// WithLogger replaces the process logger.
func WithLogger(l logger.Logger) Option {
	return func(c *Context) {
		if l != nil {
			c.log = l
		}
	}
}

// NewContext prepares m for transcription. The model must outlive the
// Context.
func NewContext(m *model.Model, opts ...Option) (*Context, error) {
	if m == nil {
		return nil, fmt.Errorf("%w: nil model", ErrInvalidArgument)
	}
	c := &Context{model: m, backend: backend.Auto, log: logger.Process()}
	for _, opt := range opts {
		opt(c)
	}
	name, err := backend.Normalize(c.backend)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}
	c.backend = name

	for i, speedUp := range []bool{false, true} {
		fe, err := audio.NewFrontend(m.Filters, speedUp)
		if err != nil {
			return nil, err
		}
		c.frontends[i] = fe
	}
	return c, nil
}

// Model returns the bound model.
func (c *Context) Model() *model.Model { return c.model }

// Backend returns the normalized backend name.
func (c *Context) Backend() string { return c.backend }

// SystemInfo describes the CPU features and registered backends.
func (c *Context) SystemInfo() string { return backend.SystemInfo() }

// NewState allocates the per-call buffers for one transcription stream.
// The compute backend is opened on first use.
func (c *Context) NewState() *State {
	return &State{c: c, log: c.log}
}

// PrintTimings logs a timing summary.
func (c *Context) PrintTimings(t Timings) {
	c.log.Info("timings",
		"mel", t.Mel,
		"sample", t.Sample,
		"sample_runs", t.NSample,
		"encode", t.Encode,
		"encode_runs", t.NEncode,
		"decode", t.Decode,
		"decode_runs", t.NDecode,
		"total", t.Total(),
	)
}

func (c *Context) frontend(speedUp bool) *audio.Frontend {
	if speedUp {
		return c.frontends[1]
	}
	return c.frontends[0]
}
