package inference

import (
	"fmt"
	"runtime"

	"github.com/samcharles93/murmur/internal/whisper"
)

// RequestOptions holds caller overrides. Nil fields fall back to the
// defaults.
type RequestOptions struct {
	Language      *string
	Translate     *bool
	BeamSize      *int
	BestOf        *int
	Temperature   *float64
	Threads       *int
	Workers       *int
	OffsetMS      *int
	DurationMS    *int
	MaxLen        *int
	InitialPrompt *string
	Seed          *int64

	TemperatureInc *float64
	EntropyThold   *float64
	LogprobThold   *float64
	NoSpeechThold  *float64

	SingleSegment   *bool
	NoContext       *bool
	NoTimestamps    *bool
	TokenTimestamps *bool
	SpeakerTurn     *bool
	CleanText       *bool
}

// Defaults are the server or CLI wide request defaults.
type Defaults struct {
	Language *string
	Threads  *int
	Workers  *int
	BeamSize *int
}

// ResolveRequest merges opts over defaults over the engine's built-in
// values. A beam size above one selects beam search.
func ResolveRequest(opts RequestOptions, defaults Defaults) (Request, error) {
	base := whisper.DefaultParams(whisper.Greedy)
	req := Request{
		Language: "auto",
		Strategy: whisper.Greedy,
		BeamSize: 1,
		BestOf:   base.BestOf,
		Threads:  min(4, runtime.NumCPU()),
		Workers:  1,

		TemperatureInc: float64(base.TemperatureInc),
		EntropyThold:   float64(base.EntropyThold),
		LogprobThold:   float64(base.LogprobThold),
		NoSpeechThold:  float64(base.NoSpeechThold),
	}

	if defaults.Language != nil {
		req.Language = *defaults.Language
	}
	if defaults.Threads != nil && *defaults.Threads > 0 {
		req.Threads = *defaults.Threads
	}
	if defaults.Workers != nil && *defaults.Workers > 0 {
		req.Workers = *defaults.Workers
	}
	if defaults.BeamSize != nil && *defaults.BeamSize > 0 {
		req.BeamSize = *defaults.BeamSize
	}

	set := func(dst *int, src *int) {
		if src != nil {
			*dst = *src
		}
	}
	setBool := func(dst *bool, src *bool) {
		if src != nil {
			*dst = *src
		}
	}
	setFloat := func(dst *float64, src *float64) {
		if src != nil {
			*dst = *src
		}
	}
	if opts.Language != nil {
		req.Language = *opts.Language
	}
	setBool(&req.Translate, opts.Translate)
	set(&req.BeamSize, opts.BeamSize)
	set(&req.BestOf, opts.BestOf)
	setFloat(&req.Temperature, opts.Temperature)
	setFloat(&req.TemperatureInc, opts.TemperatureInc)
	setFloat(&req.EntropyThold, opts.EntropyThold)
	setFloat(&req.LogprobThold, opts.LogprobThold)
	setFloat(&req.NoSpeechThold, opts.NoSpeechThold)
	set(&req.Threads, opts.Threads)
	set(&req.Workers, opts.Workers)
	set(&req.OffsetMS, opts.OffsetMS)
	set(&req.DurationMS, opts.DurationMS)
	set(&req.MaxLen, opts.MaxLen)
	if opts.InitialPrompt != nil {
		req.InitialPrompt = *opts.InitialPrompt
	}
	if opts.Seed != nil {
		req.Seed = *opts.Seed
	}
	setBool(&req.SingleSegment, opts.SingleSegment)
	setBool(&req.NoContext, opts.NoContext)
	setBool(&req.NoTimestamps, opts.NoTimestamps)
	setBool(&req.TokenTimestamps, opts.TokenTimestamps)
	setBool(&req.SpeakerTurn, opts.SpeakerTurn)
	setBool(&req.CleanText, opts.CleanText)

	if req.BeamSize < 0 || req.BestOf < 0 || req.Threads < 0 || req.Workers < 0 {
		return Request{}, fmt.Errorf("%w: negative beam_size, best_of, threads or workers", whisper.ErrInvalidArgument)
	}
	if req.Temperature < 0 || req.Temperature > 1 {
		return Request{}, fmt.Errorf("%w: temperature %g outside [0,1]", whisper.ErrInvalidArgument, req.Temperature)
	}
	if req.TemperatureInc < 0 || req.TemperatureInc > 1 {
		return Request{}, fmt.Errorf("%w: temperature_inc %g outside [0,1]", whisper.ErrInvalidArgument, req.TemperatureInc)
	}
	if req.NoSpeechThold < 0 || req.NoSpeechThold > 1 {
		return Request{}, fmt.Errorf("%w: no_speech_threshold %g outside [0,1]", whisper.ErrInvalidArgument, req.NoSpeechThold)
	}
	if req.EntropyThold < 0 || req.LogprobThold > 0 {
		return Request{}, fmt.Errorf("%w: entropy_threshold %g must be >= 0 and logprob_threshold %g <= 0",
			whisper.ErrInvalidArgument, req.EntropyThold, req.LogprobThold)
	}
	if req.BeamSize > 1 {
		req.Strategy = whisper.BeamSearch
	}
	req.Workers = max(req.Workers, 1)
	return req, nil
}

// Params converts the request into engine parameters.
func (r *Request) Params() (whisper.Params, error) {
	p := whisper.DefaultParams(r.Strategy)
	p.Language = r.Language
	p.Translate = r.Translate
	if r.BeamSize > 0 {
		p.BeamSize = r.BeamSize
	}
	if r.BestOf > 0 {
		p.BestOf = r.BestOf
	}
	p.Temperature = float32(r.Temperature)
	p.TemperatureInc = float32(r.TemperatureInc)
	p.EntropyThold = float32(r.EntropyThold)
	p.LogprobThold = float32(r.LogprobThold)
	p.NoSpeechThold = float32(r.NoSpeechThold)
	if r.Threads > 0 {
		p.Threads = r.Threads
	}
	p.OffsetMS = r.OffsetMS
	p.DurationMS = r.DurationMS
	p.MaxLen = r.MaxLen
	p.SplitOnWord = r.MaxLen > 0
	p.InitialPrompt = r.InitialPrompt
	p.Seed = r.Seed
	p.SingleSegment = r.SingleSegment
	p.NoContext = r.NoContext
	p.NoTimestamps = r.NoTimestamps
	p.TokenTimestamps = r.TokenTimestamps
	p.SpeakerTurn = r.SpeakerTurn
	p.Observer = r.Observer
	if err := p.Validate(); err != nil {
		return whisper.Params{}, err
	}
	return p, nil
}
