package whisper

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/samcharles93/murmur/internal/model"
)

// Strategy selects how the decoder picks tokens at temperature zero.
type Strategy int

const (
	Greedy Strategy = iota
	BeamSearch
)

func (s Strategy) String() string {
	if s == BeamSearch {
		return "beam_search"
	}
	return "greedy"
}

// ParseStrategy accepts "greedy" or "beam" / "beam_search".
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "greedy":
		return Greedy, nil
	case "beam", "beam_search", "beam-search":
		return BeamSearch, nil
	}
	return Greedy, fmt.Errorf("%w: unknown strategy %q", ErrInvalidArgument, s)
}

// Params is the configuration of one transcription call. It is copied at
// the start of the call and never modified by the engine.
type Params struct {
	Strategy Strategy
	// Threads used for the mel spectrogram and the compute backend.
	Threads int
	// MaxTextCtx caps the previous-text tokens carried into a window.
	MaxTextCtx int
	OffsetMS   int
	// DurationMS limits the processed audio. Zero means until the end.
	DurationMS int

	Translate bool
	// NoContext drops text carried over from earlier windows and calls.
	NoContext bool
	// NoTimestamps decodes without timestamp tokens. Each window becomes
	// one segment.
	NoTimestamps bool
	// SingleSegment emits one segment per window.
	SingleSegment bool
	// PrintSpecial keeps special tokens in segment text.
	PrintSpecial bool

	// TokenTimestamps estimates per-token times from timestamp
	// probabilities and signal energy.
	TokenTimestamps bool
	TholdPT         float32
	TholdPTSum      float32
	// MaxLen wraps segments at this many characters. It implies
	// TokenTimestamps.
	MaxLen int
	// SplitOnWord only wraps segments before a token starting with a space.
	SplitOnWord bool
	// MaxTokens ends a segment after this many tokens. Zero means no limit.
	MaxTokens int

	// SpeedUp runs the encoder on a half-rate spectrogram.
	SpeedUp bool
	// AudioCtx overrides the encoder context. Zero uses the model's.
	AudioCtx int

	InitialPrompt string
	PromptTokens  []int32

	// Language is a code or English name, or "auto" to detect it.
	Language      string
	SuppressBlank bool

	Temperature    float32
	TemperatureInc float32
	// MaxInitialTS bounds the first timestamp, in seconds.
	MaxInitialTS float32
	// LengthPenalty is the alpha of the Google NMT length penalty. Zero
	// ranks candidates by average log probability.
	LengthPenalty float32

	EntropyThold  float32
	LogprobThold  float32
	NoSpeechThold float32

	BestOf   int
	BeamSize int
	Seed     int64

	// SpeakerTurn marks segments that follow a silence gap of at least
	// SpeakerTurnGap as a probable change of speaker.
	SpeakerTurn    bool
	SpeakerTurnGap time.Duration

	Observer Observer
}

// DefaultParams returns the tuned defaults for a strategy.
func DefaultParams(s Strategy) Params {
	p := Params{
		Strategy:       s,
		Threads:        min(4, runtime.NumCPU()),
		MaxTextCtx:     16384,
		TholdPT:        0.01,
		TholdPTSum:     0.01,
		Language:       "en",
		SuppressBlank:  true,
		Temperature:    0,
		TemperatureInc: 0.2,
		MaxInitialTS:   1.0,
		EntropyThold:   2.4,
		LogprobThold:   -1.0,
		NoSpeechThold:  0.6,
		BestOf:         5,
		BeamSize:       1,
		SpeakerTurnGap: 1500 * time.Millisecond,
	}
	if s == BeamSearch {
		p.BeamSize = 5
	}
	return p
}

// Validate fills unset values with defaults and rejects out-of-range ones.
func (p *Params) Validate() error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
	}
	if p.Strategy != Greedy && p.Strategy != BeamSearch {
		return invalid("strategy %d", p.Strategy)
	}
	if p.Threads <= 0 {
		p.Threads = min(4, runtime.NumCPU())
	}
	if p.MaxTextCtx <= 0 {
		p.MaxTextCtx = 16384
	}
	if p.OffsetMS < 0 || p.DurationMS < 0 {
		return invalid("offset %dms duration %dms", p.OffsetMS, p.DurationMS)
	}
	if p.MaxLen < 0 || p.MaxTokens < 0 || p.AudioCtx < 0 {
		return invalid("max_len %d max_tokens %d audio_ctx %d", p.MaxLen, p.MaxTokens, p.AudioCtx)
	}
	if p.MaxLen > 0 {
		p.TokenTimestamps = true
	}
	if p.Temperature < 0 || p.TemperatureInc < 0 {
		return invalid("temperature %g increment %g", p.Temperature, p.TemperatureInc)
	}
	if p.MaxInitialTS < 0 {
		return invalid("max_initial_ts %g", p.MaxInitialTS)
	}
	if p.BestOf <= 0 {
		p.BestOf = 1
	}
	if p.BeamSize <= 0 {
		p.BeamSize = 1
	}
	if p.SpeakerTurnGap <= 0 {
		p.SpeakerTurnGap = 1500 * time.Millisecond
	}

	lang := strings.ToLower(strings.TrimSpace(p.Language))
	switch lang {
	case "", "auto":
		p.Language = "auto"
	default:
		id, err := model.LangID(lang)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidArgument, err)
		}
		p.Language = model.LangCode(id)
	}
	if p.Observer == nil {
		p.Observer = nopObserver{}
	}
	return nil
}

// temperatures returns the fallback ladder starting at p.Temperature.
func (p *Params) temperatures() []float32 {
	temps := []float32{p.Temperature}
	if p.TemperatureInc <= 0 {
		return temps
	}
	for t := p.Temperature + p.TemperatureInc; t < 1.0+1e-6; t += p.TemperatureInc {
		temps = append(temps, t)
	}
	return temps
}
