package inference

import (
	"context"

	"github.com/samcharles93/murmur/internal/whisper"
)

// Engine is a loaded model ready to serve transcription requests. It is
// safe for concurrent use.
type Engine interface {
	Transcribe(ctx context.Context, req *Request, samples []float32) (*Result, error)
	DetectLanguage(ctx context.Context, req *Request, samples []float32) ([]whisper.LangProb, error)
	Info() ModelInfo
	Close() error
}

// Request is a fully resolved transcription request.
type Request struct {
	Language      string
	Translate     bool
	Strategy      whisper.Strategy
	BeamSize      int
	BestOf        int
	Temperature   float64
	Threads       int
	Workers       int
	OffsetMS      int
	DurationMS    int
	MaxLen        int
	InitialPrompt string
	Seed          int64

	// Fallback ladder step and the thresholds that trigger it.
	TemperatureInc float64
	EntropyThold   float64
	LogprobThold   float64
	NoSpeechThold  float64

	SingleSegment   bool
	NoContext       bool
	NoTimestamps    bool
	TokenTimestamps bool
	SpeakerTurn     bool
	// CleanText removes bracketed non-speech annotations from segment text.
	CleanText bool

	// Observer receives callbacks from the decode loop. Optional.
	Observer whisper.Observer
}

// Result is a transcription with its request statistics.
type Result struct {
	*whisper.Result
	Stats Stats
}

// ModelInfo summarizes a loaded model.
type ModelInfo struct {
	Path         string
	Type         string
	Multilingual bool
	Vocab        int
	AudioCtx     int
	TextCtx      int
	Mels         int
	FType        string
	Tensors      int
	MemoryBytes  int64
	Backend      string
}
