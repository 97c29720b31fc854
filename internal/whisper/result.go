package whisper

import (
	"fmt"
	"strings"
)

// TokenData describes one decoded token.
type TokenData struct {
	ID int32
	// TID is the most probable timestamp token at this step.
	TID  int32
	Text string

	P     float32 // probability of the token
	PLog  float32 // log probability of the token
	PT    float32 // probability of TID
	PTSum float32 // total probability of all timestamp tokens

	// T0 and T1 are token-level times in centiseconds, or -1 when
	// token timestamps are disabled.
	T0, T1 int64
	VLen   float32
}

// Segment is a transcribed span of audio, [T0, T1) in centiseconds.
type Segment struct {
	T0, T1       int64
	Text         string
	Tokens       []TokenData
	NoSpeechProb float32
	// SpeakerTurn marks a probable change of speaker before this segment.
	SpeakerTurn bool
}

// Result is the output of a transcription call. An aborted call keeps
// every segment closed before the abort.
type Result struct {
	Segments []Segment
	// Language is the code used for decoding, detected or requested.
	Language string
	// LanguageProb is the detection probability, or 0 when the language was
	// given.
	LanguageProb float32
	Aborted      bool
	Timings      Timings
}

func (r *Result) NSegments() int { return len(r.Segments) }

func (r *Result) Segment(i int) (Segment, error) {
	if i < 0 || i >= len(r.Segments) {
		return Segment{}, fmt.Errorf("%w: segment %d of %d", ErrInvalidArgument, i, len(r.Segments))
	}
	return r.Segments[i], nil
}

func (r *Result) NTokens(i int) (int, error) {
	s, err := r.Segment(i)
	if err != nil {
		return 0, err
	}
	return len(s.Tokens), nil
}

func (r *Result) Token(i, j int) (TokenData, error) {
	s, err := r.Segment(i)
	if err != nil {
		return TokenData{}, err
	}
	if j < 0 || j >= len(s.Tokens) {
		return TokenData{}, fmt.Errorf("%w: token %d of %d in segment %d", ErrInvalidArgument, j, len(s.Tokens), i)
	}
	return s.Tokens[j], nil
}

// Text joins the text of every segment.
func (r *Result) Text() string {
	var b strings.Builder
	for _, s := range r.Segments {
		b.WriteString(s.Text)
	}
	return b.String()
}
