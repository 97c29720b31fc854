// Package toy builds tiny deterministic speech models for tests and
// benchmarks.
//
// A phrase model ignores its audio. Every transformer block has zero
// weights, so the decoder residual stream is just token plus position
// embedding, and the output projection reads the position back out:
// position p predicts the token that follows it in a fixed sequence.
// Greedy decoding of any window therefore yields
//
//	<|0.00|> phrase... <|end|> <|endoftext|>
package toy

import (
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"github.com/samcharles93/murmur/internal/audio"
	"github.com/samcharles93/murmur/internal/model"
	"github.com/samcharles93/murmur/internal/tensor"
	"github.com/samcharles93/murmur/pkg/mmf"
)

const (
	posScale   = 16
	tokenScale = 4
)

// Config describes a phrase model.
type Config struct {
	NState       int
	NHead        int
	NLayer       int
	NAudioCtx    int
	NTextCtx     int
	NMels        int
	Multilingual bool
	// Language is the language a multilingual model detects.
	Language string
	// DType stores the matrix weights. Convolutions use f16 unless DType is
	// f32.
	DType mmf.DType
	// Phrase lists the text tokens every window decodes to, in order.
	Phrase []string
	// EndTimestamp is the timestamp index closing the phrase, in units of
	// 20 ms.
	EndTimestamp int
}

// DefaultConfig returns a two-layer multilingual model that transcribes
// every window as " hello world" ending at 1.2 s.
func DefaultConfig() Config {
	return Config{
		NState:       64,
		NHead:        2,
		NLayer:       2,
		NAudioCtx:    150,
		NTextCtx:     32,
		NMels:        8,
		Multilingual: true,
		Language:     "en",
		DType:        mmf.DTypeF16,
		Phrase:       []string{" hello", " world"},
		EndTimestamp: 60,
	}
}

// Text is the segment text the model produces.
func (c Config) Text() string { return strings.Join(c.Phrase, "") }

// EndCentis is the end of the decoded segment relative to the window.
func (c Config) EndCentis() int64 { return 2 * int64(c.EndTimestamp) }

// fillerTokens pad the vocabulary so the tokenizer has something to match.
var fillerTokens = []string{
	" ", "!", ",", ".", "?", "'s", "a", "d", "e", "h", "l", "o", "r", "w",
	" a", " is", " it", " the", " test", "ing", "hello", "world", " hel", "lo",
}

// Vocabulary returns the text tokens, ids 0 through EOT-1.
func (c Config) Vocabulary() []string {
	seen := make(map[string]bool)
	var out []string
	for _, t := range append(append([]string(nil), c.Phrase...), fillerTokens...) {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}

// HParams returns the hyperparameters of the model.
func (c Config) HParams() model.HParams {
	nText := len(c.Vocabulary())
	// eot, sot, languages, six task tokens, then the timestamps.
	nVocab := nText + 2 + len(model.Languages()) + 6 + c.NAudioCtx + 1
	return model.HParams{
		NVocab:       nVocab,
		NAudioCtx:    c.NAudioCtx,
		NAudioState:  c.NState,
		NAudioHead:   c.NHead,
		NAudioLayer:  c.NLayer,
		NTextCtx:     c.NTextCtx,
		NTextState:   c.NState,
		NTextHead:    c.NHead,
		NTextLayer:   c.NLayer,
		NMels:        c.NMels,
		FType:        c.DType,
		Multilingual: c.Multilingual,
	}
}

// Sequence returns the token sequence the model is built around: the
// transcription prompt followed by the expected output.
func (c Config) Sequence() ([]int32, error) {
	hp := c.HParams()
	voc, err := model.NewVocab(c.Vocabulary(), hp.NVocab, hp.NAudioCtx, hp.Multilingual)
	if err != nil {
		return nil, err
	}
	seq := []int32{voc.SOT}
	if c.Multilingual {
		lang, err := model.LangID(c.Language)
		if err != nil {
			return nil, err
		}
		seq = append(seq, voc.Lang(lang), voc.Transcribe)
	}
	seq = append(seq, voc.Beg)
	for _, w := range c.Phrase {
		id, ok := voc.ID(w)
		if !ok {
			return nil, fmt.Errorf("phrase token %q missing from vocabulary", w)
		}
		seq = append(seq, id)
	}
	if c.EndTimestamp < 1 || c.EndTimestamp > c.NAudioCtx {
		return nil, fmt.Errorf("end timestamp %d outside [1,%d]", c.EndTimestamp, c.NAudioCtx)
	}
	seq = append(seq, voc.Beg+int32(c.EndTimestamp), voc.EOT)
	return seq, nil
}

// Write encodes the model to w.
func Write(w io.Writer, c Config) error {
	mw := mmf.NewWriter(w)
	if err := encode(mw, c); err != nil {
		return err
	}
	return mw.Close()
}

// WriteFile writes the model to path.
func WriteFile(path string, c Config) (err error) {
	mw, err := mmf.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := mw.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			_ = os.Remove(path)
		}
	}()
	return encode(mw, c)
}

func encode(mw *mmf.Writer, c Config) error {
	hp := c.HParams()
	if err := hp.Validate(); err != nil {
		return err
	}
	seq, err := c.Sequence()
	if err != nil {
		return err
	}
	if len(seq) > c.NTextCtx || len(seq) > c.NState {
		return fmt.Errorf("sequence of %d tokens needs n_text_ctx and n_state of at least %d", len(seq), len(seq))
	}

	if err := mw.WriteHeader(hp.File()); err != nil {
		return err
	}
	fb := audio.NewMelFilters(c.NMels)
	if err := mw.WriteFilters(fb.NMel, fb.NFFT, fb.Data); err != nil {
		return err
	}
	if err := mw.WriteVocab(c.Vocabulary()); err != nil {
		return err
	}

	s := c.NState
	values := map[string][]float32{
		"encoder.ln_post.weight": fill(s, 1),
		"decoder.ln.weight":      fill(s, 1),
	}

	pe := make([]float32, s*c.NTextCtx)
	for p := range c.NTextCtx {
		if p < s {
			pe[p*s+p] = posScale
		}
	}
	values["decoder.positional_embedding"] = pe

	te := make([]float32, s*hp.NVocab)
	for p := 0; p+1 < len(seq); p++ {
		te[int(seq[p+1])*s+p] += tokenScale
	}
	values["decoder.token_embedding.weight"] = te

	for _, ts := range model.TensorSpecs(hp) {
		data, ok := values[ts.Name]
		if !ok {
			n := 1
			for _, d := range ts.Shape {
				n *= d
			}
			data = make([]float32, n)
		}
		dt := c.DType
		switch {
		case ts.F32:
			dt = mmf.DTypeF32
		case strings.HasPrefix(ts.Name, "encoder.conv") && dt != mmf.DTypeF32:
			dt = mmf.DTypeF16
		}
		payload, err := tensor.Quantize(dt, data)
		if err != nil {
			return fmt.Errorf("%s: %w", ts.Name, err)
		}
		if err := mw.WriteTensor(ts.Name, dt, ts.Shape, payload); err != nil {
			return err
		}
	}
	return nil
}

func fill(n int, v float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = v
	}
	return out
}

// Tone returns seconds of a quiet 440 Hz sine at 16 kHz.
func Tone(seconds float64) []float32 {
	n := int(seconds * audio.SampleRate)
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(0.1 * math.Sin(2*math.Pi*440*float64(i)/audio.SampleRate))
	}
	return out
}
