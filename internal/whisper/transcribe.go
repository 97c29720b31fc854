package whisper

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/samcharles93/murmur/internal/audio"
	"github.com/samcharles93/murmur/internal/model"
)

const progressStep = 5

// call is the per-call view of the window loop.
type call struct {
	p        *Params
	res      *Result
	nCtx     int
	window   int
	seekFrom int
	seekEnd  int
	progress int
}

func (c *Context) checkState(st *State) error {
	if st == nil || st.c != c {
		return fmt.Errorf("%w: state does not belong to this context", ErrInvalidArgument)
	}
	return nil
}

// audioCtx resolves the encoder context for p.
func (c *Context) audioCtx(p *Params) (int, error) {
	n := c.model.NAudioCtx
	if p.AudioCtx > 0 {
		if p.AudioCtx > n {
			return 0, fmt.Errorf("%w: audio_ctx %d exceeds model context %d", ErrInvalidArgument, p.AudioCtx, n)
		}
		n = p.AudioCtx
	}
	return n, nil
}

// Transcribe converts 16 kHz mono PCM samples to segments using st. An
// abort through p.Observer or ctx returns the segments closed so far with
// Result.Aborted set and a nil error.
func (c *Context) Transcribe(ctx context.Context, st *State, samples []float32, p Params) (*Result, error) {
	if err := c.checkState(st); err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	nCtx, err := c.audioCtx(&p)
	if err != nil {
		return nil, err
	}
	if err := st.ensureBackend(p.Threads); err != nil {
		return nil, err
	}

	res := &Result{}
	st.result = res
	st.computeMel(samples, &p)
	st.prepareSamplers(&p)
	st.tBeg, st.tLast, st.tidLast = 0, 0, 0
	st.energy = nil
	if p.TokenTimestamps {
		st.energy = audio.SignalEnergy(samples, 32)
	}

	cl := &call{p: &p, res: res, nCtx: nCtx, window: 2 * nCtx}
	// Offsets are in real time; a half-rate spectrogram already has half
	// the frames.
	cl.seekFrom = p.OffsetMS / 10
	cl.seekEnd = st.mel.NLen
	if p.SpeedUp {
		cl.seekFrom /= 2
	}
	if p.DurationMS > 0 {
		span := p.DurationMS / 10
		if p.SpeedUp {
			span = (span + 1) / 2
		}
		cl.seekEnd = min(cl.seekFrom+span, st.mel.NLen)
	}

	if cl.seekEnd < cl.seekFrom+100 {
		st.log.Debug("input too short", "frames", cl.seekEnd-cl.seekFrom)
		if shouldAbort(ctx, &p) {
			res.Aborted = true
		} else {
			p.Observer.OnProgress(st, 0)
			p.Observer.OnProgress(st, 100)
		}
		res.Timings = st.timings
		return res, nil
	}

	if err := st.resolveLanguage(ctx, cl); err != nil {
		if errors.Is(err, ErrAborted) {
			res.Aborted = true
			res.Timings = st.timings
			return res, nil
		}
		return nil, err
	}

	if p.NoContext {
		st.promptPast = st.promptPast[:0]
	}
	if pre := st.initialPrompt(&p); len(pre) > 0 {
		st.promptPast = append(pre, st.promptPast...)
	}

	if err := st.run(ctx, cl); err != nil {
		if !errors.Is(err, ErrAborted) {
			return nil, err
		}
		res.Aborted = true
	}
	res.Timings = st.timings
	return res, nil
}

func (st *State) initialPrompt(p *Params) []int32 {
	if len(p.PromptTokens) > 0 {
		return append([]int32(nil), p.PromptTokens...)
	}
	if strings.TrimSpace(p.InitialPrompt) == "" {
		return nil
	}
	return st.c.model.Vocab.Tokenize(p.InitialPrompt)
}

func (st *State) resolveLanguage(ctx context.Context, cl *call) error {
	p := cl.p
	m := st.c.model
	if p.Language != "auto" {
		cl.res.Language = p.Language
		return nil
	}
	if !m.Multilingual {
		cl.res.Language = "en"
		return nil
	}
	probs, err := st.detectLanguage(ctx, p, cl.seekFrom, cl.nCtx)
	if err != nil {
		return err
	}
	cl.res.Language = probs[0].Code
	cl.res.LanguageProb = probs[0].Prob
	st.log.Info("language detected", "language", probs[0].Code, "probability", probs[0].Prob)
	return nil
}

// promptInit returns the task prefix of every window.
func (st *State) promptInit(cl *call) []int32 {
	m := st.c.model
	v := m.Vocab
	init := []int32{v.SOT}
	if m.Multilingual {
		id, err := model.LangID(cl.res.Language)
		if err != nil {
			id = 0
		}
		task := v.Transcribe
		if cl.p.Translate {
			task = v.Translate
		}
		init = append(init, v.Lang(id), task)
	}
	if cl.p.NoTimestamps {
		init = append(init, v.NoTimestamps)
	}
	return init
}

func (st *State) buildPrompt(p *Params, init []int32) []int32 {
	hp := st.c.model.HParams
	var prompt []int32
	if n := min(p.MaxTextCtx, hp.NTextCtx/2, len(st.promptPast)); n > 0 {
		prompt = append(prompt, st.c.model.Vocab.Prev)
		prompt = append(prompt, st.promptPast[len(st.promptPast)-n:]...)
	}
	return append(prompt, init...)
}

func (st *State) reportProgress(cl *call, seek int) {
	cur := 100 * (seek - cl.seekFrom) / max(cl.seekEnd-cl.seekFrom, 1)
	for cur >= cl.progress+progressStep && cl.progress < 100 {
		cl.progress += progressStep
		cl.p.Observer.OnProgress(st, cl.progress)
	}
}

// run is the window loop.
func (st *State) run(ctx context.Context, cl *call) error {
	p := cl.p
	if p.Translate && !st.c.model.Multilingual {
		st.log.Warn("model is not multilingual, ignoring translate")
	}
	init := st.promptInit(cl)
	temps := p.temperatures()

	p.Observer.OnProgress(st, 0)
	seek := cl.seekFrom
	for {
		if shouldAbort(ctx, p) {
			return ErrAborted
		}
		st.reportProgress(cl, seek)
		if seek+100 >= cl.seekEnd {
			break
		}
		// Near the end the previous text tends to cause hallucinations.
		if seek > cl.seekFrom && seek+500 >= cl.seekEnd {
			st.promptPast = st.promptPast[:0]
		}

		if err := st.encode(seek, cl.nCtx); err != nil {
			return err
		}
		prompt := st.buildPrompt(p, init)

		var wr windowResult
		for _, temp := range temps {
			var err error
			wr, err = st.decodeWindow(ctx, p, prompt, seek, cl.seekEnd, cl.window, temp)
			if err != nil {
				return err
			}
			if !wr.failed && wr.avgLogprob >= float64(p.LogprobThold) {
				break
			}
			if wr.noSpeechProb > p.NoSpeechThold && (wr.failed || wr.avgLogprob < float64(p.LogprobThold)) {
				break
			}
			st.log.Debug("falling back", "seek", seek, "temperature", temp, "failed", wr.failed, "avg_logprob", wr.avgLogprob)
		}

		if wr.noSpeechProb > p.NoSpeechThold && (wr.failed || wr.avgLogprob < float64(p.LogprobThold)) {
			st.log.Debug("no speech", "seek", seek, "probability", wr.noSpeechProb)
			seek += min(cl.window, cl.seekEnd-seek)
			continue
		}
		if wr.failed {
			if len(st.promptPast) > 0 {
				st.promptPast = st.promptPast[:0]
				continue
			}
			st.log.Warn("failed to decode window, skipping one second", "seek", seek)
			seek += 100
			continue
		}

		if !p.NoContext {
			for _, t := range wr.tokens {
				st.promptPast = append(st.promptPast, t.ID)
			}
		}
		st.emitSegments(cl, wr, seek)
		seek += wr.seekDelta
	}

	if cl.progress < 100 {
		cl.progress = 100
		p.Observer.OnProgress(st, 100)
	}
	return nil
}

// emitSegments turns the kept tokens of a window into segments. Every
// timestamp after text closes a segment.
func (st *State) emitSegments(cl *call, wr windowResult, seek int) {
	p := cl.p
	v := st.c.model.Vocab
	toks := wr.tokens
	if len(toks) == 0 {
		return
	}
	scale := int64(1)
	if p.SpeedUp {
		scale = 2
	}
	base := int64(seek)

	var text strings.Builder
	i0 := 0
	t0 := base + v.TimestampCentis(toks[0].TID)
	if toks[0].ID < v.Beg {
		t0 = base
	}
	for i := 0; i < len(toks); i++ {
		tok := toks[i]
		if p.PrintSpecial || tok.ID < v.EOT {
			text.WriteString(tok.Text)
		}
		if tok.ID > v.Beg && !p.SingleSegment {
			t1 := base + v.TimestampCentis(tok.ID)
			if text.Len() > 0 {
				st.pushSegment(cl, t0*scale, t1*scale, text.String(), toks[i0:i+1], wr.noSpeechProb)
			}
			text.Reset()
			for i < len(toks) && toks[i].ID > v.Beg {
				i++
			}
			i--
			t0 = t1
			i0 = i + 1
		}
	}
	if text.Len() > 0 {
		t1 := min(base+int64(wr.seekDelta), int64(cl.seekEnd))
		st.pushSegment(cl, t0*scale, t1*scale, text.String(), toks[i0:], wr.noSpeechProb)
	}
}

func (st *State) pushSegment(cl *call, t0, t1 int64, text string, toks []TokenData, noSpeech float32) {
	p := cl.p
	res := cl.res
	seg := Segment{
		T0:           t0,
		T1:           t1,
		Text:         text,
		Tokens:       append([]TokenData(nil), toks...),
		NoSpeechProb: noSpeech,
	}
	if p.SpeakerTurn && len(res.Segments) > 0 {
		seg.SpeakerTurn = t0-res.Segments[len(res.Segments)-1].T1 >= p.SpeakerTurnGap.Milliseconds()/10
	}
	res.Segments = append(res.Segments, seg)

	nNew := 1
	if p.TokenTimestamps {
		st.tokenTimestamps(&res.Segments[len(res.Segments)-1], p)
		if p.MaxLen > 0 {
			nNew = st.wrapLast(res, p.MaxLen, p.SplitOnWord)
		}
	}
	st.log.Debug("segment", "t0", time.Duration(t0)*10*time.Millisecond, "t1", time.Duration(t1)*10*time.Millisecond, "text", text)
	p.Observer.OnSegment(st, nNew)
}
