package whisper_test

import (
	"bytes"
	"context"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samcharles93/murmur/internal/logger"
	"github.com/samcharles93/murmur/internal/model"
	"github.com/samcharles93/murmur/internal/toy"
	"github.com/samcharles93/murmur/internal/whisper"
	"github.com/samcharles93/murmur/pkg/mmf"
)

func loadToy(t *testing.T, cfg toy.Config) *model.Model {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, toy.Write(&buf, cfg))
	m, err := model.LoadReader(&buf)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func newContext(t *testing.T, cfg toy.Config, backend string) *whisper.Context {
	t.Helper()
	c, err := whisper.NewContext(loadToy(t, cfg), whisper.WithBackend(backend), whisper.WithLogger(logger.Nop()))
	require.NoError(t, err)
	return c
}

func transcribe(t *testing.T, c *whisper.Context, seconds float64, p whisper.Params) *whisper.Result {
	t.Helper()
	st := c.NewState()
	t.Cleanup(func() { _ = st.Close() })
	res, err := c.Transcribe(context.Background(), st, toy.Tone(seconds), p)
	require.NoError(t, err)
	return res
}

func testParams() whisper.Params {
	p := whisper.DefaultParams(whisper.Greedy)
	p.Threads = 2
	return p
}

func TestTranscribeSingleWindow(t *testing.T) {
	t.Parallel()
	cfg := toy.DefaultConfig()
	res := transcribe(t, newContext(t, cfg, "cpu"), 2, testParams())

	require.Equal(t, 1, res.NSegments())
	seg := res.Segments[0]
	assert.Equal(t, int64(0), seg.T0)
	assert.Equal(t, cfg.EndCentis(), seg.T1)
	assert.Equal(t, " hello world", seg.Text)
	assert.Equal(t, "en", res.Language)
	assert.False(t, res.Aborted)
	assert.Less(t, seg.NoSpeechProb, float32(0.01))

	// The closing timestamp and the opening one are kept as tokens.
	require.Len(t, seg.Tokens, 4)
	assert.Equal(t, " hello", seg.Tokens[1].Text)
	assert.Equal(t, " world", seg.Tokens[2].Text)
	for _, tok := range seg.Tokens {
		assert.Equal(t, int64(-1), tok.T0)
		assert.Greater(t, tok.P, float32(0.9))
	}
	assert.Positive(t, res.Timings.NEncode)
	assert.Positive(t, res.Timings.NDecode)
}

func TestTranscribeAcrossDTypesAndBackends(t *testing.T) {
	t.Parallel()
	for _, dt := range []mmf.DType{mmf.DTypeF32, mmf.DTypeF16, mmf.DTypeQ8_0} {
		for _, be := range []string{"cpu", "auto"} {
			t.Run(dt.String()+"/"+be, func(t *testing.T) {
				t.Parallel()
				cfg := toy.DefaultConfig()
				cfg.DType = dt
				res := transcribe(t, newContext(t, cfg, be), 2, testParams())
				require.Equal(t, 1, res.NSegments())
				assert.Equal(t, cfg.Text(), res.Text())
			})
		}
	}
}

func TestTranscribeWindowsDoNotOverlap(t *testing.T) {
	t.Parallel()
	cfg := toy.DefaultConfig()
	p := testParams()
	p.NoContext = true
	res := transcribe(t, newContext(t, cfg, "cpu"), 8, p)

	require.Equal(t, 6, res.NSegments())
	for i, seg := range res.Segments {
		assert.Equal(t, int64(120*i), seg.T0, "segment %d", i)
		assert.Equal(t, int64(120*i+120), seg.T1, "segment %d", i)
		assert.Equal(t, " hello world", seg.Text)
		if i > 0 {
			assert.GreaterOrEqual(t, seg.T0, res.Segments[i-1].T1)
		}
	}
	assert.Equal(t, strings.Repeat(" hello world", 6), res.Text())
}

func TestProgressIsMonotonic(t *testing.T) {
	t.Parallel()
	c := newContext(t, toy.DefaultConfig(), "cpu")
	var seen []int
	var order []string
	p := testParams()
	p.NoContext = true
	p.Observer = whisper.ObserverFuncs{
		Progress: func(_ *whisper.State, pct int) {
			seen = append(seen, pct)
			order = append(order, "progress")
		},
		Segment: func(st *whisper.State, n int) {
			assert.Equal(t, 1, n)
			assert.NotZero(t, st.Result().NSegments())
			order = append(order, "segment")
		},
	}
	transcribe(t, c, 8, p)

	require.NotEmpty(t, seen)
	assert.Equal(t, 0, seen[0])
	assert.Equal(t, 100, seen[len(seen)-1])
	for i := 1; i < len(seen); i++ {
		assert.Greater(t, seen[i], seen[i-1])
		assert.Zero(t, seen[i]%5)
	}
	assert.Equal(t, "progress", order[0])
	assert.Equal(t, "progress", order[len(order)-1])
}

func TestAbortKeepsClosedSegments(t *testing.T) {
	t.Parallel()
	c := newContext(t, toy.DefaultConfig(), "cpu")
	var segments atomic.Int32
	p := testParams()
	p.NoContext = true
	p.Observer = whisper.ObserverFuncs{
		Segment: func(*whisper.State, int) { segments.Add(1) },
		Abort:   func() bool { return segments.Load() >= 2 },
	}
	res := transcribe(t, c, 8, p)

	assert.True(t, res.Aborted)
	require.Equal(t, 2, res.NSegments())
	assert.Equal(t, int64(120), res.Segments[1].T0)
}

func TestCancelledContextAborts(t *testing.T) {
	t.Parallel()
	c := newContext(t, toy.DefaultConfig(), "cpu")
	st := c.NewState()
	defer st.Close()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := c.Transcribe(ctx, st, toy.Tone(2), testParams())
	require.NoError(t, err)
	assert.True(t, res.Aborted)
	assert.Zero(t, res.NSegments())
}

func TestOffsetShiftsSegments(t *testing.T) {
	t.Parallel()
	p := testParams()
	p.OffsetMS = 1000
	res := transcribe(t, newContext(t, toy.DefaultConfig(), "cpu"), 3, p)
	require.Equal(t, 1, res.NSegments())
	assert.Equal(t, int64(100), res.Segments[0].T0)
	assert.Equal(t, int64(220), res.Segments[0].T1)
}

func TestBeamSearchAgreesWithGreedy(t *testing.T) {
	t.Parallel()
	c := newContext(t, toy.DefaultConfig(), "cpu")
	greedy := transcribe(t, c, 2, testParams())

	p := whisper.DefaultParams(whisper.BeamSearch)
	p.Threads = 2
	beam := transcribe(t, c, 2, p)

	require.Equal(t, greedy.NSegments(), beam.NSegments())
	assert.Equal(t, greedy.Segments[0].T0, beam.Segments[0].T0)
	assert.Equal(t, greedy.Segments[0].T1, beam.Segments[0].T1)
	assert.Equal(t, greedy.Text(), beam.Text())
}

func TestAutoLanguageDetection(t *testing.T) {
	t.Parallel()
	cfg := toy.DefaultConfig()
	cfg.Language = "de"
	c := newContext(t, cfg, "cpu")

	p := testParams()
	p.Language = "auto"
	res := transcribe(t, c, 2, p)
	assert.Equal(t, "de", res.Language)
	assert.Greater(t, res.LanguageProb, float32(0.5))
	assert.Equal(t, cfg.Text(), res.Text())

	st := c.NewState()
	defer st.Close()
	probs, err := c.DetectLanguage(context.Background(), st, toy.Tone(2), testParams())
	require.NoError(t, err)
	require.Len(t, probs, model.MaxLangID()+1)
	assert.Equal(t, "de", probs[0].Code)
	assert.GreaterOrEqual(t, probs[0].Prob, probs[1].Prob)
}

func TestMonolingualAutoFallsBackToEnglish(t *testing.T) {
	t.Parallel()
	cfg := toy.DefaultConfig()
	cfg.Multilingual = false
	c := newContext(t, cfg, "cpu")
	p := testParams()
	p.Language = "auto"
	res := transcribe(t, c, 2, p)
	assert.Equal(t, "en", res.Language)
	assert.Equal(t, cfg.Text(), res.Text())

	st := c.NewState()
	defer st.Close()
	_, err := c.DetectLanguage(context.Background(), st, toy.Tone(2), p)
	assert.ErrorIs(t, err, whisper.ErrInvalidArgument)
}

func TestNoTimestampsSpansWindow(t *testing.T) {
	t.Parallel()
	p := testParams()
	p.NoTimestamps = true
	res := transcribe(t, newContext(t, toy.DefaultConfig(), "cpu"), 2, p)
	require.Equal(t, 1, res.NSegments())
	seg := res.Segments[0]
	assert.Equal(t, int64(0), seg.T0)
	assert.Equal(t, int64(200), seg.T1)
	assert.True(t, strings.HasPrefix(seg.Text, " hello world"), "text %q", seg.Text)
}

func TestTokenTimestampsStayInsideSegment(t *testing.T) {
	t.Parallel()
	p := testParams()
	p.TokenTimestamps = true
	res := transcribe(t, newContext(t, toy.DefaultConfig(), "cpu"), 2, p)
	require.Equal(t, 1, res.NSegments())
	seg := res.Segments[0]
	prev := int64(0)
	for _, tok := range seg.Tokens {
		assert.GreaterOrEqual(t, tok.T0, prev, "token %q", tok.Text)
		assert.LessOrEqual(t, tok.T0, tok.T1, "token %q", tok.Text)
		assert.LessOrEqual(t, tok.T1, seg.T1, "token %q", tok.Text)
		prev = tok.T0
	}
}

func TestMaxLenWrapsSegments(t *testing.T) {
	t.Parallel()
	var reported []int
	p := testParams()
	p.MaxLen = 6
	p.SplitOnWord = true
	p.Observer = whisper.ObserverFuncs{Segment: func(_ *whisper.State, n int) { reported = append(reported, n) }}
	res := transcribe(t, newContext(t, toy.DefaultConfig(), "cpu"), 2, p)

	require.Equal(t, 2, res.NSegments())
	assert.Equal(t, " hello", res.Segments[0].Text)
	assert.Equal(t, " world", res.Segments[1].Text)
	assert.Equal(t, res.Segments[0].T1, res.Segments[1].T0)
	assert.Equal(t, []int{2}, reported)
}

func TestTranscribeParallelRebasesChunks(t *testing.T) {
	t.Parallel()
	c := newContext(t, toy.DefaultConfig(), "cpu")
	var segments atomic.Int32
	p := testParams()
	p.NoContext = true
	p.Observer = whisper.ObserverFuncs{Segment: func(*whisper.State, int) { segments.Add(1) }}

	res, err := c.TranscribeParallel(context.Background(), toy.Tone(8), p, 2)
	require.NoError(t, err)
	require.Equal(t, 6, res.NSegments())
	want := []int64{0, 120, 240, 400, 520, 640}
	for i, seg := range res.Segments {
		assert.Equal(t, want[i], seg.T0, "segment %d", i)
		assert.Equal(t, want[i]+120, seg.T1, "segment %d", i)
	}
	assert.Equal(t, int32(6), segments.Load())
}

func TestResultAccessorsRejectOutOfRange(t *testing.T) {
	t.Parallel()
	res := transcribe(t, newContext(t, toy.DefaultConfig(), "cpu"), 2, testParams())

	_, err := res.Segment(1)
	assert.ErrorIs(t, err, whisper.ErrInvalidArgument)
	_, err = res.Segment(-1)
	assert.ErrorIs(t, err, whisper.ErrInvalidArgument)
	_, err = res.Token(0, 99)
	assert.ErrorIs(t, err, whisper.ErrInvalidArgument)
	n, err := res.NTokens(0)
	require.NoError(t, err)
	tok, err := res.Token(0, n-1)
	require.NoError(t, err)
	assert.Equal(t, tok.ID, tok.TID, "a timestamp token is its own timestamp")
}

func TestStateBelongsToContext(t *testing.T) {
	t.Parallel()
	a := newContext(t, toy.DefaultConfig(), "cpu")
	b := newContext(t, toy.DefaultConfig(), "cpu")
	st := a.NewState()
	defer st.Close()
	_, err := b.Transcribe(context.Background(), st, toy.Tone(2), testParams())
	assert.ErrorIs(t, err, whisper.ErrInvalidArgument)
	assert.Equal(t, whisper.KindInvalidArgument, whisper.KindOf(err))
}

func TestAudioCtxOverride(t *testing.T) {
	t.Parallel()
	c := newContext(t, toy.DefaultConfig(), "cpu")
	p := testParams()
	p.AudioCtx = 1000
	st := c.NewState()
	defer st.Close()
	_, err := c.Transcribe(context.Background(), st, toy.Tone(2), p)
	assert.ErrorIs(t, err, whisper.ErrInvalidArgument)

	p.AudioCtx = 120
	res := transcribe(t, c, 2, p)
	require.Equal(t, 1, res.NSegments())
	assert.Equal(t, " hello world", res.Text())
}
