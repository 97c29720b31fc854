package whisper

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samcharles93/murmur/internal/model"
	"github.com/samcharles93/murmur/internal/tensor"
	"github.com/samcharles93/murmur/pkg/mmf"
)

func TestDefaultParams(t *testing.T) {
	t.Parallel()
	g := DefaultParams(Greedy)
	assert.Equal(t, 1, g.BeamSize)
	assert.Equal(t, 5, g.BestOf)
	assert.Equal(t, "en", g.Language)
	assert.InDelta(t, 2.4, g.EntropyThold, 1e-6)
	assert.InDelta(t, -1.0, g.LogprobThold, 1e-6)
	assert.InDelta(t, 0.6, g.NoSpeechThold, 1e-6)

	b := DefaultParams(BeamSearch)
	assert.Equal(t, 5, b.BeamSize)
	assert.Equal(t, BeamSearch, b.Strategy)
}

func TestParamsValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		mutate  func(*Params)
		wantErr bool
		check   func(*testing.T, Params)
	}{
		{name: "language name", mutate: func(p *Params) { p.Language = " German " }, check: func(t *testing.T, p Params) {
			assert.Equal(t, "de", p.Language)
		}},
		{name: "empty language", mutate: func(p *Params) { p.Language = "" }, check: func(t *testing.T, p Params) {
			assert.Equal(t, "auto", p.Language)
		}},
		{name: "unknown language", mutate: func(p *Params) { p.Language = "klingon" }, wantErr: true},
		{name: "negative offset", mutate: func(p *Params) { p.OffsetMS = -1 }, wantErr: true},
		{name: "negative temperature", mutate: func(p *Params) { p.Temperature = -0.1 }, wantErr: true},
		{name: "max len implies token timestamps", mutate: func(p *Params) { p.MaxLen = 10 }, check: func(t *testing.T, p Params) {
			assert.True(t, p.TokenTimestamps)
		}},
		{name: "zero values get defaults", mutate: func(p *Params) {
			p.Threads, p.BestOf, p.BeamSize, p.SpeakerTurnGap = 0, 0, 0, 0
		}, check: func(t *testing.T, p Params) {
			assert.Positive(t, p.Threads)
			assert.Equal(t, 1, p.BestOf)
			assert.Equal(t, 1, p.BeamSize)
			assert.Equal(t, 1500*time.Millisecond, p.SpeakerTurnGap)
			assert.NotNil(t, p.Observer)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := DefaultParams(Greedy)
			tt.mutate(&p)
			err := p.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidArgument)
				return
			}
			require.NoError(t, err)
			tt.check(t, p)
		})
	}
}

func TestTemperatureLadder(t *testing.T) {
	t.Parallel()
	p := DefaultParams(Greedy)
	temps := p.temperatures()
	require.Len(t, temps, 6)
	assert.InDelta(t, 0, temps[0], 1e-6)
	assert.InDelta(t, 1.0, temps[5], 1e-5)

	p.TemperatureInc = 0
	assert.Len(t, p.temperatures(), 1)
}

func TestParseStrategy(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]Strategy{"": Greedy, "greedy": Greedy, "Beam": BeamSearch, "beam_search": BeamSearch} {
		got, err := ParseStrategy(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseStrategy("sampling")
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestKindOf(t *testing.T) {
	t.Parallel()
	tests := []struct {
		err  error
		want ErrorKind
	}{
		{nil, KindNone},
		{fmt.Errorf("load: %w", mmf.ErrBadFormat), KindBadFormat},
		{mmf.ErrUnsupportedQuant, KindUnsupportedQuant},
		{mmf.ErrTruncated, KindTruncated},
		{fmt.Errorf("decode: %w", tensor.ErrShapeMismatch), KindShapeMismatch},
		{tensor.ErrAllocationFailure, KindAllocationFailure},
		{tensor.ErrUnsupportedOp, KindUnsupportedOp},
		{model.ErrUnknownLanguage, KindInvalidArgument},
		{ErrInvalidArgument, KindInvalidArgument},
		{context.Canceled, KindAborted},
		{ErrAborted, KindAborted},
		{errors.New("boom"), KindInternal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, KindOf(tt.err), "%v", tt.err)
	}
	assert.Equal(t, "shape_mismatch", KindShapeMismatch.String())
}
