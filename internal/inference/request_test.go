package inference

import (
	"errors"
	"testing"

	"github.com/samcharles93/murmur/internal/whisper"
)

func ptr[T any](v T) *T { return &v }

func TestResolveRequestDefaults(t *testing.T) {
	t.Parallel()
	req, err := ResolveRequest(RequestOptions{}, Defaults{})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if req.Language != "auto" || req.Strategy != whisper.Greedy || req.Workers != 1 {
		t.Fatalf("defaults: %+v", req)
	}
	if req.Threads <= 0 {
		t.Fatalf("threads: got %d", req.Threads)
	}
}

func TestResolveRequestPrecedence(t *testing.T) {
	t.Parallel()
	defaults := Defaults{Language: ptr("de"), Threads: ptr(3), BeamSize: ptr(4)}

	req, err := ResolveRequest(RequestOptions{}, defaults)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if req.Language != "de" || req.Threads != 3 || req.BeamSize != 4 || req.Strategy != whisper.BeamSearch {
		t.Fatalf("defaults not applied: %+v", req)
	}

	req, err = ResolveRequest(RequestOptions{Language: ptr("fr"), BeamSize: ptr(1), Translate: ptr(true)}, defaults)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if req.Language != "fr" || req.BeamSize != 1 || req.Strategy != whisper.Greedy || !req.Translate {
		t.Fatalf("options not applied: %+v", req)
	}
}

func TestResolveRequestRejectsOutOfRange(t *testing.T) {
	t.Parallel()
	for _, opts := range []RequestOptions{
		{Temperature: ptr(1.5)},
		{Temperature: ptr(-0.1)},
		{BeamSize: ptr(-1)},
		{Workers: ptr(-2)},
	} {
		if _, err := ResolveRequest(opts, Defaults{}); !errors.Is(err, whisper.ErrInvalidArgument) {
			t.Fatalf("%+v: got %v want invalid argument", opts, err)
		}
	}
}

func TestRequestParams(t *testing.T) {
	t.Parallel()
	req, err := ResolveRequest(RequestOptions{
		Language:  ptr("German"),
		MaxLen:    ptr(20),
		BeamSize:  ptr(3),
		NoContext: ptr(true),
	}, Defaults{})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	p, err := req.Params()
	if err != nil {
		t.Fatalf("params: %v", err)
	}
	if p.Language != "de" || p.BeamSize != 3 || p.Strategy != whisper.BeamSearch {
		t.Fatalf("params: %+v", p)
	}
	if !p.TokenTimestamps || !p.SplitOnWord || !p.NoContext {
		t.Fatalf("max_len should enable token timestamps and word splits: %+v", p)
	}
}

func TestResolveRequestFallbackThresholds(t *testing.T) {
	t.Parallel()
	def := whisper.DefaultParams(whisper.Greedy)

	req, err := ResolveRequest(RequestOptions{}, Defaults{})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	p, err := req.Params()
	if err != nil {
		t.Fatalf("params: %v", err)
	}
	if p.TemperatureInc != def.TemperatureInc || p.EntropyThold != def.EntropyThold ||
		p.LogprobThold != def.LogprobThold || p.NoSpeechThold != def.NoSpeechThold {
		t.Fatalf("engine defaults not kept: %+v", p)
	}

	req, err = ResolveRequest(RequestOptions{
		TemperatureInc: ptr(0.0),
		EntropyThold:   ptr(2.0),
		LogprobThold:   ptr(-0.5),
		NoSpeechThold:  ptr(0.9),
	}, Defaults{})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	p, err = req.Params()
	if err != nil {
		t.Fatalf("params: %v", err)
	}
	if p.TemperatureInc != 0 || p.EntropyThold != 2 || p.LogprobThold != -0.5 || p.NoSpeechThold != 0.9 {
		t.Fatalf("overrides not applied: %+v", p)
	}

	for _, opts := range []RequestOptions{
		{TemperatureInc: ptr(-0.2)},
		{TemperatureInc: ptr(1.5)},
		{NoSpeechThold: ptr(1.2)},
		{EntropyThold: ptr(-1.0)},
		{LogprobThold: ptr(0.3)},
	} {
		if _, err := ResolveRequest(opts, Defaults{}); !errors.Is(err, whisper.ErrInvalidArgument) {
			t.Fatalf("%+v: got %v want invalid argument", opts, err)
		}
	}
}
