package model

import (
	"errors"
	"slices"
	"testing"

	"github.com/samcharles93/murmur/pkg/mmf"
)

func TestVocabLayoutMatchesMultilingualIDs(t *testing.T) {
	t.Parallel()
	v, err := NewVocab(nil, 51865, 1500, true)
	if err != nil {
		t.Fatalf("NewVocab: %v", err)
	}
	want := map[string][2]int32{
		"eot":        {v.EOT, 50257},
		"sot":        {v.SOT, 50258},
		"translate":  {v.Translate, 50358},
		"transcribe": {v.Transcribe, 50359},
		"solm":       {v.SOLM, 50360},
		"prev":       {v.Prev, 50361},
		"nospeech":   {v.NoSpeech, 50362},
		"not":        {v.NoTimestamps, 50363},
		"beg":        {v.Beg, 50364},
	}
	for name, p := range want {
		if p[0] != p[1] {
			t.Errorf("%s: got %d want %d", name, p[0], p[1])
		}
	}
	if got := v.Lang(0); got != 50259 {
		t.Fatalf("first language token: got %d want 50259", got)
	}
}

func TestVocabPlaceholders(t *testing.T) {
	t.Parallel()
	v, err := NewVocab([]string{"a", "b"}, 300, 150, true)
	if err != nil {
		t.Fatalf("NewVocab: %v", err)
	}
	cases := map[int32]string{
		v.EOT:          "[_EOT_]",
		v.SOT:          "[_SOT_]",
		v.Beg:          "[_BEG_]",
		v.Beg + 3:      "[_TT_3]",
		v.Lang(0):      "[_LANG_en]",
		v.NoTimestamps: "[_NOT_]",
		2:              "[_extra_token_2]",
	}
	for id, want := range cases {
		if got := v.Text(id); got != want {
			t.Errorf("token %d: got %q want %q", id, got, want)
		}
	}
	if _, err := v.Token(300); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("out of range token: got %v want ErrInvalidToken", err)
	}
	if got := v.TimestampCentis(v.Beg + 75); got != 150 {
		t.Fatalf("TimestampCentis: got %d want 150", got)
	}
	if !v.IsTimestamp(v.Beg) || v.IsTimestamp(v.NoTimestamps) {
		t.Fatal("IsTimestamp disagrees with the layout")
	}
}

func TestVocabTooSmall(t *testing.T) {
	t.Parallel()
	if _, err := NewVocab(nil, 120, 150, true); err == nil {
		t.Fatal("expected an error when the timestamps do not fit")
	}
}

func TestSplitWords(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   string
		want []string
	}{
		{"hello world", []string{"hello", " world"}},
		{"it's  fine", []string{"it", "'s", " ", " fine"}},
		{"2024, ok!", []string{"2024", ",", " ok", "!"}},
		{"trailing   ", []string{"trailing", "   "}},
	}
	for _, tc := range cases {
		if got := splitWords(tc.in); !slices.Equal(got, tc.want) {
			t.Errorf("splitWords(%q): got %q want %q", tc.in, got, tc.want)
		}
	}
}

func TestTokenizeLongestMatch(t *testing.T) {
	t.Parallel()
	v, err := NewVocab([]string{"h", "e", "l", "o", "hel", "lo", " w", "or", "ld", " world"}, 300, 150, false)
	if err != nil {
		t.Fatalf("NewVocab: %v", err)
	}
	got := v.Tokenize("hello world")
	want := []int32{4, 5, 9}
	if !slices.Equal(got, want) {
		t.Fatalf("Tokenize: got %v want %v", got, want)
	}
}

func TestLangID(t *testing.T) {
	t.Parallel()
	for _, s := range []string{"en", "EN", "english", " English "} {
		id, err := LangID(s)
		if err != nil || id != 0 {
			t.Errorf("LangID(%q): got %d, %v", s, id, err)
		}
	}
	if id, _ := LangID("de"); LangCode(id) != "de" {
		t.Fatalf("LangCode round trip for de failed: %d", id)
	}
	if _, err := LangID("klingon"); !errors.Is(err, ErrUnknownLanguage) {
		t.Fatalf("unknown language: got %v", err)
	}
	if MaxLangID() != 98 {
		t.Fatalf("MaxLangID: got %d want 98", MaxLangID())
	}
}

func TestHParamsValidate(t *testing.T) {
	t.Parallel()
	hp := HParams{
		NVocab: 51865, NAudioCtx: 1500, NAudioState: 384, NAudioHead: 6, NAudioLayer: 4,
		NTextCtx: 448, NTextState: 384, NTextHead: 6, NTextLayer: 4, NMels: 80,
		FType: mmf.DTypeF16, Multilingual: true,
	}
	if err := hp.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if hp.Type() != "tiny" {
		t.Fatalf("Type: got %s want tiny", hp.Type())
	}
	if hp.WindowCentis() != 3000 {
		t.Fatalf("WindowCentis: got %d want 3000", hp.WindowCentis())
	}
	if got := HParamsFromFile(hp.File()); got != hp {
		t.Fatalf("file round trip: got %+v", got)
	}

	bad := hp
	bad.NTextHead = 5
	if err := bad.Validate(); !errors.Is(err, mmf.ErrBadFormat) {
		t.Fatalf("indivisible heads: got %v", err)
	}
	bad = hp
	bad.FType = mmf.DType(77)
	if err := bad.Validate(); !errors.Is(err, mmf.ErrUnsupportedQuant) {
		t.Fatalf("unknown ftype: got %v", err)
	}
}
