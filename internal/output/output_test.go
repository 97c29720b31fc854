package output

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/goccy/go-json"

	"github.com/samcharles93/murmur/internal/whisper"
)

func sampleDoc() Document {
	return Document{
		SystemInfo: "cpu",
		ModelPath:  "models/toy.mmf",
		Language:   "auto",
		Result: &whisper.Result{
			Language: "en",
			Segments: []whisper.Segment{
				{T0: 0, T1: 120, Text: " hello world"},
				{T0: 6000, T1: 36_012_345, Text: ` say "hi"`, SpeakerTurn: true},
			},
		},
	}
}

func TestTimestamp(t *testing.T) {
	t.Parallel()
	cases := []struct {
		t     int64
		comma bool
		want  string
	}{
		{0, false, "00:00:00.000"},
		{500, false, "00:00:05.000"},
		{6000, true, "00:01:00,000"},
		{360_012, false, "01:00:00.120"},
		{-5, false, "00:00:00.000"},
	}
	for _, tc := range cases {
		if got := Timestamp(tc.t, tc.comma); got != tc.want {
			t.Fatalf("Timestamp(%d): got %q want %q", tc.t, got, tc.want)
		}
	}
}

func TestParseFormat(t *testing.T) {
	t.Parallel()
	for _, in := range []string{"srt", ".SRT", " srt "} {
		if f, err := ParseFormat(in); err != nil || f != SRT {
			t.Fatalf("ParseFormat(%q): got %q, %v", in, f, err)
		}
	}
	if _, err := ParseFormat("docx"); err == nil {
		t.Fatalf("expected error for unknown format")
	}
}

func render(t *testing.T, f Format) string {
	t.Helper()
	var buf bytes.Buffer
	if err := Write(&buf, f, sampleDoc()); err != nil {
		t.Fatalf("write %s: %v", f, err)
	}
	return buf.String()
}

func TestWriteTextFormats(t *testing.T) {
	t.Parallel()
	cases := map[Format]string{
		TXT: " hello world\n say \"hi\"\n",
		SRT: "1\n00:00:00,000 --> 00:00:01,200\n hello world\n\n" +
			"2\n00:01:00,000 --> 100:02:03,450\n say \"hi\"\n\n",
		VTT: "WEBVTT\n\n00:00:00.000 --> 00:00:01.200\n hello world\n\n" +
			"00:01:00.000 --> 100:02:03.450\n say \"hi\"\n\n",
		CSV: "start,end,text\n0,1200,\" hello world\"\n60000,360123450,\" say \\\"hi\\\"\"\n",
	}
	for f, want := range cases {
		if got := render(t, f); got != want {
			t.Fatalf("%s:\ngot  %q\nwant %q", f, got, want)
		}
	}
}

func TestWriteJSON(t *testing.T) {
	t.Parallel()
	var doc struct {
		Params struct {
			Model string `json:"model"`
		} `json:"params"`
		Result struct {
			Language string `json:"language"`
		} `json:"result"`
		Transcription []struct {
			Timestamps struct {
				From string `json:"from"`
				To   string `json:"to"`
			} `json:"timestamps"`
			Offsets struct {
				To int64 `json:"to"`
			} `json:"offsets"`
			Text        string `json:"text"`
			SpeakerTurn bool   `json:"speaker_turn"`
		} `json:"transcription"`
	}
	if err := json.Unmarshal([]byte(render(t, JSON)), &doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if doc.Params.Model != "models/toy.mmf" || doc.Result.Language != "en" {
		t.Fatalf("header: %+v", doc)
	}
	if len(doc.Transcription) != 2 {
		t.Fatalf("segments: got %d want 2", len(doc.Transcription))
	}
	s := doc.Transcription[0]
	if s.Timestamps.To != "00:00:01,200" || s.Offsets.To != 1200 || s.Text != " hello world" {
		t.Fatalf("segment: %+v", s)
	}
	if !doc.Transcription[1].SpeakerTurn {
		t.Fatalf("speaker turn lost")
	}
}

func TestWriteFile(t *testing.T) {
	t.Parallel()
	base := filepath.Join(t.TempDir(), "talk")
	path, err := WriteFile(base, VTT, sampleDoc())
	if err != nil {
		t.Fatalf("write file: %v", err)
	}
	if path != base+".vtt" {
		t.Fatalf("path: got %q", path)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.HasPrefix(string(b), "WEBVTT\n") {
		t.Fatalf("content: %q", b)
	}
}

func TestWriteRejectsEmptyDocument(t *testing.T) {
	t.Parallel()
	if err := Write(&bytes.Buffer{}, TXT, Document{}); err == nil {
		t.Fatalf("expected error")
	}
}
