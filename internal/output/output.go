// Package output renders transcripts as text, subtitles, CSV or JSON.
package output

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/goccy/go-json"

	"github.com/samcharles93/murmur/internal/inference"
	"github.com/samcharles93/murmur/internal/whisper"
)

type Format string

const (
	TXT  Format = "txt"
	SRT  Format = "srt"
	VTT  Format = "vtt"
	CSV  Format = "csv"
	JSON Format = "json"
)

// Formats lists every supported format.
func Formats() []Format { return []Format{TXT, SRT, VTT, CSV, JSON} }

// ParseFormat accepts a format name with or without a leading dot.
func ParseFormat(s string) (Format, error) {
	f := Format(strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "."))
	for _, known := range Formats() {
		if f == known {
			return f, nil
		}
	}
	return "", fmt.Errorf("unknown output format %q", s)
}

// Ext is the file extension including the dot.
func (f Format) Ext() string { return "." + string(f) }

// Document is everything a writer may render.
type Document struct {
	SystemInfo string
	ModelPath  string
	Model      inference.ModelInfo
	Language   string
	Translate  bool
	Result     *whisper.Result
}

// Timestamp formats centiseconds as HH:MM:SS.mmm, or HH:MM:SS,mmm for
// SubRip.
func Timestamp(t int64, comma bool) string {
	msec := max(t, 0) * 10
	hr := msec / 3_600_000
	msec -= hr * 3_600_000
	mn := msec / 60_000
	msec -= mn * 60_000
	sec := msec / 1000
	msec -= sec * 1000
	sep := "."
	if comma {
		sep = ","
	}
	return fmt.Sprintf("%02d:%02d:%02d%s%03d", hr, mn, sec, sep, msec)
}

// Write renders doc in format f.
func Write(w io.Writer, f Format, doc Document) error {
	if doc.Result == nil {
		return fmt.Errorf("document has no result")
	}
	bw := bufio.NewWriter(w)
	var err error
	switch f {
	case TXT:
		err = writeTXT(bw, doc.Result)
	case SRT:
		err = writeSRT(bw, doc.Result)
	case VTT:
		err = writeVTT(bw, doc.Result)
	case CSV:
		err = writeCSV(bw, doc.Result)
	case JSON:
		err = writeJSON(bw, doc)
	default:
		return fmt.Errorf("unknown output format %q", f)
	}
	if err != nil {
		return err
	}
	return bw.Flush()
}

// WriteFile renders doc to base plus the format extension and returns the
// path written.
func WriteFile(base string, f Format, doc Document) (path string, err error) {
	path = base + f.Ext()
	file, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer func() {
		if cerr := file.Close(); err == nil && cerr != nil {
			err = cerr
		}
	}()
	return path, Write(file, f, doc)
}

func writeTXT(w *bufio.Writer, r *whisper.Result) error {
	for _, s := range r.Segments {
		if _, err := fmt.Fprintln(w, s.Text); err != nil {
			return err
		}
	}
	return nil
}

func writeVTT(w *bufio.Writer, r *whisper.Result) error {
	if _, err := w.WriteString("WEBVTT\n\n"); err != nil {
		return err
	}
	for _, s := range r.Segments {
		if _, err := fmt.Fprintf(w, "%s --> %s\n%s\n\n", Timestamp(s.T0, false), Timestamp(s.T1, false), s.Text); err != nil {
			return err
		}
	}
	return nil
}

func writeSRT(w *bufio.Writer, r *whisper.Result) error {
	for i, s := range r.Segments {
		if _, err := fmt.Fprintf(w, "%d\n%s --> %s\n%s\n\n", i+1, Timestamp(s.T0, true), Timestamp(s.T1, true), s.Text); err != nil {
			return err
		}
	}
	return nil
}

func writeCSV(w *bufio.Writer, r *whisper.Result) error {
	if _, err := w.WriteString("start,end,text\n"); err != nil {
		return err
	}
	esc := strings.NewReplacer(`"`, `\"`, `\`, `\\`)
	for _, s := range r.Segments {
		if _, err := fmt.Fprintf(w, "%d,%d,\"%s\"\n", 10*s.T0, 10*s.T1, esc.Replace(s.Text)); err != nil {
			return err
		}
	}
	return nil
}

type jsonSpan struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type jsonOffsets struct {
	From int64 `json:"from"`
	To   int64 `json:"to"`
}

type jsonToken struct {
	Text    string      `json:"text"`
	ID      int32       `json:"id"`
	P       float32     `json:"p"`
	Offsets jsonOffsets `json:"offsets"`
}

type jsonSegment struct {
	Timestamps   jsonSpan    `json:"timestamps"`
	Offsets      jsonOffsets `json:"offsets"`
	Text         string      `json:"text"`
	NoSpeechProb float32     `json:"no_speech_prob"`
	SpeakerTurn  bool        `json:"speaker_turn,omitempty"`
	Tokens       []jsonToken `json:"tokens,omitempty"`
}

type jsonModel struct {
	Type         string `json:"type"`
	Multilingual bool   `json:"multilingual"`
	Vocab        int    `json:"vocab"`
	AudioCtx     int    `json:"audio_ctx"`
	TextCtx      int    `json:"text_ctx"`
	Mels         int    `json:"mels"`
	FType        string `json:"ftype"`
}

type jsonDoc struct {
	SystemInfo string    `json:"systeminfo"`
	Model      jsonModel `json:"model"`
	Params     struct {
		Model     string `json:"model"`
		Language  string `json:"language"`
		Translate bool   `json:"translate"`
	} `json:"params"`
	Result struct {
		Language string `json:"language"`
		Aborted  bool   `json:"aborted,omitempty"`
	} `json:"result"`
	Transcription []jsonSegment `json:"transcription"`
}

func writeJSON(w *bufio.Writer, doc Document) error {
	var out jsonDoc
	out.SystemInfo = doc.SystemInfo
	m := doc.Model
	out.Model = jsonModel{
		Type: m.Type, Multilingual: m.Multilingual, Vocab: m.Vocab,
		AudioCtx: m.AudioCtx, TextCtx: m.TextCtx, Mels: m.Mels, FType: m.FType,
	}
	out.Params.Model = doc.ModelPath
	out.Params.Language = doc.Language
	out.Params.Translate = doc.Translate
	out.Result.Language = doc.Result.Language
	out.Result.Aborted = doc.Result.Aborted
	out.Transcription = make([]jsonSegment, 0, len(doc.Result.Segments))
	for _, s := range doc.Result.Segments {
		seg := jsonSegment{
			Timestamps:   jsonSpan{From: Timestamp(s.T0, true), To: Timestamp(s.T1, true)},
			Offsets:      jsonOffsets{From: 10 * s.T0, To: 10 * s.T1},
			Text:         s.Text,
			NoSpeechProb: s.NoSpeechProb,
			SpeakerTurn:  s.SpeakerTurn,
		}
		for _, t := range s.Tokens {
			if t.T0 < 0 {
				continue
			}
			seg.Tokens = append(seg.Tokens, jsonToken{
				Text: t.Text, ID: t.ID, P: t.P,
				Offsets: jsonOffsets{From: 10 * t.T0, To: 10 * t.T1},
			})
		}
		out.Transcription = append(out.Transcription, seg)
	}
	b, err := json.MarshalIndent(out, "", "\t")
	if err != nil {
		return err
	}
	b = append(b, '\n')
	_, err = w.Write(b)
	return err
}
