package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"
)

const (
	ansiReset  = "\033[0m"
	ansiDim    = "\033[2m"
	ansiRed    = "\033[31m"
	ansiYellow = "\033[33m"
	ansiGreen  = "\033[32m"
	ansiCyan   = "\033[36m"
	ansiBold   = "\033[1m"
)

// ColorMode selects whether the console handler emits ANSI escapes.
type ColorMode int

const (
	ColorAuto ColorMode = iota
	ColorAlways
	ColorNever
)

// ConsoleOptions configures a ConsoleHandler.
type ConsoleOptions struct {
	Level slog.Leveler
	Color ColorMode
	// TimeFormat defaults to a wall-clock time with milliseconds.
	TimeFormat string
}

// ConsoleHandler writes one human-oriented line per record:
//
//	12:04:05.120 INF transcribed input=clip.wav segments=12 rtf=0.082
//
// Durations are rounded and floats shortened, since decoder logs are full
// of both. Derived handlers share the parent's writer lock.
type ConsoleHandler struct {
	w      io.Writer
	mu     *sync.Mutex
	level  slog.Leveler
	color  bool
	layout string
	prefix string // group path with trailing dot
	pre    []byte // attrs rendered by WithAttrs
}

// NewConsoleHandler returns a handler writing to w.
func NewConsoleHandler(w io.Writer, opts ConsoleOptions) *ConsoleHandler {
	level := opts.Level
	if level == nil {
		level = slog.LevelInfo
	}
	layout := opts.TimeFormat
	if layout == "" {
		layout = "15:04:05.000"
	}
	return &ConsoleHandler{
		w:      w,
		mu:     new(sync.Mutex),
		level:  level,
		color:  useColor(w, opts.Color),
		layout: layout,
	}
}

func useColor(w io.Writer, mode ColorMode) bool {
	switch mode {
	case ColorAlways:
		return true
	case ColorNever:
		return false
	}
	if _, ok := os.LookupEnv("NO_COLOR"); ok || os.Getenv("TERM") == "dumb" {
		return false
	}
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	st, err := f.Stat()
	return err == nil && st.Mode()&os.ModeCharDevice != 0
}

func (h *ConsoleHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *ConsoleHandler) Handle(_ context.Context, r slog.Record) error {
	buf := make([]byte, 0, 256)
	if !r.Time.IsZero() {
		buf = h.paint(buf, ansiDim, r.Time.AppendFormat(nil, h.layout))
		buf = append(buf, ' ')
	}
	code, tag := levelTag(r.Level)
	buf = h.paint(buf, code, []byte(tag))
	buf = append(buf, ' ')
	buf = append(buf, r.Message...)
	buf = append(buf, h.pre...)
	r.Attrs(func(a slog.Attr) bool {
		buf = h.appendAttr(buf, h.prefix, a)
		return true
	})
	buf = append(buf, '\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.w.Write(buf)
	return err
}

func (h *ConsoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	c := *h
	c.pre = append([]byte(nil), h.pre...)
	for _, a := range attrs {
		c.pre = h.appendAttr(c.pre, h.prefix, a)
	}
	return &c
}

func (h *ConsoleHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	c := *h
	c.prefix = h.prefix + name + "."
	return &c
}

func (h *ConsoleHandler) paint(buf []byte, code string, text []byte) []byte {
	if !h.color || code == "" {
		return append(buf, text...)
	}
	buf = append(buf, code...)
	buf = append(buf, text...)
	return append(buf, ansiReset...)
}

func (h *ConsoleHandler) appendAttr(buf []byte, prefix string, a slog.Attr) []byte {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return buf
	}
	if a.Value.Kind() == slog.KindGroup {
		sub := prefix
		if a.Key != "" {
			sub += a.Key + "."
		}
		for _, g := range a.Value.Group() {
			buf = h.appendAttr(buf, sub, g)
		}
		return buf
	}
	buf = append(buf, ' ')
	code := ansiCyan
	if _, isErr := a.Value.Any().(error); isErr {
		code = ansiRed
	}
	buf = h.paint(buf, code, []byte(prefix+a.Key+"="))
	return append(buf, formatValue(a.Value)...)
}

func levelTag(l slog.Level) (string, string) {
	switch {
	case l >= slog.LevelError:
		return ansiRed + ansiBold, "ERR"
	case l >= slog.LevelWarn:
		return ansiYellow + ansiBold, "WRN"
	case l >= slog.LevelInfo:
		return ansiGreen, "INF"
	default:
		return ansiDim, "DBG"
	}
}

func formatValue(v slog.Value) string {
	switch v.Kind() {
	case slog.KindString:
		return quoteIfNeeded(v.String())
	case slog.KindDuration:
		return roundDuration(v.Duration()).String()
	case slog.KindFloat64:
		return strconv.FormatFloat(v.Float64(), 'g', 4, 64)
	case slog.KindTime:
		return v.Time().Format(time.RFC3339)
	case slog.KindAny:
		if err, ok := v.Any().(error); ok {
			return strconv.Quote(err.Error())
		}
		return quoteIfNeeded(fmt.Sprint(v.Any()))
	default:
		return v.String()
	}
}

// roundDuration keeps three significant places: 1.234s, 56.7ms, 890µs.
func roundDuration(d time.Duration) time.Duration {
	switch {
	case d >= 10*time.Second:
		return d.Round(time.Millisecond * 10)
	case d >= time.Second:
		return d.Round(time.Millisecond)
	case d >= time.Millisecond:
		return d.Round(time.Microsecond * 100)
	default:
		return d.Round(time.Microsecond)
	}
}

func quoteIfNeeded(s string) string {
	if s == "" {
		return `""`
	}
	if strings.IndexFunc(s, func(r rune) bool {
		return unicode.IsSpace(r) || r == '"' || r == '=' || !unicode.IsPrint(r)
	}) >= 0 {
		return strconv.Quote(s)
	}
	return s
}
