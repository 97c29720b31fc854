package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/murmur/internal/inference"
)

type ResponseError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Param   string `json:"param,omitempty"`
}

func writeBadRequest(c *echo.Context, msg string) error {
	return writeError(c, http.StatusBadRequest, "invalid_request_error", msg, "")
}

func writeError(c *echo.Context, status int, errType, msg, param string) error {
	return writeJSON(c, status, map[string]any{
		"error": ResponseError{
			Message: msg,
			Type:    errType,
			Param:   param,
		},
	})
}

func writeErr(c *echo.Context, err error) error {
	status, typ := classify(err)
	return writeError(c, status, typ, err.Error(), "")
}

// param reads a request field from the query string, falling back to the
// form body.
func param(c *echo.Context, name string) string {
	if v := c.QueryParam(name); v != "" {
		return strings.TrimSpace(v)
	}
	return strings.TrimSpace(c.FormValue(name))
}

func intParam(c *echo.Context, name string) (*int, error) {
	raw := param(c, name)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return nil, newInvalidRequest(fmt.Sprintf("%s: %q is not an integer", name, raw))
	}
	return &v, nil
}

func boolParam(c *echo.Context, name string) (*bool, error) {
	raw := param(c, name)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, newInvalidRequest(fmt.Sprintf("%s: %q is not a boolean", name, raw))
	}
	return &v, nil
}

func floatParam(c *echo.Context, name string) (*float64, error) {
	raw := param(c, name)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, newInvalidRequest(fmt.Sprintf("%s: %q is not a number", name, raw))
	}
	return &v, nil
}

// requestOptions collects the transcription fields of a request.
func requestOptions(c *echo.Context) (inference.RequestOptions, error) {
	var (
		opts inference.RequestOptions
		err  error
	)
	if v := param(c, "language"); v != "" {
		opts.Language = &v
	}
	if v := param(c, "prompt"); v != "" {
		opts.InitialPrompt = &v
	}
	ints := []struct {
		name string
		dst  **int
	}{
		{"beam_size", &opts.BeamSize},
		{"best_of", &opts.BestOf},
		{"workers", &opts.Workers},
		{"offset_ms", &opts.OffsetMS},
		{"duration_ms", &opts.DurationMS},
		{"max_len", &opts.MaxLen},
	}
	for _, f := range ints {
		if *f.dst, err = intParam(c, f.name); err != nil {
			return opts, err
		}
	}
	bools := []struct {
		name string
		dst  **bool
	}{
		{"translate", &opts.Translate},
		{"single_segment", &opts.SingleSegment},
		{"no_context", &opts.NoContext},
		{"no_timestamps", &opts.NoTimestamps},
		{"token_timestamps", &opts.TokenTimestamps},
		{"speaker_turn", &opts.SpeakerTurn},
		{"clean_text", &opts.CleanText},
	}
	for _, f := range bools {
		if *f.dst, err = boolParam(c, f.name); err != nil {
			return opts, err
		}
	}
	floats := []struct {
		name string
		dst  **float64
	}{
		{"temperature", &opts.Temperature},
		{"temperature_inc", &opts.TemperatureInc},
		{"entropy_threshold", &opts.EntropyThold},
		{"logprob_threshold", &opts.LogprobThold},
		{"no_speech_threshold", &opts.NoSpeechThold},
	}
	for _, f := range floats {
		if *f.dst, err = floatParam(c, f.name); err != nil {
			return opts, err
		}
	}
	return opts, nil
}

func newTranscriptionID() string {
	return "tr_" + uuid.NewString()
}
