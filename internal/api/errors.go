package api

import (
	"errors"
	"net/http"

	"github.com/samcharles93/murmur/internal/audio"
	"github.com/samcharles93/murmur/internal/inference"
	"github.com/samcharles93/murmur/internal/whisper"
)

var (
	ErrInvalidRequest = errors.New("invalid_request")
	ErrModelNotFound  = errors.New("model not found")
)

type invalidRequestError struct {
	msg string
}

func (e invalidRequestError) Error() string {
	return e.msg
}

func (e invalidRequestError) Unwrap() error {
	return ErrInvalidRequest
}

func newInvalidRequest(msg string) error {
	return invalidRequestError{msg: msg}
}

// classify maps an error onto an HTTP status and the error type reported
// in the response body.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, audio.ErrUnsupportedAudio):
		return http.StatusBadRequest, "invalid_request_error"
	case errors.Is(err, ErrModelNotFound):
		return http.StatusNotFound, "not_found_error"
	case errors.Is(err, inference.ErrClosed):
		return http.StatusServiceUnavailable, "server_error"
	}
	kind := whisper.KindOf(err)
	switch kind {
	case whisper.KindInvalidArgument:
		return http.StatusBadRequest, "invalid_request_error"
	case whisper.KindAborted:
		return 499, "aborted"
	default:
		return http.StatusInternalServerError, kind.String()
	}
}
