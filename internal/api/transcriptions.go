package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/murmur/internal/audio"
	"github.com/samcharles93/murmur/internal/inference"
	"github.com/samcharles93/murmur/internal/logger"
)

type TranscriptionSegment struct {
	ID           int     `json:"id"`
	T0           int64   `json:"t0"`
	T1           int64   `json:"t1"`
	Start        float64 `json:"start"`
	End          float64 `json:"end"`
	Text         string  `json:"text"`
	NoSpeechProb float32 `json:"no_speech_prob"`
	SpeakerTurn  bool    `json:"speaker_turn"`
}

type TranscriptionResponse struct {
	ID           string                 `json:"id"`
	Object       string                 `json:"object"`
	Created      int64                  `json:"created"`
	Model        string                 `json:"model"`
	Language     string                 `json:"language"`
	LanguageProb float32                `json:"language_prob,omitempty"`
	Duration     float64                `json:"duration"`
	Text         string                 `json:"text"`
	Segments     []TranscriptionSegment `json:"segments"`
	Aborted      bool                   `json:"aborted"`
	Cached       bool                   `json:"cached,omitempty"`
}

type LanguageResponse struct {
	Model         string              `json:"model"`
	Language      string              `json:"language"`
	Probabilities []LanguageCandidate `json:"probabilities"`
}

type LanguageCandidate struct {
	Language string  `json:"language"`
	Prob     float32 `json:"prob"`
}

const maxLanguageCandidates = 5

func newTranscriptionResponse(info inference.ModelInfo, res *inference.Result) *TranscriptionResponse {
	out := &TranscriptionResponse{
		Object:       "transcription",
		Model:        modelName(info.Path),
		Language:     res.Language,
		LanguageProb: res.LanguageProb,
		Duration:     res.Stats.AudioDuration.Seconds(),
		Segments:     make([]TranscriptionSegment, 0, len(res.Segments)),
		Aborted:      res.Aborted,
	}
	var text strings.Builder
	for i, seg := range res.Segments {
		text.WriteString(seg.Text)
		out.Segments = append(out.Segments, TranscriptionSegment{
			ID:           i,
			T0:           seg.T0,
			T1:           seg.T1,
			Start:        float64(seg.T0) / 100,
			End:          float64(seg.T1) / 100,
			Text:         seg.Text,
			NoSpeechProb: seg.NoSpeechProb,
			SpeakerTurn:  seg.SpeakerTurn,
		})
	}
	out.Text = strings.TrimSpace(text.String())
	return out
}

func (s *Server) handleTranscription(c *echo.Context) error {
	start := s.clock()
	ctx := c.Request().Context()
	log := logger.FromContext(ctx)
	modelID := param(c, "model")
	label := modelID
	if label == "" {
		label = "default"
	}

	req, samples, err := s.decodeRequest(c)
	if err != nil {
		s.metrics.requests.WithLabelValues(label, statusLabel(err)).Inc()
		return writeErr(c, err)
	}

	s.metrics.inflight.Inc()
	resp, cached, err := s.transcribe(ctx, modelID, req, samples)
	s.metrics.inflight.Dec()
	if err != nil {
		log.Warn("transcription failed", "model", label, "error", err)
		s.metrics.requests.WithLabelValues(label, statusLabel(err)).Inc()
		return writeErr(c, err)
	}

	out := *resp
	out.ID = newTranscriptionID()
	out.Created = start.Unix()
	out.Cached = cached
	elapsed := s.clock().Sub(start)
	s.metrics.requests.WithLabelValues(label, "200").Inc()
	s.metrics.requestSeconds.WithLabelValues(label).Observe(elapsed.Seconds())
	if !cached {
		s.metrics.audioSeconds.WithLabelValues(label).Add(out.Duration)
	}
	log.Info("transcribed",
		"id", out.ID,
		"model", out.Model,
		"language", out.Language,
		"segments", len(out.Segments),
		"audio", time.Duration(out.Duration*float64(time.Second)),
		"elapsed", elapsed,
		"cached", cached,
		"aborted", out.Aborted,
	)
	return writeJSON(c, http.StatusOK, out)
}

func (s *Server) transcribe(ctx context.Context, modelID string, req inference.Request, samples []float32) (*TranscriptionResponse, bool, error) {
	if s.cfg.Provider == nil {
		return nil, false, errors.New("engine provider not configured")
	}
	run := func(ctx context.Context) (*TranscriptionResponse, error) {
		var out *TranscriptionResponse
		err := s.cfg.Provider.WithEngine(ctx, modelID, func(engine inference.Engine) error {
			res, err := engine.Transcribe(ctx, &req, samples)
			if err != nil {
				return err
			}
			out = newTranscriptionResponse(engine.Info(), res)
			return nil
		})
		return out, err
	}
	if s.results == nil {
		out, err := run(ctx)
		return out, false, err
	}
	return s.results.do(ctx, resultKey(modelID, req, samples), run)
}

func (s *Server) handleDetectLanguage(c *echo.Context) error {
	ctx := c.Request().Context()
	if s.cfg.Provider == nil {
		return writeError(c, http.StatusInternalServerError, "server_error", "engine provider not configured", "")
	}
	req, samples, err := s.decodeRequest(c)
	if err != nil {
		return writeErr(c, err)
	}

	var out LanguageResponse
	err = s.cfg.Provider.WithEngine(ctx, param(c, "model"), func(engine inference.Engine) error {
		probs, err := engine.DetectLanguage(ctx, &req, samples)
		if err != nil {
			return err
		}
		out.Model = modelName(engine.Info().Path)
		for i, p := range probs {
			if i == maxLanguageCandidates {
				break
			}
			out.Probabilities = append(out.Probabilities, LanguageCandidate{Language: p.Code, Prob: p.Prob})
		}
		if len(out.Probabilities) > 0 {
			out.Language = out.Probabilities[0].Language
		}
		return nil
	})
	if err != nil {
		return writeErr(c, err)
	}
	return writeJSON(c, http.StatusOK, out)
}

func (s *Server) decodeRequest(c *echo.Context) (inference.Request, []float32, error) {
	r := c.Request()
	r.Body = http.MaxBytesReader(c.Response(), r.Body, s.cfg.MaxUploadBytes)

	opts, err := requestOptions(c)
	if err != nil {
		return inference.Request{}, nil, err
	}
	req, err := inference.ResolveRequest(opts, s.cfg.Defaults)
	if err != nil {
		return inference.Request{}, nil, newInvalidRequest(err.Error())
	}
	samples, err := readSamples(c)
	if err != nil {
		return inference.Request{}, nil, err
	}
	return req, samples, nil
}

// readSamples accepts a multipart "file" field holding a WAV file, or a raw
// body of WAV or little-endian float32 PCM.
func readSamples(c *echo.Context) ([]float32, error) {
	r := c.Request()
	if strings.HasPrefix(r.Header.Get(echo.HeaderContentType), echo.MIMEMultipartForm) {
		fh, err := c.FormFile("file")
		if err != nil {
			return nil, newInvalidRequest("file is required")
		}
		f, err := fh.Open()
		if err != nil {
			return nil, err
		}
		defer f.Close()
		samples, err := audio.ReadWAV(f)
		if err != nil {
			return nil, newInvalidRequest(fmt.Sprintf("file: %v", err))
		}
		return samples, nil
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, newInvalidRequest("audio exceeds " + strconv.FormatInt(tooLarge.Limit, 10) + " bytes")
		}
		return nil, err
	}
	if len(body) == 0 {
		return nil, newInvalidRequest("audio body is empty")
	}
	var samples []float32
	if bytes.HasPrefix(body, []byte("RIFF")) {
		samples, err = audio.ReadWAV(bytes.NewReader(body))
	} else {
		samples, err = audio.DecodeF32LE(body)
	}
	if err != nil {
		return nil, newInvalidRequest(err.Error())
	}
	return samples, nil
}

func statusLabel(err error) string {
	status, _ := classify(err)
	return strconv.Itoa(status)
}
