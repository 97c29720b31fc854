package inference

import (
	"fmt"
	"strings"

	"github.com/samcharles93/murmur/internal/logger"
	"github.com/samcharles93/murmur/internal/model"
	"github.com/samcharles93/murmur/internal/whisper"
)

// Loader opens model files as engines.
type Loader struct {
	// Backend is "auto", "cpu" or "simd".
	Backend string
	Logger  logger.Logger
}

type LoadResult struct {
	Engine Engine
	Model  *model.Model
	Info   ModelInfo
}

// Load maps the model at modelPath and binds it to the backend. Nothing
// stays open when it fails.
func (l Loader) Load(modelPath string) (*LoadResult, error) {
	if strings.TrimSpace(modelPath) == "" {
		return nil, fmt.Errorf("model path is required")
	}
	m, err := model.Load(modelPath)
	if err != nil {
		return nil, err
	}
	cleanup := func(err error) (*LoadResult, error) {
		_ = m.Close()
		return nil, err
	}

	opts := []whisper.Option{whisper.WithBackend(l.Backend)}
	if l.Logger != nil {
		opts = append(opts, whisper.WithLogger(l.Logger))
	}
	wctx, err := whisper.NewContext(m, opts...)
	if err != nil {
		return cleanup(err)
	}

	engine := &EngineImpl{path: modelPath, model: m, wctx: wctx}
	return &LoadResult{Engine: engine, Model: m, Info: engine.Info()}, nil
}
