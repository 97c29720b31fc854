package api

import (
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/murmur/internal/inference"
	"github.com/samcharles93/murmur/internal/logger"
	"github.com/samcharles93/murmur/internal/webui"
)

// DefaultMaxUploadBytes bounds request bodies. An hour of 16 kHz float32
// PCM is about 230 MB.
const DefaultMaxUploadBytes = 256 << 20

type ServerConfig struct {
	Provider EngineProvider
	Defaults inference.Defaults
	Metrics  *Metrics
	Logger   logger.Logger

	// ResultTTL and ResultCapacity size the result cache. A negative TTL
	// disables it.
	ResultTTL      time.Duration
	ResultCapacity uint64

	MaxUploadBytes int64
}

type Server struct {
	cfg     ServerConfig
	log     logger.Logger
	metrics *Metrics
	results *resultCache
	clock   func() time.Time
}

func NewServer(cfg ServerConfig) *Server {
	s := &Server{
		cfg:     cfg,
		log:     cfg.Logger,
		metrics: cfg.Metrics,
		clock:   time.Now,
	}
	if s.log == nil {
		s.log = logger.Nop()
	}
	if s.metrics == nil {
		s.metrics = NewMetrics()
	}
	if s.cfg.MaxUploadBytes <= 0 {
		s.cfg.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if cfg.ResultTTL >= 0 {
		s.results = newResultCache(cfg.ResultTTL, cfg.ResultCapacity, s.metrics)
	}
	return s
}

func (s *Server) Register(e *echo.Echo) {
	e.POST("/v1/audio/transcriptions", s.handleTranscription, s.requestContext)
	e.POST("/v1/audio/language", s.handleDetectLanguage, s.requestContext)
	e.GET("/v1/models", s.handleListModels)
	e.GET("/healthz", s.handleHealth)
	e.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))
	e.GET("/*", echo.WrapHandler(webui.Handler()))
}

// Close stops the result cache. The provider is owned by the caller.
func (s *Server) Close() {
	if s.results != nil {
		s.results.stop()
	}
}

// requestContext attaches a request-scoped logger to the request context.
func (s *Server) requestContext(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c *echo.Context) error {
		req := c.Request()
		id := req.Header.Get(echo.HeaderXRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		c.Response().Header().Set(echo.HeaderXRequestID, id)
		ctx := logger.WithContext(req.Context(), s.log.With("request_id", id))
		c.SetRequest(req.WithContext(ctx))
		return next(c)
	}
}

func (s *Server) handleHealth(c *echo.Context) error {
	return writeJSON(c, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListModels(c *echo.Context) error {
	var ids []string
	if s.cfg.Provider != nil {
		discovered, err := s.cfg.Provider.ListModels()
		if err != nil {
			return writeError(c, http.StatusInternalServerError, "server_error", err.Error(), "")
		}
		ids = discovered
	}

	created := s.clock().Unix()
	data := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		data = append(data, map[string]any{
			"id":       id,
			"object":   "model",
			"created":  created,
			"owned_by": "local",
		})
	}
	return writeJSON(c, http.StatusOK, map[string]any{
		"object": "list",
		"data":   data,
	})
}

func writeJSON(c *echo.Context, status int, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Blob(status, echo.MIMEApplicationJSON, b)
}
