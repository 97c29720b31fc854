package api

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/samcharles93/murmur/internal/inference"
	"github.com/samcharles93/murmur/internal/logger"
)

type EngineProvider interface {
	WithEngine(ctx context.Context, modelID string, fn func(engine inference.Engine) error) error
	ListModels() ([]string, error)
}

// EngineLoader opens a model file. inference.Loader satisfies it.
type EngineLoader interface {
	Load(path string) (*inference.LoadResult, error)
}

type EngineProviderConfig struct {
	DefaultModelPath string
	ModelsPath       string
	// KeepAlive is how long an unused engine stays loaded. Zero keeps
	// engines until Close.
	KeepAlive time.Duration
	// MaxLoaded caps the number of resident engines. Zero is unlimited.
	MaxLoaded uint64
	Loader    EngineLoader
	Logger    logger.Logger
	Metrics   *Metrics
}

// CachedEngineProvider loads engines on demand and unloads them after the
// keep-alive expires. Engines in use are never closed.
type CachedEngineProvider struct {
	cfg   EngineProviderConfig
	log   logger.Logger
	cache *ttlcache.Cache[string, inference.Engine]

	loadMu sync.Mutex

	refMu sync.Mutex
	refs  map[string]int
}

const envModelsDir = "MURMUR_MODELS_DIR"

const modelExt = ".mmf"

func NewCachedEngineProvider(cfg EngineProviderConfig) *CachedEngineProvider {
	log := cfg.Logger
	if log == nil {
		log = logger.Nop()
	}
	keepAlive := cfg.KeepAlive
	if keepAlive <= 0 {
		keepAlive = ttlcache.NoTTL
	}
	opts := []ttlcache.Option[string, inference.Engine]{
		ttlcache.WithTTL[string, inference.Engine](keepAlive),
	}
	if cfg.MaxLoaded > 0 {
		opts = append(opts, ttlcache.WithCapacity[string, inference.Engine](cfg.MaxLoaded))
	}
	p := &CachedEngineProvider{
		cfg:   cfg,
		log:   log,
		cache: ttlcache.New(opts...),
		refs:  make(map[string]int),
	}
	p.cache.OnEviction(p.onEviction)
	go p.cache.Start()
	return p
}

func (p *CachedEngineProvider) onEviction(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, inference.Engine]) {
	if reason == ttlcache.EvictionReasonDeleted {
		return
	}
	p.refMu.Lock()
	if n := p.refs[item.Key()]; n > 0 {
		p.cache.Set(item.Key(), item.Value(), ttlcache.DefaultTTL)
		p.refMu.Unlock()
		p.log.Debug("engine eviction deferred", "model", item.Key(), "refs", n)
		return
	}
	p.refMu.Unlock()

	p.log.Info("unloading model", "model", item.Key(), "reason", evictionReason(reason))
	if err := item.Value().Close(); err != nil {
		p.log.Warn("close evicted engine", "model", item.Key(), "error", err)
	}
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.loadedModels.Dec()
	}
}

func evictionReason(r ttlcache.EvictionReason) string {
	switch r {
	case ttlcache.EvictionReasonExpired:
		return "keep-alive expired"
	case ttlcache.EvictionReasonCapacityReached:
		return "capacity reached"
	default:
		return "unknown"
	}
}

func (p *CachedEngineProvider) WithEngine(ctx context.Context, modelID string, fn func(engine inference.Engine) error) error {
	path, err := p.resolveModelPath(modelID)
	if err != nil {
		return err
	}
	engine, err := p.acquire(path)
	if err != nil {
		return err
	}
	defer p.release(path)

	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(engine)
}

func (p *CachedEngineProvider) acquire(path string) (inference.Engine, error) {
	// The reference is taken before the lookup so an expiry racing with
	// this call re-adds the engine instead of closing it.
	p.refMu.Lock()
	p.refs[path]++
	p.refMu.Unlock()

	if item := p.cache.Get(path); item != nil {
		return item.Value(), nil
	}
	engine, err := p.load(path)
	if err != nil {
		p.release(path)
		return nil, err
	}
	return engine, nil
}

func (p *CachedEngineProvider) release(path string) {
	p.refMu.Lock()
	defer p.refMu.Unlock()
	if p.refs[path] > 1 {
		p.refs[path]--
		return
	}
	delete(p.refs, path)
}

func (p *CachedEngineProvider) load(path string) (inference.Engine, error) {
	p.loadMu.Lock()
	defer p.loadMu.Unlock()
	if item := p.cache.Get(path); item != nil {
		return item.Value(), nil
	}
	if p.cfg.Loader == nil {
		return nil, fmt.Errorf("no model loader configured")
	}

	start := time.Now()
	p.log.Info("loading model", "path", path)
	res, err := p.cfg.Loader.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.modelLoadSeconds.Observe(time.Since(start).Seconds())
		p.cfg.Metrics.loadedModels.Inc()
	}
	p.log.Info("model loaded", "path", path, "type", res.Info.Type, "backend", res.Info.Backend, "elapsed", time.Since(start))
	p.cache.Set(path, res.Engine, ttlcache.DefaultTTL)
	return res.Engine, nil
}

// Close unloads every engine.
func (p *CachedEngineProvider) Close() error {
	p.cache.Stop()
	var first error
	for _, item := range p.cache.Items() {
		if err := item.Value().Close(); err != nil && first == nil {
			first = err
		}
	}
	p.cache.DeleteAll()
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.loadedModels.Set(0)
	}
	return first
}

// ListModels names the models that can be requested, without loading them.
func (p *CachedEngineProvider) ListModels() ([]string, error) {
	var names []string
	if dir := p.modelsDir(); dir != "" {
		paths, err := discoverModels(dir)
		if err != nil {
			return nil, err
		}
		for _, path := range paths {
			names = append(names, modelName(path))
		}
	}
	if p.cfg.DefaultModelPath != "" {
		if name := modelName(p.cfg.DefaultModelPath); !slices.Contains(names, name) {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names, nil
}

func modelName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func (p *CachedEngineProvider) resolveModelPath(modelID string) (string, error) {
	modelID = strings.TrimSpace(modelID)
	if modelID != "" {
		if looksLikePath(modelID) {
			return filepath.Clean(modelID), nil
		}
		if p.cfg.DefaultModelPath != "" && modelName(p.cfg.DefaultModelPath) == modelID {
			return filepath.Clean(p.cfg.DefaultModelPath), nil
		}
		modelsDir := p.modelsDir()
		if modelsDir == "" {
			return "", fmt.Errorf("%w: %q (no models directory configured)", ErrModelNotFound, modelID)
		}
		if resolved := resolveInDir(modelsDir, modelID); resolved != "" {
			return resolved, nil
		}
		return "", fmt.Errorf("%w: %q in %s", ErrModelNotFound, modelID, modelsDir)
	}

	if p.cfg.DefaultModelPath != "" {
		return filepath.Clean(p.cfg.DefaultModelPath), nil
	}
	modelsDir := p.modelsDir()
	if modelsDir == "" {
		return "", newInvalidRequest("model is required")
	}
	models, err := discoverModels(modelsDir)
	if err != nil {
		return "", err
	}
	switch len(models) {
	case 1:
		return models[0], nil
	case 0:
		return "", fmt.Errorf("%w: no %s models in %s", ErrModelNotFound, modelExt, modelsDir)
	default:
		return "", newInvalidRequest(fmt.Sprintf("multiple models found in %s; specify model", modelsDir))
	}
}

func (p *CachedEngineProvider) modelsDir() string {
	if strings.TrimSpace(p.cfg.ModelsPath) != "" {
		return strings.TrimSpace(p.cfg.ModelsPath)
	}
	return strings.TrimSpace(os.Getenv(envModelsDir))
}

func looksLikePath(v string) bool {
	if strings.Contains(v, string(filepath.Separator)) {
		return true
	}
	return strings.HasSuffix(strings.ToLower(v), modelExt)
}

func resolveInDir(dir, name string) string {
	cand := filepath.Join(dir, name)
	if fileExists(cand) {
		return cand
	}
	if !strings.HasSuffix(strings.ToLower(name), modelExt) {
		cand = filepath.Join(dir, name+modelExt)
		if fileExists(cand) {
			return cand
		}
	}
	return ""
}

func discoverModels(dir string) ([]string, error) {
	st, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !st.IsDir() {
		return nil, fmt.Errorf("models path is not a directory: %s", dir)
	}
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	models := make([]string, 0, len(ents))
	for _, e := range ents {
		if e.IsDir() || !strings.HasSuffix(strings.ToLower(e.Name()), modelExt) {
			continue
		}
		models = append(models, filepath.Join(dir, e.Name()))
	}
	return models, nil
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}
