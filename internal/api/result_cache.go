package api

import (
	"context"
	"encoding/binary"
	"math"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/sync/singleflight"

	"github.com/samcharles93/murmur/internal/inference"
)

// ResultCacheTTL is the default lifetime of a cached transcription.
const ResultCacheTTL = 10 * time.Minute

// resultCache memoizes transcriptions by model, request and audio content.
// Identical requests that arrive while one is running share its result.
type resultCache struct {
	cache   *ttlcache.Cache[uint64, *TranscriptionResponse]
	group   singleflight.Group
	metrics *Metrics
}

func newResultCache(ttl time.Duration, capacity uint64, metrics *Metrics) *resultCache {
	if ttl <= 0 {
		ttl = ResultCacheTTL
	}
	opts := []ttlcache.Option[uint64, *TranscriptionResponse]{
		ttlcache.WithTTL[uint64, *TranscriptionResponse](ttl),
		ttlcache.WithDisableTouchOnHit[uint64, *TranscriptionResponse](),
	}
	if capacity > 0 {
		opts = append(opts, ttlcache.WithCapacity[uint64, *TranscriptionResponse](capacity))
	}
	rc := &resultCache{cache: ttlcache.New(opts...), metrics: metrics}
	go rc.cache.Start()
	return rc
}

func (rc *resultCache) stop() { rc.cache.Stop() }

// do returns the cached response for key or runs fn once for all
// concurrent callers. Only successful, complete results are stored.
func (rc *resultCache) do(ctx context.Context, key uint64, fn func(context.Context) (*TranscriptionResponse, error)) (*TranscriptionResponse, bool, error) {
	if item := rc.cache.Get(key); item != nil {
		rc.hit("stored")
		return item.Value(), true, nil
	}
	v, err, shared := rc.group.Do(strconv.FormatUint(key, 16), func() (any, error) {
		rc.miss()
		resp, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		if !resp.Aborted {
			rc.cache.Set(key, resp, ttlcache.DefaultTTL)
		}
		return resp, nil
	})
	if err != nil {
		return nil, false, err
	}
	if shared {
		rc.hit("shared")
	}
	return v.(*TranscriptionResponse), shared, nil
}

func (rc *resultCache) hit(kind string) {
	if rc.metrics != nil {
		rc.metrics.cacheHits.WithLabelValues(kind).Inc()
	}
}

func (rc *resultCache) miss() {
	if rc.metrics != nil {
		rc.metrics.cacheMisses.WithLabelValues("result").Inc()
	}
}

// resultKey hashes everything that can change a transcription. Threads are
// excluded because they only change speed.
func resultKey(model string, req inference.Request, samples []float32) uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(model)
	_, _ = h.WriteString("|")
	_, _ = h.WriteString(req.Language)
	_, _ = h.WriteString("|")
	_, _ = h.WriteString(req.InitialPrompt)
	_, _ = h.WriteString("|")
	var buf [8]byte
	putInt := func(v int64) {
		binary.LittleEndian.PutUint64(buf[:], uint64(v))
		_, _ = h.Write(buf[:])
	}
	putBool := func(v bool) {
		if v {
			putInt(1)
		} else {
			putInt(0)
		}
	}
	putInt(int64(req.Strategy))
	putInt(int64(req.BeamSize))
	putInt(int64(req.BestOf))
	for _, f := range []float64{req.Temperature, req.TemperatureInc, req.EntropyThold, req.LogprobThold, req.NoSpeechThold} {
		putInt(int64(math.Float64bits(f)))
	}
	putInt(int64(req.OffsetMS))
	putInt(int64(req.DurationMS))
	putInt(int64(req.MaxLen))
	putInt(req.Seed)
	putBool(req.Translate)
	putBool(req.SingleSegment)
	putBool(req.NoContext)
	putBool(req.NoTimestamps)
	putBool(req.TokenTimestamps)
	putBool(req.SpeakerTurn)
	putBool(req.CleanText)
	// The worker count decides the chunk split points.
	putInt(int64(req.Workers))
	putInt(int64(len(samples)))
	b := make([]byte, 4*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint32(b[4*i:], math.Float32bits(s))
	}
	_, _ = h.Write(b)
	return h.Sum64()
}
