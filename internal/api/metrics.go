package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the server's collectors. Each Metrics owns its registry so
// several servers can live in one process.
type Metrics struct {
	registry *prometheus.Registry

	requests         *prometheus.CounterVec
	requestSeconds   *prometheus.HistogramVec
	audioSeconds     *prometheus.CounterVec
	cacheHits        *prometheus.CounterVec
	cacheMisses      *prometheus.CounterVec
	modelLoadSeconds prometheus.Histogram
	loadedModels     prometheus.Gauge
	inflight         prometheus.Gauge
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "murmur",
				Name:      "transcription_requests_total",
				Help:      "The total number of transcription requests.",
			},
			[]string{"model", "status"},
		),
		requestSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "murmur",
				Name:      "transcription_duration_seconds",
				Help:      "Wall time spent serving transcription requests.",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
			},
			[]string{"model"},
		),
		audioSeconds: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "murmur",
				Name:      "audio_seconds_total",
				Help:      "Seconds of audio transcribed.",
			},
			[]string{"model"},
		),
		cacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "murmur",
				Name:      "cache_hits_total",
				Help:      "Result cache hits, including shared in-flight requests.",
			},
			[]string{"kind"},
		),
		cacheMisses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "murmur",
				Name:      "cache_misses_total",
				Help:      "Result cache misses.",
			},
			[]string{"kind"},
		),
		modelLoadSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "murmur",
			Name:      "model_load_duration_seconds",
			Help:      "Time spent loading models.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		loadedModels: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "murmur",
			Name:      "loaded_models",
			Help:      "Models currently resident.",
		}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "murmur",
			Name:      "transcriptions_in_flight",
			Help:      "Transcriptions currently running.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requests,
		m.requestSeconds,
		m.audioSeconds,
		m.cacheHits,
		m.cacheMisses,
		m.modelLoadSeconds,
		m.loadedModels,
		m.inflight,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
