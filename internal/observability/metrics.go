package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ekisa-team/rvcbroker/internal/fault"
)

// Pipeline stages reported by StageDuration.
const (
	StageDecode            = "decode"
	StageFeatureExtraction = "feature_extraction"
	StagePitchExtraction   = "pitch_extraction"
	StageInference         = "inference"
	StagePersist           = "persist"
	StageSynthesis         = "synthesis"
	StageModelLoad         = "model_load"
)

const resultOK = "ok"

// Metrics groups all Prometheus instruments used by the broker.
type Metrics struct {
	registry *prometheus.Registry

	Conversions   *prometheus.CounterVec
	ModelLoads    *prometheus.CounterVec
	CacheHits     *prometheus.CounterVec
	Syntheses     *prometheus.CounterVec
	StageDuration *prometheus.HistogramVec
}

// NewMetrics registers the instruments on a dedicated registry together with
// the Go and process collectors.
func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Conversions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conversions_total",
			Help:      "Voice conversions by result.",
		}, []string{"result"}),
		ModelLoads: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_loads_total",
			Help:      "Voice model loads by model and result.",
		}, []string{"model", "result"}),
		CacheHits: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_cache_hits_total",
			Help:      "Requests served by the already resident model.",
		}, []string{"model"}),
		Syntheses: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "synthesis_total",
			Help:      "Text-to-speech requests by result.",
		}, []string{"result"}),
		StageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of pipeline stages in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"stage"}),
	}
}

// ObserveModelLoad records a model load attempt.
func (m *Metrics) ObserveModelLoad(model string, elapsed time.Duration, err error) {
	m.ModelLoads.WithLabelValues(model, result(err)).Inc()
	if err == nil {
		m.ObserveStage(StageModelLoad, elapsed)
	}
}

// ObserveCacheHit records a request served without loading.
func (m *Metrics) ObserveCacheHit(model string) {
	m.CacheHits.WithLabelValues(model).Inc()
}

// ObserveConversion records the outcome of a conversion.
func (m *Metrics) ObserveConversion(err error) {
	m.Conversions.WithLabelValues(result(err)).Inc()
}

// ObserveSynthesis records the outcome of a synthesis.
func (m *Metrics) ObserveSynthesis(err error) {
	m.Syntheses.WithLabelValues(result(err)).Inc()
}

// ObserveStage records how long a stage took.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	m.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// Registry returns the registry the instruments live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func result(err error) string {
	if err == nil {
		return resultOK
	}

	return string(fault.KindOf(err))
}
