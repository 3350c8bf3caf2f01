// Package metrics provides the Prometheus metrics for captioning, curation
// and the HTTP API.
package metrics

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/kdimtricp/imgcaption/internal/curation"
)

// Metrics contains all collectors of the service.
type Metrics struct {
	CaptionTotal    *prometheus.CounterVec
	CaptionDuration *prometheus.HistogramVec
	DecodeSteps     prometheus.Histogram
	ModelReady      prometheus.Gauge

	CurationTotal *prometheus.CounterVec

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

// New creates the collectors and registers them, together with the Go
// runtime and process collectors, on a fresh registry.
func New() (*Metrics, error) {
	registry := prometheus.NewRegistry()
	if err := registry.Register(collectors.NewGoCollector()); err != nil {
		return nil, fmt.Errorf("failed to register go collector: %w", err)
	}
	if err := registry.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		return nil, fmt.Errorf("failed to register process collector: %w", err)
	}
	return NewWithRegistry(registry)
}

func NewWithRegistry(registry *prometheus.Registry) (*Metrics, error) {
	m := &Metrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register caption metrics: %w", err)
	}
	return m, nil
}

func (m *Metrics) initMetrics() {
	m.CaptionTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imgcaption_captions_total",
			Help: "Total number of captioning attempts partitioned by outcome.",
		},
		[]string{"status"},
	)
	m.CaptionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "imgcaption_caption_duration_seconds",
			Help:    "Time taken to caption one image, decode and inference included.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms to ~5s
		},
		[]string{"status"},
	)
	m.DecodeSteps = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "imgcaption_decode_steps",
			Help:    "Number of sequence model invocations per generated caption.",
			Buckets: prometheus.LinearBuckets(1, 4, 10),
		},
	)
	m.ModelReady = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "imgcaption_model_ready",
			Help: "1 when the caption models loaded at start, 0 otherwise.",
		},
	)

	m.CurationTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imgcaption_curation_actions_total",
			Help: "Total number of curation actions partitioned by action and outcome.",
		},
		[]string{"action", "outcome"},
	)

	m.HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imgcaption_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "code"},
	)
	m.HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "imgcaption_http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
}

// Registry is the registry the metrics were registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.CaptionTotal.Describe(ch)
	m.CaptionDuration.Describe(ch)
	m.DecodeSteps.Describe(ch)
	m.ModelReady.Describe(ch)
	m.CurationTotal.Describe(ch)
	m.HTTPRequestsTotal.Describe(ch)
	m.HTTPRequestDuration.Describe(ch)
}

func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.CaptionTotal.Collect(ch)
	m.CaptionDuration.Collect(ch)
	m.DecodeSteps.Collect(ch)
	m.ModelReady.Collect(ch)
	m.CurationTotal.Collect(ch)
	m.HTTPRequestsTotal.Collect(ch)
	m.HTTPRequestDuration.Collect(ch)
}

// ObserveCaption records one captioning attempt. Steps are only recorded
// for attempts that reached the decoder.
func (m *Metrics) ObserveCaption(status string, elapsed time.Duration, steps int) {
	m.CaptionTotal.WithLabelValues(status).Inc()
	m.CaptionDuration.WithLabelValues(status).Observe(elapsed.Seconds())
	if steps > 0 {
		m.DecodeSteps.Observe(float64(steps))
	}
}

func (m *Metrics) SetModelReady(ready bool) {
	if ready {
		m.ModelReady.Set(1)
		return
	}
	m.ModelReady.Set(0)
}

// ObserveCuration records one curation action.
func (m *Metrics) ObserveCuration(action string, err error) {
	m.CurationTotal.WithLabelValues(action, curationOutcome(err)).Inc()
}

func (m *Metrics) ObserveHTTPRequest(method, route string, code int, elapsed time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

func curationOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, curation.ErrNotFound):
		return "not_found"
	case errors.Is(err, curation.ErrInvalidSplit),
		errors.Is(err, curation.ErrInvalidReviewer),
		errors.Is(err, curation.ErrInvalidRecord):
		return "invalid"
	default:
		return "error"
	}
}
