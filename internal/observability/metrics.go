// Package observability wires Prometheus metrics and OpenTelemetry tracing.
package observability

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector bundles the metrics of the load pipeline and the HTTP surface.
type Collector struct {
	gatherer prometheus.Gatherer

	Loads           *prometheus.CounterVec
	LoadDurations   *prometheus.HistogramVec
	ActiveLoads     prometheus.Gauge
	ResolverLookups *prometheus.CounterVec
	Warnings        *prometheus.CounterVec
	Patches         *prometheus.CounterVec
	HTTPRequests    *prometheus.CounterVec
	HTTPDurations   *prometheus.HistogramVec
}

// NewCollector registers the metrics against reg, defaulting to the global
// Prometheus registry when nil.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	loads, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "robot_loads_total",
		Help: "Completed robot loads, labeled by source format and outcome (complete, error, stale).",
	}, []string{"format", "outcome"}), "robot_loads_total")
	if err != nil {
		return nil, err
	}
	durations, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "robot_load_duration_seconds",
		Help:    "Robot load latency in seconds from parse to conversion.",
		Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	}, []string{"format"}), "robot_load_duration_seconds")
	if err != nil {
		return nil, err
	}
	active, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "robot_loads_active",
		Help: "Loads currently running.",
	}), "robot_loads_active")
	if err != nil {
		return nil, err
	}
	lookups, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "resolver_lookups_total",
		Help: "Resource resolutions, labeled by the strategy that matched or miss.",
	}, []string{"strategy"}), "resolver_lookups_total")
	if err != nil {
		return nil, err
	}
	warnings, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "load_warnings_total",
		Help: "Non-fatal load warnings, labeled by warning code.",
	}, []string{"code"}), "load_warnings_total")
	if err != nil {
		return nil, err
	}
	patches, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "document_patches_total",
		Help: "Joint limit edits applied to source text, labeled by outcome (patched, miss, unsupported).",
	}, []string{"outcome"}), "document_patches_total")
	if err != nil {
		return nil, err
	}
	requests, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Handled HTTP requests, labeled by method, route and status code.",
	}, []string{"method", "route", "code"}), "http_requests_total")
	if err != nil {
		return nil, err
	}
	httpDurations, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"}), "http_request_duration_seconds")
	if err != nil {
		return nil, err
	}

	return &Collector{
		gatherer:        gatherer,
		Loads:           loads,
		LoadDurations:   durations,
		ActiveLoads:     active,
		ResolverLookups: lookups,
		Warnings:        warnings,
		Patches:         patches,
		HTTPRequests:    requests,
		HTTPDurations:   httpDurations,
	}, nil
}

// LoadStarted marks a load as running.
func (c *Collector) LoadStarted() {
	if c == nil {
		return
	}
	c.ActiveLoads.Inc()
}

// LoadFinished records the outcome and latency of a load.
func (c *Collector) LoadFinished(format, outcome string, elapsed time.Duration) {
	if c == nil {
		return
	}
	if format == "" {
		format = "unknown"
	}
	c.ActiveLoads.Dec()
	c.Loads.WithLabelValues(format, outcome).Inc()
	c.LoadDurations.WithLabelValues(format).Observe(elapsed.Seconds())
}

// ResolverLookup counts one resolution. It matches resolver.Observer.
func (c *Collector) ResolverLookup(strategy string) {
	if c == nil {
		return
	}
	c.ResolverLookups.WithLabelValues(strategy).Inc()
}

// AddWarnings adds per-code warning counts of a finished load.
func (c *Collector) AddWarnings(counts map[string]int) {
	if c == nil {
		return
	}
	for code, n := range counts {
		c.Warnings.WithLabelValues(code).Add(float64(n))
	}
}

// Patch counts one document patch attempt.
func (c *Collector) Patch(outcome string) {
	if c == nil {
		return
	}
	c.Patches.WithLabelValues(outcome).Inc()
}

// ObserveHTTP records one handled request.
func (c *Collector) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	if c == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	c.HTTPRequests.WithLabelValues(method, route, fmt.Sprint(status)).Inc()
	c.HTTPDurations.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// Handler exposes a ready-to-use /metrics handler.
func (c *Collector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}
