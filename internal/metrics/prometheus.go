// Package metrics provides a Prometheus metrics registry for the dispatcher.
//
// All metrics live in a private registry (not the global default) so they
// don't collide with host-level metrics when embedded elsewhere. The /metrics
// HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// dispatch_inflight_requests
	inFlight prometheus.Gauge

	// dispatch_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// dispatch_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// dispatch_resolutions_total{identity}
	resolutionsTotal *prometheus.CounterVec

	// dispatch_admissions_total{identity,result}
	admissionsTotal *prometheus.CounterVec

	// dispatch_retry_after_seconds{identity}
	retryAfter *prometheus.HistogramVec

	// dispatch_upstream_duration_seconds{identity,outcome}
	upstreamDuration *prometheus.HistogramVec

	// dispatch_build_info{version}
	buildInfo *prometheus.GaugeVec

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dispatch_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatch_http_requests_total",
				Help: "Total number of HTTP requests handled",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dispatch_http_request_duration_seconds",
				Help:    "End-to-end HTTP request duration in seconds",
				Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"route"},
		),

		resolutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatch_resolutions_total",
				Help: "Routing resolutions by resolved provider identity",
			},
			[]string{"identity"},
		),

		admissionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatch_admissions_total",
				Help: "Admission decisions by identity and result",
			},
			[]string{"identity", "result"},
		),

		retryAfter: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dispatch_retry_after_seconds",
				Help:    "Retry-After values returned on rate-limited requests",
				Buckets: []float64{1, 5, 10, 15, 30, 45, 60, 120},
			},
			[]string{"identity"},
		),

		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dispatch_upstream_duration_seconds",
				Help:    "Upstream forward duration in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"identity", "outcome"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dispatch_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.resolutionsTotal,
		r.admissionsTotal,
		r.retryAfter,
		r.upstreamDuration,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records end-to-end HTTP metrics for one handled request.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration) {
	r.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(statusCode)).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
}

// RecordResolution records one routing resolution.
func (r *Registry) RecordResolution(identity string) {
	r.resolutionsTotal.WithLabelValues(identity).Inc()
}

// RecordAdmission records one admission decision; result is "admitted" or
// "rejected".
func (r *Registry) RecordAdmission(identity, result string) {
	r.admissionsTotal.WithLabelValues(identity, result).Inc()
}

// ObserveRetryAfter records the Retry-After value handed to a rejected caller.
func (r *Registry) ObserveRetryAfter(identity string, d time.Duration) {
	r.retryAfter.WithLabelValues(identity).Observe(d.Seconds())
}

// ObserveUpstream records one upstream forward attempt.
func (r *Registry) ObserveUpstream(identity, outcome string, dur time.Duration) {
	r.upstreamDuration.WithLabelValues(identity, outcome).Observe(dur.Seconds())
}

func (r *Registry) SetBuildInfo(version string) {
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
