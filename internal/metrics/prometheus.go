// Package metrics provides a Prometheus metrics registry for the hub.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
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

	// hub_inflight_requests
	inFlight prometheus.Gauge

	// hub_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// hub_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// hub_provider_requests_total{provider,status}
	providerRequests *prometheus.CounterVec

	// hub_dispatch_attempts_total{strategy,outcome}
	dispatchAttempts *prometheus.CounterVec

	// hub_nodes{status}
	nodes *prometheus.GaugeVec

	// hub_heartbeats_total{result}
	heartbeats *prometheus.CounterVec

	// hub_ratelimit_total{result}
	rateLimitTotal *prometheus.CounterVec

	// hub_failover_events_total{from,to}
	failoverEvents *prometheus.CounterVec

	// hub_build_info{version}
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
			Name: "hub_inflight_requests",
			Help: "Current number of in-flight HTTP requests handled by the hub",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hub_http_requests_total",
				Help: "Total number of HTTP requests handled by the hub",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hub_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds (end-to-end, includes upstream)",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"route"},
		),

		providerRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hub_provider_requests_total",
				Help: "Proxied completion requests by serving provider and status",
			},
			[]string{"provider", "status"},
		),

		dispatchAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hub_dispatch_attempts_total",
				Help: "Node dispatch attempts by connection strategy and outcome",
			},
			[]string{"strategy", "outcome"},
		),

		nodes: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "hub_nodes",
				Help: "Registered inference nodes by status",
			},
			[]string{"status"},
		),

		heartbeats: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hub_heartbeats_total",
				Help: "Node heartbeats by result (ok, bad_secret, unreachable)",
			},
			[]string{"result"},
		),

		rateLimitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hub_ratelimit_total",
				Help: "Rate limit decisions",
			},
			[]string{"result"},
		),

		failoverEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hub_failover_events_total",
				Help: "Failovers between providers (emitted when a later provider serves the request)",
			},
			[]string{"from", "to"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "hub_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.providerRequests,
		r.dispatchAttempts,
		r.nodes,
		r.heartbeats,
		r.rateLimitTotal,
		r.failoverEvents,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records end-to-end HTTP metrics.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration) {
	status := strconv.Itoa(statusCode)
	r.httpRequestsTotal.WithLabelValues(route, status).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
}

// RecordProviderRequest records a proxied completion by serving provider.
func (r *Registry) RecordProviderRequest(provider string, statusCode int) {
	r.providerRequests.WithLabelValues(provider, strconv.Itoa(statusCode)).Inc()
}

// RecordDispatchAttempt records one connection-strategy attempt against a node.
func (r *Registry) RecordDispatchAttempt(strategy, outcome string) {
	r.dispatchAttempts.WithLabelValues(strategy, outcome).Inc()
}

// SetNodeCounts replaces the per-status node gauges from a registry snapshot.
func (r *Registry) SetNodeCounts(online, degraded, offline int) {
	r.nodes.WithLabelValues("online").Set(float64(online))
	r.nodes.WithLabelValues("degraded").Set(float64(degraded))
	r.nodes.WithLabelValues("offline").Set(float64(offline))
}

func (r *Registry) RecordHeartbeat(result string) {
	r.heartbeats.WithLabelValues(result).Inc()
}

func (r *Registry) RecordRateLimit(result string) {
	r.rateLimitTotal.WithLabelValues(result).Inc()
}

func (r *Registry) RecordFailover(from, to string) {
	r.failoverEvents.WithLabelValues(from, to).Inc()
}

func (r *Registry) SetBuildInfo(version string) {
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
