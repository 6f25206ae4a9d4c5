package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported Prometheus metrics. Metrics live in a
// private registry (not the global default) so they don't interfere with
// host-level metrics when the simulator is embedded elsewhere; the
// /metrics/prometheus handler comes from Handler().
type Registry struct {
	reg *prometheus.Registry

	// fakeai_inflight_requests
	inFlight prometheus.Gauge

	// fakeai_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// fakeai_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// fakeai_requests_total{model,status}
	requestsTotal *prometheus.CounterVec

	// fakeai_tokens_total{model,direction}
	tokensTotal *prometheus.CounterVec

	// fakeai_ttft_seconds{model}
	ttftSeconds *prometheus.HistogramVec

	// fakeai_itl_seconds{model}
	itlSeconds *prometheus.HistogramVec

	// fakeai_active_streams
	activeStreams prometheus.Gauge

	// fakeai_streams_total{outcome}
	streamsTotal *prometheus.CounterVec

	// fakeai_kv_cache_lookups_total{result}
	cacheLookups *prometheus.CounterVec

	// fakeai_kv_cache_matched_tokens_total
	cacheMatchedTokens prometheus.Counter

	// fakeai_kv_cache_evictions_total
	cacheEvictions prometheus.Counter

	// fakeai_worker_queue_depth{worker}
	workerQueueDepth *prometheus.GaugeVec

	// fakeai_ratelimit_total{result}
	rateLimitTotal *prometheus.CounterVec

	// fakeai_bus_events_total{category}
	busEvents *prometheus.CounterVec

	// fakeai_bus_dropped_total
	busDropped prometheus.Counter

	// fakeai_cost_usd_total{model}
	costTotal *prometheus.CounterVec

	// fakeai_build_info{version}
	buildInfo *prometheus.GaugeVec

	metricsHandler fasthttp.RequestHandler
}

func NewRegistry(version string) *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	latencyBuckets := []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60}

	r := &Registry{
		reg: reg,

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fakeai_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fakeai_http_requests_total",
				Help: "Total number of HTTP requests handled",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fakeai_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds (end-to-end, includes simulated latency)",
				Buckets: latencyBuckets,
			},
			[]string{"route"},
		),

		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fakeai_requests_total",
				Help: "Total completion requests by model and outcome",
			},
			[]string{"model", "status"},
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fakeai_tokens_total",
				Help: "Token totals by model and direction (input, output, cached)",
			},
			[]string{"model", "direction"},
		),

		ttftSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fakeai_ttft_seconds",
				Help:    "Time to first token in seconds",
				Buckets: latencyBuckets,
			},
			[]string{"model"},
		),

		itlSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fakeai_itl_seconds",
				Help:    "Inter-token latency in seconds",
				Buckets: []float64{0.0005, 0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"model"},
		),

		activeStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fakeai_active_streams",
			Help: "Currently open SSE streams",
		}),

		streamsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fakeai_streams_total",
				Help: "Finished streams by outcome (completed, failed, cancelled)",
			},
			[]string{"outcome"},
		),

		cacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fakeai_kv_cache_lookups_total",
				Help: "KV cache lookups by result (hit, miss)",
			},
			[]string{"result"},
		),

		cacheMatchedTokens: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fakeai_kv_cache_matched_tokens_total",
			Help: "Total input tokens served from the KV cache",
		}),

		cacheEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fakeai_kv_cache_evictions_total",
			Help: "Total KV cache block evictions",
		}),

		workerQueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "fakeai_worker_queue_depth",
				Help: "Simulated per-worker queue depth",
			},
			[]string{"worker"},
		),

		rateLimitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fakeai_ratelimit_total",
				Help: "Rate limit decisions",
			},
			[]string{"result"},
		),

		busEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fakeai_bus_events_total",
				Help: "Events published to the bus by category",
			},
			[]string{"category"},
		),

		busDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fakeai_bus_dropped_total",
			Help: "Events dropped because the bus queue was full",
		}),

		costTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fakeai_cost_usd_total",
				Help: "Simulated spend in USD by model",
			},
			[]string{"model"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "fakeai_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.requestsTotal,
		r.tokensTotal,
		r.ttftSeconds,
		r.itlSeconds,
		r.activeStreams,
		r.streamsTotal,
		r.cacheLookups,
		r.cacheMatchedTokens,
		r.cacheEvictions,
		r.workerQueueDepth,
		r.rateLimitTotal,
		r.busEvents,
		r.busDropped,
		r.costTotal,
		r.buildInfo,
	)

	r.buildInfo.WithLabelValues(version).Set(1)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)
	return r
}

// Handler returns the fasthttp handler serving the text exposition.
func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

func (r *Registry) ObserveHTTP(route string, status int, seconds float64) {
	r.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
	r.httpDuration.WithLabelValues(route).Observe(seconds)
}

func (r *Registry) ObserveRequest(model, status string, input, output, cached int) {
	r.requestsTotal.WithLabelValues(model, status).Inc()
	r.tokensTotal.WithLabelValues(model, "input").Add(float64(input))
	r.tokensTotal.WithLabelValues(model, "output").Add(float64(output))
	if cached > 0 {
		r.tokensTotal.WithLabelValues(model, "cached").Add(float64(cached))
	}
}

func (r *Registry) ObserveTTFT(model string, seconds float64) {
	r.ttftSeconds.WithLabelValues(model).Observe(seconds)
}

func (r *Registry) ObserveITL(model string, seconds float64) {
	r.itlSeconds.WithLabelValues(model).Observe(seconds)
}

func (r *Registry) StreamOpened() { r.activeStreams.Inc() }

func (r *Registry) StreamFinished(outcome string) {
	r.activeStreams.Dec()
	r.streamsTotal.WithLabelValues(outcome).Inc()
}

func (r *Registry) ObserveCacheLookup(matchedTokens int) {
	if matchedTokens > 0 {
		r.cacheLookups.WithLabelValues("hit").Inc()
		r.cacheMatchedTokens.Add(float64(matchedTokens))
	} else {
		r.cacheLookups.WithLabelValues("miss").Inc()
	}
}

func (r *Registry) ObserveCacheEvictions(n int64) {
	if n > 0 {
		r.cacheEvictions.Add(float64(n))
	}
}

func (r *Registry) SetWorkerQueueDepth(worker, depth int) {
	r.workerQueueDepth.WithLabelValues(strconv.Itoa(worker)).Set(float64(depth))
}

func (r *Registry) ObserveRateLimit(allowed bool) {
	result := "allowed"
	if !allowed {
		result = "rejected"
	}
	r.rateLimitTotal.WithLabelValues(result).Inc()
}

func (r *Registry) ObserveBusEvent(category string) {
	r.busEvents.WithLabelValues(category).Inc()
}

func (r *Registry) ObserveBusDrop() { r.busDropped.Inc() }

func (r *Registry) ObserveCost(model string, usd float64) {
	if usd > 0 {
		r.costTotal.WithLabelValues(model).Add(usd)
	}
}
