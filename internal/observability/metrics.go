package observability

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kjstillabower/epsgram-notifier/internal/traffic"
)

var (
	registry *prometheus.Registry

	// HTTP request rate on the ops API.
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTP request latency on the ops API.
	HTTPRequestDuration *prometheus.HistogramVec

	// Concurrent ops requests in flight.
	HTTPRequestsInFlight prometheus.Gauge

	// Inbound requests refused by the ops API rate limiter.
	RateLimitDeniedTotal prometheus.Counter

	// Chart API call rate by status label. Watch for: forbidden or server_error growth.
	ChartsAPICallsTotal *prometheus.CounterVec

	// Chart API latency. Watch for: p95 approaching charts_api.timeout.
	ChartsAPIDuration *prometheus.HistogramVec

	// Retry attempts on the chart API. High values = unstable upstream.
	ChartsAPIRetriesTotal prometheus.Counter

	// Classified chart API errors by category (see client.CategorizeError).
	ChartsAPIErrorsTotal *prometheus.CounterVec

	// 403 responses. Any sustained rate means we are being throttled or banned.
	ForbiddenTotal prometheus.Counter

	// Circuit breaker transitions (from, to).
	CircuitBreakerTransitionsTotal *prometheus.CounterVec

	// Circuit breaker state: 0 closed, 1 open, 2 half-open.
	CircuitBreakerState prometheus.Gauge

	// Advertised global basetime as unix seconds. Flat for >12h = upstream stalled.
	GlobalBasetimeTimestamp prometheus.Gauge

	// Per-location confirmed basetime as unix seconds.
	LocationBasetimeTimestamp *prometheus.GaugeVec

	// Locations advanced to a fully confirmed new run.
	BasetimeUpgradesTotal prometheus.Counter

	// Variant availability probes by result (available, unavailable).
	VariantProbesTotal *prometheus.CounterVec

	// Per-location plot set fetches by result (success, aborted).
	PlotFetchesTotal *prometheus.CounterVec

	// Plot requests served from local cache without network I/O.
	PlotCacheHitsTotal prometheus.Counter

	// On-demand plot requests that joined a fetch already in flight.
	CoalescedRequestsTotal prometheus.Counter

	// Chart links served from the link cache by backend.
	LinkCacheHitsTotal *prometheus.CounterVec

	// Link cache operation failures by op (get, set).
	LinkCacheErrorsTotal *prometheus.CounterVec

	// Locations released to subscribers.
	BroadcastsTotal prometheus.Counter

	// Per-subscriber deliveries by result (success, error).
	DeliveriesTotal *prometheus.CounterVec

	// Driver cycle duration by outcome (ok, error, panic).
	CycleDuration *prometheus.HistogramVec

	// trackedLocations is built from config; used to bound label cardinality.
	trackedLocationsMu sync.RWMutex
	trackedLocations   map[string]struct{}

	upstreamGaugesOnce sync.Once
)

func init() {
	registry = prometheus.NewRegistry()

	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpRequestsTotal",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "statusCode"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "httpRequestDurationSeconds",
			Help:    "HTTP request latency in seconds (per request)",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	HTTPRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "httpRequestsInFlight",
			Help: "Number of HTTP requests currently being served",
		},
	)
	RateLimitDeniedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rateLimitDeniedTotal",
			Help: "Ops API requests denied by the rate limiter",
		},
	)
	ChartsAPICallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chartsApiCallsTotal",
			Help: "Total number of chart API calls",
		},
		[]string{"status"},
	)
	ChartsAPIDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chartsApiDurationSeconds",
			Help:    "Chart API latency in seconds (per request)",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"status"},
	)
	ChartsAPIRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chartsApiRetriesTotal",
			Help: "Total number of retry attempts for chart API calls",
		},
	)
	ChartsAPIErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chartsApiErrorsTotal",
			Help: "Chart API errors by category",
		},
		[]string{"category"},
	)
	ForbiddenTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chartsApiForbiddenTotal",
			Help: "Total number of 403 responses from the chart API",
		},
	)
	CircuitBreakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuitBreakerTransitionsTotal",
			Help: "Circuit breaker state transitions",
		},
		[]string{"from", "to"},
	)
	CircuitBreakerState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "circuitBreakerState",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
	)
	GlobalBasetimeTimestamp = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "globalBasetimeTimestampSeconds",
			Help: "Advertised forecast basetime as unix seconds",
		},
	)
	LocationBasetimeTimestamp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "locationBasetimeTimestampSeconds",
			Help: "Confirmed forecast basetime per location as unix seconds (allow-list; others use location=other)",
		},
		[]string{"location"},
	)
	BasetimeUpgradesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "basetimeUpgradesTotal",
			Help: "Locations advanced to a fully confirmed new run",
		},
	)
	VariantProbesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "variantProbesTotal",
			Help: "Chart variant availability probes by result",
		},
		[]string{"result"},
	)
	PlotFetchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plotFetchesTotal",
			Help: "Per-location plot set fetches by result",
		},
		[]string{"result"},
	)
	PlotCacheHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "plotCacheHitsTotal",
			Help: "Plot requests served from local files without network I/O",
		},
	)
	CoalescedRequestsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "coalescedRequestsTotal",
			Help: "On-demand plot requests that shared an in-flight fetch",
		},
	)
	LinkCacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "linkCacheHitsTotal",
			Help: "Chart links served from the link cache",
		},
		[]string{"cacheType"},
	)
	LinkCacheErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "linkCacheErrorsTotal",
			Help: "Link cache operation failures",
		},
		[]string{"op"},
	)
	BroadcastsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "broadcastsTotal",
			Help: "Locations released to subscribers",
		},
	)
	DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deliveriesTotal",
			Help: "Per-subscriber plot deliveries by result",
		},
		[]string{"result"},
	)
	CycleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cycleDurationSeconds",
			Help:    "Duration of one polling cycle",
			Buckets: []float64{.5, 1, 5, 15, 30, 60, 120, 300},
		},
		[]string{"outcome"},
	)

	registry.MustRegister(
		HTTPRequestsTotal, HTTPRequestDuration, HTTPRequestsInFlight, RateLimitDeniedTotal,
		ChartsAPICallsTotal, ChartsAPIDuration, ChartsAPIRetriesTotal, ChartsAPIErrorsTotal,
		ForbiddenTotal, CircuitBreakerTransitionsTotal, CircuitBreakerState,
		GlobalBasetimeTimestamp, LocationBasetimeTimestamp, BasetimeUpgradesTotal,
		VariantProbesTotal, PlotFetchesTotal, PlotCacheHitsTotal, CoalescedRequestsTotal,
		LinkCacheHitsTotal, LinkCacheErrorsTotal,
		BroadcastsTotal, DeliveriesTotal, CycleDuration,
	)
}

// RegisterUpstreamGauges exposes the sliding-window upstream outcome counts
// used by the health check. Call once from main with the degraded window.
func RegisterUpstreamGauges(window time.Duration) {
	upstreamGaugesOnce.Do(func() {
		registry.MustRegister(
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "upstreamRequestsInWindow",
					Help: "Chart API outcomes in the sliding window",
				},
				func() float64 { return float64(traffic.RequestCount(window)) },
			),
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "upstreamForbiddenInWindow",
					Help: "403 responses in the sliding window",
				},
				func() float64 { return float64(traffic.ForbiddenCount(window)) },
			),
		)
	})
}

// SetTrackedLocations sets the allow-list for per-location metrics.
func SetTrackedLocations(locations []string) {
	trackedLocationsMu.Lock()
	defer trackedLocationsMu.Unlock()
	trackedLocations = make(map[string]struct{}, len(locations))
	for _, loc := range locations {
		trackedLocations[normalizeLocationForMetrics(loc)] = struct{}{}
	}
}

// MetricLocationLabel returns the location label, or "other" when not tracked.
func MetricLocationLabel(location string) string {
	loc := normalizeLocationForMetrics(location)
	trackedLocationsMu.RLock()
	_, ok := trackedLocations[loc] // nil map read is safe in Go
	trackedLocationsMu.RUnlock()
	if ok {
		return loc
	}
	return "other"
}

// RecordLocationBasetime publishes the confirmed basetime of a location.
func RecordLocationBasetime(location string, basetime time.Time) {
	LocationBasetimeTimestamp.WithLabelValues(MetricLocationLabel(location)).Set(float64(basetime.Unix()))
}

// CircuitBreakerStateValue maps a breaker state ordinal to the gauge value.
func CircuitBreakerStateValue(state int) float64 {
	return float64(state)
}

func normalizeLocationForMetrics(s string) string {
	s = strings.TrimSpace(s)
	s = strings.ToLower(s)
	return s
}

// MetricsHandler returns an http.Handler that serves application and runtime metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
