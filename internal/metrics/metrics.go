// Package metrics exposes Prometheus collectors for the fan-out pipeline.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	chunksWrittenTotal         prometheus.Counter
	splitsTotal                *prometheus.CounterVec
	workUnitsTotal             *prometheus.CounterVec
	rowsTotal                  *prometheus.CounterVec
	fetchDurationSeconds       *prometheus.HistogramVec
	fleetActionsTotal          *prometheus.CounterVec
	launchSignalsTotal         *prometheus.CounterVec
	triggerEventsTotal         *prometheus.CounterVec
	reaperCompletedChunks      prometheus.Gauge
	reaperTotalChunks          prometheus.Gauge
	rateLimitDelaySeconds      prometheus.Histogram
	promotionsTotal            *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors. It is safe to call multiple times.
func Init() {
	once.Do(func() {
		chunksWrittenTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "fanout_chunks_written_total",
			Help: "Chunk objects written by the splitter.",
		})
		splitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "fanout_splits_total",
			Help: "Split invocations, labeled by outcome.",
		}, []string{"outcome"})
		workUnitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "fanout_work_units_total",
			Help: "Work units processed by workers, labeled by outcome.",
		}, []string{"outcome"})
		rowsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "fanout_rows_total",
			Help: "Result rows written, labeled by status.",
		}, []string{"status"})
		fetchDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fanout_fetch_duration_seconds",
			Help:    "Homepage fetch latency, labeled by fetcher.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20},
		}, []string{"fetcher"})
		fleetActionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "fanout_fleet_actions_total",
			Help: "Fleet API calls, labeled by action and outcome.",
		}, []string{"action", "outcome"})
		launchSignalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "fanout_launch_signals_total",
			Help: "Launch signals emitted by the splitter, labeled by outcome.",
		}, []string{"outcome"})
		triggerEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "fanout_trigger_events_total",
			Help: "Storage notifications seen by the trigger, labeled by outcome.",
		}, []string{"outcome"})
		reaperCompletedChunks = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "fanout_reaper_completed_chunks",
			Help: "Distinct chunks with results at the last reaper evaluation.",
		})
		reaperTotalChunks = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "fanout_reaper_total_chunks",
			Help: "Distinct chunks present at the last reaper evaluation.",
		})
		rateLimitDelaySeconds = promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "fanout_rate_limit_delay_seconds",
			Help:    "Time spent waiting on per-host rate limits.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		})
		promotionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "fanout_headless_promotions_total",
			Help: "Plain fetches re-rendered headless because they looked client-rendered, labeled by outcome.",
		}, []string{"outcome"})
		httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		}, []string{"method", "code"})
		httpRequestDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 30},
		}, []string{"method", "route"})
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SanitizeSite reduces a URL to a lowercase hostname, or "unknown".
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// ObserveChunksWritten adds n written chunks.
func ObserveChunksWritten(n int) {
	Init()
	chunksWrittenTotal.Add(float64(n))
}

// ObserveSplit counts one split invocation.
func ObserveSplit(outcome string) {
	Init()
	splitsTotal.WithLabelValues(outcome).Inc()
}

// ObserveWorkUnit counts one processed work unit.
func ObserveWorkUnit(outcome string) {
	Init()
	workUnitsTotal.WithLabelValues(outcome).Inc()
}

// ObserveRow counts one result row by status (ok, placeholder, blocked).
func ObserveRow(status string) {
	Init()
	rowsTotal.WithLabelValues(status).Inc()
}

// ObserveFetch records one homepage fetch.
func ObserveFetch(fetcher string, duration time.Duration) {
	Init()
	fetchDurationSeconds.WithLabelValues(fetcher).Observe(duration.Seconds())
}

// ObserveRateLimitDelay records one per-host rate limit wait.
func ObserveRateLimitDelay(duration time.Duration) {
	Init()
	rateLimitDelaySeconds.Observe(duration.Seconds())
}

// ObservePromotion counts one headless promotion.
func ObservePromotion(outcome string) {
	Init()
	promotionsTotal.WithLabelValues(outcome).Inc()
}

// ObserveFleetAction counts one fleet API call.
func ObserveFleetAction(action, outcome string) {
	Init()
	fleetActionsTotal.WithLabelValues(action, outcome).Inc()
}

// ObserveLaunchSignal counts one launch signal attempt.
func ObserveLaunchSignal(outcome string) {
	Init()
	launchSignalsTotal.WithLabelValues(outcome).Inc()
}

// ObserveTrigger counts one storage notification.
func ObserveTrigger(outcome string) {
	Init()
	triggerEventsTotal.WithLabelValues(outcome).Inc()
}

// ObserveProgress records the reaper's view of completion.
func ObserveProgress(chunks, completed int) {
	Init()
	reaperTotalChunks.Set(float64(chunks))
	reaperCompletedChunks.Set(float64(completed))
}

// ObserveHTTPRequest records one HTTP request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// Middleware is a chi middleware that records HTTP request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		ObserveHTTPRequest(r.Method, route, rec.statusCode, time.Since(start))
	})
}

// statusRecorder wraps http.ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.statusCode = code
	rec.ResponseWriter.WriteHeader(code)
}
