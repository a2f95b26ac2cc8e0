package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder implements the metrics hooks of the binance client, the
// aggregator and the price stream manager.
type Recorder struct {
	reg *prometheus.Registry

	venueRequests *prometheus.CounterVec
	venueLatency  *prometheus.HistogramVec
	cacheLookups  *prometheus.CounterVec
	aggregations  *prometheus.CounterVec
	aggLatency    prometheus.Histogram
	venueFailures *prometheus.CounterVec
	streamTicks   *prometheus.CounterVec
	reconnects    prometheus.Counter
	subscribers   prometheus.Gauge
	httpRequests  *prometheus.CounterVec
	httpLatency   *prometheus.HistogramVec
}

// New registers every collector on its own registry so tests can build
// isolated recorders.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Recorder{
		reg: reg,
		venueRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vaultd_venue_requests_total",
				Help: "Venue REST requests by endpoint and outcome",
			},
			[]string{"endpoint", "outcome"},
		),
		venueLatency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "vaultd_venue_request_duration_seconds",
				Help:    "Venue REST request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"endpoint"},
		),
		cacheLookups: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vaultd_cache_lookups_total",
				Help: "Response cache lookups by endpoint and result",
			},
			[]string{"endpoint", "result"},
		),
		aggregations: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vaultd_aggregations_total",
				Help: "Account aggregations by completeness",
			},
			[]string{"partial"},
		),
		aggLatency: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "vaultd_aggregation_duration_seconds",
				Help:    "End to end aggregation duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
		venueFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vaultd_venue_failures_total",
				Help: "Venue fetches replaced by an empty default",
			},
			[]string{"venue"},
		),
		streamTicks: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vaultd_stream_ticks_total",
				Help: "Price ticks received from the trade stream",
			},
			[]string{"symbol"},
		),
		reconnects: f.NewCounter(
			prometheus.CounterOpts{
				Name: "vaultd_stream_reconnects_total",
				Help: "Price stream reconnect attempts",
			},
		),
		subscribers: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "vaultd_stream_subscribers",
				Help: "Active price stream subscribers",
			},
		),
		httpRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vaultd_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"route", "method", "status"},
		),
		httpLatency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "vaultd_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"route", "method"},
		),
	}
}

func (r *Recorder) Registry() *prometheus.Registry { return r.reg }

func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

func (r *Recorder) ObserveRequest(endpoint, outcome string, d time.Duration) {
	r.venueRequests.WithLabelValues(endpoint, outcome).Inc()
	r.venueLatency.WithLabelValues(endpoint).Observe(d.Seconds())
}

func (r *Recorder) ObserveCache(endpoint string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	r.cacheLookups.WithLabelValues(endpoint, result).Inc()
}

func (r *Recorder) ObserveAggregation(partial bool, d time.Duration) {
	r.aggregations.WithLabelValues(strconv.FormatBool(partial)).Inc()
	r.aggLatency.Observe(d.Seconds())
}

func (r *Recorder) ObserveVenueFailure(venue string) {
	r.venueFailures.WithLabelValues(venue).Inc()
}

func (r *Recorder) ObserveTick(symbol string) {
	r.streamTicks.WithLabelValues(symbol).Inc()
}

func (r *Recorder) ObserveReconnect() {
	r.reconnects.Inc()
}

func (r *Recorder) SetSubscribers(n int) {
	r.subscribers.Set(float64(n))
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// Middleware records request counts and latency under a fixed route label.
func (r *Recorder) Middleware(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, req)

		r.httpRequests.WithLabelValues(route, req.Method, strconv.Itoa(sw.status)).Inc()
		r.httpLatency.WithLabelValues(route, req.Method).Observe(time.Since(start).Seconds())
	})
}
