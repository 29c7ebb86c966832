package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Result labels shared by the engine counters.
const (
	ResultOK        = "ok"
	ResultError     = "error"
	ResultCancelled = "cancelled"
)

// Metrics holds Prometheus counters and gauges for the chunk player.
type Metrics struct {
	registry             *prometheus.Registry
	requestsTotal        *prometheus.CounterVec
	errorsTotal          prometheus.Counter
	chunkFetchesTotal    *prometheus.CounterVec
	mutationsTotal       *prometheus.CounterVec
	evictedChunksTotal   prometheus.Counter
	seeksTotal           prometheus.Counter
	qualitySwitchesTotal prometheus.Counter
	activeSessions       prometheus.Gauge
}

// New creates and registers Prometheus metrics for the player.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	requestsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chunkplayer_requests_total",
		Help: "Total number of HTTP requests received, by route pattern",
	}, []string{"route"})
	errorsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chunkplayer_errors_total",
		Help: "Total number of HTTP responses with error status (4xx or 5xx)",
	})
	chunkFetchesTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chunkplayer_chunk_fetches_total",
		Help: "Chunk fetches issued by buffer managers, by result",
	}, []string{"result"})
	mutationsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chunkplayer_mutations_total",
		Help: "Sink mutations drained by mutation queues, by kind and result",
	}, []string{"kind", "result"})
	evictedChunksTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chunkplayer_evicted_chunks_total",
		Help: "Chunks dropped from loaded sets by retention eviction",
	})
	seeksTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chunkplayer_seeks_total",
		Help: "Total number of seeks handled",
	})
	qualitySwitchesTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chunkplayer_quality_switches_total",
		Help: "Total number of quality switches",
	})
	activeSessions := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chunkplayer_active_sessions",
		Help: "Number of open watch sessions",
	})

	registry.MustRegister(
		requestsTotal,
		errorsTotal,
		chunkFetchesTotal,
		mutationsTotal,
		evictedChunksTotal,
		seeksTotal,
		qualitySwitchesTotal,
		activeSessions,
	)

	return &Metrics{
		registry:             registry,
		requestsTotal:        requestsTotal,
		errorsTotal:          errorsTotal,
		chunkFetchesTotal:    chunkFetchesTotal,
		mutationsTotal:       mutationsTotal,
		evictedChunksTotal:   evictedChunksTotal,
		seeksTotal:           seeksTotal,
		qualitySwitchesTotal: qualitySwitchesTotal,
		activeSessions:       activeSessions,
	}
}

// IncRequests increments the request counter of route.
func (m *Metrics) IncRequests(route string) {
	m.requestsTotal.WithLabelValues(route).Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	m.errorsTotal.Inc()
}

// ObserveChunkFetch counts one chunk fetch with the given result label.
func (m *Metrics) ObserveChunkFetch(result string) {
	m.chunkFetchesTotal.WithLabelValues(result).Inc()
}

// ObserveMutation counts one drained sink mutation.
func (m *Metrics) ObserveMutation(kind, result string) {
	m.mutationsTotal.WithLabelValues(kind, result).Inc()
}

// AddEvicted adds n to the evicted chunks counter.
func (m *Metrics) AddEvicted(n int) {
	m.evictedChunksTotal.Add(float64(n))
}

// IncSeeks increments the seek counter.
func (m *Metrics) IncSeeks() {
	m.seeksTotal.Inc()
}

// IncQualitySwitches increments the quality switch counter.
func (m *Metrics) IncQualitySwitches() {
	m.qualitySwitchesTotal.Inc()
}

// SetActiveSessions sets the active sessions gauge.
func (m *Metrics) SetActiveSessions(n int) {
	m.activeSessions.Set(float64(n))
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values (e.g. active sessions).
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
