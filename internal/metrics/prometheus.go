package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nerrad567/airvinyl/internal/session"
)

// Metrics contains all Prometheus metrics for Air Vinyl.
type Metrics struct {
	registry *prometheus.Registry

	// Discovery metrics
	DiscoveryEvents *prometheus.CounterVec
	MalformedLines  prometheus.Counter
	ResolveFailures prometheus.Counter
	BrowserRestarts prometheus.Counter

	// Session metrics
	SessionUpdates *prometheus.CounterVec
	SessionActive  prometheus.Gauge
	ActiveClients  prometheus.Gauge

	// Relay metrics
	ChunksRelayed  prometheus.Counter
	BytesRelayed   prometheus.Counter
	SendFailures   prometheus.Counter
	CaptureFailure prometheus.Counter

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates all metrics on a private registry that also carries
// the Go runtime and process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		// Discovery metrics
		DiscoveryEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "airvinyl_discovery_events_total",
			Help: "Total number of browser events by kind",
		}, []string{"kind"}),
		MalformedLines: factory.NewCounter(prometheus.CounterOpts{
			Name: "airvinyl_discovery_malformed_lines_total",
			Help: "Total number of browser output lines that could not be parsed",
		}),
		ResolveFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "airvinyl_discovery_resolve_failures_total",
			Help: "Total number of announced devices dropped for lack of an address",
		}),
		BrowserRestarts: factory.NewCounter(prometheus.CounterOpts{
			Name: "airvinyl_discovery_browser_restarts_total",
			Help: "Total number of device browser restarts",
		}),

		// Session metrics
		SessionUpdates: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "airvinyl_session_updates_total",
			Help: "Total number of session updates by result",
		}, []string{"result"}),
		SessionActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "airvinyl_session_active",
			Help: "1 while audio is being streamed, 0 otherwise",
		}),
		ActiveClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "airvinyl_transport_clients",
			Help: "Current number of connected transport clients",
		}),

		// Relay metrics
		ChunksRelayed: factory.NewCounter(prometheus.CounterOpts{
			Name: "airvinyl_relay_chunks_total",
			Help: "Total number of audio chunks relayed",
		}),
		BytesRelayed: factory.NewCounter(prometheus.CounterOpts{
			Name: "airvinyl_relay_bytes_total",
			Help: "Total number of PCM bytes relayed",
		}),
		SendFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "airvinyl_relay_send_failures_total",
			Help: "Total number of transport sends that failed",
		}),
		CaptureFailure: factory.NewCounter(prometheus.CounterOpts{
			Name: "airvinyl_capture_failures_total",
			Help: "Total number of capture start failures and lost captures",
		}),

		// HTTP API metrics
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "airvinyl_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "route", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "airvinyl_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RegisterDeviceCount exposes the number of known devices, read on scrape.
func (m *Metrics) RegisterDeviceCount(count func() int) {
	promauto.With(m.registry).NewGaugeFunc(prometheus.GaugeOpts{
		Name: "airvinyl_devices_known",
		Help: "Current number of discovered receivers",
	}, func() float64 { return float64(count()) })
}

// DiscoveryEvent counts a browser event.
func (m *Metrics) DiscoveryEvent(kind string) {
	m.DiscoveryEvents.WithLabelValues(kind).Inc()
}

// MalformedLine counts a skipped browser line.
func (m *Metrics) MalformedLine() {
	m.MalformedLines.Inc()
}

// ResolveFailed counts a dropped Add event.
func (m *Metrics) ResolveFailed() {
	m.ResolveFailures.Inc()
}

// BrowserRestarted counts a browser restart.
func (m *Metrics) BrowserRestarted() {
	m.BrowserRestarts.Inc()
}

// UpdateResult counts a session update by outcome.
func (m *Metrics) UpdateResult(result string) {
	m.SessionUpdates.WithLabelValues(result).Inc()
}

// ChunkRelayed records one relayed chunk.
func (m *Metrics) ChunkRelayed(bytes int) {
	m.ChunksRelayed.Inc()
	m.BytesRelayed.Add(float64(bytes))
}

// SendFailed counts a failed transport send.
func (m *Metrics) SendFailed() {
	m.SendFailures.Inc()
}

// CaptureFailed counts a capture failure.
func (m *Metrics) CaptureFailed() {
	m.CaptureFailure.Inc()
}

// ClientsActive sets the number of connected clients.
func (m *Metrics) ClientsActive(n int) {
	m.ActiveClients.Set(float64(n))
}

// SessionChanged tracks whether a session is streaming.
func (m *Metrics) SessionChanged(st session.State) {
	if st.Active() {
		m.SessionActive.Set(1)
	} else {
		m.SessionActive.Set(0)
	}
}

// RecordHTTPRequest records an HTTP request.
func (m *Metrics) RecordHTTPRequest(method, route, statusCode string, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, route, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(durationSeconds)
}
