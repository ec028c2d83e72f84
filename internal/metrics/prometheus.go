// Package metrics exposes Prometheus instrumentation for the daemon.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics contains all Prometheus metrics for the VoxDrop daemon. Each
// instance owns its registry so several can coexist in one process.
type Metrics struct {
	Registry *prometheus.Registry

	// Upload metrics
	UploadsReceived prometheus.Counter
	UploadsStored   prometheus.Counter
	UploadFailures  *prometheus.CounterVec
	UploadBytes     prometheus.Histogram
	WriteDuration   prometheus.Histogram

	// Connection metrics
	ActiveConnections prometheus.Gauge
	MessagesReceived  *prometheus.CounterVec
	DroppedBroadcasts prometheus.Counter

	// HTTP API metrics
	HTTPRequests *prometheus.CounterVec
}

// New creates and registers all metrics on a fresh registry, together with
// the Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		UploadsReceived: f.NewCounter(prometheus.CounterOpts{
			Name: "voxdrop_uploads_received_total",
			Help: "Total number of send-audio messages received",
		}),
		UploadsStored: f.NewCounter(prometheus.CounterOpts{
			Name: "voxdrop_uploads_stored_total",
			Help: "Total number of uploads written to storage",
		}),
		UploadFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "voxdrop_upload_failures_total",
			Help: "Total number of uploads that were not stored, by reason",
		}, []string{"reason"}),
		UploadBytes: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "voxdrop_upload_bytes",
			Help:    "Size of stored uploads in bytes",
			Buckets: prometheus.ExponentialBuckets(16*1024, 4, 8), // 16 KiB .. 256 MiB
		}),
		WriteDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "voxdrop_upload_write_duration_seconds",
			Help:    "Time spent writing an upload to disk",
			Buckets: prometheus.DefBuckets,
		}),

		ActiveConnections: f.NewGauge(prometheus.GaugeOpts{
			Name: "voxdrop_ws_connections",
			Help: "Current number of WebSocket connections",
		}),
		MessagesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "voxdrop_ws_messages_received_total",
			Help: "Total number of WebSocket messages received, by event",
		}, []string{"event"}),
		DroppedBroadcasts: f.NewCounter(prometheus.CounterOpts{
			Name: "voxdrop_ws_dropped_broadcasts_total",
			Help: "Broadcast messages dropped because a queue was full",
		}),

		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "voxdrop_http_requests_total",
			Help: "Total number of HTTP requests, by route and status code",
		}, []string{"method", "route", "code"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

// RecordStored records a successful write of size bytes taking d.
func (m *Metrics) RecordStored(size int, d time.Duration) {
	if m == nil {
		return
	}
	m.UploadsStored.Inc()
	m.UploadBytes.Observe(float64(size))
	m.WriteDuration.Observe(d.Seconds())
}

// RecordFailure counts an upload rejected or lost for reason.
func (m *Metrics) RecordFailure(reason string) {
	if m == nil {
		return
	}
	m.UploadFailures.WithLabelValues(reason).Inc()
}

// RecordReceived counts an inbound upload message.
func (m *Metrics) RecordReceived() {
	if m == nil {
		return
	}
	m.UploadsReceived.Inc()
}

// RecordMessage counts an inbound WebSocket message.
func (m *Metrics) RecordMessage(event string) {
	if m == nil {
		return
	}
	m.MessagesReceived.WithLabelValues(event).Inc()
}

// ConnectionOpened and ConnectionClosed track the connection gauge.
func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.ActiveConnections.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.ActiveConnections.Dec()
}

// RecordDroppedBroadcast counts a broadcast that could not be queued.
func (m *Metrics) RecordDroppedBroadcast() {
	if m == nil {
		return
	}
	m.DroppedBroadcasts.Inc()
}

// RecordHTTPRequest counts one completed HTTP request.
func (m *Metrics) RecordHTTPRequest(method, route string, code int) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
}
