// Package metrics exposes Prometheus collectors for the market data core:
//
//	marketcore_events_published_total{type}
//	marketcore_events_dropped_total{reason}
//	marketcore_depth_resyncs_total{symbol}
//	marketcore_stream_reconnects_total{stream}
//	marketcore_rest_requests_total{endpoint,outcome}
//	marketcore_rest_request_duration_seconds{endpoint}
//	marketcore_queue_depth
//	marketcore_buffer_length{buffer}
//	marketcore_rest_used_weight{window}
//	marketcore_rest_limited_total{kind}
//
// plus go_* and process_* runtime collectors. Handler serves them for scraping.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collectors groups the registered Prometheus collectors.
type Collectors struct {
	Registry     *prometheus.Registry
	Published    *prometheus.CounterVec
	Dropped      *prometheus.CounterVec
	Resyncs      *prometheus.CounterVec
	Reconnects   *prometheus.CounterVec
	RESTRequests *prometheus.CounterVec
	RESTDuration *prometheus.HistogramVec
	QueueDepth   prometheus.Gauge
	Buffered     *prometheus.GaugeVec
	UsedWeight   *prometheus.GaugeVec
	Limited      *prometheus.CounterVec
}

// NewCollectors registers a fresh set of collectors on a private registry.
func NewCollectors() *Collectors {
	c := &Collectors{
		Registry: prometheus.NewRegistry(),
		Published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketcore_events_published_total",
			Help: "Normalized events handed to subscribers",
		}, []string{"type"}),
		Dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketcore_events_dropped_total",
			Help: "Events or frames discarded before delivery",
		}, []string{"reason"}),
		Resyncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketcore_depth_resyncs_total",
			Help: "Order book resyncs triggered by sequence gaps",
		}, []string{"symbol"}),
		Reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketcore_stream_reconnects_total",
			Help: "Websocket reconnect attempts",
		}, []string{"stream"}),
		RESTRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketcore_rest_requests_total",
			Help: "REST requests by endpoint and outcome",
		}, []string{"endpoint", "outcome"}),
		RESTDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "marketcore_rest_request_duration_seconds",
			Help:    "REST request latency including retries",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "marketcore_queue_depth",
			Help: "Events waiting in the subscriber hand-off queue",
		}),
		Buffered: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "marketcore_buffer_length",
			Help: "Occupancy of internal bounded buffers",
		}, []string{"buffer"}),
		UsedWeight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "marketcore_rest_used_weight",
			Help: "Request weight reported by the venue for the current window",
		}, []string{"window"}),
		Limited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketcore_rest_limited_total",
			Help: "REST responses rejected for rate limiting (429) or IP ban (418)",
		}, []string{"kind"}),
	}
	c.Registry.MustRegister(
		c.Published, c.Dropped, c.Resyncs, c.Reconnects,
		c.RESTRequests, c.RESTDuration, c.QueueDepth, c.Buffered,
		c.UsedWeight, c.Limited,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

var (
	once     sync.Once
	defaults *Collectors
)

// Default returns the process-wide collectors, creating them on first use.
func Default() *Collectors {
	once.Do(func() {
		defaults = NewCollectors()
	})
	return defaults
}

// Handler serves the default registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Default().Registry, promhttp.HandlerOpts{})
}

func EventPublished(eventType string) {
	Default().Published.WithLabelValues(eventType).Inc()
}

func DepthResync(symbol string) {
	Default().Resyncs.WithLabelValues(symbol).Inc()
}

func StreamReconnect(stream string) {
	Default().Reconnects.WithLabelValues(stream).Inc()
}

// ObserveREST records one REST call. outcome is "ok" or "error".
func ObserveREST(endpoint, outcome string, took time.Duration) {
	c := Default()
	c.RESTRequests.WithLabelValues(endpoint, outcome).Inc()
	c.RESTDuration.WithLabelValues(endpoint).Observe(took.Seconds())
}

func SetQueueDepth(n int) {
	Default().QueueDepth.Set(float64(n))
}
