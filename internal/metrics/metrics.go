// Package metrics exposes Prometheus collectors for the account mirror.
// All methods are safe on a nil *Metrics so tests can skip instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "accountmirror"

// Metrics groups every collector.
type Metrics struct {
	registry *prometheus.Registry

	streamReconnects *prometheus.CounterVec
	streamState      *prometheus.GaugeVec
	watcherRestarts  *prometheus.CounterVec
	trackedAssets    *prometheus.GaugeVec
	balances         *prometheus.GaugeVec
	openOrders       *prometheus.GaugeVec
	droppedEvents    *prometheus.CounterVec
	observers        prometheus.Gauge
	broadcastDrops   prometheus.Counter
}

// New registers all collectors in a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		streamReconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_reconnects_total",
			Help:      "Streaming loop failures followed by a reconnect.",
		}, []string{"exchange", "stream"}),
		streamState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stream_state",
			Help:      "Current supervisor state per stream (0 connecting, 1 streaming, 2 backoff, 3 stopped).",
		}, []string{"exchange", "stream"}),
		watcherRestarts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "price_watcher_restarts_total",
			Help:      "Price watcher restarts caused by tracked set changes.",
		}, []string{"exchange"}),
		trackedAssets: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tracked_assets",
			Help:      "Size of the tracked asset set.",
		}, []string{"exchange"}),
		balances: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cached_balances",
			Help:      "Balance records in cache.",
		}, []string{"exchange"}),
		openOrders: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_orders",
			Help:      "Open orders in cache.",
		}, []string{"exchange"}),
		droppedEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_events_total",
			Help:      "Stream events dropped as invalid or skipped for missing cost basis.",
		}, []string{"exchange", "reason"}),
		observers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "observers",
			Help:      "Connected observers.",
		}),
		broadcastDrops: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_drops_total",
			Help:      "Messages not delivered to a slow observer.",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) StreamReconnect(exchange, stream string) {
	if m == nil {
		return
	}
	m.streamReconnects.WithLabelValues(exchange, stream).Inc()
}

func (m *Metrics) StreamState(exchange, stream string, state int) {
	if m == nil {
		return
	}
	m.streamState.WithLabelValues(exchange, stream).Set(float64(state))
}

func (m *Metrics) WatcherRestart(exchange string) {
	if m == nil {
		return
	}
	m.watcherRestarts.WithLabelValues(exchange).Inc()
}

func (m *Metrics) TrackedAssets(exchange string, n int) {
	if m == nil {
		return
	}
	m.trackedAssets.WithLabelValues(exchange).Set(float64(n))
}

func (m *Metrics) CacheSizes(exchange string, balances, orders int) {
	if m == nil {
		return
	}
	m.balances.WithLabelValues(exchange).Set(float64(balances))
	m.openOrders.WithLabelValues(exchange).Set(float64(orders))
}

func (m *Metrics) DroppedEvent(exchange, reason string) {
	if m == nil {
		return
	}
	m.droppedEvents.WithLabelValues(exchange, reason).Inc()
}

func (m *Metrics) Observers(n int) {
	if m == nil {
		return
	}
	m.observers.Set(float64(n))
}

func (m *Metrics) BroadcastDrop() {
	if m == nil {
		return
	}
	m.broadcastDrops.Inc()
}
