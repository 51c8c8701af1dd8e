// Package metrics exposes the client's internals as Prometheus metrics.
//
// All methods are safe to call on a nil *Metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "signalk_client"

// Metrics of a client
type Metrics struct {
	messages          *prometheus.CounterVec
	dropped           *prometheus.CounterVec
	subscribeMessages *prometheus.CounterVec
	reconnectAttempts prometheus.Counter
	pruned            prometheus.Counter
	notifications     *prometheus.CounterVec
	writes            *prometheus.CounterVec
	cacheSize         prometheus.Gauge
	connectionState   prometheus.Gauge
	conversionSpecs   prometheus.Gauge
}

// New creates and registers the metrics with reg
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "messages_total",
			Help:      "Total number of received messages per channel role",
		}, []string{"role"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_messages_total",
			Help:      "Total number of dropped messages per reason",
		}, []string{"reason"}),
		subscribeMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subscription",
			Name:      "messages_total",
			Help:      "Total number of sent subscription messages per kind",
		}, []string{"kind"}),
		reconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "reconnect_attempts_total",
			Help:      "Total number of reconnect attempts",
		}),
		pruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "pruned_total",
			Help:      "Total number of pruned cache entries",
		}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Total number of forwarded notifications per state",
		}, []string{"state"}),
		writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "writes_total",
			Help:      "Total number of writes per result",
		}, []string{"result"}),
		cacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "size",
			Help:      "Current number of keys in the cache",
		}),
		connectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "state",
			Help:      "Connection state (0 disconnected, 1 connecting, 2 connected, 3 reconnecting, 4 given up)",
		}),
		conversionSpecs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "units",
			Name:      "conversion_specs",
			Help:      "Number of paths with a conversion spec",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.messages, m.dropped, m.subscribeMessages, m.reconnectAttempts, m.pruned,
		m.notifications, m.writes, m.cacheSize, m.connectionState, m.conversionSpecs,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// IncMessages counts a received message
func (m *Metrics) IncMessages(role string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(role).Inc()
}

// IncDropped counts a dropped message
func (m *Metrics) IncDropped(reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) IncSubscribeMessages(kind string) {
	if m == nil {
		return
	}
	m.subscribeMessages.WithLabelValues(kind).Inc()
}

func (m *Metrics) IncReconnectAttempts() {
	if m == nil {
		return
	}
	m.reconnectAttempts.Inc()
}

func (m *Metrics) AddPruned(n int) {
	if m == nil {
		return
	}
	m.pruned.Add(float64(n))
}

func (m *Metrics) IncNotifications(state string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(state).Inc()
}

// IncWrites counts a write by result (`ok`, `rejected`, `timeout`, `error`)
func (m *Metrics) IncWrites(result string) {
	if m == nil {
		return
	}
	m.writes.WithLabelValues(result).Inc()
}

func (m *Metrics) SetCacheSize(n int) {
	if m == nil {
		return
	}
	m.cacheSize.Set(float64(n))
}

func (m *Metrics) SetConnectionState(state int) {
	if m == nil {
		return
	}
	m.connectionState.Set(float64(state))
}

func (m *Metrics) SetConversionSpecs(n int) {
	if m == nil {
		return
	}
	m.conversionSpecs.Set(float64(n))
}
