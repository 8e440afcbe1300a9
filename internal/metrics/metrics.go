// Package metrics holds the Prometheus collectors for the delivery core.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "delivery"

// Metrics groups every collector the service exports. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	Deliveries      *prometheus.CounterVec
	PushOutcomes    *prometheus.CounterVec
	Displacements   *prometheus.CounterVec
	ReapedPeers     prometheus.Counter
	ReapedPresences prometheus.Counter
	LocalPresences  prometheus.Gauge
	PushLatency     prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Envelopes routed by the message sender.",
		}, []string{"channel", "ephemeral", "online"}),
		PushOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "push_outcomes_total",
			Help:      "Push provider answers by channel and outcome.",
		}, []string{"channel", "outcome"}),
		Displacements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "presence_displacements_total",
			Help:      "Connections force-closed because the device connected again.",
		}, []string{"connected_elsewhere"}),
		ReapedPeers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "presence_reaped_managers_total",
			Help:      "Peer managers judged dead and removed by this manager.",
		}),
		ReapedPresences: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "presence_reaped_records_total",
			Help:      "Presence records deleted on behalf of dead peers.",
		}),
		LocalPresences: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "presence_local_connections",
			Help:      "Devices currently registered on this manager.",
		}),
		PushLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "push_to_queue_read_seconds",
			Help:      "Time from a wake notification to the device reading its queue.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 300, 900, 3600},
		}),
	}

	for _, c := range []prometheus.Collector{
		m.Deliveries, m.PushOutcomes, m.Displacements,
		m.ReapedPeers, m.ReapedPresences, m.LocalPresences, m.PushLatency,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordDelivery(channel string, ephemeral, online bool) {
	if m == nil {
		return
	}
	m.Deliveries.WithLabelValues(channel, strconv.FormatBool(ephemeral), strconv.FormatBool(online)).Inc()
}

func (m *Metrics) RecordPushOutcome(channel, outcome string) {
	if m == nil {
		return
	}
	m.PushOutcomes.WithLabelValues(channel, outcome).Inc()
}

func (m *Metrics) RecordDisplacement(connectedElsewhere bool) {
	if m == nil {
		return
	}
	m.Displacements.WithLabelValues(strconv.FormatBool(connectedElsewhere)).Inc()
}

func (m *Metrics) RecordReapedPeer(records int) {
	if m == nil {
		return
	}
	m.ReapedPeers.Inc()
	m.ReapedPresences.Add(float64(records))
}

func (m *Metrics) AddLocalPresence(delta float64) {
	if m == nil {
		return
	}
	m.LocalPresences.Add(delta)
}

func (m *Metrics) ObservePushLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.PushLatency.Observe(d.Seconds())
}
