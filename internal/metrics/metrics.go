package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "notifications"

// Metrics - лічильники підсистеми доставки. Кожен екземпляр має власний
// registry, тому тести не конфліктують між собою.
type Metrics struct {
	registry *prometheus.Registry

	Connections       prometheus.Gauge
	OnlineUsers       prometheus.Gauge
	Deliveries        *prometheus.CounterVec
	DroppedDeliveries prometheus.Counter
	HandshakeFailures *prometheus.CounterVec
	DiscardedEvents   *prometheus.CounterVec
	IngestedMessages  *prometheus.CounterVec
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		Connections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_connections",
			Help:      "Currently open realtime connections.",
		}),
		OnlineUsers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "online_users",
			Help:      "Users with at least one open connection.",
		}),
		Deliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Events enqueued to connections, by event name.",
		}, []string{"event"}),
		DroppedDeliveries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_deliveries_total",
			Help:      "Events dropped because a connection buffer was full or closed.",
		}),
		HandshakeFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_failures_total",
			Help:      "Rejected connection attempts, by reason.",
		}, []string{"reason"}),
		DiscardedEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discarded_events_total",
			Help:      "Inbound client events discarded, by reason.",
		}, []string{"reason"}),
		IngestedMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingested_messages_total",
			Help:      "Messages consumed from the notifications topic, by result.",
		}, []string{"result"}),
	}
}

// Handler віддає метрики у форматі Prometheus
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
