package api

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for one server.
type Metrics struct {
	// Transaction metrics
	TransactionsReceived  prometheus.Counter
	TransactionsCompleted prometheus.Counter
	TransactionsDropped   prometheus.Counter
	WorkLatency           prometheus.Histogram

	// Connection metrics
	ConnectionsAccepted prometheus.Counter
	ConnectionsRejected prometheus.Counter
	ConnectionsOpen     prometheus.Gauge
	ClientsRegistered   prometheus.Counter
	ProtocolErrors      *prometheus.CounterVec
	ReplyFailures       prometheus.Counter

	// System metrics
	QueueDepth    prometheus.Gauge
	WorkersActive prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates metrics registered on a fresh registry.
func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		TransactionsReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_received_total",
			Help:      "Total number of work requests received",
		}),
		TransactionsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_completed_total",
			Help:      "Total number of transactions acknowledged to clients",
		}),
		TransactionsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_dropped_total",
			Help:      "Total number of transactions dropped on a full queue",
		}),
		WorkLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "work_latency_seconds",
			Help:      "Time from transaction receipt to acknowledgement in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),

		ConnectionsAccepted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_accepted_total",
			Help:      "Total number of accepted client connections",
		}),
		ConnectionsRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_rejected_total",
			Help:      "Connections closed because the connection limit was reached",
		}),
		ConnectionsOpen: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_open",
			Help:      "Current number of open client connections",
		}),
		ClientsRegistered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "clients_registered_total",
			Help:      "Total number of client registrations",
		}),
		ProtocolErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_errors_total",
			Help:      "Protocol errors by kind",
		}, []string{"kind"}),
		ReplyFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reply_failures_total",
			Help:      "Completion replies that could not be written",
		}),

		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Current number of queued transactions",
		}),
		WorkersActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers_active",
			Help:      "Number of workers executing a transaction",
		}),

		registry: reg,
	}
}

// Registry returns the registry the metrics are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordCompletion records an acknowledged transaction.
func (m *Metrics) RecordCompletion(latency time.Duration) {
	m.TransactionsCompleted.Inc()
	m.WorkLatency.Observe(latency.Seconds())
}

// RecordProtocolError records a protocol error of the given kind.
func (m *Metrics) RecordProtocolError(kind string) {
	m.ProtocolErrors.WithLabelValues(kind).Inc()
}

// UpdateQueue updates the queue depth gauge.
func (m *Metrics) UpdateQueue(depth int) {
	m.QueueDepth.Set(float64(depth))
}

// MetricsServer runs an HTTP server exposing /metrics endpoint.
type MetricsServer struct {
	server *http.Server
}

// NewMetricsServer creates a new metrics server on the given address.
func NewMetricsServer(addr string, metrics *Metrics) *MetricsServer {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &MetricsServer{
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *MetricsServer) Handler() http.Handler {
	return s.server.Handler
}

// Start starts the metrics server (blocking).
// Returns nil once Stop has been called.
func (s *MetricsServer) Start() error {
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop gracefully stops the metrics server.
func (s *MetricsServer) Stop() error {
	return s.server.Close()
}
