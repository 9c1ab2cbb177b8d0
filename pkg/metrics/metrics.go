package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Catalog metrics
	DatabasesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "brook_databases_total",
			Help: "Total number of databases known to the catalog",
		},
	)

	DatabasesOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "brook_databases_open",
			Help: "Number of databases currently open in the process",
		},
	)

	// Dispatcher metrics
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "brook_dispatcher_requests_total",
			Help: "Total number of wire requests handled, by request name and outcome",
		},
		[]string{"name", "outcome"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "brook_dispatcher_request_duration_seconds",
			Help:    "Wire request handling duration in seconds, by request name",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"name"},
	)

	ConnectionsOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "brook_dispatcher_connections_open",
			Help: "Number of client connections currently being served",
		},
	)

	// Document store metrics
	DocumentsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "brook_documents_total",
			Help: "Number of documents per collection",
		},
		[]string{"database", "collection"},
	)

	TransactionsAppliedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "brook_transactions_applied_total",
			Help: "Total number of transactions applied, by database",
		},
		[]string{"database"},
	)

	TransactionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "brook_transaction_apply_duration_seconds",
			Help:    "Transaction apply duration in seconds, by database",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"database"},
	)

	// View metrics
	ViewQueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "brook_view_queries_total",
			Help: "Total number of view queries, by database and view",
		},
		[]string{"database", "view"},
	)

	ViewIndexLag = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "brook_view_index_lag",
			Help: "Number of documents a view's index has yet to catch up on",
		},
		[]string{"database", "view"},
	)

	// Key-value store metrics
	KeyValueOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "brook_kv_operations_total",
			Help: "Total number of key-value operations, by database and operation",
		},
		[]string{"database", "op"},
	)

	KeyValueExpirationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "brook_kv_expirations_total",
			Help: "Total number of keys expired by the background scheduler, by database",
		},
		[]string{"database"},
	)

	// Pub/sub metrics
	PubsubMessagesPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "brook_pubsub_messages_published_total",
			Help: "Total number of pub/sub messages published, by database",
		},
		[]string{"database"},
	)

	PubsubMessagesDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "brook_pubsub_messages_dropped_total",
			Help: "Total number of pub/sub messages dropped because a subscriber's channel was full",
		},
	)

	PubsubSubscribersActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "brook_pubsub_subscribers_active",
			Help: "Number of currently registered pub/sub subscribers across all open databases",
		},
	)

	// Session metrics
	SessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "brook_sessions_active",
			Help: "Number of currently live authenticated sessions",
		},
	)

	AuthenticationFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "brook_authentication_failures_total",
			Help: "Total number of failed Authenticate attempts",
		},
	)
)

func init() {
	prometheus.MustRegister(DatabasesTotal)
	prometheus.MustRegister(DatabasesOpen)

	prometheus.MustRegister(RequestsTotal)
	prometheus.MustRegister(RequestDuration)
	prometheus.MustRegister(ConnectionsOpen)

	prometheus.MustRegister(DocumentsTotal)
	prometheus.MustRegister(TransactionsAppliedTotal)
	prometheus.MustRegister(TransactionDuration)

	prometheus.MustRegister(ViewQueriesTotal)
	prometheus.MustRegister(ViewIndexLag)

	prometheus.MustRegister(KeyValueOperationsTotal)
	prometheus.MustRegister(KeyValueExpirationsTotal)

	prometheus.MustRegister(PubsubMessagesPublishedTotal)
	prometheus.MustRegister(PubsubMessagesDroppedTotal)
	prometheus.MustRegister(PubsubSubscribersActive)

	prometheus.MustRegister(SessionsActive)
	prometheus.MustRegister(AuthenticationFailuresTotal)
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer helps record an operation's duration to a histogram.
type Timer struct {
	start time.Time
}

// NewTimer starts a Timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time to a labeled histogram.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the Timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
