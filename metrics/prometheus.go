package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics implements the Metrics interface using Prometheus.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	// Peer metrics
	peersConnected  prometheus.Gauge
	peerConnections *prometheus.CounterVec

	// Consensus metrics
	blockHeight     prometheus.Gauge
	consensusStep   *prometheus.GaugeVec
	blocksProposed  prometheus.Counter
	blocksCommitted prometheus.Counter
	blocksRejected  *prometheus.CounterVec
	stalledRounds   prometheus.Counter
	evidence        prometheus.Counter
	blockLatency    prometheus.Histogram
	blockSize       prometheus.Gauge

	// Transaction metrics
	mempoolSize  prometheus.Gauge
	txsReceived  *prometheus.CounterVec
	txsRejected  *prometheus.CounterVec
	txsCommitted prometheus.Counter

	// Message metrics
	messagesReceived *prometheus.CounterVec
	messagesSent     *prometheus.CounterVec
	messageErrors    *prometheus.CounterVec
	messageSize      *prometheus.HistogramVec

	// API metrics
	apiRequests *prometheus.CounterVec
}

// consensusSteps are the label values of the consensus_step gauge.
var consensusSteps = []string{"idle", "leading", "following", "committed"}

// NewPrometheusMetrics creates a new PrometheusMetrics instance.
func NewPrometheusMetrics(namespace string) *PrometheusMetrics {
	registry := prometheus.NewRegistry()

	m := &PrometheusMetrics{
		registry: registry,

		// Peer metrics
		peersConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "peers_connected",
				Help:      "Number of peers with an open outbound link",
			},
		),
		peerConnections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "peer_connections_total",
				Help:      "Total number of peer connection attempts",
			},
			[]string{"result"},
		),

		// Consensus metrics
		blockHeight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "block_height",
				Help:      "Number of blocks applied to the local chain",
			},
		),
		consensusStep: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "consensus_step",
				Help:      "Current consensus step (1 for the active step)",
			},
			[]string{"step"},
		),
		blocksProposed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "blocks_proposed_total",
				Help:      "Total number of blocks proposed by this node",
			},
		),
		blocksCommitted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "blocks_committed_total",
				Help:      "Total number of blocks applied to the local chain",
			},
		),
		blocksRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "blocks_rejected_total",
				Help:      "Total number of received blocks that failed validation",
			},
			[]string{"reason"},
		),
		stalledRounds: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stalled_rounds_total",
				Help:      "Total number of follow timeouts without a block",
			},
		),
		evidence: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "evidence_total",
				Help:      "Total number of equivocation evidence records",
			},
		),
		blockLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "block_apply_seconds",
				Help:      "Time to validate and apply a block",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
			},
		),
		blockSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "block_size_txs",
				Help:      "Number of transactions in the last applied block",
			},
		),

		// Transaction metrics
		mempoolSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "mempool_size",
				Help:      "Number of transactions in the mempool",
			},
		),
		txsReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "txs_received_total",
				Help:      "Total number of transactions admitted to the mempool",
			},
			[]string{"source"},
		),
		txsRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "txs_rejected_total",
				Help:      "Total number of transactions rejected at admission",
			},
			[]string{"reason"},
		),
		txsCommitted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "txs_committed_total",
				Help:      "Total number of transactions in applied blocks",
			},
		),

		// Message metrics
		messagesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_received_total",
				Help:      "Total number of peer messages received",
			},
			[]string{"type"},
		),
		messagesSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_sent_total",
				Help:      "Total number of peer messages sent",
			},
			[]string{"type"},
		),
		messageErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "message_errors_total",
				Help:      "Total number of peer message errors",
			},
			[]string{"type", "error"},
		),
		messageSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "message_size_bytes",
				Help:      "Size of peer messages",
				Buckets:   prometheus.ExponentialBuckets(64, 4, 8),
			},
			[]string{"type"},
		),

		// API metrics
		apiRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "api_requests_total",
				Help:      "Total number of HTTP API requests",
			},
			[]string{"endpoint", "code"},
		),
	}

	m.registerMetrics()
	return m
}

func (m *PrometheusMetrics) registerMetrics() {
	m.registry.MustRegister(
		// Peer metrics
		m.peersConnected,
		m.peerConnections,

		// Consensus metrics
		m.blockHeight,
		m.consensusStep,
		m.blocksProposed,
		m.blocksCommitted,
		m.blocksRejected,
		m.stalledRounds,
		m.evidence,
		m.blockLatency,
		m.blockSize,

		// Transaction metrics
		m.mempoolSize,
		m.txsReceived,
		m.txsRejected,
		m.txsCommitted,

		// Message metrics
		m.messagesReceived,
		m.messagesSent,
		m.messageErrors,
		m.messageSize,

		// API metrics
		m.apiRequests,
	)
}

// Peer metrics implementation

func (m *PrometheusMetrics) SetPeersConnected(count int) {
	m.peersConnected.Set(float64(count))
}

func (m *PrometheusMetrics) IncPeerConnections(result string) {
	m.peerConnections.WithLabelValues(result).Inc()
}

// Consensus metrics implementation

func (m *PrometheusMetrics) SetBlockHeight(height uint64) {
	m.blockHeight.Set(float64(height))
}

func (m *PrometheusMetrics) SetConsensusStep(step string) {
	for _, s := range consensusSteps {
		v := 0.0
		if s == step {
			v = 1
		}
		m.consensusStep.WithLabelValues(s).Set(v)
	}
}

func (m *PrometheusMetrics) IncBlocksProposed() {
	m.blocksProposed.Inc()
}

func (m *PrometheusMetrics) IncBlocksCommitted() {
	m.blocksCommitted.Inc()
}

func (m *PrometheusMetrics) IncBlocksRejected(reason string) {
	m.blocksRejected.WithLabelValues(reason).Inc()
}

func (m *PrometheusMetrics) IncStalledRounds() {
	m.stalledRounds.Inc()
}

func (m *PrometheusMetrics) IncEvidence() {
	m.evidence.Inc()
}

func (m *PrometheusMetrics) ObserveBlockLatency(latency time.Duration) {
	m.blockLatency.Observe(latency.Seconds())
}

func (m *PrometheusMetrics) SetBlockSize(txs int) {
	m.blockSize.Set(float64(txs))
}

// Transaction metrics implementation

func (m *PrometheusMetrics) SetMempoolSize(size int) {
	m.mempoolSize.Set(float64(size))
}

func (m *PrometheusMetrics) IncTxsReceived(source string) {
	m.txsReceived.WithLabelValues(source).Inc()
}

func (m *PrometheusMetrics) IncTxsRejected(reason string) {
	m.txsRejected.WithLabelValues(reason).Inc()
}

func (m *PrometheusMetrics) AddTxsCommitted(count int) {
	m.txsCommitted.Add(float64(count))
}

// Message metrics implementation

func (m *PrometheusMetrics) IncMessagesReceived(msgType string) {
	m.messagesReceived.WithLabelValues(msgType).Inc()
}

func (m *PrometheusMetrics) IncMessagesSent(msgType string) {
	m.messagesSent.WithLabelValues(msgType).Inc()
}

func (m *PrometheusMetrics) IncMessageErrors(msgType, errorType string) {
	m.messageErrors.WithLabelValues(msgType, errorType).Inc()
}

func (m *PrometheusMetrics) ObserveMessageSize(msgType string, size int) {
	m.messageSize.WithLabelValues(msgType).Observe(float64(size))
}

// API metrics implementation

func (m *PrometheusMetrics) IncAPIRequests(endpoint string, code int) {
	m.apiRequests.WithLabelValues(endpoint, strconv.Itoa(code)).Inc()
}

// Registry returns the underlying registry.
func (m *PrometheusMetrics) Registry() *prometheus.Registry {
	return m.registry
}

// HTTPHandler returns an HTTP handler for serving metrics.
func (m *PrometheusMetrics) HTTPHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		Registry: m.registry,
	})
}

var _ Metrics = (*PrometheusMetrics)(nil)
