// Package metrics defines the node's instrumentation surface with a
// Prometheus implementation and a no-op implementation.
package metrics

import "time"

// Metrics is implemented by PrometheusMetrics and NopMetrics.
type Metrics interface {
	// Peer metrics
	SetPeersConnected(count int)
	IncPeerConnections(result string)

	// Consensus metrics
	SetBlockHeight(height uint64)
	SetConsensusStep(step string)
	IncBlocksProposed()
	IncBlocksCommitted()
	IncBlocksRejected(reason string)
	IncStalledRounds()
	IncEvidence()
	ObserveBlockLatency(latency time.Duration)
	SetBlockSize(txs int)

	// Transaction metrics
	SetMempoolSize(size int)
	IncTxsReceived(source string)
	IncTxsRejected(reason string)
	AddTxsCommitted(count int)

	// Message metrics
	IncMessagesReceived(msgType string)
	IncMessagesSent(msgType string)
	IncMessageErrors(msgType, errorType string)
	ObserveMessageSize(msgType string, size int)

	// API metrics
	IncAPIRequests(endpoint string, code int)
}
