package metrics

import (
	"time"
)

// NopMetrics is a no-op implementation of the Metrics interface.
// Use this when metrics collection is disabled.
type NopMetrics struct{}

// NewNopMetrics creates a new NopMetrics instance.
func NewNopMetrics() *NopMetrics {
	return &NopMetrics{}
}

// Peer metrics (no-op)

func (m *NopMetrics) SetPeersConnected(count int)      {}
func (m *NopMetrics) IncPeerConnections(result string) {}

// Consensus metrics (no-op)

func (m *NopMetrics) SetBlockHeight(height uint64)              {}
func (m *NopMetrics) SetConsensusStep(step string)              {}
func (m *NopMetrics) IncBlocksProposed()                        {}
func (m *NopMetrics) IncBlocksCommitted()                       {}
func (m *NopMetrics) IncBlocksRejected(reason string)           {}
func (m *NopMetrics) IncStalledRounds()                         {}
func (m *NopMetrics) IncEvidence()                              {}
func (m *NopMetrics) ObserveBlockLatency(latency time.Duration) {}
func (m *NopMetrics) SetBlockSize(txs int)                      {}

// Transaction metrics (no-op)

func (m *NopMetrics) SetMempoolSize(size int)      {}
func (m *NopMetrics) IncTxsReceived(source string) {}
func (m *NopMetrics) IncTxsRejected(reason string) {}
func (m *NopMetrics) AddTxsCommitted(count int)    {}

// Message metrics (no-op)

func (m *NopMetrics) IncMessagesReceived(msgType string)          {}
func (m *NopMetrics) IncMessagesSent(msgType string)              {}
func (m *NopMetrics) IncMessageErrors(msgType, errorType string)  {}
func (m *NopMetrics) ObserveMessageSize(msgType string, size int) {}

// API metrics (no-op)

func (m *NopMetrics) IncAPIRequests(endpoint string, code int) {}

var _ Metrics = (*NopMetrics)(nil)
