package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/blockberries/blockchat/chain"
	"github.com/blockberries/blockchat/evidence"
	"github.com/blockberries/blockchat/logging"
	"github.com/blockberries/blockchat/metrics"
	"github.com/blockberries/blockchat/p2p"
	"github.com/blockberries/blockchat/types"
)

// Engine drives a chain.Chain through rounds over a p2p.Transport
type Engine struct {
	mu sync.RWMutex

	config *Config

	// Components
	chain     *chain.Chain
	transport p2p.Transport
	evidence  *evidence.Pool
	state     *ConsensusState

	logger  *logging.Logger
	metrics metrics.Metrics

	started bool
}

// NewEngine creates a new engine. A nil pool gets a default evidence pool.
func NewEngine(
	config *Config,
	ch *chain.Chain,
	transport p2p.Transport,
	pool *evidence.Pool,
) *Engine {
	if pool == nil {
		pool = evidence.NewPool(evidence.DefaultConfig())
	}
	return &Engine{
		config:    config,
		chain:     ch,
		transport: transport,
		evidence:  pool,
		logger:    logging.NewNopLogger(),
		metrics:   metrics.NewNopMetrics(),
	}
}

// SetLogger sets the logger. Must be called before Start.
func (e *Engine) SetLogger(logger *logging.Logger) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.logger = logger.WithComponent("engine")
}

// SetMetrics sets the metrics sink. Must be called before Start.
func (e *Engine) SetMetrics(m metrics.Metrics) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.metrics = m
}

// Start starts the round state machine
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return ErrAlreadyStarted
	}
	if err := e.config.ValidateBasic(); err != nil {
		return err
	}

	e.state = NewConsensusState(e.config, e.chain, e.transport, e.evidence, e.logger, e.metrics)
	if err := e.state.Start(); err != nil {
		return fmt.Errorf("failed to start consensus state: %w", err)
	}

	e.logger.Info("Engine started",
		logging.Height(e.chain.Height()),
		"capacity", e.chain.Capacity(),
	)
	e.started = true
	return nil
}

// Stop stops the engine
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.started {
		return ErrNotStarted
	}
	e.started = false

	if err := e.state.Stop(); err != nil {
		return fmt.Errorf("failed to stop consensus state: %w", err)
	}
	return nil
}

// CreateTransaction creates and signs a transaction from the local peer,
// admits it to the mempool and broadcasts it.
func (e *Engine) CreateTransaction(ctx context.Context, kind types.TxKind) (*types.Transaction, error) {
	tx, err := e.chain.CreateTransaction(ctx, kind)
	if err != nil {
		e.metrics.IncTxsRejected(TxRejectReason(err))
		return nil, err
	}
	e.metrics.IncTxsReceived("local")

	if err := e.transport.Broadcast(p2p.NewTransactionMessage(tx)); err != nil {
		e.logger.Debug("Transaction broadcast incomplete",
			logging.TxHash(tx.Hash.Data), logging.Error(err))
	}

	e.mu.RLock()
	st := e.state
	e.mu.RUnlock()
	if st != nil {
		st.NotifyTx()
	}
	return tx, nil
}

// Chain returns the chain the engine drives
func (e *Engine) Chain() *chain.Chain {
	return e.chain
}

// GetState returns the current round and step
func (e *Engine) GetState() (round uint64, step RoundStep, err error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if !e.started {
		return 0, 0, ErrNotStarted
	}

	round, step = e.state.GetState()
	return round, step, nil
}

// PeerStatus describes a configured peer
type PeerStatus struct {
	Name      string
	Address   string
	Connected bool
	Height    uint64
	// Behind is set when the peer's last status was below our height.
	Behind   bool
	LastSeen time.Time
}

// Peers returns the configured peers with their connection state and last
// announced height.
func (e *Engine) Peers() []PeerStatus {
	e.mu.RLock()
	st := e.state
	e.mu.RUnlock()

	infos := e.transport.Peers()
	out := make([]PeerStatus, len(infos))
	for i, info := range infos {
		out[i] = PeerStatus{
			Name:      info.Name,
			Address:   info.Address,
			Connected: info.Connected,
		}
		if st == nil {
			continue
		}
		if peer := st.peers.GetPeer(info.Name); peer != nil {
			out[i].Height = peer.Height()
			out[i].Behind = peer.IsCatchingUp()
			out[i].LastSeen = peer.LastSeen()
		}
	}
	return out
}

// SyncStatus returns catch-up progress
func (e *Engine) SyncStatus() (SyncStatus, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if !e.started {
		return SyncStatus{}, ErrNotStarted
	}
	return e.state.syncer.Status(), nil
}

// Evidence returns the equivocation evidence collected so far, limited to
// validator unless it is empty.
func (e *Engine) Evidence(validator types.PublicKey) []*evidence.DuplicateBlockEvidence {
	if validator.IsEmpty() {
		return e.evidence.List()
	}
	return e.evidence.ByValidator(validator)
}

// Metrics holds a snapshot of engine state
type Metrics struct {
	Height      uint64
	Round       uint64
	Step        string
	Validators  int
	TotalStake  uint64
	IsLeader    bool
	LeaderName  string
	MempoolSize int
}

// GetMetrics returns current engine metrics
func (e *Engine) GetMetrics() (*Metrics, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if !e.started {
		return nil, ErrNotStarted
	}

	round, step := e.state.GetState()
	status := e.chain.Status()

	leaderName := ""
	if leader := e.state.Leader(); leader != nil {
		leaderName = leader.Name
	}

	return &Metrics{
		Height:      status.Height,
		Round:       round,
		Step:        step.String(),
		Validators:  status.Validators.Size(),
		TotalStake:  status.Validators.TotalStake,
		IsLeader:    e.chain.IsLeader(),
		LeaderName:  leaderName,
		MempoolSize: status.MempoolSize,
	}, nil
}
