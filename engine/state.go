package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/blockberries/blockchat/chain"
	"github.com/blockberries/blockchat/evidence"
	"github.com/blockberries/blockchat/logging"
	"github.com/blockberries/blockchat/mempool"
	"github.com/blockberries/blockchat/metrics"
	"github.com/blockberries/blockchat/p2p"
	"github.com/blockberries/blockchat/state"
	"github.com/blockberries/blockchat/types"
)

// ConsensusState runs the round state machine. A single goroutine owns the
// round; peer messages, local transaction notices and timeouts are delivered
// to it over channels.
type ConsensusState struct {
	mu sync.RWMutex

	config *Config

	chain     *chain.Chain
	transport p2p.Transport
	evidence  *evidence.Pool
	peers     *PeerSet
	syncer    *BlockSyncer

	logger  *logging.Logger
	metrics metrics.Metrics

	// Current round
	round      uint64
	step       RoundStep
	leader     *types.Validator
	roundStart time.Time

	timeoutTicker *TimeoutTicker

	// Local transaction notices
	txCh chan struct{}

	// Control
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	started bool
}

// NewConsensusState creates a new ConsensusState
func NewConsensusState(
	config *Config,
	ch *chain.Chain,
	transport p2p.Transport,
	pool *evidence.Pool,
	logger *logging.Logger,
	m metrics.Metrics,
) *ConsensusState {
	peers := NewPeerSet()
	for _, info := range transport.Peers() {
		peers.AddPeer(info.Name)
	}
	cs := &ConsensusState{
		config:        config,
		chain:         ch,
		transport:     transport,
		evidence:      pool,
		peers:         peers,
		logger:        logger,
		metrics:       m,
		timeoutTicker: NewTimeoutTicker(config.Timeouts, logger),
		txCh:          make(chan struct{}, 1),
	}
	cs.syncer = NewBlockSyncer(cs, peers, config.SyncRequestTimeout, config.MaxPendingRequests, logger)
	return cs
}

// Start starts the state machine at the chain's current height
func (cs *ConsensusState) Start() error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.started {
		return ErrAlreadyStarted
	}

	cs.ctx, cs.cancel = context.WithCancel(context.Background())
	cs.started = true

	cs.timeoutTicker.Start()

	cs.wg.Add(1)
	go cs.receiveRoutine()

	return nil
}

// Stop stops the state machine and waits for its goroutine to exit
func (cs *ConsensusState) Stop() error {
	cs.mu.Lock()
	if !cs.started {
		cs.mu.Unlock()
		return ErrNotStarted
	}
	cs.started = false
	cs.mu.Unlock()

	cs.cancel()
	cs.timeoutTicker.Stop()
	cs.wg.Wait()

	return nil
}

// NotifyTx tells the state machine the mempool grew
func (cs *ConsensusState) NotifyTx() {
	select {
	case cs.txCh <- struct{}{}:
	default:
		// a notice is already pending
	}
}

// GetState returns the current round and step
func (cs *ConsensusState) GetState() (round uint64, step RoundStep) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.round, cs.step
}

// Leader returns the leader of the current round
func (cs *ConsensusState) Leader() *types.Validator {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.leader
}

// RequestBlock implements BlockProvider
func (cs *ConsensusState) RequestBlock(peer string, height uint64) error {
	return cs.send(peer, p2p.NewBlockRequestMessage(height))
}

// receiveRoutine is the main event loop
func (cs *ConsensusState) receiveRoutine() {
	defer cs.wg.Done()

	statusTicker := time.NewTicker(cs.config.StatusInterval)
	defer statusTicker.Stop()

	cs.enterRound()
	cs.broadcastStatus()

	for {
		select {
		case <-cs.ctx.Done():
			return

		case env, ok := <-cs.transport.Receive():
			if !ok {
				return
			}
			cs.handleEnvelope(env)

		case <-cs.txCh:
			cs.checkPropose()

		case ti := <-cs.timeoutTicker.Chan():
			cs.handleTimeout(ti)

		case <-statusTicker.C:
			cs.broadcastStatus()
			cs.syncer.Tick(cs.chain.Height())
			cs.drainSync()
		}
	}
}

// enterRound starts the round that produces the block at the current chain
// height. The leader is elected from committed state only.
func (cs *ConsensusState) enterRound() {
	round := cs.chain.Height()
	leader := cs.chain.Leader()

	cs.mu.Lock()
	cs.round = round
	cs.leader = leader
	cs.roundStart = time.Now()
	cs.mu.Unlock()
	cs.setStep(RoundStepIdle)

	cs.evidence.Update(round)

	if cs.chain.IsLeader() {
		cs.setStep(RoundStepLeading)
		cs.logger.Debug("Leading round", logging.Round(round))

		if round == 0 || cs.chain.MempoolSize() >= cs.chain.Capacity() {
			cs.propose(false)
			return
		}
		cs.timeoutTicker.ScheduleTimeout(TimeoutInfo{Round: round, Step: RoundStepLeading})
		return
	}

	cs.setStep(RoundStepFollowing)
	cs.logger.Debug("Following round",
		logging.Round(round),
		"leader", leader.Name,
	)
	cs.timeoutTicker.ScheduleTimeout(TimeoutInfo{Round: round, Step: RoundStepFollowing})
}

func (cs *ConsensusState) setStep(step RoundStep) {
	cs.mu.Lock()
	cs.step = step
	cs.mu.Unlock()
	cs.metrics.SetConsensusStep(step.String())
}

// checkPropose proposes as soon as the mempool can fill a block
func (cs *ConsensusState) checkPropose() {
	_, step := cs.GetState()
	if step != RoundStepLeading {
		return
	}
	if cs.chain.MempoolSize() >= cs.chain.Capacity() {
		cs.propose(false)
	}
}

// propose builds, signs and commits the next block, then broadcasts it.
// With nothing to include the propose timeout is re-armed.
func (cs *ConsensusState) propose(allowEmpty bool) {
	round, _ := cs.GetState()

	block, err := cs.chain.ProposeBlock(cs.ctx, allowEmpty)
	if err != nil {
		if !errors.Is(err, chain.ErrNothingToPropose) {
			cs.logger.Error("Failed to propose block", logging.Round(round), logging.Error(err))
		}
		cs.timeoutTicker.ScheduleTimeout(TimeoutInfo{Round: round, Step: RoundStepLeading})
		return
	}

	cs.metrics.IncBlocksProposed()
	cs.logger.Info("Proposed block",
		logging.Round(round),
		logging.BlockHash(block.Hash.Data),
		logging.Count(len(block.Data.Transactions)),
	)
	cs.broadcast(p2p.NewBlockMessage(block))
	cs.commitRound()
}

// commitRound closes the current round and enters the next one
func (cs *ConsensusState) commitRound() {
	cs.mu.RLock()
	round, started := cs.round, cs.roundStart
	cs.mu.RUnlock()

	cs.setStep(RoundStepCommitted)
	cs.logger.Debug("Round committed",
		logging.Round(round),
		logging.Duration(time.Since(started)),
	)
	cs.syncer.BlockApplied(cs.chain.Height())
	cs.enterRound()
}

func (cs *ConsensusState) handleTimeout(ti TimeoutInfo) {
	round, step := cs.GetState()
	if ti.Round != round || ti.Step != step {
		// stale timeout from a finished round
		return
	}

	switch ti.Step {
	case RoundStepLeading:
		cs.propose(cs.config.CreateEmptyBlocks)

	case RoundStepFollowing:
		leader := cs.Leader()
		if cs.leaderIdle(leader, round, ti.Duration+cs.config.StatusInterval) {
			cs.logger.Debug("Leader idle", logging.Round(round), "leader", leader.Name)
		} else {
			cs.metrics.IncStalledRounds()
			cs.logger.Warn("Round stalled waiting for leader",
				logging.Round(round),
				"leader", leader.Name,
				logging.Duration(ti.Duration),
			)
		}
		// a missed block is recovered through catch-up
		cs.broadcastStatus()
		cs.timeoutTicker.ScheduleTimeout(TimeoutInfo{Round: round, Step: RoundStepFollowing})
	}
}

// leaderIdle reports whether a quiet round is expected: empty blocks are off,
// nothing is pending here, and the leader announced this height within window.
func (cs *ConsensusState) leaderIdle(leader *types.Validator, round uint64, window time.Duration) bool {
	if cs.config.CreateEmptyBlocks || leader == nil || cs.chain.MempoolSize() > 0 {
		return false
	}
	peer := cs.peers.GetPeer(leader.Name)
	if peer == nil {
		return false
	}
	return peer.Height() == round && time.Since(peer.LastSeen()) <= window
}

func (cs *ConsensusState) handleEnvelope(env p2p.Envelope) {
	msg := env.Message
	if msg == nil {
		return
	}

	switch msg.Type {
	case p2p.MsgTypeTransaction:
		cs.handleTransaction(env.From, msg.Tx)
	case p2p.MsgTypeBlock:
		cs.handleBlock(env.From, msg.Block)
	case p2p.MsgTypeStatus:
		cs.handleStatus(env.From, msg.Height, msg.Tip)
	case p2p.MsgTypeBlockRequest:
		cs.handleBlockRequest(env.From, msg.Height)
	case p2p.MsgTypeBlockResponse:
		cs.handleBlockResponse(env.From, msg.Height, msg.Block)
	default:
		cs.logger.Debug("Ignoring message",
			logging.Peer(env.From), logging.MsgType(msg.Type.String()))
	}
}

func (cs *ConsensusState) handleTransaction(from string, tx *types.Transaction) {
	if tx == nil {
		return
	}
	err := cs.chain.SubmitTransaction(cs.ctx, tx)
	switch {
	case err == nil:
		cs.metrics.IncTxsReceived("peer")
		cs.checkPropose()
	case errors.Is(err, mempool.ErrTxAlreadyExists):
	default:
		cs.metrics.IncTxsRejected(TxRejectReason(err))
		cs.logger.Debug("Rejected transaction",
			logging.Peer(from),
			logging.TxHash(tx.Hash.Data),
			logging.Error(err),
		)
	}
}

func (cs *ConsensusState) handleBlock(from string, block *types.Block) {
	if block == nil {
		return
	}
	err := cs.chain.ApplyBlock(cs.ctx, block)
	cs.checkEvidence(from, block)

	switch {
	case err == nil:
		cs.logger.Info("Applied block",
			logging.Peer(from),
			logging.Height(cs.chain.Height()),
			logging.BlockHash(block.Hash.Data),
			logging.Count(len(block.Data.Transactions)),
		)
		cs.commitRound()

	case errors.Is(err, chain.ErrBlockKnown):

	default:
		reason := state.Reason(err)
		cs.metrics.IncBlocksRejected(reason)
		cs.logger.Warn("Rejected block",
			logging.Peer(from),
			logging.BlockHash(block.Hash.Data),
			logging.Reason(reason),
			logging.Error(err),
		)
		if errors.Is(err, state.ErrParentMismatch) {
			// the sender may be ahead of us
			cs.sendStatus(from)
		}
	}
}

// checkEvidence feeds a block built on a known parent to the evidence pool
func (cs *ConsensusState) checkEvidence(from string, block *types.Block) {
	if block.IsGenesis() {
		return
	}
	_, parentHeight, err := cs.chain.BlockByHash(block.Data.ParentHash)
	if err != nil {
		return
	}
	ev, err := cs.evidence.CheckBlock(parentHeight+1, block)
	if err != nil || ev == nil {
		return
	}
	cs.metrics.IncEvidence()
	validator := ev.Validator()
	cs.logger.Error("Validator produced two blocks on one parent",
		logging.Peer(from),
		logging.Height(ev.Height),
		logging.Key("validator", validator.Short()),
		"block_a", types.HashString(ev.BlockA.Hash),
		"block_b", types.HashString(ev.BlockB.Hash),
	)
}

func (cs *ConsensusState) handleStatus(from string, height uint64, tip types.Hash) {
	peer := cs.peers.AddPeer(from)
	peer.ApplyStatus(height, tip)

	ours := cs.chain.Height()
	cs.peers.MarkPeerCatchingUp(from, ours)
	switch {
	case height > ours:
		cs.syncer.Tick(ours)
	case height < ours:
		cs.sendStatus(from)
	}
}

func (cs *ConsensusState) handleBlockRequest(from string, height uint64) {
	block, err := cs.chain.BlockByHeight(height)
	if err != nil {
		block = nil
	}
	cs.send(from, p2p.NewBlockResponseMessage(height, block))
}

func (cs *ConsensusState) handleBlockResponse(from string, height uint64, block *types.Block) {
	if err := cs.syncer.ReceiveBlock(from, height, block); err != nil {
		cs.logger.Debug("Dropping block response", logging.Peer(from), logging.Error(err))
		return
	}
	cs.drainSync()
}

// drainSync applies buffered catch-up blocks in height order
func (cs *ConsensusState) drainSync() {
	applied := false
	for {
		height, block, ok := cs.syncer.NextBlock()
		if !ok {
			break
		}
		err := cs.chain.ApplyBlock(cs.ctx, block)
		if err != nil && !errors.Is(err, chain.ErrBlockKnown) {
			reason := state.Reason(err)
			cs.metrics.IncBlocksRejected(reason)
			cs.logger.Warn("Rejected synced block",
				logging.Height(height),
				logging.Reason(reason),
				logging.Error(err),
			)
			break
		}
		cs.syncer.BlockApplied(cs.chain.Height())
		applied = true
	}
	if applied {
		cs.logger.Info("Caught up to height", logging.Height(cs.chain.Height()))
		cs.commitRound()
	}
}

func (cs *ConsensusState) broadcastStatus() {
	tip := cs.chain.Tip()
	var hash types.Hash
	if tip != nil {
		hash = tip.Hash
	}
	cs.broadcast(p2p.NewStatusMessage(cs.chain.Height(), hash))
}

func (cs *ConsensusState) sendStatus(peer string) {
	tip := cs.chain.Tip()
	var hash types.Hash
	if tip != nil {
		hash = tip.Hash
	}
	cs.send(peer, p2p.NewStatusMessage(cs.chain.Height(), hash))
}

func (cs *ConsensusState) broadcast(msg *p2p.Message) {
	if err := cs.transport.Broadcast(msg); err != nil {
		cs.logger.Debug("Broadcast incomplete",
			logging.MsgType(msg.Type.String()), logging.Error(err))
	}
}

func (cs *ConsensusState) send(peer string, msg *p2p.Message) error {
	err := cs.transport.Send(peer, msg)
	if err != nil {
		cs.logger.Debug("Send failed",
			logging.Peer(peer), logging.MsgType(msg.Type.String()), logging.Error(err))
	}
	return err
}

// TxRejectReason classifies a transaction admission error for metrics
func TxRejectReason(err error) string {
	switch {
	case errors.Is(err, mempool.ErrTxAlreadyExists):
		return "duplicate"
	case errors.Is(err, mempool.ErrMempoolFull):
		return "mempool_full"
	case errors.Is(err, mempool.ErrStaleNonce):
		return "stale_nonce"
	case errors.Is(err, mempool.ErrUnknownSender):
		return "unknown_sender"
	default:
		return state.Reason(err)
	}
}
