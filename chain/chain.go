package chain

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/blockberries/blockchat/blockstore"
	"github.com/blockberries/blockchat/logging"
	"github.com/blockberries/blockchat/mempool"
	"github.com/blockberries/blockchat/metrics"
	"github.com/blockberries/blockchat/privval"
	"github.com/blockberries/blockchat/state"
	"github.com/blockberries/blockchat/tracing"
	"github.com/blockberries/blockchat/types"
	"github.com/blockberries/blockchat/wal"
)

// Options configures a Chain. Nil fields select in-memory or no-op defaults.
type Options struct {
	Store  blockstore.BlockStore
	WAL    wal.WAL
	Signer privval.PrivValidator

	// MaxTxs bounds the mempool; <= 0 selects mempool.DefaultMaxTxs.
	MaxTxs int

	Logger  *logging.Logger
	Metrics metrics.Metrics
	Tracer  trace.Tracer

	// Clock stamps proposed blocks. Defaults to time.Now.
	Clock func() time.Time
}

// Chain is the process-wide handle on the ledger. Mutations hold the write
// lock for their whole duration; queries hold the read lock and only ever
// observe committed state.
type Chain struct {
	mu sync.RWMutex

	state   *state.State
	tip     *types.Block
	mempool *mempool.Mempool
	inbox   *inbox

	store  blockstore.BlockStore
	wal    wal.WAL
	signer privval.PrivValidator

	logger  *logging.Logger
	metrics metrics.Metrics
	tracer  trace.Tracer
	clock   func() time.Time

	lastCommit time.Time
}

// New creates a chain positioned before genesis. Call Recover to restore
// persisted blocks before use.
func New(genesis *state.Genesis, capacity int, opts Options) (*Chain, error) {
	st, err := state.NewState(genesis, capacity)
	if err != nil {
		return nil, err
	}

	c := &Chain{
		state:   st,
		mempool: mempool.New(opts.MaxTxs),
		inbox:   newInbox(),
		store:   opts.Store,
		wal:     opts.WAL,
		signer:  opts.Signer,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		tracer:  opts.Tracer,
		clock:   opts.Clock,
	}
	if c.store == nil {
		c.store = blockstore.NewMemoryBlockStore()
	}
	if c.wal == nil {
		c.wal = &wal.NopWAL{}
	}
	if c.logger == nil {
		c.logger = logging.NewNopLogger()
	}
	if c.metrics == nil {
		c.metrics = metrics.NewNopMetrics()
	}
	if c.tracer == nil {
		c.tracer = tracing.Tracer(nil)
	}
	if c.clock == nil {
		c.clock = time.Now
	}
	c.logger = c.logger.WithComponent("chain")
	return c, nil
}

// SubmitTransaction admits a transaction to the mempool. The transaction is
// recorded in the WAL so it survives a restart.
func (c *Chain) SubmitTransaction(ctx context.Context, tx *types.Transaction) error {
	_, span := c.tracer.Start(ctx, "chain.SubmitTransaction")
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.submitLocked(tx); err != nil {
		recordError(span, err)
		return err
	}
	return nil
}

func (c *Chain) submitLocked(tx *types.Transaction) error {
	if err := c.mempool.Submit(tx, c.state); err != nil {
		return err
	}
	c.logTxLocked(tx)
	c.metrics.SetMempoolSize(c.mempool.Size())
	return nil
}

// CreateTransaction builds, signs and submits a transaction from the local
// peer. The nonce is one past the highest of the last applied nonce and any
// nonce still pending in the mempool.
func (c *Chain) CreateTransaction(ctx context.Context, kind types.TxKind) (*types.Transaction, error) {
	_, span := c.tracer.Start(ctx, "chain.CreateTransaction",
		trace.WithAttributes(attribute.String("kind", kind.Type.String())))
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.signer == nil {
		return nil, ErrNoSigner
	}
	sender := c.signer.GetPubKey()
	nonce := max(c.state.Account(sender).Nonce, c.mempool.HighestNonce(sender)) + 1

	tx := types.NewTransaction(sender, kind, nonce)
	if err := c.signer.SignTransaction(tx); err != nil {
		recordError(span, err)
		return nil, fmt.Errorf("sign transaction: %w", err)
	}
	if err := c.submitLocked(tx); err != nil {
		recordError(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.Int64("nonce", int64(nonce)))
	return tx.Copy(), nil
}

// ApplyBlock validates a block received from a peer and commits it.
// A rejected block leaves the chain unchanged.
func (c *Chain) ApplyBlock(ctx context.Context, block *types.Block) error {
	_, span := c.tracer.Start(ctx, "chain.ApplyBlock",
		trace.WithAttributes(attribute.Int("txs", len(block.Data.Transactions))))
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.knownLocked(block) {
		return ErrBlockKnown
	}
	next, err := c.state.ApplyBlock(block)
	if err != nil {
		recordError(span, err)
		return err
	}
	if err := c.commitLocked(block, next, true); err != nil {
		recordError(span, err)
		return err
	}
	span.SetAttributes(attribute.Int64("height", int64(next.Height())))
	return nil
}

// ProposeBlock builds the next block when the local peer is the leader,
// signs it and commits it. Before genesis the block is the genesis block.
// Otherwise it carries up to Capacity transactions from the mempool; with
// none available it fails with ErrNothingToPropose unless allowEmpty is set.
func (c *Chain) ProposeBlock(ctx context.Context, allowEmpty bool) (*types.Block, error) {
	_, span := c.tracer.Start(ctx, "chain.ProposeBlock")
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()

	block, err := c.proposeLocked(allowEmpty)
	if err != nil {
		if !errors.Is(err, ErrNothingToPropose) {
			recordError(span, err)
		}
		return nil, err
	}
	span.SetAttributes(
		attribute.Int64("height", int64(c.state.Height())),
		attribute.Int("txs", len(block.Data.Transactions)),
	)
	return block.Copy(), nil
}

func (c *Chain) proposeLocked(allowEmpty bool) (*types.Block, error) {
	if c.signer == nil {
		return nil, ErrNoSigner
	}
	self := c.signer.GetPubKey()
	if leader := c.state.Leader(); !types.PublicKeyEqual(leader.PublicKey, self) {
		return nil, fmt.Errorf("%w: leader is %s", ErrNotLeader, leader.Name)
	}

	round := c.state.Height()
	if block := c.signer.SignedBlock(round); block != nil {
		// signed earlier but never committed
		c.logger.Info("Re-proposing signed block", logging.Height(round+1), logging.BlockHash(block.Hash.Data))
		return c.commitProposalLocked(block)
	}
	timestamp := c.clock().UnixNano()

	var block *types.Block
	if round == 0 {
		b, err := c.state.Genesis().NewBlock(timestamp)
		if err != nil {
			return nil, err
		}
		block = b
	} else {
		txs := c.mempool.Reap(c.state.Capacity(), c.state)
		if len(txs) == 0 && !allowEmpty {
			c.metrics.SetMempoolSize(c.mempool.Size())
			return nil, ErrNothingToPropose
		}
		block = types.NewBlock(timestamp, txs, self, c.state.Tip())
	}

	if err := c.signer.SignBlock(round, block); err != nil {
		return nil, fmt.Errorf("sign block: %w", err)
	}
	return c.commitProposalLocked(block)
}

func (c *Chain) commitProposalLocked(block *types.Block) (*types.Block, error) {
	next, err := c.state.ApplyBlock(block)
	if err != nil {
		return nil, fmt.Errorf("apply own block: %w", err)
	}
	if err := c.commitLocked(block, next, true); err != nil {
		return nil, err
	}
	return block, nil
}

// knownLocked reports whether block is already part of the chain.
func (c *Chain) knownLocked(block *types.Block) bool {
	if len(block.Hash.Data) == 0 {
		return false
	}
	if c.tip != nil && types.HashEqual(c.tip.Hash, block.Hash) {
		return true
	}
	_, _, err := c.store.LoadBlockByHash(block.Hash.Data)
	return err == nil
}

// commitLocked persists an already validated block and publishes next.
// With logBlock set the block is written to the WAL before it is stored.
func (c *Chain) commitLocked(block *types.Block, next *state.State, logBlock bool) error {
	height := next.Height()

	if logBlock {
		msg, err := wal.NewBlockMessage(height, block)
		if err != nil {
			return err
		}
		if err := c.wal.WriteSync(msg); err != nil {
			return fmt.Errorf("write block to WAL: %w", err)
		}
	}
	if err := blockstore.SaveTypedBlock(c.store, height, block); err != nil {
		return fmt.Errorf("save block %d: %w", height, err)
	}

	c.publishLocked(block, next)

	if err := c.wal.WriteSync(wal.NewEndHeightMessage(height)); err != nil {
		c.logger.Warn("failed to write end height to WAL", logging.Height(height), logging.Error(err))
	}
	c.relogPendingLocked()
	if err := c.wal.Checkpoint(height - 1); err != nil {
		c.logger.Warn("failed to checkpoint WAL", logging.Height(height), logging.Error(err))
	}

	now := c.clock()
	if !c.lastCommit.IsZero() {
		c.metrics.ObserveBlockLatency(now.Sub(c.lastCommit))
	}
	c.lastCommit = now

	c.metrics.SetBlockHeight(height)
	c.metrics.IncBlocksCommitted()
	c.metrics.AddTxsCommitted(len(block.Data.Transactions))
	c.metrics.SetBlockSize(len(block.Data.Transactions))

	c.logger.Info("Committed block",
		logging.Height(height),
		logging.BlockHash(block.Hash.Data),
		logging.Count(len(block.Data.Transactions)),
		logging.Key("validator", block.Data.Validator.Short()),
	)
	return nil
}

// publishLocked swaps in the new state and updates the derived indexes.
func (c *Chain) publishLocked(block *types.Block, next *state.State) {
	c.state = next
	c.tip = block.Copy()
	c.inbox.addBlock(next.Height(), block)
	c.mempool.Update(next, block.Data.Transactions)
	c.metrics.SetMempoolSize(c.mempool.Size())
}

func (c *Chain) logTxLocked(tx *types.Transaction) {
	msg, err := wal.NewTxMessage(c.state.Height(), tx)
	if err == nil {
		err = c.wal.Write(msg)
	}
	if err != nil {
		c.logger.Warn("failed to write transaction to WAL", logging.TxHash(tx.Hash.Data), logging.Error(err))
	}
}

// relogPendingLocked copies the pending pool after the newest end-height
// marker, so recovery only has to read past the last stored height.
func (c *Chain) relogPendingLocked() {
	pending := c.mempool.Txs()
	if len(pending) == 0 {
		return
	}
	for _, tx := range pending {
		c.logTxLocked(tx)
	}
	if err := c.wal.FlushAndSync(); err != nil {
		c.logger.Warn("failed to sync WAL", logging.Error(err))
	}
}

// State returns the committed ledger state. States are immutable.
func (c *Chain) State() *state.State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Height returns the number of committed blocks.
func (c *Chain) Height() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.Height()
}

// Capacity returns the per-block transaction quota.
func (c *Chain) Capacity() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.Capacity()
}

// PublicKey returns the local peer's key, or an empty key without a signer.
func (c *Chain) PublicKey() types.PublicKey {
	if c.signer == nil {
		return types.PublicKey{}
	}
	return c.signer.GetPubKey()
}

// Leader returns the validator elected for the next round.
func (c *Chain) Leader() *types.Validator {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.Leader()
}

// IsLeader reports whether the local peer leads the next round.
func (c *Chain) IsLeader() bool {
	if c.signer == nil {
		return false
	}
	return types.PublicKeyEqual(c.Leader().PublicKey, c.signer.GetPubKey())
}

// Tip returns a copy of the last committed block, or nil before genesis.
func (c *Chain) Tip() *types.Block {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tip.Copy()
}

// BlockByHash returns a committed block and its height.
func (c *Chain) BlockByHash(hash types.Hash) (*types.Block, uint64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	height, block, err := blockstore.LoadTypedBlockByHash(c.store, hash)
	if errors.Is(err, blockstore.ErrBlockNotFound) {
		return nil, 0, fmt.Errorf("%w: %s", ErrBlockNotFound, types.HashString(hash))
	}
	if err != nil {
		return nil, 0, err
	}
	return block, height, nil
}

// BlockByHeight returns the committed block at height, starting at 1 for genesis.
func (c *Chain) BlockByHeight(height uint64) (*types.Block, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	block, err := blockstore.LoadTypedBlock(c.store, height)
	if errors.Is(err, blockstore.ErrBlockNotFound) {
		return nil, fmt.Errorf("%w: height %d", ErrBlockNotFound, height)
	}
	return block, err
}

// Account returns the committed account of pk.
func (c *Chain) Account(pk types.PublicKey) types.Account {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.Account(pk)
}

// Inbox returns the committed messages addressed to pk, oldest first.
func (c *Chain) Inbox(pk types.PublicKey) []Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.inbox.messages(pk)
}

// MempoolSize returns the number of pending transactions.
func (c *Chain) MempoolSize() int {
	return c.mempool.Size()
}

// PendingTransactions returns the pending transactions in arrival order.
func (c *Chain) PendingTransactions() []*types.Transaction {
	return c.mempool.Txs()
}

// Status summarizes the chain for the info endpoint and logs.
type Status struct {
	Height      uint64
	Tip         types.Hash
	Leader      *types.Validator
	Capacity    int
	MempoolSize int
	TotalSupply uint64
	Accounts    int
	Validators  *types.ValidatorSet
}

// Status returns a consistent snapshot of the chain.
func (c *Chain) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Status{
		Height:      c.state.Height(),
		Tip:         c.state.Tip(),
		Leader:      c.state.Leader(),
		Capacity:    c.state.Capacity(),
		MempoolSize: c.mempool.Size(),
		TotalSupply: c.state.TotalSupply(),
		Accounts:    c.state.NumAccounts(),
		Validators:  c.state.Validators(),
	}
}

func recordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
