package chain

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.opentelemetry.io/otel/attribute"

	"github.com/blockberries/blockchat/blockstore"
	"github.com/blockberries/blockchat/logging"
	"github.com/blockberries/blockchat/wal"
)

// Errors for recovery
var (
	ErrReplayFailed     = errors.New("WAL replay failed")
	ErrAlreadyRecovered = errors.New("chain already holds blocks")
)

// ReplayResult contains the result of Recover
type ReplayResult struct {
	// Height we recovered to
	Height uint64
	// Blocks re-applied from the block store
	BlocksLoaded int
	// Blocks committed from the WAL that never reached the block store
	BlocksReplayed int
	// Pending transactions returned to the mempool
	TxsReplayed int
	// Number of WAL messages read
	MessagesReplayed int
	// Whether the WAL held an end-height marker for the stored height
	FoundEndHeight bool
}

// Recover rebuilds the chain from the block store, re-verifying every block,
// then replays the WAL past the last stored height: a block logged but not
// stored is committed and logged transactions are resubmitted.
func (c *Chain) Recover(ctx context.Context) (*ReplayResult, error) {
	_, span := c.tracer.Start(ctx, "chain.Recover")
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Height() != 0 {
		return nil, ErrAlreadyRecovered
	}

	result := &ReplayResult{}
	if err := c.loadStoreLocked(result); err != nil {
		recordError(span, err)
		return nil, err
	}
	if err := c.replayWALLocked(result); err != nil {
		recordError(span, err)
		return nil, err
	}
	result.Height = c.state.Height()

	c.metrics.SetBlockHeight(result.Height)
	c.metrics.SetMempoolSize(c.mempool.Size())
	span.SetAttributes(
		attribute.Int64("height", int64(result.Height)),
		attribute.Int("blocks_replayed", result.BlocksReplayed),
		attribute.Int("txs_replayed", result.TxsReplayed),
	)
	c.logger.Info("Recovered chain",
		logging.Height(result.Height),
		logging.Count(result.BlocksLoaded),
		"blocks_replayed", result.BlocksReplayed,
		"txs_replayed", result.TxsReplayed,
	)
	return result, nil
}

func (c *Chain) loadStoreLocked(result *ReplayResult) error {
	stored := c.store.Height()
	for h := uint64(1); h <= stored; h++ {
		block, err := blockstore.LoadTypedBlock(c.store, h)
		if err != nil {
			return fmt.Errorf("load block %d: %w", h, err)
		}
		next, err := c.state.ApplyBlock(block)
		if err != nil {
			if h == 1 {
				return fmt.Errorf("%w: %v", ErrGenesisMismatch, err)
			}
			return fmt.Errorf("stored block %d: %w", h, err)
		}
		c.publishLocked(block, next)
		result.BlocksLoaded++
	}
	return nil
}

func (c *Chain) replayWALLocked(result *ReplayResult) error {
	height := c.state.Height()

	reader, found, err := c.wal.SearchForEndHeight(height)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrReplayFailed, err)
	}
	if !found {
		if height == 0 {
			// fresh log: mark the start so later records can be found
			return c.wal.WriteSync(wal.NewEndHeightMessage(0))
		}
		c.logger.Warn("No WAL marker for stored height", logging.Height(height))
		return nil
	}
	defer reader.Close()
	result.FoundEndHeight = true

	for {
		msg, err := reader.Read()
		if err == io.EOF || errors.Is(err, io.ErrUnexpectedEOF) {
			// a torn final record is an interrupted write
			break
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrReplayFailed, err)
		}
		result.MessagesReplayed++

		if err := c.replayMessageLocked(msg, result); err != nil {
			return err
		}
	}
	return nil
}

func (c *Chain) replayMessageLocked(msg *wal.Message, result *ReplayResult) error {
	switch msg.Type {
	case wal.MsgTypeBlock:
		// only the block that was about to be stored is missing
		if msg.Height != c.state.Height()+1 {
			return nil
		}
		block, err := wal.DecodeBlock(msg)
		if err != nil {
			return fmt.Errorf("%w: decode block: %v", ErrReplayFailed, err)
		}
		next, err := c.state.ApplyBlock(block)
		if err != nil {
			c.logger.Warn("Skipping invalid block in WAL",
				logging.Height(msg.Height), logging.Error(err))
			return nil
		}
		if err := c.commitLocked(block, next, false); err != nil {
			return err
		}
		result.BlocksReplayed++

	case wal.MsgTypeTx:
		tx, err := wal.DecodeTx(msg)
		if err != nil {
			return fmt.Errorf("%w: decode tx: %v", ErrReplayFailed, err)
		}
		// stale and duplicate entries are expected after relogging
		if err := c.mempool.Submit(tx, c.state); err == nil {
			result.TxsReplayed++
		}

	case wal.MsgTypeEndHeight:
		// markers are only used for searching

	default:
		// Unknown message types are ignored for forward compatibility
	}
	return nil
}
