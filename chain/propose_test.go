package chain_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/blockberries/blockchat/chain"
	"github.com/blockberries/blockchat/internal/testutil"
	"github.com/blockberries/blockchat/privval"
	"github.com/blockberries/blockchat/wal"
)

// flakyWAL fails the next block writes.
type flakyWAL struct {
	wal.WAL
	failBlocks int
}

func (w *flakyWAL) WriteSync(msg *wal.Message) error {
	if msg.Type == wal.MsgTypeBlock && w.failBlocks > 0 {
		w.failBlocks--
		return errors.New("disk full")
	}
	return w.WAL.WriteSync(msg)
}

// tickingClock returns a clock that advances one second per reading.
func tickingClock() func() time.Time {
	now := time.Unix(1_700_000_000, 0)
	return func() time.Time {
		now = now.Add(time.Second)
		return now
	}
}

func TestProposeRetriesSignedBlockAfterCommitFailure(t *testing.T) {
	g, keys := testutil.Genesis(t, 2, 1000)
	ctx := context.Background()
	w := &flakyWAL{WAL: &wal.NopWAL{}, failBlocks: 1}
	pv := privval.NewMemPV(keys[0])

	c, err := chain.New(g, 4, chain.Options{WAL: w, Signer: pv, Clock: tickingClock()})
	require.NoError(t, err)

	_, err = c.ProposeBlock(ctx, false)
	require.ErrorContains(t, err, "disk full")
	require.Zero(t, c.Height())
	signed := pv.SignedBlock(0)
	require.NotNil(t, signed)

	block, err := c.ProposeBlock(ctx, false)
	require.NoError(t, err)
	require.Equal(t, uint64(1), c.Height())
	require.Equal(t, signed.Hash, block.Hash)
	require.Equal(t, signed.Data.Timestamp, block.Data.Timestamp)
	require.Nil(t, pv.SignedBlock(1))
}

func TestProposeRetriesSignedBlockAfterRestart(t *testing.T) {
	g, keys := testutil.Genesis(t, 2, 1000)
	ctx := context.Background()
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "priv_validator_key.pem")
	statePath := filepath.Join(dir, "priv_validator_state.json")
	require.NoError(t, os.WriteFile(keyPath, keys[0].MarshalPEM(), 0600))

	pv, err := privval.LoadFilePV(keyPath, statePath)
	require.NoError(t, err)
	c, err := chain.New(g, 4, chain.Options{
		WAL:    &flakyWAL{WAL: &wal.NopWAL{}, failBlocks: 1},
		Signer: pv,
		Clock:  tickingClock(),
	})
	require.NoError(t, err)
	_, err = c.ProposeBlock(ctx, false)
	require.ErrorContains(t, err, "disk full")
	lss := pv.LastSignState()

	// the process dies before the block reaches the log
	pv, err = privval.LoadFilePV(keyPath, statePath)
	require.NoError(t, err)
	c, err = chain.New(g, 4, chain.Options{Signer: pv})
	require.NoError(t, err)

	block, err := c.ProposeBlock(ctx, false)
	require.NoError(t, err)
	require.Equal(t, uint64(1), c.Height())
	require.Equal(t, lss.BlockHash, block.Hash)
}
