package chain_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blockberries/blockchat/blockstore"
	"github.com/blockberries/blockchat/chain"
	"github.com/blockberries/blockchat/internal/testutil"
	"github.com/blockberries/blockchat/privval"
	"github.com/blockberries/blockchat/state"
	"github.com/blockberries/blockchat/types"
	"github.com/blockberries/blockchat/wal"
)

type restartable struct {
	genesis *state.Genesis
	keys    []*types.PrivateKey
	store   blockstore.BlockStore
	walDir  string
}

func newRestartable(t *testing.T) *restartable {
	g, keys := testutil.Genesis(t, 2, 1000)
	return &restartable{
		genesis: g,
		keys:    keys,
		store:   blockstore.NewMemoryBlockStore(),
		walDir:  t.TempDir(),
	}
}

// open starts a node process on the shared store and WAL directory.
func (r *restartable) open(t *testing.T) (*chain.Chain, *wal.FileWAL) {
	t.Helper()
	w, err := wal.NewFileWAL(r.walDir)
	require.NoError(t, err)
	require.NoError(t, w.Start())

	c, err := chain.New(r.genesis, 4, chain.Options{
		Store:  r.store,
		WAL:    w,
		Signer: privval.NewMemPV(r.keys[0]),
	})
	require.NoError(t, err)
	return c, w
}

func TestRecoverFreshChain(t *testing.T) {
	r := newRestartable(t)
	c, w := r.open(t)
	defer w.Stop()

	res, err := c.Recover(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(0), res.Height)
	require.False(t, res.FoundEndHeight)
	require.Equal(t, uint64(0), c.Height())
}

func TestRecoverFromStoreAndWAL(t *testing.T) {
	r := newRestartable(t)
	ctx := context.Background()
	a, b := r.keys[0], r.keys[1]

	c1, w1 := r.open(t)
	_, err := c1.Recover(ctx)
	require.NoError(t, err)
	_, err = c1.ProposeBlock(ctx, false)
	require.NoError(t, err)

	committed := testutil.Tx(t, b, types.MessageKind("before", a.PublicKey()), 1)
	require.NoError(t, c1.ApplyBlock(ctx, testutil.LeaderBlock(t, c1.State(), r.keys, committed)))

	pending := testutil.Tx(t, b, types.CoinKind(5, a.PublicKey()), 2)
	require.NoError(t, c1.SubmitTransaction(ctx, pending))
	require.NoError(t, w1.Stop())

	c2, w2 := r.open(t)
	defer w2.Stop()

	res, err := c2.Recover(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(2), res.Height)
	require.Equal(t, 2, res.BlocksLoaded)
	require.Equal(t, 0, res.BlocksReplayed)
	require.True(t, res.FoundEndHeight)
	require.Equal(t, 1, res.TxsReplayed)

	require.Equal(t, 1, c2.MempoolSize())
	require.Equal(t, uint64(1), c2.Account(b.PublicKey()).Nonce)
	require.Len(t, c2.Inbox(a.PublicKey()), 1)

	_, err = c2.Recover(ctx)
	require.ErrorIs(t, err, chain.ErrAlreadyRecovered)
}

func TestRecoverBlockMissingFromStore(t *testing.T) {
	r := newRestartable(t)
	ctx := context.Background()
	a, b := r.keys[0], r.keys[1]

	c1, w1 := r.open(t)
	_, err := c1.Recover(ctx)
	require.NoError(t, err)
	_, err = c1.ProposeBlock(ctx, false)
	require.NoError(t, err)

	// simulate a crash after the block was logged but before it was stored
	tx := testutil.Tx(t, b, types.CoinKind(30, a.PublicKey()), 1)
	block := testutil.LeaderBlock(t, c1.State(), r.keys, tx)
	msg, err := wal.NewBlockMessage(2, block)
	require.NoError(t, err)
	require.NoError(t, w1.WriteSync(msg))
	require.NoError(t, w1.Stop())
	require.Equal(t, uint64(1), r.store.Height())

	c2, w2 := r.open(t)
	defer w2.Stop()

	res, err := c2.Recover(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.BlocksReplayed)
	require.Equal(t, uint64(2), res.Height)
	require.Equal(t, uint64(2), r.store.Height())
	require.Equal(t, uint64(970), c2.Account(b.PublicKey()).Balance)
	require.True(t, types.HashEqual(block.Hash, c2.Tip().Hash))
}

func TestRecoverGenesisMismatch(t *testing.T) {
	r := newRestartable(t)
	ctx := context.Background()

	c1, w1 := r.open(t)
	_, err := c1.Recover(ctx)
	require.NoError(t, err)
	_, err = c1.ProposeBlock(ctx, false)
	require.NoError(t, err)
	require.NoError(t, w1.Stop())

	other := *r.genesis
	other.InitialBalance = 500
	c2, err := chain.New(&other, 4, chain.Options{Store: r.store})
	require.NoError(t, err)

	_, err = c2.Recover(ctx)
	require.ErrorIs(t, err, chain.ErrGenesisMismatch)
}
