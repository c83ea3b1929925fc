package mempool_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blockberries/blockchat/internal/testutil"
	"github.com/blockberries/blockchat/mempool"
	"github.com/blockberries/blockchat/state"
	"github.com/blockberries/blockchat/types"
)

func TestSubmitPreChecks(t *testing.T) {
	st, keys := testutil.InitializedState(t, 3, 1000, 4)
	a, b := keys[1], keys[2]
	mp := mempool.New(0)

	tx := testutil.Tx(t, a, types.CoinKind(10, b.PublicKey()), 1)
	require.NoError(t, mp.Submit(tx, st))
	require.Equal(t, 1, mp.Size())
	require.True(t, mp.Has(tx.Key()))

	// Duplicate (sender, nonce), even with different contents
	dup := testutil.Tx(t, a, types.CoinKind(11, b.PublicKey()), 1)
	require.ErrorIs(t, mp.Submit(dup, st), mempool.ErrTxAlreadyExists)

	// Bad signature
	bad := testutil.Tx(t, a, types.CoinKind(10, b.PublicKey()), 2)
	bad.Signature.Data[5] ^= 0x01
	require.ErrorIs(t, mp.Submit(bad, st), types.ErrInvalidTxSignature)

	// Tampered contents
	tampered := testutil.Tx(t, a, types.CoinKind(10, b.PublicKey()), 2)
	tampered.Kind.Amount = 500
	require.ErrorIs(t, mp.Submit(tampered, st), types.ErrInvalidTxHash)

	// Unknown sender
	outsider := testutil.Key(t, 6)
	require.ErrorIs(t, mp.Submit(testutil.Tx(t, outsider, types.StakeKind(1), 1), st), mempool.ErrUnknownSender)

	// Mint
	require.ErrorIs(t, mp.Submit(types.NewMintTransaction(a.PublicKey(), 1), st), state.ErrMintOutsideGenesis)

	require.Equal(t, 1, mp.Size())
}

func TestSubmitStaleNonce(t *testing.T) {
	st, keys := testutil.InitializedState(t, 3, 1000, 4)
	a := keys[1]

	st, err := st.ApplyBlock(testutil.LeaderBlock(t, st, keys, testutil.Tx(t, a, types.StakeKind(1), 1)))
	require.NoError(t, err)

	mp := mempool.New(0)
	require.ErrorIs(t, mp.Submit(testutil.Tx(t, a, types.StakeKind(1), 1), st), mempool.ErrStaleNonce)
	require.NoError(t, mp.Submit(testutil.Tx(t, a, types.StakeKind(1), 2), st))
}

func TestSubmitFull(t *testing.T) {
	st, keys := testutil.InitializedState(t, 3, 1000, 4)
	a := keys[1]
	mp := mempool.New(2)

	require.NoError(t, mp.Submit(testutil.Tx(t, a, types.StakeKind(1), 1), st))
	require.NoError(t, mp.Submit(testutil.Tx(t, a, types.StakeKind(1), 2), st))
	require.ErrorIs(t, mp.Submit(testutil.Tx(t, a, types.StakeKind(1), 3), st), mempool.ErrMempoolFull)
}

func TestReapOrdersByNonceAcrossArrival(t *testing.T) {
	st, keys := testutil.InitializedState(t, 3, 1000, 10)
	a, b := keys[1], keys[2]
	mp := mempool.New(0)

	// nonce 2 arrives before nonce 1
	tx2 := testutil.Tx(t, a, types.CoinKind(2, b.PublicKey()), 2)
	tx1 := testutil.Tx(t, a, types.CoinKind(1, b.PublicKey()), 1)
	txb := testutil.Tx(t, b, types.StakeKind(5), 1)
	require.NoError(t, mp.Submit(tx2, st))
	require.NoError(t, mp.Submit(txb, st))
	require.NoError(t, mp.Submit(tx1, st))

	reaped := mp.Reap(10, st)
	require.Len(t, reaped, 3)

	// Reaped set applies in order
	_, err := st.ApplyBlock(testutil.LeaderBlock(t, st, keys, reaped...))
	require.NoError(t, err)

	// Still pooled until committed
	require.Equal(t, 3, mp.Size())
}

func TestReapSkipsGap(t *testing.T) {
	st, keys := testutil.InitializedState(t, 3, 1000, 10)
	a := keys[1]
	mp := mempool.New(0)

	require.NoError(t, mp.Submit(testutil.Tx(t, a, types.StakeKind(1), 1), st))
	require.NoError(t, mp.Submit(testutil.Tx(t, a, types.StakeKind(1), 3), st))

	reaped := mp.Reap(10, st)
	require.Len(t, reaped, 1)
	require.Equal(t, uint64(1), reaped[0].Nonce)
	require.Equal(t, 2, mp.Size(), "gapped transaction stays pooled")

	// Filling the gap releases nonce 3
	require.NoError(t, mp.Submit(testutil.Tx(t, a, types.StakeKind(1), 2), st))
	reaped = mp.Reap(10, st)
	require.Len(t, reaped, 3)
}

func TestReapEvictsInvalid(t *testing.T) {
	st, keys := testutil.InitializedState(t, 3, 1000, 10)
	a, b := keys[1], keys[2]
	mp := mempool.New(0)

	poor := testutil.Tx(t, a, types.CoinKind(5000, b.PublicKey()), 1)
	ok := testutil.Tx(t, b, types.StakeKind(10), 1)
	require.NoError(t, mp.Submit(poor, st))
	require.NoError(t, mp.Submit(ok, st))

	reaped := mp.Reap(10, st)
	require.Len(t, reaped, 1)
	require.Equal(t, ok.Key(), reaped[0].Key())
	require.False(t, mp.Has(poor.Key()), "insufficient-funds transaction is dropped")
}

func TestReapEvictsLaterNoncesOfFailedSender(t *testing.T) {
	st, keys := testutil.InitializedState(t, 3, 1000, 10)
	a, b := keys[1], keys[2]
	mp := mempool.New(0)

	overdraw := testutil.Tx(t, a, types.CoinKind(5000, b.PublicKey()), 1)
	after := testutil.Tx(t, a, types.CoinKind(10, b.PublicKey()), 2)
	other := testutil.Tx(t, b, types.StakeKind(10), 1)
	require.NoError(t, mp.Submit(overdraw, st))
	require.NoError(t, mp.Submit(after, st))
	require.NoError(t, mp.Submit(other, st))

	reaped := mp.Reap(10, st)
	require.Len(t, reaped, 1)
	require.Equal(t, other.Key(), reaped[0].Key())
	require.False(t, mp.Has(overdraw.Key()))
	require.False(t, mp.Has(after.Key()), "nonce 2 cannot apply without nonce 1")
	require.True(t, mp.Has(other.Key()))
	require.Zero(t, mp.HighestNonce(a.PublicKey()))

	// the sender starts again from the next ledger nonce
	retry := testutil.Tx(t, a, types.CoinKind(10, b.PublicKey()), 1)
	require.NoError(t, mp.Submit(retry, st))
	require.Len(t, mp.Reap(10, st), 2)
}

func TestReapRespectsCapacity(t *testing.T) {
	st, keys := testutil.InitializedState(t, 3, 1000, 10)
	a := keys[1]
	mp := mempool.New(0)
	for n := uint64(1); n <= 5; n++ {
		require.NoError(t, mp.Submit(testutil.Tx(t, a, types.StakeKind(1), n), st))
	}

	reaped := mp.Reap(2, st)
	require.Len(t, reaped, 2)
	require.Equal(t, uint64(1), reaped[0].Nonce)
	require.Equal(t, uint64(2), reaped[1].Nonce)
	require.Empty(t, mp.Reap(0, st))
}

func TestUpdateRemovesCommittedAndStale(t *testing.T) {
	st, keys := testutil.InitializedState(t, 3, 1000, 10)
	a, b := keys[1], keys[2]
	mp := mempool.New(0)

	tx1 := testutil.Tx(t, a, types.StakeKind(1), 1)
	tx2 := testutil.Tx(t, a, types.StakeKind(1), 2)
	other := testutil.Tx(t, b, types.StakeKind(1), 1)
	require.NoError(t, mp.Submit(tx1, st))
	require.NoError(t, mp.Submit(tx2, st))
	require.NoError(t, mp.Submit(other, st))

	// Another leader committed a's nonces 1 and 2 with different contents
	c1 := testutil.Tx(t, a, types.StakeKind(2), 1)
	c2 := testutil.Tx(t, a, types.StakeKind(2), 2)
	next, err := st.ApplyBlock(testutil.LeaderBlock(t, st, keys, c1, c2))
	require.NoError(t, err)

	mp.Update(next, []*types.Transaction{c1, c2})
	require.Equal(t, 1, mp.Size())
	require.True(t, mp.Has(other.Key()))
}

func TestHighestNonce(t *testing.T) {
	st, keys := testutil.InitializedState(t, 3, 1000, 10)
	a, b := keys[1], keys[2]
	mp := mempool.New(0)

	require.Zero(t, mp.HighestNonce(a.PublicKey()))
	require.NoError(t, mp.Submit(testutil.Tx(t, a, types.StakeKind(1), 1), st))
	require.NoError(t, mp.Submit(testutil.Tx(t, a, types.StakeKind(1), 4), st))
	require.Equal(t, uint64(4), mp.HighestNonce(a.PublicKey()))
	require.Zero(t, mp.HighestNonce(b.PublicKey()))

	require.Len(t, mp.Txs(), 2)
	mp.Flush()
	require.Zero(t, mp.Size())
}
