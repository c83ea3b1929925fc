package chain_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/blockberries/blockchat/chain"
	"github.com/blockberries/blockchat/internal/testutil"
	"github.com/blockberries/blockchat/mempool"
	"github.com/blockberries/blockchat/privval"
	"github.com/blockberries/blockchat/state"
	"github.com/blockberries/blockchat/types"
)

type cluster struct {
	genesis *state.Genesis
	keys    []*types.PrivateKey
	chains  []*chain.Chain
}

func newCluster(t *testing.T, n int, balance uint64, capacity int) *cluster {
	t.Helper()
	g, keys := testutil.Genesis(t, n, balance)
	cl := &cluster{genesis: g, keys: keys}
	for _, k := range keys {
		c, err := chain.New(g, capacity, chain.Options{Signer: privval.NewMemPV(k)})
		require.NoError(t, err)
		cl.chains = append(cl.chains, c)
	}
	return cl
}

// leader returns the chain whose signer leads the next round.
func (cl *cluster) leader(t *testing.T) *chain.Chain {
	t.Helper()
	for _, c := range cl.chains {
		if c.IsLeader() {
			return c
		}
	}
	t.Fatal("no leader among chains")
	return nil
}

// propose has the current leader propose and delivers the block to everyone else.
func (cl *cluster) propose(t *testing.T, allowEmpty bool) *types.Block {
	t.Helper()
	ctx := context.Background()
	leader := cl.leader(t)
	block, err := leader.ProposeBlock(ctx, allowEmpty)
	require.NoError(t, err)
	for _, c := range cl.chains {
		if c == leader {
			continue
		}
		require.NoError(t, c.ApplyBlock(ctx, block))
	}
	return block
}

func TestGenesisProposal(t *testing.T) {
	cl := newCluster(t, 3, 1000, 4)
	ctx := context.Background()

	require.Nil(t, cl.chains[0].Tip())

	// only the bootstrap peer may produce genesis
	_, err := cl.chains[1].ProposeBlock(ctx, true)
	require.ErrorIs(t, err, chain.ErrNotLeader)

	block := cl.propose(t, false)
	require.True(t, block.IsGenesis())

	for _, c := range cl.chains {
		require.Equal(t, uint64(1), c.Height())
		require.True(t, types.HashEqual(block.Hash, c.Tip().Hash))
		for _, k := range cl.keys {
			require.Equal(t, uint64(1000), c.Account(k.PublicKey()).Balance)
		}
	}
}

func TestCreateTransactionAssignsNonces(t *testing.T) {
	cl := newCluster(t, 3, 1000, 4)
	cl.propose(t, false)
	ctx := context.Background()

	c := cl.chains[1]
	to := cl.keys[2].PublicKey()

	tx1, err := c.CreateTransaction(ctx, types.CoinKind(10, to))
	require.NoError(t, err)
	tx2, err := c.CreateTransaction(ctx, types.MessageKind("hi", to))
	require.NoError(t, err)
	require.Equal(t, uint64(1), tx1.Nonce)
	require.Equal(t, uint64(2), tx2.Nonce)
	require.Equal(t, 2, c.MempoolSize())
	require.NoError(t, tx2.ValidateBasic())

	// resubmitting an admitted transaction is a duplicate
	require.ErrorIs(t, c.SubmitTransaction(ctx, tx1), mempool.ErrTxAlreadyExists)
}

func TestCreateTransactionRequiresSigner(t *testing.T) {
	g, _ := testutil.Genesis(t, 2, 100)
	c, err := chain.New(g, 2, chain.Options{})
	require.NoError(t, err)

	_, err = c.CreateTransaction(context.Background(), types.StakeKind(1))
	require.ErrorIs(t, err, chain.ErrNoSigner)
	_, err = c.ProposeBlock(context.Background(), true)
	require.ErrorIs(t, err, chain.ErrNoSigner)
	require.False(t, c.IsLeader())
}

func TestProposeAndApply(t *testing.T) {
	cl := newCluster(t, 3, 1000, 4)
	cl.propose(t, false)
	ctx := context.Background()

	from, to := cl.keys[1], cl.keys[2]
	for _, c := range cl.chains {
		tx := testutil.Tx(t, from, types.CoinKind(100, to.PublicKey()), 1)
		require.NoError(t, c.SubmitTransaction(ctx, tx))
	}

	block := cl.propose(t, false)
	require.Len(t, block.Data.Transactions, 1)

	for _, c := range cl.chains {
		require.Equal(t, uint64(2), c.Height())
		require.Equal(t, uint64(900), c.Account(from.PublicKey()).Balance)
		require.Equal(t, uint64(1100), c.Account(to.PublicKey()).Balance)
		require.Equal(t, 0, c.MempoolSize())

		got, height, err := c.BlockByHash(block.Hash)
		require.NoError(t, err)
		require.Equal(t, uint64(2), height)
		require.True(t, types.HashEqual(block.Hash, got.Hash))

		byHeight, err := c.BlockByHeight(1)
		require.NoError(t, err)
		require.True(t, byHeight.IsGenesis())
	}
}

func TestProposeNothing(t *testing.T) {
	cl := newCluster(t, 2, 1000, 4)
	cl.propose(t, false)

	_, err := cl.leader(t).ProposeBlock(context.Background(), false)
	require.ErrorIs(t, err, chain.ErrNothingToPropose)

	// empty blocks are allowed on request
	block := cl.propose(t, true)
	require.Empty(t, block.Data.Transactions)
	require.Equal(t, uint64(2), cl.chains[0].Height())
}

func TestProposeRespectsCapacity(t *testing.T) {
	cl := newCluster(t, 2, 1000, 2)
	cl.propose(t, false)
	ctx := context.Background()

	leader := cl.leader(t)
	to := cl.keys[0].PublicKey()
	for range 5 {
		_, err := leader.CreateTransaction(ctx, types.CoinKind(1, to))
		require.NoError(t, err)
	}
	block, err := leader.ProposeBlock(ctx, false)
	require.NoError(t, err)
	require.Len(t, block.Data.Transactions, 2)
	require.Equal(t, 3, leader.MempoolSize())
}

func TestOverdrawDoesNotFreezeSender(t *testing.T) {
	cl := newCluster(t, 2, 1000, 4)
	cl.propose(t, false)
	ctx := context.Background()

	sender, other := cl.chains[1], cl.chains[0]
	to := cl.keys[0].PublicKey()
	for _, kind := range []types.TxKind{types.CoinKind(5000, to), types.CoinKind(10, to)} {
		tx, err := sender.CreateTransaction(ctx, kind)
		require.NoError(t, err)
		require.NoError(t, other.SubmitTransaction(ctx, tx))
	}

	// whichever peer leads drops the overdraw and the nonce queued behind it
	for i := 0; i < 32 && (sender.MempoolSize() > 0 || other.MempoolSize() > 0); i++ {
		block := cl.propose(t, true)
		require.Empty(t, block.Data.Transactions)
	}
	require.Zero(t, sender.MempoolSize())
	require.Zero(t, other.MempoolSize())

	tx, err := sender.CreateTransaction(ctx, types.CoinKind(10, to))
	require.NoError(t, err)
	require.Equal(t, uint64(1), tx.Nonce)
	require.NoError(t, other.SubmitTransaction(ctx, tx))

	block := cl.propose(t, false)
	require.Len(t, block.Data.Transactions, 1)
	require.Equal(t, uint64(1), sender.Account(cl.keys[1].PublicKey()).Nonce)
	require.Equal(t, uint64(1), other.Account(cl.keys[1].PublicKey()).Nonce)
}

func TestApplyBlockRejections(t *testing.T) {
	cl := newCluster(t, 3, 1000, 4)
	genesis := cl.propose(t, false)
	ctx := context.Background()
	c := cl.chains[2]

	require.ErrorIs(t, c.ApplyBlock(ctx, genesis), chain.ErrBlockKnown)

	// a block from a peer that is not the leader
	st := c.State()
	notLeader := cl.keys[0]
	if types.PublicKeyEqual(notLeader.PublicKey(), st.Leader().PublicKey) {
		notLeader = cl.keys[1]
	}
	bad := types.NewBlock(time.Now().UnixNano(), nil, notLeader.PublicKey(), st.Tip())
	require.NoError(t, bad.Sign(notLeader))
	require.ErrorIs(t, c.ApplyBlock(ctx, bad), state.ErrWrongLeader)

	// a leader block on the wrong parent
	leaderKey := testutil.KeyOf(t, cl.keys, st.Leader().PublicKey)
	orphan := types.NewBlock(time.Now().UnixNano(), nil, leaderKey.PublicKey(), types.HashBytes([]byte("x")))
	require.NoError(t, orphan.Sign(leaderKey))
	require.ErrorIs(t, c.ApplyBlock(ctx, orphan), state.ErrParentMismatch)

	require.Equal(t, uint64(1), c.Height())
	require.True(t, types.HashEqual(genesis.Hash, c.Tip().Hash))
}

func TestInbox(t *testing.T) {
	cl := newCluster(t, 2, 1000, 4)
	cl.propose(t, false)
	ctx := context.Background()

	sender, recipient := cl.keys[0], cl.keys[1]
	tx := testutil.Tx(t, sender, types.MessageKind("hello", recipient.PublicKey()), 1)
	for _, c := range cl.chains {
		require.NoError(t, c.SubmitTransaction(ctx, tx))
	}
	cl.propose(t, false)

	msgs := cl.chains[0].Inbox(recipient.PublicKey())
	require.Len(t, msgs, 1)
	require.Equal(t, "hello", msgs[0].Text)
	require.Equal(t, uint64(2), msgs[0].Height)
	require.True(t, types.PublicKeyEqual(sender.PublicKey(), msgs[0].From))
	require.Empty(t, cl.chains[0].Inbox(sender.PublicKey()))
}

func TestStatus(t *testing.T) {
	cl := newCluster(t, 4, 1000, 2)
	cl.propose(t, false)

	st := cl.chains[0].Status()
	require.Equal(t, uint64(1), st.Height)
	require.Equal(t, 2, st.Capacity)
	require.Equal(t, uint64(4000), st.TotalSupply)
	require.Equal(t, 4, st.Validators.Size())
	require.NotNil(t, st.Leader)
}
