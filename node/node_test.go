package node

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/blockberries/blockchat/api"
	"github.com/blockberries/blockchat/config"
	"github.com/blockberries/blockchat/internal/testutil"
	"github.com/blockberries/blockchat/logging"
	"github.com/blockberries/blockchat/p2p"
	"github.com/blockberries/blockchat/types"
)

const waitFor = 10 * time.Second

// testConfigs writes a key file per peer and returns one config per peer,
// all sharing the same membership.
func testConfigs(t *testing.T, n int) []*config.Config {
	t.Helper()
	keys := testutil.Keys(t, n)

	peers := make([]config.PeerConfig, n)
	for i, k := range keys {
		peers[i] = config.PeerConfig{
			Name:      fmt.Sprintf("node%d", i),
			Address:   fmt.Sprintf("127.0.0.1:%d", 26700+i),
			PublicKey: types.PublicKeyString(k.PublicKey()),
		}
	}

	cfgs := make([]*config.Config, n)
	for i, k := range keys {
		dir := t.TempDir()
		cfg := config.DefaultConfig()
		cfg.Node.Name = peers[i].Name
		cfg.Node.ChainID = "test-chain"
		cfg.Node.PrivateKeyPath = filepath.Join(dir, "node_key.pem")
		cfg.Node.SignStatePath = filepath.Join(dir, "sign_state.json")
		cfg.Network.ListenAddr = peers[i].Address
		cfg.Network.Peers = peers
		cfg.Consensus.TotalCapacity = n
		cfg.Consensus.ProposeTimeout = config.Duration(100 * time.Millisecond)
		cfg.Consensus.FollowTimeout = config.Duration(2 * time.Second)
		cfg.API.ListenAddr = "127.0.0.1:0"
		cfg.BlockStore.Path = filepath.Join(dir, "blockstore")
		cfg.WAL.Path = filepath.Join(dir, "wal")
		require.NoError(t, cfg.EnsureDataDirs())
		require.NoError(t, os.WriteFile(cfg.Node.PrivateKeyPath, k.MarshalPEM(), 0600))
		cfgs[i] = cfg
	}
	return cfgs
}

func startNodes(t *testing.T, cfgs []*config.Config, network *p2p.LocalNetwork) []*Node {
	t.Helper()
	nodes := make([]*Node, len(cfgs))
	for i, cfg := range cfgs {
		n, err := NewNode(cfg,
			WithTransport(network.Join(cfg.Node.Name)),
			WithLogger(logging.NewNopLogger()),
		)
		require.NoError(t, err)
		require.NoError(t, n.Start())
		t.Cleanup(func() {
			if n.IsRunning() {
				_ = n.Stop()
			}
		})
		nodes[i] = n
	}
	return nodes
}

func waitHeight(t *testing.T, nodes []*Node, height uint64) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, n := range nodes {
			if n.Chain().Height() < height {
				return false
			}
		}
		return true
	}, waitFor, 10*time.Millisecond, "nodes did not reach height %d", height)
}

func TestGenesisFromConfig(t *testing.T) {
	cfgs := testConfigs(t, 3)
	cfg := cfgs[1]
	cfg.Genesis.Bootstrap = "node2"

	g, err := Genesis(cfg)
	require.NoError(t, err)
	require.Equal(t, "test-chain", g.ChainID)
	require.Len(t, g.Peers, 3)
	require.Equal(t, uint64(1000), g.InitialBalance)
	require.True(t, types.PublicKeyEqual(testutil.Key(t, 2).PublicKey(), g.Bootstrap))

	cfg.Genesis.Bootstrap = "nobody"
	_, err = Genesis(cfg)
	require.ErrorIs(t, err, config.ErrUnknownBootstrap)
}

func TestNewNodeKeyMismatch(t *testing.T) {
	cfgs := testConfigs(t, 2)
	cfgs[0].Node.PrivateKeyPath = cfgs[1].Node.PrivateKeyPath

	_, err := NewNode(cfgs[0], WithLogger(logging.NewNopLogger()))
	require.ErrorIs(t, err, ErrKeyMismatch)
}

func TestNewNodeInvalidConfig(t *testing.T) {
	cfgs := testConfigs(t, 1)
	cfgs[0].Node.Name = "stranger"

	_, err := NewNode(cfgs[0])
	require.ErrorIs(t, err, config.ErrSelfNotInPeers)
}

func TestNodeLifecycle(t *testing.T) {
	cfgs := testConfigs(t, 1)
	n, err := NewNode(cfgs[0], WithTransport(p2p.NewLocalNetwork().Join("node0")),
		WithLogger(logging.NewNopLogger()))
	require.NoError(t, err)

	require.ErrorIs(t, n.Stop(), ErrNotStarted)
	require.NoError(t, n.Start())
	require.ErrorIs(t, n.Start(), ErrAlreadyStarted)
	require.True(t, n.IsRunning())
	require.NotEmpty(t, n.APIAddr())

	require.NoError(t, n.Stop())
	require.False(t, n.IsRunning())
	require.ErrorIs(t, n.Start(), ErrStopped)
}

func TestNodesTransferOverAPI(t *testing.T) {
	cfgs := testConfigs(t, 3)
	nodes := startNodes(t, cfgs, p2p.NewLocalNetwork())
	waitHeight(t, nodes, 1)

	ctx := context.Background()
	client := api.NewClient(nodes[0].APIAddr(), 5*time.Second)

	info, err := client.Info(ctx)
	require.NoError(t, err)
	require.Equal(t, "node0", info.Name)
	require.Equal(t, 1, info.Capacity)

	_, err = client.SendCoins(ctx, "node1", 100)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		for _, n := range nodes {
			if n.Chain().Account(testutil.Key(t, 1).PublicKey()).Balance != 1100 {
				return false
			}
		}
		return true
	}, waitFor, 10*time.Millisecond)

	bal, err := client.Balance(ctx, "")
	require.NoError(t, err)
	require.Equal(t, uint64(900), bal.Balance)

	peers, err := client.Peers(ctx)
	require.NoError(t, err)
	require.Len(t, peers, 2)
}

func TestNodeRestartRecovers(t *testing.T) {
	cfgs := testConfigs(t, 1)
	network := p2p.NewLocalNetwork()
	nodes := startNodes(t, cfgs, network)
	waitHeight(t, nodes, 1)

	_, err := nodes[0].Engine().CreateTransaction(context.Background(), types.StakeKind(100))
	require.NoError(t, err)
	waitHeight(t, nodes, 2)
	tip := nodes[0].Chain().Tip()
	require.NoError(t, nodes[0].Stop())

	restarted := startNodes(t, cfgs, network)[0]
	require.Equal(t, uint64(2), restarted.Chain().Height())
	got, err := restarted.Chain().BlockByHeight(2)
	require.NoError(t, err)
	require.True(t, types.HashEqual(tip.Hash, got.Hash))

	acct := restarted.Chain().Account(testutil.Key(t, 0).PublicKey())
	require.Equal(t, uint64(100), acct.Stake)
	require.Equal(t, uint64(900), acct.Balance)
}
