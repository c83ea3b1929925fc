package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/blockberries/blockchat/internal/testutil"
	"github.com/blockberries/blockchat/types"
)

func testConfig(t *testing.T, n int) *Config {
	t.Helper()
	cfg := DefaultConfig()
	for i := range n {
		cfg.Network.Peers = append(cfg.Network.Peers, PeerConfig{
			Name:      []string{"node0", "node1", "node2", "node3"}[i],
			Address:   "127.0.0.1:2665" + string(rune('0'+i)),
			PublicKey: types.PublicKeyString(testutil.Key(t, i).PublicKey()),
		})
	}
	return cfg
}

func TestDefaultConfigNeedsPeers(t *testing.T) {
	cfg := DefaultConfig()
	require.ErrorIs(t, cfg.Validate(), ErrNoPeers)
}

func TestValidConfig(t *testing.T) {
	cfg := testConfig(t, 3)
	require.NoError(t, cfg.Validate())
	require.Equal(t, 3, cfg.Capacity())

	vals, err := cfg.Network.Validators()
	require.NoError(t, err)
	require.Len(t, vals, 3)
	require.Equal(t, "node1", vals[1].Name)
}

func TestCapacityFloor(t *testing.T) {
	cfg := testConfig(t, 3)
	cfg.Consensus.TotalCapacity = 2
	require.Equal(t, 1, cfg.Capacity())
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   error
	}{
		{"empty name", func(c *Config) { c.Node.Name = "" }, ErrEmptyNodeName},
		{"self missing", func(c *Config) { c.Node.Name = "stranger" }, ErrSelfNotInPeers},
		{"duplicate peer", func(c *Config) { c.Network.Peers[1].Name = "node0" }, ErrDuplicatePeer},
		{"duplicate key", func(c *Config) { c.Network.Peers[1].PublicKey = c.Network.Peers[0].PublicKey }, ErrDuplicatePeer},
		{"bad key", func(c *Config) { c.Network.Peers[2].PublicKey = "zz" }, ErrInvalidPeer},
		{"no address", func(c *Config) { c.Network.Peers[2].Address = "" }, ErrInvalidPeer},
		{"capacity", func(c *Config) { c.Consensus.TotalCapacity = 0 }, ErrInvalidTotalCapacity},
		{"propose timeout", func(c *Config) { c.Consensus.ProposeTimeout = 0 }, ErrInvalidProposeTimeout},
		{"initial balance", func(c *Config) { c.Genesis.InitialBalance = 0 }, ErrInvalidInitialBalance},
		{"bootstrap", func(c *Config) { c.Genesis.Bootstrap = "nobody" }, ErrUnknownBootstrap},
		{"backend", func(c *Config) { c.BlockStore.Backend = "sqlite" }, ErrInvalidBlockStoreBackend},
		{"wal path", func(c *Config) { c.WAL.Path = "" }, ErrEmptyWALPath},
		{"log level", func(c *Config) { c.Logging.Level = "loud" }, ErrInvalidLogLevel},
		{"trace exporter", func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Exporter = "zipkin"
		}, ErrInvalidTraceExporter},
		{"trace endpoint", func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Exporter = "otlp-http"
		}, ErrEmptyTraceEndpoint},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig(t, 3)
			tc.mutate(cfg)
			require.ErrorIs(t, cfg.Validate(), tc.want)
		})
	}
}

func TestMemoryBackendNeedsNoPath(t *testing.T) {
	cfg := testConfig(t, 2)
	cfg.BlockStore.Backend = "memory"
	cfg.BlockStore.Path = ""
	require.NoError(t, cfg.Validate())
}

func TestWriteAndLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	cfg := testConfig(t, 3)
	cfg.Node.Name = "node2"
	cfg.Consensus.ProposeTimeout = Duration(1500 * time.Millisecond)
	require.NoError(t, WriteConfigFile(path, cfg))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "node2", loaded.Node.Name)
	require.Equal(t, 1500*time.Millisecond, loaded.Consensus.ProposeTimeout.Duration())
	require.Len(t, loaded.Network.Peers, 3)
	require.Equal(t, cfg.Network.Peers[1].PublicKey, loaded.Network.Peers[1].PublicKey)
}

func TestLoadConfigFillsDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	cfg := testConfig(t, 1)

	content := `
[node]
name = "node0"

[[network.peers]]
name = "node0"
address = "127.0.0.1:26656"
public_key = "` + cfg.Network.Peers[0].PublicKey + `"

[consensus]
propose_timeout = "250ms"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, 250*time.Millisecond, loaded.Consensus.ProposeTimeout.Duration())
	require.Equal(t, DefaultConfig().Consensus.FollowTimeout, loaded.Consensus.FollowTimeout)
	require.Equal(t, "blockchat", loaded.Node.ChainID)
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("[consensus]\npropose_timeout = \"soon\"\n"), 0o600))
	_, err = LoadConfig(path)
	require.Error(t, err)
}

func TestResolvePaths(t *testing.T) {
	cfg := testConfig(t, 1)
	cfg.ResolvePaths("/srv/node")
	require.Equal(t, "/srv/node/data/node_key.pem", cfg.Node.PrivateKeyPath)
	require.Equal(t, "/srv/node/data/wal", cfg.WAL.Path)

	dir := t.TempDir()
	cfg.ResolvePaths(dir)
	require.Equal(t, "/srv/node/data/wal", cfg.WAL.Path, "absolute paths are kept")
}
