package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/blockberries/blockchat/types"
)

// Config is the main configuration for a blockchat node.
type Config struct {
	Node       NodeConfig       `toml:"node"`
	Network    NetworkConfig    `toml:"network"`
	Consensus  ConsensusConfig  `toml:"consensus"`
	Genesis    GenesisConfig    `toml:"genesis"`
	Mempool    MempoolConfig    `toml:"mempool"`
	API        APIConfig        `toml:"api"`
	BlockStore BlockStoreConfig `toml:"blockstore"`
	WAL        WALConfig        `toml:"wal"`
	Metrics    MetricsConfig    `toml:"metrics"`
	Logging    LoggingConfig    `toml:"logging"`
	Tracing    TracingConfig    `toml:"tracing"`
}

// NodeConfig contains node identity and chain configuration.
type NodeConfig struct {
	// Name is this node's peer name. It must appear in network.peers.
	Name string `toml:"name"`

	// ChainID is the unique identifier for the blockchain network.
	ChainID string `toml:"chain_id"`

	// PrivateKeyPath is the path to the node's RSA private key (PEM).
	PrivateKeyPath string `toml:"private_key_path"`

	// SignStatePath records the last signed height to prevent double signing.
	SignStatePath string `toml:"sign_state_path"`
}

// NetworkConfig contains peer-to-peer configuration. Membership is closed:
// every peer, including this node, is listed here.
type NetworkConfig struct {
	// ListenAddr is the host:port serving peer websocket connections.
	ListenAddr string `toml:"listen_addr"`

	// Peers is the full, fixed membership.
	Peers []PeerConfig `toml:"peers"`

	// DialTimeout bounds a single outbound connection attempt.
	DialTimeout Duration `toml:"dial_timeout"`

	// RedialInterval is the wait between failed connection attempts.
	RedialInterval Duration `toml:"redial_interval"`

	// WriteTimeout bounds a single frame write.
	WriteTimeout Duration `toml:"write_timeout"`

	// SendQueueSize is the per-peer outbound message buffer.
	SendQueueSize int `toml:"send_queue_size"`
}

// PeerConfig describes one member of the network.
type PeerConfig struct {
	Name string `toml:"name"`

	// Address is the peer's network listen address (host:port).
	Address string `toml:"address"`

	// PublicKey is the hex PKCS#1 DER RSA public key.
	PublicKey string `toml:"public_key"`
}

// ConsensusConfig contains round timing and block sizing.
type ConsensusConfig struct {
	// TotalCapacity is divided evenly among peers to give the per-block quota.
	TotalCapacity int `toml:"total_capacity"`

	// ProposeTimeout is how long a leader waits for a full block before
	// proposing what it has.
	ProposeTimeout Duration `toml:"propose_timeout"`

	// FollowTimeout is how long a follower waits before reporting a stalled round.
	FollowTimeout Duration `toml:"follow_timeout"`

	// CreateEmptyBlocks lets a leader propose a block with no transactions
	// when its propose timeout fires.
	CreateEmptyBlocks bool `toml:"create_empty_blocks"`
}

// GenesisConfig contains the initial allocation.
type GenesisConfig struct {
	InitialBalance uint64 `toml:"initial_balance"`

	// Bootstrap is the name of the peer that produces the genesis block.
	Bootstrap string `toml:"bootstrap"`
}

// MempoolConfig contains mempool configuration.
type MempoolConfig struct {
	MaxTxs int `toml:"max_txs"`
}

// APIConfig contains HTTP API configuration.
type APIConfig struct {
	ListenAddr string `toml:"listen_addr"`

	// ReadTimeout bounds reading a request.
	ReadTimeout Duration `toml:"read_timeout"`
}

// BlockStoreConfig contains block storage configuration.
type BlockStoreConfig struct {
	// Backend is "memory", "leveldb" or "badgerdb".
	Backend string `toml:"backend"`

	// Path is the database directory for persistent backends.
	Path string `toml:"path"`
}

// WALConfig contains write-ahead log configuration.
type WALConfig struct {
	Enabled bool `toml:"enabled"`

	// Path is the WAL directory.
	Path string `toml:"path"`
}

// MetricsConfig contains metrics configuration.
type MetricsConfig struct {
	// Enabled determines whether metrics collection is active.
	Enabled bool `toml:"enabled"`

	// Namespace is the Prometheus metrics namespace prefix.
	Namespace string `toml:"namespace"`

	// ListenAddr is the address to serve metrics on (e.g., ":9090").
	ListenAddr string `toml:"listen_addr"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	// Level is the minimum log level ("debug", "info", "warn", "error").
	Level string `toml:"level"`

	// Format is the log output format ("text" or "json").
	Format string `toml:"format"`

	// Output is the log output destination ("stdout", "stderr", or a file path).
	Output string `toml:"output"`
}

// TracingConfig contains OpenTelemetry configuration.
type TracingConfig struct {
	Enabled bool `toml:"enabled"`

	// Exporter is "stdout" or "otlp-http".
	Exporter string `toml:"exporter"`

	// Endpoint is the collector endpoint for otlp-http.
	Endpoint string `toml:"endpoint"`

	ServiceName string `toml:"service_name"`

	// SampleRate is the fraction of traces recorded, in [0, 1].
	SampleRate float64 `toml:"sample_rate"`
}

// Duration is a wrapper around time.Duration for TOML unmarshaling.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for Duration.
func (d *Duration) UnmarshalText(text []byte) error {
	duration, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	*d = Duration(duration)
	return nil
}

// MarshalText implements encoding.TextMarshaler for Duration.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// DefaultConfig returns a single-node configuration with sensible defaults.
// Peers must be filled in before the node can start.
func DefaultConfig() *Config {
	return &Config{
		Node: NodeConfig{
			Name:           "node0",
			ChainID:        "blockchat",
			PrivateKeyPath: "data/node_key.pem",
			SignStatePath:  "data/sign_state.json",
		},
		Network: NetworkConfig{
			ListenAddr:     "0.0.0.0:26656",
			DialTimeout:    Duration(3 * time.Second),
			RedialInterval: Duration(2 * time.Second),
			WriteTimeout:   Duration(5 * time.Second),
			SendQueueSize:  1024,
		},
		Consensus: ConsensusConfig{
			TotalCapacity:  10,
			ProposeTimeout: Duration(5 * time.Second),
			FollowTimeout:  Duration(30 * time.Second),
		},
		Genesis: GenesisConfig{
			InitialBalance: 1000,
			Bootstrap:      "node0",
		},
		Mempool: MempoolConfig{
			MaxTxs: 10000,
		},
		API: APIConfig{
			ListenAddr:  "127.0.0.1:8080",
			ReadTimeout: Duration(10 * time.Second),
		},
		BlockStore: BlockStoreConfig{
			Backend: "leveldb",
			Path:    "data/blockstore",
		},
		WAL: WALConfig{
			Enabled: true,
			Path:    "data/wal",
		},
		Metrics: MetricsConfig{
			Enabled:    false,
			Namespace:  "blockchat",
			ListenAddr: ":9090",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			Exporter:    "stdout",
			ServiceName: "blockchat",
			SampleRate:  1.0,
		},
	}
}

// LoadConfig loads configuration from a TOML file.
// Missing values are filled with defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Validation errors.
var (
	ErrEmptyNodeName            = errors.New("node name cannot be empty")
	ErrEmptyChainID             = errors.New("chain_id cannot be empty")
	ErrEmptyPrivateKeyPath      = errors.New("private_key_path cannot be empty")
	ErrEmptySignStatePath       = errors.New("sign_state_path cannot be empty")
	ErrEmptyListenAddr          = errors.New("listen_addr cannot be empty")
	ErrNoPeers                  = errors.New("at least one peer is required")
	ErrDuplicatePeer            = errors.New("duplicate peer")
	ErrInvalidPeer              = errors.New("invalid peer")
	ErrSelfNotInPeers           = errors.New("node name is not listed in network.peers")
	ErrInvalidDialTimeout       = errors.New("dial_timeout must be positive")
	ErrInvalidRedialInterval    = errors.New("redial_interval must be positive")
	ErrInvalidWriteTimeout      = errors.New("write_timeout must be positive")
	ErrInvalidSendQueueSize     = errors.New("send_queue_size must be positive")
	ErrInvalidTotalCapacity     = errors.New("total_capacity must be positive")
	ErrInvalidProposeTimeout    = errors.New("propose_timeout must be positive")
	ErrInvalidFollowTimeout     = errors.New("follow_timeout must be positive")
	ErrInvalidInitialBalance    = errors.New("initial_balance must be positive")
	ErrUnknownBootstrap         = errors.New("genesis bootstrap is not a listed peer")
	ErrInvalidMaxTxs            = errors.New("max_txs must be positive")
	ErrInvalidBlockStoreBackend = errors.New("blockstore backend must be 'memory', 'leveldb' or 'badgerdb'")
	ErrEmptyBlockStorePath      = errors.New("blockstore path cannot be empty")
	ErrEmptyWALPath             = errors.New("wal path cannot be empty when enabled")
	ErrEmptyMetricsNamespace    = errors.New("metrics namespace cannot be empty when enabled")
	ErrEmptyMetricsListenAddr   = errors.New("metrics listen_addr cannot be empty when enabled")
	ErrInvalidLogLevel          = errors.New("log level must be one of: debug, info, warn, error")
	ErrInvalidLogFormat         = errors.New("log format must be 'text' or 'json'")
	ErrEmptyLogOutput           = errors.New("log output cannot be empty")
	ErrInvalidTraceExporter     = errors.New("tracing exporter must be 'stdout' or 'otlp-http'")
	ErrEmptyTraceEndpoint       = errors.New("tracing endpoint cannot be empty for otlp-http")
	ErrInvalidSampleRate        = errors.New("tracing sample_rate must be within [0, 1]")
)

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if err := c.Node.Validate(); err != nil {
		return fmt.Errorf("node config: %w", err)
	}
	if err := c.Network.Validate(); err != nil {
		return fmt.Errorf("network config: %w", err)
	}
	if c.Network.Peer(c.Node.Name) == nil {
		return fmt.Errorf("network config: %w: %s", ErrSelfNotInPeers, c.Node.Name)
	}
	if err := c.Consensus.Validate(); err != nil {
		return fmt.Errorf("consensus config: %w", err)
	}
	if err := c.Genesis.Validate(); err != nil {
		return fmt.Errorf("genesis config: %w", err)
	}
	if c.Network.Peer(c.Genesis.Bootstrap) == nil {
		return fmt.Errorf("genesis config: %w: %s", ErrUnknownBootstrap, c.Genesis.Bootstrap)
	}
	if err := c.Mempool.Validate(); err != nil {
		return fmt.Errorf("mempool config: %w", err)
	}
	if err := c.API.Validate(); err != nil {
		return fmt.Errorf("api config: %w", err)
	}
	if err := c.BlockStore.Validate(); err != nil {
		return fmt.Errorf("blockstore config: %w", err)
	}
	if err := c.WAL.Validate(); err != nil {
		return fmt.Errorf("wal config: %w", err)
	}
	if err := c.Metrics.Validate(); err != nil {
		return fmt.Errorf("metrics config: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}
	if err := c.Tracing.Validate(); err != nil {
		return fmt.Errorf("tracing config: %w", err)
	}
	return nil
}

// Capacity returns the per-block transaction quota: the total capacity
// divided evenly among peers, at least one.
func (c *Config) Capacity() int {
	n := len(c.Network.Peers)
	if n == 0 {
		return max(c.Consensus.TotalCapacity, 1)
	}
	return max(c.Consensus.TotalCapacity/n, 1)
}

// Validate checks the node configuration for errors.
func (c *NodeConfig) Validate() error {
	if c.Name == "" {
		return ErrEmptyNodeName
	}
	if c.ChainID == "" {
		return ErrEmptyChainID
	}
	if c.PrivateKeyPath == "" {
		return ErrEmptyPrivateKeyPath
	}
	if c.SignStatePath == "" {
		return ErrEmptySignStatePath
	}
	return nil
}

// Validate checks the network configuration for errors.
func (c *NetworkConfig) Validate() error {
	if c.ListenAddr == "" {
		return ErrEmptyListenAddr
	}
	if len(c.Peers) == 0 {
		return ErrNoPeers
	}
	names := make(map[string]bool, len(c.Peers))
	keys := make(map[string]bool, len(c.Peers))
	for i, p := range c.Peers {
		if p.Name == "" {
			return fmt.Errorf("%w: peer %d has no name", ErrInvalidPeer, i)
		}
		if names[p.Name] {
			return fmt.Errorf("%w: %s", ErrDuplicatePeer, p.Name)
		}
		names[p.Name] = true
		if p.Address == "" {
			return fmt.Errorf("%w: %s has no address", ErrInvalidPeer, p.Name)
		}
		if _, err := types.ParsePublicKey(p.PublicKey); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidPeer, p.Name, err)
		}
		if keys[p.PublicKey] {
			return fmt.Errorf("%w: key of %s", ErrDuplicatePeer, p.Name)
		}
		keys[p.PublicKey] = true
	}
	if c.DialTimeout.Duration() <= 0 {
		return ErrInvalidDialTimeout
	}
	if c.RedialInterval.Duration() <= 0 {
		return ErrInvalidRedialInterval
	}
	if c.WriteTimeout.Duration() <= 0 {
		return ErrInvalidWriteTimeout
	}
	if c.SendQueueSize <= 0 {
		return ErrInvalidSendQueueSize
	}
	return nil
}

// Peer returns the peer with name, or nil.
func (c *NetworkConfig) Peer(name string) *PeerConfig {
	for i := range c.Peers {
		if c.Peers[i].Name == name {
			return &c.Peers[i]
		}
	}
	return nil
}

// Validators parses the peer list into validators with zero stake.
func (c *NetworkConfig) Validators() ([]*types.Validator, error) {
	vals := make([]*types.Validator, len(c.Peers))
	for i, p := range c.Peers {
		pk, err := types.ParsePublicKey(p.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPeer, p.Name, err)
		}
		vals[i] = &types.Validator{Name: p.Name, PublicKey: pk}
	}
	return vals, nil
}

// Validate checks the consensus configuration for errors.
func (c *ConsensusConfig) Validate() error {
	if c.TotalCapacity <= 0 {
		return ErrInvalidTotalCapacity
	}
	if c.ProposeTimeout.Duration() <= 0 {
		return ErrInvalidProposeTimeout
	}
	if c.FollowTimeout.Duration() <= 0 {
		return ErrInvalidFollowTimeout
	}
	return nil
}

// Validate checks the genesis configuration for errors.
func (c *GenesisConfig) Validate() error {
	if c.InitialBalance == 0 {
		return ErrInvalidInitialBalance
	}
	return nil
}

// Validate checks the mempool configuration for errors.
func (c *MempoolConfig) Validate() error {
	if c.MaxTxs <= 0 {
		return ErrInvalidMaxTxs
	}
	return nil
}

// Validate checks the API configuration for errors.
func (c *APIConfig) Validate() error {
	if c.ListenAddr == "" {
		return ErrEmptyListenAddr
	}
	return nil
}

// Validate checks the block store configuration for errors.
func (c *BlockStoreConfig) Validate() error {
	switch c.Backend {
	case "memory":
		return nil
	case "leveldb", "badgerdb":
		if c.Path == "" {
			return ErrEmptyBlockStorePath
		}
		return nil
	default:
		return ErrInvalidBlockStoreBackend
	}
}

// Validate checks the WAL configuration for errors.
func (c *WALConfig) Validate() error {
	if c.Enabled && c.Path == "" {
		return ErrEmptyWALPath
	}
	return nil
}

// Validate checks the metrics configuration for errors.
func (c *MetricsConfig) Validate() error {
	if c.Enabled {
		if c.Namespace == "" {
			return ErrEmptyMetricsNamespace
		}
		if c.ListenAddr == "" {
			return ErrEmptyMetricsListenAddr
		}
	}
	return nil
}

// Validate checks the logging configuration for errors.
func (c *LoggingConfig) Validate() error {
	switch c.Level {
	case "debug", "info", "warn", "error":
		// Valid levels
	default:
		return ErrInvalidLogLevel
	}

	switch c.Format {
	case "text", "json":
		// Valid formats
	default:
		return ErrInvalidLogFormat
	}

	if c.Output == "" {
		return ErrEmptyLogOutput
	}

	return nil
}

// Validate checks the tracing configuration for errors.
func (c *TracingConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	switch c.Exporter {
	case "stdout":
	case "otlp-http":
		if c.Endpoint == "" {
			return ErrEmptyTraceEndpoint
		}
	default:
		return ErrInvalidTraceExporter
	}
	if c.SampleRate < 0 || c.SampleRate > 1 {
		return ErrInvalidSampleRate
	}
	return nil
}

// WriteConfigFile writes the configuration to a TOML file.
func WriteConfigFile(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating config file: %w", err)
	}
	defer f.Close()

	encoder := toml.NewEncoder(f)
	if err := encoder.Encode(cfg); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}

	return nil
}

// EnsureDataDirs creates the data directories specified in the configuration.
func (c *Config) EnsureDataDirs() error {
	dirs := []string{
		filepath.Dir(c.Node.PrivateKeyPath),
		filepath.Dir(c.Node.SignStatePath),
	}
	if c.BlockStore.Backend != "memory" {
		dirs = append(dirs, c.BlockStore.Path)
	}
	if c.WAL.Enabled {
		dirs = append(dirs, c.WAL.Path)
	}

	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}

	return nil
}

// ResolvePaths makes relative paths relative to base.
func (c *Config) ResolvePaths(base string) {
	resolve := func(p *string) {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(base, *p)
		}
	}
	resolve(&c.Node.PrivateKeyPath)
	resolve(&c.Node.SignStatePath)
	resolve(&c.BlockStore.Path)
	resolve(&c.WAL.Path)
}
