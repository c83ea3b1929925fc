// Package node assembles a BlockChat node from its configuration and manages
// the lifecycle of its components.
package node

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/blockberries/blockchat/api"
	"github.com/blockberries/blockchat/blockstore"
	"github.com/blockberries/blockchat/chain"
	"github.com/blockberries/blockchat/config"
	"github.com/blockberries/blockchat/engine"
	"github.com/blockberries/blockchat/evidence"
	"github.com/blockberries/blockchat/logging"
	"github.com/blockberries/blockchat/metrics"
	"github.com/blockberries/blockchat/p2p"
	"github.com/blockberries/blockchat/privval"
	"github.com/blockberries/blockchat/state"
	"github.com/blockberries/blockchat/tracing"
	"github.com/blockberries/blockchat/types"
	"github.com/blockberries/blockchat/wal"
)

// Lifecycle and identity errors
var (
	ErrAlreadyStarted = errors.New("node already started")
	ErrNotStarted     = errors.New("node not started")
	ErrStopped        = errors.New("node was stopped and cannot restart")
	ErrKeyMismatch    = errors.New("private key does not match the configured peer key")
)

// Node owns every component of a running peer.
type Node struct {
	cfg     *config.Config
	version string

	logger    *logging.Logger
	logCloser io.Closer
	metrics   metrics.Metrics
	promSrv   *http.Server
	shutdown  func(context.Context) error

	store     blockstore.BlockStore
	wal       wal.WAL
	signer    *privval.FilePV
	chain     *chain.Chain
	transport p2p.Transport
	engine    *engine.Engine
	api       *api.Server

	mu      sync.Mutex
	started bool
	stopped bool
}

// Option is a functional option for configuring a Node.
type Option func(*Node)

// WithTransport replaces the websocket transport.
func WithTransport(t p2p.Transport) Option {
	return func(n *Node) {
		n.transport = t
	}
}

// WithLogger replaces the logger built from the logging section.
func WithLogger(l *logging.Logger) Option {
	return func(n *Node) {
		n.logger = l
	}
}

// WithVersion sets the version reported to the tracing backend.
func WithVersion(v string) Option {
	return func(n *Node) {
		n.version = v
	}
}

// NewNode builds a node from cfg. Nothing listens or dials until Start.
func NewNode(cfg *config.Config, opts ...Option) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	n := &Node{cfg: cfg, version: "dev"}
	for _, opt := range opts {
		opt(n)
	}
	if err := n.build(); err != nil {
		_ = n.release()
		return nil, err
	}
	return n, nil
}

func (n *Node) build() error {
	cfg := n.cfg
	if n.logger == nil {
		w, closer, err := openLogOutput(cfg.Logging.Output)
		if err != nil {
			return err
		}
		n.logCloser = closer
		if n.logger, err = logging.NewFromOptions(w, cfg.Logging.Level, cfg.Logging.Format); err != nil {
			return err
		}
	}
	n.logger = n.logger.With(logging.ChainID(cfg.Node.ChainID), logging.Peer(cfg.Node.Name))

	n.metrics = metrics.NewNopMetrics()
	if cfg.Metrics.Enabled {
		prom := metrics.NewPrometheusMetrics(cfg.Metrics.Namespace)
		n.metrics = prom
		mux := http.NewServeMux()
		mux.Handle("/metrics", prom.HTTPHandler())
		n.promSrv = &http.Server{
			Addr:              cfg.Metrics.ListenAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	provider, shutdown, err := tracing.Setup(cfg.Tracing, cfg.Node.Name, n.version)
	if err != nil {
		return fmt.Errorf("setting up tracing: %w", err)
	}
	n.shutdown = shutdown

	genesis, err := Genesis(cfg)
	if err != nil {
		return err
	}

	if n.signer, err = privval.LoadFilePV(cfg.Node.PrivateKeyPath, cfg.Node.SignStatePath); err != nil {
		return fmt.Errorf("loading private key: %w", err)
	}
	self := genesis.Peers[indexOf(cfg, cfg.Node.Name)]
	if !types.PublicKeyEqual(self.PublicKey, n.signer.GetPubKey()) {
		return fmt.Errorf("%w: %s", ErrKeyMismatch, cfg.Node.Name)
	}

	if n.store, err = blockstore.New(cfg.BlockStore); err != nil {
		return fmt.Errorf("opening block store: %w", err)
	}
	n.wal = &wal.NopWAL{}
	if cfg.WAL.Enabled {
		if n.wal, err = wal.NewFileWAL(cfg.WAL.Path); err != nil {
			return fmt.Errorf("opening WAL: %w", err)
		}
	}

	n.chain, err = chain.New(genesis, cfg.Capacity(), chain.Options{
		Store:   n.store,
		WAL:     n.wal,
		Signer:  n.signer,
		MaxTxs:  cfg.Mempool.MaxTxs,
		Logger:  n.logger,
		Metrics: n.metrics,
		Tracer:  tracing.Tracer(provider),
	})
	if err != nil {
		return fmt.Errorf("creating chain: %w", err)
	}

	if n.transport == nil {
		ws := p2p.NewWSTransport(p2p.ConfigFrom(cfg.Node.Name, cfg.Network))
		ws.SetLogger(n.logger)
		ws.SetMetrics(n.metrics)
		n.transport = ws
	}

	n.engine = engine.NewEngine(engine.ConfigFrom(cfg.Consensus), n.chain, n.transport,
		evidence.NewPool(evidence.DefaultConfig()))
	n.engine.SetLogger(n.logger)
	n.engine.SetMetrics(n.metrics)

	n.api = api.NewServer(api.ConfigFrom(cfg.API), cfg.Node.Name, n.engine)
	n.api.SetLogger(n.logger)
	n.api.SetMetrics(n.metrics)

	return nil
}

// Genesis derives the genesis parameters from the configured membership.
func Genesis(cfg *config.Config) (*state.Genesis, error) {
	peers, err := cfg.Network.Validators()
	if err != nil {
		return nil, err
	}
	i := indexOf(cfg, cfg.Genesis.Bootstrap)
	if i < 0 {
		return nil, fmt.Errorf("%w: %s", config.ErrUnknownBootstrap, cfg.Genesis.Bootstrap)
	}
	g := &state.Genesis{
		ChainID:        cfg.Node.ChainID,
		Peers:          peers,
		InitialBalance: cfg.Genesis.InitialBalance,
		Bootstrap:      peers[i].PublicKey,
	}
	if err := g.ValidateBasic(); err != nil {
		return nil, err
	}
	return g, nil
}

// Start recovers the chain and brings up the network, the engine and the API.
func (n *Node) Start() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.started {
		return ErrAlreadyStarted
	}
	if n.stopped {
		return ErrStopped
	}

	if err := n.wal.Start(); err != nil {
		return fmt.Errorf("starting WAL: %w", err)
	}
	res, err := n.chain.Recover(context.Background())
	if err != nil {
		_ = n.wal.Stop()
		return fmt.Errorf("recovering chain: %w", err)
	}

	if err := n.transport.Start(); err != nil {
		_ = n.wal.Stop()
		return fmt.Errorf("starting transport: %w", err)
	}
	if err := n.engine.Start(); err != nil {
		_ = n.transport.Stop()
		_ = n.wal.Stop()
		return fmt.Errorf("starting engine: %w", err)
	}
	if err := n.api.Start(); err != nil {
		_ = n.engine.Stop()
		_ = n.transport.Stop()
		_ = n.wal.Stop()
		return fmt.Errorf("starting API: %w", err)
	}
	if n.promSrv != nil {
		ln, err := net.Listen("tcp", n.promSrv.Addr)
		if err != nil {
			_ = n.api.Stop()
			_ = n.engine.Stop()
			_ = n.transport.Stop()
			_ = n.wal.Stop()
			return fmt.Errorf("starting metrics server: %w", err)
		}
		go func() {
			if err := n.promSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				n.logger.Error("Metrics server stopped", logging.Error(err))
			}
		}()
	}

	n.started = true
	n.logger.Info("Node started",
		logging.Height(res.Height),
		"capacity", n.chain.Capacity(),
		"api", n.api.Addr(),
	)
	return nil
}

// Stop stops every component in reverse order and closes storage.
func (n *Node) Stop() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.started {
		return ErrNotStarted
	}
	n.started = false
	n.stopped = true

	var errs []error
	if n.promSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		errs = append(errs, n.promSrv.Shutdown(ctx))
		cancel()
	}
	errs = append(errs,
		n.api.Stop(),
		n.engine.Stop(),
		n.transport.Stop(),
		n.wal.Stop(),
	)
	n.logger.Info("Node stopped", logging.Height(n.chain.Height()))
	errs = append(errs, n.release())
	return errors.Join(errs...)
}

// release closes what NewNode opened.
func (n *Node) release() error {
	var errs []error
	if n.store != nil {
		errs = append(errs, n.store.Close())
	}
	if n.shutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		errs = append(errs, n.shutdown(ctx))
		cancel()
	}
	if n.logCloser != nil {
		errs = append(errs, n.logCloser.Close())
	}
	return errors.Join(errs...)
}

// IsRunning returns whether the node is running.
func (n *Node) IsRunning() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.started
}

// Chain returns the node's chain.
func (n *Node) Chain() *chain.Chain {
	return n.chain
}

// Engine returns the node's engine.
func (n *Node) Engine() *engine.Engine {
	return n.engine
}

// APIAddr returns the bound API address, or "" before Start.
func (n *Node) APIAddr() string {
	return n.api.Addr()
}

func indexOf(cfg *config.Config, name string) int {
	for i, p := range cfg.Network.Peers {
		if p.Name == name {
			return i
		}
	}
	return -1
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// openLogOutput resolves "stdout", "stderr" or a file path.
func openLogOutput(output string) (io.Writer, io.Closer, error) {
	switch output {
	case "stdout":
		return os.Stdout, nopCloser{}, nil
	case "stderr", "":
		return os.Stderr, nopCloser{}, nil
	}
	f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("opening log output: %w", err)
	}
	return f, f, nil
}
