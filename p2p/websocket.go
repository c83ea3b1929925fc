package p2p

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/blockberries/blockchat/config"
	"github.com/blockberries/blockchat/logging"
	"github.com/blockberries/blockchat/metrics"
)

const (
	// Path is the HTTP path peers upgrade on.
	Path = "/p2p"

	// PeerHeader carries the dialing peer's configured name.
	PeerHeader = "X-Blockchat-Peer"
)

// Config contains websocket transport configuration.
type Config struct {
	// Name is the local peer's name.
	Name string

	// ListenAddr is the host:port to accept peer connections on.
	ListenAddr string

	// Peers maps every other peer's name to its address.
	Peers map[string]string

	DialTimeout    time.Duration
	RedialInterval time.Duration
	WriteTimeout   time.Duration

	// SendQueueSize is the per-peer outbound buffer.
	SendQueueSize int

	// ReceiveQueueSize is the shared inbound buffer.
	ReceiveQueueSize int

	// MaxMessageSize bounds one inbound message, fragments included.
	MaxMessageSize int64
}

// ConfigFrom builds a transport config for the peer called name.
func ConfigFrom(name string, cfg config.NetworkConfig) Config {
	peers := make(map[string]string, len(cfg.Peers))
	for _, p := range cfg.Peers {
		if p.Name != name {
			peers[p.Name] = p.Address
		}
	}
	return Config{
		Name:             name,
		ListenAddr:       cfg.ListenAddr,
		Peers:            peers,
		DialTimeout:      cfg.DialTimeout.Duration(),
		RedialInterval:   cfg.RedialInterval.Duration(),
		WriteTimeout:     cfg.WriteTimeout.Duration(),
		SendQueueSize:    cfg.SendQueueSize,
		ReceiveQueueSize: DefaultReceiveQueueSize,
	}
}

// WSTransport links every pair of peers with one websocket connection. Of
// each pair, the peer whose name sorts first dials and the other accepts.
// Frames are binary websocket messages.
type WSTransport struct {
	cfg      Config
	upgrader ws.HTTPUpgrader
	logger   *logging.Logger
	metrics  metrics.Metrics

	server   *http.Server
	listener net.Listener

	mu    sync.RWMutex
	conns map[string]*peerConn
	recv  chan Envelope

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

var _ Transport = (*WSTransport)(nil)

// NewWSTransport creates a transport. Call Start to begin listening and dialing.
func NewWSTransport(cfg Config) *WSTransport {
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = 1024
	}
	if cfg.ReceiveQueueSize <= 0 {
		cfg.ReceiveQueueSize = DefaultReceiveQueueSize
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 3 * time.Second
	}
	if cfg.RedialInterval <= 0 {
		cfg.RedialInterval = 2 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = MaxMessageSize
	}

	t := &WSTransport{
		cfg:     cfg,
		logger:  logging.NewNopLogger().WithComponent("p2p"),
		metrics: metrics.NewNopMetrics(),
		conns:   make(map[string]*peerConn),
		recv:    make(chan Envelope, cfg.ReceiveQueueSize),
	}
	t.upgrader = ws.HTTPUpgrader{
		Timeout: cfg.DialTimeout,
	}
	return t
}

// SetLogger sets the logger for the transport.
func (t *WSTransport) SetLogger(logger *logging.Logger) {
	if logger != nil {
		t.logger = logger.WithComponent("p2p")
	}
}

// SetMetrics sets the metrics collector for the transport.
func (t *WSTransport) SetMetrics(m metrics.Metrics) {
	if m != nil {
		t.metrics = m
	}
}

// Start listens for inbound peers and starts dialing outbound peers.
func (t *WSTransport) Start() error {
	if t.running.Swap(true) {
		return nil
	}

	ln, err := net.Listen("tcp", t.cfg.ListenAddr)
	if err != nil {
		t.running.Store(false)
		return fmt.Errorf("listen on %s: %w", t.cfg.ListenAddr, err)
	}
	t.listener = ln
	t.ctx, t.cancel = context.WithCancel(context.Background())

	mux := http.NewServeMux()
	mux.HandleFunc(Path, t.handleUpgrade)
	t.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: t.cfg.DialTimeout,
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		if err := t.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.logger.Error("peer listener stopped", logging.Error(err))
		}
	}()

	for name, addr := range t.cfg.Peers {
		if t.dials(name) {
			t.wg.Add(1)
			go t.dialLoop(name, addr)
		}
	}

	t.logger.Info("p2p transport started",
		logging.Address(ln.Addr().String()),
		logging.Count(len(t.cfg.Peers)),
	)
	return nil
}

// Stop closes the listener and every peer connection.
func (t *WSTransport) Stop() error {
	if !t.running.Swap(false) {
		return nil
	}

	t.cancel()
	err := t.server.Close()

	t.mu.Lock()
	for _, pc := range t.conns {
		pc.close()
	}
	t.mu.Unlock()

	t.wg.Wait()
	return err
}

// Addr returns the bound listen address, useful with port 0.
func (t *WSTransport) Addr() string {
	if t.listener == nil {
		return t.cfg.ListenAddr
	}
	return t.listener.Addr().String()
}

// dials reports whether the local peer initiates the link to peer.
func (t *WSTransport) dials(peer string) bool {
	return t.cfg.Name < peer
}

func (t *WSTransport) dialLoop(name, addr string) {
	defer t.wg.Done()

	log := t.logger.WithPeer(name)
	for {
		pc, err := t.dial(name, addr)
		if err != nil {
			t.metrics.IncPeerConnections("failure")
			log.Debug("dial failed", logging.Address(addr), logging.Error(err))
		} else {
			// wait for the link to drop before redialing
			select {
			case <-pc.ctx.Done():
			case <-t.ctx.Done():
				return
			}
		}

		select {
		case <-t.ctx.Done():
			return
		case <-time.After(t.cfg.RedialInterval):
		}
	}
}

func (t *WSTransport) dial(name, addr string) (*peerConn, error) {
	dialer := ws.Dialer{
		Timeout: t.cfg.DialTimeout,
		Header:  ws.HandshakeHeaderHTTP(http.Header{PeerHeader: []string{t.cfg.Name}}),
	}
	ctx, cancel := context.WithTimeout(t.ctx, t.cfg.DialTimeout)
	defer cancel()

	conn, _, _, err := dialer.Dial(ctx, "ws://"+addr+Path)
	if err != nil {
		return nil, err
	}
	return t.addConn(name, conn, true)
}

func (t *WSTransport) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if !t.running.Load() {
		http.Error(w, "transport not running", http.StatusServiceUnavailable)
		return
	}

	name := r.Header.Get(PeerHeader)
	if _, ok := t.cfg.Peers[name]; !ok {
		t.metrics.IncPeerConnections("rejected")
		http.Error(w, "unknown peer", http.StatusForbidden)
		return
	}
	if t.dials(name) {
		t.metrics.IncPeerConnections("rejected")
		http.Error(w, "this peer dials "+name, http.StatusConflict)
		return
	}
	// a live link is kept until it fails
	if t.connected(name) {
		t.metrics.IncPeerConnections("rejected")
		http.Error(w, ErrAlreadyConnected.Error(), http.StatusConflict)
		return
	}

	conn, _, _, err := t.upgrader.Upgrade(r, w)
	if err != nil {
		// Upgrader already wrote error response
		return
	}
	if _, err := t.addConn(name, conn, false); err != nil {
		t.logger.Debug("inbound link refused", logging.Peer(name), logging.Error(err))
	}
}

// connected reports whether a live link to name exists.
func (t *WSTransport) connected(name string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	pc, ok := t.conns[name]
	return ok && pc.ctx.Err() == nil
}

func (t *WSTransport) addConn(name string, conn net.Conn, client bool) (*peerConn, error) {
	ctx, cancel := context.WithCancel(t.ctx)
	pc := &peerConn{
		name:   name,
		conn:   conn,
		client: client,
		sendCh: make(chan []byte, t.cfg.SendQueueSize),
		ctx:    ctx,
		cancel: cancel,
	}

	t.mu.Lock()
	if old, ok := t.conns[name]; ok {
		if old.ctx.Err() == nil {
			t.mu.Unlock()
			pc.close()
			t.metrics.IncPeerConnections("rejected")
			return nil, fmt.Errorf("%w: %s", ErrAlreadyConnected, name)
		}
		old.close()
	}
	t.conns[name] = pc
	connected := len(t.conns)
	t.mu.Unlock()

	t.metrics.IncPeerConnections("success")
	t.metrics.SetPeersConnected(connected)
	t.logger.Info("peer connected", logging.Peer(name), "outbound", client)

	t.wg.Add(2)
	go func() {
		defer t.wg.Done()
		t.writeLoop(pc)
	}()
	go func() {
		defer t.wg.Done()
		t.readLoop(pc)
		t.removeConn(pc)
	}()
	return pc, nil
}

func (t *WSTransport) removeConn(pc *peerConn) {
	pc.close()

	t.mu.Lock()
	if t.conns[pc.name] == pc {
		delete(t.conns, pc.name)
	}
	connected := len(t.conns)
	t.mu.Unlock()

	t.metrics.SetPeersConnected(connected)
	t.logger.Info("peer disconnected", logging.Peer(pc.name))
}

func (t *WSTransport) readLoop(pc *peerConn) {
	defer pc.cancel()

	state := ws.StateServerSide
	if pc.client {
		state = ws.StateClientSide
	}
	control := wsutil.ControlFrameHandler(pc, state)
	rd := &wsutil.Reader{
		Source:         pc.conn,
		State:          state,
		MaxFrameSize:   t.cfg.MaxMessageSize,
		OnIntermediate: control,
	}

	for {
		hdr, err := rd.NextFrame()
		if err != nil {
			if errors.Is(err, wsutil.ErrFrameTooLarge) {
				t.metrics.IncMessageErrors("unknown", "too_large")
				t.logger.Warn("dropping peer that sent an oversized frame",
					logging.Peer(pc.name), "length", hdr.Length)
			}
			return
		}
		if hdr.OpCode.IsControl() {
			if err := control(hdr, rd); err != nil {
				return
			}
			continue
		}
		if hdr.OpCode != ws.OpBinary {
			if err := rd.Discard(); err != nil {
				return
			}
			continue
		}

		// fragments share the limit of a single frame
		data, err := io.ReadAll(io.LimitReader(rd, t.cfg.MaxMessageSize+1))
		if err != nil {
			return
		}
		if int64(len(data)) > t.cfg.MaxMessageSize {
			t.metrics.IncMessageErrors("unknown", "too_large")
			t.logger.Warn("dropping peer that sent an oversized message", logging.Peer(pc.name))
			return
		}

		msg, err := DecodeMessage(data)
		if err != nil {
			t.metrics.IncMessageErrors("unknown", "decode")
			t.logger.Debug("dropping undecodable frame", logging.Peer(pc.name), logging.Error(err))
			continue
		}
		t.metrics.IncMessagesReceived(msg.Type.String())
		t.metrics.ObserveMessageSize(msg.Type.String(), len(data))

		select {
		case t.recv <- Envelope{From: pc.name, Message: msg}:
		case <-pc.ctx.Done():
			return
		}
	}
}

func (t *WSTransport) writeLoop(pc *peerConn) {
	defer pc.cancel()

	for {
		select {
		case <-pc.ctx.Done():
			return
		case data := <-pc.sendCh:
			if err := pc.write(data, t.cfg.WriteTimeout); err != nil {
				t.logger.Debug("write failed", logging.Peer(pc.name), logging.Error(err))
				return
			}
		}
	}
}

// Broadcast queues msg for every connected peer.
func (t *WSTransport) Broadcast(msg *Message) error {
	if !t.running.Load() {
		return ErrTransportClosed
	}
	data, err := EncodeMessage(msg)
	if err != nil {
		return err
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	var errs []error
	for _, pc := range t.conns {
		if err := t.enqueue(pc, msg.Type, data); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Send queues msg for one peer.
func (t *WSTransport) Send(peer string, msg *Message) error {
	if !t.running.Load() {
		return ErrTransportClosed
	}
	if _, ok := t.cfg.Peers[peer]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, peer)
	}
	data, err := EncodeMessage(msg)
	if err != nil {
		return err
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	pc, ok := t.conns[peer]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPeerNotConnected, peer)
	}
	return t.enqueue(pc, msg.Type, data)
}

func (t *WSTransport) enqueue(pc *peerConn, typ MessageType, data []byte) error {
	select {
	case pc.sendCh <- data:
		t.metrics.IncMessagesSent(typ.String())
		return nil
	default:
		t.metrics.IncMessageErrors(typ.String(), "queue_full")
		return fmt.Errorf("%w: %s", ErrSendQueueFull, pc.name)
	}
}

// Receive returns the inbound channel.
func (t *WSTransport) Receive() <-chan Envelope {
	return t.recv
}

// Peers reports every configured peer, sorted by name.
func (t *WSTransport) Peers() []PeerInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()

	infos := make([]PeerInfo, 0, len(t.cfg.Peers))
	for name, addr := range t.cfg.Peers {
		_, connected := t.conns[name]
		infos = append(infos, PeerInfo{Name: name, Address: addr, Connected: connected})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// peerConn is one live websocket link.
type peerConn struct {
	name   string
	conn   net.Conn
	client bool

	writeMu sync.Mutex // Protects writes to conn
	sendCh  chan []byte

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func (pc *peerConn) write(data []byte, timeout time.Duration) error {
	pc.writeMu.Lock()
	defer pc.writeMu.Unlock()

	pc.conn.SetWriteDeadline(time.Now().Add(timeout))
	if pc.client {
		return wsutil.WriteClientMessage(pc.conn, ws.OpBinary, data)
	}
	return wsutil.WriteServerMessage(pc.conn, ws.OpBinary, data)
}

// Write sends raw frame bytes, such as control replies, between messages.
func (pc *peerConn) Write(p []byte) (int, error) {
	pc.writeMu.Lock()
	defer pc.writeMu.Unlock()
	return pc.conn.Write(p)
}

func (pc *peerConn) close() {
	pc.closeOnce.Do(func() {
		pc.cancel()
		pc.conn.Close()
	})
}
