package p2p

import (
	"fmt"
	"sort"
	"sync"
)

// LocalNetwork connects in-process transports. Messages are encoded and
// decoded on delivery, so every receiver gets its own copy exactly as it
// would from the wire.
type LocalNetwork struct {
	mu    sync.RWMutex
	nodes map[string]*LocalTransport
}

// NewLocalNetwork creates an empty network.
func NewLocalNetwork() *LocalNetwork {
	return &LocalNetwork{nodes: make(map[string]*LocalTransport)}
}

// Join registers a peer and returns its transport. Joining a name twice
// returns the existing transport.
func (n *LocalNetwork) Join(name string) *LocalTransport {
	n.mu.Lock()
	defer n.mu.Unlock()

	if t, ok := n.nodes[name]; ok {
		return t
	}
	t := &LocalTransport{
		name:    name,
		network: n,
		recv:    make(chan Envelope, DefaultReceiveQueueSize),
		online:  true,
	}
	n.nodes[name] = t
	return t
}

// SetOnline connects or disconnects a peer. Messages to or from an offline
// peer are dropped.
func (n *LocalNetwork) SetOnline(name string, online bool) {
	n.mu.RLock()
	t := n.nodes[name]
	n.mu.RUnlock()
	if t != nil {
		t.mu.Lock()
		t.online = online
		t.mu.Unlock()
	}
}

func (n *LocalNetwork) deliver(from *LocalTransport, to string, data []byte) error {
	n.mu.RLock()
	dst := n.nodes[to]
	n.mu.RUnlock()
	if dst == nil {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, to)
	}
	if !from.isUp() || !dst.isUp() {
		return fmt.Errorf("%w: %s", ErrPeerNotConnected, to)
	}

	msg, err := DecodeMessage(data)
	if err != nil {
		return err
	}
	select {
	case dst.recv <- Envelope{From: from.name, Message: msg}:
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrSendQueueFull, to)
	}
}

func (n *LocalNetwork) others(self string) []string {
	n.mu.RLock()
	defer n.mu.RUnlock()

	names := make([]string, 0, len(n.nodes))
	for name := range n.nodes {
		if name != self {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// LocalTransport is one peer's endpoint on a LocalNetwork.
type LocalTransport struct {
	name    string
	network *LocalNetwork
	recv    chan Envelope

	mu      sync.RWMutex
	online  bool
	stopped bool
}

var _ Transport = (*LocalTransport)(nil)

func (t *LocalTransport) isUp() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.online && !t.stopped
}

// Start is a no-op; local transports are live once joined.
func (t *LocalTransport) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = false
	return nil
}

// Stop detaches the transport from the network.
func (t *LocalTransport) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	return nil
}

// Broadcast delivers msg to every other online peer. Offline peers are skipped.
func (t *LocalTransport) Broadcast(msg *Message) error {
	if !t.isUp() {
		return ErrTransportClosed
	}
	data, err := EncodeMessage(msg)
	if err != nil {
		return err
	}
	for _, peer := range t.network.others(t.name) {
		// offline peers miss the message, as on a real network
		_ = t.network.deliver(t, peer, data)
	}
	return nil
}

// Send delivers msg to one peer.
func (t *LocalTransport) Send(peer string, msg *Message) error {
	if !t.isUp() {
		return ErrTransportClosed
	}
	data, err := EncodeMessage(msg)
	if err != nil {
		return err
	}
	return t.network.deliver(t, peer, data)
}

// Receive returns the inbound channel.
func (t *LocalTransport) Receive() <-chan Envelope {
	return t.recv
}

// Peers lists the other members of the network.
func (t *LocalTransport) Peers() []PeerInfo {
	names := t.network.others(t.name)
	infos := make([]PeerInfo, 0, len(names))
	for _, name := range names {
		t.network.mu.RLock()
		peer := t.network.nodes[name]
		t.network.mu.RUnlock()
		infos = append(infos, PeerInfo{Name: name, Connected: t.isUp() && peer.isUp()})
	}
	return infos
}
