package engine

import (
	"sort"
	"sync"
	"time"

	"github.com/blockberries/blockchat/types"
)

// PeerState tracks the last chain status a peer announced
type PeerState struct {
	mu sync.RWMutex

	name       string
	height     uint64
	tip        types.Hash
	lastSeen   time.Time
	catchingUp bool
}

// NewPeerState creates a new PeerState for tracking a peer
func NewPeerState(name string) *PeerState {
	return &PeerState{
		name:     name,
		lastSeen: time.Now(),
	}
}

// Name returns the peer's name
func (ps *PeerState) Name() string {
	return ps.name
}

// ApplyStatus records an announced height and tip. Heights never move
// backwards: a stale status delivered late is ignored.
func (ps *PeerState) ApplyStatus(height uint64, tip types.Hash) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	ps.lastSeen = time.Now()
	if height < ps.height {
		return
	}
	ps.height = height
	ps.tip = types.Hash{Data: append([]byte(nil), tip.Data...)}
}

// Height returns the peer's last announced height
func (ps *PeerState) Height() uint64 {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return ps.height
}

// Tip returns the peer's last announced tip hash
func (ps *PeerState) Tip() types.Hash {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return ps.tip
}

// LastSeen returns when the peer was last heard from
func (ps *PeerState) LastSeen() time.Time {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return ps.lastSeen
}

// SetCatchingUp marks whether the peer is behind us
func (ps *PeerState) SetCatchingUp(catching bool) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.catchingUp = catching
}

// IsCatchingUp reports whether the peer is behind us
func (ps *PeerState) IsCatchingUp() bool {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return ps.catchingUp
}

// PeerSet tracks the chain status of all peers
type PeerSet struct {
	mu    sync.RWMutex
	peers map[string]*PeerState
}

// NewPeerSet creates a new PeerSet
func NewPeerSet() *PeerSet {
	return &PeerSet{
		peers: make(map[string]*PeerState),
	}
}

// AddPeer adds a new peer to track
func (ps *PeerSet) AddPeer(name string) *PeerState {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if existing, ok := ps.peers[name]; ok {
		return existing
	}

	peerState := NewPeerState(name)
	ps.peers[name] = peerState
	return peerState
}

// GetPeer returns a peer's state
func (ps *PeerSet) GetPeer(name string) *PeerState {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return ps.peers[name]
}

// AllPeers returns all peer states ordered by name
func (ps *PeerSet) AllPeers() []*PeerState {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	peers := make([]*PeerState, 0, len(ps.peers))
	for _, p := range ps.peers {
		peers = append(peers, p)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].name < peers[j].name })
	return peers
}

// MaxHeight returns the highest height any peer announced
func (ps *PeerSet) MaxHeight() uint64 {
	var highest uint64
	for _, p := range ps.AllPeers() {
		if h := p.Height(); h > highest {
			highest = h
		}
	}
	return highest
}

// MarkPeerCatchingUp flags the peer as behind when its height is below ours
func (ps *PeerSet) MarkPeerCatchingUp(name string, ourHeight uint64) {
	peer := ps.GetPeer(name)
	if peer == nil {
		return
	}
	peer.SetCatchingUp(peer.Height() < ourHeight)
}

// CatchingUpPeers returns peers known to be behind
func (ps *PeerSet) CatchingUpPeers() []*PeerState {
	var peers []*PeerState
	for _, p := range ps.AllPeers() {
		if p.IsCatchingUp() {
			peers = append(peers, p)
		}
	}
	return peers
}
