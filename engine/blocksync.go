package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/blockberries/blockchat/logging"
	"github.com/blockberries/blockchat/types"
)

// Block sync defaults
const (
	// DefaultSyncRequestTimeout is the timeout for block requests
	DefaultSyncRequestTimeout = 10 * time.Second

	// DefaultMaxPendingRequests is the max concurrent block requests
	DefaultMaxPendingRequests = 5
)

// BlockProvider sends block requests to peers
type BlockProvider interface {
	// RequestBlock asks peer for the block stored at height
	RequestBlock(peer string, height uint64) error
}

// BlockSyncState tracks the state of block synchronization
type BlockSyncState int

const (
	// BlockSyncStateIdle - not syncing
	BlockSyncStateIdle BlockSyncState = iota
	// BlockSyncStateSyncing - actively syncing blocks
	BlockSyncStateSyncing
	// BlockSyncStateCaughtUp - caught up with network
	BlockSyncStateCaughtUp
)

// String returns the state name
func (s BlockSyncState) String() string {
	switch s {
	case BlockSyncStateIdle:
		return "idle"
	case BlockSyncStateSyncing:
		return "syncing"
	case BlockSyncStateCaughtUp:
		return "caught_up"
	default:
		return "unknown"
	}
}

// BlockSyncer fetches blocks a node missed from peers that announced a
// greater height. Responses are buffered and handed out strictly in height
// order so the chain can apply them one by one.
type BlockSyncer struct {
	mu sync.RWMutex

	state    BlockSyncState
	provider BlockProvider
	peerSet  *PeerSet
	logger   *logging.Logger

	// Sync progress
	startHeight   uint64
	targetHeight  uint64
	currentHeight uint64

	pendingRequests map[uint64]*blockRequest
	received        map[uint64]*types.Block
	requestTimeout  time.Duration
	maxPending      int

	now func() time.Time
}

// blockRequest tracks a pending block request
type blockRequest struct {
	height    uint64
	peer      string
	requestAt time.Time
}

// NewBlockSyncer creates a new block syncer
func NewBlockSyncer(
	provider BlockProvider,
	peerSet *PeerSet,
	requestTimeout time.Duration,
	maxPending int,
	logger *logging.Logger,
) *BlockSyncer {
	if requestTimeout <= 0 {
		requestTimeout = DefaultSyncRequestTimeout
	}
	if maxPending <= 0 {
		maxPending = DefaultMaxPendingRequests
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &BlockSyncer{
		provider:        provider,
		peerSet:         peerSet,
		logger:          logger,
		state:           BlockSyncStateIdle,
		pendingRequests: make(map[uint64]*blockRequest),
		received:        make(map[uint64]*types.Block),
		requestTimeout:  requestTimeout,
		maxPending:      maxPending,
		now:             time.Now,
	}
}

// GetState returns the current sync state
func (bs *BlockSyncer) GetState() BlockSyncState {
	bs.mu.RLock()
	defer bs.mu.RUnlock()
	return bs.state
}

// GetProgress returns sync progress (current, target)
func (bs *BlockSyncer) GetProgress() (current, target uint64) {
	bs.mu.RLock()
	defer bs.mu.RUnlock()
	return bs.currentHeight, bs.targetHeight
}

// IsSyncing returns true if actively syncing
func (bs *BlockSyncer) IsSyncing() bool {
	bs.mu.RLock()
	defer bs.mu.RUnlock()
	return bs.state == BlockSyncStateSyncing
}

// Tick updates the sync target from peer heights, expires stale requests and
// issues new ones. ourHeight is the local chain height.
func (bs *BlockSyncer) Tick(ourHeight uint64) {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	bs.advanceLocked(ourHeight)
	bs.updateTargetLocked()
	bs.checkTimeoutsLocked()
	bs.requestMissingLocked()
}

func (bs *BlockSyncer) advanceLocked(ourHeight uint64) {
	if ourHeight < bs.currentHeight {
		return
	}
	bs.currentHeight = ourHeight
	for h := range bs.received {
		if h <= ourHeight {
			delete(bs.received, h)
		}
	}
	for h := range bs.pendingRequests {
		if h <= ourHeight {
			delete(bs.pendingRequests, h)
		}
	}
}

func (bs *BlockSyncer) updateTargetLocked() {
	target := bs.currentHeight
	if peerMax := bs.peerSet.MaxHeight(); peerMax > target {
		target = peerMax
	}
	bs.targetHeight = target

	if bs.currentHeight >= bs.targetHeight {
		if bs.state == BlockSyncStateSyncing {
			bs.state = BlockSyncStateCaughtUp
			bs.logger.Info("Caught up", logging.Height(bs.currentHeight))
		}
		return
	}
	if bs.state != BlockSyncStateSyncing {
		if bs.state == BlockSyncStateCaughtUp {
			bs.logger.Info("Fell behind, resuming sync",
				logging.Height(bs.currentHeight), "target", bs.targetHeight)
		} else {
			bs.logger.Info("Starting sync",
				logging.Height(bs.currentHeight), "target", bs.targetHeight)
		}
		bs.state = BlockSyncStateSyncing
		bs.startHeight = bs.currentHeight
	}
}

// requestMissingLocked requests blocks we need
func (bs *BlockSyncer) requestMissingLocked() {
	if bs.state != BlockSyncStateSyncing {
		return
	}

	for height := bs.currentHeight + 1; height <= bs.targetHeight; height++ {
		if len(bs.pendingRequests) >= bs.maxPending {
			break
		}
		if _, exists := bs.pendingRequests[height]; exists {
			continue
		}
		if _, exists := bs.received[height]; exists {
			continue
		}

		peer := bs.findPeerForHeight(height)
		if peer == "" {
			continue
		}

		if err := bs.provider.RequestBlock(peer, height); err != nil {
			bs.logger.Debug("Failed to request block",
				logging.Height(height), logging.Peer(peer), logging.Error(err))
			continue
		}

		bs.pendingRequests[height] = &blockRequest{
			height:    height,
			peer:      peer,
			requestAt: bs.now(),
		}
	}
}

// findPeerForHeight picks the peer with the greatest announced height, so
// requests for one range go to one peer with the same chain.
func (bs *BlockSyncer) findPeerForHeight(height uint64) string {
	var best *PeerState
	for _, peer := range bs.peerSet.AllPeers() {
		if peer.Height() < height {
			continue
		}
		if best == nil || peer.Height() > best.Height() {
			best = peer
		}
	}
	if best == nil {
		return ""
	}
	return best.Name()
}

func (bs *BlockSyncer) checkTimeoutsLocked() {
	now := bs.now()
	for height, req := range bs.pendingRequests {
		if now.Sub(req.requestAt) > bs.requestTimeout {
			bs.logger.Debug("Block request timed out",
				logging.Height(height), logging.Peer(req.peer))
			delete(bs.pendingRequests, height)
		}
	}
}

// ReceiveBlock buffers a block response from peer. A nil block means the
// peer had nothing at that height and frees the request for another peer.
func (bs *BlockSyncer) ReceiveBlock(peer string, height uint64, block *types.Block) error {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	req, exists := bs.pendingRequests[height]
	if !exists || req.peer != peer {
		return fmt.Errorf("%w: height %d from %s", ErrUnsolicitedBlock, height, peer)
	}
	delete(bs.pendingRequests, height)

	if block == nil {
		return nil
	}
	if height <= bs.currentHeight {
		return nil
	}
	bs.received[height] = block
	return nil
}

// NextBlock removes and returns the buffered block for the height after the
// current one, if it has arrived.
func (bs *BlockSyncer) NextBlock() (uint64, *types.Block, bool) {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	height := bs.currentHeight + 1
	block, ok := bs.received[height]
	if !ok {
		return 0, nil, false
	}
	delete(bs.received, height)
	return height, block, true
}

// BlockApplied records that the chain reached height
func (bs *BlockSyncer) BlockApplied(height uint64) {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	bs.advanceLocked(height)
	if bs.state == BlockSyncStateSyncing && bs.currentHeight >= bs.targetHeight {
		bs.state = BlockSyncStateCaughtUp
		bs.logger.Info("Caught up", logging.Height(bs.currentHeight))
		return
	}
	bs.requestMissingLocked()
}

// SyncStatus contains sync progress information
type SyncStatus struct {
	State         BlockSyncState
	StartHeight   uint64
	CurrentHeight uint64
	TargetHeight  uint64
	Pending       int
	Buffered      int
}

// Status returns the current sync status
func (bs *BlockSyncer) Status() SyncStatus {
	bs.mu.RLock()
	defer bs.mu.RUnlock()

	return SyncStatus{
		State:         bs.state,
		StartHeight:   bs.startHeight,
		CurrentHeight: bs.currentHeight,
		TargetHeight:  bs.targetHeight,
		Pending:       len(bs.pendingRequests),
		Buffered:      len(bs.received),
	}
}
