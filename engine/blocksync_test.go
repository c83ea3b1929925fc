package engine

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/blockberries/blockchat/types"
)

type blockReq struct {
	peer   string
	height uint64
}

// mockBlockProvider implements BlockProvider for testing
type mockBlockProvider struct {
	mu       sync.Mutex
	requests []blockReq
	fail     bool
}

func (p *mockBlockProvider) RequestBlock(peer string, height uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.New("send failed")
	}
	p.requests = append(p.requests, blockReq{peer: peer, height: height})
	return nil
}

func (p *mockBlockProvider) taken() []blockReq {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.requests
	p.requests = nil
	return out
}

func testBlock(ts int64) *types.Block {
	return types.NewBlock(ts, nil, types.PublicKey{}, types.HashEmpty())
}

func newTestSyncer(maxPending int) (*BlockSyncer, *mockBlockProvider, *PeerSet) {
	provider := &mockBlockProvider{}
	peers := NewPeerSet()
	return NewBlockSyncer(provider, peers, time.Second, maxPending, nil), provider, peers
}

func TestBlockSyncerIdleWithoutPeersAhead(t *testing.T) {
	bs, provider, peers := newTestSyncer(5)
	peers.AddPeer("node1").ApplyStatus(3, types.HashEmpty())

	bs.Tick(3)

	if bs.GetState() != BlockSyncStateIdle {
		t.Errorf("expected idle, got %s", bs.GetState())
	}
	if reqs := provider.taken(); len(reqs) != 0 {
		t.Errorf("expected no requests, got %d", len(reqs))
	}
}

func TestBlockSyncerRequestsMissingBlocks(t *testing.T) {
	bs, provider, peers := newTestSyncer(3)
	peers.AddPeer("node1").ApplyStatus(4, types.HashEmpty())
	peers.AddPeer("node2").ApplyStatus(8, types.HashEmpty())

	bs.Tick(2)

	if !bs.IsSyncing() {
		t.Fatal("expected syncing")
	}
	current, target := bs.GetProgress()
	if current != 2 || target != 8 {
		t.Errorf("unexpected progress %d/%d", current, target)
	}

	reqs := provider.taken()
	if len(reqs) != 3 {
		t.Fatalf("expected 3 requests (max pending), got %d", len(reqs))
	}
	for i, req := range reqs {
		if req.height != uint64(3+i) {
			t.Errorf("request %d: expected height %d, got %d", i, 3+i, req.height)
		}
		// the highest peer serves the whole range
		if req.peer != "node2" {
			t.Errorf("request %d: expected node2, got %s", i, req.peer)
		}
	}

	// nothing new while requests are pending
	bs.Tick(2)
	if reqs := provider.taken(); len(reqs) != 0 {
		t.Errorf("expected no duplicate requests, got %d", len(reqs))
	}
}

func TestBlockSyncerDeliversInOrder(t *testing.T) {
	bs, provider, peers := newTestSyncer(5)
	peers.AddPeer("node1").ApplyStatus(3, types.HashEmpty())
	bs.Tick(0)
	provider.taken()

	b1, b2, b3 := testBlock(1), testBlock(2), testBlock(3)

	if err := bs.ReceiveBlock("node1", 2, b2); err != nil {
		t.Fatalf("receive 2: %v", err)
	}
	if _, _, ok := bs.NextBlock(); ok {
		t.Fatal("block 2 must wait for block 1")
	}

	if err := bs.ReceiveBlock("node1", 1, b1); err != nil {
		t.Fatalf("receive 1: %v", err)
	}
	h, got, ok := bs.NextBlock()
	if !ok || h != 1 || got != b1 {
		t.Fatalf("expected block 1, got height %d ok=%v", h, ok)
	}
	bs.BlockApplied(1)

	h, got, ok = bs.NextBlock()
	if !ok || h != 2 || got != b2 {
		t.Fatalf("expected block 2, got height %d ok=%v", h, ok)
	}
	bs.BlockApplied(2)

	if err := bs.ReceiveBlock("node1", 3, b3); err != nil {
		t.Fatalf("receive 3: %v", err)
	}
	h, _, ok = bs.NextBlock()
	if !ok || h != 3 {
		t.Fatalf("expected block 3, got height %d ok=%v", h, ok)
	}
	bs.BlockApplied(3)

	if bs.GetState() != BlockSyncStateCaughtUp {
		t.Errorf("expected caught up, got %s", bs.GetState())
	}
	status := bs.Status()
	if status.Pending != 0 || status.Buffered != 0 {
		t.Errorf("expected empty queues, got pending=%d buffered=%d", status.Pending, status.Buffered)
	}
}

func TestBlockSyncerRejectsUnsolicited(t *testing.T) {
	bs, provider, peers := newTestSyncer(5)
	peers.AddPeer("node1").ApplyStatus(2, types.HashEmpty())
	bs.Tick(0)
	provider.taken()

	if err := bs.ReceiveBlock("node1", 7, testBlock(7)); !errors.Is(err, ErrUnsolicitedBlock) {
		t.Errorf("expected ErrUnsolicitedBlock for unrequested height, got %v", err)
	}
	if err := bs.ReceiveBlock("node2", 1, testBlock(1)); !errors.Is(err, ErrUnsolicitedBlock) {
		t.Errorf("expected ErrUnsolicitedBlock for wrong peer, got %v", err)
	}
}

func TestBlockSyncerEmptyResponseFreesRequest(t *testing.T) {
	bs, provider, peers := newTestSyncer(1)
	peers.AddPeer("node1").ApplyStatus(1, types.HashEmpty())
	bs.Tick(0)
	if reqs := provider.taken(); len(reqs) != 1 {
		t.Fatalf("expected 1 request, got %d", len(reqs))
	}

	if err := bs.ReceiveBlock("node1", 1, nil); err != nil {
		t.Fatalf("receive: %v", err)
	}
	if _, _, ok := bs.NextBlock(); ok {
		t.Error("nil response must not be buffered")
	}

	bs.Tick(0)
	if reqs := provider.taken(); len(reqs) != 1 {
		t.Errorf("expected the height to be requested again, got %d", len(reqs))
	}
}

func TestBlockSyncerRequestTimeout(t *testing.T) {
	bs, provider, peers := newTestSyncer(1)
	now := time.Now()
	bs.now = func() time.Time { return now }
	peers.AddPeer("node1").ApplyStatus(1, types.HashEmpty())

	bs.Tick(0)
	if reqs := provider.taken(); len(reqs) != 1 {
		t.Fatalf("expected 1 request, got %d", len(reqs))
	}

	bs.Tick(0)
	if reqs := provider.taken(); len(reqs) != 0 {
		t.Fatalf("request should still be pending, got %d new", len(reqs))
	}

	now = now.Add(2 * time.Second)
	bs.Tick(0)
	if reqs := provider.taken(); len(reqs) != 1 {
		t.Errorf("expected a retry after timeout, got %d", len(reqs))
	}
}

func TestBlockSyncerSendFailure(t *testing.T) {
	bs, provider, peers := newTestSyncer(5)
	provider.fail = true
	peers.AddPeer("node1").ApplyStatus(2, types.HashEmpty())

	bs.Tick(0)
	if status := bs.Status(); status.Pending != 0 {
		t.Errorf("failed sends must not be pending, got %d", status.Pending)
	}
}

func TestBlockSyncerResumesAfterFallingBehind(t *testing.T) {
	bs, provider, peers := newTestSyncer(5)
	peer := peers.AddPeer("node1")
	peer.ApplyStatus(1, types.HashEmpty())

	bs.Tick(0)
	if err := bs.ReceiveBlock("node1", 1, testBlock(1)); err != nil {
		t.Fatal(err)
	}
	bs.NextBlock()
	bs.BlockApplied(1)
	if bs.GetState() != BlockSyncStateCaughtUp {
		t.Fatalf("expected caught up, got %s", bs.GetState())
	}
	provider.taken()

	peer.ApplyStatus(3, types.HashEmpty())
	bs.Tick(1)
	if !bs.IsSyncing() {
		t.Errorf("expected syncing again, got %s", bs.GetState())
	}
	if status := bs.Status(); status.StartHeight != 1 {
		t.Errorf("expected start height 1, got %d", status.StartHeight)
	}
	if reqs := provider.taken(); len(reqs) != 2 {
		t.Errorf("expected 2 requests, got %d", len(reqs))
	}
}
