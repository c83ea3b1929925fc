package evidence

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/blockberries/blockchat/types"
)

// Errors
var (
	ErrInvalidEvidence   = errors.New("invalid evidence")
	ErrDuplicateEvidence = errors.New("duplicate evidence")
	ErrDifferentParents  = errors.New("blocks have different parents")
	ErrDifferentSigners  = errors.New("blocks from different validators")
	ErrSameBlock         = errors.New("identical blocks are not equivocation")
)

// Config holds evidence pool configuration
type Config struct {
	// MaxAgeBlocks bounds how long a block is remembered for comparison.
	MaxAgeBlocks uint64
	// MaxSeenBlocks limits memory used for equivocation detection.
	MaxSeenBlocks int
	// MaxEvidence limits the number of retained evidence records.
	MaxEvidence int
}

// DefaultConfig returns default evidence pool configuration
func DefaultConfig() Config {
	return Config{
		MaxAgeBlocks:  1000,
		MaxSeenBlocks: 10000,
		MaxEvidence:   1000,
	}
}

// DuplicateBlockEvidence proves that one validator signed two different
// blocks extending the same parent.
type DuplicateBlockEvidence struct {
	// Height is the round both blocks were produced for.
	Height uint64
	BlockA *types.Block
	BlockB *types.Block
}

// Validator returns the equivocating validator.
func (ev *DuplicateBlockEvidence) Validator() types.PublicKey {
	return ev.BlockA.Data.Validator
}

// Verify checks that the evidence is self-consistent and both signatures hold.
func (ev *DuplicateBlockEvidence) Verify() error {
	if ev.BlockA == nil || ev.BlockB == nil {
		return fmt.Errorf("%w: missing block", ErrInvalidEvidence)
	}
	if !types.PublicKeyEqual(ev.BlockA.Data.Validator, ev.BlockB.Data.Validator) {
		return ErrDifferentSigners
	}
	if !types.HashEqual(ev.BlockA.Data.ParentHash, ev.BlockB.Data.ParentHash) {
		return ErrDifferentParents
	}
	if err := ev.BlockA.Verify(); err != nil {
		return fmt.Errorf("%w: block A: %v", ErrInvalidEvidence, err)
	}
	if err := ev.BlockB.Verify(); err != nil {
		return fmt.Errorf("%w: block B: %v", ErrInvalidEvidence, err)
	}
	if types.HashEqual(ev.BlockA.Hash, ev.BlockB.Hash) {
		return ErrSameBlock
	}
	return nil
}

// key identifies the evidence independent of block order.
func (ev *DuplicateBlockEvidence) key() string {
	a, b := string(ev.BlockA.Hash.Data), string(ev.BlockB.Hash.Data)
	if a > b {
		a, b = b, a
	}
	return a + b
}

type seenBlock struct {
	height uint64
	block  *types.Block
}

// Pool detects and retains equivocation evidence.
type Pool struct {
	mu     sync.RWMutex
	config Config

	evidence []*DuplicateBlockEvidence
	known    map[string]struct{}

	// key: validator/parent
	seenBlocks map[string]seenBlock

	currentHeight uint64
}

// NewPool creates a new evidence pool
func NewPool(config Config) *Pool {
	return &Pool{
		config:     config,
		known:      make(map[string]struct{}),
		seenBlocks: make(map[string]seenBlock),
	}
}

// Update records the current chain height and prunes old blocks.
func (p *Pool) Update(height uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.currentHeight = height
	for key, seen := range p.seenBlocks {
		if p.expired(seen.height) {
			delete(p.seenBlocks, key)
		}
	}
}

// CheckBlock remembers a verified block produced for round height and
// returns evidence when the same validator already produced a different
// block on the same parent. New evidence is added to the pool.
func (p *Pool) CheckBlock(height uint64, block *types.Block) (*DuplicateBlockEvidence, error) {
	if err := block.Verify(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.expired(height) {
		return nil, nil
	}

	key := blockKey(block)
	existing, ok := p.seenBlocks[key]
	if !ok {
		if len(p.seenBlocks) >= p.config.MaxSeenBlocks {
			p.pruneOldestBlocks(p.config.MaxSeenBlocks/10 + 1)
		}
		p.seenBlocks[key] = seenBlock{height: height, block: block.Copy()}
		return nil, nil
	}
	if types.HashEqual(existing.block.Hash, block.Hash) {
		return nil, nil
	}

	ev := &DuplicateBlockEvidence{
		Height: existing.height,
		BlockA: existing.block.Copy(),
		BlockB: block.Copy(),
	}
	if err := p.addLocked(ev); err != nil {
		if errors.Is(err, ErrDuplicateEvidence) {
			return nil, nil
		}
		return nil, err
	}
	return ev, nil
}

func (p *Pool) addLocked(ev *DuplicateBlockEvidence) error {
	key := ev.key()
	if _, ok := p.known[key]; ok {
		return ErrDuplicateEvidence
	}
	if len(p.evidence) >= p.config.MaxEvidence {
		old := p.evidence[0]
		delete(p.known, old.key())
		p.evidence = p.evidence[1:]
	}
	p.known[key] = struct{}{}
	p.evidence = append(p.evidence, ev)
	return nil
}

// List returns the retained evidence, oldest first.
func (p *Pool) List() []*DuplicateBlockEvidence {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]*DuplicateBlockEvidence, len(p.evidence))
	copy(out, p.evidence)
	return out
}

// ByValidator returns the evidence against pk.
func (p *Pool) ByValidator(pk types.PublicKey) []*DuplicateBlockEvidence {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var out []*DuplicateBlockEvidence
	for _, ev := range p.evidence {
		if types.PublicKeyEqual(ev.Validator(), pk) {
			out = append(out, ev)
		}
	}
	return out
}

// Size returns the number of evidence records.
func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.evidence)
}

func (p *Pool) expired(height uint64) bool {
	return p.currentHeight > height && p.currentHeight-height > p.config.MaxAgeBlocks
}

// pruneOldestBlocks removes the n oldest remembered blocks by height.
// Caller must hold p.mu.
func (p *Pool) pruneOldestBlocks(n int) {
	keys := make([]string, 0, len(p.seenBlocks))
	for key := range p.seenBlocks {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		return p.seenBlocks[keys[i]].height < p.seenBlocks[keys[j]].height
	})
	for i := 0; i < n && i < len(keys); i++ {
		delete(p.seenBlocks, keys[i])
	}
}

func blockKey(block *types.Block) string {
	return block.Data.Validator.Key() + "/" + string(block.Data.ParentHash.Data)
}
