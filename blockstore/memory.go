package blockstore

import (
	"sync"
)

// MemoryBlockStore implements BlockStore with in-memory storage.
// Used for tests and nodes without a data directory.
type MemoryBlockStore struct {
	blocks map[uint64]blockEntry
	byHash map[string]uint64
	height uint64
	mu     sync.RWMutex
}

type blockEntry struct {
	hash []byte
	data []byte
}

// NewMemoryBlockStore creates a new in-memory block store.
func NewMemoryBlockStore() *MemoryBlockStore {
	return &MemoryBlockStore{
		blocks: make(map[uint64]blockEntry),
		byHash: make(map[string]uint64),
	}
}

// SaveBlock stores a block at the given height.
func (m *MemoryBlockStore) SaveBlock(height uint64, hash, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.blocks[height]; exists {
		return ErrBlockAlreadyExists
	}
	if _, exists := m.byHash[string(hash)]; exists {
		return ErrBlockAlreadyExists
	}
	if err := checkNext(m.height, height); err != nil {
		return err
	}

	m.blocks[height] = blockEntry{
		hash: append([]byte(nil), hash...),
		data: append([]byte(nil), data...),
	}
	m.byHash[string(hash)] = height
	m.height = height
	return nil
}

// LoadBlock retrieves a block by height.
func (m *MemoryBlockStore) LoadBlock(height uint64) (hash, data []byte, err error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, exists := m.blocks[height]
	if !exists {
		return nil, nil, ErrBlockNotFound
	}
	return append([]byte(nil), entry.hash...), append([]byte(nil), entry.data...), nil
}

// LoadBlockByHash retrieves a block by its hash.
func (m *MemoryBlockStore) LoadBlockByHash(hash []byte) (height uint64, data []byte, err error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	h, exists := m.byHash[string(hash)]
	if !exists {
		return 0, nil, ErrBlockNotFound
	}
	return h, append([]byte(nil), m.blocks[h].data...), nil
}

// HasBlock checks if a block exists at the given height.
func (m *MemoryBlockStore) HasBlock(height uint64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, exists := m.blocks[height]
	return exists
}

// Height returns the latest block height.
func (m *MemoryBlockStore) Height() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.height
}

// Close closes the store.
func (m *MemoryBlockStore) Close() error {
	return nil
}

var _ BlockStore = (*MemoryBlockStore)(nil)
