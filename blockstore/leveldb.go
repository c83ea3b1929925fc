package blockstore

import (
	"errors"
	"fmt"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
)

// LevelDBBlockStore implements BlockStore using LevelDB.
type LevelDBBlockStore struct {
	db     *leveldb.DB
	path   string
	height uint64
	mu     sync.RWMutex
}

// NewLevelDBBlockStore creates a new LevelDB-backed block store.
func NewLevelDBBlockStore(path string) (*LevelDBBlockStore, error) {
	db, err := leveldb.OpenFile(path, &opt.Options{
		NoSync: false,
	})
	if err != nil {
		return nil, fmt.Errorf("opening leveldb: %w", err)
	}

	store := &LevelDBBlockStore{
		db:   db,
		path: path,
	}

	data, err := db.Get(keyMetaHeight, nil)
	switch {
	case err == nil:
		store.height = decodeUint64(data)
	case !errors.Is(err, leveldb.ErrNotFound):
		db.Close()
		return nil, fmt.Errorf("loading metadata: %w", err)
	}

	return store, nil
}

// SaveBlock persists a block at the given height.
func (s *LevelDBBlockStore) SaveBlock(height uint64, hash []byte, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	heightKey := makeHeightKey(height)
	exists, err := s.db.Has(heightKey, nil)
	if err != nil {
		return fmt.Errorf("checking block existence: %w", err)
	}
	if exists {
		return ErrBlockAlreadyExists
	}
	blockKey := makeBlockKey(hash)
	if exists, err = s.db.Has(blockKey, nil); err != nil {
		return fmt.Errorf("checking block existence: %w", err)
	} else if exists {
		return ErrBlockAlreadyExists
	}
	if err := checkNext(s.height, height); err != nil {
		return err
	}

	// Height index, block data and metadata are written atomically
	batch := new(leveldb.Batch)
	batch.Put(heightKey, hash)
	batch.Put(blockKey, makeBlockValue(height, data))
	batch.Put(keyMetaHeight, encodeUint64(height))

	if err := s.db.Write(batch, &opt.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("writing block: %w", err)
	}

	s.height = height
	return nil
}

// LoadBlock retrieves a block by height.
func (s *LevelDBBlockStore) LoadBlock(height uint64) ([]byte, []byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	hash, err := s.db.Get(makeHeightKey(height), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, nil, ErrBlockNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("getting hash for height %d: %w", height, err)
	}

	blockValue, err := s.db.Get(makeBlockKey(hash), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, nil, ErrBlockNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("getting block data: %w", err)
	}

	_, data := parseBlockValue(blockValue)
	return hash, data, nil
}

// LoadBlockByHash retrieves a block by its hash.
func (s *LevelDBBlockStore) LoadBlockByHash(hash []byte) (uint64, []byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	blockValue, err := s.db.Get(makeBlockKey(hash), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return 0, nil, ErrBlockNotFound
	}
	if err != nil {
		return 0, nil, fmt.Errorf("getting block by hash: %w", err)
	}

	height, data := parseBlockValue(blockValue)
	return height, data, nil
}

// HasBlock checks if a block exists at the given height.
func (s *LevelDBBlockStore) HasBlock(height uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	exists, _ := s.db.Has(makeHeightKey(height), nil)
	return exists
}

// Height returns the latest block height.
func (s *LevelDBBlockStore) Height() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.height
}

// Close closes the database.
func (s *LevelDBBlockStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

var _ BlockStore = (*LevelDBBlockStore)(nil)
