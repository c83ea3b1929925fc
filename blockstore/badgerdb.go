package blockstore

import (
	"errors"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
)

// BadgerDBBlockStore implements BlockStore using BadgerDB.
type BadgerDBBlockStore struct {
	db     *badger.DB
	path   string
	height uint64
	mu     sync.RWMutex
}

// BadgerDBOptions contains configuration options for BadgerDB.
type BadgerDBOptions struct {
	// SyncWrites ensures durability by syncing writes to disk.
	SyncWrites bool

	// Compression enables Snappy compression for values.
	Compression bool

	// InMemory keeps all data in memory. Path must be empty.
	InMemory bool

	// Logger is an optional logger for BadgerDB.
	// If nil, logging is disabled.
	Logger badger.Logger
}

// DefaultBadgerDBOptions returns the options used by NewBadgerDBBlockStore.
func DefaultBadgerDBOptions() *BadgerDBOptions {
	return &BadgerDBOptions{
		SyncWrites:  true,
		Compression: true,
	}
}

// NewBadgerDBBlockStore creates a new BadgerDB-backed block store.
func NewBadgerDBBlockStore(path string) (*BadgerDBBlockStore, error) {
	return NewBadgerDBBlockStoreWithOptions(path, DefaultBadgerDBOptions())
}

// NewBadgerDBBlockStoreWithOptions creates a new BadgerDB-backed block store
// with custom options.
func NewBadgerDBBlockStoreWithOptions(path string, opts *BadgerDBOptions) (*BadgerDBBlockStore, error) {
	if opts == nil {
		opts = DefaultBadgerDBOptions()
	}

	badgerOpts := badger.DefaultOptions(path).
		WithSyncWrites(opts.SyncWrites).
		WithInMemory(opts.InMemory).
		WithLogger(opts.Logger)
	if opts.Compression {
		badgerOpts = badgerOpts.WithCompression(options.Snappy)
	} else {
		badgerOpts = badgerOpts.WithCompression(options.None)
	}

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("opening badgerdb: %w", err)
	}

	store := &BadgerDBBlockStore{
		db:   db,
		path: path,
	}

	err = db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(keyMetaHeight)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			store.height = decodeUint64(val)
			return nil
		})
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("loading metadata: %w", err)
	}

	return store, nil
}

// SaveBlock persists a block at the given height.
func (s *BadgerDBBlockStore) SaveBlock(height uint64, hash []byte, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	heightKey := makeHeightKey(height)
	blockKey := makeBlockKey(hash)

	err := s.db.Update(func(txn *badger.Txn) error {
		for _, key := range [][]byte{heightKey, blockKey} {
			_, err := txn.Get(key)
			if err == nil {
				return ErrBlockAlreadyExists
			}
			if !errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("checking block existence: %w", err)
			}
		}
		if err := checkNext(s.height, height); err != nil {
			return err
		}

		if err := txn.Set(heightKey, hash); err != nil {
			return err
		}
		if err := txn.Set(blockKey, makeBlockValue(height, data)); err != nil {
			return err
		}
		return txn.Set(keyMetaHeight, encodeUint64(height))
	})
	if err != nil {
		if errors.Is(err, ErrBlockAlreadyExists) || errors.Is(err, ErrHeightGap) {
			return err
		}
		return fmt.Errorf("writing block: %w", err)
	}

	s.height = height
	return nil
}

// LoadBlock retrieves a block by height.
func (s *BadgerDBBlockStore) LoadBlock(height uint64) ([]byte, []byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var hash, data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(makeHeightKey(height))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrBlockNotFound
		}
		if err != nil {
			return fmt.Errorf("getting hash for height %d: %w", height, err)
		}
		if hash, err = item.ValueCopy(nil); err != nil {
			return err
		}

		item, err = txn.Get(makeBlockKey(hash))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrBlockNotFound
		}
		if err != nil {
			return fmt.Errorf("getting block data: %w", err)
		}
		blockValue, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		_, data = parseBlockValue(blockValue)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return hash, data, nil
}

// LoadBlockByHash retrieves a block by its hash.
func (s *BadgerDBBlockStore) LoadBlockByHash(hash []byte) (uint64, []byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var height uint64
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(makeBlockKey(hash))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrBlockNotFound
		}
		if err != nil {
			return fmt.Errorf("getting block by hash: %w", err)
		}
		blockValue, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		height, data = parseBlockValue(blockValue)
		return nil
	})
	if err != nil {
		return 0, nil, err
	}
	return height, data, nil
}

// HasBlock checks if a block exists at the given height.
func (s *BadgerDBBlockStore) HasBlock(height uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(makeHeightKey(height))
		return err
	})
	return err == nil
}

// Height returns the latest block height.
func (s *BadgerDBBlockStore) Height() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.height
}

// Close closes the database.
func (s *BadgerDBBlockStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

var _ BlockStore = (*BadgerDBBlockStore)(nil)
