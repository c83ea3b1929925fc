// Package blockstore persists applied blocks by height and by hash.
package blockstore

import (
	"errors"
	"fmt"

	"github.com/blockberries/blockchat/config"
	"github.com/blockberries/blockchat/types"
)

// Errors
var (
	ErrBlockNotFound      = errors.New("block not found")
	ErrBlockAlreadyExists = errors.New("block already exists")
	ErrHeightGap          = errors.New("block height is not contiguous")
	ErrUnknownBackend     = errors.New("unknown blockstore backend")
)

// BlockStore defines the interface for block persistence.
// Implementations must be safe for concurrent use.
//
// Heights start at 1 (the genesis block) and are contiguous: a block is
// saved at height h only when Height() == h-1.
type BlockStore interface {
	// SaveBlock persists a block at the given height with its hash and data.
	SaveBlock(height uint64, hash []byte, data []byte) error

	// LoadBlock retrieves a block by height.
	// Returns ErrBlockNotFound if the block does not exist.
	LoadBlock(height uint64) (hash []byte, data []byte, err error)

	// LoadBlockByHash retrieves a block by its hash.
	// Returns ErrBlockNotFound if the block does not exist.
	LoadBlockByHash(hash []byte) (height uint64, data []byte, err error)

	// HasBlock checks if a block exists at the given height.
	HasBlock(height uint64) bool

	// Height returns the latest block height, 0 if the store is empty.
	Height() uint64

	// Close closes the store and releases resources.
	Close() error
}

// New opens the backend named in cfg.
func New(cfg config.BlockStoreConfig) (BlockStore, error) {
	switch cfg.Backend {
	case "memory":
		return NewMemoryBlockStore(), nil
	case "leveldb":
		return NewLevelDBBlockStore(cfg.Path)
	case "badgerdb":
		return NewBadgerDBBlockStore(cfg.Path)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Backend)
	}
}

// SaveTypedBlock encodes block and saves it at height.
func SaveTypedBlock(s BlockStore, height uint64, block *types.Block) error {
	data, err := types.EncodeBlock(block)
	if err != nil {
		return err
	}
	return s.SaveBlock(height, block.Hash.Data, data)
}

// LoadTypedBlock loads and decodes the block at height.
func LoadTypedBlock(s BlockStore, height uint64) (*types.Block, error) {
	_, data, err := s.LoadBlock(height)
	if err != nil {
		return nil, err
	}
	return types.DecodeBlock(data)
}

// LoadTypedBlockByHash loads and decodes the block with hash.
func LoadTypedBlockByHash(s BlockStore, hash types.Hash) (uint64, *types.Block, error) {
	height, data, err := s.LoadBlockByHash(hash.Data)
	if err != nil {
		return 0, nil, err
	}
	block, err := types.DecodeBlock(data)
	if err != nil {
		return 0, nil, err
	}
	return height, block, nil
}

func checkNext(current, height uint64) error {
	if height != current+1 {
		return fmt.Errorf("%w: have %d, got %d", ErrHeightGap, current, height)
	}
	return nil
}
