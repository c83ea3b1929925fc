package types

import (
	"errors"
	"fmt"

	"github.com/blockberries/cramberry/pkg/cramberry"
)

// Block errors
var (
	ErrInvalidBlockHash      = errors.New("block hash mismatch")
	ErrInvalidBlockSignature = errors.New("invalid block signature")
	ErrMissingValidator      = errors.New("block has no validator")
)

// BlockData is the signed content of a block.
type BlockData struct {
	Timestamp    int64          `json:"timestamp"`
	Transactions []*Transaction `json:"transactions"`
	Validator    PublicKey      `json:"validator"`
	ParentHash   Hash           `json:"parent_hash"`
}

// Block is a batch of transactions produced and signed by one validator.
type Block struct {
	Hash      Hash      `json:"hash"`
	Signature Signature `json:"signature"`
	Data      BlockData `json:"data"`
}

// blockSignDoc commits to transactions by hash. Each transaction hash is
// itself recomputed and verified when the block is applied.
type blockSignDoc struct {
	Timestamp  int64
	TxHashes   [][]byte
	Validator  []byte
	ParentHash []byte
}

// NewBlock creates an unsigned block.
func NewBlock(timestamp int64, txs []*Transaction, validator PublicKey, parent Hash) *Block {
	if txs == nil {
		txs = []*Transaction{}
	}
	return &Block{
		Data: BlockData{
			Timestamp:    timestamp,
			Transactions: txs,
			Validator:    PublicKey{Data: copyBytes(validator.Data)},
			ParentHash:   Hash{Data: copyBytes(parent.Data)},
		},
	}
}

// BlockHash computes the hash of a block's data.
func BlockHash(b *Block) Hash {
	if b == nil {
		return HashEmpty()
	}
	return BlockDataHash(&b.Data)
}

// BlockDataHash computes the hash of block data.
func BlockDataHash(d *BlockData) Hash {
	doc := blockSignDoc{
		Timestamp:  d.Timestamp,
		TxHashes:   make([][]byte, len(d.Transactions)),
		Validator:  nonNil(d.Validator.Data),
		ParentHash: nonNil(d.ParentHash.Data),
	}
	for i, tx := range d.Transactions {
		doc.TxHashes[i] = nonNil(tx.Hash.Data)
	}
	data, err := cramberry.Marshal(&doc)
	if err != nil {
		panic(fmt.Sprintf("CONSENSUS CRITICAL: failed to marshal block data for hash: %v", err))
	}
	return HashBytes(data)
}

// Sign sets the block hash and signs it. The key must be the block's validator.
func (b *Block) Sign(key *PrivateKey) error {
	if !PublicKeyEqual(key.pub, b.Data.Validator) {
		return fmt.Errorf("%w: signing key does not match validator", ErrSignFailed)
	}
	b.Hash = BlockHash(b)
	sig, err := key.Sign(b.Hash)
	if err != nil {
		return err
	}
	b.Signature = sig
	return nil
}

// Verify recomputes the block hash and checks the validator's signature.
// Transactions are verified separately when the block is applied.
func (b *Block) Verify() error {
	if b.Data.Validator.IsEmpty() {
		return ErrMissingValidator
	}
	if !HashEqual(b.Hash, BlockHash(b)) {
		return ErrInvalidBlockHash
	}
	if !VerifySignature(b.Data.Validator, b.Hash, b.Signature) {
		return ErrInvalidBlockSignature
	}
	return nil
}

// IsGenesis reports whether the block's parent is the zero sentinel.
func (b *Block) IsGenesis() bool {
	return IsHashEmpty(&b.Data.ParentHash)
}

// Copy returns a deep copy of the block.
func (b *Block) Copy() *Block {
	if b == nil {
		return nil
	}
	txs := make([]*Transaction, len(b.Data.Transactions))
	for i, tx := range b.Data.Transactions {
		txs[i] = tx.Copy()
	}
	return &Block{
		Hash:      Hash{Data: copyBytes(b.Hash.Data)},
		Signature: Signature{Data: copyBytes(b.Signature.Data)},
		Data: BlockData{
			Timestamp:    b.Data.Timestamp,
			Transactions: txs,
			Validator:    PublicKey{Data: copyBytes(b.Data.Validator.Data)},
			ParentHash:   Hash{Data: copyBytes(b.Data.ParentHash.Data)},
		},
	}
}
