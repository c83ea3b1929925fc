package types

import (
	"errors"
	"fmt"

	"github.com/blockberries/cramberry/pkg/cramberry"
)

// MaxBlockTransactions bounds decoded blocks from untrusted input.
const MaxBlockTransactions = 100_000

var ErrDecode = errors.New("decode failed")

type txRecord struct {
	Sender    []byte
	Type      uint32
	Amount    uint64
	Recipient []byte
	Message   string
	Nonce     uint64
	Hash      []byte
	Signature []byte
}

type blockRecord struct {
	Timestamp    int64
	Transactions []txRecord
	Validator    []byte
	ParentHash   []byte
	Hash         []byte
	Signature    []byte
}

func toTxRecord(tx *Transaction) txRecord {
	return txRecord{
		Sender:    nonNil(tx.Sender.Data),
		Type:      uint32(tx.Kind.Type),
		Amount:    tx.Kind.Amount,
		Recipient: nonNil(tx.Kind.Recipient.Data),
		Message:   tx.Kind.Message,
		Nonce:     tx.Nonce,
		Hash:      nonNil(tx.Hash.Data),
		Signature: nonNil(tx.Signature.Data),
	}
}

func fromTxRecord(r *txRecord) (*Transaction, error) {
	if r.Type > 0xff {
		return nil, fmt.Errorf("%w: transaction type %d", ErrDecode, r.Type)
	}
	return &Transaction{
		Sender: PublicKey{Data: emptyToNil(r.Sender)},
		Kind: TxKind{
			Type:      TxType(r.Type),
			Amount:    r.Amount,
			Recipient: PublicKey{Data: emptyToNil(r.Recipient)},
			Message:   r.Message,
		},
		Nonce:     r.Nonce,
		Hash:      Hash{Data: emptyToNil(r.Hash)},
		Signature: Signature{Data: emptyToNil(r.Signature)},
	}, nil
}

// EncodeTransaction serializes a transaction with cramberry.
func EncodeTransaction(tx *Transaction) ([]byte, error) {
	rec := toTxRecord(tx)
	data, err := cramberry.Marshal(&rec)
	if err != nil {
		return nil, fmt.Errorf("marshal transaction: %w", err)
	}
	return data, nil
}

// DecodeTransaction parses a transaction. The result is not verified.
func DecodeTransaction(data []byte) (*Transaction, error) {
	var rec txRecord
	if err := cramberry.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return fromTxRecord(&rec)
}

// EncodeBlock serializes a block with cramberry.
func EncodeBlock(b *Block) ([]byte, error) {
	rec := blockRecord{
		Timestamp:    b.Data.Timestamp,
		Transactions: make([]txRecord, len(b.Data.Transactions)),
		Validator:    nonNil(b.Data.Validator.Data),
		ParentHash:   nonNil(b.Data.ParentHash.Data),
		Hash:         nonNil(b.Hash.Data),
		Signature:    nonNil(b.Signature.Data),
	}
	for i, tx := range b.Data.Transactions {
		rec.Transactions[i] = toTxRecord(tx)
	}
	data, err := cramberry.Marshal(&rec)
	if err != nil {
		return nil, fmt.Errorf("marshal block: %w", err)
	}
	return data, nil
}

// DecodeBlock parses a block. The result is not verified.
func DecodeBlock(data []byte) (*Block, error) {
	var rec blockRecord
	if err := cramberry.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if len(rec.Transactions) > MaxBlockTransactions {
		return nil, fmt.Errorf("%w: %d transactions", ErrDecode, len(rec.Transactions))
	}
	txs := make([]*Transaction, len(rec.Transactions))
	for i := range rec.Transactions {
		tx, err := fromTxRecord(&rec.Transactions[i])
		if err != nil {
			return nil, err
		}
		txs[i] = tx
	}
	return &Block{
		Hash:      Hash{Data: emptyToNil(rec.Hash)},
		Signature: Signature{Data: emptyToNil(rec.Signature)},
		Data: BlockData{
			Timestamp:    rec.Timestamp,
			Transactions: txs,
			Validator:    PublicKey{Data: emptyToNil(rec.Validator)},
			ParentHash:   Hash{Data: emptyToNil(rec.ParentHash)},
		},
	}, nil
}

func emptyToNil(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}
