package wal

import (
	"errors"
	"fmt"
	"io"

	"github.com/blockberries/cramberry/pkg/cramberry"

	"github.com/blockberries/blockchat/types"
)

var (
	ErrWALClosed    = errors.New("WAL is closed")
	ErrWALCorrupted = errors.New("WAL is corrupted")
	ErrWALNotFound  = errors.New("WAL file not found")
	ErrWrongMsgType = errors.New("unexpected WAL message type")
)

// MessageType tags a WAL record.
type MessageType uint8

const (
	MsgTypeUnknown MessageType = iota
	// MsgTypeBlock records a block about to be applied at Height.
	MsgTypeBlock
	// MsgTypeTx records a transaction admitted to the mempool.
	MsgTypeTx
	// MsgTypeEndHeight marks that the block at Height is applied and stored.
	MsgTypeEndHeight
)

func (t MessageType) String() string {
	switch t {
	case MsgTypeBlock:
		return "block"
	case MsgTypeTx:
		return "tx"
	case MsgTypeEndHeight:
		return "end_height"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// Message is one WAL record. Height is the chain height the record belongs
// to; Data holds an encoded block or transaction.
type Message struct {
	Type   MessageType
	Height uint64
	Data   []byte
}

type walRecord struct {
	Type   uint32
	Height uint64
	Data   []byte
}

func (m *Message) MarshalCramberry() ([]byte, error) {
	rec := walRecord{Type: uint32(m.Type), Height: m.Height, Data: m.Data}
	if rec.Data == nil {
		rec.Data = []byte{}
	}
	return cramberry.Marshal(&rec)
}

// UnmarshalCramberry rejects record types this version does not know.
func (m *Message) UnmarshalCramberry(data []byte) error {
	var rec walRecord
	if err := cramberry.Unmarshal(data, &rec); err != nil {
		return err
	}
	if rec.Type > uint32(MsgTypeEndHeight) {
		return fmt.Errorf("%w: type %d", ErrWALCorrupted, rec.Type)
	}
	m.Type = MessageType(rec.Type)
	m.Height = rec.Height
	m.Data = rec.Data
	return nil
}

// WAL is the log a chain writes blocks, admitted transactions and height
// markers to.
type WAL interface {
	Write(msg *Message) error
	// WriteSync writes msg and returns once it is on disk.
	WriteSync(msg *Message) error
	FlushAndSync() error

	// SearchForEndHeight returns a reader positioned after the end-height
	// record for height, or false if the log holds no such record.
	SearchForEndHeight(height uint64) (Reader, bool, error)

	// Checkpoint discards records no longer needed to recover past height.
	Checkpoint(height uint64) error

	Start() error
	Stop() error
}

// Reader iterates over log records. Read returns io.EOF after the last one.
type Reader interface {
	Read() (*Message, error)
	Close() error
}

// NewBlockMessage creates a WAL message for a block at height.
func NewBlockMessage(height uint64, block *types.Block) (*Message, error) {
	data, err := types.EncodeBlock(block)
	if err != nil {
		return nil, err
	}
	return &Message{
		Type:   MsgTypeBlock,
		Height: height,
		Data:   data,
	}, nil
}

// NewTxMessage creates a WAL message for an admitted transaction. height is
// the chain height at admission.
func NewTxMessage(height uint64, tx *types.Transaction) (*Message, error) {
	data, err := types.EncodeTransaction(tx)
	if err != nil {
		return nil, err
	}
	return &Message{
		Type:   MsgTypeTx,
		Height: height,
		Data:   data,
	}, nil
}

// NewEndHeightMessage marks the block at height as applied and stored.
func NewEndHeightMessage(height uint64) *Message {
	return &Message{
		Type:   MsgTypeEndHeight,
		Height: height,
	}
}

// DecodeBlock decodes a block from a block message.
func DecodeBlock(msg *Message) (*types.Block, error) {
	if msg.Type != MsgTypeBlock {
		return nil, fmt.Errorf("%w: %s", ErrWrongMsgType, msg.Type)
	}
	return types.DecodeBlock(msg.Data)
}

// DecodeTx decodes a transaction from a tx message.
func DecodeTx(msg *Message) (*types.Transaction, error) {
	if msg.Type != MsgTypeTx {
		return nil, fmt.Errorf("%w: %s", ErrWrongMsgType, msg.Type)
	}
	return types.DecodeTransaction(msg.Data)
}

// NopWAL discards everything; nodes run with it when the WAL is disabled.
type NopWAL struct{}

func (w *NopWAL) Write(msg *Message) error                               { return nil }
func (w *NopWAL) WriteSync(msg *Message) error                           { return nil }
func (w *NopWAL) FlushAndSync() error                                    { return nil }
func (w *NopWAL) SearchForEndHeight(height uint64) (Reader, bool, error) { return nil, false, nil }
func (w *NopWAL) Checkpoint(height uint64) error                         { return nil }
func (w *NopWAL) Start() error                                           { return nil }
func (w *NopWAL) Stop() error                                            { return nil }

var _ WAL = (*NopWAL)(nil)

// NopReader is always at EOF.
type NopReader struct{}

func (r *NopReader) Read() (*Message, error) { return nil, io.EOF }
func (r *NopReader) Close() error            { return nil }

var _ Reader = (*NopReader)(nil)
