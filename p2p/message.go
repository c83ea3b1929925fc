package p2p

import (
	"errors"
	"fmt"

	"github.com/blockberries/cramberry/pkg/cramberry"

	"github.com/blockberries/blockchat/types"
)

// MaxMessageSize bounds a single frame read from a peer.
const MaxMessageSize = 16 << 20

// Errors
var (
	ErrEmptyMessage       = errors.New("empty message")
	ErrMessageTooLarge    = errors.New("message too large")
	ErrUnknownMessageType = errors.New("unknown message type")
	ErrInvalidMessage     = errors.New("invalid message")
)

// MessageType is the first byte of every frame.
type MessageType byte

const (
	MsgTypeTransaction MessageType = iota + 1
	MsgTypeBlock
	MsgTypeStatus
	MsgTypeBlockRequest
	MsgTypeBlockResponse
)

func (t MessageType) String() string {
	switch t {
	case MsgTypeTransaction:
		return "transaction"
	case MsgTypeBlock:
		return "block"
	case MsgTypeStatus:
		return "status"
	case MsgTypeBlockRequest:
		return "block_request"
	case MsgTypeBlockResponse:
		return "block_response"
	default:
		return fmt.Sprintf("unknown(%d)", byte(t))
	}
}

// Message is one peer-to-peer message. Which fields are set depends on Type:
//
//	Transaction:   Tx
//	Block:         Block
//	Status:        Height, Tip
//	BlockRequest:  Height
//	BlockResponse: Height, Block (nil when the peer has no block at Height)
type Message struct {
	Type   MessageType
	Tx     *types.Transaction
	Block  *types.Block
	Height uint64
	Tip    types.Hash
}

// NewTransactionMessage announces a transaction.
func NewTransactionMessage(tx *types.Transaction) *Message {
	return &Message{Type: MsgTypeTransaction, Tx: tx}
}

// NewBlockMessage announces a freshly produced block.
func NewBlockMessage(block *types.Block) *Message {
	return &Message{Type: MsgTypeBlock, Block: block}
}

// NewStatusMessage reports the sender's chain height and tip.
func NewStatusMessage(height uint64, tip types.Hash) *Message {
	return &Message{Type: MsgTypeStatus, Height: height, Tip: tip}
}

// NewBlockRequestMessage asks a peer for its block at height.
func NewBlockRequestMessage(height uint64) *Message {
	return &Message{Type: MsgTypeBlockRequest, Height: height}
}

// NewBlockResponseMessage answers a block request. block may be nil.
func NewBlockResponseMessage(height uint64, block *types.Block) *Message {
	return &Message{Type: MsgTypeBlockResponse, Height: height, Block: block}
}

type statusPayload struct {
	Height uint64
	Tip    []byte
}

type blockRequestPayload struct {
	Height uint64
}

type blockResponsePayload struct {
	Height uint64
	Block  []byte
}

// EncodeMessage frames msg as one type byte followed by its cramberry payload.
func EncodeMessage(msg *Message) ([]byte, error) {
	var (
		payload []byte
		err     error
	)
	switch msg.Type {
	case MsgTypeTransaction:
		if msg.Tx == nil {
			return nil, fmt.Errorf("%w: transaction message without transaction", ErrInvalidMessage)
		}
		payload, err = types.EncodeTransaction(msg.Tx)
	case MsgTypeBlock:
		if msg.Block == nil {
			return nil, fmt.Errorf("%w: block message without block", ErrInvalidMessage)
		}
		payload, err = types.EncodeBlock(msg.Block)
	case MsgTypeStatus:
		payload, err = cramberry.Marshal(&statusPayload{Height: msg.Height, Tip: nonNil(msg.Tip.Data)})
	case MsgTypeBlockRequest:
		payload, err = cramberry.Marshal(&blockRequestPayload{Height: msg.Height})
	case MsgTypeBlockResponse:
		resp := blockResponsePayload{Height: msg.Height, Block: []byte{}}
		if msg.Block != nil {
			resp.Block, err = types.EncodeBlock(msg.Block)
			if err != nil {
				return nil, err
			}
		}
		payload, err = cramberry.Marshal(&resp)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownMessageType, byte(msg.Type))
	}
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.Type, err)
	}

	frame := make([]byte, 0, 1+len(payload))
	frame = append(frame, byte(msg.Type))
	return append(frame, payload...), nil
}

// DecodeMessage parses a frame. Decoded transactions and blocks are not
// verified; receivers re-verify everything.
func DecodeMessage(data []byte) (*Message, error) {
	if len(data) == 0 {
		return nil, ErrEmptyMessage
	}
	if len(data) > MaxMessageSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(data))
	}

	msg := &Message{Type: MessageType(data[0])}
	payload := data[1:]

	switch msg.Type {
	case MsgTypeTransaction:
		tx, err := types.DecodeTransaction(payload)
		if err != nil {
			return nil, err
		}
		msg.Tx = tx
	case MsgTypeBlock:
		block, err := types.DecodeBlock(payload)
		if err != nil {
			return nil, err
		}
		msg.Block = block
	case MsgTypeStatus:
		var p statusPayload
		if err := cramberry.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("%w: status: %v", ErrInvalidMessage, err)
		}
		msg.Height = p.Height
		msg.Tip = types.Hash{Data: p.Tip}
	case MsgTypeBlockRequest:
		var p blockRequestPayload
		if err := cramberry.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("%w: block request: %v", ErrInvalidMessage, err)
		}
		msg.Height = p.Height
	case MsgTypeBlockResponse:
		var p blockResponsePayload
		if err := cramberry.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("%w: block response: %v", ErrInvalidMessage, err)
		}
		msg.Height = p.Height
		if len(p.Block) > 0 {
			block, err := types.DecodeBlock(p.Block)
			if err != nil {
				return nil, err
			}
			msg.Block = block
		}
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownMessageType, data[0])
	}
	return msg, nil
}

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
