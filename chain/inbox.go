package chain

import "github.com/blockberries/blockchat/types"

// Message is a committed Message transaction as seen by its recipient.
type Message struct {
	From      types.PublicKey `json:"from"`
	Text      string          `json:"text"`
	TxHash    types.Hash      `json:"tx_hash"`
	Height    uint64          `json:"height"`
	Timestamp int64           `json:"timestamp"`
}

type inbox struct {
	byRecipient map[string][]Message
}

func newInbox() *inbox {
	return &inbox{byRecipient: make(map[string][]Message)}
}

func (ib *inbox) addBlock(height uint64, block *types.Block) {
	for _, tx := range block.Data.Transactions {
		if tx.Kind.Type != types.TxTypeMessage {
			continue
		}
		key := tx.Kind.Recipient.Key()
		ib.byRecipient[key] = append(ib.byRecipient[key], Message{
			From:      types.PublicKey{Data: append([]byte(nil), tx.Sender.Data...)},
			Text:      tx.Kind.Message,
			TxHash:    types.Hash{Data: append([]byte(nil), tx.Hash.Data...)},
			Height:    height,
			Timestamp: block.Data.Timestamp,
		})
	}
}

func (ib *inbox) messages(pk types.PublicKey) []Message {
	msgs := ib.byRecipient[pk.Key()]
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out
}
