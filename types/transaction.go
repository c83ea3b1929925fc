package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/blockberries/cramberry/pkg/cramberry"
)

// MaxMessageLength bounds the text carried by a Message transaction.
const MaxMessageLength = 4096

// Transaction errors
var (
	ErrInvalidTxHash      = errors.New("transaction hash mismatch")
	ErrInvalidTxSignature = errors.New("invalid transaction signature")
	ErrInvalidTxKind      = errors.New("invalid transaction kind")
	ErrInvalidAmount      = errors.New("invalid amount")
	ErrMissingRecipient   = errors.New("missing recipient")
	ErrMessageTooLong     = errors.New("message too long")
)

// TxType discriminates the closed set of transaction kinds.
type TxType uint8

const (
	TxTypeCoin TxType = iota + 1
	TxTypeMessage
	TxTypeStake
)

func (t TxType) String() string {
	switch t {
	case TxTypeCoin:
		return "Coin"
	case TxTypeMessage:
		return "Message"
	case TxTypeStake:
		return "Stake"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(t))
	}
}

// MarshalText encodes the type by name.
func (t TxType) MarshalText() ([]byte, error) {
	switch t {
	case TxTypeCoin, TxTypeMessage, TxTypeStake:
		return []byte(t.String()), nil
	}
	return nil, fmt.Errorf("%w: type %d", ErrInvalidTxKind, uint8(t))
}

// UnmarshalText decodes a type name.
func (t *TxType) UnmarshalText(text []byte) error {
	switch string(text) {
	case "Coin":
		*t = TxTypeCoin
	case "Message":
		*t = TxTypeMessage
	case "Stake":
		*t = TxTypeStake
	default:
		return fmt.Errorf("%w: %q", ErrInvalidTxKind, text)
	}
	return nil
}

// TxKind is the payload of a transaction. Which fields are meaningful
// depends on Type:
//
//	Coin:    Amount, Recipient
//	Message: Message, Recipient
//	Stake:   Amount
type TxKind struct {
	Type      TxType
	Amount    uint64
	Recipient PublicKey
	Message   string
}

// CoinKind transfers amount to recipient.
func CoinKind(amount uint64, recipient PublicKey) TxKind {
	return TxKind{Type: TxTypeCoin, Amount: amount, Recipient: recipient}
}

// MessageKind delivers text to recipient.
func MessageKind(text string, recipient PublicKey) TxKind {
	return TxKind{Type: TxTypeMessage, Message: text, Recipient: recipient}
}

// StakeKind moves amount from the sender's balance into stake.
func StakeKind(amount uint64) TxKind {
	return TxKind{Type: TxTypeStake, Amount: amount}
}

// ValidateBasic checks that only the fields belonging to the kind are set.
func (k TxKind) ValidateBasic() error {
	switch k.Type {
	case TxTypeCoin:
		if k.Amount == 0 {
			return fmt.Errorf("%w: coin amount must be positive", ErrInvalidAmount)
		}
		if k.Recipient.IsEmpty() {
			return ErrMissingRecipient
		}
		if k.Message != "" {
			return fmt.Errorf("%w: coin carries a message", ErrInvalidTxKind)
		}
	case TxTypeMessage:
		if k.Recipient.IsEmpty() {
			return ErrMissingRecipient
		}
		if k.Amount != 0 {
			return fmt.Errorf("%w: message carries an amount", ErrInvalidTxKind)
		}
		if len(k.Message) > MaxMessageLength {
			return fmt.Errorf("%w: %d > %d", ErrMessageTooLong, len(k.Message), MaxMessageLength)
		}
		if !utf8.ValidString(k.Message) {
			return fmt.Errorf("%w: message is not valid UTF-8", ErrInvalidTxKind)
		}
	case TxTypeStake:
		if k.Amount == 0 {
			return fmt.Errorf("%w: stake amount must be positive", ErrInvalidAmount)
		}
		if !k.Recipient.IsEmpty() || k.Message != "" {
			return fmt.Errorf("%w: stake carries recipient or message", ErrInvalidTxKind)
		}
	default:
		return fmt.Errorf("%w: type %d", ErrInvalidTxKind, uint8(k.Type))
	}
	return nil
}

type txKindJSON struct {
	Type      TxType `json:"type"`
	Amount    uint64 `json:"amount,omitempty"`
	Recipient string `json:"recipient,omitempty"`
	Message   string `json:"message,omitempty"`
}

// MarshalJSON emits only the fields of the active kind.
func (k TxKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(txKindJSON{
		Type:      k.Type,
		Amount:    k.Amount,
		Recipient: PublicKeyString(k.Recipient),
		Message:   k.Message,
	})
}

// UnmarshalJSON decodes a tagged kind object.
func (k *TxKind) UnmarshalJSON(data []byte) error {
	var aux txKindJSON
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	var recipient PublicKey
	if err := recipient.UnmarshalText([]byte(aux.Recipient)); err != nil {
		return err
	}
	*k = TxKind{Type: aux.Type, Amount: aux.Amount, Recipient: recipient, Message: aux.Message}
	return nil
}

// Transaction is a signed ledger operation.
type Transaction struct {
	Sender    PublicKey `json:"sender"`
	Kind      TxKind    `json:"kind"`
	Nonce     uint64    `json:"nonce"`
	Hash      Hash      `json:"hash"`
	Signature Signature `json:"signature"`
}

// TxKey identifies a transaction by (sender, nonce).
type TxKey struct {
	Sender string
	Nonce  uint64
}

// txSignDoc is the canonical encoding hashed to produce a transaction hash.
type txSignDoc struct {
	Sender    []byte
	Type      uint32
	Amount    uint64
	Recipient []byte
	Message   string
	Nonce     uint64
}

// NewTransaction creates an unsigned transaction. Call Sign before submitting it.
func NewTransaction(sender PublicKey, kind TxKind, nonce uint64) *Transaction {
	return &Transaction{
		Sender: PublicKey{Data: copyBytes(sender.Data)},
		Kind:   kind,
		Nonce:  nonce,
	}
}

// NewMintTransaction creates the unsigned coin credit used only in the genesis block.
func NewMintTransaction(recipient PublicKey, amount uint64) *Transaction {
	tx := &Transaction{Kind: CoinKind(amount, recipient)}
	tx.Hash = tx.ComputeHash()
	return tx
}

// SignBytes returns the canonical encoding of (sender, kind, nonce).
func (tx *Transaction) SignBytes() []byte {
	doc := txSignDoc{
		Sender:    nonNil(tx.Sender.Data),
		Type:      uint32(tx.Kind.Type),
		Amount:    tx.Kind.Amount,
		Recipient: nonNil(tx.Kind.Recipient.Data),
		Message:   tx.Kind.Message,
		Nonce:     tx.Nonce,
	}
	data, err := cramberry.Marshal(&doc)
	if err != nil {
		panic(fmt.Sprintf("CONSENSUS CRITICAL: failed to marshal transaction sign doc: %v", err))
	}
	return data
}

// ComputeHash recomputes the transaction hash from its contents.
func (tx *Transaction) ComputeHash() Hash {
	return HashBytes(tx.SignBytes())
}

// Sign sets the hash and signs it with key. The key must belong to the sender.
func (tx *Transaction) Sign(key *PrivateKey) error {
	if !PublicKeyEqual(key.pub, tx.Sender) {
		return fmt.Errorf("%w: signing key does not match sender", ErrSignFailed)
	}
	tx.Hash = tx.ComputeHash()
	sig, err := key.Sign(tx.Hash)
	if err != nil {
		return err
	}
	tx.Signature = sig
	return nil
}

// IsMint reports whether tx is a genesis mint (a coin with no sender).
func (tx *Transaction) IsMint() bool {
	return tx.Sender.IsEmpty()
}

// ValidateBasic performs stateless checks: kind shape, hash and signature.
// Mint transactions have no signature and are only checked for shape and hash.
func (tx *Transaction) ValidateBasic() error {
	if err := tx.Kind.ValidateBasic(); err != nil {
		return err
	}
	return tx.Verify()
}

// Verify recomputes the hash and checks the sender's signature over it.
func (tx *Transaction) Verify() error {
	if !HashEqual(tx.Hash, tx.ComputeHash()) {
		return ErrInvalidTxHash
	}
	if tx.IsMint() {
		if tx.Kind.Type != TxTypeCoin || len(tx.Signature.Data) != 0 {
			return fmt.Errorf("%w: malformed mint", ErrInvalidTxKind)
		}
		return nil
	}
	if !VerifySignature(tx.Sender, tx.Hash, tx.Signature) {
		return ErrInvalidTxSignature
	}
	return nil
}

// Key returns the (sender, nonce) identity of tx.
func (tx *Transaction) Key() TxKey {
	return TxKey{Sender: tx.Sender.Key(), Nonce: tx.Nonce}
}

// Copy returns a deep copy of tx.
func (tx *Transaction) Copy() *Transaction {
	if tx == nil {
		return nil
	}
	return &Transaction{
		Sender: PublicKey{Data: copyBytes(tx.Sender.Data)},
		Kind: TxKind{
			Type:      tx.Kind.Type,
			Amount:    tx.Kind.Amount,
			Recipient: PublicKey{Data: copyBytes(tx.Kind.Recipient.Data)},
			Message:   tx.Kind.Message,
		},
		Nonce:     tx.Nonce,
		Hash:      Hash{Data: copyBytes(tx.Hash.Data)},
		Signature: Signature{Data: copyBytes(tx.Signature.Data)},
	}
}

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
