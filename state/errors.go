package state

import (
	"errors"

	"github.com/blockberries/blockchat/types"
)

// Ledger errors. Authentication and fund errors from the types package are
// returned unchanged so callers can match either with errors.Is.
var (
	ErrWrongLeader            = errors.New("block validator is not the elected leader")
	ErrParentMismatch         = errors.New("block parent does not match chain tip")
	ErrNonceMismatch          = errors.New("transaction nonce is not the next expected nonce")
	ErrInsufficientStakeFunds = errors.New("insufficient balance to stake")
	ErrCapacityExceeded       = errors.New("block exceeds transaction capacity")
	ErrUnknownSender          = errors.New("transaction sender is not a known peer")
	ErrMintOutsideGenesis     = errors.New("mint transaction outside genesis block")
	ErrInvalidGenesis         = errors.New("invalid genesis block")
	ErrAlreadyInitialized     = errors.New("genesis already applied")
	ErrNotInitialized         = errors.New("genesis not applied")

	ErrInsufficientFunds     = types.ErrInsufficientFunds
	ErrBalanceOverflow       = types.ErrBalanceOverflow
	ErrInvalidTxSignature    = types.ErrInvalidTxSignature
	ErrInvalidTxHash         = types.ErrInvalidTxHash
	ErrInvalidBlockSignature = types.ErrInvalidBlockSignature
	ErrInvalidBlockHash      = types.ErrInvalidBlockHash
)

// Reason classifies an error into a short label for logs and metrics.
func Reason(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrWrongLeader):
		return "wrong_leader"
	case errors.Is(err, ErrParentMismatch):
		return "parent_mismatch"
	case errors.Is(err, ErrNonceMismatch):
		return "nonce"
	case errors.Is(err, ErrInsufficientStakeFunds), errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrCapacityExceeded):
		return "capacity"
	case errors.Is(err, ErrInvalidTxSignature), errors.Is(err, ErrInvalidBlockSignature):
		return "signature"
	case errors.Is(err, ErrInvalidTxHash), errors.Is(err, ErrInvalidBlockHash):
		return "hash"
	case errors.Is(err, ErrInvalidGenesis), errors.Is(err, ErrMintOutsideGenesis):
		return "genesis"
	case errors.Is(err, ErrUnknownSender):
		return "unknown_sender"
	default:
		return "malformed"
	}
}
