package chain

import "errors"

// Errors
var (
	ErrNoSigner         = errors.New("chain has no signer")
	ErrNotLeader        = errors.New("local peer is not the leader for this round")
	ErrNothingToPropose = errors.New("no includable transactions")
	ErrBlockKnown       = errors.New("block already applied")
	ErrBlockNotFound    = errors.New("block not found")
	ErrGenesisMismatch  = errors.New("stored chain does not match genesis")
)
