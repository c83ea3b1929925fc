package privval

import (
	"errors"
	"fmt"

	"github.com/blockberries/blockchat/types"
)

// Errors
var (
	ErrDoubleSign       = errors.New("double sign attempt")
	ErrHeightRegression = errors.New("height regression")
	ErrWrongSigner      = errors.New("object is not owned by this signer")
)

// PrivValidator signs blocks and transactions on behalf of the local peer.
type PrivValidator interface {
	// GetPubKey returns the public key, which is also the peer's address.
	GetPubKey() types.PublicKey

	// SignBlock signs a block proposed for round height. It refuses to sign
	// a second, different block for a height it has already signed.
	SignBlock(height uint64, block *types.Block) error

	// SignTransaction signs a transaction sent by this peer.
	SignTransaction(tx *types.Transaction) error

	// SignedBlock returns the block signed for height, or nil when the last
	// signature was for another height. A leader whose commit failed after
	// signing re-proposes this block.
	SignedBlock(height uint64) *types.Block
}

// LastSignState tracks the last block signed for double-sign prevention.
type LastSignState struct {
	Signed    bool
	Height    uint64
	BlockHash types.Hash
	Signature types.Signature
	// Block is the signed block itself, when known.
	Block *types.Block
}

// SignedBlock returns a copy of the signed block if it was for height.
func (lss *LastSignState) SignedBlock(height uint64) *types.Block {
	if !lss.Signed || lss.Height != height || lss.Block == nil {
		return nil
	}
	return lss.Block.Copy()
}

// CheckHeight reports whether a block for height may be signed.
// ErrDoubleSign is returned for the last signed height; callers may still
// re-issue the cached signature when the block hash is identical.
func (lss *LastSignState) CheckHeight(height uint64) error {
	if !lss.Signed {
		return nil
	}
	if lss.Height > height {
		return fmt.Errorf("%w: last %d, got %d", ErrHeightRegression, lss.Height, height)
	}
	if lss.Height == height {
		return ErrDoubleSign
	}
	return nil
}

// signBlock applies the double-sign guard and signs block with key. fresh
// is true when lss was updated and must be persisted by the caller; a
// re-sign of the identical block reuses the cached signature.
func signBlock(key *types.PrivateKey, lss *LastSignState, height uint64, block *types.Block) (fresh bool, err error) {
	if !types.PublicKeyEqual(block.Data.Validator, key.PublicKey()) {
		return false, ErrWrongSigner
	}
	if err := lss.CheckHeight(height); err != nil {
		if errors.Is(err, ErrDoubleSign) && types.HashEqual(lss.BlockHash, types.BlockHash(block)) {
			block.Hash = types.BlockHash(block)
			block.Signature = types.Signature{Data: append([]byte(nil), lss.Signature.Data...)}
			return false, nil
		}
		return false, err
	}

	if err := block.Sign(key); err != nil {
		return false, err
	}
	*lss = LastSignState{
		Signed:    true,
		Height:    height,
		BlockHash: block.Hash,
		Signature: block.Signature,
		Block:     block.Copy(),
	}
	return true, nil
}

func signTransaction(key *types.PrivateKey, tx *types.Transaction) error {
	if !types.PublicKeyEqual(tx.Sender, key.PublicKey()) {
		return ErrWrongSigner
	}
	return tx.Sign(key)
}
