package state

import (
	"fmt"
	"math/bits"

	"github.com/blockberries/blockchat/types"
)

// Genesis describes the fixed membership and the initial allocation.
type Genesis struct {
	ChainID        string
	Peers          []*types.Validator
	InitialBalance uint64
	// Bootstrap is the peer that produces and signs the genesis block.
	Bootstrap types.PublicKey
}

// ValidateBasic checks the genesis parameters.
func (g *Genesis) ValidateBasic() error {
	if g == nil {
		return fmt.Errorf("%w: nil genesis", ErrInvalidGenesis)
	}
	if len(g.Peers) == 0 {
		return fmt.Errorf("%w: no peers", ErrInvalidGenesis)
	}
	if g.InitialBalance == 0 {
		return fmt.Errorf("%w: initial balance must be positive", ErrInvalidGenesis)
	}
	hi, total := bits.Mul64(g.InitialBalance, uint64(len(g.Peers)))
	if hi != 0 || total > types.MaxTotalStake {
		return fmt.Errorf("%w: total supply overflows", ErrInvalidGenesis)
	}
	vs, err := g.ValidatorSet()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidGenesis, err)
	}
	if !vs.Has(g.Bootstrap) {
		return fmt.Errorf("%w: bootstrap key is not a peer", ErrInvalidGenesis)
	}
	return nil
}

// ValidatorSet returns the membership with zero stakes in canonical order.
func (g *Genesis) ValidatorSet() (*types.ValidatorSet, error) {
	vals := make([]*types.Validator, len(g.Peers))
	for i, p := range g.Peers {
		vals[i] = &types.Validator{Name: p.Name, PublicKey: p.PublicKey}
	}
	return types.NewValidatorSet(vals)
}

// NewBlock builds the unsigned genesis block: one mint of InitialBalance per
// peer in canonical order, produced by the bootstrap peer on the zero parent.
func (g *Genesis) NewBlock(timestamp int64) (*types.Block, error) {
	vs, err := g.ValidatorSet()
	if err != nil {
		return nil, err
	}
	txs := make([]*types.Transaction, 0, vs.Size())
	for _, v := range vs.Validators {
		txs = append(txs, types.NewMintTransaction(v.PublicKey, g.InitialBalance))
	}
	return types.NewBlock(timestamp, txs, g.Bootstrap, types.HashEmpty()), nil
}

// ValidateBlock checks that block is the genesis block these parameters
// describe. The block hash and signature are checked separately.
func (g *Genesis) ValidateBlock(block *types.Block) error {
	if !block.IsGenesis() {
		return fmt.Errorf("%w: parent is not the zero hash", ErrInvalidGenesis)
	}
	if !types.PublicKeyEqual(block.Data.Validator, g.Bootstrap) {
		return fmt.Errorf("%w: not produced by the bootstrap peer", ErrInvalidGenesis)
	}
	vs, err := g.ValidatorSet()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidGenesis, err)
	}
	if len(block.Data.Transactions) != vs.Size() {
		return fmt.Errorf("%w: expected %d mints, got %d", ErrInvalidGenesis, vs.Size(), len(block.Data.Transactions))
	}
	for i, tx := range block.Data.Transactions {
		if !tx.IsMint() {
			return fmt.Errorf("%w: tx %d is not a mint", ErrInvalidGenesis, i)
		}
		if err := tx.ValidateBasic(); err != nil {
			return fmt.Errorf("%w: tx %d: %v", ErrInvalidGenesis, i, err)
		}
		if !types.PublicKeyEqual(tx.Kind.Recipient, vs.Validators[i].PublicKey) {
			return fmt.Errorf("%w: tx %d credits an unexpected account", ErrInvalidGenesis, i)
		}
		if tx.Kind.Amount != g.InitialBalance {
			return fmt.Errorf("%w: tx %d mints %d, expected %d", ErrInvalidGenesis, i, tx.Kind.Amount, g.InitialBalance)
		}
	}
	return nil
}
