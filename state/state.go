package state

import (
	"fmt"
	"math/bits"

	"github.com/blockberries/blockchat/types"
)

// State is the deterministic ledger: the account table plus the position of
// the chain tip. A State is never mutated once published; ApplyBlock builds a
// shadow copy and returns it only when every transaction applies.
type State struct {
	genesis  *Genesis
	peers    *types.ValidatorSet
	capacity int

	accounts map[string]*types.Account
	height   uint64
	tip      types.Hash
}

// NewState creates the empty pre-genesis state. capacity is the maximum number
// of transactions in a non-genesis block.
func NewState(genesis *Genesis, capacity int) (*State, error) {
	if err := genesis.ValidateBasic(); err != nil {
		return nil, err
	}
	if capacity < 1 {
		return nil, fmt.Errorf("capacity must be positive, got %d", capacity)
	}
	peers, err := genesis.ValidatorSet()
	if err != nil {
		return nil, err
	}
	return &State{
		genesis:  genesis,
		peers:    peers,
		capacity: capacity,
		accounts: make(map[string]*types.Account),
		tip:      types.HashEmpty(),
	}, nil
}

// Copy returns a deep copy of the account table sharing immutable config.
func (s *State) Copy() *State {
	accounts := make(map[string]*types.Account, len(s.accounts))
	for k, a := range s.accounts {
		acc := *a
		accounts[k] = &acc
	}
	return &State{
		genesis:  s.genesis,
		peers:    s.peers,
		capacity: s.capacity,
		accounts: accounts,
		height:   s.height,
		tip:      types.Hash{Data: append([]byte(nil), s.tip.Data...)},
	}
}

// Height returns the number of applied blocks. It is also the round index of
// the next block.
func (s *State) Height() uint64 { return s.height }

// Tip returns the hash of the last applied block, or the zero hash before genesis.
func (s *State) Tip() types.Hash { return s.tip }

// Capacity returns the per-block transaction quota.
func (s *State) Capacity() int { return s.capacity }

// Genesis returns the genesis parameters.
func (s *State) Genesis() *Genesis { return s.genesis }

// Peers returns the fixed membership with zero stakes.
func (s *State) Peers() *types.ValidatorSet { return s.peers }

// IsPeer reports whether pk is a known peer.
func (s *State) IsPeer(pk types.PublicKey) bool { return s.peers.Has(pk) }

// Account returns a copy of the account for pk. Unknown keys have a zero account.
func (s *State) Account(pk types.PublicKey) types.Account {
	if a, ok := s.accounts[pk.Key()]; ok {
		return *a
	}
	return types.Account{}
}

// NumAccounts returns the number of accounts with ledger entries.
func (s *State) NumAccounts() int { return len(s.accounts) }

// TotalSupply returns the sum of all balances and stakes.
func (s *State) TotalSupply() uint64 {
	var total uint64
	for _, a := range s.accounts {
		total += a.Balance + a.Stake
	}
	return total
}

// Validators returns the peer set weighted by current stakes.
func (s *State) Validators() *types.ValidatorSet {
	vs, err := s.peers.WithStakes(func(pk types.PublicKey) uint64 {
		return s.Account(pk).Stake
	})
	if err != nil {
		// stakes are bounded by total supply, which genesis bounds
		panic(fmt.Sprintf("CONSENSUS CRITICAL: failed to weight validator set: %v", err))
	}
	return vs
}

// Leader returns the validator entitled to produce the next block. Before
// genesis this is the bootstrap peer.
func (s *State) Leader() *types.Validator {
	if s.height == 0 {
		return s.peers.GetByKey(s.genesis.Bootstrap)
	}
	return s.Validators().SelectLeader(s.tip, s.height)
}

func (s *State) account(pk types.PublicKey) *types.Account {
	a, ok := s.accounts[pk.Key()]
	if !ok {
		a = &types.Account{}
		s.accounts[pk.Key()] = a
	}
	return a
}

// ApplyTransaction validates tx and applies it to s in place. On error s is
// unchanged. Callers apply transactions only to a shadow copy.
func (s *State) ApplyTransaction(tx *types.Transaction) error {
	if tx.IsMint() {
		return ErrMintOutsideGenesis
	}
	if err := tx.ValidateBasic(); err != nil {
		return err
	}
	if !s.peers.Has(tx.Sender) {
		return fmt.Errorf("%w: %s", ErrUnknownSender, tx.Sender.Short())
	}

	sender := s.Account(tx.Sender)
	if tx.Nonce != sender.NextNonce() {
		return fmt.Errorf("%w: got %d, expected %d", ErrNonceMismatch, tx.Nonce, sender.NextNonce())
	}

	switch tx.Kind.Type {
	case types.TxTypeCoin:
		if err := sender.Debit(tx.Kind.Amount); err != nil {
			return fmt.Errorf("%w: balance %d, amount %d", err, sender.Balance, tx.Kind.Amount)
		}
		sender.Nonce = tx.Nonce
		if types.PublicKeyEqual(tx.Sender, tx.Kind.Recipient) {
			sender.Balance += tx.Kind.Amount
			*s.account(tx.Sender) = sender
			return nil
		}
		recipient := s.Account(tx.Kind.Recipient)
		if err := recipient.Credit(tx.Kind.Amount); err != nil {
			return err
		}
		*s.account(tx.Sender) = sender
		*s.account(tx.Kind.Recipient) = recipient

	case types.TxTypeMessage:
		sender.Nonce = tx.Nonce
		*s.account(tx.Sender) = sender

	case types.TxTypeStake:
		if err := sender.Bond(tx.Kind.Amount); err != nil {
			return fmt.Errorf("%w: balance %d, amount %d", ErrInsufficientStakeFunds, sender.Balance, tx.Kind.Amount)
		}
		sender.Nonce = tx.Nonce
		*s.account(tx.Sender) = sender

	default:
		return types.ErrInvalidTxKind
	}
	return nil
}

// ApplyBlock validates block against s and returns the resulting state.
// s is never modified; on error the returned state is nil.
func (s *State) ApplyBlock(block *types.Block) (*State, error) {
	if err := block.Verify(); err != nil {
		return nil, err
	}
	if !types.HashEqual(block.Data.ParentHash, s.tip) {
		return nil, fmt.Errorf("%w: parent %s, tip %s",
			ErrParentMismatch, types.HashString(block.Data.ParentHash), types.HashString(s.tip))
	}

	if s.height == 0 {
		return s.applyGenesis(block)
	}

	leader := s.Leader()
	if !types.PublicKeyEqual(block.Data.Validator, leader.PublicKey) {
		return nil, fmt.Errorf("%w: got %s, expected %s (%s)",
			ErrWrongLeader, block.Data.Validator.Short(), leader.PublicKey.Short(), leader.Name)
	}
	if len(block.Data.Transactions) > s.capacity {
		return nil, fmt.Errorf("%w: %d > %d", ErrCapacityExceeded, len(block.Data.Transactions), s.capacity)
	}

	shadow := s.Copy()
	for i, tx := range block.Data.Transactions {
		if err := shadow.ApplyTransaction(tx); err != nil {
			return nil, fmt.Errorf("tx %d: %w", i, err)
		}
	}
	shadow.advance(block.Hash)
	return shadow, nil
}

func (s *State) applyGenesis(block *types.Block) (*State, error) {
	if err := s.genesis.ValidateBlock(block); err != nil {
		return nil, err
	}
	shadow := s.Copy()
	for _, tx := range block.Data.Transactions {
		acc := shadow.account(tx.Kind.Recipient)
		sum, carry := bits.Add64(acc.Balance, tx.Kind.Amount, 0)
		if carry != 0 {
			return nil, fmt.Errorf("%w: %v", ErrInvalidGenesis, types.ErrBalanceOverflow)
		}
		acc.Balance = sum
	}
	shadow.advance(block.Hash)
	return shadow, nil
}

func (s *State) advance(hash types.Hash) {
	s.height++
	s.tip = types.Hash{Data: append([]byte(nil), hash.Data...)}
}
