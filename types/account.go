package types

import (
	"errors"
	"math/bits"
)

// Account errors
var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrBalanceOverflow   = errors.New("balance overflow")
)

// Account is the ledger entry for one public key.
type Account struct {
	Balance uint64 `json:"balance"`
	Stake   uint64 `json:"stake"`
	// Nonce is the last applied transaction nonce; 0 before the first transaction.
	Nonce uint64 `json:"nonce"`
}

// NextNonce returns the nonce the account's next transaction must carry.
func (a Account) NextNonce() uint64 {
	return a.Nonce + 1
}

// Total returns balance plus stake.
func (a Account) Total() uint64 {
	return a.Balance + a.Stake
}

// Debit removes amount from the balance.
func (a *Account) Debit(amount uint64) error {
	if a.Balance < amount {
		return ErrInsufficientFunds
	}
	a.Balance -= amount
	return nil
}

// Credit adds amount to the balance.
func (a *Account) Credit(amount uint64) error {
	sum, carry := bits.Add64(a.Balance, amount, 0)
	if carry != 0 {
		return ErrBalanceOverflow
	}
	a.Balance = sum
	return nil
}

// Bond moves amount from the balance into stake. Stake is deposit-only.
func (a *Account) Bond(amount uint64) error {
	if a.Balance < amount {
		return ErrInsufficientFunds
	}
	stake, carry := bits.Add64(a.Stake, amount, 0)
	if carry != 0 {
		return ErrBalanceOverflow
	}
	a.Balance -= amount
	a.Stake = stake
	return nil
}
