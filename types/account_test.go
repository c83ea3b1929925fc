package types

import (
	"errors"
	"math"
	"testing"
)

func TestAccountDebitCredit(t *testing.T) {
	a := Account{Balance: 100}

	if err := a.Debit(30); err != nil {
		t.Fatalf("Debit: %v", err)
	}
	if a.Balance != 70 {
		t.Errorf("expected 70, got %d", a.Balance)
	}

	if err := a.Debit(71); !errors.Is(err, ErrInsufficientFunds) {
		t.Errorf("expected ErrInsufficientFunds, got %v", err)
	}
	if a.Balance != 70 {
		t.Error("failed debit should not change balance")
	}

	if err := a.Credit(5); err != nil {
		t.Fatalf("Credit: %v", err)
	}
	if a.Balance != 75 {
		t.Errorf("expected 75, got %d", a.Balance)
	}

	full := Account{Balance: math.MaxUint64}
	if err := full.Credit(1); !errors.Is(err, ErrBalanceOverflow) {
		t.Errorf("expected ErrBalanceOverflow, got %v", err)
	}
}

func TestAccountBond(t *testing.T) {
	a := Account{Balance: 100}

	if err := a.Bond(40); err != nil {
		t.Fatalf("Bond: %v", err)
	}
	if a.Balance != 60 || a.Stake != 40 {
		t.Errorf("expected 60/40, got %d/%d", a.Balance, a.Stake)
	}
	if a.Total() != 100 {
		t.Errorf("bonding should conserve total, got %d", a.Total())
	}

	if err := a.Bond(61); !errors.Is(err, ErrInsufficientFunds) {
		t.Errorf("expected ErrInsufficientFunds, got %v", err)
	}
}

func TestAccountNextNonce(t *testing.T) {
	var a Account
	if a.NextNonce() != 1 {
		t.Errorf("first nonce should be 1, got %d", a.NextNonce())
	}
	a.Nonce = 5
	if a.NextNonce() != 6 {
		t.Errorf("expected 6, got %d", a.NextNonce())
	}
}
