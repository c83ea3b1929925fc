package types

import (
	"bytes"
	"errors"
	"testing"
)

func makeValidator(t *testing.T, name string, keyIdx int, stake uint64) *Validator {
	t.Helper()
	return &Validator{
		Name:      name,
		PublicKey: testKey(t, keyIdx).PublicKey(),
		Stake:     stake,
	}
}

func TestNewValidatorSet(t *testing.T) {
	vals := []*Validator{
		makeValidator(t, "alice", 0, 100),
		makeValidator(t, "bob", 1, 50),
		makeValidator(t, "carol", 2, 0),
	}

	vs, err := NewValidatorSet(vals)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if vs.Size() != 3 {
		t.Errorf("expected 3 validators, got %d", vs.Size())
	}
	if vs.TotalStake != 150 {
		t.Errorf("expected total stake 150, got %d", vs.TotalStake)
	}

	// Canonical order by key bytes
	for i := 1; i < vs.Size(); i++ {
		if bytes.Compare(vs.Validators[i-1].PublicKey.Data, vs.Validators[i].PublicKey.Data) >= 0 {
			t.Fatal("validators not in canonical key order")
		}
	}

	if v := vs.GetByName("bob"); v == nil || v.Stake != 50 {
		t.Error("GetByName(bob) failed")
	}
	if !vs.Has(testKey(t, 2).PublicKey()) {
		t.Error("carol should be a member")
	}
	if vs.Has(testKey(t, 3).PublicKey()) {
		t.Error("unknown key should not be a member")
	}
}

func TestNewValidatorSetErrors(t *testing.T) {
	if _, err := NewValidatorSet(nil); !errors.Is(err, ErrEmptyValidatorSet) {
		t.Errorf("expected ErrEmptyValidatorSet, got %v", err)
	}

	dupName := []*Validator{makeValidator(t, "alice", 0, 1), makeValidator(t, "alice", 1, 1)}
	if _, err := NewValidatorSet(dupName); !errors.Is(err, ErrDuplicateValidator) {
		t.Errorf("expected ErrDuplicateValidator for name, got %v", err)
	}

	dupKey := []*Validator{makeValidator(t, "alice", 0, 1), makeValidator(t, "bob", 0, 1)}
	if _, err := NewValidatorSet(dupKey); !errors.Is(err, ErrDuplicateValidator) {
		t.Errorf("expected ErrDuplicateValidator for key, got %v", err)
	}

	noName := []*Validator{makeValidator(t, "", 0, 1)}
	if _, err := NewValidatorSet(noName); !errors.Is(err, ErrEmptyValidatorName) {
		t.Errorf("expected ErrEmptyValidatorName, got %v", err)
	}

	overflow := []*Validator{makeValidator(t, "a", 0, MaxTotalStake), makeValidator(t, "b", 1, 1)}
	if _, err := NewValidatorSet(overflow); !errors.Is(err, ErrTotalStakeOverflow) {
		t.Errorf("expected ErrTotalStakeOverflow, got %v", err)
	}
}

func TestSelectLeaderDeterministic(t *testing.T) {
	vals := []*Validator{
		makeValidator(t, "alice", 0, 100),
		makeValidator(t, "bob", 1, 50),
		makeValidator(t, "carol", 2, 25),
	}
	vs1, err := NewValidatorSet(vals)
	if err != nil {
		t.Fatal(err)
	}
	// Same members in a different input order
	vs2, err := NewValidatorSet([]*Validator{vals[2], vals[0], vals[1]})
	if err != nil {
		t.Fatal(err)
	}

	tip := HashBytes([]byte("tip"))
	for round := uint64(0); round < 50; round++ {
		a := vs1.SelectLeader(tip, round)
		b := vs2.SelectLeader(tip, round)
		c := vs1.SelectLeader(tip, round)
		if a.Name != b.Name || a.Name != c.Name {
			t.Fatalf("round %d: leader not deterministic (%s, %s, %s)", round, a.Name, b.Name, c.Name)
		}
	}
}

func TestSelectLeaderStakeWeighted(t *testing.T) {
	vs, err := NewValidatorSet([]*Validator{
		makeValidator(t, "heavy", 0, 900),
		makeValidator(t, "light", 1, 100),
		makeValidator(t, "zero", 2, 0),
	})
	if err != nil {
		t.Fatal(err)
	}

	counts := map[string]int{}
	const rounds = 2000
	for round := uint64(0); round < rounds; round++ {
		tip := HashBytes([]byte{byte(round), byte(round >> 8)})
		counts[vs.SelectLeader(tip, round).Name]++
	}

	if counts["zero"] != 0 {
		t.Errorf("zero-stake validator elected %d times", counts["zero"])
	}
	if counts["heavy"] < rounds*8/10 {
		t.Errorf("heavy validator elected only %d/%d times", counts["heavy"], rounds)
	}
	if counts["light"] == 0 {
		t.Error("light validator never elected")
	}
}

func TestSelectLeaderRoundRobinFallback(t *testing.T) {
	vs, err := NewValidatorSet([]*Validator{
		makeValidator(t, "alice", 0, 0),
		makeValidator(t, "bob", 1, 0),
		makeValidator(t, "carol", 2, 0),
	})
	if err != nil {
		t.Fatal(err)
	}

	tip := HashBytes([]byte("tip"))
	for round := uint64(0); round < 9; round++ {
		got := vs.SelectLeader(tip, round)
		want := vs.Validators[round%3]
		if got != want {
			t.Errorf("round %d: expected %s, got %s", round, want.Name, got.Name)
		}
	}
}

func TestSelectLeaderDependsOnTip(t *testing.T) {
	vs, err := NewValidatorSet([]*Validator{
		makeValidator(t, "alice", 0, 1),
		makeValidator(t, "bob", 1, 1),
	})
	if err != nil {
		t.Fatal(err)
	}

	seen := map[string]bool{}
	for i := 0; i < 64; i++ {
		seen[vs.SelectLeader(HashBytes([]byte{byte(i)}), 1).Name] = true
	}
	if len(seen) != 2 {
		t.Errorf("expected both validators across varying tips, got %v", seen)
	}
}

func TestValidatorSetWithStakes(t *testing.T) {
	vs, err := NewValidatorSet([]*Validator{
		makeValidator(t, "alice", 0, 0),
		makeValidator(t, "bob", 1, 0),
	})
	if err != nil {
		t.Fatal(err)
	}
	bob := testKey(t, 1).PublicKey()

	updated, err := vs.WithStakes(func(pk PublicKey) uint64 {
		if PublicKeyEqual(pk, bob) {
			return 40
		}
		return 0
	})
	if err != nil {
		t.Fatal(err)
	}
	if updated.TotalStake != 40 || updated.GetByName("bob").Stake != 40 {
		t.Error("stakes not applied")
	}
	if vs.TotalStake != 0 {
		t.Error("original set should not change")
	}
	if HashEqual(vs.Hash(), updated.Hash()) {
		t.Error("hash should reflect stakes")
	}
}

func TestUniformRange(t *testing.T) {
	var seed [32]byte
	for _, n := range []uint64{1, 2, 3, 7, 1 << 40, MaxTotalStake} {
		src := newTestChaCha(seed)
		for i := 0; i < 100; i++ {
			if v := uniform(src, n); v >= n {
				t.Fatalf("uniform(%d) returned %d", n, v)
			}
		}
	}
}
