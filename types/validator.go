package types

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"

	"github.com/blockberries/cramberry/pkg/cramberry"
)

// Constants
const (
	// MaxValidators is the maximum number of validators in a set
	MaxValidators = 65535

	// MaxTotalStake prevents overflow when stakes are summed
	MaxTotalStake = uint64(1) << 62
)

// Errors
var (
	ErrValidatorNotFound   = errors.New("validator not found")
	ErrDuplicateValidator  = errors.New("duplicate validator")
	ErrEmptyValidatorSet   = errors.New("empty validator set")
	ErrTooManyValidators   = errors.New("too many validators")
	ErrTotalStakeOverflow  = errors.New("total stake overflow")
	ErrEmptyValidatorName  = errors.New("validator has empty name")
	ErrInvalidValidatorKey = errors.New("validator has invalid public key")
)

// Validator is a known peer together with its current stake. Every peer is a
// validator; peers with zero stake stay in the set with zero weight.
type Validator struct {
	Name      string
	PublicKey PublicKey
	Stake     uint64
}

// ValidatorSet is an immutable, canonically ordered set of validators.
// Canonical order is ascending public key bytes, independent of config order.
type ValidatorSet struct {
	Validators []*Validator
	TotalStake uint64
	byKey      map[string]*Validator
	byName     map[string]*Validator
}

// NewValidatorSet creates a ValidatorSet from validators. Inputs are copied.
func NewValidatorSet(validators []*Validator) (*ValidatorSet, error) {
	if len(validators) == 0 {
		return nil, ErrEmptyValidatorSet
	}
	if len(validators) > MaxValidators {
		return nil, fmt.Errorf("%w: %d (max %d)", ErrTooManyValidators, len(validators), MaxValidators)
	}

	vs := &ValidatorSet{
		Validators: make([]*Validator, 0, len(validators)),
		byKey:      make(map[string]*Validator, len(validators)),
		byName:     make(map[string]*Validator, len(validators)),
	}

	for i, v := range validators {
		if v.Name == "" {
			return nil, fmt.Errorf("%w: validator %d", ErrEmptyValidatorName, i)
		}
		if v.PublicKey.IsEmpty() {
			return nil, fmt.Errorf("%w: validator %s", ErrInvalidValidatorKey, v.Name)
		}
		if _, exists := vs.byName[v.Name]; exists {
			return nil, fmt.Errorf("%w: name %s", ErrDuplicateValidator, v.Name)
		}
		if _, exists := vs.byKey[v.PublicKey.Key()]; exists {
			return nil, fmt.Errorf("%w: key of %s", ErrDuplicateValidator, v.Name)
		}
		if v.Stake > MaxTotalStake-vs.TotalStake {
			return nil, fmt.Errorf("%w: exceeds %d", ErrTotalStakeOverflow, MaxTotalStake)
		}

		val := &Validator{
			Name:      v.Name,
			PublicKey: PublicKey{Data: copyBytes(v.PublicKey.Data)},
			Stake:     v.Stake,
		}
		vs.Validators = append(vs.Validators, val)
		vs.byKey[val.PublicKey.Key()] = val
		vs.byName[val.Name] = val
		vs.TotalStake += v.Stake
	}

	sort.Slice(vs.Validators, func(i, j int) bool {
		return bytes.Compare(vs.Validators[i].PublicKey.Data, vs.Validators[j].PublicKey.Data) < 0
	})

	return vs, nil
}

// GetByKey returns a validator by public key
func (vs *ValidatorSet) GetByKey(pk PublicKey) *Validator {
	return vs.byKey[pk.Key()]
}

// GetByName returns a validator by name
func (vs *ValidatorSet) GetByName(name string) *Validator {
	return vs.byName[name]
}

// Has reports whether pk belongs to a known validator.
func (vs *ValidatorSet) Has(pk PublicKey) bool {
	_, ok := vs.byKey[pk.Key()]
	return ok
}

// Size returns the number of validators
func (vs *ValidatorSet) Size() int {
	return len(vs.Validators)
}

// WithStakes returns a new set with stakes taken from stakeOf. The receiver is
// not modified.
func (vs *ValidatorSet) WithStakes(stakeOf func(PublicKey) uint64) (*ValidatorSet, error) {
	vals := make([]*Validator, len(vs.Validators))
	for i, v := range vs.Validators {
		vals[i] = &Validator{Name: v.Name, PublicKey: v.PublicKey, Stake: stakeOf(v.PublicKey)}
	}
	return NewValidatorSet(vals)
}

// LeaderSeed derives the per-round randomness from the tip hash and round index.
func LeaderSeed(tip Hash, round uint64) Hash {
	buf := make([]byte, 0, len(tip.Data)+8)
	buf = append(buf, tip.Data...)
	buf = binary.BigEndian.AppendUint64(buf, round)
	return HashBytes(buf)
}

// SelectLeader elects the validator for round on top of tip.
//
// With positive total stake the choice is a stake-weighted draw from a ChaCha8
// stream keyed by LeaderSeed(tip, round). With zero total stake it falls back
// to round-robin over canonical order. The result depends only on the inputs,
// so every node holding the same chain elects the same leader.
func (vs *ValidatorSet) SelectLeader(tip Hash, round uint64) *Validator {
	n := uint64(len(vs.Validators))
	if n == 0 {
		return nil
	}
	if vs.TotalStake == 0 {
		return vs.Validators[round%n]
	}

	var seed [32]byte
	copy(seed[:], LeaderSeed(tip, round).Data)
	target := uniform(rand.NewChaCha8(seed), vs.TotalStake)

	var cumulative uint64
	for _, v := range vs.Validators {
		cumulative += v.Stake
		if target < cumulative {
			return v
		}
	}
	// unreachable: target < TotalStake == cumulative
	return vs.Validators[n-1]
}

// uniform draws from [0, n) by rejection sampling over raw ChaCha8 output.
func uniform(src *rand.ChaCha8, n uint64) uint64 {
	rem := (math.MaxUint64%n + 1) % n
	if rem == 0 {
		return src.Uint64() % n
	}
	limit := math.MaxUint64 - rem
	for {
		v := src.Uint64()
		if v <= limit {
			return v % n
		}
	}
}

type validatorSetDoc struct {
	Names  []string
	Keys   [][]byte
	Stakes []uint64
}

// Hash computes a deterministic hash of the validator set in canonical order.
func (vs *ValidatorSet) Hash() Hash {
	doc := validatorSetDoc{
		Names:  make([]string, len(vs.Validators)),
		Keys:   make([][]byte, len(vs.Validators)),
		Stakes: make([]uint64, len(vs.Validators)),
	}
	for i, v := range vs.Validators {
		doc.Names[i] = v.Name
		doc.Keys[i] = v.PublicKey.Data
		doc.Stakes[i] = v.Stake
	}
	data, err := cramberry.Marshal(&doc)
	if err != nil {
		panic(fmt.Sprintf("CONSENSUS CRITICAL: failed to marshal validator set for hash: %v", err))
	}
	return HashBytes(data)
}
