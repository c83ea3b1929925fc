// Package testutil provides keys and chain fixtures shared by package tests.
package testutil

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/blockberries/blockchat/state"
	"github.com/blockberries/blockchat/types"
)

// KeyBits is the RSA size used in tests. Smaller than production keys to keep
// key generation fast.
const KeyBits = 1024

const poolSize = 8

var (
	poolOnce sync.Once
	pool     []*types.PrivateKey
	poolErr  error
)

// Key returns the i-th key of a process-wide cached pool.
func Key(t testing.TB, i int) *types.PrivateKey {
	t.Helper()
	poolOnce.Do(func() {
		for range poolSize {
			k, err := types.GenerateKey(KeyBits)
			if err != nil {
				poolErr = err
				return
			}
			pool = append(pool, k)
		}
	})
	if poolErr != nil {
		t.Fatalf("generate test key: %v", poolErr)
	}
	if i < 0 || i >= len(pool) {
		t.Fatalf("test key index %d out of range", i)
	}
	return pool[i]
}

// Keys returns the first n pooled keys.
func Keys(t testing.TB, n int) []*types.PrivateKey {
	t.Helper()
	keys := make([]*types.PrivateKey, n)
	for i := range keys {
		keys[i] = Key(t, i)
	}
	return keys
}

// Genesis returns genesis parameters for n peers named node0..node{n-1}, with
// node0 as bootstrap, and the peers' keys in the same order.
func Genesis(t testing.TB, n int, initialBalance uint64) (*state.Genesis, []*types.PrivateKey) {
	t.Helper()
	keys := Keys(t, n)
	peers := make([]*types.Validator, n)
	for i, k := range keys {
		peers[i] = &types.Validator{Name: fmt.Sprintf("node%d", i), PublicKey: k.PublicKey()}
	}
	return &state.Genesis{
		ChainID:        "test-chain",
		Peers:          peers,
		InitialBalance: initialBalance,
		Bootstrap:      keys[0].PublicKey(),
	}, keys
}

// GenesisBlock builds and signs the genesis block with the bootstrap key.
func GenesisBlock(t testing.TB, g *state.Genesis, bootstrap *types.PrivateKey) *types.Block {
	t.Helper()
	b, err := g.NewBlock(time.Now().UnixNano())
	if err != nil {
		t.Fatalf("genesis block: %v", err)
	}
	if err := b.Sign(bootstrap); err != nil {
		t.Fatalf("sign genesis: %v", err)
	}
	return b
}

// InitializedState returns a state with the genesis block applied.
func InitializedState(t testing.TB, n int, initialBalance uint64, capacity int) (*state.State, []*types.PrivateKey) {
	t.Helper()
	g, keys := Genesis(t, n, initialBalance)
	s, err := state.NewState(g, capacity)
	if err != nil {
		t.Fatalf("new state: %v", err)
	}
	s, err = s.ApplyBlock(GenesisBlock(t, g, keys[0]))
	if err != nil {
		t.Fatalf("apply genesis: %v", err)
	}
	return s, keys
}

// Tx builds and signs a transaction.
func Tx(t testing.TB, from *types.PrivateKey, kind types.TxKind, nonce uint64) *types.Transaction {
	t.Helper()
	tx := types.NewTransaction(from.PublicKey(), kind, nonce)
	if err := tx.Sign(from); err != nil {
		t.Fatalf("sign tx: %v", err)
	}
	return tx
}

// KeyOf returns the key in keys whose public key is pk.
func KeyOf(t testing.TB, keys []*types.PrivateKey, pk types.PublicKey) *types.PrivateKey {
	t.Helper()
	for _, k := range keys {
		if types.PublicKeyEqual(k.PublicKey(), pk) {
			return k
		}
	}
	t.Fatalf("no key for %s", pk.Short())
	return nil
}

// LeaderBlock builds the next block on s, signed by the elected leader.
func LeaderBlock(t testing.TB, s *state.State, keys []*types.PrivateKey, txs ...*types.Transaction) *types.Block {
	t.Helper()
	leader := KeyOf(t, keys, s.Leader().PublicKey)
	b := types.NewBlock(time.Now().UnixNano(), txs, leader.PublicKey(), s.Tip())
	if err := b.Sign(leader); err != nil {
		t.Fatalf("sign block: %v", err)
	}
	return b
}
