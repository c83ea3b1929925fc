package types

import (
	"math/rand/v2"
	"sync"
	"testing"
)

const testKeyBits = 1024

var (
	testKeysOnce sync.Once
	testKeys     []*PrivateKey
	testKeysErr  error
)

// testKey returns one of a small pool of cached keys.
func testKey(t testing.TB, i int) *PrivateKey {
	t.Helper()
	testKeysOnce.Do(func() {
		for range 4 {
			k, err := GenerateKey(testKeyBits)
			if err != nil {
				testKeysErr = err
				return
			}
			testKeys = append(testKeys, k)
		}
	})
	if testKeysErr != nil {
		t.Fatalf("generate key: %v", testKeysErr)
	}
	return testKeys[i]
}

func signedCoin(t testing.TB, from *PrivateKey, to PublicKey, amount, nonce uint64) *Transaction {
	t.Helper()
	tx := NewTransaction(from.PublicKey(), CoinKind(amount, to), nonce)
	if err := tx.Sign(from); err != nil {
		t.Fatalf("sign: %v", err)
	}
	return tx
}

func newTestChaCha(seed [32]byte) *rand.ChaCha8 {
	return rand.NewChaCha8(seed)
}
