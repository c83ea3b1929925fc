// Package mempool holds transactions that have been accepted for inclusion
// but not yet committed in a block.
//
// Entries are keyed by (sender, nonce) and kept in arrival order. Admission
// only runs cheap checks: hash, signature, membership and replay. Balance and
// nonce contiguity are checked when a block is assembled, against a shadow
// copy of the ledger, so a transaction whose predecessor has not arrived yet
// waits in the pool instead of being rejected.
package mempool

import (
	"errors"
	"fmt"
	"sync"

	"github.com/blockberries/blockchat/state"
	"github.com/blockberries/blockchat/types"
)

// Errors
var (
	ErrTxAlreadyExists = errors.New("transaction already in mempool")
	ErrMempoolFull     = errors.New("mempool is full")
	ErrStaleNonce      = errors.New("transaction nonce already applied")
	ErrUnknownSender   = state.ErrUnknownSender
)

// DefaultMaxTxs bounds the pool when no limit is configured.
const DefaultMaxTxs = 10_000

// Mempool is safe for concurrent use.
type Mempool struct {
	txs   map[types.TxKey]*types.Transaction
	order []types.TxKey

	maxTxs int

	mu sync.RWMutex
}

// New creates an empty mempool. maxTxs <= 0 selects DefaultMaxTxs.
func New(maxTxs int) *Mempool {
	if maxTxs <= 0 {
		maxTxs = DefaultMaxTxs
	}
	return &Mempool{
		txs:    make(map[types.TxKey]*types.Transaction),
		order:  make([]types.TxKey, 0),
		maxTxs: maxTxs,
	}
}

// Submit admits tx after the pre-checks. st is the committed ledger state.
func (m *Mempool) Submit(tx *types.Transaction, st *state.State) error {
	if tx == nil {
		return fmt.Errorf("%w: nil transaction", types.ErrInvalidTxKind)
	}
	if tx.IsMint() {
		return state.ErrMintOutsideGenesis
	}
	if err := tx.ValidateBasic(); err != nil {
		return err
	}
	if !st.IsPeer(tx.Sender) {
		return fmt.Errorf("%w: %s", ErrUnknownSender, tx.Sender.Short())
	}
	if applied := st.Account(tx.Sender).Nonce; tx.Nonce <= applied {
		return fmt.Errorf("%w: nonce %d, last applied %d", ErrStaleNonce, tx.Nonce, applied)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := tx.Key()
	if _, exists := m.txs[key]; exists {
		return ErrTxAlreadyExists
	}
	if len(m.txs) >= m.maxTxs {
		return ErrMempoolFull
	}

	m.txs[key] = tx.Copy()
	m.order = append(m.order, key)
	return nil
}

// Reap selects up to capacity transactions that apply cleanly, in order, on
// top of st. Selection walks the pool in arrival order, repeating passes so
// that a transaction waiting on a lower nonce is picked up once that nonce is
// taken. Transactions that fail ledger validation are evicted together with
// the sender's later nonces. Transactions ahead of a nonce gap stay in the pool. Selected transactions remain pooled
// until Update removes them after commit.
func (m *Mempool) Reap(capacity int, st *state.State) []*types.Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()

	if capacity <= 0 || len(m.order) == 0 {
		return nil
	}

	shadow := st.Copy()
	selected := make([]*types.Transaction, 0, min(capacity, len(m.order)))
	taken := make(map[types.TxKey]bool)
	evicted := make(map[types.TxKey]bool)
	failed := make(map[string]uint64) // sender -> nonce that failed to apply

	for progress := true; progress && len(selected) < capacity; {
		progress = false
		for _, key := range m.order {
			if len(selected) >= capacity {
				break
			}
			if taken[key] || evicted[key] {
				continue
			}
			tx := m.txs[key]
			expected := shadow.Account(tx.Sender).NextNonce()
			switch {
			case tx.Nonce < expected:
				evicted[key] = true
			case tx.Nonce > expected:
				// gap: wait for the missing nonce
			default:
				if err := shadow.ApplyTransaction(tx); err != nil {
					evicted[key] = true
					failed[key.Sender] = key.Nonce
					continue
				}
				taken[key] = true
				selected = append(selected, tx.Copy())
				progress = true
			}
		}
	}

	if len(evicted) > 0 {
		// later nonces of a sender whose transaction failed can never apply
		m.removeLocked(func(key types.TxKey, _ *types.Transaction) bool {
			if evicted[key] {
				return true
			}
			n, ok := failed[key.Sender]
			return ok && key.Nonce > n
		})
	}
	return selected
}

// Update removes committed transactions and any whose nonce is now stale.
func (m *Mempool) Update(st *state.State, committed []*types.Transaction) {
	m.mu.Lock()
	defer m.mu.Unlock()

	included := make(map[types.TxKey]bool, len(committed))
	for _, tx := range committed {
		included[tx.Key()] = true
	}
	m.removeLocked(func(key types.TxKey, tx *types.Transaction) bool {
		return included[key] || tx.Nonce <= st.Account(tx.Sender).Nonce
	})
}

func (m *Mempool) removeLocked(drop func(types.TxKey, *types.Transaction) bool) {
	kept := m.order[:0]
	for _, key := range m.order {
		if drop(key, m.txs[key]) {
			delete(m.txs, key)
			continue
		}
		kept = append(kept, key)
	}
	m.order = kept
}

// Has reports whether a transaction with key is pooled.
func (m *Mempool) Has(key types.TxKey) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.txs[key]
	return ok
}

// Size returns the number of pooled transactions.
func (m *Mempool) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.txs)
}

// HighestNonce returns the highest pooled nonce for sender, or 0.
func (m *Mempool) HighestNonce(sender types.PublicKey) uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var highest uint64
	k := sender.Key()
	for key := range m.txs {
		if key.Sender == k && key.Nonce > highest {
			highest = key.Nonce
		}
	}
	return highest
}

// Txs returns copies of all pooled transactions in arrival order.
func (m *Mempool) Txs() []*types.Transaction {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*types.Transaction, len(m.order))
	for i, key := range m.order {
		out[i] = m.txs[key].Copy()
	}
	return out
}

// Flush removes all transactions.
func (m *Mempool) Flush() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txs = make(map[types.TxKey]*types.Transaction)
	m.order = make([]types.TxKey, 0)
}
