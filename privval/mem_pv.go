package privval

import (
	"sync"

	"github.com/blockberries/blockchat/types"
)

// MemPV is an in-memory private validator with the same double-sign guard
// as FilePV. The guard does not survive a restart.
type MemPV struct {
	mu            sync.Mutex
	key           *types.PrivateKey
	lastSignState LastSignState
}

// NewMemPV wraps key.
func NewMemPV(key *types.PrivateKey) *MemPV {
	return &MemPV{key: key}
}

func (pv *MemPV) GetPubKey() types.PublicKey {
	return pv.key.PublicKey()
}

func (pv *MemPV) SignBlock(height uint64, block *types.Block) error {
	pv.mu.Lock()
	defer pv.mu.Unlock()
	_, err := signBlock(pv.key, &pv.lastSignState, height, block)
	return err
}

func (pv *MemPV) SignedBlock(height uint64) *types.Block {
	pv.mu.Lock()
	defer pv.mu.Unlock()
	return pv.lastSignState.SignedBlock(height)
}

func (pv *MemPV) SignTransaction(tx *types.Transaction) error {
	return signTransaction(pv.key, tx)
}

var _ PrivValidator = (*MemPV)(nil)
