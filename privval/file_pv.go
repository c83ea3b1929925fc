package privval

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/blockberries/blockchat/types"
)

const (
	keyFilePerm   = 0600
	stateFilePerm = 0600
)

// FilePV is a file-based private validator. The key is an RSA PEM file and
// the last sign state is a JSON file rewritten before every block signature
// is released.
type FilePV struct {
	mu sync.Mutex

	keyFilePath   string
	stateFilePath string

	key           *types.PrivateKey
	lastSignState LastSignState
}

// signStateFile is the on-disk form of LastSignState.
type signStateFile struct {
	Signed    bool   `json:"signed"`
	Height    uint64 `json:"height"`
	BlockHash string `json:"block_hash,omitempty"`
	Signature []byte `json:"signature,omitempty"`
	Block     []byte `json:"block,omitempty"`
}

// LoadFilePV loads an existing key and its sign state. A missing state file
// starts a fresh state.
func LoadFilePV(keyFilePath, stateFilePath string) (*FilePV, error) {
	data, err := os.ReadFile(keyFilePath)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	key, err := types.ParsePrivateKeyPEM(data)
	if err != nil {
		return nil, fmt.Errorf("parse key file %s: %w", keyFilePath, err)
	}

	pv := &FilePV{
		keyFilePath:   keyFilePath,
		stateFilePath: stateFilePath,
		key:           key,
	}
	if err := pv.loadState(); err != nil {
		return nil, err
	}
	return pv, nil
}

// GenerateFilePV generates a new key of the given size and writes both files.
func GenerateFilePV(keyFilePath, stateFilePath string, bits int) (*FilePV, error) {
	key, err := types.GenerateKey(bits)
	if err != nil {
		return nil, err
	}

	pv := &FilePV{
		keyFilePath:   keyFilePath,
		stateFilePath: stateFilePath,
		key:           key,
	}
	if err := replaceFile(keyFilePath, key.MarshalPEM(), keyFilePerm); err != nil {
		return nil, fmt.Errorf("write key file: %w", err)
	}
	if err := pv.saveState(); err != nil {
		return nil, err
	}
	return pv, nil
}

// LoadOrGenFilePV loads the key at keyFilePath, generating it first if the
// file does not exist.
func LoadOrGenFilePV(keyFilePath, stateFilePath string, bits int) (*FilePV, error) {
	if _, err := os.Stat(keyFilePath); os.IsNotExist(err) {
		return GenerateFilePV(keyFilePath, stateFilePath, bits)
	}
	return LoadFilePV(keyFilePath, stateFilePath)
}

func (pv *FilePV) loadState() error {
	state, err := readSignState(pv.stateFilePath)
	if os.IsNotExist(err) {
		pv.lastSignState = LastSignState{}
		return pv.saveState()
	}
	if err != nil {
		return err
	}
	pv.lastSignState = state
	return nil
}

func (pv *FilePV) saveState() error {
	return writeSignState(pv.stateFilePath, pv.lastSignState)
}

func readSignState(path string) (LastSignState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return LastSignState{}, err
	}
	var f signStateFile
	if err := json.Unmarshal(data, &f); err != nil {
		return LastSignState{}, fmt.Errorf("parse sign state %s: %w", path, err)
	}

	state := LastSignState{
		Signed:    f.Signed,
		Height:    f.Height,
		Signature: types.Signature{Data: f.Signature},
	}
	if f.BlockHash != "" {
		if state.BlockHash, err = types.ParseHash(f.BlockHash); err != nil {
			return LastSignState{}, fmt.Errorf("parse sign state block hash: %w", err)
		}
	}
	if len(f.Block) > 0 {
		block, err := types.DecodeBlock(f.Block)
		if err != nil {
			return LastSignState{}, fmt.Errorf("parse sign state block: %w", err)
		}
		if !types.HashEqual(types.BlockHash(block), state.BlockHash) {
			return LastSignState{}, fmt.Errorf("parse sign state block: hash does not match %s", f.BlockHash)
		}
		state.Block = block
	}
	return state, nil
}

func writeSignState(path string, state LastSignState) error {
	f := signStateFile{
		Signed:    state.Signed,
		Height:    state.Height,
		Signature: state.Signature.Data,
	}
	if len(state.BlockHash.Data) > 0 {
		f.BlockHash = types.HashString(state.BlockHash)
	}
	if state.Block != nil {
		data, err := types.EncodeBlock(state.Block)
		if err != nil {
			return fmt.Errorf("encode signed block: %w", err)
		}
		f.Block = data
	}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}
	if err := replaceFile(path, data, stateFilePerm); err != nil {
		return fmt.Errorf("write sign state: %w", err)
	}
	return nil
}

func (pv *FilePV) GetPubKey() types.PublicKey {
	return pv.key.PublicKey()
}

// PrivateKey returns the signing key.
func (pv *FilePV) PrivateKey() *types.PrivateKey {
	return pv.key
}

// SignBlock signs block for round height and persists the sign state before
// returning.
func (pv *FilePV) SignBlock(height uint64, block *types.Block) error {
	pv.mu.Lock()
	defer pv.mu.Unlock()

	prev := pv.lastSignState
	fresh, err := signBlock(pv.key, &pv.lastSignState, height, block)
	if err != nil || !fresh {
		return err
	}
	if err := pv.saveState(); err != nil {
		pv.lastSignState = prev
		block.Signature = types.Signature{}
		return err
	}
	return nil
}

// SignTransaction signs a transaction sent by this peer.
func (pv *FilePV) SignTransaction(tx *types.Transaction) error {
	return signTransaction(pv.key, tx)
}

// SignedBlock returns the block signed for height, if the last signature was
// for that height.
func (pv *FilePV) SignedBlock(height uint64) *types.Block {
	pv.mu.Lock()
	defer pv.mu.Unlock()
	return pv.lastSignState.SignedBlock(height)
}

// LastSignState returns a copy of the last sign state.
func (pv *FilePV) LastSignState() LastSignState {
	pv.mu.Lock()
	defer pv.mu.Unlock()
	lss := pv.lastSignState
	lss.Block = lss.Block.Copy()
	return lss
}

// Reset clears the last sign state. Only safe when the chain data is wiped too.
func (pv *FilePV) Reset() error {
	pv.mu.Lock()
	defer pv.mu.Unlock()

	pv.lastSignState = LastSignState{}
	return pv.saveState()
}

// replaceFile writes data next to path and renames it into place, so a
// reader sees either the old contents or the new ones.
func replaceFile(path string, data []byte, perm os.FileMode) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if err = tmp.Chmod(perm); err != nil {
		return err
	}
	if _, err = tmp.Write(data); err != nil {
		return err
	}
	if err = tmp.Sync(); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

var _ PrivValidator = (*FilePV)(nil)
