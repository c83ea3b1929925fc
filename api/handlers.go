package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/blockberries/blockchat/chain"
	"github.com/blockberries/blockchat/types"
)

// Request errors
var (
	ErrMalformedRequest = errors.New("malformed request")
	ErrUnknownRecipient = errors.New("unknown recipient")
	ErrNoChain          = errors.New("chain has no blocks yet")

	errMethodNotAllowed = errors.New("method not allowed")
)

// TransactionRequest is the body of POST /transaction. Exactly one of
// Amount and Message is set.
type TransactionRequest struct {
	Recipient string  `json:"recipient"`
	Amount    *uint64 `json:"amount,omitempty"`
	Message   *string `json:"message,omitempty"`
}

// StakeRequest is the body of POST /stake.
type StakeRequest struct {
	Amount *uint64 `json:"amount"`
}

// BlockRequest is the optional body of GET /block.
type BlockRequest struct {
	Hash string `json:"hash"`
}

// TransactionResponse is returned for an accepted transaction.
type TransactionResponse struct {
	Hash  string `json:"hash"`
	Nonce uint64 `json:"nonce"`
}

// BalanceResponse is returned by GET /balance.
type BalanceResponse struct {
	Balance uint64 `json:"balance"`
	Stake   uint64 `json:"stake"`
}

// InfoResponse is returned by GET /info. Round fields are present once the
// engine runs.
type InfoResponse struct {
	Name           string        `json:"name"`
	PublicKey      string        `json:"public_key"`
	Capacity       int           `json:"capacity"`
	Height         uint64        `json:"height"`
	Accounts       int           `json:"accounts"`
	ValidatorsHash string        `json:"validators_hash"`
	Mempool        int           `json:"mempool"`
	Evidence       int           `json:"evidence"`
	Step           string        `json:"step,omitempty"`
	Leader         string        `json:"leader,omitempty"`
	IsLeader       bool          `json:"is_leader,omitempty"`
	Sync           *SyncResponse `json:"sync,omitempty"`
}

// SyncResponse reports catch-up progress.
type SyncResponse struct {
	State        string `json:"state"`
	TargetHeight uint64 `json:"target_height"`
	Pending      int    `json:"pending"`
}

// PendingTxResponse describes a transaction waiting in the mempool.
type PendingTxResponse struct {
	Hash   string `json:"hash"`
	Sender string `json:"sender"`
	Nonce  uint64 `json:"nonce"`
	Type   string `json:"type"`
}

// EvidenceResponse describes a validator that signed two blocks on one parent.
type EvidenceResponse struct {
	Height    uint64 `json:"height"`
	Validator string `json:"validator"`
	Name      string `json:"name,omitempty"`
	BlockA    string `json:"block_a"`
	BlockB    string `json:"block_b"`
}

// PeerResponse describes one configured peer.
type PeerResponse struct {
	Name      string     `json:"name"`
	Address   string     `json:"address,omitempty"`
	Connected bool       `json:"connected"`
	Height    uint64     `json:"height"`
	Behind    bool       `json:"behind,omitempty"`
	LastSeen  *time.Time `json:"last_seen,omitempty"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleTransaction(w http.ResponseWriter, r *http.Request) {
	var req TransactionRequest
	if err := decodeBody(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if (req.Amount == nil) == (req.Message == nil) {
		writeError(w, http.StatusBadRequest,
			fmt.Errorf("%w: exactly one of amount and message is required", ErrMalformedRequest))
		return
	}

	recipient, err := ResolveKey(s.backend.Chain().State().Peers(), req.Recipient)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var kind types.TxKind
	if req.Amount != nil {
		kind = types.CoinKind(*req.Amount, recipient)
	} else {
		kind = types.MessageKind(*req.Message, recipient)
	}
	s.submit(w, r, kind)
}

func (s *Server) handleStake(w http.ResponseWriter, r *http.Request) {
	var req StakeRequest
	if err := decodeBody(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Amount == nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("%w: amount is required", ErrMalformedRequest))
		return
	}
	s.submit(w, r, types.StakeKind(*req.Amount))
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request, kind types.TxKind) {
	tx, err := s.backend.CreateTransaction(r.Context(), kind)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, TransactionResponse{
		Hash:  types.HashString(tx.Hash),
		Nonce: tx.Nonce,
	})
}

func (s *Server) handleBlock(w http.ResponseWriter, r *http.Request) {
	hashText := r.URL.Query().Get("hash")
	if hashText == "" {
		var req BlockRequest
		if err := decodeBody(r, &req, true); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		hashText = req.Hash
	}

	ch := s.backend.Chain()
	if hashText == "" {
		tip := ch.Tip()
		if tip == nil {
			writeError(w, http.StatusNotFound, ErrNoChain)
			return
		}
		writeJSON(w, http.StatusOK, tip)
		return
	}

	hash, err := types.ParseHash(hashText)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("%w: %v", ErrMalformedRequest, err))
		return
	}
	block, _, err := ch.BlockByHash(hash)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, block)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	ch := s.backend.Chain()
	pk := ch.PublicKey()
	if key := r.URL.Query().Get("key"); key != "" {
		var err error
		if pk, err = ResolveKey(ch.State().Peers(), key); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	acct := ch.Account(pk)
	writeJSON(w, http.StatusOK, BalanceResponse{Balance: acct.Balance, Stake: acct.Stake})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	ch := s.backend.Chain()
	status := ch.Status()
	info := InfoResponse{
		Name:           s.name,
		PublicKey:      types.PublicKeyString(ch.PublicKey()),
		Capacity:       status.Capacity,
		Height:         status.Height,
		Accounts:       status.Accounts,
		ValidatorsHash: types.HashString(status.Validators.Hash()),
		Mempool:        status.MempoolSize,
		Evidence:       len(s.backend.Evidence(types.PublicKey{})),
	}
	if m, err := s.backend.GetMetrics(); err == nil {
		info.Step = m.Step
		info.Leader = m.LeaderName
		info.IsLeader = m.IsLeader
	}
	if progress, err := s.backend.SyncStatus(); err == nil {
		info.Sync = &SyncResponse{
			State:        progress.State.String(),
			TargetHeight: progress.TargetHeight,
			Pending:      progress.Pending,
		}
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleMempool(w http.ResponseWriter, r *http.Request) {
	txs := s.backend.Chain().PendingTransactions()
	out := make([]PendingTxResponse, len(txs))
	for i, tx := range txs {
		out[i] = PendingTxResponse{
			Hash:   types.HashString(tx.Hash),
			Sender: types.PublicKeyString(tx.Sender),
			Nonce:  tx.Nonce,
			Type:   tx.Kind.Type.String(),
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleEvidence(w http.ResponseWriter, r *http.Request) {
	peers := s.backend.Chain().State().Peers()
	var validator types.PublicKey
	if v := r.URL.Query().Get("validator"); v != "" {
		var err error
		if validator, err = ResolveKey(peers, v); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}

	list := s.backend.Evidence(validator)
	out := make([]EvidenceResponse, len(list))
	for i, ev := range list {
		out[i] = EvidenceResponse{
			Height:    ev.Height,
			Validator: types.PublicKeyString(ev.Validator()),
			BlockA:    types.HashString(ev.BlockA.Hash),
			BlockB:    types.HashString(ev.BlockB.Hash),
		}
		if v := peers.GetByKey(ev.Validator()); v != nil {
			out[i].Name = v.Name
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	ch := s.backend.Chain()
	msgs := ch.Inbox(ch.PublicKey())
	if msgs == nil {
		msgs = []chain.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	peers := s.backend.Peers()
	out := make([]PeerResponse, len(peers))
	for i, p := range peers {
		out[i] = PeerResponse{
			Name:      p.Name,
			Address:   p.Address,
			Connected: p.Connected,
			Height:    p.Height,
			Behind:    p.Behind,
		}
		if !p.LastSeen.IsZero() {
			seen := p.LastSeen.UTC()
			out[i].LastSeen = &seen
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// ResolveKey turns a peer name or hex public key into a known peer's key.
func ResolveKey(peers *types.ValidatorSet, s string) (types.PublicKey, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return types.PublicKey{}, fmt.Errorf("%w: recipient is required", ErrMalformedRequest)
	}
	if v := peers.GetByName(s); v != nil {
		return v.PublicKey, nil
	}
	pk, err := types.ParsePublicKey(s)
	if err != nil {
		return types.PublicKey{}, fmt.Errorf("%w: %s", ErrUnknownRecipient, s)
	}
	if !peers.Has(pk) {
		return types.PublicKey{}, fmt.Errorf("%w: %s", ErrUnknownRecipient, pk.Short())
	}
	return pk, nil
}

// decodeBody decodes a JSON body into v. An empty body is an error unless
// optional is set.
func decodeBody(r *http.Request, v any, optional bool) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) && optional {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}
	return nil
}

// statusFor maps core errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, chain.ErrBlockNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrMalformedRequest), errors.Is(err, ErrUnknownRecipient):
		return http.StatusBadRequest
	case errors.Is(err, chain.ErrNoSigner):
		return http.StatusInternalServerError
	default:
		return http.StatusUnprocessableEntity
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, ErrorResponse{Error: err.Error()})
}
