package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/blockberries/blockchat/chain"
	"github.com/blockberries/blockchat/types"
)

// Error is a non-2xx response from the node.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("node returned %d: %s", e.StatusCode, e.Message)
}

// Client talks to a node's HTTP API.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the node at addr ("host:port" or a URL).
func NewClient(addr string, timeout time.Duration) *Client {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return &Client{
		baseURL: strings.TrimRight(addr, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// SendCoins transfers amount to recipient, a peer name or hex public key.
func (c *Client) SendCoins(ctx context.Context, recipient string, amount uint64) (*TransactionResponse, error) {
	var resp TransactionResponse
	req := TransactionRequest{Recipient: recipient, Amount: &amount}
	if err := c.do(ctx, http.MethodPost, "/transaction", nil, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SendMessage sends text to recipient.
func (c *Client) SendMessage(ctx context.Context, recipient, text string) (*TransactionResponse, error) {
	var resp TransactionResponse
	req := TransactionRequest{Recipient: recipient, Message: &text}
	if err := c.do(ctx, http.MethodPost, "/transaction", nil, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Stake moves amount from the node's balance into its stake.
func (c *Client) Stake(ctx context.Context, amount uint64) (*TransactionResponse, error) {
	var resp TransactionResponse
	if err := c.do(ctx, http.MethodPost, "/stake", nil, StakeRequest{Amount: &amount}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Block fetches the block with the given hex hash, or the tip when hash is empty.
func (c *Client) Block(ctx context.Context, hash string) (*types.Block, error) {
	var query url.Values
	if hash != "" {
		query = url.Values{"hash": {hash}}
	}
	var block types.Block
	if err := c.do(ctx, http.MethodGet, "/block", query, nil, &block); err != nil {
		return nil, err
	}
	return &block, nil
}

// Balance returns the account of key, a peer name or hex public key. An
// empty key means the node's own account.
func (c *Client) Balance(ctx context.Context, key string) (*BalanceResponse, error) {
	var query url.Values
	if key != "" {
		query = url.Values{"key": {key}}
	}
	var resp BalanceResponse
	if err := c.do(ctx, http.MethodGet, "/balance", query, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Info returns the node's identity, block capacity and round progress.
func (c *Client) Info(ctx context.Context) (*InfoResponse, error) {
	var resp InfoResponse
	if err := c.do(ctx, http.MethodGet, "/info", nil, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Messages returns the messages addressed to the node.
func (c *Client) Messages(ctx context.Context) ([]chain.Message, error) {
	var resp []chain.Message
	if err := c.do(ctx, http.MethodGet, "/messages", nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Peers returns the node's configured peers.
func (c *Client) Peers(ctx context.Context) ([]PeerResponse, error) {
	var resp []PeerResponse
	if err := c.do(ctx, http.MethodGet, "/peers", nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Mempool returns the transactions waiting to be included.
func (c *Client) Mempool(ctx context.Context) ([]PendingTxResponse, error) {
	var resp []PendingTxResponse
	if err := c.do(ctx, http.MethodGet, "/mempool", nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Evidence returns recorded double-signing evidence, limited to validator
// (a peer name or hex public key) unless it is empty.
func (c *Client) Evidence(ctx context.Context, validator string) ([]EvidenceResponse, error) {
	var query url.Values
	if validator != "" {
		query = url.Values{"validator": {validator}}
	}
	var resp []EvidenceResponse
	if err := c.do(ctx, http.MethodGet, "/evidence", query, nil, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("cannot reach node at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&e); err != nil || e.Error == "" {
			e.Error = http.StatusText(resp.StatusCode)
		}
		return &Error{StatusCode: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
