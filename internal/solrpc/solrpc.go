// Package solrpc is a minimal Solana JSON-RPC client.
//
// Solana nodes speak plain JSON-RPC 2.0 over HTTP, so the transport is the
// go-ethereum rpc client; only the method names and result shapes are Solana
// specific.
package solrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
)

// Commitment levels accepted by the methods used here.
const (
	CommitmentConfirmed = "confirmed"
	CommitmentFinalized = "finalized"
)

// API is the subset of Solana RPC the pipeline needs.
type API interface {
	SimulateTransaction(ctx context.Context, txBase64, feePayer string) (*SimulateResult, error)
	GetLatestBlockhash(ctx context.Context) (*Blockhash, error)
	GetRecentPrioritizationFees(ctx context.Context) ([]PrioritizationFee, error)
	Close()
}

// Dialer opens an API handle for one endpoint URL.
type Dialer func(ctx context.Context, url string) (API, error)

// SimulateResult is the value of a simulateTransaction response.
type SimulateResult struct {
	// Err is the raw simulation error; JSON null when the tx would succeed.
	Err           json.RawMessage `json:"err"`
	Logs          []string        `json:"logs"`
	Accounts      []*Account      `json:"accounts"`
	UnitsConsumed *uint64         `json:"unitsConsumed"`
}

// Failed reports whether the chain would reject the transaction.
func (r *SimulateResult) Failed() bool {
	trimmed := bytes.TrimSpace(r.Err)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

// Account is one entry of the simulated post-state.
type Account struct {
	Lamports   uint64   `json:"lamports"`
	Owner      string   `json:"owner"`
	Data       []string `json:"data"`
	Executable bool     `json:"executable"`
}

// Blockhash is the value of a getLatestBlockhash response.
type Blockhash struct {
	Blockhash            string `json:"blockhash"`
	LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
}

// PrioritizationFee is one getRecentPrioritizationFees observation.
type PrioritizationFee struct {
	Slot              uint64 `json:"slot"`
	PrioritizationFee uint64 `json:"prioritizationFee"`
}

type contextual[T any] struct {
	Context struct {
		Slot uint64 `json:"slot"`
	} `json:"context"`
	Value T `json:"value"`
}

// Client talks to a single endpoint.
type Client struct {
	url string
	c   *rpc.Client
}

var _ API = (*Client)(nil)

// Dial creates a client for url. No request is made until the first call.
func Dial(ctx context.Context, url string) (*Client, error) {
	c, err := rpc.DialOptions(ctx, url, rpc.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}))
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return &Client{url: url, c: c}, nil
}

// DefaultDialer dials real endpoints.
func DefaultDialer(ctx context.Context, url string) (API, error) {
	return Dial(ctx, url)
}

// URL returns the endpoint this client talks to.
func (c *Client) URL() string { return c.url }

// Close releases the underlying connection.
func (c *Client) Close() { c.c.Close() }

// SimulateTransaction dry-runs a base64 transaction without signature checks,
// returning the fee payer's post-simulation account state.
func (c *Client) SimulateTransaction(ctx context.Context, txBase64, feePayer string) (*SimulateResult, error) {
	cfg := map[string]any{
		"encoding":   "base64",
		"commitment": CommitmentConfirmed,
		"sigVerify":  false,
		"accounts": map[string]any{
			"encoding":  "base64",
			"addresses": []string{feePayer},
		},
	}
	var out contextual[SimulateResult]
	if err := c.c.CallContext(ctx, &out, "simulateTransaction", txBase64, cfg); err != nil {
		return nil, err
	}
	return &out.Value, nil
}

// GetLatestBlockhash is the liveness probe used by the health worker.
func (c *Client) GetLatestBlockhash(ctx context.Context) (*Blockhash, error) {
	var out contextual[Blockhash]
	cfg := map[string]string{"commitment": CommitmentConfirmed}
	if err := c.c.CallContext(ctx, &out, "getLatestBlockhash", cfg); err != nil {
		return nil, err
	}
	return &out.Value, nil
}

// GetRecentPrioritizationFees returns per-slot fee observations.
func (c *Client) GetRecentPrioritizationFees(ctx context.Context) ([]PrioritizationFee, error) {
	var out []PrioritizationFee
	if err := c.c.CallContext(ctx, &out, "getRecentPrioritizationFees"); err != nil {
		return nil, err
	}
	return out, nil
}
