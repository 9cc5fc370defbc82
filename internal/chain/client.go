// Package chain is a JSON-RPC client for EVM nodes. It covers the read side
// of the evidence registry: chain id, balances, contract calls and receipts.
// Transactions are signed and sent by the wallet, not here.
package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/tidwall/gjson"

	"github.com/R3E-Network/evidence_layer/internal/httputil"
)

// Client talks to one EVM JSON-RPC endpoint.
type Client struct {
	rpcURL     string
	httpClient *http.Client
	chainID    uint64
	nextID     atomic.Uint64
}

// Config holds client configuration.
type Config struct {
	RPCURL  string
	ChainID uint64 // expected chain id; 0 skips the check in VerifyChainID
	Timeout time.Duration
}

// ErrChainMismatch is returned by VerifyChainID.
var ErrChainMismatch = errors.New("chain id mismatch")

// NewClient creates a client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("RPC URL required")
	}
	return &Client{
		rpcURL:     cfg.RPCURL,
		httpClient: httputil.NewClient(cfg.Timeout),
		chainID:    cfg.ChainID,
	}, nil
}

// RPCURL returns the endpoint.
func (c *Client) RPCURL() string { return c.rpcURL }

// =============================================================================
// Core RPC Methods
// =============================================================================

// Call makes an RPC call and returns the raw result. A JSON-RPC error object
// is returned as *RPCError.
func (c *Client) Call(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	if params == nil {
		params = []interface{}{}
	}
	req := RPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      c.nextID.Add(1),
	}

	httpReq, err := httputil.NewJSONRequest(ctx, http.MethodPost, c.rpcURL, req)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	body, err := httputil.ReadAllStrict(resp.Body, httputil.MaxResponseBytes)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return ParseResponse(body, resp.StatusCode)
}

// ParseResponse extracts the result from a JSON-RPC response body.
func ParseResponse(body []byte, statusCode int) (json.RawMessage, error) {
	if !gjson.ValidBytes(body) {
		if statusCode >= 300 {
			return nil, &httputil.StatusError{StatusCode: statusCode, Body: string(body)}
		}
		return nil, fmt.Errorf("unmarshal response: invalid json")
	}
	if e := gjson.GetBytes(body, "error"); e.Exists() && e.Type != gjson.Null {
		return nil, rpcErrorFrom(e)
	}
	if statusCode >= 300 {
		return nil, &httputil.StatusError{StatusCode: statusCode, Body: string(body)}
	}
	result := gjson.GetBytes(body, "result")
	if !result.Exists() {
		return nil, fmt.Errorf("unmarshal response: missing result")
	}
	return json.RawMessage(result.Raw), nil
}

// ChainID returns eth_chainId.
func (c *Client) ChainID(ctx context.Context) (uint64, error) {
	var out hexutil.Uint64
	if err := c.callInto(ctx, &out, "eth_chainId"); err != nil {
		return 0, err
	}
	return uint64(out), nil
}

// VerifyChainID checks the node against the configured chain id.
func (c *Client) VerifyChainID(ctx context.Context) error {
	if c.chainID == 0 {
		return nil
	}
	got, err := c.ChainID(ctx)
	if err != nil {
		return err
	}
	if got != c.chainID {
		return fmt.Errorf("%w: node reports %d, want %d", ErrChainMismatch, got, c.chainID)
	}
	return nil
}

// BlockNumber returns the latest block height.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	var out hexutil.Uint64
	if err := c.callInto(ctx, &out, "eth_blockNumber"); err != nil {
		return 0, err
	}
	return uint64(out), nil
}

// GetBalance returns the latest balance of address in wei.
func (c *Client) GetBalance(ctx context.Context, address string) (*big.Int, error) {
	var out hexutil.Big
	if err := c.callInto(ctx, &out, "eth_getBalance", address, "latest"); err != nil {
		return nil, err
	}
	return out.ToInt(), nil
}

// EthCall executes a read-only contract call against the latest block.
func (c *Client) EthCall(ctx context.Context, msg CallMsg) ([]byte, error) {
	var out hexutil.Bytes
	if err := c.callInto(ctx, &out, "eth_call", msg, "latest"); err != nil {
		return nil, err
	}
	return out, nil
}

// GetTransactionReceipt returns the receipt of a mined transaction, or
// ErrReceiptNotFound while it is pending.
func (c *Client) GetTransactionReceipt(ctx context.Context, txHash string) (*Receipt, error) {
	result, err := c.Call(ctx, "eth_getTransactionReceipt", []interface{}{txHash})
	if err != nil {
		return nil, err
	}
	if isNull(result) {
		return nil, ErrReceiptNotFound
	}
	var receipt Receipt
	if err := json.Unmarshal(result, &receipt); err != nil {
		return nil, fmt.Errorf("decode receipt: %w", err)
	}
	return &receipt, nil
}

func (c *Client) callInto(ctx context.Context, out interface{}, method string, params ...interface{}) error {
	result, err := c.Call(ctx, method, params)
	if err != nil {
		return err
	}
	if isNull(result) {
		return fmt.Errorf("%s: empty result", method)
	}
	if err := json.Unmarshal(result, out); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || gjson.ParseBytes(raw).Type == gjson.Null
}
