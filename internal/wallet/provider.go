// Package wallet talks to a user-controlled signer through EIP-1193 style
// requests.
package wallet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/R3E-Network/evidence_layer/internal/chain"
)

// EIP-1193 provider error codes.
const (
	CodeUserRejected      = 4001
	CodeUnauthorized      = 4100
	CodeUnsupportedMethod = 4200
	CodeDisconnected      = 4900
	CodeChainDisconnected = 4901
	CodeUnrecognizedChain = 4902
)

// Provider sends one request to the wallet. Requests that prompt the user
// block until the user answers or ctx ends.
type Provider interface {
	Request(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error)
}

// ProviderError is an error reported by the wallet.
type ProviderError struct {
	Code    int
	Message string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("wallet error %d: %s", e.Code, e.Message)
}

// Code extracts the provider error code from err.
func Code(err error) (int, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Code, true
	}
	return 0, false
}

// IsUserRejected reports whether the user declined the request.
func IsUserRejected(err error) bool {
	code, ok := Code(err)
	return ok && code == CodeUserRejected
}

// RPCProvider forwards requests to an external signer over JSON-RPC: a
// Clef-compatible signer, a desktop wallet bridge or an unlocked dev node.
type RPCProvider struct {
	client *chain.Client
}

var _ Provider = (*RPCProvider)(nil)

// NewRPCProvider creates a provider for the signer at url.
func NewRPCProvider(url string, timeout time.Duration) (*RPCProvider, error) {
	if timeout <= 0 {
		timeout = 5 * time.Minute // user prompts can take a while
	}
	c, err := chain.NewClient(chain.Config{RPCURL: url, Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("wallet provider: %w", err)
	}
	return &RPCProvider{client: c}, nil
}

// Request implements Provider.
func (p *RPCProvider) Request(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error) {
	result, err := p.client.Call(ctx, method, params)
	if err != nil {
		var rpcErr *chain.RPCError
		if errors.As(err, &rpcErr) {
			return nil, &ProviderError{Code: rpcErr.Code, Message: rpcErr.Message}
		}
		return nil, err
	}
	return result, nil
}

// =============================================================================
// Typed requests
// =============================================================================

// RequestAccounts asks the user to reveal their accounts.
func RequestAccounts(ctx context.Context, p Provider) ([]string, error) {
	raw, err := p.Request(ctx, "eth_requestAccounts")
	if err != nil {
		return nil, err
	}
	var accounts []string
	if err := json.Unmarshal(raw, &accounts); err != nil {
		return nil, fmt.Errorf("decode accounts: %w", err)
	}
	return accounts, nil
}

// ChainID returns the chain currently selected in the wallet.
func ChainID(ctx context.Context, p Provider) (uint64, error) {
	raw, err := p.Request(ctx, "eth_chainId")
	if err != nil {
		return 0, err
	}
	var id hexutil.Uint64
	if err := json.Unmarshal(raw, &id); err != nil {
		return 0, fmt.Errorf("decode chain id: %w", err)
	}
	return uint64(id), nil
}

// SwitchChain asks the wallet to select chainID.
func SwitchChain(ctx context.Context, p Provider, chainID uint64) error {
	_, err := p.Request(ctx, "wallet_switchEthereumChain", map[string]string{
		"chainId": hexutil.EncodeUint64(chainID),
	})
	return err
}

// Transaction is the eth_sendTransaction argument.
type Transaction struct {
	From string        `json:"from"`
	To   string        `json:"to"`
	Data hexutil.Bytes `json:"data"`
}

// SendTransaction asks the wallet to sign and broadcast tx and returns its
// hash.
func SendTransaction(ctx context.Context, p Provider, tx Transaction) (string, error) {
	raw, err := p.Request(ctx, "eth_sendTransaction", tx)
	if err != nil {
		return "", err
	}
	var hash string
	if err := json.Unmarshal(raw, &hash); err != nil {
		return "", fmt.Errorf("decode transaction hash: %w", err)
	}
	if hash == "" {
		return "", fmt.Errorf("wallet returned an empty transaction hash")
	}
	return hash, nil
}
