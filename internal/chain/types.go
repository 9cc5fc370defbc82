package chain

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/tidwall/gjson"
)

// RPCRequest is a JSON-RPC 2.0 request.
type RPCRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
	ID      uint64        `json:"id"`
}

// RPCError is a JSON-RPC error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	if e.Data != "" {
		return fmt.Sprintf("rpc error %d: %s (%s)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// IsRevert reports whether the node rejected a call because the contract
// reverted.
func (e *RPCError) IsRevert() bool {
	return e.Code == 3 || strings.Contains(strings.ToLower(e.Message), "execution reverted")
}

func rpcErrorFrom(v gjson.Result) *RPCError {
	e := &RPCError{
		Code:    int(v.Get("code").Int()),
		Message: v.Get("message").String(),
	}
	if d := v.Get("data"); d.Exists() {
		if d.Type == gjson.String {
			e.Data = d.String()
		} else {
			e.Data = d.Raw
		}
	}
	return e
}

// ErrReceiptNotFound means the transaction is not mined yet (or unknown).
var ErrReceiptNotFound = errors.New("transaction receipt not found")

// CallMsg is the eth_call transaction object.
type CallMsg struct {
	From string        `json:"from,omitempty"`
	To   string        `json:"to"`
	Data hexutil.Bytes `json:"data"`
}

// Receipt is the subset of a transaction receipt the registry uses.
type Receipt struct {
	TransactionHash   string         `json:"transactionHash"`
	BlockHash         string         `json:"blockHash"`
	BlockNumber       hexutil.Uint64 `json:"blockNumber"`
	From              string         `json:"from"`
	To                string         `json:"to"`
	GasUsed           hexutil.Uint64 `json:"gasUsed"`
	EffectiveGasPrice *hexutil.Big   `json:"effectiveGasPrice"`
	Status            hexutil.Uint64 `json:"status"`
}

// Succeeded reports whether the transaction executed without reverting.
func (r *Receipt) Succeeded() bool { return r.Status == 1 }

// Fee is gasUsed × effectiveGasPrice in wei. Nodes that omit the price
// yield zero.
func (r *Receipt) Fee() *big.Int {
	if r.EffectiveGasPrice == nil {
		return new(big.Int)
	}
	return new(big.Int).Mul(new(big.Int).SetUint64(uint64(r.GasUsed)), r.EffectiveGasPrice.ToInt())
}
