// Package testutil provides test doubles shared across package tests.
package testutil

import (
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/R3E-Network/evidence_layer/internal/contract"
)

// Default values served by a fresh Node.
const (
	DefaultAccount  = "0x00000000000000000000000000000000000000a1"
	DefaultGasUsed  = 50000
	DefaultGasPrice = 2_000_000_000
)

// RPCError is a JSON-RPC error object as the node returns it.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// HandlerFunc overrides one JSON-RPC method.
type HandlerFunc func(params []json.RawMessage) (interface{}, *RPCError)

// Node is a JSON-RPC server that plays both an unlocked dev node and the
// evidence registry contract deployed on it. It answers the wallet methods
// (eth_requestAccounts, wallet_switchEthereumChain, eth_sendTransaction) as
// well as the read methods the chain client uses.
type Node struct {
	URL    string
	server *httptest.Server

	mu             sync.Mutex
	walletChainID  uint64
	knownChains    map[uint64]bool
	accounts       []string
	authorized     bool
	balance        *big.Int
	rejectAccounts bool
	rejectSwitch   bool
	reverting      bool
	sendErr        *RPCError
	pendingPolls   int
	blockNumber    uint64
	nonce          uint64
	txs            map[string]*pendingTx
	entries        map[string]contract.Entry
	overrides      map[string]HandlerFunc
	calls          map[string]int
}

type pendingTx struct {
	from    string
	polls   int
	block   uint64
	success bool
}

// NewNode starts a node reporting chainID.
func NewNode(chainID uint64) *Node {
	n := &Node{
		walletChainID: chainID,
		knownChains:   map[uint64]bool{chainID: true},
		accounts:      []string{DefaultAccount},
		balance:       new(big.Int).Mul(big.NewInt(15), big.NewInt(1e17)),
		blockNumber:   100,
		txs:           make(map[string]*pendingTx),
		entries:       make(map[string]contract.Entry),
		overrides:     make(map[string]HandlerFunc),
		calls:         make(map[string]int),
	}
	n.server = httptest.NewServer(http.HandlerFunc(n.serve))
	n.URL = n.server.URL
	return n
}

// Close stops the server.
func (n *Node) Close() { n.server.Close() }

// Handle overrides method.
func (n *Node) Handle(method string, fn HandlerFunc) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.overrides[method] = fn
}

// Calls returns how often method was called.
func (n *Node) Calls(method string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[method]
}

// SetAccounts replaces the wallet accounts. An empty list is allowed.
func (n *Node) SetAccounts(accounts ...string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.accounts = accounts
}

// SetRejectAccounts makes eth_requestAccounts fail with code 4001.
func (n *Node) SetRejectAccounts(v bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.rejectAccounts = v
}

// SetWalletChain sets the chain the wallet currently has selected and marks
// it known.
func (n *Node) SetWalletChain(id uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.walletChainID = id
	n.knownChains[id] = true
}

// WalletChain returns the selected chain.
func (n *Node) WalletChain() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.walletChainID
}

// ForgetChain makes switching to id fail with code 4902.
func (n *Node) ForgetChain(id uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.knownChains, id)
}

// SetRejectSwitch makes wallet_switchEthereumChain fail with code 4001.
func (n *Node) SetRejectSwitch(v bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.rejectSwitch = v
}

// SetReverting makes mined transactions report status 0.
func (n *Node) SetReverting(v bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.reverting = v
}

// SetSendError makes eth_sendTransaction fail.
func (n *Node) SetSendError(e *RPCError) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sendErr = e
}

// SetPendingPolls makes each receipt appear only after polls null answers.
func (n *Node) SetPendingPolls(polls int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.pendingPolls = polls
}

// Register seeds the registry directly.
func (n *Node) Register(hash string, e contract.Entry) {
	n.mu.Lock()
	defer n.mu.Unlock()
	e.Exists = true
	n.entries[hash] = e
}

// Entry returns what the registry holds for hash.
func (n *Node) Entry(hash string) (contract.Entry, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	e, ok := n.entries[hash]
	return e, ok
}

type rpcRequest struct {
	ID     json.RawMessage   `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result"`
	Error   *RPCError       `json:"error,omitempty"`
}

func (n *Node) serve(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	result, rpcErr := n.dispatch(req.Method, req.Params)
	resp := rpcResponse{JSONRPC: "2.0", ID: req.ID}
	if rpcErr != nil {
		resp.Error = rpcErr
	} else {
		resp.Result = result
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (n *Node) dispatch(method string, params []json.RawMessage) (interface{}, *RPCError) {
	n.mu.Lock()
	n.calls[method]++
	override := n.overrides[method]
	n.mu.Unlock()
	if override != nil {
		return override(params)
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	switch method {
	case "eth_chainId":
		return hexutil.Uint64(n.walletChainID), nil
	case "eth_blockNumber":
		return hexutil.Uint64(n.blockNumber), nil
	case "eth_requestAccounts":
		if n.rejectAccounts {
			return nil, &RPCError{Code: 4001, Message: "User rejected the request."}
		}
		n.authorized = true
		return n.accountsLocked(), nil
	case "eth_accounts":
		if !n.authorized {
			return []string{}, nil
		}
		return n.accountsLocked(), nil
	case "eth_getBalance":
		return (*hexutil.Big)(n.balance), nil
	case "wallet_switchEthereumChain":
		return n.switchChainLocked(params)
	case "eth_sendTransaction":
		return n.sendTransactionLocked(params)
	case "eth_getTransactionReceipt":
		return n.receiptLocked(params)
	case "eth_call":
		return n.callLocked(params)
	default:
		return nil, &RPCError{Code: -32601, Message: fmt.Sprintf("the method %s does not exist/is not available", method)}
	}
}

func (n *Node) accountsLocked() []string {
	out := make([]string, len(n.accounts))
	copy(out, n.accounts)
	return out
}

func (n *Node) switchChainLocked(params []json.RawMessage) (interface{}, *RPCError) {
	if n.rejectSwitch {
		return nil, &RPCError{Code: 4001, Message: "User rejected the request."}
	}
	var args []struct {
		ChainID hexutil.Uint64 `json:"chainId"`
	}
	if err := json.Unmarshal(joinParams(params), &args); err != nil || len(args) == 0 {
		return nil, &RPCError{Code: -32602, Message: "invalid params"}
	}
	id := uint64(args[0].ChainID)
	if !n.knownChains[id] {
		return nil, &RPCError{Code: 4902, Message: fmt.Sprintf("Unrecognized chain ID %q.", hexutil.EncodeUint64(id))}
	}
	n.walletChainID = id
	return nil, nil
}

type txArgs struct {
	From string        `json:"from"`
	To   string        `json:"to"`
	Data hexutil.Bytes `json:"data"`
}

func (n *Node) sendTransactionLocked(params []json.RawMessage) (interface{}, *RPCError) {
	if n.sendErr != nil {
		return nil, n.sendErr
	}
	var args []txArgs
	if err := json.Unmarshal(joinParams(params), &args); err != nil || len(args) == 0 {
		return nil, &RPCError{Code: -32602, Message: "invalid params"}
	}
	tx := args[0]
	if !n.authorized || !n.ownsLocked(tx.From) {
		return nil, &RPCError{Code: 4100, Message: "The requested account has not been authorized by the user."}
	}

	n.nonce++
	hash := crypto.Keccak256Hash([]byte(tx.From), tx.Data, new(big.Int).SetUint64(n.nonce).Bytes()).Hex()
	n.blockNumber++
	pending := &pendingTx{from: tx.From, block: n.blockNumber, success: !n.reverting}
	n.txs[hash] = pending

	if pending.success && tx.To != "" {
		if call, err := contract.DecodeCall(tx.Data); err == nil && call.Method == contract.MethodRegister {
			n.entries[call.Hash] = contract.Entry{
				Exists:       true,
				Submitter:    common.HexToAddress(tx.From),
				Timestamp:    big.NewInt(time.Now().Unix()),
				EvidenceType: call.EvidenceType,
				CaseNumber:   call.CaseNumber,
			}
		}
	}
	return hash, nil
}

func (n *Node) ownsLocked(addr string) bool {
	for _, a := range n.accounts {
		if strings.EqualFold(a, addr) {
			return true
		}
	}
	return false
}

func (n *Node) receiptLocked(params []json.RawMessage) (interface{}, *RPCError) {
	var hash string
	if len(params) == 0 || json.Unmarshal(params[0], &hash) != nil {
		return nil, &RPCError{Code: -32602, Message: "invalid params"}
	}
	tx, ok := n.txs[hash]
	if !ok {
		return nil, nil
	}
	if tx.polls < n.pendingPolls {
		tx.polls++
		return nil, nil
	}
	status := hexutil.Uint64(0)
	if tx.success {
		status = 1
	}
	return map[string]interface{}{
		"transactionHash":   hash,
		"blockHash":         crypto.Keccak256Hash([]byte(hash)).Hex(),
		"blockNumber":       hexutil.Uint64(tx.block),
		"from":              tx.from,
		"gasUsed":           hexutil.Uint64(DefaultGasUsed),
		"effectiveGasPrice": (*hexutil.Big)(big.NewInt(DefaultGasPrice)),
		"status":            status,
	}, nil
}

func (n *Node) callLocked(params []json.RawMessage) (interface{}, *RPCError) {
	if len(params) == 0 {
		return nil, &RPCError{Code: -32602, Message: "invalid params"}
	}
	var args []txArgs
	if err := json.Unmarshal(joinParams(params[:1]), &args); err != nil || len(args) == 0 {
		return nil, &RPCError{Code: -32602, Message: "invalid params"}
	}
	call, err := contract.DecodeCall(args[0].Data)
	if err != nil || call.Method != contract.MethodVerify {
		return nil, &RPCError{Code: 3, Message: "execution reverted"}
	}
	out, err := contract.PackVerifyResult(n.entries[call.Hash])
	if err != nil {
		return nil, &RPCError{Code: -32000, Message: err.Error()}
	}
	return hexutil.Bytes(out), nil
}

func joinParams(params []json.RawMessage) []byte {
	raw, _ := json.Marshal(params)
	return raw
}
