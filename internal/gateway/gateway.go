// Package gateway binds a user wallet and the active network's evidence
// registry. A Gateway holds one wallet connection and one contract binding
// at a time; Initialize replaces both.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/R3E-Network/evidence_layer/internal/app/domain/evidence"
	"github.com/R3E-Network/evidence_layer/internal/chain"
	"github.com/R3E-Network/evidence_layer/internal/contract"
	"github.com/R3E-Network/evidence_layer/internal/wallet"
	"github.com/R3E-Network/evidence_layer/pkg/logger"
)

var (
	ErrNoActiveNetwork       = evidence.ErrNoActiveNetwork
	ErrWalletNotPresent      = errors.New("no wallet provider available")
	ErrUserRejected          = errors.New("user rejected the wallet request")
	ErrNoAccounts            = errors.New("wallet has no accounts")
	ErrNetworkSwitchFailed   = errors.New("failed to switch wallet network")
	ErrWalletNotConnected    = errors.New("wallet not connected")
	ErrContractNotConfigured = errors.New("contract address not configured for the active network")
	ErrTransactionFailed     = errors.New("transaction failed")
	ErrReadFailed            = errors.New("contract read failed")
)

// NetworkSource supplies the active network.
type NetworkSource interface {
	ActiveNetwork(ctx context.Context) (evidence.Network, error)
}

// Config tunes confirmation waits.
type Config struct {
	PollInterval time.Duration
	WaitTimeout  time.Duration
	RPCTimeout   time.Duration
}

// Registration is the outcome of a mined registerEvidence transaction.
type Registration struct {
	TxHash      string `json:"tx_hash"`
	BlockNumber uint64 `json:"block_number"`
	GasUsed     uint64 `json:"gas_used"`
	Fee         string `json:"fee"`
	NetworkID   string `json:"network_id"`
}

// Linkage converts r to the record fields it sets.
func (r *Registration) Linkage() evidence.Linkage {
	return evidence.Linkage{TxHash: r.TxHash, BlockNumber: r.BlockNumber, GasUsed: r.GasUsed, Fee: r.Fee}
}

// OnChainRecord is what the registry holds for a hash.
type OnChainRecord struct {
	Registered   bool      `json:"registered"`
	Submitter    string    `json:"submitter,omitempty"`
	Timestamp    time.Time `json:"timestamp,omitempty"`
	EvidenceType string    `json:"evidence_type,omitempty"`
	CaseNumber   string    `json:"case_number,omitempty"`
}

// Gateway is safe for concurrent use. Wallet prompts are serialized.
type Gateway struct {
	networks NetworkSource
	provider wallet.Provider
	cfg      Config
	log      *logger.Logger

	mu          sync.RWMutex
	initialized bool
	network     evidence.Network
	client      *chain.Client
	registry    common.Address
	hasRegistry bool
	account     string

	// initMu serializes Initialize so a lazy first call cannot reset a
	// connection made by a concurrent one.
	initMu   sync.Mutex
	promptMu sync.Mutex
}

// New creates a gateway. provider may be nil, in which case Initialize fails
// with ErrWalletNotPresent.
func New(networks NetworkSource, provider wallet.Provider, cfg Config, log *logger.Logger) *Gateway {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = chain.DefaultPollInterval
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = chain.DefaultTxWaitTimeout
	}
	if log == nil {
		log = logger.NewDefault("gateway")
	}
	return &Gateway{networks: networks, provider: provider, cfg: cfg, log: log}
}

// Initialize loads the active network and binds the wallet and contract,
// dropping any previous connection.
func (g *Gateway) Initialize(ctx context.Context) error {
	g.initMu.Lock()
	defer g.initMu.Unlock()
	return g.initializeLocked(ctx)
}

func (g *Gateway) initializeLocked(ctx context.Context) error {
	network, err := g.networks.ActiveNetwork(ctx)
	if err != nil {
		if errors.Is(err, evidence.ErrNoActiveNetwork) {
			return ErrNoActiveNetwork
		}
		return fmt.Errorf("load active network: %w", err)
	}
	if g.provider == nil {
		return ErrWalletNotPresent
	}

	client, err := chain.NewClient(chain.Config{RPCURL: network.RPCURL, ChainID: network.ChainID, Timeout: g.cfg.RPCTimeout})
	if err != nil {
		return fmt.Errorf("network %s: %w", network.ID, err)
	}

	var registry common.Address
	hasRegistry := false
	if addr := strings.TrimSpace(network.ContractAddress); addr != "" {
		if !common.IsHexAddress(addr) {
			return fmt.Errorf("network %s: invalid contract address %q: %w", network.ID, addr, ErrContractNotConfigured)
		}
		registry = common.HexToAddress(addr)
		hasRegistry = true
	}

	g.mu.Lock()
	g.network = network
	g.client = client
	g.registry = registry
	g.hasRegistry = hasRegistry
	g.account = ""
	g.initialized = true
	g.mu.Unlock()

	g.log.WithFields(map[string]interface{}{
		"network":  network.ID,
		"chain_id": network.ChainID,
		"contract": network.ContractAddress,
	}).Info("gateway initialized")
	return nil
}

// EnsureInitialized initializes the gateway unless already done.
func (g *Gateway) EnsureInitialized(ctx context.Context) error {
	g.mu.RLock()
	ok := g.initialized
	g.mu.RUnlock()
	if ok {
		return nil
	}

	g.initMu.Lock()
	defer g.initMu.Unlock()
	g.mu.RLock()
	ok = g.initialized
	g.mu.RUnlock()
	if ok {
		return nil
	}
	return g.initializeLocked(ctx)
}

// Network returns the bound network.
func (g *Gateway) Network() (evidence.Network, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.network, g.initialized
}

// Connected reports whether a wallet account is connected.
func (g *Gateway) Connected() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.account != ""
}

type binding struct {
	network     evidence.Network
	client      *chain.Client
	registry    common.Address
	hasRegistry bool
	account     string
}

func (g *Gateway) current(ctx context.Context) (binding, error) {
	if err := g.EnsureInitialized(ctx); err != nil {
		return binding{}, err
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	return binding{
		network:     g.network,
		client:      g.client,
		registry:    g.registry,
		hasRegistry: g.hasRegistry,
		account:     g.account,
	}, nil
}

// ConnectWallet asks the user to reveal an account. It prompts every time it
// is called.
func (g *Gateway) ConnectWallet(ctx context.Context) (string, error) {
	if err := g.EnsureInitialized(ctx); err != nil {
		return "", err
	}
	g.promptMu.Lock()
	defer g.promptMu.Unlock()
	return g.connectLocked(ctx)
}

func (g *Gateway) connectLocked(ctx context.Context) (string, error) {
	accounts, err := wallet.RequestAccounts(ctx, g.provider)
	if err != nil {
		if wallet.IsUserRejected(err) {
			return "", fmt.Errorf("%w: %w", ErrUserRejected, err)
		}
		return "", fmt.Errorf("request accounts: %w", err)
	}
	if len(accounts) == 0 {
		return "", ErrNoAccounts
	}
	account := common.HexToAddress(accounts[0]).Hex()

	g.mu.Lock()
	g.account = account
	g.mu.Unlock()

	g.log.WithField("address", account).Info("wallet connected")
	return account, nil
}

// EnsureCorrectNetwork switches the wallet to the configured chain if it has
// another one selected.
func (g *Gateway) EnsureCorrectNetwork(ctx context.Context) error {
	b, err := g.current(ctx)
	if err != nil {
		return err
	}
	g.promptMu.Lock()
	defer g.promptMu.Unlock()
	return g.ensureNetworkLocked(ctx, b.network)
}

func (g *Gateway) ensureNetworkLocked(ctx context.Context, network evidence.Network) error {
	selected, err := wallet.ChainID(ctx, g.provider)
	if err != nil {
		return fmt.Errorf("%w: read wallet chain: %w", ErrNetworkSwitchFailed, err)
	}
	if selected == network.ChainID {
		return nil
	}

	g.log.WithFields(map[string]interface{}{
		"from_chain": selected,
		"to_chain":   network.ChainID,
	}).Info("requesting wallet network switch")

	if err := wallet.SwitchChain(ctx, g.provider, network.ChainID); err != nil {
		return fmt.Errorf("%w: %w", ErrNetworkSwitchFailed, err)
	}
	selected, err = wallet.ChainID(ctx, g.provider)
	if err != nil {
		return fmt.Errorf("%w: read wallet chain: %w", ErrNetworkSwitchFailed, err)
	}
	if selected != network.ChainID {
		return fmt.Errorf("%w: wallet still on chain %d", ErrNetworkSwitchFailed, selected)
	}
	return nil
}

// Address returns the connected account.
func (g *Gateway) Address(ctx context.Context) (string, error) {
	b, err := g.current(ctx)
	if err != nil {
		return "", err
	}
	if b.account == "" {
		return "", ErrWalletNotConnected
	}
	return b.account, nil
}

// Balance returns the connected account's balance in ether.
func (g *Gateway) Balance(ctx context.Context) (string, error) {
	b, err := g.current(ctx)
	if err != nil {
		return "", err
	}
	if b.account == "" {
		return "", ErrWalletNotConnected
	}
	wei, err := b.client.GetBalance(ctx, b.account)
	if err != nil {
		return "", fmt.Errorf("get balance: %w", err)
	}
	return FormatEther(wei), nil
}

// RegisterHash records hash on chain and waits for the receipt. If no account
// is connected it prompts once for one. The wallet must have the bound chain
// selected before the transaction is sent; a refused switch fails this call
// and the next call checks again. Prompts are never retried within a call.
func (g *Gateway) RegisterHash(ctx context.Context, hash, evidenceType, caseNumber string) (*Registration, error) {
	b, err := g.current(ctx)
	if err != nil {
		return nil, err
	}
	if !b.hasRegistry {
		return nil, ErrContractNotConfigured
	}

	data, err := contract.PackRegister(hash, evidenceType, caseNumber)
	if err != nil {
		return nil, fmt.Errorf("%w: encode call: %w", ErrTransactionFailed, err)
	}

	txHash, err := g.send(ctx, b, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransactionFailed, err)
	}

	log := g.log.WithFields(map[string]interface{}{"tx_hash": txHash, "network": b.network.ID})
	log.Info("registration submitted, waiting for receipt")

	receipt, err := b.client.WaitForReceiptTimeout(ctx, txHash, g.cfg.PollInterval, g.cfg.WaitTimeout)
	if err != nil {
		return nil, fmt.Errorf("%w: wait for %s: %w", ErrTransactionFailed, txHash, err)
	}
	if !receipt.Succeeded() {
		return nil, fmt.Errorf("%w: transaction %s reverted in block %d", ErrTransactionFailed, txHash, uint64(receipt.BlockNumber))
	}

	reg := &Registration{
		TxHash:      txHash,
		BlockNumber: uint64(receipt.BlockNumber),
		GasUsed:     uint64(receipt.GasUsed),
		Fee:         receipt.Fee().String(),
		NetworkID:   b.network.ID,
	}
	log.WithField("block", reg.BlockNumber).Info("registration mined")
	return reg, nil
}

// send connects if needed, checks the wallet's selected chain and submits
// the call, all under one prompt lock. The chain check runs before every
// send; it only prompts when the wallet moved to another chain.
func (g *Gateway) send(ctx context.Context, b binding, data []byte) (string, error) {
	g.promptMu.Lock()
	defer g.promptMu.Unlock()

	g.mu.RLock()
	account := g.account
	g.mu.RUnlock()
	if account == "" {
		var err error
		if account, err = g.connectLocked(ctx); err != nil {
			return "", err
		}
	}
	if err := g.ensureNetworkLocked(ctx, b.network); err != nil {
		return "", err
	}

	txHash, err := wallet.SendTransaction(ctx, g.provider, wallet.Transaction{
		From: account,
		To:   b.registry.Hex(),
		Data: data,
	})
	if err != nil {
		return "", fmt.Errorf("send: %w", err)
	}
	return txHash, nil
}

// VerifyHash reads the registry entry for hash. An unknown hash is not an
// error.
func (g *Gateway) VerifyHash(ctx context.Context, hash string) (*OnChainRecord, error) {
	b, err := g.current(ctx)
	if err != nil {
		return nil, err
	}
	if !b.hasRegistry {
		return nil, ErrContractNotConfigured
	}

	data, err := contract.PackVerify(hash)
	if err != nil {
		return nil, fmt.Errorf("%w: encode call: %w", ErrReadFailed, err)
	}
	out, err := b.client.EthCall(ctx, chain.CallMsg{To: b.registry.Hex(), Data: data})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrReadFailed, err)
	}
	entry, err := contract.UnpackVerify(out)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrReadFailed, err)
	}
	if !entry.Exists {
		return &OnChainRecord{Registered: false}, nil
	}

	rec := &OnChainRecord{
		Registered:   true,
		Submitter:    entry.Submitter.Hex(),
		EvidenceType: entry.EvidenceType,
		CaseNumber:   entry.CaseNumber,
	}
	if entry.Timestamp != nil && entry.Timestamp.IsInt64() {
		rec.Timestamp = time.Unix(entry.Timestamp.Int64(), 0).UTC()
	}
	return rec, nil
}

var weiPerEther = big.NewInt(1e18)

// FormatEther renders wei as a decimal ether amount without trailing zeros.
func FormatEther(wei *big.Int) string {
	if wei == nil {
		return "0"
	}
	neg := wei.Sign() < 0
	abs := new(big.Int).Abs(wei)
	whole, frac := new(big.Int).QuoRem(abs, weiPerEther, new(big.Int))

	s := whole.String()
	if frac.Sign() != 0 {
		fs := frac.String()
		fs = strings.Repeat("0", 18-len(fs)) + fs
		s += "." + strings.TrimRight(fs, "0")
	}
	if neg {
		s = "-" + s
	}
	return s
}
