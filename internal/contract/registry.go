// Package contract holds the ABI binding of the on-chain evidence registry.
//
// The registry exposes two methods:
//
//	registerEvidence(string hash, string evidenceType, string caseNumber)
//	verifyEvidence(string hash) view returns (bool exists, address submitter,
//	    uint256 timestamp, string evidenceType, string caseNumber)
//
// The submitter and timestamp are taken from msg.sender and block.timestamp.
package contract

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// RegistryABI is the JSON ABI of the evidence registry.
const RegistryABI = `[
	{"type":"function","name":"registerEvidence","stateMutability":"nonpayable",
	 "inputs":[{"name":"hash","type":"string"},{"name":"evidenceType","type":"string"},{"name":"caseNumber","type":"string"}],
	 "outputs":[]},
	{"type":"function","name":"verifyEvidence","stateMutability":"view",
	 "inputs":[{"name":"hash","type":"string"}],
	 "outputs":[{"name":"exists","type":"bool"},{"name":"submitter","type":"address"},{"name":"timestamp","type":"uint256"},{"name":"evidenceType","type":"string"},{"name":"caseNumber","type":"string"}]},
	{"type":"event","name":"EvidenceRegistered","anonymous":false,
	 "inputs":[{"name":"submitter","type":"address","indexed":true},{"name":"hash","type":"string","indexed":false},{"name":"timestamp","type":"uint256","indexed":false}]}
]`

const (
	MethodRegister = "registerEvidence"
	MethodVerify   = "verifyEvidence"
)

var registry = mustParse(RegistryABI)

func mustParse(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("contract: parse registry abi: %v", err))
	}
	return parsed
}

var ErrUnknownMethod = errors.New("contract: unknown method selector")

// Entry is the registry's view of one hash.
type Entry struct {
	Exists       bool
	Submitter    common.Address
	Timestamp    *big.Int
	EvidenceType string
	CaseNumber   string
}

// PackRegister encodes a registerEvidence call.
func PackRegister(hash, evidenceType, caseNumber string) ([]byte, error) {
	return registry.Pack(MethodRegister, hash, evidenceType, caseNumber)
}

// PackVerify encodes a verifyEvidence call.
func PackVerify(hash string) ([]byte, error) {
	return registry.Pack(MethodVerify, hash)
}

// UnpackVerify decodes the verifyEvidence return data.
func UnpackVerify(data []byte) (Entry, error) {
	if len(data) == 0 {
		return Entry{}, fmt.Errorf("unpack %s: empty return data", MethodVerify)
	}
	out, err := registry.Unpack(MethodVerify, data)
	if err != nil {
		return Entry{}, fmt.Errorf("unpack %s: %w", MethodVerify, err)
	}
	if len(out) != 5 {
		return Entry{}, fmt.Errorf("unpack %s: got %d values", MethodVerify, len(out))
	}
	e := Entry{}
	var ok bool
	if e.Exists, ok = out[0].(bool); !ok {
		return Entry{}, fmt.Errorf("unpack %s: exists has type %T", MethodVerify, out[0])
	}
	if e.Submitter, ok = out[1].(common.Address); !ok {
		return Entry{}, fmt.Errorf("unpack %s: submitter has type %T", MethodVerify, out[1])
	}
	if e.Timestamp, ok = out[2].(*big.Int); !ok {
		return Entry{}, fmt.Errorf("unpack %s: timestamp has type %T", MethodVerify, out[2])
	}
	e.EvidenceType, _ = out[3].(string)
	e.CaseNumber, _ = out[4].(string)
	return e, nil
}

// PackVerifyResult encodes e as verifyEvidence return data. Test nodes use it
// to answer eth_call.
func PackVerifyResult(e Entry) ([]byte, error) {
	ts := e.Timestamp
	if ts == nil {
		ts = new(big.Int)
	}
	return registry.Methods[MethodVerify].Outputs.Pack(e.Exists, e.Submitter, ts, e.EvidenceType, e.CaseNumber)
}

// Call is a decoded registry call.
type Call struct {
	Method       string
	Hash         string
	EvidenceType string
	CaseNumber   string
}

// DecodeCall decodes registry calldata.
func DecodeCall(data []byte) (Call, error) {
	if len(data) < 4 {
		return Call{}, ErrUnknownMethod
	}
	m, err := registry.MethodById(data[:4])
	if err != nil {
		return Call{}, ErrUnknownMethod
	}
	args, err := m.Inputs.Unpack(data[4:])
	if err != nil {
		return Call{}, fmt.Errorf("unpack %s args: %w", m.Name, err)
	}

	c := Call{Method: m.Name}
	c.Hash, _ = args[0].(string)
	if m.Name == MethodRegister && len(args) == 3 {
		c.EvidenceType, _ = args[1].(string)
		c.CaseNumber, _ = args[2].(string)
	}
	return c, nil
}
