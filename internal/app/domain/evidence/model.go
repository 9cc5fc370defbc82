// Package evidence defines the evidence record, its lifecycle rules, and the
// audit and network records that accompany it.
package evidence

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status is the registration lifecycle state of a record.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusVerified   Status = "verified"
	StatusFailed     Status = "failed"
)

// Progress checkpoints written by the registration workflow.
const (
	ProgressPending    = 0
	ProgressProcessing = 25
	ProgressVerified   = 100
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusVerified || s == StatusFailed
}

func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusProcessing:
		return 1
	case StatusVerified, StatusFailed:
		return 2
	default:
		return -1
	}
}

// ParseStatus validates a status string.
func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(raw)))
	if s.rank() < 0 {
		return "", fmt.Errorf("%w: status %q", ErrInvalidField, raw)
	}
	return s, nil
}

// Type classifies what kind of evidence a record holds.
type Type string

const (
	TypeDocument Type = "document"
	TypePhoto    Type = "photo"
	TypeVideo    Type = "video"
	TypeAudio    Type = "audio"
	TypeDigital  Type = "digital"
	TypePhysical Type = "physical"
)

// Types lists every accepted evidence type.
var Types = []Type{TypeDocument, TypePhoto, TypeVideo, TypeAudio, TypeDigital, TypePhysical}

// ParseType validates an evidence type string.
func ParseType(raw string) (Type, error) {
	t := Type(strings.ToLower(strings.TrimSpace(raw)))
	for _, known := range Types {
		if t == known {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: evidence type %q", ErrInvalidField, raw)
}

var (
	ErrNotFound          = errors.New("evidence not found")
	ErrVersionConflict   = errors.New("evidence version conflict")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrInvalidField      = errors.New("invalid evidence field")
)

// Record is one uploaded file and its registration state.
type Record struct {
	ID            string    `json:"id"`
	UserID        string    `json:"user_id"`
	FileName      string    `json:"file_name"`
	FileSize      int64     `json:"file_size"`
	FileType      string    `json:"file_type"`
	StoragePath   string    `json:"storage_path"`
	Hash          string    `json:"hash"`
	HashAlgorithm string    `json:"hash_algorithm"`
	CaseNumber    string    `json:"case_number,omitempty"`
	EvidenceType  Type      `json:"evidence_type"`
	Description   string    `json:"description,omitempty"`
	Tags          []string  `json:"tags"`
	TxHash        string    `json:"tx_hash,omitempty"`
	BlockNumber   *uint64   `json:"block_number,omitempty"`
	GasUsed       *uint64   `json:"gas_used,omitempty"`
	Fee           string    `json:"fee,omitempty"`
	NetworkID     string    `json:"network_id,omitempty"`
	Status        Status    `json:"status"`
	Progress      int       `json:"progress"`
	Version       int64     `json:"version"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Clone returns a deep copy.
func (r Record) Clone() Record {
	out := r
	if r.Tags != nil {
		out.Tags = append([]string(nil), r.Tags...)
	}
	if r.BlockNumber != nil {
		v := *r.BlockNumber
		out.BlockNumber = &v
	}
	if r.GasUsed != nil {
		v := *r.GasUsed
		out.GasUsed = &v
	}
	return out
}

// Linked reports whether the record carries chain linkage.
func (r Record) Linked() bool {
	return r.TxHash != "" && r.BlockNumber != nil
}

// PrepareNew normalises a record for insertion: lifecycle fields are forced to
// pending/0 and chain linkage is cleared.
func PrepareNew(r Record, now time.Time) (Record, error) {
	if strings.TrimSpace(r.UserID) == "" {
		return Record{}, fmt.Errorf("%w: user_id is required", ErrInvalidField)
	}
	if strings.TrimSpace(r.Hash) == "" {
		return Record{}, fmt.Errorf("%w: hash is required", ErrInvalidField)
	}
	if _, err := ParseType(string(r.EvidenceType)); err != nil {
		return Record{}, err
	}
	out := r.Clone()
	out.Status = StatusPending
	out.Progress = ProgressPending
	out.TxHash = ""
	out.BlockNumber = nil
	out.GasUsed = nil
	out.Fee = ""
	out.Version = 1
	out.CreatedAt = now
	out.UpdatedAt = now
	if out.Tags == nil {
		out.Tags = []string{}
	}
	return out, nil
}

// Linkage is the chain data attached when a record becomes verified.
type Linkage struct {
	TxHash      string
	BlockNumber uint64
	GasUsed     uint64
	Fee         string
}

// Patch is a partial update applied to a record. Content fields, including the
// hash, are not patchable.
type Patch struct {
	Status      *Status
	Progress    *int
	Linkage     *Linkage
	NetworkID   *string
	Description *string
	Tags        []string
}

// ToProcessing is the patch that starts on-chain registration.
func ToProcessing() Patch {
	s, p := StatusProcessing, ProgressProcessing
	return Patch{Status: &s, Progress: &p}
}

// ToVerified is the patch that records a successful registration.
func ToVerified(l Linkage) Patch {
	s, p := StatusVerified, ProgressVerified
	return Patch{Status: &s, Progress: &p, Linkage: &l}
}

// ToFailed is the patch that records a failed registration.
func ToFailed() Patch {
	s, p := StatusFailed, ProgressPending
	return Patch{Status: &s, Progress: &p}
}

// Apply returns r with p merged in. It enforces the lifecycle rules:
// forward-only status, non-decreasing progress except the reset on failure,
// verified only together with linkage, and no linkage on failed records.
func (p Patch) Apply(r Record, now time.Time) (Record, error) {
	out := r.Clone()

	lifecycle := p.Status != nil || p.Progress != nil || p.Linkage != nil
	if lifecycle && out.Status.Terminal() {
		return Record{}, fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, out.Status)
	}

	next := out.Status
	if p.Status != nil {
		next = *p.Status
		if next.rank() < 0 {
			return Record{}, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, next)
		}
		if next != out.Status && next.rank() <= out.Status.rank() {
			return Record{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, out.Status, next)
		}
		if next == StatusVerified && out.Status != StatusProcessing {
			return Record{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, out.Status, next)
		}
	}

	if p.Linkage != nil && next != StatusVerified {
		return Record{}, fmt.Errorf("%w: chain linkage requires verified status", ErrInvalidTransition)
	}

	switch {
	case next == StatusVerified && out.Status != StatusVerified:
		if p.Linkage == nil || p.Linkage.TxHash == "" {
			return Record{}, fmt.Errorf("%w: verified requires a transaction hash and block number", ErrInvalidTransition)
		}
		block, gas := p.Linkage.BlockNumber, p.Linkage.GasUsed
		out.TxHash = p.Linkage.TxHash
		out.BlockNumber = &block
		out.GasUsed = &gas
		out.Fee = p.Linkage.Fee
		out.Progress = ProgressVerified
	case next == StatusFailed:
		out.TxHash = ""
		out.BlockNumber = nil
		out.GasUsed = nil
		out.Fee = ""
		out.Progress = ProgressPending
	case p.Progress != nil:
		if *p.Progress < out.Progress || *p.Progress > 100 {
			return Record{}, fmt.Errorf("%w: progress %d -> %d", ErrInvalidTransition, out.Progress, *p.Progress)
		}
		out.Progress = *p.Progress
	}
	out.Status = next

	if p.NetworkID != nil {
		out.NetworkID = *p.NetworkID
	}
	if p.Description != nil {
		out.Description = *p.Description
	}
	if p.Tags != nil {
		out.Tags = append([]string(nil), p.Tags...)
	}

	out.Version = r.Version + 1
	out.UpdatedAt = now
	return out, nil
}

// Audit actions written by the core workflows.
const (
	ActionUpload       = "Evidence Upload"
	ActionVerified     = "Evidence Verified"
	ActionVerification = "Verification Attempt"
	ActionDownload     = "Evidence Download"
	ActionUnlinked     = "Registration Unlinked"
)

// AuditEntry is an append-only record of a notable action.
type AuditEntry struct {
	ID         string          `json:"id"`
	UserID     string          `json:"user_id"`
	EvidenceID string          `json:"evidence_id,omitempty"`
	Action     string          `json:"action"`
	Details    json.RawMessage `json:"details,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// NewAuditEntry marshals details into an entry. Marshal failures degrade to an
// empty detail object.
func NewAuditEntry(userID, evidenceID, action string, details map[string]any) AuditEntry {
	raw, err := json.Marshal(details)
	if err != nil || details == nil {
		raw = json.RawMessage(`{}`)
	}
	return AuditEntry{UserID: userID, EvidenceID: evidenceID, Action: action, Details: raw}
}

// Network describes one target chain.
type Network struct {
	ID              string    `json:"id" yaml:"id"`
	Name            string    `json:"name" yaml:"name"`
	ChainID         uint64    `json:"chain_id" yaml:"chain_id"`
	RPCURL          string    `json:"rpc_url" yaml:"rpc_url"`
	ContractAddress string    `json:"contract_address,omitempty" yaml:"contract_address"`
	ExplorerURL     string    `json:"explorer_url,omitempty" yaml:"explorer_url"`
	Active          bool      `json:"is_active" yaml:"active"`
	CreatedAt       time.Time `json:"created_at" yaml:"-"`
}

// TxURL builds an explorer link for txHash, or "" when no explorer is set.
func (n Network) TxURL(txHash string) string {
	if n.ExplorerURL == "" || txHash == "" {
		return ""
	}
	return strings.TrimRight(n.ExplorerURL, "/") + "/tx/" + txHash
}

var ErrNoActiveNetwork = errors.New("no active blockchain network")
