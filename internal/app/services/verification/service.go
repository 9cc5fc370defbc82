// Package verification checks a stored evidence record against the on-chain
// registry.
package verification

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/R3E-Network/evidence_layer/internal/app/domain/evidence"
	"github.com/R3E-Network/evidence_layer/internal/app/metrics"
	"github.com/R3E-Network/evidence_layer/internal/app/storage"
	"github.com/R3E-Network/evidence_layer/internal/auth"
	"github.com/R3E-Network/evidence_layer/internal/gateway"
	"github.com/R3E-Network/evidence_layer/pkg/logger"
)

// Result messages.
const (
	MsgNotFound      = "Evidence not found"
	MsgNotRegistered = "Evidence not registered on blockchain"
	MsgNotOnChain    = "Evidence hash not found on blockchain"
	MsgVerified      = "Evidence verified on blockchain"
	msgFailedPrefix  = "Verification failed: "
)

// Chain reads the registry.
type Chain interface {
	EnsureInitialized(ctx context.Context) error
	VerifyHash(ctx context.Context, hash string) (*gateway.OnChainRecord, error)
	Network() (evidence.Network, bool)
}

// Auditor accepts best-effort audit entries.
type Auditor interface {
	Record(userID, evidenceID, action string, details map[string]any) bool
}

// Result is the outcome of one verification. Both the local record and the
// on-chain entry are returned so callers can compare them.
type Result struct {
	EvidenceID     string                 `json:"evidence_id"`
	IsValid        bool                   `json:"is_valid"`
	Message        string                 `json:"message"`
	Record         *evidence.Record       `json:"record,omitempty"`
	BlockchainData *gateway.OnChainRecord `json:"blockchain_data,omitempty"`
	// Discrepancies names fields whose on-chain value differs from the
	// record. They do not affect IsValid.
	Discrepancies []string  `json:"discrepancies,omitempty"`
	ExplorerURL   string    `json:"explorer_url,omitempty"`
	CheckedAt     time.Time `json:"checked_at"`
}

// Service verifies records.
type Service struct {
	evidence storage.EvidenceStore
	chain    Chain
	audit    Auditor
	log      *logger.Logger
	now      func() time.Time
}

// New creates a verification service. audit may be nil.
func New(store storage.EvidenceStore, chain Chain, audit Auditor, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("verification")
	}
	return &Service{
		evidence: store,
		chain:    chain,
		audit:    audit,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Verify checks the record id. Missing records, unregistered records and
// chain failures are reported in the result, not as errors. Records of
// other users read as missing unless the caller is an admin.
func (s *Service) Verify(ctx context.Context, id string) (*Result, error) {
	user, err := auth.Require(ctx)
	if err != nil {
		return nil, err
	}
	res := &Result{EvidenceID: id, CheckedAt: s.now()}

	rec, err := s.evidence.GetEvidence(ctx, id)
	if errors.Is(err, evidence.ErrNotFound) || (err == nil && rec.UserID != user.ID && !user.IsAdmin()) {
		res.Message = MsgNotFound
		s.finish(ctx, user.ID, "", res)
		return res, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load evidence %s: %w", id, err)
	}
	res.Record = &rec

	if rec.TxHash == "" {
		res.Message = MsgNotRegistered
		s.finish(ctx, user.ID, rec.ID, res)
		return res, nil
	}

	onChain, err := s.readChain(ctx, rec.Hash)
	if err != nil {
		res.Message = msgFailedPrefix + err.Error()
		s.log.WithContext(ctx).WithError(err).WithField("evidence_id", rec.ID).Warn("verification read failed")
		s.finish(ctx, user.ID, rec.ID, res)
		return res, nil
	}
	res.BlockchainData = onChain
	if n, ok := s.chain.Network(); ok {
		res.ExplorerURL = n.TxURL(rec.TxHash)
	}

	if !onChain.Registered {
		res.Message = MsgNotOnChain
		s.finish(ctx, user.ID, rec.ID, res)
		return res, nil
	}

	res.IsValid = true
	res.Message = MsgVerified
	res.Discrepancies = discrepancies(rec, onChain)
	s.finish(ctx, user.ID, rec.ID, res)
	return res, nil
}

func (s *Service) readChain(ctx context.Context, hash string) (*gateway.OnChainRecord, error) {
	if err := s.chain.EnsureInitialized(ctx); err != nil {
		return nil, err
	}
	return s.chain.VerifyHash(ctx, hash)
}

func (s *Service) finish(ctx context.Context, userID, evidenceID string, res *Result) {
	metrics.RecordVerification(res.IsValid)
	if s.audit != nil {
		details := map[string]any{
			"evidence_id": res.EvidenceID,
			"is_valid":    res.IsValid,
			"message":     res.Message,
		}
		if len(res.Discrepancies) > 0 {
			details["discrepancies"] = res.Discrepancies
		}
		s.audit.Record(userID, evidenceID, evidence.ActionVerification, details)
	}
	s.log.WithContext(ctx).WithFields(map[string]interface{}{
		"evidence_id": res.EvidenceID,
		"is_valid":    res.IsValid,
	}).Info(res.Message)
}

func discrepancies(rec evidence.Record, onChain *gateway.OnChainRecord) []string {
	var out []string
	if !strings.EqualFold(string(rec.EvidenceType), onChain.EvidenceType) {
		out = append(out, "evidence_type")
	}
	if rec.CaseNumber != onChain.CaseNumber {
		out = append(out, "case_number")
	}
	return out
}
