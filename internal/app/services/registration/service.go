// Package registration drives evidence from upload to an on-chain
// registration.
//
// Submit hashes and stores the file, creates a pending record and returns its
// id. Registration then continues in a tracked goroutine that moves the
// record to processing and then to verified or failed. Errors after the
// record exists are written into the record and sent to the notifier; they
// are never returned to the submitter.
package registration

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/R3E-Network/evidence_layer/internal/app/domain/evidence"
	"github.com/R3E-Network/evidence_layer/internal/app/metrics"
	"github.com/R3E-Network/evidence_layer/internal/app/storage"
	"github.com/R3E-Network/evidence_layer/internal/auth"
	"github.com/R3E-Network/evidence_layer/internal/blob"
	"github.com/R3E-Network/evidence_layer/internal/feed"
	"github.com/R3E-Network/evidence_layer/internal/gateway"
	"github.com/R3E-Network/evidence_layer/internal/hashing"
	"github.com/R3E-Network/evidence_layer/internal/notify"
	"github.com/R3E-Network/evidence_layer/pkg/logger"
)

var (
	ErrNoFile          = errors.New("no file provided")
	ErrInvalidMetadata = errors.New("invalid evidence metadata")
	ErrFileTooLarge    = errors.New("file exceeds the maximum size")
)

// DefaultMaxFileSize applies when Config.MaxFileSize is zero.
const DefaultMaxFileSize = 100 << 20

// finalWriteTimeout bounds the terminal status write once the run context
// has expired.
const finalWriteTimeout = 30 * time.Second

// Chain is the part of the gateway the workflow drives.
type Chain interface {
	EnsureInitialized(ctx context.Context) error
	RegisterHash(ctx context.Context, hash, evidenceType, caseNumber string) (*gateway.Registration, error)
	ConnectWallet(ctx context.Context) (string, error)
	EnsureCorrectNetwork(ctx context.Context) error
	Address(ctx context.Context) (string, error)
	Balance(ctx context.Context) (string, error)
	Network() (evidence.Network, bool)
}

// Auditor accepts best-effort audit entries. *audit.Writer implements it.
type Auditor interface {
	Record(userID, evidenceID, action string, details map[string]any) bool
}

// Upload is the file part of a submission.
type Upload struct {
	FileName    string
	ContentType string
	Data        []byte
}

// Metadata is the descriptive part of a submission.
type Metadata struct {
	CaseNumber   string
	EvidenceType string
	Description  string
	Tags         []string
}

// Config tunes the service.
type Config struct {
	// Timeout bounds one background registration. Zero means no limit.
	Timeout       time.Duration
	MaxFileSize   int64
	HashAlgorithm hashing.Algorithm
	URLExpiry     time.Duration
}

// Deps are the collaborators of the service. Audit and Notifier are
// optional.
type Deps struct {
	Repo     storage.Repository
	Blobs    blob.Store
	Chain    Chain
	Audit    Auditor
	Notifier notify.Notifier
	Log      *logger.Logger
}

// Service runs the registration workflow.
type Service struct {
	repo     storage.Repository
	blobs    blob.Store
	chain    Chain
	audit    Auditor
	notifier notify.Notifier
	hasher   *hashing.Hasher
	cfg      Config
	log      *logger.Logger
	tracer   trace.Tracer

	wg  sync.WaitGroup
	now func() time.Time
}

// New validates deps and builds a Service.
func New(deps Deps, cfg Config) (*Service, error) {
	if deps.Repo == nil {
		return nil, errors.New("registration: repository is required")
	}
	if deps.Blobs == nil {
		return nil, errors.New("registration: blob store is required")
	}
	if deps.Chain == nil {
		return nil, errors.New("registration: chain gateway is required")
	}
	hasher, err := hashing.New(cfg.HashAlgorithm)
	if err != nil {
		return nil, fmt.Errorf("registration: %w", err)
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = DefaultMaxFileSize
	}
	if deps.Audit == nil {
		deps.Audit = nopAuditor{}
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Nop
	}
	if deps.Log == nil {
		deps.Log = logger.NewDefault("registration")
	}
	return &Service{
		repo:     deps.Repo,
		blobs:    deps.Blobs,
		chain:    deps.Chain,
		audit:    deps.Audit,
		notifier: deps.Notifier,
		hasher:   hasher,
		cfg:      cfg,
		log:      deps.Log,
		tracer:   otel.Tracer("github.com/R3E-Network/evidence_layer/internal/app/services/registration"),
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// Submit stores the file, creates a pending record and starts the on-chain
// registration in the background. It returns once the record exists.
func (s *Service) Submit(ctx context.Context, up Upload, meta Metadata) (string, error) {
	ctx, span := s.tracer.Start(ctx, "registration.submit")
	defer span.End()

	user, err := auth.Require(ctx)
	if err != nil {
		metrics.RecordSubmission("rejected")
		return "", err
	}
	evType, err := s.validate(up, meta)
	if err != nil {
		metrics.RecordSubmission("rejected")
		return "", err
	}

	hash := s.hasher.Sum(up.Data)
	span.SetAttributes(attribute.String("evidence.hash", hash), attribute.Int("evidence.size", len(up.Data)))

	objectPath := blob.ObjectPath(user.ID, up.FileName)
	if err := s.blobs.Put(ctx, objectPath, bytes.NewReader(up.Data), int64(len(up.Data)), up.ContentType); err != nil {
		return "", s.abort(span, fmt.Errorf("store evidence file: %w", err))
	}

	rec, err := s.repo.CreateEvidence(ctx, evidence.Record{
		UserID:        user.ID,
		FileName:      up.FileName,
		FileSize:      int64(len(up.Data)),
		FileType:      up.ContentType,
		StoragePath:   objectPath,
		Hash:          hash,
		HashAlgorithm: string(s.hasher.Algorithm()),
		CaseNumber:    strings.TrimSpace(meta.CaseNumber),
		EvidenceType:  evType,
		Description:   strings.TrimSpace(meta.Description),
		Tags:          cleanTags(meta.Tags),
		NetworkID:     s.activeNetworkID(ctx),
	})
	if err != nil {
		if derr := s.blobs.Delete(ctx, objectPath); derr != nil {
			s.log.WithContext(ctx).WithError(derr).WithField("path", objectPath).Warn("orphaned evidence file not removed")
		}
		return "", s.abort(span, fmt.Errorf("create evidence record: %w", err))
	}
	span.SetAttributes(attribute.String("evidence.id", rec.ID))

	s.audit.Record(user.ID, rec.ID, evidence.ActionUpload, map[string]any{
		"file_name":     rec.FileName,
		"file_size":     rec.FileSize,
		"hash":          rec.Hash,
		"evidence_type": rec.EvidenceType,
		"case_number":   rec.CaseNumber,
	})
	metrics.RecordSubmission("accepted")
	s.log.WithContext(ctx).WithFields(map[string]interface{}{
		"evidence_id": rec.ID,
		"hash":        rec.Hash,
	}).Info("evidence submitted")

	runCtx := context.WithoutCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.registerOnChain(runCtx, rec)
	}()
	return rec.ID, nil
}

func (s *Service) validate(up Upload, meta Metadata) (evidence.Type, error) {
	if len(up.Data) == 0 {
		return "", ErrNoFile
	}
	if strings.TrimSpace(up.FileName) == "" {
		return "", fmt.Errorf("%w: file name is required", ErrInvalidMetadata)
	}
	if int64(len(up.Data)) > s.cfg.MaxFileSize {
		return "", fmt.Errorf("%w: %d bytes, limit %d", ErrFileTooLarge, len(up.Data), s.cfg.MaxFileSize)
	}
	if strings.TrimSpace(meta.EvidenceType) == "" {
		return "", fmt.Errorf("%w: evidence type is required", ErrInvalidMetadata)
	}
	t, err := evidence.ParseType(meta.EvidenceType)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
	}
	return t, nil
}

func (s *Service) abort(span trace.Span, err error) error {
	metrics.RecordSubmission("error")
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// activeNetworkID is best effort: an empty id is stored when no network is
// active and the background run then fails on gateway initialization.
func (s *Service) activeNetworkID(ctx context.Context) string {
	if n, ok := s.chain.Network(); ok {
		return n.ID
	}
	n, err := s.repo.ActiveNetwork(ctx)
	if err != nil {
		if !errors.Is(err, evidence.ErrNoActiveNetwork) {
			s.log.WithContext(ctx).WithError(err).Warn("lookup active network")
		}
		return ""
	}
	return n.ID
}

func (s *Service) registerOnChain(ctx context.Context, rec evidence.Record) {
	start := s.now()
	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}
	ctx, span := s.tracer.Start(ctx, "registration.register_on_chain",
		trace.WithAttributes(attribute.String("evidence.id", rec.ID), attribute.String("evidence.hash", rec.Hash)))
	defer span.End()

	log := s.log.WithContext(ctx).WithField("evidence_id", rec.ID)

	if _, err := storage.UpdateWithRetry(ctx, s.repo, rec.ID, func(evidence.Record) (evidence.Patch, error) {
		return evidence.ToProcessing(), nil
	}); err != nil {
		s.fail(ctx, span, rec, start, fmt.Errorf("mark processing: %w", err))
		return
	}

	reg, err := s.register(ctx, rec)
	if err != nil {
		s.fail(ctx, span, rec, start, err)
		return
	}

	patch := evidence.ToVerified(reg.Linkage())
	if reg.NetworkID != "" {
		patch.NetworkID = &reg.NetworkID
	}
	wctx, cancel := finalContext(ctx)
	defer cancel()
	updated, err := storage.UpdateWithRetry(wctx, s.repo, rec.ID, func(evidence.Record) (evidence.Patch, error) {
		return patch, nil
	})
	if err != nil {
		// The transaction is mined but the record could not be linked to it.
		log.WithError(err).WithField("tx_hash", reg.TxHash).Error("record verified registration")
		s.audit.Record(rec.UserID, rec.ID, evidence.ActionUnlinked, map[string]any{
			"tx_hash":      reg.TxHash,
			"block_number": reg.BlockNumber,
			"network_id":   reg.NetworkID,
			"error":        err.Error(),
		})
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.RecordRegistration("error", s.now().Sub(start))
		return
	}

	s.audit.Record(rec.UserID, rec.ID, evidence.ActionVerified, map[string]any{
		"tx_hash":      reg.TxHash,
		"block_number": reg.BlockNumber,
		"gas_used":     reg.GasUsed,
		"fee":          reg.Fee,
		"network_id":   reg.NetworkID,
	})
	s.notifier.Notify(ctx, notify.Notification{
		UserID:     rec.UserID,
		EvidenceID: rec.ID,
		Level:      notify.LevelSuccess,
		Title:      "Evidence registered",
		Message:    fmt.Sprintf("%s was registered on chain in transaction %s", rec.FileName, reg.TxHash),
	})
	span.SetAttributes(attribute.String("evidence.tx_hash", reg.TxHash), attribute.Int64("evidence.version", updated.Version))
	metrics.RecordRegistration(string(evidence.StatusVerified), s.now().Sub(start))
	log.WithField("tx_hash", reg.TxHash).WithField("block_number", reg.BlockNumber).Info("evidence registered on chain")
}

func (s *Service) register(ctx context.Context, rec evidence.Record) (*gateway.Registration, error) {
	ctx, span := s.tracer.Start(ctx, "gateway.register_hash")
	defer span.End()

	if err := s.chain.EnsureInitialized(ctx); err != nil {
		span.RecordError(err)
		return nil, err
	}
	reg, err := s.chain.RegisterHash(ctx, rec.Hash, string(rec.EvidenceType), rec.CaseNumber)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return reg, nil
}

// fail moves the record to failed unless it already reached a terminal state
// and tells the owner why.
func (s *Service) fail(ctx context.Context, span trace.Span, rec evidence.Record, start time.Time, cause error) {
	span.RecordError(cause)
	span.SetStatus(codes.Error, cause.Error())
	log := s.log.WithContext(ctx).WithField("evidence_id", rec.ID).WithError(cause)
	log.Warn("on-chain registration failed")

	wctx, cancel := finalContext(ctx)
	defer cancel()
	_, err := storage.UpdateWithRetry(wctx, s.repo, rec.ID, func(cur evidence.Record) (evidence.Patch, error) {
		if cur.Status.Terminal() {
			return evidence.Patch{}, errAlreadyTerminal
		}
		return evidence.ToFailed(), nil
	})
	switch {
	case errors.Is(err, errAlreadyTerminal):
		log.Info("record already terminal, leaving as is")
	case err != nil:
		log.WithField("update_error", err.Error()).Error("mark registration failed")
	}

	s.notifier.Notify(ctx, notify.Notification{
		UserID:     rec.UserID,
		EvidenceID: rec.ID,
		Level:      notify.LevelError,
		Title:      "Blockchain registration failed",
		Message:    cause.Error(),
	})
	metrics.RecordRegistration(string(evidence.StatusFailed), s.now().Sub(start))
}

var errAlreadyTerminal = errors.New("record already terminal")

// finalContext keeps ctx values but drops its deadline so a terminal write
// still lands after the run timeout fired.
func finalContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx.Err() == nil {
		return ctx, func() {}
	}
	return context.WithTimeout(context.WithoutCancel(ctx), finalWriteTimeout)
}

// Wait blocks until every background registration started so far has
// finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

// Shutdown waits for background registrations or returns ctx's error.
func (s *Service) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListFilter narrows ListEvidence for the calling user.
type ListFilter struct {
	Status evidence.Status
	Limit  int
	Offset int
}

// ListEvidence returns the caller's records, newest first.
func (s *Service) ListEvidence(ctx context.Context, f ListFilter) ([]evidence.Record, error) {
	user, err := auth.Require(ctx)
	if err != nil {
		return nil, err
	}
	return s.repo.ListEvidence(ctx, storage.EvidenceFilter{
		UserID: user.ID,
		Status: f.Status,
		Limit:  f.Limit,
		Offset: f.Offset,
	})
}

// GetEvidence returns one record. Records owned by other users are reported
// as not found unless the caller is an admin.
func (s *Service) GetEvidence(ctx context.Context, id string) (evidence.Record, error) {
	user, err := auth.Require(ctx)
	if err != nil {
		return evidence.Record{}, err
	}
	rec, err := s.repo.GetEvidence(ctx, id)
	if err != nil {
		return evidence.Record{}, err
	}
	if rec.UserID != user.ID && !user.IsAdmin() {
		return evidence.Record{}, evidence.ErrNotFound
	}
	return rec, nil
}

// SubscribeToEvidence opens a change feed of the caller's records. Admins may
// watch another user's records by setting f.UserID. The caller must Close
// the subscription.
func (s *Service) SubscribeToEvidence(ctx context.Context, f feed.Filter) (*feed.Subscription, error) {
	user, err := auth.Require(ctx)
	if err != nil {
		return nil, err
	}
	if f.UserID == "" || !user.IsAdmin() {
		f.UserID = user.ID
	}
	return s.repo.Subscribe(ctx, f)
}

// DownloadURL returns a signed, expiring URL for the record's file and logs
// the download.
func (s *Service) DownloadURL(ctx context.Context, id string) (string, error) {
	rec, err := s.GetEvidence(ctx, id)
	if err != nil {
		return "", err
	}
	url, err := s.blobs.SignedURL(ctx, rec.StoragePath, s.cfg.URLExpiry)
	if err != nil {
		return "", fmt.Errorf("sign download url: %w", err)
	}
	user, _ := auth.FromContext(ctx)
	s.audit.Record(user.ID, rec.ID, evidence.ActionDownload, map[string]any{
		"file_name": rec.FileName,
	})
	return url, nil
}

// WalletInfo describes the connected account.
type WalletInfo struct {
	Address string           `json:"address"`
	Balance string           `json:"balance,omitempty"`
	Network evidence.Network `json:"network"`
}

// ConnectWallet connects the wallet and makes sure it is on the active
// network. Wallet errors are returned as is and never retried.
func (s *Service) ConnectWallet(ctx context.Context) (WalletInfo, error) {
	if _, err := auth.Require(ctx); err != nil {
		return WalletInfo{}, err
	}
	if err := s.chain.EnsureInitialized(ctx); err != nil {
		return WalletInfo{}, err
	}
	address, err := s.chain.ConnectWallet(ctx)
	if err != nil {
		return WalletInfo{}, err
	}
	if err := s.chain.EnsureCorrectNetwork(ctx); err != nil {
		return WalletInfo{}, err
	}
	info := WalletInfo{Address: address}
	if n, ok := s.chain.Network(); ok {
		info.Network = n
	}
	if bal, err := s.chain.Balance(ctx); err == nil {
		info.Balance = bal
	} else {
		s.log.WithContext(ctx).WithError(err).Debug("read wallet balance")
	}
	return info, nil
}

// Wallet reports the connected account without prompting.
func (s *Service) Wallet(ctx context.Context) (WalletInfo, error) {
	if _, err := auth.Require(ctx); err != nil {
		return WalletInfo{}, err
	}
	address, err := s.chain.Address(ctx)
	if err != nil {
		return WalletInfo{}, err
	}
	info := WalletInfo{Address: address}
	if n, ok := s.chain.Network(); ok {
		info.Network = n
	}
	bal, err := s.chain.Balance(ctx)
	if err != nil {
		return WalletInfo{}, err
	}
	info.Balance = bal
	return info, nil
}

func cleanTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

type nopAuditor struct{}

func (nopAuditor) Record(string, string, string, map[string]any) bool { return true }
