// Package supabase implements the storage interfaces on Supabase's PostgREST
// API and relays Realtime row changes into the change feed.
package supabase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	supa "github.com/R3E-Network/evidence_layer/infra/supabase"
	"github.com/R3E-Network/evidence_layer/internal/app/domain/evidence"
	"github.com/R3E-Network/evidence_layer/internal/app/storage"
	"github.com/R3E-Network/evidence_layer/internal/feed"
	"github.com/R3E-Network/evidence_layer/pkg/logger"
)

const (
	tableEvidence = "evidence"
	tableAudit    = "audit_logs"
	tableNetworks = "blockchain_networks"
)

// Store is a storage.Repository backed by Supabase.
type Store struct {
	db  *supa.DatabaseClient
	hub *feed.Hub
	log *logger.Logger
	now func() time.Time
}

var _ storage.Repository = (*Store)(nil)

// New creates a Store on client.
func New(client *supa.Client, log *logger.Logger) *Store {
	if log == nil {
		log = logger.NewDefault("store-supabase")
	}
	return &Store{
		db:  client.Database(),
		hub: feed.NewHub(),
		log: log,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Close closes change subscriptions.
func (s *Store) Close() {
	s.hub.Close()
}

// evidenceRow is the wire shape of an evidence row. Unlike Record it never
// omits fields, so patches can clear linkage.
type evidenceRow struct {
	ID            string    `json:"id"`
	UserID        string    `json:"user_id"`
	FileName      string    `json:"file_name"`
	FileSize      int64     `json:"file_size"`
	FileType      string    `json:"file_type"`
	StoragePath   string    `json:"storage_path"`
	Hash          string    `json:"hash"`
	HashAlgorithm string    `json:"hash_algorithm"`
	CaseNumber    string    `json:"case_number"`
	EvidenceType  string    `json:"evidence_type"`
	Description   string    `json:"description"`
	Tags          []string  `json:"tags"`
	TxHash        string    `json:"tx_hash"`
	BlockNumber   *uint64   `json:"block_number"`
	GasUsed       *uint64   `json:"gas_used"`
	Fee           string    `json:"fee"`
	NetworkID     string    `json:"network_id"`
	Status        string    `json:"status"`
	Progress      int       `json:"progress"`
	Version       int64     `json:"version"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func toRow(r evidence.Record) evidenceRow {
	return evidenceRow{
		ID: r.ID, UserID: r.UserID, FileName: r.FileName, FileSize: r.FileSize, FileType: r.FileType,
		StoragePath: r.StoragePath, Hash: r.Hash, HashAlgorithm: r.HashAlgorithm, CaseNumber: r.CaseNumber,
		EvidenceType: string(r.EvidenceType), Description: r.Description, Tags: r.Tags, TxHash: r.TxHash,
		BlockNumber: r.BlockNumber, GasUsed: r.GasUsed, Fee: r.Fee, NetworkID: r.NetworkID,
		Status: string(r.Status), Progress: r.Progress, Version: r.Version,
		CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt,
	}
}

func (row evidenceRow) record() evidence.Record {
	tags := row.Tags
	if tags == nil {
		tags = []string{}
	}
	return evidence.Record{
		ID: row.ID, UserID: row.UserID, FileName: row.FileName, FileSize: row.FileSize, FileType: row.FileType,
		StoragePath: row.StoragePath, Hash: row.Hash, HashAlgorithm: row.HashAlgorithm, CaseNumber: row.CaseNumber,
		EvidenceType: evidence.Type(row.EvidenceType), Description: row.Description, Tags: tags, TxHash: row.TxHash,
		BlockNumber: row.BlockNumber, GasUsed: row.GasUsed, Fee: row.Fee, NetworkID: row.NetworkID,
		Status: evidence.Status(row.Status), Progress: row.Progress, Version: row.Version,
		CreatedAt: row.CreatedAt, UpdatedAt: row.UpdatedAt,
	}
}

func decodeEvidence(body []byte) ([]evidence.Record, error) {
	var rows []evidenceRow
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("decode evidence rows: %w", err)
	}
	out := make([]evidence.Record, len(rows))
	for i, row := range rows {
		out[i] = row.record()
	}
	return out, nil
}

func isNoRows(err error) bool {
	var apiErr *supa.Error
	return errors.As(err, &apiErr) && (apiErr.Code == supa.CodeNoRows || apiErr.StatusCode == http.StatusNotAcceptable)
}

// EvidenceStore implementation ------------------------------------------------

func (s *Store) CreateEvidence(ctx context.Context, rec evidence.Record) (evidence.Record, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	created, err := evidence.PrepareNew(rec, s.now())
	if err != nil {
		return evidence.Record{}, err
	}
	if created.HashAlgorithm == "" {
		created.HashAlgorithm = "sha256"
	}

	body, err := s.db.From(tableEvidence).Insert(ctx, toRow(created))
	if err != nil {
		if errors.Is(err, supa.ErrConflict) {
			return evidence.Record{}, fmt.Errorf("evidence %s already exists", created.ID)
		}
		return evidence.Record{}, fmt.Errorf("insert evidence: %w", err)
	}
	if rows, err := decodeEvidence(body); err == nil && len(rows) == 1 {
		created = rows[0]
	}
	s.publish(ctx, feed.OpInsert, created)
	return created, nil
}

func (s *Store) UpdateEvidence(ctx context.Context, id string, expectedVersion int64, patch evidence.Patch) (evidence.Record, error) {
	current, err := s.GetEvidence(ctx, id)
	if err != nil {
		return evidence.Record{}, err
	}
	if current.Version != expectedVersion {
		return evidence.Record{}, fmt.Errorf("%w: %s at version %d, expected %d", evidence.ErrVersionConflict, id, current.Version, expectedVersion)
	}
	updated, err := patch.Apply(current, s.now())
	if err != nil {
		return evidence.Record{}, err
	}

	row := toRow(updated)
	body, err := s.db.From(tableEvidence).
		Eq("id", id).
		Eq("version", strconv.FormatInt(expectedVersion, 10)).
		Update(ctx, map[string]interface{}{
			"status":       row.Status,
			"progress":     row.Progress,
			"tx_hash":      row.TxHash,
			"block_number": row.BlockNumber,
			"gas_used":     row.GasUsed,
			"fee":          row.Fee,
			"network_id":   row.NetworkID,
			"description":  row.Description,
			"tags":         row.Tags,
			"version":      row.Version,
			"updated_at":   row.UpdatedAt,
		})
	if err != nil {
		return evidence.Record{}, fmt.Errorf("update evidence %s: %w", id, err)
	}
	rows, err := decodeEvidence(body)
	if err != nil {
		return evidence.Record{}, err
	}
	if len(rows) == 0 {
		return evidence.Record{}, fmt.Errorf("%w: %s changed concurrently", evidence.ErrVersionConflict, id)
	}
	s.publish(ctx, feed.OpUpdate, rows[0])
	return rows[0], nil
}

func (s *Store) GetEvidence(ctx context.Context, id string) (evidence.Record, error) {
	if _, err := uuid.Parse(id); err != nil {
		return evidence.Record{}, fmt.Errorf("%w: %s", evidence.ErrNotFound, id)
	}
	var row evidenceRow
	err := s.db.From(tableEvidence).Eq("id", id).Single().ExecuteInto(ctx, &row)
	if isNoRows(err) {
		return evidence.Record{}, fmt.Errorf("%w: %s", evidence.ErrNotFound, id)
	}
	if err != nil {
		return evidence.Record{}, fmt.Errorf("get evidence %s: %w", id, err)
	}
	return row.record(), nil
}

func (s *Store) ListEvidence(ctx context.Context, filter storage.EvidenceFilter) ([]evidence.Record, error) {
	q := s.db.From(tableEvidence)
	if filter.UserID != "" {
		q = q.Eq("user_id", filter.UserID)
	}
	if filter.Status != "" {
		q = q.Eq("status", string(filter.Status))
	}
	if !filter.UpdatedBefore.IsZero() {
		q = q.Lt("updated_at", filter.UpdatedBefore.UTC().Format(time.RFC3339Nano))
	}
	q = q.Order("created_at", supa.OrderDesc).Order("id", supa.OrderDesc).Limit(filter.Limit).Offset(filter.Offset)

	body, err := q.Execute(ctx)
	if err != nil {
		return nil, fmt.Errorf("list evidence: %w", err)
	}
	return decodeEvidence(body)
}

func (s *Store) CountEvidenceByStatus(ctx context.Context, userID string) (map[evidence.Status]int, error) {
	q := s.db.From(tableEvidence).Select("status")
	if userID != "" {
		q = q.Eq("user_id", userID)
	}
	var rows []struct {
		Status string `json:"status"`
	}
	if err := q.ExecuteInto(ctx, &rows); err != nil {
		return nil, fmt.Errorf("count evidence: %w", err)
	}
	counts := make(map[evidence.Status]int)
	for _, r := range rows {
		counts[evidence.Status(r.Status)]++
	}
	return counts, nil
}

func (s *Store) Subscribe(ctx context.Context, filter feed.Filter) (*feed.Subscription, error) {
	return s.hub.Subscribe(ctx, filter)
}

func (s *Store) publish(ctx context.Context, op feed.Op, rec evidence.Record) {
	if err := s.hub.Publish(ctx, feed.Event{Op: op, Record: rec, At: rec.UpdatedAt}); err != nil {
		s.log.WithError(err).WithField("evidence_id", rec.ID).Warn("publish change event")
	}
}

// AuditStore implementation ---------------------------------------------------

type auditRow struct {
	ID         string          `json:"id"`
	UserID     string          `json:"user_id"`
	EvidenceID *string         `json:"evidence_id"`
	Action     string          `json:"action"`
	Details    json.RawMessage `json:"details"`
	CreatedAt  time.Time       `json:"created_at"`
}

func (s *Store) AppendAudit(ctx context.Context, entry evidence.AuditEntry) (evidence.AuditEntry, error) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now()
	}
	if len(entry.Details) == 0 {
		entry.Details = json.RawMessage(`{}`)
	}
	row := auditRow{ID: entry.ID, UserID: entry.UserID, Action: entry.Action, Details: entry.Details, CreatedAt: entry.CreatedAt}
	if entry.EvidenceID != "" {
		evID := entry.EvidenceID
		row.EvidenceID = &evID
	}
	if _, err := s.db.From(tableAudit).Insert(ctx, row); err != nil {
		return evidence.AuditEntry{}, fmt.Errorf("append audit: %w", err)
	}
	return entry, nil
}

func (s *Store) ListAudit(ctx context.Context, filter storage.AuditFilter) ([]evidence.AuditEntry, error) {
	q := s.db.From(tableAudit)
	if filter.UserID != "" {
		q = q.Eq("user_id", filter.UserID)
	}
	if filter.EvidenceID != "" {
		q = q.Eq("evidence_id", filter.EvidenceID)
	}
	if filter.Action != "" {
		q = q.Eq("action", filter.Action)
	}
	q = q.Order("created_at", supa.OrderDesc).Limit(filter.Limit)

	var rows []auditRow
	if err := q.ExecuteInto(ctx, &rows); err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	out := make([]evidence.AuditEntry, len(rows))
	for i, r := range rows {
		out[i] = evidence.AuditEntry{ID: r.ID, UserID: r.UserID, Action: r.Action, Details: r.Details, CreatedAt: r.CreatedAt}
		if r.EvidenceID != nil {
			out[i].EvidenceID = *r.EvidenceID
		}
	}
	return out, nil
}

// NetworkStore implementation -------------------------------------------------

type networkRow struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	ChainID         uint64    `json:"chain_id"`
	RPCURL          string    `json:"rpc_url"`
	ContractAddress string    `json:"contract_address"`
	ExplorerURL     string    `json:"explorer_url"`
	Active          bool      `json:"is_active"`
	CreatedAt       time.Time `json:"created_at"`
}

func (r networkRow) network() evidence.Network {
	return evidence.Network(r)
}

func (s *Store) ActiveNetwork(ctx context.Context) (evidence.Network, error) {
	var rows []networkRow
	if err := s.db.From(tableNetworks).Is("is_active", "true").Limit(1).ExecuteInto(ctx, &rows); err != nil {
		return evidence.Network{}, fmt.Errorf("active network: %w", err)
	}
	if len(rows) == 0 {
		return evidence.Network{}, evidence.ErrNoActiveNetwork
	}
	return rows[0].network(), nil
}

func (s *Store) ListNetworks(ctx context.Context) ([]evidence.Network, error) {
	var rows []networkRow
	if err := s.db.From(tableNetworks).Order("name", supa.OrderAsc).ExecuteInto(ctx, &rows); err != nil {
		return nil, fmt.Errorf("list networks: %w", err)
	}
	out := make([]evidence.Network, len(rows))
	for i, r := range rows {
		out[i] = r.network()
	}
	return out, nil
}

// UpsertNetwork writes n. PostgREST has no multi-statement transactions, so
// activating deactivates the others first and the partial unique index on
// is_active catches a concurrent activation.
func (s *Store) UpsertNetwork(ctx context.Context, n evidence.Network) (evidence.Network, error) {
	if n.ChainID == 0 || strings.TrimSpace(n.RPCURL) == "" {
		return evidence.Network{}, fmt.Errorf("%w: network requires chain_id and rpc_url", evidence.ErrInvalidField)
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = s.now()
	}

	if n.Active {
		if err := s.deactivateOthers(ctx, n.ID); err != nil {
			return evidence.Network{}, err
		}
	}
	body, err := s.db.From(tableNetworks).Upsert(ctx, networkRow(n), "id")
	if err != nil {
		return evidence.Network{}, fmt.Errorf("upsert network %s: %w", n.ID, err)
	}
	var rows []networkRow
	if err := json.Unmarshal(body, &rows); err == nil && len(rows) == 1 {
		return rows[0].network(), nil
	}
	return n, nil
}

func (s *Store) ActivateNetwork(ctx context.Context, id string) error {
	var rows []networkRow
	if err := s.db.From(tableNetworks).Select("id").Eq("id", id).ExecuteInto(ctx, &rows); err != nil {
		return fmt.Errorf("lookup network %s: %w", id, err)
	}
	if len(rows) == 0 {
		return fmt.Errorf("network %s not found", id)
	}
	if err := s.deactivateOthers(ctx, id); err != nil {
		return err
	}
	if _, err := s.db.From(tableNetworks).Eq("id", id).Update(ctx, map[string]bool{"is_active": true}); err != nil {
		return fmt.Errorf("activate network %s: %w", id, err)
	}
	return nil
}

func (s *Store) deactivateOthers(ctx context.Context, keep string) error {
	_, err := s.db.From(tableNetworks).Is("is_active", "true").Neq("id", keep).
		Update(ctx, map[string]bool{"is_active": false})
	if err != nil {
		return fmt.Errorf("deactivate networks: %w", err)
	}
	return nil
}
