package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/R3E-Network/evidence_layer/internal/app/domain/evidence"
	"github.com/R3E-Network/evidence_layer/internal/app/storage"
	"github.com/R3E-Network/evidence_layer/internal/feed"
	"github.com/R3E-Network/evidence_layer/pkg/logger"
)

// Store implements the storage interfaces backed by PostgreSQL. Committed
// evidence changes are published to the configured feed broker.
type Store struct {
	db     *sqlx.DB
	broker feed.Broker
	log    *logger.Logger
	now    func() time.Time
}

var _ storage.Repository = (*Store)(nil)

// Option customises a Store.
type Option func(*Store)

// WithBroker routes change events through b instead of an in-process hub.
func WithBroker(b feed.Broker) Option {
	return func(s *Store) { s.broker = b }
}

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(s *Store) { s.log = l }
}

// New creates a Store using the provided database handle.
func New(db *sqlx.DB, opts ...Option) *Store {
	s := &Store{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.broker == nil {
		s.broker = feed.NewHub()
	}
	if s.log == nil {
		s.log = logger.NewDefault("store-postgres")
	}
	return s
}

// Open connects with lib/pq and verifies the connection.
func Open(ctx context.Context, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return db, nil
}

const evidenceColumns = `id, user_id, file_name, file_size, file_type, storage_path, hash, hash_algorithm,
	case_number, evidence_type, description, tags, tx_hash, block_number, gas_used, fee, network_id,
	status, progress, version, created_at, updated_at`

type evidenceRow struct {
	ID            string         `db:"id"`
	UserID        string         `db:"user_id"`
	FileName      string         `db:"file_name"`
	FileSize      int64          `db:"file_size"`
	FileType      string         `db:"file_type"`
	StoragePath   string         `db:"storage_path"`
	Hash          string         `db:"hash"`
	HashAlgorithm string         `db:"hash_algorithm"`
	CaseNumber    string         `db:"case_number"`
	EvidenceType  string         `db:"evidence_type"`
	Description   string         `db:"description"`
	Tags          pq.StringArray `db:"tags"`
	TxHash        string         `db:"tx_hash"`
	BlockNumber   sql.NullInt64  `db:"block_number"`
	GasUsed       sql.NullInt64  `db:"gas_used"`
	Fee           string         `db:"fee"`
	NetworkID     string         `db:"network_id"`
	Status        string         `db:"status"`
	Progress      int            `db:"progress"`
	Version       int64          `db:"version"`
	CreatedAt     time.Time      `db:"created_at"`
	UpdatedAt     time.Time      `db:"updated_at"`
}

func (r evidenceRow) record() evidence.Record {
	rec := evidence.Record{
		ID:            r.ID,
		UserID:        r.UserID,
		FileName:      r.FileName,
		FileSize:      r.FileSize,
		FileType:      r.FileType,
		StoragePath:   r.StoragePath,
		Hash:          r.Hash,
		HashAlgorithm: r.HashAlgorithm,
		CaseNumber:    r.CaseNumber,
		EvidenceType:  evidence.Type(r.EvidenceType),
		Description:   r.Description,
		Tags:          []string(r.Tags),
		TxHash:        r.TxHash,
		Fee:           r.Fee,
		NetworkID:     r.NetworkID,
		Status:        evidence.Status(r.Status),
		Progress:      r.Progress,
		Version:       r.Version,
		CreatedAt:     r.CreatedAt.UTC(),
		UpdatedAt:     r.UpdatedAt.UTC(),
	}
	if rec.Tags == nil {
		rec.Tags = []string{}
	}
	if r.BlockNumber.Valid {
		v := uint64(r.BlockNumber.Int64)
		rec.BlockNumber = &v
	}
	if r.GasUsed.Valid {
		v := uint64(r.GasUsed.Int64)
		rec.GasUsed = &v
	}
	return rec
}

func nullUint(v *uint64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

// --- EvidenceStore ----------------------------------------------------------

func (s *Store) CreateEvidence(ctx context.Context, rec evidence.Record) (evidence.Record, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	created, err := evidence.PrepareNew(rec, s.now())
	if err != nil {
		return evidence.Record{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO evidence (`+evidenceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)
	`, created.ID, created.UserID, created.FileName, created.FileSize, created.FileType, created.StoragePath,
		created.Hash, created.HashAlgorithm, created.CaseNumber, string(created.EvidenceType), created.Description,
		pq.StringArray(created.Tags), created.TxHash, nullUint(created.BlockNumber), nullUint(created.GasUsed),
		created.Fee, created.NetworkID, string(created.Status), created.Progress, created.Version,
		created.CreatedAt, created.UpdatedAt)
	if err != nil {
		return evidence.Record{}, fmt.Errorf("insert evidence: %w", err)
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

	result, err := s.db.ExecContext(ctx, `
		UPDATE evidence
		SET status = $3, progress = $4, tx_hash = $5, block_number = $6, gas_used = $7, fee = $8,
			network_id = $9, description = $10, tags = $11, version = $12, updated_at = $13
		WHERE id = $1 AND version = $2
	`, id, expectedVersion, string(updated.Status), updated.Progress, updated.TxHash,
		nullUint(updated.BlockNumber), nullUint(updated.GasUsed), updated.Fee, updated.NetworkID,
		updated.Description, pq.StringArray(updated.Tags), updated.Version, updated.UpdatedAt)
	if err != nil {
		return evidence.Record{}, fmt.Errorf("update evidence: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return evidence.Record{}, fmt.Errorf("update evidence: rows affected: %w", err)
	}
	if rows == 0 {
		return evidence.Record{}, fmt.Errorf("%w: %s changed concurrently", evidence.ErrVersionConflict, id)
	}

	s.publish(ctx, feed.OpUpdate, updated)
	return updated, nil
}

func (s *Store) GetEvidence(ctx context.Context, id string) (evidence.Record, error) {
	if _, err := uuid.Parse(id); err != nil {
		return evidence.Record{}, fmt.Errorf("%w: %s", evidence.ErrNotFound, id)
	}
	var row evidenceRow
	err := s.db.GetContext(ctx, &row, `SELECT `+evidenceColumns+` FROM evidence WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return evidence.Record{}, fmt.Errorf("%w: %s", evidence.ErrNotFound, id)
	}
	if err != nil {
		return evidence.Record{}, fmt.Errorf("get evidence: %w", err)
	}
	return row.record(), nil
}

func (s *Store) ListEvidence(ctx context.Context, filter storage.EvidenceFilter) ([]evidence.Record, error) {
	var (
		where []string
		args  []interface{}
	)
	add := func(clause string, v interface{}) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if filter.UserID != "" {
		add("user_id = $%d", filter.UserID)
	}
	if filter.Status != "" {
		add("status = $%d", string(filter.Status))
	}
	if !filter.UpdatedBefore.IsZero() {
		add("updated_at < $%d", filter.UpdatedBefore)
	}

	query := `SELECT ` + evidenceColumns + ` FROM evidence`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(` OFFSET $%d`, len(args))
	}

	var rows []evidenceRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list evidence: %w", err)
	}
	result := make([]evidence.Record, 0, len(rows))
	for _, r := range rows {
		result = append(result, r.record())
	}
	return result, nil
}

func (s *Store) CountEvidenceByStatus(ctx context.Context, userID string) (map[evidence.Status]int, error) {
	query := `SELECT status, COUNT(*) AS n FROM evidence`
	var args []interface{}
	if userID != "" {
		query += ` WHERE user_id = $1`
		args = append(args, userID)
	}
	query += ` GROUP BY status`

	var rows []struct {
		Status string `db:"status"`
		N      int    `db:"n"`
	}
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("count evidence: %w", err)
	}
	counts := make(map[evidence.Status]int, len(rows))
	for _, r := range rows {
		counts[evidence.Status(r.Status)] = r.N
	}
	return counts, nil
}

func (s *Store) Subscribe(ctx context.Context, filter feed.Filter) (*feed.Subscription, error) {
	return s.broker.Subscribe(ctx, filter)
}

func (s *Store) publish(ctx context.Context, op feed.Op, rec evidence.Record) {
	if err := s.broker.Publish(ctx, feed.Event{Op: op, Record: rec, At: rec.UpdatedAt}); err != nil {
		s.log.WithError(err).WithField("evidence_id", rec.ID).Warn("publish change event")
	}
}

// --- AuditStore -------------------------------------------------------------

type auditRow struct {
	ID         string         `db:"id"`
	UserID     string         `db:"user_id"`
	EvidenceID sql.NullString `db:"evidence_id"`
	Action     string         `db:"action"`
	Details    []byte         `db:"details"`
	CreatedAt  time.Time      `db:"created_at"`
}

func (s *Store) AppendAudit(ctx context.Context, entry evidence.AuditEntry) (evidence.AuditEntry, error) {
	if strings.TrimSpace(entry.Action) == "" {
		return evidence.AuditEntry{}, fmt.Errorf("%w: audit action is required", evidence.ErrInvalidField)
	}
	entry.ID = uuid.NewString()
	entry.CreatedAt = s.now()
	if len(entry.Details) == 0 {
		entry.Details = json.RawMessage(`{}`)
	}
	evidenceID := sql.NullString{String: entry.EvidenceID, Valid: entry.EvidenceID != ""}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, user_id, evidence_id, action, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, entry.ID, entry.UserID, evidenceID, entry.Action, []byte(entry.Details), entry.CreatedAt)
	if err != nil {
		return evidence.AuditEntry{}, fmt.Errorf("insert audit: %w", err)
	}
	return entry, nil
}

func (s *Store) ListAudit(ctx context.Context, filter storage.AuditFilter) ([]evidence.AuditEntry, error) {
	var (
		where []string
		args  []interface{}
	)
	add := func(clause string, v interface{}) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if filter.UserID != "" {
		add("user_id = $%d", filter.UserID)
	}
	if filter.EvidenceID != "" {
		add("evidence_id = $%d", filter.EvidenceID)
	}
	if filter.Action != "" {
		add("action = $%d", filter.Action)
	}
	query := `SELECT id, user_id, evidence_id, action, details, created_at FROM audit_logs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	var rows []auditRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	result := make([]evidence.AuditEntry, 0, len(rows))
	for _, r := range rows {
		result = append(result, evidence.AuditEntry{
			ID:         r.ID,
			UserID:     r.UserID,
			EvidenceID: r.EvidenceID.String,
			Action:     r.Action,
			Details:    json.RawMessage(r.Details),
			CreatedAt:  r.CreatedAt.UTC(),
		})
	}
	return result, nil
}

// --- NetworkStore -----------------------------------------------------------

const networkColumns = `id, name, chain_id, rpc_url, contract_address, explorer_url, is_active, created_at`

type networkRow struct {
	ID              string    `db:"id"`
	Name            string    `db:"name"`
	ChainID         int64     `db:"chain_id"`
	RPCURL          string    `db:"rpc_url"`
	ContractAddress string    `db:"contract_address"`
	ExplorerURL     string    `db:"explorer_url"`
	Active          bool      `db:"is_active"`
	CreatedAt       time.Time `db:"created_at"`
}

func (r networkRow) network() evidence.Network {
	return evidence.Network{
		ID:              r.ID,
		Name:            r.Name,
		ChainID:         uint64(r.ChainID),
		RPCURL:          r.RPCURL,
		ContractAddress: r.ContractAddress,
		ExplorerURL:     r.ExplorerURL,
		Active:          r.Active,
		CreatedAt:       r.CreatedAt.UTC(),
	}
}

func (s *Store) ActiveNetwork(ctx context.Context) (evidence.Network, error) {
	var row networkRow
	err := s.db.GetContext(ctx, &row, `SELECT `+networkColumns+` FROM blockchain_networks WHERE is_active LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return evidence.Network{}, evidence.ErrNoActiveNetwork
	}
	if err != nil {
		return evidence.Network{}, fmt.Errorf("active network: %w", err)
	}
	return row.network(), nil
}

func (s *Store) ListNetworks(ctx context.Context) ([]evidence.Network, error) {
	var rows []networkRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+networkColumns+` FROM blockchain_networks ORDER BY name`); err != nil {
		return nil, fmt.Errorf("list networks: %w", err)
	}
	result := make([]evidence.Network, 0, len(rows))
	for _, r := range rows {
		result = append(result, r.network())
	}
	return result, nil
}

func (s *Store) UpsertNetwork(ctx context.Context, n evidence.Network) (evidence.Network, error) {
	if n.ChainID == 0 || strings.TrimSpace(n.RPCURL) == "" {
		return evidence.Network{}, fmt.Errorf("%w: network requires chain_id and rpc_url", evidence.ErrInvalidField)
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	n.CreatedAt = s.now()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return evidence.Network{}, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if n.Active {
		if _, err := tx.ExecContext(ctx, `UPDATE blockchain_networks SET is_active = false WHERE is_active AND id <> $1`, n.ID); err != nil {
			return evidence.Network{}, fmt.Errorf("deactivate networks: %w", err)
		}
	}
	var createdAt time.Time
	err = tx.QueryRowxContext(ctx, `
		INSERT INTO blockchain_networks (`+networkColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, chain_id = EXCLUDED.chain_id, rpc_url = EXCLUDED.rpc_url,
			contract_address = EXCLUDED.contract_address, explorer_url = EXCLUDED.explorer_url,
			is_active = EXCLUDED.is_active
		RETURNING created_at
	`, n.ID, n.Name, int64(n.ChainID), n.RPCURL, n.ContractAddress, n.ExplorerURL, n.Active, n.CreatedAt).Scan(&createdAt)
	if err != nil {
		return evidence.Network{}, fmt.Errorf("upsert network: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return evidence.Network{}, fmt.Errorf("commit: %w", err)
	}
	n.CreatedAt = createdAt.UTC()
	return n, nil
}

func (s *Store) ActivateNetwork(ctx context.Context, id string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `UPDATE blockchain_networks SET is_active = false WHERE is_active`); err != nil {
		return fmt.Errorf("deactivate networks: %w", err)
	}
	result, err := tx.ExecContext(ctx, `UPDATE blockchain_networks SET is_active = true WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("activate network: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("activate network: rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("network %s not found", id)
	}
	return tx.Commit()
}
