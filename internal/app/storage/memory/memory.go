package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/R3E-Network/evidence_layer/internal/app/domain/evidence"
	"github.com/R3E-Network/evidence_layer/internal/app/storage"
	"github.com/R3E-Network/evidence_layer/internal/feed"
)

// Store is an in-memory implementation of the storage interfaces. It is safe
// for concurrent use and is primarily intended for tests and local development.
type Store struct {
	mu       sync.RWMutex
	records  map[string]evidence.Record
	seq      map[string]int64
	nextSeq  int64
	audit    []evidence.AuditEntry
	networks map[string]evidence.Network
	hub      *feed.Hub
	now      func() time.Time
}

var _ storage.Repository = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		records:  make(map[string]evidence.Record),
		seq:      make(map[string]int64),
		networks: make(map[string]evidence.Network),
		hub:      feed.NewHub(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Close closes all change subscriptions.
func (s *Store) Close() {
	s.hub.Close()
}

// EvidenceStore implementation ------------------------------------------------

func (s *Store) CreateEvidence(ctx context.Context, rec evidence.Record) (evidence.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	} else if _, exists := s.records[rec.ID]; exists {
		return evidence.Record{}, fmt.Errorf("evidence %s already exists", rec.ID)
	}

	created, err := evidence.PrepareNew(rec, s.now())
	if err != nil {
		return evidence.Record{}, err
	}
	s.records[created.ID] = created
	s.nextSeq++
	s.seq[created.ID] = s.nextSeq
	_ = s.hub.Publish(ctx, feed.Event{Op: feed.OpInsert, Record: created.Clone(), At: created.CreatedAt})
	return created.Clone(), nil
}

func (s *Store) UpdateEvidence(ctx context.Context, id string, expectedVersion int64, patch evidence.Patch) (evidence.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.records[id]
	if !ok {
		return evidence.Record{}, fmt.Errorf("%w: %s", evidence.ErrNotFound, id)
	}
	if current.Version != expectedVersion {
		return evidence.Record{}, fmt.Errorf("%w: %s at version %d, expected %d", evidence.ErrVersionConflict, id, current.Version, expectedVersion)
	}

	updated, err := patch.Apply(current, s.now())
	if err != nil {
		return evidence.Record{}, err
	}
	s.records[id] = updated
	_ = s.hub.Publish(ctx, feed.Event{Op: feed.OpUpdate, Record: updated.Clone(), At: updated.UpdatedAt})
	return updated.Clone(), nil
}

func (s *Store) GetEvidence(_ context.Context, id string) (evidence.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return evidence.Record{}, fmt.Errorf("%w: %s", evidence.ErrNotFound, id)
	}
	return rec.Clone(), nil
}

func (s *Store) ListEvidence(_ context.Context, filter storage.EvidenceFilter) ([]evidence.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]evidence.Record, 0, len(s.records))
	for _, rec := range s.records {
		if filter.UserID != "" && rec.UserID != filter.UserID {
			continue
		}
		if filter.Status != "" && rec.Status != filter.Status {
			continue
		}
		if !filter.UpdatedBefore.IsZero() && !rec.UpdatedAt.Before(filter.UpdatedBefore) {
			continue
		}
		result = append(result, rec.Clone())
	}
	// Newest first; insertion order breaks timestamp ties.
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return s.seq[result[i].ID] > s.seq[result[j].ID]
	})
	return paginate(result, filter.Offset, filter.Limit), nil
}

func (s *Store) CountEvidenceByStatus(_ context.Context, userID string) (map[evidence.Status]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[evidence.Status]int)
	for _, rec := range s.records {
		if userID != "" && rec.UserID != userID {
			continue
		}
		counts[rec.Status]++
	}
	return counts, nil
}

func (s *Store) Subscribe(ctx context.Context, filter feed.Filter) (*feed.Subscription, error) {
	return s.hub.Subscribe(ctx, filter)
}

// AuditStore implementation ---------------------------------------------------

func (s *Store) AppendAudit(_ context.Context, entry evidence.AuditEntry) (evidence.AuditEntry, error) {
	if strings.TrimSpace(entry.Action) == "" {
		return evidence.AuditEntry{}, fmt.Errorf("%w: audit action is required", evidence.ErrInvalidField)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	entry.ID = uuid.NewString()
	entry.CreatedAt = s.now()
	entry.Details = append([]byte(nil), entry.Details...)
	s.audit = append(s.audit, entry)
	return entry, nil
}

func (s *Store) ListAudit(_ context.Context, filter storage.AuditFilter) ([]evidence.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []evidence.AuditEntry
	for i := len(s.audit) - 1; i >= 0; i-- {
		e := s.audit[i]
		if filter.UserID != "" && e.UserID != filter.UserID {
			continue
		}
		if filter.EvidenceID != "" && e.EvidenceID != filter.EvidenceID {
			continue
		}
		if filter.Action != "" && e.Action != filter.Action {
			continue
		}
		result = append(result, e)
		if filter.Limit > 0 && len(result) == filter.Limit {
			break
		}
	}
	return result, nil
}

// NetworkStore implementation -------------------------------------------------

func (s *Store) ActiveNetwork(_ context.Context) (evidence.Network, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, n := range s.networks {
		if n.Active {
			return n, nil
		}
	}
	return evidence.Network{}, evidence.ErrNoActiveNetwork
}

func (s *Store) ListNetworks(_ context.Context) ([]evidence.Network, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]evidence.Network, 0, len(s.networks))
	for _, n := range s.networks {
		result = append(result, n)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

func (s *Store) UpsertNetwork(_ context.Context, n evidence.Network) (evidence.Network, error) {
	if n.ChainID == 0 || strings.TrimSpace(n.RPCURL) == "" {
		return evidence.Network{}, fmt.Errorf("%w: network requires chain_id and rpc_url", evidence.ErrInvalidField)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if existing, ok := s.networks[n.ID]; ok {
		n.CreatedAt = existing.CreatedAt
	} else {
		n.CreatedAt = s.now()
	}
	if n.Active {
		s.deactivateLocked()
	}
	s.networks[n.ID] = n
	return n, nil
}

func (s *Store) ActivateNetwork(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.networks[id]
	if !ok {
		return fmt.Errorf("network %s not found", id)
	}
	s.deactivateLocked()
	n.Active = true
	s.networks[id] = n
	return nil
}

func (s *Store) deactivateLocked() {
	for id, n := range s.networks {
		if n.Active {
			n.Active = false
			s.networks[id] = n
		}
	}
}

func paginate(records []evidence.Record, offset, limit int) []evidence.Record {
	if offset > 0 {
		if offset >= len(records) {
			return []evidence.Record{}
		}
		records = records[offset:]
	}
	if limit > 0 && limit < len(records) {
		records = records[:limit]
	}
	return records
}
