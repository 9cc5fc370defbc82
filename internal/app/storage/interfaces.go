package storage

import (
	"context"
	"time"

	"github.com/R3E-Network/evidence_layer/internal/app/domain/evidence"
	"github.com/R3E-Network/evidence_layer/internal/feed"
)

// EvidenceFilter scopes List queries. Zero values mean "no constraint".
type EvidenceFilter struct {
	UserID        string
	Status        evidence.Status
	UpdatedBefore time.Time
	Limit         int
	Offset        int
}

// AuditFilter scopes audit queries.
type AuditFilter struct {
	UserID     string
	EvidenceID string
	Action     string
	Limit      int
}

// EvidenceStore persists evidence records. Updates are compare-and-swap on
// the record version.
type EvidenceStore interface {
	CreateEvidence(ctx context.Context, rec evidence.Record) (evidence.Record, error)
	UpdateEvidence(ctx context.Context, id string, expectedVersion int64, patch evidence.Patch) (evidence.Record, error)
	GetEvidence(ctx context.Context, id string) (evidence.Record, error)
	ListEvidence(ctx context.Context, filter EvidenceFilter) ([]evidence.Record, error)
	CountEvidenceByStatus(ctx context.Context, userID string) (map[evidence.Status]int, error)
}

// AuditStore persists append-only audit entries.
type AuditStore interface {
	AppendAudit(ctx context.Context, entry evidence.AuditEntry) (evidence.AuditEntry, error)
	ListAudit(ctx context.Context, filter AuditFilter) ([]evidence.AuditEntry, error)
}

// NetworkStore holds blockchain network configuration.
type NetworkStore interface {
	ActiveNetwork(ctx context.Context) (evidence.Network, error)
	ListNetworks(ctx context.Context) ([]evidence.Network, error)
	UpsertNetwork(ctx context.Context, n evidence.Network) (evidence.Network, error)
	ActivateNetwork(ctx context.Context, id string) error
}

// Repository is the full persistence surface used by the evidence services.
type Repository interface {
	EvidenceStore
	AuditStore
	NetworkStore
	feed.Subscriber
}
