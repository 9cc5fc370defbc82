package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/R3E-Network/evidence_layer/internal/app/domain/evidence"
)

// DefaultUpdateAttempts bounds UpdateWithRetry.
const DefaultUpdateAttempts = 5

// UpdateWithRetry reads the latest record, builds a patch from it, and writes
// it with compare-and-swap, re-reading on version conflicts. mutate may
// return an error to abort without writing.
func UpdateWithRetry(ctx context.Context, store EvidenceStore, id string, mutate func(evidence.Record) (evidence.Patch, error)) (evidence.Record, error) {
	var lastErr error
	for attempt := 0; attempt < DefaultUpdateAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return evidence.Record{}, err
		}
		current, err := store.GetEvidence(ctx, id)
		if err != nil {
			return evidence.Record{}, err
		}
		patch, err := mutate(current)
		if err != nil {
			return evidence.Record{}, err
		}
		updated, err := store.UpdateEvidence(ctx, id, current.Version, patch)
		if err == nil {
			return updated, nil
		}
		if !errors.Is(err, evidence.ErrVersionConflict) {
			return evidence.Record{}, err
		}
		lastErr = err
	}
	return evidence.Record{}, fmt.Errorf("update %s after %d attempts: %w", id, DefaultUpdateAttempts, lastErr)
}
