package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/R3E-Network/evidence_layer/internal/app/domain/evidence"
	"github.com/R3E-Network/evidence_layer/internal/app/storage"
	"github.com/R3E-Network/evidence_layer/internal/platform/migrations"
)

// TestStoreIntegration runs against TEST_POSTGRES_DSN when set, otherwise
// against a disposable container when TEST_CONTAINERS=1.
func TestStoreIntegration(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		if os.Getenv("TEST_CONTAINERS") != "1" {
			t.Skip("TEST_POSTGRES_DSN not set and TEST_CONTAINERS!=1; skipping postgres integration test")
		}
		ctr, err := tcpostgres.Run(ctx, "postgres:16-alpine",
			tcpostgres.WithDatabase("evidence"),
			tcpostgres.WithUsername("evidence"),
			tcpostgres.WithPassword("evidence"),
			tcpostgres.BasicWaitStrategies(),
		)
		require.NoError(t, err)
		t.Cleanup(func() { _ = testcontainers.TerminateContainer(ctr) })

		dsn, err = ctr.ConnectionString(ctx, "sslmode=disable")
		require.NoError(t, err)
	}

	db, err := Open(ctx, dsn)
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, migrations.Up(db.DB))

	store := New(db)

	_, err = store.UpsertNetwork(ctx, evidence.Network{ID: "it-net", Name: "IT", ChainID: 31337, RPCURL: "http://localhost:8545", Active: true})
	require.NoError(t, err)
	active, err := store.ActiveNetwork(ctx)
	require.NoError(t, err)
	assert.Equal(t, "it-net", active.ID)

	rec, err := store.CreateEvidence(ctx, evidence.Record{
		UserID:       "it-user",
		FileName:     "it.bin",
		FileSize:     3,
		Hash:         "039058c6f2c0cb492c533b0a4d14ef77cc0f78abccced5287d84a1a2011cfb81",
		EvidenceType: evidence.TypeDigital,
		Tags:         []string{"it"},
		NetworkID:    active.ID,
	})
	require.NoError(t, err)

	rec, err = store.UpdateEvidence(ctx, rec.ID, rec.Version, evidence.ToProcessing())
	require.NoError(t, err)
	_, err = store.UpdateEvidence(ctx, rec.ID, rec.Version-1, evidence.ToFailed())
	assert.ErrorIs(t, err, evidence.ErrVersionConflict)

	rec, err = store.UpdateEvidence(ctx, rec.ID, rec.Version, evidence.ToVerified(evidence.Linkage{TxHash: "0xfeed", BlockNumber: 9, GasUsed: 50000, Fee: "123"}))
	require.NoError(t, err)

	got, err := store.GetEvidence(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, evidence.StatusVerified, got.Status)
	assert.Equal(t, "0xfeed", got.TxHash)
	assert.Equal(t, []string{"it"}, got.Tags)

	list, err := store.ListEvidence(ctx, storage.EvidenceFilter{UserID: "it-user"})
	require.NoError(t, err)
	require.NotEmpty(t, list)
	assert.Equal(t, rec.ID, list[0].ID)

	_, err = store.AppendAudit(ctx, evidence.NewAuditEntry("it-user", rec.ID, evidence.ActionUpload, nil))
	require.NoError(t, err)
	entries, err := store.ListAudit(ctx, storage.AuditFilter{EvidenceID: rec.ID})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
