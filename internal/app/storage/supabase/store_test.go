package supabase

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	supa "github.com/R3E-Network/evidence_layer/infra/supabase"
	"github.com/R3E-Network/evidence_layer/internal/app/domain/evidence"
	"github.com/R3E-Network/evidence_layer/internal/app/storage"
	"github.com/R3E-Network/evidence_layer/internal/feed"
)

// fakeREST is a tiny PostgREST stand-in for the evidence table: it honours
// id/version equality filters on GET and PATCH.
type fakeREST struct {
	mu      sync.Mutex
	rows    map[string]map[string]interface{}
	audit   []map[string]interface{}
	lastURL string
}

func (f *fakeREST) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastURL = r.URL.String()

	q := r.URL.Query()
	match := func(row map[string]interface{}) bool {
		for _, col := range []string{"id", "version", "user_id", "status"} {
			want := q.Get(col)
			if want == "" {
				continue
			}
			v, _ := json.Marshal(row[col])
			if "eq."+strings.Trim(string(v), `"`) != want {
				return false
			}
		}
		return true
	}
	write := func(v interface{}) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(v)
	}

	switch {
	case r.URL.Path == "/rest/v1/audit_logs" && r.Method == http.MethodPost:
		var row map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&row)
		f.audit = append(f.audit, row)
		write([]interface{}{row})
	case r.URL.Path == "/rest/v1/audit_logs":
		write(f.audit)
	case r.URL.Path != "/rest/v1/evidence":
		w.WriteHeader(http.StatusNotFound)
	case r.Method == http.MethodPost:
		var row map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&row)
		f.rows[row["id"].(string)] = row
		write([]interface{}{row})
	case r.Method == http.MethodPatch:
		var patch map[string]interface{}
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &patch)
		out := []interface{}{}
		for _, row := range f.rows {
			if match(row) {
				for k, v := range patch {
					row[k] = v
				}
				out = append(out, row)
			}
		}
		write(out)
	default:
		out := []interface{}{}
		for _, row := range f.rows {
			if match(row) {
				out = append(out, row)
			}
		}
		if r.Header.Get("Accept") == "application/vnd.pgrst.object+json" {
			if len(out) != 1 {
				w.WriteHeader(http.StatusNotAcceptable)
				write(map[string]string{"code": supa.CodeNoRows, "message": "no rows"})
				return
			}
			write(out[0])
			return
		}
		write(out)
	}
}

func newTestStore(t *testing.T) (*Store, *fakeREST) {
	t.Helper()
	fake := &fakeREST{rows: map[string]map[string]interface{}{}}
	server := httptest.NewServer(fake)
	t.Cleanup(server.Close)

	client, err := supa.New(supa.Config{URL: server.URL, ServiceKey: "k", DisableResilience: true})
	require.NoError(t, err)
	store := New(client, nil)
	t.Cleanup(store.Close)
	return store, fake
}

func TestCreateAndGet(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	rec, err := store.CreateEvidence(ctx, evidence.Record{UserID: "u1", FileName: "a.pdf", Hash: "abc", EvidenceType: evidence.TypeDocument})
	require.NoError(t, err)
	assert.Equal(t, evidence.StatusPending, rec.Status)
	assert.Equal(t, int64(1), rec.Version)
	assert.Equal(t, "sha256", rec.HashAlgorithm)

	got, err := store.GetEvidence(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.Hash, got.Hash)
	assert.Equal(t, []string{}, got.Tags)

	_, err = store.GetEvidence(ctx, uuid.NewString())
	assert.ErrorIs(t, err, evidence.ErrNotFound)
	_, err = store.GetEvidence(ctx, "not-a-uuid")
	assert.ErrorIs(t, err, evidence.ErrNotFound)
}

func TestUpdateEvidenceCAS(t *testing.T) {
	store, fake := newTestStore(t)
	ctx := context.Background()

	sub, err := store.Subscribe(ctx, feed.Filter{UserID: "u1"})
	require.NoError(t, err)
	defer sub.Close()

	rec, err := store.CreateEvidence(ctx, evidence.Record{UserID: "u1", FileName: "a.pdf", Hash: "abc", EvidenceType: evidence.TypeDocument})
	require.NoError(t, err)

	rec, err = store.UpdateEvidence(ctx, rec.ID, 1, evidence.ToProcessing())
	require.NoError(t, err)
	assert.Equal(t, evidence.StatusProcessing, rec.Status)
	assert.Contains(t, fake.lastURL, "version=eq.1")

	_, err = store.UpdateEvidence(ctx, rec.ID, 1, evidence.ToFailed())
	assert.ErrorIs(t, err, evidence.ErrVersionConflict)

	rec, err = store.UpdateEvidence(ctx, rec.ID, 2, evidence.ToVerified(evidence.Linkage{TxHash: "0xabc", BlockNumber: 7, GasUsed: 50000, Fee: "1"}))
	require.NoError(t, err)
	assert.Equal(t, evidence.StatusVerified, rec.Status)
	require.NotNil(t, rec.BlockNumber)
	assert.Equal(t, uint64(7), *rec.BlockNumber)

	var versions []int64
	for len(versions) < 3 {
		select {
		case ev := <-sub.C():
			versions = append(versions, ev.Record.Version)
		case <-time.After(2 * time.Second):
			t.Fatalf("got %v, want three events", versions)
		}
	}
	assert.Equal(t, []int64{1, 2, 3}, versions)
}

func TestUpdateEvidenceLostRace(t *testing.T) {
	store, fake := newTestStore(t)
	ctx := context.Background()

	rec, err := store.CreateEvidence(ctx, evidence.Record{UserID: "u1", FileName: "a.pdf", Hash: "abc", EvidenceType: evidence.TypeDocument})
	require.NoError(t, err)

	// Another writer bumps the version between our read and our PATCH.
	orig := store.now
	store.now = func() time.Time {
		fake.mu.Lock()
		fake.rows[rec.ID]["version"] = 9
		fake.mu.Unlock()
		return orig()
	}
	_, err = store.UpdateEvidence(ctx, rec.ID, 1, evidence.ToProcessing())
	assert.ErrorIs(t, err, evidence.ErrVersionConflict)
}

func TestListAndCount(t *testing.T) {
	store, fake := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := store.CreateEvidence(ctx, evidence.Record{UserID: "u1", FileName: "a", Hash: "h", EvidenceType: evidence.TypePhoto})
		require.NoError(t, err)
	}
	_, err := store.CreateEvidence(ctx, evidence.Record{UserID: "u2", FileName: "b", Hash: "h", EvidenceType: evidence.TypePhoto})
	require.NoError(t, err)

	list, err := store.ListEvidence(ctx, storage.EvidenceFilter{UserID: "u1", Limit: 10})
	require.NoError(t, err)
	assert.Len(t, list, 3)
	assert.Contains(t, fake.lastURL, "order=created_at.desc%2Cid.desc")

	counts, err := store.CountEvidenceByStatus(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 4, counts[evidence.StatusPending])
}

func TestAuditRoundTrip(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	entry, err := store.AppendAudit(ctx, evidence.NewAuditEntry("u1", "", evidence.ActionVerification, map[string]any{"verified": false}))
	require.NoError(t, err)
	assert.NotEmpty(t, entry.ID)

	entries, err := store.ListAudit(ctx, storage.AuditFilter{UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Empty(t, entries[0].EvidenceID)
	assert.Equal(t, evidence.ActionVerification, entries[0].Action)
}

func TestChangeEvent(t *testing.T) {
	ev, err := changeEvent(supa.Change{
		Type:   supa.ChangeUpdate,
		Record: []byte(`{"id":"ev-1","user_id":"u1","status":"verified","version":3,"tx_hash":"0x1","block_number":5,"tags":null}`),
	})
	require.NoError(t, err)
	assert.Equal(t, feed.OpUpdate, ev.Op)
	assert.Equal(t, int64(3), ev.Record.Version)
	assert.Equal(t, []string{}, ev.Record.Tags)
	assert.True(t, ev.Record.Linked())

	ev, err = changeEvent(supa.Change{Type: supa.ChangeDelete, OldRecord: []byte(`{"id":"ev-1"}`)})
	require.NoError(t, err)
	assert.Equal(t, feed.OpDelete, ev.Op)

	_, err = changeEvent(supa.Change{Type: supa.ChangeInsert})
	assert.Error(t, err)
	_, err = changeEvent(supa.Change{Type: "TRUNCATE", Record: []byte(`{}`)})
	assert.Error(t, err)
}
