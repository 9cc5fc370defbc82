package app

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/evidence_layer/internal/app/domain/evidence"
	"github.com/R3E-Network/evidence_layer/internal/app/services/admin"
	"github.com/R3E-Network/evidence_layer/internal/app/storage/memory"
	"github.com/R3E-Network/evidence_layer/internal/auth"
	"github.com/R3E-Network/evidence_layer/internal/config"
	"github.com/R3E-Network/evidence_layer/internal/wallet"
	"github.com/R3E-Network/evidence_layer/pkg/testutil"
)

const testChainID = 11155111

type fixedSampler struct{}

func (fixedSampler) Host(context.Context) (admin.HostStats, error) {
	return admin.HostStats{CPUPercent: 1, MemoryPercent: 2, UptimeSeconds: 3}, nil
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Auth.JWTSecret = "app-test-secret"
	cfg.Wallet.PollInterval = 5 * time.Millisecond
	cfg.Wallet.WaitTimeout = 2 * time.Second
	cfg.Registration.Timeout = 5 * time.Second
	return cfg
}

func newTestApp(t *testing.T) (*Application, *memory.Store) {
	t.Helper()
	store := memory.New()
	t.Cleanup(store.Close)
	node := testutil.NewNode(testChainID)
	t.Cleanup(node.Close)

	_, err := store.UpsertNetwork(context.Background(), evidence.Network{
		ID: "sepolia", Name: "Sepolia", ChainID: testChainID, RPCURL: node.URL,
		ContractAddress: "0x0000000000000000000000000000000000000C0D", Active: true,
	})
	require.NoError(t, err)

	provider, err := wallet.NewRPCProvider(node.URL, 5*time.Second)
	require.NoError(t, err)

	application, err := New(testConfig(), Backends{Repo: store, Wallet: provider, HostSampler: fixedSampler{}}, nil)
	require.NoError(t, err)
	return application, store
}

func TestNewRequiresSecret(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.JWTSecret = ""
	_, err := New(cfg, Backends{}, nil)
	assert.Error(t, err)
}

func TestLifecycleOrder(t *testing.T) {
	application, _ := newTestApp(t)
	assert.Equal(t, []string{
		"audit-writer", "gateway", "registration-sweeper", "registrations", "rate-limit-cleanup",
	}, application.Descriptors())

	cfg := testConfig()
	cfg.RateLimit.RequestsPerSecond = 0
	noLimit, err := New(cfg, Backends{}, nil)
	require.NoError(t, err)
	assert.NotContains(t, noLimit.Descriptors(), "rate-limit-cleanup")
}

func TestSubmitThroughApplication(t *testing.T) {
	application, store := newTestApp(t)
	ctx := context.Background()
	require.NoError(t, application.Start(ctx))

	token, err := application.Authenticator().Issue(auth.User{ID: "user-1", Role: auth.RoleAuthenticated}, time.Hour)
	require.NoError(t, err)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("case_number", "CASE-1"))
	require.NoError(t, mw.WriteField("evidence_type", "document"))
	fw, err := mw.CreateFormFile("file", "report.pdf")
	require.NoError(t, err)
	_, err = fw.Write([]byte("0123456789"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/evidence", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	application.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var created struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	// Stop drains the in-flight registration before returning.
	stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	require.NoError(t, application.Stop(stopCtx))

	got, err := store.GetEvidence(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, evidence.StatusVerified, got.Status)
	assert.NotEmpty(t, got.TxHash)
}

func TestStopWithoutStart(t *testing.T) {
	application, _ := newTestApp(t)
	assert.NoError(t, application.Stop(context.Background()))
}
