package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/evidence_layer/internal/app/domain/evidence"
	"github.com/R3E-Network/evidence_layer/internal/app/services/admin"
	"github.com/R3E-Network/evidence_layer/internal/app/services/registration"
	"github.com/R3E-Network/evidence_layer/internal/app/services/verification"
	"github.com/R3E-Network/evidence_layer/internal/app/storage/memory"
	"github.com/R3E-Network/evidence_layer/internal/audit"
	"github.com/R3E-Network/evidence_layer/internal/auth"
	"github.com/R3E-Network/evidence_layer/internal/blob"
	"github.com/R3E-Network/evidence_layer/internal/gateway"
	"github.com/R3E-Network/evidence_layer/internal/notify"
	"github.com/R3E-Network/evidence_layer/internal/wallet"
	"github.com/R3E-Network/evidence_layer/pkg/testutil"
)

const (
	testChainID  = 11155111
	testRegistry = "0x0000000000000000000000000000000000000C0D"
)

type stubSampler struct{}

func (stubSampler) Host(context.Context) (admin.HostStats, error) {
	return admin.HostStats{CPUPercent: 1, MemoryPercent: 2, UptimeSeconds: 3}, nil
}

type testEnv struct {
	handler http.Handler
	store   *memory.Store
	node    *testutil.Node
	authn   *auth.Authenticator
	reg     *registration.Service
}

func newTestEnv(t *testing.T, maxUpload int64) *testEnv {
	t.Helper()
	store := memory.New()
	t.Cleanup(store.Close)
	node := testutil.NewNode(testChainID)
	t.Cleanup(node.Close)

	_, err := store.UpsertNetwork(context.Background(), evidence.Network{
		ID: "sepolia", Name: "Sepolia", ChainID: testChainID, RPCURL: node.URL,
		ContractAddress: testRegistry, Active: true,
	})
	require.NoError(t, err)

	provider, err := wallet.NewRPCProvider(node.URL, 5*time.Second)
	require.NoError(t, err)
	gw := gateway.New(store, provider, gateway.Config{PollInterval: 5 * time.Millisecond, WaitTimeout: 2 * time.Second}, nil)

	writer := audit.NewWriter(store, 64, time.Second, nil)
	writer.Start()
	t.Cleanup(func() { _ = writer.Stop(context.Background()) })

	notes := notify.NewBroadcaster(nil)
	reg, err := registration.New(registration.Deps{
		Repo: store, Blobs: blob.NewMemoryStore(), Chain: gw, Audit: writer, Notifier: notes,
	}, registration.Config{MaxFileSize: maxUpload})
	require.NoError(t, err)
	t.Cleanup(reg.Wait)

	authn, err := auth.NewAuthenticator("test-secret", "")
	require.NoError(t, err)

	h := NewHandler(Services{
		Registration:  reg,
		Verification:  verification.New(store, gw, writer, nil),
		Admin:         admin.New(store, stubSampler{}, nil),
		Notifications: notes,
	}, Options{Verifier: authn, MaxUploadBytes: maxUpload})

	return &testEnv{handler: h, store: store, node: node, authn: authn, reg: reg}
}

func (e *testEnv) token(t *testing.T, userID, role string) string {
	t.Helper()
	tok, err := e.authn.Issue(auth.User{ID: userID, Role: role}, time.Hour)
	require.NoError(t, err)
	return tok
}

func (e *testEnv) do(t *testing.T, req *http.Request, token string) *httptest.ResponseRecorder {
	t.Helper()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func uploadRequest(t *testing.T, fields map[string]string, fileName string, content []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if fileName != "" {
		fw, err := mw.CreateFormFile("file", fileName)
		require.NoError(t, err)
		_, err = fw.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/evidence", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestPublicEndpoints(t *testing.T) {
	env := newTestEnv(t, 0)

	rec := env.do(t, httptest.NewRequest(http.MethodGet, "/healthz", nil), "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/metrics", nil), "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "evidence_")

	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/evidence", nil), "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSubmitVerifyDownload(t *testing.T) {
	env := newTestEnv(t, 0)
	tok := env.token(t, "user-1", auth.RoleAuthenticated)

	rec := env.do(t, uploadRequest(t, map[string]string{
		"evidence_type": "document",
		"case_number":   "CASE-7",
		"tags":          "scene, exhibit",
	}, "scan.bin", []byte("0123456789")), tok)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	id := decode[map[string]string](t, rec)["id"]
	require.NotEmpty(t, id)

	env.reg.Wait()

	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/evidence/"+id, nil), tok)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[evidence.Record](t, rec)
	assert.Equal(t, evidence.StatusVerified, got.Status)
	assert.Equal(t, "84d89877f0d4041efb6bf91a16f0248f2fd573e6af05c19f96bedb9f882f7882", got.Hash)
	assert.Equal(t, []string{"scene", "exhibit"}, got.Tags)
	assert.Equal(t, "CASE-7", got.CaseNumber)

	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/evidence?status=verified&limit=10", nil), tok)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]evidence.Record](t, rec), 1)

	rec = env.do(t, httptest.NewRequest(http.MethodPost, "/api/v1/evidence/"+id+"/verify", nil), tok)
	require.Equal(t, http.StatusOK, rec.Code)
	res := decode[verification.Result](t, rec)
	assert.True(t, res.IsValid)
	require.NotNil(t, res.BlockchainData)
	assert.Equal(t, "CASE-7", res.BlockchainData.CaseNumber)

	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/evidence/"+id+"/download", nil), tok)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.HasPrefix(decode[map[string]string](t, rec)["url"], "memory://user-1/"))
}

func TestVerifyMissingEvidence(t *testing.T) {
	env := newTestEnv(t, 0)
	tok := env.token(t, "user-1", auth.RoleAuthenticated)

	rec := env.do(t, httptest.NewRequest(http.MethodPost, "/api/v1/evidence/nope/verify", nil), tok)
	require.Equal(t, http.StatusOK, rec.Code)
	res := decode[verification.Result](t, rec)
	assert.False(t, res.IsValid)
	assert.Equal(t, "Evidence not found", res.Message)
}

func TestSubmitRejectsBadInput(t *testing.T) {
	env := newTestEnv(t, 16)
	tok := env.token(t, "user-1", auth.RoleAuthenticated)

	tests := []struct {
		name string
		req  *http.Request
	}{
		{"no file", uploadRequest(t, map[string]string{"evidence_type": "document"}, "", nil)},
		{"bad type", uploadRequest(t, map[string]string{"evidence_type": "rumour"}, "a.txt", []byte("x"))},
		{"too large", uploadRequest(t, map[string]string{"evidence_type": "document"}, "a.txt", bytes.Repeat([]byte("x"), 17))},
		{"not multipart", httptest.NewRequest(http.MethodPost, "/api/v1/evidence", strings.NewReader("{}"))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, tt.req, tok)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}
}

func TestEvidenceIsOwnerScoped(t *testing.T) {
	env := newTestEnv(t, 0)
	owner := env.token(t, "owner", auth.RoleAuthenticated)

	rec := env.do(t, uploadRequest(t, map[string]string{"evidence_type": "photo"}, "p.jpg", []byte("jpeg")), owner)
	require.Equal(t, http.StatusAccepted, rec.Code)
	id := decode[map[string]string](t, rec)["id"]
	env.reg.Wait()

	other := env.token(t, "other", auth.RoleAuthenticated)
	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/evidence/"+id, nil), other)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/evidence", nil), other)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[[]evidence.Record](t, rec))
}

func TestListRejectsBadParams(t *testing.T) {
	env := newTestEnv(t, 0)
	tok := env.token(t, "user-1", auth.RoleAuthenticated)

	for _, q := range []string{"status=lost", "limit=abc", "limit=0", "offset=-1"} {
		rec := env.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/evidence?"+q, nil), tok)
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

func TestWalletEndpoints(t *testing.T) {
	env := newTestEnv(t, 0)
	tok := env.token(t, "user-1", auth.RoleAuthenticated)

	rec := env.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/wallet", nil), tok)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(t, httptest.NewRequest(http.MethodPost, "/api/v1/wallet/connect", nil), tok)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	info := decode[registration.WalletInfo](t, rec)
	assert.True(t, strings.EqualFold(testutil.DefaultAccount, info.Address))
	assert.Equal(t, "sepolia", info.Network.ID)

	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/wallet", nil), tok)
	assert.Equal(t, http.StatusOK, rec.Code)

	env.node.SetRejectAccounts(true)
	rec = env.do(t, httptest.NewRequest(http.MethodPost, "/api/v1/wallet/connect", nil), tok)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestAdminStats(t *testing.T) {
	env := newTestEnv(t, 0)

	rec := env.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/admin/stats", nil), env.token(t, "user-1", auth.RoleAuthenticated))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/admin/stats", nil), env.token(t, "root", auth.RoleAdmin))
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[admin.Stats](t, rec)
	require.NotNil(t, stats.Host)
	assert.Equal(t, uint64(3), stats.Host.UptimeSeconds)
}

func TestEvidenceStream(t *testing.T) {
	env := newTestEnv(t, 0)
	srv := httptest.NewServer(env.handler)
	defer srv.Close()
	tok := env.token(t, "user-1", auth.RoleAuthenticated)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/evidence/stream?access_token=" + tok
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	defer resp.Body.Close()

	rec := env.do(t, uploadRequest(t, map[string]string{"evidence_type": "audio"}, "call.wav", []byte("RIFF")), tok)
	require.Equal(t, http.StatusAccepted, rec.Code)
	id := decode[map[string]string](t, rec)["id"]

	var statuses []evidence.Status
	var note *notify.Notification
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for note == nil || len(statuses) == 0 || statuses[len(statuses)-1] != evidence.StatusVerified {
		var msg streamMessage
		require.NoError(t, conn.ReadJSON(&msg))
		switch msg.Type {
		case "change":
			require.NotNil(t, msg.Change)
			assert.Equal(t, id, msg.Change.Record.ID)
			statuses = append(statuses, msg.Change.Record.Status)
		case "notification":
			note = msg.Notification
		default:
			t.Fatalf("unexpected message type %q", msg.Type)
		}
	}
	assert.Equal(t, []evidence.Status{evidence.StatusPending, evidence.StatusProcessing, evidence.StatusVerified}, statuses)
	assert.Equal(t, notify.LevelSuccess, note.Level)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{auth.ErrUnauthenticated, http.StatusUnauthorized},
		{fmt.Errorf("wrap: %w", registration.ErrInvalidMetadata), http.StatusBadRequest},
		{evidence.ErrNotFound, http.StatusNotFound},
		{gateway.ErrUserRejected, http.StatusConflict},
		{gateway.ErrWalletNotConnected, http.StatusConflict},
		{gateway.ErrWalletNotPresent, http.StatusFailedDependency},
		{evidence.ErrNoActiveNetwork, http.StatusFailedDependency},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}
