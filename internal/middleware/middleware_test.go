package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/evidence_layer/internal/auth"
	"github.com/R3E-Network/evidence_layer/pkg/logger"
)

func newAuthenticator(t *testing.T) *auth.Authenticator {
	t.Helper()
	a, err := auth.NewAuthenticator("test-secret", "")
	require.NoError(t, err)
	return a
}

func echoUser(w http.ResponseWriter, r *http.Request) {
	u, ok := auth.FromContext(r.Context())
	if !ok {
		w.WriteHeader(http.StatusTeapot)
		return
	}
	_ = json.NewEncoder(w).Encode(u)
}

func TestAuthMiddleware(t *testing.T) {
	a := newAuthenticator(t)
	mw := NewAuthMiddleware(a, logger.NewDefault("test"), []string{"/healthz"})
	handler := mw.Handler(http.HandlerFunc(echoUser))

	token, err := a.Issue(auth.User{ID: "user-1", Email: "u@x.io"}, time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name   string
		path   string
		header string
		want   int
	}{
		{"valid token", "/api/v1/evidence", "Bearer " + token, http.StatusOK},
		{"lowercase scheme", "/api/v1/evidence", "bearer " + token, http.StatusOK},
		{"missing header", "/api/v1/evidence", "", http.StatusUnauthorized},
		{"wrong scheme", "/api/v1/evidence", "Basic " + token, http.StatusUnauthorized},
		{"bad token", "/api/v1/evidence", "Bearer nope", http.StatusUnauthorized},
		{"skipped path", "/healthz", "", http.StatusTeapot},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestAuthMiddlewareWebSocketQueryToken(t *testing.T) {
	a := newAuthenticator(t)
	handler := NewAuthMiddleware(a, nil, nil).Handler(http.HandlerFunc(echoUser))
	token, err := a.Issue(auth.User{ID: "ws-user"}, time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/evidence/stream?access_token="+token, nil)
	req.Header.Set("Upgrade", "websocket")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ws-user")

	// The query parameter is ignored on plain requests.
	req = httptest.NewRequest(http.MethodGet, "/api/v1/evidence?access_token="+token, nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireAdmin(t *testing.T) {
	handler := RequireAdmin(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req.WithContext(auth.WithUser(req.Context(), auth.User{ID: "u", Role: auth.RoleAuthenticated})))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req.WithContext(auth.WithUser(req.Context(), auth.User{ID: "u", Role: auth.RoleAdmin})))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimiterPerKey(t *testing.T) {
	rl := NewRateLimiter(1, 2, nil)
	handler := rl.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	do := func(remote string, user string) int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = remote
		if user != "" {
			req = req.WithContext(auth.WithUser(req.Context(), auth.User{ID: user}))
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, do("10.0.0.1:1000", ""))
	assert.Equal(t, http.StatusOK, do("10.0.0.1:2000", ""))
	assert.Equal(t, http.StatusTooManyRequests, do("10.0.0.1:3000", ""))

	// Authenticated users have their own bucket.
	assert.Equal(t, http.StatusOK, do("10.0.0.1:4000", "alice"))
	assert.Equal(t, http.StatusOK, do("10.0.0.2:1000", ""))
}

func TestRateLimiterCleanup(t *testing.T) {
	rl := NewRateLimiter(10, 10, nil)
	now := time.Unix(1000, 0)
	rl.now = func() time.Time { return now }

	rl.getLimiter("a")
	now = now.Add(time.Hour)
	rl.getLimiter("b")

	assert.Equal(t, 1, rl.Cleanup())
	assert.Len(t, rl.limiters, 1)
}

func TestTracingMiddleware(t *testing.T) {
	var traceID string
	handler := NewTracingMiddleware(nil).Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID = logger.TraceID(r.Context())
		w.WriteHeader(http.StatusCreated)
	}))

	req := httptest.NewRequest(http.MethodPost, "/x", nil)
	req.Header.Set("X-Trace-ID", "trace-123")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "trace-123", traceID)
	assert.Equal(t, "trace-123", rec.Header().Get("X-Trace-ID"))

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.NotEmpty(t, rec.Header().Get("X-Trace-ID"))
}

func TestCORS(t *testing.T) {
	handler := NewCORSMiddleware([]string{"https://app.example.com", "*.evidence.dev"}).Handler(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	check := func(origin string) string {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Origin", origin)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Header().Get("Access-Control-Allow-Origin")
	}
	assert.Equal(t, "https://app.example.com", check("https://app.example.com"))
	assert.Equal(t, "https://ui.evidence.dev", check("https://ui.evidence.dev"))
	assert.Empty(t, check("https://evil-app.example.com"))
	assert.Empty(t, check("https://notevidence.dev"))

	req := httptest.NewRequest(http.MethodOptions, "/", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}
