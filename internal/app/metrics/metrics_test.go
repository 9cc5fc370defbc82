package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorders(t *testing.T) {
	before := testutil.ToFloat64(registrations.WithLabelValues("verified"))
	RecordRegistration("verified", 0)
	assert.Equal(t, before+1, testutil.ToFloat64(registrations.WithLabelValues("verified")))

	before = testutil.ToFloat64(verifications.WithLabelValues("false"))
	RecordVerification(false)
	assert.Equal(t, before+1, testutil.ToFloat64(verifications.WithLabelValues("false")))

	before = testutil.ToFloat64(staleSwept)
	RecordStaleFailed(3)
	assert.Equal(t, before+3, testutil.ToFloat64(staleSwept))

	before = testutil.ToFloat64(auditDropped)
	RecordAuditDropped()
	assert.Equal(t, before+1, testutil.ToFloat64(auditDropped))

	before = testutil.ToFloat64(submissions.WithLabelValues("rejected"))
	RecordSubmission("rejected")
	assert.Equal(t, before+1, testutil.ToFloat64(submissions.WithLabelValues("rejected")))
}

func TestMiddlewareLabelsByRouteTemplate(t *testing.T) {
	router := mux.NewRouter()
	router.Use(Middleware)
	router.HandleFunc("/evidence/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	counter := httpRequests.WithLabelValues(http.MethodGet, "/evidence/{id}", "404")
	before := testutil.ToFloat64(counter)

	for _, id := range []string{"a", "b"} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/evidence/"+id, nil))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	}
	assert.Equal(t, before+2, testutil.ToFloat64(counter))
	assert.Zero(t, testutil.ToFloat64(httpInFlight))
}

func TestHandlerExposesCollectors(t *testing.T) {
	RecordRegistration("failed", time.Second)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "evidence_layer_evidence_registrations_total"))
	assert.True(t, strings.Contains(body, "evidence_layer_evidence_registration_duration_seconds"))
}

func TestRegisterUpstream(t *testing.T) {
	stats := UpstreamStats{Requests: 5, Retries: 2, Failures: 1}
	require.NoError(t, RegisterUpstream("storage-api", func() UpstreamStats { return stats }))

	n, err := testutil.GatherAndCount(Registry, "evidence_layer_upstream_requests_total", "evidence_layer_upstream_circuit_open")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	stats.Requests, stats.CircuitOpen = 9, true
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	assert.Contains(t, body, `evidence_layer_upstream_requests_total{upstream="storage-api"} 9`)
	assert.Contains(t, body, `evidence_layer_upstream_retries_total{upstream="storage-api"} 2`)
	assert.Contains(t, body, `evidence_layer_upstream_circuit_open{upstream="storage-api"} 1`)

	require.NoError(t, RegisterUpstream("storage-api", func() UpstreamStats { return UpstreamStats{} }), "re-registering replaces")
	n, err = testutil.GatherAndCount(Registry, "evidence_layer_upstream_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
