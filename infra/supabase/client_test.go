package supabase

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	c, err := New(Config{URL: server.URL, ServiceKey: "service-key", DisableResilience: true})
	require.NoError(t, err)
	return c
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config{ServiceKey: "k"})
	assert.Error(t, err)
	_, err = New(Config{URL: "https://x.supabase.co"})
	assert.Error(t, err)
	_, err = New(Config{URL: "::bad", ServiceKey: "k"})
	assert.Error(t, err)

	c, err := New(Config{URL: "https://x.supabase.co/", ServiceKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, "wss://x.supabase.co/realtime/v1/websocket", c.realtimeURL)
	assert.Equal(t, CircuitClosed, c.CircuitState())
}

func TestQueryBuilderSelect(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/rest/v1/evidence", r.URL.Path)
		assert.Equal(t, "service-key", r.Header.Get("apikey"))
		assert.Equal(t, "Bearer service-key", r.Header.Get("Authorization"))

		q := r.URL.Query()
		assert.Equal(t, "*", q.Get("select"))
		assert.Equal(t, "eq.user 1&x", q.Get("user_id"))
		assert.Equal(t, "lt.2024-01-01T00:00:00Z", q.Get("updated_at"))
		assert.Equal(t, "created_at.desc,id.desc", q.Get("order"))
		assert.Equal(t, "10", q.Get("limit"))
		assert.Equal(t, "5", q.Get("offset"))
		_, _ = w.Write([]byte(`[{"id":"a"},{"id":"b"}]`))
	})

	var rows []struct{ ID string }
	err := c.Database().From("evidence").
		Eq("user_id", "user 1&x").
		Lt("updated_at", "2024-01-01T00:00:00Z").
		Order("created_at", OrderDesc).Order("id", OrderDesc).
		Limit(10).Offset(5).
		ExecuteInto(context.Background(), &rows)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestQueryBuilderUpdateSendsPrefer(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, "return=representation", r.Header.Get("Prefer"))
		assert.Equal(t, "eq.3", r.URL.Query().Get("version"))
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"status":"verified"}`, string(body))
		_, _ = w.Write([]byte(`[]`))
	})

	out, err := c.Database().From("evidence").Eq("id", "x").Eq("version", "3").
		Update(context.Background(), map[string]string{"status": "verified"})
	require.NoError(t, err)
	assert.Equal(t, "[]", string(out))

	_, err = c.Database().From("evidence").Update(context.Background(), map[string]string{})
	assert.Error(t, err)
}

func TestQueryBuilderSingleNotFound(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/vnd.pgrst.object+json", r.Header.Get("Accept"))
		w.WriteHeader(http.StatusNotAcceptable)
		_, _ = w.Write([]byte(`{"code":"PGRST116","message":"JSON object requested, multiple (or no) rows returned"}`))
	})

	_, err := c.Database().From("evidence").Eq("id", "nope").Single().Execute(context.Background())
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, CodeNoRows, apiErr.Code)
	assert.Equal(t, http.StatusNotAcceptable, apiErr.StatusCode)
}

func TestUpsertSetsConflictTarget(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "id", r.URL.Query().Get("on_conflict"))
		assert.Contains(t, r.Header.Get("Prefer"), "resolution=merge-duplicates")
		_, _ = w.Write([]byte(`[{"id":"sepolia"}]`))
	})

	_, err := c.Database().From("blockchain_networks").Upsert(context.Background(), map[string]string{"id": "sepolia"}, "id")
	require.NoError(t, err)
}

func TestErrorSentinels(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"invalid key"}`))
	})

	_, err := c.Database().From("blockchain_networks").Eq("id", "x").Execute(context.Background())
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), "invalid key")
}

func TestStorageUploadAndSign(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/storage/v1/object/evidence-files/user-1/a b.pdf":
			assert.Equal(t, "application/pdf", r.Header.Get("Content-Type"))
			body, _ := io.ReadAll(r.Body)
			assert.Equal(t, "pdf-bytes", string(body))
			_, _ = w.Write([]byte(`{"Key":"evidence-files/user-1/a b.pdf"}`))
		case r.Method == http.MethodDelete && r.URL.Path == "/storage/v1/object/evidence-files":
			body, _ := io.ReadAll(r.Body)
			assert.JSONEq(t, `{"prefixes":["user-1/a b.pdf"]}`, string(body))
			_, _ = w.Write([]byte(`[]`))
		case r.URL.Path == "/storage/v1/object/sign/evidence-files/user-1/a b.pdf":
			var req map[string]int
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, 3600, req["expiresIn"])
			_, _ = w.Write([]byte(`{"signedURL":"/object/sign/evidence-files/user-1/a%20b.pdf?token=t"}`))
		default:
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	})

	ctx := context.Background()
	err := c.Storage().Upload(ctx, "evidence-files", "user-1/a b.pdf", strings.NewReader("pdf-bytes"), UploadOptions{ContentType: "application/pdf"})
	require.NoError(t, err)

	signed, err := c.Storage().CreateSignedURL(ctx, "evidence-files", "user-1/a b.pdf", time.Hour)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(signed, "/storage/v1/object/sign/evidence-files/user-1/a%20b.pdf?token=t"), signed)

	require.NoError(t, c.Storage().Remove(ctx, "evidence-files", []string{"user-1/a b.pdf"}))
}

func TestClientStats(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`[]`))
	}))
	defer server.Close()

	retry := DefaultRetryConfig()
	retry.InitialBackoff, retry.MaxBackoff, retry.Jitter = time.Millisecond, time.Millisecond, 0
	c, err := New(Config{URL: server.URL, ServiceKey: "k", Retry: retry})
	require.NoError(t, err)
	assert.Equal(t, TransportStats{}, c.Stats())

	_, err = c.Database().From("evidence").Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, TransportStats{Requests: 1, Retries: 1}, c.Stats())

	plain := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`[]`)) })
	assert.Equal(t, TransportStats{}, plain.Stats(), "no transport, no counters")
}

func TestValidateURLRejectsOtherHosts(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {})
	_, _, err := c.request(context.Background(), http.MethodGet, "http://evil.example/rest/v1/x", nil, nil)
	assert.Error(t, err)
}

// realtimeServer acknowledges joins and pushes one change per join.
func realtimeServer(t *testing.T, change string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var msg map[string]any
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			if msg["event"] != "phx_join" {
				continue
			}
			topic, ref := msg["topic"], msg["ref"]
			cfg := msg["payload"].(map[string]any)["config"].(map[string]any)["postgres_changes"].([]any)[0].(map[string]any)
			if cfg["table"] != "evidence" {
				_ = conn.WriteJSON(map[string]any{"topic": topic, "event": "phx_reply", "ref": ref,
					"payload": map[string]any{"status": "error", "response": map[string]any{"reason": "unknown table"}}})
				continue
			}
			_ = conn.WriteJSON(map[string]any{"topic": topic, "event": "phx_reply", "ref": ref,
				"payload": map[string]any{"status": "ok", "response": map[string]any{}}})
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"topic":"`+topic.(string)+`","event":"postgres_changes","payload":{"data":`+change+`}}`))
		}
	}))
}

func TestRealtimePostgresChanges(t *testing.T) {
	server := realtimeServer(t, `{"type":"UPDATE","schema":"public","table":"evidence","commit_timestamp":"2024-05-01T12:00:00.5Z","record":{"id":"ev-1","status":"verified"},"old_record":{"id":"ev-1"}}`)
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rt, err := DialRealtime(ctx, "ws"+strings.TrimPrefix(server.URL, "http"), time.Hour)
	require.NoError(t, err)
	defer rt.Close()

	changes := make(chan Change, 1)
	ch, err := rt.SubscribePostgresChanges(ctx, PostgresChangesConfig{Table: "evidence", Filter: "user_id=eq.u1"}, func(c Change) { changes <- c })
	require.NoError(t, err)
	assert.Equal(t, "realtime:public:evidence:user_id=eq.u1", ch.Topic())

	select {
	case c := <-changes:
		assert.Equal(t, ChangeUpdate, c.Type)
		assert.Equal(t, "evidence", c.Table)
		assert.JSONEq(t, `{"id":"ev-1","status":"verified"}`, string(c.Record))
		assert.Equal(t, 500*time.Millisecond, time.Duration(c.CommitAt.Nanosecond()))
	case <-ctx.Done():
		t.Fatal("change not delivered")
	}

	_, err = rt.SubscribePostgresChanges(ctx, PostgresChangesConfig{Table: "evidence", Filter: "user_id=eq.u1"}, nil)
	assert.Error(t, err, "duplicate topic")

	_, err = rt.SubscribePostgresChanges(ctx, PostgresChangesConfig{Table: "nope"}, nil)
	assert.ErrorContains(t, err, "unknown table")

	require.NoError(t, ch.Unsubscribe())
	require.NoError(t, rt.Close())
	<-rt.Done()
	assert.NoError(t, rt.Err())
}
