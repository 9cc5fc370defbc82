package supabase

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

// DatabaseClient issues PostgREST queries.
type DatabaseClient struct {
	client *Client
}

// From starts a query against table.
func (d *DatabaseClient) From(table string) *QueryBuilder {
	return &QueryBuilder{client: d.client, table: table, params: url.Values{}}
}

// QueryBuilder builds a PostgREST request. Values are URL-escaped when the
// request is built, so callers pass them raw.
type QueryBuilder struct {
	client *Client
	table  string
	params url.Values
	single bool
}

// Select sets the returned columns ("*" when unset).
func (q *QueryBuilder) Select(columns string) *QueryBuilder {
	q.params.Set("select", columns)
	return q
}

// Filter adds column=op.value.
func (q *QueryBuilder) Filter(column string, op FilterOperator, value string) *QueryBuilder {
	q.params.Add(column, string(op)+"."+value)
	return q
}

func (q *QueryBuilder) Eq(column, value string) *QueryBuilder  { return q.Filter(column, OpEq, value) }
func (q *QueryBuilder) Neq(column, value string) *QueryBuilder { return q.Filter(column, OpNeq, value) }
func (q *QueryBuilder) Lt(column, value string) *QueryBuilder  { return q.Filter(column, OpLt, value) }

// Is filters on null/true/false.
func (q *QueryBuilder) Is(column, value string) *QueryBuilder { return q.Filter(column, OpIs, value) }

// Order appends a sort key.
func (q *QueryBuilder) Order(column string, dir OrderDirection) *QueryBuilder {
	key := column + "." + string(dir)
	if existing := q.params.Get("order"); existing != "" {
		key = existing + "," + key
	}
	q.params.Set("order", key)
	return q
}

func (q *QueryBuilder) Limit(n int) *QueryBuilder {
	if n > 0 {
		q.params.Set("limit", strconv.Itoa(n))
	}
	return q
}

func (q *QueryBuilder) Offset(n int) *QueryBuilder {
	if n > 0 {
		q.params.Set("offset", strconv.Itoa(n))
	}
	return q
}

// Single asks for exactly one object instead of an array. PostgREST answers
// 406 with code PGRST116 when no row matches.
func (q *QueryBuilder) Single() *QueryBuilder {
	q.single = true
	return q
}

func (q *QueryBuilder) buildURL() string {
	u := q.client.restURL + "/" + url.PathEscape(q.table)
	if len(q.params) > 0 {
		u += "?" + q.params.Encode()
	}
	return u
}

func (q *QueryBuilder) headers(prefer string) map[string]string {
	h := map[string]string{}
	if prefer != "" {
		h["Prefer"] = prefer
	}
	if q.single {
		h["Accept"] = "application/vnd.pgrst.object+json"
	}
	return h
}

// Execute runs a SELECT and returns the raw JSON.
func (q *QueryBuilder) Execute(ctx context.Context) ([]byte, error) {
	if q.params.Get("select") == "" {
		q.params.Set("select", "*")
	}
	return q.client.requestJSON(ctx, http.MethodGet, q.buildURL(), nil, q.headers(""))
}

// ExecuteInto runs a SELECT and decodes into dest.
func (q *QueryBuilder) ExecuteInto(ctx context.Context, dest interface{}) error {
	body, err := q.Execute(ctx)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, dest); err != nil {
		return fmt.Errorf("decode %s rows: %w", q.table, err)
	}
	return nil
}

// Insert inserts row (an object or slice) and returns the inserted rows.
func (q *QueryBuilder) Insert(ctx context.Context, row interface{}) ([]byte, error) {
	return q.write(ctx, http.MethodPost, row, "return=representation")
}

// Upsert inserts row, merging on the onConflict columns.
func (q *QueryBuilder) Upsert(ctx context.Context, row interface{}, onConflict string) ([]byte, error) {
	if onConflict != "" {
		q.params.Set("on_conflict", onConflict)
	}
	return q.write(ctx, http.MethodPost, row, "resolution=merge-duplicates,return=representation")
}

// Update patches the rows matched by the filters and returns them. An empty
// array means nothing matched.
func (q *QueryBuilder) Update(ctx context.Context, patch interface{}) ([]byte, error) {
	if len(q.params) == 0 {
		return nil, fmt.Errorf("update on %s without filters", q.table)
	}
	return q.write(ctx, http.MethodPatch, patch, "return=representation")
}

func (q *QueryBuilder) write(ctx context.Context, method string, body interface{}, prefer string) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", q.table, err)
	}
	return q.client.requestJSON(ctx, method, q.buildURL(), payload, q.headers(prefer))
}
