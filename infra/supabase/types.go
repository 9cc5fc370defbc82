// Package supabase is a small Supabase client covering what the evidence
// services use: PostgREST queries, Storage uploads and signed URLs, and
// Realtime postgres_changes subscriptions.
package supabase

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// =============================================================================
// Configuration
// =============================================================================

// Config holds Supabase client configuration.
type Config struct {
	// URL is the project URL, e.g. https://xxx.supabase.co
	URL string

	// ServiceKey is the service role key. It bypasses row level security, so
	// the client must only run server side.
	ServiceKey string

	// Timeout for a single HTTP attempt
	Timeout time.Duration

	Retry          RetryConfig
	CircuitBreaker CircuitBreakerConfig

	// DisableResilience sends each request once, without the breaker
	DisableResilience bool

	// HTTPClient overrides the base client (tests)
	HTTPClient *http.Client
}

// =============================================================================
// Database Types
// =============================================================================

// FilterOperator for query filters.
type FilterOperator string

const (
	OpEq  FilterOperator = "eq"
	OpNeq FilterOperator = "neq"
	OpGt  FilterOperator = "gt"
	OpGte FilterOperator = "gte"
	OpLt  FilterOperator = "lt"
	OpLte FilterOperator = "lte"
	OpIs  FilterOperator = "is"
)

// OrderDirection for sorting.
type OrderDirection string

const (
	OrderAsc  OrderDirection = "asc"
	OrderDesc OrderDirection = "desc"
)

// =============================================================================
// Storage Types
// =============================================================================

// UploadOptions for file uploads.
type UploadOptions struct {
	ContentType  string
	CacheControl string
	Upsert       bool
}

// =============================================================================
// Realtime Types
// =============================================================================

// ChangeType is the kind of row change.
type ChangeType string

const (
	ChangeInsert ChangeType = "INSERT"
	ChangeUpdate ChangeType = "UPDATE"
	ChangeDelete ChangeType = "DELETE"
	ChangeAll    ChangeType = "*"
)

// PostgresChangesConfig selects the changes a channel receives.
type PostgresChangesConfig struct {
	Event  ChangeType
	Schema string
	Table  string
	Filter string // optional, e.g. "user_id=eq.42"
}

// Change is one postgres_changes message.
type Change struct {
	Type      ChangeType
	Schema    string
	Table     string
	Record    []byte // JSON of the new row, empty on DELETE
	OldRecord []byte // JSON of the old row (primary key only unless REPLICA IDENTITY FULL)
	CommitAt  time.Time
}

// =============================================================================
// Error Types
// =============================================================================

// Error represents a Supabase API error.
type Error struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Details    string `json:"details,omitempty"`
	Hint       string `json:"hint,omitempty"`
	StatusCode int    `json:"status_code"`
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	if e.Details != "" {
		msg += ": " + e.Details
	}
	return fmt.Sprintf("supabase %d: %s", e.StatusCode, msg)
}

// Is lets errors.Is match on status code via the sentinels below.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == "" && t.StatusCode == e.StatusCode
}

// Sentinels for errors.Is.
var (
	ErrUnauthorized = &Error{StatusCode: http.StatusUnauthorized}
	ErrNotFound     = &Error{StatusCode: http.StatusNotFound}
	ErrConflict     = &Error{StatusCode: http.StatusConflict}
)

// PostgREST error code returned by Single() when no row matches.
const CodeNoRows = "PGRST116"

// IsStatus reports whether err is a Supabase error with the given HTTP status.
func IsStatus(err error, code int) bool {
	var e *Error
	return errors.As(err, &e) && e.StatusCode == code
}
