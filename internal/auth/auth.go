// Package auth verifies Supabase-issued access tokens and carries the
// authenticated user through request contexts.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/R3E-Network/evidence_layer/pkg/logger"
)

const (
	RoleAuthenticated = "authenticated"
	RoleAdmin         = "admin"
)

var (
	ErrUnauthenticated = errors.New("authentication required")
	ErrInvalidToken    = errors.New("invalid token")
	ErrForbidden       = errors.New("forbidden")
)

// User is the caller identity.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
	Role  string `json:"role"`
}

// IsAdmin reports whether the user carries the admin role.
func (u User) IsAdmin() bool { return u.Role == RoleAdmin }

// Claims are the Supabase access token claims we read. The admin role lives
// in app_metadata because only the service key can write it.
type Claims struct {
	Email       string `json:"email,omitempty"`
	Role        string `json:"role,omitempty"`
	AppMetadata struct {
		Role string `json:"role,omitempty"`
	} `json:"app_metadata"`
	jwt.RegisteredClaims
}

// Authenticator verifies HS256 tokens signed with the project's JWT secret.
type Authenticator struct {
	secret   []byte
	audience string
	leeway   time.Duration
	admins   map[string]struct{}
}

// NewAuthenticator returns an Authenticator. audience may be empty to skip
// the aud check.
func NewAuthenticator(secret, audience string) (*Authenticator, error) {
	if secret == "" {
		return nil, fmt.Errorf("jwt secret is required")
	}
	return &Authenticator{secret: []byte(secret), audience: audience, leeway: 30 * time.Second}, nil
}

// SetAdmins grants the admin role to a comma separated list of user ids,
// whatever their token says.
func (a *Authenticator) SetAdmins(csv string) {
	a.admins = ParseCSVSet(csv)
}

// ParseCSVSet splits raw on commas, dropping blanks.
func ParseCSVSet(raw string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out[trimmed] = struct{}{}
		}
	}
	return out
}

// Verify parses a bearer token into a User.
func (a *Authenticator) Verify(token string) (User, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(a.leeway),
		jwt.WithExpirationRequired(),
	}
	if a.audience != "" {
		opts = append(opts, jwt.WithAudience(a.audience))
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return User{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !parsed.Valid || strings.TrimSpace(claims.Subject) == "" {
		return User{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	role := claims.Role
	if claims.AppMetadata.Role != "" {
		role = claims.AppMetadata.Role
	}
	if role == "" {
		role = RoleAuthenticated
	}
	if _, ok := a.admins[claims.Subject]; ok {
		role = RoleAdmin
	}
	return User{ID: claims.Subject, Email: claims.Email, Role: role}, nil
}

// Issue signs a token for u, valid for ttl. Used by tooling and tests.
func (a *Authenticator) Issue(u User, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Email: u.Email,
		Role:  RoleAuthenticated,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if a.audience != "" {
		claims.Audience = jwt.ClaimStrings{a.audience}
	}
	if u.Role != "" && u.Role != RoleAuthenticated {
		claims.AppMetadata.Role = u.Role
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

type ctxKey struct{}

// WithUser stores u in ctx, along with its id for log correlation.
func WithUser(ctx context.Context, u User) context.Context {
	ctx = logger.WithUserID(ctx, u.ID)
	return context.WithValue(ctx, ctxKey{}, u)
}

// FromContext returns the authenticated user.
func FromContext(ctx context.Context) (User, bool) {
	u, ok := ctx.Value(ctxKey{}).(User)
	return u, ok && u.ID != ""
}

// Require returns the user or ErrUnauthenticated.
func Require(ctx context.Context) (User, error) {
	u, ok := FromContext(ctx)
	if !ok {
		return User{}, ErrUnauthenticated
	}
	return u, nil
}
