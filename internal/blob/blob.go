// Package blob stores uploaded evidence files and hands out time-limited
// download links.
package blob

import (
	"context"
	"errors"
	"io"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultURLExpiry is used when SignedURL is called with a zero ttl.
const DefaultURLExpiry = 15 * time.Minute

var (
	ErrNotFound    = errors.New("blob not found")
	ErrInvalidPath = errors.New("invalid blob path")
)

// Store puts files and signs download URLs for them.
type Store interface {
	Put(ctx context.Context, objectPath string, r io.Reader, size int64, contentType string) error
	SignedURL(ctx context.Context, objectPath string, ttl time.Duration) (string, error)
	// Delete removes an object. A missing object is not an error.
	Delete(ctx context.Context, objectPath string) error
}

// ObjectPath builds {user}/{uuid}-{name} with both components sanitized so
// the result is a safe, collision-free object key.
func ObjectPath(userID, fileName string) string {
	user := sanitize(userID)
	if user == "" {
		user = "anonymous"
	}
	name := sanitize(path.Base(strings.ReplaceAll(fileName, "\\", "/")))
	if name == "" || name == "." {
		name = "file"
	}
	return user + "/" + uuid.NewString() + "-" + name
}

// sanitize keeps letters, digits, dot, hyphen and underscore; anything else
// becomes an underscore. Leading dots are stripped.
func sanitize(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := strings.TrimLeft(b.String(), ".")
	if len(out) > 200 {
		out = out[len(out)-200:]
	}
	return out
}

func validPath(objectPath string) bool {
	if objectPath == "" || strings.HasPrefix(objectPath, "/") {
		return false
	}
	for _, seg := range strings.Split(objectPath, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return false
		}
	}
	return true
}

func expiry(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return DefaultURLExpiry
	}
	return ttl
}
