package blob

import (
	"context"
	"fmt"
	"io"
	"time"

	supa "github.com/R3E-Network/evidence_layer/infra/supabase"
)

// DefaultBucket is the Supabase Storage bucket for evidence files.
const DefaultBucket = "evidence-files"

// SupabaseStore is a Store on Supabase Storage.
type SupabaseStore struct {
	storage *supa.StorageClient
	bucket  string
}

var _ Store = (*SupabaseStore)(nil)

// NewSupabaseStore stores into bucket (DefaultBucket if empty).
func NewSupabaseStore(client *supa.Client, bucket string) *SupabaseStore {
	if bucket == "" {
		bucket = DefaultBucket
	}
	return &SupabaseStore{storage: client.Storage(), bucket: bucket}
}

func (s *SupabaseStore) Put(ctx context.Context, objectPath string, r io.Reader, _ int64, contentType string) error {
	if !validPath(objectPath) {
		return fmt.Errorf("%w: %q", ErrInvalidPath, objectPath)
	}
	if err := s.storage.Upload(ctx, s.bucket, objectPath, r, supa.UploadOptions{ContentType: contentType}); err != nil {
		return fmt.Errorf("upload %s: %w", objectPath, err)
	}
	return nil
}

func (s *SupabaseStore) SignedURL(ctx context.Context, objectPath string, ttl time.Duration) (string, error) {
	if !validPath(objectPath) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, objectPath)
	}
	u, err := s.storage.CreateSignedURL(ctx, s.bucket, objectPath, expiry(ttl))
	if err != nil {
		if isNotFound(err) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, objectPath)
		}
		return "", fmt.Errorf("sign %s: %w", objectPath, err)
	}
	return u, nil
}

func (s *SupabaseStore) Delete(ctx context.Context, objectPath string) error {
	if !validPath(objectPath) {
		return fmt.Errorf("%w: %q", ErrInvalidPath, objectPath)
	}
	if err := s.storage.Remove(ctx, s.bucket, []string{objectPath}); err != nil && !isNotFound(err) {
		return fmt.Errorf("remove %s: %w", objectPath, err)
	}
	return nil
}

func isNotFound(err error) bool {
	return supa.IsStatus(err, 404) || supa.IsStatus(err, 400)
}
