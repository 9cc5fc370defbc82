package supabase

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// StorageClient talks to Supabase Storage.
type StorageClient struct {
	client *Client
}

func objectURL(base, kind, bucket, path string) string {
	segments := strings.Split(strings.TrimLeft(path, "/"), "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return base + "/object/" + kind + url.PathEscape(bucket) + "/" + strings.Join(segments, "/")
}

// Upload stores data at bucket/path.
func (s *StorageClient) Upload(ctx context.Context, bucket, path string, data io.Reader, opts UploadOptions) error {
	headers := map[string]string{}
	if opts.ContentType != "" {
		headers["Content-Type"] = opts.ContentType
	} else {
		headers["Content-Type"] = "application/octet-stream"
	}
	if opts.CacheControl != "" {
		headers["Cache-Control"] = opts.CacheControl
	}
	if opts.Upsert {
		headers["x-upsert"] = "true"
	}

	body, status, err := s.client.request(ctx, http.MethodPost, objectURL(s.client.storageURL, "", bucket, path), data, headers)
	if err != nil {
		return err
	}
	if status >= 400 {
		return parseError(body, status)
	}
	return nil
}

// CreateSignedURL returns a time-limited download URL for bucket/path.
func (s *StorageClient) CreateSignedURL(ctx context.Context, bucket, path string, expiresIn time.Duration) (string, error) {
	payload, err := json.Marshal(map[string]int{"expiresIn": int(expiresIn.Seconds())})
	if err != nil {
		return "", err
	}

	body, err := s.client.requestJSON(ctx, http.MethodPost, objectURL(s.client.storageURL, "sign/", bucket, path), payload, nil)
	if err != nil {
		return "", err
	}

	var resp struct {
		SignedURL string `json:"signedURL"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decode signed url: %w", err)
	}
	if resp.SignedURL == "" {
		return "", fmt.Errorf("signed url missing from response")
	}
	if strings.HasPrefix(resp.SignedURL, "http") {
		return resp.SignedURL, nil
	}
	return s.client.storageURL + "/" + strings.TrimLeft(resp.SignedURL, "/"), nil
}

// Remove deletes objects from bucket.
func (s *StorageClient) Remove(ctx context.Context, bucket string, paths []string) error {
	payload, err := json.Marshal(map[string][]string{"prefixes": paths})
	if err != nil {
		return err
	}
	_, err = s.client.requestJSON(ctx, http.MethodDelete, s.client.storageURL+"/object/"+url.PathEscape(bucket), payload, nil)
	return err
}
