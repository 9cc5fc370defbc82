package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"sync"
	"time"
)

// MemoryStore keeps objects in memory. Signed URLs use the memory:// scheme.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]memoryObject
	now     func() time.Time
}

type memoryObject struct {
	data        []byte
	contentType string
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]memoryObject), now: time.Now}
}

func (m *MemoryStore) Put(_ context.Context, objectPath string, r io.Reader, _ int64, contentType string) error {
	if !validPath(objectPath) {
		return fmt.Errorf("%w: %q", ErrInvalidPath, objectPath)
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return fmt.Errorf("read %s: %w", objectPath, err)
	}
	m.mu.Lock()
	m.objects[objectPath] = memoryObject{data: buf.Bytes(), contentType: contentType}
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) SignedURL(_ context.Context, objectPath string, ttl time.Duration) (string, error) {
	m.mu.RLock()
	_, ok := m.objects[objectPath]
	m.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, objectPath)
	}
	q := url.Values{}
	q.Set("expires", m.now().Add(expiry(ttl)).UTC().Format(time.RFC3339))
	return "memory://" + (&url.URL{Path: objectPath}).EscapedPath() + "?" + q.Encode(), nil
}

func (m *MemoryStore) Delete(_ context.Context, objectPath string) error {
	m.mu.Lock()
	delete(m.objects, objectPath)
	m.mu.Unlock()
	return nil
}

// Get returns a stored object's bytes.
func (m *MemoryStore) Get(objectPath string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[objectPath]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), obj.data...), true
}

// Len reports how many objects are stored.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}
