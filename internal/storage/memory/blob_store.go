// Package memory provides an in-memory artifact store for tests and local
// development.
package memory

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/ajmather/captureq/internal/capture"
)

// BlobStore keeps artifacts in a map. Download URLs are fake but carry the
// same query-string expiry shape as presigned S3 URLs.
type BlobStore struct {
	mu     sync.Mutex
	blobs  map[string][]byte
	clock  capture.Clock
	urlTTL time.Duration
}

// NewBlobStore returns an empty store whose URLs expire after ttl.
func NewBlobStore(clock capture.Clock, ttl time.Duration) *BlobStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &BlobStore{
		blobs:  make(map[string][]byte),
		clock:  clock,
		urlTTL: ttl,
	}
}

// Save reads the artifact into memory and returns its key.
func (b *BlobStore) Save(_ context.Context, name string, r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("memory blob store: read %q: %w", name, err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.blobs[name] = data
	return name, nil
}

// URL returns a fake signed URL whose X-Amz-Date and X-Amz-Expires
// parameters encode the expiration.
func (b *BlobStore) URL(_ context.Context, name string) (string, error) {
	b.mu.Lock()
	_, ok := b.blobs[name]
	b.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("memory blob store: no blob named %q", name)
	}
	now := b.clock.Now().UTC()
	return "https://storage.invalid/" + name +
		"?X-Amz-Date=" + now.Format("20060102T150405Z") +
		"&X-Amz-Expires=" + strconv.Itoa(int(b.urlTTL.Seconds())), nil
}

// Get returns a stored artifact's bytes, for assertions in tests.
func (b *BlobStore) Get(name string) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.blobs[name]
	return data, ok
}
