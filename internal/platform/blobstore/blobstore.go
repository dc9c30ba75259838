// Package blobstore stores tree snapshots as opaque objects, in memory or in
// S3, and exports and restores tree subtrees through them.
package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	ErrBlobNotFound   = errors.New("blob not found")
	ErrBlobTooLarge   = errors.New("blob exceeds maximum allowed size")
	ErrMissingBlobKey = errors.New("blob key is required")
)

// MaxBlobSize is the largest accepted object (100 MB).
const MaxBlobSize = 100 * 1024 * 1024

// Object describes a stored blob.
type Object struct {
	Key         string    `json:"key"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	Hash        string    `json:"hash,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// BlobStore is the contract for blob storage backends. List returns objects
// ordered by key.
type BlobStore interface {
	Put(ctx context.Context, key, contentType string, content io.Reader) (*Object, error)
	Get(ctx context.Context, key string) ([]byte, *Object, error)
	List(ctx context.Context, prefix string) ([]*Object, error)
	Delete(ctx context.Context, key string) error
}

// readBlob reads at most MaxBlobSize bytes and returns the content with its
// hex SHA-256.
func readBlob(content io.Reader) ([]byte, string, error) {
	data, err := io.ReadAll(io.LimitReader(content, MaxBlobSize+1))
	if err != nil {
		return nil, "", fmt.Errorf("reading content: %w", err)
	}
	if int64(len(data)) > MaxBlobSize {
		return nil, "", ErrBlobTooLarge
	}
	h := sha256.Sum256(data)
	return data, hex.EncodeToString(h[:]), nil
}

// ---------------------------------------------------------------------------
// In-memory implementation
// ---------------------------------------------------------------------------

type storedBlob struct {
	object  Object
	content []byte
}

// InMemoryBlobStore is a thread-safe BlobStore for tests and development.
type InMemoryBlobStore struct {
	mu    sync.RWMutex
	blobs map[string]*storedBlob
	now   func() time.Time
}

func NewInMemoryBlobStore() *InMemoryBlobStore {
	return &InMemoryBlobStore{
		blobs: make(map[string]*storedBlob),
		now:   time.Now,
	}
}

func (s *InMemoryBlobStore) Put(_ context.Context, key, contentType string, content io.Reader) (*Object, error) {
	if key == "" {
		return nil, ErrMissingBlobKey
	}
	data, hash, err := readBlob(content)
	if err != nil {
		return nil, err
	}
	obj := Object{
		Key:         key,
		ContentType: contentType,
		Size:        int64(len(data)),
		Hash:        hash,
		CreatedAt:   s.now().UTC(),
	}

	s.mu.Lock()
	s.blobs[key] = &storedBlob{object: obj, content: data}
	s.mu.Unlock()

	return &obj, nil
}

func (s *InMemoryBlobStore) Get(_ context.Context, key string) ([]byte, *Object, error) {
	s.mu.RLock()
	blob, ok := s.blobs[key]
	s.mu.RUnlock()
	if !ok {
		return nil, nil, ErrBlobNotFound
	}
	obj := blob.object
	return bytes.Clone(blob.content), &obj, nil
}

func (s *InMemoryBlobStore) List(_ context.Context, prefix string) ([]*Object, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Object
	for key, blob := range s.blobs {
		if strings.HasPrefix(key, prefix) {
			obj := blob.object
			out = append(out, &obj)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *InMemoryBlobStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[key]; !ok {
		return ErrBlobNotFound
	}
	delete(s.blobs, key)
	return nil
}
