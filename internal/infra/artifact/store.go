package artifact

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"cloud.google.com/go/storage"
)

// ErrArtifactNotFound is returned when no artifact exists under a key.
var ErrArtifactNotFound = errors.New("artifact not found")

// Store persists rendered artifacts and returns a reference a client can
// resolve later.
type Store interface {
	Put(ctx context.Context, a Artifact) (ref string, err error)
}

var (
	_ Store = (*FileStore)(nil)
	_ Store = (*GCSStore)(nil)
	_ Store = (*MemoryStore)(nil)
)

// FileStore writes artifacts below a root directory.
type FileStore struct{ root string }

// NewFileStore creates the root directory if needed.
func NewFileStore(root string) (*FileStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating artifact root %s: %w", root, err)
	}
	return &FileStore{root: root}, nil
}

// Put writes the artifact atomically via a temp file and rename.
func (s *FileStore) Put(ctx context.Context, a Artifact) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	path := filepath.Join(s.root, filepath.FromSlash(a.Key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".artifact-*")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(a.Data); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", err
	}
	return "file://" + filepath.ToSlash(path), nil
}

// GCSStore uploads artifacts to a Cloud Storage bucket.
type GCSStore struct {
	client *storage.Client
	bucket string
}

// NewGCSStore wraps an existing storage client.
func NewGCSStore(client *storage.Client, bucket string) (*GCSStore, error) {
	if bucket == "" {
		return nil, errors.New("gcs bucket is required")
	}
	return &GCSStore{client: client, bucket: bucket}, nil
}

// Put uploads the artifact and returns its gs:// url.
func (s *GCSStore) Put(ctx context.Context, a Artifact) (string, error) {
	w := s.client.Bucket(s.bucket).Object(a.Key).NewWriter(ctx)
	w.ContentType = a.ContentType

	if _, err := w.Write(a.Data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("uploading %s: %w", a.Key, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finalizing upload %s: %w", a.Key, err)
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, a.Key), nil
}

// MemoryStore keeps artifacts in memory. It can be told to fail for tests.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]Artifact
	puts    int
	failErr error
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]Artifact)}
}

// FailWith makes subsequent Put calls return err. A nil err clears it.
func (s *MemoryStore) FailWith(err error) {
	s.mu.Lock()
	s.failErr = err
	s.mu.Unlock()
}

func (s *MemoryStore) Put(ctx context.Context, a Artifact) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return "", s.failErr
	}
	s.objects[a.Key] = a
	s.puts++
	return "mem://" + a.Key, nil
}

// Get returns a stored artifact.
func (s *MemoryStore) Get(key string) (Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.objects[key]
	if !ok {
		return Artifact{}, ErrArtifactNotFound
	}
	return a, nil
}

// Puts returns the number of successful writes.
func (s *MemoryStore) Puts() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.puts
}
