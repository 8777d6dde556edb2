// Package docstore abstracts the physical storage uploaded documents live in.
// The pipeline only ever reads document bytes; ownership stays with the
// uploading side.
package docstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

var (
	// ErrNotFound means no document exists under the given identifier.
	ErrNotFound = errors.New("document not found")
	// ErrUnavailable means the backing storage could not be reached.
	ErrUnavailable = errors.New("document store unavailable")
)

// Blob is a raw document as stored: immutable bytes plus the declared media type.
type Blob struct {
	ID        string
	MediaType string
	Data      []byte
}

// Store retrieves raw document bytes by identifier.
type Store interface {
	Fetch(ctx context.Context, documentID string) (Blob, error)
}

// FSStore serves documents from a flat directory; the file name is the
// document identifier and the extension declares the media type.
type FSStore struct {
	dir string
}

// NewFSStore opens a filesystem-backed store rooted at dir.
func NewFSStore(dir string) (*FSStore, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrUnavailable, dir)
	}
	return &FSStore{dir: dir}, nil
}

func (s *FSStore) Fetch(ctx context.Context, documentID string) (Blob, error) {
	if err := ctx.Err(); err != nil {
		return Blob{}, err
	}
	// reject path escapes; identifiers are plain file names
	if documentID != filepath.Base(documentID) {
		return Blob{}, fmt.Errorf("%w: %s", ErrNotFound, documentID)
	}
	data, err := os.ReadFile(filepath.Join(s.dir, documentID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Blob{}, fmt.Errorf("%w: %s", ErrNotFound, documentID)
		}
		return Blob{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return Blob{ID: documentID, MediaType: MediaTypeForName(documentID), Data: data}, nil
}

// MediaTypeForName maps a file extension to the declared media type.
func MediaTypeForName(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".pdf":
		return "application/pdf"
	case ".html", ".htm":
		return "text/html"
	case ".md":
		return "text/markdown"
	case ".txt", "":
		return "text/plain"
	default:
		return "application/octet-stream"
	}
}

// MemStore is an in-memory store used by tests and demos.
type MemStore struct {
	mu    sync.RWMutex
	blobs map[string]Blob
}

func NewMemStore() *MemStore {
	return &MemStore{blobs: make(map[string]Blob)}
}

// Put registers a document under its identifier.
func (s *MemStore) Put(b Blob) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[b.ID] = b
}

func (s *MemStore) Fetch(ctx context.Context, documentID string) (Blob, error) {
	if err := ctx.Err(); err != nil {
		return Blob{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blobs[documentID]
	if !ok {
		return Blob{}, fmt.Errorf("%w: %s", ErrNotFound, documentID)
	}
	return b, nil
}
