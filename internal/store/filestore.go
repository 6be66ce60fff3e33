package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
)

// FileStore persists slots as one JSON document on disk, optionally sealed.
// Writes go through a temp file and rename so readers never see a partial document.
// The file is removed once its last slot is removed.
type FileStore struct {
	mu     sync.Mutex
	path   string
	sealer *Sealer
}

// NewFileStore creates a file backend at path. The parent directory is created if needed.
func NewFileStore(path string, sealer *Sealer) (*FileStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("file store: path is required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("file store: resolve path: %w", err)
	}
	if err = os.MkdirAll(filepath.Dir(abs), 0o700); err != nil {
		return nil, fmt.Errorf("file store: create directory: %w", err)
	}
	return &FileStore{path: abs, sealer: sealer}, nil
}

func (s *FileStore) Name() string { return "file" }

// Path returns the credential file location.
func (s *FileStore) Path() string { return s.path }

func (s *FileStore) Close() error { return nil }

func (s *FileStore) Get(_ context.Context, keys ...string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.readLocked()
	if err != nil {
		return nil, err
	}
	return doc.pick(keys), nil
}

func (s *FileStore) Set(_ context.Context, items map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.readLocked()
	if err != nil {
		return err
	}
	doc.apply(items)
	return s.writeLocked(doc)
}

func (s *FileStore) Remove(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.readLocked()
	if err != nil {
		return err
	}
	if !doc.remove(keys) {
		return nil
	}
	if len(doc) == 0 {
		if errRemove := os.Remove(s.path); errRemove != nil && !errors.Is(errRemove, fs.ErrNotExist) {
			return fmt.Errorf("file store: remove %s: %w", s.path, errRemove)
		}
		return nil
	}
	return s.writeLocked(doc)
}

func (s *FileStore) readLocked() (document, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return make(document), nil
		}
		return nil, fmt.Errorf("file store: read %s: %w", s.path, err)
	}
	doc, err := decodeDocument(s.sealer, data)
	if err != nil {
		return nil, fmt.Errorf("file store: %w", err)
	}
	return doc, nil
}

func (s *FileStore) writeLocked(doc document) error {
	data, err := encodeDocument(s.sealer, doc)
	if err != nil {
		return fmt.Errorf("file store: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".session-*.tmp")
	if err != nil {
		return fmt.Errorf("file store: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		if errRemove := os.Remove(tmpName); errRemove != nil && !errors.Is(errRemove, fs.ErrNotExist) {
			log.WithError(errRemove).Debug("file store: remove temp file")
		}
	}
	if err = tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("file store: chmod temp file: %w", err)
	}
	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("file store: write temp file: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("file store: sync temp file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("file store: close temp file: %w", err)
	}
	if err = os.Rename(tmpName, s.path); err != nil {
		cleanup()
		return fmt.Errorf("file store: replace %s: %w", s.path, err)
	}
	return nil
}
