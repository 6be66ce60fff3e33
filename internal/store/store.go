// Package store provides the credential storage backends of the session daemon.
// Every backend implements session.Storage: batched get, set and remove of named
// string slots, each call applied atomically.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/keyward/sessiond/internal/config"
	"github.com/keyward/sessiond/sdk/session"
	log "github.com/sirupsen/logrus"
)

const defaultFileName = "session.json"

// Backend is a session.Storage with a lifecycle.
type Backend interface {
	session.Storage
	// Name identifies the backend in logs.
	Name() string
	// Close releases connections held by the backend.
	Close() error
}

// document is the slot map persisted by the single-blob backends.
type document map[string]string

func (d document) pick(keys []string) map[string]string {
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		if v, ok := d[k]; ok {
			out[k] = v
		}
	}
	return out
}

func (d document) apply(items map[string]string) {
	for k, v := range items {
		d[k] = v
	}
}

func (d document) remove(keys []string) bool {
	changed := false
	for _, k := range keys {
		if _, ok := d[k]; ok {
			delete(d, k)
			changed = true
		}
	}
	return changed
}

func encodeDocument(sealer *Sealer, doc document) ([]byte, error) {
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("store: marshal document: %w", err)
	}
	return sealer.Seal(raw)
}

func decodeDocument(sealer *Sealer, data []byte) (document, error) {
	doc := make(document)
	if len(strings.TrimSpace(string(data))) == 0 {
		return doc, nil
	}
	plain, err := sealer.Open(data)
	if err != nil {
		return nil, err
	}
	if err = json.Unmarshal(plain, &doc); err != nil {
		return nil, fmt.Errorf("store: unmarshal document: %w", err)
	}
	return doc, nil
}

// Open builds the backend selected by cfg.Store.Type.
func Open(ctx context.Context, cfg *config.Config, authDir string) (Backend, error) {
	sealer, err := NewSealer(cfg.SealKey)
	if err != nil {
		return nil, err
	}
	if sealer == nil && cfg.Store.Type != config.StoreMemory {
		log.Warn("store: no seal key configured, credentials are persisted unencrypted")
	}

	switch cfg.Store.Type {
	case config.StoreMemory:
		return NewMemoryStore(), nil
	case config.StorePostgres:
		pg := cfg.Store.Postgres
		backend, errOpen := NewPostgresStore(ctx, PostgresStoreConfig{
			DSN:       pg.DSN,
			Schema:    pg.Schema,
			Table:     pg.Table,
			Namespace: pg.Namespace,
		}, sealer)
		if errOpen != nil {
			return nil, errOpen
		}
		if errSchema := backend.EnsureSchema(ctx); errSchema != nil {
			_ = backend.Close()
			return nil, errSchema
		}
		return backend, nil
	case config.StoreObject:
		obj := cfg.Store.Object
		backend, errOpen := NewObjectStore(ObjectStoreConfig{
			Endpoint:  obj.Endpoint,
			Bucket:    obj.Bucket,
			AccessKey: obj.AccessKey,
			SecretKey: obj.SecretKey,
			Region:    obj.Region,
			Prefix:    obj.Prefix,
			UseSSL:    obj.UseSSL,
			PathStyle: obj.PathStyle,
		}, sealer)
		if errOpen != nil {
			return nil, errOpen
		}
		if errBucket := backend.EnsureBucket(ctx); errBucket != nil {
			return nil, errBucket
		}
		return backend, nil
	case config.StoreGit:
		g := cfg.Store.Git
		localDir := g.LocalDir
		if localDir == "" {
			localDir = filepath.Join(authDir, "gitstore")
		}
		backend := NewGitStore(GitStoreConfig{
			Remote:   g.Remote,
			Username: g.Username,
			Password: g.Password,
			RepoDir:  localDir,
		}, sealer)
		if errRepo := backend.EnsureRepository(); errRepo != nil {
			return nil, errRepo
		}
		return backend, nil
	case config.StoreFile, "":
		return NewFileStore(filepath.Join(authDir, defaultFileName), sealer)
	default:
		return nil, fmt.Errorf("store: unknown type %q", cfg.Store.Type)
	}
}
