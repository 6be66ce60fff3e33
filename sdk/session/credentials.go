// Package session owns the lifecycle of the worker's authenticated session.
// It coordinates initialization, persists credentials across restarts, tracks the
// local lock gate and consumes session forks handed off by the companion web app.
package session

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Storage slot names used by CredentialStore.
const (
	KeySessionID    = "sessionId"
	KeyAccessToken  = "accessToken"
	KeyRefreshToken = "refreshToken"
	KeyDerivedKey   = "derivedKey"
)

var credentialKeys = []string{KeySessionID, KeyAccessToken, KeyRefreshToken, KeyDerivedKey}

// Credentials are the four fields that make up a usable session.
type Credentials struct {
	// SessionID identifies the remote session (sent as the UID header).
	SessionID string `json:"session_id"`
	// AccessToken authenticates API calls for the session.
	AccessToken string `json:"-"`
	// RefreshToken rotates the access token when resuming.
	RefreshToken string `json:"-"`
	// DerivedKey is the secret derived from the user's key password.
	DerivedKey []byte `json:"-"`
}

// Valid reports whether all four fields are present.
func (c *Credentials) Valid() bool {
	if c == nil {
		return false
	}
	return strings.TrimSpace(c.SessionID) != "" &&
		strings.TrimSpace(c.AccessToken) != "" &&
		strings.TrimSpace(c.RefreshToken) != "" &&
		len(c.DerivedKey) > 0
}

// Clone returns a deep copy so callers never share the derived key buffer.
func (c *Credentials) Clone() *Credentials {
	if c == nil {
		return nil
	}
	out := *c
	if c.DerivedKey != nil {
		out.DerivedKey = append([]byte(nil), c.DerivedKey...)
	}
	return &out
}

// Wipe zeroes the derived key in place.
func (c *Credentials) Wipe() {
	if c == nil {
		return
	}
	for i := range c.DerivedKey {
		c.DerivedKey[i] = 0
	}
	c.DerivedKey = nil
	c.AccessToken = ""
	c.RefreshToken = ""
}

// Storage is the key/value persistence collaborator backing the credential store.
// Each call must be atomic: a Set of several keys is never observed half-applied.
type Storage interface {
	// Get returns the values present for keys; missing keys are absent from the map.
	Get(ctx context.Context, keys ...string) (map[string]string, error)
	// Set writes all items in one operation.
	Set(ctx context.Context, items map[string]string) error
	// Remove deletes keys; removing a missing key is not an error.
	Remove(ctx context.Context, keys ...string) error
}

// CredentialStore persists Credentials in four named storage slots.
type CredentialStore struct {
	mu      sync.RWMutex
	storage Storage
}

// NewCredentialStore wraps storage with all-or-nothing credential semantics.
func NewCredentialStore(storage Storage) *CredentialStore {
	return &CredentialStore{storage: storage}
}

// Save writes all four credential fields in a single storage operation.
func (s *CredentialStore) Save(ctx context.Context, creds Credentials) error {
	if !creds.Valid() {
		return &StorageError{Op: "save", Err: ErrIncompleteCredentials}
	}
	items := map[string]string{
		KeySessionID:    creds.SessionID,
		KeyAccessToken:  creds.AccessToken,
		KeyRefreshToken: creds.RefreshToken,
		KeyDerivedKey:   base64.StdEncoding.EncodeToString(creds.DerivedKey),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.storage.Set(ctx, items); err != nil {
		return &StorageError{Op: "save", Err: err}
	}
	return nil
}

// Load returns the persisted credentials, or nil when no session was ever saved.
func (s *CredentialStore) Load(ctx context.Context) (*Credentials, error) {
	s.mu.RLock()
	values, err := s.storage.Get(ctx, credentialKeys...)
	s.mu.RUnlock()
	if err != nil {
		return nil, &StorageError{Op: "load", Err: err}
	}
	if len(values) == 0 {
		return nil, nil
	}
	if len(values) != len(credentialKeys) {
		log.WithField("slots", len(values)).Warn("session: ignoring partial credential set in storage")
		return nil, nil
	}

	derived, err := base64.StdEncoding.DecodeString(values[KeyDerivedKey])
	if err != nil {
		return nil, &StorageError{Op: "load", Err: fmt.Errorf("decode derived key: %w", err)}
	}
	creds := &Credentials{
		SessionID:    values[KeySessionID],
		AccessToken:  values[KeyAccessToken],
		RefreshToken: values[KeyRefreshToken],
		DerivedKey:   derived,
	}
	if !creds.Valid() {
		log.Warn("session: ignoring incomplete credentials in storage")
		return nil, nil
	}
	return creds, nil
}

// Clear removes every credential slot. Clearing an empty store succeeds.
func (s *CredentialStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.storage.Remove(ctx, credentialKeys...); err != nil {
		return &StorageError{Op: "clear", Err: err}
	}
	return nil
}
