package session

import (
	"bytes"
	"context"
	"errors"
	"testing"
)

func TestCredentialStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewCredentialStore(newMemStorage())

	want := testCredentials()
	if err := store.Save(ctx, want); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got == nil {
		t.Fatalf("expected credentials, got nil")
	}
	if got.SessionID != want.SessionID || got.AccessToken != want.AccessToken || got.RefreshToken != want.RefreshToken {
		t.Fatalf("loaded credentials mismatch: %+v", got)
	}
	if !bytes.Equal(got.DerivedKey, want.DerivedKey) {
		t.Fatalf("derived key mismatch: %q", got.DerivedKey)
	}

	if err = store.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	got, err = store.Load(ctx)
	if err != nil {
		t.Fatalf("load after clear: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil after clear, got %+v", got)
	}
}

func TestCredentialStoreLoadEmptyIsNotError(t *testing.T) {
	got, err := NewCredentialStore(newMemStorage()).Load(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil, got %+v", got)
	}
}

func TestCredentialStoreClearIsIdempotent(t *testing.T) {
	store := NewCredentialStore(newMemStorage())
	for i := 0; i < 2; i++ {
		if err := store.Clear(context.Background()); err != nil {
			t.Fatalf("clear #%d: %v", i, err)
		}
	}
}

func TestCredentialStoreRejectsPartialCredentials(t *testing.T) {
	storage := newMemStorage()
	store := NewCredentialStore(storage)

	partial := testCredentials()
	partial.RefreshToken = ""
	err := store.Save(context.Background(), partial)
	if !errors.Is(err, ErrIncompleteCredentials) {
		t.Fatalf("expected ErrIncompleteCredentials, got %v", err)
	}
	var storageErr *StorageError
	if !errors.As(err, &storageErr) {
		t.Fatalf("expected StorageError, got %T", err)
	}
	if storage.len() != 0 {
		t.Fatalf("expected no slots written, got %d", storage.len())
	}
}

func TestCredentialStoreIgnoresPartialSlots(t *testing.T) {
	storage := newMemStorage()
	storage.data[KeySessionID] = "uid"
	storage.data[KeyAccessToken] = "access"
	storage.data[KeyRefreshToken] = "refresh"

	got, err := NewCredentialStore(storage).Load(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Fatalf("expected partial slots to load as nil, got %+v", got)
	}
}

func TestCredentialStoreWrapsStorageErrors(t *testing.T) {
	storage := newMemStorage()
	storage.getErr = errors.New("disk gone")

	_, err := NewCredentialStore(storage).Load(context.Background())
	var storageErr *StorageError
	if !errors.As(err, &storageErr) {
		t.Fatalf("expected StorageError, got %v", err)
	}
	if storageErr.Op != "load" {
		t.Fatalf("expected op load, got %q", storageErr.Op)
	}
}

func TestCredentialsWipe(t *testing.T) {
	creds := testCredentials()
	key := creds.DerivedKey
	creds.Wipe()
	for i, b := range key {
		if b != 0 {
			t.Fatalf("byte %d not zeroed", i)
		}
	}
	if creds.Valid() {
		t.Fatalf("wiped credentials should not be valid")
	}
}
