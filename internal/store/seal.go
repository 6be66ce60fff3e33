package store

import (
	"bytes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

var sealedPrefix = []byte("sessiond:sealed:v1:")

var (
	hkdfSalt = []byte("sessiond credential store")
	hkdfInfo = []byte("xchacha20-poly1305 document key")
)

// ErrSealed is returned when sealed data is read without a seal key.
var ErrSealed = errors.New("store: data is sealed but no seal key is configured")

// Sealer encrypts persisted documents with XChaCha20-Poly1305 under a key
// derived from a passphrase with HKDF-SHA256.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer returns nil when secret is blank.
func NewSealer(secret string) (*Sealer, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, nil
	}
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), hkdfSalt, hkdfInfo), key); err != nil {
		return nil, fmt.Errorf("store: derive seal key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("store: create cipher: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

// Seal encrypts plain. A nil Sealer returns plain unchanged.
func (s *Sealer) Seal(plain []byte) ([]byte, error) {
	if s == nil {
		return plain, nil
	}
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plain)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("store: generate nonce: %w", err)
	}
	sealed := s.aead.Seal(nonce, nonce, plain, sealedPrefix)
	out := make([]byte, len(sealedPrefix)+base64.StdEncoding.EncodedLen(len(sealed)))
	copy(out, sealedPrefix)
	base64.StdEncoding.Encode(out[len(sealedPrefix):], sealed)
	return out, nil
}

// Open reverses Seal. Unsealed input is returned as is so stores written
// before a seal key was configured stay readable.
func (s *Sealer) Open(data []byte) ([]byte, error) {
	if !IsSealed(data) {
		return data, nil
	}
	data = bytes.TrimSpace(data)
	if s == nil {
		return nil, ErrSealed
	}
	raw, err := base64.StdEncoding.DecodeString(string(data[len(sealedPrefix):]))
	if err != nil {
		return nil, fmt.Errorf("store: decode sealed data: %w", err)
	}
	if len(raw) < s.aead.NonceSize() {
		return nil, fmt.Errorf("store: sealed data too short")
	}
	nonce, ciphertext := raw[:s.aead.NonceSize()], raw[s.aead.NonceSize():]
	plain, err := s.aead.Open(nil, nonce, ciphertext, sealedPrefix)
	if err != nil {
		return nil, fmt.Errorf("store: open sealed data: %w", err)
	}
	return plain, nil
}

// IsSealed reports whether data carries the sealed prefix.
func IsSealed(data []byte) bool {
	return bytes.HasPrefix(bytes.TrimSpace(data), sealedPrefix)
}
