package session

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const payloadKeyInfo = "elaw/session/payload/v1"

// FilePayloadStore persists the login payload to a single file sealed with
// XChaCha20-Poly1305. The key is derived from a secret with HKDF-SHA256.
//
// File layout: nonce (24 bytes) || ciphertext. The record key is bound as
// additional data so a file renamed from another record does not open.
type FilePayloadStore struct {
	path string
	aad  []byte

	mu   sync.Mutex
	aead cipherAEAD
}

type cipherAEAD interface {
	NonceSize() int
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
}

// NewFilePayloadStore builds a sealed file store. secret must be at least 16 bytes.
func NewFilePayloadStore(path, secret, recordKey string) (*FilePayloadStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("%w: payload file path is empty", ErrConfig)
	}
	if len(secret) < 16 {
		return nil, fmt.Errorf("%w: payload secret must be >= 16 bytes", ErrConfig)
	}
	if strings.TrimSpace(recordKey) == "" {
		recordKey = DefaultPayloadKey
	}

	key := make([]byte, chacha20poly1305.KeySize)
	kdf := hkdf.New(sha256.New, []byte(secret), []byte(recordKey), []byte(payloadKeyInfo))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("derive payload key: %w", err)
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}

	return &FilePayloadStore{
		path: path,
		aad:  []byte(recordKey),
		aead: aead,
	}, nil
}

func (s *FilePayloadStore) Save(_ context.Context, payload []byte) error {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(payload)+chacha20poly1305.Overhead)
	if _, err := rand.Read(nonce); err != nil {
		return err
	}
	sealed := s.aead.Seal(nonce, nonce, payload, s.aad)

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".payload-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(sealed); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, s.path)
}

func (s *FilePayloadStore) Load(_ context.Context) ([]byte, error) {
	s.mu.Lock()
	data, err := os.ReadFile(s.path)
	s.mu.Unlock()

	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrPayloadNotFound
	}
	if err != nil {
		return nil, err
	}

	ns := s.aead.NonceSize()
	if len(data) < ns+chacha20poly1305.Overhead {
		return nil, ErrPayloadCorrupt
	}
	plain, err := s.aead.Open(nil, data[:ns], data[ns:], s.aad)
	if err != nil {
		return nil, ErrPayloadCorrupt
	}
	return plain, nil
}

func (s *FilePayloadStore) Remove(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
