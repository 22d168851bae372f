package keystore

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// Argon2id parameters for passphrase-derived wrapping keys.
const (
	argon2idTime    = 3
	argon2idMemory  = 262144 // 256 MB
	argon2idThreads = 4
	argon2idKeyLen  = 32
)

const (
	keyFileExt   = ".key"
	wrapKeyFile  = "secret.key"
	wrapSaltFile = "wrap.salt"
	wrapSaltLen  = 16
)

// FileKeyStore stores keys as sealed files under a private directory. Each
// per-alias key is wrapped with XChaCha20-Poly1305 under a wrapping key that
// is either a random secret persisted alongside the keys or derived from a
// passphrase with Argon2id. It is the software fallback used when no
// hardware-rooted provider is configured.
type FileKeyStore struct {
	dir     string
	wrapKey []byte

	mu    sync.Mutex
	cache map[string]*KeyHandle
}

// NewFileKeyStore opens (or initializes) a file-backed key store at dir.
// The wrapping key is a random 32-byte secret created on first use and kept
// in a 0600 file inside dir.
func NewFileKeyStore(dir string) (*FileKeyStore, error) {
	s, err := newFileKeyStore(dir)
	if err != nil {
		return nil, err
	}
	if err := s.loadWrapKey(); err != nil {
		return nil, err
	}
	return s, nil
}

// NewFileKeyStoreWithPassphrase opens a file-backed key store whose wrapping
// key is derived from passphrase with Argon2id. The salt is created on first
// use and persisted; reopening with a different passphrase makes every
// stored key unreadable.
func NewFileKeyStoreWithPassphrase(dir string, passphrase []byte) (*FileKeyStore, error) {
	if len(passphrase) == 0 {
		return nil, fmt.Errorf("passphrase is required")
	}
	s, err := newFileKeyStore(dir)
	if err != nil {
		return nil, err
	}
	salt, err := s.loadWrapSalt()
	if err != nil {
		return nil, err
	}
	s.wrapKey = argon2.IDKey(passphrase, salt, argon2idTime, argon2idMemory, argon2idThreads, argon2idKeyLen)
	return s, nil
}

func newFileKeyStore(dir string) (*FileKeyStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("key store directory is required")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create key store directory: %w", err)
	}
	return &FileKeyStore{
		dir:   dir,
		cache: make(map[string]*KeyHandle),
	}, nil
}

func (s *FileKeyStore) loadWrapKey() error {
	path := filepath.Join(s.dir, wrapKeyFile)
	data, err := os.ReadFile(path)
	if err == nil {
		if len(data) != KeySize {
			return fmt.Errorf("wrapping key file has %d bytes, want %d", len(data), KeySize)
		}
		s.wrapKey = data
		return nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to read wrapping key: %w", err)
	}

	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return fmt.Errorf("failed to generate wrapping key: %w", err)
	}
	if err := writeFileExclusive(path, key); err != nil {
		if errors.Is(err, fs.ErrExist) {
			// Another process initialized the store first; use its key.
			zeroBytes(key)
			return s.loadWrapKey()
		}
		return fmt.Errorf("failed to write wrapping key: %w", err)
	}
	s.wrapKey = key
	log.Info().Str("dir", s.dir).Msg("Initialized file key store")
	return nil
}

func (s *FileKeyStore) loadWrapSalt() ([]byte, error) {
	path := filepath.Join(s.dir, wrapSaltFile)
	data, err := os.ReadFile(path)
	if err == nil {
		if len(data) != wrapSaltLen {
			return nil, fmt.Errorf("wrapping salt file has %d bytes, want %d", len(data), wrapSaltLen)
		}
		return data, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to read wrapping salt: %w", err)
	}

	salt := make([]byte, wrapSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate wrapping salt: %w", err)
	}
	if err := writeFileExclusive(path, salt); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return s.loadWrapSalt()
		}
		return nil, fmt.Errorf("failed to write wrapping salt: %w", err)
	}
	return salt, nil
}

// GetOrCreateKey returns the key for alias, generating and persisting a new
// random key on first use. The store mutex plus exclusive file creation make
// this race-safe: concurrent first users all end up with the same key.
func (s *FileKeyStore) GetOrCreateKey(ctx context.Context, alias string) (*KeyHandle, error) {
	if alias == "" {
		return nil, fmt.Errorf("%w: empty alias", ErrKeyUnavailable)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if h, ok := s.cache[alias]; ok {
		return h, nil
	}

	path := s.keyPath(alias)
	sealed, err := os.ReadFile(path)
	if err == nil {
		return s.cacheSealedLocked(alias, sealed)
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: failed to read key file: %v", ErrKeyUnavailable, err)
	}

	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("%w: failed to generate key: %v", ErrKeyUnavailable, err)
	}
	defer zeroBytes(key)

	sealed, err = s.wrap(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyUnavailable, err)
	}
	if err := writeFileExclusive(path, sealed); err != nil {
		if errors.Is(err, fs.ErrExist) {
			// Lost a cross-process race; the winner's key is authoritative.
			existing, rerr := os.ReadFile(path)
			if rerr != nil {
				return nil, fmt.Errorf("%w: failed to read key file: %v", ErrKeyUnavailable, rerr)
			}
			return s.cacheSealedLocked(alias, existing)
		}
		return nil, fmt.Errorf("%w: failed to write key file: %v", ErrKeyUnavailable, err)
	}

	h, err := newKeyHandle(alias, key)
	if err != nil {
		return nil, err
	}
	s.cache[alias] = h
	log.Debug().Str("alias_hash", aliasFilename(alias)[:12]).Msg("Provisioned key")
	return h, nil
}

// DeleteKey removes the key for alias. The removal is irreversible; a
// missing alias is not an error.
func (s *FileKeyStore) DeleteKey(ctx context.Context, alias string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if h, ok := s.cache[alias]; ok {
		zeroBytes(h.key)
		delete(s.cache, alias)
	}
	if err := os.Remove(s.keyPath(alias)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete key file: %w", err)
	}
	log.Info().Str("alias_hash", aliasFilename(alias)[:12]).Msg("Deleted key")
	return nil
}

// HasKey reports whether a key exists for alias.
func (s *FileKeyStore) HasKey(ctx context.Context, alias string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.cache[alias]; ok {
		return true, nil
	}
	if _, err := os.Stat(s.keyPath(alias)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat key file: %w", err)
	}
	return true, nil
}

// Close zeroes the wrapping key and all cached key material. The store must
// not be used afterwards.
func (s *FileKeyStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for alias, h := range s.cache {
		zeroBytes(h.key)
		delete(s.cache, alias)
	}
	zeroBytes(s.wrapKey)
	return nil
}

func (s *FileKeyStore) keyPath(alias string) string {
	return filepath.Join(s.dir, aliasFilename(alias)+keyFileExt)
}

func (s *FileKeyStore) cacheSealedLocked(alias string, sealed []byte) (*KeyHandle, error) {
	key, err := s.unwrap(sealed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyUnavailable, err)
	}
	defer zeroBytes(key)

	h, err := newKeyHandle(alias, key)
	if err != nil {
		return nil, err
	}
	s.cache[alias] = h
	return h, nil
}

// wrap seals a key with the wrapping key. Layout: nonce || ciphertext.
func (s *FileKeyStore) wrap(key []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.wrapKey)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize wrapping cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, key, nil), nil
}

func (s *FileKeyStore) unwrap(sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.wrapKey)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize wrapping cipher: %w", err)
	}
	if len(sealed) < aead.NonceSize() {
		return nil, fmt.Errorf("sealed key too short")
	}
	key, err := aead.Open(nil, sealed[:aead.NonceSize()], sealed[aead.NonceSize():], nil)
	if err != nil {
		return nil, fmt.Errorf("failed to unwrap key: %w", err)
	}
	return key, nil
}

// writeFileExclusive creates path with the given contents, failing with
// fs.ErrExist if the file already exists. The contents are written to a
// private temp file first and committed with an exclusive link, so path
// either does not exist or holds the complete contents; a racing writer or
// a crash mid-write can never leave a torn file behind.
func writeFileExclusive(path string, data []byte) error {
	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Link(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	os.Remove(tmp)
	return nil
}
