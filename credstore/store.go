// Package credstore persists session credentials and small app settings in a
// local SQLite database, encrypted at rest with a key from the process key
// store. Credentials carry their own time-to-live and are purged on read once
// expired, so callers never observe a stale value.
package credstore

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/luminahealth/vitalsync/trust/keystore"
)

const (
	// StoreKeyAlias is the key store alias of the master key that seals
	// every value written to the database.
	StoreKeyAlias = "trust.store.v1"

	// DefaultAccessTTL is the lifetime of an access credential in seconds.
	DefaultAccessTTL = 900

	// DefaultRefreshTTL is the lifetime of a refresh credential in seconds
	// (30 days).
	DefaultRefreshTTL = 2592000

	accessItemKey  = "credential/access"
	refreshItemKey = "credential/refresh"
)

// timeNow returns wall-clock seconds. Overridden in tests to control expiry.
var timeNow = func() int64 { return time.Now().Unix() }

// Credential is a stored secret with its issue time and time-to-live.
type Credential struct {
	Value      string `json:"value"`
	IssuedAt   int64  `json:"issued_at"`
	TTLSeconds int64  `json:"ttl_seconds"`
}

// Expired reports whether the credential has reached the end of its
// time-to-live at the given wall-clock second.
func (c Credential) Expired(now int64) bool {
	return now >= c.IssuedAt+c.TTLSeconds
}

// Store is an encrypted key-value store for credentials and settings.
type Store struct {
	db   *sql.DB
	aead cipher.AEAD // nil when running in degraded plaintext mode

	mu sync.Mutex
}

// Open opens (or creates) the store at path and seals it with a key from the
// given key store. If the key cannot be obtained the store still opens, but
// in a degraded mode that writes values in the clear.
func Open(ctx context.Context, path string, keys keystore.KeyStore) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}

	schema := `
	CREATE TABLE IF NOT EXISTS trust_items (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	store := &Store{db: db}

	handle, err := keys.GetOrCreateKey(ctx, StoreKeyAlias)
	if err != nil {
		log.Error().Err(err).Str("alias", StoreKeyAlias).Msg("Failed to obtain store key")
		log.Warn().Msg("SECURITY: credential store running without encryption at rest")
		return store, nil
	}

	aead, err := handle.NewAEAD()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize store cipher: %w", err)
	}
	store.aead = aead

	return store, nil
}

// Encrypted reports whether values are sealed before hitting disk.
func (s *Store) Encrypted() bool {
	return s.aead != nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// StoreAccess saves the access credential. A non-positive ttlSeconds selects
// the default access lifetime.
func (s *Store) StoreAccess(ctx context.Context, value string, ttlSeconds int64) error {
	return s.storeCredential(ctx, accessItemKey, value, ttlSeconds, DefaultAccessTTL)
}

// RetrieveAccess returns the access credential if present and unexpired. An
// expired credential is purged and reported as absent, not as an error.
func (s *Store) RetrieveAccess(ctx context.Context) (string, bool, error) {
	return s.retrieveCredential(ctx, accessItemKey)
}

// AccessExpired reports whether the access credential is expired or absent.
func (s *Store) AccessExpired(ctx context.Context) (bool, error) {
	return s.credentialExpired(ctx, accessItemKey)
}

// ClearAccess removes the access credential.
func (s *Store) ClearAccess(ctx context.Context) error {
	return s.deleteItem(ctx, accessItemKey)
}

// StoreRefresh saves the refresh credential. A non-positive ttlSeconds
// selects the default refresh lifetime.
func (s *Store) StoreRefresh(ctx context.Context, value string, ttlSeconds int64) error {
	return s.storeCredential(ctx, refreshItemKey, value, ttlSeconds, DefaultRefreshTTL)
}

// RetrieveRefresh returns the refresh credential if present and unexpired.
func (s *Store) RetrieveRefresh(ctx context.Context) (string, bool, error) {
	return s.retrieveCredential(ctx, refreshItemKey)
}

// RefreshExpired reports whether the refresh credential is expired or absent.
func (s *Store) RefreshExpired(ctx context.Context) (bool, error) {
	return s.credentialExpired(ctx, refreshItemKey)
}

// ClearRefresh removes the refresh credential.
func (s *Store) ClearRefresh(ctx context.Context) error {
	return s.deleteItem(ctx, refreshItemKey)
}

func (s *Store) storeCredential(ctx context.Context, itemKey, value string, ttlSeconds, defaultTTL int64) error {
	if ttlSeconds <= 0 {
		ttlSeconds = defaultTTL
	}
	cred := Credential{
		Value:      value,
		IssuedAt:   timeNow(),
		TTLSeconds: ttlSeconds,
	}
	payload, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("failed to encode credential: %w", err)
	}
	return s.putItem(ctx, itemKey, payload)
}

func (s *Store) retrieveCredential(ctx context.Context, itemKey string) (string, bool, error) {
	cred, found, err := s.loadCredential(ctx, itemKey)
	if err != nil || !found {
		return "", false, err
	}
	if cred.Expired(timeNow()) {
		// Purge so no later read path can pick up the stale value.
		if err := s.deleteItem(ctx, itemKey); err != nil {
			return "", false, err
		}
		log.Debug().Str("item", itemKey).Msg("Purged expired credential")
		return "", false, nil
	}
	return cred.Value, true, nil
}

func (s *Store) credentialExpired(ctx context.Context, itemKey string) (bool, error) {
	cred, found, err := s.loadCredential(ctx, itemKey)
	if err != nil {
		return true, err
	}
	if !found {
		return true, nil
	}
	return cred.Expired(timeNow()), nil
}

func (s *Store) loadCredential(ctx context.Context, itemKey string) (Credential, bool, error) {
	var cred Credential
	payload, found, err := s.getItem(ctx, itemKey)
	if err != nil || !found {
		return cred, false, err
	}
	if err := json.Unmarshal(payload, &cred); err != nil {
		return cred, false, fmt.Errorf("failed to decode credential: %w", err)
	}
	return cred, true, nil
}

// PutString stores a string setting under the given key.
func (s *Store) PutString(ctx context.Context, key, value string) error {
	return s.putItem(ctx, "setting/"+key, []byte(value))
}

// GetString returns the string setting stored under the given key.
func (s *Store) GetString(ctx context.Context, key string) (string, bool, error) {
	payload, found, err := s.getItem(ctx, "setting/"+key)
	if err != nil || !found {
		return "", false, err
	}
	return string(payload), true, nil
}

// PutInt64 stores an integer setting under the given key.
func (s *Store) PutInt64(ctx context.Context, key string, value int64) error {
	return s.putItem(ctx, "setting/"+key, []byte(strconv.FormatInt(value, 10)))
}

// GetInt64 returns the integer setting stored under the given key.
func (s *Store) GetInt64(ctx context.Context, key string) (int64, bool, error) {
	payload, found, err := s.getItem(ctx, "setting/"+key)
	if err != nil || !found {
		return 0, false, err
	}
	value, err := strconv.ParseInt(string(payload), 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("failed to parse stored integer: %w", err)
	}
	return value, true, nil
}

// DeleteSetting removes the setting stored under the given key.
func (s *Store) DeleteSetting(ctx context.Context, key string) error {
	return s.deleteItem(ctx, "setting/"+key)
}

func (s *Store) putItem(ctx context.Context, key string, plaintext []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	value, err := s.seal(plaintext)
	if err != nil {
		return fmt.Errorf("failed to seal value: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO trust_items (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`, key, value, timeNow())
	if err != nil {
		return fmt.Errorf("failed to store item: %w", err)
	}
	return nil
}

func (s *Store) getItem(ctx context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var value []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT value FROM trust_items WHERE key = ?
	`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to load item: %w", err)
	}

	plaintext, err := s.open(value)
	if err != nil {
		return nil, false, fmt.Errorf("failed to open value: %w", err)
	}
	return plaintext, true, nil
}

func (s *Store) deleteItem(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM trust_items WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete item: %w", err)
	}
	return nil
}

func (s *Store) seal(plaintext []byte) ([]byte, error) {
	if s.aead == nil {
		return plaintext, nil
	}
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return s.aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (s *Store) open(value []byte) ([]byte, error) {
	if s.aead == nil {
		return value, nil
	}
	nonceSize := s.aead.NonceSize()
	if len(value) < nonceSize {
		return nil, fmt.Errorf("stored value too short")
	}
	return s.aead.Open(nil, value[:nonceSize], value[nonceSize:], nil)
}
