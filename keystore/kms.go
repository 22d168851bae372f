package keystore

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/rs/zerolog/log"
)

// KMSAPI is the subset of the AWS KMS client used by KMSKeyStore.
type KMSAPI interface {
	GenerateDataKey(ctx context.Context, params *kms.GenerateDataKeyInput, optFns ...func(*kms.Options)) (*kms.GenerateDataKeyOutput, error)
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// dataKeyRecord is the on-disk sidecar for one KMS-wrapped key. Only the
// encrypted form of the key is ever persisted.
type dataKeyRecord struct {
	AliasHash    string `json:"alias_hash"`
	EncryptedKey string `json:"encrypted_key"`
	CreatedAt    int64  `json:"created_at"`
}

// KMSKeyStore provisions per-alias data keys from AWS KMS. Each key is
// generated under a customer master key with GenerateDataKey; the encrypted
// data key is persisted locally and the plaintext lives only in process
// memory, re-obtained through KMS Decrypt after a restart. This is the
// hardware-rooted provider: key material is never derivable from local
// state alone.
type KMSKeyStore struct {
	client KMSAPI
	keyID  string
	dir    string

	mu    sync.Mutex
	cache map[string]*KeyHandle
}

// NewKMSKeyStore creates a KMS-backed key store using the default AWS
// credential chain. keyID names the KMS master key (ARN or key id); dir
// holds the encrypted data key sidecars.
func NewKMSKeyStore(ctx context.Context, region, keyID, dir string) (*KMSKeyStore, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewKMSKeyStoreWithClient(kms.NewFromConfig(awsCfg), keyID, dir)
}

// NewKMSKeyStoreWithClient creates a KMS-backed key store with an explicit
// client. Used when the caller owns AWS configuration.
func NewKMSKeyStoreWithClient(client KMSAPI, keyID, dir string) (*KMSKeyStore, error) {
	if client == nil {
		return nil, fmt.Errorf("KMS client is required")
	}
	if keyID == "" {
		return nil, fmt.Errorf("KMS key id is required")
	}
	if dir == "" {
		return nil, fmt.Errorf("key store directory is required")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create key store directory: %w", err)
	}
	return &KMSKeyStore{
		client: client,
		keyID:  keyID,
		dir:    dir,
		cache:  make(map[string]*KeyHandle),
	}, nil
}

// GetOrCreateKey returns the key for alias, asking KMS for a new AES-256
// data key on first use. Concurrent first users are serialized; exclusive
// sidecar creation settles cross-process races in favor of the first writer.
func (s *KMSKeyStore) GetOrCreateKey(ctx context.Context, alias string) (*KeyHandle, error) {
	if alias == "" {
		return nil, fmt.Errorf("%w: empty alias", ErrKeyUnavailable)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if h, ok := s.cache[alias]; ok {
		return h, nil
	}

	path := s.recordPath(alias)
	data, err := os.ReadFile(path)
	if err == nil {
		return s.decryptRecordLocked(ctx, alias, data)
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: failed to read data key record: %v", ErrKeyUnavailable, err)
	}

	result, err := s.client.GenerateDataKey(ctx, &kms.GenerateDataKeyInput{
		KeyId:   &s.keyID,
		KeySpec: types.DataKeySpecAes256,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: KMS generate data key failed: %v", ErrKeyUnavailable, err)
	}
	defer zeroBytes(result.Plaintext)

	record := dataKeyRecord{
		AliasHash:    aliasFilename(alias),
		EncryptedKey: base64.StdEncoding.EncodeToString(result.CiphertextBlob),
		CreatedAt:    time.Now().Unix(),
	}
	encoded, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to encode data key record: %v", ErrKeyUnavailable, err)
	}
	if err := writeFileExclusive(path, encoded); err != nil {
		if errors.Is(err, fs.ErrExist) {
			// Another process generated this alias first; its key wins.
			existing, rerr := os.ReadFile(path)
			if rerr != nil {
				return nil, fmt.Errorf("%w: failed to read data key record: %v", ErrKeyUnavailable, rerr)
			}
			return s.decryptRecordLocked(ctx, alias, existing)
		}
		return nil, fmt.Errorf("%w: failed to write data key record: %v", ErrKeyUnavailable, err)
	}

	h, err := newKeyHandle(alias, result.Plaintext)
	if err != nil {
		return nil, err
	}
	s.cache[alias] = h

	log.Info().
		Str("alias_hash", record.AliasHash[:12]).
		Msg("Provisioned KMS data key")
	return h, nil
}

// DeleteKey removes the local data key record and cached material. A KMS
// data key has no remote resource of its own, so nothing is deleted at KMS;
// without the encrypted record the key is unrecoverable.
func (s *KMSKeyStore) DeleteKey(ctx context.Context, alias string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if h, ok := s.cache[alias]; ok {
		zeroBytes(h.key)
		delete(s.cache, alias)
	}
	if err := os.Remove(s.recordPath(alias)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete data key record: %w", err)
	}
	log.Info().Str("alias_hash", aliasFilename(alias)[:12]).Msg("Deleted KMS data key")
	return nil
}

// HasKey reports whether a data key record exists for alias.
func (s *KMSKeyStore) HasKey(ctx context.Context, alias string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.cache[alias]; ok {
		return true, nil
	}
	if _, err := os.Stat(s.recordPath(alias)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat data key record: %w", err)
	}
	return true, nil
}

// Close zeroes all cached key material.
func (s *KMSKeyStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for alias, h := range s.cache {
		zeroBytes(h.key)
		delete(s.cache, alias)
	}
	return nil
}

func (s *KMSKeyStore) recordPath(alias string) string {
	return filepath.Join(s.dir, aliasFilename(alias)+".dk")
}

func (s *KMSKeyStore) decryptRecordLocked(ctx context.Context, alias string, data []byte) (*KeyHandle, error) {
	var record dataKeyRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("%w: failed to parse data key record: %v", ErrKeyUnavailable, err)
	}
	blob, err := base64.StdEncoding.DecodeString(record.EncryptedKey)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decode encrypted data key: %v", ErrKeyUnavailable, err)
	}

	result, err := s.client.Decrypt(ctx, &kms.DecryptInput{
		KeyId:          &s.keyID,
		CiphertextBlob: blob,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: KMS decrypt failed: %v", ErrKeyUnavailable, err)
	}
	defer zeroBytes(result.Plaintext)

	h, err := newKeyHandle(alias, result.Plaintext)
	if err != nil {
		return nil, err
	}
	s.cache[alias] = h
	return h, nil
}
