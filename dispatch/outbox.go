package dispatch

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

const (
	envelopeExt = ".env"
	parkedExt   = ".dead"
)

// Outbox is a directory-backed spool of undelivered envelopes. Envelopes
// are written as CBOR, one file per envelope, and survive process restarts.
type Outbox struct {
	dir string
	mu  sync.Mutex
}

// NewOutbox opens the spool directory, creating it if needed.
func NewOutbox(dir string) (*Outbox, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create outbox directory: %w", err)
	}
	return &Outbox{dir: dir}, nil
}

// Put persists the envelope. An existing spool entry with the same ID is
// replaced, which is how attempt counts are updated across retries.
func (o *Outbox) Put(env *Envelope) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	data, err := cbor.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}

	// Write-then-rename so a crash mid-write never leaves a torn entry.
	tmp := filepath.Join(o.dir, env.ID+".tmp")
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write envelope: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(o.dir, env.ID+envelopeExt)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to commit envelope: %w", err)
	}
	return nil
}

// Get loads a spooled envelope by ID.
func (o *Outbox) Get(id string) (*Envelope, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	data, err := os.ReadFile(filepath.Join(o.dir, id+envelopeExt))
	if err != nil {
		return nil, fmt.Errorf("failed to read envelope: %w", err)
	}
	var env Envelope
	if err := cbor.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to decode envelope: %w", err)
	}
	return &env, nil
}

// List returns the IDs of all spooled envelopes in stable order.
func (o *Outbox) List() ([]string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	entries, err := os.ReadDir(o.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read outbox directory: %w", err)
	}

	var ids []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), envelopeExt) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(entry.Name(), envelopeExt))
	}
	sort.Strings(ids)
	return ids, nil
}

// Remove deletes a spooled envelope after successful delivery.
func (o *Outbox) Remove(id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := os.Remove(filepath.Join(o.dir, id+envelopeExt)); err != nil {
		return fmt.Errorf("failed to remove envelope: %w", err)
	}
	return nil
}

// Park moves an envelope out of the retry set, keeping it on disk for
// operator inspection.
func (o *Outbox) Park(env *Envelope) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	data, err := cbor.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}
	if err := os.WriteFile(filepath.Join(o.dir, env.ID+parkedExt), data, 0600); err != nil {
		return fmt.Errorf("failed to park envelope: %w", err)
	}
	if err := os.Remove(filepath.Join(o.dir, env.ID+envelopeExt)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove parked envelope from spool: %w", err)
	}
	return nil
}
