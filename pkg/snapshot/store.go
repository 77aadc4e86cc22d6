// Package snapshot implements the relay-side blind snapshot store: an
// opaque, encrypted blob keyed by capability id that the relay persists
// and serves without ever being able to read it (spec §4.6). The relay
// never holds a decryption key; only a subject container with the right
// capability can open what it fetches.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ocmtlabs/ocmt/internal/ocmterr"
)

// debounceInterval is how long the store batches writes before flushing
// to disk, so a burst of pushes from many containers does not thrash the
// filesystem (spec §4.6: "persisted to disk with a debounce of about one
// second").
const debounceInterval = time.Second

// Entry is one stored snapshot. Ciphertext is opaque to the relay: it was
// sealed by the issuer under a key derived from an ECDH the relay is not
// party to.
type Entry struct {
	CapabilityID string    `json:"capabilityId"`
	Ciphertext   []byte    `json:"ciphertext"`
	EphemeralPub []byte    `json:"ephemeralPub"`
	Signature    []byte    `json:"signature"`
	IssuerPubKey []byte    `json:"issuerPubKey"`
	StoredAt     time.Time `json:"storedAt"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// Stats summarizes store occupancy for operational visibility.
type Stats struct {
	Count       int       `json:"count"`
	TotalBytes  int64     `json:"totalBytes"`
	OldestStore time.Time `json:"oldestStore,omitempty"`
	NewestStore time.Time `json:"newestStore,omitempty"`
}

// Store is a JSON-file-backed map of capability id to Entry, written
// atomically with a debounce so callers can push frequently without
// forcing a disk write on every call.
type Store struct {
	path string

	mu      sync.RWMutex
	entries map[string]Entry

	dirty   bool
	stopCh  chan struct{}
	flushMu sync.Mutex
}

// NewStore loads path if it exists (empty store otherwise) and starts its
// debounced flush loop.
func NewStore(path string) (*Store, error) {
	s := &Store{path: path, entries: map[string]Entry{}, stopCh: make(chan struct{})}
	if raw, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(raw, &s.entries); err != nil {
			return nil, fmt.Errorf("snapshot: corrupt store file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("snapshot: read store: %w", err)
	}
	go s.flushLoop()
	return s, nil
}

// Close stops the debounce loop and flushes any pending writes.
func (s *Store) Close() error {
	close(s.stopCh)
	return s.flushIfDirty()
}

func (s *Store) flushLoop() {
	ticker := time.NewTicker(debounceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_ = s.flushIfDirty()
		case <-s.stopCh:
			return
		}
	}
}

// Put stores a snapshot for capabilityID, rejecting one that is already
// expired at submission time (spec §4.6: "store rejects an already-expired
// submission").
func (s *Store) Put(ctx context.Context, e Entry, now time.Time) error {
	if e.CapabilityID == "" {
		return ocmterr.New(ocmterr.CodeInvalidPayload, "capability id is required")
	}
	if !e.ExpiresAt.After(now) {
		return ocmterr.New(ocmterr.CodeInvalidPayload, "snapshot is already expired")
	}
	e.StoredAt = now

	s.mu.Lock()
	s.entries[e.CapabilityID] = e
	s.dirty = true
	s.mu.Unlock()
	return nil
}

// Get returns the stored snapshot for capabilityID, lazily purging it
// first if it has expired (spec: "lazy purge of expired entries on get").
func (s *Store) Get(ctx context.Context, capabilityID string, now time.Time) (Entry, bool, error) {
	s.mu.Lock()
	e, ok := s.entries[capabilityID]
	if ok && !e.ExpiresAt.After(now) {
		delete(s.entries, capabilityID)
		s.dirty = true
		ok = false
	}
	s.mu.Unlock()

	if !ok {
		return Entry{}, false, ocmterr.New(ocmterr.CodeNoSnapshotAvailable, "no snapshot available for this capability")
	}
	return e, true, nil
}

// Delete removes a stored snapshot, if present.
func (s *Store) Delete(capabilityID string) error {
	s.mu.Lock()
	_, existed := s.entries[capabilityID]
	delete(s.entries, capabilityID)
	if existed {
		s.dirty = true
	}
	s.mu.Unlock()
	return nil
}

// Cleanup purges every entry expired as of now, returning the count removed.
func (s *Store) Cleanup(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, e := range s.entries {
		if !e.ExpiresAt.After(now) {
			delete(s.entries, id)
			removed++
		}
	}
	if removed > 0 {
		s.dirty = true
	}
	return removed
}

// GetStats reports current occupancy.
func (s *Store) GetStats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := Stats{Count: len(s.entries)}
	for _, e := range s.entries {
		stats.TotalBytes += int64(len(e.Ciphertext))
		if stats.OldestStore.IsZero() || e.StoredAt.Before(stats.OldestStore) {
			stats.OldestStore = e.StoredAt
		}
		if stats.NewestStore.IsZero() || e.StoredAt.After(stats.NewestStore) {
			stats.NewestStore = e.StoredAt
		}
	}
	return stats
}

func (s *Store) flushIfDirty() error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.Lock()
	if !s.dirty {
		s.mu.Unlock()
		return nil
	}
	snapshot := make(map[string]Entry, len(s.entries))
	for k, v := range s.entries {
		snapshot[k] = v
	}
	s.dirty = false
	s.mu.Unlock()

	out, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("snapshot: marshal: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("snapshot: mkdir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".snapshots-*.tmp")
	if err != nil {
		return fmt.Errorf("snapshot: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(out); err != nil {
		tmp.Close()
		return fmt.Errorf("snapshot: write temp: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("snapshot: chmod temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("snapshot: close temp: %w", err)
	}
	return os.Rename(tmpPath, s.path)
}

// Flush forces an immediate write regardless of the debounce timer, for
// callers (tests, graceful shutdown) that need durability synchronously.
func (s *Store) Flush() error {
	return s.flushIfDirty()
}
