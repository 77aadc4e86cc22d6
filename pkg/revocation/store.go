package revocation

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/ocmtlabs/ocmt/internal/ocmterr"
)

// replayWindow bounds how far a signed revocation's timestamp may drift
// from the relay's clock before it is rejected as a replay (spec §4.5).
const replayWindow = 5 * time.Minute

// persistDebounce mirrors pkg/snapshot's write-batching interval so a
// burst of revocations does not thrash the filesystem.
const persistDebounce = time.Second

// Record is the authoritative record for one revoked capability id.
type Record struct {
	CapabilityID    string
	RevokedBy       string // issuer public key, base64url
	RevokedAt       time.Time
	OriginalExpiry  time.Time
	Reason          string
}

// SignedRevocation is what an issuer sends the relay to revoke one of its
// own capabilities: the revocation body plus an Ed25519 signature, so the
// relay can authenticate the request without trusting the transport. The
// signed message is CapabilityID, IssuerPublicKey, OriginalExpiry (Unix
// seconds) and Reason joined by "|"; Timestamp is not covered by it.
type SignedRevocation struct {
	CapabilityID   string
	IssuerPublicKey string // base64url, must equal RevokedBy
	OriginalExpiry time.Time
	Reason         string
	Timestamp      time.Time
	Signature      []byte
}

// Store is the relay-side revocation authority: a Bloom filter for cheap
// negative checks in front of a durable backing map. Per spec §5, writes
// are exclusive and never complete (the Add to both Bloom and backing
// store happens) until the caller has a guarantee of no false negatives.
type Store struct {
	path string

	mu      sync.RWMutex
	bloom   *Bloom
	records map[string]Record

	dirty   bool
	stopCh  chan struct{}
	flushMu sync.Mutex
}

// NewStore returns an in-memory-only store, useful for tests and for
// embedding the Bloom+map logic where durability is not required.
func NewStore() *Store {
	return &Store{bloom: NewBloom(), records: make(map[string]Record)}
}

// NewPersistentStore loads path if it exists (empty store otherwise),
// rebuilds the Bloom filter from the loaded records, and starts a
// debounced flush loop so every revocation is eventually durable on disk
// (spec §4.5: relay-side revocation persistence at <baseDir>/relay/revocations.json).
func NewPersistentStore(path string) (*Store, error) {
	s := &Store{path: path, bloom: NewBloom(), records: make(map[string]Record), stopCh: make(chan struct{})}
	if raw, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(raw, &s.records); err != nil {
			return nil, fmt.Errorf("revocation: corrupt store file: %w", err)
		}
		for id := range s.records {
			s.bloom.Add(id)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("revocation: read store: %w", err)
	}
	go s.flushLoop()
	return s, nil
}

// Close stops the debounce loop and flushes any pending writes. A no-op
// for an in-memory-only store.
func (s *Store) Close() error {
	if s.path == "" {
		return nil
	}
	close(s.stopCh)
	return s.flushIfDirty()
}

// Flush forces an immediate write regardless of the debounce timer.
func (s *Store) Flush() error {
	if s.path == "" {
		return nil
	}
	return s.flushIfDirty()
}

func (s *Store) flushLoop() {
	ticker := time.NewTicker(persistDebounce)
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

func (s *Store) flushIfDirty() error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.Lock()
	if !s.dirty {
		s.mu.Unlock()
		return nil
	}
	snapshot := make(map[string]Record, len(s.records))
	for k, v := range s.records {
		snapshot[k] = v
	}
	s.dirty = false
	s.mu.Unlock()

	out, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("revocation: marshal: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("revocation: mkdir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".revocations-*.tmp")
	if err != nil {
		return fmt.Errorf("revocation: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(out); err != nil {
		tmp.Close()
		return fmt.Errorf("revocation: write temp: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("revocation: chmod temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("revocation: close temp: %w", err)
	}
	return os.Rename(tmpPath, s.path)
}

// VerifyFunc authenticates a SignedRevocation's signature against its
// claimed issuer key. Supplied by the caller so this package stays free of
// a dependency on pkg/capability's token format.
type VerifyFunc func(sr SignedRevocation) error

// Revoke ingests a signed revocation. It is idempotent: revoking an
// already-revoked id returns the existing record rather than erroring, so
// retries from an unreliable network never fail spuriously.
func (s *Store) Revoke(ctx context.Context, sr SignedRevocation, verify VerifyFunc, now time.Time) (Record, error) {
	if sr.IssuerPublicKey == "" || sr.CapabilityID == "" {
		return Record{}, ocmterr.New(ocmterr.CodeInvalidPayload, "revocation missing required fields")
	}
	if verify != nil {
		if err := verify(sr); err != nil {
			return Record{}, ocmterr.Wrap(ocmterr.CodeBadSignature, "revocation signature invalid", err)
		}
	}
	if drift := now.Sub(sr.Timestamp); drift > replayWindow || drift < -replayWindow {
		return Record{}, ocmterr.New(ocmterr.CodeInvalidPayload, "revocation timestamp outside replay window")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.records[sr.CapabilityID]; ok {
		return existing, nil
	}

	rec := Record{
		CapabilityID:   sr.CapabilityID,
		RevokedBy:      sr.IssuerPublicKey,
		RevokedAt:      now,
		OriginalExpiry: sr.OriginalExpiry,
		Reason:         sr.Reason,
	}
	// Backing store first, then the filter: a crash between the two can
	// only produce a false negative window if the filter is written first
	// and the process dies before the durable record lands. Writing the
	// record first and the filter second means any observer that sees the
	// filter bit set is guaranteed the record already exists.
	s.records[sr.CapabilityID] = rec
	s.bloom.Add(sr.CapabilityID)
	s.dirty = true

	return rec, nil
}

// IsRevoked reports whether id has been revoked. The Bloom filter can
// produce false positives (in which case the backing map is consulted and
// found empty) but never false negatives.
func (s *Store) IsRevoked(id string) (Record, bool) {
	if !s.bloom.MaybeContains(id) {
		return Record{}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	return rec, ok
}

// List returns revocations issued by revokedBy, paginated with an opaque
// cursor (the capability id of the last record of the previous page).
func (s *Store) List(revokedBy string, cursor string, limit int) (records []Record, nextCursor string) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}

	// Deterministic order over map iteration: sort by capability id.
	ids := make([]string, 0, len(s.records))
	for id, rec := range s.records {
		if revokedBy == "" || rec.RevokedBy == revokedBy {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	start := 0
	if cursor != "" {
		for i, id := range ids {
			if id > cursor {
				start = i
				break
			}
			start = i + 1
		}
	}

	end := start + limit
	if end > len(ids) {
		end = len(ids)
	}
	for _, id := range ids[start:end] {
		records = append(records, s.records[id])
	}
	if end < len(ids) {
		nextCursor = ids[end-1]
	}
	return records, nextCursor
}

// Cleanup removes records whose original capability expiry has passed:
// once a revoked capability would have expired anyway, there is nothing
// left to protect against and the record can be dropped. A record
// submitted without an original expiry (the zero time, since originalExpiry
// is optional per spec §3) is retained indefinitely rather than purged on
// the first pass (spec §4.5 item 5). The Bloom filter is never shrunk (it
// has no delete operation); a stale bit only costs an extra, harmless
// backing-store lookup.
func (s *Store) Cleanup(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, rec := range s.records {
		if !rec.OriginalExpiry.IsZero() && now.After(rec.OriginalExpiry) {
			delete(s.records, id)
			removed++
		}
	}
	if removed > 0 {
		s.dirty = true
	}
	return removed
}
