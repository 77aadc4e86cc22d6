// Package session implements the in-memory vault-unlock session: TTL,
// keep-alive, and per-IP exponential backoff on failed unlocks (spec
// §4.3). All state here is process-local; nothing is persisted.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/ocmtlabs/ocmt/internal/ocmterr"
	"github.com/ocmtlabs/ocmt/pkg/vault"
)

// DefaultTTL is the session lifetime from last activity.
const DefaultTTL = 30 * time.Minute

// UnlockKDFTimeout is the hard ceiling on the KDF during unlock (spec §5).
const UnlockKDFTimeout = 30 * time.Second

// Manager owns the process-local unlock session layered on top of a Vault:
// expiry, keep-alive, and backoff bookkeeping the Vault itself knows
// nothing about.
type Manager struct {
	vault *vault.Vault
	ttl   time.Duration

	backoff   BackoffStore
	opLimiter *OpRateLimiter

	mu           sync.Mutex
	expiresAt    time.Time
	lastActivity time.Time
	active       bool
}

// NewManager wires a Manager around an existing (possibly already
// initialized) vault. backoff/opLimiter may be nil, in which case
// in-memory defaults are created.
func NewManager(v *vault.Vault, ttl time.Duration, backoff BackoffStore, opLimiter *OpRateLimiter) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if backoff == nil {
		backoff = NewMemoryBackoffStore()
	}
	if opLimiter == nil {
		opLimiter = NewOpRateLimiter()
	}
	return &Manager{vault: v, ttl: ttl, backoff: backoff, opLimiter: opLimiter}
}

// Vault returns the underlying vault, for components that need direct
// access once a session is active (capability engine, sync engine).
func (m *Manager) Vault() *vault.Vault { return m.vault }

// Unlock gates on the per-IP backoff schedule, then attempts to unlock the
// vault within UnlockKDFTimeout. A timed-out KDF counts against backoff
// (spec §5) exactly like a wrong password.
func (m *Manager) Unlock(ctx context.Context, ip, password string) (time.Duration, error) {
	allowed, retryAfter, err := m.backoff.Check(ctx, ip)
	if err != nil {
		return 0, err
	}
	if !allowed {
		return 0, rateLimited(retryAfter)
	}

	done := make(chan error, 1)
	go func() {
		done <- m.vault.Unlock(password)
	}()

	var unlockErr error
	select {
	case unlockErr = <-done:
	case <-time.After(UnlockKDFTimeout):
		unlockErr = ocmterr.New(ocmterr.CodeUnlockTimeout, "unlock exceeded KDF time ceiling")
	case <-ctx.Done():
		return 0, ctx.Err()
	}

	if unlockErr != nil {
		if recErr := m.backoff.RecordFailure(ctx, ip); recErr != nil {
			return 0, recErr
		}
		return 0, unlockErr
	}

	if err := m.backoff.Reset(ctx, ip); err != nil {
		return 0, err
	}

	now := time.Now()
	m.mu.Lock()
	m.active = true
	m.lastActivity = now
	m.expiresAt = now.Add(m.ttl)
	m.mu.Unlock()

	return m.ttl, nil
}

// Lock locks the vault and clears session bookkeeping.
func (m *Manager) Lock() {
	m.vault.Lock()
	m.mu.Lock()
	m.active = false
	m.mu.Unlock()
}

// IsUnlocked reports whether the session is active and unexpired, locking
// the vault as a side effect if the TTL has elapsed since the last
// activity (spec: "if no call for TTL, the manager locks and zeroizes
// keys"). The auto-lock timer in internal/runtime drives this
// independently too; this lazy check guarantees correctness even if that
// timer is not running (e.g. in tests).
func (m *Manager) IsUnlocked() bool {
	m.mu.Lock()
	expired := m.active && time.Now().After(m.expiresAt)
	active := m.active
	m.mu.Unlock()

	if expired {
		m.Lock()
		return false
	}
	return active && m.vault.IsUnlocked()
}

// ExtendSession pushes expiry out by the full TTL from now (spec §4.3
// keep-alive). Returns the new remaining duration.
func (m *Manager) ExtendSession() (time.Duration, error) {
	if !m.IsUnlocked() {
		return 0, ocmterr.New(ocmterr.CodeLocked, "no active session to extend")
	}
	now := time.Now()
	m.mu.Lock()
	m.lastActivity = now
	m.expiresAt = now.Add(m.ttl)
	m.mu.Unlock()
	return m.ttl, nil
}

// ExpiresIn returns the remaining session lifetime, or 0 if inactive.
func (m *Manager) ExpiresIn() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.active {
		return 0
	}
	if d := time.Until(m.expiresAt); d > 0 {
		return d
	}
	return 0
}

// CheckOpRateLimit enforces the ≤30/min/IP secret-store operation cap,
// independent of unlock backoff.
func (m *Manager) CheckOpRateLimit(ip string) error {
	if !m.opLimiter.Allow(ip) {
		return ocmterr.New(ocmterr.CodeRateLimited, "too many secret-store operations")
	}
	return nil
}

// CheckAutoLock is called on a timer by runtime glue; it locks the vault
// if the session has expired. Safe to call when no session is active.
func (m *Manager) CheckAutoLock() {
	m.mu.Lock()
	expired := m.active && time.Now().After(m.expiresAt)
	m.mu.Unlock()
	if expired {
		m.Lock()
	}
}

func rateLimited(retryAfter time.Duration) error {
	// Round up to a whole second so the wait reported right after a
	// failure is the full schedule entry, not that entry minus the time
	// already elapsed since the failure.
	if rem := retryAfter % time.Second; rem != 0 {
		retryAfter += time.Second - rem
	}
	return ocmterr.Wrap(ocmterr.CodeRateLimited, "too many failed unlock attempts", retryAfterError(retryAfter))
}

// RetryAfterError carries retryAfter through the error chain so that RPC
// framing (out of scope here) can read it back out via errors.As.
type RetryAfterError struct {
	RetryAfter time.Duration
}

func (e *RetryAfterError) Error() string { return "retry after " + e.RetryAfter.String() }

func retryAfterError(d time.Duration) error { return &RetryAfterError{RetryAfter: d} }
