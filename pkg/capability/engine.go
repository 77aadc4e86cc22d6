package capability

import (
	"context"
	"crypto/ed25519"
	"errors"
	"time"

	"github.com/ocmtlabs/ocmt/internal/ocmterr"
	"github.com/ocmtlabs/ocmt/pkg/vault"
)

// retrySchedule is the wait before each retry of a transient transport
// failure during Execute: up to three retries after the first attempt.
var retrySchedule = []time.Duration{100 * time.Millisecond, 400 * time.Millisecond, 1600 * time.Millisecond}

// RevocationChecker answers whether a capability id is currently revoked.
// Satisfied by pkg/relayclient.Client.
type RevocationChecker interface {
	IsRevoked(ctx context.Context, capabilityID string) (bool, error)
}

// Transport performs the actual operation execution once a capability has
// been verified and authorized. The caller passes one to Execute; no
// package in this module implements it.
type Transport interface {
	Do(ctx context.Context, tier Tier, resource string, req []byte) ([]byte, error)
}

// transientError marks an error as worth retrying under Execute's schedule.
type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient wraps err so Execute's retry loop treats it as retriable. Use
// this from a Transport implementation for network/timeout failures only —
// never for BadSignature, Expired, Revoked, or ScopeViolation.
func Transient(err error) error { return &transientError{err: err} }

func isTransient(err error) bool {
	var t *transientError
	return errors.As(err, &t)
}

// Engine ties together the vault, the signed-token format, and a
// revocation checker to implement issue/verify/revoke/execute (spec §4.4).
type Engine struct {
	vault      *vault.Vault
	revocation RevocationChecker
	now        func() time.Time
}

// NewEngine wires an Engine around an unlocked-or-not vault; nowFn may be
// nil to use time.Now.
func NewEngine(v *vault.Vault, revocation RevocationChecker, nowFn func() time.Time) *Engine {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Engine{vault: v, revocation: revocation, now: nowFn}
}

// Issue signs a new capability for subjectPub over resource/scope/tier,
// and records it as an issued-side vault entry.
func (e *Engine) Issue(subjectPub ed25519.PublicKey, resource string, scope []string, tier Tier, expiresIn time.Duration) (*Token, string, error) {
	priv, err := e.vault.IdentityPrivateKey()
	if err != nil {
		return nil, "", err
	}
	now := e.now()
	tok, wire, err := Issue(priv, subjectPub, resource, scope, tier, expiresIn, now)
	if err != nil {
		return nil, "", err
	}

	rec := vault.IssuedCapability{
		SubjectPublicKey: tok.Header.Sub,
		Resource:         resource,
		Scope:            append([]string(nil), scope...),
		Tier:             string(tier),
		ExpiresAt:        time.Unix(tok.Header.Exp, 0),
		CreatedAt:        now,
	}
	if tier == TierCached {
		due := now.Add(snapshotInterval)
		rec.NextSnapshotDueAt = &due
	}
	if err := e.vault.PutIssuedCapability(tok.Header.ID, rec); err != nil {
		return nil, "", err
	}
	return tok, wire, nil
}

// snapshotInterval is the cadence a newly issued CACHED capability is first
// scheduled at; pkg/sync advances it after each successful push.
const snapshotInterval = 5 * time.Minute

// VerifyAndAuthorize checks a token's signature and temporal validity,
// confirms it has not been revoked, and enforces that the requested scope
// is a subset of the token's granted scope for the exact resource named.
// No network call happens if the scope check fails (spec §4.4, S6).
func (e *Engine) VerifyAndAuthorize(ctx context.Context, wire string, expectedSubject *ed25519.PublicKey, resource string, requiredScope []string) (*Header, error) {
	tok, err := Parse(wire)
	if err != nil {
		return nil, err
	}
	h, err := Verify(tok, expectedSubject, e.now())
	if err != nil {
		return nil, err
	}
	if h.Resource != resource {
		return nil, ocmterr.New(ocmterr.CodeScopeViolation, "token not issued for this resource")
	}
	if !scopeSatisfies(h.Scope, requiredScope) {
		return nil, ocmterr.New(ocmterr.CodeScopeViolation, "required scope exceeds granted scope")
	}

	if e.revocation != nil {
		revoked, err := e.revocation.IsRevoked(ctx, h.ID)
		if err != nil {
			if !ocmterr.Is(err, ocmterr.CodeRelayUnreachable) {
				return nil, ocmterr.Wrap(ocmterr.CodeIssuerOffline, "revocation check failed", err)
			}
			// An unreachable relay counts as "not revoked"; the token's
			// own exp still bounds it.
			revoked = false
		}
		if revoked {
			return nil, ocmterr.New(ocmterr.CodeRevoked, "capability has been revoked")
		}
	}
	return h, nil
}

// scopeSatisfies reports whether every entry of required is present in
// granted.
func scopeSatisfies(granted, required []string) bool {
	set := make(map[string]struct{}, len(granted))
	for _, s := range granted {
		set[s] = struct{}{}
	}
	for _, r := range required {
		if _, ok := set[r]; !ok {
			return false
		}
	}
	return true
}

// Revoke marks an issued capability as revoked. Idempotent: revoking
// twice succeeds silently (spec §3 monotonic revocation).
func (e *Engine) Revoke(capabilityID string) error {
	return e.vault.MarkIssuedRevoked(capabilityID)
}

// Execute verifies and authorizes wire for resource/requiredScope, then
// dispatches req to transport under the token's tier, retrying transient
// transport failures per retrySchedule. BadSignature, Expired, Revoked, and
// ScopeViolation are never retried.
func (e *Engine) Execute(ctx context.Context, wire string, expectedSubject *ed25519.PublicKey, resource string, requiredScope []string, req []byte, transport Transport) ([]byte, error) {
	h, err := e.VerifyAndAuthorize(ctx, wire, expectedSubject, resource, requiredScope)
	if err != nil {
		return nil, err
	}

	var lastErr error
	attempts := len(retrySchedule) + 1
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(retrySchedule[attempt-1]):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		resp, err := transport.Do(ctx, h.Tier, resource, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !isTransient(err) {
			return nil, err
		}
	}
	return nil, ocmterr.Wrap(ocmterr.CodeNetworkError, "exhausted retries", lastErr)
}

// CollectExpired scans issued-side records and returns the ids eligible
// for garbage collection: tokens past their expiry, except CACHED records
// whose LastSnapshotAt plus snapshotInterval is still after olderThan.
// It only reports ids; it deletes nothing.
func (e *Engine) CollectExpired(ctx context.Context, olderThan time.Time) ([]string, error) {
	issued, err := e.vault.ListIssuedCapabilities()
	if err != nil {
		return nil, err
	}
	var expired []string
	for id, rec := range issued {
		if rec.ExpiresAt.After(olderThan) {
			continue
		}
		if rec.Tier == string(TierCached) && rec.LastSnapshotAt != nil {
			snapshotExpiry := rec.LastSnapshotAt.Add(snapshotInterval)
			if snapshotExpiry.After(olderThan) {
				continue
			}
		}
		expired = append(expired, id)
	}
	return expired, nil
}
