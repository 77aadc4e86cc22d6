// Package sync implements the container-side snapshot sync loop for
// CACHED-tier capabilities: pushing freshly sealed snapshots to the relay
// for capabilities this container has issued, and pulling/decrypting
// snapshots for capabilities this container has received (spec §4.6-4.7).
package sync

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	ocmtcrypto "github.com/ocmtlabs/ocmt/internal/crypto"
	"github.com/ocmtlabs/ocmt/internal/ocmterr"
	"github.com/ocmtlabs/ocmt/pkg/vault"
)

// snapshotInterval mirrors pkg/capability's scheduling cadence for CACHED
// capabilities.
const snapshotInterval = 5 * time.Minute

// revocationCacheTTL bounds how long a locally cached "not revoked"
// answer may be trusted before re-checking the relay (spec §4.7: a
// capability's revocation status is cached locally for up to 30 seconds).
const revocationCacheTTL = 30 * time.Second

// SnapshotPusher uploads a sealed, signed snapshot envelope to the relay
// for a given capability id.
type SnapshotPusher interface {
	Push(ctx context.Context, capabilityID string, envelope Envelope) error
}

// SnapshotFetcher downloads the current snapshot envelope for a capability
// id, or ocmterr.CodeNoSnapshotAvailable if the relay holds none.
type SnapshotFetcher interface {
	Fetch(ctx context.Context, capabilityID string) (Envelope, error)
}

// RevocationChecker answers whether a capability has been revoked, per
// pkg/capability.RevocationChecker's contract.
type RevocationChecker interface {
	IsRevoked(ctx context.Context, capabilityID string) (bool, error)
}

// Envelope is the opaque structure exchanged with the relay: an
// ECDH-sealed, issuer-signed blob the relay can store and return without
// ever reading.
type Envelope struct {
	Ciphertext   []byte
	EphemeralPub []byte
	Signature    []byte
	IssuerPubKey []byte
	ExpiresAt    time.Time
}

// SourceFunc produces the plaintext payload to snapshot for a given
// capability id, e.g. the current state of an integration's resource.
type SourceFunc func(ctx context.Context, capabilityID string) ([]byte, error)

type cachedRevocation struct {
	revoked   bool
	checkedAt time.Time
}

// Engine drives the push and pull halves of snapshot sync for one
// container's vault.
type Engine struct {
	vault      *vault.Vault
	pusher     SnapshotPusher
	fetcher    SnapshotFetcher
	revocation RevocationChecker
	source     SourceFunc
	now        func() time.Time

	sf singleflight.Group

	revCacheMu sync.Mutex
	revCache   map[string]cachedRevocation
}

// NewEngine wires a sync Engine. nowFn may be nil to use time.Now.
func NewEngine(v *vault.Vault, pusher SnapshotPusher, fetcher SnapshotFetcher, revocation RevocationChecker, source SourceFunc, nowFn func() time.Time) *Engine {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Engine{
		vault:      v,
		pusher:     pusher,
		fetcher:    fetcher,
		revocation: revocation,
		source:     source,
		now:        nowFn,
		revCache:   make(map[string]cachedRevocation),
	}
}

// GetCapabilitiesNeedingRefresh returns issued-side CACHED capability ids
// whose NextSnapshotDueAt has passed.
func (e *Engine) GetCapabilitiesNeedingRefresh() ([]string, error) {
	issued, err := e.vault.ListIssuedCapabilities()
	if err != nil {
		return nil, err
	}
	now := e.now()
	var due []string
	for id, rec := range issued {
		if rec.Tier != "CACHED" || rec.Revoked {
			continue
		}
		if rec.ExpiresAt.Before(now) {
			continue
		}
		if rec.NextSnapshotDueAt == nil || !rec.NextSnapshotDueAt.After(now) {
			due = append(due, id)
		}
	}
	return due, nil
}

// SyncSnapshots pushes a fresh snapshot for every issued CACHED capability
// due for refresh. Concurrent calls for the issued direction collapse into
// one in-flight push per capability id via singleflight, mirroring the
// pack's approach to deduplicating concurrent resolves.
func (e *Engine) SyncSnapshots(ctx context.Context) error {
	due, err := e.GetCapabilitiesNeedingRefresh()
	if err != nil {
		return err
	}
	for _, id := range due {
		_, err, _ := e.sf.Do("push:"+id, func() (interface{}, error) {
			return nil, e.pushOne(ctx, id)
		})
		if err != nil {
			return fmt.Errorf("sync: push %s: %w", id, err)
		}
	}
	return nil
}

func (e *Engine) pushOne(ctx context.Context, capabilityID string) error {
	rec, ok, err := e.vault.GetIssuedCapability(capabilityID)
	if err != nil {
		return err
	}
	if !ok {
		return ocmterr.New(ocmterr.CodeInvalidPayload, "unknown issued capability")
	}

	subjectPub, err := decodeSubjectKey(rec.SubjectPublicKey)
	if err != nil {
		return err
	}
	payload, err := e.source(ctx, capabilityID)
	if err != nil {
		return err
	}

	ephemeral, err := ocmtcrypto.GenerateX25519Ephemeral()
	if err != nil {
		return err
	}
	subjectX25519, err := ocmtcrypto.Ed25519PublicToX25519(subjectPub)
	if err != nil {
		return err
	}
	shared, err := ocmtcrypto.ECDH(ephemeral.Private, subjectX25519)
	if err != nil {
		return err
	}
	snapKey, err := ocmtcrypto.DeriveSnapshotKey(shared)
	if err != nil {
		return err
	}
	defer ocmtcrypto.Zero(snapKey)
	defer ocmtcrypto.Zero(shared)

	sealed, err := ocmtcrypto.SealXChaCha20Poly1305(snapKey, payload, []byte(capabilityID))
	if err != nil {
		return err
	}

	issuerPriv, err := e.vault.IdentityPrivateKey()
	if err != nil {
		return err
	}
	ephemeralPub := ephemeral.Public.Bytes()
	signed := append(append([]byte{}, sealed...), ephemeralPub...)
	sig := ocmtcrypto.Sign(issuerPriv, signed)

	now := e.now()
	envelope := Envelope{
		Ciphertext:   sealed,
		EphemeralPub: ephemeralPub,
		Signature:    sig,
		IssuerPubKey: e.vault.IdentityPublicKey(),
		ExpiresAt:    rec.ExpiresAt,
	}
	if err := e.pusher.Push(ctx, capabilityID, envelope); err != nil {
		return ocmterr.Wrap(ocmterr.CodeRelayUnreachable, "snapshot push failed", err)
	}

	next := now.Add(snapshotInterval)
	return e.vault.UpdateIssuedSnapshotSchedule(capabilityID, now, next)
}

// FetchAllAvailableSnapshots pulls and decrypts the latest snapshot for
// every received CACHED capability this container holds, storing the
// decrypted plaintext on the received-side vault record.
func (e *Engine) FetchAllAvailableSnapshots(ctx context.Context) error {
	received, err := e.vault.ListReceivedCapabilities()
	if err != nil {
		return err
	}
	for id, rec := range received {
		if rec.Tier != "CACHED" {
			continue
		}
		if _, err, _ := e.sf.Do("fetch:"+id, func() (interface{}, error) {
			return nil, e.fetchOne(ctx, id)
		}); err != nil {
			return fmt.Errorf("sync: fetch %s: %w", id, err)
		}
	}
	return nil
}

func (e *Engine) fetchOne(ctx context.Context, capabilityID string) error {
	revoked, err := e.isRevokedCached(ctx, capabilityID)
	if err != nil {
		return err
	}
	if revoked {
		return ocmterr.New(ocmterr.CodeRevoked, "capability has been revoked")
	}

	env, err := e.fetcher.Fetch(ctx, capabilityID)
	if err != nil {
		return err
	}

	if len(env.IssuerPubKey) != ed25519.PublicKeySize {
		return ocmterr.New(ocmterr.CodeMalformedToken, "invalid issuer public key in envelope")
	}
	issuerPub := ed25519.PublicKey(env.IssuerPubKey)
	signed := append(append([]byte{}, env.Ciphertext...), env.EphemeralPub...)
	if !ocmtcrypto.Verify(issuerPub, signed, env.Signature) {
		return ocmterr.New(ocmterr.CodeBadSignature, "snapshot envelope signature invalid")
	}

	subjectPriv, err := e.vault.IdentityPrivateKey()
	if err != nil {
		return err
	}
	subjectScalar, err := ocmtcrypto.Ed25519PrivateToX25519(subjectPriv)
	if err != nil {
		return err
	}
	subjectX25519Priv, err := newX25519PrivateKey(subjectScalar)
	if err != nil {
		return err
	}
	shared, err := ocmtcrypto.ECDH(subjectX25519Priv, env.EphemeralPub)
	if err != nil {
		return err
	}
	snapKey, err := ocmtcrypto.DeriveSnapshotKey(shared)
	if err != nil {
		return err
	}
	defer ocmtcrypto.Zero(snapKey)
	defer ocmtcrypto.Zero(shared)

	plaintext, err := ocmtcrypto.OpenXChaCha20Poly1305(snapKey, env.Ciphertext, []byte(capabilityID))
	if err != nil {
		return ocmterr.Wrap(ocmterr.CodeAEADFailure, "snapshot decrypt failed", err)
	}

	return e.vault.UpdateReceivedSnapshot(capabilityID, plaintext, e.now().Format(time.RFC3339))
}

// isRevokedCached answers a revocation question from the local cache when
// it is fresh enough, falling back to the checker and refreshing the
// cache otherwise.
func (e *Engine) isRevokedCached(ctx context.Context, capabilityID string) (bool, error) {
	if e.revocation == nil {
		return false, nil
	}
	now := e.now()

	e.revCacheMu.Lock()
	if c, ok := e.revCache[capabilityID]; ok && now.Sub(c.checkedAt) < revocationCacheTTL {
		e.revCacheMu.Unlock()
		return c.revoked, nil
	}
	e.revCacheMu.Unlock()

	revoked, err := e.revocation.IsRevoked(ctx, capabilityID)
	if err != nil {
		return false, err
	}

	e.revCacheMu.Lock()
	e.revCache[capabilityID] = cachedRevocation{revoked: revoked, checkedAt: now}
	e.revCacheMu.Unlock()

	return revoked, nil
}

func decodeSubjectKey(s string) (ed25519.PublicKey, error) {
	return vaultPublicKeyDecoder(s)
}
