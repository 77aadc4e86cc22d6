package sync_test

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocmtlabs/ocmt/internal/ocmterr"
	ocmtsync "github.com/ocmtlabs/ocmt/pkg/sync"
	"github.com/ocmtlabs/ocmt/pkg/vault"
)

type memoryRelay struct {
	mu    sync.Mutex
	store map[string]ocmtsync.Envelope
}

func newMemoryRelay() *memoryRelay { return &memoryRelay{store: map[string]ocmtsync.Envelope{}} }

func (r *memoryRelay) Push(ctx context.Context, capabilityID string, env ocmtsync.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.store[capabilityID] = env
	return nil
}

func (r *memoryRelay) Fetch(ctx context.Context, capabilityID string) (ocmtsync.Envelope, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	env, ok := r.store[capabilityID]
	if !ok {
		return ocmtsync.Envelope{}, ocmterr.New(ocmterr.CodeNoSnapshotAvailable, "no snapshot")
	}
	return env, nil
}

type staticRevocationChecker struct{ revoked bool }

func (c staticRevocationChecker) IsRevoked(ctx context.Context, id string) (bool, error) {
	return c.revoked, nil
}

func newTestVault(t *testing.T) *vault.Vault {
	t.Helper()
	dir, err := os.MkdirTemp("", "ocmt_sync_test")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	v := vault.New(filepath.Join(dir, "secrets.enc"))
	require.NoError(t, v.Initialize("correct horse battery staple"))
	return v
}

func TestSyncSnapshotsPushesDueCapabilities(t *testing.T) {
	issuer := newTestVault(t)
	subjectPub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	now := time.Now()
	subjectKey := encodeTestKey(subjectPub)
	require.NoError(t, issuer.PutIssuedCapability("cap-1", vault.IssuedCapability{
		SubjectPublicKey: subjectKey,
		Resource:         "calendar",
		Scope:            []string{"read"},
		Tier:             "CACHED",
		ExpiresAt:        now.Add(time.Hour),
		CreatedAt:        now,
	}))

	relay := newMemoryRelay()
	source := func(ctx context.Context, id string) ([]byte, error) { return []byte("snapshot-payload"), nil }
	eng := ocmtsync.NewEngine(issuer, relay, relay, nil, source, func() time.Time { return now })

	require.NoError(t, eng.SyncSnapshots(context.Background()))

	rec, ok, err := issuer.GetIssuedCapability("cap-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, rec.LastSnapshotAt)
	assert.WithinDuration(t, now, *rec.LastSnapshotAt, time.Second)
}

func TestFetchAllAvailableSnapshotsDecryptsPush(t *testing.T) {
	issuerVault := newTestVault(t)
	subjectVault := newTestVault(t)
	subjectPub := subjectVault.IdentityPublicKey()

	now := time.Now()
	subjectKey := encodeTestKey(subjectPub)
	require.NoError(t, issuerVault.PutIssuedCapability("cap-2", vault.IssuedCapability{
		SubjectPublicKey: subjectKey,
		Resource:         "calendar",
		Scope:            []string{"read"},
		Tier:             "CACHED",
		ExpiresAt:        now.Add(time.Hour),
		CreatedAt:        now,
	}))

	relay := newMemoryRelay()
	payload := []byte("secret snapshot contents")
	source := func(ctx context.Context, id string) ([]byte, error) { return payload, nil }
	issuerEngine := ocmtsync.NewEngine(issuerVault, relay, relay, nil, source, func() time.Time { return now })
	require.NoError(t, issuerEngine.SyncSnapshots(context.Background()))

	issuerPub := issuerVault.IdentityPublicKey()
	require.NoError(t, subjectVault.PutReceivedCapability("cap-2", vault.ReceivedCapability{
		IssuerPublicKey: encodeTestKey(issuerPub),
		Resource:        "calendar",
		Scope:           []string{"read"},
		Tier:            "CACHED",
		ExpiresAt:       now.Add(time.Hour),
	}))

	subjectEngine := ocmtsync.NewEngine(subjectVault, relay, relay, nil, nil, func() time.Time { return now })
	require.NoError(t, subjectEngine.FetchAllAvailableSnapshots(context.Background()))

	rec, ok, err := subjectVault.GetReceivedCapability("cap-2")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, payload, rec.LocalSnapshotCiphertext)
}

func TestFetchSkipsWhenRevoked(t *testing.T) {
	subjectVault := newTestVault(t)
	now := time.Now()
	require.NoError(t, subjectVault.PutReceivedCapability("cap-3", vault.ReceivedCapability{
		IssuerPublicKey: "irrelevant",
		Tier:            "CACHED",
		ExpiresAt:       now.Add(time.Hour),
	}))

	relay := newMemoryRelay()
	eng := ocmtsync.NewEngine(subjectVault, relay, relay, staticRevocationChecker{revoked: true}, nil, func() time.Time { return now })

	err := eng.FetchAllAvailableSnapshots(context.Background())
	require.Error(t, err)
}

func TestGetCapabilitiesNeedingRefreshSkipsRevokedAndExpired(t *testing.T) {
	v := newTestVault(t)
	now := time.Now()
	subjectPub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	key := encodeTestKey(subjectPub)

	require.NoError(t, v.PutIssuedCapability("due", vault.IssuedCapability{SubjectPublicKey: key, Tier: "CACHED", ExpiresAt: now.Add(time.Hour)}))
	require.NoError(t, v.PutIssuedCapability("revoked", vault.IssuedCapability{SubjectPublicKey: key, Tier: "CACHED", ExpiresAt: now.Add(time.Hour), Revoked: true}))
	require.NoError(t, v.PutIssuedCapability("expired", vault.IssuedCapability{SubjectPublicKey: key, Tier: "CACHED", ExpiresAt: now.Add(-time.Hour)}))

	eng := ocmtsync.NewEngine(v, nil, nil, nil, nil, func() time.Time { return now })
	due, err := eng.GetCapabilitiesNeedingRefresh()
	require.NoError(t, err)
	assert.Equal(t, []string{"due"}, due)
}

func encodeTestKey(pub ed25519.PublicKey) string {
	return base64.RawURLEncoding.EncodeToString(pub)
}
