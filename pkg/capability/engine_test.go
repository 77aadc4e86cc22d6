package capability_test

import (
	"context"
	"crypto/ed25519"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocmtlabs/ocmt/internal/ocmterr"
	"github.com/ocmtlabs/ocmt/pkg/capability"
	"github.com/ocmtlabs/ocmt/pkg/vault"
)

func newUnlockedVault(t *testing.T) *vault.Vault {
	t.Helper()
	dir, err := os.MkdirTemp("", "ocmt_capability_test")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	v := vault.New(filepath.Join(dir, "secrets.enc"))
	require.NoError(t, v.Initialize("correct horse battery staple"))
	return v
}

type fakeRevocationChecker struct {
	revoked map[string]bool
}

func (f *fakeRevocationChecker) IsRevoked(ctx context.Context, id string) (bool, error) {
	return f.revoked[id], nil
}

type fakeTransport struct {
	calls   int
	failN   int // fail the first failN calls with a transient error
	hardErr error
	resp    []byte
}

func (f *fakeTransport) Do(ctx context.Context, tier capability.Tier, resource string, req []byte) ([]byte, error) {
	f.calls++
	if f.hardErr != nil {
		return nil, f.hardErr
	}
	if f.calls <= f.failN {
		return nil, capability.Transient(errors.New("relay unreachable"))
	}
	return f.resp, nil
}

func TestIssueThenVerifyAndAuthorize(t *testing.T) {
	v := newUnlockedVault(t)
	subjectPub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	eng := capability.NewEngine(v, nil, nil)
	_, wire, err := eng.Issue(subjectPub, "calendar", []string{"read", "write"}, capability.TierLive, time.Hour)
	require.NoError(t, err)

	h, err := eng.VerifyAndAuthorize(context.Background(), wire, &subjectPub, "calendar", []string{"read"})
	require.NoError(t, err)
	assert.Equal(t, "calendar", h.Resource)
}

func TestVerifyAndAuthorizeRejectsScopeViolationWithoutNetworkCall(t *testing.T) {
	v := newUnlockedVault(t)
	subjectPub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	checker := &fakeRevocationChecker{revoked: map[string]bool{}}
	eng := capability.NewEngine(v, checker, nil)
	_, wire, err := eng.Issue(subjectPub, "calendar", []string{"read"}, capability.TierLive, time.Hour)
	require.NoError(t, err)

	transport := &fakeTransport{resp: []byte("ok")}
	_, err = eng.Execute(context.Background(), wire, &subjectPub, "calendar", []string{"delete"}, nil, transport)
	require.True(t, ocmterr.Is(err, ocmterr.CodeScopeViolation))
	assert.Equal(t, 0, transport.calls, "scope violation must never reach the transport")
}

func TestExecuteRevokedCapabilityFails(t *testing.T) {
	v := newUnlockedVault(t)
	subjectPub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	tok, wire, err := (func() (*capability.Token, string, error) {
		eng := capability.NewEngine(v, nil, nil)
		return eng.Issue(subjectPub, "calendar", []string{"read"}, capability.TierLive, time.Hour)
	})()
	require.NoError(t, err)

	checker := &fakeRevocationChecker{revoked: map[string]bool{tok.Header.ID: true}}
	eng := capability.NewEngine(v, checker, nil)
	require.NoError(t, eng.Revoke(tok.Header.ID))

	transport := &fakeTransport{resp: []byte("ok")}
	_, err = eng.Execute(context.Background(), wire, &subjectPub, "calendar", []string{"read"}, nil, transport)
	require.True(t, ocmterr.Is(err, ocmterr.CodeRevoked))
	assert.Equal(t, 0, transport.calls)
}

func TestRevokeIsIdempotent(t *testing.T) {
	v := newUnlockedVault(t)
	subjectPub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	eng := capability.NewEngine(v, nil, nil)
	tok, _, err := eng.Issue(subjectPub, "calendar", []string{"read"}, capability.TierLive, time.Hour)
	require.NoError(t, err)

	require.NoError(t, eng.Revoke(tok.Header.ID))
	require.NoError(t, eng.Revoke(tok.Header.ID))

	rec, ok, err := v.GetIssuedCapability(tok.Header.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, rec.Revoked)
}

func TestExecuteRetriesTransientFailures(t *testing.T) {
	v := newUnlockedVault(t)
	subjectPub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	eng := capability.NewEngine(v, nil, nil)
	_, wire, err := eng.Issue(subjectPub, "calendar", []string{"read"}, capability.TierLive, time.Hour)
	require.NoError(t, err)

	transport := &fakeTransport{failN: 2, resp: []byte("finally")}
	resp, err := eng.Execute(context.Background(), wire, &subjectPub, "calendar", []string{"read"}, nil, transport)
	require.NoError(t, err)
	assert.Equal(t, []byte("finally"), resp)
	assert.Equal(t, 3, transport.calls)
}

func TestExecuteExhaustsRetriesThenFails(t *testing.T) {
	v := newUnlockedVault(t)
	subjectPub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	eng := capability.NewEngine(v, nil, nil)
	_, wire, err := eng.Issue(subjectPub, "calendar", []string{"read"}, capability.TierLive, time.Hour)
	require.NoError(t, err)

	transport := &fakeTransport{failN: 100}
	_, err = eng.Execute(context.Background(), wire, &subjectPub, "calendar", []string{"read"}, nil, transport)
	require.True(t, ocmterr.Is(err, ocmterr.CodeNetworkError))
	assert.Equal(t, 4, transport.calls)
}

func TestExecuteDoesNotRetryBadSignature(t *testing.T) {
	v := newUnlockedVault(t)
	subjectPub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	eng := capability.NewEngine(v, nil, nil)
	_, wire, err := eng.Issue(subjectPub, "calendar", []string{"read"}, capability.TierLive, time.Hour)
	require.NoError(t, err)

	tampered := wire[:len(wire)-2] + "aa"
	transport := &fakeTransport{resp: []byte("ok")}
	_, err = eng.Execute(context.Background(), tampered, &subjectPub, "calendar", []string{"read"}, nil, transport)
	require.Error(t, err)
	assert.Equal(t, 0, transport.calls)
}

func TestCollectExpiredSkipsLiveSnapshotWindow(t *testing.T) {
	v := newUnlockedVault(t)
	subjectPub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	fixed := time.Now()
	eng := capability.NewEngine(v, nil, func() time.Time { return fixed })

	_, liveWire, err := eng.Issue(subjectPub, "calendar", []string{"read"}, capability.TierLive, time.Minute)
	require.NoError(t, err)
	liveTok, err := capability.Parse(liveWire)
	require.NoError(t, err)

	_, cachedWire, err := eng.Issue(subjectPub, "calendar", []string{"read"}, capability.TierCached, time.Minute)
	require.NoError(t, err)
	cachedTok, err := capability.Parse(cachedWire)
	require.NoError(t, err)
	lastSnap := fixed
	require.NoError(t, v.UpdateIssuedSnapshotSchedule(cachedTok.Header.ID, lastSnap, lastSnap.Add(5*time.Minute)))

	expired, err := eng.CollectExpired(context.Background(), fixed.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Contains(t, expired, liveTok.Header.ID)
	assert.NotContains(t, expired, cachedTok.Header.ID, "cached capability's snapshot is still valid at 2m, live's 1m expiry has passed")
}
