package vault_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocmtlabs/ocmt/internal/ocmterr"
	"github.com/ocmtlabs/ocmt/pkg/vault"
)

func newTestVault(t *testing.T) (*vault.Vault, string) {
	t.Helper()
	dir, err := os.MkdirTemp("", "ocmt_vault_test")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	path := filepath.Join(dir, "secrets.enc")
	return vault.New(path), path
}

func TestInitializeThenRoundTrip(t *testing.T) {
	v, path := newTestVault(t)

	require.NoError(t, v.Initialize("correct horse battery staple"))
	assert.True(t, v.IsUnlocked())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	err = v.SetIntegration("google", vault.Integration{
		AccessToken:  "at-1",
		RefreshToken: "rt-1",
		ExpiresAt:    time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	v.Lock()
	assert.False(t, v.IsUnlocked())

	v2 := vault.New(path)
	require.NoError(t, v2.Unlock("correct horse battery staple"))
	got, ok, err := v2.GetIntegration("google")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "at-1", got.AccessToken)
	assert.Equal(t, "rt-1", got.RefreshToken)
}

func TestInitializeTwiceFails(t *testing.T) {
	v, _ := newTestVault(t)
	require.NoError(t, v.Initialize("correct horse battery staple"))

	err := v.Initialize("another password")
	assert.True(t, ocmterr.Is(err, ocmterr.CodeAlreadyInitialized))
}

func TestInitializeRejectsWeakPassword(t *testing.T) {
	v, _ := newTestVault(t)
	err := v.Initialize("short")
	assert.True(t, ocmterr.Is(err, ocmterr.CodeWeakPassword))
}

func TestUnlockWrongPasswordFailsAndStaysLocked(t *testing.T) {
	v, path := newTestVault(t)
	require.NoError(t, v.Initialize("correct horse battery staple"))
	v.Lock()

	v2 := vault.New(path)
	err := v2.Unlock("wrong password")
	assert.True(t, ocmterr.Is(err, ocmterr.CodeInvalidPassword))
	assert.False(t, v2.IsUnlocked())
}

func TestUnlockBeforeInitializeFails(t *testing.T) {
	v, _ := newTestVault(t)
	err := v.Unlock("anything")
	assert.True(t, ocmterr.Is(err, ocmterr.CodeNotInitialized))
}

func TestOperationsFailWhenLocked(t *testing.T) {
	v, _ := newTestVault(t)
	require.NoError(t, v.Initialize("correct horse battery staple"))
	v.Lock()

	_, _, err := v.GetIntegration("google")
	assert.True(t, ocmterr.Is(err, ocmterr.CodeLocked))

	err = v.SetIntegration("google", vault.Integration{AccessToken: "x"})
	assert.True(t, ocmterr.Is(err, ocmterr.CodeLocked))
}

func TestRevocationIsMonotonic(t *testing.T) {
	v, _ := newTestVault(t)
	require.NoError(t, v.Initialize("correct horse battery staple"))

	require.NoError(t, v.PutIssuedCapability("cap-1", vault.IssuedCapability{
		Resource:  "calendar",
		Scope:     []string{"read"},
		Tier:      "LIVE",
		ExpiresAt: time.Now().Add(time.Hour),
		CreatedAt: time.Now(),
	}))

	require.NoError(t, v.MarkIssuedRevoked("cap-1"))
	rec, ok, err := v.GetIssuedCapability("cap-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, rec.Revoked)

	// Revoking again is a no-op, never un-revokes.
	require.NoError(t, v.MarkIssuedRevoked("cap-1"))
	rec, _, _ = v.GetIssuedCapability("cap-1")
	assert.True(t, rec.Revoked)
}

func TestRemoveIntegration(t *testing.T) {
	v, _ := newTestVault(t)
	require.NoError(t, v.Initialize("correct horse battery staple"))
	require.NoError(t, v.SetIntegration("slack", vault.Integration{AccessToken: "tok"}))

	require.NoError(t, v.RemoveIntegration("slack"))
	_, ok, err := v.GetIntegration("slack")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestListIntegrationsNeverExposesTokens(t *testing.T) {
	v, _ := newTestVault(t)
	require.NoError(t, v.Initialize("correct horse battery staple"))
	require.NoError(t, v.SetIntegration("google", vault.Integration{
		AccessToken: "secret-token",
		Email:       "user@example.com",
	}))

	list, err := v.ListIntegrations()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "google", list[0].Provider)
	assert.Equal(t, "user@example.com", list[0].Email)
}
