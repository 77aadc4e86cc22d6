package runtime_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocmtlabs/ocmt/internal/config"
	"github.com/ocmtlabs/ocmt/internal/runtime"
	"github.com/ocmtlabs/ocmt/pkg/vault"
)

type noopRevocationChecker struct{}

func (noopRevocationChecker) IsRevoked(ctx context.Context, capabilityID string) (bool, error) {
	return false, nil
}

func newTestConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		Vault: config.VaultConfig{
			Directory:     dir,
			PassphraseEnv: "OCMT_TEST_VAULT_PASSWORD",
		},
		Session: config.SessionConfig{
			TTL:              time.Hour,
			AutoLockInterval: 20 * time.Millisecond,
		},
	}
}

func TestStartAutoUnlocksFromEnv(t *testing.T) {
	cfg := newTestConfig(t)
	v := vault.New(filepath.Join(cfg.Vault.Directory, "vault.dat"))
	require.NoError(t, v.Initialize("correct horse battery staple"))
	v.Lock()

	t.Setenv("OCMT_TEST_VAULT_PASSWORD", "correct horse battery staple")

	rt := runtime.New(cfg, nil, noopRevocationChecker{})
	rt.Start(context.Background())
	defer rt.Stop()

	assert.True(t, rt.Session.IsUnlocked())
}

func TestStartWithoutEnvLeavesVaultLocked(t *testing.T) {
	cfg := newTestConfig(t)
	v := vault.New(filepath.Join(cfg.Vault.Directory, "vault.dat"))
	require.NoError(t, v.Initialize("correct horse battery staple"))
	v.Lock()

	os.Unsetenv("OCMT_TEST_VAULT_PASSWORD")

	rt := runtime.New(cfg, nil, noopRevocationChecker{})
	rt.Start(context.Background())
	defer rt.Stop()

	assert.False(t, rt.Session.IsUnlocked())
}

func TestAutoLockLoopLocksAfterTTL(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.Session.TTL = 10 * time.Millisecond
	v := vault.New(filepath.Join(cfg.Vault.Directory, "vault.dat"))
	require.NoError(t, v.Initialize("correct horse battery staple"))
	v.Lock()

	t.Setenv("OCMT_TEST_VAULT_PASSWORD", "correct horse battery staple")

	rt := runtime.New(cfg, nil, noopRevocationChecker{})
	rt.Start(context.Background())
	defer rt.Stop()

	require.True(t, rt.Session.IsUnlocked())
	time.Sleep(100 * time.Millisecond)
	assert.False(t, rt.Session.IsUnlocked())
}

func TestStopIsIdempotent(t *testing.T) {
	cfg := newTestConfig(t)
	v := vault.New(filepath.Join(cfg.Vault.Directory, "vault.dat"))
	require.NoError(t, v.Initialize("correct horse battery staple"))
	v.Lock()

	rt := runtime.New(cfg, nil, noopRevocationChecker{})
	rt.Start(context.Background())
	rt.Stop()
	assert.NotPanics(t, func() { rt.Stop() })
}
