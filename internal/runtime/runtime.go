// Package runtime wires the vault, session manager and capability engine
// into a single process lifecycle: open the vault, attempt
// auto-unlock from the environment, and run the background auto-lock timer
// for as long as the process lives.
package runtime

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/ocmtlabs/ocmt/internal/config"
	"github.com/ocmtlabs/ocmt/internal/telemetry"
	"github.com/ocmtlabs/ocmt/pkg/capability"
	"github.com/ocmtlabs/ocmt/pkg/session"
	"github.com/ocmtlabs/ocmt/pkg/vault"
)

// Runtime owns the process-local singletons for one container: the vault,
// its unlock session, and the capability engine built on top of them.
type Runtime struct {
	cfg     *config.Config
	log     *slog.Logger
	Vault   *vault.Vault
	Session *session.Manager
	Engine  *capability.Engine

	stopAutoLock chan struct{}
	wg           sync.WaitGroup
}

// New opens (but does not unlock) the vault at cfg.Vault.Directory/vault.dat
// and builds the session manager around it. Call Start to begin the
// auto-unlock attempt and auto-lock timer.
func New(cfg *config.Config, log *slog.Logger, revocation capability.RevocationChecker) *Runtime {
	if log == nil {
		log = telemetry.NewLogger(cfg.Logging.Format, cfg.Logging.Level)
	}

	v := vault.New(vaultFilePath(cfg))
	mgr := session.NewManager(v, cfg.Session.TTL, nil, nil)
	engine := capability.NewEngine(v, revocation, time.Now)

	return &Runtime{
		cfg:          cfg,
		log:          log,
		Vault:        v,
		Session:      mgr,
		Engine:       engine,
		stopAutoLock: make(chan struct{}),
	}
}

func vaultFilePath(cfg *config.Config) string {
	return cfg.Vault.Directory + "/vault.dat"
}

// Start attempts auto-unlock from the configured environment variable (if
// the vault is initialized and the variable is set) and launches the
// auto-lock ticker. It never fails on a missing/wrong auto-unlock
// password; auto-unlock is a convenience, not a requirement to start.
func (r *Runtime) Start(ctx context.Context) {
	if r.Vault.Initialized() {
		if pw, ok := os.LookupEnv(r.cfg.Vault.PassphraseEnv); ok && pw != "" {
			if _, err := r.Session.Unlock(ctx, "local", pw); err != nil {
				r.log.Warn("auto-unlock failed", "error", err)
				telemetry.SessionUnlockAttempts.WithLabelValues("invalid_password").Inc()
			} else {
				r.log.Info("vault auto-unlocked")
				telemetry.SessionUnlockAttempts.WithLabelValues("success").Inc()
				telemetry.SessionsActive.Inc()
			}
		}
	}

	r.wg.Add(1)
	go r.autoLockLoop()
}

func (r *Runtime) autoLockLoop() {
	defer r.wg.Done()
	interval := r.cfg.Session.AutoLockInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	wasUnlocked := r.Session.IsUnlocked()
	for {
		select {
		case <-ticker.C:
			r.Session.CheckAutoLock()
			nowUnlocked := r.Session.IsUnlocked()
			if wasUnlocked && !nowUnlocked {
				r.log.Info("session auto-locked")
				telemetry.SessionsActive.Dec()
			}
			wasUnlocked = nowUnlocked
		case <-r.stopAutoLock:
			return
		}
	}
}

// Stop halts the auto-lock timer and locks the vault. Safe to call more
// than once.
func (r *Runtime) Stop() {
	select {
	case <-r.stopAutoLock:
	default:
		close(r.stopAutoLock)
	}
	r.wg.Wait()
	r.Session.Lock()
}
