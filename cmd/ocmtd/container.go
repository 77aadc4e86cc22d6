package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ocmtlabs/ocmt/internal/config"
	"github.com/ocmtlabs/ocmt/internal/runtime"
	"github.com/ocmtlabs/ocmt/internal/telemetry"
	"github.com/ocmtlabs/ocmt/pkg/relayclient"
	"github.com/ocmtlabs/ocmt/pkg/sync"
)

var containerCmd = &cobra.Command{
	Use:   "container",
	Short: "Run a personal-agent container process",
	RunE:  runContainer,
}

func init() {
	rootCmd.AddCommand(containerCmd)
}

func runContainer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log := telemetry.NewLogger(cfg.Logging.Format, cfg.Logging.Level)
	relay := relayclient.New(relayclient.Config{BaseURL: cfg.Relay.URL, Timeout: cfg.Relay.Timeout})

	rt := runtime.New(cfg, log, relay)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rt.Start(ctx)
	defer rt.Stop()

	syncEngine := sync.NewEngine(rt.Vault, relay, relay, relay, vaultSource(rt), time.Now)

	if cfg.Metrics.Enabled {
		go func() {
			if err := telemetry.StartServer(cfg.Metrics.Addr); err != nil {
				log.Error("metrics server stopped", "error", err)
			}
		}()
	}

	log.Info("container started", "vault_dir", cfg.Vault.Directory)

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	for {
		select {
		case <-ticker.C:
			if rt.Session.IsUnlocked() {
				if err := syncEngine.SyncSnapshots(ctx); err != nil {
					log.Warn("snapshot push failed", "error", err)
				}
				if err := syncEngine.FetchAllAvailableSnapshots(ctx); err != nil {
					log.Warn("snapshot fetch failed", "error", err)
				}
			}
		case <-sigCh:
			log.Info("container shutting down")
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

// vaultSource snapshots the current integration credentials for a CACHED
// capability's resource, so the subject can keep acting on that resource
// while this container is offline.
func vaultSource(rt *runtime.Runtime) sync.SourceFunc {
	return func(ctx context.Context, capabilityID string) ([]byte, error) {
		rec, ok, err := rt.Vault.GetIssuedCapability(capabilityID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("container: no issued capability %s to snapshot", capabilityID)
		}
		integration, ok, err := rt.Vault.GetIntegration(rec.Resource)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("container: no integration credentials for resource %s", rec.Resource)
		}
		return json.Marshal(integration)
	}
}
