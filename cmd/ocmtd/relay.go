package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ocmtlabs/ocmt/internal/config"
	"github.com/ocmtlabs/ocmt/internal/gateway"
	"github.com/ocmtlabs/ocmt/internal/relayserver"
	"github.com/ocmtlabs/ocmt/internal/telemetry"
	"github.com/ocmtlabs/ocmt/pkg/revocation"
	"github.com/ocmtlabs/ocmt/pkg/snapshot"
)

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Run the always-on snapshot and revocation relay",
	RunE:  runRelay,
}

func init() {
	rootCmd.AddCommand(relayCmd)
}

func runRelay(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log := telemetry.NewLogger(cfg.Logging.Format, cfg.Logging.Level)

	snapStore, err := snapshot.NewStore(cfg.RelayServer.SnapshotPath)
	if err != nil {
		return err
	}
	defer snapStore.Close()

	revStore, err := revocation.NewPersistentStore(cfg.RelayServer.RevocationPath)
	if err != nil {
		return err
	}
	defer revStore.Close()

	var issuer *gateway.Issuer
	if secret := os.Getenv(cfg.Gateway.JWTSecretEnv); secret != "" {
		issuer, err = gateway.NewIssuer([]byte(secret), cfg.Gateway.TokenTTL)
		if err != nil {
			return err
		}
	} else {
		log.Warn("gateway JWT secret not set, relay is running without bearer-token auth")
	}

	srv := relayserver.New(snapStore, revStore, issuer, log)
	httpServer := &http.Server{Addr: cfg.RelayServer.ListenAddr, Handler: srv}

	if cfg.Metrics.Enabled {
		go func() {
			if err := telemetry.StartServer(cfg.Metrics.Addr); err != nil {
				log.Error("metrics server stopped", "error", err)
			}
		}()
	}

	go func() {
		log.Info("relay listening", "addr", cfg.RelayServer.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("relay server stopped", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("relay shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Relay.Timeout)
	defer cancel()
	return httpServer.Shutdown(ctx)
}
