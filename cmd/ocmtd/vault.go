package main

import (
	"fmt"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/ocmtlabs/ocmt/internal/config"
	"github.com/ocmtlabs/ocmt/pkg/capability"
	"github.com/ocmtlabs/ocmt/pkg/vault"
)

var vaultCmd = &cobra.Command{
	Use:   "vault",
	Short: "Manage the local vault",
}

var vaultInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a new vault, generating its identity keypair",
	RunE:  runVaultInit,
}

var vaultStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print whether the vault is initialized",
	RunE:  runVaultStatus,
}

func init() {
	rootCmd.AddCommand(vaultCmd)
	vaultCmd.AddCommand(vaultInitCmd)
	vaultCmd.AddCommand(vaultStatusCmd)
}

func openVault() (*vault.Vault, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return vault.New(filepath.Join(cfg.Vault.Directory, "vault.dat")), nil
}

func promptPassword(prompt string) (string, error) {
	fmt.Print(prompt)
	b, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return string(b), nil
}

func runVaultInit(cmd *cobra.Command, args []string) error {
	v, err := openVault()
	if err != nil {
		return err
	}
	if v.Initialized() {
		return fmt.Errorf("vault already initialized")
	}

	password, err := promptPassword("New vault password: ")
	if err != nil {
		return err
	}
	confirm, err := promptPassword("Confirm password: ")
	if err != nil {
		return err
	}
	if password != confirm {
		return fmt.Errorf("passwords do not match")
	}

	if err := v.Initialize(password); err != nil {
		return err
	}
	fmt.Printf("vault initialized, identity public key: %s\n", capability.EncodePublicKey(v.IdentityPublicKey()))
	return nil
}

func runVaultStatus(cmd *cobra.Command, args []string) error {
	v, err := openVault()
	if err != nil {
		return err
	}
	if !v.Initialized() {
		fmt.Println("vault not initialized")
		return nil
	}
	fmt.Println("vault initialized")
	return nil
}
