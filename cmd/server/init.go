package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/warp/diz-ledger/api"
	"github.com/warp/diz-ledger/ledger"
)

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().Bool("reset", false, "Drop all accounts and journal entries first (destructive)")
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the schema and provision the admin account",
	Long: `Create the schema and provision the admin account with the configured
initial password. With --reset, every existing account and journal entry is
removed first.`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

func runInit(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	reset, _ := cmd.Flags().GetBool("reset")
	ctx := context.Background()

	s, closer, err := openStore(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer closer.Close()

	engine := ledger.NewEngine(s)
	passwords := api.Passwords{Cost: cfg.Auth.BcryptCost}
	if err := bootstrap(ctx, s, engine, passwords.Hash, cfg.Admin.Password, reset); err != nil {
		return err
	}

	admin, err := engine.Store.GetByUsername(ctx, ledger.AdminUsername)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Store ready (%s). Admin account %q has id %d.\n",
		cfg.Store.Driver, admin.Username, admin.ID)
	return nil
}
