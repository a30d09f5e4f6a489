/*
main.go - Application entry point

PURPOSE:
  Command-line entry for the DIZ ledger server. Builds the store, engine,
  bonus scheduler and HTTP API from configuration.

COMMANDS:
  serve   Run the HTTP API and the bonus scheduler (default)
  init    Create the schema and provision the admin account

GLOBAL FLAGS:
  --config   YAML config file (optional; defaults apply without one)
  --driver   Store driver: sqlite, postgres, memory
  --db       SQLite database path. Use ":memory:" for an in-memory database
  --port     HTTP server port

ENVIRONMENT:
  LEDGER_JWT_SECRET       Token signing secret
  LEDGER_DATABASE_URL     PostgreSQL URL (driver postgres)
  LEDGER_ADMIN_PASSWORD   Initial admin password

EXAMPLES:
  # First run: empty database with the admin account
  ./server init --reset --db ./data/ledger.db

  # Serve with a config file
  ./server serve --config ./config.yaml

  # Throwaway in-memory server
  ./server serve --driver memory --port 3000

SEE ALSO:
  - serve.go: Server startup and graceful shutdown
  - init.go: Schema and admin bootstrap
  - config/config.go: Settings and defaults
*/
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/warp/diz-ledger/config"
	"github.com/warp/diz-ledger/ledger"
	"github.com/warp/diz-ledger/ledger/store"
	"github.com/warp/diz-ledger/store/postgres"
	"github.com/warp/diz-ledger/store/sqlite"
)

var rootCmd = &cobra.Command{
	Use:   "server",
	Short: "DIZ account ledger",
	Long: `DIZ account ledger: balances, transfers between users, administrative
corrections and a weekly bonus, served over a JSON HTTP API.`,
	SilenceUsage: true,
	RunE:         runServe,
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "YAML config file")
	rootCmd.PersistentFlags().String("driver", "", "Store driver (sqlite, postgres, memory)")
	rootCmd.PersistentFlags().String("db", "", "SQLite database path")
	rootCmd.PersistentFlags().Int("port", 0, "HTTP server port")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads --config and applies the global flag overrides.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}

	if cmd.Flags().Changed("driver") {
		cfg.Store.Driver, _ = cmd.Flags().GetString("driver")
	}
	if cmd.Flags().Changed("db") {
		cfg.Store.SQLitePath, _ = cmd.Flags().GetString("db")
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port, _ = cmd.Flags().GetInt("port")
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// openStore builds the configured store. The closer releases its resources.
func openStore(ctx context.Context, cfg config.StoreConfig) (ledger.TxStore, io.Closer, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		s, err := postgres.New(ctx, cfg.PostgresURL)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	case config.DriverMemory:
		return store.NewTxMemory(), nopCloser{}, nil
	default:
		if cfg.SQLitePath != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755); err != nil {
				return nil, nil, fmt.Errorf("create data directory: %w", err)
			}
		}
		s, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// bootstrap optionally wipes the store and makes sure the admin account exists.
func bootstrap(ctx context.Context, s ledger.TxStore, engine *ledger.Engine, hash func(string) (ledger.Credential, error), password string, reset bool) error {
	if reset {
		resetter, ok := s.(ledger.Resetter)
		if !ok {
			return fmt.Errorf("store does not support reset")
		}
		if err := resetter.Reset(ctx); err != nil {
			return fmt.Errorf("reset store: %w", err)
		}
		log.Println("[Server] Store reset: all accounts and journal entries removed")
	}

	if acc, err := engine.Store.GetByUsername(ctx, ledger.AdminUsername); err == nil && acc.IsAdmin {
		return nil
	}

	credential, err := hash(password)
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}
	if _, _, err := engine.EnsureAdmin(ctx, credential); err != nil {
		return fmt.Errorf("provision admin: %w", err)
	}
	return nil
}
