package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/warp/diz-ledger/api"
	"github.com/warp/diz-ledger/config"
	"github.com/warp/diz-ledger/ledger"
	"github.com/warp/diz-ledger/scheduler"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the bonus scheduler",
	Long: `Run the HTTP API and the weekly bonus scheduler.

The admin account is provisioned on first start. Existing data is kept
unless store.reset_on_start is set.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

// runServe follows the startup sequence:
//  1. Load configuration
//  2. Open the store and bootstrap the admin account
//  3. Start the bonus scheduler
//  4. Serve HTTP until SIGINT/SIGTERM, then shut down gracefully
func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx := context.Background()

	// Initialize store
	s, closer, err := openStore(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer closer.Close()

	engine := ledger.NewEngine(s)
	passwords := api.Passwords{Cost: cfg.Auth.BcryptCost}
	if err := bootstrap(ctx, s, engine, passwords.Hash, cfg.Admin.Password, cfg.Store.ResetOnStart); err != nil {
		return err
	}

	secret, err := jwtSecret(cfg.Auth)
	if err != nil {
		return err
	}
	tokens := &api.Tokens{Secret: secret, TTL: cfg.Auth.TokenTTL}

	// Bonus scheduler
	amount, err := cfg.BonusAmount()
	if err != nil {
		return err
	}
	bonus := scheduler.NewBonusScheduler(engine)
	bonus.Enabled = cfg.Bonus.Enabled
	bonus.Interval = cfg.Bonus.Interval
	bonus.Period = cfg.Bonus.Period
	bonus.Amount = amount
	bonus.RunOnStart = cfg.Bonus.RunOnStart
	bonus.Start()
	defer bonus.Stop()

	// Create router
	handler := api.NewHandler(engine, passwords, tokens, bonus)
	router := api.NewRouter(handler, cfg.Server.AllowedOrigins)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Printf("[Server] Starting on http://localhost:%d (store: %s)", cfg.Server.Port, cfg.Store.Driver)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serveErr:
		return fmt.Errorf("server failed: %w", err)
	}

	log.Println("[Server] Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Println("[Server] Stopped")
	return nil
}

// jwtSecret returns the configured secret, or a random one that only lives
// as long as this process.
func jwtSecret(cfg config.AuthConfig) ([]byte, error) {
	if cfg.JWTSecret != "" {
		return []byte(cfg.JWTSecret), nil
	}
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate token secret: %w", err)
	}
	log.Println("[Server] No auth.jwt_secret configured; using a random secret (tokens will not survive a restart)")
	return secret, nil
}
