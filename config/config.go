/*
Package config loads server settings.

PRECEDENCE (lowest to highest):
  1. Default()
  2. YAML file passed to Load
  3. Environment: LEDGER_JWT_SECRET, LEDGER_DATABASE_URL, LEDGER_ADMIN_PASSWORD
  4. Command-line flags (applied by cmd/server)

EXAMPLE:
  server:
    port: 5000
    allowed_origins: ["http://localhost:3000"]
  store:
    driver: sqlite
    sqlite_path: ./data/ledger.db
  bonus:
    interval: 168h
    amount: "20"
*/
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/warp/diz-ledger/ledger"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type Config struct {
	Server ServerConfig `yaml:"server"`
	Store  StoreConfig  `yaml:"store"`
	Auth   AuthConfig   `yaml:"auth"`
	Admin  AdminConfig  `yaml:"admin"`
	Bonus  BonusConfig  `yaml:"bonus"`
}

type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
}

type StoreConfig struct {
	Driver       string `yaml:"driver"`
	SQLitePath   string `yaml:"sqlite_path"`
	PostgresURL  string `yaml:"postgres_url"`
	ResetOnStart bool   `yaml:"reset_on_start"`
}

type AuthConfig struct {
	JWTSecret  string        `yaml:"jwt_secret"`
	TokenTTL   time.Duration `yaml:"token_ttl"`
	BcryptCost int           `yaml:"bcrypt_cost"`
}

type AdminConfig struct {
	// Password is the initial credential for the admin account. Only used
	// when the account does not exist yet.
	Password string `yaml:"password"`
}

type BonusConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Interval   time.Duration `yaml:"interval"`
	Period     time.Duration `yaml:"period"`
	Amount     string        `yaml:"amount"`
	RunOnStart bool          `yaml:"run_on_start"`
}

// Default returns the settings used when nothing is configured.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:            5000,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			AllowedOrigins:  []string{"http://localhost:3000", "http://localhost:5173"},
		},
		Store: StoreConfig{
			Driver:     DriverSQLite,
			SQLitePath: "./data/ledger.db",
		},
		Auth: AuthConfig{
			TokenTTL:   24 * time.Hour,
			BcryptCost: 10,
		},
		Admin: AdminConfig{
			Password: "kontrolpaneli",
		},
		Bonus: BonusConfig{
			Enabled:    true,
			Interval:   7 * 24 * time.Hour,
			Period:     7 * 24 * time.Hour,
			Amount:     "20",
			RunOnStart: true,
		},
	}
}

// Load reads path over Default() and applies environment overrides. An empty
// path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("LEDGER_JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv("LEDGER_DATABASE_URL"); v != "" {
		c.Store.PostgresURL = v
	}
	if v := os.Getenv("LEDGER_ADMIN_PASSWORD"); v != "" {
		c.Admin.Password = v
	}
}

// BonusAmount parses Bonus.Amount.
func (c Config) BonusAmount() (ledger.Amount, error) {
	return ledger.ParseAmount(c.Bonus.Amount)
}

// Validate reports the first setting that cannot work.
func (c Config) Validate() error {
	switch c.Store.Driver {
	case DriverSQLite:
		if c.Store.SQLitePath == "" {
			return errors.New("store.sqlite_path is required for the sqlite driver")
		}
	case DriverPostgres:
		if c.Store.PostgresURL == "" {
			return errors.New("store.postgres_url (or LEDGER_DATABASE_URL) is required for the postgres driver")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Auth.TokenTTL <= 0 {
		return errors.New("auth.token_ttl must be positive")
	}
	if c.Bonus.Interval <= 0 {
		return errors.New("bonus.interval must be positive")
	}
	if c.Bonus.Period <= 0 {
		return errors.New("bonus.period must be positive")
	}
	amount, err := c.BonusAmount()
	if err != nil || !amount.IsPositive() || !amount.Exact() {
		return fmt.Errorf("bonus.amount %q must be a positive amount with at most %d decimals", c.Bonus.Amount, ledger.MaxScale)
	}
	return nil
}
