package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the whole deployment surface, parsed from environment variables.
type Config struct {
	Addr          string `env:"RATERHUB_ADDR" envDefault:":8080"`
	SQLitePath    string `env:"RATERHUB_SQLITE_PATH" envDefault:"data/raterhub.db"`
	MigrationsDir string `env:"RATERHUB_MIGRATIONS_DIR"`

	// SessionMaxDuration is the time box: how long a rater session stays
	// usable after issuance.
	SessionMaxDuration time.Duration `env:"RATERHUB_SESSION_MAX_DURATION" envDefault:"60m"`

	JWTSecret            string `env:"RATERHUB_JWT_SECRET" envDefault:"raterhub-dev-secret"`
	OperatorEmail        string `env:"RATERHUB_OPERATOR_EMAIL"`
	OperatorPasswordHash string `env:"RATERHUB_OPERATOR_PASSWORD_HASH"`

	LedgerBaseURL        string `env:"RATERHUB_LEDGER_BASE_URL"`
	LedgerToken          string `env:"RATERHUB_LEDGER_TOKEN"`
	ReconcileParallelism int    `env:"RATERHUB_RECONCILE_PARALLELISM" envDefault:"4"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("environment variables are invalid or missing: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.SQLitePath == "" {
		return fmt.Errorf("RATERHUB_SQLITE_PATH is required")
	}
	if c.SessionMaxDuration <= 0 {
		return fmt.Errorf("RATERHUB_SESSION_MAX_DURATION must be positive, got %s", c.SessionMaxDuration)
	}
	if c.ReconcileParallelism < 1 {
		return fmt.Errorf("RATERHUB_RECONCILE_PARALLELISM must be at least 1, got %d", c.ReconcileParallelism)
	}
	if (c.OperatorEmail == "") != (c.OperatorPasswordHash == "") {
		return fmt.Errorf("RATERHUB_OPERATOR_EMAIL and RATERHUB_OPERATOR_PASSWORD_HASH must be set together")
	}
	if (c.LedgerBaseURL == "") != (c.LedgerToken == "") {
		return fmt.Errorf("RATERHUB_LEDGER_BASE_URL and RATERHUB_LEDGER_TOKEN must be set together")
	}
	return nil
}
