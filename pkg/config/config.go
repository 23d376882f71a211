package config

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/caarlos0/env/v8"
	"github.com/joho/godotenv"
)

// Config holds every tunable of the service. Values come from the process
// environment, optionally seeded from a .env file.
type Config struct {
	Port string `env:"PORT" envDefault:"8000"`

	Source Environment `envPrefix:"SOURCE_"`
	Target Environment `envPrefix:"TARGET_"`

	Schema           string `env:"SYNC_SCHEMA" envDefault:"public"`
	BatchSize        int    `env:"SYNC_BATCH_SIZE" envDefault:"100"`
	ProvisionWorkers int    `env:"SYNC_PROVISION_WORKERS" envDefault:"4"`
	StorageWorkers   int    `env:"SYNC_STORAGE_WORKERS" envDefault:"4"`
	ManifestPath     string `env:"SYNC_MANIFEST"`
	Schedule         string `env:"SYNC_SCHEDULE"`

	StateDBConnectionString string `env:"STATE_DB_CONNECTION_STRING"`

	DebugMode         bool `env:"DEBUG_MODE" envDefault:"false"`
	EnableJSONLogging bool `env:"ENABLE_JSON_LOGGING" envDefault:"false"`
}

// Environment is one side of the replication: a database plus optional storage.
// URL and ServiceKey are checked when a run starts, not at load time, so the
// service can start and answer requests with a proper failure report.
type Environment struct {
	URL        string             `env:"URL"`
	ServiceKey string             `env:"SERVICE_KEY"`
	Storage    StorageCredentials `envPrefix:"STORAGE_"`
}

// LoadDotEnv overlays variables from the given files. A missing file is not an error.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Overload(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to load %s: %w", f, err)
		}
	}
	return nil
}

// Load parses the process environment
func Load() (*Config, error) {
	return LoadWithOptions(env.Options{})
}

// LoadWithOptions parses the environment with custom options, e.g. an explicit
// variable map in tests
func LoadWithOptions(opts env.Options) (*Config, error) {
	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the tunables. Connection values are left to the resolver.
func (c *Config) Validate() error {
	if c.BatchSize <= 0 {
		return fmt.Errorf("SYNC_BATCH_SIZE must be > 0, got %d", c.BatchSize)
	}
	if c.ProvisionWorkers <= 0 {
		return fmt.Errorf("SYNC_PROVISION_WORKERS must be > 0, got %d", c.ProvisionWorkers)
	}
	if c.StorageWorkers <= 0 {
		return fmt.Errorf("SYNC_STORAGE_WORKERS must be > 0, got %d", c.StorageWorkers)
	}
	if c.Schema == "" {
		return fmt.Errorf("SYNC_SCHEMA must not be empty")
	}
	return nil
}
