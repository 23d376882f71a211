// Package connect turns the configured URLs and service keys into database
// handles and storage clients for both environments.
package connect

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"go.uber.org/zap"

	"envsync/pkg/config"
	"envsync/pkg/storage"
)

// ErrMissingConfiguration means a required connection value is absent. It is
// the only failure that aborts a run before any step is attempted.
var ErrMissingConfiguration = errors.New("missing configuration")

const defaultUser = "postgres"

// Endpoint is a resolved environment
type Endpoint struct {
	Name  string
	DB    *sql.DB
	Store storage.Store // nil when storage is not configured
}

// Environments holds both ends of a replication
type Environments struct {
	Source *Endpoint
	Target *Endpoint
}

// Close releases both database handles
func (e *Environments) Close() error {
	var errs []error
	for _, ep := range []*Endpoint{e.Source, e.Target} {
		if ep != nil && ep.DB != nil {
			if err := ep.DB.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", ep.Name, err))
			}
		}
	}
	return errors.Join(errs...)
}

// StorageConfigured reports whether both sides have storage
func (e *Environments) StorageConfigured() bool {
	return e.Source.Store != nil && e.Target.Store != nil
}

// Connector opens the environments for one run
type Connector interface {
	Connect(ctx context.Context) (*Environments, error)
}

// Resolver is the Connector used in production
type Resolver struct {
	cfg *config.Config
	log *zap.Logger
}

// NewResolver creates a resolver over the loaded configuration
func NewResolver(cfg *config.Config, log *zap.Logger) *Resolver {
	return &Resolver{cfg: cfg, log: log.Named("connect")}
}

// Connect validates the connection values and opens both environments.
// Database handles connect lazily; the first statement surfaces network errors.
func (r *Resolver) Connect(ctx context.Context) (*Environments, error) {
	if err := Check(r.cfg); err != nil {
		return nil, err
	}

	source, err := r.open(ctx, "source", r.cfg.Source)
	if err != nil {
		return nil, err
	}
	target, err := r.open(ctx, "target", r.cfg.Target)
	if err != nil {
		source.DB.Close()
		return nil, err
	}
	return &Environments{Source: source, Target: target}, nil
}

// Check reports every absent connection value at once
func Check(cfg *config.Config) error {
	var missing []string
	for _, v := range []struct{ name, value string }{
		{"SOURCE_URL", cfg.Source.URL},
		{"SOURCE_SERVICE_KEY", cfg.Source.ServiceKey},
		{"TARGET_URL", cfg.Target.URL},
		{"TARGET_SERVICE_KEY", cfg.Target.ServiceKey},
	} {
		if strings.TrimSpace(v.value) == "" {
			missing = append(missing, v.name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingConfiguration, strings.Join(missing, ", "))
	}
	return nil
}

func (r *Resolver) open(ctx context.Context, name string, env config.Environment) (*Endpoint, error) {
	dsn, err := DSN(env.URL, env.ServiceKey)
	if err != nil {
		return nil, fmt.Errorf("invalid %s url: %w", name, err)
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", name, err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ep := &Endpoint{Name: name, DB: db}

	if env.Storage.Configured() {
		store, err := storage.NewS3Store(ctx, env.Storage, r.log.Named(name))
		if err != nil {
			// storage is optional: the run records the storage step as skipped
			r.log.Warn("storage unavailable", zap.String("environment", name), zap.Error(err))
		} else {
			ep.Store = store
		}
	}
	return ep, nil
}

// DSN injects the service key as the password of a Postgres URL, keeping any
// user name already present
func DSN(rawURL, serviceKey string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("missing host")
	}

	user := defaultUser
	if u.User != nil && u.User.Username() != "" {
		user = u.User.Username()
	}
	u.User = url.UserPassword(user, serviceKey)
	return u.String(), nil
}
