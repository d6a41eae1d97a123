// Package store selects the persistence backend for the routing engine.
package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/quote-router/internal/branch"
	"github.com/sells-group/quote-router/internal/lead"
	"github.com/sells-group/quote-router/pkg/geocode"
)

// Drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Store is everything the routing engine persists: the geocode cache, the
// branch reference data and the leads it reconciles.
type Store interface {
	geocode.Cache
	branch.Lister
	lead.Store
	lead.ActivityRecorder

	// LoadBranches merges branch reference data by key. With retireMissing,
	// active branches absent from the load are deactivated.
	LoadBranches(ctx context.Context, branches []branch.Branch, retireMissing bool) (branch.LoadResult, error)
	// Locator returns the nearest-branch locator suited to the backend.
	Locator() branch.Locator

	Migrate(ctx context.Context) error
	Close() error
}

// Config selects and configures a backend.
type Config struct {
	Driver      string     `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string     `yaml:"database_url" mapstructure:"database_url"`
	Pool        PoolConfig `yaml:"pool" mapstructure:"pool"`
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// Open connects to the configured backend.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case DriverPostgres, "":
		return NewPostgres(ctx, cfg.DatabaseURL, cfg.Pool)
	case DriverSQLite:
		return NewSQLite(cfg.DatabaseURL)
	default:
		return nil, eris.Errorf("store: unknown driver %q", cfg.Driver)
	}
}
