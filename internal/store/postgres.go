package store

import (
	"context"

	"github.com/sells-group/quote-router/internal/branch"
	"github.com/sells-group/quote-router/internal/db"
	"github.com/sells-group/quote-router/internal/lead"
	"github.com/sells-group/quote-router/internal/routing"
	"github.com/sells-group/quote-router/pkg/geocode"
)

// PostgresStore implements Store on Postgres with PostGIS.
type PostgresStore struct {
	pool     db.Pool
	closeFn  func()
	cache    *geocode.PostgresCache
	branches *branch.PostgresStore
	leads    *lead.PostgresStore
	locator  *branch.PostGISLocator
}

// NewPostgres connects a pool and creates a PostgresStore on it.
func NewPostgres(ctx context.Context, connString string, poolCfg PoolConfig) (*PostgresStore, error) {
	pool, err := db.Connect(ctx, connString, db.PoolConfig{
		MaxConns: poolCfg.MaxConns,
		MinConns: poolCfg.MinConns,
	})
	if err != nil {
		return nil, err
	}
	s := NewPostgresFromPool(pool)
	s.closeFn = pool.Close
	return s, nil
}

// NewPostgresFromPool wraps an existing pool. Close does not close it.
func NewPostgresFromPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{
		pool:     pool,
		cache:    geocode.NewPostgresCache(pool),
		branches: branch.NewPostgresStore(pool),
		leads:    lead.NewPostgresStore(pool),
		locator:  branch.NewPostGISLocator(pool),
	}
}

var _ Store = (*PostgresStore)(nil)

func (s *PostgresStore) Lookup(ctx context.Context, code string) (*geocode.Entry, error) {
	return s.cache.Lookup(ctx, code)
}

func (s *PostgresStore) Upsert(ctx context.Context, e geocode.Entry) error {
	return s.cache.Upsert(ctx, e)
}

func (s *PostgresStore) ListActive(ctx context.Context) ([]branch.Branch, error) {
	return s.branches.ListActive(ctx)
}

func (s *PostgresStore) LoadBranches(ctx context.Context, branches []branch.Branch, retireMissing bool) (branch.LoadResult, error) {
	return s.branches.Load(ctx, branches, retireMissing)
}

func (s *PostgresStore) ListPage(ctx context.Context, afterID int64, limit int) ([]lead.Record, error) {
	return s.leads.ListPage(ctx, afterID, limit)
}

func (s *PostgresStore) UpdateRouting(ctx context.Context, id int64, res routing.Resolution) (bool, error) {
	return s.leads.UpdateRouting(ctx, id, res)
}

func (s *PostgresStore) RecordActivity(ctx context.Context, a lead.Activity) error {
	return s.leads.RecordActivity(ctx, a)
}

// Locator returns the PostGIS locator shared by every caller of this store,
// so the capability check runs once per process.
func (s *PostgresStore) Locator() branch.Locator {
	return s.locator
}

// Migrate applies the embedded SQL migrations.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	return db.Migrate(ctx, s.pool)
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}
