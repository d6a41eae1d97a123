package branch

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/quote-router/internal/db"
)

// PostgresStore reads and seeds the branches table.
type PostgresStore struct {
	pool db.Pool
}

// NewPostgresStore creates a PostgresStore.
func NewPostgresStore(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// ListActive implements Lister.
func (s *PostgresStore) ListActive(ctx context.Context) ([]Branch, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT key, name, latitude, longitude, active
		FROM branches
		WHERE active
		ORDER BY key`)
	if err != nil {
		return nil, eris.Wrap(err, "branch: list active")
	}
	defer rows.Close()

	var out []Branch
	for rows.Next() {
		var b Branch
		if err := rows.Scan(&b.Key, &b.Name, &b.Latitude, &b.Longitude, &b.Active); err != nil {
			return nil, eris.Wrap(err, "branch: scan branch")
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "branch: iterate branches")
	}
	return out, nil
}

// LoadResult counts the branch rows a seed load changed.
type LoadResult struct {
	Changed int64
	Retired int64
}

// Load merges branches into the table by key. With retireMissing, active
// branches absent from the load are deactivated in the same transaction.
func (s *PostgresStore) Load(ctx context.Context, branches []Branch, retireMissing bool) (LoadResult, error) {
	rows := make([][]any, 0, len(branches))
	for _, b := range branches {
		rows = append(rows, []any{b.Key, b.Name, b.Latitude, b.Longitude, b.Active})
	}

	cfg := db.SyncConfig{
		Table:       "branches",
		Key:         "key",
		Columns:     []string{"key", "name", "latitude", "longitude", "active"},
		TouchColumn: "updated_at",
	}
	if retireMissing {
		cfg.RetireColumn = "active"
	}

	res, err := db.SyncTable(ctx, s.pool, cfg, rows)
	if err != nil {
		return LoadResult{}, eris.Wrap(err, "branch: load")
	}
	return LoadResult{Changed: res.Changed, Retired: res.Retired}, nil
}
