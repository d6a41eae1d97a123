package geocode

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/quote-router/internal/db"
)

// Entry is a cached geocode for one normalized postal code.
type Entry struct {
	PostalCode       string
	Latitude         float64
	Longitude        float64
	Provider         string
	FormattedAddress string
	LastUsedAt       time.Time
}

// Cache stores geocodes keyed by normalized postal code. Entries never
// expire and are never deleted; Lookup refreshes last-used on every hit.
type Cache interface {
	// Lookup returns the entry for code, or nil on a miss.
	Lookup(ctx context.Context, code string) (*Entry, error)
	// Upsert creates or replaces the entry for e.PostalCode.
	Upsert(ctx context.Context, e Entry) error
}

// PostgresCache implements Cache on the geocode_cache table.
type PostgresCache struct {
	pool db.Pool
}

// NewPostgresCache creates a PostgresCache.
func NewPostgresCache(pool db.Pool) *PostgresCache {
	return &PostgresCache{pool: pool}
}

// Lookup implements Cache. Read and touch happen in one statement.
func (c *PostgresCache) Lookup(ctx context.Context, code string) (*Entry, error) {
	var formatted *string
	e := Entry{PostalCode: code}

	err := c.pool.QueryRow(ctx, `
		UPDATE geocode_cache SET last_used_at = now()
		WHERE postal_code = $1
		RETURNING latitude, longitude, provider, formatted_address, last_used_at`,
		code,
	).Scan(&e.Latitude, &e.Longitude, &e.Provider, &formatted, &e.LastUsedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "geocode: cache lookup %s", code)
	}
	if formatted != nil {
		e.FormattedAddress = *formatted
	}

	zap.L().Debug("geocode cache hit", zap.String("postal_code", code))
	return &e, nil
}

// Upsert implements Cache. Concurrent upserts for one code are last-write-wins.
func (c *PostgresCache) Upsert(ctx context.Context, e Entry) error {
	_, err := c.pool.Exec(ctx, `
		INSERT INTO geocode_cache (postal_code, latitude, longitude, provider, formatted_address, last_used_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (postal_code) DO UPDATE SET
			latitude = EXCLUDED.latitude,
			longitude = EXCLUDED.longitude,
			provider = EXCLUDED.provider,
			formatted_address = EXCLUDED.formatted_address,
			last_used_at = now()`,
		e.PostalCode, e.Latitude, e.Longitude, e.Provider, nilIfEmpty(e.FormattedAddress),
	)
	if err != nil {
		return eris.Wrapf(err, "geocode: cache upsert %s", e.PostalCode)
	}
	return nil
}

// nilIfEmpty returns nil for empty strings, allowing NULL storage in Postgres.
func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
