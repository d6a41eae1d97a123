package branch

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/ewkb"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/sells-group/quote-router/internal/db"
)

// ensureStatements enable PostGIS and derive the indexed point column the
// nearest-branch query reads. All of them are idempotent.
var ensureStatements = []string{
	`CREATE EXTENSION IF NOT EXISTS postgis`,
	`ALTER TABLE branches ADD COLUMN IF NOT EXISTS location geometry(Point, 4326)
		GENERATED ALWAYS AS (ST_SetSRID(ST_MakePoint(longitude, latitude), 4326)) STORED`,
	`CREATE INDEX IF NOT EXISTS idx_branches_location ON branches USING GIST (location)`,
}

const nearestQuery = `
	SELECT key, ST_DistanceSphere(location, ST_GeomFromEWKB($1)) / 1000.0 AS distance_km
	FROM branches
	WHERE active
	ORDER BY distance_km ASC, key ASC
	LIMIT 1`

// PostGISLocator finds the nearest active branch with PostGIS.
type PostGISLocator struct {
	pool  db.Pool
	ready atomic.Bool
	group singleflight.Group
}

// NewPostGISLocator creates a PostGISLocator.
func NewPostGISLocator(pool db.Pool) *PostGISLocator {
	return &PostGISLocator{pool: pool}
}

// EnsureReady makes sure the spatial capability exists. Concurrent callers
// share one in-flight attempt; success is remembered for the life of the
// locator, failure is not, so the next call tries again.
func (l *PostGISLocator) EnsureReady(ctx context.Context) error {
	if l.ready.Load() {
		return nil
	}

	_, err, _ := l.group.Do("ensure", func() (any, error) {
		if l.ready.Load() {
			return nil, nil
		}
		// Detached so one caller's cancellation doesn't fail every waiter.
		ctx := context.WithoutCancel(ctx)
		for _, stmt := range ensureStatements {
			if _, err := l.pool.Exec(ctx, stmt); err != nil {
				return nil, eris.Wrap(err, "branch: ensure postgis")
			}
		}
		l.ready.Store(true)
		zap.L().Info("postgis branch locator ready")
		return nil, nil
	})
	return err
}

// Nearest implements Locator.
func (l *PostGISLocator) Nearest(ctx context.Context, lat, lon float64) (*Match, error) {
	if err := l.EnsureReady(ctx); err != nil {
		return nil, err
	}

	pt, err := ewkb.Marshal(geom.NewPointFlat(geom.XY, []float64{lon, lat}).SetSRID(4326), ewkb.NDR)
	if err != nil {
		return nil, eris.Wrap(err, "branch: encode query point")
	}

	var m Match
	err = l.pool.QueryRow(ctx, nearestQuery, pt).Scan(&m.Key, &m.DistanceKM)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "branch: nearest query")
	}
	return &m, nil
}
