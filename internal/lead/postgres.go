package lead

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/quote-router/internal/db"
	"github.com/sells-group/quote-router/internal/routing"
)

// PostgresStore implements Store and ActivityRecorder on Postgres.
type PostgresStore struct {
	pool db.Pool
}

// NewPostgresStore creates a PostgresStore.
func NewPostgresStore(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// ListPage implements Store.
func (s *PostgresStore) ListPage(ctx context.Context, afterID int64, limit int) ([]Record, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, postal_code_raw, postal_code, branch, distance_km,
			latitude, longitude, geocode_provider, routing_status, routing_overridden
		FROM leads
		WHERE id > $1
		ORDER BY id
		LIMIT $2`,
		afterID, limit,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "lead: list page after %d", afterID)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r              Record
			branch, status *string
		)
		res := &r.Resolution
		if err := rows.Scan(&r.ID, &r.RawPostalCode, &res.PostalCode, &branch, &res.DistanceKM,
			&res.Latitude, &res.Longitude, &res.Provider, &status, &r.Overridden); err != nil {
			return nil, eris.Wrap(err, "lead: scan lead")
		}
		if branch != nil {
			res.Branch = *branch
		}
		if status != nil {
			res.Status = routing.Status(*status)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "lead: iterate leads")
	}
	return out, nil
}

// UpdateRouting implements Store. Overridden leads are left untouched.
func (s *PostgresStore) UpdateRouting(ctx context.Context, id int64, res routing.Resolution) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE leads SET
			postal_code = $2, branch = $3, distance_km = $4,
			latitude = $5, longitude = $6, geocode_provider = $7,
			routing_status = $8, updated_at = now()
		WHERE id = $1 AND NOT routing_overridden`,
		id, res.PostalCode, res.Branch, res.DistanceKM,
		res.Latitude, res.Longitude, res.Provider, string(res.Status),
	)
	if err != nil {
		return false, eris.Wrapf(err, "lead: update routing %d", id)
	}
	return tag.RowsAffected() > 0, nil
}

// RecordActivity implements ActivityRecorder.
func (s *PostgresStore) RecordActivity(ctx context.Context, a Activity) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	details, err := json.Marshal(a.Details)
	if err != nil {
		return eris.Wrap(err, "lead: marshal activity details")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO activity_log (id, action, details, created_at) VALUES ($1, $2, $3, $4)`,
		a.ID, a.Action, details, a.CreatedAt,
	)
	return eris.Wrapf(err, "lead: record activity %s", a.Action)
}
