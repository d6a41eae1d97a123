package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/quote-router/internal/branch"
	"github.com/sells-group/quote-router/internal/lead"
	"github.com/sells-group/quote-router/internal/routing"
	"github.com/sells-group/quote-router/pkg/geocode"
)

// SQLiteStore implements Store using modernc.org/sqlite. Nearest-branch
// distances are computed in process.
type SQLiteStore struct {
	db      *sql.DB
	locator *branch.HaversineLocator
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// One connection keeps the pragmas below in force for every statement.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	s := &SQLiteStore{db: db}
	s.locator = branch.NewHaversineLocator(s)
	return s, nil
}

var _ Store = (*SQLiteStore)(nil)

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS branches (
	key        TEXT PRIMARY KEY,
	name       TEXT NOT NULL DEFAULT '',
	latitude   REAL NOT NULL,
	longitude  REAL NOT NULL,
	active     INTEGER NOT NULL DEFAULT 1,
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS geocode_cache (
	postal_code       TEXT PRIMARY KEY,
	latitude          REAL NOT NULL,
	longitude         REAL NOT NULL,
	provider          TEXT NOT NULL,
	formatted_address TEXT,
	last_used_at      DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS leads (
	id                 INTEGER PRIMARY KEY AUTOINCREMENT,
	postal_code_raw    TEXT NOT NULL DEFAULT '',
	postal_code        TEXT,
	branch             TEXT,
	distance_km        REAL,
	latitude           REAL,
	longitude          REAL,
	geocode_provider   TEXT,
	routing_status     TEXT,
	routing_overridden INTEGER NOT NULL DEFAULT 0,
	created_at         DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at         DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS activity_log (
	id         TEXT PRIMARY KEY,
	action     TEXT NOT NULL,
	details    TEXT NOT NULL DEFAULT '{}',
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_activity_log_action ON activity_log(action, created_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Locator returns an in-process haversine locator over this store.
func (s *SQLiteStore) Locator() branch.Locator {
	return s.locator
}

// Lookup implements geocode.Cache.
func (s *SQLiteStore) Lookup(ctx context.Context, code string) (*geocode.Entry, error) {
	var formatted sql.NullString
	e := geocode.Entry{PostalCode: code, LastUsedAt: time.Now().UTC()}
	err := s.db.QueryRowContext(ctx,
		`UPDATE geocode_cache SET last_used_at = ? WHERE postal_code = ?
		 RETURNING latitude, longitude, provider, formatted_address`,
		e.LastUsedAt, code,
	).Scan(&e.Latitude, &e.Longitude, &e.Provider, &formatted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: cache lookup %s", code)
	}
	e.FormattedAddress = formatted.String
	return &e, nil
}

// Upsert implements geocode.Cache.
func (s *SQLiteStore) Upsert(ctx context.Context, e geocode.Entry) error {
	var formatted any
	if e.FormattedAddress != "" {
		formatted = e.FormattedAddress
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO geocode_cache (postal_code, latitude, longitude, provider, formatted_address, last_used_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (postal_code) DO UPDATE SET
			latitude = excluded.latitude,
			longitude = excluded.longitude,
			provider = excluded.provider,
			formatted_address = excluded.formatted_address,
			last_used_at = excluded.last_used_at`,
		e.PostalCode, e.Latitude, e.Longitude, e.Provider, formatted, time.Now().UTC(),
	)
	return eris.Wrapf(err, "sqlite: cache upsert %s", e.PostalCode)
}

// ListActive implements branch.Lister.
func (s *SQLiteStore) ListActive(ctx context.Context) ([]branch.Branch, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, name, latitude, longitude, active FROM branches WHERE active = 1 ORDER BY key`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list branches")
	}
	defer rows.Close()

	var out []branch.Branch
	for rows.Next() {
		var b branch.Branch
		if err := rows.Scan(&b.Key, &b.Name, &b.Latitude, &b.Longitude, &b.Active); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan branch")
		}
		out = append(out, b)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list branches iterate")
}

// LoadBranches merges branches by key in one transaction. Rows whose columns
// already match are left untouched and not counted.
func (s *SQLiteStore) LoadBranches(ctx context.Context, branches []branch.Branch, retireMissing bool) (branch.LoadResult, error) {
	if len(branches) == 0 && retireMissing {
		return branch.LoadResult{}, eris.New("sqlite: refusing to retire every branch from an empty load")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return branch.LoadResult{}, eris.Wrap(err, "sqlite: begin branch load")
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	var res branch.LoadResult
	for _, b := range branches {
		r, err := tx.ExecContext(ctx,
			`INSERT INTO branches (key, name, latitude, longitude, active, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT (key) DO UPDATE SET
				name = excluded.name,
				latitude = excluded.latitude,
				longitude = excluded.longitude,
				active = excluded.active,
				updated_at = excluded.updated_at
			 WHERE (branches.name, branches.latitude, branches.longitude, branches.active)
				IS NOT (excluded.name, excluded.latitude, excluded.longitude, excluded.active)`,
			b.Key, b.Name, b.Latitude, b.Longitude, b.Active, now,
		)
		if err != nil {
			return branch.LoadResult{}, eris.Wrapf(err, "sqlite: load branch %s", b.Key)
		}
		n, err := r.RowsAffected()
		if err != nil {
			return branch.LoadResult{}, eris.Wrap(err, "sqlite: rows affected")
		}
		res.Changed += n
	}

	if retireMissing {
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(branches)), ", ")
		args := make([]any, 0, len(branches)+1)
		args = append(args, now)
		for _, b := range branches {
			args = append(args, b.Key)
		}
		r, err := tx.ExecContext(ctx,
			`UPDATE branches SET active = 0, updated_at = ?
			 WHERE active AND key NOT IN (`+placeholders+`)`, args...)
		if err != nil {
			return branch.LoadResult{}, eris.Wrap(err, "sqlite: retire missing branches")
		}
		if res.Retired, err = r.RowsAffected(); err != nil {
			return branch.LoadResult{}, eris.Wrap(err, "sqlite: rows affected")
		}
	}

	if err := tx.Commit(); err != nil {
		return branch.LoadResult{}, eris.Wrap(err, "sqlite: commit branch load")
	}
	return res, nil
}

// ListPage implements lead.Store.
func (s *SQLiteStore) ListPage(ctx context.Context, afterID int64, limit int) ([]lead.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, postal_code_raw, postal_code, branch, distance_km,
			latitude, longitude, geocode_provider, routing_status, routing_overridden
		 FROM leads WHERE id > ? ORDER BY id LIMIT ?`,
		afterID, limit,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list leads after %d", afterID)
	}
	defer rows.Close()

	var out []lead.Record
	for rows.Next() {
		var (
			r         lead.Record
			branchKey sql.NullString
			status    sql.NullString
		)
		res := &r.Resolution
		if err := rows.Scan(&r.ID, &r.RawPostalCode, &res.PostalCode, &branchKey, &res.DistanceKM,
			&res.Latitude, &res.Longitude, &res.Provider, &status, &r.Overridden); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan lead")
		}
		res.Branch = branchKey.String
		res.Status = routing.Status(status.String)
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list leads iterate")
}

// UpdateRouting implements lead.Store.
func (s *SQLiteStore) UpdateRouting(ctx context.Context, id int64, res routing.Resolution) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE leads SET
			postal_code = ?, branch = ?, distance_km = ?,
			latitude = ?, longitude = ?, geocode_provider = ?,
			routing_status = ?, updated_at = ?
		 WHERE id = ? AND routing_overridden = 0`,
		res.PostalCode, res.Branch, res.DistanceKM,
		res.Latitude, res.Longitude, res.Provider,
		string(res.Status), time.Now().UTC(), id,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: update routing %d", id)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n > 0, nil
}

// RecordActivity implements lead.ActivityRecorder.
func (s *SQLiteStore) RecordActivity(ctx context.Context, a lead.Activity) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	details, err := json.Marshal(a.Details)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal activity details")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO activity_log (id, action, details, created_at) VALUES (?, ?, ?, ?)`,
		a.ID, a.Action, string(details), a.CreatedAt,
	)
	return eris.Wrapf(err, "sqlite: record activity %s", a.Action)
}
