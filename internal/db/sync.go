package db

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// SyncConfig describes a reference table loaded wholesale from a seed.
type SyncConfig struct {
	Table   string   // target table, optionally schema-qualified
	Key     string   // primary key column
	Columns []string // loaded columns, Key included

	// RetireColumn names a boolean column cleared on rows whose key is absent
	// from the load. Empty leaves such rows alone.
	RetireColumn string

	// TouchColumn names a timestamp column set to now() on every row the
	// sync changes.
	TouchColumn string
}

// SyncResult counts the rows a sync changed.
type SyncResult struct {
	Changed int64 // inserted, or updated with at least one differing column
	Retired int64
}

// SyncTable merges rows into cfg.Table in one transaction. Rows are COPYed
// into a temp table shaped like the target and merged with a single
// INSERT ... ON CONFLICT, so readers see either the old set or the new one.
// Rows whose loaded columns already match are not rewritten.
func SyncTable(ctx context.Context, pool Pool, cfg SyncConfig, rows [][]any) (SyncResult, error) {
	if err := cfg.validate(); err != nil {
		return SyncResult{}, err
	}
	if len(rows) == 0 {
		if cfg.RetireColumn != "" {
			return SyncResult{}, eris.Errorf("db: sync %s: refusing to retire every row from an empty load", cfg.Table)
		}
		return SyncResult{}, nil
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return SyncResult{}, eris.Wrap(err, "db: sync: begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	staging := pgx.Identifier{"_sync_" + strings.ReplaceAll(cfg.Table, ".", "_")}
	target := sanitizeTable(cfg.Table)

	if _, err := tx.Exec(ctx, fmt.Sprintf(
		"CREATE TEMP TABLE %s (LIKE %s INCLUDING DEFAULTS) ON COMMIT DROP",
		staging.Sanitize(), target,
	)); err != nil {
		return SyncResult{}, eris.Wrapf(err, "db: sync %s: create staging table", cfg.Table)
	}

	if _, err := tx.CopyFrom(ctx, staging, cfg.Columns, pgx.CopyFromRows(rows)); err != nil {
		return SyncResult{}, eris.Wrapf(err, "db: sync %s: copy rows", cfg.Table)
	}

	var res SyncResult
	tag, err := tx.Exec(ctx, cfg.mergeSQL(target, staging.Sanitize()))
	if err != nil {
		return SyncResult{}, eris.Wrapf(err, "db: sync %s: merge", cfg.Table)
	}
	res.Changed = tag.RowsAffected()

	if cfg.RetireColumn != "" {
		tag, err := tx.Exec(ctx, cfg.retireSQL(target, staging.Sanitize()))
		if err != nil {
			return SyncResult{}, eris.Wrapf(err, "db: sync %s: retire missing rows", cfg.Table)
		}
		res.Retired = tag.RowsAffected()
	}

	if err := tx.Commit(ctx); err != nil {
		return SyncResult{}, eris.Wrap(err, "db: sync: commit tx")
	}
	return res, nil
}

func (cfg SyncConfig) validate() error {
	switch {
	case cfg.Table == "":
		return eris.New("db: sync: no table specified")
	case cfg.Key == "":
		return eris.Errorf("db: sync %s: no key column specified", cfg.Table)
	case !slices.Contains(cfg.Columns, cfg.Key):
		return eris.Errorf("db: sync %s: key column %q is not loaded", cfg.Table, cfg.Key)
	case len(cfg.Columns) < 2:
		return eris.Errorf("db: sync %s: nothing to load besides the key", cfg.Table)
	}
	return nil
}

// mergeSQL inserts new keys and updates existing ones whose loaded columns
// differ from the staged values.
func (cfg SyncConfig) mergeSQL(target, staging string) string {
	var sets, current, staged []string
	for _, c := range cfg.Columns {
		if c == cfg.Key {
			continue
		}
		col := quote(c)
		sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", col, col))
		current = append(current, "tgt."+col)
		staged = append(staged, "EXCLUDED."+col)
	}
	if cfg.TouchColumn != "" {
		sets = append(sets, quote(cfg.TouchColumn)+" = now()")
	}

	cols := quoteAndJoin(cfg.Columns)
	return fmt.Sprintf(
		"INSERT INTO %s AS tgt (%s) SELECT %s FROM %s ON CONFLICT (%s) DO UPDATE SET %s WHERE (%s) IS DISTINCT FROM (%s)",
		target, cols, cols, staging, quote(cfg.Key),
		strings.Join(sets, ", "),
		strings.Join(current, ", "),
		strings.Join(staged, ", "),
	)
}

func (cfg SyncConfig) retireSQL(target, staging string) string {
	set := quote(cfg.RetireColumn) + " = false"
	if cfg.TouchColumn != "" {
		set += ", " + quote(cfg.TouchColumn) + " = now()"
	}
	key := quote(cfg.Key)
	return fmt.Sprintf(
		"UPDATE %s AS tgt SET %s WHERE tgt.%s AND NOT EXISTS (SELECT 1 FROM %s s WHERE s.%s = tgt.%s)",
		target, set, quote(cfg.RetireColumn), staging, key, key,
	)
}

// sanitizeTable handles schema-qualified table names like "public.branches".
func sanitizeTable(table string) string {
	if schema, name, ok := strings.Cut(table, "."); ok {
		return pgx.Identifier{schema, name}.Sanitize()
	}
	return quote(table)
}

func quote(col string) string {
	return pgx.Identifier{col}.Sanitize()
}

func quoteAndJoin(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = quote(c)
	}
	return strings.Join(quoted, ", ")
}
