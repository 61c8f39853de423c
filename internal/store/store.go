// Package store persists fixes in SQLite.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/teslashibe/go-tdoa/internal/geom"
	"github.com/teslashibe/go-tdoa/internal/locator"
	"github.com/teslashibe/go-tdoa/internal/tdoa"
)

// DB is a fix log backed by SQLite.
type DB struct {
	*sql.DB
}

// Open opens or creates the fix log at path and applies pending schema
// migrations. ":memory:" gives a private in-memory database.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	// ":memory:" databases are per connection
	db.SetMaxOpenConns(1)

	d := &DB{db}
	if err := d.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}

	return d, nil
}

// Insert implements locator.FixStore. A fix without an ID is given one.
func (db *DB) Insert(ctx context.Context, fix locator.Fix) error {
	if fix.ID == "" {
		fix.ID = uuid.NewString()
	}
	if fix.SolvedAt.IsZero() {
		fix.SolvedAt = time.Now()
	}

	var errM sql.NullFloat64
	if fix.ErrorMeters != nil {
		errM = sql.NullFloat64{Float64: *fix.ErrorMeters, Valid: true}
	}

	_, err := db.ExecContext(ctx, `
		INSERT INTO fixes (id, event_id, x, y, z, reference, range_m, method, residual, error_m, latency_ms, solved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		fix.ID, fix.EventID,
		fix.Position.X, fix.Position.Y, fix.Position.Z,
		fix.Reference, fix.Range, string(fix.Method), fix.Residual,
		errM, fix.LatencyMs, fix.SolvedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert fix %s: %w", fix.ID, err)
	}
	return nil
}

// Recent returns up to limit fixes, newest first.
func (db *DB) Recent(ctx context.Context, limit int) ([]locator.Fix, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := db.QueryContext(ctx, `
		SELECT id, event_id, x, y, z, reference, range_m, method, residual, error_m, latency_ms, solved_at
		FROM fixes
		ORDER BY solved_at DESC, rowid DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query fixes: %w", err)
	}
	defer rows.Close()

	var fixes []locator.Fix
	for rows.Next() {
		var (
			f        locator.Fix
			x, y, z  float64
			method   string
			errM     sql.NullFloat64
			solvedAt int64
		)
		if err := rows.Scan(&f.ID, &f.EventID, &x, &y, &z, &f.Reference, &f.Range,
			&method, &f.Residual, &errM, &f.LatencyMs, &solvedAt); err != nil {
			return nil, fmt.Errorf("scan fix: %w", err)
		}

		f.Position = geom.P(x, y, z)
		f.Method = tdoa.Method(method)
		f.SolvedAt = time.Unix(0, solvedAt)
		if errM.Valid {
			e := errM.Float64
			f.ErrorMeters = &e
		}
		fixes = append(fixes, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate fixes: %w", err)
	}
	return fixes, nil
}

// Count returns the number of stored fixes.
func (db *DB) Count(ctx context.Context) (int, error) {
	var n int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM fixes`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count fixes: %w", err)
	}
	return n, nil
}
