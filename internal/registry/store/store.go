// Package store journals run directories in SQLite. Every Remember and
// Forget is written through, so the journal survives a crash between two
// periodic persists.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("not found")

type Store struct {
	db *sql.DB
}

func InitDB(ctx context.Context, dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// one writer at a time, concurrent callers queue for the connection
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA busy_timeout=5000",
		"PRAGMA journal_mode=WAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("executing %s: %w", pragma, err)
		}
	}

	_, err = db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS invocations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			locator TEXT NOT NULL,
			UNIQUE(run_id, locator)
		)`,
	)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Open initializes the journal at dbPath.
func Open(ctx context.Context, dbPath string) (*Store, error) {
	db, err := InitDB(ctx, dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening journal %s: %w", dbPath, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Add records a directory of a run, adding an existing one is a no-op.
func (s *Store) Add(ctx context.Context, runID, locator string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO invocations (run_id, locator) VALUES (?,?);`, runID, locator,
	)
	if err != nil {
		return fmt.Errorf("executing sql insert failed: %w", err)
	}
	return nil
}

// Remove deletes a directory of a run, ErrNotFound is returned when it was
// not recorded.
func (s *Store) Remove(ctx context.Context, runID, locator string) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM invocations WHERE run_id=? AND locator=?`, runID, locator,
	)
	if err != nil {
		return fmt.Errorf("executing sql delete failed: %w", err)
	}
	ra, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("fetching affected rows failed: %w", err)
	}
	if ra == 0 {
		return ErrNotFound
	}
	return nil
}

// Save replaces the whole journal by runs.
func (s *Store) Save(ctx context.Context, runs map[string][]string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func(ctx context.Context) {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			slog.ErrorContext(ctx, "Calling `tx.Rollback()` failed.", slog.String("error", err.Error()))
		}
	}(ctx)

	if _, err := tx.ExecContext(ctx, `DELETE FROM invocations`); err != nil {
		return fmt.Errorf("executing sql delete failed: %w", err)
	}
	for runID, dirs := range runs {
		for _, dir := range dirs {
			_, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO invocations (run_id, locator) VALUES (?,?);`, runID, dir,
			)
			if err != nil {
				return fmt.Errorf("executing sql insert failed: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction failed: %w", err)
	}
	return nil
}

// Load returns all journaled directories grouped by run, in insertion
// order.
func (s *Store) Load(ctx context.Context) (map[string][]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, locator FROM invocations ORDER BY id`,
	)
	if err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	runs := make(map[string][]string)
	for rows.Next() {
		var runID, locator string
		if err := rows.Scan(&runID, &locator); err != nil {
			return nil, fmt.Errorf("scanning row failed: %w", err)
		}
		runs[runID] = append(runs[runID], locator)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows failed: %w", err)
	}
	return runs, nil
}
