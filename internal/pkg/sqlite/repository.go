package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"lightsout/internal/domain"

	_ "github.com/mattn/go-sqlite3"
)

// Repository is the build attempt journal
type Repository struct {
	db     *sql.DB
	dbPath string
}

func NewRepository(dbPath string) (*Repository, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	repo := &Repository{
		db:     db,
		dbPath: dbPath,
	}
	if err := repo.initTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize tables: %w", err)
	}

	return repo, nil
}

func (r *Repository) Close() error {
	return r.db.Close()
}

func (r *Repository) initTables() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS build_attempts (
			id TEXT PRIMARY KEY,
			version TEXT NOT NULL,
			state TEXT NOT NULL,
			forced BOOLEAN NOT NULL DEFAULT false,
			error TEXT,
			filename TEXT,
			requested_at DATETIME NOT NULL,
			finished_at DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_build_attempts_requested_at ON build_attempts(requested_at)`,
	}

	for _, query := range queries {
		if _, err := r.db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute query %s: %w", query, err)
		}
	}

	return nil
}

// BuildJournal implementation
func (r *Repository) RecordAttempt(ctx context.Context, attempt *domain.BuildAttempt) error {
	query := `INSERT INTO build_attempts (id, version, state, forced, requested_at)
			  VALUES (?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, query, attempt.ID, attempt.Version,
		string(attempt.State), attempt.Force, attempt.RequestedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to record build attempt: %w", err)
	}

	return nil
}

func (r *Repository) FinishAttempt(ctx context.Context, attempt *domain.BuildAttempt) error {
	query := `UPDATE build_attempts SET state = ?, error = ?, filename = ?, finished_at = ?
			  WHERE id = ?`

	var finishedAt any
	if attempt.FinishedAt != nil {
		finishedAt = attempt.FinishedAt.UTC()
	}

	res, err := r.db.ExecContext(ctx, query, string(attempt.State),
		nullString(attempt.Error), nullString(attempt.Filename), finishedAt, attempt.ID)
	if err != nil {
		return fmt.Errorf("failed to finish build attempt: %w", err)
	}

	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("build attempt %s: %w", attempt.ID, domain.ErrNotFound)
	}

	return nil
}

func (r *Repository) ListAttempts(ctx context.Context, limit int) ([]domain.BuildAttempt, error) {
	if limit <= 0 {
		limit = 20
	}

	query := `SELECT id, version, state, forced, error, filename, requested_at, finished_at
			  FROM build_attempts ORDER BY requested_at DESC LIMIT ?`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query build attempts: %w", err)
	}
	defer rows.Close()

	attempts := []domain.BuildAttempt{}
	for rows.Next() {
		var attempt domain.BuildAttempt
		var state string
		var errorStr, filename sql.NullString
		var finishedAt sql.NullTime

		err := rows.Scan(&attempt.ID, &attempt.Version, &state, &attempt.Force,
			&errorStr, &filename, &attempt.RequestedAt, &finishedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan build attempt: %w", err)
		}

		attempt.State = domain.BuildState(state)
		if errorStr.Valid {
			attempt.Error = errorStr.String
		}
		if filename.Valid {
			attempt.Filename = filename.String
		}
		if finishedAt.Valid {
			t := finishedAt.Time
			attempt.FinishedAt = &t
		}

		attempts = append(attempts, attempt)
	}

	return attempts, rows.Err()
}

// CleanupOldAttempts removes journal entries older than the specified duration
func (r *Repository) CleanupOldAttempts(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan).UTC()
	query := `DELETE FROM build_attempts WHERE requested_at < ? AND state != ?`

	res, err := r.db.ExecContext(ctx, query, cutoff, string(domain.BuildStateBuilding))
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup old build attempts: %w", err)
	}

	return res.RowsAffected()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
