// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package dao

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/pressly/goose/v3"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteBackupDao is the default BackupDao collaborator, backed by
// modernc.org/sqlite (pure Go, no cgo) with schema managed by goose.
type SQLiteBackupDao struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenSQLiteBackupDao opens (creating if necessary) the SQLite database at
// path and applies any pending migrations.
func OpenSQLiteBackupDao(ctx context.Context, path string, logger *slog.Logger) (*SQLiteBackupDao, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("dao: opening sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: single-writer discipline

	if err := migrate(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteBackupDao{db: db, logger: logger}, nil
}

func migrate(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	subFS, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("dao: creating migration sub-filesystem: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, subFS)
	if err != nil {
		return fmt.Errorf("dao: creating migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("dao: running migrations: %w", err)
	}

	for _, r := range results {
		logger.Info("applied migration",
			slog.String("source", r.Source.Path),
			slog.Int64("duration_ms", r.Duration.Milliseconds()))
	}
	return nil
}

// Close closes the underlying database handle.
func (d *SQLiteBackupDao) Close() error {
	return d.db.Close()
}

func (d *SQLiteBackupDao) LastFullDurations(ctx context.Context, clientID int64) ([]FullDuration, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT indexing_time_ms, duration_s FROM file_backups
		 WHERE client_id = ? AND incremental = 0 AND done = 1
		 ORDER BY id DESC LIMIT 10`, clientID)
	if err != nil {
		return nil, fmt.Errorf("dao: querying last full durations: %w", err)
	}
	defer rows.Close()

	var out []FullDuration
	for rows.Next() {
		var fd FullDuration
		if err := rows.Scan(&fd.IndexingMS, &fd.DurationS); err != nil {
			return nil, fmt.Errorf("dao: scanning full duration row: %w", err)
		}
		out = append(out, fd)
	}
	return out, rows.Err()
}

func (d *SQLiteBackupDao) NewFileBackup(ctx context.Context, incremental bool, clientID int64, path string, tgroup int, indexingMS int64) (int64, error) {
	res, err := d.db.ExecContext(ctx,
		`INSERT INTO file_backups (client_id, incremental, path, tgroup, indexing_time_ms, start_time, running, done)
		 VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP, 0)`,
		clientID, boolToInt(incremental), path, tgroup, indexingMS)
	if err != nil {
		return 0, fmt.Errorf("dao: inserting file backup row: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("dao: reading inserted backup id: %w", err)
	}
	return id, nil
}

func (d *SQLiteBackupDao) UpdateFileBackupRunning(ctx context.Context, backupID int64) error {
	_, err := d.db.ExecContext(ctx,
		`UPDATE file_backups SET running = CURRENT_TIMESTAMP WHERE id = ?`, backupID)
	if err != nil {
		return fmt.Errorf("dao: updating running heartbeat: %w", err)
	}
	return nil
}

func (d *SQLiteBackupDao) SetFileBackupDone(ctx context.Context, backupID int64, durationS int64) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("dao: beginning commit transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE file_backups SET done = 1, duration_s = ? WHERE id = ?`, durationS, backupID); err != nil {
		return fmt.Errorf("dao: marking backup done: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("dao: committing backup-done transaction: %w", err)
	}
	return nil
}

func (d *SQLiteBackupDao) LinkCandidates(ctx context.Context, hash string, size int64) ([]string, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT path FROM link_candidates WHERE hash = ? AND size = ?`, hash, size)
	if err != nil {
		return nil, fmt.Errorf("dao: querying link candidates: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("dao: scanning link candidate: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (d *SQLiteBackupDao) RegisterLinked(ctx context.Context, hash string, size int64, path string) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO link_candidates (hash, size, path) VALUES (?, ?, ?)`,
		hash, size, path)
	if err != nil {
		return fmt.Errorf("dao: registering linked candidate: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
