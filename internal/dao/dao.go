// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package dao defines the orchestrator's persistence collaborator
// (BackupDao) and a concrete SQLite-backed implementation.
package dao

import (
	"context"
	"time"
)

// FullDuration is one historical full-backup timing sample, used to seed
// the orchestrator's initial ETA estimate.
type FullDuration struct {
	IndexingMS int64
	DurationS  int64
}

// BackupDao is the persistence collaborator the orchestrator drives. Only
// the operations it invokes are specified; any store satisfying this
// interface can stand in, including fakes used by tests.
type BackupDao interface {
	// LastFullDurations returns timing samples from prior full backups of
	// clientID, most recent first, used to average an initial ETA.
	LastFullDurations(ctx context.Context, clientID int64) ([]FullDuration, error)

	// NewFileBackup inserts a new backup row and returns its id.
	NewFileBackup(ctx context.Context, incremental bool, clientID int64, path string, tgroup int, indexingMS int64) (backupID int64, err error)

	// UpdateFileBackupRunning bumps the running heartbeat timestamp.
	UpdateFileBackupRunning(ctx context.Context, backupID int64) error

	// SetFileBackupDone marks a backup row done in a transaction of its
	// own; the orchestrator calls it from its Commit state.
	SetFileBackupDone(ctx context.Context, backupID int64, durationS int64) error

	// LinkCandidates returns known source paths for a (hash, size) pair,
	// ordered for hard-link attempt.
	LinkCandidates(ctx context.Context, hash string, size int64) ([]string, error)

	// RegisterLinked records a newly-written path as a future dedup
	// candidate for (hash, size).
	RegisterLinked(ctx context.Context, hash string, size int64, path string) error
}

// now is overridable in tests; production code always uses time.Now.
var now = time.Now
