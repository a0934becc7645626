// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// fanOutHandler is a slog.Handler that dispatches every record to two
// handlers. BackupLogger uses it to write simultaneously to the process
// logger and a backup's dedicated log file.
type fanOutHandler struct {
	primary   slog.Handler
	secondary slog.Handler
}

func (h *fanOutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.primary.Enabled(ctx, level) || h.secondary.Enabled(ctx, level)
}

func (h *fanOutHandler) Handle(ctx context.Context, r slog.Record) error {
	if h.primary.Enabled(ctx, r.Level) {
		if err := h.primary.Handle(ctx, r); err != nil {
			return err
		}
	}
	// A write failure on the backup's own log must not drop the global record.
	if h.secondary.Enabled(ctx, r.Level) {
		_ = h.secondary.Handle(ctx, r)
	}
	return nil
}

func (h *fanOutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &fanOutHandler{
		primary:   h.primary.WithAttrs(attrs),
		secondary: h.secondary.WithAttrs(attrs),
	}
}

func (h *fanOutHandler) WithGroup(name string) slog.Handler {
	return &fanOutHandler{
		primary:   h.primary.WithGroup(name),
		secondary: h.secondary.WithGroup(name),
	}
}

// NewBackupLogger builds a logger that writes to both baseLogger and a file
// dedicated to one backup run, at:
//
//	{backupLogDir}/{client}/{backupID}.log
//
// Returns the combined logger, an io.Closer that must be closed (defer)
// when the run ends, and the file's absolute path. If backupLogDir is
// empty, returns baseLogger unmodified (no-op).
func NewBackupLogger(baseLogger *slog.Logger, backupLogDir, client, backupID string) (*slog.Logger, io.Closer, string, error) {
	if backupLogDir == "" {
		return baseLogger, io.NopCloser(nil), "", nil
	}

	dir := filepath.Join(backupLogDir, client)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, nil, "", fmt.Errorf("creating backup log directory %s: %w", dir, err)
	}

	logPath := filepath.Join(dir, backupID+".log")
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, nil, "", fmt.Errorf("opening backup log file %s: %w", logPath, err)
	}

	// The per-backup file always runs JSON at debug level for full capture.
	fileHandler := slog.NewJSONHandler(f, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})

	combined := &fanOutHandler{
		primary:   baseLogger.Handler(),
		secondary: fileHandler,
	}

	return slog.New(combined), f, logPath, nil
}

// RemoveBackupLog deletes a finished backup's dedicated log file. No-op if
// backupLogDir is empty or the file doesn't exist.
func RemoveBackupLog(backupLogDir, client, backupID string) {
	if backupLogDir == "" {
		return
	}
	logPath := filepath.Join(backupLogDir, client, backupID+".log")
	os.Remove(logPath)
}
