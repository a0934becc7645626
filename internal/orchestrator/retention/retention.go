// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package retention prunes superseded full-backup generations from the
// on-disk layout spec.md §6 defines, on a cron schedule, so a client's
// backup directory does not grow without bound.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/robfig/cron/v3"
)

// reservedEntries are directory names under <backupfolder>/<client> that
// are never themselves backup generations: the group symlinks.
var reservedEntries = map[string]bool{
	"current":    true,
	"continuous": true,
}

// Config bounds the sweep.
type Config struct {
	// BackupFolder is the root spec.md §6 lays out as
	// <backupfolder>/<client>/<backup_path>.
	BackupFolder string
	// MaxBackupsDefault is how many full-backup generations survive per
	// client. Continuous-mode generations would be bounded separately by
	// MaxBackupsContinuous, but continuous/incremental backups are out
	// of scope here (spec.md Non-goals) so every generation this sweep
	// ever finds is a default-group one; the field is kept so a future
	// continuous strategy has somewhere to plug in its own limit.
	MaxBackupsDefault    int
	MaxBackupsContinuous int
	// Schedule is a standard 5-field cron expression, e.g. "0 3 * * *".
	Schedule string
}

// Sweeper runs the retention sweep on Config.Schedule until stopped.
type Sweeper struct {
	cfg    Config
	logger *slog.Logger
	cronID *cron.Cron
}

// New creates a Sweeper. Callers that only want one-off sweeps (tests,
// an admin CLI) can call Sweep directly without ever calling Run.
func New(cfg Config, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxBackupsDefault <= 0 {
		cfg.MaxBackupsDefault = 5
	}
	if cfg.MaxBackupsContinuous <= 0 {
		cfg.MaxBackupsContinuous = 30
	}
	return &Sweeper{cfg: cfg, logger: logger}
}

// Run schedules Sweep on cfg.Schedule and blocks until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc(s.cfg.Schedule, func() {
		if err := s.Sweep(); err != nil {
			s.logger.Error("retention: sweep failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("retention: scheduling %q: %w", s.cfg.Schedule, err)
	}
	s.cronID = c
	c.Start()
	defer c.Stop()

	<-ctx.Done()
	return nil
}

// Sweep prunes every client directory under BackupFolder down to
// MaxBackupsDefault generations, oldest first, never removing whatever
// "current" or "continuous" currently resolve to. A generation's parallel
// <name>.hashes directory is not counted on its own and is removed
// together with it.
func (s *Sweeper) Sweep() error {
	clients, err := os.ReadDir(s.cfg.BackupFolder)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("retention: reading %s: %w", s.cfg.BackupFolder, err)
	}

	for _, client := range clients {
		if !client.IsDir() || client.Name() == "clients" {
			continue
		}
		if err := s.sweepClient(filepath.Join(s.cfg.BackupFolder, client.Name())); err != nil {
			s.logger.Error("retention: sweeping client failed", "client", client.Name(), "error", err)
		}
	}
	return nil
}

func (s *Sweeper) sweepClient(clientDir string) error {
	protected := protectedTargets(clientDir)

	entries, err := os.ReadDir(clientDir)
	if err != nil {
		return fmt.Errorf("reading %s: %w", clientDir, err)
	}

	type generation struct {
		name    string
		modTime int64
	}
	var gens []generation
	for _, e := range entries {
		if reservedEntries[e.Name()] || protected[e.Name()] || strings.HasSuffix(e.Name(), ".hashes") {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.Mode().IsDir() {
			continue
		}
		gens = append(gens, generation{name: e.Name(), modTime: info.ModTime().UnixNano()})
	}

	sort.Slice(gens, func(i, j int) bool { return gens[i].modTime < gens[j].modTime })

	excess := len(gens) - s.cfg.MaxBackupsDefault
	for i := 0; i < excess; i++ {
		victim := filepath.Join(clientDir, gens[i].name)
		if err := os.RemoveAll(victim); err != nil {
			return fmt.Errorf("removing %s: %w", victim, err)
		}
		if err := os.RemoveAll(victim + ".hashes"); err != nil {
			return fmt.Errorf("removing %s.hashes: %w", victim, err)
		}
		s.logger.Info("retention: pruned backup generation", "path", victim)
	}
	return nil
}

// protectedTargets resolves the "current" and "continuous" symlinks so
// their target directory is never pruned even if it is the oldest.
func protectedTargets(clientDir string) map[string]bool {
	protected := make(map[string]bool, 2)
	for name := range reservedEntries {
		target, err := os.Readlink(filepath.Join(clientDir, name))
		if err != nil {
			continue
		}
		protected[filepath.Base(target)] = true
	}
	return protected
}
