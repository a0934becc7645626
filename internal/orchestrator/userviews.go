// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package orchestrator

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// usersTopDir is the conventional top-level directory name carrying one
// subdirectory per OS user profile, the shape createUserViews mirrors.
const usersTopDir = "Users"

// createUserViews builds, for group == GroupDefault only, a per-user view
// directory under <backupfolder>/clients/<client>/user_views/<user>: a
// hard-linked mirror of backupPath/Users/<user>, so a single user's files
// can be browsed or restored without walking the whole client tree.
// Gated by config's create_linked_user_views; absence of a Users
// directory is not an error, matching the original which only acts on
// whatever top-level entries the list happened to contain.
func createUserViews(backupFolder, client, backupPath string, logger *slog.Logger) error {
	usersRoot := filepath.Join(backupPath, usersTopDir)
	entries, err := os.ReadDir(usersRoot)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("userviews: reading %s: %w", usersRoot, err)
	}

	viewsRoot := filepath.Join(backupFolder, "clients", client, "user_views")

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		userDir := filepath.Join(usersRoot, entry.Name())
		viewDir := filepath.Join(viewsRoot, entry.Name())
		if err := os.RemoveAll(viewDir); err != nil {
			return fmt.Errorf("userviews: clearing stale view for %s: %w", entry.Name(), err)
		}
		if err := hardlinkTree(userDir, viewDir); err != nil {
			logger.Error("userviews: building view failed", "user", entry.Name(), "error", err)
			return fmt.Errorf("userviews: building view for %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// hardlinkTree mirrors src into dst, hard-linking every regular file and
// recreating directories and symlinks so the view shares storage with the
// backup it was built from.
func hardlinkTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		switch {
		case d.IsDir():
			return os.MkdirAll(target, 0o755)
		case d.Type()&os.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		default:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			return os.Link(path, target)
		}
	})
}
