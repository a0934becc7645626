// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package agentsim

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"
)

// ScanDir walks root and loads every regular file not matched by excludes
// into the Agent's file map, keyed by its slash-separated path relative to
// root. It stands in for the real agent's filesystem enumeration (out of
// scope per spec.md §1) so tests can point the reference agent at an
// actual directory tree instead of hand-building fixtures file by file.
//
// excludes are doublestar glob patterns matched against the relative path
// ("logs/**", "*.tmp"), generalizing the teacher's own hand-rolled
// filepath.Match exclude matcher (internal/agent/scanner.go) with real
// "**" recursive-wildcard support.
func (a *Agent) ScanDir(root string, excludes []string) ([]string, error) {
	var loaded []string

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if path == root {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		excluded, err := matchesAny(excludes, rel)
		if err != nil {
			return err
		}
		if excluded {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}

		if d.IsDir() {
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("agentsim: reading %s: %w", path, err)
		}
		a.PutFile(rel, content)
		loaded = append(loaded, rel)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return loaded, nil
}

// matchesAny reports whether relPath matches any of patterns, tried both
// against the full relative path and its basename (so "*.log" excludes a
// matching file at any depth, same as the teacher's matcher).
func matchesAny(patterns []string, relPath string) (bool, error) {
	base := filepath.Base(relPath)
	for _, pattern := range patterns {
		matched, err := doublestar.Match(pattern, relPath)
		if err != nil {
			return false, fmt.Errorf("agentsim: invalid exclude pattern %q: %w", pattern, err)
		}
		if matched {
			return true, nil
		}
		if matched, err = doublestar.Match(pattern, base); err != nil {
			return false, fmt.Errorf("agentsim: invalid exclude pattern %q: %w", pattern, err)
		} else if matched {
			return true, nil
		}
	}
	return false, nil
}
