// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package linkstore implements content-addressed deduplication: given a
// hash and size, it asks a BackupDao for candidate source paths from prior
// backups and tries to hard-link (or reflink) one of them into the new
// backup tree, avoiding a network transfer.
package linkstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
)

// Result is the outcome of a TryLink attempt.
type Result int

const (
	// Miss reports that no candidate path could be linked; the caller
	// must enqueue the item for download.
	Miss Result = iota
	// Linked reports that target_path now exists as a hard link (or
	// reflink) to one of the candidate source files.
	Linked
)

// Candidates is the subset of dao.BackupDao the LinkStore depends on. Kept
// as its own minimal interface so linkstore has no import-time dependency
// on the concrete dao package — any (hash,size)->paths index satisfies it.
type Candidates interface {
	LinkCandidates(ctx context.Context, hash string, size int64) ([]string, error)
	RegisterLinked(ctx context.Context, hash string, size int64, path string) error
}

// Store is the C4 LinkStore collaborator.
type Store struct {
	dao       Candidates
	logger    *slog.Logger
	useReflink bool
	// allowedRoots restricts which backup roots candidates may be linked
	// from, enforcing the dedup-safety invariant: LinkStore never links
	// across backup roots it is not configured to share. Empty means "no
	// restriction" (single-root deployments).
	allowedRoots []string
}

// Option configures a Store.
type Option func(*Store)

// WithReflink enables attempting a copy-on-write reflink before falling
// back to a hard link, on filesystems that support it.
func WithReflink(enabled bool) Option {
	return func(s *Store) { s.useReflink = enabled }
}

// WithAllowedRoots restricts candidate source paths to those rooted under
// one of roots.
func WithAllowedRoots(roots []string) Option {
	return func(s *Store) { s.allowedRoots = roots }
}

// New creates a Store backed by dao.
func New(dao Candidates, logger *slog.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{dao: dao, logger: logger}
	for _, o := range opts {
		o(s)
	}
	return s
}

// TryLink attempts to materialize targetPath as a link to a prior copy of
// the content identified by (hash, size). On success it registers
// targetPath itself as a future candidate and returns Linked; otherwise it
// returns Miss.
func (s *Store) TryLink(ctx context.Context, hash string, size int64, targetPath string) (Result, error) {
	candidates, err := s.dao.LinkCandidates(ctx, hash, size)
	if err != nil {
		return Miss, fmt.Errorf("linkstore: fetching candidates: %w", err)
	}

	for _, c := range candidates {
		if !s.allowed(c) {
			continue
		}
		if err := s.link(c, targetPath); err != nil {
			s.logger.Debug("link attempt failed, trying next candidate",
				slog.String("candidate", c), slog.String("target", targetPath), slog.String("error", err.Error()))
			continue
		}
		if err := s.dao.RegisterLinked(ctx, hash, size, targetPath); err != nil {
			return Miss, fmt.Errorf("linkstore: registering new link: %w", err)
		}
		return Linked, nil
	}

	return Miss, nil
}

// Register records path directly as a future dedup candidate for
// (hash, size), without attempting any link itself. Used by the hash pipe
// once a freshly-transferred file has been hashed and moved into place.
func (s *Store) Register(ctx context.Context, hash string, size int64, path string) error {
	if err := s.dao.RegisterLinked(ctx, hash, size, path); err != nil {
		return fmt.Errorf("linkstore: registering %s: %w", path, err)
	}
	return nil
}

func (s *Store) allowed(candidatePath string) bool {
	if len(s.allowedRoots) == 0 {
		return true
	}
	for _, root := range s.allowedRoots {
		if hasPathPrefix(candidatePath, root) {
			return true
		}
	}
	return false
}

func hasPathPrefix(path, root string) bool {
	if len(path) < len(root) {
		return false
	}
	return path[:len(root)] == root
}

// link attempts a reflink (if enabled) then falls back to a hard link.
func (s *Store) link(src, dst string) error {
	if s.useReflink {
		if err := reflink(src, dst); err == nil {
			return nil
		}
	}
	if err := os.Link(src, dst); err != nil {
		return err
	}
	return nil
}

// ErrReflinkUnsupported is returned by reflink on platforms/filesystems
// without copy-on-write clone support; callers fall back to os.Link.
var ErrReflinkUnsupported = errors.New("linkstore: reflink not supported")
