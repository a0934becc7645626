// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package orchestrator

import (
	"bufio"
	"fmt"
	"io"
	"math/rand"
	"os"

	"github.com/nbak/fullbackup/internal/filelist"
)

// writeNewList is the WriteNewList state (spec.md §4.9 state 9): a second
// pass over the same list, from offset 0 regardless of where Enumerate
// stopped, rewriting a filtered copy per BackupStrategy's decisions. The
// copy becomes the basis for a future incremental run.
func (o *Orchestrator) writeNewList(s *runState, newListPath string, rnd *rand.Rand) error {
	if err := s.parser.Reset(); err != nil {
		return fmt.Errorf("orchestrator: rewinding list for second pass: %w", err)
	}

	out, err := os.Create(newListPath)
	if err != nil {
		return fmt.Errorf("orchestrator: creating new list: %w", err)
	}
	defer out.Close()
	w := bufio.NewWriter(out)

	var line uint64
	for {
		ev, err := s.parser.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("orchestrator: re-reading list: %w", err)
		}

		write := false
		switch ev.Kind {
		case filelist.Enter, filelist.Leave:
			write = o.strategy.WriteDirectory(line, s.firstPassLines)
		case filelist.File:
			linked := s.isLinked(line)
			ok := s.queue.IsDownloadOk(line)
			partial := s.queue.IsDownloadPartial(line)
			var perturb bool
			write, perturb = o.strategy.WriteFile(linked, ok, partial)
			if perturb {
				ev.LastModified = perturbTimestamp(ev.LastModified, rnd)
			}
		}

		if write {
			if _, err := w.WriteString(filelist.Encode(ev) + "\n"); err != nil {
				return fmt.Errorf("orchestrator: writing new list entry: %w", err)
			}
		}
		line++
	}

	if err := w.Flush(); err != nil {
		return fmt.Errorf("orchestrator: flushing new list: %w", err)
	}
	if err := out.Sync(); err != nil {
		return fmt.Errorf("orchestrator: fsyncing new list: %w", err)
	}
	return nil
}

// perturbTimestamp poisons last_modified for a partially-transferred file
// so a later incremental run treats it as changed and retries it, without
// ever producing the original value back (the original's
// last_modified *= getRandomNumber() translated to Go's non-deterministic
// multiply-by-zero edge case: a plain multiply risks leaving last_modified
// at 0 for 0-valued inputs, so this adds a nonzero random offset instead).
func perturbTimestamp(lastModified int64, rnd *rand.Rand) int64 {
	offset := rnd.Int63n(1<<32) + 1
	return lastModified + offset
}

// verifyBackup is the Verify state (spec.md §4.9 state 8): recomputes the
// hash of every freshly-downloaded file the queue confirmed Ok and
// compares it against the hash recorded in the original list. Both the
// list's sha512 extra and the hash pipe's sidecar use the same encoding
// (hashpipe.Pipe: base64.RawStdEncoding of a raw sha512 sum), so comparing
// the encoded strings directly is sufficient.
func (o *Orchestrator) verifyBackup(s *runState) (bool, error) {
	for _, c := range s.verifyCandidates {
		if !s.queue.IsDownloadOk(c.line) {
			continue
		}
		sidecar, err := s.writer.ReadHashSidecar(c.relPath)
		if err != nil {
			return false, fmt.Errorf("orchestrator: reading hash sidecar for %s: %w", c.relPath, err)
		}
		if sidecar.Hash != c.expectedHash {
			s.logger.Warn("verify: hash mismatch", "path", c.relPath)
			return false, nil
		}
	}
	return true, nil
}
