// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package orchestrator

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/nbak/fullbackup/internal/download"
	"github.com/nbak/fullbackup/internal/filelist"
	"github.com/nbak/fullbackup/internal/linkstore"
	"github.com/nbak/fullbackup/internal/metadata"
	"github.com/nbak/fullbackup/internal/pathstack"
)

const scriptDirName = "urbackup_backup_scripts"

// totalFileBytes does a throwaway pass over the whole list to sum every
// file entry's size, used as the ProgressReporter's percent-done
// denominator. The parser is reset before and after so the real
// enumeration pass still starts at line 0.
func totalFileBytes(p *filelist.Parser) (int64, error) {
	if err := p.Reset(); err != nil {
		return 0, err
	}
	var total int64
	for {
		ev, err := p.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, err
		}
		if ev.Kind == filelist.File {
			total += ev.Size
		}
	}
	return total, p.Reset()
}

// enumerate is the Enumerate state (spec.md §4.9 state 6): the first pass
// over the directory list. It materializes directories and symlinks
// in-place, attempts dedup for every plain file, and enqueues the rest to
// the download queue. It stops early on operator cancellation or the
// queue reporting the transport offline.
func (o *Orchestrator) enumerate(ctx context.Context, s *runState) error {
	stack := pathstack.New(filelist.DefaultOrigSep)

	var (
		line        uint64
		inScriptDir bool
		scriptDepth int // depth at which the script directory was entered
	)

	for {
		select {
		case <-ctx.Done():
			s.outcome = UserCancelled
			s.queue.QueueSkip()
			return nil
		default:
		}

		if proc, ok := o.status.GetProcess(s.rc.Client, s.rc.StatusID); ok && proc.Stop {
			s.outcome = UserCancelled
			s.queue.QueueSkip()
			return nil
		}

		ev, err := s.parser.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			s.outcome = ListCorrupt
			return fmt.Errorf("orchestrator: parsing directory list: %w", err)
		}

		switch ev.Kind {
		case filelist.Enter:
			prevDepth := stack.Depth()
			stack.Enter(ev.Name)
			if err := o.materializeDirectory(s, ev, stack); err != nil {
				s.outcome = DiskError
				return err
			}
			if prevDepth == 0 {
				if ev.Name == scriptDirName {
					inScriptDir = true
					scriptDepth = stack.Depth()
				} else {
					s.queue.EnqueueShadow(true, ev.Name)
					s.continuousSequences[ev.Name] = parseContinuousSequence(ev)
				}
			}

		case filelist.Leave:
			prevDepth := stack.Depth()
			volume := strings.TrimPrefix(stack.Logical(), "/")
			if !stack.Leave() {
				s.outcome = ListCorrupt
				return fmt.Errorf("orchestrator: %w: Leave without matching Enter", filelist.ErrListCorrupt)
			}
			if prevDepth == 1 {
				if inScriptDir && scriptDepth == prevDepth {
					inScriptDir = false
				} else if !inScriptDir {
					s.queue.EnqueueShadow(false, volume)
				}
			}

		case filelist.File:
			if err := o.materializeFile(ctx, s, ev, stack, line, inScriptDir); err != nil {
				s.outcome = DiskError
				return err
			}
		}

		line++

		if s.queue.IsOffline() {
			s.outcome = Offline
			return nil
		}
	}

	s.firstPassLines = line
	return nil
}

func parseContinuousSequence(ev filelist.DirectoryEvent) ContinuousSequence {
	var seq ContinuousSequence
	if v, ok := ev.Extra(filelist.ExtraSequenceID); ok {
		seq.SequenceID, _ = strconv.ParseInt(v, 10, 64)
	}
	if v, ok := ev.Extra(filelist.ExtraSequenceNext); ok {
		seq.SequenceNext, _ = strconv.ParseInt(v, 10, 64)
	}
	return seq
}

// materializeDirectory creates (or symlinks) a directory in the backup
// tree and its hashes_path counterpart, and persists its metadata blob.
// stack must already have ev's name pushed.
func (o *Orchestrator) materializeDirectory(s *runState, ev filelist.DirectoryEvent, stack *pathstack.Stack) error {
	relPath := strings.TrimPrefix(stack.Logical(), "/")
	diskPath := filepath.Join(s.backupPath, stack.OS())
	hashDiskPath := filepath.Join(s.hashesPath, filepath.FromSlash(relPath))

	if target, ok := ev.Extra(filelist.ExtraSymTarget); ok && target != "" {
		_ = os.Remove(diskPath)
		if err := os.Symlink(target, diskPath); err != nil {
			return fmt.Errorf("creating directory symlink %s: %w", diskPath, err)
		}
	} else if err := os.MkdirAll(diskPath, 0o755); err != nil {
		return fmt.Errorf("creating directory %s: %w", diskPath, err)
	}

	if err := os.MkdirAll(hashDiskPath, 0o755); err != nil {
		return fmt.Errorf("creating hash directory %s: %w", hashDiskPath, err)
	}

	meta := metadata.FileMetadata{Exists: true, HasOrigPath: true, OrigPath: stack.Orig()}
	if err := s.writer.Write(relPath, true, meta, true); err != nil {
		return fmt.Errorf("writing directory metadata for %s: %w", relPath, err)
	}
	return nil
}

// materializeFile resolves one file entry: a symlink target is recreated
// directly, a dedup hit is hard-linked in place, and anything else is
// handed to the download queue. Symlinked and linked files never reach
// the queue at all (download.Queue only models real transfers), so both
// are recorded straight into linkedLines for WriteNewList to see.
func (o *Orchestrator) materializeFile(ctx context.Context, s *runState, ev filelist.DirectoryEvent, stack *pathstack.Stack, line uint64, inScriptDir bool) error {
	logical, osRel, orig := stack.WithName(ev.Name)
	relPath := strings.TrimPrefix(logical, "/")
	diskPath := filepath.Join(s.backupPath, osRel)
	meta := metadata.FileMetadata{Exists: true, HasOrigPath: true, OrigPath: orig}

	if target, ok := ev.Extra(filelist.ExtraSymTarget); ok && target != "" {
		if err := os.MkdirAll(filepath.Dir(diskPath), 0o755); err != nil {
			return fmt.Errorf("preparing parent of %s: %w", diskPath, err)
		}
		_ = os.Remove(diskPath)
		if err := os.Symlink(target, diskPath); err != nil {
			return fmt.Errorf("creating file symlink %s: %w", diskPath, err)
		}
		if err := s.writer.Write(relPath, false, meta, true); err != nil {
			return fmt.Errorf("writing metadata for %s: %w", relPath, err)
		}
		s.markLinked(line)
		return nil
	}

	if err := s.writer.Write(relPath, false, meta, true); err != nil {
		return fmt.Errorf("writing metadata for %s: %w", relPath, err)
	}

	if hash, size, ok := o.strategy.ChooseCandidates(ev); ok {
		result, err := s.links.TryLink(ctx, hash, size, diskPath)
		if err != nil {
			s.logger.Warn("dedup link attempt failed, falling back to download", "path", relPath, "error", err)
		} else if result == linkstore.Linked {
			s.linkedBytes.Add(size)
			s.markLinked(line)
			return nil
		}
		s.addVerifyCandidate(line, relPath, hash)
	}

	s.queue.EnqueueFull(download.WorkItem{
		Line:            line,
		LogicalPath:     logical,
		OSPath:          osRel,
		ContainerPath:   relPath,
		ContainerOSPath: diskPath,
		PredictedSize:   ev.Size,
		Metadata:        meta,
		IsScriptDir:     inScriptDir,
		RemoteName:      relPath,
		Hashed:          s.hashedTransfer,
	})
	return nil
}
