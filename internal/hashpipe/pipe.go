// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package hashpipe implements the C6 HashPipe: two bounded-queue stages
// between the download worker and the dedup index. Stage one ("prepare")
// moves a staged file into its final location while computing its content
// hash; stage two ("finalize") writes the hash sidecar and registers the
// file with LinkStore for future dedup.
package hashpipe

import (
	"context"
	"crypto/sha512"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/nbak/fullbackup/internal/download"
)

// ErrDiskError is returned when either stage hits an I/O failure; the
// orchestrator sets the backup's disk_error flag on observing it.
var ErrDiskError = errors.New("hashpipe: disk error")

// Registrar is the subset of linkstore.Store the finalize stage depends
// on.
type Registrar interface {
	Register(ctx context.Context, hash string, size int64, path string) error
}

// SidecarWriter persists the hash sidecar beside a file in hashes_path.
type SidecarWriter interface {
	WriteHashSidecar(relPath string, hash string, size int64) error
}

type prepareJob struct {
	stagingPath string
	targetPath  string
	relPath     string
}

type finalizeJob struct {
	targetPath string
	relPath    string
	hash       string
	size       int64
}

// Pipe is the C6 collaborator: two goroutines, each consuming a bounded
// channel.
type Pipe struct {
	prepareCh  chan prepareJob
	finalizeCh chan finalizeJob

	registrar Registrar
	sidecars  SidecarWriter
	logger    *slog.Logger

	errOnce  chan error
	hadError bool
}

// New creates a Pipe with the given per-stage channel capacity.
func New(capacity int, registrar Registrar, sidecars SidecarWriter, logger *slog.Logger) *Pipe {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipe{
		prepareCh:  make(chan prepareJob, capacity),
		finalizeCh: make(chan finalizeJob, capacity),
		registrar:  registrar,
		sidecars:   sidecars,
		logger:     logger,
		errOnce:    make(chan error, 1),
	}
}

// Submit enqueues a staged file for stage-1 processing; Prepare adapts it
// to the download queue's HashHandoff callback. relPath is the file's path
// relative to both backup_path and hashes_path.
func (p *Pipe) Submit(stagingPath, targetPath, relPath string) error {
	select {
	case p.prepareCh <- prepareJob{stagingPath: stagingPath, targetPath: targetPath, relPath: relPath}:
		return nil
	case err := <-p.errOnce:
		p.errOnce <- err // put back for the next caller / Wait
		return err
	}
}

// Prepare adapts Submit to download.HashHandoff's exact signature, so a
// Pipe can be wired directly as the download queue's handoff callback:
// download.New(ctx, capacity, client, pipe.Prepare, ...).
func (p *Pipe) Prepare(item download.WorkItem, stagingPath string) error {
	return p.Submit(stagingPath, item.ContainerOSPath, item.ContainerPath)
}

// Close signals no more Submit calls will be made; the stage-1 loop
// drains, then closes the stage-2 channel so it drains too.
func (p *Pipe) Close() {
	close(p.prepareCh)
}

// HasError reports whether either stage has recorded a fatal error.
func (p *Pipe) HasError() bool {
	return p.hadError
}

// RunPrepare runs stage 1 until Close is called or ctx is cancelled.
// Intended to be run inside an errgroup.Group alongside RunFinalize.
func (p *Pipe) RunPrepare(ctx context.Context) error {
	defer close(p.finalizeCh)
	for {
		select {
		case job, more := <-p.prepareCh:
			if !more {
				return nil
			}
			if err := p.prepare(job); err != nil {
				p.fail(err)
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (p *Pipe) prepare(job prepareJob) error {
	dir := filepath.Dir(job.targetPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: creating %s: %v", ErrDiskError, dir, err)
	}

	src, err := os.Open(job.stagingPath)
	if err != nil {
		return fmt.Errorf("%w: opening staged file: %v", ErrDiskError, err)
	}
	defer src.Close()

	tmp, err := os.CreateTemp(dir, ".hashpipe-*.tmp")
	if err != nil {
		return fmt.Errorf("%w: creating temp file: %v", ErrDiskError, err)
	}
	tmpPath := tmp.Name()

	hasher := sha512.New()
	size, err := io.Copy(io.MultiWriter(tmp, hasher), src)
	if err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("%w: copying into place: %v", ErrDiskError, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("%w: fsyncing: %v", ErrDiskError, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("%w: closing temp file: %v", ErrDiskError, err)
	}
	if err := os.Rename(tmpPath, job.targetPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("%w: renaming into place: %v", ErrDiskError, err)
	}
	os.Remove(job.stagingPath)

	hash := base64.RawStdEncoding.EncodeToString(hasher.Sum(nil))
	p.finalizeCh <- finalizeJob{targetPath: job.targetPath, relPath: job.relPath, hash: hash, size: size}
	return nil
}

// RunFinalize runs stage 2 until stage 1 closes the handoff channel or ctx
// is cancelled.
func (p *Pipe) RunFinalize(ctx context.Context) error {
	for {
		select {
		case job, more := <-p.finalizeCh:
			if !more {
				return nil
			}
			if err := p.finalize(ctx, job); err != nil {
				p.fail(err)
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (p *Pipe) finalize(ctx context.Context, job finalizeJob) error {
	if err := p.sidecars.WriteHashSidecar(job.relPath, job.hash, job.size); err != nil {
		return fmt.Errorf("%w: writing hash sidecar: %v", ErrDiskError, err)
	}
	if err := p.registrar.Register(ctx, job.hash, job.size, job.targetPath); err != nil {
		return fmt.Errorf("%w: registering with link store: %v", ErrDiskError, err)
	}
	return nil
}

func (p *Pipe) fail(err error) {
	p.hadError = true
	select {
	case p.errOnce <- err:
	default:
	}
}
