// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package metadl implements the C7 MetadataDownloader: a stream, separate
// from the main file transfer, that pulls the agent's metadata sidecar
// records and persists them so per-file attributes are available before
// hashing completes.
package metadl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/nbak/fullbackup/internal/metadata"
	"github.com/nbak/fullbackup/internal/protocol"
)

// MetadataClient is the subset of fileclient.FileClient the downloader
// depends on.
type MetadataClient interface {
	StreamMetadata(ctx context.Context, onRecord func(protocol.MetaRecord) error) error
}

// SidecarWriter is the subset of metadata.Writer the downloader depends
// on.
type SidecarWriter interface {
	Write(relPath string, isDir bool, m metadata.FileMetadata, overwrite bool) error
}

// Downloader is the C7 MetadataDownloader collaborator. Started right
// after the client list arrives, stopped after the main drain (spec.md
// §4.7).
type Downloader struct {
	client MetadataClient
	writer SidecarWriter
	logger *slog.Logger

	hadError atomic.Bool
}

// New creates a Downloader pulling metadata through client and persisting
// it through writer.
func New(client MetadataClient, writer SidecarWriter, logger *slog.Logger) *Downloader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Downloader{client: client, writer: writer, logger: logger}
}

// Run blocks until the agent's metadata stream ends, ctx is cancelled, or
// a fatal write error occurs. Intended to run inside an errgroup.Group
// alongside the download queue and hash pipe stages.
func (d *Downloader) Run(ctx context.Context) error {
	err := d.client.StreamMetadata(ctx, d.handle)
	if err != nil && !errors.Is(err, context.Canceled) {
		d.logger.Error("metadl: stream ended with error", "error", err)
		return err
	}
	return nil
}

func (d *Downloader) handle(rec protocol.MetaRecord) error {
	m := metadata.FileMetadata{
		Exists:          true,
		HasOrigPath:     rec.HasOrigPath,
		OrigPath:        rec.OrigPath,
		PermissionsBlob: rec.PermissionsBlob,
		TimesBlob:       rec.TimesBlob,
	}
	// Metadata may arrive before or after the corresponding directory
	// create/hash pipe write races it into place; always overwrite so the
	// most recently received attributes win.
	if err := d.writer.Write(rec.RelPath, rec.IsDir, m, true); err != nil {
		d.hadError.Store(true)
		return fmt.Errorf("metadl: writing sidecar for %s: %w", rec.RelPath, err)
	}
	return nil
}

// HasError reports whether any record failed to persist; the orchestrator
// maps this to disk_error.
func (d *Downloader) HasError() bool { return d.hadError.Load() }
