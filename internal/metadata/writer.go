// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package metadata persists per-file and per-directory attribute blobs
// beside a backup's hash tree, atomically (write-to-temp, fsync, rename)
// so a crash mid-write never leaves a half-written blob visible under its
// final name.
package metadata

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
)

// DirMetadataName is the reserved filename used for a directory's metadata
// blob, stored alongside its children in hashes_path rather than beside a
// hash sidecar (directories have no hash file of their own).
const DirMetadataName = ".dir_metadata"

// CompressionMode selects the optional codec applied to persisted blobs.
type CompressionMode int

const (
	// CompressionNone stores the blob uncompressed.
	CompressionNone CompressionMode = iota
	// CompressionGzip stores the blob pgzip-compressed.
	CompressionGzip
	// CompressionZstd stores the blob zstd-compressed.
	CompressionZstd
)

// FileMetadata carries the attributes spec.md's data model names for a
// single file-list entry.
type FileMetadata struct {
	Exists          bool
	HasOrigPath     bool
	OrigPath        string
	PermissionsBlob []byte
	TimesBlob       []byte
}

// ErrDiskError wraps any I/O failure encountered while persisting a blob;
// the orchestrator treats it as fatal to publication.
var ErrDiskError = errors.New("metadata: disk error")

// Writer persists FileMetadata values beneath a backup's hashes_path root.
type Writer struct {
	hashesPath  string
	compression CompressionMode
}

// NewWriter creates a Writer rooted at hashesPath, compressing persisted
// blobs per mode.
func NewWriter(hashesPath string, mode CompressionMode) *Writer {
	return &Writer{hashesPath: hashesPath, compression: mode}
}

// pathFor resolves the on-disk path for a regular file's metadata sidecar
// (beside the hash file, same base name with a ".meta" suffix) or, when
// isDir is true, the reserved DirMetadataName inside the directory itself.
func (w *Writer) pathFor(relPath string, isDir bool) string {
	full := filepath.Join(w.hashesPath, filepath.FromSlash(relPath))
	if isDir {
		return filepath.Join(full, DirMetadataName)
	}
	return full + ".meta"
}

// Write persists metadata for relPath atomically: write-to-temp, fsync,
// rename. overwrite=false fails with os.ErrExist if a blob is already
// present at the destination. Any I/O error is wrapped in ErrDiskError.
func (w *Writer) Write(relPath string, isDir bool, metadata FileMetadata, overwrite bool) error {
	dest := w.pathFor(relPath, isDir)
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: creating directory %s: %v", ErrDiskError, dir, err)
	}

	if !overwrite {
		if _, err := os.Stat(dest); err == nil {
			return fmt.Errorf("%w: %s", os.ErrExist, dest)
		} else if !os.IsNotExist(err) {
			return fmt.Errorf("%w: stat %s: %v", ErrDiskError, dest, err)
		}
	}

	payload, err := encode(metadata)
	if err != nil {
		return fmt.Errorf("%w: encoding metadata: %v", ErrDiskError, err)
	}

	payload, err = w.compress(payload)
	if err != nil {
		return fmt.Errorf("%w: compressing metadata: %v", ErrDiskError, err)
	}

	tmp, err := os.CreateTemp(dir, ".meta-*.tmp")
	if err != nil {
		return fmt.Errorf("%w: creating temp file: %v", ErrDiskError, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: writing temp file: %v", ErrDiskError, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: fsyncing temp file: %v", ErrDiskError, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: closing temp file: %v", ErrDiskError, err)
	}

	if err := os.Rename(tmpPath, dest); err != nil {
		return fmt.Errorf("%w: renaming to %s: %v", ErrDiskError, dest, err)
	}
	return nil
}

// HashSidecar is the minimal per-file record the hash pipe writes once a
// transfer has been staged into its final location: the content hash and
// size, used both for future dedup lookups and for verify-pass spot checks.
type HashSidecar struct {
	Hash string
	Size int64
}

// hashSidecarPath resolves to relPath with a ".hash" suffix, distinct from
// the ".meta" attribute sidecar so the two can be written independently.
func (w *Writer) hashSidecarPath(relPath string) string {
	return filepath.Join(w.hashesPath, filepath.FromSlash(relPath)) + ".hash"
}

// WriteHashSidecar persists hash and size for relPath atomically. It always
// overwrites: unlike attribute metadata, a hash sidecar is written exactly
// once per file by the hash pipe's finalize stage, immediately after the
// file itself is renamed into place.
func (w *Writer) WriteHashSidecar(relPath string, hash string, size int64) error {
	dest := w.hashSidecarPath(relPath)
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: creating directory %s: %v", ErrDiskError, dir, err)
	}

	payload, err := encodeHash(HashSidecar{Hash: hash, Size: size})
	if err != nil {
		return fmt.Errorf("%w: encoding hash sidecar: %v", ErrDiskError, err)
	}

	tmp, err := os.CreateTemp(dir, ".hash-*.tmp")
	if err != nil {
		return fmt.Errorf("%w: creating temp file: %v", ErrDiskError, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: writing temp file: %v", ErrDiskError, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: fsyncing temp file: %v", ErrDiskError, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: closing temp file: %v", ErrDiskError, err)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		return fmt.Errorf("%w: renaming to %s: %v", ErrDiskError, dest, err)
	}
	return nil
}

// ReadHashSidecar loads a previously persisted HashSidecar.
func (w *Writer) ReadHashSidecar(relPath string) (HashSidecar, error) {
	dest := w.hashSidecarPath(relPath)
	raw, err := os.ReadFile(dest)
	if err != nil {
		return HashSidecar{}, fmt.Errorf("%w: reading %s: %v", ErrDiskError, dest, err)
	}
	var h HashSidecar
	if err := decodeHash(raw, &h); err != nil {
		return HashSidecar{}, fmt.Errorf("%w: decoding %s: %v", ErrDiskError, dest, err)
	}
	return h, nil
}

func encodeHash(h HashSidecar) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(h); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeHash(raw []byte, h *HashSidecar) error {
	return gob.NewDecoder(bytes.NewReader(raw)).Decode(h)
}

// Read loads a previously persisted FileMetadata blob. Used by integration
// tests and by the verify pass to spot-check written sidecars.
func (w *Writer) Read(relPath string, isDir bool) (FileMetadata, error) {
	dest := w.pathFor(relPath, isDir)
	raw, err := os.ReadFile(dest)
	if err != nil {
		return FileMetadata{}, fmt.Errorf("%w: reading %s: %v", ErrDiskError, dest, err)
	}
	raw, err = w.decompress(raw)
	if err != nil {
		return FileMetadata{}, fmt.Errorf("%w: decompressing %s: %v", ErrDiskError, dest, err)
	}
	var m FileMetadata
	if err := decode(raw, &m); err != nil {
		return FileMetadata{}, fmt.Errorf("%w: decoding %s: %v", ErrDiskError, dest, err)
	}
	return m, nil
}

func (w *Writer) compress(payload []byte) ([]byte, error) {
	switch w.compression {
	case CompressionNone:
		return payload, nil
	case CompressionGzip:
		var buf bytes.Buffer
		zw, err := pgzip.NewWriterLevel(&buf, pgzip.BestSpeed)
		if err != nil {
			return nil, err
		}
		if _, err := zw.Write(payload); err != nil {
			return nil, err
		}
		if err := zw.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case CompressionZstd:
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, err
		}
		defer enc.Close()
		return enc.EncodeAll(payload, nil), nil
	default:
		return nil, fmt.Errorf("unknown compression mode %d", w.compression)
	}
}

func (w *Writer) decompress(payload []byte) ([]byte, error) {
	switch w.compression {
	case CompressionNone:
		return payload, nil
	case CompressionGzip:
		zr, err := pgzip.NewReader(bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		return io.ReadAll(zr)
	case CompressionZstd:
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, err
		}
		defer dec.Close()
		return dec.DecodeAll(payload, nil)
	default:
		return nil, fmt.Errorf("unknown compression mode %d", w.compression)
	}
}

func encode(m FileMetadata) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(m); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decode(raw []byte, m *FileMetadata) error {
	return gob.NewDecoder(bytes.NewReader(raw)).Decode(m)
}

// SynthesizeOrigPath concatenates stackOrig with origSep and name, matching
// the orchestrator's fallback when a list entry omits orig_path.
func SynthesizeOrigPath(stackOrig, origSep, name string) string {
	if origSep == "" {
		origSep = "\\"
	}
	return stackOrig + origSep + name
}
