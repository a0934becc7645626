// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package metadata

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWriter_WriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir, CompressionNone)

	m := FileMetadata{
		Exists:          true,
		HasOrigPath:     true,
		OrigPath:        `C:\Users\alice\file.txt`,
		PermissionsBlob: []byte{0x01, 0x02},
		TimesBlob:       []byte{0x03, 0x04},
	}

	if err := w.Write("a/file.txt", false, m, false); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := w.Read("a/file.txt", false)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.OrigPath != m.OrigPath || !got.Exists || !got.HasOrigPath {
		t.Fatalf("round-trip mismatch: %+v", got)
	}

	if _, err := os.Stat(filepath.Join(dir, "a", "file.txt.meta")); err != nil {
		t.Fatalf("expected sidecar file on disk: %v", err)
	}
}

func TestWriter_DirMetadata(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir, CompressionNone)

	m := FileMetadata{Exists: true}
	if err := w.Write("a/b", true, m, false); err != nil {
		t.Fatalf("write: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "a", "b", DirMetadataName)); err != nil {
		t.Fatalf("expected dir metadata file: %v", err)
	}
}

func TestWriter_NoOverwrite(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir, CompressionNone)

	m := FileMetadata{Exists: true}
	if err := w.Write("f", false, m, false); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if err := w.Write("f", false, m, false); !os.IsExist(err) {
		t.Fatalf("expected os.ErrExist on second write, got %v", err)
	}
	if err := w.Write("f", false, m, true); err != nil {
		t.Fatalf("overwrite=true should succeed: %v", err)
	}
}

func TestWriter_NoTempFileLeftBehind(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir, CompressionNone)

	if err := w.Write("f", false, FileMetadata{Exists: true}, false); err != nil {
		t.Fatalf("write: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".tmp" {
			t.Fatalf("temp file left behind: %s", e.Name())
		}
	}
}

func TestWriter_Compression(t *testing.T) {
	for _, mode := range []CompressionMode{CompressionGzip, CompressionZstd} {
		dir := t.TempDir()
		w := NewWriter(dir, mode)
		m := FileMetadata{Exists: true, PermissionsBlob: []byte("some permissions blob data repeated repeated repeated")}
		if err := w.Write("f", false, m, false); err != nil {
			t.Fatalf("mode %d write: %v", mode, err)
		}
		got, err := w.Read("f", false)
		if err != nil {
			t.Fatalf("mode %d read: %v", mode, err)
		}
		if string(got.PermissionsBlob) != string(m.PermissionsBlob) {
			t.Fatalf("mode %d round-trip mismatch", mode)
		}
	}
}

func TestWriter_HashSidecarRoundTrip(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir, CompressionNone)

	if err := w.WriteHashSidecar("a/file.txt", "deadbeef", 1234); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := w.ReadHashSidecar("a/file.txt")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Hash != "deadbeef" || got.Size != 1234 {
		t.Fatalf("round-trip mismatch: %+v", got)
	}

	if _, err := os.Stat(filepath.Join(dir, "a", "file.txt.hash")); err != nil {
		t.Fatalf("expected hash sidecar file on disk: %v", err)
	}
}

func TestWriter_HashSidecarOverwritesFreely(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir, CompressionNone)

	if err := w.WriteHashSidecar("f", "first", 1); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if err := w.WriteHashSidecar("f", "second", 2); err != nil {
		t.Fatalf("second write: %v", err)
	}
	got, err := w.ReadHashSidecar("f")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Hash != "second" || got.Size != 2 {
		t.Fatalf("expected overwritten values, got %+v", got)
	}
}

func TestSynthesizeOrigPath(t *testing.T) {
	got := SynthesizeOrigPath(`\Volume\dir`, `\`, "file.txt")
	if got != `\Volume\dir\file.txt` {
		t.Fatalf("unexpected synthesized path: %q", got)
	}
}
