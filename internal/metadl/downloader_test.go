// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package metadl

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/nbak/fullbackup/internal/metadata"
	"github.com/nbak/fullbackup/internal/protocol"
)

type fakeMetaClient struct {
	records []protocol.MetaRecord
	endErr  error
}

func (f *fakeMetaClient) StreamMetadata(ctx context.Context, onRecord func(protocol.MetaRecord) error) error {
	for _, rec := range f.records {
		if err := onRecord(rec); err != nil {
			return err
		}
	}
	return f.endErr
}

type fakeSidecarWriter struct {
	mu      sync.Mutex
	written map[string]metadata.FileMetadata
	failOn  string
}

func (f *fakeSidecarWriter) Write(relPath string, isDir bool, m metadata.FileMetadata, overwrite bool) error {
	if relPath == f.failOn {
		return errors.New("disk full")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.written == nil {
		f.written = map[string]metadata.FileMetadata{}
	}
	f.written[relPath] = m
	return nil
}

func TestDownloader_PersistsAllRecords(t *testing.T) {
	client := &fakeMetaClient{records: []protocol.MetaRecord{
		{RelPath: "a.txt", PermissionsBlob: []byte{1}},
		{RelPath: "dir", IsDir: true, HasOrigPath: true, OrigPath: `\Volume\dir`},
	}}
	writer := &fakeSidecarWriter{}
	d := New(client, writer, nil)

	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	writer.mu.Lock()
	defer writer.mu.Unlock()
	if len(writer.written) != 2 {
		t.Fatalf("expected 2 records written, got %d", len(writer.written))
	}
	if !writer.written["a.txt"].Exists || writer.written["dir"].OrigPath != `\Volume\dir` {
		t.Fatalf("unexpected written metadata: %+v", writer.written)
	}
	if d.HasError() {
		t.Fatal("expected no error")
	}
}

func TestDownloader_WriteFailureSetsHasError(t *testing.T) {
	client := &fakeMetaClient{records: []protocol.MetaRecord{{RelPath: "bad"}}}
	writer := &fakeSidecarWriter{failOn: "bad"}
	d := New(client, writer, nil)

	if err := d.Run(context.Background()); err == nil {
		t.Fatal("expected error propagated from writer")
	}
	if !d.HasError() {
		t.Fatal("expected HasError true")
	}
}

func TestDownloader_CancelledContextIsNotAnError(t *testing.T) {
	client := &fakeMetaClient{endErr: context.Canceled}
	writer := &fakeSidecarWriter{}
	d := New(client, writer, nil)

	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("expected context.Canceled to be swallowed, got %v", err)
	}
	if d.HasError() {
		t.Fatal("expected no error")
	}
}
