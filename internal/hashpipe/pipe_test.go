// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package hashpipe

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nbak/fullbackup/internal/download"
	"golang.org/x/sync/errgroup"
)

type fakeRegistrar struct {
	mu   sync.Mutex
	regs []string
}

func (f *fakeRegistrar) Register(ctx context.Context, hash string, size int64, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.regs = append(f.regs, path)
	return nil
}

type fakeSidecars struct {
	mu      sync.Mutex
	written map[string]string // relPath -> hash
}

func (f *fakeSidecars) WriteHashSidecar(relPath string, hash string, size int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.written == nil {
		f.written = map[string]string{}
	}
	f.written[relPath] = hash
	return nil
}

func writeStaged(t *testing.T, dir, content string) string {
	t.Helper()
	f, err := os.CreateTemp(dir, "staging-*")
	if err != nil {
		t.Fatalf("creating staging file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("writing staging file: %v", err)
	}
	f.Close()
	return f.Name()
}

func TestPipe_PrepareMovesFileAndHashes(t *testing.T) {
	dir := t.TempDir()
	staging := writeStaged(t, dir, "hello world")
	target := filepath.Join(dir, "out", "file.txt")

	registrar := &fakeRegistrar{}
	sidecars := &fakeSidecars{}
	p := New(4, registrar, sidecars, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.RunPrepare(gctx) })
	g.Go(func() error { return p.RunFinalize(gctx) })

	if err := p.Submit(staging, target, "file.txt"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	p.Close()

	if err := waitGroup(g, 2*time.Second); err != nil {
		t.Fatalf("pipe did not finish cleanly: %v", err)
	}

	if _, err := os.Stat(target); err != nil {
		t.Fatalf("expected file at target: %v", err)
	}
	got, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("reading target: %v", err)
	}
	if string(got) != "hello world" {
		t.Fatalf("content mismatch: %q", got)
	}

	sidecars.mu.Lock()
	hash, ok := sidecars.written["file.txt"]
	sidecars.mu.Unlock()
	if !ok || hash == "" {
		t.Fatalf("expected hash sidecar written for file.txt, got %q ok=%v", hash, ok)
	}

	registrar.mu.Lock()
	defer registrar.mu.Unlock()
	if len(registrar.regs) != 1 || registrar.regs[0] != target {
		t.Fatalf("expected Register called once with target, got %v", registrar.regs)
	}

	if p.HasError() {
		t.Fatal("expected no error")
	}
}

func TestPipe_PrepareIsAtomic(t *testing.T) {
	dir := t.TempDir()
	staging := writeStaged(t, dir, "content")
	target := filepath.Join(dir, "file.txt")

	p := New(1, &fakeRegistrar{}, &fakeSidecars{}, nil)

	if err := p.prepare(prepareJob{stagingPath: staging, targetPath: target, relPath: "file.txt"}); err != nil {
		t.Fatalf("prepare: %v", err)
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

func TestPipe_PrepareFailureSetsHasError(t *testing.T) {
	dir := t.TempDir()
	// staging path does not exist -> prepare should fail.
	staging := filepath.Join(dir, "does-not-exist")
	target := filepath.Join(dir, "out", "file.txt")

	registrar := &fakeRegistrar{}
	sidecars := &fakeSidecars{}
	p := New(1, registrar, sidecars, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.RunPrepare(gctx) })
	g.Go(func() error { return p.RunFinalize(gctx) })

	if err := p.Submit(staging, target, "file.txt"); err != nil {
		t.Fatalf("submit: %v", err)
	}

	if err := g.Wait(); err == nil {
		t.Fatal("expected pipe to report an error")
	}
	if !p.HasError() {
		t.Fatal("expected HasError true after stage-1 failure")
	}
}

func TestPipe_FinalizeFailurePropagates(t *testing.T) {
	dir := t.TempDir()
	staging := writeStaged(t, dir, "x")
	target := filepath.Join(dir, "file.txt")

	registrar := &failingRegistrar{}
	sidecars := &fakeSidecars{}
	p := New(1, registrar, sidecars, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.RunPrepare(gctx) })
	g.Go(func() error { return p.RunFinalize(gctx) })

	if err := p.Submit(staging, target, "file.txt"); err != nil {
		t.Fatalf("submit: %v", err)
	}

	if err := g.Wait(); err == nil {
		t.Fatal("expected finalize error to propagate")
	}
	if !p.HasError() {
		t.Fatal("expected HasError true")
	}
}

type failingRegistrar struct{}

func (failingRegistrar) Register(ctx context.Context, hash string, size int64, path string) error {
	return os.ErrPermission
}

func TestPipe_PrepareAdaptsDownloadHashHandoff(t *testing.T) {
	dir := t.TempDir()
	staging := writeStaged(t, dir, "adapted")
	target := filepath.Join(dir, "out", "file.txt")

	registrar := &fakeRegistrar{}
	sidecars := &fakeSidecars{}
	p := New(4, registrar, sidecars, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.RunPrepare(gctx) })
	g.Go(func() error { return p.RunFinalize(gctx) })

	var handoff download.HashHandoff = p.Prepare
	item := download.WorkItem{ContainerOSPath: target, ContainerPath: "file.txt"}
	if err := handoff(item, staging); err != nil {
		t.Fatalf("handoff: %v", err)
	}
	p.Close()

	if err := waitGroup(g, 2*time.Second); err != nil {
		t.Fatalf("pipe did not finish cleanly: %v", err)
	}
	if _, err := os.Stat(target); err != nil {
		t.Fatalf("expected file at target: %v", err)
	}
}

func waitGroup(g *errgroup.Group, timeout time.Duration) error {
	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		return context.DeadlineExceeded
	}
}
