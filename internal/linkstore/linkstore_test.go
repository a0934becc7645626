// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package linkstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

type fakeDao struct {
	candidates map[string][]string
	registered []string
}

func (f *fakeDao) LinkCandidates(ctx context.Context, hash string, size int64) ([]string, error) {
	return f.candidates[key(hash, size)], nil
}

func (f *fakeDao) RegisterLinked(ctx context.Context, hash string, size int64, path string) error {
	f.registered = append(f.registered, path)
	return nil
}

func key(hash string, size int64) string {
	return hash + "/" + string(rune(size))
}

func TestStore_TryLink_Hit(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "source.txt")
	if err := os.WriteFile(src, []byte("hello"), 0o644); err != nil {
		t.Fatalf("writing source: %v", err)
	}

	dao := &fakeDao{candidates: map[string][]string{key("AAAA", 5): {src}}}
	store := New(dao, nil)

	dst := filepath.Join(dir, "target.txt")
	res, err := store.TryLink(context.Background(), "AAAA", 5, dst)
	if err != nil {
		t.Fatalf("try link: %v", err)
	}
	if res != Linked {
		t.Fatalf("expected Linked, got %v", res)
	}
	if _, err := os.Stat(dst); err != nil {
		t.Fatalf("expected target to exist: %v", err)
	}
	if len(dao.registered) != 1 || dao.registered[0] != dst {
		t.Fatalf("expected target registered as new candidate, got %v", dao.registered)
	}
}

func TestStore_TryLink_Miss(t *testing.T) {
	dao := &fakeDao{}
	store := New(dao, nil)

	res, err := store.TryLink(context.Background(), "NOPE", 1, "/tmp/does-not-matter")
	if err != nil {
		t.Fatalf("try link: %v", err)
	}
	if res != Miss {
		t.Fatalf("expected Miss, got %v", res)
	}
}

func TestStore_TryLink_SkipsBadCandidateTriesNext(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.txt")
	if err := os.WriteFile(good, []byte("hi"), 0o644); err != nil {
		t.Fatalf("writing good candidate: %v", err)
	}

	dao := &fakeDao{candidates: map[string][]string{
		key("H", 2): {filepath.Join(dir, "missing.txt"), good},
	}}
	store := New(dao, nil)

	dst := filepath.Join(dir, "target.txt")
	res, err := store.TryLink(context.Background(), "H", 2, dst)
	if err != nil {
		t.Fatalf("try link: %v", err)
	}
	if res != Linked {
		t.Fatalf("expected Linked after skipping missing candidate, got %v", res)
	}
}

func TestStore_AllowedRoots(t *testing.T) {
	dir := t.TempDir()
	outsideRoot := filepath.Join(dir, "other-root", "f.txt")
	if err := os.MkdirAll(filepath.Dir(outsideRoot), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(outsideRoot, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	dao := &fakeDao{candidates: map[string][]string{key("H", 1): {outsideRoot}}}
	store := New(dao, nil, WithAllowedRoots([]string{filepath.Join(dir, "allowed-root")}))

	res, err := store.TryLink(context.Background(), "H", 1, filepath.Join(dir, "target.txt"))
	if err != nil {
		t.Fatalf("try link: %v", err)
	}
	if res != Miss {
		t.Fatalf("expected Miss when candidate is outside allowed roots, got %v", res)
	}
}
