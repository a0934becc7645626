// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package orchestrator

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCreateUserViews_HardlinksFilesAndPreservesSymlinks(t *testing.T) {
	root := t.TempDir()
	backupPath := filepath.Join(root, "client-a", "250731-100000")
	usersDir := filepath.Join(backupPath, usersTopDir, "alice")
	if err := os.MkdirAll(filepath.Join(usersDir, "Documents"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	docPath := filepath.Join(usersDir, "Documents", "report.txt")
	if err := os.WriteFile(docPath, []byte("hello"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if err := os.Symlink("report.txt", filepath.Join(usersDir, "Documents", "report.lnk")); err != nil {
		t.Fatalf("symlink: %v", err)
	}

	if err := createUserViews(root, "client-a", backupPath, testLogger()); err != nil {
		t.Fatalf("createUserViews: %v", err)
	}

	viewDoc := filepath.Join(root, "clients", "client-a", "user_views", "alice", "Documents", "report.txt")
	viewInfo, err := os.Stat(viewDoc)
	if err != nil {
		t.Fatalf("expected hard-linked view file to exist: %v", err)
	}
	srcInfo, err := os.Stat(docPath)
	if err != nil {
		t.Fatalf("stat source: %v", err)
	}
	if !os.SameFile(viewInfo, srcInfo) {
		t.Fatalf("expected view file to be hard-linked to the source, got separate inodes")
	}

	link := filepath.Join(root, "clients", "client-a", "user_views", "alice", "Documents", "report.lnk")
	target, err := os.Readlink(link)
	if err != nil {
		t.Fatalf("expected the symlink to be recreated in the view: %v", err)
	}
	if target != "report.txt" {
		t.Fatalf("expected symlink target report.txt, got %q", target)
	}
}

func TestCreateUserViews_NoUsersDirectoryIsNotAnError(t *testing.T) {
	root := t.TempDir()
	backupPath := filepath.Join(root, "client-a", "250731-100000")
	if err := os.MkdirAll(backupPath, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	if err := createUserViews(root, "client-a", backupPath, testLogger()); err != nil {
		t.Fatalf("createUserViews with no Users dir: %v", err)
	}
}

func TestCreateUserViews_ClearsStaleViewBeforeRebuilding(t *testing.T) {
	root := t.TempDir()
	backupPath := filepath.Join(root, "client-a", "250731-100000")
	usersDir := filepath.Join(backupPath, usersTopDir, "alice")
	if err := os.MkdirAll(usersDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(usersDir, "new.txt"), []byte("new"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	staleDir := filepath.Join(root, "clients", "client-a", "user_views", "alice")
	if err := os.MkdirAll(staleDir, 0o755); err != nil {
		t.Fatalf("mkdir stale view: %v", err)
	}
	stalePath := filepath.Join(staleDir, "stale.txt")
	if err := os.WriteFile(stalePath, []byte("stale"), 0o644); err != nil {
		t.Fatalf("write stale file: %v", err)
	}

	if err := createUserViews(root, "client-a", backupPath, testLogger()); err != nil {
		t.Fatalf("createUserViews: %v", err)
	}

	if _, err := os.Stat(stalePath); !os.IsNotExist(err) {
		t.Fatalf("expected stale view entry to be removed, stat err=%v", err)
	}
	if _, err := os.Stat(filepath.Join(staleDir, "new.txt")); err != nil {
		t.Fatalf("expected rebuilt view to contain the current source file: %v", err)
	}
}
