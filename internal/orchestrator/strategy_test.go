// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package orchestrator

import (
	"testing"

	"github.com/nbak/fullbackup/internal/filelist"
)

func TestFullStrategy_ChooseCandidatesRequiresNonEmptyHash(t *testing.T) {
	s := NewFullStrategy()

	withHash := filelist.DirectoryEvent{Kind: filelist.File, Name: "a", Size: 42, Extras: map[string]string{filelist.ExtraSHA512: "deadbeef"}}
	if hash, size, ok := s.ChooseCandidates(withHash); !ok || hash != "deadbeef" || size != 42 {
		t.Fatalf("expected a candidate with hash=deadbeef size=42, got hash=%q size=%d ok=%v", hash, size, ok)
	}

	noHash := filelist.DirectoryEvent{Kind: filelist.File, Name: "b", Size: 7}
	if _, _, ok := s.ChooseCandidates(noHash); ok {
		t.Fatalf("expected no candidate without a sha512 extra")
	}

	emptyHash := filelist.DirectoryEvent{Kind: filelist.File, Name: "c", Size: 7, Extras: map[string]string{filelist.ExtraSHA512: ""}}
	if _, _, ok := s.ChooseCandidates(emptyHash); ok {
		t.Fatalf("expected no candidate for an empty sha512 extra")
	}
}

func TestFullStrategy_WriteDirectoryOnlyBeforeCutoff(t *testing.T) {
	s := NewFullStrategy()
	if !s.WriteDirectory(0, 10) {
		t.Fatalf("expected line 0 to survive with maxLine 10")
	}
	if s.WriteDirectory(10, 10) {
		t.Fatalf("expected line == maxLine to not survive")
	}
	if s.WriteDirectory(11, 10) {
		t.Fatalf("expected line > maxLine to not survive")
	}
}

func TestFullStrategy_WriteFile(t *testing.T) {
	s := NewFullStrategy()

	cases := []struct {
		name                      string
		linked, ok, partial       bool
		wantWrite, wantPerturb    bool
	}{
		{"linked survives without perturbation", true, false, false, true, false},
		{"downloaded ok survives without perturbation", false, true, false, true, false},
		{"partial survives with perturbation", false, false, true, true, true},
		{"neither linked nor ok nor partial is dropped", false, false, false, false, false},
		{"ok takes precedence over partial", false, true, true, true, false},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			write, perturb := s.WriteFile(c.linked, c.ok, c.partial)
			if write != c.wantWrite || perturb != c.wantPerturb {
				t.Fatalf("WriteFile(%v,%v,%v) = (%v,%v), want (%v,%v)",
					c.linked, c.ok, c.partial, write, perturb, c.wantWrite, c.wantPerturb)
			}
		})
	}
}

func TestFullStrategy_Mode(t *testing.T) {
	if NewFullStrategy().Mode() != ModeFull {
		t.Fatalf("expected ModeFull")
	}
}
