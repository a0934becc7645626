// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package pathstack tracks the three parallel paths an orchestrator walk
// maintains while consuming a directory event stream: the agent-visible
// logical path, the locally-sanitised os path, and the agent's original
// (pre-sanitisation) path in its own separator convention.
package pathstack

import (
	"path/filepath"
	"strings"
)

const osSeparator = filepath.Separator

// Stack holds the three parallel path strings and their segment counts,
// pushed on Enter and popped on Leave in lock-step so depth never diverges
// across the three views.
type Stack struct {
	logicalSegs []string
	osSegs      []string
	origSegs    []string
	origSep     string
}

// New creates an empty Stack rooted at "". origSep is the agent's native
// path separator used to render Orig; it defaults to "\" (DefaultOrigSep)
// when empty.
func New(origSep string) *Stack {
	if origSep == "" {
		origSep = "\\"
	}
	return &Stack{origSep: origSep}
}

// Depth reports the current nesting depth (number of pushed segments).
func (s *Stack) Depth() int {
	return len(s.logicalSegs)
}

// Enter pushes name onto all three parallel paths. The os segment is
// produced by FixForOS(name); logical and orig keep the name unmodified.
func (s *Stack) Enter(name string) {
	s.logicalSegs = append(s.logicalSegs, name)
	s.osSegs = append(s.osSegs, FixForOS(name))
	s.origSegs = append(s.origSegs, name)
}

// Leave pops one segment from all three parallel paths. It reports false
// without modifying the stack if depth is already 0 — callers (the
// orchestrator) must treat that as the "Leave without matching Enter"
// fatal condition spec.md's depth-non-negative invariant calls out.
func (s *Stack) Leave() bool {
	if len(s.logicalSegs) == 0 {
		return false
	}
	n := len(s.logicalSegs) - 1
	s.logicalSegs = s.logicalSegs[:n]
	s.osSegs = s.osSegs[:n]
	s.origSegs = s.origSegs[:n]
	return true
}

// Logical renders the agent-visible path, "/"-separated.
func (s *Stack) Logical() string {
	return "/" + strings.Join(s.logicalSegs, "/")
}

// OS renders the locally-sanitised path using the platform separator.
func (s *Stack) OS() string {
	if len(s.osSegs) == 0 {
		return string(osSeparator)
	}
	return string(osSeparator) + strings.Join(s.osSegs, string(osSeparator))
}

// Orig renders the agent's original path using its native separator.
func (s *Stack) Orig() string {
	if len(s.origSegs) == 0 {
		return s.origSep
	}
	return s.origSep + strings.Join(s.origSegs, s.origSep)
}

// WithName renders the child path for name under the current Logical path,
// without mutating the stack. Used by callers composing a file's path
// without entering it (files don't push/pop, only directories do).
func (s *Stack) WithName(name string) (logical, os, orig string) {
	logical = s.Logical() + "/" + name
	if len(s.osSegs) == 0 {
		os = string(osSeparator) + FixForOS(name)
	} else {
		os = s.OS() + string(osSeparator) + FixForOS(name)
	}
	orig = s.Orig() + s.origSep + name
	return
}

// forbiddenOSChars are characters unsafe across the common target
// filesystems (Windows reserved set is the strictest; applying it
// everywhere keeps FixForOS deterministic regardless of build platform).
const forbiddenOSChars = `<>:"/\|?*`

// FixForOS sanitises name into a string safe to use as a single path
// segment on the local filesystem. It is total (never errors) and
// deterministic: every forbidden character is replaced with '_', and a
// name that is empty or all-dots is replaced with "_". Two distinct names
// may sanitise to the same string; that collision is the filesystem's to
// report, not the sanitiser's.
func FixForOS(name string) string {
	if name == "" {
		return "_"
	}

	var b strings.Builder
	b.Grow(len(name))
	allDots := true
	for _, r := range name {
		if strings.ContainsRune(forbiddenOSChars, r) || r < 0x20 {
			b.WriteByte('_')
			allDots = false
			continue
		}
		if r != '.' {
			allDots = false
		}
		b.WriteRune(r)
	}
	if allDots {
		return "_"
	}

	out := strings.TrimRight(b.String(), " .")
	if out == "" {
		return "_"
	}
	return out
}
