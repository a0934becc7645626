// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package serverstatus implements the ServerStatus collaborator from
// spec.md §6: a process-wide registry of in-progress backup percent,
// queue depth, and ETA, plus the operator-settable stop flag the
// Orchestrator polls for cancellation.
package serverstatus

import (
	"sync"
	"time"
)

// Process is one client+status_id's published state.
type Process struct {
	PercentDone int       `json:"percent_done"`
	QueueSize   int       `json:"queue_size"`
	ETA         time.Time `json:"eta"`
	Stop        bool      `json:"stop"`
}

type key struct {
	client   string
	statusID string
}

type entry struct {
	mu   sync.Mutex
	proc Process
}

// Registry is the ServerStatus collaborator. One Registry is shared by
// the whole server process; each running backup claims one entry for its
// duration via Start and releases it via Cleanup.
type Registry struct {
	procs sync.Map // key -> *entry
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{}
}

// Start registers client/statusID with a zeroed Process, ready for the
// Orchestrator's ProgressReporter to publish into.
func (r *Registry) Start(client, statusID string) {
	r.procs.Store(key{client, statusID}, &entry{})
}

// Cleanup removes client/statusID's entry once its backup has finished
// (spec.md §4.9 state 12).
func (r *Registry) Cleanup(client, statusID string) {
	r.procs.Delete(key{client, statusID})
}

func (r *Registry) load(client, statusID string) (*entry, bool) {
	v, ok := r.procs.Load(key{client, statusID})
	if !ok {
		return nil, false
	}
	return v.(*entry), true
}

// SetProcessPcDone publishes percent-done for client/statusID.
func (r *Registry) SetProcessPcDone(client, statusID string, pct int) {
	if e, ok := r.load(client, statusID); ok {
		e.mu.Lock()
		e.proc.PercentDone = pct
		e.mu.Unlock()
	}
}

// SetProcessQueueSize publishes the current DownloadQueue depth.
func (r *Registry) SetProcessQueueSize(client, statusID string, n int) {
	if e, ok := r.load(client, statusID); ok {
		e.mu.Lock()
		e.proc.QueueSize = n
		e.mu.Unlock()
	}
}

// SetProcessETA publishes the current ETA estimate.
func (r *Registry) SetProcessETA(client, statusID string, eta time.Time) {
	if e, ok := r.load(client, statusID); ok {
		e.mu.Lock()
		e.proc.ETA = eta
		e.mu.Unlock()
	}
}

// RequestStop sets the operator-cancel flag the Orchestrator checks at the
// top of every Enumerate iteration (spec.md §4.9 state 6, scenario 4).
func (r *Registry) RequestStop(client, statusID string) {
	if e, ok := r.load(client, statusID); ok {
		e.mu.Lock()
		e.proc.Stop = true
		e.mu.Unlock()
	}
}

// GetProcess returns a copy of client/statusID's current state.
func (r *Registry) GetProcess(client, statusID string) (Process, bool) {
	e, ok := r.load(client, statusID)
	if !ok {
		return Process{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.proc, true
}
