// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package serverstatus

import (
	"testing"
	"time"
)

func TestRegistry_StartAndPublish(t *testing.T) {
	r := New()
	r.Start("client1", "full-1")

	r.SetProcessPcDone("client1", "full-1", 42)
	r.SetProcessQueueSize("client1", "full-1", 7)
	eta := time.Now().Add(90 * time.Second)
	r.SetProcessETA("client1", "full-1", eta)

	p, ok := r.GetProcess("client1", "full-1")
	if !ok {
		t.Fatal("expected process to be found")
	}
	if p.PercentDone != 42 || p.QueueSize != 7 || !p.ETA.Equal(eta) {
		t.Fatalf("unexpected process state: %+v", p)
	}
	if p.Stop {
		t.Fatal("expected Stop false before RequestStop")
	}
}

func TestRegistry_RequestStop(t *testing.T) {
	r := New()
	r.Start("client1", "full-1")

	r.RequestStop("client1", "full-1")

	p, ok := r.GetProcess("client1", "full-1")
	if !ok || !p.Stop {
		t.Fatalf("expected Stop true, got %+v ok=%v", p, ok)
	}
}

func TestRegistry_CleanupRemovesEntry(t *testing.T) {
	r := New()
	r.Start("client1", "full-1")
	r.Cleanup("client1", "full-1")

	if _, ok := r.GetProcess("client1", "full-1"); ok {
		t.Fatal("expected process to be gone after Cleanup")
	}
}

func TestRegistry_UnknownProcessReportsNotFound(t *testing.T) {
	r := New()
	if _, ok := r.GetProcess("missing", "x"); ok {
		t.Fatal("expected not found for unregistered process")
	}
	// Setters on an unregistered key must not panic.
	r.SetProcessPcDone("missing", "x", 50)
}

func TestRegistry_IndependentPerStatusID(t *testing.T) {
	r := New()
	r.Start("client1", "full-1")
	r.Start("client1", "full-2")

	r.SetProcessPcDone("client1", "full-1", 10)
	r.SetProcessPcDone("client1", "full-2", 90)

	p1, _ := r.GetProcess("client1", "full-1")
	p2, _ := r.GetProcess("client1", "full-2")
	if p1.PercentDone != 10 || p2.PercentDone != 90 {
		t.Fatalf("expected independent state, got p1=%+v p2=%+v", p1, p2)
	}
}
