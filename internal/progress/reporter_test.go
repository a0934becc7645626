// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package progress

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestPercent_Formula(t *testing.T) {
	cases := []struct {
		s    Sample
		want int
	}{
		{Sample{TotalBytes: 0}, 100},
		{Sample{TransferredBytes: 50, TotalBytes: 100}, 50},
		{Sample{TransferredBytes: 30, LinkedBytes: 20, TotalBytes: 100}, 50},
		{Sample{TransferredBytes: 150, TotalBytes: 100}, 100},
		{Sample{TransferredBytes: 1, TotalBytes: 3}, 33},
	}
	for _, c := range cases {
		if got := Percent(c.s); got != c.want {
			t.Errorf("Percent(%+v) = %d, want %d", c.s, got, c.want)
		}
	}
}

type fakePublisher struct {
	mu      sync.Mutex
	pct     []int
	queue   []int
	etas    []time.Time
}

func (f *fakePublisher) SetProcessPcDone(client, statusID string, pct int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pct = append(f.pct, pct)
}

func (f *fakePublisher) SetProcessQueueSize(client, statusID string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue = append(f.queue, n)
}

func (f *fakePublisher) SetProcessETA(client, statusID string, eta time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.etas = append(f.etas, eta)
}

func TestReporter_PublishesOnBothTimers(t *testing.T) {
	pub := &fakePublisher{}
	var mu sync.Mutex
	sample := Sample{TransferredBytes: 10, TotalBytes: 100, QueueSize: 3}
	sampleFn := func() Sample {
		mu.Lock()
		defer mu.Unlock()
		return sample
	}

	r := New("client1", "full-1", pub, sampleFn, 20*time.Millisecond, 30*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	if err := r.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.pct) == 0 {
		t.Fatal("expected at least one percent publish")
	}
	if len(pub.etas) == 0 {
		t.Fatal("expected at least one ETA publish")
	}
	for _, p := range pub.pct {
		if p != 10 {
			t.Fatalf("expected percent 10, got %d", p)
		}
	}
}

func TestReporter_ETANarrowsAsTransferProgresses(t *testing.T) {
	pub := &fakePublisher{}
	var mu sync.Mutex
	transferred := uint64(0)
	sampleFn := func() Sample {
		mu.Lock()
		defer mu.Unlock()
		return Sample{TransferredBytes: transferred, TotalBytes: 1000}
	}

	r := New("client1", "full-1", pub, sampleFn, time.Hour, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(15 * time.Millisecond)
		mu.Lock()
		transferred = 500
		mu.Unlock()
		time.Sleep(15 * time.Millisecond)
		cancel()
	}()

	if err := r.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.etas) < 2 {
		t.Fatalf("expected at least 2 ETA samples, got %d", len(pub.etas))
	}
}
