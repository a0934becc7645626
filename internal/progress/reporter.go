// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package progress implements the C8 ProgressReporter: two independently
// debounced timers publishing percent-done/queue-depth and an
// exponentially-smoothed ETA estimate to a ServerStatus-shaped
// collaborator.
package progress

import (
	"context"
	"math"
	"time"
)

// smoothingAlpha weights the most recent speed sample against the
// running estimate; 0.3 favors recent throughput without one slow or
// fast interval swinging the ETA wildly.
const smoothingAlpha = 0.3

// Sample is one point-in-time read of transfer progress, supplied by the
// Orchestrator from DownloadQueue/FileClient/LinkStore counters.
type Sample struct {
	TransferredBytes uint64
	LinkedBytes      uint64
	TotalBytes       uint64
	QueueSize        int
}

// SampleFunc reads the current Sample.
type SampleFunc func() Sample

// Publisher is the subset of ServerStatus the reporter depends on.
type Publisher interface {
	SetProcessPcDone(client, statusID string, pct int)
	SetProcessQueueSize(client, statusID string, n int)
	SetProcessETA(client, statusID string, eta time.Time)
}

// Reporter is the C8 ProgressReporter.
type Reporter struct {
	client, statusID string
	publisher        Publisher
	sample           SampleFunc

	statusInterval time.Duration
	etaInterval    time.Duration

	smoothedSpeed float64
	lastETABytes  uint64
	lastETATime   time.Time
}

// New creates a Reporter publishing client/statusID's progress through
// publisher, sampled via sample.
func New(client, statusID string, publisher Publisher, sample SampleFunc, statusInterval, etaInterval time.Duration) *Reporter {
	if statusInterval <= 0 {
		statusInterval = time.Second
	}
	if etaInterval <= 0 {
		etaInterval = 5 * time.Second
	}
	return &Reporter{
		client:         client,
		statusID:       statusID,
		publisher:      publisher,
		sample:         sample,
		statusInterval: statusInterval,
		etaInterval:    etaInterval,
	}
}

// Percent computes spec.md §4.8's percent formula: min(100, round(100 *
// (received+linked) / total)) when total > 0, else 100.
func Percent(s Sample) int {
	if s.TotalBytes == 0 {
		return 100
	}
	pct := int(math.Round(100 * float64(s.TransferredBytes+s.LinkedBytes) / float64(s.TotalBytes)))
	if pct > 100 {
		pct = 100
	}
	if pct < 0 {
		pct = 0
	}
	return pct
}

// Run drives both timers until ctx is cancelled. Intended to run inside
// the orchestrator's per-backup errgroup.Group.
func (r *Reporter) Run(ctx context.Context) error {
	statusTicker := time.NewTicker(r.statusInterval)
	defer statusTicker.Stop()
	etaTicker := time.NewTicker(r.etaInterval)
	defer etaTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-statusTicker.C:
			r.publishStatus()
		case <-etaTicker.C:
			r.publishETA()
		}
	}
}

func (r *Reporter) publishStatus() {
	s := r.sample()
	r.publisher.SetProcessPcDone(r.client, r.statusID, Percent(s))
	r.publisher.SetProcessQueueSize(r.client, r.statusID, s.QueueSize)
}

func (r *Reporter) publishETA() {
	s := r.sample()
	now := time.Now()
	done := s.TransferredBytes + s.LinkedBytes

	if !r.lastETATime.IsZero() {
		elapsed := now.Sub(r.lastETATime).Seconds()
		if elapsed > 0 && done >= r.lastETABytes {
			instSpeed := float64(done-r.lastETABytes) / elapsed
			if r.smoothedSpeed == 0 {
				r.smoothedSpeed = instSpeed
			} else {
				r.smoothedSpeed = smoothingAlpha*instSpeed + (1-smoothingAlpha)*r.smoothedSpeed
			}
		}
	}
	r.lastETABytes = done
	r.lastETATime = now

	var remaining uint64
	if s.TotalBytes > done {
		remaining = s.TotalBytes - done
	}

	eta := now
	if r.smoothedSpeed > 0 && remaining > 0 {
		seconds := float64(remaining) / r.smoothedSpeed
		eta = now.Add(time.Duration(seconds * float64(time.Second)))
	}
	r.publisher.SetProcessETA(r.client, r.statusID, eta)
}
