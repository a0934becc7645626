// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package orchestrator

import (
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/nbak/fullbackup/internal/config"
	"github.com/nbak/fullbackup/internal/download"
	"github.com/nbak/fullbackup/internal/fileclient"
	"github.com/nbak/fullbackup/internal/filelist"
	"github.com/nbak/fullbackup/internal/hashpipe"
	"github.com/nbak/fullbackup/internal/linkstore"
	"github.com/nbak/fullbackup/internal/metadata"
	"github.com/nbak/fullbackup/internal/metadl"
	"github.com/nbak/fullbackup/internal/progress"
)

// verifyCandidate is a freshly-downloaded (not linked, not symlinked) file
// recorded during Enumerate so Verify can recompute and compare its hash
// once the queue has confirmed which lines actually transferred.
type verifyCandidate struct {
	line         uint64
	relPath      string
	expectedHash string
}

// runState carries every piece of mutable bookkeeping one Run call needs
// across its phases. It exists so Run's phase methods take one receiver
// instead of a growing parameter list; nothing here outlives a single Run.
type runState struct {
	rc     RunContext
	client fileclient.FileClient
	logger *slog.Logger
	runID  string

	backupID   int64
	backupName string
	backupPath string
	hashesPath string
	startedAt  int64 // UnixNano, for duration accounting at Commit

	writer *metadata.Writer
	links  *linkstore.Store
	queue  *download.Queue
	pipe   *hashpipe.Pipe
	metaDL *metadl.Downloader
	reporter *progress.Reporter

	tmpList *os.File
	tmpListPath string
	parser  *filelist.Parser

	hashedTransfer bool

	totalBytes  int64
	linkedBytes atomic.Int64

	linesMu      sync.Mutex
	linkedLines  map[uint64]bool
	continuousSequences map[string]ContinuousSequence
	verifyCandidates []verifyCandidate

	firstPassLines uint64

	outcome Outcome

	backupLogCloser io.Closer
}

func newRunState(rc RunContext, client fileclient.FileClient, logger *slog.Logger) *runState {
	return &runState{
		rc:          rc,
		client:      client,
		logger:      logger,
		linkedLines: make(map[uint64]bool),
		continuousSequences: make(map[string]ContinuousSequence),
	}
}

func (s *runState) markLinked(line uint64) {
	s.linesMu.Lock()
	s.linkedLines[line] = true
	s.linesMu.Unlock()
}

func (s *runState) isLinked(line uint64) bool {
	s.linesMu.Lock()
	defer s.linesMu.Unlock()
	return s.linkedLines[line]
}

func (s *runState) addVerifyCandidate(line uint64, relPath, hash string) {
	s.linesMu.Lock()
	s.verifyCandidates = append(s.verifyCandidates, verifyCandidate{line: line, relPath: relPath, expectedHash: hash})
	s.linesMu.Unlock()
}

// sample builds the progress.Sample Reporter reads on each tick.
func (s *runState) sample() progress.Sample {
	return progress.Sample{
		TransferredBytes: s.client.ReceivedBytes(),
		LinkedBytes:      uint64(s.linkedBytes.Load()),
		TotalBytes:       uint64(s.totalBytes),
		QueueSize:        0, // advisory only: Queue exposes per-line results, not a live depth counter
	}
}

func transferMode(cfg *config.OrchestratorConfig, onInternet bool) config.TransferMode {
	if onInternet {
		return cfg.Transfer.InternetFull
	}
	return cfg.Transfer.LocalFull
}

func hashedTransferFor(mode config.TransferMode) bool {
	return mode == config.TransferHashed || mode == config.TransferBlockhash
}
