// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package download implements the C5 DownloadQueue: a single worker that
// dequeues file and shadow-copy-control items in order, pulls file bytes
// through a FileClient into a staging file, and hands completed transfers
// off to the hash pipe.
package download

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/nbak/fullbackup/internal/fileclient"
	"github.com/nbak/fullbackup/internal/metadata"
)

// Outcome classifies a TransferResult.
type Outcome int

const (
	Ok Outcome = iota
	Partial
	Failed
	Skipped
)

// TransferResult is recorded once per WorkItem line.
type TransferResult struct {
	Line             uint64
	Outcome          Outcome
	BytesTransferred uint64
}

// ItemKind discriminates the two item shapes the queue accepts.
type ItemKind int

const (
	FileItem ItemKind = iota
	ShadowBeginItem
	ShadowEndItem
)

// WorkItem is one enumerated file or directory close-event that may
// require transfer or metadata write, per spec.md §3.
type WorkItem struct {
	Line             uint64
	LogicalPath      string
	OSPath           string
	ContainerPath      string
	ContainerOSPath    string
	PredictedSize    int64 // UnknownSize when queueing is disabled
	Metadata         metadata.FileMetadata
	IsScriptDir      bool
	AlreadyLinked    bool

	RemoteName   string // agent-side name to pull, empty when AlreadyLinked
	StagingPath  string // local temp path the worker writes into
	Hashed       bool
}

// UnknownSize is the sentinel PredictedSize takes when size-based queueing
// is disabled (spec.md §3 WorkItem).
const UnknownSize = -1

type queueItem struct {
	kind   ItemKind
	item   WorkItem
	volume string
}

// FileClient is the subset of fileclient.FileClient the queue depends on.
type FileClient interface {
	GetFile(ctx context.Context, remoteName string, sink io.Writer, hashedTransfer, resume bool) (fileclient.Outcome, fileclient.ErrCode)
	ShadowCopy(ctx context.Context, begin bool, volumeName string) error
}

// HashHandoff is invoked once a file has been fully staged, handing the
// staging file path and target path to the hash pipe (C6). The queue does
// not itself move the file into place, and once the handoff returns nil it
// leaves the staging file for the callee to consume and remove.
type HashHandoff func(item WorkItem, stagingPath string) error

// Queue is the C5 DownloadQueue collaborator.
type Queue struct {
	ctx    context.Context
	cancel context.CancelFunc

	items  chan queueItem
	client FileClient
	handoff HashHandoff
	logger *slog.Logger

	skip    atomic.Bool
	stopped atomic.Bool

	offlineThreshold int
	consecutiveFails atomic.Int32
	offline          atomic.Bool

	results sync.Map // line -> TransferResult
	maxOkLine atomic.Uint64
}

// New creates a Queue with capacity items of slack, backed by client and
// handing completed transfers to handoff.
func New(ctx context.Context, capacity int, client FileClient, handoff HashHandoff, offlineThreshold int, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	if offlineThreshold <= 0 {
		offlineThreshold = 5
	}
	qctx, cancel := context.WithCancel(ctx)
	return &Queue{
		ctx:              qctx,
		cancel:           cancel,
		items:            make(chan queueItem, capacity),
		client:           client,
		handoff:          handoff,
		logger:           logger,
		offlineThreshold: offlineThreshold,
	}
}

// EnqueueFull pushes a file/directory WorkItem.
func (q *Queue) EnqueueFull(item WorkItem) {
	q.items <- queueItem{kind: FileItem, item: item}
}

// EnqueueShadow requests an agent-side volume snapshot start/stop,
// ordered in the same queue as file items.
func (q *Queue) EnqueueShadow(begin bool, volumeName string) {
	kind := ShadowEndItem
	if begin {
		kind = ShadowBeginItem
	}
	q.items <- queueItem{kind: kind, volume: volumeName}
}

// QueueSkip tells the worker to drain remaining file items without
// transferring them, recording each as Skipped; used after operator
// cancellation.
func (q *Queue) QueueSkip() {
	q.skip.Store(true)
}

// QueueStop signals no more items will be pushed; the worker drains then
// exits. abort additionally cancels any in-flight transfer immediately.
func (q *Queue) QueueStop(abort bool) {
	if q.stopped.CompareAndSwap(false, true) {
		close(q.items)
	}
	if abort {
		q.cancel()
	}
}

// IsOffline reports whether the queue has observed enough consecutive
// retryable failures to declare the transport offline.
func (q *Queue) IsOffline() bool { return q.offline.Load() }

// IsDownloadOk reports whether line completed with outcome Ok.
func (q *Queue) IsDownloadOk(line uint64) bool {
	v, ok := q.results.Load(line)
	if !ok {
		return false
	}
	return v.(TransferResult).Outcome == Ok
}

// IsDownloadPartial reports whether line completed with outcome Partial.
func (q *Queue) IsDownloadPartial(line uint64) bool {
	v, ok := q.results.Load(line)
	if !ok {
		return false
	}
	return v.(TransferResult).Outcome == Partial
}

// MaxOkLine returns the monotone high-water mark of lines completed Ok.
func (q *Queue) MaxOkLine() uint64 { return q.maxOkLine.Load() }

// Result returns the recorded TransferResult for line, if any.
func (q *Queue) Result(line uint64) (TransferResult, bool) {
	v, ok := q.results.Load(line)
	if !ok {
		return TransferResult{}, false
	}
	return v.(TransferResult), true
}

// Run drains the queue on the calling goroutine until QueueStop closes the
// item channel, or until either ctx or the queue's own abort context (set
// by QueueStop(true)) is cancelled. Intended to be run inside an
// errgroup.Group so a panic or early return cancels sibling stages.
func (q *Queue) Run(ctx context.Context) error {
	for {
		select {
		case qi, more := <-q.items:
			if !more {
				return nil
			}
			if err := q.process(ctx, qi); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		case <-q.ctx.Done():
			return q.ctx.Err()
		}
	}
}

func (q *Queue) process(ctx context.Context, qi queueItem) error {
	switch qi.kind {
	case ShadowBeginItem:
		return q.client.ShadowCopy(ctx, true, qi.volume)
	case ShadowEndItem:
		return q.client.ShadowCopy(ctx, false, qi.volume)
	case FileItem:
		q.processFile(ctx, qi.item)
		return nil
	default:
		return fmt.Errorf("download: unknown queue item kind %d", qi.kind)
	}
}

func (q *Queue) processFile(ctx context.Context, item WorkItem) {
	if q.skip.Load() {
		q.record(TransferResult{Line: item.Line, Outcome: Skipped})
		return
	}

	staging, err := os.CreateTemp("", "dlq-*.staging")
	if err != nil {
		q.logger.Error("download: creating staging file", "line", item.Line, "error", err)
		q.record(TransferResult{Line: item.Line, Outcome: Failed})
		return
	}
	stagingPath := staging.Name()

	fcOutcome, code := q.client.GetFile(ctx, item.RemoteName, staging, item.Hashed, false)
	closeErr := staging.Close()

	if fcOutcome != fileclient.Ok || closeErr != nil {
		os.Remove(stagingPath)
		q.onTransferFailure(item, code)
		return
	}

	q.consecutiveFails.Store(0)

	info, statErr := os.Stat(stagingPath)
	var size uint64
	if statErr == nil {
		size = uint64(info.Size())
	}

	if err := q.handoff(item, stagingPath); err != nil {
		os.Remove(stagingPath)
		q.logger.Error("download: hash pipe handoff failed", "line", item.Line, "error", err)
		q.record(TransferResult{Line: item.Line, Outcome: Failed, BytesTransferred: size})
		return
	}

	result := TransferResult{Line: item.Line, Outcome: Ok, BytesTransferred: size}
	q.record(result)
	q.bumpMaxOkLine(item.Line)
}

func (q *Queue) onTransferFailure(item WorkItem, code fileclient.ErrCode) {
	// A checksum mismatch means bytes arrived but didn't verify: the file
	// is recorded Partial rather than Failed so WriteNewList can still
	// carry it forward with a perturbed last_modified instead of dropping
	// it from the new list entirely.
	if code == fileclient.ErrChecksumMismatch {
		q.record(TransferResult{Line: item.Line, Outcome: Partial})
		return
	}

	q.record(TransferResult{Line: item.Line, Outcome: Failed})

	if !code.Retryable() {
		return
	}
	n := q.consecutiveFails.Add(1)
	if int(n) >= q.offlineThreshold {
		q.offline.Store(true)
	}
}

func (q *Queue) record(r TransferResult) {
	q.results.Store(r.Line, r)
}

func (q *Queue) bumpMaxOkLine(line uint64) {
	for {
		cur := q.maxOkLine.Load()
		if line <= cur {
			return
		}
		if q.maxOkLine.CompareAndSwap(cur, line) {
			return
		}
	}
}
