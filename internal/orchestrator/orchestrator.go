// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package orchestrator implements the full-file-backup run: the twelve
// states spec.md §4.9 names, from requesting a client's directory list
// through publishing the finished generation. It is the one component
// that wires every other collaborator in this module together for a
// single backup.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/nbak/fullbackup/internal/config"
	"github.com/nbak/fullbackup/internal/dao"
	"github.com/nbak/fullbackup/internal/download"
	"github.com/nbak/fullbackup/internal/fileclient"
	"github.com/nbak/fullbackup/internal/filelist"
	"github.com/nbak/fullbackup/internal/hashpipe"
	"github.com/nbak/fullbackup/internal/linkstore"
	"github.com/nbak/fullbackup/internal/logging"
	"github.com/nbak/fullbackup/internal/metadata"
	"github.com/nbak/fullbackup/internal/metadl"
	"github.com/nbak/fullbackup/internal/offsite"
	"github.com/nbak/fullbackup/internal/progress"
	"github.com/nbak/fullbackup/internal/serverstatus"
	"golang.org/x/sync/errgroup"
)

// GroupDefault is the backup group every client backs up to unless
// assigned otherwise. Only GroupDefault is ever published under
// "current"; continuous/incremental grouping is a Non-goal, so any other
// group value is accepted by FetchList (it picks the right remote list
// name) but never reaches Publish.
const GroupDefault = 0

// runningUpdateInterval is how often the running-updater heartbeat bumps
// the backup row, matching the original's ServerRunningUpdater cadence.
const runningUpdateInterval = 30 * time.Second

// backupLogSubdir is where per-backup log files live under BackupFolder.
const backupLogSubdir = ".backup_logs"

// RunContext identifies one backup invocation: the client and operator
// status-id it runs under, the DAO row it's attached to, and whether the
// link is classified internet (affecting transfer mode and verification
// policy). It replaces the original's process-wide server_identity and
// server_token globals (design note §9) with values threaded explicitly
// into Run.
type RunContext struct {
	Client     string
	StatusID   string
	ClientID   int64
	Group      int
	OnInternet bool
}

// Orchestrator drives one full-file-backup run at a time per call to Run;
// a process typically holds one Orchestrator and calls Run concurrently
// for different clients.
type Orchestrator struct {
	cfg      *config.OrchestratorConfig
	dao      dao.BackupDao
	status   *serverstatus.Registry
	mirror   *offsite.Mirror
	strategy BackupStrategy
	logger   *slog.Logger
}

// New creates an Orchestrator. mirror may be nil (offsite replication
// disabled); NewFromConfig already returns nil in that case so callers
// can pass it straight through.
func New(cfg *config.OrchestratorConfig, d dao.BackupDao, status *serverstatus.Registry, mirror *offsite.Mirror, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		cfg:      cfg,
		dao:      d,
		status:   status,
		mirror:   mirror,
		strategy: NewFullStrategy(),
		logger:   logger,
	}
}

// Run executes one full backup for rc over client, end to end. An offline
// client, a cancellation or a failed verification is reported through the
// returned Outcome alone, with a nil error. A non-nil error is returned
// when the directory list cannot be fetched or parsed, or when a local
// write or a database update fails; the Outcome is then EarlyAbort,
// ListCorrupt or DiskError.
func (o *Orchestrator) Run(ctx context.Context, rc RunContext, client fileclient.FileClient) (Outcome, error) {
	runStart := time.Now()
	runID := uuid.NewString()
	s := newRunState(rc, client, o.logger.With("client", rc.Client, "status_id", rc.StatusID, "run_id", runID))
	s.runID = runID

	// --- Init ---
	o.status.Start(rc.Client, rc.StatusID)
	defer o.status.Cleanup(rc.Client, rc.StatusID)
	o.seedETA(ctx, s)

	// --- RequestList / FetchList ---
	outcome, err := o.fetchList(ctx, s)
	if outcome != Success {
		return outcome, err
	}
	defer os.Remove(s.tmpListPath)
	defer s.tmpList.Close()

	indexingMS := time.Since(runStart).Milliseconds()

	// --- OpenBackupRow ---
	if err := o.openBackupRow(ctx, s, indexingMS); err != nil {
		return DiskError, err
	}
	defer s.backupLogCloser.Close()

	total, err := totalFileBytes(s.parser)
	if err != nil {
		s.logger.Error("scanning list for total size failed", "error", err)
	}
	s.totalBytes = total

	// --- StartWorkers ---
	if err := serverstatus.CheckDiskSpace(o.cfg.BackupFolder, uint64(o.cfg.MinFreeDiskBytes)); err != nil {
		s.logger.Error("disk admission check failed", "error", err)
		return DiskError, nil
	}
	workCtx, cancelWork := context.WithCancel(ctx)
	defer cancelWork()
	w := o.startWorkers(workCtx, s)

	// --- Enumerate ---
	if err := o.enumerate(workCtx, s); err != nil {
		s.queue.QueueStop(true)
		w.drain(s.logger)
		o.cleanup(ctx, s, runStart)
		return s.outcome, err
	}

	// --- Drain ---
	s.queue.QueueStop(false)
	w.drain(s.logger)

	if s.outcome == Success && s.queue.IsOffline() {
		// The transport can still go offline after Enumerate's own
		// per-iteration check passed its last line but before Drain
		// finished consuming the queue's backlog.
		s.outcome = Offline
	}

	// --- Verify ---
	verificationOk := true
	shouldVerify := s.outcome == Success && (o.cfg.Verification.EndToEnd ||
		(rc.OnInternet && o.cfg.Verification.UsingClientHashes && o.cfg.Verification.InternetCalculateOnClient))
	if shouldVerify {
		ok, verr := o.verifyBackup(s)
		if verr != nil {
			s.logger.Error("verification pass failed", "error", verr)
		}
		verificationOk = ok
	}

	// --- WriteNewList ---
	rnd := rand.New(rand.NewSource(runStart.UnixNano()))
	newListPath := clientListPath(o.cfg.BackupFolder, rc.Client, rc.Group) + ".new"
	if err := o.writeNewList(s, newListPath, rnd); err != nil {
		s.outcome = DiskError
		o.cleanup(ctx, s, runStart)
		return s.outcome, err
	}

	// --- Commit ---
	diskError := s.pipe.HasError() || s.metaDL.HasError()
	switch {
	case s.outcome == UserCancelled:
		// An operator-cancelled run leaves the new list staged under its
		// ".new" name and never marks the backup row done (spec.md §8
		// scenario 4): the next run starts from the last committed list,
		// not from this partial one.
	case diskError:
		s.outcome = DiskError
	case !verificationOk:
		s.outcome = VerificationFailed
	default:
		finalListPath := clientListPath(o.cfg.BackupFolder, rc.Client, rc.Group)
		if err := os.Rename(newListPath, finalListPath); err != nil {
			s.outcome = DiskError
			o.cleanup(ctx, s, runStart)
			return s.outcome, fmt.Errorf("orchestrator: committing new list: %w", err)
		}
		durationS := int64(time.Since(runStart).Seconds())
		if err := o.dao.SetFileBackupDone(ctx, s.backupID, durationS); err != nil {
			o.cleanup(ctx, s, runStart)
			return DiskError, fmt.Errorf("orchestrator: marking backup done: %w", err)
		}
	}

	// --- Publish ---
	if s.outcome == Success && rc.Group == GroupDefault {
		if err := o.publish(ctx, s); err != nil {
			s.logger.Error("publish failed", "error", err)
		}
	}

	o.cleanup(ctx, s, runStart)
	return s.outcome, nil
}

// seedETA primes the status registry with an initial ETA averaged from
// the client's prior full-backup durations, so the status API has
// something better than a zero value before the first real sample lands.
func (o *Orchestrator) seedETA(ctx context.Context, s *runState) {
	durations, err := o.dao.LastFullDurations(ctx, s.rc.ClientID)
	if err != nil || len(durations) == 0 {
		return
	}
	var totalS int64
	for _, d := range durations {
		totalS += d.DurationS
	}
	avg := time.Duration(totalS/int64(len(durations))) * time.Second
	o.status.SetProcessETA(s.rc.Client, s.rc.StatusID, time.Now().Add(avg))
}

// listRemoteName resolves the agent-side name a client's directory list
// is fetched as: the default group uses the bare name, any other group
// number is suffixed, exactly as the original names group-specific lists.
func listRemoteName(group int) string {
	if group > 0 {
		return fmt.Sprintf("urbackup/filelist_%d.ub", group)
	}
	return "urbackup/filelist.ub"
}

// clientListPath resolves the locally-persisted list file for a
// client+group (spec.md §6's on-disk layout).
func clientListPath(backupFolder, client string, group int) string {
	return filepath.Join(backupFolder, client, fmt.Sprintf("list_%d.ub", group))
}

func (o *Orchestrator) fetchList(ctx context.Context, s *runState) (Outcome, error) {
	tmp, err := os.CreateTemp("", "fbo-list-*.tmp")
	if err != nil {
		return DiskError, fmt.Errorf("orchestrator: creating temp list file: %w", err)
	}
	s.tmpList = tmp
	s.tmpListPath = tmp.Name()

	mode := transferMode(o.cfg, s.rc.OnInternet)
	s.hashedTransfer = hashedTransferFor(mode)

	remoteName := listRemoteName(s.rc.Group)
	outcome, code := s.client.GetFile(ctx, remoteName, tmp, s.hashedTransfer, false)
	if outcome != fileclient.Ok {
		s.logger.Error("fetching directory list failed", "error", s.client.ErrorString(code))
		return EarlyAbort, fmt.Errorf("orchestrator: fetching directory list: %s", s.client.ErrorString(code))
	}

	if _, err := s.client.GetTokenFile(ctx); err != nil {
		s.logger.Debug("token file unavailable, continuing without it", "error", err)
	}

	if _, err := tmp.Seek(0, 0); err != nil {
		return DiskError, fmt.Errorf("orchestrator: rewinding directory list: %w", err)
	}
	s.parser = filelist.NewParser(tmp)
	return Success, nil
}

func (o *Orchestrator) openBackupRow(ctx context.Context, s *runState, indexingMS int64) error {
	s.backupName = time.Now().UTC().Format("20060102-150405")
	s.backupPath = filepath.Join(o.cfg.BackupFolder, s.rc.Client, s.backupName)
	s.hashesPath = s.backupPath + ".hashes"

	if err := os.MkdirAll(s.backupPath, 0o755); err != nil {
		return fmt.Errorf("orchestrator: creating backup directory: %w", err)
	}
	if err := os.MkdirAll(s.hashesPath, 0o755); err != nil {
		return fmt.Errorf("orchestrator: creating hashes directory: %w", err)
	}

	backupID, err := o.dao.NewFileBackup(ctx, false, s.rc.ClientID, s.backupName, s.rc.Group, indexingMS)
	if err != nil {
		return fmt.Errorf("orchestrator: inserting backup row: %w", err)
	}
	s.backupID = backupID

	backupLogger, closer, _, err := logging.NewBackupLogger(o.logger, filepath.Join(o.cfg.BackupFolder, backupLogSubdir), s.rc.Client, fmt.Sprintf("%d", backupID))
	if err != nil {
		return fmt.Errorf("orchestrator: opening backup log: %w", err)
	}
	s.logger = backupLogger.With("client", s.rc.Client, "status_id", s.rc.StatusID, "run_id", s.runID, "backup_id", backupID)
	s.backupLogCloser = closer

	s.writer = metadata.NewWriter(s.hashesPath, o.cfg.Metadata.CompressionMode())
	s.links = linkstore.New(o.dao, s.logger, linkstore.WithAllowedRoots([]string{o.cfg.BackupFolder}))

	s.pipe = hashpipe.New(o.cfg.Download.QueueCapacity, s.links, s.writer, s.logger)
	s.queue = download.New(ctx, o.cfg.Download.QueueCapacity, s.client, s.pipe.Prepare, o.cfg.Download.OfflineAfterFailures, s.logger)
	s.metaDL = metadl.New(s.client, s.writer, s.logger)
	s.reporter = progress.New(s.rc.Client, s.rc.StatusID, o.status, s.sample, time.Second, 5*time.Second)

	return nil
}

func (o *Orchestrator) runRunningUpdater(ctx context.Context, s *runState) error {
	ticker := time.NewTicker(runningUpdateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := o.dao.UpdateFileBackupRunning(ctx, s.backupID); err != nil {
				s.logger.Warn("running-updater heartbeat failed", "error", err)
			}
		}
	}
}

// workers holds the handles startWorkers spins up so Run's Enumerate and
// Drain phases can stop them in the right order: the transfer pipeline
// (queue, hash pipe) first, since it is the one that naturally ends when
// Enumerate stops feeding it; the metadata stream next, cancelled
// explicitly because nothing else signals it to stop; the background
// publishers (progress reporter, running-updater heartbeat) last, since
// they just sample state other stages produce.
type workers struct {
	transferGroup *errgroup.Group
	cancelMeta    context.CancelFunc
	metaDone      <-chan error
	cancelBg      context.CancelFunc
	bgGroup       *errgroup.Group
}

func (o *Orchestrator) startWorkers(workCtx context.Context, s *runState) *workers {
	transferGroup, tctx := errgroup.WithContext(workCtx)
	transferGroup.Go(func() error { return s.pipe.RunPrepare(tctx) })
	transferGroup.Go(func() error { return s.pipe.RunFinalize(tctx) })
	transferGroup.Go(func() error {
		err := s.queue.Run(tctx)
		s.pipe.Close()
		return err
	})

	metaCtx, cancelMeta := context.WithCancel(workCtx)
	metaDone := make(chan error, 1)
	go func() { metaDone <- s.metaDL.Run(metaCtx) }()

	bgCtx, cancelBg := context.WithCancel(workCtx)
	bgGroup, _ := errgroup.WithContext(bgCtx)
	bgGroup.Go(func() error { return s.reporter.Run(bgCtx) })
	bgGroup.Go(func() error { return o.runRunningUpdater(bgCtx, s) })

	return &workers{
		transferGroup: transferGroup,
		cancelMeta:    cancelMeta,
		metaDone:      metaDone,
		cancelBg:      cancelBg,
		bgGroup:       bgGroup,
	}
}

// drain stops every worker goroutine startWorkers started, in order, and
// is safe to call exactly once per run regardless of whether Enumerate
// finished normally or bailed out early.
func (w *workers) drain(logger *slog.Logger) {
	if err := w.transferGroup.Wait(); err != nil {
		logger.Error("transfer pipeline ended with error", "error", err)
	}

	w.cancelMeta()
	if err := <-w.metaDone; err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("metadata downloader ended with error", "error", err)
	}

	w.cancelBg()
	w.bgGroup.Wait()
}

// publish is the Publish state (spec.md §4.9 state 10): swaps the
// "current" symlink and the clients/<client> convenience symlink onto
// this run's backup directory, optionally rebuilds per-user views, and
// mirrors the hash tree offsite. Only ever called when Outcome == Success
// and the group is GroupDefault.
func (o *Orchestrator) publish(ctx context.Context, s *runState) error {
	clientDir := filepath.Join(o.cfg.BackupFolder, s.rc.Client)
	if err := swapSymlink(filepath.Join(clientDir, "current"), s.backupName); err != nil {
		return fmt.Errorf("publishing current symlink: %w", err)
	}

	if s.rc.Group == GroupDefault {
		clientsRoot := filepath.Join(o.cfg.BackupFolder, "clients")
		if err := os.MkdirAll(clientsRoot, 0o755); err != nil {
			return fmt.Errorf("preparing clients directory: %w", err)
		}
		if err := swapSymlink(filepath.Join(clientsRoot, s.rc.Client), s.backupPath); err != nil {
			return fmt.Errorf("publishing clients/%s symlink: %w", s.rc.Client, err)
		}

		if o.cfg.CreateLinkedUserViews {
			if err := createUserViews(o.cfg.BackupFolder, s.rc.Client, s.backupPath, s.logger); err != nil {
				s.logger.Error("building user views failed", "error", err)
			}
		}
	}

	if o.mirror != nil {
		if err := o.mirror.MirrorTree(ctx, s.hashesPath); err != nil {
			s.logger.Error("offsite mirror failed", "error", err)
		}
	}

	return nil
}

// swapSymlink atomically repoints linkPath at target: create a new
// symlink under a temp name, then rename over the old one.
func swapSymlink(linkPath, target string) error {
	tmp := linkPath + ".tmp"
	_ = os.Remove(tmp)
	if err := os.Symlink(target, tmp); err != nil {
		return err
	}
	return os.Rename(tmp, linkPath)
}

// cleanup is the Cleanup state (spec.md §4.9 state 11): logs the transfer
// summary, runs the post-backup hook script if one is present, and
// removes the temporary list file (handled by Run's own defers).
func (o *Orchestrator) cleanup(ctx context.Context, s *runState, runStart time.Time) {
	summarizeTransfer(s, time.Since(runStart))
	s.logger.Info("backup run finished", "outcome", s.outcome.String())

	if s.backupPath == "" {
		return
	}
	runPostBackupScript(ctx, s.backupPath, s.rc.Client, s.logger)
}

// runPostBackupScript execs urbackup_backup_scripts/post_full_filebackup
// inside the finished backup tree, if present and executable, matching
// the original's ClientMain::run_script hook. Failure is logged, never
// fatal: the backup itself already succeeded or failed independently of
// this hook.
func runPostBackupScript(ctx context.Context, backupPath, client string, logger *slog.Logger) {
	script := filepath.Join(backupPath, scriptDirName, "post_full_filebackup")
	info, err := os.Stat(script)
	if err != nil || info.IsDir() || info.Mode()&0o111 == 0 {
		return
	}

	cmd := exec.CommandContext(ctx, script)
	cmd.Dir = backupPath
	cmd.Env = append(os.Environ(), "BACKUP_CLIENT="+client, "BACKUP_PATH="+backupPath)
	if out, err := cmd.CombinedOutput(); err != nil {
		logger.Warn("post_full_filebackup hook failed", "error", err, "output", string(out))
	}
}
