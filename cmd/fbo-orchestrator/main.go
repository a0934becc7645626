// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/nbak/fullbackup/internal/config"
	"github.com/nbak/fullbackup/internal/dao"
	"github.com/nbak/fullbackup/internal/fileclient"
	"github.com/nbak/fullbackup/internal/logging"
	"github.com/nbak/fullbackup/internal/offsite"
	"github.com/nbak/fullbackup/internal/orchestrator"
	"github.com/nbak/fullbackup/internal/orchestrator/retention"
	"github.com/nbak/fullbackup/internal/pki"
	"github.com/nbak/fullbackup/internal/serverstatus"
	"github.com/nbak/fullbackup/internal/statusapi"
)

// fbo-orchestrator runs one full-file-backup for one client+group and
// exits. Scheduling between clients is an external collaborator (an
// agent-connection handler, a cron job, an operator script): this binary
// is the unit that handler invokes once per backup request.
func main() {
	configPath := flag.String("config", "/etc/nbackup/orchestrator.yaml", "path to orchestrator config file")
	client := flag.String("client", "", "client name to back up")
	clientID := flag.Int64("client-id", 0, "client's numeric id in the DAO")
	clientAddr := flag.String("client-addr", "", "host:port the client agent listens on")
	statusID := flag.String("status-id", "", "operator-visible status id for this run (default: derived from client)")
	group := flag.Int("group", orchestrator.GroupDefault, "backup group (0 = default)")
	onInternet := flag.Bool("internet", false, "treat this client as reachable over the internet (affects transfer mode, verification policy)")
	flag.Parse()

	if *client == "" || *clientID == 0 || *clientAddr == "" {
		fmt.Fprintln(os.Stderr, "fbo-orchestrator: -client, -client-id and -client-addr are required")
		os.Exit(2)
	}
	if *statusID == "" {
		*statusID = *client
	}

	cfg, err := config.LoadOrchestratorConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, "")
	defer logCloser.Close()

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	os.Exit(run(ctx, cancel, cfg, runRequest{
		client:     *client,
		clientID:   *clientID,
		clientAddr: *clientAddr,
		statusID:   *statusID,
		group:      *group,
		onInternet: *onInternet,
	}, logger))
}

type runRequest struct {
	client     string
	clientID   int64
	clientAddr string
	statusID   string
	group      int
	onInternet bool
}

func run(ctx context.Context, cancel context.CancelFunc, cfg *config.OrchestratorConfig, req runRequest, logger *slog.Logger) int {
	defer cancel()

	d, err := dao.OpenSQLiteBackupDao(ctx, filepath.Join(cfg.BackupFolder, "orchestrator.db"), logger)
	if err != nil {
		logger.Error("opening backup dao failed", "error", err)
		return 1
	}
	defer d.Close()

	mirror, err := offsite.NewFromConfig(ctx, cfg.Offsite, logger)
	if err != nil {
		logger.Error("configuring offsite mirror failed", "error", err)
		return 1
	}

	tlsConfig, err := pki.NewClientTLSConfig(cfg.TLS.CACert, cfg.TLS.ClientCert, cfg.TLS.ClientKey)
	if err != nil {
		logger.Error("configuring client TLS failed", "error", err)
		return 1
	}

	status := serverstatus.New()

	sweeper := retention.New(retention.Config{
		BackupFolder:         cfg.BackupFolder,
		MaxBackupsDefault:    cfg.Retention.MaxBackupsDefault,
		MaxBackupsContinuous: cfg.Retention.MaxBackupsContinuous,
		Schedule:             cfg.Retention.Schedule,
	}, logger)
	go func() {
		if err := sweeper.Run(ctx); err != nil {
			logger.Error("retention sweeper stopped", "error", err)
		}
	}()

	if cfg.StatusAPI.Enabled {
		go serveStatusAPI(ctx, cfg.StatusAPI, cfg.BackupFolder, status, logger)
	}

	o := orchestrator.New(cfg, d, status, mirror, logger)
	fc := fileclient.New(req.clientAddr, tlsConfig, 0)

	rc := orchestrator.RunContext{
		Client:     req.client,
		StatusID:   req.statusID,
		ClientID:   req.clientID,
		Group:      req.group,
		OnInternet: req.onInternet,
	}

	outcome, err := o.Run(ctx, rc, fc)
	if err != nil {
		logger.Error("backup run failed", "error", err, "outcome", outcome.String())
		return 1
	}
	logger.Info("backup run finished", "outcome", outcome.String())
	if outcome != orchestrator.Success {
		return 1
	}
	return 0
}

// serveStatusAPI runs the read-only status HTTP surface until ctx is
// cancelled. Its own errors never fail the backup run: the status API is
// an operator convenience, not load-bearing for Commit/Publish.
func serveStatusAPI(ctx context.Context, cfg config.StatusAPIConfig, backupFolder string, status *serverstatus.Registry, logger *slog.Logger) {
	acl := statusapi.NewACL(cfg.ParsedCIDRs)
	srv := &http.Server{
		Addr:         cfg.Listen,
		Handler:      statusapi.NewRouter(status, acl, backupFolder),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.WriteTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("status api shutdown failed", "error", err)
		}
	}()

	logger.Info("status api listening", "addr", cfg.Listen)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("status api stopped", "error", err)
	}
}
