// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package config loads and validates the orchestrator's YAML configuration,
// the same way the teacher loads nbackup-server.yaml: read, unmarshal,
// validate-and-default in one pass, return a single immutable struct.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/nbak/fullbackup/internal/metadata"
	"github.com/nbak/fullbackup/internal/offsite"
	"gopkg.in/yaml.v3"
)

// TransferMode selects how a FileClient fetches one file's content.
type TransferMode string

const (
	TransferRaw       TransferMode = "raw"
	TransferHashed     TransferMode = "hashed"
	TransferBlockhash TransferMode = "blockhash"
)

// OrchestratorConfig is the full configuration for one orchestrator process.
type OrchestratorConfig struct {
	BackupFolder string          `yaml:"backupfolder"`
	TLS          TLSClient       `yaml:"tls"`
	Logging      LoggingInfo     `yaml:"logging"`
	StatusAPI    StatusAPIConfig `yaml:"status_api"`
	Transfer     TransferConfig  `yaml:"transfer"`
	Verification VerificationConfig `yaml:"verification"`
	Download     DownloadConfig  `yaml:"download"`
	Retention    RetentionConfig `yaml:"retention"`
	Metadata     MetadataConfig  `yaml:"metadata"`
	Offsite      offsite.Config  `yaml:"offsite"`

	CreateLinkedUserViews bool `yaml:"create_linked_user_views"`

	// MinFreeDiskSpace gates StartWorkers: below this many free bytes on
	// BackupFolder's volume, the run aborts with DiskError before ever
	// opening the download queue. Accepts human-readable sizes ("5gb");
	// default "1gb" when unset.
	MinFreeDiskSpace string `yaml:"min_free_disk_space"`
	MinFreeDiskBytes int64  `yaml:"-"`
}

// TransferConfig holds the per-link, per-backup-kind transfer mode table
// from spec.md §6.
type TransferConfig struct {
	InternetFull TransferMode `yaml:"internet_full_file_transfer_mode"`
	InternetIncr TransferMode `yaml:"internet_incr_file_transfer_mode"`
	LocalFull    TransferMode `yaml:"local_full_file_transfer_mode"`
	LocalIncr    TransferMode `yaml:"local_incr_file_transfer_mode"`
}

// VerificationConfig holds the post-transfer integrity-check switches.
type VerificationConfig struct {
	EndToEnd                     bool `yaml:"end_to_end_file_backup_verification"`
	UsingClientHashes             bool `yaml:"verify_using_client_hashes"`
	InternetCalculateOnClient bool `yaml:"internet_calculate_filehashes_on_client"`
}

// DownloadConfig holds the DownloadQueue's offline-detection policy,
// deciding spec.md §4.5's left-open "offline retry-count/window" question.
type DownloadConfig struct {
	OfflineAfterFailures int           `yaml:"offline_after_failures"`
	RetryBackoff         time.Duration `yaml:"retry_backoff"`
	MaxRetryBackoff      time.Duration `yaml:"max_retry_backoff"`
	QueueCapacity        int           `yaml:"queue_capacity"`
}

// RetentionConfig bounds how many completed backups per client+group are
// kept before the orchestrator's retention sweep prunes the oldest.
type RetentionConfig struct {
	MaxBackupsDefault    int    `yaml:"max_backups_default"`
	MaxBackupsContinuous int    `yaml:"max_backups_continuous"`
	Schedule             string `yaml:"schedule"` // cron expression, e.g. "0 3 * * *"
}

// MetadataConfig configures optional compression of persisted metadata and
// hash-sidecar blobs, mirroring the teacher's per-storage compression_mode.
type MetadataConfig struct {
	Compression string `yaml:"compression"` // none|gzip|zstd (default: none)
}

// CompressionMode converts the configured string into metadata's enum.
func (m MetadataConfig) CompressionMode() metadata.CompressionMode {
	switch strings.ToLower(strings.TrimSpace(m.Compression)) {
	case "gzip":
		return metadata.CompressionGzip
	case "zstd":
		return metadata.CompressionZstd
	default:
		return metadata.CompressionNone
	}
}

// StatusAPIConfig configures the read-only HTTP status surface.
type StatusAPIConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Listen       string        `yaml:"listen"` // default: "127.0.0.1:9849"
	AllowOrigins []string      `yaml:"allow_origins"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`

	ParsedCIDRs []*net.IPNet `yaml:"-"`
}

// TLSClient contains the mTLS material the orchestrator's FileClient dials
// agents with.
type TLSClient struct {
	CACert     string `yaml:"ca_cert"`
	ClientCert string `yaml:"client_cert"`
	ClientKey  string `yaml:"client_key"`
}

// LoggingInfo mirrors the teacher's logging config shape.
type LoggingInfo struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// LoadOrchestratorConfig reads, parses and validates-with-defaults the
// orchestrator's YAML configuration file.
func LoadOrchestratorConfig(path string) (*OrchestratorConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading orchestrator config: %w", err)
	}

	var cfg OrchestratorConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing orchestrator config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating orchestrator config: %w", err)
	}

	return &cfg, nil
}

func (c *OrchestratorConfig) validate() error {
	if c.BackupFolder == "" {
		return fmt.Errorf("backupfolder is required")
	}
	if c.TLS.CACert == "" {
		return fmt.Errorf("tls.ca_cert is required")
	}
	if c.TLS.ClientCert == "" {
		return fmt.Errorf("tls.client_cert is required")
	}
	if c.TLS.ClientKey == "" {
		return fmt.Errorf("tls.client_key is required")
	}

	if err := c.Transfer.validate(); err != nil {
		return err
	}

	if c.Download.OfflineAfterFailures <= 0 {
		c.Download.OfflineAfterFailures = 5
	}
	if c.Download.RetryBackoff <= 0 {
		c.Download.RetryBackoff = 2 * time.Second
	}
	if c.Download.MaxRetryBackoff <= 0 {
		c.Download.MaxRetryBackoff = 30 * time.Second
	}
	if c.Download.QueueCapacity <= 0 {
		c.Download.QueueCapacity = 64
	}

	if c.MinFreeDiskSpace == "" {
		c.MinFreeDiskSpace = "1gb"
	}
	minFree, err := ParseByteSize(c.MinFreeDiskSpace)
	if err != nil {
		return fmt.Errorf("min_free_disk_space: %w", err)
	}
	c.MinFreeDiskBytes = minFree

	if c.Retention.MaxBackupsDefault <= 0 {
		c.Retention.MaxBackupsDefault = 5
	}
	if c.Retention.MaxBackupsContinuous <= 0 {
		c.Retention.MaxBackupsContinuous = 30
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.StatusAPI.Enabled {
		if c.StatusAPI.Listen == "" {
			c.StatusAPI.Listen = "127.0.0.1:9849"
		}
		if c.StatusAPI.ReadTimeout <= 0 {
			c.StatusAPI.ReadTimeout = 5 * time.Second
		}
		if c.StatusAPI.WriteTimeout <= 0 {
			c.StatusAPI.WriteTimeout = 15 * time.Second
		}
		if len(c.StatusAPI.AllowOrigins) == 0 {
			return fmt.Errorf("status_api.allow_origins is required when status_api is enabled (deny-by-default)")
		}
		for _, origin := range c.StatusAPI.AllowOrigins {
			cidr, err := parseCIDROrIP(origin)
			if err != nil {
				return fmt.Errorf("status_api.allow_origins: %w", err)
			}
			c.StatusAPI.ParsedCIDRs = append(c.StatusAPI.ParsedCIDRs, cidr)
		}
	}

	return nil
}

func (t *TransferConfig) validate() error {
	if t.InternetFull == "" {
		t.InternetFull = TransferHashed
	}
	if t.InternetIncr == "" {
		t.InternetIncr = TransferBlockhash
	}
	if t.LocalFull == "" {
		t.LocalFull = TransferRaw
	}
	if t.LocalIncr == "" {
		t.LocalIncr = TransferRaw
	}
	if t.InternetFull != TransferRaw && t.InternetFull != TransferHashed {
		return fmt.Errorf("internet_full_file_transfer_mode must be raw or hashed, got %q", t.InternetFull)
	}
	for name, mode := range map[string]TransferMode{
		"internet_incr_file_transfer_mode": t.InternetIncr,
		"local_full_file_transfer_mode":    t.LocalFull,
		"local_incr_file_transfer_mode":    t.LocalIncr,
	} {
		if mode != TransferRaw && mode != TransferHashed && mode != TransferBlockhash {
			return fmt.Errorf("%s must be raw, hashed or blockhash, got %q", name, mode)
		}
	}
	return nil
}

func parseCIDROrIP(s string) (*net.IPNet, error) {
	_, cidr, err := net.ParseCIDR(s)
	if err == nil {
		return cidr, nil
	}
	ip := net.ParseIP(strings.TrimSpace(s))
	if ip == nil {
		return nil, fmt.Errorf("%q is not a valid IP or CIDR", s)
	}
	suffix := "/32"
	if ip.To4() == nil {
		suffix = "/128"
	}
	_, cidr, err = net.ParseCIDR(ip.String() + suffix)
	return cidr, err
}

// ParseByteSize converts a human-readable size like "256mb" or "1gb" into
// bytes, matching the teacher's own suffix table.
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	type suffix struct {
		s string
		m int64
	}
	suffixes := []suffix{
		{"gb", 1024 * 1024 * 1024},
		{"mb", 1024 * 1024},
		{"kb", 1024},
		{"b", 1},
	}

	for _, sfx := range suffixes {
		if strings.HasSuffix(s, sfx.s) {
			numStr := strings.TrimSuffix(s, sfx.s)
			num, err := strconv.ParseInt(numStr, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid number %q: %w", numStr, err)
			}
			return num * sfx.m, nil
		}
	}

	num, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unknown size format %q", s)
	}
	return num, nil
}
