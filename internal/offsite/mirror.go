// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package offsite mirrors a finished backup's hash tree to an S3 (or
// S3-compatible) bucket after Publish, giving an operator an offsite copy
// without involving the orchestrator's core state machine in transport
// concerns. A Mirror is optional: a nil *Mirror, or one built from an empty
// Config, means no offsite copy is attempted.
package offsite

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"golang.org/x/sync/errgroup"
)

// PutObjectAPI is the subset of *s3.Client this package depends on. The
// real SDK client satisfies it without an adapter.
type PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Config describes an offsite mirror target. A zero-value Config (empty
// Bucket) disables mirroring.
type Config struct {
	Bucket          string `yaml:"bucket"`
	KeyPrefix       string `yaml:"key_prefix"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"` // set for S3-compatible endpoints outside AWS
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Concurrency     int    `yaml:"concurrency"`
}

// Mirror uploads a backup's hash tree to S3 one file per object, keyed by
// the file's path relative to the tree root.
type Mirror struct {
	client      PutObjectAPI
	bucket      string
	keyPrefix   string
	concurrency int
	logger      *slog.Logger
}

// New wraps an already-constructed client, for tests and for callers that
// manage their own AWS config.
func New(client PutObjectAPI, bucket, keyPrefix string, concurrency int, logger *slog.Logger) *Mirror {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Mirror{client: client, bucket: bucket, keyPrefix: keyPrefix, concurrency: concurrency, logger: logger}
}

// NewFromConfig resolves AWS credentials (static, if given, else the
// default provider chain) and builds a Mirror. Returns nil, nil if cfg.Bucket
// is empty, so callers can unconditionally call this at startup and get a
// no-op mirror back when offsite replication isn't configured.
func NewFromConfig(ctx context.Context, cfg Config, logger *slog.Logger) (*Mirror, error) {
	if cfg.Bucket == "" {
		return nil, nil
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		provider := credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")
		opts = append(opts, awsconfig.WithCredentialsProvider(provider))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("offsite: loading aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return New(client, cfg.Bucket, cfg.KeyPrefix, cfg.Concurrency, logger), nil
}

// MirrorTree walks root and uploads every regular file beneath it, keyed by
// keyPrefix joined with the file's slash-separated path relative to root.
// The first upload failure is returned; it cancels the context handed to
// the uploads still running or not yet started.
func (m *Mirror) MirrorTree(ctx context.Context, root string) error {
	if m == nil {
		return nil
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(m.concurrency)

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		g.Go(func() error {
			return m.putFile(ctx, path, rel)
		})
		return nil
	})
	if err != nil {
		g.Wait()
		return fmt.Errorf("offsite: walking %s: %w", root, err)
	}
	return g.Wait()
}

func (m *Mirror) putFile(ctx context.Context, path, relKey string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("offsite: opening %s: %w", path, err)
	}
	defer f.Close()

	key := filepath.ToSlash(filepath.Join(m.keyPrefix, relKey))
	_, err = m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	if err != nil {
		return fmt.Errorf("offsite: uploading %s to s3://%s/%s: %w", path, m.bucket, key, err)
	}
	if m.logger != nil {
		m.logger.Debug("offsite: uploaded object", "key", key)
	}
	return nil
}
