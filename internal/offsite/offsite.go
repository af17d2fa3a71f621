// Copyright (c) 2025 Korrelius. All rights reserved.
// Use of this source code is governed by the license found in the LICENSE file.

// Package offsite implements the optional off-site mirror (SPEC_FULL.md
// §10): after a BackupRun completes, stream its archive to an
// S3-compatible bucket. Failures here are logged, never propagated back
// into the orchestrator's run status — the transfer to the primary
// receiver is still the run's success criterion.
package offsite

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Uploader is the subset of *S3Uploader the orchestrator drives; narrowed
// to an interface so tests can substitute a fake instead of talking to AWS.
type Uploader interface {
	Upload(ctx context.Context, bucket, key, path string) error
}

// S3Uploader streams local files to an S3-compatible bucket using the
// multipart manager.Uploader, so archives larger than a single PutObject
// body are handled without buffering the whole file in memory.
type S3Uploader struct {
	client *s3.Client
}

// New builds an S3Uploader from the ambient AWS credential chain (env vars,
// shared config file, or an attached instance/task role).
func New(ctx context.Context) (*S3Uploader, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("offsite: loading AWS config: %w", err)
	}
	return &S3Uploader{client: s3.NewFromConfig(cfg)}, nil
}

// Upload streams the file at path to bucket/key.
func (u *S3Uploader) Upload(ctx context.Context, bucket, key, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("offsite: opening %s: %w", path, err)
	}
	defer f.Close()

	uploader := manager.NewUploader(u.client)
	_, err = uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	if err != nil {
		return fmt.Errorf("offsite: uploading %s to s3://%s/%s: %w", path, bucket, key, err)
	}
	return nil
}
