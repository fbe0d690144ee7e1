// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package audit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// ArchiverConfig configures off-host archival of rotated trail files.
type ArchiverConfig struct {
	// Bucket is the GCS bucket name. Required.
	Bucket string

	// Prefix is prepended to object names (e.g. "gatehouse/audit").
	Prefix string

	// CredentialsFile is a service-account key path. Empty uses
	// application default credentials.
	CredentialsFile string

	// UploadTimeout bounds each upload. Defaults to 2 minutes.
	UploadTimeout time.Duration

	// Logger for upload outcomes. Defaults to slog.Default.
	Logger *slog.Logger
}

// Archiver copies rotated audit files to a GCS bucket so the trail
// outlives local retention. Uploads are copies; local pruning still
// governs on-disk files.
type Archiver struct {
	storageClient *storage.Client
	config        ArchiverConfig
	logger        *slog.Logger
}

// NewArchiver creates the GCS client and verifies configuration.
func NewArchiver(ctx context.Context, config ArchiverConfig) (*Archiver, error) {
	if config.Bucket == "" {
		return nil, errors.New("audit: archiver requires a bucket")
	}
	if config.UploadTimeout <= 0 {
		config.UploadTimeout = 2 * time.Minute
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	var opts []option.ClientOption
	if config.CredentialsFile != "" {
		if _, err := os.Stat(config.CredentialsFile); err != nil {
			return nil, fmt.Errorf("audit: service account key not readable at %s: %w", config.CredentialsFile, err)
		}
		opts = append(opts, option.WithCredentialsFile(config.CredentialsFile))
	}

	storageClient, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("audit: create GCS client: %w", err)
	}

	return &Archiver{
		storageClient: storageClient,
		config:        config,
		logger:        config.Logger.With("component", "audit.archiver"),
	}, nil
}

// ArchiveFile uploads one local file. The object name embeds the upload
// time so successive rotations of the same .1 slot never collide.
func (a *Archiver) ArchiveFile(ctx context.Context, localPath string) error {
	localFile, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("audit: open rotated file %s: %w", localPath, err)
	}
	defer localFile.Close()

	objectName := path.Join(a.config.Prefix,
		fmt.Sprintf("%s-%s", time.Now().UTC().Format("20060102T150405Z"), filepath.Base(localPath)))

	ctx, cancel := context.WithTimeout(ctx, a.config.UploadTimeout)
	defer cancel()

	obj := a.storageClient.Bucket(a.config.Bucket).Object(objectName)
	writer := obj.NewWriter(ctx)
	writer.ContentType = "application/x-ndjson"
	writer.CacheControl = "no-cache, no-store, must-revalidate"

	if _, err := io.Copy(writer, localFile); err != nil {
		_ = writer.Close()
		return fmt.Errorf("audit: copy %s to gs://%s/%s: %w", localPath, a.config.Bucket, objectName, err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("audit: finalize gs://%s/%s: %w", a.config.Bucket, objectName, err)
	}

	a.logger.Info("archived audit file",
		"local", localPath,
		"object", fmt.Sprintf("gs://%s/%s", a.config.Bucket, objectName))
	return nil
}

// ArchiveAsync is the OnRotate hook shape: fire-and-forget with logged
// failure. The rotated file stays on disk either way, so a failed upload
// loses nothing until local retention expires.
func (a *Archiver) ArchiveAsync(rotatedPath string) {
	go func() {
		if err := a.ArchiveFile(context.Background(), rotatedPath); err != nil {
			a.logger.Warn("audit archive failed", "path", rotatedPath, "error", err)
		}
	}()
}

// Close releases the GCS client.
func (a *Archiver) Close() error {
	return a.storageClient.Close()
}
