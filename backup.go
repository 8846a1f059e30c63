package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/oklog/ulid/v2"
)

// ============================================================
// ARCHIVE BACKUP (S3)
// ============================================================

// ArchiveBackup keeps a copy of each encrypted archive. Only the password
// protected .7z is ever uploaded.
type ArchiveBackup interface {
	Backup(ctx context.Context, tenant, path string) (string, error)
}

type s3Backup struct {
	client *s3.Client
	bucket string
	now    func() time.Time
}

func NewS3Backup(ctx context.Context, bucket string) (ArchiveBackup, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load AWS SDK config: %w", err)
	}
	client := s3.New(s3.Options{
		Region:       cfg.Region,
		Credentials:  cfg.Credentials,
		HTTPClient:   cfg.HTTPClient,
		BaseEndpoint: cfg.BaseEndpoint,
		UsePathStyle: true,
	})
	return &s3Backup{client: client, bucket: bucket, now: time.Now}, nil
}

func backupKey(tenant, path string, now time.Time) (string, error) {
	id, err := ulid.New(ulid.Timestamp(now), ulid.DefaultEntropy())
	if err != nil {
		return "", err
	}
	return tenantKey(tenant) + "/" + id.String() + "-" + filepath.Base(path), nil
}

func (b *s3Backup) Backup(ctx context.Context, tenant, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	key, err := backupKey(tenant, path, b.now())
	if err != nil {
		return "", err
	}
	_, err = b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &b.bucket,
		Key:         &key,
		Body:        f,
		ContentType: awsString("application/x-7z-compressed"),
		ACL:         types.ObjectCannedACLPrivate,
	})
	if err != nil {
		return "", fmt.Errorf("upload to s3://%s/%s: %w", b.bucket, key, err)
	}
	return key, nil
}

func awsString(s string) *string { return &s }
