// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package sinks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"axonflow/controlplane/shared/logger"
)

// s3API is the slice of the S3 client used by the archiver. Narrowed for
// tests.
type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// ArchiveConfig configures the S3 history archiver.
type ArchiveConfig struct {
	// Bucket is the destination bucket (required).
	Bucket string

	// Prefix is prepended to every object key (default "controlplane").
	Prefix string

	// Region is the AWS region (default "eu-central-1").
	Region string

	// Endpoint overrides the S3 endpoint for S3-compatible storage.
	Endpoint string

	// Static credentials. When empty the default AWS credential chain is used.
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

// Archiver exports history records (audit entries, shutdown events,
// optimization runs) as JSON objects to S3. Keys are date-partitioned so
// downstream analytics can prune by day:
//
//	{prefix}/{kind}/2025/11/07/{uuid}.json
//
// Archival is optional; components treat a nil *Archiver as disabled.
type Archiver struct {
	client s3API
	bucket string
	prefix string
	log    *logger.Logger
}

// NewArchiver creates the S3 archiver.
func NewArchiver(ctx context.Context, cfg ArchiveConfig) (*Archiver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archiver requires a bucket")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "controlplane"
	}
	if cfg.Region == "" {
		cfg.Region = "eu-central-1"
	}

	optFns := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		creds := credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)
		optFns = append(optFns, config.WithCredentialsProvider(creds))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config for archiver: %w", err)
	}

	s3Options := []func(*s3.Options){}
	if cfg.Endpoint != "" {
		s3Options = append(s3Options, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}

	return &Archiver{
		client: s3.NewFromConfig(awsCfg, s3Options...),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		log:    logger.New("archiver"),
	}, nil
}

// Store writes one record of the given kind (e.g. "audit", "shutdown",
// "optimization") as a JSON object.
func (a *Archiver) Store(ctx context.Context, kind string, record interface{}) error {
	payload, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s record: %w", kind, err)
	}

	key := a.objectKey(kind, time.Now().UTC())
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(payload),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("failed to archive %s record: %w", kind, err)
	}

	a.log.Debug("", "", "Archived record", map[string]interface{}{
		"kind":   kind,
		"key":    key,
		"bucket": a.bucket,
		"bytes":  len(payload),
	})
	return nil
}

func (a *Archiver) objectKey(kind string, now time.Time) string {
	return fmt.Sprintf("%s/%s/%s/%s.json", a.prefix, kind, now.Format("2006/01/02"), uuid.New().String())
}
