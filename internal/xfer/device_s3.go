// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package xfer

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// s3MinPartSize is S3's own multipart-upload floor (5 MiB for every part
// except the last); BlockSize reports this so callers size their writes
// sensibly, even though S3Device itself buffers a full part and sends it
// with a single PutObject.
const s3MinPartSize = 5 * 1024 * 1024

// S3Device is a Device that writes each part as a standalone S3 object
// under keyPrefix, named keyPrefix/part-<number>, via a single-shot PutObject
// rather than a multipart upload: each TaperDest part already maps onto
// exactly the granularity S3 wants, so there is no need to further split a
// part across S3 multipart chunks. FinishPart flushes the buffered part to
// S3; StartPart resets the buffer for the next one.
type S3Device struct {
	client    *s3.Client
	bucket    string
	keyPrefix string

	maxPartSize int64

	buf        bytes.Buffer
	partNumber uint64
}

// S3DeviceConfig configures an S3Device. Region/Profile/Endpoint are
// optional; when empty, the AWS SDK's default config resolution chain
// applies (environment, shared config, IMDS).
type S3DeviceConfig struct {
	Bucket      string
	KeyPrefix   string
	Region      string
	Profile     string
	Endpoint    string
	AccessKeyID string
	SecretKey   string
	MaxPartSize int64
}

// NewS3Device resolves AWS credentials/config per cfg and returns a ready
// S3Device.
func NewS3Device(ctx context.Context, cfg S3DeviceConfig) (*S3Device, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, ConfigurationError("s3 device: loading AWS config", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return &S3Device{
		client:      client,
		bucket:      cfg.Bucket,
		keyPrefix:   cfg.KeyPrefix,
		maxPartSize: cfg.MaxPartSize,
	}, nil
}

func (d *S3Device) Name() string       { return fmt.Sprintf("s3://%s/%s", d.bucket, d.keyPrefix) }
func (d *S3Device) BlockSize() int     { return s3MinPartSize }
func (d *S3Device) MaxPartSize() int64 { return d.maxPartSize }

// StreamingRequirement is always StreamingNone: a part is buffered
// entirely in memory (d.buf) before FinishPart's single PutObject call, so
// there is no write head to starve between Write calls.
func (d *S3Device) StreamingRequirement() StreamingRequirement { return StreamingNone }

func (d *S3Device) StartPart(ctx context.Context, partNumber uint64, retry bool) error {
	d.partNumber = partNumber
	d.buf.Reset()
	return nil
}

func (d *S3Device) Write(p []byte) (int, error) {
	if d.maxPartSize > 0 && int64(d.buf.Len())+int64(len(p)) > d.maxPartSize {
		allowed := int(d.maxPartSize - int64(d.buf.Len()))
		if allowed > 0 {
			d.buf.Write(p[:allowed])
		}
		return allowed, DeviceEomError("s3 device part size limit reached")
	}
	return d.buf.Write(p)
}

// FinishPart uploads the buffered part as a single object; S3 has no notion
// of append, so the entire buffered part is sent in one PutObject call.
func (d *S3Device) FinishPart(ctx context.Context) error {
	key := fmt.Sprintf("%spart-%d", d.keyPrefix, d.partNumber)
	_, err := d.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:       aws.String(d.bucket),
		Key:          aws.String(key),
		Body:         bytes.NewReader(d.buf.Bytes()),
		StorageClass: types.StorageClassStandard,
	})
	if err != nil {
		return ResourceError(fmt.Sprintf("s3 device: uploading part %d", d.partNumber), err)
	}
	return nil
}

func (d *S3Device) Close() error { return nil }
