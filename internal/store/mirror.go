package store

import (
	"bytes"
	"context"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	appconfig "barvault/config"
	"barvault/logger"
)

// Mirror uploads committed partition files to an S3 bucket. The local archive
// stays the source of truth; callers treat upload failures as warnings.
type Mirror struct {
	config *appconfig.Config
	client *s3.Client
	bucket string
	prefix string
	log    *logger.Log
}

// NewMirror builds the S3 mirror, validating that credentials are actually
// resolvable before the first write.
func NewMirror(cfg *appconfig.Config) (*Mirror, error) {
	log := logger.GetLogger()
	ctx := context.Background()

	s3cfg := cfg.Archive.S3
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(s3cfg.Region),
	}
	if s3cfg.AccessKeyID != "" && s3cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				s3cfg.AccessKeyID,
				s3cfg.SecretAccessKey,
				"",
			),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		log.WithComponent("mirror").WithError(err).Warn("failed to load AWS configuration")
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	creds, err := awsCfg.Credentials.Retrieve(ctx)
	if err != nil || !creds.HasKeys() {
		return nil, fmt.Errorf("aws credentials not found")
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if s3cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(s3cfg.Endpoint)
		}
		o.UsePathStyle = s3cfg.PathStyle
	})

	log.WithComponent("mirror").WithFields(logger.Fields{
		"bucket":     s3cfg.Bucket,
		"region":     s3cfg.Region,
		"endpoint":   s3cfg.Endpoint,
		"path_style": s3cfg.PathStyle,
	}).Info("s3 mirror initialized")

	return &Mirror{
		config: cfg,
		client: client,
		bucket: s3cfg.Bucket,
		prefix: s3cfg.Prefix,
		log:    log,
	}, nil
}

// Upload puts one partition file under the mirror prefix. The upload runs
// detached from ctx cancellation so a committed partition is never
// half-mirrored during shutdown.
func (m *Mirror) Upload(ctx context.Context, key string, data []byte) error {
	if m.prefix != "" {
		key = path.Join(m.prefix, key)
	}

	log := m.log.WithComponent("mirror").WithFields(logger.Fields{
		"s3_key":    key,
		"data_size": len(data),
	})

	input := &s3.PutObjectInput{
		Bucket:      aws.String(m.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"content-type":     "parquet",
			"compression":      m.config.Archive.Compression,
			"barvault-version": m.config.Barvault.Version,
		},
	}

	if _, err := m.client.PutObject(context.WithoutCancel(ctx), input); err != nil {
		return fmt.Errorf("failed to upload to S3 bucket %s: %w", m.bucket, err)
	}

	logger.IncrementMirrorUpload(int64(len(data)))
	log.Debug("partition mirrored")
	return nil
}
