package archivestore

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"

	"github.com/tomvothecoder/simboard/pkg/config"
)

const defaultS3Prefix = "archives"

// Compile-time interface check.
var _ Store = (*s3Store)(nil)

type s3Store struct {
	log    logrus.FieldLogger
	cfg    *config.S3StorageConfig
	client *s3.Client
}

// NewS3 creates a Store backed by an S3-compatible bucket.
func NewS3(log logrus.FieldLogger, cfg *config.S3StorageConfig) Store {
	return &s3Store{
		log:    log.WithField("component", "archive-store-s3"),
		cfg:    cfg,
		client: NewS3Client(cfg),
	}
}

// NewS3Client builds an S3 client for the configured endpoint, region and
// static credentials.
func NewS3Client(cfg *config.S3StorageConfig) *s3.Client {
	opts := []func(*s3.Options){
		func(o *s3.Options) {
			if cfg.Region != "" {
				o.Region = cfg.Region
			} else {
				o.Region = config.DefaultS3Region
			}

			if cfg.EndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.EndpointURL)
			}

			if cfg.ForcePathStyle {
				o.UsePathStyle = true
			}

			if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
				o.Credentials = credentials.NewStaticCredentialsProvider(
					cfg.AccessKeyID, cfg.SecretAccessKey, "",
				)
			}

			// Checksums only where the operation requires them.
			o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		},
	}

	return s3.New(s3.Options{}, opts...)
}

// Preflight verifies S3 connectivity by writing a small test object.
func (s *s3Store) Preflight(ctx context.Context) error {
	content := fmt.Sprintf("simboard write test: %s", time.Now().UTC().Format(time.RFC3339))

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.cfg.Bucket),
		Key:         aws.String(s.objectKey(".simboard-write-test")),
		Body:        strings.NewReader(content),
		ContentType: aws.String("text/plain"),
	})
	if err != nil {
		return fmt.Errorf("writing test object to s3://%s: %w", s.cfg.Bucket, err)
	}

	return nil
}

// Put uploads r under the configured prefix and returns its s3:// URI.
func (s *s3Store) Put(ctx context.Context, key string, r io.Reader, size int64) (string, error) {
	key, err := cleanKey(key)
	if err != nil {
		return "", err
	}

	objectKey := s.objectKey(key)

	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.cfg.Bucket),
		Key:         aws.String(objectKey),
		Body:        r,
		ContentType: aws.String("application/octet-stream"),
	}

	if size > 0 {
		input.ContentLength = aws.Int64(size)
	}

	s.log.WithFields(logrus.Fields{
		"key":    objectKey,
		"bucket": s.cfg.Bucket,
	}).Debug("Uploading archive")

	if _, err := s.client.PutObject(ctx, input); err != nil {
		return "", fmt.Errorf("PutObject: %w", err)
	}

	return fmt.Sprintf("s3://%s/%s", s.cfg.Bucket, objectKey), nil
}

// objectKey prepends the configured prefix.
func (s *s3Store) objectKey(key string) string {
	return KeyPrefix(s.cfg) + "/" + key
}

// KeyPrefix is the bucket prefix archives are stored under, without
// surrounding slashes.
func KeyPrefix(cfg *config.S3StorageConfig) string {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = defaultS3Prefix
	}

	return strings.Trim(prefix, "/")
}
