package api

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"

	"github.com/tomvothecoder/simboard/pkg/archivestore"
	"github.com/tomvothecoder/simboard/pkg/config"
)

// presignCacheEntry holds a cached presigned URL and its expiration time.
type presignCacheEntry struct {
	url       string
	expiresAt time.Time
}

// archivePresigner turns s3:// archive URIs into presigned GET URLs.
type archivePresigner struct {
	log           logrus.FieldLogger
	bucket        string
	prefix        string
	presignClient *s3.PresignClient
	expiry        time.Duration
	cacheTTL      time.Duration
	mu            sync.RWMutex
	cache         map[string]presignCacheEntry
}

func newArchivePresigner(
	log logrus.FieldLogger,
	cfg *config.S3StorageConfig,
) (*archivePresigner, error) {
	expiry, err := cfg.PresignDuration()
	if err != nil {
		return nil, err
	}

	return &archivePresigner{
		log:           log.WithField("component", "archive-presigner"),
		bucket:        cfg.Bucket,
		prefix:        archivestore.KeyPrefix(cfg),
		presignClient: s3.NewPresignClient(archivestore.NewS3Client(cfg)),
		expiry:        expiry,
		cacheTTL:      expiry / 2,
		cache:         make(map[string]presignCacheEntry),
	}, nil
}

// PresignedURL returns a download URL for an archive artifact URI. Results
// are cached for half the link lifetime.
func (p *archivePresigner) PresignedURL(ctx context.Context, uri string) (string, error) {
	key, err := p.objectKey(uri)
	if err != nil {
		return "", err
	}

	now := time.Now()

	p.mu.RLock()
	if entry, ok := p.cache[key]; ok && now.Before(entry.expiresAt) {
		p.mu.RUnlock()

		return entry.url, nil
	}
	p.mu.RUnlock()

	p.mu.Lock()
	defer p.mu.Unlock()

	if entry, ok := p.cache[key]; ok && now.Before(entry.expiresAt) {
		return entry.url, nil
	}

	result, err := p.presignClient.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket:                     aws.String(p.bucket),
		Key:                        aws.String(key),
		ResponseContentDisposition: aws.String(attachment(path.Base(key))),
	}, s3.WithPresignExpires(p.expiry))
	if err != nil {
		return "", fmt.Errorf("presigning URL for %q: %w", key, err)
	}

	p.cache[key] = presignCacheEntry{
		url:       result.URL,
		expiresAt: now.Add(p.cacheTTL),
	}

	return result.URL, nil
}

// objectKey extracts the object key from s3://bucket/key and checks that it
// lies in this bucket under the archive prefix.
func (p *archivePresigner) objectKey(uri string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil || u.Scheme != "s3" {
		return "", fmt.Errorf("not an s3 uri: %q", uri)
	}

	if u.Host != p.bucket {
		return "", fmt.Errorf("archive %q is not in bucket %q", uri, p.bucket)
	}

	key := strings.TrimPrefix(u.Path, "/")
	if !p.isAllowedKey(key) {
		return "", fmt.Errorf("archive %q is outside prefix %q", uri, p.prefix)
	}

	return key, nil
}

// isAllowedKey checks that the key is clean and falls under the prefix.
func (p *archivePresigner) isAllowedKey(key string) bool {
	if key == "" || strings.Contains(key, "..") {
		return false
	}

	if path.Clean(key) != key {
		return false
	}

	return strings.HasPrefix(key, p.prefix+"/")
}

func attachment(name string) string {
	return fmt.Sprintf("attachment; filename=%q", name)
}
