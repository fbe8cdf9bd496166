// Package archivestore retains uploaded simulation archives in a local
// directory or an S3-compatible bucket.
package archivestore

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/tomvothecoder/simboard/pkg/config"
	"github.com/tomvothecoder/simboard/pkg/ingest"
)

// Store writes archives under slash-separated keys and returns the URI the
// stored object can be found at.
type Store interface {
	ingest.ArchiveStore

	// Preflight verifies that the backend is reachable and writable.
	Preflight(ctx context.Context) error
}

// New returns the configured backend, or nil when retention is disabled.
func New(log logrus.FieldLogger, cfg *config.ArchiveStorageConfig) (Store, error) {
	if !cfg.Enabled {
		return nil, nil //nolint:nilnil // disabled is not an error
	}

	switch {
	case cfg.Local != nil && cfg.Local.Enabled:
		return NewLocal(log, cfg.Local)
	case cfg.S3 != nil && cfg.S3.Enabled:
		return NewS3(log, cfg.S3), nil
	default:
		return nil, fmt.Errorf("archive storage enabled but no backend configured")
	}
}

// cleanKey rejects keys that would escape the store root.
func cleanKey(key string) (string, error) {
	cleaned := path.Clean("/" + strings.ReplaceAll(key, "\\", "/"))
	cleaned = strings.TrimPrefix(cleaned, "/")

	if cleaned == "" || cleaned == "." {
		return "", fmt.Errorf("invalid archive key %q", key)
	}

	return cleaned, nil
}
