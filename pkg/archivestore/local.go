package archivestore

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/tomvothecoder/simboard/pkg/config"
)

// Compile-time interface check.
var _ Store = (*localStore)(nil)

type localStore struct {
	log logrus.FieldLogger
	dir string
}

// NewLocal creates a Store rooted at cfg.Dir.
func NewLocal(log logrus.FieldLogger, cfg *config.LocalStorageConfig) (Store, error) {
	dir, err := filepath.Abs(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("resolving archive directory: %w", err)
	}

	return &localStore{
		log: log.WithField("component", "archive-store-local"),
		dir: dir,
	}, nil
}

// Preflight creates the root directory and checks it is writable.
func (s *localStore) Preflight(_ context.Context) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("creating archive directory: %w", err)
	}

	f, err := os.CreateTemp(s.dir, ".simboard-write-test-*")
	if err != nil {
		return fmt.Errorf("archive directory %s is not writable: %w", s.dir, err)
	}

	name := f.Name()
	_ = f.Close()

	return os.Remove(name)
}

// Put writes r to dir/key. The file appears under its final name only once
// fully written.
func (s *localStore) Put(ctx context.Context, key string, r io.Reader, _ int64) (string, error) {
	key, err := cleanKey(key)
	if err != nil {
		return "", err
	}

	dest := filepath.Join(s.dir, filepath.FromSlash(key))

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", fmt.Errorf("creating directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".partial-*")
	if err != nil {
		return "", fmt.Errorf("creating temp file: %w", err)
	}

	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := io.Copy(tmp, &ctxReader{ctx: ctx, r: r}); err != nil {
		_ = tmp.Close()

		return "", fmt.Errorf("writing archive: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("closing archive: %w", err)
	}

	if err := os.Rename(tmp.Name(), dest); err != nil {
		return "", fmt.Errorf("moving archive into place: %w", err)
	}

	s.log.WithField("path", dest).Debug("Archive stored")

	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(dest)}).String(), nil
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context //nolint:containedctx // scoped to a single copy
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}

	return c.r.Read(p)
}
