package api

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/tomvothecoder/simboard/pkg/config"
)

// localArchiveServer serves retained archives from the local archive
// directory. Only file:// URIs under that directory are served.
type localArchiveServer struct {
	log  logrus.FieldLogger
	root string
}

func newLocalArchiveServer(
	log logrus.FieldLogger,
	cfg *config.LocalStorageConfig,
) (*localArchiveServer, error) {
	root, err := filepath.Abs(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("resolving archive dir: %w", err)
	}

	return &localArchiveServer{
		log:  log.WithField("component", "local-archive-server"),
		root: filepath.Clean(root),
	}, nil
}

// ServeArchive writes the archive behind uri as an attachment.
func (l *localArchiveServer) ServeArchive(
	w http.ResponseWriter,
	r *http.Request,
	uri string,
) error {
	full, err := l.resolve(uri)
	if err != nil {
		return err
	}

	info, err := os.Stat(full)
	if err != nil || info.IsDir() {
		return fmt.Errorf("archive %q not found", uri)
	}

	w.Header().Set("Content-Disposition", attachment(filepath.Base(full)))
	http.ServeFile(w, r, full)

	return nil
}

// resolve maps a file:// URI to a path under root.
func (l *localArchiveServer) resolve(uri string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil || u.Scheme != "file" {
		return "", fmt.Errorf("not a file uri: %q", uri)
	}

	if u.Path == "" || strings.Contains(u.Path, "..") {
		return "", fmt.Errorf("archive path %q is not allowed", u.Path)
	}

	full := filepath.Clean(filepath.FromSlash(u.Path))

	if !strings.HasPrefix(full, l.root+string(filepath.Separator)) {
		return "", fmt.Errorf("archive path %q is outside %s", u.Path, l.root)
	}

	return full, nil
}
