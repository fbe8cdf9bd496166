package api

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomvothecoder/simboard/pkg/config"
)

func fileURI(p string) string {
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(p)}).String()
}

func TestLocalArchiveServer_ServeArchive(t *testing.T) {
	root := t.TempDir()
	simDir := filepath.Join(root, "sim-1")
	require.NoError(t, os.MkdirAll(simDir, 0o755))
	require.NoError(t, os.WriteFile(
		filepath.Join(simDir, "run.tar.gz"), []byte("tarball"), 0o644,
	))

	srv, err := newLocalArchiveServer(logrus.New(), &config.LocalStorageConfig{
		Enabled: true,
		Dir:     root,
	})
	require.NoError(t, err)

	t.Run("serves retained archive", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/simulations/sim-1/archive", nil)
		rec := httptest.NewRecorder()

		require.NoError(t, srv.ServeArchive(rec, req, fileURI(filepath.Join(simDir, "run.tar.gz"))))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "tarball", rec.Body.String())
		assert.Contains(t, rec.Header().Get("Content-Disposition"), `filename="run.tar.gz"`)
	})

	tests := []struct {
		name string
		uri  string
	}{
		{name: "missing file", uri: fileURI(filepath.Join(simDir, "nope.zip"))},
		{name: "directory", uri: fileURI(simDir)},
		{name: "outside root", uri: fileURI(filepath.Join(t.TempDir(), "x.zip"))},
		{name: "traversal", uri: fileURI(root) + "/sim-1/../../etc/passwd"},
		{name: "root itself", uri: fileURI(root)},
		{name: "s3 uri", uri: "s3://bucket/archives/x.zip"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			rec := httptest.NewRecorder()

			assert.Error(t, srv.ServeArchive(rec, req, tt.uri))
		})
	}
}
