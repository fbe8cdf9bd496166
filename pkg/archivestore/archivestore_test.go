package archivestore

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomvothecoder/simboard/pkg/config"
)

func quietLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)

	return log
}

func TestCleanKey(t *testing.T) {
	tests := []struct {
		key     string
		want    string
		wantErr bool
	}{
		{key: "sim-1/run.zip", want: "sim-1/run.zip"},
		{key: "../../etc/passwd", want: "etc/passwd"},
		{key: `sim-1\run.zip`, want: "sim-1/run.zip"},
		{key: "/", wantErr: true},
		{key: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			got, err := cleanKey(tt.key)
			if tt.wantErr {
				require.Error(t, err)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNew_Disabled(t *testing.T) {
	s, err := New(quietLogger(), &config.ArchiveStorageConfig{
		Local: &config.LocalStorageConfig{Enabled: true, Dir: t.TempDir()},
	})
	require.NoError(t, err)
	assert.Nil(t, s)
}

func TestLocalStore_Put(t *testing.T) {
	t.Parallel()

	root := filepath.Join(t.TempDir(), "archives")

	s, err := New(quietLogger(), &config.ArchiveStorageConfig{
		Enabled: true,
		Local:   &config.LocalStorageConfig{Enabled: true, Dir: root},
	})
	require.NoError(t, err)
	require.NoError(t, s.Preflight(context.Background()))

	uri, err := s.Put(context.Background(), "sim-1/run.zip", strings.NewReader("zip bytes"), 9)
	require.NoError(t, err)

	dest := filepath.Join(root, "sim-1", "run.zip")
	assert.Equal(t, "file://"+filepath.ToSlash(dest), uri)

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "zip bytes", string(data))

	entries, err := os.ReadDir(filepath.Join(root, "sim-1"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no partial files are left behind")
}

func TestLocalStore_PutCancelled(t *testing.T) {
	t.Parallel()

	root := t.TempDir()

	s, err := NewLocal(quietLogger(), &config.LocalStorageConfig{Enabled: true, Dir: root})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = s.Put(ctx, "sim-1/run.zip", strings.NewReader("zip bytes"), 9)
	require.ErrorIs(t, err, context.Canceled)

	_, err = os.Stat(filepath.Join(root, "sim-1", "run.zip"))
	assert.True(t, os.IsNotExist(err))
}

// fakeS3 records path-style PutObject requests.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string]string
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		w.WriteHeader(http.StatusMethodNotAllowed)

		return
	}

	body, _ := io.ReadAll(r.Body)

	f.mu.Lock()
	f.objects[r.URL.Path] = string(body)
	f.mu.Unlock()

	w.WriteHeader(http.StatusOK)
}

func TestS3Store_Put(t *testing.T) {
	t.Parallel()

	fake := &fakeS3{objects: make(map[string]string)}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	s := NewS3(quietLogger(), &config.S3StorageConfig{
		Enabled:         true,
		EndpointURL:     srv.URL,
		Bucket:          "simboard",
		Prefix:          "/uploads/",
		AccessKeyID:     "test",
		SecretAccessKey: "test",
		ForcePathStyle:  true,
	})

	require.NoError(t, s.Preflight(context.Background()))

	uri, err := s.Put(context.Background(), "sim-1/run.tar.gz", strings.NewReader("tarball"), 7)
	require.NoError(t, err)
	assert.Equal(t, "s3://simboard/uploads/sim-1/run.tar.gz", uri)

	fake.mu.Lock()
	defer fake.mu.Unlock()

	assert.Contains(t, fake.objects, "/simboard/uploads/.simboard-write-test")
	assert.Contains(t, fake.objects["/simboard/uploads/sim-1/run.tar.gz"], "tarball")
}

func TestS3Store_ObjectKey(t *testing.T) {
	tests := []struct {
		name   string
		prefix string
		want   string
	}{
		{name: "default prefix", prefix: "", want: "archives/sim-1/run.zip"},
		{name: "custom prefix", prefix: "e3sm/uploads", want: "e3sm/uploads/sim-1/run.zip"},
		{name: "slashes trimmed", prefix: "/e3sm/", want: "e3sm/sim-1/run.zip"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &s3Store{cfg: &config.S3StorageConfig{Prefix: tt.prefix}}
			assert.Equal(t, tt.want, s.objectKey("sim-1/run.zip"))
		})
	}
}
