package archive_test

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomvothecoder/simboard/pkg/archive"
)

var sampleFiles = map[string]string{
	"exp001/README.case":          "create_newcase --res ne30 --compset F2010\n",
	"exp001/logs/e3sm_timing.txt": "Case: demo\n",
}

func writeZip(t *testing.T, files map[string]string) string {
	t.Helper()

	var buf bytes.Buffer

	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)

		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}

	require.NoError(t, zw.Close())

	path := filepath.Join(t.TempDir(), "upload.bin")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))

	return path
}

// writePrefixedZip writes a zip behind a shell stub, the layout of a
// self-extracting archive.
func writePrefixedZip(t *testing.T, files map[string]string) string {
	t.Helper()

	stub := []byte("#!/bin/sh\nexec unzip \"$0\"\n")

	var buf bytes.Buffer

	buf.Write(stub)

	zw := zip.NewWriter(&buf)
	zw.SetOffset(int64(len(stub)))

	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)

		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}

	require.NoError(t, zw.Close())

	path := filepath.Join(t.TempDir(), "upload.run")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))

	return path
}

func tarBytes(t *testing.T, files map[string]string) []byte {
	t.Helper()

	var buf bytes.Buffer

	tw := tar.NewWriter(&buf)
	for name, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     name,
			Mode:     0o644,
			Size:     int64(len(content)),
			Typeflag: tar.TypeReg,
		}))

		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}

	require.NoError(t, tw.Close())

	return buf.Bytes()
}

func writeTar(t *testing.T, files map[string]string, gz bool) string {
	t.Helper()

	data := tarBytes(t, files)

	if gz {
		var buf bytes.Buffer

		zw := gzip.NewWriter(&buf)
		_, err := zw.Write(data)
		require.NoError(t, err)
		require.NoError(t, zw.Close())

		data = buf.Bytes()
	}

	// No extension on purpose: detection must use contents only.
	path := filepath.Join(t.TempDir(), "upload")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	return path
}

func TestDetect(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		path func(t *testing.T) string
		want archive.Kind
	}{
		{
			name: "zip",
			path: func(t *testing.T) string { return writeZip(t, sampleFiles) },
			want: archive.Kind{Format: archive.FormatZip, Compression: archive.CompressionNone},
		},
		{
			name: "zip with prepended stub",
			path: func(t *testing.T) string { return writePrefixedZip(t, sampleFiles) },
			want: archive.Kind{Format: archive.FormatZip, Compression: archive.CompressionNone},
		},
		{
			name: "plain tar",
			path: func(t *testing.T) string { return writeTar(t, sampleFiles, false) },
			want: archive.Kind{Format: archive.FormatTar, Compression: archive.CompressionNone},
		},
		{
			name: "gzip tar",
			path: func(t *testing.T) string { return writeTar(t, sampleFiles, true) },
			want: archive.Kind{Format: archive.FormatTar, Compression: archive.CompressionGzip},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := archive.Detect(tt.path(t))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExtract(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	for name, src := range map[string]func(t *testing.T) string{
		"zip":    func(t *testing.T) string { return writeZip(t, sampleFiles) },
		"tar":    func(t *testing.T) string { return writeTar(t, sampleFiles, false) },
		"tar.gz": func(t *testing.T) string { return writeTar(t, sampleFiles, true) },
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			dest := filepath.Join(t.TempDir(), "extracted")

			_, err := archive.Extract(ctx, src(t), dest)
			require.NoError(t, err)

			for rel, content := range sampleFiles {
				data, err := os.ReadFile(filepath.Join(dest, rel))
				require.NoError(t, err)
				assert.Equal(t, content, string(data))
			}
		})
	}
}

func TestExtract_PrefixedZip(t *testing.T) {
	t.Parallel()

	dest := filepath.Join(t.TempDir(), "extracted")

	kind, err := archive.Extract(context.Background(), writePrefixedZip(t, sampleFiles), dest)
	require.NoError(t, err)
	assert.Equal(t, archive.FormatZip, kind.Format)

	for name, want := range sampleFiles {
		got, err := os.ReadFile(filepath.Join(dest, filepath.FromSlash(name)))
		require.NoError(t, err)
		assert.Equal(t, want, string(got))
	}
}

func TestExtract_UnsupportedFormat(t *testing.T) {
	t.Parallel()

	inputs := map[string][]byte{
		"text":          []byte("this is not an archive at all"),
		"empty":         {},
		"corrupt gzip":  {0x1f, 0x8b, 0x00, 0x01, 0x02},
		"zero block":    make([]byte, 1024),
		"png signature": {0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'},
	}

	for name, data := range inputs {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			src := filepath.Join(t.TempDir(), "upload.zip")
			require.NoError(t, os.WriteFile(src, data, 0o644))

			dest := filepath.Join(t.TempDir(), "extracted")

			_, err := archive.Extract(context.Background(), src, dest)
			require.Error(t, err)
			assert.True(t, archive.IsUnsupportedFormat(err))

			_, statErr := os.Stat(dest)
			assert.True(t, os.IsNotExist(statErr),
				"destination must not be created for unsupported input")
		})
	}
}

func TestExtract_RejectsTraversal(t *testing.T) {
	t.Parallel()

	src := writeTar(t, map[string]string{"../escape.txt": "x"}, false)
	dest := filepath.Join(t.TempDir(), "extracted")

	_, err := archive.Extract(context.Background(), src, dest)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid archive entry")
	assert.NoFileExists(t, filepath.Join(filepath.Dir(dest), "escape.txt"))
}

func TestExtract_MaxSize(t *testing.T) {
	t.Parallel()

	src := writeZip(t, map[string]string{
		"exp001/big.log": string(bytes.Repeat([]byte("a"), 4096)),
	})

	_, err := archive.Extract(
		context.Background(), src,
		filepath.Join(t.TempDir(), "extracted"),
		archive.WithMaxSize(1024),
	)
	require.Error(t, err)
	assert.ErrorIs(t, err, archive.ErrTooLarge)
}
