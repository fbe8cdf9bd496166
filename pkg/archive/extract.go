package archive

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"
)

// ErrTooLarge is returned when extracted content exceeds the configured limit.
var ErrTooLarge = errors.New("archive exceeds extraction size limit")

type extractOption struct {
	maxSize int64
}

// ExtractOption tunes Extract.
type ExtractOption func(*extractOption)

// WithMaxSize caps the total number of bytes written during extraction.
// Zero or negative disables the cap.
func WithMaxSize(n int64) ExtractOption {
	return func(o *extractOption) {
		o.maxSize = n
	}
}

// Extract detects the format of src and unpacks every regular file and
// directory into dest. dest is only created once the format has been
// recognized, so an unsupported input leaves no filesystem state behind.
//
// Entries resolving outside dest are rejected. Symlinks and special files
// are skipped.
func Extract(ctx context.Context, src, dest string, options ...ExtractOption) (Kind, error) {
	opt := &extractOption{}
	for _, o := range options {
		o(opt)
	}

	kind, err := Detect(src)
	if err != nil {
		return Kind{}, err
	}

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return Kind{}, fmt.Errorf("creating destination directory: %w", err)
	}

	budget := &sizeBudget{remaining: opt.maxSize, enabled: opt.maxSize > 0}

	switch kind.Format {
	case FormatZip:
		err = extractZip(ctx, src, dest, budget)
	case FormatTar:
		err = extractTar(ctx, src, dest, kind.Compression, budget)
	}

	return kind, err
}

func extractZip(ctx context.Context, src, dest string, budget *sizeBudget) error {
	zr, err := zip.OpenReader(src)
	if err != nil {
		return fmt.Errorf("opening zip: %w", err)
	}
	defer func() { _ = zr.Close() }()

	for _, f := range zr.File {
		if err := ctx.Err(); err != nil {
			return err
		}

		target, err := safeJoin(dest, f.Name)
		if err != nil {
			return err
		}

		mode := f.Mode()

		switch {
		case mode.IsDir():
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("creating directory: %w", err)
			}
		case mode.IsRegular():
			rc, err := f.Open()
			if err != nil {
				return fmt.Errorf("opening zip entry %s: %w", f.Name, err)
			}

			err = writeFile(target, rc, mode.Perm(), budget)

			_ = rc.Close()

			if err != nil {
				return fmt.Errorf("extracting %s: %w", f.Name, err)
			}
		}
	}

	return nil
}

func extractTar(
	ctx context.Context, src, dest string, c Compression, budget *sizeBudget,
) error {
	f, err := os.Open(src) //nolint:gosec // caller-provided upload path
	if err != nil {
		return fmt.Errorf("opening tar: %w", err)
	}
	defer func() { _ = f.Close() }()

	stream, err := decompress(f, c)
	if err != nil {
		return fmt.Errorf("creating %s reader: %w", c, err)
	}
	defer func() { _ = stream.Close() }()

	tr := tar.NewReader(stream)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}

		if err != nil {
			return fmt.Errorf("reading tar: %w", err)
		}

		target, err := safeJoin(dest, header.Name)
		if err != nil {
			return err
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("creating directory: %w", err)
			}
		case tar.TypeReg:
			perm := os.FileMode(header.Mode).Perm() //nolint:gosec // masked to permission bits
			if err := writeFile(target, tr, perm, budget); err != nil {
				return fmt.Errorf("extracting %s: %w", header.Name, err)
			}
		}
	}
}

// safeJoin resolves name under root and rejects entries escaping it.
func safeJoin(root, name string) (string, error) {
	cleanRoot := filepath.Clean(root)
	target := filepath.Join(cleanRoot, name)

	if target != cleanRoot &&
		!strings.HasPrefix(target, cleanRoot+string(os.PathSeparator)) {
		return "", fmt.Errorf("invalid archive entry: %s", name)
	}

	return target, nil
}

func writeFile(target string, r io.Reader, perm os.FileMode, budget *sizeBudget) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("creating parent directory: %w", err)
	}

	if perm&0o200 == 0 {
		perm |= 0o600
	}

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm) //nolint:gosec // sanitized by safeJoin
	if err != nil {
		return fmt.Errorf("creating file: %w", err)
	}

	if _, err := io.Copy(out, budget.limit(r)); err != nil {
		_ = out.Close()

		return err
	}

	return out.Close()
}

type sizeBudget struct {
	remaining int64
	enabled   bool
}

func (b *sizeBudget) limit(r io.Reader) io.Reader {
	if !b.enabled {
		return r
	}

	return &budgetReader{r: r, budget: b}
}

type budgetReader struct {
	r      io.Reader
	budget *sizeBudget
}

func (br *budgetReader) Read(p []byte) (int, error) {
	n, err := br.r.Read(p)
	br.budget.remaining -= int64(n)

	if br.budget.remaining < 0 {
		return n, ErrTooLarge
	}

	return n, err
}
