package archive

import (
	"bufio"
	"bytes"
	"compress/bzip2"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

// Format identifies an archive container detected from file contents.
type Format string

// Supported container formats.
const (
	FormatZip Format = "zip"
	FormatTar Format = "tar"
)

// Compression identifies the stream compression wrapping a tar container.
type Compression string

// Supported tar stream compressions.
const (
	CompressionNone  Compression = "none"
	CompressionGzip  Compression = "gzip"
	CompressionBzip2 Compression = "bzip2"
	CompressionXZ    Compression = "xz"
	CompressionZstd  Compression = "zstd"
)

const tarBlockSize = 512

var (
	zipLocalHeader  = []byte("PK\x03\x04")
	zipEmptyArchive = []byte("PK\x05\x06")
	zipSpanned      = []byte("PK\x07\x08")

	gzipMagic  = []byte{0x1f, 0x8b}
	bzip2Magic = []byte("BZh")
	xzMagic    = []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}
	zstdMagic  = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// UnsupportedFormatError is returned when a file is neither a zip archive
// nor a (possibly compressed) tar archive.
type UnsupportedFormatError struct {
	Path string
}

func (e *UnsupportedFormatError) Error() string {
	return fmt.Sprintf("unsupported archive format: %s", filepath.Base(e.Path))
}

// IsUnsupportedFormat reports whether err is or wraps an UnsupportedFormatError.
func IsUnsupportedFormat(err error) bool {
	var target *UnsupportedFormatError

	return errors.As(err, &target)
}

// Kind is the result of format detection.
type Kind struct {
	Format      Format
	Compression Compression
}

func (k Kind) String() string {
	if k.Format == FormatTar && k.Compression != CompressionNone {
		return string(k.Format) + "+" + string(k.Compression)
	}

	return string(k.Format)
}

// Detect inspects the contents of the file at path and reports its
// container format. It never looks at the file extension. A zip is
// recognized by its leading local header or, failing that and failing a tar
// header, by a readable central directory at the end of the file, so zips
// with prepended data such as self-extracting stubs are accepted.
func Detect(path string) (Kind, error) {
	f, err := os.Open(path) //nolint:gosec // caller-provided upload path
	if err != nil {
		return Kind{}, fmt.Errorf("opening archive: %w", err)
	}
	defer func() { _ = f.Close() }()

	br := bufio.NewReader(f)

	head, err := br.Peek(8)
	if err != nil && !errors.Is(err, io.EOF) {
		return Kind{}, fmt.Errorf("reading archive header: %w", err)
	}

	if hasAnyPrefix(head, zipLocalHeader, zipEmptyArchive, zipSpanned) {
		return Kind{Format: FormatZip, Compression: CompressionNone}, nil
	}

	compression := detectCompression(head)
	if isTar(br, compression) {
		return Kind{Format: FormatTar, Compression: compression}, nil
	}

	if hasCentralDirectory(f) {
		return Kind{Format: FormatZip, Compression: CompressionNone}, nil
	}

	return Kind{}, &UnsupportedFormatError{Path: path}
}

// isTar reports whether r, once decompressed, starts with a valid tar header.
// A compression magic that does not decode is not an archive we understand.
func isTar(r io.Reader, c Compression) bool {
	stream, err := decompress(r, c)
	if err != nil {
		return false
	}
	defer func() { _ = stream.Close() }()

	block := make([]byte, tarBlockSize)
	if _, err := io.ReadFull(stream, block); err != nil {
		return false
	}

	return validTarHeader(block)
}

func hasCentralDirectory(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}

	_, err = zip.NewReader(f, info.Size())

	return err == nil
}

func detectCompression(head []byte) Compression {
	switch {
	case bytes.HasPrefix(head, gzipMagic):
		return CompressionGzip
	case bytes.HasPrefix(head, bzip2Magic):
		return CompressionBzip2
	case bytes.HasPrefix(head, xzMagic):
		return CompressionXZ
	case bytes.HasPrefix(head, zstdMagic):
		return CompressionZstd
	default:
		return CompressionNone
	}
}

// decompress wraps r in the decoder for the given compression.
func decompress(r io.Reader, c Compression) (io.ReadCloser, error) {
	switch c {
	case CompressionGzip:
		return gzip.NewReader(r)
	case CompressionBzip2:
		return io.NopCloser(bzip2.NewReader(r)), nil
	case CompressionXZ:
		xr, err := xz.NewReader(r)
		if err != nil {
			return nil, err
		}

		return io.NopCloser(xr), nil
	case CompressionZstd:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}

		return zr.IOReadCloser(), nil
	default:
		return io.NopCloser(r), nil
	}
}

// validTarHeader verifies the header checksum of a tar block. The checksum
// field (offset 148, 8 bytes) holds the octal sum of all header bytes with
// the field itself counted as spaces. Old writers used signed bytes, so
// both sums are accepted.
func validTarHeader(block []byte) bool {
	if len(block) < tarBlockSize {
		return false
	}

	field := bytes.Trim(block[148:156], " \x00")
	if len(field) == 0 {
		return false
	}

	want, err := strconv.ParseInt(string(field), 8, 64)
	if err != nil {
		return false
	}

	var unsigned, signed int64

	for i, b := range block[:tarBlockSize] {
		if i >= 148 && i < 156 {
			b = ' '
		}

		unsigned += int64(b)
		signed += int64(int8(b))
	}

	return want == unsigned || want == signed
}

func hasAnyPrefix(b []byte, prefixes ...[]byte) bool {
	for _, p := range prefixes {
		if bytes.HasPrefix(b, p) {
			return true
		}
	}

	return false
}
