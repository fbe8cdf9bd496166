// Package metadata parses the text files an E3SM case directory leaves
// behind: the timing log, README.case, GIT_DESCRIBE and the env_*.xml
// configuration files.
package metadata

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// Kind identifies which parser a metadata file is routed to.
type Kind string

// Metadata file kinds.
const (
	KindTiming   Kind = "timing"
	KindReadme   Kind = "readme"
	KindVersion  Kind = "version"
	KindCaseEnv  Kind = "case_env"
	KindBuildEnv Kind = "build_env"
)

// ReadText returns the full content of path. Files ending in .gz are
// decompressed transparently.
func ReadText(path string) (string, error) {
	f, err := os.Open(path) //nolint:gosec // paths come from our own extraction dir
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	var r io.Reader = f

	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return "", fmt.Errorf("opening gzip stream %s: %w", path, err)
		}
		defer func() { _ = gz.Close() }()

		r = gz
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", path, err)
	}

	return string(data), nil
}

// lines splits text on newlines, tolerating CRLF endings.
func lines(text string) []string {
	return strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
}
