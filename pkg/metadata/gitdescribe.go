package metadata

import (
	"strconv"
	"strings"
)

// Version is the source version recorded in GIT_DESCRIBE.
type Version struct {
	// Tag is everything before the "-g<hash>" suffix, so the long form
	// keeps its commit count ("v3.0.0-123"). A "-dirty" suffix is never
	// part of it. Without a hash suffix it is the whole first line.
	Tag string
	// Hash is the abbreviated commit, nil when the describe output carries
	// no "-g<hash>" suffix.
	Hash *string
	// Ahead is the commit count of the long form, zero when not reported.
	Ahead int
	Dirty bool
}

// ParseGitDescribe parses the output of `git describe` stored in
// GIT_DESCRIBE.
func ParseGitDescribe(path string) (*Version, error) {
	text, err := ReadText(path)
	if err != nil {
		return nil, err
	}

	return parseGitDescribe(text), nil
}

func parseGitDescribe(text string) *Version {
	first, _, _ := strings.Cut(strings.TrimSpace(text), "\n")
	desc := strings.TrimSpace(first)

	v := &Version{}

	if d, ok := strings.CutSuffix(desc, "-dirty"); ok {
		desc = d
		v.Dirty = true
	}

	v.Tag = desc

	i := strings.LastIndex(desc, "-g")
	if i < 0 {
		return v
	}

	hash := strings.TrimSpace(desc[i+2:])
	if !isHex(hash) {
		return v
	}

	tag := desc[:i]

	// long form: <tag>-<n>-g<hash>
	if j := strings.LastIndex(tag, "-"); j > 0 {
		if n, err := strconv.Atoi(tag[j+1:]); err == nil && n >= 0 {
			v.Ahead = n
		}
	}

	v.Tag = tag
	v.Hash = &hash

	return v
}

func isHex(s string) bool {
	if s == "" {
		return false
	}

	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f', r >= 'A' && r <= 'F':
		default:
			return false
		}
	}

	return true
}
