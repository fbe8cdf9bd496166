package metadata

import (
	"regexp"
	"strings"
)

var valueAttr = regexp.MustCompile(`value="([^"]*)"`)

// CaseEnv holds fields read from env_case.xml.
type CaseEnv struct {
	Group string
}

// BuildEnv holds fields read from env_build.xml.
type BuildEnv struct {
	Compiler string
	MPILib   string
}

// ParseCaseEnv reads the CASE_GROUP entry of env_case.xml. A missing entry
// yields an empty Group.
func ParseCaseEnv(path string) (*CaseEnv, error) {
	text, err := ReadText(path)
	if err != nil {
		return nil, err
	}

	return &CaseEnv{Group: entryValue(text, "CASE_GROUP")}, nil
}

// ParseBuildEnv reads the COMPILER and MPILIB entries of env_build.xml.
func ParseBuildEnv(path string) (*BuildEnv, error) {
	text, err := ReadText(path)
	if err != nil {
		return nil, err
	}

	return &BuildEnv{
		Compiler: entryValue(text, "COMPILER"),
		MPILib:   entryValue(text, "MPILIB"),
	}, nil
}

// entryValue returns the value attribute of the entry whose id is exactly
// id. Failing that, the first line mentioning id with a value attribute is
// used, which covers hand-edited files without the id attribute.
func entryValue(text, id string) string {
	exact := `id="` + id + `"`

	var fallback string

	for _, line := range lines(text) {
		if !strings.Contains(line, id) {
			continue
		}

		m := valueAttr.FindStringSubmatch(line)
		if m == nil {
			continue
		}

		if strings.Contains(line, exact) {
			return m[1]
		}

		if fallback == "" && !strings.Contains(line, `id="`) {
			fallback = m[1]
		}
	}

	return fallback
}
