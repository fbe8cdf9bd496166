package ingest

import (
	"fmt"
	"sort"
	"strings"

	"github.com/tomvothecoder/simboard/pkg/metadata"
)

// DefaultLayout is the layout used when none is configured.
const DefaultLayout = "e3sm"

// FileSpec describes one metadata file looked up inside an experiment
// directory. The first file (in lexical walk order) whose base name starts
// with any of Prefixes is routed to the parser selected by Kind.
type FileSpec struct {
	Kind     metadata.Kind
	Prefixes []string
	Required bool
}

// Label is the name used for the file in errors and warnings.
func (f FileSpec) Label() string {
	return strings.Join(f.Prefixes, "|")
}

// Layout is an archive convention: which top-level directories are
// experiments and which files inside them carry metadata.
type Layout struct {
	Name             string
	ExperimentPrefix string
	Files            []FileSpec
}

// File returns the FileSpec registered for kind.
func (l Layout) File(kind metadata.Kind) (FileSpec, bool) {
	for _, f := range l.Files {
		if f.Kind == kind {
			return f, true
		}
	}

	return FileSpec{}, false
}

var layouts = map[string]Layout{
	"e3sm": {
		Name:             "e3sm",
		ExperimentPrefix: "exp",
		Files: []FileSpec{
			{Kind: metadata.KindTiming, Prefixes: []string{"e3sm_timing"}, Required: true},
			{Kind: metadata.KindReadme, Prefixes: []string{"README.case"}, Required: true},
			{Kind: metadata.KindVersion, Prefixes: []string{"GIT_DESCRIBE"}, Required: true},
			{Kind: metadata.KindCaseEnv, Prefixes: []string{"env_case.xml"}},
			{Kind: metadata.KindBuildEnv, Prefixes: []string{"env_build.xml"}},
		},
	},
	// Pre-v1 case directories: experiments are named after the case and
	// older drivers still wrote cesm_timing logs.
	"e3sm-legacy": {
		Name:             "e3sm-legacy",
		ExperimentPrefix: "case",
		Files: []FileSpec{
			{
				Kind:     metadata.KindTiming,
				Prefixes: []string{"e3sm_timing", "cesm_timing"},
				Required: true,
			},
			{Kind: metadata.KindReadme, Prefixes: []string{"README.case"}, Required: true},
			{Kind: metadata.KindVersion, Prefixes: []string{"GIT_DESCRIBE"}, Required: true},
			{Kind: metadata.KindCaseEnv, Prefixes: []string{"env_case.xml"}},
			{Kind: metadata.KindBuildEnv, Prefixes: []string{"env_build.xml"}},
		},
	},
}

// LookupLayout returns the named layout. An empty name selects DefaultLayout.
func LookupLayout(name string) (Layout, error) {
	if name == "" {
		name = DefaultLayout
	}

	l, ok := layouts[name]
	if !ok {
		return Layout{}, fmt.Errorf(
			"unknown layout %q (available: %s)", name, strings.Join(LayoutNames(), ", "),
		)
	}

	return l, nil
}

// LayoutNames lists the registered layouts in sorted order.
func LayoutNames() []string {
	names := make([]string, 0, len(layouts))
	for name := range layouts {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}
