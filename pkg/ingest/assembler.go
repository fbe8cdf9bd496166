package ingest

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/tomvothecoder/simboard/pkg/metadata"
)

const (
	// NoExperimentsError is the batch error reported when an archive has no
	// experiment directories.
	NoExperimentsError = "No experiment directories found"

	unknownInitialization = "unknown"
)

// Assembler parses the experiment directories of an extracted archive.
type Assembler struct {
	log         logrus.FieldLogger
	layout      Layout
	concurrency int
}

// NewAssembler creates an Assembler for layout. concurrency bounds how many
// experiment directories are parsed at once; values below 1 mean 1.
func NewAssembler(log logrus.FieldLogger, layout Layout, concurrency int) *Assembler {
	if concurrency < 1 {
		concurrency = 1
	}

	return &Assembler{
		log:         log.WithField("component", "assembler"),
		layout:      layout,
		concurrency: concurrency,
	}
}

// experimentResult is the per-directory slot filled by a worker.
type experimentResult struct {
	exp      *Experiment
	warnings []string
	err      error
}

// Assemble parses every immediate subdirectory of root whose name starts
// with the layout's experiment prefix. Per-experiment failures land in
// Result.Errors; the returned error is reserved for an unreadable root or a
// cancelled context.
func (a *Assembler) Assemble(ctx context.Context, root string) (*Result, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("reading extraction root: %w", err)
	}

	dirs := make([]string, 0, len(entries))

	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), a.layout.ExperimentPrefix) {
			dirs = append(dirs, e.Name())
		}
	}

	res := &Result{
		Experiments: []Experiment{},
		Warnings:    []string{},
		Errors:      []string{},
	}

	if len(dirs) == 0 {
		res.Errors = append(res.Errors, NoExperimentsError)

		return res, nil
	}

	slots := make([]experimentResult, len(dirs))

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(a.concurrency)

	for i, name := range dirs {
		g.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return err
			}

			exp, warnings, err := a.parseExperiment(filepath.Join(root, name))
			if exp != nil {
				exp.Dir = name
			}

			slots[i] = experimentResult{exp: exp, warnings: warnings, err: err}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	for i, slot := range slots {
		if slot.err != nil {
			a.log.WithError(slot.err).
				WithField("experiment", dirs[i]).
				Warn("Experiment could not be parsed")

			res.Errors = append(res.Errors, fmt.Sprintf("%s: %s", dirs[i], slot.err))

			continue
		}

		for _, w := range slot.warnings {
			res.Warnings = append(res.Warnings, fmt.Sprintf("%s: %s", dirs[i], w))
		}

		res.Experiments = append(res.Experiments, *slot.exp)
	}

	return res, nil
}

// parseExperiment merges the parsed files of one experiment directory. It
// returns either a complete Experiment or an error, never both.
func (a *Assembler) parseExperiment(dir string) (*Experiment, []string, error) {
	found, err := a.locate(dir)
	if err != nil {
		return nil, nil, err
	}

	var warnings []string

	warn := func(format string, args ...any) {
		warnings = append(warnings, fmt.Sprintf(format, args...))
	}

	for _, spec := range a.layout.Files {
		if _, ok := found[spec.Kind]; !ok && spec.Required {
			return nil, nil, fmt.Errorf("missing required file: %s*", spec.Label())
		}
	}

	timing, err := metadata.ParseTiming(found[metadata.KindTiming])
	if err != nil {
		return nil, nil, fmt.Errorf("parsing timing log: %w", err)
	}

	if err := requireFields("timing log", map[string]string{
		"Case":    timing.Case,
		"Machine": timing.Machine,
		"grid":    timing.GridLong,
		"compset": timing.CompsetLong,
	}); err != nil {
		return nil, nil, err
	}

	readme, err := metadata.ParseReadme(found[metadata.KindReadme])
	if err != nil {
		return nil, nil, fmt.Errorf("parsing README.case: %w", err)
	}

	if err := requireFields("README.case", map[string]string{
		"--res":     readme.Res,
		"--compset": readme.Compset,
	}); err != nil {
		return nil, nil, err
	}

	version, err := metadata.ParseGitDescribe(found[metadata.KindVersion])
	if err != nil {
		return nil, nil, fmt.Errorf("parsing GIT_DESCRIBE: %w", err)
	}

	exp := &Experiment{
		CaseName:            timing.Case,
		MachineName:         timing.Machine,
		SimulationStartDate: timing.Date,
		Compset:             readme.Compset,
		CompsetAlias:        timing.CompsetLong,
		GridName:            readme.Res,
		GridResolution:      timing.GridLong,
		GitTag:              nonEmpty(version.Tag),
		GitCommitHash:       version.Hash,
		InitializationType:  timing.RunType,
		Extra: map[string]any{
			"lid":  nullable(timing.LID),
			"user": nullable(timing.User),
			"run_config": map[string]any{
				"stop_option": nullable(timing.RunConfig.StopOption),
				"stop_n":      nullable(timing.RunConfig.StopN),
			},
		},
	}

	if exp.InitializationType == "" {
		exp.InitializationType = unknownInitialization
	}

	if version.Ahead > 0 {
		exp.Extra["git_ahead"] = version.Ahead
	}

	if version.Dirty {
		exp.Extra["git_dirty"] = true
	}

	for _, f := range []struct{ label, value string }{
		{"User", timing.User},
		{"LID", timing.LID},
		{"stop option", timing.RunConfig.StopOption},
		{"stop_n", timing.RunConfig.StopN},
	} {
		if f.value == "" {
			warn("timing log has no %s field", f.label)
		}
	}

	switch {
	case version.Tag == "":
		warn("GIT_DESCRIBE is empty")
	case version.Hash == nil:
		warn("GIT_DESCRIBE %q has no commit hash", version.Tag)
	}

	if path, ok := found[metadata.KindCaseEnv]; ok {
		env, err := metadata.ParseCaseEnv(path)
		if err != nil {
			return nil, nil, fmt.Errorf("parsing env_case.xml: %w", err)
		}

		exp.GroupName = nonEmpty(env.Group)
		if exp.GroupName == nil {
			warn("env_case.xml has no CASE_GROUP entry")
		}
	} else {
		warn("env_case.xml not found; group_name unknown")
	}

	if path, ok := found[metadata.KindBuildEnv]; ok {
		env, err := metadata.ParseBuildEnv(path)
		if err != nil {
			return nil, nil, fmt.Errorf("parsing env_build.xml: %w", err)
		}

		exp.Compiler = nonEmpty(env.Compiler)
		if exp.Compiler == nil {
			warn("env_build.xml has no COMPILER entry")
		}

		if env.MPILib != "" {
			exp.Extra["mpilib"] = env.MPILib
		}
	} else {
		warn("env_build.xml not found; compiler unknown")
	}

	return exp, warnings, nil
}

// locate walks dir and records the first regular file matching each file
// spec of the layout.
func (a *Assembler) locate(dir string) (map[metadata.Kind]string, error) {
	found := make(map[metadata.Kind]string, len(a.layout.Files))

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if !d.Type().IsRegular() {
			return nil
		}

		for _, spec := range a.layout.Files {
			if _, ok := found[spec.Kind]; ok {
				continue
			}

			if hasAnyPrefix(d.Name(), spec.Prefixes) {
				found[spec.Kind] = path

				break
			}
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning experiment directory: %w", err)
	}

	return found, nil
}

// requireFields reports every empty value, sorted by field name.
func requireFields(source string, fields map[string]string) error {
	var missing []string

	for name, value := range fields {
		if value == "" {
			missing = append(missing, name)
		}
	}

	if len(missing) == 0 {
		return nil
	}

	sort.Strings(missing)

	return fmt.Errorf("%s missing required field(s): %s", source, strings.Join(missing, ", "))
}

func hasAnyPrefix(name string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}

	return false
}

func nonEmpty(s string) *string {
	if s == "" {
		return nil
	}

	return &s
}

// nullable maps "" to a JSON null in the extra bag.
func nullable(s string) any {
	if s == "" {
		return nil
	}

	return s
}
