package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/docker/go-units"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/sirupsen/logrus"

	"github.com/tomvothecoder/simboard/pkg/archive"
)

// Values stamped on simulations created from an upload.
const (
	UploadSimulationType = "e3sm_simulation"
	UploadStatus         = "completed"
	ArchiveArtifactKind  = "archive"
)

// MultiExperimentPolicy decides what happens when an archive yields more
// than one experiment.
type MultiExperimentPolicy string

// Multi-experiment policies.
const (
	MultiExperimentReject MultiExperimentPolicy = "reject"
	MultiExperimentFirst  MultiExperimentPolicy = "first"
)

// Options configures a Service.
type Options struct {
	// ScratchDir holds per-upload temporary directories. Empty means the
	// OS temp dir.
	ScratchDir string
	// MaxUploadSize caps the stored upload in bytes. Zero disables it.
	MaxUploadSize int64
	// MaxExtractSize caps the extracted content in bytes. Zero disables it.
	MaxExtractSize int64
	// MinFreeDisk is the free space required in ScratchDir before an
	// upload is accepted. Zero disables the check.
	MinFreeDisk     uint64
	Layout          Layout
	Concurrency     int
	MultiExperiment MultiExperimentPolicy
}

// Service ingests uploaded simulation archives.
type Service interface {
	// Ingest stores src in a scoped scratch directory, parses it and
	// creates the simulation. Archive and parse problems are reported in
	// the Outcome; the error is reserved for repository failures and
	// cancellation.
	Ingest(ctx context.Context, src io.Reader, filename string, by Principal) (*Outcome, error)
}

// Compile-time interface check.
var _ Service = (*service)(nil)

type service struct {
	log       logrus.FieldLogger
	opts      Options
	repo      Repository
	archives  ArchiveStore
	assembler *Assembler
}

// NewService creates an ingestion Service. archives may be nil, in which
// case uploads are not retained.
func NewService(
	log logrus.FieldLogger,
	opts Options,
	repo Repository,
	archives ArchiveStore,
) Service {
	if opts.Layout.Name == "" {
		opts.Layout, _ = LookupLayout(DefaultLayout)
	}

	if opts.MultiExperiment == "" {
		opts.MultiExperiment = MultiExperimentReject
	}

	return &service{
		log:       log.WithField("component", "ingest"),
		opts:      opts,
		repo:      repo,
		archives:  archives,
		assembler: NewAssembler(log, opts.Layout, opts.Concurrency),
	}
}

// upload is an archive persisted to the scratch directory.
type upload struct {
	path     string
	name     string
	size     int64
	checksum string
}

func failed(warnings []string, errs ...string) *Outcome {
	if warnings == nil {
		warnings = []string{}
	}

	return &Outcome{Status: StatusFailed, Warnings: warnings, Errors: errs}
}

// Ingest implements Service.
func (s *service) Ingest(
	ctx context.Context, src io.Reader, filename string, by Principal,
) (*Outcome, error) {
	scratch := s.opts.ScratchDir
	if scratch == "" {
		scratch = os.TempDir()
	}

	if err := os.MkdirAll(scratch, 0o755); err != nil {
		return nil, fmt.Errorf("creating scratch directory: %w", err)
	}

	if msg := s.checkFreeDisk(ctx, scratch); msg != "" {
		return s.report(failed(nil, msg), nil), nil
	}

	workDir, err := os.MkdirTemp(scratch, "simboard-upload-*")
	if err != nil {
		return nil, fmt.Errorf("creating upload directory: %w", err)
	}

	defer func() {
		if rmErr := os.RemoveAll(workDir); rmErr != nil {
			s.log.WithError(rmErr).WithField("dir", workDir).
				Warn("Failed to remove upload directory")
		}
	}()

	up, err := s.save(src, filename, workDir)
	if err != nil {
		if errors.Is(err, errUploadTooLarge) {
			return s.report(failed(nil, err.Error()), nil), nil
		}

		return nil, err
	}

	extractDir := filepath.Join(workDir, "extracted")

	if _, err := archive.Extract(
		ctx, up.path, extractDir, archive.WithMaxSize(s.opts.MaxExtractSize),
	); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}

		return s.report(failed(nil, err.Error()), nil), nil
	}

	batch, err := s.assembler.Assemble(ctx, extractDir)
	if err != nil {
		return nil, fmt.Errorf("assembling experiments: %w", err)
	}

	if len(batch.Errors) > 0 {
		return s.report(failed(batch.Warnings, batch.Errors...), nil), nil
	}

	warnings := batch.Warnings

	if n := len(batch.Experiments); n > 1 {
		if s.opts.MultiExperiment != MultiExperimentFirst {
			return s.report(failed(warnings, fmt.Sprintf(
				"archive contains %d experiments; expected exactly one", n,
			)), nil), nil
		}

		ignored := make([]string, 0, n-1)
		for _, e := range batch.Experiments[1:] {
			ignored = append(ignored, e.Dir)
		}

		warnings = append(warnings, fmt.Sprintf(
			"ignoring %d additional experiment(s): %s", n-1, strings.Join(ignored, ", "),
		))
	}

	exp := &batch.Experiments[0]

	out, err := s.persist(ctx, exp, by, warnings)
	if err != nil {
		return nil, err
	}

	if out.Status == StatusCreated {
		out.Warnings = append(out.Warnings, s.retain(ctx, out.SimulationID, up)...)
	}

	return s.report(out, exp), nil
}

// persist resolves the machine and creates the simulation unless its
// identity already exists. Lookup and create share one transaction; a
// uniqueness violation from a concurrent upload is reported as existing.
func (s *service) persist(
	ctx context.Context, exp *Experiment, by Principal, warnings []string,
) (*Outcome, error) {
	var (
		out      *Outcome
		identity Identity
	)

	err := s.repo.Transaction(ctx, func(tx Repository) error {
		machineID, err := tx.ResolveMachine(ctx, exp.MachineName)
		if err != nil {
			return err
		}

		identity = Identity{
			CaseName:            exp.CaseName,
			MachineID:           machineID,
			SimulationStartDate: exp.SimulationStartDate,
		}

		id, found, err := tx.FindSimulationByIdentity(ctx, identity)
		if err != nil {
			return fmt.Errorf("looking up simulation: %w", err)
		}

		if found {
			out = &Outcome{Status: StatusExisting, SimulationID: id, Warnings: warnings}

			return nil
		}

		id, err = tx.CreateSimulation(ctx, newSimulation(exp, machineID, by))
		if err != nil {
			return err
		}

		out = &Outcome{Status: StatusCreated, SimulationID: id, Warnings: warnings}

		return nil
	})

	switch {
	case err == nil:
		return out, nil
	case errors.Is(err, ErrUnknownMachine):
		return failed(warnings, err.Error()), nil
	case errors.Is(err, ErrIdentityConflict):
		id, found, lookupErr := s.repo.FindSimulationByIdentity(ctx, identity)
		if lookupErr != nil {
			return nil, fmt.Errorf("looking up conflicting simulation: %w", lookupErr)
		}

		if !found {
			return nil, err
		}

		return &Outcome{Status: StatusExisting, SimulationID: id, Warnings: warnings}, nil
	default:
		return nil, err
	}
}

// newSimulation maps a parsed experiment onto a create request.
func newSimulation(exp *Experiment, machineID string, by Principal) *NewSimulation {
	return &NewSimulation{
		Name:                exp.CaseName,
		CaseName:            exp.CaseName,
		Compset:             exp.Compset,
		CompsetAlias:        exp.CompsetAlias,
		GridName:            exp.GridName,
		GridResolution:      exp.GridResolution,
		MachineID:           machineID,
		SimulationStartDate: exp.SimulationStartDate,
		SimulationType:      UploadSimulationType,
		Status:              UploadStatus,
		InitializationType:  exp.InitializationType,
		GitTag:              exp.GitTag,
		GitCommitHash:       exp.GitCommitHash,
		Compiler:            exp.Compiler,
		GroupName:           exp.GroupName,
		Extra:               exp.Extra,
		CreatedBy:           by.ID,
	}
}

var errUploadTooLarge = errors.New("archive exceeds maximum upload size")

// save copies src into dir, hashing it on the way.
func (s *service) save(src io.Reader, filename, dir string) (*upload, error) {
	name := filepath.Base(filepath.Clean("/" + filename))
	if name == "/" || name == "." {
		name = "archive"
	}

	path := filepath.Join(dir, name)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o600) //nolint:gosec // name is a cleaned base name
	if err != nil {
		return nil, fmt.Errorf("creating upload file: %w", err)
	}

	hash := sha256.New()

	r := src
	if s.opts.MaxUploadSize > 0 {
		r = io.LimitReader(src, s.opts.MaxUploadSize+1)
	}

	n, err := io.Copy(io.MultiWriter(f, hash), r)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}

	if err != nil {
		return nil, fmt.Errorf("writing upload file: %w", err)
	}

	if s.opts.MaxUploadSize > 0 && n > s.opts.MaxUploadSize {
		return nil, fmt.Errorf("%w of %s", errUploadTooLarge, units.HumanSize(float64(s.opts.MaxUploadSize)))
	}

	return &upload{
		path:     path,
		name:     name,
		size:     n,
		checksum: "sha256:" + hex.EncodeToString(hash.Sum(nil)),
	}, nil
}

// checkFreeDisk returns a failure message when the scratch filesystem has
// less than MinFreeDisk available.
func (s *service) checkFreeDisk(ctx context.Context, dir string) string {
	if s.opts.MinFreeDisk == 0 {
		return ""
	}

	usage, err := disk.UsageWithContext(ctx, dir)
	if err != nil {
		s.log.WithError(err).WithField("dir", dir).
			Warn("Could not determine free disk space")

		return ""
	}

	if usage.Free < s.opts.MinFreeDisk {
		return fmt.Sprintf(
			"insufficient disk space for extraction: %s free, %s required",
			units.HumanSize(float64(usage.Free)),
			units.HumanSize(float64(s.opts.MinFreeDisk)),
		)
	}

	return ""
}

// retain stores the archive and attaches it to the simulation. Failures
// are returned as warnings.
func (s *service) retain(ctx context.Context, simulationID string, up *upload) []string {
	if s.archives == nil {
		return nil
	}

	f, err := os.Open(up.path)
	if err != nil {
		return []string{fmt.Sprintf("archive not retained: %v", err)}
	}
	defer func() { _ = f.Close() }()

	uri, err := s.archives.Put(ctx, simulationID+"/"+up.name, f, up.size)
	if err != nil {
		s.log.WithError(err).WithField("simulation_id", simulationID).
			Warn("Failed to retain archive")

		return []string{fmt.Sprintf("archive not retained: %v", err)}
	}

	if err := s.repo.AttachArtifact(ctx, simulationID, &NewArtifact{
		Kind:      ArchiveArtifactKind,
		URI:       uri,
		Label:     up.name,
		Checksum:  up.checksum,
		SizeBytes: up.size,
	}); err != nil {
		s.log.WithError(err).WithField("simulation_id", simulationID).
			Warn("Failed to record archive artifact")

		return []string{fmt.Sprintf("archive stored at %s but not recorded: %v", uri, err)}
	}

	return nil
}

// report logs the outcome and returns it unchanged.
func (s *service) report(out *Outcome, exp *Experiment) *Outcome {
	fields := logrus.Fields{
		"status":   out.Status,
		"warnings": len(out.Warnings),
		"errors":   len(out.Errors),
	}

	if out.SimulationID != "" {
		fields["simulation_id"] = out.SimulationID
	}

	if exp != nil {
		fields["case"] = exp.CaseName
		fields["machine"] = exp.MachineName
	}

	s.log.WithFields(fields).Info("Ingestion finished")

	return out
}
