// Package ingest turns an uploaded simulation archive into a stored
// simulation record: extract, parse each experiment directory, resolve the
// machine and create the simulation unless one with the same identity
// already exists.
package ingest

import (
	"context"
	"errors"
	"io"
	"time"
)

var (
	// ErrIdentityConflict is returned by a SimulationRepository when a
	// create violates the identity uniqueness constraint.
	ErrIdentityConflict = errors.New("simulation identity already exists")
	// ErrUnknownMachine is returned by a MachineDirectory that refuses to
	// resolve a machine name.
	ErrUnknownMachine = errors.New("unknown machine")
)

// Experiment is one fully parsed experiment directory.
type Experiment struct {
	Dir                 string         `json:"dir" yaml:"dir"`
	CaseName            string         `json:"case_name" yaml:"case_name"`
	MachineName         string         `json:"machine_name" yaml:"machine_name"`
	SimulationStartDate time.Time      `json:"simulation_start_date" yaml:"simulation_start_date"`
	Compset             string         `json:"compset" yaml:"compset"`
	CompsetAlias        string         `json:"compset_alias" yaml:"compset_alias"`
	GridName            string         `json:"grid_name" yaml:"grid_name"`
	GridResolution      string         `json:"grid_resolution" yaml:"grid_resolution"`
	GitTag              *string        `json:"git_tag" yaml:"git_tag"`
	GitCommitHash       *string        `json:"git_commit_hash" yaml:"git_commit_hash"`
	Compiler            *string        `json:"compiler" yaml:"compiler"`
	GroupName           *string        `json:"group_name" yaml:"group_name"`
	InitializationType  string         `json:"initialization_type" yaml:"initialization_type"`
	Extra               map[string]any `json:"extra" yaml:"extra"`
}

// Result is the outcome of assembling every experiment in an archive.
// Experiments keep directory order.
type Result struct {
	Experiments []Experiment `json:"experiments" yaml:"experiments"`
	Warnings    []string     `json:"warnings" yaml:"warnings"`
	Errors      []string     `json:"errors" yaml:"errors"`
}

// Status is the tri-state outcome of an ingestion.
type Status string

// Ingestion statuses.
const (
	StatusCreated  Status = "created"
	StatusExisting Status = "existing"
	StatusFailed   Status = "failed"
)

// Outcome is what an ingestion reports to its caller.
type Outcome struct {
	Status       Status   `json:"status" yaml:"status"`
	SimulationID string   `json:"simulation_id,omitempty" yaml:"simulation_id,omitempty"`
	Warnings     []string `json:"warnings" yaml:"warnings"`
	Errors       []string `json:"errors,omitempty" yaml:"errors,omitempty"`
}

// Principal identifies who uploaded an archive.
type Principal struct {
	ID   string
	Name string
}

// Identity is the key a simulation is deduplicated on.
type Identity struct {
	CaseName            string
	MachineID           string
	SimulationStartDate time.Time
}

// NewSimulation is the create request built from an Experiment.
type NewSimulation struct {
	Name                string
	CaseName            string
	Compset             string
	CompsetAlias        string
	GridName            string
	GridResolution      string
	MachineID           string
	SimulationStartDate time.Time
	SimulationType      string
	Status              string
	InitializationType  string
	GitTag              *string
	GitCommitHash       *string
	Compiler            *string
	GroupName           *string
	Extra               map[string]any
	CreatedBy           string
}

// NewArtifact describes a file attached to a simulation.
type NewArtifact struct {
	Kind      string
	URI       string
	Label     string
	Checksum  string
	SizeBytes int64
}

// MachineDirectory maps machine names to machine identifiers. Whether an
// unknown name is created or rejected (ErrUnknownMachine) is up to the
// implementation.
type MachineDirectory interface {
	ResolveMachine(ctx context.Context, name string) (string, error)
}

// SimulationRepository persists simulations keyed by Identity.
type SimulationRepository interface {
	// FindSimulationByIdentity returns the id of the simulation with the
	// given identity, or found=false.
	FindSimulationByIdentity(ctx context.Context, id Identity) (string, bool, error)
	// CreateSimulation stores sim and returns its id. A duplicate identity
	// is reported as ErrIdentityConflict.
	CreateSimulation(ctx context.Context, sim *NewSimulation) (string, error)
	AttachArtifact(ctx context.Context, simulationID string, a *NewArtifact) error
}

// Repository is the storage collaborator of a Service.
type Repository interface {
	MachineDirectory
	SimulationRepository

	// Transaction runs fn against a Repository bound to a single
	// transaction, committing when fn returns nil.
	Transaction(ctx context.Context, fn func(tx Repository) error) error
}

// ArchiveStore retains uploaded archives. Put returns the URI the archive
// can be fetched from.
type ArchiveStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64) (string, error)
}
