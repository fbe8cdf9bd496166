package store

import (
	"time"
)

// User source constants.
const (
	SourceConfig = "config"
	SourceAdmin  = "admin"
	SourceGitHub = "github"
)

// Simulation status values.
const (
	StatusCreated   = "created"
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusFailed    = "failed"
	StatusCompleted = "completed"
)

// Artifact kinds.
const (
	ArtifactOutput               = "output"
	ArtifactArchive              = "archive"
	ArtifactRunScript            = "run_script"
	ArtifactPostprocessingScript = "postprocessing_script"
)

// External link kinds.
const (
	LinkDiagnostic  = "diagnostic"
	LinkPerformance = "performance"
	LinkDocs        = "docs"
	LinkOther       = "other"
)

// IsValidStatus reports whether s is a known simulation status.
func IsValidStatus(s string) bool {
	switch s {
	case StatusCreated, StatusQueued, StatusRunning, StatusFailed, StatusCompleted:
		return true
	}

	return false
}

// IsValidArtifactKind reports whether k is a known artifact kind.
func IsValidArtifactKind(k string) bool {
	switch k {
	case ArtifactOutput, ArtifactArchive, ArtifactRunScript, ArtifactPostprocessingScript:
		return true
	}

	return false
}

// IsValidLinkKind reports whether k is a known external link kind.
func IsValidLinkKind(k string) bool {
	switch k {
	case LinkDiagnostic, LinkPerformance, LinkDocs, LinkOther:
		return true
	}

	return false
}

// User represents an authenticated user in the system.
type User struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	Username     string    `gorm:"uniqueIndex;not null" json:"username"`
	PasswordHash string    `gorm:"not null" json:"-"`
	Role         string    `gorm:"not null" json:"role"`
	Source       string    `gorm:"not null" json:"source"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Session represents an active user session.
type Session struct {
	ID           uint       `gorm:"primaryKey" json:"id"`
	Token        string     `gorm:"uniqueIndex;not null" json:"-"`
	UserID       uint       `gorm:"not null" json:"user_id"`
	ExpiresAt    time.Time  `gorm:"not null" json:"expires_at"`
	CreatedAt    time.Time  `json:"created_at"`
	LastActiveAt *time.Time `json:"last_active_at"`
}

// GitHubOrgMapping maps a GitHub organization to a role.
type GitHubOrgMapping struct {
	ID   uint   `gorm:"primaryKey" json:"id"`
	Org  string `gorm:"uniqueIndex;not null" json:"org"`
	Role string `gorm:"not null" json:"role"`
}

// GitHubUserMapping maps a GitHub username to a role.
type GitHubUserMapping struct {
	ID       uint   `gorm:"primaryKey" json:"id"`
	Username string `gorm:"uniqueIndex;not null" json:"username"`
	Role     string `gorm:"not null" json:"role"`
}

// Machine is an HPC system simulations run on.
type Machine struct {
	ID           string    `gorm:"primaryKey;size:36" json:"id"`
	Name         string    `gorm:"uniqueIndex;not null" json:"name"`
	Site         string    `gorm:"not null" json:"site"`
	Architecture string    `gorm:"not null" json:"architecture"`
	Scheduler    string    `gorm:"not null" json:"scheduler"`
	GPU          bool      `gorm:"not null;default:false" json:"gpu"`
	Notes        *string   `json:"notes"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Simulation is one catalogued model run. The ingestion identity is
// (case_name, machine_id, simulation_start_date).
type Simulation struct {
	ID                 string  `gorm:"primaryKey;size:36" json:"id"`
	Name               string  `gorm:"not null;index:idx_simulation_name_tag" json:"name"`
	CaseName           string  `gorm:"not null;uniqueIndex:idx_simulation_identity" json:"case_name"`
	Description        *string `json:"description"`
	Compset            string  `gorm:"not null" json:"compset"`
	CompsetAlias       string  `gorm:"not null" json:"compset_alias"`
	GridName           string  `gorm:"not null" json:"grid_name"`
	GridResolution     string  `gorm:"not null" json:"grid_resolution"`
	ParentSimulationID *string `gorm:"size:36" json:"parent_simulation_id"`

	SimulationType     string  `gorm:"not null" json:"simulation_type"`
	Status             string  `gorm:"not null;index" json:"status"`
	CampaignID         *string `json:"campaign_id"`
	ExperimentTypeID   *string `json:"experiment_type_id"`
	InitializationType string  `gorm:"not null" json:"initialization_type"`
	GroupName          *string `json:"group_name"`

	MachineID           string     `gorm:"size:36;not null;uniqueIndex:idx_simulation_identity" json:"machine_id"`
	Machine             *Machine   `gorm:"foreignKey:MachineID" json:"machine,omitempty"`
	SimulationStartDate time.Time  `gorm:"not null;uniqueIndex:idx_simulation_identity" json:"simulation_start_date"`
	SimulationEndDate   *time.Time `json:"simulation_end_date"`
	RunStartDate        *time.Time `json:"run_start_date"`
	RunEndDate          *time.Time `json:"run_end_date"`
	Compiler            *string    `json:"compiler"`

	KeyFeatures   *string `json:"key_features"`
	KnownIssues   *string `json:"known_issues"`
	NotesMarkdown *string `json:"notes_markdown"`

	GitRepositoryURL *string `json:"git_repository_url"`
	GitBranch        *string `json:"git_branch"`
	GitTag           *string `gorm:"index:idx_simulation_name_tag" json:"git_tag"`
	GitCommitHash    *string `json:"git_commit_hash"`

	CreatedBy     *string `json:"created_by"`
	LastUpdatedBy *string `json:"last_updated_by"`

	Extra map[string]any `gorm:"serializer:json" json:"extra"`

	Artifacts []Artifact     `gorm:"foreignKey:SimulationID;constraint:OnDelete:CASCADE" json:"artifacts"`
	Links     []ExternalLink `gorm:"foreignKey:SimulationID;constraint:OnDelete:CASCADE" json:"links"`

	CreatedAt time.Time `gorm:"index" json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Artifact is a file or location produced by a simulation.
type Artifact struct {
	ID           string    `gorm:"primaryKey;size:36" json:"id"`
	SimulationID string    `gorm:"size:36;not null;index" json:"-"`
	Kind         string    `gorm:"not null" json:"kind"`
	URI          string    `gorm:"size:1000;not null" json:"uri"`
	Label        *string   `gorm:"size:200" json:"label"`
	Checksum     *string   `gorm:"size:128" json:"checksum,omitempty"`
	SizeBytes    *int64    `json:"size_bytes,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ExternalLink points at a resource hosted elsewhere, such as diagnostics.
type ExternalLink struct {
	ID           string    `gorm:"primaryKey;size:36" json:"id"`
	SimulationID string    `gorm:"size:36;not null;index" json:"-"`
	Kind         string    `gorm:"not null" json:"kind"`
	URL          string    `gorm:"size:1000;not null" json:"url"`
	Label        *string   `gorm:"size:200" json:"label"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// SimulationFilter narrows ListSimulations. Empty fields match everything.
type SimulationFilter struct {
	MachineID string
	CaseName  string
	GitTag    string
}
