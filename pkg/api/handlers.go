package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tomvothecoder/simboard/pkg/api/store"
	"github.com/tomvothecoder/simboard/pkg/ingest"
)

// uploadFormField is the multipart field carrying the archive.
const uploadFormField = "archive"

// uploadOverhead is the room left for multipart framing above the archive
// size limit.
const uploadOverhead = 1 << 20

// errorResponse is a standard error payload.
type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

// internalError logs err under msg and answers 500 without detail.
func (s *server) internalError(w http.ResponseWriter, err error, msg string) {
	s.log.WithError(err).Error(msg)
	writeJSON(w, http.StatusInternalServerError, errorResponse{"internal error"})
}

// --- Public handlers ---

// handleHealth returns server health status.
func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleConfig returns the public auth and storage configuration.
func (s *server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	archives := s.cfg.Storage.Archives
	backend := ""

	switch {
	case !archives.Enabled:
	case archives.Local != nil && archives.Local.Enabled:
		backend = "local"
	case archives.S3 != nil && archives.S3.Enabled:
		backend = "s3"
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"auth": map[string]any{
			"basic_enabled":  s.cfg.Auth.Basic.Enabled,
			"github_enabled": s.cfg.Auth.GitHub.Enabled,
			"anonymous_read": s.cfg.Auth.AnonymousRead,
		},
		"storage": map[string]any{
			"archives": map[string]any{
				"enabled": backend != "",
				"backend": backend,
			},
		},
		"upload": map[string]any{
			"max_size_bytes": s.maxUpload,
		},
	})
}

// --- Machines ---

// handleListMachines returns all machines ordered by name.
func (s *server) handleListMachines(w http.ResponseWriter, r *http.Request) {
	machines, err := s.store.ListMachines(r.Context())
	if err != nil {
		s.internalError(w, err, "Failed to list machines")

		return
	}

	writeJSON(w, http.StatusOK, machines)
}

// handleGetMachine returns a single machine.
func (s *server) handleGetMachine(w http.ResponseWriter, r *http.Request) {
	machine, err := s.store.GetMachine(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorResponse{"machine not found"})

		return
	}

	if err != nil {
		s.internalError(w, err, "Failed to get machine")

		return
	}

	writeJSON(w, http.StatusOK, machine)
}

type createMachineRequest struct {
	Name         string  `json:"name"`
	Site         string  `json:"site"`
	Architecture string  `json:"architecture"`
	Scheduler    string  `json:"scheduler"`
	GPU          bool    `json:"gpu"`
	Notes        *string `json:"notes"`
}

// handleCreateMachine registers a machine.
func (s *server) handleCreateMachine(w http.ResponseWriter, r *http.Request) {
	var req createMachineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"invalid request body"})

		return
	}

	if missing := missingFields(map[string]string{
		"name":         req.Name,
		"site":         req.Site,
		"architecture": req.Architecture,
		"scheduler":    req.Scheduler,
	}); missing != "" {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{missing + " required"})

		return
	}

	machine := &store.Machine{
		Name:         strings.TrimSpace(req.Name),
		Site:         req.Site,
		Architecture: req.Architecture,
		Scheduler:    req.Scheduler,
		GPU:          req.GPU,
		Notes:        req.Notes,
	}

	if err := s.store.CreateMachine(r.Context(), machine); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			writeJSON(w, http.StatusConflict,
				errorResponse{fmt.Sprintf("machine %q already exists", machine.Name)})

			return
		}

		s.internalError(w, err, "Failed to create machine")

		return
	}

	writeJSON(w, http.StatusCreated, machine)
}

// --- Simulations ---

// simulationResponse is a simulation with its artifacts and links also
// grouped by kind.
type simulationResponse struct {
	*store.Simulation
	GroupedArtifacts map[string][]store.Artifact     `json:"grouped_artifacts"`
	GroupedLinks     map[string][]store.ExternalLink `json:"grouped_links"`
}

func toSimulationResponse(sim *store.Simulation) simulationResponse {
	resp := simulationResponse{
		Simulation:       sim,
		GroupedArtifacts: make(map[string][]store.Artifact, len(sim.Artifacts)),
		GroupedLinks:     make(map[string][]store.ExternalLink, len(sim.Links)),
	}

	if resp.Artifacts == nil {
		resp.Artifacts = []store.Artifact{}
	}

	if resp.Links == nil {
		resp.Links = []store.ExternalLink{}
	}

	for _, a := range sim.Artifacts {
		resp.GroupedArtifacts[a.Kind] = append(resp.GroupedArtifacts[a.Kind], a)
	}

	for _, l := range sim.Links {
		resp.GroupedLinks[l.Kind] = append(resp.GroupedLinks[l.Kind], l)
	}

	return resp
}

// handleListSimulations returns simulations newest first, optionally
// filtered by machine_id, case_name and git_tag.
func (s *server) handleListSimulations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	sims, err := s.store.ListSimulations(r.Context(), store.SimulationFilter{
		MachineID: q.Get("machine_id"),
		CaseName:  q.Get("case_name"),
		GitTag:    q.Get("git_tag"),
	})
	if err != nil {
		s.internalError(w, err, "Failed to list simulations")

		return
	}

	writeJSON(w, http.StatusOK, sims)
}

// handleGetSimulation returns a single simulation with its relations.
func (s *server) handleGetSimulation(w http.ResponseWriter, r *http.Request) {
	sim, err := s.store.GetSimulation(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound,
			errorResponse{"simulation not found"})

		return
	}

	if err != nil {
		s.internalError(w, err, "Failed to get simulation")

		return
	}

	writeJSON(w, http.StatusOK, toSimulationResponse(sim))
}

type artifactRequest struct {
	Kind  string  `json:"kind"`
	URI   string  `json:"uri"`
	Label *string `json:"label"`
}

type linkRequest struct {
	Kind  string  `json:"kind"`
	URL   string  `json:"url"`
	Label *string `json:"label"`
}

type createSimulationRequest struct {
	Name               string  `json:"name"`
	CaseName           string  `json:"case_name"`
	Description        *string `json:"description"`
	Compset            string  `json:"compset"`
	CompsetAlias       string  `json:"compset_alias"`
	GridName           string  `json:"grid_name"`
	GridResolution     string  `json:"grid_resolution"`
	ParentSimulationID *string `json:"parent_simulation_id"`

	SimulationType     string  `json:"simulation_type"`
	Status             string  `json:"status"`
	CampaignID         *string `json:"campaign_id"`
	ExperimentTypeID   *string `json:"experiment_type_id"`
	InitializationType string  `json:"initialization_type"`
	GroupName          *string `json:"group_name"`

	MachineID           string     `json:"machine_id"`
	SimulationStartDate *time.Time `json:"simulation_start_date"`
	SimulationEndDate   *time.Time `json:"simulation_end_date"`
	RunStartDate        *time.Time `json:"run_start_date"`
	RunEndDate          *time.Time `json:"run_end_date"`
	Compiler            *string    `json:"compiler"`

	KeyFeatures   *string `json:"key_features"`
	KnownIssues   *string `json:"known_issues"`
	NotesMarkdown *string `json:"notes_markdown"`

	GitRepositoryURL *string `json:"git_repository_url"`
	GitBranch        *string `json:"git_branch"`
	GitTag           *string `json:"git_tag"`
	GitCommitHash    *string `json:"git_commit_hash"`

	Extra map[string]any `json:"extra"`

	Artifacts []artifactRequest `json:"artifacts"`
	Links     []linkRequest     `json:"links"`
}

// validate returns the first problem with the request, or "".
func (req *createSimulationRequest) validate() string {
	if missing := missingFields(map[string]string{
		"name":                req.Name,
		"case_name":           req.CaseName,
		"compset":             req.Compset,
		"compset_alias":       req.CompsetAlias,
		"grid_name":           req.GridName,
		"grid_resolution":     req.GridResolution,
		"simulation_type":     req.SimulationType,
		"status":              req.Status,
		"initialization_type": req.InitializationType,
		"machine_id":          req.MachineID,
	}); missing != "" {
		return missing + " required"
	}

	if req.SimulationStartDate == nil {
		return "simulation_start_date required"
	}

	if !store.IsValidStatus(req.Status) {
		return fmt.Sprintf("invalid status %q", req.Status)
	}

	for i, a := range req.Artifacts {
		if !store.IsValidArtifactKind(a.Kind) {
			return fmt.Sprintf("artifacts[%d]: invalid kind %q", i, a.Kind)
		}

		if !isAbsoluteURL(a.URI) {
			return fmt.Sprintf("artifacts[%d]: uri must be an absolute URL", i)
		}
	}

	for i, l := range req.Links {
		if !store.IsValidLinkKind(l.Kind) {
			return fmt.Sprintf("links[%d]: invalid kind %q", i, l.Kind)
		}

		if !isAbsoluteURL(l.URL) {
			return fmt.Sprintf("links[%d]: url must be an absolute URL", i)
		}
	}

	return ""
}

func (req *createSimulationRequest) toSimulation(by string) *store.Simulation {
	sim := &store.Simulation{
		Name:                req.Name,
		CaseName:            req.CaseName,
		Description:         req.Description,
		Compset:             req.Compset,
		CompsetAlias:        req.CompsetAlias,
		GridName:            req.GridName,
		GridResolution:      req.GridResolution,
		ParentSimulationID:  req.ParentSimulationID,
		SimulationType:      req.SimulationType,
		Status:              req.Status,
		CampaignID:          req.CampaignID,
		ExperimentTypeID:    req.ExperimentTypeID,
		InitializationType:  req.InitializationType,
		GroupName:           req.GroupName,
		MachineID:           req.MachineID,
		SimulationStartDate: *req.SimulationStartDate,
		SimulationEndDate:   req.SimulationEndDate,
		RunStartDate:        req.RunStartDate,
		RunEndDate:          req.RunEndDate,
		Compiler:            req.Compiler,
		KeyFeatures:         req.KeyFeatures,
		KnownIssues:         req.KnownIssues,
		NotesMarkdown:       req.NotesMarkdown,
		GitRepositoryURL:    req.GitRepositoryURL,
		GitBranch:           req.GitBranch,
		GitTag:              req.GitTag,
		GitCommitHash:       req.GitCommitHash,
		CreatedBy:           &by,
		LastUpdatedBy:       &by,
		Extra:               req.Extra,
	}

	for _, a := range req.Artifacts {
		sim.Artifacts = append(sim.Artifacts, store.Artifact{
			Kind: a.Kind, URI: a.URI, Label: a.Label,
		})
	}

	for _, l := range req.Links {
		sim.Links = append(sim.Links, store.ExternalLink{
			Kind: l.Kind, URL: l.URL, Label: l.Label,
		})
	}

	return sim
}

// handleCreateSimulation creates a simulation and its nested artifacts and
// links in one transaction.
func (s *server) handleCreateSimulation(w http.ResponseWriter, r *http.Request) {
	var req createSimulationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"invalid request body"})

		return
	}

	if msg := req.validate(); msg != "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{msg})

		return
	}

	ctx := r.Context()

	if _, err := s.store.GetMachine(ctx, req.MachineID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusBadRequest,
				errorResponse{fmt.Sprintf("unknown machine_id %q", req.MachineID)})

			return
		}

		s.internalError(w, err, "Failed to look up machine")

		return
	}

	sim := req.toSimulation(principal(userFromContext(ctx)).ID)

	if err := s.store.CreateSimulation(ctx, sim); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			writeJSON(w, http.StatusConflict, errorResponse{
				"a simulation with this case_name, machine_id and simulation_start_date already exists",
			})

			return
		}

		s.internalError(w, err, "Failed to create simulation")

		return
	}

	created, err := s.store.GetSimulation(ctx, sim.ID)
	if err != nil {
		s.internalError(w, err, "Failed to reload simulation")

		return
	}

	writeJSON(w, http.StatusCreated, toSimulationResponse(created))
}

// --- Upload ---

// handleUpload streams the multipart archive into the ingestion service.
// Every ingestion outcome, including a rejected archive, answers 200.
func (s *server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if s.maxUpload > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload+uploadOverhead)
	}

	part, err := archivePart(r)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusOK, uploadTooLarge(s.maxUpload))

			return
		}

		writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})

		return
	}
	defer func() { _ = part.Close() }()

	user := userFromContext(r.Context())

	out, err := s.ingest.Ingest(r.Context(), part, part.FileName(), principal(user))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusOK, uploadTooLarge(s.maxUpload))

			return
		}

		s.log.WithError(err).WithField("user", user.Username).
			Error("Ingestion failed")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal error"})

		return
	}

	writeJSON(w, http.StatusOK, out)
}

// archivePart returns the multipart part carrying the archive.
func archivePart(r *http.Request) (*multipart.Part, error) {
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, fmt.Errorf("expected multipart/form-data with an %q field", uploadFormField)
	}

	for {
		part, err := mr.NextPart()
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				return nil, err
			}

			return nil, fmt.Errorf("missing %q field", uploadFormField)
		}

		if part.FormName() == uploadFormField {
			return part, nil
		}

		_ = part.Close()
	}
}

func uploadTooLarge(limit int64) *ingest.Outcome {
	return &ingest.Outcome{
		Status:   ingest.StatusFailed,
		Warnings: []string{},
		Errors:   []string{fmt.Sprintf("archive exceeds maximum upload size of %d bytes", limit)},
	}
}

// missingFields names the empty entries of fields, sorted, joined by ", ".
func missingFields(fields map[string]string) string {
	var missing []string

	for name, v := range fields {
		if strings.TrimSpace(v) == "" {
			missing = append(missing, name)
		}
	}

	if len(missing) == 0 {
		return ""
	}

	sort.Strings(missing)

	return strings.Join(missing, ", ")
}

func isAbsoluteURL(raw string) bool {
	u, err := url.Parse(raw)

	return err == nil && u.Scheme != "" && (u.Host != "" || u.Opaque != "" || u.Path != "")
}
