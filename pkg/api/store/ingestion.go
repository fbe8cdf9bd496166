package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tomvothecoder/simboard/pkg/ingest"
)

// ingestRepo adapts the store to the ingestion service's collaborator
// interfaces. Inside Transaction every call goes through the tx handle.
type ingestRepo struct {
	log        logrus.FieldLogger
	db         *gorm.DB
	autoCreate bool
}

var _ ingest.Repository = (*ingestRepo)(nil)

func (s *store) Ingestion(autoCreate bool) ingest.Repository {
	return &ingestRepo{
		log:        s.log.WithField("component", "ingest-repository"),
		db:         s.db,
		autoCreate: autoCreate,
	}
}

func (r *ingestRepo) ResolveMachine(ctx context.Context, name string) (string, error) {
	m, err := getMachineByName(ctx, r.db, name)
	if err == nil {
		return m.ID, nil
	}

	if !errors.Is(err, ErrNotFound) {
		return "", err
	}

	if !r.autoCreate {
		return "", fmt.Errorf("%w %q", ingest.ErrUnknownMachine, name)
	}

	m = &Machine{
		Name:         name,
		Site:         UnknownAttribute,
		Architecture: UnknownAttribute,
		Scheduler:    UnknownAttribute,
	}

	// A concurrent upload may register the same name first; keep its row.
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}},
			DoNothing: true,
		}).
		Create(m)
	if res.Error != nil {
		return "", fmt.Errorf("registering machine %q: %w", name, translate(res.Error))
	}

	if res.RowsAffected == 0 {
		existing, err := getMachineByName(ctx, r.db, name)
		if err != nil {
			return "", fmt.Errorf("reloading machine %q: %w", name, err)
		}

		return existing.ID, nil
	}

	r.log.WithField("machine", name).Info("Registered machine from upload")

	return m.ID, nil
}

func (r *ingestRepo) FindSimulationByIdentity(
	ctx context.Context, id ingest.Identity,
) (string, bool, error) {
	var sim Simulation

	err := r.db.WithContext(ctx).
		Select("id").
		Where("case_name = ? AND machine_id = ? AND simulation_start_date = ?",
			id.CaseName, id.MachineID, id.SimulationStartDate.UTC()).
		First(&sim).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}

	if err != nil {
		return "", false, fmt.Errorf("finding simulation by identity: %w", err)
	}

	return sim.ID, true, nil
}

func (r *ingestRepo) CreateSimulation(
	ctx context.Context, ns *ingest.NewSimulation,
) (string, error) {
	createdBy := ns.CreatedBy

	sim := &Simulation{
		Name:                ns.Name,
		CaseName:            ns.CaseName,
		Compset:             ns.Compset,
		CompsetAlias:        ns.CompsetAlias,
		GridName:            ns.GridName,
		GridResolution:      ns.GridResolution,
		MachineID:           ns.MachineID,
		SimulationStartDate: ns.SimulationStartDate,
		SimulationType:      ns.SimulationType,
		Status:              ns.Status,
		InitializationType:  ns.InitializationType,
		GitTag:              ns.GitTag,
		GitCommitHash:       ns.GitCommitHash,
		Compiler:            ns.Compiler,
		GroupName:           ns.GroupName,
		Extra:               ns.Extra,
		CreatedBy:           &createdBy,
		LastUpdatedBy:       &createdBy,
	}

	if err := r.db.WithContext(ctx).Omit("Machine").Create(sim).Error; err != nil {
		if isDuplicate(err) {
			return "", fmt.Errorf("creating simulation: %w", ingest.ErrIdentityConflict)
		}

		return "", fmt.Errorf("creating simulation: %w", err)
	}

	return sim.ID, nil
}

func (r *ingestRepo) AttachArtifact(
	ctx context.Context, simulationID string, na *ingest.NewArtifact,
) error {
	a := &Artifact{
		SimulationID: simulationID,
		Kind:         na.Kind,
		URI:          na.URI,
	}

	if na.Label != "" {
		a.Label = &na.Label
	}

	if na.Checksum != "" {
		a.Checksum = &na.Checksum
	}

	if na.SizeBytes > 0 {
		a.SizeBytes = &na.SizeBytes
	}

	if err := r.db.WithContext(ctx).Create(a).Error; err != nil {
		return fmt.Errorf("attaching artifact: %w", err)
	}

	return nil
}

func (r *ingestRepo) Transaction(
	ctx context.Context, fn func(tx ingest.Repository) error,
) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&ingestRepo{log: r.log, db: tx, autoCreate: r.autoCreate})
	})
}
