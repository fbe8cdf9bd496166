package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Placeholder used for machine attributes an upload cannot know.
const UnknownAttribute = "unknown"

// BeforeCreate assigns a UUID primary key.
func (m *Machine) BeforeCreate(_ *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}

	return nil
}

// BeforeCreate assigns a UUID primary key.
func (sim *Simulation) BeforeCreate(_ *gorm.DB) error {
	if sim.ID == "" {
		sim.ID = uuid.NewString()
	}

	sim.SimulationStartDate = sim.SimulationStartDate.UTC()

	return nil
}

// BeforeCreate assigns a UUID primary key.
func (a *Artifact) BeforeCreate(_ *gorm.DB) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}

	return nil
}

// BeforeCreate assigns a UUID primary key.
func (l *ExternalLink) BeforeCreate(_ *gorm.DB) error {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}

	return nil
}

// --- Machines ---

func (s *store) ListMachines(ctx context.Context) ([]Machine, error) {
	var machines []Machine
	if err := s.db.WithContext(ctx).
		Order("name ASC").
		Find(&machines).Error; err != nil {
		return nil, fmt.Errorf("listing machines: %w", err)
	}

	return machines, nil
}

func (s *store) GetMachine(ctx context.Context, id string) (*Machine, error) {
	var m Machine
	if err := s.db.WithContext(ctx).
		Where("id = ?", id).
		First(&m).Error; err != nil {
		return nil, fmt.Errorf("getting machine: %w", translate(err))
	}

	return &m, nil
}

func (s *store) GetMachineByName(ctx context.Context, name string) (*Machine, error) {
	return getMachineByName(ctx, s.db, name)
}

func getMachineByName(ctx context.Context, db *gorm.DB, name string) (*Machine, error) {
	var m Machine
	if err := db.WithContext(ctx).
		Where("name = ?", name).
		First(&m).Error; err != nil {
		return nil, fmt.Errorf("getting machine by name: %w", translate(err))
	}

	return &m, nil
}

func (s *store) CreateMachine(ctx context.Context, m *Machine) error {
	if err := s.db.WithContext(ctx).Create(m).Error; err != nil {
		return fmt.Errorf("creating machine: %w", translate(err))
	}

	return nil
}

// --- Simulations ---

func withRelations(db *gorm.DB) *gorm.DB {
	return db.
		Preload("Machine").
		Preload("Artifacts", func(db *gorm.DB) *gorm.DB {
			return db.Order("created_at ASC, id ASC")
		}).
		Preload("Links", func(db *gorm.DB) *gorm.DB {
			return db.Order("created_at ASC, id ASC")
		})
}

// ListSimulations returns simulations newest first.
func (s *store) ListSimulations(
	ctx context.Context, f SimulationFilter,
) ([]Simulation, error) {
	q := withRelations(s.db.WithContext(ctx))

	if f.MachineID != "" {
		q = q.Where("machine_id = ?", f.MachineID)
	}

	if f.CaseName != "" {
		q = q.Where("case_name = ?", f.CaseName)
	}

	if f.GitTag != "" {
		q = q.Where("git_tag = ?", f.GitTag)
	}

	var sims []Simulation
	if err := q.Order("created_at DESC, id ASC").Find(&sims).Error; err != nil {
		return nil, fmt.Errorf("listing simulations: %w", err)
	}

	return sims, nil
}

func (s *store) GetSimulation(ctx context.Context, id string) (*Simulation, error) {
	var sim Simulation
	if err := withRelations(s.db.WithContext(ctx)).
		Where("id = ?", id).
		First(&sim).Error; err != nil {
		return nil, fmt.Errorf("getting simulation: %w", translate(err))
	}

	return &sim, nil
}

// CreateSimulation inserts the simulation with its nested artifacts and
// links in one transaction. A clash on the identity triple yields
// ErrDuplicate.
func (s *store) CreateSimulation(ctx context.Context, sim *Simulation) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit("Machine").Create(sim).Error; err != nil {
			return translate(err)
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("creating simulation: %w", err)
	}

	return nil
}

func (s *store) CreateArtifact(ctx context.Context, a *Artifact) error {
	if err := s.db.WithContext(ctx).Create(a).Error; err != nil {
		return fmt.Errorf("creating artifact: %w", translate(err))
	}

	return nil
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}

	return false
}

func lower(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
