package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tomvothecoder/simboard/pkg/config"
	"github.com/tomvothecoder/simboard/pkg/ingest"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrDuplicate is returned when a create violates a unique constraint.
var ErrDuplicate = errors.New("record already exists")

// Store provides persistence for API resources.
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	// User CRUD.
	GetUserByID(ctx context.Context, id uint) (*User, error)
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	ListUsers(ctx context.Context) ([]User, error)
	CreateUser(ctx context.Context, user *User) error
	UpdateUser(ctx context.Context, user *User) error
	DeleteUser(ctx context.Context, id uint) error

	// Session CRUD.
	CreateSession(ctx context.Context, session *Session) error
	GetSessionByToken(ctx context.Context, token string) (*Session, error)
	UpdateSessionLastActive(ctx context.Context, id uint, t time.Time) error
	DeleteSession(ctx context.Context, token string) error
	DeleteExpiredSessions(ctx context.Context) error

	// GitHub org mapping CRUD.
	ListGitHubOrgMappings(ctx context.Context) ([]GitHubOrgMapping, error)
	UpsertGitHubOrgMapping(ctx context.Context, m *GitHubOrgMapping) error
	DeleteGitHubOrgMapping(ctx context.Context, id uint) error

	// GitHub user mapping CRUD.
	ListGitHubUserMappings(ctx context.Context) ([]GitHubUserMapping, error)
	UpsertGitHubUserMapping(ctx context.Context, m *GitHubUserMapping) error
	DeleteGitHubUserMapping(ctx context.Context, id uint) error

	// Machines.
	ListMachines(ctx context.Context) ([]Machine, error)
	GetMachine(ctx context.Context, id string) (*Machine, error)
	GetMachineByName(ctx context.Context, name string) (*Machine, error)
	CreateMachine(ctx context.Context, m *Machine) error

	// Simulations.
	ListSimulations(ctx context.Context, f SimulationFilter) ([]Simulation, error)
	GetSimulation(ctx context.Context, id string) (*Simulation, error)
	CreateSimulation(ctx context.Context, sim *Simulation) error
	CreateArtifact(ctx context.Context, a *Artifact) error

	// Seeding from config.
	SeedUsers(ctx context.Context, users []config.BasicAuthUser) error
	SeedGitHubMappings(
		ctx context.Context,
		orgMappings map[string]string,
		userMappings map[string]string,
	) error
	SeedMachines(ctx context.Context, machines []config.MachineConfig) error

	// Ingestion returns the repository the ingestion service persists
	// through. autoCreate registers unknown machine names on first use.
	Ingestion(autoCreate bool) ingest.Repository
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log logrus.FieldLogger
	cfg *config.DatabaseConfig
	db  *gorm.DB
}

// NewStore creates a new Store backed by the configured database driver.
func NewStore(
	log logrus.FieldLogger,
	cfg *config.DatabaseConfig,
) Store {
	return &store{
		log: log.WithField("component", "store"),
		cfg: cfg,
	}
}

// Start opens the database connection and runs migrations.
func (s *store) Start(ctx context.Context) error {
	var (
		dialector gorm.Dialector
		err       error
	)

	gormCfg := &gorm.Config{
		Logger:         logger.Discard,
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
	}

	switch s.cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(s.cfg.SQLite.Path)
	case "postgres":
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			s.cfg.Postgres.Host,
			s.cfg.Postgres.Port,
			s.cfg.Postgres.User,
			s.cfg.Postgres.Password,
			s.cfg.Postgres.Database,
			s.cfg.Postgres.SSLMode,
		)
		dialector = postgres.Open(dsn)
	default:
		return fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)
	}

	s.db, err = gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	if s.cfg.Driver == "sqlite" {
		sqlDB, err := s.db.DB()
		if err != nil {
			return fmt.Errorf("getting underlying db: %w", err)
		}

		// SQLite allows a single writer.
		sqlDB.SetMaxOpenConns(1)
	}

	if err := s.db.WithContext(ctx).AutoMigrate(
		&User{},
		&Session{},
		&GitHubOrgMapping{},
		&GitHubUserMapping{},
		&Machine{},
		&Simulation{},
		&Artifact{},
		&ExternalLink{},
	); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).Info("Database connected")

	return nil
}

// Stop closes the underlying database connection.
func (s *store) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

// translate maps gorm sentinel errors onto the store's own.
func translate(err error) error {
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case isDuplicate(err):
		return fmt.Errorf("%w: %w", ErrDuplicate, err)
	default:
		return err
	}
}

// isDuplicate also matches the raw sqlite message, which the glebarez
// dialector does not always translate.
func isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}

	return err != nil && containsAny(err.Error(),
		"UNIQUE constraint failed", "duplicate key value violates unique constraint")
}

// --- User CRUD ---

func (s *store) GetUserByID(
	ctx context.Context, id uint,
) (*User, error) {
	var user User
	if err := s.db.WithContext(ctx).First(&user, id).Error; err != nil {
		return nil, fmt.Errorf("getting user by id: %w", translate(err))
	}

	return &user, nil
}

func (s *store) GetUserByUsername(
	ctx context.Context, username string,
) (*User, error) {
	var user User
	if err := s.db.WithContext(ctx).
		Where("username = ?", username).
		First(&user).Error; err != nil {
		return nil, fmt.Errorf("getting user by username: %w", translate(err))
	}

	return &user, nil
}

func (s *store) ListUsers(ctx context.Context) ([]User, error) {
	var users []User
	if err := s.db.WithContext(ctx).
		Order("id ASC").
		Find(&users).Error; err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}

	return users, nil
}

func (s *store) CreateUser(ctx context.Context, user *User) error {
	if err := s.db.WithContext(ctx).Create(user).Error; err != nil {
		return fmt.Errorf("creating user: %w", translate(err))
	}

	return nil
}

func (s *store) UpdateUser(ctx context.Context, user *User) error {
	if err := s.db.WithContext(ctx).Save(user).Error; err != nil {
		return fmt.Errorf("updating user: %w", err)
	}

	return nil
}

func (s *store) DeleteUser(ctx context.Context, id uint) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ?", id).Delete(&Session{}).Error; err != nil {
			return fmt.Errorf("deleting user sessions: %w", err)
		}

		result := tx.Delete(&User{}, id)
		if result.Error != nil {
			return fmt.Errorf("deleting user: %w", result.Error)
		}

		if result.RowsAffected == 0 {
			return fmt.Errorf("deleting user %d: %w", id, ErrNotFound)
		}

		return nil
	})
}

// --- Session CRUD ---

func (s *store) CreateSession(
	ctx context.Context, session *Session,
) error {
	if err := s.db.WithContext(ctx).Create(session).Error; err != nil {
		return fmt.Errorf("creating session: %w", err)
	}

	return nil
}

func (s *store) GetSessionByToken(
	ctx context.Context, token string,
) (*Session, error) {
	var session Session
	if err := s.db.WithContext(ctx).
		Where("token = ?", token).
		First(&session).Error; err != nil {
		return nil, fmt.Errorf("getting session by token: %w", translate(err))
	}

	return &session, nil
}

func (s *store) UpdateSessionLastActive(
	ctx context.Context, id uint, t time.Time,
) error {
	if err := s.db.WithContext(ctx).
		Model(&Session{}).
		Where("id = ?", id).
		Update("last_active_at", t).Error; err != nil {
		return fmt.Errorf("updating session last active: %w", err)
	}

	return nil
}

func (s *store) DeleteSession(ctx context.Context, token string) error {
	if err := s.db.WithContext(ctx).
		Where("token = ?", token).
		Delete(&Session{}).Error; err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}

	return nil
}

func (s *store) DeleteExpiredSessions(ctx context.Context) error {
	result := s.db.WithContext(ctx).
		Where("expires_at < ?", time.Now().UTC()).
		Delete(&Session{})
	if result.Error != nil {
		return fmt.Errorf("deleting expired sessions: %w", result.Error)
	}

	if result.RowsAffected > 0 {
		s.log.WithField("count", result.RowsAffected).
			Debug("Cleaned up expired sessions")
	}

	return nil
}

// --- GitHub mapping CRUD ---

func (s *store) ListGitHubOrgMappings(
	ctx context.Context,
) ([]GitHubOrgMapping, error) {
	var mappings []GitHubOrgMapping
	if err := s.db.WithContext(ctx).
		Order("org ASC").
		Find(&mappings).Error; err != nil {
		return nil, fmt.Errorf("listing github org mappings: %w", err)
	}

	return mappings, nil
}

func (s *store) UpsertGitHubOrgMapping(
	ctx context.Context, m *GitHubOrgMapping,
) error {
	result := s.db.WithContext(ctx).
		Where("org = ?", m.Org).
		Assign(GitHubOrgMapping{Role: m.Role}).
		FirstOrCreate(m)
	if result.Error != nil {
		return fmt.Errorf("upserting github org mapping: %w", result.Error)
	}

	return nil
}

func (s *store) DeleteGitHubOrgMapping(
	ctx context.Context, id uint,
) error {
	result := s.db.WithContext(ctx).Delete(&GitHubOrgMapping{}, id)
	if result.Error != nil {
		return fmt.Errorf("deleting github org mapping: %w", result.Error)
	}

	if result.RowsAffected == 0 {
		return fmt.Errorf("deleting github org mapping %d: %w", id, ErrNotFound)
	}

	return nil
}

func (s *store) ListGitHubUserMappings(
	ctx context.Context,
) ([]GitHubUserMapping, error) {
	var mappings []GitHubUserMapping
	if err := s.db.WithContext(ctx).
		Order("username ASC").
		Find(&mappings).Error; err != nil {
		return nil, fmt.Errorf("listing github user mappings: %w", err)
	}

	return mappings, nil
}

func (s *store) UpsertGitHubUserMapping(
	ctx context.Context, m *GitHubUserMapping,
) error {
	result := s.db.WithContext(ctx).
		Where("username = ?", m.Username).
		Assign(GitHubUserMapping{Role: m.Role}).
		FirstOrCreate(m)
	if result.Error != nil {
		return fmt.Errorf("upserting github user mapping: %w", result.Error)
	}

	return nil
}

func (s *store) DeleteGitHubUserMapping(
	ctx context.Context, id uint,
) error {
	result := s.db.WithContext(ctx).Delete(&GitHubUserMapping{}, id)
	if result.Error != nil {
		return fmt.Errorf("deleting github user mapping: %w", result.Error)
	}

	if result.RowsAffected == 0 {
		return fmt.Errorf("deleting github user mapping %d: %w", id, ErrNotFound)
	}

	return nil
}

// --- Seeding ---

// SeedConfig upserts the users, GitHub role mappings and machines named in
// cfg. Users and mappings are only seeded when their provider is enabled.
func SeedConfig(ctx context.Context, s Store, cfg *config.Config) error {
	if cfg.Auth.Basic.Enabled {
		if err := s.SeedUsers(ctx, cfg.Auth.Basic.Users); err != nil {
			return fmt.Errorf("seeding users: %w", err)
		}
	}

	if cfg.Auth.GitHub.Enabled {
		if err := s.SeedGitHubMappings(
			ctx,
			cfg.Auth.GitHub.OrgRoleMapping,
			cfg.Auth.GitHub.UserRoleMapping,
		); err != nil {
			return fmt.Errorf("seeding github mappings: %w", err)
		}
	}

	if err := s.SeedMachines(ctx, cfg.Machines); err != nil {
		return fmt.Errorf("seeding machines: %w", err)
	}

	return nil
}

// SeedUsers upserts config-sourced users. Only users with source="config"
// are updated; users created by admins or via GitHub are preserved.
func (s *store) SeedUsers(
	ctx context.Context, users []config.BasicAuthUser,
) error {
	for _, u := range users {
		hash, err := bcrypt.GenerateFromPassword(
			[]byte(u.Password), bcrypt.DefaultCost,
		)
		if err != nil {
			return fmt.Errorf("hashing password for %q: %w", u.Username, err)
		}

		var existing User

		result := s.db.WithContext(ctx).
			Where("username = ? AND source = ?", u.Username, SourceConfig).
			First(&existing)

		if result.Error == nil {
			existing.PasswordHash = string(hash)
			existing.Role = u.Role

			if err := s.db.WithContext(ctx).Save(&existing).Error; err != nil {
				return fmt.Errorf("updating config user %q: %w", u.Username, err)
			}

			continue
		}

		newUser := User{
			Username:     u.Username,
			PasswordHash: string(hash),
			Role:         u.Role,
			Source:       SourceConfig,
		}

		if err := s.db.WithContext(ctx).
			Where("username = ?", u.Username).
			FirstOrCreate(&newUser).Error; err != nil {
			return fmt.Errorf("seeding config user %q: %w", u.Username, err)
		}
	}

	if len(users) > 0 {
		s.log.WithField("count", len(users)).
			Info("Seeded users from config")
	}

	return nil
}

// SeedGitHubMappings upserts GitHub org and user role mappings from config.
func (s *store) SeedGitHubMappings(
	ctx context.Context,
	orgMappings map[string]string,
	userMappings map[string]string,
) error {
	for org, role := range orgMappings {
		m := &GitHubOrgMapping{Org: lower(org), Role: role}
		if err := s.UpsertGitHubOrgMapping(ctx, m); err != nil {
			return err
		}
	}

	for username, role := range userMappings {
		m := &GitHubUserMapping{Username: lower(username), Role: role}
		if err := s.UpsertGitHubUserMapping(ctx, m); err != nil {
			return err
		}
	}

	total := len(orgMappings) + len(userMappings)
	if total > 0 {
		s.log.WithField("count", total).
			Info("Seeded GitHub mappings from config")
	}

	return nil
}

// SeedMachines upserts machines by name. Running it twice with the same
// input leaves the table unchanged.
func (s *store) SeedMachines(
	ctx context.Context, machines []config.MachineConfig,
) error {
	for _, mc := range machines {
		m := machineFromConfig(mc)

		result := s.db.WithContext(ctx).
			Where("name = ?", m.Name).
			Assign(map[string]any{
				"site":         m.Site,
				"architecture": m.Architecture,
				"scheduler":    m.Scheduler,
				"gpu":          m.GPU,
				"notes":        m.Notes,
			}).
			FirstOrCreate(m)
		if result.Error != nil {
			return fmt.Errorf("seeding machine %q: %w", mc.Name, result.Error)
		}
	}

	if len(machines) > 0 {
		s.log.WithField("count", len(machines)).
			Info("Seeded machines from config")
	}

	return nil
}

func machineFromConfig(mc config.MachineConfig) *Machine {
	m := &Machine{
		Name:         mc.Name,
		Site:         mc.Site,
		Architecture: mc.Architecture,
		Scheduler:    mc.Scheduler,
		GPU:          mc.GPU,
	}

	if mc.Notes != "" {
		notes := mc.Notes
		m.Notes = &notes
	}

	return m
}
