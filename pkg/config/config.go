// Package config loads the simboard configuration from YAML files and
// SIMBOARD_* environment variables.
package config

import (
	"bytes"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/tomvothecoder/simboard/pkg/ingest"
)

const (
	// EnvPrefix prefixes every environment override, e.g.
	// SIMBOARD_SERVER_LISTEN overrides server.listen.
	EnvPrefix = "SIMBOARD"

	DefaultListen          = ":8000"
	DefaultSessionTTL      = "24h"
	DefaultDriver          = "sqlite"
	DefaultSQLitePath      = "simboard.db"
	DefaultPostgresPort    = 5432
	DefaultPostgresSSLMode = "disable"
	DefaultMaxUploadSize   = "512MB"
	DefaultMaxExtractSize  = "4GB"
	DefaultConcurrency     = 1
	DefaultMultiExperiment = string(ingest.MultiExperimentReject)
	DefaultGitHubRole      = RoleUser
	DefaultS3Region        = "us-east-1"
	DefaultPresignExpiry   = "1h"

	defaultAuthRPM          = 10
	defaultUploadRPM        = 30
	defaultAuthenticatedRPM = 300
)

// Roles.
const (
	RoleAdmin = "admin"
	RoleUser  = "user"
)

// Config is the root configuration for simboard.
type Config struct {
	Server   ServerConfig    `yaml:"server" mapstructure:"server"`
	Auth     AuthConfig      `yaml:"auth" mapstructure:"auth"`
	Database DatabaseConfig  `yaml:"database" mapstructure:"database"`
	Ingest   IngestConfig    `yaml:"ingest" mapstructure:"ingest"`
	Storage  StorageConfig   `yaml:"storage,omitempty" mapstructure:"storage"`
	Machines []MachineConfig `yaml:"machines,omitempty" mapstructure:"machines"`
}

// Load reads the given YAML files in order, each merged over the previous
// one, then applies environment overrides and defaults. With no paths the
// configuration comes from the environment and defaults alone.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	for _, path := range paths {
		data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}

		if err := v.MergeConfig(bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	if err := bindEnv(v, reflect.TypeOf(Config{}), ""); err != nil {
		return nil, fmt.Errorf("binding environment: %w", err)
	}

	var cfg Config

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
		WeaklyTypedInput: true,
		Result:           &cfg,
		TagName:          "mapstructure",
	})
	if err != nil {
		return nil, fmt.Errorf("creating config decoder: %w", err)
	}

	if err := decoder.Decode(v.AllSettings()); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// bindEnv registers an environment binding for every leaf key of t so that
// overrides work for keys absent from all files.
func bindEnv(v *viper.Viper, t reflect.Type, prefix string) error {
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}

	for i := range t.NumField() {
		f := t.Field(i)

		tag, _, _ := strings.Cut(f.Tag.Get("mapstructure"), ",")
		if tag == "" || tag == "-" {
			continue
		}

		key := tag
		if prefix != "" {
			key = prefix + "." + tag
		}

		ft := f.Type
		if ft.Kind() == reflect.Pointer {
			ft = ft.Elem()
		}

		if ft.Kind() == reflect.Struct {
			if err := bindEnv(v, ft, key); err != nil {
				return err
			}

			continue
		}

		if err := v.BindEnv(key); err != nil {
			return err
		}
	}

	return nil
}

// applyDefaults sets default values for unspecified configuration options.
func (c *Config) applyDefaults() {
	if c.Server.Listen == "" {
		c.Server.Listen = DefaultListen
	}

	rl := &c.Server.RateLimit
	if rl.Auth.RequestsPerMinute == 0 {
		rl.Auth.RequestsPerMinute = defaultAuthRPM
	}

	if rl.Upload.RequestsPerMinute == 0 {
		rl.Upload.RequestsPerMinute = defaultUploadRPM
	}

	if rl.Authenticated.RequestsPerMinute == 0 {
		rl.Authenticated.RequestsPerMinute = defaultAuthenticatedRPM
	}

	if c.Auth.SessionTTL == "" {
		c.Auth.SessionTTL = DefaultSessionTTL
	}

	if c.Auth.GitHub.DefaultRole == "" {
		c.Auth.GitHub.DefaultRole = DefaultGitHubRole
	}

	if c.Database.Driver == "" {
		c.Database.Driver = DefaultDriver
	}

	if c.Database.SQLite.Path == "" {
		c.Database.SQLite.Path = DefaultSQLitePath
	}

	if c.Database.Postgres.Port == 0 {
		c.Database.Postgres.Port = DefaultPostgresPort
	}

	if c.Database.Postgres.SSLMode == "" {
		c.Database.Postgres.SSLMode = DefaultPostgresSSLMode
	}

	in := &c.Ingest
	if in.MaxUploadSize == "" {
		in.MaxUploadSize = DefaultMaxUploadSize
	}

	if in.MaxExtractSize == "" {
		in.MaxExtractSize = DefaultMaxExtractSize
	}

	if in.Layout == "" {
		in.Layout = ingest.DefaultLayout
	}

	if in.Concurrency == 0 {
		in.Concurrency = DefaultConcurrency
	}

	if in.AutoCreateMachines == nil {
		enabled := true
		in.AutoCreateMachines = &enabled
	}

	if in.MultiExperiment == "" {
		in.MultiExperiment = DefaultMultiExperiment
	}

	if s3 := c.Storage.Archives.S3; s3 != nil {
		if s3.Region == "" {
			s3.Region = DefaultS3Region
		}

		if s3.PresignExpiry == "" {
			s3.PresignExpiry = DefaultPresignExpiry
		}
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.SQLite.Path == "" {
			return fmt.Errorf("database.sqlite.path is required")
		}
	case "postgres":
		if c.Database.Postgres.Host == "" || c.Database.Postgres.Database == "" {
			return fmt.Errorf("database.postgres.host and database.postgres.database are required")
		}
	default:
		return fmt.Errorf("unsupported database driver: %q", c.Database.Driver)
	}

	if _, err := c.Auth.SessionDuration(); err != nil {
		return err
	}

	if err := c.Auth.validate(); err != nil {
		return err
	}

	if err := c.Ingest.validate(); err != nil {
		return fmt.Errorf("ingest: %w", err)
	}

	if err := c.Storage.Archives.validate(); err != nil {
		return fmt.Errorf("storage.archives: %w", err)
	}

	seen := make(map[string]struct{}, len(c.Machines))

	for i, m := range c.Machines {
		if m.Name == "" {
			return fmt.Errorf("machines[%d]: name is required", i)
		}

		if _, dup := seen[m.Name]; dup {
			return fmt.Errorf("machines[%d]: duplicate machine name %q", i, m.Name)
		}

		seen[m.Name] = struct{}{}
	}

	return nil
}

// SessionDuration returns the parsed session TTL.
func (c *AuthConfig) SessionDuration() (time.Duration, error) {
	d, err := time.ParseDuration(c.SessionTTL)
	if err != nil {
		return 0, fmt.Errorf("auth.session_ttl: %w", err)
	}

	if d <= 0 {
		return 0, fmt.Errorf("auth.session_ttl must be positive")
	}

	return d, nil
}

func (c *AuthConfig) validate() error {
	for i, u := range c.Basic.Users {
		if u.Username == "" || u.Password == "" {
			return fmt.Errorf("auth.basic.users[%d]: username and password are required", i)
		}

		if !IsValidRole(u.Role) {
			return fmt.Errorf("auth.basic.users[%d]: invalid role %q", i, u.Role)
		}
	}

	gh := c.GitHub
	if !gh.Enabled {
		return nil
	}

	if gh.ClientID == "" || gh.ClientSecret == "" || gh.RedirectURL == "" {
		return fmt.Errorf("auth.github: client_id, client_secret and redirect_url are required")
	}

	if !IsValidRole(gh.DefaultRole) {
		return fmt.Errorf("auth.github.default_role: invalid role %q", gh.DefaultRole)
	}

	for _, mapping := range []map[string]string{gh.OrgRoleMapping, gh.UserRoleMapping} {
		for name, role := range mapping {
			if !IsValidRole(role) {
				return fmt.Errorf("auth.github: invalid role %q for %q", role, name)
			}
		}
	}

	return nil
}

// IsValidRole reports whether role is a known role.
func IsValidRole(role string) bool {
	return role == RoleAdmin || role == RoleUser
}

// Limits holds the parsed byte sizes of an IngestConfig.
type Limits struct {
	MaxUploadSize  int64
	MaxExtractSize int64
	MinFreeDisk    uint64
}

// Limits parses the human-readable sizes. Empty or "0" disables a limit.
func (c *IngestConfig) Limits() (Limits, error) {
	var (
		l   Limits
		err error
	)

	if l.MaxUploadSize, err = parseSize("max_upload_size", c.MaxUploadSize); err != nil {
		return Limits{}, err
	}

	if l.MaxExtractSize, err = parseSize("max_extract_size", c.MaxExtractSize); err != nil {
		return Limits{}, err
	}

	minFree, err := parseSize("min_free_disk", c.MinFreeDisk)
	if err != nil {
		return Limits{}, err
	}

	l.MinFreeDisk = uint64(minFree) //nolint:gosec // parseSize rejects negatives

	return l, nil
}

func parseSize(field, value string) (int64, error) {
	if value == "" || value == "0" {
		return 0, nil
	}

	n, err := units.RAMInBytes(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}

	if n < 0 {
		return 0, fmt.Errorf("%s must not be negative", field)
	}

	return n, nil
}

func (c *IngestConfig) validate() error {
	if _, err := c.Limits(); err != nil {
		return err
	}

	if _, err := ingest.LookupLayout(c.Layout); err != nil {
		return fmt.Errorf("layout: %w", err)
	}

	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1")
	}

	switch ingest.MultiExperimentPolicy(c.MultiExperiment) {
	case ingest.MultiExperimentReject, ingest.MultiExperimentFirst:
	default:
		return fmt.Errorf("multi_experiment must be %q or %q",
			ingest.MultiExperimentReject, ingest.MultiExperimentFirst)
	}

	return nil
}

func (c *ArchiveStorageConfig) validate() error {
	if !c.Enabled {
		return nil
	}

	localOn := c.Local != nil && c.Local.Enabled
	s3On := c.S3 != nil && c.S3.Enabled

	switch {
	case localOn && s3On:
		return fmt.Errorf("only one of local or s3 may be enabled")
	case localOn:
		if c.Local.Dir == "" {
			return fmt.Errorf("local.dir is required")
		}
	case s3On:
		if c.S3.Bucket == "" {
			return fmt.Errorf("s3.bucket is required")
		}

		if _, err := c.S3.PresignDuration(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("enabled but no backend (local or s3) is enabled")
	}

	return nil
}

// AutoCreate reports whether unknown machines are registered on upload.
func (c *IngestConfig) AutoCreate() bool {
	return c.AutoCreateMachines == nil || *c.AutoCreateMachines
}
