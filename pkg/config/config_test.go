package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	return path
}

func TestLoad_EnvVarOverrides(t *testing.T) {
	configPath := writeConfig(t, `
server:
  listen: ":9000"
database:
  driver: sqlite
  sqlite:
    path: /var/lib/simboard/original.db
ingest:
  layout: e3sm
  concurrency: 2
auth:
  github:
    enabled: false
`)

	tests := []struct {
		name     string
		envVars  map[string]string
		validate func(t *testing.T, cfg *Config)
	}{
		{
			name:    "no env vars uses yaml values",
			envVars: map[string]string{},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, ":9000", cfg.Server.Listen)
				assert.Equal(t, "/var/lib/simboard/original.db", cfg.Database.SQLite.Path)
				assert.Equal(t, 2, cfg.Ingest.Concurrency)
			},
		},
		{
			name: "string override - server.listen",
			envVars: map[string]string{
				"SIMBOARD_SERVER_LISTEN": ":8443",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, ":8443", cfg.Server.Listen)
			},
		},
		{
			name: "nested field override - database.sqlite.path",
			envVars: map[string]string{
				"SIMBOARD_DATABASE_SQLITE_PATH": "/tmp/custom.db",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "/tmp/custom.db", cfg.Database.SQLite.Path)
			},
		},
		{
			name: "integer override - ingest.concurrency",
			envVars: map[string]string{
				"SIMBOARD_INGEST_CONCURRENCY": "8",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 8, cfg.Ingest.Concurrency)
			},
		},
		{
			name: "boolean override - auth.github.enabled",
			envVars: map[string]string{
				"SIMBOARD_AUTH_GITHUB_ENABLED": "true",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.True(t, cfg.Auth.GitHub.Enabled)
			},
		},
		{
			name: "key absent from file - auth.github.client_secret",
			envVars: map[string]string{
				"SIMBOARD_AUTH_GITHUB_CLIENT_SECRET": "s3cret",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "s3cret", cfg.Auth.GitHub.ClientSecret)
			},
		},
		{
			name: "pointer field override - ingest.auto_create_machines",
			envVars: map[string]string{
				"SIMBOARD_INGEST_AUTO_CREATE_MACHINES": "false",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.False(t, cfg.Ingest.AutoCreate())
			},
		},
		{
			name: "slice override - server.cors_origins",
			envVars: map[string]string{
				"SIMBOARD_SERVER_CORS_ORIGINS": "https://a.example,https://b.example",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSOrigins)
			},
		},
		{
			name: "pointer struct override - storage.archives.s3.bucket",
			envVars: map[string]string{
				"SIMBOARD_STORAGE_ARCHIVES_S3_BUCKET": "simboard-archives",
			},
			validate: func(t *testing.T, cfg *Config) {
				require.NotNil(t, cfg.Storage.Archives.S3)
				assert.Equal(t, "simboard-archives", cfg.Storage.Archives.S3.Bucket)
				assert.Equal(t, DefaultS3Region, cfg.Storage.Archives.S3.Region)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}

			cfg, err := Load(configPath)
			require.NoError(t, err)

			tt.validate(t, cfg)
		})
	}
}

func TestLoad_DefaultsAppliedWhenEmpty(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultListen, cfg.Server.Listen)
	assert.Equal(t, DefaultSessionTTL, cfg.Auth.SessionTTL)
	assert.Equal(t, DefaultDriver, cfg.Database.Driver)
	assert.Equal(t, DefaultSQLitePath, cfg.Database.SQLite.Path)
	assert.Equal(t, DefaultPostgresPort, cfg.Database.Postgres.Port)
	assert.Equal(t, DefaultMaxUploadSize, cfg.Ingest.MaxUploadSize)
	assert.Equal(t, "e3sm", cfg.Ingest.Layout)
	assert.Equal(t, DefaultConcurrency, cfg.Ingest.Concurrency)
	assert.Equal(t, DefaultMultiExperiment, cfg.Ingest.MultiExperiment)
	assert.True(t, cfg.Ingest.AutoCreate())
	assert.Equal(t, RoleUser, cfg.Auth.GitHub.DefaultRole)
	assert.Nil(t, cfg.Storage.Archives.Local)
	assert.Nil(t, cfg.Storage.Archives.S3)

	require.NoError(t, cfg.Validate())

	limits, err := cfg.Ingest.Limits()
	require.NoError(t, err)
	assert.Equal(t, int64(512*1024*1024), limits.MaxUploadSize)
	assert.Equal(t, int64(4*1024*1024*1024), limits.MaxExtractSize)
	assert.Zero(t, limits.MinFreeDisk)
}

func TestLoad_MergesFilesInOrder(t *testing.T) {
	base := writeConfig(t, `
server:
  listen: ":9000"
ingest:
  concurrency: 2
machines:
  - name: chrysalis
    site: ANL
    architecture: x86_64
    scheduler: slurm
`)
	override := writeConfig(t, `
ingest:
  concurrency: 6
auth:
  github:
    user_role_mapping:
      JDoe: admin
`)

	cfg, err := Load(base, override)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.Listen, "keys absent from the override are kept")
	assert.Equal(t, 6, cfg.Ingest.Concurrency)
	require.Len(t, cfg.Machines, 1)
	assert.Equal(t, "chrysalis", cfg.Machines[0].Name)
	assert.Equal(t, "slurm", cfg.Machines[0].Scheduler)
	assert.Equal(t, map[string]string{"jdoe": "admin"}, cfg.Auth.GitHub.UserRoleMapping)
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading config file")
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "server: [\n  listen"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing config file")
}

func validConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()

	return cfg
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(*Config) {},
		},
		{
			name:    "unsupported driver",
			mutate:  func(c *Config) { c.Database.Driver = "mysql" },
			wantErr: `unsupported database driver: "mysql"`,
		},
		{
			name: "postgres requires host",
			mutate: func(c *Config) {
				c.Database.Driver = "postgres"
				c.Database.Postgres.Database = "simboard"
			},
			wantErr: "database.postgres.host",
		},
		{
			name: "postgres with host and database",
			mutate: func(c *Config) {
				c.Database.Driver = "postgres"
				c.Database.Postgres.Host = "db"
				c.Database.Postgres.Database = "simboard"
			},
		},
		{
			name:    "bad session ttl",
			mutate:  func(c *Config) { c.Auth.SessionTTL = "one day" },
			wantErr: "auth.session_ttl",
		},
		{
			name:    "negative session ttl",
			mutate:  func(c *Config) { c.Auth.SessionTTL = "-1h" },
			wantErr: "auth.session_ttl must be positive",
		},
		{
			name: "basic user invalid role",
			mutate: func(c *Config) {
				c.Auth.Basic.Users = []BasicAuthUser{{Username: "a", Password: "b", Role: "root"}}
			},
			wantErr: `invalid role "root"`,
		},
		{
			name: "github missing client id",
			mutate: func(c *Config) {
				c.Auth.GitHub.Enabled = true
				c.Auth.GitHub.ClientSecret = "secret"
				c.Auth.GitHub.RedirectURL = "http://localhost/callback"
			},
			wantErr: "client_id, client_secret and redirect_url are required",
		},
		{
			name: "github invalid org mapping role",
			mutate: func(c *Config) {
				c.Auth.GitHub = GitHubAuthConfig{
					Enabled:        true,
					ClientID:       "id",
					ClientSecret:   "secret",
					RedirectURL:    "http://localhost/callback",
					DefaultRole:    RoleUser,
					OrgRoleMapping: map[string]string{"e3sm-project": "owner"},
				}
			},
			wantErr: `invalid role "owner" for "e3sm-project"`,
		},
		{
			name:    "bad upload size",
			mutate:  func(c *Config) { c.Ingest.MaxUploadSize = "lots" },
			wantErr: "max_upload_size",
		},
		{
			name:    "unknown layout",
			mutate:  func(c *Config) { c.Ingest.Layout = "cesm" },
			wantErr: "unknown layout",
		},
		{
			name:    "zero concurrency",
			mutate:  func(c *Config) { c.Ingest.Concurrency = 0 },
			wantErr: "concurrency must be at least 1",
		},
		{
			name:    "bad multi experiment policy",
			mutate:  func(c *Config) { c.Ingest.MultiExperiment = "all" },
			wantErr: "multi_experiment",
		},
		{
			name:    "archives enabled without backend",
			mutate:  func(c *Config) { c.Storage.Archives.Enabled = true },
			wantErr: "no backend",
		},
		{
			name: "archives with two backends",
			mutate: func(c *Config) {
				c.Storage.Archives = ArchiveStorageConfig{
					Enabled: true,
					Local:   &LocalStorageConfig{Enabled: true, Dir: "/data"},
					S3:      &S3StorageConfig{Enabled: true, Bucket: "b"},
				}
			},
			wantErr: "only one of local or s3",
		},
		{
			name: "archives s3 without bucket",
			mutate: func(c *Config) {
				c.Storage.Archives = ArchiveStorageConfig{
					Enabled: true,
					S3:      &S3StorageConfig{Enabled: true},
				}
			},
			wantErr: "s3.bucket is required",
		},
		{
			name: "duplicate machines",
			mutate: func(c *Config) {
				c.Machines = []MachineConfig{{Name: "pm-cpu"}, {Name: "pm-cpu"}}
			},
			wantErr: `duplicate machine name "pm-cpu"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)

				return
			}

			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
