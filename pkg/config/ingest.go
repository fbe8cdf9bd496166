package config

import (
	"fmt"
	"time"

	"github.com/tomvothecoder/simboard/pkg/ingest"
)

// IngestConfig controls archive ingestion.
type IngestConfig struct {
	ScratchDir string `yaml:"scratch_dir,omitempty" mapstructure:"scratch_dir"`
	// Sizes use human-readable binary units ("512MB", "4GiB").
	MaxUploadSize  string `yaml:"max_upload_size,omitempty" mapstructure:"max_upload_size"`
	MaxExtractSize string `yaml:"max_extract_size,omitempty" mapstructure:"max_extract_size"`
	MinFreeDisk    string `yaml:"min_free_disk,omitempty" mapstructure:"min_free_disk"`
	Layout         string `yaml:"layout,omitempty" mapstructure:"layout"`
	Concurrency    int    `yaml:"concurrency,omitempty" mapstructure:"concurrency"`
	// AutoCreateMachines registers unknown machine names on upload instead
	// of rejecting the upload. Defaults to true.
	AutoCreateMachines *bool  `yaml:"auto_create_machines,omitempty" mapstructure:"auto_create_machines"`
	MultiExperiment    string `yaml:"multi_experiment,omitempty" mapstructure:"multi_experiment"`
}

// StorageConfig groups blob storage settings.
type StorageConfig struct {
	Archives ArchiveStorageConfig `yaml:"archives,omitempty" mapstructure:"archives"`
}

// ArchiveStorageConfig retains uploaded archives. Only one backend may be
// enabled at a time.
type ArchiveStorageConfig struct {
	Enabled bool                `yaml:"enabled" mapstructure:"enabled"`
	Local   *LocalStorageConfig `yaml:"local,omitempty" mapstructure:"local"`
	S3      *S3StorageConfig    `yaml:"s3,omitempty" mapstructure:"s3"`
}

// LocalStorageConfig stores archives under a directory.
type LocalStorageConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Dir     string `yaml:"dir" mapstructure:"dir"`
}

// S3StorageConfig stores archives in an S3-compatible bucket.
type S3StorageConfig struct {
	Enabled         bool   `yaml:"enabled" mapstructure:"enabled"`
	EndpointURL     string `yaml:"endpoint_url,omitempty" mapstructure:"endpoint_url"`
	Region          string `yaml:"region,omitempty" mapstructure:"region"`
	Bucket          string `yaml:"bucket" mapstructure:"bucket"`
	Prefix          string `yaml:"prefix,omitempty" mapstructure:"prefix"`
	AccessKeyID     string `yaml:"access_key_id,omitempty" mapstructure:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty" mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style" mapstructure:"force_path_style"`
	// PresignExpiry bounds the lifetime of archive download links.
	PresignExpiry string `yaml:"presign_expiry,omitempty" mapstructure:"presign_expiry"`
}

// PresignDuration parses PresignExpiry.
func (c *S3StorageConfig) PresignDuration() (time.Duration, error) {
	d, err := time.ParseDuration(c.PresignExpiry)
	if err != nil {
		return 0, fmt.Errorf("parsing s3.presign_expiry: %w", err)
	}

	if d <= 0 {
		return 0, fmt.Errorf("s3.presign_expiry must be positive")
	}

	return d, nil
}

// MachineConfig is a machine seeded into the database.
type MachineConfig struct {
	Name         string `yaml:"name" mapstructure:"name"`
	Site         string `yaml:"site" mapstructure:"site"`
	Architecture string `yaml:"architecture" mapstructure:"architecture"`
	Scheduler    string `yaml:"scheduler" mapstructure:"scheduler"`
	GPU          bool   `yaml:"gpu" mapstructure:"gpu"`
	Notes        string `yaml:"notes,omitempty" mapstructure:"notes"`
}

// ServiceOptions converts the configuration into ingestion service options.
func (c *IngestConfig) ServiceOptions() (ingest.Options, error) {
	limits, err := c.Limits()
	if err != nil {
		return ingest.Options{}, err
	}

	layout, err := ingest.LookupLayout(c.Layout)
	if err != nil {
		return ingest.Options{}, err
	}

	return ingest.Options{
		ScratchDir:      c.ScratchDir,
		MaxUploadSize:   limits.MaxUploadSize,
		MaxExtractSize:  limits.MaxExtractSize,
		MinFreeDisk:     limits.MinFreeDisk,
		Layout:          layout,
		Concurrency:     c.Concurrency,
		MultiExperiment: ingest.MultiExperimentPolicy(c.MultiExperiment),
	}, nil
}
