// Package config loads the backend configuration from a YAML file and
// environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nf-motors/vehicle-eval/backend/internal/errors"
)

// Config is the full backend configuration.
type Config struct {
	DataDir string        `yaml:"data_dir"`
	Remote  RemoteConfig  `yaml:"remote"`
	Storage StorageConfig `yaml:"storage"`
	Sync    SyncConfig    `yaml:"sync"`
	Logging LoggingConfig `yaml:"logging"`
	HTTP    HTTPConfig    `yaml:"http"`
}

// RemoteConfig describes the hosted REST backend.
type RemoteConfig struct {
	URL           string `yaml:"url"`
	APIKey        string `yaml:"api_key"`
	RecordsTable  string `yaml:"records_table"`
	ActivityTable string `yaml:"activity_table"`
	ProbePath     string `yaml:"probe_path"`
}

// StorageConfig describes the S3-compatible bucket images are uploaded to.
type StorageConfig struct {
	Provider        string `yaml:"provider"` // aws, minio or r2
	AccountID       string `yaml:"account_id"`
	UseSSL          bool   `yaml:"use_ssl"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	PublicBaseURL   string `yaml:"public_base_url"`
	UsePathStyle    bool   `yaml:"use_path_style"`
	Prefix          string `yaml:"prefix"`
}

// SyncConfig tunes connectivity probing and queue replay.
type SyncConfig struct {
	ProbeDelay     time.Duration `yaml:"probe_delay"`
	CheckInterval  time.Duration `yaml:"check_interval"`
	ProbeTimeout   time.Duration `yaml:"probe_timeout"`
	MaxRetries     int           `yaml:"max_retries"`
	MaxImageBytes  int64         `yaml:"max_image_bytes"`
	HTTPRetries    uint64        `yaml:"http_retries"`
	KeepActivities int           `yaml:"keep_activities"`
}

// LoggingConfig selects log level and encoder.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// HTTPConfig configures the local agent listener.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		DataDir: "./data",
		Remote: RemoteConfig{
			RecordsTable:  "vehicles",
			ActivityTable: "activity_logs",
			ProbePath:     "/rest/v1/",
		},
		Storage: StorageConfig{
			Provider: "aws",
			Bucket:   "vehicle-images",
			Region:   "us-east-1",
		},
		Sync: SyncConfig{
			ProbeDelay:     2 * time.Second,
			CheckInterval:  30 * time.Second,
			ProbeTimeout:   5 * time.Second,
			MaxRetries:     10,
			MaxImageBytes:  16 << 20,
			HTTPRetries:    2,
			KeepActivities: 500,
		},
		Logging: LoggingConfig{
			Level:  "INFO",
			Format: "JSON",
		},
		HTTP: HTTPConfig{
			Addr: "localhost:8090",
		},
	}
}

// Load reads path over the defaults and applies environment overrides. An
// empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(errors.ErrConfig, "failed to read config file", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrap(errors.ErrConfig, "failed to parse config file", err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	overrides := map[string]*string{
		"DB_PATH":                 &c.DataDir,
		"SYNC_REMOTE_URL":         &c.Remote.URL,
		"SYNC_API_KEY":            &c.Remote.APIKey,
		"SYNC_STORAGE_PROVIDER":   &c.Storage.Provider,
		"SYNC_STORAGE_ACCOUNT_ID": &c.Storage.AccountID,
		"SYNC_STORAGE_BUCKET":     &c.Storage.Bucket,
		"SYNC_STORAGE_REGION":     &c.Storage.Region,
		"SYNC_STORAGE_ENDPOINT":   &c.Storage.Endpoint,
		"SYNC_STORAGE_ACCESS_KEY": &c.Storage.AccessKeyID,
		"SYNC_STORAGE_SECRET_KEY": &c.Storage.SecretAccessKey,
		"SYNC_STORAGE_PUBLIC_URL": &c.Storage.PublicBaseURL,
		"LOGGING_LEVEL":           &c.Logging.Level,
		"LOGGING_FORMAT":          &c.Logging.Format,
		"HTTP_ADDR":               &c.HTTP.Addr,
	}
	for key, dst := range overrides {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}

	if v, ok := os.LookupEnv("SYNC_MAX_RETRIES"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrap(errors.ErrConfig, "SYNC_MAX_RETRIES must be an integer", err)
		}
		c.Sync.MaxRetries = n
	}
	if v, ok := os.LookupEnv("SYNC_CHECK_INTERVAL"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return errors.Wrap(errors.ErrConfig, "SYNC_CHECK_INTERVAL must be a duration", err)
		}
		c.Sync.CheckInterval = d
	}
	return nil
}

// Validate checks required fields and ranges.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return errors.New(errors.ErrConfig, "data_dir is required")
	}
	if c.Remote.URL == "" {
		return errors.New(errors.ErrConfig, "remote.url is required")
	}
	durations := map[string]time.Duration{
		"sync.probe_delay":    c.Sync.ProbeDelay,
		"sync.check_interval": c.Sync.CheckInterval,
		"sync.probe_timeout":  c.Sync.ProbeTimeout,
	}
	for name, d := range durations {
		if d <= 0 {
			return errors.New(errors.ErrConfig, fmt.Sprintf("%s must be positive", name))
		}
	}
	if c.Sync.MaxRetries <= 0 {
		return errors.New(errors.ErrConfig, "sync.max_retries must be positive")
	}
	if c.Sync.MaxImageBytes <= 0 {
		return errors.New(errors.ErrConfig, "sync.max_image_bytes must be positive")
	}
	return nil
}
