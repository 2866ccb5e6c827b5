// Package config provides YAML-based configuration loading for the gateway.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the top-level gateway configuration, loaded from gateway.yaml.
type Config struct {
	Worklist  WorklistConfig  `yaml:"worklist"`
	PACS      PACSConfig      `yaml:"pacs"`
	DB        DBConfig        `yaml:"db"`
	Relay     RelayConfig     `yaml:"relay"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Admin     AdminConfig     `yaml:"admin"`
	Retention RetentionConfig `yaml:"retention"`
}

// WorklistConfig holds the worklist service listener settings.
type WorklistConfig struct {
	AETitle string `yaml:"aet"`
	Port    int    `yaml:"port"`
}

// PACSConfig holds the image-storage service settings.
type PACSConfig struct {
	AETitle       string `yaml:"aet"`
	Port          int    `yaml:"port"`
	StorageRoot   string `yaml:"storage_root"`
	ThumbnailRoot string `yaml:"thumbnail_root"`
}

// DBConfig selects the store backend. Path is used for sqlite; DSN for mysql.
type DBConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
}

// RelayConfig holds the two hybrid-connection channel endpoints. The shared
// access key itself is read from the environment variable named by KeyEnv and
// never stored in the file.
type RelayConfig struct {
	Namespace        string `yaml:"namespace"`
	ActionConnection string `yaml:"action_connection"`
	EventConnection  string `yaml:"event_connection"`
	KeyName          string `yaml:"key_name"`
	KeyEnv           string `yaml:"key_env"`
}

// Key resolves the shared access key from the environment.
func (r RelayConfig) Key() string {
	return os.Getenv(r.KeyEnv)
}

// PipelineConfig holds thumbnail pipeline tuning.
type PipelineConfig struct {
	PollIntervalSec int `yaml:"poll_interval_sec"`
	BatchSize       int `yaml:"batch_size"`
	Quality         int `yaml:"quality"`
	Height          int `yaml:"height"`
}

// AdminConfig holds the local admin/health HTTP API settings.
type AdminConfig struct {
	Port int `yaml:"port"`
}

// RetentionConfig drives the scheduled sweep of finished procedures.
// KeepDays of 0 disables the sweep entirely.
type RetentionConfig struct {
	SweepCron string `yaml:"sweep_cron"`
	KeepDays  int    `yaml:"keep_days"`
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Worklist.AETitle == "" {
		c.Worklist.AETitle = "SCREENING_MWL"
	}
	if c.Worklist.Port == 0 {
		c.Worklist.Port = 4243
	}
	if c.PACS.AETitle == "" {
		c.PACS.AETitle = "SCREENING_PACS"
	}
	if c.PACS.Port == 0 {
		c.PACS.Port = 4244
	}
	if c.PACS.ThumbnailRoot == "" && c.PACS.StorageRoot != "" {
		c.PACS.ThumbnailRoot = c.PACS.StorageRoot + "/thumbnails"
	}
	if c.DB.Driver == "" {
		c.DB.Driver = "sqlite"
	}
	if c.DB.Driver == "sqlite" && c.DB.Path == "" {
		c.DB.Path = "gateway.db"
	}
	if c.Relay.KeyName == "" {
		c.Relay.KeyName = "RootManageSharedAccessKey"
	}
	if c.Relay.KeyEnv == "" {
		c.Relay.KeyEnv = "RELAY_SHARED_ACCESS_KEY"
	}
	if c.Pipeline.PollIntervalSec == 0 {
		c.Pipeline.PollIntervalSec = 2
	}
	if c.Pipeline.BatchSize == 0 {
		c.Pipeline.BatchSize = 10
	}
	if c.Pipeline.Quality == 0 {
		c.Pipeline.Quality = 25
	}
	if c.Pipeline.Height == 0 {
		c.Pipeline.Height = 188
	}
	if c.Admin.Port == 0 {
		c.Admin.Port = 8080
	}
	if c.Retention.SweepCron == "" {
		c.Retention.SweepCron = "30 2 * * *"
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if c.PACS.StorageRoot == "" {
		errs = append(errs, "pacs.storage_root is required")
	}
	if c.DB.Driver == "mysql" && c.DB.DSN == "" {
		errs = append(errs, "db.dsn is required for the mysql driver")
	}
	if c.DB.Driver != "sqlite" && c.DB.Driver != "mysql" {
		errs = append(errs, fmt.Sprintf("db.driver %q is not supported", c.DB.Driver))
	}
	if c.Relay.Namespace == "" {
		errs = append(errs, "relay.namespace is required")
	}
	if c.Relay.ActionConnection == "" {
		errs = append(errs, "relay.action_connection is required")
	}
	if c.Relay.EventConnection == "" {
		errs = append(errs, "relay.event_connection is required")
	}
	if c.Relay.ActionConnection != "" && c.Relay.ActionConnection == c.Relay.EventConnection {
		errs = append(errs, "relay.action_connection and relay.event_connection must be distinct channels")
	}
	if c.Worklist.Port == c.PACS.Port {
		errs = append(errs, "worklist.port and pacs.port must differ")
	}
	if c.Retention.KeepDays < 0 {
		errs = append(errs, "retention.keep_days must not be negative")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
