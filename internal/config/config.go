// Package config loads and persists the medidash configuration.
// The file lives at <data dir>/config.json; every key can be
// overridden through MEDIDASH_-prefixed environment variables.
package config

import (
	"encoding/json"
	"os"
	"strings"

	"github.com/spf13/viper"

	"medidash/internal/paths"
)

// CurrentVersion is the config schema version written by this build.
const CurrentVersion = 1

// Config represents the complete medidash configuration
type Config struct {
	Version int `json:"version" mapstructure:"version"`

	Database DatabaseConfig `json:"database" mapstructure:"database"`
	Backup   BackupConfig   `json:"backup" mapstructure:"backup"`
	Import   ImportConfig   `json:"import" mapstructure:"import"`
	API      APIConfig      `json:"api" mapstructure:"api"`
	Logging  LoggingConfig  `json:"logging" mapstructure:"logging"`
}

// DatabaseConfig contains store tuning knobs
type DatabaseConfig struct {
	BusyTimeoutMs int `json:"busyTimeoutMs" mapstructure:"busyTimeoutMs"`
	CacheSizeKB   int `json:"cacheSizeKb" mapstructure:"cacheSizeKb"`
}

// BackupConfig contains backup engine configuration
type BackupConfig struct {
	// Dir overrides the default <data dir>/backups destination.
	Dir            string            `json:"dir" mapstructure:"dir"`
	Prefix         string            `json:"prefix" mapstructure:"prefix"`
	Compress       bool              `json:"compress" mapstructure:"compress"`
	RetentionCount int               `json:"retentionCount" mapstructure:"retentionCount"`
	TimeoutMs      int               `json:"timeoutMs" mapstructure:"timeoutMs"`
	Replication    ReplicationConfig `json:"replication" mapstructure:"replication"`
}

// ReplicationConfig configures optional off-site backup copies.
// Driver "" disables replication; "fs" mirrors into a local directory;
// "s3" uploads to an S3-compatible bucket.
type ReplicationConfig struct {
	Driver string   `json:"driver" mapstructure:"driver"`
	FS     FSConfig `json:"fs" mapstructure:"fs"`
	S3     S3Config `json:"s3" mapstructure:"s3"`
}

// FSConfig contains filesystem replication settings
type FSConfig struct {
	Root string `json:"root" mapstructure:"root"`
}

// S3Config contains S3 replication settings
type S3Config struct {
	Bucket          string `json:"bucket" mapstructure:"bucket"`
	Region          string `json:"region" mapstructure:"region"`
	Endpoint        string `json:"endpoint" mapstructure:"endpoint"`
	PathStyle       bool   `json:"pathStyle" mapstructure:"pathStyle"`
	AccessKeyID     string `json:"accessKeyId" mapstructure:"accessKeyId"`
	SecretAccessKey string `json:"secretAccessKey" mapstructure:"secretAccessKey"`
}

// ImportConfig contains CSV import defaults
type ImportConfig struct {
	SkipDuplicates bool `json:"skipDuplicates" mapstructure:"skipDuplicates"`
	AllOrNothing   bool `json:"allOrNothing" mapstructure:"allOrNothing"`
}

// APIConfig contains HTTP API configuration
type APIConfig struct {
	Addr string `json:"addr" mapstructure:"addr"`
	// TokenHash is the bcrypt hash of the API token; empty disables auth.
	TokenHash     string `json:"tokenHash" mapstructure:"tokenHash"`
	EnableMetrics bool   `json:"enableMetrics" mapstructure:"enableMetrics"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level string `json:"level" mapstructure:"level"`
	// API overrides Level for the HTTP API log when set.
	API        string `json:"api" mapstructure:"api"`
	MaxSize    string `json:"maxSize" mapstructure:"maxSize"`
	MaxBackups int    `json:"maxBackups" mapstructure:"maxBackups"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Version: CurrentVersion,
		Database: DatabaseConfig{
			BusyTimeoutMs: 5000,
			CacheSizeKB:   64000,
		},
		Backup: BackupConfig{
			Prefix:         "medidash",
			Compress:       false,
			RetentionCount: 10,
			TimeoutMs:      30000,
		},
		Import: ImportConfig{
			SkipDuplicates: true,
			AllOrNothing:   false,
		},
		API: APIConfig{
			Addr:          "127.0.0.1:8844",
			EnableMetrics: true,
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSize:    "10MB",
			MaxBackups: 3,
		},
	}
}

// LoadConfig loads configuration from <dataDir>/config.json, applying
// defaults for missing keys and MEDIDASH_ environment overrides.
func LoadConfig(dataDir string) (*Config, error) {
	v := viper.New()

	defaults := DefaultConfig()
	v.SetDefault("version", defaults.Version)
	v.SetDefault("database.busyTimeoutMs", defaults.Database.BusyTimeoutMs)
	v.SetDefault("database.cacheSizeKb", defaults.Database.CacheSizeKB)
	v.SetDefault("backup.prefix", defaults.Backup.Prefix)
	v.SetDefault("backup.compress", defaults.Backup.Compress)
	v.SetDefault("backup.retentionCount", defaults.Backup.RetentionCount)
	v.SetDefault("backup.timeoutMs", defaults.Backup.TimeoutMs)
	v.SetDefault("import.skipDuplicates", defaults.Import.SkipDuplicates)
	v.SetDefault("import.allOrNothing", defaults.Import.AllOrNothing)
	v.SetDefault("api.addr", defaults.API.Addr)
	v.SetDefault("api.enableMetrics", defaults.API.EnableMetrics)
	v.SetDefault("logging.level", defaults.Logging.Level)
	v.SetDefault("logging.maxSize", defaults.Logging.MaxSize)
	v.SetDefault("logging.maxBackups", defaults.Logging.MaxBackups)

	v.SetConfigName("config")
	v.SetConfigType("json")
	v.AddConfigPath(dataDir)
	v.SetEnvPrefix("MEDIDASH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		// Missing file is fine; defaults and env still apply.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Save writes the configuration to <dataDir>/config.json
func (c *Config) Save(dataDir string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(paths.ConfigPath(dataDir), data, 0644)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Version != CurrentVersion {
		return &ConfigError{Field: "version", Message: "unsupported config version"}
	}
	if c.Backup.RetentionCount < 0 {
		return &ConfigError{Field: "backup.retentionCount", Message: "must be >= 0"}
	}
	switch c.Backup.Replication.Driver {
	case "", "fs", "s3":
	default:
		return &ConfigError{Field: "backup.replication.driver", Message: "must be one of \"\", \"fs\", \"s3\""}
	}
	if c.Backup.Replication.Driver == "s3" && c.Backup.Replication.S3.Bucket == "" {
		return &ConfigError{Field: "backup.replication.s3.bucket", Message: "required for the s3 driver"}
	}
	if c.Backup.Replication.Driver == "fs" && c.Backup.Replication.FS.Root == "" {
		return &ConfigError{Field: "backup.replication.fs.root", Message: "required for the fs driver"}
	}
	return nil
}

// ConfigError represents a configuration error
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "config error in field '" + e.Field + "': " + e.Message
}
