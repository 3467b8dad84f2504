// Package config loads rackctl configuration.
//
// Sources, later ones overriding earlier ones:
//  1. Default values
//  2. The YAML configuration file (--config, or ./rackcore.yaml when present)
//  3. Environment variables with the RACKCORE_ prefix
//
// Nested keys map to environment variables by replacing dots with
// underscores, e.g. RACKCORE_STORAGE_DRIVER=postgres or
// RACKCORE_BLOB_S3_BUCKET=inventory-snapshots.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"rackcore/internal/blob"
	"rackcore/internal/core"
)

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "RACKCORE"

// Config is the root configuration structure.
type Config struct {
	Storage StorageConfig `mapstructure:"storage"`
	Blob    BlobConfig    `mapstructure:"blob"`
	Log     LogConfig     `mapstructure:"log"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// StorageConfig selects the inventory backend.
type StorageConfig struct {
	// Driver is one of memory, sqlite or postgres.
	Driver string `mapstructure:"driver" validate:"oneof=memory sqlite postgres"`

	// SQLitePath is the database file used by the sqlite driver.
	SQLitePath string `mapstructure:"sqlite_path" validate:"required_if=Driver sqlite"`

	// PostgresDSN is the connection string used by the postgres driver.
	PostgresDSN string `mapstructure:"postgres_dsn" validate:"required_if=Driver postgres"`
}

// BlobConfig selects where snapshots are archived.
type BlobConfig struct {
	Driver string   `mapstructure:"driver" validate:"oneof=fs s3 memory"`
	FSRoot string   `mapstructure:"fs_root"`
	S3     S3Config `mapstructure:"s3"`
}

// S3Config holds S3 or MinIO connection settings.
type S3Config struct {
	Bucket          string `mapstructure:"bucket"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint" validate:"omitempty,url"`
	PathStyle       bool   `mapstructure:"path_style"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key" validate:"required_with=AccessKeyID"`
}

// LogConfig controls the CLI logger.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`

	// Format is text or json.
	Format string `mapstructure:"format" validate:"oneof=text json"`
}

// MetricsConfig selects the operation metrics backend.
type MetricsConfig struct {
	// Backend is none, expvar or prometheus.
	Backend string `mapstructure:"backend" validate:"oneof=none expvar prometheus"`

	// Textfile, when set with the prometheus backend, receives the
	// registry in text exposition format when the command exits.
	Textfile string `mapstructure:"textfile"`
}

// Core converts the storage section into the service's storage selector.
func (c StorageConfig) Core() core.StorageConfig {
	return core.StorageConfig{
		Driver:      core.StorageDriver(c.Driver),
		SQLitePath:  c.SQLitePath,
		PostgresDSN: c.PostgresDSN,
	}
}

// Blob converts the blob section into a backend selector.
func (c BlobConfig) Blob() blob.Config {
	return blob.Config{
		Driver: blob.Driver(c.Driver),
		FSRoot: c.FSRoot,
		S3: blob.S3Config{
			Region:          c.S3.Region,
			Bucket:          c.S3.Bucket,
			Endpoint:        c.S3.Endpoint,
			AccessKeyID:     c.S3.AccessKeyID,
			SecretAccessKey: c.S3.SecretAccessKey,
			PathStyle:       c.S3.PathStyle,
		},
	}
}

// Load reads configuration from cfgFile (or ./rackcore.yaml when cfgFile is
// empty) and the environment. A missing file is not an error.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("rackcore")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !isFileNotFoundError(err) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.sqlite_path", "rackcore.db")
	v.SetDefault("storage.postgres_dsn", "")

	v.SetDefault("blob.driver", "fs")
	v.SetDefault("blob.fs_root", "./blobdata")
	v.SetDefault("blob.s3.bucket", "")
	v.SetDefault("blob.s3.region", "us-east-1")
	v.SetDefault("blob.s3.endpoint", "")
	v.SetDefault("blob.s3.path_style", false)
	v.SetDefault("blob.s3.access_key_id", "")
	v.SetDefault("blob.s3.secret_access_key", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("metrics.backend", "none")
	v.SetDefault("metrics.textfile", "")
}

var validate = newValidator()

func newValidator() *validator.Validate {
	val := validator.New()
	val.RegisterStructValidation(func(sl validator.StructLevel) {
		b := sl.Current().Interface().(BlobConfig)
		if b.Driver == string(blob.DriverS3) && b.S3.Bucket == "" {
			sl.ReportError(b.S3.Bucket, "S3.Bucket", "Bucket", "required_for_s3", "")
		}
	}, BlobConfig{})
	return val
}

// Validate checks cfg against its struct constraints.
func Validate(cfg *Config) error {
	return validate.Struct(cfg)
}

func isFileNotFoundError(err error) bool {
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return errors.Is(pathErr, os.ErrNotExist)
	}
	return false
}
