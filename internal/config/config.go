// Package config loads blobmetricsd configuration from a YAML file with
// BLOBMETRICS_* environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "blobmetrics"

// PathEnvVar names the config file when no path is given.
const PathEnvVar = "BLOBMETRICS_CONFIG"

// Metrics store backends.
const (
	StoreMemory = "memory"
	StoreSQL    = "sql"
	StoreBadger = "badger"
	StoreOxia   = "oxia"
)

// Object store backends.
const (
	ObjectStoreMemory = "memory"
	ObjectStoreS3     = "s3"
)

// Content codecs.
const (
	CodecNone   = "none"
	CodecSnappy = "snappy"
	CodecLZ4    = "lz4"
	CodecZstd   = "zstd"
)

// Config holds all configuration for blobmetricsd.
type Config struct {
	Metrics       MetricsConfig       `yaml:"metrics"`
	Store         StoreConfig         `yaml:"store"`
	ObjectStore   ObjectStoreConfig   `yaml:"objectStore"`
	BlobStores    []BlobStoreConfig   `yaml:"blobStores" ignored:"true"`
	Server        ServerConfig        `yaml:"server"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// MetricsConfig controls the flush cycle.
type MetricsConfig struct {
	FlushInterval time.Duration `yaml:"flushInterval" envconfig:"BLOBMETRICS_FLUSH_INTERVAL"`
	// Writer prefixes the writer ID in flush tokens, for example a node
	// name. A random suffix is always added per blob store and process.
	Writer string `yaml:"writer" envconfig:"BLOBMETRICS_WRITER"`
}

// StoreConfig selects where aggregates are persisted.
type StoreConfig struct {
	Backend    string     `yaml:"backend" envconfig:"BLOBMETRICS_STORE_BACKEND"`
	DataDir    string     `yaml:"dataDir" envconfig:"BLOBMETRICS_STORE_DATA_DIR"`
	MaxRetries int        `yaml:"maxRetries" envconfig:"BLOBMETRICS_STORE_MAX_RETRIES"`
	Oxia       OxiaConfig `yaml:"oxia"`
}

// OxiaConfig locates the Oxia cluster for the oxia backend.
type OxiaConfig struct {
	ServiceAddress string        `yaml:"serviceAddress" envconfig:"BLOBMETRICS_OXIA_ADDRESS"`
	Namespace      string        `yaml:"namespace" envconfig:"BLOBMETRICS_OXIA_NAMESPACE"`
	RequestTimeout time.Duration `yaml:"requestTimeout" envconfig:"BLOBMETRICS_OXIA_REQUEST_TIMEOUT"`
}

// ObjectStoreConfig selects where blob content is kept.
type ObjectStoreConfig struct {
	Backend      string `yaml:"backend" envconfig:"BLOBMETRICS_OBJECT_STORE_BACKEND"`
	Endpoint     string `yaml:"endpoint" envconfig:"BLOBMETRICS_S3_ENDPOINT"`
	Bucket       string `yaml:"bucket" envconfig:"BLOBMETRICS_S3_BUCKET"`
	Region       string `yaml:"region" envconfig:"BLOBMETRICS_S3_REGION"`
	AccessKey    string `yaml:"accessKey" envconfig:"BLOBMETRICS_S3_ACCESS_KEY"`
	SecretKey    string `yaml:"secretKey" envconfig:"BLOBMETRICS_S3_SECRET_KEY"`
	UsePathStyle bool   `yaml:"usePathStyle" envconfig:"BLOBMETRICS_S3_PATH_STYLE"`
}

// BlobStoreConfig declares a blob store created at startup.
type BlobStoreConfig struct {
	Name  string `yaml:"name"`
	Codec string `yaml:"codec"`
}

// ServerConfig configures the admin and health HTTP listener.
type ServerConfig struct {
	ListenAddr      string        `yaml:"listenAddr" envconfig:"BLOBMETRICS_LISTEN_ADDR"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" envconfig:"BLOBMETRICS_SHUTDOWN_TIMEOUT"`

	// TLS is enabled when both files are set. Changed files are picked up
	// every TLSReloadInterval.
	TLSCertFile       string        `yaml:"tlsCertFile" envconfig:"BLOBMETRICS_TLS_CERT_FILE"`
	TLSKeyFile        string        `yaml:"tlsKeyFile" envconfig:"BLOBMETRICS_TLS_KEY_FILE"`
	TLSReloadInterval time.Duration `yaml:"tlsReloadInterval" envconfig:"BLOBMETRICS_TLS_RELOAD_INTERVAL"`
}

// TLSEnabled reports whether a certificate pair is configured.
func (c ServerConfig) TLSEnabled() bool {
	return c.TLSCertFile != "" && c.TLSKeyFile != ""
}

// ObservabilityConfig configures logging and the Prometheus endpoint.
type ObservabilityConfig struct {
	MetricsAddr string `yaml:"metricsAddr" envconfig:"BLOBMETRICS_METRICS_ADDR"`
	LogLevel    string `yaml:"logLevel" envconfig:"BLOBMETRICS_LOG_LEVEL"`
	LogFormat   string `yaml:"logFormat" envconfig:"BLOBMETRICS_LOG_FORMAT"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Metrics: MetricsConfig{
			FlushInterval: 2 * time.Second,
		},
		Store: StoreConfig{
			Backend:    StoreMemory,
			MaxRetries: 32,
			Oxia: OxiaConfig{
				ServiceAddress: "localhost:6648",
				Namespace:      "blobmetrics",
				RequestTimeout: 30 * time.Second,
			},
		},
		ObjectStore: ObjectStoreConfig{
			Backend: ObjectStoreMemory,
			Region:  "us-east-1",
		},
		BlobStores: []BlobStoreConfig{
			{Name: "default", Codec: CodecNone},
		},
		Server: ServerConfig{
			ListenAddr:        ":8081",
			ShutdownTimeout:   10 * time.Second,
			TLSReloadInterval: 30 * time.Second,
		},
		Observability: ObservabilityConfig{
			MetricsAddr: ":9090",
			LogLevel:    "info",
			LogFormat:   "json",
		},
	}
}

// Load reads the file named by BLOBMETRICS_CONFIG, if set, and applies
// environment overrides.
func Load() (*Config, error) {
	return LoadFromPath(os.Getenv(PathEnvVar))
}

// LoadFromPath reads path on top of Default, applies environment overrides
// and validates the result. An empty path skips the file.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("config: environment: %w", err)
	}
	for i := range cfg.BlobStores {
		if cfg.BlobStores[i].Codec == "" {
			cfg.BlobStores[i].Codec = CodecNone
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for errors that would prevent startup.
func (c *Config) Validate() error {
	var errs []error

	if c.Metrics.FlushInterval <= 0 {
		errs = append(errs, fmt.Errorf("metrics.flushInterval must be positive, got %s", c.Metrics.FlushInterval))
	}

	switch c.Store.Backend {
	case StoreMemory, StoreSQL, StoreBadger:
	case StoreOxia:
		if c.Store.Oxia.ServiceAddress == "" {
			errs = append(errs, errors.New("store.oxia.serviceAddress is required for the oxia backend"))
		}
		if c.Store.Oxia.Namespace == "" {
			errs = append(errs, errors.New("store.oxia.namespace is required for the oxia backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.backend %q is not one of memory, sql, badger, oxia", c.Store.Backend))
	}
	if c.Store.Backend == StoreBadger && c.Store.DataDir == "" {
		errs = append(errs, errors.New("store.dataDir is required for the badger backend"))
	}

	switch c.ObjectStore.Backend {
	case ObjectStoreMemory:
	case ObjectStoreS3:
		if c.ObjectStore.Bucket == "" {
			errs = append(errs, errors.New("objectStore.bucket is required for the s3 backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("objectStore.backend %q is not one of memory, s3", c.ObjectStore.Backend))
	}

	if (c.Server.TLSCertFile == "") != (c.Server.TLSKeyFile == "") {
		errs = append(errs, errors.New("server.tlsCertFile and server.tlsKeyFile must be set together"))
	}

	seen := make(map[string]bool, len(c.BlobStores))
	for i, bs := range c.BlobStores {
		if bs.Name == "" {
			errs = append(errs, fmt.Errorf("blobStores[%d].name is required", i))
			continue
		}
		if seen[bs.Name] {
			errs = append(errs, fmt.Errorf("blobStores[%d]: duplicate name %q", i, bs.Name))
		}
		seen[bs.Name] = true
		switch bs.Codec {
		case "", CodecNone, CodecSnappy, CodecLZ4, CodecZstd:
		default:
			errs = append(errs, fmt.Errorf("blobStores[%d].codec %q is not one of none, snappy, lz4, zstd", i, bs.Codec))
		}
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: invalid: %w", err)
	}
	return nil
}
