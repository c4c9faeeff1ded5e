// Package config loads helm-ledger configuration from an optional YAML
// file and HELM_LEDGER_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/helm-ledger/pkg/artifacts"
)

// Store backends.
const (
	BackendFile     = "file"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Config holds ledger configuration.
type Config struct {
	DataDir  string `yaml:"data_dir"`
	LogLevel string `yaml:"log_level"`

	Store         StoreConfig         `yaml:"store"`
	Roots         RootsConfig         `yaml:"roots"`
	Signing       SigningConfig       `yaml:"signing"`
	Artifacts     artifacts.Config    `yaml:"artifacts"`
	Audit         AuditConfig         `yaml:"audit"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// StoreConfig selects the leaf store backend.
type StoreConfig struct {
	Backend     string `yaml:"backend"`  // "file" | "sqlite" | "postgres"
	LeafLog     string `yaml:"leaf_log"` // file backend
	DatabaseURL string `yaml:"database_url"`
}

type RootsConfig struct {
	EveryNLeaves int `yaml:"every_n_leaves"`
}

// SigningConfig configures the root signing authority.
type SigningConfig struct {
	Algorithm     string  `yaml:"algorithm"` // "HS256" | "EdDSA"
	KeyFile       string  `yaml:"key_file"`
	Authority     string  `yaml:"authority"`
	AllowGenerate bool    `yaml:"allow_generate"`
	TenantID      string  `yaml:"tenant_id"` // derive a per-tenant key from the master key
	RateLimit     float64 `yaml:"rate_limit"`
	Burst         int     `yaml:"burst"`
}

// AuditConfig configures integrity event delivery.
type AuditConfig struct {
	Stdout      bool   `yaml:"stdout"`
	RedisAddr   string `yaml:"redis_addr"`
	RedisStream string `yaml:"redis_stream"`
	RedisMaxLen int64  `yaml:"redis_max_len"`
	Filter      string `yaml:"filter"` // CEL expression over events
}

type ObservabilityConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`
	Insecure   bool    `yaml:"insecure"`
	SampleRate float64 `yaml:"sample_rate"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		DataDir:  "data",
		LogLevel: "INFO",
		Store: StoreConfig{
			Backend: BackendFile,
		},
		Roots: RootsConfig{EveryNLeaves: 100},
		Signing: SigningConfig{
			Algorithm: "HS256",
			Authority: "helm-ledger-root",
			Burst:     1,
		},
		Audit: AuditConfig{
			RedisStream: "helm:ledger:integrity",
		},
		Observability: ObservabilityConfig{
			Endpoint:   "localhost:4317",
			SampleRate: 1.0,
		},
	}
}

// Load reads path (when non-empty) over the defaults, then applies
// environment overrides and fills derived paths.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("load config %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %q: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.fillPaths()
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setString("HELM_LEDGER_DATA_DIR", &c.DataDir)
	setString("HELM_LEDGER_LOG_LEVEL", &c.LogLevel)
	setString("HELM_LEDGER_STORE", &c.Store.Backend)
	setString("HELM_LEDGER_LEAF_LOG", &c.Store.LeafLog)
	setString("HELM_LEDGER_DATABASE_URL", &c.Store.DatabaseURL)
	setString("HELM_LEDGER_SIGNING_ALG", &c.Signing.Algorithm)
	setString("HELM_LEDGER_KEY_FILE", &c.Signing.KeyFile)
	setString("HELM_LEDGER_AUTHORITY", &c.Signing.Authority)
	setString("HELM_LEDGER_TENANT_ID", &c.Signing.TenantID)
	setString("HELM_LEDGER_ARTIFACT_STORE", (*string)(&c.Artifacts.Type))
	setString("HELM_LEDGER_ARTIFACT_BUCKET", &c.Artifacts.Bucket)
	setString("HELM_LEDGER_AUDIT_REDIS_ADDR", &c.Audit.RedisAddr)
	setString("HELM_LEDGER_AUDIT_FILTER", &c.Audit.Filter)
	setString("HELM_LEDGER_OTLP_ENDPOINT", &c.Observability.Endpoint)

	if v := os.Getenv("HELM_LEDGER_EVERY_N_LEAVES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("HELM_LEDGER_EVERY_N_LEAVES: %w", err)
		}
		c.Roots.EveryNLeaves = n
	}
	if v := os.Getenv("HELM_LEDGER_ALLOW_KEYGEN"); v != "" {
		c.Signing.AllowGenerate = v == "true" || v == "1"
	}
	if v := os.Getenv("HELM_LEDGER_AUDIT_STDOUT"); v != "" {
		c.Audit.Stdout = v == "true" || v == "1"
	}
	if v := os.Getenv("HELM_LEDGER_OTEL_ENABLED"); v != "" {
		c.Observability.Enabled = v == "true" || v == "1"
	}
	return nil
}

func (c *Config) fillPaths() {
	if c.Store.LeafLog == "" {
		c.Store.LeafLog = filepath.Join(c.DataDir, "leaves.jsonl")
	}
	if c.Signing.KeyFile == "" {
		c.Signing.KeyFile = filepath.Join(c.DataDir, "root.key")
	}
}

// Validate rejects inconsistent settings.
func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Backend {
	case BackendFile:
		if c.Store.LeafLog == "" {
			errs = append(errs, errors.New("store.leaf_log is required for the file backend"))
		}
	case BackendSQLite, BackendPostgres:
		if c.Store.DatabaseURL == "" {
			errs = append(errs, fmt.Errorf("store.database_url is required for the %s backend", c.Store.Backend))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store backend %q", c.Store.Backend))
	}
	if c.Roots.EveryNLeaves < 1 {
		errs = append(errs, fmt.Errorf("roots.every_n_leaves must be >= 1, got %d", c.Roots.EveryNLeaves))
	}
	switch c.Signing.Algorithm {
	case "HS256", "EdDSA":
	default:
		errs = append(errs, fmt.Errorf("unsupported signing algorithm %q", c.Signing.Algorithm))
	}
	if c.Signing.Authority == "" {
		errs = append(errs, errors.New("signing.authority is required"))
	}
	if c.Signing.RateLimit < 0 || (c.Signing.RateLimit > 0 && c.Signing.Burst < 1) {
		errs = append(errs, errors.New("signing.rate_limit needs a positive burst"))
	}
	if c.Audit.RedisMaxLen < 0 {
		errs = append(errs, errors.New("audit.redis_max_len must not be negative"))
	}
	if c.Observability.SampleRate < 0 || c.Observability.SampleRate > 1 {
		errs = append(errs, fmt.Errorf("observability.sample_rate must be within [0, 1], got %v", c.Observability.SampleRate))
	}
	return errors.Join(errs...)
}
