// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-mpckit.
//
// go-mpckit is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

// Package config loads the mpckit process configuration: YAML on disk,
// MPCKIT_* environment overrides, then validation.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jeremyhahn/go-mpckit/pkg/adapters/logger"
	"github.com/jeremyhahn/go-mpckit/pkg/mpc"
	"github.com/jeremyhahn/go-mpckit/pkg/ratelimit"
	"github.com/jeremyhahn/go-mpckit/pkg/storage"
	"github.com/jeremyhahn/go-mpckit/pkg/storage/file"
	"github.com/jeremyhahn/go-mpckit/pkg/tss"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "MPCKIT_"

// ErrInvalidConfig is wrapped by every ValidationError.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// ValidationError names the field that failed validation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidConfig
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Config is the complete process configuration.
type Config struct {
	Engine   EngineConfig   `yaml:"engine"`
	Nodes    NodesConfig    `yaml:"nodes"`
	Identity IdentityConfig `yaml:"identity"`
	Metadata MetadataConfig `yaml:"metadata"`
	Session  SessionConfig  `yaml:"session"`
	Storage  StorageConfig  `yaml:"storage"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Server   ServerConfig   `yaml:"server"`
}

// EngineConfig maps onto mpc.Options.
type EngineConfig struct {
	ClientID            string        `yaml:"client_id"`
	KeyType             string        `yaml:"key_type"`
	TSSTag              string        `yaml:"tss_tag"`
	ManualSync          bool          `yaml:"manual_sync"`
	DisableHashedFactor bool          `yaml:"disable_hashed_factor"`
	SessionTTL          time.Duration `yaml:"session_ttl"`
	ConnectTimeout      time.Duration `yaml:"connect_timeout"`
	ServerThreshold     int           `yaml:"server_threshold"`
}

// NodesConfig sizes the in-process signing cluster used by the demo.
type NodesConfig struct {
	Servers   int `yaml:"servers"`
	Threshold int `yaml:"threshold"`
}

// IdentityConfig configures the HMAC id-token verifier used by the demo.
type IdentityConfig struct {
	Issuer   string `yaml:"issuer"`
	Verifier string `yaml:"verifier"`
	Secret   string `yaml:"secret"`
}

// MetadataConfig points at the metadata service. An empty URL selects
// the in-process store.
type MetadataConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// SessionConfig points at the session service. An empty URL selects the
// in-process store.
type SessionConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
}

// StorageConfig selects the device storage backend.
type StorageConfig struct {
	Backend   string `yaml:"backend"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// ServerConfig configures the development backend.
type ServerConfig struct {
	Address      string          `yaml:"address"`
	ReadTimeout  time.Duration   `yaml:"read_timeout"`
	WriteTimeout time.Duration   `yaml:"write_timeout"`
	RateLimit    RateLimitConfig `yaml:"ratelimit"`

	// AllowedOrigins limits CORS. Empty allows any origin.
	AllowedOrigins []string `yaml:"allowed_origins,omitempty"`
}

type RateLimitConfig struct {
	Enabled        bool `yaml:"enabled"`
	RequestsPerMin int  `yaml:"requests_per_min"`
	Burst          int  `yaml:"burst"`
}

// Default returns a configuration that validates and runs entirely in
// process.
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			ClientID:       "mpckit-dev",
			KeyType:        string(tss.KeySecp256k1),
			TSSTag:         mpc.DefaultTSSTag,
			SessionTTL:     24 * time.Hour,
			ConnectTimeout: mpc.DefaultConnectTimeout,
		},
		Nodes: NodesConfig{Servers: 5, Threshold: 3},
		Identity: IdentityConfig{
			Issuer:   "https://issuer.mpckit.local",
			Verifier: "mpckit-dev",
		},
		Metadata: MetadataConfig{Timeout: 30 * time.Second},
		Session:  SessionConfig{Enabled: true},
		Storage:  StorageConfig{Backend: "memory", Namespace: mpc.DefaultStorageKey},
		Logging:  LoggingConfig{Level: "info", Format: "text"},
		Metrics:  MetricsConfig{Enabled: true, Path: "/metrics"},
		Server: ServerConfig{
			Address:      "127.0.0.1:8420",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			RateLimit:    RateLimitConfig{Enabled: true, RequestsPerMin: 600, Burst: 60},
		},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		// #nosec G304 - path is chosen by the operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := applyEnvOverrides(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Write stores cfg as YAML, creating parent directories.
func (c *Config) Write(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: encode: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("config: create directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}

type lookupFunc func(string) (string, bool)

func applyEnvOverrides(cfg *Config, lookup lookupFunc) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			*dst = v
		}
	}
	boolean := func(name string, dst *bool) error {
		v, ok := lookup(EnvPrefix + name)
		if !ok || v == "" {
			return nil
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return invalid(EnvPrefix+name, "not a boolean: %q", v)
		}
		*dst = b
		return nil
	}
	integer := func(name string, dst *int) error {
		v, ok := lookup(EnvPrefix + name)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return invalid(EnvPrefix+name, "not an integer: %q", v)
		}
		*dst = n
		return nil
	}
	duration := func(name string, dst *time.Duration) error {
		v, ok := lookup(EnvPrefix + name)
		if !ok || v == "" {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return invalid(EnvPrefix+name, "not a duration: %q", v)
		}
		*dst = d
		return nil
	}

	str("CLIENT_ID", &cfg.Engine.ClientID)
	str("KEY_TYPE", &cfg.Engine.KeyType)
	str("TSS_TAG", &cfg.Engine.TSSTag)
	str("IDENTITY_ISSUER", &cfg.Identity.Issuer)
	str("IDENTITY_VERIFIER", &cfg.Identity.Verifier)
	str("IDENTITY_SECRET", &cfg.Identity.Secret)
	str("METADATA_URL", &cfg.Metadata.URL)
	str("SESSION_URL", &cfg.Session.URL)
	str("STORAGE_BACKEND", &cfg.Storage.Backend)
	str("STORAGE_PATH", &cfg.Storage.Path)
	str("LOG_LEVEL", &cfg.Logging.Level)
	str("LOG_FORMAT", &cfg.Logging.Format)
	str("SERVER_ADDRESS", &cfg.Server.Address)
	if v, ok := lookup(EnvPrefix + "SERVER_ALLOWED_ORIGINS"); ok && v != "" {
		cfg.Server.AllowedOrigins = strings.Split(v, ",")
	}

	return errors.Join(
		boolean("MANUAL_SYNC", &cfg.Engine.ManualSync),
		boolean("DISABLE_HASHED_FACTOR", &cfg.Engine.DisableHashedFactor),
		boolean("SESSION_ENABLED", &cfg.Session.Enabled),
		boolean("METRICS_ENABLED", &cfg.Metrics.Enabled),
		boolean("RATELIMIT_ENABLED", &cfg.Server.RateLimit.Enabled),
		integer("SERVER_THRESHOLD", &cfg.Engine.ServerThreshold),
		integer("RATELIMIT_REQUESTS_PER_MIN", &cfg.Server.RateLimit.RequestsPerMin),
		duration("SESSION_TTL", &cfg.Engine.SessionTTL),
		duration("CONNECT_TIMEOUT", &cfg.Engine.ConnectTimeout),
		duration("METADATA_TIMEOUT", &cfg.Metadata.Timeout),
	)
}

// Validate checks every section.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Engine.ClientID) == "" {
		return invalid("engine.client_id", "required")
	}
	switch tss.KeyType(c.Engine.KeyType) {
	case tss.KeySecp256k1, tss.KeyEd25519:
	default:
		return invalid("engine.key_type", "must be %s or %s", tss.KeySecp256k1, tss.KeyEd25519)
	}
	if c.Engine.SessionTTL < 0 {
		return invalid("engine.session_ttl", "must not be negative")
	}
	if c.Engine.ConnectTimeout < 0 {
		return invalid("engine.connect_timeout", "must not be negative")
	}
	if c.Nodes.Threshold < 1 || c.Nodes.Threshold > c.Nodes.Servers {
		return invalid("nodes.threshold", "%d of %d servers", c.Nodes.Threshold, c.Nodes.Servers)
	}
	if c.Engine.ServerThreshold < 0 || c.Engine.ServerThreshold > c.Nodes.Servers {
		return invalid("engine.server_threshold", "%d of %d servers", c.Engine.ServerThreshold, c.Nodes.Servers)
	}
	if c.Metadata.Timeout < 0 {
		return invalid("metadata.timeout", "must not be negative")
	}

	switch c.Storage.Backend {
	case "memory":
	case "file":
		if c.Storage.Path == "" {
			return invalid("storage.path", "required for the file backend")
		}
	default:
		return invalid("storage.backend", "must be memory or file, got %q", c.Storage.Backend)
	}

	if _, err := logger.ParseLevel(c.Logging.Level); err != nil {
		return invalid("logging.level", "%v", err)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		return invalid("logging.format", "must be text or json, got %q", c.Logging.Format)
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return invalid("metrics.path", "must start with /")
	}
	if c.Server.Address == "" {
		return invalid("server.address", "required")
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerMin < 1 {
		return invalid("server.ratelimit.requests_per_min", "must be positive when enabled")
	}
	return nil
}

// Logger builds the process logger.
func (c *Config) Logger() logger.Logger {
	level, _ := logger.ParseLevel(c.Logging.Level)
	return logger.NewSlogAdapter(&logger.SlogConfig{
		Level:  level,
		Format: c.Logging.Format,
	})
}

// StorageBackend opens the configured device storage.
func (c *Config) StorageBackend() (storage.Backend, error) {
	if c.Storage.Backend == "file" {
		return file.New(c.Storage.Path)
	}
	return storage.NewMemory(), nil
}

// RateLimit returns the limiter configuration of the dev backend.
func (c *Config) RateLimit() *ratelimit.Config {
	return &ratelimit.Config{
		Enabled:           c.Server.RateLimit.Enabled,
		RequestsPerMinute: c.Server.RateLimit.RequestsPerMin,
		Burst:             c.Server.RateLimit.Burst,
	}
}

// ApplyEngine copies the engine section into opts. Collaborators are
// left for the caller to wire.
func (c *Config) ApplyEngine(opts *mpc.Options) {
	opts.ClientID = c.Engine.ClientID
	opts.KeyType = tss.KeyType(c.Engine.KeyType)
	opts.TSSTag = c.Engine.TSSTag
	opts.ManualSync = c.Engine.ManualSync
	opts.DisableHashedFactorKey = c.Engine.DisableHashedFactor
	opts.SessionTTL = c.Engine.SessionTTL
	opts.ConnectTimeout = c.Engine.ConnectTimeout
	opts.ServerThreshold = c.Engine.ServerThreshold
	if c.Storage.Namespace != "" {
		opts.StorageKey = c.Storage.Namespace
	}
}
