// Copyright 2026 The Glyphd Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for glyphd.
//
// Configuration is loaded from a single YAML file specified by the
// GLYPHD_CONFIG environment variable or the --config flag. There are
// no fallbacks or automatic discovery; the config file is the single
// source of truth, and the only expansion performed is ${VAR} path
// variables for portability.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "30s" or "5m".
type Duration time.Duration

// UnmarshalYAML parses Go duration syntax.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders Go duration syntax.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the master configuration for glyphd.
type Config struct {
	// Listen is the TCP listen address.
	Listen string `yaml:"listen"`

	// AllowedRoots are the absolute project root directories the
	// path validator accepts. All roots must share a common parent
	// directory. Typically the development and production project
	// trees.
	AllowedRoots []string `yaml:"allowed_roots"`

	Registry RegistryConfig `yaml:"registry"`
	Favicon  FaviconConfig  `yaml:"favicon"`
	Images   ImagesConfig   `yaml:"images"`
	State    StateConfig    `yaml:"state"`
	Breaker  BreakerConfig  `yaml:"breaker"`
	Notify   NotifyConfig   `yaml:"notify"`
	HTTP     HTTPConfig     `yaml:"http"`
}

// RegistryConfig configures the project registry cache.
type RegistryConfig struct {
	// Path is the registry file (JSON, JSONC tolerated).
	Path string `yaml:"path"`

	// TTL is how long a loaded registry view is served without
	// re-reading the file.
	TTL Duration `yaml:"ttl"`

	// DebounceDelay coalesces rapid file-change events before the
	// cache is invalidated.
	DebounceDelay Duration `yaml:"debounce_delay"`

	// PollInterval is the change-detection cadence when filesystem
	// notification is unavailable.
	PollInterval Duration `yaml:"poll_interval"`

	// PollOnly disables filesystem notification and always polls.
	PollOnly bool `yaml:"poll_only"`
}

// FaviconConfig configures favicon generation and caching.
type FaviconConfig struct {
	// CacheCapacity is the maximum number of rendered favicons kept
	// in memory.
	CacheCapacity int `yaml:"cache_capacity"`
}

// ImagesConfig configures the pasted-image store.
type ImagesConfig struct {
	// Dir is the store root directory.
	Dir string `yaml:"dir"`

	// MaxUploadBytes caps a single image upload.
	MaxUploadBytes int64 `yaml:"max_upload_bytes"`
}

// StateConfig configures persistent service state.
type StateConfig struct {
	// DBPath is the SQLite state database file.
	DBPath string `yaml:"db_path"`
}

// BreakerConfig configures the notification relay circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the consecutive-failure count that opens
	// the breaker.
	FailureThreshold int `yaml:"failure_threshold"`

	// InitialBackoff is the first open window; it doubles on each
	// failed recovery up to MaxBackoff.
	InitialBackoff Duration `yaml:"initial_backoff"`
	MaxBackoff     Duration `yaml:"max_backoff"`
}

// NotifyConfig configures the notification relay.
type NotifyConfig struct {
	// UpstreamURL, when set, makes this instance relay notifications
	// from another glyphd (poll its queue and merge into the local
	// one). The upstream poll is guarded by the circuit breaker.
	UpstreamURL string `yaml:"upstream_url"`

	// PollInterval is the upstream polling cadence.
	PollInterval Duration `yaml:"poll_interval"`

	// AttemptTimeout bounds each upstream fetch.
	AttemptTimeout Duration `yaml:"attempt_timeout"`
}

// HTTPConfig configures the outer HTTP surface.
type HTTPConfig struct {
	// RateLimitPerSecond and RateLimitBurst bound per-client request
	// rates. Zero disables rate limiting.
	RateLimitPerSecond float64 `yaml:"rate_limit_per_second"`
	RateLimitBurst     int     `yaml:"rate_limit_burst"`

	// AdminTokenHash is the bcrypt hash admin requests authenticate
	// against. Empty disables the admin surface.
	AdminTokenHash string `yaml:"admin_token_hash"`

	// CORSOrigins are the origins allowed to call the API from a
	// browser. The browser extension's origin goes here.
	CORSOrigins []string `yaml:"cors_origins"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// Default returns the default configuration. These defaults exist to
// give every field a sensible value before the config file is merged
// in, not to make the file optional.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	defaultRoot := filepath.Join(homeDir, ".local", "share", "glyphd")

	return &Config{
		Listen: "127.0.0.1:8787",
		Registry: RegistryConfig{
			TTL:           Duration(30 * time.Second),
			DebounceDelay: Duration(500 * time.Millisecond),
			PollInterval:  Duration(2 * time.Second),
		},
		Favicon: FaviconConfig{
			CacheCapacity: 256,
		},
		Images: ImagesConfig{
			Dir:            filepath.Join(defaultRoot, "images"),
			MaxUploadBytes: 8 * 1024 * 1024,
		},
		State: StateConfig{
			DBPath: filepath.Join(defaultRoot, "state.db"),
		},
		Breaker: BreakerConfig{
			FailureThreshold: 3,
			InitialBackoff:   Duration(5 * time.Second),
			MaxBackoff:       Duration(5 * time.Minute),
		},
		Notify: NotifyConfig{
			PollInterval:   Duration(5 * time.Second),
			AttemptTimeout: Duration(3 * time.Second),
		},
		HTTP: HTTPConfig{
			RateLimitPerSecond: 20,
			RateLimitBurst:     40,
			ShutdownTimeout:    Duration(10 * time.Second),
		},
	}
}

// Load loads configuration from the GLYPHD_CONFIG environment
// variable. Fails if it is unset; there are no hidden fallbacks.
func Load() (*Config, error) {
	configPath := os.Getenv("GLYPHD_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("GLYPHD_CONFIG environment variable not set; " +
			"set it to the path of your glyphd.yaml config file, or use --config flag")
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path, layered
// over Default().
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	cfg.expandVariables()
	return cfg, nil
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in
// paths.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}

	for i, root := range c.AllowedRoots {
		c.AllowedRoots[i] = expandVars(root, vars)
	}
	c.Registry.Path = expandVars(c.Registry.Path, vars)
	c.Images.Dir = expandVars(c.Images.Dir, vars)
	c.State.DBPath = expandVars(c.State.DBPath, vars)
}

// expandVars expands ${VAR} and ${VAR:-default} patterns.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors. All problems are
// reported at once so an operator fixes the file in one pass.
func (c *Config) Validate() error {
	var errs []error

	if c.Listen == "" {
		errs = append(errs, fmt.Errorf("listen is required"))
	}

	if len(c.AllowedRoots) == 0 {
		errs = append(errs, fmt.Errorf("allowed_roots is required"))
	}
	var parent string
	for _, root := range c.AllowedRoots {
		if !filepath.IsAbs(root) {
			errs = append(errs, fmt.Errorf("allowed root %q is not absolute", root))
			continue
		}
		if strings.TrimRight(root, "/") == "" {
			errs = append(errs, fmt.Errorf("allowed root must not be the filesystem root"))
			continue
		}
		rootParent := filepath.Dir(filepath.Clean(root))
		if parent == "" {
			parent = rootParent
		} else if rootParent != parent {
			errs = append(errs, fmt.Errorf("allowed roots must share one parent directory: %q is under %q, want %q", root, rootParent, parent))
		}
	}

	if c.Registry.Path == "" {
		errs = append(errs, fmt.Errorf("registry.path is required"))
	}
	if c.Registry.TTL <= 0 {
		errs = append(errs, fmt.Errorf("registry.ttl must be positive"))
	}
	if c.Registry.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("registry.poll_interval must be positive"))
	}

	if c.Favicon.CacheCapacity <= 0 {
		errs = append(errs, fmt.Errorf("favicon.cache_capacity must be positive"))
	}

	if c.Images.Dir == "" {
		errs = append(errs, fmt.Errorf("images.dir is required"))
	}
	if c.Images.MaxUploadBytes <= 0 {
		errs = append(errs, fmt.Errorf("images.max_upload_bytes must be positive"))
	}

	if c.State.DBPath == "" {
		errs = append(errs, fmt.Errorf("state.db_path is required"))
	}

	if c.Breaker.FailureThreshold <= 0 {
		errs = append(errs, fmt.Errorf("breaker.failure_threshold must be positive"))
	}
	if c.Breaker.InitialBackoff <= 0 {
		errs = append(errs, fmt.Errorf("breaker.initial_backoff must be positive"))
	}
	if c.Breaker.MaxBackoff < c.Breaker.InitialBackoff {
		errs = append(errs, fmt.Errorf("breaker.max_backoff must be >= breaker.initial_backoff"))
	}

	if c.Notify.UpstreamURL != "" {
		if c.Notify.PollInterval <= 0 {
			errs = append(errs, fmt.Errorf("notify.poll_interval must be positive"))
		}
		if c.Notify.AttemptTimeout <= 0 {
			errs = append(errs, fmt.Errorf("notify.attempt_timeout must be positive"))
		}
	}

	if c.HTTP.RateLimitPerSecond < 0 {
		errs = append(errs, fmt.Errorf("http.rate_limit_per_second must not be negative"))
	}
	if c.HTTP.RateLimitPerSecond > 0 && c.HTTP.RateLimitBurst <= 0 {
		errs = append(errs, fmt.Errorf("http.rate_limit_burst must be positive when rate limiting is on"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// EnsurePaths creates the directories the service writes to. The
// allowed roots and registry file belong to the operator and are
// never created here.
func (c *Config) EnsurePaths() error {
	paths := []string{
		c.Images.Dir,
		filepath.Dir(c.State.DBPath),
	}
	for _, path := range paths {
		if path == "" {
			continue
		}
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
	}
	return nil
}
