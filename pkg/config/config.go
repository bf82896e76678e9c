// Package config loads the broker's own settings: where runs go, which
// backend to use and which policy files serve which profiles.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sameehj/aegix/pkg/logging"
	"github.com/sameehj/aegix/pkg/types"
	"gopkg.in/yaml.v3"
)

const (
	BackendDocker = "docker"
	BackendLocal  = "local"
	BackendRemote = "remote"
)

// Config defines runtime settings for the broker.
type Config struct {
	RunsDir         string            `yaml:"runs_dir"`
	DefaultImage    string            `yaml:"default_image"`
	LogLevel        string            `yaml:"log_level"`
	LogFormat       string            `yaml:"log_format"`
	IndexPath       string            `yaml:"index_path"`
	MaxConcurrent   int               `yaml:"max_concurrent"`
	TeardownTimeout string            `yaml:"teardown_timeout"`
	Backend         BackendConfig     `yaml:"backend"`
	Policies        map[string]string `yaml:"policies"`
	WatchPolicies   bool              `yaml:"watch_policies"`
}

type BackendConfig struct {
	Kind      string `yaml:"kind"`
	Address   string `yaml:"address"`
	DockerBin string `yaml:"docker_bin"`
	LocalRoot string `yaml:"local_root"`
}

func Default() *Config {
	return &Config{
		RunsDir:         "runs",
		DefaultImage:    "python:3.11-slim",
		LogLevel:        "info",
		LogFormat:       "text",
		MaxConcurrent:   4,
		TeardownTimeout: "30s",
		Backend:         BackendConfig{Kind: BackendDocker},
		Policies:        map[string]string{},
	}
}

// LoadConfig loads configuration from a YAML file and environment overrides.
// An empty path skips the file. Relative paths inside the file resolve
// against the file's directory.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parse config: %w", err)
		}
		cfg.resolvePaths(filepath.Dir(path))
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDefault loads DefaultConfigPath, tolerating its absence.
func LoadDefault() (*Config, error) {
	path := DefaultConfigPath()
	if os.Getenv("AEGIX_CONFIG") == "" {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return LoadConfig("")
		}
	}
	return LoadConfig(path)
}

// DefaultConfigPath returns the default location for the CLI config file.
func DefaultConfigPath() string {
	if path := os.Getenv("AEGIX_CONFIG"); path != "" {
		return path
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".aegix", "config.yaml")
}

func (c *Config) applyEnv() error {
	strOverrides := map[string]*string{
		"AEGIX_RUNS_DIR":      &c.RunsDir,
		"AEGIX_DEFAULT_IMAGE": &c.DefaultImage,
		"AEGIX_LOG_LEVEL":     &c.LogLevel,
		"AEGIX_LOG_FORMAT":    &c.LogFormat,
		"AEGIX_INDEX_PATH":    &c.IndexPath,
		"AEGIX_BACKEND":       &c.Backend.Kind,
		"AEGIX_BACKEND_ADDR":  &c.Backend.Address,
	}
	for key, dst := range strOverrides {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	if v := os.Getenv("AEGIX_MAX_CONCURRENT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("AEGIX_MAX_CONCURRENT: %w", err)
		}
		c.MaxConcurrent = n
	}
	return nil
}

func (c *Config) resolvePaths(base string) {
	resolve := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(base, p)
	}
	c.RunsDir = resolve(c.RunsDir)
	c.IndexPath = resolve(c.IndexPath)
	c.Backend.LocalRoot = resolve(c.Backend.LocalRoot)
	for profile, p := range c.Policies {
		c.Policies[profile] = resolve(p)
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	switch c.Backend.Kind {
	case BackendDocker, BackendLocal:
	case BackendRemote:
		if strings.TrimSpace(c.Backend.Address) == "" {
			errs = append(errs, errors.New("backend.address is required for the remote backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown backend kind %q (want docker, local or remote)", c.Backend.Kind))
	}
	if c.MaxConcurrent < 1 {
		errs = append(errs, fmt.Errorf("max_concurrent must be at least 1, got %d", c.MaxConcurrent))
	}
	if _, err := time.ParseDuration(c.TeardownTimeout); err != nil {
		errs = append(errs, fmt.Errorf("teardown_timeout: %w", err))
	}
	if strings.TrimSpace(c.RunsDir) == "" {
		errs = append(errs, errors.New("runs_dir is required"))
	}
	if !logging.ValidFormat(c.LogFormat) {
		errs = append(errs, fmt.Errorf("log_format must be json or text, got %q", c.LogFormat))
	}
	for _, profile := range c.Profiles() {
		if strings.TrimSpace(c.Policies[profile]) == "" {
			errs = append(errs, fmt.Errorf("policies.%s: path is required", profile))
		}
	}
	return errors.Join(errs...)
}

// Teardown returns the parsed teardown timeout.
func (c *Config) Teardown() time.Duration {
	d, err := time.ParseDuration(c.TeardownTimeout)
	if err != nil {
		return 0
	}
	return d
}

// Profiles returns the configured profile names in order.
func (c *Config) Profiles() []string {
	names := make([]string, 0, len(c.Policies))
	for name := range c.Policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// PolicyPaths returns the profile to file map with override applied as the
// default profile when non-empty.
func (c *Config) PolicyPaths(override string) map[string]string {
	paths := make(map[string]string, len(c.Policies)+1)
	for name, p := range c.Policies {
		paths[name] = p
	}
	if override != "" {
		paths[types.DefaultProfile] = override
	}
	return paths
}
