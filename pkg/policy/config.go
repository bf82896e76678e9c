package policy

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// SchemaVersion is the only policy document version this build understands.
const SchemaVersion = 1

//go:embed schema.json
var schemaJSON string

const schemaURL = "https://aegix.schemas.local/policy.schema.json"

var compiledSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(schemaURL, strings.NewReader(schemaJSON)); err != nil {
		return nil, fmt.Errorf("policy schema load failed: %w", err)
	}
	return c.Compile(schemaURL)
})

// Config is the full declarative policy. It is treated as immutable once an
// Engine has been built from it.
type Config struct {
	Version  int            `yaml:"version" json:"version"`
	Commands CommandRules   `yaml:"commands" json:"commands"`
	Network  NetworkRules   `yaml:"network" json:"network"`
	FS       FilesystemRule `yaml:"fs" json:"fs"`
	Limits   LimitsConfig   `yaml:"limits" json:"limits"`
	Env      EnvRules       `yaml:"env" json:"env"`
}

type CommandRules struct {
	DenyPatterns  []string `yaml:"deny_cmd_patterns" json:"deny_cmd_patterns"`
	AllowPatterns []string `yaml:"allow_cmd_patterns" json:"allow_cmd_patterns"`
}

type NetworkRules struct {
	Mode      NetworkMode `yaml:"mode" json:"mode"`
	Allowlist []string    `yaml:"allowlist" json:"allowlist"`
}

type LimitsConfig struct {
	Default Limits                    `yaml:"default" json:"default"`
	PerTool map[string]LimitsOverride `yaml:"per_tool" json:"per_tool"`
}

// EnvRules restricts which caller environment variables reach the sandbox.
// A nil Allowlist means no restriction.
type EnvRules struct {
	Allowlist []string `yaml:"allowlist" json:"allowlist"`
}

// DefaultConfig returns the built-in policy: no command patterns, no network,
// a single writable /workspace and the default limits.
func DefaultConfig() Config {
	return Config{
		Version:  SchemaVersion,
		Commands: CommandRules{DenyPatterns: []string{}, AllowPatterns: []string{}},
		Network:  NetworkRules{Mode: NetworkNone, Allowlist: []string{}},
		FS:       DefaultFilesystemRule(),
		Limits: LimitsConfig{
			Default: DefaultLimits(),
			PerTool: map[string]LimitsOverride{},
		},
	}
}

// ValidationError lists every problem found while loading a policy.
type ValidationError struct {
	Source     string
	Violations []string
}

func (e *ValidationError) Error() string {
	prefix := "invalid policy"
	if e.Source != "" {
		prefix += " " + e.Source
	}
	return prefix + ": " + strings.Join(e.Violations, "; ")
}

// Load reads and validates a policy file. Loading is all-or-nothing.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read policy: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			verr.Source = path
		}
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes and validates a YAML (or JSON) policy document.
func Parse(data []byte) (Config, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Config{}, fmt.Errorf("parse policy: %w", err)
	}
	if doc == nil {
		doc = map[string]any{}
	}
	if violations := schemaViolations(doc); len(violations) > 0 {
		return Config{}, &ValidationError{Violations: violations}
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse policy: %w", err)
	}
	cfg.normalize()

	if violations := cfg.violations(); len(violations) > 0 {
		return Config{}, &ValidationError{Violations: violations}
	}
	return cfg, nil
}

// Validate checks a Config built in code with the same rules Parse applies.
func (c Config) Validate() error {
	if violations := c.violations(); len(violations) > 0 {
		return &ValidationError{Violations: violations}
	}
	return nil
}

// Warnings reports settings that are accepted but discouraged.
func (c Config) Warnings() []string {
	var warnings []string
	if c.Env.Allowlist == nil {
		warnings = append(warnings, "env.allowlist is unset: every caller-supplied environment variable passes through")
	}
	if c.Network.Mode == NetworkAllowlist && len(c.Network.Allowlist) == 0 {
		warnings = append(warnings, "network.mode is allowlist but network.allowlist is empty: every invocation will be denied")
	}
	if c.Network.Mode != NetworkAllowlist && len(c.Network.Allowlist) > 0 {
		warnings = append(warnings, fmt.Sprintf("network.allowlist is ignored in %q mode", c.Network.Mode))
	}
	return warnings
}

// Dump serialises the effective policy with the same section layout it was
// loaded from.
func Dump(c Config) ([]byte, error) {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode policy: %w", err)
	}
	return append(data, '\n'), nil
}

func (c *Config) normalize() {
	if c.Commands.DenyPatterns == nil {
		c.Commands.DenyPatterns = []string{}
	}
	if c.Commands.AllowPatterns == nil {
		c.Commands.AllowPatterns = []string{}
	}
	if c.Network.Mode == "" {
		c.Network.Mode = NetworkNone
	}
	if c.Network.Allowlist == nil {
		c.Network.Allowlist = []string{}
	}
	if len(c.FS.WritePaths) == 0 {
		c.FS.WritePaths = DefaultFilesystemRule().WritePaths
	}
	if c.FS.ReadOnlyPaths == nil {
		c.FS.ReadOnlyPaths = []string{}
	}
	if c.Limits.PerTool == nil {
		c.Limits.PerTool = map[string]LimitsOverride{}
	}
}

func (c Config) violations() []string {
	var violations []string
	if c.Version != SchemaVersion {
		violations = append(violations, fmt.Sprintf("unsupported version %d (want %d)", c.Version, SchemaVersion))
	}
	if !c.Network.Mode.Valid() {
		violations = append(violations, fmt.Sprintf("invalid network mode %q", c.Network.Mode))
	}
	for _, pattern := range c.Commands.DenyPatterns {
		if _, err := regexp.Compile(pattern); err != nil {
			violations = append(violations, fmt.Sprintf("invalid deny pattern %q: %v", pattern, err))
		}
	}
	for _, pattern := range c.Commands.AllowPatterns {
		if _, err := regexp.Compile(pattern); err != nil {
			violations = append(violations, fmt.Sprintf("invalid allow pattern %q: %v", pattern, err))
		}
	}
	violations = append(violations, limitViolations("limits.default", c.Limits.Default)...)

	tools := make([]string, 0, len(c.Limits.PerTool))
	for tool := range c.Limits.PerTool {
		tools = append(tools, tool)
	}
	sort.Strings(tools)
	for _, tool := range tools {
		override := c.Limits.PerTool[tool]
		merged := c.Limits.Default.Merge(&override)
		violations = append(violations, limitViolations("limits.per_tool."+tool, merged)...)
	}
	return violations
}

func limitViolations(scope string, l Limits) []string {
	var violations []string
	if l.TimeoutS <= 0 {
		violations = append(violations, fmt.Sprintf("%s.timeout_s must be positive", scope))
	}
	if l.TimeoutS > MaxTimeoutS {
		violations = append(violations, fmt.Sprintf("%s.timeout_s must be at most %d", scope, MaxTimeoutS))
	}
	if l.CPU <= 0 {
		violations = append(violations, fmt.Sprintf("%s.cpu must be positive", scope))
	}
	if l.MemMB <= 0 {
		violations = append(violations, fmt.Sprintf("%s.mem_mb must be positive", scope))
	}
	if l.Pids <= 0 {
		violations = append(violations, fmt.Sprintf("%s.pids must be positive", scope))
	}
	return violations
}

func schemaViolations(doc any) []string {
	schema, err := compiledSchema()
	if err != nil {
		return []string{err.Error()}
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return []string{fmt.Sprintf("policy document is not representable as JSON: %v", err)}
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var value any
	if err := dec.Decode(&value); err != nil {
		return []string{fmt.Sprintf("policy document is not representable as JSON: %v", err)}
	}

	err = schema.Validate(value)
	if err == nil {
		return nil
	}
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return []string{err.Error()}
	}
	var violations []string
	for _, item := range verr.BasicOutput().Errors {
		if item.Error == "" || strings.HasPrefix(item.Error, "doesn't validate with") {
			continue
		}
		location := item.InstanceLocation
		if location == "" {
			location = "/"
		}
		violations = append(violations, location+": "+item.Error)
	}
	if len(violations) == 0 {
		violations = append(violations, verr.Error())
	}
	return violations
}
