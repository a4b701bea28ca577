// Package config loads the agent's settings from a YAML file and the
// environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/riccardocaporali/AICodeAgent/agentloop"
	"github.com/riccardocaporali/AICodeAgent/runstore"
	"github.com/riccardocaporali/AICodeAgent/unifiedllm"
)

// DefaultPath is the config file the CLI reads when --config is not given.
const DefaultPath = ".aicodeagent.yaml"

const (
	EnvProvider  = "AICODEAGENT_PROVIDER"
	EnvModel     = "AICODEAGENT_MODEL"
	EnvOutputDir = runstore.OutputDirEnv
)

// Config holds all agent configuration.
type Config struct {
	LLM     LLMConfig     `yaml:"llm"`
	Paths   PathsConfig   `yaml:"paths"`
	Runs    RunsConfig    `yaml:"runs"`
	Tools   ToolsConfig   `yaml:"tools"`
	Retry   RetryConfig   `yaml:"retry"`
	Logging LoggingConfig `yaml:"logging"`
}

// LLMConfig selects the model backend.
type LLMConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	APIKey   string `yaml:"api_key,omitempty"`
	// CannedDir holds the recorded responses replayed with --offline.
	CannedDir string `yaml:"canned_dir"`
}

// PathsConfig locates the project and the directories inside it.
type PathsConfig struct {
	ProjectRoot string `yaml:"project_root"`
	CodeDir     string `yaml:"code_dir"`
	DemoDir     string `yaml:"demo_dir"`
	OutputDir   string `yaml:"output_dir"`
}

// RunsConfig bounds the run directories and the loop.
type RunsConfig struct {
	Retention       int `yaml:"retention"`
	RolloverCeiling int `yaml:"rollover_ceiling"`
	MaxIterations   int `yaml:"max_iterations"`
}

// ToolsConfig tunes the tools.
type ToolsConfig struct {
	PythonBin     string `yaml:"python_bin"`
	ScriptTimeout string `yaml:"script_timeout"`
	ReadLimit     int    `yaml:"read_limit"`
}

// RetryConfig holds the waits between retried model calls.
type RetryConfig struct {
	UnavailableBackoff string `yaml:"unavailable_backoff"`
	RateLimitBackoff   string `yaml:"rate_limit_backoff"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		LLM: LLMConfig{
			Provider:  "gemini",
			Model:     unifiedllm.DefaultModel,
			CannedDir: filepath.Join("tests", "integration", "data", "canned_llm"),
		},
		Paths: PathsConfig{
			ProjectRoot: ".",
			CodeDir:     "code_to_fix",
			DemoDir:     filepath.Join("examples", "minirepo", "code_to_fix", "calculator_bugged"),
			OutputDir:   "__ai_outputs__",
		},
		Runs: RunsConfig{
			Retention:       runstore.DefaultRetention,
			RolloverCeiling: runstore.DefaultRolloverCeiling,
			MaxIterations:   agentloop.DefaultMaxIterations,
		},
		Tools: ToolsConfig{
			PythonBin:     "python3",
			ScriptTimeout: "30s",
			ReadLimit:     agentloop.DefaultReadLimit,
		},
		Retry: RetryConfig{
			UnavailableBackoff: "5s",
			RateLimitBackoff:   "60s",
		},
		Logging: LoggingConfig{
			Level: "warn",
		},
	}
}

// Load reads path over the defaults and applies environment overrides. A
// missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("failed to read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes the configuration to path as YAML. The API key is never
// written.
func (c *Config) Save(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}

	out := *c
	out.LLM.APIKey = ""
	data, err := yaml.Marshal(&out)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// ValidProviders lists the providers a live run can use.
var ValidProviders = []string{"gemini", "openai", "anthropic"}

// KeyEnv returns the environment variable holding provider's API key.
func KeyEnv(provider string) string {
	switch provider {
	case "openai":
		return "OPENAI_API_KEY"
	case "anthropic":
		return "ANTHROPIC_API_KEY"
	default:
		return "GEMINI_API_KEY"
	}
}

// applyEnvOverrides applies environment variable overrides. A provider key
// selects its provider; Gemini wins when several are set.
func (c *Config) applyEnvOverrides() {
	for _, p := range []string{"anthropic", "openai", "gemini"} {
		if key := os.Getenv(KeyEnv(p)); key != "" {
			c.LLM.APIKey = key
			c.LLM.Provider = p
		}
	}
	if p := os.Getenv(EnvProvider); p != "" {
		c.LLM.Provider = p
		c.LLM.APIKey = os.Getenv(KeyEnv(p))
	}
	if m := os.Getenv(EnvModel); m != "" {
		c.LLM.Model = m
	}
	if dir := os.Getenv(EnvOutputDir); dir != "" {
		c.Paths.OutputDir = dir
	}
}

// Validate validates the configuration. The API key is checked by the
// caller, since offline runs do not need one.
func (c *Config) Validate() error {
	validProvider := false
	for _, p := range ValidProviders {
		if c.LLM.Provider == p {
			validProvider = true
			break
		}
	}
	if !validProvider {
		return fmt.Errorf("invalid LLM provider: %s (valid: %v)", c.LLM.Provider, ValidProviders)
	}

	limits := []struct {
		name  string
		value int
	}{
		{"runs.retention", c.Runs.Retention},
		{"runs.rollover_ceiling", c.Runs.RolloverCeiling},
		{"runs.max_iterations", c.Runs.MaxIterations},
		{"tools.read_limit", c.Tools.ReadLimit},
	}
	for _, l := range limits {
		if l.value <= 0 {
			return fmt.Errorf("%s must be positive, got %d", l.name, l.value)
		}
	}

	durations := []struct {
		name  string
		value string
	}{
		{"tools.script_timeout", c.Tools.ScriptTimeout},
		{"retry.unavailable_backoff", c.Retry.UnavailableBackoff},
		{"retry.rate_limit_backoff", c.Retry.RateLimitBackoff},
	}
	for _, d := range durations {
		v, err := time.ParseDuration(d.value)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", d.name, err)
		}
		if v <= 0 {
			return fmt.Errorf("%s must be positive, got %s", d.name, d.value)
		}
	}

	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("invalid logging.level: %w", err)
	}
	if c.Paths.CodeDir == "" {
		return fmt.Errorf("paths.code_dir must not be empty")
	}
	return nil
}

// ResolvedModel returns the configured model, or the provider's latest
// catalog model when the configured one belongs to another provider.
func (c *Config) ResolvedModel() string {
	info := unifiedllm.GetModelInfo(c.LLM.Model)
	if c.LLM.Model != "" && (info == nil || info.Provider == c.LLM.Provider) {
		return c.LLM.Model
	}
	if latest := unifiedllm.GetLatestModel(c.LLM.Provider); latest != nil {
		return latest.ID
	}
	return c.LLM.Model
}

// OutputRoot returns the output directory, relative paths being taken from
// the project root.
func (c *Config) OutputRoot() string {
	if filepath.IsAbs(c.Paths.OutputDir) {
		return c.Paths.OutputDir
	}
	return filepath.Join(c.Paths.ProjectRoot, c.Paths.OutputDir)
}

// GetScriptTimeout returns the script timeout as a duration.
func (c *Config) GetScriptTimeout() time.Duration {
	d, err := time.ParseDuration(c.Tools.ScriptTimeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// Backoff returns the retry waits of the driver loop.
func (c *Config) Backoff() unifiedllm.Backoff {
	b := unifiedllm.DefaultBackoff()
	if d, err := time.ParseDuration(c.Retry.UnavailableBackoff); err == nil {
		b.Unavailable = d
	}
	if d, err := time.ParseDuration(c.Retry.RateLimitBackoff); err == nil {
		b.RateLimited = d
	}
	return b
}

// ToolOptions returns the tool limits.
func (c *Config) ToolOptions() agentloop.ToolOptions {
	opts := agentloop.DefaultToolOptions()
	opts.ReadLimit = c.Tools.ReadLimit
	opts.ScriptTimeout = c.GetScriptTimeout()
	if c.Tools.PythonBin != "" {
		opts.PythonBin = c.Tools.PythonBin
	}
	opts.OutputDirName = filepath.Base(c.Paths.OutputDir)
	return opts
}

// SessionConfig returns the driver loop settings. The per-invocation
// switches (verbose, reset and so on) are left to the caller.
func (c *Config) SessionConfig() agentloop.SessionConfig {
	sc := agentloop.DefaultSessionConfig()
	sc.Provider = c.LLM.Provider
	sc.Model = c.ResolvedModel()
	sc.MaxIterations = c.Runs.MaxIterations
	sc.ProjectRoot = c.Paths.ProjectRoot
	sc.CodeDir = c.Paths.CodeDir
	sc.DemoDir = c.Paths.DemoDir
	sc.Backoff = c.Backoff()
	sc.Tools = c.ToolOptions()
	return sc
}
