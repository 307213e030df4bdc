// Package config handles loading and validating codeagent configuration.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	goutils "github.com/jkaninda/go-utils"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

const (
	DefaultWorkingDir     = "./calculator"
	DefaultMaxIterations  = 20
	DefaultProvider       = "gemini"
	DefaultGeminiModel    = "gemini-2.0-flash-001"
	DefaultInterpreter    = "python3"
	DefaultScriptExt      = ".py"
	DefaultScriptTimeout  = 30
	DefaultMaxFileChars   = 10000
	DefaultPreviewLines   = 10
	DefaultMetricsJobName = "codeagent"
)

// Config is the root configuration for codeagent.
type Config struct {
	WorkingDir    string              `json:"working_dir" yaml:"working_dir"` // Override: CODEAGENT_WORKING_DIR.
	MaxIterations int                 `json:"max_iterations" yaml:"max_iterations"`
	Log           LogConfig           `json:"log" yaml:"log"`
	Script        ScriptConfig        `json:"script" yaml:"script"`
	Files         FilesConfig         `json:"files" yaml:"files"`
	Providers     ProvidersConfig     `json:"providers" yaml:"providers"`
	Observability ObservabilityConfig `json:"observability" yaml:"observability"`
	Audit         AuditConfig         `json:"audit" yaml:"audit"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `json:"level" yaml:"level"`   // debug, info, warn, error. Default: warn
	Format string `json:"format" yaml:"format"` // text or json. Default: text
}

// ScriptConfig configures run_python_file.
type ScriptConfig struct {
	Interpreter    string   `json:"interpreter" yaml:"interpreter"`
	Extension      string   `json:"extension" yaml:"extension"`
	TimeoutSeconds int      `json:"timeout_seconds" yaml:"timeout_seconds"`
	PassEnv        []string `json:"pass_env,omitempty" yaml:"pass_env,omitempty"` // Host env vars forwarded to scripts.
	MaxMemoryMB    int      `json:"max_memory_mb" yaml:"max_memory_mb"`          // 0 = unlimited
	MaxCPUSeconds  int      `json:"max_cpu_seconds" yaml:"max_cpu_seconds"`      // 0 = unlimited
}

// Timeout returns the script timeout as a duration.
func (s ScriptConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// FilesConfig bounds the file tools.
type FilesConfig struct {
	MaxFileChars int `json:"max_file_chars" yaml:"max_file_chars"`
	PreviewLines int `json:"preview_lines" yaml:"preview_lines"`
}

// ProvidersConfig holds LLM provider settings.
type ProvidersConfig struct {
	Default  string       `json:"default" yaml:"default"` // gemini, openai, or ollama. Override: CODEAGENT_PROVIDER.
	Gemini   GeminiConfig `json:"gemini" yaml:"gemini"`
	OpenAI   OpenAIConfig `json:"openai" yaml:"openai"`
	Ollama   OllamaConfig `json:"ollama" yaml:"ollama"`
	Fallback []string     `json:"fallback,omitempty" yaml:"fallback,omitempty"` // Tried in order after the default fails.
	// MaxTokens caps output tokens per model call. 0 = provider default.
	// Override: CODEAGENT_MAX_TOKENS.
	MaxTokens int `json:"max_tokens" yaml:"max_tokens"`
}

type GeminiConfig struct {
	APIKey         string `json:"api_key" yaml:"api_key"` // Override: GEMINI_API_KEY.
	Model          string `json:"model" yaml:"model"`
	BaseURL        string `json:"base_url" yaml:"base_url"`
	CandidateCount int    `json:"candidate_count" yaml:"candidate_count"` // 0 = server default
}

type OpenAIConfig struct {
	APIKey  string `json:"api_key" yaml:"api_key"` // Override: OPENAI_API_KEY.
	Model   string `json:"model" yaml:"model"`
	BaseURL string `json:"base_url" yaml:"base_url"`
}

type OllamaConfig struct {
	Model   string `json:"model" yaml:"model"`
	BaseURL string `json:"base_url" yaml:"base_url"` // Optional. Defaults to http://localhost:11434.
}

// ObservabilityConfig groups metrics and tracing.
type ObservabilityConfig struct {
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`
	Tracing TracingConfig `json:"tracing" yaml:"tracing"`
}

// MetricsConfig configures Prometheus metrics. A CLI run is short-lived,
// so metrics are pushed to a Pushgateway instead of scraped.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	PushURL string `json:"push_url" yaml:"push_url"` // e.g. "http://localhost:9091"
	JobName string `json:"job_name" yaml:"job_name"` // Default: "codeagent"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "codeagent"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`
}

// AuditConfig configures the tool call audit trail.
type AuditConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Driver  string `json:"driver" yaml:"driver"` // sqlite or postgres. Default: sqlite
	DSN     string `json:"dsn" yaml:"dsn"`       // SQLite file path or Postgres DSN. Default: ~/.codeagent/audit.db
}

// Default returns a Config with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads a JSON or YAML config file and returns a validated Config.
// An empty path yields the defaults. The format is detected by file
// extension: .yml/.yaml for YAML, everything else for JSON.
// Environment variables take precedence over file values.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		resolved, err := resolvePath(path)
		if err != nil {
			return nil, fmt.Errorf("resolving config path %s: %w", path, err)
		}
		data, err := os.ReadFile(resolved)
		if err != nil {
			return nil, fmt.Errorf("reading config %s: %w", resolved, err)
		}
		switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
		case ".yml", ".yaml":
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
			}
		default:
			if err := json.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
			}
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// LoadOptional is Load, except that a missing file at path yields defaults.
// Used for the implicit config location.
func LoadOptional(path string) (*Config, error) {
	resolved, err := resolvePath(path)
	if err == nil {
		if _, statErr := os.Stat(resolved); errors.Is(statErr, fs.ErrNotExist) {
			path = ""
		}
	}
	return Load(path)
}

// DefaultConfigPath returns the default config file path (~/.codeagent/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "codeagent.yaml"
	}
	return filepath.Join(home, ".codeagent", "config.yaml")
}

func (c *Config) applyEnv() {
	c.Providers.Gemini.APIKey = goutils.Env("GEMINI_API_KEY", c.Providers.Gemini.APIKey)
	c.Providers.OpenAI.APIKey = goutils.Env("OPENAI_API_KEY", c.Providers.OpenAI.APIKey)
	c.WorkingDir = goutils.Env("CODEAGENT_WORKING_DIR", c.WorkingDir)
	c.Providers.Default = goutils.Env("CODEAGENT_PROVIDER", c.Providers.Default)

	if model := os.Getenv("CODEAGENT_MODEL"); model != "" {
		c.SetModel(model)
	}
	if raw := os.Getenv("CODEAGENT_MAX_ITERATIONS"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			c.MaxIterations = n
		}
	}
	if raw := os.Getenv("CODEAGENT_MAX_TOKENS"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			c.Providers.MaxTokens = n
		}
	}
}

// SetModel overrides the model of the default provider.
func (c *Config) SetModel(model string) {
	switch c.Providers.Default {
	case "openai":
		c.Providers.OpenAI.Model = model
	case "ollama":
		c.Providers.Ollama.Model = model
	default:
		c.Providers.Gemini.Model = model
	}
}

func (c *Config) applyDefaults() {
	if c.WorkingDir == "" {
		c.WorkingDir = DefaultWorkingDir
	}
	if c.MaxIterations == 0 {
		c.MaxIterations = DefaultMaxIterations
	}
	if c.Log.Level == "" {
		c.Log.Level = "warn"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Script.Interpreter == "" {
		c.Script.Interpreter = DefaultInterpreter
	}
	if c.Script.Extension == "" {
		c.Script.Extension = DefaultScriptExt
	}
	if c.Script.TimeoutSeconds == 0 {
		c.Script.TimeoutSeconds = DefaultScriptTimeout
	}
	if c.Files.MaxFileChars == 0 {
		c.Files.MaxFileChars = DefaultMaxFileChars
	}
	if c.Files.PreviewLines == 0 {
		c.Files.PreviewLines = DefaultPreviewLines
	}
	if c.Providers.Default == "" {
		c.Providers.Default = DefaultProvider
	}
	if c.Providers.Gemini.Model == "" {
		c.Providers.Gemini.Model = DefaultGeminiModel
	}
	if c.Observability.Metrics.JobName == "" {
		c.Observability.Metrics.JobName = DefaultMetricsJobName
	}
	if c.Observability.Tracing.ServiceName == "" {
		c.Observability.Tracing.ServiceName = "codeagent"
	}
	if c.Observability.Tracing.Protocol == "" {
		c.Observability.Tracing.Protocol = "grpc"
	}
	if c.Observability.Tracing.SampleRate == 0 {
		c.Observability.Tracing.SampleRate = 1.0
	}
	if c.Audit.Driver == "" {
		c.Audit.Driver = "sqlite"
	}
	if c.Audit.DSN == "" && c.Audit.Driver == "sqlite" {
		if home, err := os.UserHomeDir(); err == nil {
			c.Audit.DSN = filepath.Join(home, ".codeagent", "audit.db")
		} else {
			c.Audit.DSN = "codeagent-audit.db"
		}
	}
}

func (c *Config) validate() error {
	if c.MaxIterations < 1 {
		return fmt.Errorf("max_iterations must be at least 1")
	}
	if c.Script.TimeoutSeconds < 0 {
		return fmt.Errorf("script.timeout_seconds must not be negative")
	}
	if c.Script.MaxMemoryMB < 0 {
		return fmt.Errorf("script.max_memory_mb must not be negative")
	}
	if c.Script.MaxCPUSeconds < 0 {
		return fmt.Errorf("script.max_cpu_seconds must not be negative")
	}
	if !strings.HasPrefix(c.Script.Extension, ".") {
		return fmt.Errorf("script.extension %q must start with a dot", c.Script.Extension)
	}
	if c.Providers.MaxTokens < 0 {
		return fmt.Errorf("providers.max_tokens must not be negative")
	}
	if c.Files.MaxFileChars < 0 || c.Files.PreviewLines < 0 {
		return fmt.Errorf("files limits must not be negative")
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format %q is not supported (use text or json)", c.Log.Format)
	}
	switch c.Audit.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("audit.driver %q is not supported (use sqlite or postgres)", c.Audit.Driver)
	}
	if c.Audit.Enabled && c.Audit.DSN == "" {
		return fmt.Errorf("audit.dsn is required for the %s driver", c.Audit.Driver)
	}
	if c.Observability.Tracing.Enabled {
		switch c.Observability.Tracing.Protocol {
		case "grpc", "http":
		default:
			return fmt.Errorf("observability.tracing.protocol must be grpc or http")
		}
	}
	if err := validateProviderName(c.Providers.Default); err != nil {
		return err
	}
	for i, name := range c.Providers.Fallback {
		if err := validateProviderName(name); err != nil {
			return fmt.Errorf("providers.fallback[%d]: %w", i, err)
		}
	}
	return nil
}

func validateProviderName(name string) error {
	switch name {
	case "gemini", "openai", "ollama":
		return nil
	default:
		return fmt.Errorf("provider %q is not supported (use gemini, openai, or ollama)", name)
	}
}

// ValidateCredentials checks that the named provider has what it needs to
// make a call. Kept apart from validate so that commands which never reach
// a model (tools, mcp) run without an API key.
func (c *Config) ValidateCredentials(name string) error {
	switch name {
	case "gemini":
		if c.Providers.Gemini.APIKey == "" {
			return fmt.Errorf("providers.gemini.api_key is required (set GEMINI_API_KEY env var)")
		}
	case "openai":
		if c.Providers.OpenAI.Model == "" {
			return fmt.Errorf("providers.openai.model is required")
		}
		if c.Providers.OpenAI.APIKey == "" {
			return fmt.Errorf("providers.openai.api_key is required (set OPENAI_API_KEY env var)")
		}
	case "ollama":
		if c.Providers.Ollama.Model == "" {
			return fmt.Errorf("providers.ollama.model is required")
		}
	default:
		return validateProviderName(name)
	}
	return nil
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}
