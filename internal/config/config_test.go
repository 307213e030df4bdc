package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"GEMINI_API_KEY", "OPENAI_API_KEY", "CODEAGENT_WORKING_DIR",
		"CODEAGENT_PROVIDER", "CODEAGENT_MODEL", "CODEAGENT_MAX_ITERATIONS",
		"CODEAGENT_MAX_TOKENS",
	} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.WorkingDir != "./calculator" {
		t.Errorf("WorkingDir = %q", cfg.WorkingDir)
	}
	if cfg.MaxIterations != 20 {
		t.Errorf("MaxIterations = %d", cfg.MaxIterations)
	}
	if cfg.Providers.Default != "gemini" || cfg.Providers.Gemini.Model != "gemini-2.0-flash-001" {
		t.Errorf("provider = %s/%s", cfg.Providers.Default, cfg.Providers.Gemini.Model)
	}
	if cfg.Script.Timeout() != 30*time.Second || cfg.Script.Interpreter != "python3" || cfg.Script.Extension != ".py" {
		t.Errorf("script = %+v", cfg.Script)
	}
	if cfg.Files.MaxFileChars != 10000 || cfg.Files.PreviewLines != 10 {
		t.Errorf("files = %+v", cfg.Files)
	}
	if cfg.Audit.Enabled {
		t.Error("audit enabled by default")
	}
}

func TestLoad_YAML(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "codeagent.yaml")
	yml := `
working_dir: ./project
max_iterations: 5
script:
  timeout_seconds: 3
  pass_env: [LANG]
providers:
  default: openai
  openai:
    model: gpt-4o-mini
    api_key: sk-file
  fallback: [gemini]
  max_tokens: 2048
audit:
  enabled: true
  driver: postgres
  dsn: postgres://localhost/codeagent
`
	if err := os.WriteFile(path, []byte(yml), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.WorkingDir != "./project" || cfg.MaxIterations != 5 {
		t.Errorf("got %q / %d", cfg.WorkingDir, cfg.MaxIterations)
	}
	if cfg.Script.Timeout() != 3*time.Second || len(cfg.Script.PassEnv) != 1 {
		t.Errorf("script = %+v", cfg.Script)
	}
	if cfg.Providers.Default != "openai" || cfg.Providers.OpenAI.APIKey != "sk-file" {
		t.Errorf("providers = %+v", cfg.Providers)
	}
	if cfg.Providers.MaxTokens != 2048 {
		t.Errorf("MaxTokens = %d", cfg.Providers.MaxTokens)
	}
	if cfg.Audit.Driver != "postgres" {
		t.Errorf("audit = %+v", cfg.Audit)
	}
}

func TestLoad_JSON(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "codeagent.json")
	if err := os.WriteFile(path, []byte(`{"working_dir": "/srv/app", "log": {"format": "json"}}`), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.WorkingDir != "/srv/app" || cfg.Log.Format != "json" {
		t.Errorf("got %+v", cfg)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("GEMINI_API_KEY", "g-env")
	t.Setenv("CODEAGENT_WORKING_DIR", "/tmp/elsewhere")
	t.Setenv("CODEAGENT_MODEL", "gemini-2.5-pro")
	t.Setenv("CODEAGENT_MAX_ITERATIONS", "7")
	t.Setenv("CODEAGENT_MAX_TOKENS", "512")

	path := filepath.Join(t.TempDir(), "c.yaml")
	if err := os.WriteFile(path, []byte("working_dir: ./file\nproviders:\n  gemini:\n    api_key: g-file\n"), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Providers.Gemini.APIKey != "g-env" {
		t.Errorf("APIKey = %q, env should win", cfg.Providers.Gemini.APIKey)
	}
	if cfg.WorkingDir != "/tmp/elsewhere" {
		t.Errorf("WorkingDir = %q", cfg.WorkingDir)
	}
	if cfg.Providers.Gemini.Model != "gemini-2.5-pro" {
		t.Errorf("Model = %q", cfg.Providers.Gemini.Model)
	}
	if cfg.MaxIterations != 7 {
		t.Errorf("MaxIterations = %d", cfg.MaxIterations)
	}
	if cfg.Providers.MaxTokens != 512 {
		t.Errorf("MaxTokens = %d", cfg.Providers.MaxTokens)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yml  string
		want string
	}{
		{"provider", "providers:\n  default: anthropic\n", "not supported"},
		{"fallback", "providers:\n  fallback: [nope]\n", "providers.fallback[0]"},
		{"iterations", "max_iterations: -1\n", "max_iterations"},
		{"extension", "script:\n  extension: py\n", "must start with a dot"},
		{"audit driver", "audit:\n  driver: mysql\n", "audit.driver"},
		{"log format", "log:\n  format: xml\n", "log.format"},
		{"max tokens", "providers:\n  max_tokens: -5\n", "providers.max_tokens"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			clearEnv(t)
			path := filepath.Join(t.TempDir(), "c.yaml")
			if err := os.WriteFile(path, []byte(tc.yml), 0600); err != nil {
				t.Fatal(err)
			}
			_, err := Load(path)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("err = %v, want mention of %q", err, tc.want)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	clearEnv(t)
	missing := filepath.Join(t.TempDir(), "absent.yaml")
	if _, err := Load(missing); err == nil {
		t.Error("explicit missing config should fail")
	}
	cfg, err := LoadOptional(missing)
	if err != nil {
		t.Fatalf("LoadOptional: %v", err)
	}
	if cfg.MaxIterations != DefaultMaxIterations {
		t.Errorf("defaults not applied: %+v", cfg)
	}
}

func TestValidateCredentials(t *testing.T) {
	cfg := Default()
	if err := cfg.ValidateCredentials("gemini"); err == nil || !strings.Contains(err.Error(), "GEMINI_API_KEY") {
		t.Errorf("gemini without key: %v", err)
	}
	cfg.Providers.Gemini.APIKey = "k"
	if err := cfg.ValidateCredentials("gemini"); err != nil {
		t.Errorf("gemini with key: %v", err)
	}
	if err := cfg.ValidateCredentials("ollama"); err == nil {
		t.Error("ollama without model should fail")
	}
	cfg.Providers.Ollama.Model = "qwen2.5-coder"
	if err := cfg.ValidateCredentials("ollama"); err != nil {
		t.Errorf("ollama: %v", err)
	}
}
