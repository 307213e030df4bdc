package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/codeagent/internal/audit"
	"github.com/jkaninda/codeagent/internal/config"
	"github.com/jkaninda/codeagent/internal/llm"
	"github.com/jkaninda/codeagent/internal/llm/gemini"
	"github.com/jkaninda/codeagent/internal/llm/openai"
	"github.com/jkaninda/codeagent/internal/observability"
	"github.com/jkaninda/codeagent/internal/sandbox"
	"github.com/jkaninda/codeagent/internal/tools"
	"github.com/jkaninda/codeagent/internal/tools/file"
	"github.com/jkaninda/codeagent/internal/tools/script"
	"github.com/jkaninda/codeagent/internal/workspace"
)

// SharedComponents holds the subsystems every command that touches the
// working root needs. Built once by initShared, torn down by Cleanup.
type SharedComponents struct {
	Config  *config.Config
	Logger  *slog.Logger
	Root    *workspace.Root
	Obs     *observability.Observability
	Sandbox sandbox.Sandbox
	ToolReg *tools.Registry
	Audit   *audit.Store // nil = audit disabled.

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// loadConfig resolves the config file (flag, then CODEAGENT_CONFIG, then
// the implicit ~/.codeagent/config.yaml) and applies command-line overrides.
func loadConfig(opts *runOptions) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	path := opts.configPath
	if path == "" {
		path = goutils.Env("CODEAGENT_CONFIG", "")
	}
	if path != "" {
		cfg, err = config.Load(path)
	} else {
		cfg, err = config.LoadOptional(config.DefaultConfigPath())
	}
	if err != nil {
		return nil, err
	}

	if opts.workingDir != "" {
		cfg.WorkingDir = opts.workingDir
	}
	if opts.maxIterations > 0 {
		cfg.MaxIterations = opts.maxIterations
	}
	if opts.provider != "" {
		cfg.Providers.Default = opts.provider
	}
	if opts.model != "" {
		cfg.SetModel(opts.model)
	}
	return cfg, nil
}

// newLogger builds the process logger. Everything goes to stderr so that
// stdout carries only what the agent prints.
func newLogger(lc config.LogConfig, verbose bool) *slog.Logger {
	level := parseLevel(lc.Level)
	if verbose && level > slog.LevelDebug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if lc.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "error":
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}

// initShared builds the working root, sandbox, tool registry and the
// optional observability and audit layers. Callers must call sc.Cleanup().
func initShared(cfg *config.Config, logger *slog.Logger) (*SharedComponents, error) {
	sc := &SharedComponents{
		Config: cfg,
		Logger: logger,
	}

	root, err := workspace.New(cfg.WorkingDir)
	if err != nil {
		return nil, fmt.Errorf("initializing working directory: %w", err)
	}
	sc.Root = root
	logger.Debug("working root initialized", slog.String("root", root.Path()))

	// Observability.
	obs, err := observability.New(&cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		if obs != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			obs.Shutdown(shutdownCtx)
		}
	})

	// Audit store.
	if cfg.Audit.Enabled {
		store, err := audit.Open(audit.Config{Driver: cfg.Audit.Driver, DSN: cfg.Audit.DSN}, logger)
		if err != nil {
			sc.Cleanup()
			return nil, fmt.Errorf("initializing audit store: %w", err)
		}
		sc.Audit = store
		sc.addCleanup(func() {
			if err := store.Close(); err != nil {
				logger.Warn("closing audit store", slog.String("error", err.Error()))
			}
		})
		logger.Debug("audit store initialized", slog.String("driver", store.Driver()))
	}

	// Sandbox.
	sc.Sandbox = observability.NewInstrumentedSandbox(
		initSandbox(cfg, logger),
		obs.MetricsOrNil(),
		obs.TracerOrNil(),
	)

	// Tools.
	sc.ToolReg = initTools(cfg, root, sc.Sandbox, logger)
	logger.Debug("tools registered", slog.Int("count", len(sc.ToolReg.All())))

	return sc, nil
}

func initSandbox(cfg *config.Config, logger *slog.Logger) sandbox.Sandbox {
	return sandbox.NewProcessSandbox(sandbox.ProcessConfig{
		DefaultTimeout: cfg.Script.Timeout(),
		DefaultLimits: sandbox.ResourceLimits{
			MaxCPUSeconds: cfg.Script.MaxCPUSeconds,
			MaxMemoryMB:   cfg.Script.MaxMemoryMB,
		},
		PassEnv: cfg.Script.PassEnv,
	}, logger)
}

// initTools registers the four operations against the working root.
func initTools(cfg *config.Config, root *workspace.Root, sbx sandbox.Sandbox, logger *slog.Logger) *tools.Registry {
	fileCfg := file.Config{
		ScriptExtension: cfg.Script.Extension,
		PreviewLines:    cfg.Files.PreviewLines,
		MaxFileChars:    cfg.Files.MaxFileChars,
	}
	reg := tools.NewRegistry(logger)
	reg.Register(file.NewListTool(root, fileCfg, logger))
	reg.Register(file.NewReadTool(root, fileCfg, logger))
	reg.Register(script.NewTool(root, script.Config{
		Interpreter: cfg.Script.Interpreter,
		Extension:   cfg.Script.Extension,
		Timeout:     cfg.Script.Timeout(),
	}, sbx, logger))
	reg.Register(file.NewWriteTool(root, logger))
	return reg
}

// newLLMProvider creates the model provider based on the configured default,
// wrapped in a fallback chain when one is configured.
func newLLMProvider(cfg *config.Config, obs *observability.Observability, logger *slog.Logger) (llm.Provider, error) {
	if err := cfg.ValidateCredentials(cfg.Providers.Default); err != nil {
		return nil, err
	}
	primary, err := buildProvider(cfg.Providers.Default, cfg, logger)
	if err != nil {
		return nil, err
	}

	var provider llm.Provider = primary
	if len(cfg.Providers.Fallback) > 0 {
		providers := []llm.Provider{primary}
		for _, name := range cfg.Providers.Fallback {
			if name == cfg.Providers.Default {
				continue
			}
			if err := cfg.ValidateCredentials(name); err != nil {
				logger.Warn("skipping fallback provider",
					slog.String("provider", name),
					slog.String("error", err.Error()),
				)
				continue
			}
			fb, err := buildProvider(name, cfg, logger)
			if err != nil {
				logger.Warn("skipping fallback provider",
					slog.String("provider", name),
					slog.String("error", err.Error()),
				)
				continue
			}
			providers = append(providers, fb)
		}
		if len(providers) > 1 {
			provider = llm.NewFallbackProvider(providers, logger)
		}
	}

	return observability.NewInstrumentedProvider(provider, obs.MetricsOrNil(), obs.TracerOrNil()), nil
}

// buildProvider creates a single provider by name.
func buildProvider(name string, cfg *config.Config, logger *slog.Logger) (llm.Provider, error) {
	switch name {
	case "gemini", "":
		var opts []gemini.Option
		if cfg.Providers.Gemini.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(cfg.Providers.Gemini.BaseURL))
		}
		if cfg.Providers.Gemini.CandidateCount > 0 {
			opts = append(opts, gemini.WithCandidateCount(cfg.Providers.Gemini.CandidateCount))
		}
		return gemini.NewClient(
			cfg.Providers.Gemini.APIKey,
			cfg.Providers.Gemini.Model,
			logger,
			opts...,
		), nil
	case "openai":
		var opts []openai.Option
		if cfg.Providers.OpenAI.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.Providers.OpenAI.BaseURL))
		}
		return openai.NewClient(
			cfg.Providers.OpenAI.APIKey,
			cfg.Providers.OpenAI.Model,
			logger,
			opts...,
		), nil
	case "ollama":
		baseURL := cfg.Providers.Ollama.BaseURL
		if baseURL == "" {
			baseURL = "http://localhost:11434"
		}
		return openai.NewClient(
			"",
			cfg.Providers.Ollama.Model,
			logger,
			openai.WithBaseURL(baseURL),
			openai.WithName("ollama"),
		), nil
	default:
		return nil, fmt.Errorf("unknown provider: %q", name)
	}
}
