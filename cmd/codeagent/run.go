package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jkaninda/codeagent/internal/agent"
	"github.com/jkaninda/codeagent/internal/llm"
)

// runOptions are the flags shared by the root command and "run".
type runOptions struct {
	verbose       bool
	configPath    string
	workingDir    string
	maxIterations int
	provider      string
	model         string
}

var runOpts runOptions

// errPromptRequired is returned after the usage text has been printed;
// main exits 1 without adding a message of its own.
var errPromptRequired = errors.New("prompt required")

var runCmd = &cobra.Command{
	Use:   "run <your prompt>",
	Short: "Run the agent on a prompt",
	Long: `Run sends the prompt to the configured model and executes the file and
script operations it requests inside the working directory.

Examples:
  codeagent run "how does the calculator render results to the console?"
  codeagent run fix the bug: 3 + 7 * 2 should not be 20 --verbose
  codeagent run --working-dir ./project --provider openai --model gpt-4o-mini "list the files"`,
	Args: cobra.ArbitraryArgs,
	RunE: runAgent,
}

func init() {
	addRunFlags(runCmd)
}

// addGlobalFlags registers the flags every subcommand understands.
func addGlobalFlags(cmd *cobra.Command) {
	f := cmd.PersistentFlags()
	f.BoolVarP(&runOpts.verbose, "verbose", "v", false, "print tool arguments, results and token counts")
	f.StringVarP(&runOpts.configPath, "config", "c", "", "config file (or CODEAGENT_CONFIG env, default ~/.codeagent/config.yaml)")
	f.StringVarP(&runOpts.workingDir, "working-dir", "w", "", "directory the tools are confined to")
}

func addRunFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.IntVar(&runOpts.maxIterations, "max-iterations", 0, "maximum tool-call passes (default 20)")
	f.StringVarP(&runOpts.provider, "provider", "p", "", "model provider: gemini, openai or ollama")
	f.StringVarP(&runOpts.model, "model", "m", "", "model name for the selected provider")
}

func runAgent(cmd *cobra.Command, args []string) error {
	prompt := strings.TrimSpace(strings.Join(args, " "))
	out := cmd.OutOrStdout()
	if prompt == "" {
		fmt.Fprintln(out, "Error: prompt required")
		fmt.Fprintln(out, "Usage: codeagent run <your prompt> [--verbose]")
		return errPromptRequired
	}

	cfg, err := loadConfig(&runOpts)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := newLogger(cfg.Log, runOpts.verbose)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	provider, err := newLLMProvider(cfg, sc.Obs, logger)
	if err != nil {
		return fmt.Errorf("initializing provider: %w", err)
	}
	logger.Debug("provider initialized",
		slog.String("provider", provider.Name()),
		slog.String("working_dir", sc.Root.Path()),
		slog.Int("max_iterations", cfg.MaxIterations),
	)

	if runOpts.verbose {
		fmt.Fprintf(out, "User prompt: %s\n\n", prompt)
	}

	orch := agent.NewOrchestrator(provider, sc.ToolReg, "", logger).
		WithMaxIterations(cfg.MaxIterations).
		WithMaxTokens(cfg.Providers.MaxTokens).
		WithObserver(&printer{w: out, verbose: runOpts.verbose}).
		WithObservability(sc.Obs)
	if sc.Audit != nil {
		orch.WithAudit(sc.Audit)
	}

	res, err := orch.Run(ctx, prompt)
	if err != nil {
		return fmt.Errorf("run %s after %d passes: %w", res.RunID, res.Iterations, err)
	}
	fmt.Fprintln(out, res.Output)
	return nil
}

// printer echoes loop events to the terminal.
type printer struct {
	w       io.Writer
	verbose bool
}

func (p *printer) ModelResponded(_ context.Context, _ int, usage llm.Usage) {
	if !p.verbose {
		return
	}
	fmt.Fprintf(p.w, "Prompt tokens: %d\n", usage.InputTokens)
	fmt.Fprintf(p.w, "Response tokens: %d\n", usage.OutputTokens)
}

func (p *printer) ToolCalled(_ context.Context, name string, args map[string]any) {
	if !p.verbose {
		fmt.Fprintf(p.w, " - Calling function: %s\n", name)
		return
	}
	fmt.Fprintf(p.w, "Calling function: %s(%s)\n", name, formatArgs(args))
}

func (p *printer) ToolReturned(_ context.Context, _ string, output string, _ bool) {
	if p.verbose {
		fmt.Fprintf(p.w, "-> %s\n", output)
	}
}

func formatArgs(args map[string]any) string {
	if len(args) == 0 {
		return "{}"
	}
	b, err := json.Marshal(args)
	if err != nil {
		return fmt.Sprintf("%v", args)
	}
	return string(b)
}
