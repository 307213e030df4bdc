package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jkaninda/codeagent/internal/gateway"
	"github.com/jkaninda/codeagent/internal/gateway/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the tool catalog over MCP stdio",
	Long: `Serve the same four operations to an MCP client (an editor or another
agent) over stdin and stdout. The client drives the loop; no model
provider or API key is needed.`,
	Args: cobra.NoArgs,
	RunE: runMCP,
}

func runMCP(cmd *cobra.Command, _ []string) error {
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

	opts := []mcp.Option{mcp.WithMetrics(sc.Obs.MetricsOrNil())}
	if sc.Audit != nil {
		opts = append(opts, mcp.WithAudit(sc.Audit))
	}
	srv, err := mcp.NewServer(sc.ToolReg, version, logger, opts...)
	if err != nil {
		return fmt.Errorf("initializing mcp server: %w", err)
	}

	var gw gateway.Gateway = srv
	logger.Info("starting mcp gateway", slog.String("working_dir", sc.Root.Path()))
	if err := gw.Start(ctx); err != nil {
		return err
	}
	return gw.Stop(ctx)
}
