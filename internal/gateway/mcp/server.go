// Package mcp exposes the sandboxed tool catalog as a Model Context Protocol
// server over stdio, so an external MCP client can drive the same four tools
// against the same working root.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jkaninda/codeagent/internal/agent"
	"github.com/jkaninda/codeagent/internal/gateway"
	"github.com/jkaninda/codeagent/internal/observability"
	"github.com/jkaninda/codeagent/internal/tools"
)

// Server serves the tool registry over MCP.
type Server struct {
	registry  *tools.Registry
	mcpServer *server.MCPServer
	logger    *slog.Logger
	metrics   *observability.MetricsCollector
	audit     agent.AuditLog

	// Every MCP session shares one audit run ID; calls are sequenced by seq.
	sessionID uuid.UUID
	started   time.Time
	mu        sync.Mutex
	seq       int

	in  io.Reader
	out io.Writer
}

// Option configures a Server.
type Option func(*Server)

// WithAudit records every call in the audit trail.
func WithAudit(a agent.AuditLog) Option { return func(s *Server) { s.audit = a } }

// WithMetrics counts calls in the tool metrics.
func WithMetrics(m *observability.MetricsCollector) Option {
	return func(s *Server) { s.metrics = m }
}

// WithIO replaces stdin/stdout.
func WithIO(in io.Reader, out io.Writer) Option {
	return func(s *Server) { s.in, s.out = in, out }
}

// NewServer registers every tool of reg on a new MCP server.
func NewServer(reg *tools.Registry, version string, logger *slog.Logger, opts ...Option) (*Server, error) {
	s := &Server{
		registry:  reg,
		mcpServer: server.NewMCPServer("codeagent", version, server.WithToolCapabilities(false)),
		logger:    logger,
		sessionID: uuid.New(),
		started:   time.Now(),
		in:        os.Stdin,
		out:       os.Stdout,
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.registerTools(); err != nil {
		return nil, err
	}
	return s, nil
}

// MCPServer returns the underlying server, for in-process clients.
func (s *Server) MCPServer() *server.MCPServer { return s.mcpServer }

// Start serves MCP on the configured reader and writer until ctx is
// cancelled or the input closes.
func (s *Server) Start(ctx context.Context) error {
	s.logger.InfoContext(ctx, "mcp server listening on stdio", slog.Int("tools", len(s.registry.All())))
	stdio := server.NewStdioServer(s.mcpServer)
	stdio.SetErrorLogger(slog.NewLogLogger(s.logger.Handler(), slog.LevelError))
	if err := stdio.Listen(ctx, s.in, s.out); err != nil && ctx.Err() == nil {
		return fmt.Errorf("mcp stdio: %w", err)
	}
	return nil
}

// Stop records the session in the audit trail. The stdio transport itself
// ends with the context passed to Start.
func (s *Server) Stop(ctx context.Context) error {
	if s.audit == nil {
		return nil
	}
	s.mu.Lock()
	calls := s.seq
	s.mu.Unlock()

	err := s.audit.RecordRun(context.WithoutCancel(ctx), agent.RunRecord{
		ID:         s.sessionID,
		Provider:   "mcp",
		Prompt:     fmt.Sprintf("mcp session (%d tool calls)", calls),
		State:      "mcp_session",
		StartedAt:  s.started.UTC(),
		FinishedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("recording mcp session: %w", err)
	}
	return nil
}

func (s *Server) registerTools() error {
	for _, t := range s.registry.All() {
		schema, err := json.Marshal(t.InputSchema())
		if err != nil {
			return fmt.Errorf("encoding schema of %s: %w", t.ID(), err)
		}
		name := string(t.ID())
		s.mcpServer.AddTool(
			mcp.NewToolWithRawSchema(name, t.Description(), schema),
			s.handler(name),
		)
	}
	return nil
}

func (s *Server) handler(name string) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()

		start := time.Now()
		res := s.registry.Dispatch(ctx, name, args)
		elapsed := time.Since(start)

		s.metrics.RecordTool(name, res.IsError, elapsed)
		s.record(ctx, name, args, res, start, elapsed)

		if res.IsError {
			return mcp.NewToolResultError(res.Output), nil
		}
		return mcp.NewToolResultText(res.Output), nil
	}
}

func (s *Server) record(ctx context.Context, name string, args map[string]any, res tools.Result, start time.Time, elapsed time.Duration) {
	if s.audit == nil {
		return
	}
	s.mu.Lock()
	seq := s.seq
	s.seq++
	s.mu.Unlock()

	err := s.audit.RecordToolCall(ctx, agent.ToolCallRecord{
		RunID:     s.sessionID,
		Pass:      0,
		Seq:       seq,
		Tool:      name,
		Args:      args,
		Output:    res.Output,
		IsError:   res.IsError,
		Duration:  elapsed,
		Timestamp: start.UTC(),
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to record tool call",
			slog.String("tool", name),
			slog.String("error", err.Error()),
		)
	}
}

var _ gateway.Gateway = (*Server)(nil)
