// Package audit persists an append-only trail of runs and tool calls using
// GORM, on SQLite (pure Go, no CGO, via glebarez/sqlite) or PostgreSQL.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jkaninda/codeagent/internal/agent"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config selects the backend.
type Config struct {
	Driver string // sqlite or postgres
	DSN    string // file path for sqlite, connection string for postgres
}

// Store implements agent.AuditLog.
// Append-only: no Update or Delete methods exist on this type.
type Store struct {
	db     *gorm.DB
	driver string
	logger *slog.Logger
}

// Open connects to the configured database and migrates the schema.
func Open(cfg Config, slogger *slog.Logger) (*Store, error) {
	gormLogger := logger.New(
		slogAdapter{slogger},
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)
	gormCfg := &gorm.Config{
		Logger:  gormLogger,
		NowFunc: func() time.Time { return time.Now().UTC() },
	}

	var (
		db  *gorm.DB
		err error
	)
	switch cfg.Driver {
	case DriverSQLite, "":
		if cfg.DSN == "" {
			return nil, fmt.Errorf("sqlite path is required")
		}
		if err := os.MkdirAll(filepath.Dir(cfg.DSN), 0750); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
		dsn := fmt.Sprintf("%s?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)", cfg.DSN)
		db, err = gorm.Open(sqlite.Open(dsn), gormCfg)
		if err != nil {
			return nil, fmt.Errorf("opening sqlite database: %w", err)
		}
		cfg.Driver = DriverSQLite
	case DriverPostgres:
		gormCfg.PrepareStmt = true
		db, err = gorm.Open(postgres.Open(cfg.DSN), gormCfg)
		if err != nil {
			return nil, fmt.Errorf("connecting to postgres: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported audit driver %q", cfg.Driver)
	}

	s := &Store{db: db, driver: cfg.Driver, logger: slogger}
	if err := s.Migrate(); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("migrating audit schema: %w", err)
	}
	slogger.Debug("audit store opened", slog.String("driver", cfg.Driver))
	return s, nil
}

// Migrate creates or updates the audit tables.
func (s *Store) Migrate() error {
	return s.db.AutoMigrate(&RunModel{}, &ToolCallModel{})
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Driver returns the active backend name.
func (s *Store) Driver() string { return s.driver }

// RecordToolCall appends one tool dispatch.
func (s *Store) RecordToolCall(ctx context.Context, rec agent.ToolCallRecord) error {
	model, err := toToolCallModel(rec)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("appending tool call: %w", err)
	}
	return nil
}

// RecordRun appends a run summary.
func (s *Store) RecordRun(ctx context.Context, rec agent.RunRecord) error {
	model := toRunModel(rec)
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("appending run: %w", err)
	}
	return nil
}

// Runs returns the most recent runs, newest first. Limit defaults to 20.
func (s *Store) Runs(ctx context.Context, limit int) ([]agent.RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	var models []RunModel
	if err := s.db.WithContext(ctx).Order("started_at DESC").Limit(limit).Find(&models).Error; err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	out := make([]agent.RunRecord, len(models))
	for i := range models {
		out[i] = toRunRecord(&models[i])
	}
	return out, nil
}

// ToolCalls returns the calls of one run in dispatch order.
func (s *Store) ToolCalls(ctx context.Context, runID uuid.UUID) ([]agent.ToolCallRecord, error) {
	var models []ToolCallModel
	err := s.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("pass ASC, seq ASC").
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("querying tool calls: %w", err)
	}
	out := make([]agent.ToolCallRecord, 0, len(models))
	for i := range models {
		rec, err := toToolCallRecord(&models[i])
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func toToolCallModel(rec agent.ToolCallRecord) (ToolCallModel, error) {
	args := rec.Args
	if args == nil {
		args = map[string]any{}
	}
	data, err := json.Marshal(args)
	if err != nil {
		return ToolCallModel{}, fmt.Errorf("encoding tool arguments: %w", err)
	}
	return ToolCallModel{
		ID:         uuid.New(),
		RunID:      rec.RunID,
		Pass:       rec.Pass,
		Seq:        rec.Seq,
		Tool:       rec.Tool,
		Arguments:  string(data),
		Output:     rec.Output,
		IsError:    rec.IsError,
		DurationMS: rec.Duration.Milliseconds(),
		CreatedAt:  rec.Timestamp,
	}, nil
}

func toToolCallRecord(m *ToolCallModel) (agent.ToolCallRecord, error) {
	var args map[string]any
	if err := json.Unmarshal([]byte(m.Arguments), &args); err != nil {
		return agent.ToolCallRecord{}, fmt.Errorf("decoding arguments of call %s: %w", m.ID, err)
	}
	return agent.ToolCallRecord{
		RunID:     m.RunID,
		Pass:      m.Pass,
		Seq:       m.Seq,
		Tool:      m.Tool,
		Args:      args,
		Output:    m.Output,
		IsError:   m.IsError,
		Duration:  time.Duration(m.DurationMS) * time.Millisecond,
		Timestamp: m.CreatedAt,
	}, nil
}

func toRunModel(rec agent.RunRecord) RunModel {
	return RunModel{
		ID:           rec.ID,
		Provider:     rec.Provider,
		Prompt:       rec.Prompt,
		State:        rec.State,
		Output:       rec.Output,
		Iterations:   rec.Iterations,
		InputTokens:  rec.InputTokens,
		OutputTokens: rec.OutputTokens,
		Error:        rec.Error,
		StartedAt:    rec.StartedAt,
		FinishedAt:   rec.FinishedAt,
	}
}

func toRunRecord(m *RunModel) agent.RunRecord {
	return agent.RunRecord{
		ID:           m.ID,
		Provider:     m.Provider,
		Prompt:       m.Prompt,
		State:        m.State,
		Output:       m.Output,
		Iterations:   m.Iterations,
		InputTokens:  m.InputTokens,
		OutputTokens: m.OutputTokens,
		Error:        m.Error,
		StartedAt:    m.StartedAt,
		FinishedAt:   m.FinishedAt,
	}
}

// slogAdapter wraps *slog.Logger for GORM's logger.Writer interface.
type slogAdapter struct {
	logger *slog.Logger
}

func (s slogAdapter) Printf(format string, args ...any) {
	s.logger.Warn(fmt.Sprintf(format, args...))
}

var _ agent.AuditLog = (*Store)(nil)
