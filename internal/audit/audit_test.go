package audit

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/codeagent/internal/agent"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := Open(Config{Driver: DriverSQLite, DSN: filepath.Join(t.TempDir(), "nested", "audit.db")}, logger)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_ToolCallsRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	runID := uuid.New()
	other := uuid.New()
	now := time.Now().UTC().Truncate(time.Millisecond)

	// Inserted out of order; read back by pass then seq.
	recs := []agent.ToolCallRecord{
		{RunID: runID, Pass: 2, Seq: 0, Tool: "get_file_content", Args: map[string]any{"file_path": "a.txt"}, Output: "x", Timestamp: now},
		{RunID: runID, Pass: 1, Seq: 1, Tool: "get_file_content", Args: map[string]any{"file_path": "../x"}, IsError: true, Output: "Error: outside", Timestamp: now},
		{RunID: runID, Pass: 1, Seq: 0, Tool: "write_file", Args: map[string]any{"file_path": "a.txt", "content": "x"}, Duration: 15 * time.Millisecond, Timestamp: now},
		{RunID: other, Pass: 1, Seq: 0, Tool: "get_files_info", Timestamp: now},
	}
	for _, r := range recs {
		if err := s.RecordToolCall(ctx, r); err != nil {
			t.Fatalf("RecordToolCall: %v", err)
		}
	}

	got, err := s.ToolCalls(ctx, runID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d calls, want 3", len(got))
	}
	if got[0].Tool != "write_file" || got[1].Seq != 1 || got[2].Pass != 2 {
		t.Errorf("order = %s/%d/%d", got[0].Tool, got[1].Seq, got[2].Pass)
	}
	if got[0].Args["content"] != "x" || got[0].Duration != 15*time.Millisecond {
		t.Errorf("first = %+v", got[0])
	}
	if !got[1].IsError || got[1].Output != "Error: outside" {
		t.Errorf("second = %+v", got[1])
	}

	none, err := s.ToolCalls(ctx, other)
	if err != nil || len(none) != 1 || none[0].Args == nil {
		t.Errorf("nil args should round-trip as an empty object: %+v, %v", none, err)
	}
}

func TestStore_RunsNewestFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)

	for i, state := range []string{"answered", "budget_exhausted", "error"} {
		err := s.RecordRun(ctx, agent.RunRecord{
			ID:         uuid.New(),
			Provider:   "gemini",
			Prompt:     "prompt",
			State:      state,
			Iterations: i,
			StartedAt:  base.Add(time.Duration(i) * time.Minute),
			FinishedAt: base.Add(time.Duration(i)*time.Minute + time.Second),
		})
		if err != nil {
			t.Fatalf("RecordRun: %v", err)
		}
	}

	runs, err := s.Runs(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 {
		t.Fatalf("got %d runs, want 2", len(runs))
	}
	if runs[0].State != "error" || runs[1].State != "budget_exhausted" {
		t.Errorf("order = %s, %s", runs[0].State, runs[1].State)
	}
}

func TestOpen_Errors(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if _, err := Open(Config{Driver: "mysql", DSN: "x"}, logger); err == nil {
		t.Error("unsupported driver accepted")
	}
	if _, err := Open(Config{Driver: DriverSQLite}, logger); err == nil {
		t.Error("empty sqlite path accepted")
	}
}

func TestStore_Driver(t *testing.T) {
	if d := openTestStore(t).Driver(); d != DriverSQLite {
		t.Errorf("Driver = %q", d)
	}
}
