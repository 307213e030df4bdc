package audit

import (
	"time"

	"github.com/google/uuid"
)

// RunModel maps to the "runs" table.
// No UpdatedAt or DeletedAt: the audit trail is append-only.
type RunModel struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	Provider     string    `gorm:"not null"`
	Prompt       string    `gorm:"type:text;not null"`
	State        string    `gorm:"not null;index"`
	Output       string    `gorm:"type:text"`
	Iterations   int       `gorm:"not null;default:0"`
	InputTokens  int
	OutputTokens int
	Error        string    `gorm:"type:text"`
	StartedAt    time.Time `gorm:"index"`
	FinishedAt   time.Time
}

func (RunModel) TableName() string { return "runs" }

// ToolCallModel maps to the "tool_calls" table.
type ToolCallModel struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	RunID      uuid.UUID `gorm:"type:uuid;not null;index"`
	Pass       int       `gorm:"not null"`
	Seq        int       `gorm:"not null"`
	Tool       string    `gorm:"not null;index"`
	Arguments  string    `gorm:"type:text;not null"` // JSON object
	Output     string    `gorm:"type:text"`
	IsError    bool      `gorm:"not null;default:false"`
	DurationMS int64
	CreatedAt  time.Time `gorm:"index"`
}

func (ToolCallModel) TableName() string { return "tool_calls" }
