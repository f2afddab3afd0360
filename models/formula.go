package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type FormulaDefinition struct {
	ID            uint      `gorm:"primary_key" json:"id"`
	TenantId      string    `gorm:"size:64;not null;index" json:"tenant_id"`
	Name          string    `gorm:"size:255;not null" json:"name"`
	Expression    string    `gorm:"type:text;not null" json:"expression"`
	DisplayFormat string    `gorm:"size:50" json:"display_format"`
	EntityType    string    `gorm:"size:50" json:"entity_type"`
	IsActive      bool      `gorm:"not null;default:true" json:"is_active"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

const MaxFormulaInputSample = 10

const (
	FormulaRunSucceeded = "succeeded"
	FormulaRunFailed    = "failed"
)

type FormulaExecutionLog struct {
	ID            uint            `gorm:"primary_key" json:"id"`
	FormulaId     uint            `gorm:"not null;index" json:"formula_id"`
	TenantId      string          `gorm:"size:64;not null;index" json:"tenant_id"`
	InputCount    int             `json:"input_count"`
	SkippedCount  int             `json:"skipped_count"`
	InputSample   datatypes.JSON  `gorm:"type:json" json:"input_sample"`
	Output        decimal.Decimal `gorm:"type:decimal(30,8);not null;default:0" json:"output"`
	DurationMs    int64           `json:"duration_ms"`
	Status        string          `gorm:"size:20;not null;default:succeeded;index" json:"status"`
	ErrorMessage  *string         `gorm:"type:text" json:"error_message"`
	FeedbackScore *int            `json:"feedback_score"`
	TriggeredBy   string          `gorm:"size:100" json:"triggered_by"`
	CreatedAt     time.Time       `gorm:"autoCreateTime" json:"created_at"`
}
