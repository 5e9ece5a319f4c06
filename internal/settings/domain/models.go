// Package domain contains the persisted orchestration settings row.
package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
)

// OrchestrationSettings is a single-row table of operational knobs. Every
// field is nullable: unset columns fall back to environment configuration.
type OrchestrationSettings struct {
	ID                        snowflake.ID `gorm:"primaryKey"`
	BatchSize                 *int         `gorm:""`
	MaxParallelRequests       *int         `gorm:""`
	DailyStatusCheckDelayDays *int         `gorm:""`
	ScrapeRetryDays           *int         `gorm:""`
	CredentialCheckLeadDays   *int         `gorm:""`
	MaxRetries                *int         `gorm:""`
	TestModeEnabled           *bool        `gorm:""`
	TestModeMaxScrapingJobs   *int         `gorm:""`
	TestModeMaxRebillJobs     *int         `gorm:""`
	EnableDetailedLogging     *bool        `gorm:""`
	IsOrchestrationEnabled    *bool        `gorm:""`
	CreatedAt                 time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	CreatedBy                 string       `gorm:"type:text;not null;default:'System Created'"`
	ModifiedAt                time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	ModifiedBy                string       `gorm:"type:text;not null;default:'System Created'"`
	IsDeleted                 bool         `gorm:"not null;default:false"`
}

// TableName sets the database table name.
func (OrchestrationSettings) TableName() string { return "orchestration_settings" }

// Settings is the resolved knob set a run operates with.
type Settings struct {
	BatchSize                 int
	MaxParallelRequests       int
	DailyStatusCheckDelayDays int
	ScrapeRetryDays           int
	CredentialCheckLeadDays   int
	MaxRetries                int
	TestModeEnabled           bool
	TestModeMaxScrapingJobs   int
	TestModeMaxRebillJobs     int
	EnableDetailedLogging     bool
	IsOrchestrationEnabled    bool
}

// Service resolves effective settings.
type Service interface {
	// Effective merges the persisted row over environment defaults. A load
	// failure is non-fatal and yields the defaults.
	Effective(ctx context.Context) Settings
}
