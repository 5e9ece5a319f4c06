// Package domain defines the orchestration run entity, the public pipeline
// API, and the per-stage result types.
package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	accountsyncdomain "github.com/opsframe/adrflow/internal/accountsync/domain"
	"github.com/opsframe/adrflow/internal/progress"
	"gorm.io/datatypes"
)

// RunStatus represents orchestration run lifecycle states.
type RunStatus string

const (
	RunStatusQueued      RunStatus = "Queued"
	RunStatusRunning     RunStatus = "Running"
	RunStatusCompleted   RunStatus = "Completed"
	RunStatusFailed      RunStatus = "Failed"
	RunStatusInterrupted RunStatus = "Interrupted"
)

// OrchestrationRun is one invocation of the pipeline.
type OrchestrationRun struct {
	ID            snowflake.ID      `gorm:"primaryKey"`
	RequestID     string            `gorm:"type:text;not null"`
	RequestedBy   string            `gorm:"type:text;not null"`
	RequestedAt   time.Time         `gorm:"not null"`
	StartedAt     *time.Time        `gorm:""`
	CompletedAt   *time.Time        `gorm:""`
	Status        RunStatus         `gorm:"type:text;not null;index"`
	ErrorMessage  string            `gorm:"type:text"`
	StageCounters datatypes.JSONMap `gorm:"type:jsonb;not null;default:'{}'"`
	CreatedAt     time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	CreatedBy     string            `gorm:"type:text;not null;default:'System Created'"`
	ModifiedAt    time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	ModifiedBy    string            `gorm:"type:text;not null;default:'System Created'"`
	IsDeleted     bool              `gorm:"not null;default:false"`
}

// TableName sets the database table name.
func (OrchestrationRun) TableName() string { return "orchestration_runs" }

// Request asks for one orchestration run.
type Request struct {
	RequestID   string
	RequestedBy string
	RequestedAt time.Time
}

// JobCreationResult summarizes the job-creation stage.
type JobCreationResult struct {
	Total         int
	Created       int
	Blacklisted   int
	NoActiveRule  int
	AlreadyExists int
	Errors        int
	ErrorMessages []string
}

// CredentialVerificationResult summarizes the credential stage.
type CredentialVerificationResult struct {
	Total         int
	Verified      int
	Failed        int
	Errors        int
	ErrorMessages []string
}

// ScrapeResult summarizes the scrape stage.
type ScrapeResult struct {
	Total         int
	Completed     int
	Requested     int
	Failed        int
	Errors        int
	ErrorMessages []string
}

// StatusCheckResult summarizes a status-check pass (scheduled or manual).
type StatusCheckResult struct {
	Total              int
	Completed          int
	NeedsReview        int
	CredentialVerified int
	CredentialFailed   int
	Failed             int
	NoInvoiceFound     int
	StillPending       int
	Errors             int
	ErrorMessages      []string
}

// StalePendingResult summarizes the stale-job finalizer.
type StalePendingResult struct {
	Total         int
	Cancelled     int
	Errors        int
	ErrorMessages []string
}

// BulkVerifyResult summarizes an all-accounts credential sweep.
type BulkVerifyResult struct {
	Total         int
	Submitted     int
	Errors        int
	ErrorMessages []string
}

// SingleRebillResult reports one manually fired rebill.
type SingleRebillResult struct {
	AccountID snowflake.ID
	Submitted bool
	IndexID   *int64
	Error     string
}

// Service is the public orchestrator API consumed by the runner and by an
// HTTP layer.
type Service interface {
	SyncAccounts(ctx context.Context, onProgress progress.Func, onSubstep progress.SubstepFunc) (accountsyncdomain.SyncResult, error)
	CreateJobs(ctx context.Context, onProgress progress.Func) (JobCreationResult, error)
	VerifyCredentials(ctx context.Context, onProgress progress.Func) (CredentialVerificationResult, error)
	ProcessScraping(ctx context.Context, onProgress progress.Func) (ScrapeResult, error)
	CheckPendingStatuses(ctx context.Context, onProgress progress.Func) (StatusCheckResult, error)
	CheckAllScrapedStatuses(ctx context.Context, onProgress progress.Func) (StatusCheckResult, error)
	FinalizeStalePendingJobs(ctx context.Context, onProgress progress.Func) (StalePendingResult, error)
	VerifyAllAccountCredentials(ctx context.Context, onProgress progress.Func) (BulkVerifyResult, error)
	FireRebillForAccount(ctx context.Context, accountID snowflake.ID) (SingleRebillResult, error)

	// RunPipeline executes the full stage sequence for one queued request
	// and records an OrchestrationRun.
	RunPipeline(ctx context.Context, req Request) error

	// RecoverOnStartup closes executions and runs abandoned by a restart.
	RecoverOnStartup(ctx context.Context) error
}
