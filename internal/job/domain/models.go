// Package domain contains persistence models for billing-window jobs and the
// remote-call attempts made on their behalf.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/opsframe/adrflow/internal/billingperiod"
)

// JobStatus represents job lifecycle states.
type JobStatus string

const (
	JobStatusPending                   JobStatus = "Pending"
	JobStatusCredentialCheckInProgress JobStatus = "CredentialCheckInProgress"
	JobStatusCredentialVerified        JobStatus = "CredentialVerified"
	JobStatusCredentialFailed          JobStatus = "CredentialFailed"
	JobStatusScrapeInProgress          JobStatus = "ScrapeInProgress"
	JobStatusScrapeRequested           JobStatus = "ScrapeRequested"
	JobStatusScrapeFailed              JobStatus = "ScrapeFailed"
	JobStatusStatusCheckInProgress     JobStatus = "StatusCheckInProgress"
	JobStatusCompleted                 JobStatus = "Completed"
	JobStatusNeedsReview               JobStatus = "NeedsReview"
	JobStatusFailed                    JobStatus = "Failed"
	JobStatusNoInvoiceFound            JobStatus = "NoInvoiceFound"
	JobStatusCancelled                 JobStatus = "Cancelled"
)

// IsTerminal reports whether a job in this status never re-enters the
// pipeline. NeedsReview is not terminal: it is re-checked daily until a human
// resolves it.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusNoInvoiceFound, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// RequestType identifies the remote operation asked of the ADR service.
type RequestType int

const (
	RequestTypeAttemptLogin    RequestType = 1
	RequestTypeDownloadInvoice RequestType = 2
	RequestTypeRebill          RequestType = 3
)

// ADR status ids reported by the remote service.
const (
	ADRStatusComplete       = 11
	ADRStatusNeedsReview    = 9
	ADRStatusLoginSucceeded = 12
)

// IsADRErrorStatus reports whether a status id is a credential, AI, queue or
// save error. These are final for the job.
func IsADRErrorStatus(statusID int) bool {
	switch statusID {
	case 3, 4, 5, 7, 8, 14:
		return true
	default:
		return false
	}
}

// IsADRFinalStatus reports whether a status id ends the remote workflow.
// In-flight ids (1, 2, 6, 10, 13, 15) are re-polled on the next run.
func IsADRFinalStatus(statusID int) bool {
	return statusID == ADRStatusComplete ||
		statusID == ADRStatusNeedsReview ||
		IsADRErrorStatus(statusID)
}

// ExecutionStatus represents remote-call attempt states.
type ExecutionStatus string

const (
	ExecutionStatusRunning   ExecutionStatus = "Running"
	ExecutionStatusCompleted ExecutionStatus = "Completed"
	ExecutionStatusFailed    ExecutionStatus = "Failed"
)

// Job is one billing-window work item for one account. At most one
// non-terminal job exists per (account_id, billing window).
type Job struct {
	ID            snowflake.ID  `gorm:"primaryKey"`
	AccountID     snowflake.ID  `gorm:"not null;uniqueIndex:ux_jobs_billing_period"`
	AccountRuleID *snowflake.ID `gorm:""`
	CredentialID  int           `gorm:"not null"`

	PeriodType           billingperiod.PeriodType `gorm:"type:text"`
	BillingPeriodStartAt time.Time                `gorm:"not null;uniqueIndex:ux_jobs_billing_period"`
	BillingPeriodEndAt   time.Time                `gorm:"not null;uniqueIndex:ux_jobs_billing_period"`
	NextRunAt            *time.Time               `gorm:""`
	NextRangeStartAt     *time.Time               `gorm:""`
	NextRangeEndAt       *time.Time               `gorm:"index"`

	Status               JobStatus  `gorm:"type:text;not null;index"`
	ADRStatusID          *int       `gorm:"column:adr_status_id"`
	ADRStatusDescription string     `gorm:"column:adr_status_description;type:text"`
	ADRIndexID           *int64     `gorm:"column:adr_index_id"`
	IsMissing            bool       `gorm:"not null;default:false"`
	RetryCount           int        `gorm:"not null;default:0"`
	CredentialVerifiedAt *time.Time `gorm:""`
	ScrapingCompletedAt  *time.Time `gorm:""`
	ErrorMessage         string     `gorm:"type:text"`

	LastStatusCheckResponse string     `gorm:"type:text"`
	LastStatusCheckAt       *time.Time `gorm:""`

	CreatedAt  time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	CreatedBy  string    `gorm:"type:text;not null;default:'System Created'"`
	ModifiedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	ModifiedBy string    `gorm:"type:text;not null;default:'System Created'"`
	IsDeleted  bool      `gorm:"not null;default:false"`
}

// TableName sets the database table name.
func (Job) TableName() string { return "jobs" }

// JobExecution is one remote-call attempt against the ADR service.
type JobExecution struct {
	ID            snowflake.ID    `gorm:"primaryKey"`
	JobID         snowflake.ID    `gorm:"not null;index"`
	RequestTypeID int             `gorm:"not null"`
	Status        ExecutionStatus `gorm:"type:text;not null;index"`

	StartAt         time.Time  `gorm:"not null"`
	EndAt           *time.Time `gorm:""`
	DurationSeconds *float64   `gorm:""`

	HTTPStatus           *int   `gorm:"column:http_status"`
	ADRStatusID          *int   `gorm:"column:adr_status_id"`
	ADRStatusDescription string `gorm:"column:adr_status_description;type:text"`
	ADRIndexID           *int64 `gorm:"column:adr_index_id"`

	IsSuccess      bool   `gorm:"not null;default:false"`
	IsError        bool   `gorm:"not null;default:false"`
	IsFinal        bool   `gorm:"not null;default:false"`
	ErrorMessage   string `gorm:"type:text"`
	APIResponse    string `gorm:"column:api_response;type:text"`
	RequestPayload string `gorm:"type:text"`

	CreatedAt  time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	CreatedBy  string    `gorm:"type:text;not null;default:'System Created'"`
	ModifiedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	ModifiedBy string    `gorm:"type:text;not null;default:'System Created'"`
	IsDeleted  bool      `gorm:"not null;default:false"`
}

// TableName sets the database table name.
func (JobExecution) TableName() string { return "job_executions" }
