// Package domain contains persistence models for synced vendor accounts.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	blacklistdomain "github.com/opsframe/adrflow/internal/blacklist/domain"
	"github.com/opsframe/adrflow/internal/billingperiod"
)

// JobTypeDownloadInvoice is the rule job type the orchestrator schedules.
const JobTypeDownloadInvoice = 2

// Client is an internal tenant mapped from the external source system.
type Client struct {
	ID               snowflake.ID `gorm:"primaryKey"`
	ExternalClientID int          `gorm:"not null;uniqueIndex"`
	Name             string       `gorm:"type:text;not null"`
	Code             string       `gorm:"type:varchar(50);not null"`
	IsActive         bool         `gorm:"not null;default:true"`
	LastSyncedAt     *time.Time   `gorm:""`
	CreatedAt        time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	CreatedBy        string       `gorm:"type:text;not null;default:'System Created'"`
	ModifiedAt       time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	ModifiedBy       string       `gorm:"type:text;not null;default:'System Created'"`
	IsDeleted        bool         `gorm:"not null;default:false"`
}

// TableName sets the database table name.
func (Client) TableName() string { return "clients" }

// Account is a scraping target. The natural key (vm_account_id,
// vm_account_number) never mutates; a renamed account number is a new row.
type Account struct {
	ID snowflake.ID `gorm:"primaryKey"`

	// Identity.
	VMAccountID        int64         `gorm:"column:vm_account_id;not null;uniqueIndex:ux_accounts_natural_key"`
	VMAccountNumber    string        `gorm:"column:vm_account_number;type:text;not null;uniqueIndex:ux_accounts_natural_key"`
	InterfaceAccountID string        `gorm:"type:text"`
	ClientID           *snowflake.ID `gorm:"index"`
	ClientName         string        `gorm:"type:text"`
	CredentialID       int           `gorm:"not null"`
	VendorCode         string        `gorm:"type:text"`
	PrimaryVendorCode  string        `gorm:"type:text"`
	MasterVendorCode   string        `gorm:"type:text"`

	// Historical/derived, recomputed on every sync.
	MedianDays              *float64                       `gorm:""`
	InvoiceCount            int                            `gorm:"not null;default:0"`
	LastInvoiceAt           *time.Time                     `gorm:""`
	ExpectedNextAt          *time.Time                     `gorm:""`
	ExpectedRangeStartAt    *time.Time                     `gorm:""`
	ExpectedRangeEndAt      *time.Time                     `gorm:""`
	DaysUntilNextRun        *int                           `gorm:""`
	NextRunStatus           billingperiod.RunStatus        `gorm:"type:text"`
	HistoricalBillingStatus billingperiod.HistoricalStatus `gorm:"type:text"`
	LastSuccessfulDownload  *time.Time                     `gorm:"column:last_successful_download_date"`

	// Scheduling mirror of the active rule, written only via the rule path.
	NextRunAt        *time.Time               `gorm:""`
	NextRangeStartAt *time.Time               `gorm:""`
	NextRangeEndAt   *time.Time               `gorm:""`
	PeriodType       billingperiod.PeriodType `gorm:"type:text"`

	CreatedAt  time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	CreatedBy  string    `gorm:"type:text;not null;default:'System Created'"`
	ModifiedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	ModifiedBy string    `gorm:"type:text;not null;default:'System Created'"`
	IsDeleted  bool      `gorm:"not null;default:false"`
}

// TableName sets the database table name.
func (Account) TableName() string { return "accounts" }

// BlacklistCandidate projects the account onto the exclusion match fields.
func (a *Account) BlacklistCandidate() blacklistdomain.Candidate {
	return blacklistdomain.Candidate{
		PrimaryVendorCode: a.PrimaryVendorCode,
		MasterVendorCode:  a.MasterVendorCode,
		VMAccountID:       a.VMAccountID,
		VMAccountNumber:   a.VMAccountNumber,
		CredentialID:      a.CredentialID,
	}
}

// NaturalKey identifies an account independent of its internal id.
type NaturalKey struct {
	VMAccountID     int64
	VMAccountNumber string
}

// Key returns the account's natural key.
func (a *Account) Key() NaturalKey {
	return NaturalKey{VMAccountID: a.VMAccountID, VMAccountNumber: a.VMAccountNumber}
}

// AccountRule is the scheduling configuration for one account and job type.
// It is the single source of truth for when the account runs next.
type AccountRule struct {
	ID                   snowflake.ID             `gorm:"primaryKey"`
	AccountID            snowflake.ID             `gorm:"not null;uniqueIndex:ux_account_rules_account_job"`
	JobTypeID            int                      `gorm:"not null;uniqueIndex:ux_account_rules_account_job"`
	PeriodType           billingperiod.PeriodType `gorm:"type:text;not null"`
	PeriodDays           *int                     `gorm:""`
	NextRunAt            *time.Time               `gorm:"index"`
	NextRangeStartAt     *time.Time               `gorm:""`
	NextRangeEndAt       *time.Time               `gorm:""`
	WindowDaysBefore     *int                     `gorm:""`
	WindowDaysAfter      *int                     `gorm:""`
	IsEnabled            bool                     `gorm:"not null;default:true"`
	IsManuallyOverridden bool                     `gorm:"not null;default:false"`
	CreatedAt            time.Time                `gorm:"not null;default:CURRENT_TIMESTAMP"`
	CreatedBy            string                   `gorm:"type:text;not null;default:'System Created'"`
	ModifiedAt           time.Time                `gorm:"not null;default:CURRENT_TIMESTAMP"`
	ModifiedBy           string                   `gorm:"type:text;not null;default:'System Created'"`
	IsDeleted            bool                     `gorm:"not null;default:false"`
}

// TableName sets the database table name.
func (AccountRule) TableName() string { return "account_rules" }

// Schedulable reports whether the rule can drive job creation: enabled, not
// deleted, and all three scheduling dates present.
func (r *AccountRule) Schedulable() bool {
	return r.IsEnabled && !r.IsDeleted &&
		r.NextRunAt != nil && r.NextRangeStartAt != nil && r.NextRangeEndAt != nil
}
