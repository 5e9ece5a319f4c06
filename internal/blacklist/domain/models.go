// Package domain contains persistence models for account exclusions.
package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
)

// ExclusionType scopes a blacklist entry to a request category.
type ExclusionType string

const (
	ExclusionAll      ExclusionType = "All"
	ExclusionDownload ExclusionType = "Download"
	ExclusionRebill   ExclusionType = "Rebill"
)

// BlacklistEntry excludes accounts from orchestration. Every match field is
// optional; an entry applies when any populated field equals the account's
// corresponding value.
type BlacklistEntry struct {
	ID                snowflake.ID  `gorm:"primaryKey"`
	PrimaryVendorCode string        `gorm:"type:text"`
	MasterVendorCode  string        `gorm:"type:text"`
	VMAccountID       int64         `gorm:"column:vm_account_id"`
	VMAccountNumber   string        `gorm:"column:vm_account_number;type:text"`
	CredentialID      int           `gorm:"column:credential_id"`
	ExclusionType     ExclusionType `gorm:"type:text;not null;default:'All'"`
	EffectiveStart    *time.Time    `gorm:""`
	EffectiveEnd      *time.Time    `gorm:""`
	IsActive          bool          `gorm:"not null;default:true"`
	CreatedAt         time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
	CreatedBy         string        `gorm:"type:text;not null;default:'System Created'"`
	ModifiedAt        time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
	ModifiedBy        string        `gorm:"type:text;not null;default:'System Created'"`
	IsDeleted         bool          `gorm:"not null;default:false"`
}

// TableName sets the database table name.
func (BlacklistEntry) TableName() string { return "blacklist_entries" }

// Candidate carries the account fields an entry can match against.
type Candidate struct {
	PrimaryVendorCode string
	MasterVendorCode  string
	VMAccountID       int64
	VMAccountNumber   string
	CredentialID      int
}

// Filter answers exclusion checks for a loaded entry set.
type Filter interface {
	IsBlacklisted(candidate Candidate) bool
	Len() int
}

// Service loads exclusion filters.
type Service interface {
	// Load fetches the active entries for an exclusion type. Load failures
	// are non-fatal: the returned filter is empty and excludes nothing.
	Load(ctx context.Context, exclusionType ExclusionType) Filter
}
