package service

import (
	"context"

	"github.com/opsframe/adrflow/internal/blacklist/domain"
	"github.com/opsframe/adrflow/internal/clock"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Clock clock.Clock
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	clock clock.Clock
}

func NewService(p ServiceParam) domain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("blacklist.service"),
		clock: p.Clock,
	}
}

func (s *Service) Load(ctx context.Context, exclusionType domain.ExclusionType) domain.Filter {
	now := s.clock.Now()

	var entries []domain.BlacklistEntry
	err := s.db.WithContext(ctx).Raw(
		`SELECT id, primary_vendor_code, master_vendor_code, vm_account_id,
		        vm_account_number, credential_id, exclusion_type,
		        effective_start, effective_end, is_active
		 FROM blacklist_entries
		 WHERE is_active = ?
		   AND is_deleted = ?
		   AND exclusion_type IN (?, ?)
		   AND (effective_start IS NULL OR effective_start <= ?)
		   AND (effective_end IS NULL OR effective_end >= ?)`,
		true, false, domain.ExclusionAll, exclusionType, now, now,
	).Scan(&entries).Error
	if err != nil {
		// Exclusions are advisory: a load failure must never block a run.
		s.log.Warn("blacklist load failed, continuing with empty filter",
			zap.String("exclusion_type", string(exclusionType)),
			zap.Error(err),
		)
		return filter{}
	}

	s.log.Debug("blacklist loaded",
		zap.String("exclusion_type", string(exclusionType)),
		zap.Int("entries", len(entries)),
	)
	return filter{entries: entries}
}

type filter struct {
	entries []domain.BlacklistEntry
}

func (f filter) Len() int { return len(f.entries) }

func (f filter) IsBlacklisted(c domain.Candidate) bool {
	for _, entry := range f.entries {
		if matches(entry, c) {
			return true
		}
	}
	return false
}

// matches reports whether any populated entry field equals the candidate's
// corresponding value. String comparison is case sensitive.
func matches(entry domain.BlacklistEntry, c domain.Candidate) bool {
	if entry.PrimaryVendorCode != "" && entry.PrimaryVendorCode == c.PrimaryVendorCode {
		return true
	}
	if entry.MasterVendorCode != "" && entry.MasterVendorCode == c.MasterVendorCode {
		return true
	}
	if entry.VMAccountID != 0 && entry.VMAccountID == c.VMAccountID {
		return true
	}
	if entry.VMAccountNumber != "" && entry.VMAccountNumber == c.VMAccountNumber {
		return true
	}
	if entry.CredentialID != 0 && entry.CredentialID == c.CredentialID {
		return true
	}
	return false
}
