package service

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/opsframe/adrflow/internal/blacklist/domain"
	"github.com/opsframe/adrflow/internal/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func setupService(t *testing.T, now time.Time) (*gorm.DB, domain.Service) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&domain.BlacklistEntry{}))

	svc := NewService(ServiceParam{
		DB:    db,
		Log:   zap.NewNop(),
		Clock: clock.NewFakeClock(now),
	})
	return db, svc
}

func TestLoadFiltersByExclusionType(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	db, svc := setupService(t, now)

	entries := []domain.BlacklistEntry{
		{ID: 1, PrimaryVendorCode: "ACME", ExclusionType: domain.ExclusionAll, IsActive: true},
		{ID: 2, PrimaryVendorCode: "GLOBEX", ExclusionType: domain.ExclusionDownload, IsActive: true},
		{ID: 3, PrimaryVendorCode: "INITECH", ExclusionType: domain.ExclusionRebill, IsActive: true},
	}
	require.NoError(t, db.Create(&entries).Error)

	download := svc.Load(context.Background(), domain.ExclusionDownload)
	assert.Equal(t, 2, download.Len())
	assert.True(t, download.IsBlacklisted(domain.Candidate{PrimaryVendorCode: "ACME"}))
	assert.True(t, download.IsBlacklisted(domain.Candidate{PrimaryVendorCode: "GLOBEX"}))
	assert.False(t, download.IsBlacklisted(domain.Candidate{PrimaryVendorCode: "INITECH"}))

	rebill := svc.Load(context.Background(), domain.ExclusionRebill)
	assert.True(t, rebill.IsBlacklisted(domain.Candidate{PrimaryVendorCode: "INITECH"}))
	assert.False(t, rebill.IsBlacklisted(domain.Candidate{PrimaryVendorCode: "GLOBEX"}))
}

func TestLoadHonorsEffectiveRangeAndFlags(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	db, svc := setupService(t, now)

	past := now.AddDate(0, -1, 0)
	future := now.AddDate(0, 1, 0)
	expired := now.AddDate(0, 0, -1)

	entries := []domain.BlacklistEntry{
		{ID: 1, VMAccountNumber: "A-1", ExclusionType: domain.ExclusionAll, IsActive: true, EffectiveStart: &past, EffectiveEnd: &future},
		{ID: 2, VMAccountNumber: "A-2", ExclusionType: domain.ExclusionAll, IsActive: true, EffectiveStart: &past, EffectiveEnd: &expired},
		{ID: 3, VMAccountNumber: "A-3", ExclusionType: domain.ExclusionAll, IsActive: true, EffectiveStart: &future},
		{ID: 4, VMAccountNumber: "A-4", ExclusionType: domain.ExclusionAll, IsActive: false},
		{ID: 5, VMAccountNumber: "A-5", ExclusionType: domain.ExclusionAll, IsActive: true, IsDeleted: true},
		{ID: 6, VMAccountNumber: "A-6", ExclusionType: domain.ExclusionAll, IsActive: true},
	}
	require.NoError(t, db.Create(&entries).Error)
	// The column defaults to true and gorm omits zero values on insert, so
	// the inactive row needs an explicit update.
	require.NoError(t, db.Model(&domain.BlacklistEntry{}).
		Where("id = ?", 4).Update("is_active", false).Error)

	f := svc.Load(context.Background(), domain.ExclusionDownload)
	assert.Equal(t, 2, f.Len())
	assert.True(t, f.IsBlacklisted(domain.Candidate{VMAccountNumber: "A-1"}))
	assert.False(t, f.IsBlacklisted(domain.Candidate{VMAccountNumber: "A-2"}))
	assert.False(t, f.IsBlacklisted(domain.Candidate{VMAccountNumber: "A-3"}))
	assert.False(t, f.IsBlacklisted(domain.Candidate{VMAccountNumber: "A-4"}))
	assert.False(t, f.IsBlacklisted(domain.Candidate{VMAccountNumber: "A-5"}))
	assert.True(t, f.IsBlacklisted(domain.Candidate{VMAccountNumber: "A-6"}))
}

func TestIsBlacklistedMatchesAnyPopulatedField(t *testing.T) {
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	db, svc := setupService(t, now)

	entries := []domain.BlacklistEntry{
		{ID: 1, MasterVendorCode: "MV-9", ExclusionType: domain.ExclusionAll, IsActive: true},
		{ID: 2, VMAccountID: 4200, ExclusionType: domain.ExclusionAll, IsActive: true},
		{ID: 3, CredentialID: 77, ExclusionType: domain.ExclusionAll, IsActive: true},
	}
	require.NoError(t, db.Create(&entries).Error)

	f := svc.Load(context.Background(), domain.ExclusionDownload)
	assert.True(t, f.IsBlacklisted(domain.Candidate{MasterVendorCode: "MV-9"}))
	assert.True(t, f.IsBlacklisted(domain.Candidate{VMAccountID: 4200}))
	assert.True(t, f.IsBlacklisted(domain.Candidate{CredentialID: 77}))
	// Case-sensitive string match.
	assert.False(t, f.IsBlacklisted(domain.Candidate{MasterVendorCode: "mv-9"}))
	// Zero-valued candidate never matches an entry's populated field.
	assert.False(t, f.IsBlacklisted(domain.Candidate{}))
}

func TestLoadFailsOpen(t *testing.T) {
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	// No schema: the query fails and the filter must come back empty.
	svc := NewService(ServiceParam{DB: db, Log: zap.NewNop(), Clock: clock.NewFakeClock(now)})

	f := svc.Load(context.Background(), domain.ExclusionDownload)
	assert.Equal(t, 0, f.Len())
	assert.False(t, f.IsBlacklisted(domain.Candidate{PrimaryVendorCode: "ACME"}))
}
