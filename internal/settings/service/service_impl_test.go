package service

import (
	"context"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/opsframe/adrflow/internal/config"
	"github.com/opsframe/adrflow/internal/settings/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func testConfig() config.Config {
	return config.Config{
		BatchSize:                 1000,
		MaxParallelRequests:       8,
		DailyStatusCheckDelayDays: 1,
		ScrapeRetryDays:           5,
		CredentialCheckLeadDays:   7,
		MaxRetries:                5,
		TestModeMaxScrapingJobs:   50,
		TestModeMaxRebillJobs:     50,
		IsOrchestrationEnabled:    true,
	}
}

func TestEffectiveFallsBackToDefaults(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&domain.OrchestrationSettings{}))

	svc := NewService(ServiceParam{DB: db, Log: zap.NewNop(), Config: testConfig()})

	got := svc.Effective(context.Background())
	assert.Equal(t, 1000, got.BatchSize)
	assert.Equal(t, 8, got.MaxParallelRequests)
	assert.True(t, got.IsOrchestrationEnabled)
	assert.False(t, got.TestModeEnabled)
}

func TestEffectiveMergesPersistedRow(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&domain.OrchestrationSettings{}))

	batch := 250
	parallel := 2
	testMode := true
	row := domain.OrchestrationSettings{
		ID:                  1,
		BatchSize:           &batch,
		MaxParallelRequests: &parallel,
		TestModeEnabled:     &testMode,
	}
	require.NoError(t, db.Create(&row).Error)

	svc := NewService(ServiceParam{DB: db, Log: zap.NewNop(), Config: testConfig()})

	got := svc.Effective(context.Background())
	assert.Equal(t, 250, got.BatchSize)
	assert.Equal(t, 2, got.MaxParallelRequests)
	assert.True(t, got.TestModeEnabled)
	// Unset columns keep their defaults.
	assert.Equal(t, 5, got.MaxRetries)
	assert.Equal(t, 7, got.CredentialCheckLeadDays)
	assert.True(t, got.IsOrchestrationEnabled)
}

func TestEffectiveSurvivesMissingTable(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)

	svc := NewService(ServiceParam{DB: db, Log: zap.NewNop(), Config: testConfig()})

	got := svc.Effective(context.Background())
	assert.Equal(t, 1000, got.BatchSize)
}
