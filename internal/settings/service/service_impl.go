package service

import (
	"context"
	"errors"

	"github.com/opsframe/adrflow/internal/config"
	"github.com/opsframe/adrflow/internal/settings/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	Config config.Config
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	defaults domain.Settings
}

func NewService(p ServiceParam) domain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("settings.service"),
		defaults: defaultsFromConfig(p.Config),
	}
}

func defaultsFromConfig(cfg config.Config) domain.Settings {
	return domain.Settings{
		BatchSize:                 cfg.BatchSize,
		MaxParallelRequests:       cfg.MaxParallelRequests,
		DailyStatusCheckDelayDays: cfg.DailyStatusCheckDelayDays,
		ScrapeRetryDays:           cfg.ScrapeRetryDays,
		CredentialCheckLeadDays:   cfg.CredentialCheckLeadDays,
		MaxRetries:                cfg.MaxRetries,
		TestModeEnabled:           cfg.TestModeEnabled,
		TestModeMaxScrapingJobs:   cfg.TestModeMaxScrapingJobs,
		TestModeMaxRebillJobs:     cfg.TestModeMaxRebillJobs,
		EnableDetailedLogging:     cfg.EnableDetailedLogging,
		IsOrchestrationEnabled:    cfg.IsOrchestrationEnabled,
	}
}

func (s *Service) Effective(ctx context.Context) domain.Settings {
	resolved := s.defaults

	var row domain.OrchestrationSettings
	err := s.db.WithContext(ctx).
		Where("is_deleted = ?", false).
		Order("modified_at DESC").
		First(&row).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			s.log.Warn("settings load failed, using defaults", zap.Error(err))
		}
		return resolved
	}

	overrideInt(&resolved.BatchSize, row.BatchSize)
	overrideInt(&resolved.MaxParallelRequests, row.MaxParallelRequests)
	overrideInt(&resolved.DailyStatusCheckDelayDays, row.DailyStatusCheckDelayDays)
	overrideInt(&resolved.ScrapeRetryDays, row.ScrapeRetryDays)
	overrideInt(&resolved.CredentialCheckLeadDays, row.CredentialCheckLeadDays)
	overrideInt(&resolved.MaxRetries, row.MaxRetries)
	overrideBool(&resolved.TestModeEnabled, row.TestModeEnabled)
	overrideInt(&resolved.TestModeMaxScrapingJobs, row.TestModeMaxScrapingJobs)
	overrideInt(&resolved.TestModeMaxRebillJobs, row.TestModeMaxRebillJobs)
	overrideBool(&resolved.EnableDetailedLogging, row.EnableDetailedLogging)
	overrideBool(&resolved.IsOrchestrationEnabled, row.IsOrchestrationEnabled)
	return resolved
}

func overrideInt(dst *int, src *int) {
	if src != nil && *src > 0 {
		*dst = *src
	}
}

func overrideBool(dst *bool, src *bool) {
	if src != nil {
		*dst = *src
	}
}
