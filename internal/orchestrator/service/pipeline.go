package service

import (
	"context"

	obsmetrics "github.com/opsframe/adrflow/internal/observability/metrics"
	"github.com/opsframe/adrflow/internal/orchestrator/domain"
	"github.com/opsframe/adrflow/internal/progress"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

// RunPipeline executes the full stage sequence for one queued request and
// records it as an OrchestrationRun. A stage failure stops the run; earlier
// stage counters are still persisted.
func (s *Service) RunPipeline(ctx context.Context, req domain.Request) error {
	settings := s.settings.Effective(ctx)
	if !settings.IsOrchestrationEnabled {
		s.log.Info("orchestration disabled, skipping run",
			zap.String("request_id", req.RequestID))
		return nil
	}

	now := s.clock.Now()
	run := &domain.OrchestrationRun{
		ID:            s.genID.Generate(),
		RequestID:     req.RequestID,
		RequestedBy:   req.RequestedBy,
		RequestedAt:   req.RequestedAt,
		StartedAt:     &now,
		Status:        domain.RunStatusRunning,
		StageCounters: datatypes.JSONMap{},
		CreatedAt:     now,
		ModifiedAt:    now,
	}
	if err := s.runrepo.Create(ctx, run); err != nil {
		return err
	}

	s.metrics.IncRun("started")
	s.log.Info("orchestration run started",
		zap.Int64("run_id", int64(run.ID)),
		zap.String("request_id", req.RequestID),
		zap.String("requested_by", req.RequestedBy),
	)

	log := s.stageProgress(run, settings.EnableDetailedLogging)
	err := s.runStages(ctx, run, log)

	now = s.clock.Now()
	run.CompletedAt = &now
	run.ModifiedAt = now
	if err != nil {
		run.Status = domain.RunStatusFailed
		run.ErrorMessage = truncate(err.Error(), truncDefault)
		s.metrics.IncRun("failed")
		s.log.Error("orchestration run failed",
			zap.Int64("run_id", int64(run.ID)),
			zap.Error(err),
		)
		s.notifyRunFailed(ctx, run, err)
	} else {
		run.Status = domain.RunStatusCompleted
		s.metrics.IncRun("completed")
		s.log.Info("orchestration run completed",
			zap.Int64("run_id", int64(run.ID)),
			zap.Duration("duration", now.Sub(*run.StartedAt)),
		)
	}
	if saveErr := s.runrepo.BatchUpdate(ctx, []*domain.OrchestrationRun{run}); saveErr != nil {
		s.log.Error("persisting run outcome failed", zap.Error(saveErr))
		if err == nil {
			err = saveErr
		}
	}
	return err
}

func (s *Service) runStages(ctx context.Context, run *domain.OrchestrationRun, log progressLogger) error {
	syncRes, err := s.SyncAccounts(ctx, log.tick(obsmetrics.StageSync), log.substep(obsmetrics.StageSync))
	run.StageCounters[obsmetrics.StageSync] = map[string]any{
		"total":            syncRes.Total,
		"accounts_created": syncRes.AccountsCreated,
		"accounts_updated": syncRes.AccountsUpdated,
		"accounts_deleted": syncRes.AccountsDeleted,
		"rules_created":    syncRes.RulesCreated,
		"rules_updated":    syncRes.RulesUpdated,
		"rules_skipped":    syncRes.RulesSkipped,
		"errors":           syncRes.Errors,
	}
	if err != nil {
		return err
	}

	staleRes, err := s.FinalizeStalePendingJobs(ctx, log.tick(obsmetrics.StageStale))
	run.StageCounters[obsmetrics.StageStale] = map[string]any{
		"total":     staleRes.Total,
		"cancelled": staleRes.Cancelled,
		"errors":    staleRes.Errors,
	}
	if err != nil {
		return err
	}

	createRes, err := s.CreateJobs(ctx, log.tick(obsmetrics.StageCreateJobs))
	run.StageCounters[obsmetrics.StageCreateJobs] = map[string]any{
		"total":          createRes.Total,
		"created":        createRes.Created,
		"blacklisted":    createRes.Blacklisted,
		"no_active_rule": createRes.NoActiveRule,
		"already_exists": createRes.AlreadyExists,
		"errors":         createRes.Errors,
	}
	if err != nil {
		return err
	}

	credRes, err := s.VerifyCredentials(ctx, log.tick(obsmetrics.StageCredentials))
	run.StageCounters[obsmetrics.StageCredentials] = map[string]any{
		"total":    credRes.Total,
		"verified": credRes.Verified,
		"failed":   credRes.Failed,
		"errors":   credRes.Errors,
	}
	if err != nil {
		return err
	}

	scrapeRes, err := s.ProcessScraping(ctx, log.tick(obsmetrics.StageScrape))
	run.StageCounters[obsmetrics.StageScrape] = map[string]any{
		"total":     scrapeRes.Total,
		"requested": scrapeRes.Requested,
		"completed": scrapeRes.Completed,
		"failed":    scrapeRes.Failed,
		"errors":    scrapeRes.Errors,
	}
	if err != nil {
		return err
	}

	checkRes, err := s.CheckPendingStatuses(ctx, log.tick(obsmetrics.StageStatusCheck))
	run.StageCounters[obsmetrics.StageStatusCheck] = map[string]any{
		"total":               checkRes.Total,
		"completed":           checkRes.Completed,
		"needs_review":        checkRes.NeedsReview,
		"credential_verified": checkRes.CredentialVerified,
		"credential_failed":   checkRes.CredentialFailed,
		"failed":              checkRes.Failed,
		"no_invoice_found":    checkRes.NoInvoiceFound,
		"still_pending":       checkRes.StillPending,
		"errors":              checkRes.Errors,
	}
	return err
}

// progressLogger turns stage progress callbacks into periodic log lines.
type progressLogger struct {
	log      *zap.Logger
	detailed bool
}

func (s *Service) stageProgress(run *domain.OrchestrationRun, detailed bool) progressLogger {
	return progressLogger{
		log:      s.log.With(zap.Int64("run_id", int64(run.ID))),
		detailed: detailed,
	}
}

// tick logs every thousandth item, or every item when detailed logging is
// on. Setup and apply phases arrive as negative currents and are skipped.
func (p progressLogger) tick(stage string) progress.Func {
	return func(current, total int) {
		if current < 0 {
			return
		}
		if p.detailed || current%1000 == 0 || current == total {
			p.log.Debug("stage progress",
				zap.String("stage", stage),
				zap.Int("current", current),
				zap.Int("total", total),
			)
		}
	}
}

func (p progressLogger) substep(stage string) progress.SubstepFunc {
	return func(name string) {
		p.log.Info("stage substep",
			zap.String("stage", stage),
			zap.String("substep", name),
		)
	}
}

func (s *Service) notifyRunFailed(ctx context.Context, run *domain.OrchestrationRun, runErr error) {
	to := s.cfg.AlertEmail
	if to == "" {
		return
	}
	subject := "Orchestration run failed"
	body := "<p>Run " + run.RequestID + " failed: " + runErr.Error() + "</p>"
	if err := s.email.Send(ctx, []string{to}, subject, body); err != nil {
		s.log.Warn("failure notification not sent", zap.Error(err))
	}
}
