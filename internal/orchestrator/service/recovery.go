package service

import (
	"context"
	"fmt"
	"time"

	jobdomain "github.com/opsframe/adrflow/internal/job/domain"
	"github.com/opsframe/adrflow/internal/orchestrator/domain"
	"go.uber.org/zap"
)

const (
	execRestartMessage = "app restarted while running"
	runRestartMessage  = "interrupted by app restart"
)

// RecoverOnStartup closes executions and orchestration runs abandoned by a
// restart. Interrupted runs are not restarted automatically; an operator
// decides whether to re-queue.
func (s *Service) RecoverOnStartup(ctx context.Context) error {
	grace := time.Duration(s.cfg.GracePeriodMinutes) * time.Minute
	cutoff := s.appStart.Add(-grace)
	now := s.clock.Now()

	res := s.db.WithContext(ctx).
		Model(&jobdomain.JobExecution{}).
		Where("status = ? AND start_at < ? AND is_deleted = ?",
			jobdomain.ExecutionStatusRunning, cutoff, false).
		Updates(map[string]any{
			"status":        jobdomain.ExecutionStatusFailed,
			"is_error":      true,
			"error_message": execRestartMessage,
			"end_at":        now,
			"modified_at":   now,
		})
	if res.Error != nil {
		return fmt.Errorf("recovering executions: %w", res.Error)
	}
	staleExecs := res.RowsAffected

	interrupted, err := s.interruptAbandonedRuns(ctx, now)
	if err != nil {
		return err
	}

	if staleExecs > 0 || len(interrupted) > 0 {
		s.log.Warn("startup recovery closed abandoned work",
			zap.Int64("executions_failed", staleExecs),
			zap.Int("runs_interrupted", len(interrupted)),
		)
		s.notifyInterrupted(ctx, interrupted, staleExecs)
	}
	return nil
}

// interruptAbandonedRuns marks Running runs started before this process as
// Interrupted. A run started by this process is live and is left alone.
func (s *Service) interruptAbandonedRuns(ctx context.Context, now time.Time) ([]*domain.OrchestrationRun, error) {
	var runs []*domain.OrchestrationRun
	err := s.db.WithContext(ctx).
		Where("status = ? AND started_at IS NOT NULL AND started_at < ? AND is_deleted = ?",
			domain.RunStatusRunning, s.appStart, false).
		Order("started_at").
		Find(&runs).Error
	if err != nil {
		return nil, fmt.Errorf("loading abandoned runs: %w", err)
	}
	if len(runs) == 0 {
		return nil, nil
	}

	for _, run := range runs {
		run.Status = domain.RunStatusInterrupted
		run.ErrorMessage = runRestartMessage
		run.CompletedAt = &now
		run.ModifiedAt = now
	}
	if err := s.runrepo.BatchUpdate(ctx, runs); err != nil {
		return nil, fmt.Errorf("interrupting runs: %w", err)
	}
	return runs, nil
}

func (s *Service) notifyInterrupted(ctx context.Context, runs []*domain.OrchestrationRun, staleExecs int64) {
	to := s.cfg.AlertEmail
	if to == "" {
		return
	}

	subject := "Orchestration interrupted by restart"
	body := fmt.Sprintf(
		"<p>The service restarted while work was in flight.</p>"+
			"<ul><li>Executions closed: %d</li><li>Runs interrupted: %d</li></ul>",
		staleExecs, len(runs))
	if len(runs) > 0 {
		last := runs[len(runs)-1]
		body += fmt.Sprintf("<p>Most recent run: %s requested by %s.</p>",
			last.RequestID, last.RequestedBy)
	}
	body += "<p>Interrupted runs are not restarted automatically. Queue a new run if needed.</p>"

	if err := s.email.Send(ctx, []string{to}, subject, body); err != nil {
		s.log.Warn("interrupt notification failed", zap.Error(err))
	}
}
