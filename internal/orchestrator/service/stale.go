package service

import (
	"context"
	"fmt"
	"time"

	accountdomain "github.com/opsframe/adrflow/internal/account/domain"
	jobdomain "github.com/opsframe/adrflow/internal/job/domain"
	obsmetrics "github.com/opsframe/adrflow/internal/observability/metrics"
	"github.com/opsframe/adrflow/internal/orchestrator/domain"
	"github.com/opsframe/adrflow/internal/progress"
	"go.uber.org/zap"
)

// staleLookbackDays bounds the finalizer's scan. Anything older was either
// handled by a previous pass or belongs to an account that no longer syncs.
const staleLookbackDays = 90

// FinalizeStalePendingJobs cancels jobs that never entered the pipeline
// before their retrieval window closed, and advances their schedules so the
// next window is not lost too.
func (s *Service) FinalizeStalePendingJobs(ctx context.Context, onProgress progress.Func) (domain.StalePendingResult, error) {
	started := time.Now()
	defer func() { s.metrics.ObserveStageDuration(obsmetrics.StageStale, time.Since(started)) }()

	result := domain.StalePendingResult{}
	settings := s.settings.Effective(ctx)
	now := s.clock.Now()
	lookback := now.AddDate(0, 0, -staleLookbackDays)

	var jobs []*jobdomain.Job
	err := s.db.WithContext(ctx).
		Where(`is_deleted = ? AND status IN ?
		       AND next_range_end_at IS NOT NULL AND next_range_end_at < ? AND next_range_end_at >= ?`,
			false,
			[]jobdomain.JobStatus{jobdomain.JobStatusPending, jobdomain.JobStatusCredentialCheckInProgress},
			now, lookback).
		Order("id").
		Find(&jobs).Error
	if err != nil {
		return result, err
	}
	result.Total = len(jobs)
	if result.Total == 0 {
		return result, nil
	}

	accounts, err := s.loadJobAccounts(ctx, jobs)
	if err != nil {
		return result, err
	}
	rules, err := s.loadJobRules(ctx, jobs)
	if err != nil {
		return result, err
	}

	var dirtyJobs []*jobdomain.Job
	var dirtyAccounts []*accountdomain.Account
	var dirtyRules []*accountdomain.AccountRule
	flush := func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.jobrepo.BatchUpdate(ctx, dirtyJobs); err != nil {
			return err
		}
		if err := s.rulerepo.BatchUpdate(ctx, dirtyRules); err != nil {
			return err
		}
		if err := s.accountrepo.BatchUpdate(ctx, dirtyAccounts); err != nil {
			return err
		}
		dirtyJobs = dirtyJobs[:0]
		dirtyAccounts = dirtyAccounts[:0]
		dirtyRules = dirtyRules[:0]
		return nil
	}

	for i, job := range jobs {
		onProgress.Report(i+1, result.Total)

		windowEnd := job.NextRangeEndAt.UTC()
		job.Status = jobdomain.JobStatusCancelled
		job.ErrorMessage = fmt.Sprintf("missed window ended %d-%d-%d",
			windowEnd.Year(), int(windowEnd.Month()), windowEnd.Day())
		job.ModifiedAt = now

		account := accounts[job.AccountID]
		rule := rules[job.AccountID]
		if err := s.advanceRule(job, rule, account, now); err != nil {
			appendError(&result.ErrorMessages, &result.Errors,
				"job %d: advancement failed: %v", int64(job.ID), err)
		} else {
			if rule != nil {
				dirtyRules = append(dirtyRules, rule)
			}
			if account != nil {
				dirtyAccounts = append(dirtyAccounts, account)
			}
		}
		dirtyJobs = append(dirtyJobs, job)
		result.Cancelled++

		if len(dirtyJobs) >= settings.BatchSize {
			if err := flush(); err != nil {
				return result, err
			}
		}
	}
	if err := flush(); err != nil {
		return result, err
	}

	s.metrics.AddStageItems(obsmetrics.StageStale, "cancelled", result.Cancelled)
	s.log.Info("stale job finalization finished",
		zap.Int("total", result.Total),
		zap.Int("cancelled", result.Cancelled),
		zap.Int("errors", result.Errors),
	)
	return result, nil
}
