package service

import (
	"context"
	"time"

	accountdomain "github.com/opsframe/adrflow/internal/account/domain"
	"github.com/opsframe/adrflow/internal/adr"
	jobdomain "github.com/opsframe/adrflow/internal/job/domain"
	obsmetrics "github.com/opsframe/adrflow/internal/observability/metrics"
	"github.com/opsframe/adrflow/internal/orchestrator/domain"
	"github.com/opsframe/adrflow/internal/progress"
	"go.uber.org/zap"
)

// ProcessScraping submits DownloadInvoice for verified jobs whose run date
// has arrived, plus failed scrapes still inside their retry window.
func (s *Service) ProcessScraping(ctx context.Context, onProgress progress.Func) (domain.ScrapeResult, error) {
	started := time.Now()
	defer func() { s.metrics.ObserveStageDuration(obsmetrics.StageScrape, time.Since(started)) }()

	result := domain.ScrapeResult{}
	settings := s.settings.Effective(ctx)
	now := s.clock.Now()

	jobs, err := s.loadScrapeDueJobs(ctx, now, settings.MaxRetries, settings.ScrapeRetryDays)
	if err != nil {
		return result, err
	}
	if settings.TestModeEnabled && settings.TestModeMaxScrapingJobs > 0 && len(jobs) > settings.TestModeMaxScrapingJobs {
		jobs = jobs[:settings.TestModeMaxScrapingJobs]
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

	execs, _, err := s.markInProgress(ctx, jobs, jobdomain.JobStatusScrapeInProgress,
		func(*jobdomain.Job) jobdomain.RequestType { return jobdomain.RequestTypeDownloadInvoice },
		onProgress)
	if err != nil {
		return result, err
	}

	outcomes := s.fanOut(ctx, jobs, settings.MaxParallelRequests, "download_invoice", onProgress,
		func(cctx context.Context, job *jobdomain.Job) (adr.Response, error) {
			start := job.BillingPeriodStartAt
			end := job.BillingPeriodEndAt
			req := adr.IngestRequest{
				RequestType:   jobdomain.RequestTypeDownloadInvoice,
				CredentialID:  job.CredentialID,
				StartDate:     &start,
				EndDate:       &end,
				JobID:         int64(job.ID),
				IsLastAttempt: s.isLastAttempt(job, now),
			}
			if account, ok := accounts[job.AccountID]; ok {
				req.AccountID = account.VMAccountID
				req.InterfaceAccountID = account.InterfaceAccountID
			}
			return s.adr.Ingest(cctx, req)
		})

	now = s.clock.Now()
	var dirtyJobs []*jobdomain.Job
	var dirtyExecs []*jobdomain.JobExecution
	var dirtyAccounts []*accountdomain.Account
	var dirtyRules []*accountdomain.AccountRule
	flush := func() error {
		if err := s.jobrepo.BatchUpdate(ctx, dirtyJobs); err != nil {
			return err
		}
		if err := s.execrepo.BatchUpdate(ctx, dirtyExecs); err != nil {
			return err
		}
		if err := s.rulerepo.BatchUpdate(ctx, dirtyRules); err != nil {
			return err
		}
		if err := s.accountrepo.BatchUpdate(ctx, dirtyAccounts); err != nil {
			return err
		}
		dirtyJobs = dirtyJobs[:0]
		dirtyExecs = dirtyExecs[:0]
		dirtyAccounts = dirtyAccounts[:0]
		dirtyRules = dirtyRules[:0]
		return nil
	}

	for _, job := range jobs {
		out := outcomes[job.ID]
		exec := execs[job.ID]
		s.finishExecution(exec, out, now, truncDefault)

		switch {
		case out.err != nil || out.resp.IsError || hasErrorStatus(out.resp):
			job.Status = jobdomain.JobStatusScrapeFailed
			job.RetryCount++
			job.ErrorMessage = truncate(errorMessage(out.resp, out.err), truncDefault)
			result.Failed++

		case out.resp.Final() && out.resp.StatusID != nil && *out.resp.StatusID == jobdomain.ADRStatusComplete:
			// Synchronous completion: some vendors answer the ingest call with
			// the finished document.
			account := accounts[job.AccountID]
			rule := rules[job.AccountID]
			s.completeJob(job, rule, account, jobdomain.JobStatusCompleted, now)
			job.ErrorMessage = ""
			if rule != nil {
				dirtyRules = append(dirtyRules, rule)
			}
			if account != nil {
				dirtyAccounts = append(dirtyAccounts, account)
			}
			result.Completed++

		default:
			job.Status = jobdomain.JobStatusScrapeRequested
			job.ErrorMessage = ""
			result.Requested++
		}
		applyResponseIdentifiers(job, out.resp)
		job.ModifiedAt = now

		dirtyJobs = append(dirtyJobs, job)
		dirtyExecs = append(dirtyExecs, exec)
		if len(dirtyJobs) >= settings.BatchSize {
			if err := flush(); err != nil {
				return result, err
			}
		}
	}
	if err := flush(); err != nil {
		return result, err
	}

	s.metrics.AddStageItems(obsmetrics.StageScrape, "requested", result.Requested)
	s.metrics.AddStageItems(obsmetrics.StageScrape, "completed", result.Completed)
	s.metrics.AddStageItems(obsmetrics.StageScrape, "failed", result.Failed)
	s.log.Info("scrape submission finished",
		zap.Int("total", result.Total),
		zap.Int("requested", result.Requested),
		zap.Int("completed", result.Completed),
		zap.Int("failed", result.Failed),
	)
	return result, nil
}

// loadScrapeDueJobs selects verified jobs whose run date has arrived and
// failed scrapes still inside their retry budget. The retry-window cutoff is
// applied in Go to stay portable across database dialects.
func (s *Service) loadScrapeDueJobs(ctx context.Context, now time.Time, maxRetries, retryDays int) ([]*jobdomain.Job, error) {
	var candidates []*jobdomain.Job
	err := s.db.WithContext(ctx).
		Where(`is_deleted = ? AND next_run_at IS NOT NULL AND next_run_at <= ?
		       AND (status = ? OR (status = ? AND retry_count < ?))`,
			false, now,
			jobdomain.JobStatusCredentialVerified,
			jobdomain.JobStatusScrapeFailed, maxRetries).
		Order("id").
		Find(&candidates).Error
	if err != nil {
		return nil, err
	}

	jobs := candidates[:0]
	for _, job := range candidates {
		if job.Status == jobdomain.JobStatusScrapeFailed {
			cutoff := job.NextRunAt.AddDate(0, 0, retryDays)
			if now.After(cutoff) {
				continue
			}
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// isLastAttempt tells the remote service this is the closing call for the
// window, so it runs its most thorough retrieval path.
func (s *Service) isLastAttempt(job *jobdomain.Job, now time.Time) bool {
	if job.NextRangeEndAt == nil {
		return false
	}
	return !now.Before(*job.NextRangeEndAt)
}
