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
	settingsdomain "github.com/opsframe/adrflow/internal/settings/domain"
	"go.uber.org/zap"
)

type statusCheckMode int

const (
	// statusCheckScheduled is the daily pass: only jobs whose last check is
	// older than the configured delay are polled.
	statusCheckScheduled statusCheckMode = iota

	// statusCheckManual polls every scraped job regardless of timing. Its
	// apply phase reports through the manual progress offset.
	statusCheckManual
)

// CheckPendingStatuses polls the remote service for jobs awaiting a scrape
// or credential outcome, honoring the daily re-check delay.
func (s *Service) CheckPendingStatuses(ctx context.Context, onProgress progress.Func) (domain.StatusCheckResult, error) {
	return s.runStatusCheck(ctx, statusCheckScheduled, onProgress)
}

// CheckAllScrapedStatuses polls every scraped job immediately. Operators use
// it after a remote-side incident to reconcile in one pass.
func (s *Service) CheckAllScrapedStatuses(ctx context.Context, onProgress progress.Func) (domain.StatusCheckResult, error) {
	return s.runStatusCheck(ctx, statusCheckManual, onProgress)
}

func (s *Service) runStatusCheck(ctx context.Context, mode statusCheckMode, onProgress progress.Func) (domain.StatusCheckResult, error) {
	started := time.Now()
	defer func() { s.metrics.ObserveStageDuration(obsmetrics.StageStatusCheck, time.Since(started)) }()

	result := domain.StatusCheckResult{}
	settings := s.settings.Effective(ctx)
	now := s.clock.Now()

	jobs, err := s.loadStatusCheckJobs(ctx, mode, now, settings)
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

	execs, prior, err := s.markInProgress(ctx, jobs, jobdomain.JobStatusStatusCheckInProgress,
		func(job *jobdomain.Job) jobdomain.RequestType {
			if job.Status == jobdomain.JobStatusCredentialCheckInProgress {
				return jobdomain.RequestTypeAttemptLogin
			}
			return jobdomain.RequestTypeDownloadInvoice
		},
		onProgress)
	if err != nil {
		return result, err
	}

	outcomes := s.fanOut(ctx, jobs, settings.MaxParallelRequests, "status_check", onProgress,
		func(cctx context.Context, job *jobdomain.Job) (adr.Response, error) {
			return s.adr.RequestStatusByJobID(cctx, int64(job.ID))
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

	for i, job := range jobs {
		if mode == statusCheckManual {
			onProgress.Apply(i + 1)
		}
		out := outcomes[job.ID]
		exec := execs[job.ID]
		s.finishExecution(exec, out, now, truncStatusCheck)

		job.LastStatusCheckAt = &now
		job.LastStatusCheckResponse = truncate(out.resp.RawBody, truncStatusCheck)

		account := accounts[job.AccountID]
		rule := rules[job.AccountID]
		advanced := s.applyStatusOutcome(job, out, prior[job.ID], rule, account, now, &result)
		if advanced {
			if rule != nil {
				dirtyRules = append(dirtyRules, rule)
			}
			if account != nil {
				dirtyAccounts = append(dirtyAccounts, account)
			}
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

	s.metrics.AddStageItems(obsmetrics.StageStatusCheck, "completed", result.Completed)
	s.metrics.AddStageItems(obsmetrics.StageStatusCheck, "needs_review", result.NeedsReview)
	s.metrics.AddStageItems(obsmetrics.StageStatusCheck, "still_pending", result.StillPending)
	s.metrics.AddStageItems(obsmetrics.StageStatusCheck, "failed", result.Failed+result.CredentialFailed)
	s.metrics.AddStageItems(obsmetrics.StageStatusCheck, "no_invoice_found", result.NoInvoiceFound)
	s.log.Info("status check finished",
		zap.Bool("manual", mode == statusCheckManual),
		zap.Int("total", result.Total),
		zap.Int("completed", result.Completed),
		zap.Int("needs_review", result.NeedsReview),
		zap.Int("credential_verified", result.CredentialVerified),
		zap.Int("credential_failed", result.CredentialFailed),
		zap.Int("failed", result.Failed),
		zap.Int("no_invoice_found", result.NoInvoiceFound),
		zap.Int("still_pending", result.StillPending),
		zap.Int("errors", result.Errors),
	)
	return result, nil
}

// applyStatusOutcome maps one poll result onto the job and reports whether
// the schedule advanced (rule and account need persisting).
func (s *Service) applyStatusOutcome(
	job *jobdomain.Job,
	out callOutcome,
	prior jobdomain.JobStatus,
	rule *accountdomain.AccountRule,
	account *accountdomain.Account,
	now time.Time,
	result *domain.StatusCheckResult,
) bool {
	revert := func() {
		// A transient poll problem or an in-flight remote status leaves the
		// job where the previous stage put it.
		if prior == jobdomain.JobStatusStatusCheckInProgress {
			prior = jobdomain.JobStatusScrapeRequested
		}
		job.Status = prior
		result.StillPending++
	}

	if out.err != nil {
		appendError(&result.ErrorMessages, &result.Errors,
			"job %d: status poll failed: %v", int64(job.ID), out.err)
		revert()
		return false
	}

	credentialStream := prior == jobdomain.JobStatusCredentialCheckInProgress

	// A non-final answer past the retrieval window means the invoice never
	// appeared; close the window and move on. Only the scrape stream closes
	// this way: a credential job stuck past its window belongs to the stale
	// finalizer.
	if !out.resp.Final() {
		if !credentialStream && job.NextRangeEndAt != nil && now.After(*job.NextRangeEndAt) {
			s.completeJob(job, rule, account, jobdomain.JobStatusNoInvoiceFound, now)
			result.NoInvoiceFound++
			return true
		}
		revert()
		return false
	}

	statusID := 0
	if out.resp.StatusID != nil {
		statusID = *out.resp.StatusID
	}
	switch {
	case statusID == jobdomain.ADRStatusComplete:
		s.completeJob(job, rule, account, jobdomain.JobStatusCompleted, now)
		job.ErrorMessage = ""
		result.Completed++
		return true

	case statusID == jobdomain.ADRStatusNeedsReview:
		// Not terminal. The schedule does not advance until a human resolves
		// the document.
		job.Status = jobdomain.JobStatusNeedsReview
		result.NeedsReview++
		return false

	case statusID == jobdomain.ADRStatusLoginSucceeded:
		job.Status = jobdomain.JobStatusCredentialVerified
		job.CredentialVerifiedAt = &now
		job.ErrorMessage = ""
		result.CredentialVerified++
		return false

	case jobdomain.IsADRErrorStatus(statusID) || out.resp.IsError:
		job.ErrorMessage = truncate(errorMessage(out.resp, nil), truncStatusCheck)
		if credentialStream {
			job.Status = jobdomain.JobStatusCredentialFailed
			job.RetryCount++
			result.CredentialFailed++
			return false
		}
		job.Status = jobdomain.JobStatusFailed
		job.ScrapingCompletedAt = &now
		result.Failed++
		return false

	default:
		revert()
		return false
	}
}

func (s *Service) loadStatusCheckJobs(ctx context.Context, mode statusCheckMode, now time.Time, settings settingsdomain.Settings) ([]*jobdomain.Job, error) {
	var jobs []*jobdomain.Job
	query := s.db.WithContext(ctx).Where("is_deleted = ?", false).Order("id")

	if mode == statusCheckManual {
		query = query.Where("status IN ?", []jobdomain.JobStatus{
			jobdomain.JobStatusScrapeRequested,
			jobdomain.JobStatusStatusCheckInProgress,
		})
	} else {
		cutoff := now.AddDate(0, 0, -settings.DailyStatusCheckDelayDays)
		query = query.Where(`status IN ? AND (last_status_check_at IS NULL OR last_status_check_at <= ?)`,
			[]jobdomain.JobStatus{
				jobdomain.JobStatusScrapeRequested,
				jobdomain.JobStatusCredentialCheckInProgress,
				jobdomain.JobStatusNeedsReview,
			}, cutoff)
	}

	if err := query.Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}
