package service

import (
	"context"
	"time"

	"github.com/opsframe/adrflow/internal/adr"
	jobdomain "github.com/opsframe/adrflow/internal/job/domain"
	obsmetrics "github.com/opsframe/adrflow/internal/observability/metrics"
	"github.com/opsframe/adrflow/internal/orchestrator/domain"
	"github.com/opsframe/adrflow/internal/progress"
	"go.uber.org/zap"
)

// VerifyCredentials submits AttemptLogin for jobs whose run date falls
// within the credential lead window and applies the outcomes.
func (s *Service) VerifyCredentials(ctx context.Context, onProgress progress.Func) (domain.CredentialVerificationResult, error) {
	started := time.Now()
	defer func() { s.metrics.ObserveStageDuration(obsmetrics.StageCredentials, time.Since(started)) }()

	result := domain.CredentialVerificationResult{}
	settings := s.settings.Effective(ctx)

	now := s.clock.Now()
	horizon := now.AddDate(0, 0, settings.CredentialCheckLeadDays)

	var jobs []*jobdomain.Job
	err := s.db.WithContext(ctx).
		Where(`status IN ? AND retry_count < ? AND is_deleted = ?
		       AND next_run_at IS NOT NULL AND next_run_at <= ?`,
			[]jobdomain.JobStatus{jobdomain.JobStatusPending, jobdomain.JobStatusCredentialFailed},
			settings.MaxRetries, false, horizon).
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

	execs, _, err := s.markInProgress(ctx, jobs, jobdomain.JobStatusCredentialCheckInProgress,
		func(*jobdomain.Job) jobdomain.RequestType { return jobdomain.RequestTypeAttemptLogin },
		onProgress)
	if err != nil {
		return result, err
	}

	outcomes := s.fanOut(ctx, jobs, settings.MaxParallelRequests, "attempt_login", onProgress,
		func(cctx context.Context, job *jobdomain.Job) (adr.Response, error) {
			req := adr.IngestRequest{
				RequestType:  jobdomain.RequestTypeAttemptLogin,
				CredentialID: job.CredentialID,
				JobID:        int64(job.ID),
			}
			if account, ok := accounts[job.AccountID]; ok {
				req.AccountID = account.VMAccountID
				req.InterfaceAccountID = account.InterfaceAccountID
			}
			return s.adr.Ingest(cctx, req)
		})

	// Sequential apply on the already-tracked working set.
	now = s.clock.Now()
	var dirtyJobs []*jobdomain.Job
	var dirtyExecs []*jobdomain.JobExecution
	flush := func() error {
		if err := s.jobrepo.BatchUpdate(ctx, dirtyJobs); err != nil {
			return err
		}
		if err := s.execrepo.BatchUpdate(ctx, dirtyExecs); err != nil {
			return err
		}
		dirtyJobs = dirtyJobs[:0]
		dirtyExecs = dirtyExecs[:0]
		return nil
	}

	for _, job := range jobs {
		out := outcomes[job.ID]
		exec := execs[job.ID]
		s.finishExecution(exec, out, now, truncDefault)

		if out.err != nil || out.resp.IsError || hasErrorStatus(out.resp) {
			job.Status = jobdomain.JobStatusCredentialFailed
			job.RetryCount++
			job.ErrorMessage = truncate(errorMessage(out.resp, out.err), truncDefault)
			result.Failed++
		} else {
			job.Status = jobdomain.JobStatusCredentialVerified
			job.CredentialVerifiedAt = &now
			job.ErrorMessage = ""
			result.Verified++
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

	s.metrics.AddStageItems(obsmetrics.StageCredentials, "verified", result.Verified)
	s.metrics.AddStageItems(obsmetrics.StageCredentials, "failed", result.Failed)
	s.log.Info("credential verification finished",
		zap.Int("total", result.Total),
		zap.Int("verified", result.Verified),
		zap.Int("failed", result.Failed),
	)
	return result, nil
}

func hasErrorStatus(resp adr.Response) bool {
	return resp.StatusID != nil && jobdomain.IsADRErrorStatus(*resp.StatusID)
}

func applyResponseIdentifiers(job *jobdomain.Job, resp adr.Response) {
	if resp.StatusID != nil {
		job.ADRStatusID = resp.StatusID
		job.ADRStatusDescription = resp.StatusDescription
	}
	if resp.IndexID != nil {
		job.ADRIndexID = resp.IndexID
	}
}
