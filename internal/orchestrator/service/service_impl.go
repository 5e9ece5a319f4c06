package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/opsframe/adrflow/internal/account/domain"
	accountsyncdomain "github.com/opsframe/adrflow/internal/accountsync/domain"
	"github.com/opsframe/adrflow/internal/adr"
	blacklistdomain "github.com/opsframe/adrflow/internal/blacklist/domain"
	"github.com/opsframe/adrflow/internal/clock"
	"github.com/opsframe/adrflow/internal/config"
	jobdomain "github.com/opsframe/adrflow/internal/job/domain"
	obsmetrics "github.com/opsframe/adrflow/internal/observability/metrics"
	"github.com/opsframe/adrflow/internal/orchestrator/domain"
	"github.com/opsframe/adrflow/internal/progress"
	"github.com/opsframe/adrflow/internal/providers/email"
	settingsdomain "github.com/opsframe/adrflow/internal/settings/domain"
	"github.com/opsframe/adrflow/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const (
	// markBatchSize bounds the transaction size of the sequential
	// mark-in-progress phase.
	markBatchSize = 500

	// Response bodies persisted on executions are truncated to bound
	// database growth.
	truncStatusCheck = 1000
	truncDefault     = 500
)

type ServiceParam struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Clock     clock.Clock
	Config    config.Config
	Settings  settingsdomain.Service
	Blacklist blacklistdomain.Service
	Sync      accountsyncdomain.Service
	ADR       adr.Client
	Email     email.Provider
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	clock     clock.Clock
	cfg       config.Config
	settings  settingsdomain.Service
	blacklist blacklistdomain.Service
	sync      accountsyncdomain.Service
	adr       adr.Client
	email     email.Provider
	metrics   *obsmetrics.OrchestratorMetrics

	appStart time.Time

	jobrepo     repository.Repository[jobdomain.Job]
	execrepo    repository.Repository[jobdomain.JobExecution]
	rulerepo    repository.Repository[accountdomain.AccountRule]
	accountrepo repository.Repository[accountdomain.Account]
	runrepo     repository.Repository[domain.OrchestrationRun]
}

func NewService(p ServiceParam) domain.Service {
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("orchestrator.service"),
		genID:     p.GenID,
		clock:     p.Clock,
		cfg:       p.Config,
		settings:  p.Settings,
		blacklist: p.Blacklist,
		sync:      p.Sync,
		adr:       p.ADR,
		email:     p.Email,
		metrics:   obsmetrics.Orchestrator(),
		appStart:  p.Clock.Now(),

		jobrepo:     repository.ProvideStore[jobdomain.Job](p.DB),
		execrepo:    repository.ProvideStore[jobdomain.JobExecution](p.DB),
		rulerepo:    repository.ProvideStore[accountdomain.AccountRule](p.DB),
		accountrepo: repository.ProvideStore[accountdomain.Account](p.DB),
		runrepo:     repository.ProvideStore[domain.OrchestrationRun](p.DB),
	}
}

var Module = fx.Module("orchestrator.service",
	fx.Provide(NewService),
)

// SyncAccounts delegates to the sync engine; it is part of this API so the
// runner and the HTTP layer drive one surface.
func (s *Service) SyncAccounts(ctx context.Context, onProgress progress.Func, onSubstep progress.SubstepFunc) (accountsyncdomain.SyncResult, error) {
	return s.sync.SyncAccounts(ctx, onProgress, onSubstep)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

func errorMessage(resp adr.Response, err error) string {
	if err != nil {
		return err.Error()
	}
	if resp.StatusDescription != "" {
		return resp.StatusDescription
	}
	return truncate(resp.RawBody, truncDefault)
}

// newExecution opens a Running execution for a remote attempt.
func (s *Service) newExecution(job *jobdomain.Job, reqType jobdomain.RequestType, payload string, now time.Time) *jobdomain.JobExecution {
	return &jobdomain.JobExecution{
		ID:             s.genID.Generate(),
		JobID:          job.ID,
		RequestTypeID:  int(reqType),
		Status:         jobdomain.ExecutionStatusRunning,
		StartAt:        now,
		RequestPayload: truncate(payload, truncDefault),
		CreatedAt:      now,
		ModifiedAt:     now,
	}
}

// finishExecution closes an execution from a remote outcome.
func (s *Service) finishExecution(exec *jobdomain.JobExecution, out callOutcome, now time.Time, truncTo int) {
	exec.EndAt = &now
	duration := now.Sub(exec.StartAt).Seconds()
	exec.DurationSeconds = &duration
	exec.ModifiedAt = now

	exec.HTTPStatus = intPtrNonZero(out.resp.HTTPStatus)
	exec.ADRStatusID = out.resp.StatusID
	exec.ADRStatusDescription = out.resp.StatusDescription
	exec.ADRIndexID = out.resp.IndexID
	exec.APIResponse = truncate(out.resp.RawBody, truncTo)
	exec.IsFinal = out.resp.Final()

	if out.err != nil || out.resp.IsError {
		exec.Status = jobdomain.ExecutionStatusFailed
		exec.IsError = true
		exec.ErrorMessage = truncate(errorMessage(out.resp, out.err), truncTo)
		return
	}
	exec.Status = jobdomain.ExecutionStatusCompleted
	exec.IsSuccess = true
}

func intPtrNonZero(v int) *int {
	if v == 0 {
		return nil
	}
	return &v
}

// callOutcome is one completed remote call.
type callOutcome struct {
	resp adr.Response
	err  error
}

// fanOut runs one remote call per job with bounded parallelism. Completion
// order is unconstrained; results land in a map keyed by job id. Individual
// call failures never abort the group.
func (s *Service) fanOut(
	ctx context.Context,
	jobs []*jobdomain.Job,
	parallel int,
	operation string,
	onProgress progress.Func,
	call func(context.Context, *jobdomain.Job) (adr.Response, error),
) map[snowflake.ID]callOutcome {
	if parallel < 1 {
		parallel = 1
	}

	outcomes := make(map[snowflake.ID]callOutcome, len(jobs))
	var mu sync.Mutex
	done := 0

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)
	for _, job := range jobs {
		job := job
		g.Go(func() error {
			var out callOutcome
			if err := gctx.Err(); err != nil {
				out.err = err
			} else {
				s.metrics.ADRCallStarted()
				start := time.Now()
				out.resp, out.err = call(gctx, job)
				s.metrics.ADRCallFinished()
				outcome := "success"
				if out.err != nil {
					outcome = "error"
				}
				s.metrics.ObserveADRCall(operation, outcome, time.Since(start))
			}

			mu.Lock()
			outcomes[job.ID] = out
			done++
			current := done
			mu.Unlock()
			onProgress.Report(current, len(jobs))
			return nil
		})
	}
	g.Wait()
	return outcomes
}

// markInProgress transitions jobs to a stage's in-progress status and opens
// executions, persisting in sub-batches. It returns the open executions and
// the statuses the jobs held before marking.
func (s *Service) markInProgress(
	ctx context.Context,
	jobs []*jobdomain.Job,
	status jobdomain.JobStatus,
	reqType func(*jobdomain.Job) jobdomain.RequestType,
	onProgress progress.Func,
) (map[snowflake.ID]*jobdomain.JobExecution, map[snowflake.ID]jobdomain.JobStatus, error) {
	now := s.clock.Now()
	execs := make(map[snowflake.ID]*jobdomain.JobExecution, len(jobs))
	prior := make(map[snowflake.ID]jobdomain.JobStatus, len(jobs))

	var dirtyJobs []*jobdomain.Job
	var newExecs []*jobdomain.JobExecution
	flush := func() error {
		// A cancelled run still persists the batch it already computed;
		// cancellation is observed after the write so marked jobs and their
		// open executions never diverge.
		wctx := context.WithoutCancel(ctx)
		if err := s.jobrepo.BatchUpdate(wctx, dirtyJobs); err != nil {
			return err
		}
		if err := s.execrepo.BatchCreate(wctx, newExecs); err != nil {
			return err
		}
		dirtyJobs = dirtyJobs[:0]
		newExecs = newExecs[:0]
		return ctx.Err()
	}

	for i, job := range jobs {
		prior[job.ID] = job.Status
		exec := s.newExecution(job, reqType(job), "", now)
		job.Status = status
		job.ModifiedAt = now
		execs[job.ID] = exec

		dirtyJobs = append(dirtyJobs, job)
		newExecs = append(newExecs, exec)
		onProgress.Setup(i + 1)

		if len(dirtyJobs) >= markBatchSize {
			if err := flush(); err != nil {
				return nil, nil, err
			}
		}
	}
	if err := flush(); err != nil {
		return nil, nil, err
	}
	return execs, prior, nil
}

// loadJobAccounts loads the accounts behind a job working set into a map.
func (s *Service) loadJobAccounts(ctx context.Context, jobs []*jobdomain.Job) (map[snowflake.ID]*accountdomain.Account, error) {
	ids := make([]snowflake.ID, 0, len(jobs))
	seen := make(map[snowflake.ID]bool, len(jobs))
	for _, job := range jobs {
		if !seen[job.AccountID] {
			seen[job.AccountID] = true
			ids = append(ids, job.AccountID)
		}
	}
	if len(ids) == 0 {
		return map[snowflake.ID]*accountdomain.Account{}, nil
	}

	var accounts []*accountdomain.Account
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&accounts).Error; err != nil {
		return nil, err
	}
	byID := make(map[snowflake.ID]*accountdomain.Account, len(accounts))
	for _, account := range accounts {
		byID[account.ID] = account
	}
	return byID, nil
}

// loadJobRules loads the download rules behind a job working set.
func (s *Service) loadJobRules(ctx context.Context, jobs []*jobdomain.Job) (map[snowflake.ID]*accountdomain.AccountRule, error) {
	ids := make([]snowflake.ID, 0, len(jobs))
	seen := make(map[snowflake.ID]bool, len(jobs))
	for _, job := range jobs {
		if !seen[job.AccountID] {
			seen[job.AccountID] = true
			ids = append(ids, job.AccountID)
		}
	}
	if len(ids) == 0 {
		return map[snowflake.ID]*accountdomain.AccountRule{}, nil
	}

	var rules []*accountdomain.AccountRule
	if err := s.db.WithContext(ctx).
		Where("account_id IN ? AND job_type_id = ? AND is_deleted = ?",
			ids, accountdomain.JobTypeDownloadInvoice, false).
		Find(&rules).Error; err != nil {
		return nil, err
	}
	byAccount := make(map[snowflake.ID]*accountdomain.AccountRule, len(rules))
	for _, rule := range rules {
		byAccount[rule.AccountID] = rule
	}
	return byAccount, nil
}

func appendError(messages *[]string, count *int, format string, args ...any) {
	*count++
	*messages = append(*messages, fmt.Sprintf(format, args...))
}
