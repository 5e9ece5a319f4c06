package service

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/opsframe/adrflow/internal/account/domain"
	blacklistdomain "github.com/opsframe/adrflow/internal/blacklist/domain"
	"github.com/opsframe/adrflow/internal/billingperiod"
	jobdomain "github.com/opsframe/adrflow/internal/job/domain"
	obsmetrics "github.com/opsframe/adrflow/internal/observability/metrics"
	"github.com/opsframe/adrflow/internal/orchestrator/domain"
	"github.com/opsframe/adrflow/internal/progress"
	"go.uber.org/zap"
)

// CreateJobs opens a Pending job for every due account that has a
// schedulable rule and no job for the rule's billing window yet.
func (s *Service) CreateJobs(ctx context.Context, onProgress progress.Func) (domain.JobCreationResult, error) {
	started := time.Now()
	defer func() { s.metrics.ObserveStageDuration(obsmetrics.StageCreateJobs, time.Since(started)) }()

	result := domain.JobCreationResult{}
	settings := s.settings.Effective(ctx)
	filter := s.blacklist.Load(ctx, blacklistdomain.ExclusionDownload)

	now := s.clock.Now()
	horizon := now.AddDate(0, 0, settings.CredentialCheckLeadDays)

	accounts, err := s.loadDueAccounts(ctx, horizon)
	if err != nil {
		return result, err
	}
	result.Total = len(accounts)

	rules, err := s.loadSchedulableRules(ctx, accounts)
	if err != nil {
		return result, err
	}
	existing, err := s.loadExistingWindows(ctx, accounts)
	if err != nil {
		return result, err
	}

	var creates []*jobdomain.Job
	flush := func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.jobrepo.BatchCreate(ctx, creates); err != nil {
			return err
		}
		creates = creates[:0]
		return nil
	}

	for i, account := range accounts {
		onProgress.Report(i+1, result.Total)

		if filter.IsBlacklisted(account.BlacklistCandidate()) {
			result.Blacklisted++
			continue
		}
		rule, ok := rules[account.ID]
		if !ok {
			result.NoActiveRule++
			continue
		}
		if existing[windowKey(account.ID, *rule.NextRangeStartAt, *rule.NextRangeEndAt)] {
			result.AlreadyExists++
			continue
		}

		creates = append(creates, s.newJob(account, rule, now))
		result.Created++

		if len(creates) >= settings.BatchSize {
			if err := flush(); err != nil {
				return result, err
			}
		}
	}
	if err := flush(); err != nil {
		return result, err
	}

	s.metrics.AddStageItems(obsmetrics.StageCreateJobs, "created", result.Created)
	s.metrics.AddStageItems(obsmetrics.StageCreateJobs, "blacklisted", result.Blacklisted)
	s.log.Info("job creation finished",
		zap.Int("due_accounts", result.Total),
		zap.Int("created", result.Created),
		zap.Int("blacklisted", result.Blacklisted),
		zap.Int("no_active_rule", result.NoActiveRule),
		zap.Int("already_exists", result.AlreadyExists),
	)
	return result, nil
}

// newJob copies all scheduling fields from the rule, never from the account
// mirror.
func (s *Service) newJob(account *accountdomain.Account, rule *accountdomain.AccountRule, now time.Time) *jobdomain.Job {
	ruleID := rule.ID
	return &jobdomain.Job{
		ID:                   s.genID.Generate(),
		AccountID:            account.ID,
		AccountRuleID:        &ruleID,
		CredentialID:         account.CredentialID,
		PeriodType:           rule.PeriodType,
		BillingPeriodStartAt: *rule.NextRangeStartAt,
		BillingPeriodEndAt:   *rule.NextRangeEndAt,
		NextRunAt:            rule.NextRunAt,
		NextRangeStartAt:     rule.NextRangeStartAt,
		NextRangeEndAt:       rule.NextRangeEndAt,
		Status:               jobdomain.JobStatusPending,
		IsMissing:            account.HistoricalBillingStatus == billingperiod.HistoricalMissing,
		CreatedAt:            now,
		ModifiedAt:           now,
	}
}

func (s *Service) loadDueAccounts(ctx context.Context, horizon time.Time) ([]*accountdomain.Account, error) {
	var accounts []*accountdomain.Account
	err := s.db.WithContext(ctx).
		Where("is_deleted = ? AND next_run_at IS NOT NULL AND next_run_at <= ?", false, horizon).
		Order("id").
		Find(&accounts).Error
	if err != nil {
		return nil, err
	}
	return accounts, nil
}

func (s *Service) loadSchedulableRules(ctx context.Context, accounts []*accountdomain.Account) (map[snowflake.ID]*accountdomain.AccountRule, error) {
	ids := make([]snowflake.ID, 0, len(accounts))
	for _, account := range accounts {
		ids = append(ids, account.ID)
	}
	if len(ids) == 0 {
		return map[snowflake.ID]*accountdomain.AccountRule{}, nil
	}

	var rules []*accountdomain.AccountRule
	err := s.db.WithContext(ctx).
		Where(`account_id IN ? AND job_type_id = ? AND is_enabled = ? AND is_deleted = ?
		       AND next_run_at IS NOT NULL AND next_range_start_at IS NOT NULL AND next_range_end_at IS NOT NULL`,
			ids, accountdomain.JobTypeDownloadInvoice, true, false).
		Find(&rules).Error
	if err != nil {
		return nil, err
	}

	byAccount := make(map[snowflake.ID]*accountdomain.AccountRule, len(rules))
	for _, rule := range rules {
		byAccount[rule.AccountID] = rule
	}
	return byAccount, nil
}

// loadExistingWindows prechecks the one-job-per-billing-window invariant in
// bulk rather than one query per candidate.
func (s *Service) loadExistingWindows(ctx context.Context, accounts []*accountdomain.Account) (map[string]bool, error) {
	ids := make([]snowflake.ID, 0, len(accounts))
	for _, account := range accounts {
		ids = append(ids, account.ID)
	}
	if len(ids) == 0 {
		return map[string]bool{}, nil
	}

	var jobs []*jobdomain.Job
	err := s.db.WithContext(ctx).
		Select("account_id", "billing_period_start_at", "billing_period_end_at").
		Where("account_id IN ? AND is_deleted = ?", ids, false).
		Find(&jobs).Error
	if err != nil {
		return nil, err
	}

	windows := make(map[string]bool, len(jobs))
	for _, job := range jobs {
		windows[windowKey(job.AccountID, job.BillingPeriodStartAt, job.BillingPeriodEndAt)] = true
	}
	return windows, nil
}

func windowKey(accountID snowflake.ID, start, end time.Time) string {
	return fmt.Sprintf("%d|%d|%d", accountID, start.UTC().Unix(), end.UTC().Unix())
}
