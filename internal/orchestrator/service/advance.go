package service

import (
	"errors"
	"time"

	accountdomain "github.com/opsframe/adrflow/internal/account/domain"
	"github.com/opsframe/adrflow/internal/billingperiod"
	jobdomain "github.com/opsframe/adrflow/internal/job/domain"
	"go.uber.org/zap"
)

var errNoRuleToAdvance = errors.New("no rule to advance")

// maxWindowDays sanity-clamps window offsets recovered from a rule's stored
// dates.
const maxWindowDays = 365

// advanceRule moves a rule one billing period forward after its job
// terminated. The job's scheduled run date anchors the step so slow status
// checks never drift the schedule. The manual-override flag is left alone:
// the system cannot tell a date-only override from a cadence override.
func (s *Service) advanceRule(job *jobdomain.Job, rule *accountdomain.AccountRule, account *accountdomain.Account, now time.Time) error {
	if rule == nil {
		return errNoRuleToAdvance
	}

	anchorDate := job.NextRunAt
	if anchorDate == nil {
		anchorDate = rule.NextRunAt
	}
	if anchorDate == nil {
		return errNoRuleToAdvance
	}

	anchorDay := billingperiod.AnchorDay(*anchorDate)
	newNextRun := billingperiod.Step(rule.PeriodType, *anchorDate, anchorDay)

	before, after := s.windowOffsets(rule)
	newStart, newEnd := billingperiod.Window(newNextRun, before, after)

	rule.NextRunAt = &newNextRun
	rule.NextRangeStartAt = &newStart
	rule.NextRangeEndAt = &newEnd
	rule.ModifiedAt = now

	if account != nil {
		s.mirrorRuleOntoAccount(account, rule, now)
	}
	return nil
}

// windowOffsets recovers the rule's current window offsets from its stored
// dates so they survive advancement. Degenerate offsets fall back to the
// stored day counts or the period-type default.
func (s *Service) windowOffsets(rule *accountdomain.AccountRule) (before, after int) {
	defBefore, defAfter := billingperiod.DefaultWindow(rule.PeriodType)
	if rule.WindowDaysBefore != nil {
		defBefore = *rule.WindowDaysBefore
	}
	if rule.WindowDaysAfter != nil {
		defAfter = *rule.WindowDaysAfter
	}

	before, after = defBefore, defAfter
	if rule.NextRunAt != nil && rule.NextRangeStartAt != nil {
		b := billingperiod.DaysBetween(*rule.NextRangeStartAt, *rule.NextRunAt)
		if b >= 0 && b <= maxWindowDays {
			before = b
		}
	}
	if rule.NextRunAt != nil && rule.NextRangeEndAt != nil {
		a := billingperiod.DaysBetween(*rule.NextRunAt, *rule.NextRangeEndAt)
		if a >= 0 && a <= maxWindowDays {
			after = a
		}
	}
	return before, after
}

func (s *Service) mirrorRuleOntoAccount(account *accountdomain.Account, rule *accountdomain.AccountRule, now time.Time) {
	account.NextRunAt = rule.NextRunAt
	account.NextRangeStartAt = rule.NextRangeStartAt
	account.NextRangeEndAt = rule.NextRangeEndAt
	account.PeriodType = rule.PeriodType
	account.ModifiedAt = now

	if rule.NextRunAt == nil {
		account.DaysUntilNextRun = nil
		account.NextRunStatus = billingperiod.RunMissing
		return
	}
	days := billingperiod.DaysBetween(now, *rule.NextRunAt)
	account.DaysUntilNextRun = &days

	before, _ := s.windowOffsets(rule)
	account.NextRunStatus = billingperiod.DeriveRunStatus(
		account.HistoricalBillingStatus, days, before)
}

// recordSuccessfulDownload updates the account's last successful download
// date. A late vendor must not creep the baseline forward: the date is
// capped at one period step past the prior value.
func (s *Service) recordSuccessfulDownload(account *accountdomain.Account, periodType billingperiod.PeriodType, completedAt time.Time) {
	if account == nil {
		return
	}
	completed := completedAt.UTC()

	prior := account.LastSuccessfulDownload
	if prior == nil {
		account.LastSuccessfulDownload = &completed
		return
	}

	expected := billingperiod.Step(periodType, *prior, billingperiod.AnchorDay(*prior))
	if completed.Before(expected) || completed.Equal(expected) {
		account.LastSuccessfulDownload = &completed
		return
	}
	account.LastSuccessfulDownload = &expected
}

// completeJob applies a successful termination: timestamps the job, advances
// the rule, and records the download date. Advancement failures are logged
// but never block completion.
func (s *Service) completeJob(
	job *jobdomain.Job,
	rule *accountdomain.AccountRule,
	account *accountdomain.Account,
	status jobdomain.JobStatus,
	now time.Time,
) {
	job.Status = status
	job.ScrapingCompletedAt = &now
	job.ModifiedAt = now

	if status == jobdomain.JobStatusCompleted {
		// Anti-creep baseline: prefer the scheduled run date when the
		// completion lands later in the window.
		recordedAt := now
		if job.NextRunAt != nil && now.After(*job.NextRunAt) {
			recordedAt = *job.NextRunAt
		}
		s.recordSuccessfulDownload(account, job.PeriodType, recordedAt)
	}

	if err := s.advanceRule(job, rule, account, now); err != nil {
		s.log.Warn("rule advancement failed, completion still applied",
			zap.Int64("job_id", int64(job.ID)),
			zap.Error(err),
		)
	}
}
