package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/opsframe/adrflow/internal/account/domain"
	"github.com/opsframe/adrflow/internal/accountsync/domain"
	"github.com/opsframe/adrflow/internal/billingperiod"
	"github.com/opsframe/adrflow/internal/clock"
	"github.com/opsframe/adrflow/internal/progress"
	"github.com/opsframe/adrflow/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// flushEvery bounds transaction size during streaming upserts.
const flushEvery = 5000

type ServiceParam struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	GenID  *snowflake.Node
	Clock  clock.Clock
	Source domain.Source
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	src   domain.Source

	accountrepo repository.Repository[accountdomain.Account]
	clientrepo  repository.Repository[accountdomain.Client]
	rulerepo    repository.Repository[accountdomain.AccountRule]
}

func NewService(p ServiceParam) domain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("accountsync.service"),
		genID: p.GenID,
		clock: p.Clock,
		src:   p.Source,

		accountrepo: repository.ProvideStore[accountdomain.Account](p.DB),
		clientrepo:  repository.ProvideStore[accountdomain.Client](p.DB),
		rulerepo:    repository.ProvideStore[accountdomain.AccountRule](p.DB),
	}
}

// schedule is what the calculator derived for one streamed row. Rule sync
// consumes it after the account pass completes.
type schedule struct {
	cadence          billingperiod.Cadence
	nextRunAt        *time.Time
	nextRangeStartAt *time.Time
	nextRangeEndAt   *time.Time
	historical       billingperiod.HistoricalStatus
}

func (s *Service) SyncAccounts(ctx context.Context, onProgress progress.Func, onSubstep progress.SubstepFunc) (domain.SyncResult, error) {
	result := domain.SyncResult{StartedAt: s.clock.Now()}

	total, err := s.src.Count(ctx)
	if err != nil {
		return result, err
	}
	result.Total = int(total)
	s.log.Info("account sync started", zap.Int64("external_rows", total))

	onSubstep.Enter("clients")
	clientIDs, err := s.syncClients(ctx, &result)
	if err != nil {
		return result, err
	}

	onSubstep.Enter("accounts")
	existing, err := s.loadExistingAccounts(ctx)
	if err != nil {
		return result, err
	}

	schedules := make(map[snowflake.ID]schedule)
	processed := make(map[accountdomain.NaturalKey]bool)
	if err := s.streamAccounts(ctx, &result, total, existing, clientIDs, schedules, processed, onProgress); err != nil {
		return result, err
	}

	onSubstep.Enter("cleanup")
	if err := s.softDeleteVanished(ctx, &result, existing, processed); err != nil {
		return result, err
	}

	onSubstep.Enter("rules")
	if err := s.syncRules(ctx, &result, existing, schedules, processed); err != nil {
		return result, err
	}

	result.CompletedAt = s.clock.Now()
	s.log.Info("account sync completed",
		zap.Int("created", result.AccountsCreated),
		zap.Int("updated", result.AccountsUpdated),
		zap.Int("deleted", result.AccountsDeleted),
		zap.Int("rules_skipped", result.RulesSkipped),
		zap.Int("errors", result.Errors),
	)
	return result, nil
}

func (s *Service) syncClients(ctx context.Context, result *domain.SyncResult) (map[int]snowflake.ID, error) {
	rows, err := s.src.Clients(ctx)
	if err != nil {
		return nil, err
	}

	// Ascending modified order so the most recently modified row wins a
	// duplicate external id.
	var stored []*accountdomain.Client
	if err := s.db.WithContext(ctx).
		Where("is_deleted = ?", false).
		Order("modified_at ASC").
		Find(&stored).Error; err != nil {
		return nil, err
	}
	byExternalID := make(map[int]*accountdomain.Client, len(stored))
	for _, client := range stored {
		byExternalID[client.ExternalClientID] = client
	}

	now := s.clock.Now()
	var creates, updates []*accountdomain.Client
	ids := make(map[int]snowflake.ID, len(rows))
	for _, row := range rows {
		if client, ok := byExternalID[row.ExternalClientID]; ok {
			ids[row.ExternalClientID] = client.ID
			if row.ClientName != "" && client.Name != row.ClientName {
				client.Name = row.ClientName
				client.Code = clientCode(row.ClientName)
				client.ModifiedAt = now
				result.ClientsUpdated++
			}
			client.LastSyncedAt = &now
			updates = append(updates, client)
			continue
		}

		client := &accountdomain.Client{
			ID:               s.genID.Generate(),
			ExternalClientID: row.ExternalClientID,
			Name:             row.ClientName,
			Code:             clientCode(row.ClientName),
			IsActive:         true,
			LastSyncedAt:     &now,
			CreatedAt:        now,
			ModifiedAt:       now,
		}
		creates = append(creates, client)
		ids[row.ExternalClientID] = client.ID
		result.ClientsCreated++
	}

	if err := s.clientrepo.BatchCreate(ctx, creates); err != nil {
		return nil, err
	}
	if err := s.clientrepo.BatchUpdate(ctx, updates); err != nil {
		return nil, err
	}
	return ids, nil
}

// clientCode derives a short stable code from a client name.
func clientCode(name string) string {
	code := strings.ToUpper(strings.TrimSpace(name))
	code = strings.Map(func(r rune) rune {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == ' ', r == '-', r == '_':
			return '_'
		default:
			return -1
		}
	}, code)
	if len(code) > 50 {
		code = code[:50]
	}
	return code
}

// loadExistingAccounts maps every stored account by natural key, soft-deleted
// rows included: a vanished account that reappears in the feed must be
// un-deleted in place, never re-created against the unique key.
func (s *Service) loadExistingAccounts(ctx context.Context) (map[accountdomain.NaturalKey]*accountdomain.Account, error) {
	var stored []*accountdomain.Account
	if err := s.db.WithContext(ctx).
		Order("modified_at ASC").
		Find(&stored).Error; err != nil {
		return nil, err
	}

	byKey := make(map[accountdomain.NaturalKey]*accountdomain.Account, len(stored))
	for _, account := range stored {
		key := account.Key()
		if _, dup := byKey[key]; dup {
			s.log.Warn("duplicate account natural key, keeping most recent",
				zap.Int64("vm_account_id", key.VMAccountID),
				zap.String("vm_account_number", key.VMAccountNumber),
			)
		}
		byKey[key] = account
	}
	return byKey, nil
}

func (s *Service) streamAccounts(
	ctx context.Context,
	result *domain.SyncResult,
	total int64,
	existing map[accountdomain.NaturalKey]*accountdomain.Account,
	clientIDs map[int]snowflake.ID,
	schedules map[snowflake.ID]schedule,
	processed map[accountdomain.NaturalKey]bool,
	onProgress progress.Func,
) error {
	var creates, updates []*accountdomain.Account
	count := 0

	flush := func() error {
		if err := s.accountrepo.BatchCreate(ctx, creates); err != nil {
			return err
		}
		if err := s.accountrepo.BatchUpdate(ctx, updates); err != nil {
			return err
		}
		creates = creates[:0]
		updates = updates[:0]
		return nil
	}

	err := s.src.Stream(ctx, func(row domain.Row) error {
		if err := ctx.Err(); err != nil {
			return err
		}

		account, created, err := s.applyRow(row, existing, clientIDs, schedules)
		if err != nil {
			result.Errors++
			result.ErrorMessages = append(result.ErrorMessages,
				fmt.Sprintf("account %d/%s: %v", row.VMAccountID, row.VMAccountNumber, err))
			s.log.Warn("sync row failed",
				zap.Int64("vm_account_id", row.VMAccountID),
				zap.Error(err),
			)
			return nil
		}

		processed[account.Key()] = true
		if created {
			creates = append(creates, account)
			result.AccountsCreated++
		} else {
			updates = append(updates, account)
			result.AccountsUpdated++
		}

		count++
		onProgress.Report(count, int(total))
		if count%flushEvery == 0 {
			return flush()
		}
		return nil
	})
	if err != nil {
		return err
	}
	return flush()
}

// applyRow maps one external row onto a new or existing account and records
// the derived schedule for the rule pass. Scheduling mirror fields are not
// touched here; they follow the rule.
func (s *Service) applyRow(
	row domain.Row,
	existing map[accountdomain.NaturalKey]*accountdomain.Account,
	clientIDs map[int]snowflake.ID,
	schedules map[snowflake.ID]schedule,
) (*accountdomain.Account, bool, error) {
	now := s.clock.Now()
	sched := s.computeSchedule(row, now)

	key := accountdomain.NaturalKey{VMAccountID: row.VMAccountID, VMAccountNumber: row.VMAccountNumber}
	account, found := existing[key]
	if !found {
		account = &accountdomain.Account{
			ID:              s.genID.Generate(),
			VMAccountID:     row.VMAccountID,
			VMAccountNumber: row.VMAccountNumber,
			CreatedAt:       now,
		}
		// The rule pass iterates the key map, so first-seen accounts must
		// join it or they never get a rule.
		existing[key] = account
	}

	account.InterfaceAccountID = row.InterfaceAccountID
	account.ClientName = row.ClientName
	account.CredentialID = row.CredentialID
	account.VendorCode = row.VendorCode
	account.PrimaryVendorCode = row.PrimaryVendorCode
	account.MasterVendorCode = row.MasterVendorCode
	if row.ClientID != nil {
		if internalID, ok := clientIDs[*row.ClientID]; ok {
			account.ClientID = &internalID
		}
	}

	account.MedianDays = row.MedianDays
	account.InvoiceCount = row.InvoiceCount
	account.LastInvoiceAt = row.LastInvoiceDate
	account.ExpectedNextAt = sched.nextRunAt
	account.ExpectedRangeStartAt = sched.nextRangeStartAt
	account.ExpectedRangeEndAt = sched.nextRangeEndAt
	account.HistoricalBillingStatus = sched.historical
	account.ModifiedAt = now
	account.IsDeleted = false

	schedules[account.ID] = sched
	return account, !found, nil
}

// computeSchedule derives cadence and dates locally, overriding whatever the
// external view classified.
func (s *Service) computeSchedule(row domain.Row, now time.Time) schedule {
	median := float64(billingperiod.DefaultMedianDays)
	if row.MedianDays != nil {
		median = *row.MedianDays
	}
	cadence := billingperiod.Classify(median)

	sched := schedule{cadence: cadence, historical: billingperiod.HistoricalMissing}
	if row.LastInvoiceDate == nil {
		return sched
	}

	anchor := billingperiod.AnchorDay(*row.LastInvoiceDate)
	nextRun := billingperiod.NextRunAfter(*row.LastInvoiceDate, now, cadence.PeriodType, anchor)
	rangeStart, rangeEnd := billingperiod.Window(nextRun, cadence.WindowDaysBefore, cadence.WindowDaysAfter)

	daysUntilExpected := billingperiod.DaysBetween(now, nextRun)
	sched.nextRunAt = &nextRun
	sched.nextRangeStartAt = &rangeStart
	sched.nextRangeEndAt = &rangeEnd
	sched.historical = billingperiod.DeriveHistoricalStatus(
		daysUntilExpected, cadence.PeriodDays, cadence.WindowDaysBefore)
	return sched
}

func (s *Service) softDeleteVanished(
	ctx context.Context,
	result *domain.SyncResult,
	existing map[accountdomain.NaturalKey]*accountdomain.Account,
	processed map[accountdomain.NaturalKey]bool,
) error {
	now := s.clock.Now()
	var deletes []*accountdomain.Account
	for key, account := range existing {
		if processed[key] || account.IsDeleted {
			continue
		}
		account.IsDeleted = true
		account.ModifiedAt = now
		deletes = append(deletes, account)
		result.AccountsDeleted++

		if len(deletes) >= flushEvery {
			if err := s.accountrepo.BatchUpdate(ctx, deletes); err != nil {
				return err
			}
			deletes = deletes[:0]
		}
	}
	return s.accountrepo.BatchUpdate(ctx, deletes)
}

func (s *Service) syncRules(
	ctx context.Context,
	result *domain.SyncResult,
	existing map[accountdomain.NaturalKey]*accountdomain.Account,
	schedules map[snowflake.ID]schedule,
	processed map[accountdomain.NaturalKey]bool,
) error {
	var rules []*accountdomain.AccountRule
	if err := s.db.WithContext(ctx).
		Where("job_type_id = ? AND is_deleted = ?", accountdomain.JobTypeDownloadInvoice, false).
		Find(&rules).Error; err != nil {
		return err
	}
	byAccount := make(map[snowflake.ID]*accountdomain.AccountRule, len(rules))
	for _, rule := range rules {
		byAccount[rule.AccountID] = rule
	}

	now := s.clock.Now()
	var ruleCreates, ruleUpdates []*accountdomain.AccountRule
	var accountUpdates []*accountdomain.Account

	flush := func() error {
		if err := s.rulerepo.BatchCreate(ctx, ruleCreates); err != nil {
			return err
		}
		if err := s.rulerepo.BatchUpdate(ctx, ruleUpdates); err != nil {
			return err
		}
		if err := s.accountrepo.BatchUpdate(ctx, accountUpdates); err != nil {
			return err
		}
		ruleCreates = ruleCreates[:0]
		ruleUpdates = ruleUpdates[:0]
		accountUpdates = accountUpdates[:0]
		return nil
	}

	count := 0
	for key, account := range existing {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !processed[key] || account.IsDeleted {
			continue
		}
		sched, ok := schedules[account.ID]
		if !ok {
			continue
		}

		rule := byAccount[account.ID]
		switch {
		case rule == nil:
			rule = s.newRule(account.ID, sched, now)
			ruleCreates = append(ruleCreates, rule)
			result.RulesCreated++
		case rule.IsManuallyOverridden:
			result.RulesSkipped++
		default:
			applySchedule(rule, sched, now)
			ruleUpdates = append(ruleUpdates, rule)
			result.RulesUpdated++
		}

		s.mirrorRule(account, rule, now)
		accountUpdates = append(accountUpdates, account)

		count++
		if count%flushEvery == 0 {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	return flush()
}

func (s *Service) newRule(accountID snowflake.ID, sched schedule, now time.Time) *accountdomain.AccountRule {
	periodDays := sched.cadence.PeriodDays
	before := sched.cadence.WindowDaysBefore
	after := sched.cadence.WindowDaysAfter
	return &accountdomain.AccountRule{
		ID:               s.genID.Generate(),
		AccountID:        accountID,
		JobTypeID:        accountdomain.JobTypeDownloadInvoice,
		PeriodType:       sched.cadence.PeriodType,
		PeriodDays:       &periodDays,
		NextRunAt:        sched.nextRunAt,
		NextRangeStartAt: sched.nextRangeStartAt,
		NextRangeEndAt:   sched.nextRangeEndAt,
		WindowDaysBefore: &before,
		WindowDaysAfter:  &after,
		IsEnabled:        true,
		CreatedAt:        now,
		ModifiedAt:       now,
	}
}

func applySchedule(rule *accountdomain.AccountRule, sched schedule, now time.Time) {
	periodDays := sched.cadence.PeriodDays
	rule.PeriodType = sched.cadence.PeriodType
	rule.PeriodDays = &periodDays
	rule.NextRunAt = sched.nextRunAt
	rule.NextRangeStartAt = sched.nextRangeStartAt
	rule.NextRangeEndAt = sched.nextRangeEndAt
	rule.ModifiedAt = now
}

// mirrorRule copies the rule's scheduling fields onto the account and
// recomputes the run-status bucket. The mirror always reflects the rule,
// including manually overridden ones.
func (s *Service) mirrorRule(account *accountdomain.Account, rule *accountdomain.AccountRule, now time.Time) {
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

	before, _ := billingperiod.DefaultWindow(rule.PeriodType)
	if rule.WindowDaysBefore != nil {
		before = *rule.WindowDaysBefore
	}
	account.NextRunStatus = billingperiod.DeriveRunStatus(
		account.HistoricalBillingStatus, days, before)
}
