package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	accountdomain "github.com/opsframe/adrflow/internal/account/domain"
	"github.com/opsframe/adrflow/internal/accountsync/domain"
	"github.com/opsframe/adrflow/internal/billingperiod"
	"github.com/opsframe/adrflow/internal/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fakeSource struct {
	rows    []domain.Row
	clients []domain.ClientRow
}

func (f *fakeSource) Count(ctx context.Context) (int64, error) {
	return int64(len(f.rows)), nil
}

func (f *fakeSource) Clients(ctx context.Context) ([]domain.ClientRow, error) {
	return f.clients, nil
}

func (f *fakeSource) Stream(ctx context.Context, fn func(domain.Row) error) error {
	for _, row := range f.rows {
		if err := fn(row); err != nil {
			return err
		}
	}
	return nil
}

func setupSync(t *testing.T, src domain.Source, now time.Time) (*gorm.DB, domain.Service) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&accountdomain.Client{},
		&accountdomain.Account{},
		&accountdomain.AccountRule{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	svc := NewService(ServiceParam{
		DB:     db,
		Log:    zap.NewNop(),
		GenID:  node,
		Clock:  clock.NewFakeClock(now),
		Source: src,
	})
	return db, svc
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func monthlyRow() domain.Row {
	last := date(2024, 1, 15)
	median := 30.0
	clientID := 7
	return domain.Row{
		VMAccountID:     1001,
		VMAccountNumber: "A1",
		CredentialID:    42,
		ClientID:        &clientID,
		ClientName:      "Acme Corp",
		VendorCode:      "ACME",
		InvoiceCount:    12,
		LastInvoiceDate: &last,
		MedianDays:      &median,
	}
}

func TestSyncFreshMonthlyAccount(t *testing.T) {
	now := date(2024, 2, 1)
	src := &fakeSource{
		rows:    []domain.Row{monthlyRow()},
		clients: []domain.ClientRow{{ExternalClientID: 7, ClientName: "Acme Corp"}},
	}
	db, svc := setupSync(t, src, now)

	result, err := svc.SyncAccounts(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Total)
	assert.Equal(t, 1, result.AccountsCreated)
	assert.Equal(t, 1, result.ClientsCreated)
	assert.Equal(t, 1, result.RulesCreated)
	assert.Zero(t, result.Errors)

	var account accountdomain.Account
	require.NoError(t, db.Where("vm_account_id = ?", 1001).First(&account).Error)
	assert.Equal(t, billingperiod.PeriodMonthly, account.PeriodType)
	require.NotNil(t, account.NextRunAt)
	assert.Equal(t, date(2024, 2, 15), account.NextRunAt.UTC())
	assert.Equal(t, date(2024, 2, 10), account.NextRangeStartAt.UTC())
	assert.Equal(t, date(2024, 2, 20), account.NextRangeEndAt.UTC())
	assert.NotNil(t, account.ClientID)

	var rule accountdomain.AccountRule
	require.NoError(t, db.Where("account_id = ?", account.ID).First(&rule).Error)
	assert.Equal(t, billingperiod.PeriodMonthly, rule.PeriodType)
	assert.Equal(t, date(2024, 2, 15), rule.NextRunAt.UTC())
	assert.Equal(t, date(2024, 2, 10), rule.NextRangeStartAt.UTC())
	assert.Equal(t, date(2024, 2, 20), rule.NextRangeEndAt.UTC())
	assert.True(t, rule.IsEnabled)
	assert.False(t, rule.IsManuallyOverridden)
}

func TestSyncRespectsManualOverride(t *testing.T) {
	now := date(2024, 2, 1)
	src := &fakeSource{rows: []domain.Row{monthlyRow()}}
	db, svc := setupSync(t, src, now)

	// First sync creates account and rule.
	_, err := svc.SyncAccounts(context.Background(), nil, nil)
	require.NoError(t, err)

	var rule accountdomain.AccountRule
	require.NoError(t, db.First(&rule).Error)
	overriddenRun := date(2024, 2, 20)
	overriddenStart := date(2024, 2, 15)
	overriddenEnd := date(2024, 2, 25)
	rule.NextRunAt = &overriddenRun
	rule.NextRangeStartAt = &overriddenStart
	rule.NextRangeEndAt = &overriddenEnd
	rule.IsManuallyOverridden = true
	require.NoError(t, db.Save(&rule).Error)

	result, err := svc.SyncAccounts(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, result.RulesSkipped)
	assert.Zero(t, result.RulesUpdated)

	require.NoError(t, db.First(&rule).Error)
	assert.Equal(t, overriddenRun, rule.NextRunAt.UTC())
	assert.True(t, rule.IsManuallyOverridden)

	// The account mirror reflects the overridden rule, not the computed one.
	var account accountdomain.Account
	require.NoError(t, db.First(&account).Error)
	assert.Equal(t, overriddenRun, account.NextRunAt.UTC())
}

func TestSyncSoftDeletesVanishedAccounts(t *testing.T) {
	now := date(2024, 2, 1)
	src := &fakeSource{rows: []domain.Row{monthlyRow()}}
	db, svc := setupSync(t, src, now)

	_, err := svc.SyncAccounts(context.Background(), nil, nil)
	require.NoError(t, err)

	// The account vanishes from the feed.
	src.rows = nil
	result, err := svc.SyncAccounts(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, result.AccountsDeleted)

	var account accountdomain.Account
	require.NoError(t, db.First(&account).Error)
	assert.True(t, account.IsDeleted)
	assert.Equal(t, "System Created", account.ModifiedBy)

	// Reappearing resurrects the row in place under the same natural key;
	// a second insert would collide with the unique index.
	src.rows = []domain.Row{monthlyRow()}
	result, err = svc.SyncAccounts(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, result.AccountsUpdated)
	assert.Zero(t, result.AccountsCreated)

	var count int64
	require.NoError(t, db.Model(&accountdomain.Account{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)

	var revived accountdomain.Account
	require.NoError(t, db.Where("vm_account_id = ?", 1001).First(&revived).Error)
	assert.False(t, revived.IsDeleted)
	require.NotNil(t, revived.NextRunAt)
}

func TestSyncUpdatesExistingAccount(t *testing.T) {
	now := date(2024, 2, 1)
	row := monthlyRow()
	src := &fakeSource{rows: []domain.Row{row}}
	db, svc := setupSync(t, src, now)

	_, err := svc.SyncAccounts(context.Background(), nil, nil)
	require.NoError(t, err)

	row.InvoiceCount = 13
	last := date(2024, 2, 15)
	row.LastInvoiceDate = &last
	src.rows = []domain.Row{row}

	result, err := svc.SyncAccounts(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, result.AccountsUpdated)
	assert.Zero(t, result.AccountsCreated)

	var count int64
	require.NoError(t, db.Model(&accountdomain.Account{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)

	var account accountdomain.Account
	require.NoError(t, db.First(&account).Error)
	assert.Equal(t, 13, account.InvoiceCount)
	assert.Equal(t, date(2024, 3, 15), account.NextRunAt.UTC())
}

func TestSyncMissingLastInvoice(t *testing.T) {
	now := date(2024, 2, 1)
	row := monthlyRow()
	row.LastInvoiceDate = nil
	row.InvoiceCount = 0
	src := &fakeSource{rows: []domain.Row{row}}
	db, svc := setupSync(t, src, now)

	_, err := svc.SyncAccounts(context.Background(), nil, nil)
	require.NoError(t, err)

	var account accountdomain.Account
	require.NoError(t, db.First(&account).Error)
	assert.Equal(t, billingperiod.HistoricalMissing, account.HistoricalBillingStatus)
	assert.Nil(t, account.NextRunAt)
	assert.Equal(t, billingperiod.RunMissing, account.NextRunStatus)

	// A rule exists but cannot drive job creation without dates.
	var rule accountdomain.AccountRule
	require.NoError(t, db.First(&rule).Error)
	assert.False(t, rule.Schedulable())
}

func TestSyncReportsProgressAndSubsteps(t *testing.T) {
	now := date(2024, 2, 1)
	rows := []domain.Row{monthlyRow()}
	second := monthlyRow()
	second.VMAccountID = 1002
	second.VMAccountNumber = "A2"
	rows = append(rows, second)
	src := &fakeSource{rows: rows}
	_, svc := setupSync(t, src, now)

	var ticks [][2]int
	var substeps []string
	_, err := svc.SyncAccounts(context.Background(),
		func(current, total int) { ticks = append(ticks, [2]int{current, total}) },
		func(name string) { substeps = append(substeps, name) },
	)
	require.NoError(t, err)

	require.Len(t, ticks, 2)
	assert.Equal(t, [2]int{1, 2}, ticks[0])
	assert.Equal(t, [2]int{2, 2}, ticks[1])
	assert.Equal(t, []string{"clients", "accounts", "cleanup", "rules"}, substeps)
}

func TestSyncHonorsCancellation(t *testing.T) {
	now := date(2024, 2, 1)
	src := &fakeSource{rows: []domain.Row{monthlyRow()}}
	_, svc := setupSync(t, src, now)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := svc.SyncAccounts(ctx, nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}
