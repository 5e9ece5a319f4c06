package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	accountsyncdomain "github.com/opsframe/adrflow/internal/accountsync/domain"
	"github.com/opsframe/adrflow/internal/clock"
	"github.com/opsframe/adrflow/internal/config"
	"github.com/opsframe/adrflow/internal/orchestrator/domain"
	"github.com/opsframe/adrflow/internal/orchestrator/queue"
	"github.com/opsframe/adrflow/internal/progress"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// stubService records pipeline invocations; all other operations are unused
// by the runner.
type stubService struct {
	mu        sync.Mutex
	runs      []domain.Request
	recovered int
	runDone   chan struct{}
}

func (s *stubService) RunPipeline(ctx context.Context, req domain.Request) error {
	s.mu.Lock()
	s.runs = append(s.runs, req)
	s.mu.Unlock()
	if s.runDone != nil {
		s.runDone <- struct{}{}
	}
	return nil
}

func (s *stubService) RecoverOnStartup(context.Context) error {
	s.mu.Lock()
	s.recovered++
	s.mu.Unlock()
	return nil
}

func (s *stubService) SyncAccounts(context.Context, progress.Func, progress.SubstepFunc) (accountsyncdomain.SyncResult, error) {
	return accountsyncdomain.SyncResult{}, nil
}
func (s *stubService) CreateJobs(context.Context, progress.Func) (domain.JobCreationResult, error) {
	return domain.JobCreationResult{}, nil
}
func (s *stubService) VerifyCredentials(context.Context, progress.Func) (domain.CredentialVerificationResult, error) {
	return domain.CredentialVerificationResult{}, nil
}
func (s *stubService) ProcessScraping(context.Context, progress.Func) (domain.ScrapeResult, error) {
	return domain.ScrapeResult{}, nil
}
func (s *stubService) CheckPendingStatuses(context.Context, progress.Func) (domain.StatusCheckResult, error) {
	return domain.StatusCheckResult{}, nil
}
func (s *stubService) CheckAllScrapedStatuses(context.Context, progress.Func) (domain.StatusCheckResult, error) {
	return domain.StatusCheckResult{}, nil
}
func (s *stubService) FinalizeStalePendingJobs(context.Context, progress.Func) (domain.StalePendingResult, error) {
	return domain.StalePendingResult{}, nil
}
func (s *stubService) VerifyAllAccountCredentials(context.Context, progress.Func) (domain.BulkVerifyResult, error) {
	return domain.BulkVerifyResult{}, nil
}
func (s *stubService) FireRebillForAccount(context.Context, snowflake.ID) (domain.SingleRebillResult, error) {
	return domain.SingleRebillResult{}, nil
}

func newTestRunner(svc domain.Service) (*Runner, *queue.Queue) {
	q := queue.New()
	r := NewRunner(RunnerParams{
		Log:    zap.NewNop(),
		Config: config.Config{RunIntervalMinutes: 60},
		Clock:  clock.NewFakeClock(time.Date(2024, 2, 12, 0, 0, 0, 0, time.UTC)),
		Queue:  q,
		Svc:    svc,
	})
	return r, q
}

func TestEnqueueManualReturnsRequestID(t *testing.T) {
	svc := &stubService{}
	r, _ := newTestRunner(svc)

	id, err := r.EnqueueManual("operator")
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	// The slot is taken until the worker drains it.
	_, err = r.EnqueueManual("operator")
	assert.ErrorIs(t, err, queue.ErrAlreadyRunning)
}

func TestWorkDrainsQueueSequentially(t *testing.T) {
	svc := &stubService{runDone: make(chan struct{}, 2)}
	r, q := newTestRunner(svc)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Work(ctx)

	_, err := r.EnqueueManual("first")
	require.NoError(t, err)
	select {
	case <-svc.runDone:
	case <-time.After(time.Second):
		t.Fatal("first run did not execute")
	}

	require.Eventually(t, func() bool { return !q.IsRunning() }, time.Second, 5*time.Millisecond)

	_, err = r.EnqueueManual("second")
	require.NoError(t, err)
	select {
	case <-svc.runDone:
	case <-time.After(time.Second):
		t.Fatal("second run did not execute")
	}

	svc.mu.Lock()
	defer svc.mu.Unlock()
	require.Len(t, svc.runs, 2)
	assert.Equal(t, "first", svc.runs[0].RequestedBy)
	assert.Equal(t, "second", svc.runs[1].RequestedBy)
}

func TestEnqueueScheduledDropsWhenBusy(t *testing.T) {
	svc := &stubService{}
	r, _ := newTestRunner(svc)

	_, err := r.EnqueueManual("operator")
	require.NoError(t, err)

	// The scheduled tick is dropped silently, never queued behind.
	r.EnqueueScheduled()

	svc.mu.Lock()
	defer svc.mu.Unlock()
	assert.Empty(t, svc.runs)
}

func TestStartRunsRecovery(t *testing.T) {
	svc := &stubService{}
	r, _ := newTestRunner(svc)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	svc.mu.Lock()
	defer svc.mu.Unlock()
	assert.Equal(t, 1, svc.recovered)
}
