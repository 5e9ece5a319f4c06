package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/opsframe/adrflow/internal/account/domain"
	"github.com/opsframe/adrflow/internal/adr"
	blacklistdomain "github.com/opsframe/adrflow/internal/blacklist/domain"
	jobdomain "github.com/opsframe/adrflow/internal/job/domain"
	"github.com/opsframe/adrflow/internal/orchestrator/domain"
	"github.com/opsframe/adrflow/internal/progress"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// FireRebillForAccount submits a one-off rebill request for a single account.
// It runs outside the job pipeline: no job row is created, so the account's
// schedule is untouched.
func (s *Service) FireRebillForAccount(ctx context.Context, accountID snowflake.ID) (domain.SingleRebillResult, error) {
	result := domain.SingleRebillResult{AccountID: accountID}

	var account accountdomain.Account
	err := s.db.WithContext(ctx).
		Where("id = ? AND is_deleted = ?", accountID, false).
		First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			result.Error = "account not found"
			return result, nil
		}
		return result, err
	}

	filter := s.blacklist.Load(ctx, blacklistdomain.ExclusionRebill)
	if filter.IsBlacklisted(account.BlacklistCandidate()) {
		result.Error = "account is excluded from rebill"
		return result, nil
	}

	req := adr.IngestRequest{
		RequestType:        jobdomain.RequestTypeRebill,
		CredentialID:       account.CredentialID,
		AccountID:          account.VMAccountID,
		InterfaceAccountID: account.InterfaceAccountID,
	}
	if account.NextRangeStartAt != nil && account.NextRangeEndAt != nil {
		req.StartDate = account.NextRangeStartAt
		req.EndDate = account.NextRangeEndAt
	}

	resp, err := s.adr.Ingest(ctx, req)
	result.IndexID = resp.IndexID
	if err != nil || resp.IsError {
		result.Error = errorMessage(resp, err)
		s.log.Warn("rebill submission failed",
			zap.Int64("account_id", int64(accountID)),
			zap.String("error", result.Error),
		)
		return result, nil
	}

	result.Submitted = true
	s.log.Info("rebill submitted",
		zap.Int64("account_id", int64(accountID)),
		zap.Int64("credential_id", int64(account.CredentialID)),
	)
	return result, nil
}

// VerifyAllAccountCredentials fires AttemptLogin for every live account,
// independent of job state. It is a diagnostic sweep; outcomes land on the
// remote side and in logs, not on job rows.
func (s *Service) VerifyAllAccountCredentials(ctx context.Context, onProgress progress.Func) (domain.BulkVerifyResult, error) {
	result := domain.BulkVerifyResult{}
	settings := s.settings.Effective(ctx)
	filter := s.blacklist.Load(ctx, blacklistdomain.ExclusionDownload)

	var candidates []*accountdomain.Account
	err := s.db.WithContext(ctx).
		Where("is_deleted = ?", false).
		Order("id").
		Find(&candidates).Error
	if err != nil {
		return result, err
	}
	accounts := candidates[:0]
	for _, account := range candidates {
		if !filter.IsBlacklisted(account.BlacklistCandidate()) {
			accounts = append(accounts, account)
		}
	}
	result.Total = len(accounts)
	if result.Total == 0 {
		return result, nil
	}

	parallel := settings.MaxParallelRequests
	if parallel < 1 {
		parallel = 1
	}

	var mu sync.Mutex
	done := 0

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)
	for _, account := range accounts {
		account := account
		g.Go(func() error {
			var submitErr error
			if err := gctx.Err(); err != nil {
				submitErr = err
			} else {
				req := adr.IngestRequest{
					RequestType:        jobdomain.RequestTypeAttemptLogin,
					CredentialID:       account.CredentialID,
					AccountID:          account.VMAccountID,
					InterfaceAccountID: account.InterfaceAccountID,
				}
				resp, err := s.adr.Ingest(gctx, req)
				if err == nil && resp.IsError {
					submitErr = fmt.Errorf("%s", errorMessage(resp, nil))
				} else {
					submitErr = err
				}
			}

			mu.Lock()
			defer mu.Unlock()
			done++
			if submitErr != nil {
				appendError(&result.ErrorMessages, &result.Errors,
					"account %d: %v", int64(account.ID), submitErr)
			} else {
				result.Submitted++
			}
			onProgress.Report(done, result.Total)
			return nil
		})
	}
	g.Wait()

	s.log.Info("bulk credential sweep finished",
		zap.Int("total", result.Total),
		zap.Int("submitted", result.Submitted),
		zap.Int("errors", result.Errors),
	)
	return result, nil
}
