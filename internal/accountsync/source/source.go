// Package source reads the external invoice-aggregation database.
package source

import (
	"context"
	"sync"

	"github.com/opsframe/adrflow/internal/accountsync/domain"
	"github.com/opsframe/adrflow/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// rowQuery is the view contract: one row per distinct account. Cadence
// columns from the view are recomputed locally after streaming.
const rowQuery = `SELECT vm_account_id, vm_account_number, credential_id,
       client_id, client_name, vendor_code, primary_vendor_code,
       master_vendor_code, interface_account_id, last_invoice_date,
       invoice_count, median_days
  FROM invoice_account_summary
 ORDER BY vm_account_id, vm_account_number`

const countQuery = `SELECT COUNT(1) FROM invoice_account_summary`

const clientQuery = `SELECT DISTINCT client_id AS external_client_id, client_name
  FROM invoice_account_summary
 WHERE client_id IS NOT NULL
 ORDER BY client_id`

type SourceParam struct {
	fx.In

	Config config.Config
	Log    *zap.Logger
}

type dbSource struct {
	dsn string
	log *zap.Logger

	once    sync.Once
	db      *gorm.DB
	openErr error
}

func NewSource(p SourceParam) domain.Source {
	return &dbSource{
		dsn: p.Config.ExternalDBDSN,
		log: p.Log.Named("accountsync.source"),
	}
}

var Module = fx.Module("accountsync.source",
	fx.Provide(NewSource),
)

func (s *dbSource) connect() (*gorm.DB, error) {
	if s.dsn == "" {
		return nil, domain.ErrNoExternalSource
	}
	s.once.Do(func() {
		s.db, s.openErr = gorm.Open(postgres.Open(s.dsn), &gorm.Config{})
		if s.openErr == nil {
			s.log.Info("external database connected")
		}
	})
	return s.db, s.openErr
}

func (s *dbSource) Count(ctx context.Context) (int64, error) {
	conn, err := s.connect()
	if err != nil {
		return 0, err
	}
	var count int64
	if err := conn.WithContext(ctx).Raw(countQuery).Scan(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

func (s *dbSource) Clients(ctx context.Context) ([]domain.ClientRow, error) {
	conn, err := s.connect()
	if err != nil {
		return nil, err
	}
	var clients []domain.ClientRow
	if err := conn.WithContext(ctx).Raw(clientQuery).Scan(&clients).Error; err != nil {
		return nil, err
	}
	return clients, nil
}

// Stream iterates the view with a server-side cursor. The full result set
// (170K+ rows) must never be materialized.
func (s *dbSource) Stream(ctx context.Context, fn func(domain.Row) error) error {
	conn, err := s.connect()
	if err != nil {
		return err
	}

	rows, err := conn.WithContext(ctx).Raw(rowQuery).Rows()
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var row domain.Row
		if err := conn.ScanRows(rows, &row); err != nil {
			return err
		}
		if err := fn(row); err != nil {
			return err
		}
	}
	return rows.Err()
}
