// Package domain defines the account-sync contract: the external row shape,
// the streaming source, and the result the sync returns.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/opsframe/adrflow/internal/progress"
)

// ErrNoExternalSource indicates the external database is not configured.
var ErrNoExternalSource = errors.New("accountsync: external database not configured")

// Row is one account as reported by the external invoice-aggregation view.
// The view also classifies cadence, but those columns are recomputed locally
// because the SQL uses naive day arithmetic.
type Row struct {
	VMAccountID        int64
	VMAccountNumber    string
	CredentialID       int
	ClientID           *int
	ClientName         string
	VendorCode         string
	PrimaryVendorCode  string
	MasterVendorCode   string
	InterfaceAccountID string
	LastInvoiceDate    *time.Time
	InvoiceCount       int
	MedianDays         *float64
}

// ClientRow is one distinct (external_client_id, client_name) pair.
type ClientRow struct {
	ExternalClientID int
	ClientName       string
}

// Source streams the external view without materializing it.
type Source interface {
	Count(ctx context.Context) (int64, error)
	Clients(ctx context.Context) ([]ClientRow, error)
	// Stream invokes fn once per row in source order. Returning an error
	// from fn aborts the stream.
	Stream(ctx context.Context, fn func(Row) error) error
}

// SyncResult summarizes one sync run.
type SyncResult struct {
	Total           int
	AccountsCreated int
	AccountsUpdated int
	AccountsDeleted int
	ClientsCreated  int
	ClientsUpdated  int
	RulesCreated    int
	RulesUpdated    int
	RulesSkipped    int
	Errors          int
	ErrorMessages   []string
	StartedAt       time.Time
	CompletedAt     time.Time
}

// Service runs the sync.
type Service interface {
	SyncAccounts(ctx context.Context, onProgress progress.Func, onSubstep progress.SubstepFunc) (SyncResult, error)
}
