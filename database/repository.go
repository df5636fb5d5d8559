/*
Copyright 2025 Concilia Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/concilia-hq/concilia/model"
)

// ConflictError is returned when an optimistic-concurrency write loses: the
// record's status changed between read and write, or a confirmed match
// already references the record. Callers discard their computation rather
// than retry.
type ConflictError struct {
	Kind model.RecordKind
	ID   string
}

func (e ConflictError) Error() string {
	return fmt.Sprintf("concurrent status change on %s %s", e.Kind, e.ID)
}

// IsConflict reports whether err is (or wraps) a ConflictError.
func IsConflict(err error) bool {
	var ce ConflictError
	return errors.As(err, &ce)
}

// IDataSource defines the interface for data source operations, grouping related functionalities.
type IDataSource interface {
	expense         // Interface for expense-record operations
	bankTransaction // Interface for bank-transaction operations
	taxInvoice      // Interface for tax-invoice operations
	match           // Interface for match-ledger operations
	run             // Interface for reconciliation-run operations
}

// expense defines methods for handling manually submitted expense records.
type expense interface {
	RecordExpense(ctx context.Context, expense *model.ExpenseRecord) error
	GetExpense(ctx context.Context, id string) (*model.ExpenseRecord, error)
	GetUnmatchedExpenses(ctx context.Context, tenantID string, olderThan time.Time, batchSize int, offset int64) ([]*model.ExpenseRecord, error)
	UpdateExpenseStatus(ctx context.Context, id string, expected, next model.RecordStatus, matchID string, confidence float64) error
	OverwriteExpense(ctx context.Context, id string, amount decimal.Decimal, vendorName, vendorTaxID, correctedBy string, events []model.CorrectionEvent) error
}

// bankTransaction defines methods for handling parsed bank statement lines.
type bankTransaction interface {
	RecordBankTransaction(ctx context.Context, txn *model.BankTransaction, uploadID string) error
	GetBankTransaction(ctx context.Context, id string) (*model.BankTransaction, error)
	GetUnmatchedBankTransactions(ctx context.Context, tenantID string, batchSize int, offset int64) ([]*model.BankTransaction, error)
	UpdateBankTransactionStatus(ctx context.Context, id string, expected, next model.RecordStatus, matchID string, confidence float64) error
}

// taxInvoice defines methods for handling fiscally stamped invoices.
type taxInvoice interface {
	RecordTaxInvoice(ctx context.Context, invoice *model.TaxInvoice) error
	GetTaxInvoice(ctx context.Context, id string) (*model.TaxInvoice, error)
	GetUnmatchedTaxInvoices(ctx context.Context, tenantID string, batchSize int, offset int64) ([]*model.TaxInvoice, error)
	GetUnmatchedTaxInvoicesByVendor(ctx context.Context, tenantID, issuerTaxID string, from, to time.Time) ([]*model.TaxInvoice, error)
	UpdateTaxInvoiceStatus(ctx context.Context, id string, expected, next model.RecordStatus, matchID string, confidence float64) error
}

// match defines methods for the match ledger.
type match interface {
	RecordMatch(ctx context.Context, match *model.Match) error
	GetMatch(ctx context.Context, id string) (*model.Match, error)
	UpdateMatchStatus(ctx context.Context, id string, expected, next model.MatchStatus, actor string) error
	ListMatches(ctx context.Context, status model.MatchStatus, from, to time.Time, batchSize int, offset int64) ([]*model.Match, error)
	AppendMatchEvent(ctx context.Context, event *model.MatchEvent) error
	GetMatchEvents(ctx context.Context, matchID string) ([]*model.MatchEvent, error)
}

// run defines methods for reconciliation pass bookkeeping.
type run interface {
	RecordRun(ctx context.Context, run *model.ReconciliationRun) error
	GetRun(ctx context.Context, id string) (*model.ReconciliationRun, error)
	UpdateRunStatus(ctx context.Context, id string, status string, matched, unmatched, skipped, deferred int) error
	SaveRunProgress(ctx context.Context, id string, progress model.RunProgress) error
	LoadRunProgress(ctx context.Context, id string) (model.RunProgress, error)
}
