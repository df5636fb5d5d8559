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
package mocks

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"

	"github.com/concilia-hq/concilia/model"
)

// MockDataSource is a mock implementation of the IDataSource interface
type MockDataSource struct {
	mock.Mock
}

// Expense methods

func (m *MockDataSource) RecordExpense(ctx context.Context, expense *model.ExpenseRecord) error {
	args := m.Called(ctx, expense)
	return args.Error(0)
}

func (m *MockDataSource) GetExpense(ctx context.Context, id string) (*model.ExpenseRecord, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.ExpenseRecord), args.Error(1)
}

func (m *MockDataSource) GetUnmatchedExpenses(ctx context.Context, tenantID string, olderThan time.Time, batchSize int, offset int64) ([]*model.ExpenseRecord, error) {
	args := m.Called(ctx, tenantID, olderThan, batchSize, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*model.ExpenseRecord), args.Error(1)
}

func (m *MockDataSource) UpdateExpenseStatus(ctx context.Context, id string, expected, next model.RecordStatus, matchID string, confidence float64) error {
	args := m.Called(ctx, id, expected, next, matchID, confidence)
	return args.Error(0)
}

func (m *MockDataSource) OverwriteExpense(ctx context.Context, id string, amount decimal.Decimal, vendorName, vendorTaxID, correctedBy string, events []model.CorrectionEvent) error {
	args := m.Called(ctx, id, amount, vendorName, vendorTaxID, correctedBy, events)
	return args.Error(0)
}

// Bank transaction methods

func (m *MockDataSource) RecordBankTransaction(ctx context.Context, txn *model.BankTransaction, uploadID string) error {
	args := m.Called(ctx, txn, uploadID)
	return args.Error(0)
}

func (m *MockDataSource) GetBankTransaction(ctx context.Context, id string) (*model.BankTransaction, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.BankTransaction), args.Error(1)
}

func (m *MockDataSource) GetUnmatchedBankTransactions(ctx context.Context, tenantID string, batchSize int, offset int64) ([]*model.BankTransaction, error) {
	args := m.Called(ctx, tenantID, batchSize, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*model.BankTransaction), args.Error(1)
}

func (m *MockDataSource) UpdateBankTransactionStatus(ctx context.Context, id string, expected, next model.RecordStatus, matchID string, confidence float64) error {
	args := m.Called(ctx, id, expected, next, matchID, confidence)
	return args.Error(0)
}

// Tax invoice methods

func (m *MockDataSource) RecordTaxInvoice(ctx context.Context, invoice *model.TaxInvoice) error {
	args := m.Called(ctx, invoice)
	return args.Error(0)
}

func (m *MockDataSource) GetTaxInvoice(ctx context.Context, id string) (*model.TaxInvoice, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.TaxInvoice), args.Error(1)
}

func (m *MockDataSource) GetUnmatchedTaxInvoices(ctx context.Context, tenantID string, batchSize int, offset int64) ([]*model.TaxInvoice, error) {
	args := m.Called(ctx, tenantID, batchSize, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*model.TaxInvoice), args.Error(1)
}

func (m *MockDataSource) GetUnmatchedTaxInvoicesByVendor(ctx context.Context, tenantID, issuerTaxID string, from, to time.Time) ([]*model.TaxInvoice, error) {
	args := m.Called(ctx, tenantID, issuerTaxID, from, to)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*model.TaxInvoice), args.Error(1)
}

func (m *MockDataSource) UpdateTaxInvoiceStatus(ctx context.Context, id string, expected, next model.RecordStatus, matchID string, confidence float64) error {
	args := m.Called(ctx, id, expected, next, matchID, confidence)
	return args.Error(0)
}

// Match ledger methods

func (m *MockDataSource) RecordMatch(ctx context.Context, match *model.Match) error {
	args := m.Called(ctx, match)
	return args.Error(0)
}

func (m *MockDataSource) GetMatch(ctx context.Context, id string) (*model.Match, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Match), args.Error(1)
}

func (m *MockDataSource) UpdateMatchStatus(ctx context.Context, id string, expected, next model.MatchStatus, actor string) error {
	args := m.Called(ctx, id, expected, next, actor)
	return args.Error(0)
}

func (m *MockDataSource) ListMatches(ctx context.Context, status model.MatchStatus, from, to time.Time, batchSize int, offset int64) ([]*model.Match, error) {
	args := m.Called(ctx, status, from, to, batchSize, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*model.Match), args.Error(1)
}

func (m *MockDataSource) AppendMatchEvent(ctx context.Context, event *model.MatchEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

func (m *MockDataSource) GetMatchEvents(ctx context.Context, matchID string) ([]*model.MatchEvent, error) {
	args := m.Called(ctx, matchID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*model.MatchEvent), args.Error(1)
}

// Reconciliation run methods

func (m *MockDataSource) RecordRun(ctx context.Context, run *model.ReconciliationRun) error {
	args := m.Called(ctx, run)
	return args.Error(0)
}

func (m *MockDataSource) GetRun(ctx context.Context, id string) (*model.ReconciliationRun, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.ReconciliationRun), args.Error(1)
}

func (m *MockDataSource) UpdateRunStatus(ctx context.Context, id string, status string, matched, unmatched, skipped, deferred int) error {
	args := m.Called(ctx, id, status, matched, unmatched, skipped, deferred)
	return args.Error(0)
}

func (m *MockDataSource) SaveRunProgress(ctx context.Context, id string, progress model.RunProgress) error {
	args := m.Called(ctx, id, progress)
	return args.Error(0)
}

func (m *MockDataSource) LoadRunProgress(ctx context.Context, id string) (model.RunProgress, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(model.RunProgress), args.Error(1)
}
