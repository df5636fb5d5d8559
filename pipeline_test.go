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
package concilia

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/concilia-hq/concilia/config"
	"github.com/concilia-hq/concilia/database"
	"github.com/concilia-hq/concilia/database/mocks"
	"github.com/concilia-hq/concilia/internal/embedding"
	"github.com/concilia-hq/concilia/model"
)

func newTestIndex(expenses ...*model.ExpenseRecord) *expenseIndex {
	idx := &expenseIndex{byVendor: make(map[string][]*model.ExpenseRecord)}
	for _, expense := range expenses {
		idx.byVendor[expense.VendorKey()] = append(idx.byVendor[expense.VendorKey()], expense)
		idx.all = append(idx.all, expense)
	}
	return idx
}

func TestProcessTransaction_ExactMatchPersisted(t *testing.T) {
	conf := testConfig()
	mockDS := new(mocks.MockDataSource)
	service := &Concilia{datasource: mockDS, queue: &Queue{}}

	date := time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)
	txn := &model.BankTransaction{
		TransactionID: "txn_1",
		TenantID:      "default",
		Amount:        decimal.NewFromFloat(-850.50),
		Currency:      "MXN",
		Date:          date,
		VendorTaxID:   "PEM840212XY1",
		Status:        model.StatusUnmatched,
	}
	invoice := &model.TaxInvoice{
		InvoiceID:   "inv_1",
		IssuerTaxID: "PEM840212XY1",
		Total:       decimal.NewFromFloat(850.50),
		IssueDate:   date,
		Status:      model.StatusUnmatched,
	}
	expense := &model.ExpenseRecord{
		ExpenseID:   "exp_1",
		Amount:      decimal.NewFromFloat(850.50),
		OccurredOn:  date,
		VendorTaxID: "PEM840212XY1",
		Status:      model.StatusUnmatched,
	}
	idx := newTestIndex(expense)

	mockDS.On("GetUnmatchedTaxInvoicesByVendor", mock.Anything, "default", "PEM840212XY1", mock.Anything, mock.Anything).
		Return([]*model.TaxInvoice{invoice}, nil)
	mockDS.On("RecordMatch", mock.Anything, mock.MatchedBy(func(m *model.Match) bool {
		return m.Type == model.MatchTypeExact && m.Status == model.MatchStatusConfirmed && m.ExpenseID == "exp_1"
	})).Return(nil)
	mockDS.On("UpdateBankTransactionStatus", mock.Anything, "txn_1", model.StatusUnmatched, model.StatusConfirmed, mock.Anything, 1.0).Return(nil)
	mockDS.On("UpdateTaxInvoiceStatus", mock.Anything, "inv_1", model.StatusUnmatched, model.StatusConfirmed, mock.Anything, 1.0).Return(nil)
	mockDS.On("GetTaxInvoice", mock.Anything, "inv_1").Return(invoice, nil)
	mockDS.On("UpdateExpenseStatus", mock.Anything, "exp_1", model.StatusUnmatched, model.StatusConfirmed, mock.Anything, 1.0).Return(nil)
	mockDS.On("GetBankTransaction", mock.Anything, "txn_1").Return(txn, nil)
	// Amounts agree, so the conflict resolver writes nothing.

	budget := newArbiterBudget(conf.Arbiter)
	result := service.processTransaction(context.Background(), txn, idx, budget, conf, false)

	assert.Equal(t, outcomeMatched, result)
	assert.Equal(t, model.StatusConfirmed, expense.Status)
	mockDS.AssertExpectations(t)
	mockDS.AssertNotCalled(t, "OverwriteExpense")
}

func TestProcessTransaction_DryRunPersistsNothing(t *testing.T) {
	conf := testConfig()
	mockDS := new(mocks.MockDataSource)
	service := &Concilia{datasource: mockDS, queue: &Queue{}}

	date := time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)
	txn := &model.BankTransaction{
		TransactionID: "txn_1",
		TenantID:      "default",
		Amount:        decimal.NewFromFloat(850.50),
		Date:          date,
		VendorTaxID:   "PEM840212XY1",
	}
	invoice := &model.TaxInvoice{
		InvoiceID:   "inv_1",
		IssuerTaxID: "PEM840212XY1",
		Total:       decimal.NewFromFloat(850.50),
		IssueDate:   date,
	}

	mockDS.On("GetUnmatchedTaxInvoicesByVendor", mock.Anything, "default", "PEM840212XY1", mock.Anything, mock.Anything).
		Return([]*model.TaxInvoice{invoice}, nil)

	budget := newArbiterBudget(conf.Arbiter)
	result := service.processTransaction(context.Background(), txn, newTestIndex(), budget, conf, true)

	assert.Equal(t, outcomeMatched, result)
	mockDS.AssertNotCalled(t, "RecordMatch")
	mockDS.AssertNotCalled(t, "UpdateBankTransactionStatus")
}

func TestProcessTransaction_LostCASIsSkipped(t *testing.T) {
	conf := testConfig()
	mockDS := new(mocks.MockDataSource)
	service := &Concilia{datasource: mockDS, queue: &Queue{}}

	date := time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)
	txn := &model.BankTransaction{
		TransactionID: "txn_1",
		TenantID:      "default",
		Amount:        decimal.NewFromFloat(850.50),
		Date:          date,
		VendorTaxID:   "PEM840212XY1",
	}
	invoice := &model.TaxInvoice{
		InvoiceID:   "inv_1",
		IssuerTaxID: "PEM840212XY1",
		Total:       decimal.NewFromFloat(850.50),
		IssueDate:   date,
	}

	mockDS.On("GetUnmatchedTaxInvoicesByVendor", mock.Anything, "default", "PEM840212XY1", mock.Anything, mock.Anything).
		Return([]*model.TaxInvoice{invoice}, nil)
	mockDS.On("RecordMatch", mock.Anything, mock.Anything).Return(nil)
	mockDS.On("UpdateBankTransactionStatus", mock.Anything, "txn_1", model.StatusUnmatched, model.StatusConfirmed, mock.Anything, 1.0).
		Return(database.ConflictError{Kind: model.KindBankTransaction, ID: "txn_1"})
	mockDS.On("UpdateMatchStatus", mock.Anything, mock.Anything, model.MatchStatusConfirmed, model.MatchStatusRejected, "engine").Return(nil)

	budget := newArbiterBudget(conf.Arbiter)
	result := service.processTransaction(context.Background(), txn, newTestIndex(), budget, conf, false)

	assert.Equal(t, outcomeSkipped, result)
	mockDS.AssertExpectations(t)
}

func TestProcessTransaction_PartialClaimReleasedOnLostCAS(t *testing.T) {
	conf := testConfig()
	mockDS := new(mocks.MockDataSource)
	service := &Concilia{datasource: mockDS, queue: &Queue{}}

	date := time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)
	txn := &model.BankTransaction{
		TransactionID: "txn_1",
		TenantID:      "default",
		Amount:        decimal.NewFromFloat(1000),
		Date:          date,
		VendorTaxID:   "ABC010101AAA",
	}
	invoices := []*model.TaxInvoice{
		{InvoiceID: "inv_600", IssuerTaxID: "ABC010101AAA", Total: decimal.NewFromFloat(600), IssueDate: date.AddDate(0, 0, -4), Status: model.StatusUnmatched},
		{InvoiceID: "inv_400", IssuerTaxID: "ABC010101AAA", Total: decimal.NewFromFloat(400), IssueDate: date.AddDate(0, 0, -2), Status: model.StatusUnmatched},
	}

	mockDS.On("GetUnmatchedTaxInvoicesByVendor", mock.Anything, "default", "ABC010101AAA", mock.Anything, mock.Anything).
		Return(invoices, nil)
	mockDS.On("RecordMatch", mock.Anything, mock.Anything).Return(nil)
	mockDS.On("UpdateBankTransactionStatus", mock.Anything, "txn_1", model.StatusUnmatched, model.StatusProposed, mock.Anything, mock.Anything).Return(nil)
	mockDS.On("UpdateTaxInvoiceStatus", mock.Anything, "inv_600", model.StatusUnmatched, model.StatusProposed, mock.Anything, mock.Anything).Return(nil)
	mockDS.On("GetTaxInvoice", mock.Anything, "inv_600").Return(invoices[0], nil)
	mockDS.On("UpdateTaxInvoiceStatus", mock.Anything, "inv_400", model.StatusUnmatched, model.StatusProposed, mock.Anything, mock.Anything).
		Return(database.ConflictError{Kind: model.KindTaxInvoice, ID: "inv_400"})

	// Losing the second invoice must hand back everything claimed so far.
	mockDS.On("UpdateMatchStatus", mock.Anything, mock.Anything, model.MatchStatusProposed, model.MatchStatusRejected, "engine").Return(nil)
	mockDS.On("UpdateBankTransactionStatus", mock.Anything, "txn_1", model.StatusProposed, model.StatusUnmatched, "", 0.0).Return(nil)
	mockDS.On("UpdateTaxInvoiceStatus", mock.Anything, "inv_600", model.StatusProposed, model.StatusUnmatched, "", 0.0).Return(nil)

	budget := newArbiterBudget(conf.Arbiter)
	result := service.processTransaction(context.Background(), txn, newTestIndex(), budget, conf, false)

	assert.Equal(t, outcomeSkipped, result)
	mockDS.AssertExpectations(t)
	mockDS.AssertNotCalled(t, "UpdateTaxInvoiceStatus", mock.Anything, "inv_400", model.StatusProposed, model.StatusUnmatched, "", 0.0)
}

func TestProcessTransaction_RunnersUpRecordedAsProposals(t *testing.T) {
	conf := testConfig()
	mockDS := new(mocks.MockDataSource)
	service := &Concilia{datasource: mockDS, queue: &Queue{}}

	date := time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)
	txn := &model.BankTransaction{
		TransactionID: "txn_1",
		TenantID:      "default",
		Amount:        decimal.NewFromFloat(1000),
		Date:          date,
		VendorTaxID:   "ABC010101AAA",
	}
	invoices := []*model.TaxInvoice{
		{InvoiceID: "inv_990", IssuerTaxID: "ABC010101AAA", Total: decimal.NewFromFloat(990), IssueDate: date.AddDate(0, 0, -1), Status: model.StatusUnmatched},
		{InvoiceID: "inv_950", IssuerTaxID: "ABC010101AAA", Total: decimal.NewFromFloat(950), IssueDate: date.AddDate(0, 0, -6), Status: model.StatusUnmatched},
	}

	mockDS.On("GetUnmatchedTaxInvoicesByVendor", mock.Anything, "default", "ABC010101AAA", mock.Anything, mock.Anything).
		Return(invoices, nil)
	mockDS.On("RecordMatch", mock.Anything, mock.MatchedBy(func(m *model.Match) bool {
		return len(m.InvoiceIDs) == 1 && m.InvoiceIDs[0] == "inv_990"
	})).Return(nil)
	mockDS.On("UpdateBankTransactionStatus", mock.Anything, "txn_1", model.StatusUnmatched, model.StatusProposed, mock.Anything, mock.Anything).Return(nil)
	mockDS.On("UpdateTaxInvoiceStatus", mock.Anything, "inv_990", model.StatusUnmatched, model.StatusProposed, mock.Anything, mock.Anything).Return(nil)
	mockDS.On("GetTaxInvoice", mock.Anything, "inv_990").Return(invoices[0], nil)

	// The second in-tolerance invoice lands in the ledger for review but
	// claims nothing.
	mockDS.On("RecordMatch", mock.Anything, mock.MatchedBy(func(m *model.Match) bool {
		return len(m.InvoiceIDs) == 1 && m.InvoiceIDs[0] == "inv_950" && m.Status == model.MatchStatusProposed
	})).Return(nil)

	budget := newArbiterBudget(conf.Arbiter)
	result := service.processTransaction(context.Background(), txn, newTestIndex(), budget, conf, false)

	assert.Equal(t, outcomeMatched, result)
	mockDS.AssertExpectations(t)
	mockDS.AssertNumberOfCalls(t, "RecordMatch", 2)
	mockDS.AssertNotCalled(t, "UpdateTaxInvoiceStatus", mock.Anything, "inv_950", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestProcessTransaction_ExpenseOnlyExactMatch(t *testing.T) {
	conf := testConfig()
	mockDS := new(mocks.MockDataSource)
	service := &Concilia{datasource: mockDS, queue: &Queue{}}

	date := time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)
	txn := &model.BankTransaction{
		TransactionID: "txn_1",
		TenantID:      "default",
		Amount:        decimal.NewFromFloat(-320.00),
		Date:          date,
		VendorTaxID:   "XAXX010101000",
	}
	expense := &model.ExpenseRecord{
		ExpenseID:   "exp_1",
		Amount:      decimal.NewFromFloat(320.00),
		OccurredOn:  date,
		VendorTaxID: "XAXX010101000",
		Status:      model.StatusUnmatched,
	}
	idx := newTestIndex(expense)

	// The invoice has not arrived yet; the expense alone carries the pair.
	mockDS.On("GetUnmatchedTaxInvoicesByVendor", mock.Anything, "default", "XAXX010101000", mock.Anything, mock.Anything).
		Return([]*model.TaxInvoice{}, nil)
	mockDS.On("RecordMatch", mock.Anything, mock.MatchedBy(func(m *model.Match) bool {
		return m.Type == model.MatchTypeExact && m.Status == model.MatchStatusConfirmed &&
			m.ExpenseID == "exp_1" && len(m.InvoiceIDs) == 0
	})).Return(nil)
	mockDS.On("UpdateBankTransactionStatus", mock.Anything, "txn_1", model.StatusUnmatched, model.StatusConfirmed, mock.Anything, 1.0).Return(nil)
	mockDS.On("UpdateExpenseStatus", mock.Anything, "exp_1", model.StatusUnmatched, model.StatusConfirmed, mock.Anything, 1.0).Return(nil)
	mockDS.On("GetBankTransaction", mock.Anything, "txn_1").Return(txn, nil)

	budget := newArbiterBudget(conf.Arbiter)
	result := service.processTransaction(context.Background(), txn, idx, budget, conf, false)

	assert.Equal(t, outcomeMatched, result)
	assert.Equal(t, model.StatusConfirmed, expense.Status)
	mockDS.AssertExpectations(t)
	mockDS.AssertNotCalled(t, "UpdateTaxInvoiceStatus")
}

func TestProcessTransaction_SecondRunRecordsNothing(t *testing.T) {
	conf := testConfig()
	mockDS := new(mocks.MockDataSource)
	service := &Concilia{datasource: mockDS, queue: &Queue{}}

	date := time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)
	txn := &model.BankTransaction{
		TransactionID: "txn_1",
		TenantID:      "default",
		Amount:        decimal.NewFromFloat(850.50),
		Date:          date,
		VendorTaxID:   "PEM840212XY1",
	}
	invoice := &model.TaxInvoice{
		InvoiceID:   "inv_1",
		IssuerTaxID: "PEM840212XY1",
		Total:       decimal.NewFromFloat(850.50),
		IssueDate:   date,
		Status:      model.StatusUnmatched,
	}

	// First run claims the invoice, so later queries no longer return it.
	mockDS.On("GetUnmatchedTaxInvoicesByVendor", mock.Anything, "default", "PEM840212XY1", mock.Anything, mock.Anything).
		Return([]*model.TaxInvoice{invoice}, nil).Once()
	mockDS.On("GetUnmatchedTaxInvoicesByVendor", mock.Anything, "default", "PEM840212XY1", mock.Anything, mock.Anything).
		Return([]*model.TaxInvoice{}, nil)
	mockDS.On("RecordMatch", mock.Anything, mock.Anything).Return(nil)
	mockDS.On("UpdateBankTransactionStatus", mock.Anything, "txn_1", model.StatusUnmatched, model.StatusConfirmed, mock.Anything, 1.0).Return(nil)
	mockDS.On("UpdateTaxInvoiceStatus", mock.Anything, "inv_1", model.StatusUnmatched, model.StatusConfirmed, mock.Anything, 1.0).Return(nil)
	mockDS.On("GetTaxInvoice", mock.Anything, "inv_1").Return(invoice, nil)

	budget := newArbiterBudget(conf.Arbiter)
	first := service.processTransaction(context.Background(), txn, newTestIndex(), budget, conf, false)
	assert.Equal(t, outcomeMatched, first)

	second := service.processTransaction(context.Background(), txn, newTestIndex(), budget, conf, false)
	assert.Equal(t, outcomeUnmatched, second)
	mockDS.AssertNumberOfCalls(t, "RecordMatch", 1)
}

func TestProcessTransaction_EmbeddingOutageDefersOnlyThatRecord(t *testing.T) {
	conf := testConfig()
	mockDS := new(mocks.MockDataSource)

	// The service fails on one phrase and answers normally for the rest.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Input []string `json:"input"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Input, 1)
		if strings.Contains(req.Input[0], "falla") {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if strings.Contains(req.Input[0], "papeleria") {
			w.Write([]byte(`{"data":[{"embedding":[1,0,0],"index":0}]}`))
			return
		}
		w.Write([]byte(`{"data":[{"embedding":[0,1,0],"index":0}]}`))
	}))
	defer server.Close()

	embedder := embedding.NewClient(config.EmbeddingConfig{URL: server.URL, Model: "test-model", TimeoutSec: 1}, nil)
	service := &Concilia{datasource: mockDS, queue: &Queue{}, embedder: embedder}
	budget := newArbiterBudget(conf.Arbiter)

	// No vendor tax id on either transaction, so the deterministic layers
	// pass through without a database call.
	failing := &model.BankTransaction{
		TransactionID: "txn_down",
		TenantID:      "default",
		Amount:        decimal.NewFromFloat(100),
		Currency:      "MXN",
		Date:          time.Now(),
		Description:   "Pago Falla Norte",
	}
	failIdx := newTestIndex(&model.ExpenseRecord{
		ExpenseID: "exp_a", VendorName: "Pago Falla Norte", Currency: "MXN",
		Description: "renta oficina", OccurredOn: time.Now(), Status: model.StatusUnmatched,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	result := service.processTransaction(ctx, failing, failIdx, budget, conf, false)
	assert.Equal(t, outcomeDeferred, result)

	// The next record reaches the service again instead of inheriting the
	// earlier outage.
	healthy := &model.BankTransaction{
		TransactionID: "txn_up",
		TenantID:      "default",
		Amount:        decimal.NewFromFloat(100),
		Currency:      "MXN",
		Date:          time.Now(),
		Description:   "Pago Papeleria",
	}
	healthyIdx := newTestIndex(&model.ExpenseRecord{
		ExpenseID: "exp_b", VendorName: "Pago Papeleria", Currency: "MXN",
		Description: "renta oficina", OccurredOn: time.Now(), Status: model.StatusUnmatched,
	})

	result = service.processTransaction(context.Background(), healthy, healthyIdx, budget, conf, false)
	assert.Equal(t, outcomeUnmatched, result)
	mockDS.AssertNotCalled(t, "RecordMatch")
}

func TestExpenseIndex_CandidatesByVendorTaxID(t *testing.T) {
	conf := testConfig()
	expense := &model.ExpenseRecord{ExpenseID: "exp_1", VendorTaxID: "PEM840212XY1", Status: model.StatusUnmatched}
	other := &model.ExpenseRecord{ExpenseID: "exp_2", VendorTaxID: "XYZ010101BBB", Status: model.StatusUnmatched}
	idx := newTestIndex(expense, other)

	txn := &model.BankTransaction{VendorTaxID: "PEM840212XY1"}
	candidates := idx.candidatesFor(txn, conf.Matching)
	assert.Len(t, candidates, 1)
	assert.Equal(t, "exp_1", candidates[0].ExpenseID)
}

func TestExpenseIndex_CandidatesByVendorName(t *testing.T) {
	conf := testConfig()
	expense := &model.ExpenseRecord{ExpenseID: "exp_1", VendorName: "OXXO", Status: model.StatusUnmatched}
	claimed := &model.ExpenseRecord{ExpenseID: "exp_2", VendorName: "OXXO", Status: model.StatusConfirmed}
	idx := newTestIndex(expense, claimed)

	txn := &model.BankTransaction{Description: "OXXO GAS MONTERREY"}
	candidates := idx.candidatesFor(txn, conf.Matching)
	assert.Len(t, candidates, 1)
	assert.Equal(t, "exp_1", candidates[0].ExpenseID)
}

func TestExpenseIndex_MarkClaimed(t *testing.T) {
	expense := &model.ExpenseRecord{ExpenseID: "exp_1", Status: model.StatusUnmatched}
	idx := newTestIndex(expense)

	idx.markClaimed(expense, model.StatusProposed)
	assert.Equal(t, model.StatusProposed, expense.Status)
}

func TestRunCounters(t *testing.T) {
	counters := &runCounters{}
	counters.add(outcomeMatched)
	counters.add(outcomeMatched)
	counters.add(outcomeUnmatched)
	counters.add(outcomeSkipped)
	counters.add(outcomeDeferred)

	assert.Equal(t, 2, counters.matched)
	assert.Equal(t, 1, counters.unmatched)
	assert.Equal(t, 1, counters.skipped)
	assert.Equal(t, 1, counters.deferred)
}

func TestCollectUnmatchedTransactions_Paginates(t *testing.T) {
	mockDS := new(mocks.MockDataSource)
	service := &Concilia{datasource: mockDS}

	firstPage := make([]*model.BankTransaction, transactionBatchSize)
	for i := range firstPage {
		firstPage[i] = &model.BankTransaction{TransactionID: "txn"}
	}
	secondPage := []*model.BankTransaction{{TransactionID: "txn_last"}}

	mockDS.On("GetUnmatchedBankTransactions", mock.Anything, "default", transactionBatchSize, int64(0)).Return(firstPage, nil)
	mockDS.On("GetUnmatchedBankTransactions", mock.Anything, "default", transactionBatchSize, int64(transactionBatchSize)).Return(secondPage, nil)

	all, err := service.collectUnmatchedTransactions(context.Background(), "default")
	assert.NoError(t, err)
	assert.Len(t, all, transactionBatchSize+1)
	mockDS.AssertExpectations(t)
}
