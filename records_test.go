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
	"strings"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/concilia-hq/concilia/database/mocks"
	"github.com/concilia-hq/concilia/model"
)

func TestCreateExpense(t *testing.T) {
	testConfig()
	mockDS := new(mocks.MockDataSource)
	service := &Concilia{datasource: mockDS, queue: &Queue{}}

	mockDS.On("RecordExpense", mock.Anything, mock.MatchedBy(func(e *model.ExpenseRecord) bool {
		return e.Status == model.StatusUnmatched && e.TenantID == "default" && e.Currency == "MXN"
	})).Return(nil)

	expense, err := service.CreateExpense(context.Background(), &model.ExpenseRecord{
		Amount:      decimal.NewFromFloat(850.50),
		Currency:    "mxn",
		OccurredOn:  time.Now(),
		VendorName:  "Pemex",
		VendorTaxID: "pem840212xy1",
		Description: "gasolina",
	})
	assert.NoError(t, err)
	assert.True(t, strings.HasPrefix(expense.ExpenseID, "exp_"))
	assert.Equal(t, "PEM840212XY1", expense.VendorTaxID)
	mockDS.AssertExpectations(t)
}

func TestIngestTaxInvoice(t *testing.T) {
	testConfig()
	mockDS := new(mocks.MockDataSource)
	service := &Concilia{datasource: mockDS, queue: &Queue{}}

	mockDS.On("RecordTaxInvoice", mock.Anything, mock.MatchedBy(func(inv *model.TaxInvoice) bool {
		return inv.Status == model.StatusUnmatched && inv.TenantID == "default"
	})).Return(nil)

	invoice, err := service.IngestTaxInvoice(context.Background(), &model.TaxInvoice{
		FiscalUID:   "A1B2C3D4-0000-0000-0000-000000000000",
		IssuerTaxID: "pem840212xy1",
		Total:       decimal.NewFromFloat(850.50),
		Currency:    "mxn",
		IssueDate:   time.Now(),
	})
	assert.NoError(t, err)
	assert.True(t, strings.HasPrefix(invoice.InvoiceID, "inv_"))
	assert.Equal(t, "PEM840212XY1", invoice.IssuerTaxID)
	mockDS.AssertExpectations(t)
}

func TestConfirmMatch_RunsConflictResolver(t *testing.T) {
	testConfig()
	mockDS := new(mocks.MockDataSource)
	service := &Concilia{datasource: mockDS, queue: &Queue{}}

	match := &model.Match{
		MatchID:           "mtc_1",
		BankTransactionID: "txn_1",
		ExpenseID:         "exp_1",
		InvoiceIDs:        []string{"inv_1"},
		Type:              model.MatchTypeFuzzy,
		Confidence:        0.92,
		Status:            model.MatchStatusProposed,
	}
	expense := &model.ExpenseRecord{ExpenseID: "exp_1", Amount: decimal.NewFromFloat(1150)}
	invoice := &model.TaxInvoice{InvoiceID: "inv_1", Total: decimal.NewFromFloat(1200)}
	txn := &model.BankTransaction{TransactionID: "txn_1", Amount: decimal.NewFromFloat(-1200)}

	mockDS.On("GetMatch", mock.Anything, "mtc_1").Return(match, nil)
	mockDS.On("UpdateMatchStatus", mock.Anything, "mtc_1", model.MatchStatusProposed, model.MatchStatusConfirmed, "reviewer@acme.mx").Return(nil)
	mockDS.On("UpdateBankTransactionStatus", mock.Anything, "txn_1", model.StatusProposed, model.StatusConfirmed, "mtc_1", 0.92).Return(nil)
	mockDS.On("UpdateTaxInvoiceStatus", mock.Anything, "inv_1", model.StatusProposed, model.StatusConfirmed, "mtc_1", 0.92).Return(nil)
	mockDS.On("UpdateExpenseStatus", mock.Anything, "exp_1", model.StatusProposed, model.StatusConfirmed, "mtc_1", 0.92).Return(nil)
	mockDS.On("GetExpense", mock.Anything, "exp_1").Return(expense, nil)
	mockDS.On("GetTaxInvoice", mock.Anything, "inv_1").Return(invoice, nil)
	mockDS.On("GetBankTransaction", mock.Anything, "txn_1").Return(txn, nil)
	// Invoice total disagrees with the expense: one corrective overwrite.
	mockDS.On("OverwriteExpense", mock.Anything, "exp_1",
		mock.MatchedBy(func(amount decimal.Decimal) bool { return amount.Equal(decimal.NewFromFloat(1200)) }),
		"", "", "inv_1", mock.Anything).Return(nil)

	confirmed, err := service.ConfirmMatch(context.Background(), "mtc_1", "reviewer@acme.mx")
	assert.NoError(t, err)
	assert.Equal(t, model.MatchStatusConfirmed, confirmed.Status)
	mockDS.AssertExpectations(t)
}

func TestRejectMatch_ReturnsRecordsToUnmatched(t *testing.T) {
	testConfig()
	mockDS := new(mocks.MockDataSource)
	service := &Concilia{datasource: mockDS, queue: &Queue{}}

	match := &model.Match{
		MatchID:           "mtc_1",
		BankTransactionID: "txn_1",
		ExpenseID:         "exp_1",
		InvoiceIDs:        []string{"inv_1"},
		Confidence:        0.80,
		Status:            model.MatchStatusProposed,
	}

	mockDS.On("GetMatch", mock.Anything, "mtc_1").Return(match, nil)
	mockDS.On("UpdateMatchStatus", mock.Anything, "mtc_1", model.MatchStatusProposed, model.MatchStatusRejected, "reviewer@acme.mx").Return(nil)
	mockDS.On("UpdateBankTransactionStatus", mock.Anything, "txn_1", model.StatusProposed, model.StatusUnmatched, "", 0.0).Return(nil)
	mockDS.On("UpdateTaxInvoiceStatus", mock.Anything, "inv_1", model.StatusProposed, model.StatusUnmatched, "", 0.0).Return(nil)
	mockDS.On("UpdateExpenseStatus", mock.Anything, "exp_1", model.StatusProposed, model.StatusUnmatched, "", 0.0).Return(nil)

	rejected, err := service.RejectMatch(context.Background(), "mtc_1", "reviewer@acme.mx")
	assert.NoError(t, err)
	assert.Equal(t, model.MatchStatusRejected, rejected.Status)
	mockDS.AssertExpectations(t)
}

func TestConfirmMatch_AlreadyConfirmedFails(t *testing.T) {
	testConfig()
	mockDS := new(mocks.MockDataSource)
	service := &Concilia{datasource: mockDS, queue: &Queue{}}

	match := &model.Match{
		MatchID:           "mtc_1",
		BankTransactionID: "txn_1",
		InvoiceIDs:        []string{"inv_1"},
		Status:            model.MatchStatusConfirmed,
	}

	mockDS.On("GetMatch", mock.Anything, "mtc_1").Return(match, nil)
	mockDS.On("UpdateMatchStatus", mock.Anything, "mtc_1", model.MatchStatusProposed, model.MatchStatusConfirmed, "reviewer@acme.mx").
		Return(assert.AnError)

	_, err := service.ConfirmMatch(context.Background(), "mtc_1", "reviewer@acme.mx")
	assert.Error(t, err)
	mockDS.AssertNotCalled(t, "UpdateBankTransactionStatus")
}

func TestCreateExpense_GeneratedBatch(t *testing.T) {
	testConfig()
	mockDS := new(mocks.MockDataSource)
	service := &Concilia{datasource: mockDS, queue: &Queue{}}

	mockDS.On("RecordExpense", mock.Anything, mock.Anything).Return(nil)

	seen := make(map[string]bool)
	for i := 0; i < 25; i++ {
		expense, err := service.CreateExpense(context.Background(), &model.ExpenseRecord{
			Amount:      decimal.NewFromFloat(gofakeit.Price(10, 5000)),
			Currency:    "MXN",
			OccurredOn:  gofakeit.DateRange(time.Now().AddDate(0, -1, 0), time.Now()),
			VendorName:  gofakeit.Company(),
			Description: gofakeit.ProductName(),
		})
		assert.NoError(t, err)
		assert.True(t, strings.HasPrefix(expense.ExpenseID, "exp_"))
		assert.False(t, seen[expense.ExpenseID])
		seen[expense.ExpenseID] = true
	}
	mockDS.AssertNumberOfCalls(t, "RecordExpense", 25)
}
