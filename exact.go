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
	"time"

	"github.com/shopspring/decimal"

	"github.com/concilia-hq/concilia/model"
)

// findExactMatch looks for an invoice that shares the transaction's fiscal
// id, absolute amount and calendar date. Exact matches carry confidence 1.0
// and are the only matches confirmed without review. A transaction without a
// vendor tax id can never match exactly.
func (s *Concilia) findExactMatch(ctx context.Context, txn *model.BankTransaction) (*model.Match, error) {
	if txn.VendorTaxID == "" {
		return nil, nil
	}

	// Same calendar date is required, so a one-day query window is enough.
	from := txn.Date.AddDate(0, 0, -1)
	to := txn.Date.AddDate(0, 0, 1)
	invoices, err := s.datasource.GetUnmatchedTaxInvoicesByVendor(ctx, txn.TenantID, txn.VendorTaxID, from, to)
	if err != nil {
		return nil, err
	}

	amount := txn.AbsAmount()
	for _, invoice := range invoices {
		if !model.SameDay(txn.Date, invoice.IssueDate) {
			continue
		}
		if !amount.Equal(invoice.Total) {
			continue
		}

		// Invoices come back ordered oldest-created first, so the first hit
		// is the tie-break winner.
		return &model.Match{
			MatchID:           model.GenerateUUIDWithSuffix("mtc"),
			TenantID:          txn.TenantID,
			BankTransactionID: txn.TransactionID,
			InvoiceIDs:        []string{invoice.InvoiceID},
			Type:              model.MatchTypeExact,
			Confidence:        1.0,
			AmountDelta:       decimal.Zero,
			DateDeltaDays:     0,
			Status:            model.MatchStatusConfirmed,
			Rationale:         "fiscal id, amount and date all equal",
			CreatedAt:         time.Now(),
		}, nil
	}

	return nil, nil
}

// exactExpenseMatch pairs a transaction directly with an expense when no
// invoice hit: same fiscal id on both sides, same absolute amount, same
// calendar date. The invoice usually arrives later and the sweeper folds it
// in then.
func exactExpenseMatch(txn *model.BankTransaction, expenses []*model.ExpenseRecord) (*model.Match, *model.ExpenseRecord) {
	if txn.VendorTaxID == "" {
		return nil, nil
	}

	amount := txn.AbsAmount()
	for _, expense := range expenses {
		if expense.Status != model.StatusUnmatched || expense.VendorTaxID != txn.VendorTaxID {
			continue
		}
		if !model.SameDay(expense.OccurredOn, txn.Date) {
			continue
		}
		if !expense.Amount.Equal(amount) {
			continue
		}

		match := &model.Match{
			MatchID:           model.GenerateUUIDWithSuffix("mtc"),
			TenantID:          txn.TenantID,
			BankTransactionID: txn.TransactionID,
			ExpenseID:         expense.ExpenseID,
			Type:              model.MatchTypeExact,
			Confidence:        1.0,
			AmountDelta:       decimal.Zero,
			DateDeltaDays:     0,
			Status:            model.MatchStatusConfirmed,
			Rationale:         "fiscal id, amount and date all equal",
			CreatedAt:         time.Now(),
		}
		return match, expense
	}
	return nil, nil
}

// attachExactExpense finds an unmatched expense from the same vendor with the
// same amount on the same date and links it to the match. The expense index
// is built once per run.
func attachExactExpense(match *model.Match, txn *model.BankTransaction, expenses []*model.ExpenseRecord) *model.ExpenseRecord {
	amount := txn.AbsAmount()
	for _, expense := range expenses {
		if expense.Status != model.StatusUnmatched {
			continue
		}
		if !model.SameDay(expense.OccurredOn, txn.Date) {
			continue
		}
		if !expense.Amount.Equal(amount) {
			continue
		}
		match.ExpenseID = expense.ExpenseID
		return expense
	}
	return nil
}
