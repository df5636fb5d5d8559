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

	"github.com/concilia-hq/concilia/model"
)

// Authoritative sources recorded in expense audit logs.
const (
	SourceTaxInvoice      = "tax_invoice"
	SourceBankTransaction = "bank_transaction"
)

// resolveExpenseConflicts overwrites an expense's fields from the
// authoritative record on the other side of a confirmed match. Precedence is
// one-way: the fiscally stamped invoice beats the bank statement, and both
// beat the manual entry. Every overwritten field appends one audit event.
func (s *Concilia) resolveExpenseConflicts(ctx context.Context, expense *model.ExpenseRecord, invoice *model.TaxInvoice, txn *model.BankTransaction) error {
	if expense == nil {
		return nil
	}

	var events []model.CorrectionEvent
	now := time.Now()

	amount := expense.Amount
	vendorName := ""
	vendorTaxID := ""
	correctedBy := ""

	if invoice != nil {
		correctedBy = invoice.InvoiceID
		if !expense.Amount.Equal(invoice.Total) {
			events = append(events, model.CorrectionEvent{
				Field:     "amount",
				OldValue:  expense.Amount.String(),
				NewValue:  invoice.Total.String(),
				Source:    SourceTaxInvoice,
				Timestamp: now,
			})
			amount = invoice.Total
		}
		if expense.VendorTaxID != invoice.IssuerTaxID {
			events = append(events, model.CorrectionEvent{
				Field:     "vendor_tax_id",
				OldValue:  expense.VendorTaxID,
				NewValue:  invoice.IssuerTaxID,
				Source:    SourceTaxInvoice,
				Timestamp: now,
			})
			vendorTaxID = invoice.IssuerTaxID
		}
	} else if txn != nil {
		correctedBy = txn.TransactionID
		if !expense.Amount.Equal(txn.AbsAmount()) {
			events = append(events, model.CorrectionEvent{
				Field:     "amount",
				OldValue:  expense.Amount.String(),
				NewValue:  txn.AbsAmount().String(),
				Source:    SourceBankTransaction,
				Timestamp: now,
			})
			amount = txn.AbsAmount()
		}
		if txn.VendorTaxID != "" && expense.VendorTaxID != txn.VendorTaxID {
			events = append(events, model.CorrectionEvent{
				Field:     "vendor_tax_id",
				OldValue:  expense.VendorTaxID,
				NewValue:  txn.VendorTaxID,
				Source:    SourceBankTransaction,
				Timestamp: now,
			})
			vendorTaxID = txn.VendorTaxID
		}
	}

	if len(events) == 0 {
		return nil
	}

	return s.datasource.OverwriteExpense(ctx, expense.ExpenseID, amount, vendorName, vendorTaxID, correctedBy, events)
}
