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
	"time"

	"github.com/sirupsen/logrus"

	"github.com/concilia-hq/concilia/config"
	"github.com/concilia-hq/concilia/internal/search"
	"github.com/concilia-hq/concilia/model"
)

// CreateExpense stores a manually submitted expense record. New expenses
// always enter as unmatched; the next pass or sweep picks them up.
func (s *Concilia) CreateExpense(ctx context.Context, expense *model.ExpenseRecord) (*model.ExpenseRecord, error) {
	conf, err := config.Fetch()
	if err != nil {
		return nil, err
	}

	expense.ExpenseID = model.GenerateUUIDWithSuffix("exp")
	if expense.TenantID == "" {
		expense.TenantID = conf.TenantID
	}
	expense.Currency = strings.ToUpper(expense.Currency)
	expense.VendorTaxID = strings.ToUpper(strings.TrimSpace(expense.VendorTaxID))
	expense.Status = model.StatusUnmatched
	expense.Confidence = 0
	expense.CreatedAt = time.Now()

	if err := s.datasource.RecordExpense(ctx, expense); err != nil {
		return nil, err
	}
	if err := s.queue.queueIndexData(expense.ExpenseID, search.CollectionExpenses, expense); err != nil {
		logrus.Warnf("failed to queue expense index: %v", err)
	}
	return expense, nil
}

// GetExpense returns an expense record with its audit log.
func (s *Concilia) GetExpense(ctx context.Context, id string) (*model.ExpenseRecord, error) {
	return s.datasource.GetExpense(ctx, id)
}

// IngestTaxInvoice stores an invoice delivered by the tax-document pipeline.
// The pipeline hands over already-parsed records; nothing here reads CFDI XML.
func (s *Concilia) IngestTaxInvoice(ctx context.Context, invoice *model.TaxInvoice) (*model.TaxInvoice, error) {
	conf, err := config.Fetch()
	if err != nil {
		return nil, err
	}

	invoice.InvoiceID = model.GenerateUUIDWithSuffix("inv")
	if invoice.TenantID == "" {
		invoice.TenantID = conf.TenantID
	}
	invoice.Currency = strings.ToUpper(invoice.Currency)
	invoice.IssuerTaxID = strings.ToUpper(strings.TrimSpace(invoice.IssuerTaxID))
	invoice.Status = model.StatusUnmatched
	invoice.Confidence = 0
	invoice.CreatedAt = time.Now()

	if err := s.datasource.RecordTaxInvoice(ctx, invoice); err != nil {
		return nil, err
	}
	if err := s.queue.queueIndexData(invoice.InvoiceID, search.CollectionInvoices, invoice); err != nil {
		logrus.Warnf("failed to queue invoice index: %v", err)
	}
	return invoice, nil
}

// GetTaxInvoice returns a tax invoice by id.
func (s *Concilia) GetTaxInvoice(ctx context.Context, id string) (*model.TaxInvoice, error) {
	return s.datasource.GetTaxInvoice(ctx, id)
}

// GetBankTransaction returns a bank transaction by id.
func (s *Concilia) GetBankTransaction(ctx context.Context, id string) (*model.BankTransaction, error) {
	return s.datasource.GetBankTransaction(ctx, id)
}

// ListMatches queries the match ledger for downstream reporting. An empty
// status returns every match inside the date range.
func (s *Concilia) ListMatches(ctx context.Context, status model.MatchStatus, from, to time.Time, batchSize int, offset int64) ([]*model.Match, error) {
	return s.datasource.ListMatches(ctx, status, from, to, batchSize, offset)
}

// GetMatch returns a ledger entry by id.
func (s *Concilia) GetMatch(ctx context.Context, id string) (*model.Match, error) {
	return s.datasource.GetMatch(ctx, id)
}

// GetMatchEvents returns the append-only event trail for a match.
func (s *Concilia) GetMatchEvents(ctx context.Context, matchID string) ([]*model.MatchEvent, error) {
	return s.datasource.GetMatchEvents(ctx, matchID)
}

// ConfirmMatch promotes a proposed match after human review. The linked
// records move to confirmed, and the conflict resolver runs with the
// confirmed counterpart as the authoritative source.
func (s *Concilia) ConfirmMatch(ctx context.Context, matchID, actor string) (*model.Match, error) {
	match, err := s.datasource.GetMatch(ctx, matchID)
	if err != nil {
		return nil, err
	}

	if err := s.datasource.UpdateMatchStatus(ctx, matchID, model.MatchStatusProposed, model.MatchStatusConfirmed, actor); err != nil {
		return nil, err
	}
	match.Status = model.MatchStatusConfirmed

	if err := s.datasource.UpdateBankTransactionStatus(ctx, match.BankTransactionID, model.StatusProposed, model.StatusConfirmed, matchID, match.Confidence); err != nil {
		return nil, err
	}
	for _, invoiceID := range match.InvoiceIDs {
		if err := s.datasource.UpdateTaxInvoiceStatus(ctx, invoiceID, model.StatusProposed, model.StatusConfirmed, matchID, match.Confidence); err != nil {
			return nil, err
		}
	}
	if match.ExpenseID != "" {
		if err := s.datasource.UpdateExpenseStatus(ctx, match.ExpenseID, model.StatusProposed, model.StatusConfirmed, matchID, match.Confidence); err != nil {
			return nil, err
		}
		if err := s.resolveMatchedExpense(ctx, match); err != nil {
			logrus.Errorf("conflict resolution failed for match %s: %v", matchID, err)
		}
	}

	if err := s.queue.queueIndexData(match.MatchID, search.CollectionMatches, match); err != nil {
		logrus.Warnf("failed to queue match index: %v", err)
	}
	return match, nil
}

// RejectMatch discards a proposed match after human review. The linked
// records return to unmatched so later passes can try again.
func (s *Concilia) RejectMatch(ctx context.Context, matchID, actor string) (*model.Match, error) {
	match, err := s.datasource.GetMatch(ctx, matchID)
	if err != nil {
		return nil, err
	}

	if err := s.datasource.UpdateMatchStatus(ctx, matchID, model.MatchStatusProposed, model.MatchStatusRejected, actor); err != nil {
		return nil, err
	}
	match.Status = model.MatchStatusRejected

	if err := s.datasource.UpdateBankTransactionStatus(ctx, match.BankTransactionID, model.StatusProposed, model.StatusUnmatched, "", 0); err != nil {
		return nil, err
	}
	for _, invoiceID := range match.InvoiceIDs {
		if err := s.datasource.UpdateTaxInvoiceStatus(ctx, invoiceID, model.StatusProposed, model.StatusUnmatched, "", 0); err != nil {
			return nil, err
		}
	}
	if match.ExpenseID != "" {
		if err := s.datasource.UpdateExpenseStatus(ctx, match.ExpenseID, model.StatusProposed, model.StatusUnmatched, "", 0); err != nil {
			return nil, err
		}
	}

	if err := s.queue.queueIndexData(match.MatchID, search.CollectionMatches, match); err != nil {
		logrus.Warnf("failed to queue match index: %v", err)
	}
	return match, nil
}

// resolveMatchedExpense loads the match's records and applies the
// authoritative-source hierarchy to the expense.
func (s *Concilia) resolveMatchedExpense(ctx context.Context, match *model.Match) error {
	expense, err := s.datasource.GetExpense(ctx, match.ExpenseID)
	if err != nil {
		return err
	}

	var invoice *model.TaxInvoice
	if len(match.InvoiceIDs) == 1 {
		if invoice, err = s.datasource.GetTaxInvoice(ctx, match.InvoiceIDs[0]); err != nil {
			return err
		}
	}

	txn, err := s.datasource.GetBankTransaction(ctx, match.BankTransactionID)
	if err != nil {
		return err
	}
	return s.resolveExpenseConflicts(ctx, expense, invoice, txn)
}
