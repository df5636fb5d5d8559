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

package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// RecordStatus is the single reconciliation state machine shared by expenses,
// bank transactions and tax invoices. Transitions are monotonic:
// unmatched -> proposed -> confirmed|rejected. A rejected record returns to
// unmatched so it re-enters the pipeline.
type RecordStatus string

const (
	StatusUnmatched RecordStatus = "unmatched"
	StatusProposed  RecordStatus = "proposed"
	StatusConfirmed RecordStatus = "confirmed"
	StatusRejected  RecordStatus = "rejected"
)

// CanTransitionTo reports whether moving from the current status to next is a
// legal state-machine transition.
func (s RecordStatus) CanTransitionTo(next RecordStatus) bool {
	switch s {
	case StatusUnmatched:
		return next == StatusProposed || next == StatusConfirmed
	case StatusProposed:
		return next == StatusConfirmed || next == StatusRejected
	case StatusRejected:
		return next == StatusUnmatched
	default:
		return false
	}
}

// RecordKind identifies which of the three record tables an id belongs to.
type RecordKind string

const (
	KindExpense         RecordKind = "expense"
	KindBankTransaction RecordKind = "bank_transaction"
	KindTaxInvoice      RecordKind = "tax_invoice"
)

// CorrectionEvent is one entry in an expense record's append-only audit log.
// Every overwrite performed by the conflict resolver produces exactly one
// event with the old value, the new value and the authoritative source that
// forced the change.
type CorrectionEvent struct {
	Field     string    `json:"field"`
	OldValue  string    `json:"old_value"`
	NewValue  string    `json:"new_value"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
}

// ExpenseRecord is a manually submitted cost entry. It is the only record
// type the conflict resolver may mutate; bank transactions and tax invoices
// are immutable outside their reconciliation fields.
type ExpenseRecord struct {
	ID              int64             `json:"-"`
	ExpenseID       string            `json:"expense_id"`
	TenantID        string            `json:"tenant_id"`
	Amount          decimal.Decimal   `json:"amount"`
	Currency        string            `json:"currency"`
	OccurredOn      time.Time         `json:"occurred_on"`
	VendorName      string            `json:"vendor_name"`
	VendorTaxID     string            `json:"vendor_tax_id,omitempty"`
	Description     string            `json:"description"`
	Status          RecordStatus      `json:"status"`
	Confidence      float64           `json:"confidence"`
	MatchID         string            `json:"match_id,omitempty"`
	LastCorrectedBy string            `json:"last_corrected_by,omitempty"`
	LastCorrectedAt *time.Time        `json:"last_corrected_at,omitempty"`
	AuditLog        []CorrectionEvent `json:"audit_log,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
}

// Age returns how long ago the expense was submitted. The orphan sweeper only
// picks up expenses older than the configured minimum age.
func (e *ExpenseRecord) Age(now time.Time) time.Duration {
	return now.Sub(e.CreatedAt)
}

// VendorKey returns the vendor identity used for matching: the RFC when
// present, otherwise the normalized vendor name.
func (e *ExpenseRecord) VendorKey() string {
	if e.VendorTaxID != "" {
		return e.VendorTaxID
	}
	return NormalizeVendorName(e.VendorName)
}

// BankTransaction is one parsed line of a bank statement. Amounts are signed;
// matching always compares absolute values.
type BankTransaction struct {
	ID            int64           `json:"-"`
	TransactionID string          `json:"transaction_id"`
	TenantID      string          `json:"tenant_id"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	Date          time.Time       `json:"date"`
	VendorTaxID   string          `json:"vendor_tax_id,omitempty"`
	Description   string          `json:"description"`
	Status        RecordStatus    `json:"status"`
	Confidence    float64         `json:"confidence"`
	MatchID       string          `json:"match_id,omitempty"`
	UploadID      string          `json:"upload_id,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// AbsAmount returns the unsigned transaction amount used for matching.
func (t *BankTransaction) AbsAmount() decimal.Decimal {
	return t.Amount.Abs()
}

// TaxInvoice is a fiscally stamped invoice (CFDI) delivered by the tax
// ingestion pipeline.
type TaxInvoice struct {
	ID          int64           `json:"-"`
	InvoiceID   string          `json:"invoice_id"`
	TenantID    string          `json:"tenant_id"`
	FiscalUID   string          `json:"fiscal_uid"`
	IssuerTaxID string          `json:"issuer_tax_id"`
	Total       decimal.Decimal `json:"total"`
	Currency    string          `json:"currency"`
	IssueDate   time.Time       `json:"issue_date"`
	Description string          `json:"description"`
	Status      RecordStatus    `json:"status"`
	Confidence  float64         `json:"confidence"`
	MatchID     string          `json:"match_id,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// SameDay reports whether two timestamps fall on the same calendar date.
// Exact matching compares dates, never clock times.
func SameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// DateDeltaDays returns the absolute distance in whole calendar days between
// two timestamps.
func DateDeltaDays(a, b time.Time) int {
	at := time.Date(a.Year(), a.Month(), a.Day(), 0, 0, 0, 0, time.UTC)
	bt := time.Date(b.Year(), b.Month(), b.Day(), 0, 0, 0, 0, time.UTC)
	days := int(at.Sub(bt).Hours() / 24)
	if days < 0 {
		return -days
	}
	return days
}
