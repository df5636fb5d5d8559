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
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// MatchType records which layer produced a match.
type MatchType string

const (
	MatchTypeExact  MatchType = "exact"
	MatchTypeFuzzy  MatchType = "fuzzy"
	MatchTypeVector MatchType = "vector"
	MatchTypeLLM    MatchType = "llm"
	MatchTypeManual MatchType = "manual"
)

// MatchStatus is the lifecycle of a match entry in the ledger. The ledger is
// append-only: a match row is never rewritten once it reaches a terminal
// status, only superseded by a new row.
type MatchStatus string

const (
	MatchStatusProposed  MatchStatus = "proposed"
	MatchStatusConfirmed MatchStatus = "confirmed"
	MatchStatusRejected  MatchStatus = "rejected"
)

// Bounds on split matches. A split links one bank transaction to several
// invoices from the same vendor whose totals sum to the transaction amount.
const (
	SplitMinInvoices = 2
	SplitMaxInvoices = 4
)

// Match is one reconciliation decision linking a bank transaction to zero or
// one expense and one or more tax invoices.
type Match struct {
	ID                int64           `json:"-"`
	MatchID           string          `json:"match_id"`
	TenantID          string          `json:"tenant_id"`
	BankTransactionID string          `json:"bank_transaction_id"`
	ExpenseID         string          `json:"expense_id,omitempty"`
	InvoiceIDs        []string        `json:"invoice_ids"`
	Type              MatchType       `json:"match_type"`
	Confidence        float64         `json:"confidence"`
	AmountDelta       decimal.Decimal `json:"amount_delta"`
	DateDeltaDays     int             `json:"date_delta_days"`
	Status            MatchStatus     `json:"status"`
	SplitGroupID      string          `json:"split_group_id,omitempty"`
	Rationale         string          `json:"rationale,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	ConfirmedAt       *time.Time      `json:"confirmed_at,omitempty"`
	ConfirmedBy       string          `json:"confirmed_by,omitempty"`
}

// IsSplit reports whether the match links more than one invoice.
func (m *Match) IsSplit() bool {
	return len(m.InvoiceIDs) > 1
}

// Validate enforces the ledger invariants before a match may be written.
func (m *Match) Validate() error {
	if m.BankTransactionID == "" {
		return errors.New("match requires a bank transaction")
	}
	if len(m.InvoiceIDs) == 0 && m.ExpenseID == "" {
		return errors.New("match requires at least one invoice or an expense")
	}
	if m.Confidence < 0 || m.Confidence > 1 {
		return errors.New("confidence must be between 0 and 1")
	}
	if m.AmountDelta.IsNegative() {
		return errors.New("amount delta must be non-negative")
	}
	if m.Type == MatchTypeExact {
		if !m.AmountDelta.IsZero() || m.DateDeltaDays != 0 {
			return errors.New("exact matches carry zero amount and date deltas")
		}
		if m.Confidence != 1.0 {
			return errors.New("exact matches carry confidence 1.0")
		}
	}
	if m.IsSplit() {
		if m.SplitGroupID == "" {
			return errors.New("split matches require a split group id")
		}
		if len(m.InvoiceIDs) < SplitMinInvoices || len(m.InvoiceIDs) > SplitMaxInvoices {
			return errors.New("split matches link between 2 and 4 invoices")
		}
	}
	return nil
}

// MatchEvent is one entry in the append-only match ledger. Every
// state-mutating operation on a match appends exactly one event; events are
// never rewritten.
type MatchEvent struct {
	ID        int64     `json:"-"`
	MatchID   string    `json:"match_id"`
	Action    string    `json:"action"`
	Actor     string    `json:"actor"`
	Rationale string    `json:"rationale,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Ledger actions.
const (
	LedgerActionProposed  = "proposed"
	LedgerActionConfirmed = "confirmed"
	LedgerActionRejected  = "rejected"
	LedgerActionCorrected = "corrected"
)

// Candidate is a scored pairing surfaced by the fuzzy or vector layers,
// awaiting arbitration or human review.
type Candidate struct {
	BankTransaction *BankTransaction
	Invoice         *TaxInvoice
	Expense         *ExpenseRecord
	AmountDrift     float64
	DateDeltaDays   int
	Similarity      float64
}

// CandidateID returns the id of whichever counterpart record the candidate
// pairs with the bank transaction.
func (c *Candidate) CandidateID() string {
	if c.Invoice != nil {
		return c.Invoice.InvoiceID
	}
	if c.Expense != nil {
		return c.Expense.ExpenseID
	}
	return ""
}

// Run status constants for a reconciliation pass and for sweeper cycles.
const (
	RunStatusStarted    = "started"
	RunStatusInProgress = "in_progress"
	RunStatusCompleted  = "completed"
	RunStatusFailed     = "failed"
)

// ReconciliationRun is the persisted record of one matching pass.
type ReconciliationRun struct {
	ID          int64      `json:"-"`
	RunID       string     `json:"run_id"`
	TenantID    string     `json:"tenant_id"`
	Status      string     `json:"status"`
	Matched     int        `json:"matched"`
	Unmatched   int        `json:"unmatched"`
	Skipped     int        `json:"skipped"`
	Deferred    int        `json:"deferred"`
	IsDryRun    bool       `json:"is_dry_run"`
	TriggeredBy string     `json:"triggered_by"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// RunProgress is the resumable checkpoint saved every few records so an
// aborted pass does not restart from scratch.
type RunProgress struct {
	LastProcessedID string `json:"last_processed_id"`
	ProcessedCount  int    `json:"processed_count"`
}
