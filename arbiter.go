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
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/concilia-hq/concilia/config"
	"github.com/concilia-hq/concilia/model"
)

// errBudgetExhausted stops adjudication for the rest of a run. Candidates hit
// after exhaustion are deferred, not dropped.
var errBudgetExhausted = errors.New("adjudication budget exhausted")

// arbiterBudget caps LLM spend per run by call count and dollar cost. It is
// shared across workers.
type arbiterBudget struct {
	mu        sync.Mutex
	callsLeft int
	costLeft  float64
	perCall   float64
}

func newArbiterBudget(conf config.ArbiterConfig) *arbiterBudget {
	return &arbiterBudget{
		callsLeft: conf.MaxCallsPerRun,
		costLeft:  conf.CostCeilingUSD,
		perCall:   conf.CostPerCallUSD,
	}
}

// spend reserves one call, or reports the budget gone.
func (b *arbiterBudget) spend() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.callsLeft <= 0 || b.costLeft < b.perCall {
		return false
	}
	b.callsLeft--
	b.costLeft -= b.perCall
	return true
}

// adjudicateCandidates walks candidates best first, asking the arbiter for a
// verdict on each until one is judged a match. A verdict above the confidence
// floor confirms the match outright; below the floor it stays proposed for
// human review. Rejected verdicts land in the ledger with their rationale.
// Returns errBudgetExhausted when the run budget is gone and
// adjudicate.ErrUnavailable when the service is down; both defer the
// transaction to a later run.
func (s *Concilia) adjudicateCandidates(ctx context.Context, txn *model.BankTransaction, candidates []model.Candidate, budget *arbiterBudget, conf *config.Configuration) (*model.Match, error) {
	for _, candidate := range candidates {
		if !budget.spend() {
			return nil, errBudgetExhausted
		}

		verdict, err := s.arbiter.Judge(ctx, transactionSummary(txn), candidateSummary(candidate))
		if err != nil {
			return nil, err
		}

		if !verdict.IsMatch {
			// No match row exists for a rejected verdict; the ledger event
			// stands alone under its own id.
			event := &model.MatchEvent{
				MatchID:   model.GenerateUUIDWithSuffix("mtc"),
				Action:    model.LedgerActionRejected,
				Actor:     "arbiter",
				Rationale: fmt.Sprintf("%s vs %s: %s", txn.TransactionID, candidateRef(candidate), verdict.Rationale),
				CreatedAt: time.Now(),
			}
			if err := s.datasource.AppendMatchEvent(ctx, event); err != nil {
				logrus.Warnf("failed to record arbiter verdict for %s: %v", txn.TransactionID, err)
			}
			continue
		}

		status := model.MatchStatusProposed
		if verdict.Confidence >= conf.Arbiter.ConfidenceFloor {
			status = model.MatchStatusConfirmed
		}

		match := &model.Match{
			MatchID:           model.GenerateUUIDWithSuffix("mtc"),
			TenantID:          txn.TenantID,
			BankTransactionID: txn.TransactionID,
			Type:              model.MatchTypeLLM,
			Confidence:        verdict.Confidence,
			DateDeltaDays:     candidate.DateDeltaDays,
			Status:            status,
			Rationale:         verdict.Rationale,
			CreatedAt:         time.Now(),
		}

		amount := txn.AbsAmount()
		switch {
		case candidate.Invoice != nil:
			match.InvoiceIDs = []string{candidate.Invoice.InvoiceID}
			match.AmountDelta = amount.Sub(candidate.Invoice.Total).Abs()
		case candidate.Expense != nil:
			match.ExpenseID = candidate.Expense.ExpenseID
			match.AmountDelta = amount.Sub(candidate.Expense.Amount).Abs()
		default:
			match.AmountDelta = decimal.Zero
		}
		return match, nil
	}

	return nil, nil
}

func candidateRef(c model.Candidate) string {
	switch {
	case c.Invoice != nil:
		return "invoice " + c.Invoice.InvoiceID
	case c.Expense != nil:
		return "expense " + c.Expense.ExpenseID
	}
	return "candidate"
}

func transactionSummary(txn *model.BankTransaction) string {
	return fmt.Sprintf("amount %s %s on %s, description: %s",
		txn.AbsAmount().StringFixed(2), txn.Currency,
		txn.Date.Format("2006-01-02"), txn.Description)
}

func candidateSummary(c model.Candidate) string {
	if c.Invoice != nil {
		return fmt.Sprintf("invoice for %s %s issued %s by %s, description: %s",
			c.Invoice.Total.StringFixed(2), c.Invoice.Currency,
			c.Invoice.IssueDate.Format("2006-01-02"), c.Invoice.IssuerTaxID,
			c.Invoice.Description)
	}
	if c.Expense != nil {
		return fmt.Sprintf("expense of %s %s on %s at %s, description: %s",
			c.Expense.Amount.StringFixed(2), c.Expense.Currency,
			c.Expense.OccurredOn.Format("2006-01-02"), c.Expense.VendorName,
			c.Expense.Description)
	}
	return "no counterpart record"
}
