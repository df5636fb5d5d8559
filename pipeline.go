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
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/concilia-hq/concilia/config"
	"github.com/concilia-hq/concilia/database"
	"github.com/concilia-hq/concilia/internal/adjudicate"
	"github.com/concilia-hq/concilia/internal/embedding"
	redlock "github.com/concilia-hq/concilia/internal/lock"
	"github.com/concilia-hq/concilia/internal/notification"
	"github.com/concilia-hq/concilia/internal/search"
	"github.com/concilia-hq/concilia/model"
)

const (
	transactionBatchSize       = 100
	progressCheckpointInterval = 50
	runLockDuration            = 30 * time.Minute
	runLockWait                = 30 * time.Second
)

// outcome is what the pipeline decided for one bank transaction.
type outcome int

const (
	outcomeMatched outcome = iota
	outcomeUnmatched
	outcomeSkipped
	outcomeDeferred
)

type runCounters struct {
	mu        sync.Mutex
	matched   int
	unmatched int
	skipped   int
	deferred  int
}

func (c *runCounters) add(o outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch o {
	case outcomeMatched:
		c.matched++
	case outcomeUnmatched:
		c.unmatched++
	case outcomeSkipped:
		c.skipped++
	case outcomeDeferred:
		c.deferred++
	}
}

// StartReconciliation records a new run and hands it to the workers. The
// returned run id can be polled for progress.
func (s *Concilia) StartReconciliation(ctx context.Context, triggeredBy string, isDryRun bool) (string, error) {
	conf, err := config.Fetch()
	if err != nil {
		return "", err
	}

	run := &model.ReconciliationRun{
		RunID:       model.GenerateUUIDWithSuffix("run"),
		TenantID:    conf.TenantID,
		Status:      model.RunStatusStarted,
		IsDryRun:    isDryRun,
		TriggeredBy: triggeredBy,
		StartedAt:   time.Now(),
	}
	if err := s.datasource.RecordRun(ctx, run); err != nil {
		return "", err
	}

	if err := s.queue.queueReconciliationRun(ReconciliationTaskPayload{
		RunID:       run.RunID,
		TriggeredBy: triggeredBy,
		IsDryRun:    isDryRun,
	}); err != nil {
		return "", err
	}

	return run.RunID, nil
}

// GetReconciliationRun returns the current state of a run.
func (s *Concilia) GetReconciliationRun(ctx context.Context, runID string) (*model.ReconciliationRun, error) {
	return s.datasource.GetRun(ctx, runID)
}

// ProcessReconciliation executes one queued run: it takes the tenant lock,
// walks every unmatched bank transaction through the matching layers, and
// finalizes the run with its counters. Safe to re-run; the saved progress
// checkpoint skips already-processed transactions.
func (s *Concilia) ProcessReconciliation(ctx context.Context, runID string) error {
	conf, err := config.Fetch()
	if err != nil {
		return err
	}
	run, err := s.datasource.GetRun(ctx, runID)
	if err != nil {
		return err
	}

	locker := redlock.NewLocker(s.redis, "reconciliation:"+run.TenantID, runID)
	if err := locker.WaitLock(ctx, runLockDuration, runLockWait); err != nil {
		return err
	}
	defer func() {
		if err := locker.Unlock(context.Background()); err != nil {
			logrus.Warnf("failed to release run lock: %v", err)
		}
	}()

	if err := s.datasource.UpdateRunStatus(ctx, runID, model.RunStatusInProgress, 0, 0, 0, 0); err != nil {
		return err
	}

	progress, err := s.datasource.LoadRunProgress(ctx, runID)
	if err != nil {
		return err
	}

	if s.Hooks != nil {
		if err := s.Hooks.ExecutePreHooks(ctx, runID, nil); err != nil {
			logrus.Warnf("pre-run hooks failed for %s: %v", runID, err)
		}
	}

	transactions, err := s.collectUnmatchedTransactions(ctx, run.TenantID)
	if err != nil {
		return s.failRun(ctx, runID, err)
	}

	expIndex, err := s.buildExpenseIndex(ctx, run.TenantID)
	if err != nil {
		return s.failRun(ctx, runID, err)
	}

	counters := &runCounters{}
	budget := newArbiterBudget(conf.Arbiter)

	jobs := make(chan *model.BankTransaction, len(transactions))
	var wg sync.WaitGroup
	var processed int64

	for w := 0; w < conf.Matching.WorkerConcurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for txn := range jobs {
				select {
				case <-ctx.Done():
					return
				default:
				}

				result := s.processTransaction(ctx, txn, expIndex, budget, conf, run.IsDryRun)
				counters.add(result)

				n := atomic.AddInt64(&processed, 1)
				if n%progressCheckpointInterval == 0 {
					checkpoint := model.RunProgress{LastProcessedID: txn.TransactionID, ProcessedCount: int(n) + progress.ProcessedCount}
					if err := s.datasource.SaveRunProgress(ctx, runID, checkpoint); err != nil {
						logrus.Warnf("failed to checkpoint run %s: %v", runID, err)
					}
				}
			}
		}()
	}

	skip := progress.ProcessedCount
	for _, txn := range transactions {
		if skip > 0 {
			skip--
			continue
		}
		jobs <- txn
	}
	close(jobs)
	wg.Wait()

	if ctx.Err() != nil {
		return s.failRun(ctx, runID, ctx.Err())
	}

	return s.finalizeRun(ctx, run, counters)
}

// collectUnmatchedTransactions snapshots every unmatched transaction id up
// front. Matched records leave the unmatched set mid-run, so paging the live
// query would skip records.
func (s *Concilia) collectUnmatchedTransactions(ctx context.Context, tenantID string) ([]*model.BankTransaction, error) {
	var all []*model.BankTransaction
	var offset int64
	for {
		batch, err := s.datasource.GetUnmatchedBankTransactions(ctx, tenantID, transactionBatchSize, offset)
		if err != nil {
			return nil, err
		}
		all = append(all, batch...)
		if len(batch) < transactionBatchSize {
			return all, nil
		}
		offset += int64(len(batch))
	}
}

// expenseIndex is the run-scoped in-memory view of unmatched expenses, keyed
// by vendor identity. The database CAS remains the source of truth; the
// index only keeps workers from wasting candidates on already-claimed rows.
type expenseIndex struct {
	mu       sync.Mutex
	byVendor map[string][]*model.ExpenseRecord
	all      []*model.ExpenseRecord
}

func (s *Concilia) buildExpenseIndex(ctx context.Context, tenantID string) (*expenseIndex, error) {
	idx := &expenseIndex{byVendor: make(map[string][]*model.ExpenseRecord)}
	var offset int64
	for {
		batch, err := s.datasource.GetUnmatchedExpenses(ctx, tenantID, time.Now(), transactionBatchSize, offset)
		if err != nil {
			return nil, err
		}
		for _, expense := range batch {
			key := expense.VendorKey()
			idx.byVendor[key] = append(idx.byVendor[key], expense)
			idx.all = append(idx.all, expense)
		}
		if len(batch) < transactionBatchSize {
			return idx, nil
		}
		offset += int64(len(batch))
	}
}

// candidatesFor returns the expenses worth considering for a transaction:
// same vendor tax id when the statement line carries one, otherwise every
// expense whose vendor name drifts within tolerance of the description.
func (idx *expenseIndex) candidatesFor(txn *model.BankTransaction, conf config.MatchingConfig) []*model.ExpenseRecord {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if txn.VendorTaxID != "" {
		return idx.byVendor[txn.VendorTaxID]
	}

	var out []*model.ExpenseRecord
	for _, expense := range idx.all {
		if expense.Status != model.StatusUnmatched {
			continue
		}
		if vendorNamesMatch(expense.VendorName, txn.Description, conf.VendorNameDrift) {
			out = append(out, expense)
		}
	}
	return out
}

// markClaimed flips the in-memory copy after the database accepted the
// status transition.
func (idx *expenseIndex) markClaimed(expense *model.ExpenseRecord, status model.RecordStatus) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	expense.Status = status
}

// processTransaction runs one transaction through the layered pipeline:
// exact, fuzzy, split, vector plus arbiter. The first layer to produce a
// match wins; later layers never see the transaction.
func (s *Concilia) processTransaction(ctx context.Context, txn *model.BankTransaction, expIndex *expenseIndex, budget *arbiterBudget, conf *config.Configuration, dryRun bool) outcome {
	expenses := expIndex.candidatesFor(txn, conf.Matching)

	match, err := s.findExactMatch(ctx, txn)
	if err != nil {
		logrus.Errorf("exact layer failed for %s: %v", txn.TransactionID, err)
		return outcomeSkipped
	}
	var expense *model.ExpenseRecord
	if match != nil {
		expense = attachExactExpense(match, txn, expenses)
	} else {
		match, expense = exactExpenseMatch(txn, expenses)
	}
	if match != nil {
		return s.applyMatch(ctx, match, expense, expIndex, dryRun)
	}

	match, runnersUp, err := s.findFuzzyMatch(ctx, txn, conf)
	if err != nil {
		logrus.Errorf("fuzzy layer failed for %s: %v", txn.TransactionID, err)
		return outcomeSkipped
	}
	if match != nil {
		expense = attachFuzzyExpense(match, txn, expenses, conf.Matching)
		result := s.applyMatch(ctx, match, expense, expIndex, dryRun)
		if result == outcomeMatched && !dryRun {
			s.proposeRunnersUp(ctx, txn, runnersUp, conf)
		}
		return result
	}

	match, err = s.findSplitMatch(ctx, txn, conf)
	if err != nil {
		logrus.Errorf("split layer failed for %s: %v", txn.TransactionID, err)
		return outcomeSkipped
	}
	if match != nil {
		return s.applyMatch(ctx, match, nil, expIndex, dryRun)
	}

	candidates, err := s.findVectorCandidates(ctx, txn, expenses, conf)
	if err != nil {
		if errors.Is(err, embedding.ErrUnavailable) {
			// The outage costs only this record; the next one retries the
			// service.
			logrus.Warnf("embedding service unavailable, deferring %s", txn.TransactionID)
			return outcomeDeferred
		}
		logrus.Errorf("vector layer failed for %s: %v", txn.TransactionID, err)
		return outcomeSkipped
	}
	if len(candidates) == 0 {
		return outcomeUnmatched
	}

	match, err = s.adjudicateCandidates(ctx, txn, candidates, budget, conf)
	if err != nil {
		if errors.Is(err, errBudgetExhausted) || errors.Is(err, adjudicate.ErrUnavailable) {
			return outcomeDeferred
		}
		logrus.Errorf("arbiter failed for %s: %v", txn.TransactionID, err)
		return outcomeSkipped
	}
	if match == nil {
		return outcomeUnmatched
	}

	if match.ExpenseID != "" {
		for _, e := range expenses {
			if e.ExpenseID == match.ExpenseID {
				expense = e
				break
			}
		}
	}
	return s.applyMatch(ctx, match, expense, expIndex, dryRun)
}

// applyMatch persists a match and claims its records with compare-and-swap
// status transitions. A lost CAS means another worker got there first: the
// match is rejected in the ledger and the transaction counts as skipped.
// Dry runs count outcomes without touching anything.
func (s *Concilia) applyMatch(ctx context.Context, match *model.Match, expense *model.ExpenseRecord, expIndex *expenseIndex, dryRun bool) outcome {
	if dryRun {
		return outcomeMatched
	}

	if err := s.datasource.RecordMatch(ctx, match); err != nil {
		if database.IsConflict(err) {
			return outcomeSkipped
		}
		logrus.Errorf("failed to record match %s: %v", match.MatchID, err)
		return outcomeSkipped
	}

	recordStatus := model.StatusProposed
	if match.Status == model.MatchStatusConfirmed {
		recordStatus = model.StatusConfirmed
	}

	if err := s.datasource.UpdateBankTransactionStatus(ctx, match.BankTransactionID, model.StatusUnmatched, recordStatus, match.MatchID, match.Confidence); err != nil {
		s.rejectMatch(ctx, match, recordStatus, false, nil)
		return outcomeSkipped
	}

	var firstInvoice *model.TaxInvoice
	for i, invoiceID := range match.InvoiceIDs {
		if err := s.datasource.UpdateTaxInvoiceStatus(ctx, invoiceID, model.StatusUnmatched, recordStatus, match.MatchID, match.Confidence); err != nil {
			s.rejectMatch(ctx, match, recordStatus, true, match.InvoiceIDs[:i])
			return outcomeSkipped
		}
		if firstInvoice == nil {
			if invoice, err := s.datasource.GetTaxInvoice(ctx, invoiceID); err == nil {
				firstInvoice = invoice
			}
		}
	}

	if expense != nil {
		if err := s.datasource.UpdateExpenseStatus(ctx, expense.ExpenseID, model.StatusUnmatched, recordStatus, match.MatchID, match.Confidence); err != nil {
			s.rejectMatch(ctx, match, recordStatus, true, match.InvoiceIDs)
			return outcomeSkipped
		}
		expIndex.markClaimed(expense, recordStatus)
	}

	if match.Status == model.MatchStatusConfirmed && expense != nil {
		txn, err := s.datasource.GetBankTransaction(ctx, match.BankTransactionID)
		if err != nil {
			txn = nil
		}
		if err := s.resolveExpenseConflicts(ctx, expense, firstInvoice, txn); err != nil {
			logrus.Errorf("conflict resolution failed for expense %s: %v", expense.ExpenseID, err)
		}
	}

	if err := s.queue.queueIndexData(match.MatchID, search.CollectionMatches, match); err != nil {
		logrus.Warnf("failed to queue match index: %v", err)
	}
	return outcomeMatched
}

// rejectMatch marks a match the pipeline could not apply and returns every
// record it already claimed to unmatched. The ledger keeps the rejected row so
// reviewers can see what the engine attempted.
func (s *Concilia) rejectMatch(ctx context.Context, match *model.Match, claimed model.RecordStatus, txnClaimed bool, claimedInvoices []string) {
	if err := s.datasource.UpdateMatchStatus(ctx, match.MatchID, match.Status, model.MatchStatusRejected, "engine"); err != nil {
		logrus.Warnf("failed to reject match %s: %v", match.MatchID, err)
	}

	if txnClaimed {
		if err := s.datasource.UpdateBankTransactionStatus(ctx, match.BankTransactionID, claimed, model.StatusUnmatched, "", 0); err != nil {
			logrus.Warnf("failed to release transaction %s: %v", match.BankTransactionID, err)
		}
	}
	for _, invoiceID := range claimedInvoices {
		if err := s.datasource.UpdateTaxInvoiceStatus(ctx, invoiceID, claimed, model.StatusUnmatched, "", 0); err != nil {
			logrus.Warnf("failed to release invoice %s: %v", invoiceID, err)
		}
	}
}

// proposeRunnersUp records the remaining in-tolerance fuzzy candidates as
// proposed matches for human review. Only the winner claims its records; a
// runner-up is a ledger row, so confirming one later goes through the usual
// conflict checks.
func (s *Concilia) proposeRunnersUp(ctx context.Context, txn *model.BankTransaction, runnersUp []model.Candidate, conf *config.Configuration) {
	for _, candidate := range runnersUp {
		proposal := buildFuzzyMatch(txn, candidate, conf.Matching)
		if err := s.datasource.RecordMatch(ctx, proposal); err != nil {
			logrus.Warnf("failed to record runner-up match for %s: %v", txn.TransactionID, err)
		}
	}
}

func (s *Concilia) failRun(ctx context.Context, runID string, cause error) error {
	notification.NotifyError(cause)
	if err := s.datasource.UpdateRunStatus(ctx, runID, model.RunStatusFailed, 0, 0, 0, 0); err != nil {
		logrus.Errorf("failed to mark run %s failed: %v", runID, err)
	}
	return cause
}

func (s *Concilia) finalizeRun(ctx context.Context, run *model.ReconciliationRun, counters *runCounters) error {
	err := s.datasource.UpdateRunStatus(ctx, run.RunID, model.RunStatusCompleted,
		counters.matched, counters.unmatched, counters.skipped, counters.deferred)
	if err != nil {
		return err
	}

	logrus.Infof("run %s completed: %d matched, %d unmatched, %d skipped, %d deferred",
		run.RunID, counters.matched, counters.unmatched, counters.skipped, counters.deferred)

	if err := notification.WebhookNotification("reconciliation.completed", map[string]interface{}{
		"run_id":     run.RunID,
		"is_dry_run": run.IsDryRun,
		"matched":    counters.matched,
		"unmatched":  counters.unmatched,
		"skipped":    counters.skipped,
		"deferred":   counters.deferred,
	}); err != nil {
		logrus.Warnf("failed to deliver run webhook: %v", err)
	}

	if s.Hooks != nil {
		if err := s.Hooks.ExecutePostHooks(ctx, run.RunID, map[string]interface{}{
			"matched":   counters.matched,
			"unmatched": counters.unmatched,
			"skipped":   counters.skipped,
			"deferred":  counters.deferred,
		}); err != nil {
			logrus.Warnf("post-run hooks failed for %s: %v", run.RunID, err)
		}
	}
	return nil
}
