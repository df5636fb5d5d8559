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
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/concilia-hq/concilia/config"
	redlock "github.com/concilia-hq/concilia/internal/lock"
	"github.com/concilia-hq/concilia/internal/notification"
	"github.com/concilia-hq/concilia/model"
)

// TriggeredBySweeper marks runs created by the scheduled sweep.
const TriggeredBySweeper = "sweeper"

// SweepOrphans re-enters unmatched expenses older than the minimum age into
// the matching layers. Expenses are often submitted days before their invoice
// or statement line exists; the sweep is what eventually pairs them. A
// non-positive minAgeDays falls back to the configured default. Idempotent:
// records matched since the sweep started lose their compare-and-swap and are
// skipped.
func (s *Concilia) SweepOrphans(ctx context.Context, minAgeDays int) (string, error) {
	conf, err := config.Fetch()
	if err != nil {
		return "", err
	}
	if minAgeDays <= 0 {
		minAgeDays = conf.Sweeper.MinAgeDays
	}

	run := &model.ReconciliationRun{
		RunID:       model.GenerateUUIDWithSuffix("run"),
		TenantID:    conf.TenantID,
		Status:      model.RunStatusStarted,
		TriggeredBy: TriggeredBySweeper,
		StartedAt:   time.Now(),
	}
	if err := s.datasource.RecordRun(ctx, run); err != nil {
		return "", err
	}

	locker := redlock.NewLocker(s.redis, "sweep:"+run.TenantID, run.RunID)
	if err := locker.WaitLock(ctx, runLockDuration, runLockWait); err != nil {
		return "", s.failRun(ctx, run.RunID, err)
	}
	defer func() {
		if err := locker.Unlock(context.Background()); err != nil {
			logrus.Warnf("failed to release sweep lock: %v", err)
		}
	}()

	if err := s.datasource.UpdateRunStatus(ctx, run.RunID, model.RunStatusInProgress, 0, 0, 0, 0); err != nil {
		return "", err
	}

	counters, err := s.sweep(ctx, run, minAgeDays, conf)
	if err != nil {
		return "", s.failRun(ctx, run.RunID, err)
	}

	if err := s.finalizeSweep(ctx, run, counters); err != nil {
		return "", err
	}
	return run.RunID, nil
}

// sweep builds the stale-expense index and walks every unmatched transaction
// that has at least one stale candidate through the matching layers.
func (s *Concilia) sweep(ctx context.Context, run *model.ReconciliationRun, minAgeDays int, conf *config.Configuration) (*runCounters, error) {
	cutoff := time.Now().AddDate(0, 0, -minAgeDays)
	expIndex, err := s.buildStaleExpenseIndex(ctx, run.TenantID, cutoff, conf.Sweeper.BatchSize)
	if err != nil {
		return nil, err
	}

	counters := &runCounters{}
	if len(expIndex.all) == 0 {
		return counters, nil
	}

	transactions, err := s.collectUnmatchedTransactions(ctx, run.TenantID)
	if err != nil {
		return nil, err
	}

	budget := newArbiterBudget(conf.Arbiter)

	jobs := make(chan *model.BankTransaction, len(transactions))
	var wg sync.WaitGroup
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
				counters.add(s.processTransaction(ctx, txn, expIndex, budget, conf, false))
			}
		}()
	}

	for _, txn := range transactions {
		// The sweep only spends effort on transactions a stale expense
		// could attach to.
		if len(expIndex.candidatesFor(txn, conf.Matching)) == 0 {
			continue
		}
		jobs <- txn
	}
	close(jobs)
	wg.Wait()

	return counters, ctx.Err()
}

// buildStaleExpenseIndex pages unmatched expenses created before the cutoff.
func (s *Concilia) buildStaleExpenseIndex(ctx context.Context, tenantID string, cutoff time.Time, batchSize int) (*expenseIndex, error) {
	idx := &expenseIndex{byVendor: make(map[string][]*model.ExpenseRecord)}
	var offset int64
	for {
		batch, err := s.datasource.GetUnmatchedExpenses(ctx, tenantID, cutoff, batchSize, offset)
		if err != nil {
			return nil, err
		}
		for _, expense := range batch {
			key := expense.VendorKey()
			idx.byVendor[key] = append(idx.byVendor[key], expense)
			idx.all = append(idx.all, expense)
		}
		if len(batch) < batchSize {
			return idx, nil
		}
		offset += int64(len(batch))
	}
}

func (s *Concilia) finalizeSweep(ctx context.Context, run *model.ReconciliationRun, counters *runCounters) error {
	err := s.datasource.UpdateRunStatus(ctx, run.RunID, model.RunStatusCompleted,
		counters.matched, counters.unmatched, counters.skipped, counters.deferred)
	if err != nil {
		return err
	}

	logrus.Infof("sweep %s completed: %d matched, %d skipped, %d deferred",
		run.RunID, counters.matched, counters.skipped, counters.deferred)

	if err := notification.WebhookNotification("sweep.completed", map[string]interface{}{
		"run_id":   run.RunID,
		"matched":  counters.matched,
		"skipped":  counters.skipped,
		"deferred": counters.deferred,
	}); err != nil {
		logrus.Warnf("failed to deliver sweep webhook: %v", err)
	}
	return nil
}
