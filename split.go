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
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/concilia-hq/concilia/config"
	"github.com/concilia-hq/concilia/model"
)

// findSplitMatch looks for a group of two to four same-vendor invoices whose
// totals sum to the transaction amount within the split tolerance. One bank
// payment settling several invoices is common with recurring vendors.
func (s *Concilia) findSplitMatch(ctx context.Context, txn *model.BankTransaction, conf *config.Configuration) (*model.Match, error) {
	if txn.VendorTaxID == "" {
		return nil, nil
	}

	window := conf.Matching.DateWindowDays
	from := txn.Date.AddDate(0, 0, -window)
	to := txn.Date.AddDate(0, 0, window)
	invoices, err := s.datasource.GetUnmatchedTaxInvoicesByVendor(ctx, txn.TenantID, txn.VendorTaxID, from, to)
	if err != nil {
		return nil, err
	}
	if len(invoices) < model.SplitMinInvoices {
		return nil, nil
	}

	target := txn.AbsAmount()
	group := findInvoiceGroup(invoices, target, conf.Matching)
	if group == nil {
		return nil, nil
	}

	var sum decimal.Decimal
	invoiceIDs := make([]string, 0, len(group))
	maxDateDelta := 0
	for _, invoice := range group {
		sum = sum.Add(invoice.Total)
		invoiceIDs = append(invoiceIDs, invoice.InvoiceID)
		if delta := model.DateDeltaDays(txn.Date, invoice.IssueDate); delta > maxDateDelta {
			maxDateDelta = delta
		}
	}

	return &model.Match{
		MatchID:           model.GenerateUUIDWithSuffix("mtc"),
		TenantID:          txn.TenantID,
		BankTransactionID: txn.TransactionID,
		InvoiceIDs:        invoiceIDs,
		Type:              model.MatchTypeFuzzy,
		Confidence:        0.90,
		AmountDelta:       target.Sub(sum).Abs(),
		DateDeltaDays:     maxDateDelta,
		Status:            model.MatchStatusProposed,
		SplitGroupID:      model.GenerateUUIDWithSuffix("spl"),
		Rationale:         fmt.Sprintf("%d invoices sum to payment within %.1f%%", len(group), conf.Matching.SplitTolerance*100),
		CreatedAt:         time.Now(),
	}, nil
}

// findInvoiceGroup searches subsets of size 2 to SplitMaxInvoices whose totals
// land within tolerance of the target. Sizes are tried smallest first and the
// minimum-delta group of a size wins, so fewer invoices always beat more and
// an exact sum beats a within-tolerance one. Candidate sets are a vendor's
// invoices inside one date window, so exhaustive search over small subsets is
// fine.
func findInvoiceGroup(invoices []*model.TaxInvoice, target decimal.Decimal, conf config.MatchingConfig) []*model.TaxInvoice {
	if target.IsZero() {
		return nil
	}

	maxSize := conf.SplitMaxInvoices
	if maxSize > model.SplitMaxInvoices {
		maxSize = model.SplitMaxInvoices
	}

	// Largest invoices first prunes the search sooner.
	sorted := make([]*model.TaxInvoice, len(invoices))
	copy(sorted, invoices)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Total.GreaterThan(sorted[j].Total)
	})

	tolerance := target.Mul(decimal.NewFromFloat(conf.SplitTolerance))
	ceiling := target.Add(tolerance)

	for size := model.SplitMinInvoices; size <= maxSize; size++ {
		var best []*model.TaxInvoice
		var bestDelta decimal.Decimal

		var walk func(start int, current []*model.TaxInvoice, sum decimal.Decimal)
		walk = func(start int, current []*model.TaxInvoice, sum decimal.Decimal) {
			if len(current) == size {
				delta := sum.Sub(target).Abs()
				if delta.GreaterThan(tolerance) {
					return
				}
				if best == nil || delta.LessThan(bestDelta) {
					best = append([]*model.TaxInvoice(nil), current...)
					bestDelta = delta
				}
				return
			}
			for i := start; i <= len(sorted)-(size-len(current)); i++ {
				next := sum.Add(sorted[i].Total)
				// Overshot beyond tolerance; smaller invoices may still fit.
				if next.GreaterThan(ceiling) {
					continue
				}
				walk(i+1, append(current, sorted[i]), next)
			}
		}
		walk(0, nil, decimal.Zero)

		if best != nil {
			return best
		}
	}
	return nil
}
