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
	"strings"
	"time"

	"github.com/texttheater/golang-levenshtein/levenshtein"

	"github.com/concilia-hq/concilia/config"
	"github.com/concilia-hq/concilia/model"
)

// findFuzzyMatch scores unmatched invoices from the transaction's vendor
// inside the configured date window. The best candidate inside tolerance
// becomes a proposed match; fuzzy matches are never auto-confirmed.
func (s *Concilia) findFuzzyMatch(ctx context.Context, txn *model.BankTransaction, conf *config.Configuration) (*model.Match, []model.Candidate, error) {
	if txn.VendorTaxID == "" {
		return nil, nil, nil
	}

	window := conf.Matching.DateWindowDays
	from := txn.Date.AddDate(0, 0, -window)
	to := txn.Date.AddDate(0, 0, window)
	invoices, err := s.datasource.GetUnmatchedTaxInvoicesByVendor(ctx, txn.TenantID, txn.VendorTaxID, from, to)
	if err != nil {
		return nil, nil, err
	}

	candidates := scoreInvoiceCandidates(txn, invoices, conf.Matching)
	if len(candidates) == 0 {
		return nil, nil, nil
	}

	return buildFuzzyMatch(txn, candidates[0], conf.Matching), candidates[1:], nil
}

// buildFuzzyMatch turns one scored candidate into a proposed ledger entry.
func buildFuzzyMatch(txn *model.BankTransaction, c model.Candidate, conf config.MatchingConfig) *model.Match {
	return &model.Match{
		MatchID:           model.GenerateUUIDWithSuffix("mtc"),
		TenantID:          txn.TenantID,
		BankTransactionID: txn.TransactionID,
		InvoiceIDs:        []string{c.Invoice.InvoiceID},
		Type:              model.MatchTypeFuzzy,
		Confidence:        fuzzyConfidence(c, conf),
		AmountDelta:       txn.AbsAmount().Sub(c.Invoice.Total).Abs(),
		DateDeltaDays:     c.DateDeltaDays,
		Status:            model.MatchStatusProposed,
		Rationale:         fmt.Sprintf("amount drift %.2f%%, %d days apart", c.AmountDrift*100, c.DateDeltaDays),
		CreatedAt:         time.Now(),
	}
}

// scoreInvoiceCandidates filters invoices to those within amount and date
// tolerance and ranks them best first. Ties fall back to creation order,
// which the query already guarantees.
func scoreInvoiceCandidates(txn *model.BankTransaction, invoices []*model.TaxInvoice, conf config.MatchingConfig) []model.Candidate {
	amount := txn.AbsAmount()
	var candidates []model.Candidate

	for _, invoice := range invoices {
		if amount.IsZero() {
			break
		}
		drift, _ := amount.Sub(invoice.Total).Abs().Div(amount).Float64()
		if drift >= conf.AmountTolerance {
			continue
		}
		dateDelta := model.DateDeltaDays(txn.Date, invoice.IssueDate)
		if dateDelta > conf.DateWindowDays {
			continue
		}
		candidates = append(candidates, model.Candidate{
			BankTransaction: txn,
			Invoice:         invoice,
			AmountDrift:     drift,
			DateDeltaDays:   dateDelta,
		})
	}

	// Smallest amount drift wins outright; date distance only splits equal
	// drifts. The stable sort preserves the query's creation order for full
	// ties, so the earliest invoice wins.
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].AmountDrift != candidates[j].AmountDrift {
			return candidates[i].AmountDrift < candidates[j].AmountDrift
		}
		return candidates[i].DateDeltaDays < candidates[j].DateDeltaDays
	})
	return candidates
}

// candidateScore blends amount drift and date distance into one number in
// (0, 1], used only to derive a confidence. Ranking is lexicographic on
// (drift, days), never on this blend.
func candidateScore(c model.Candidate, conf config.MatchingConfig) float64 {
	amountScore := 1 - c.AmountDrift/conf.AmountTolerance
	dateScore := 1 - float64(c.DateDeltaDays)/float64(conf.DateWindowDays+1)
	return 0.6*amountScore + 0.4*dateScore
}

// fuzzyConfidence maps a candidate score into the confidence band below the
// exact layer's 1.0.
func fuzzyConfidence(c model.Candidate, conf config.MatchingConfig) float64 {
	confidence := 0.70 + 0.25*candidateScore(c, conf)
	if confidence > 0.99 {
		confidence = 0.99
	}
	return confidence
}

// vendorNamesMatch compares vendor names within the allowable drift using
// Levenshtein distance. Containment short-circuits so "OXXO GAS MONTERREY"
// matches "OXXO".
func vendorNamesMatch(name1, name2 string, allowableDrift float64) bool {
	str1 := strings.ToLower(model.NormalizeVendorName(name1))
	str2 := strings.ToLower(model.NormalizeVendorName(name2))
	if str1 == "" || str2 == "" {
		return false
	}

	if strings.Contains(str1, str2) || strings.Contains(str2, str1) {
		return true
	}

	distance := levenshtein.DistanceForStrings([]rune(str1), []rune(str2), levenshtein.DefaultOptions)

	maxLength := len(str1)
	if len(str2) > maxLength {
		maxLength = len(str2)
	}
	maxAllowedDistance := int(float64(maxLength) * (allowableDrift / 100))

	return distance <= maxAllowedDistance
}

// attachFuzzyExpense links the best unmatched expense whose vendor name and
// amount sit inside tolerance of the transaction.
func attachFuzzyExpense(match *model.Match, txn *model.BankTransaction, expenses []*model.ExpenseRecord, conf config.MatchingConfig) *model.ExpenseRecord {
	amount := txn.AbsAmount()
	if amount.IsZero() {
		return nil
	}

	for _, expense := range expenses {
		if expense.Status != model.StatusUnmatched {
			continue
		}
		drift, _ := amount.Sub(expense.Amount).Abs().Div(amount).Float64()
		if drift >= conf.AmountTolerance {
			continue
		}
		if model.DateDeltaDays(txn.Date, expense.OccurredOn) > conf.DateWindowDays {
			continue
		}
		match.ExpenseID = expense.ExpenseID
		return expense
	}
	return nil
}
