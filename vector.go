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

	"github.com/concilia-hq/concilia/config"
	"github.com/concilia-hq/concilia/internal/embedding"
	"github.com/concilia-hq/concilia/model"
)

// findVectorCandidates surfaces semantically similar expenses for a
// transaction the deterministic layers could not place. Candidates above the
// similarity floor go to the arbiter, never straight to a match. An embedding
// outage returns embedding.ErrUnavailable so the caller defers this record and
// retries the service on the next one.
func (s *Concilia) findVectorCandidates(ctx context.Context, txn *model.BankTransaction, expenses []*model.ExpenseRecord, conf *config.Configuration) ([]model.Candidate, error) {
	if strings.TrimSpace(txn.Description) == "" || len(expenses) == 0 {
		return nil, nil
	}

	txnVector, err := s.embedder.Embed(ctx, embeddingText(txn.Description, txn.Currency))
	if err != nil {
		return nil, err
	}

	var candidates []model.Candidate
	for _, expense := range expenses {
		if expense.Status != model.StatusUnmatched {
			continue
		}
		if strings.TrimSpace(expense.Description) == "" {
			continue
		}

		expenseVector, err := s.embedder.Embed(ctx, embeddingText(expense.Description, expense.Currency))
		if err != nil {
			return nil, err
		}

		similarity := embedding.CosineSimilarity(txnVector, expenseVector)
		if similarity < conf.Embedding.SimilarityFloor {
			continue
		}

		candidates = append(candidates, model.Candidate{
			BankTransaction: txn,
			Expense:         expense,
			DateDeltaDays:   model.DateDeltaDays(txn.Date, expense.OccurredOn),
			Similarity:      similarity,
		})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Similarity > candidates[j].Similarity
	})

	if len(candidates) > conf.Embedding.TopK {
		candidates = candidates[:conf.Embedding.TopK]
	}
	return candidates, nil
}

// embeddingText normalizes the text fed to the embedding service so cache
// hits survive formatting differences.
func embeddingText(description, currency string) string {
	return fmt.Sprintf("%s %s", strings.Join(strings.Fields(strings.ToLower(description)), " "), strings.ToUpper(currency))
}
