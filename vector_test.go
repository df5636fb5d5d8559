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
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/concilia-hq/concilia/config"
	"github.com/concilia-hq/concilia/internal/embedding"
	"github.com/concilia-hq/concilia/model"
)

// fakeEmbeddingServer returns fixed vectors per phrase so similarity is
// fully deterministic in tests.
func fakeEmbeddingServer(t *testing.T, vectors map[string][]float64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Input []string `json:"input"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Input, 1)

		vector, ok := vectors[req.Input[0]]
		if !ok {
			vector = []float64{0, 0, 1}
		}
		fmt.Fprintf(w, `{"data":[{"embedding":%s,"index":0}]}`, mustJSON(t, vector))
	}))
}

func mustJSON(t *testing.T, v interface{}) string {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return string(raw)
}

func newVectorService(serverURL string) *Concilia {
	client := embedding.NewClient(config.EmbeddingConfig{
		URL:        serverURL,
		Model:      "test-model",
		TimeoutSec: 5,
	}, nil)
	return &Concilia{embedder: client}
}

func TestFindVectorCandidates_FloorAndOrder(t *testing.T) {
	conf := testConfig()

	txnText := "uber eats cdmx MXN"
	server := fakeEmbeddingServer(t, map[string][]float64{
		txnText:                    {1, 0, 0},
		"food delivery lunch MXN":  {0.9, 0.1, 0},
		"office chairs MXN":        {0, 1, 0},
		"uber eats team lunch MXN": {1, 0, 0},
	})
	defer server.Close()

	service := newVectorService(server.URL)

	txn := &model.BankTransaction{
		TransactionID: "txn_vec",
		Amount:        decimal.NewFromFloat(250),
		Currency:      "MXN",
		Date:          time.Now(),
		Description:   "Uber  Eats CDMX",
	}
	expenses := []*model.ExpenseRecord{
		{ExpenseID: "exp_chairs", Status: model.StatusUnmatched, Currency: "MXN", Description: "office chairs", OccurredOn: time.Now()},
		{ExpenseID: "exp_close", Status: model.StatusUnmatched, Currency: "MXN", Description: "food delivery lunch", OccurredOn: time.Now()},
		{ExpenseID: "exp_exact", Status: model.StatusUnmatched, Currency: "MXN", Description: "uber eats team lunch", OccurredOn: time.Now()},
	}

	candidates, err := service.findVectorCandidates(context.Background(), txn, expenses, conf)
	require.NoError(t, err)

	// The orthogonal expense falls below the similarity floor.
	require.Len(t, candidates, 2)
	assert.Equal(t, "exp_exact", candidates[0].Expense.ExpenseID)
	assert.Equal(t, "exp_close", candidates[1].Expense.ExpenseID)
	assert.GreaterOrEqual(t, candidates[0].Similarity, conf.Embedding.SimilarityFloor)
}

func TestFindVectorCandidates_TopKBounds(t *testing.T) {
	conf := testConfig()
	conf.Embedding.TopK = 1

	txnText := "gasolina pemex MXN"
	server := fakeEmbeddingServer(t, map[string][]float64{
		txnText:              {1, 0, 0},
		"gasolina enero MXN": {1, 0, 0},
		"gasolina magna MXN": {0.99, 0.01, 0},
	})
	defer server.Close()

	service := newVectorService(server.URL)

	txn := &model.BankTransaction{TransactionID: "txn_gas", Currency: "MXN", Date: time.Now(), Description: "Gasolina Pemex"}
	expenses := []*model.ExpenseRecord{
		{ExpenseID: "exp_1", Status: model.StatusUnmatched, Currency: "MXN", Description: "gasolina enero", OccurredOn: time.Now()},
		{ExpenseID: "exp_2", Status: model.StatusUnmatched, Currency: "MXN", Description: "gasolina magna", OccurredOn: time.Now()},
	}

	candidates, err := service.findVectorCandidates(context.Background(), txn, expenses, conf)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "exp_1", candidates[0].Expense.ExpenseID)
}

func TestFindVectorCandidates_SkipsBlankAndClaimed(t *testing.T) {
	conf := testConfig()
	server := fakeEmbeddingServer(t, map[string][]float64{})
	defer server.Close()

	service := newVectorService(server.URL)

	blankTxn := &model.BankTransaction{TransactionID: "txn_blank", Description: "   "}
	candidates, err := service.findVectorCandidates(context.Background(), blankTxn, []*model.ExpenseRecord{{ExpenseID: "exp_1"}}, conf)
	require.NoError(t, err)
	assert.Nil(t, candidates)

	txn := &model.BankTransaction{TransactionID: "txn_x", Currency: "MXN", Date: time.Now(), Description: "algo"}
	expenses := []*model.ExpenseRecord{
		{ExpenseID: "exp_claimed", Status: model.StatusConfirmed, Currency: "MXN", Description: "algo"},
		{ExpenseID: "exp_blank", Status: model.StatusUnmatched, Currency: "MXN", Description: "  "},
	}
	candidates, err = service.findVectorCandidates(context.Background(), txn, expenses, conf)
	require.NoError(t, err)
	assert.Empty(t, candidates)

	empty, err := service.findVectorCandidates(context.Background(), txn, nil, conf)
	require.NoError(t, err)
	assert.Nil(t, empty)
}

func TestEmbeddingText_Normalizes(t *testing.T) {
	assert.Equal(t, "uber eats cdmx MXN", embeddingText("  Uber  Eats CDMX ", "mxn"))
	assert.True(t, strings.HasSuffix(embeddingText("algo", "usd"), "USD"))
}
