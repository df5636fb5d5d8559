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
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestGenerateUUIDWithSuffix(t *testing.T) {
	id := GenerateUUIDWithSuffix("match")
	assert.True(t, strings.HasPrefix(id, "match_"))
	assert.NotEqual(t, id, GenerateUUIDWithSuffix("match"))
}

func TestNormalizeVendorName(t *testing.T) {
	assert.Equal(t, "PEMEX REFINACION", NormalizeVendorName("  pemex   Refinacion "))
	assert.Equal(t, "", NormalizeVendorName("   "))
}

func TestStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to RecordStatus
		ok       bool
	}{
		{StatusUnmatched, StatusProposed, true},
		{StatusUnmatched, StatusConfirmed, true},
		{StatusProposed, StatusConfirmed, true},
		{StatusProposed, StatusRejected, true},
		{StatusRejected, StatusUnmatched, true},
		{StatusConfirmed, StatusUnmatched, false},
		{StatusConfirmed, StatusProposed, false},
		{StatusProposed, StatusUnmatched, false},
		{StatusUnmatched, StatusRejected, false},
	}
	for _, c := range cases {
		assert.Equal(t, c.ok, c.from.CanTransitionTo(c.to), "%s -> %s", c.from, c.to)
	}
}

func TestVendorKeyPrefersRFC(t *testing.T) {
	e := &ExpenseRecord{VendorName: "Pemex Refinacion", VendorTaxID: "PEM840212XY1"}
	assert.Equal(t, "PEM840212XY1", e.VendorKey())

	e.VendorTaxID = ""
	assert.Equal(t, "PEMEX REFINACION", e.VendorKey())
}

func TestDateDeltaDays(t *testing.T) {
	a := time.Date(2025, 1, 15, 23, 30, 0, 0, time.UTC)
	b := time.Date(2025, 1, 18, 0, 15, 0, 0, time.UTC)
	assert.Equal(t, 3, DateDeltaDays(a, b))
	assert.Equal(t, 3, DateDeltaDays(b, a))
	assert.True(t, SameDay(a, a.Add(30*time.Minute)))
	assert.False(t, SameDay(a, b))
}

func TestMatchValidate(t *testing.T) {
	m := &Match{
		MatchID:           GenerateUUIDWithSuffix("match"),
		BankTransactionID: "btx_1",
		InvoiceIDs:        []string{"inv_1"},
		Type:              MatchTypeExact,
		Confidence:        1.0,
		AmountDelta:       decimal.Zero,
	}
	assert.NoError(t, m.Validate())

	// exact matches must not carry deltas
	m.AmountDelta = decimal.NewFromFloat(0.5)
	assert.Error(t, m.Validate())

	// split matches need a group id and at most four invoices
	m = &Match{
		BankTransactionID: "btx_1",
		InvoiceIDs:        []string{"inv_1", "inv_2"},
		Type:              MatchTypeFuzzy,
		Confidence:        0.9,
		AmountDelta:       decimal.Zero,
	}
	assert.Error(t, m.Validate())
	m.SplitGroupID = GenerateUUIDWithSuffix("split")
	assert.NoError(t, m.Validate())

	m.InvoiceIDs = []string{"inv_1", "inv_2", "inv_3", "inv_4", "inv_5"}
	assert.Error(t, m.Validate())

	// confidence bounds
	m = &Match{BankTransactionID: "btx_1", InvoiceIDs: []string{"inv_1"}, Type: MatchTypeFuzzy, Confidence: 1.2}
	assert.Error(t, m.Validate())
}
