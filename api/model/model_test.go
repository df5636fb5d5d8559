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
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestValidateCreateExpense(t *testing.T) {
	valid := CreateExpense{
		Amount:      decimal.NewFromFloat(850.50),
		Currency:    "MXN",
		OccurredOn:  "2025-01-15",
		VendorName:  "Pemex",
		Description: "gasolina",
	}
	assert.NoError(t, valid.ValidateCreateExpense())

	missingVendor := valid
	missingVendor.VendorName = ""
	assert.Error(t, missingVendor.ValidateCreateExpense())

	badDate := valid
	badDate.OccurredOn = "15/01/2025"
	assert.Error(t, badDate.ValidateCreateExpense())

	negative := valid
	negative.Amount = decimal.NewFromFloat(-10)
	assert.Error(t, negative.ValidateCreateExpense())

	badCurrency := valid
	badCurrency.Currency = "PESOS"
	assert.Error(t, badCurrency.ValidateCreateExpense())
}

func TestValidateIngestTaxInvoice(t *testing.T) {
	valid := IngestTaxInvoice{
		FiscalUID:   "A1B2C3D4-0000-0000-0000-000000000000",
		IssuerTaxID: "PEM840212XY1",
		Total:       decimal.NewFromFloat(850.50),
		Currency:    "MXN",
		IssueDate:   "2025-01-15",
	}
	assert.NoError(t, valid.ValidateIngestTaxInvoice())

	shortRFC := valid
	shortRFC.IssuerTaxID = "ABC"
	assert.Error(t, shortRFC.ValidateIngestTaxInvoice())

	missingUID := valid
	missingUID.FiscalUID = ""
	assert.Error(t, missingUID.ValidateIngestTaxInvoice())
}

func TestToExpenseRecord(t *testing.T) {
	req := CreateExpense{
		Amount:      decimal.NewFromFloat(100),
		Currency:    "MXN",
		OccurredOn:  "2025-01-15",
		VendorName:  "OXXO",
		VendorTaxID: "OXX970814HS9",
		Description: "snacks",
	}

	record := req.ToExpenseRecord()
	assert.Equal(t, "OXXO", record.VendorName)
	assert.Equal(t, 15, record.OccurredOn.Day())
	assert.True(t, record.Amount.Equal(decimal.NewFromFloat(100)))
}

func TestValidateReviewMatch(t *testing.T) {
	assert.Error(t, (&ReviewMatch{}).ValidateReviewMatch())
	assert.NoError(t, (&ReviewMatch{Actor: "reviewer@acme.mx"}).ValidateReviewMatch())
}
