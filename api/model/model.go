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

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/shopspring/decimal"

	"github.com/concilia-hq/concilia/model"
)

// CreateExpense is the request body for submitting a manual expense.
type CreateExpense struct {
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	OccurredOn  string          `json:"occurred_on"`
	VendorName  string          `json:"vendor_name"`
	VendorTaxID string          `json:"vendor_tax_id"`
	Description string          `json:"description"`
}

// IngestTaxInvoice is the request body delivered by the tax-document
// pipeline for an already-parsed invoice.
type IngestTaxInvoice struct {
	FiscalUID   string          `json:"fiscal_uid"`
	IssuerTaxID string          `json:"issuer_tax_id"`
	Total       decimal.Decimal `json:"total"`
	Currency    string          `json:"currency"`
	IssueDate   string          `json:"issue_date"`
	Description string          `json:"description"`
}

// StartReconciliation is the request body for triggering a matching pass.
type StartReconciliation struct {
	TriggeredBy string `json:"triggered_by"`
	DryRun      bool   `json:"dry_run"`
}

// TriggerSweep is the request body for a manual orphan sweep. MinAgeDays
// zero uses the configured default.
type TriggerSweep struct {
	MinAgeDays int `json:"min_age_days"`
}

// ReviewMatch is the request body for confirming or rejecting a proposed
// match.
type ReviewMatch struct {
	Actor string `json:"actor"`
}

func validateDateFormat(format, value string) error {
	_, err := time.Parse(format, value)
	if err != nil {
		return errors.New("please format the date as 'YYYY-MM-DD' (e.g., 2025-01-15)")
	}
	return nil
}

func dateRule(value interface{}) error {
	dateStr, ok := value.(string)
	if !ok {
		return errors.New("invalid type for date")
	}
	return validateDateFormat("2006-01-02", dateStr)
}

func (e *CreateExpense) ValidateCreateExpense() error {
	return validation.ValidateStruct(e,
		validation.Field(&e.Amount, validation.Required, validation.By(func(value interface{}) error {
			amount, ok := value.(decimal.Decimal)
			if !ok || !amount.IsPositive() {
				return errors.New("amount must be positive")
			}
			return nil
		})),
		validation.Field(&e.Currency, validation.Required, validation.Length(3, 3)),
		validation.Field(&e.OccurredOn, validation.Required, validation.By(dateRule)),
		validation.Field(&e.VendorName, validation.Required),
		validation.Field(&e.Description, validation.Required),
	)
}

func (i *IngestTaxInvoice) ValidateIngestTaxInvoice() error {
	return validation.ValidateStruct(i,
		validation.Field(&i.FiscalUID, validation.Required),
		validation.Field(&i.IssuerTaxID, validation.Required, validation.Length(12, 13)),
		validation.Field(&i.Total, validation.Required, validation.By(func(value interface{}) error {
			total, ok := value.(decimal.Decimal)
			if !ok || !total.IsPositive() {
				return errors.New("total must be positive")
			}
			return nil
		})),
		validation.Field(&i.Currency, validation.Required, validation.Length(3, 3)),
		validation.Field(&i.IssueDate, validation.Required, validation.By(dateRule)),
	)
}

func (r *ReviewMatch) ValidateReviewMatch() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.Actor, validation.Required),
	)
}

// ToExpenseRecord converts a validated request into the domain record.
func (e *CreateExpense) ToExpenseRecord() *model.ExpenseRecord {
	occurredOn, _ := time.Parse("2006-01-02", e.OccurredOn)
	return &model.ExpenseRecord{
		Amount:      e.Amount,
		Currency:    e.Currency,
		OccurredOn:  occurredOn,
		VendorName:  e.VendorName,
		VendorTaxID: e.VendorTaxID,
		Description: e.Description,
	}
}

// ToTaxInvoice converts a validated request into the domain record.
func (i *IngestTaxInvoice) ToTaxInvoice() *model.TaxInvoice {
	issueDate, _ := time.Parse("2006-01-02", i.IssueDate)
	return &model.TaxInvoice{
		FiscalUID:   i.FiscalUID,
		IssuerTaxID: i.IssuerTaxID,
		Total:       i.Total,
		Currency:    i.Currency,
		IssueDate:   issueDate,
		Description: i.Description,
	}
}
