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

package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/concilia-hq/concilia/model"
)

// RecordTaxInvoice inserts an invoice delivered by the tax ingestion pipeline
func (d Datasource) RecordTaxInvoice(ctx context.Context, invoice *model.TaxInvoice) error {
	ctx, span := otel.Tracer("TaxInvoice").Start(ctx, "Saving tax invoice to db")
	defer span.End()

	_, err := d.Conn.ExecContext(ctx,
		`INSERT INTO tax_invoices(
			invoice_id, tenant_id, fiscal_uid, issuer_tax_id, total, currency,
			issue_date, description, status, confidence, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		invoice.InvoiceID, invoice.TenantID, invoice.FiscalUID, invoice.IssuerTaxID,
		invoice.Total, invoice.Currency, invoice.IssueDate, invoice.Description,
		invoice.Status, invoice.Confidence, invoice.CreatedAt,
	)

	return err
}

// GetTaxInvoice retrieves an invoice by its ID
func (d Datasource) GetTaxInvoice(ctx context.Context, id string) (*model.TaxInvoice, error) {
	ctx, span := otel.Tracer("TaxInvoice").Start(ctx, "Fetching tax invoice from db")
	defer span.End()

	invoice := &model.TaxInvoice{}
	var matchID sql.NullString

	err := d.Conn.QueryRowContext(ctx, `
		SELECT id, invoice_id, tenant_id, fiscal_uid, issuer_tax_id, total, currency,
			issue_date, description, status, confidence, match_id, created_at
		FROM tax_invoices
		WHERE invoice_id = $1
	`, id).Scan(
		&invoice.ID, &invoice.InvoiceID, &invoice.TenantID, &invoice.FiscalUID,
		&invoice.IssuerTaxID, &invoice.Total, &invoice.Currency, &invoice.IssueDate,
		&invoice.Description, &invoice.Status, &invoice.Confidence, &matchID,
		&invoice.CreatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("no tax invoice found with id: %s", id)
		}
		return nil, err
	}

	invoice.MatchID = matchID.String
	return invoice, nil
}

// GetUnmatchedTaxInvoices retrieves unmatched invoices, paginated.
func (d Datasource) GetUnmatchedTaxInvoices(ctx context.Context, tenantID string, batchSize int, offset int64) ([]*model.TaxInvoice, error) {
	ctx, span := otel.Tracer("TaxInvoice").Start(ctx, "Fetching unmatched tax invoices")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT id, invoice_id, tenant_id, fiscal_uid, issuer_tax_id, total, currency,
			issue_date, description, status, confidence, created_at
		FROM tax_invoices
		WHERE tenant_id = $1 AND status = 'unmatched'
		ORDER BY issue_date ASC
		LIMIT $2 OFFSET $3
	`, tenantID, batchSize, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanInvoices(rows)
}

// GetUnmatchedTaxInvoicesByVendor retrieves unmatched invoices from one issuer
// inside a date window. The split resolver feeds on this query; realistic
// candidate sets stay under a couple dozen invoices per vendor per window.
func (d Datasource) GetUnmatchedTaxInvoicesByVendor(ctx context.Context, tenantID, issuerTaxID string, from, to time.Time) ([]*model.TaxInvoice, error) {
	ctx, span := otel.Tracer("TaxInvoice").Start(ctx, "Fetching unmatched invoices by vendor")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT id, invoice_id, tenant_id, fiscal_uid, issuer_tax_id, total, currency,
			issue_date, description, status, confidence, created_at
		FROM tax_invoices
		WHERE tenant_id = $1 AND issuer_tax_id = $2 AND status = 'unmatched'
			AND issue_date BETWEEN $3 AND $4
		ORDER BY created_at ASC
	`, tenantID, issuerTaxID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanInvoices(rows)
}

func scanInvoices(rows *sql.Rows) ([]*model.TaxInvoice, error) {
	var invoices []*model.TaxInvoice
	for rows.Next() {
		invoice := &model.TaxInvoice{}
		err := rows.Scan(
			&invoice.ID, &invoice.InvoiceID, &invoice.TenantID, &invoice.FiscalUID,
			&invoice.IssuerTaxID, &invoice.Total, &invoice.Currency, &invoice.IssueDate,
			&invoice.Description, &invoice.Status, &invoice.Confidence, &invoice.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		invoices = append(invoices, invoice)
	}
	return invoices, rows.Err()
}

// UpdateTaxInvoiceStatus performs a compare-and-swap status transition on an
// invoice.
func (d Datasource) UpdateTaxInvoiceStatus(ctx context.Context, id string, expected, next model.RecordStatus, matchID string, confidence float64) error {
	ctx, span := otel.Tracer("TaxInvoice").Start(ctx, "Updating tax invoice status")
	defer span.End()

	result, err := d.Conn.ExecContext(ctx, `
		UPDATE tax_invoices
		SET status = $3, match_id = NULLIF($4, ''), confidence = $5
		WHERE invoice_id = $1 AND status = $2
	`, id, expected, next, matchID, confidence)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ConflictError{Kind: model.KindTaxInvoice, ID: id}
	}
	return nil
}
