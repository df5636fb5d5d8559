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
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"

	"github.com/concilia-hq/concilia/model"
)

// RecordExpense inserts a new expense record into the database
func (d Datasource) RecordExpense(ctx context.Context, expense *model.ExpenseRecord) error {
	ctx, span := otel.Tracer("Expense").Start(ctx, "Saving expense to db")
	defer span.End()

	auditJSON, err := json.Marshal(expense.AuditLog)
	if err != nil {
		return err
	}
	if expense.AuditLog == nil {
		auditJSON = []byte("[]")
	}

	_, err = d.Conn.ExecContext(ctx,
		`INSERT INTO expense_records(
			expense_id, tenant_id, amount, currency, occurred_on, vendor_name,
			vendor_tax_id, description, status, confidence, audit_log, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		expense.ExpenseID, expense.TenantID, expense.Amount, expense.Currency,
		expense.OccurredOn, expense.VendorName, expense.VendorTaxID, expense.Description,
		expense.Status, expense.Confidence, auditJSON, expense.CreatedAt,
	)

	return err
}

// GetExpense retrieves an expense record by its ID
func (d Datasource) GetExpense(ctx context.Context, id string) (*model.ExpenseRecord, error) {
	ctx, span := otel.Tracer("Expense").Start(ctx, "Fetching expense from db")
	defer span.End()

	expense := &model.ExpenseRecord{}
	var auditJSON []byte
	var matchID, correctedBy sql.NullString
	var correctedAt sql.NullTime

	err := d.Conn.QueryRowContext(ctx, `
		SELECT id, expense_id, tenant_id, amount, currency, occurred_on, vendor_name,
			vendor_tax_id, description, status, confidence, match_id,
			last_corrected_by, last_corrected_at, audit_log, created_at
		FROM expense_records
		WHERE expense_id = $1
	`, id).Scan(
		&expense.ID, &expense.ExpenseID, &expense.TenantID, &expense.Amount,
		&expense.Currency, &expense.OccurredOn, &expense.VendorName,
		&expense.VendorTaxID, &expense.Description, &expense.Status,
		&expense.Confidence, &matchID, &correctedBy, &correctedAt,
		&auditJSON, &expense.CreatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("no expense found with id: %s", id)
		}
		return nil, err
	}

	expense.MatchID = matchID.String
	expense.LastCorrectedBy = correctedBy.String
	if correctedAt.Valid {
		expense.LastCorrectedAt = &correctedAt.Time
	}
	if err := json.Unmarshal(auditJSON, &expense.AuditLog); err != nil {
		return nil, fmt.Errorf("error unmarshaling audit log: %w", err)
	}

	return expense, nil
}

// GetUnmatchedExpenses retrieves unmatched expense records older than the
// given cutoff, paginated. The orphan sweeper feeds on this query.
func (d Datasource) GetUnmatchedExpenses(ctx context.Context, tenantID string, olderThan time.Time, batchSize int, offset int64) ([]*model.ExpenseRecord, error) {
	ctx, span := otel.Tracer("Expense").Start(ctx, "Fetching unmatched expenses")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT id, expense_id, tenant_id, amount, currency, occurred_on, vendor_name,
			vendor_tax_id, description, status, confidence, audit_log, created_at
		FROM expense_records
		WHERE tenant_id = $1 AND status = 'unmatched' AND created_at < $2
		ORDER BY created_at ASC
		LIMIT $3 OFFSET $4
	`, tenantID, olderThan, batchSize, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var expenses []*model.ExpenseRecord
	for rows.Next() {
		expense := &model.ExpenseRecord{}
		var auditJSON []byte
		err = rows.Scan(
			&expense.ID, &expense.ExpenseID, &expense.TenantID, &expense.Amount,
			&expense.Currency, &expense.OccurredOn, &expense.VendorName,
			&expense.VendorTaxID, &expense.Description, &expense.Status,
			&expense.Confidence, &auditJSON, &expense.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(auditJSON, &expense.AuditLog); err != nil {
			return nil, err
		}
		expenses = append(expenses, expense)
	}

	return expenses, rows.Err()
}

// UpdateExpenseStatus performs a compare-and-swap status transition on an
// expense record. A zero row count means another worker moved the record
// first and the caller must discard its result.
func (d Datasource) UpdateExpenseStatus(ctx context.Context, id string, expected, next model.RecordStatus, matchID string, confidence float64) error {
	ctx, span := otel.Tracer("Expense").Start(ctx, "Updating expense status")
	defer span.End()

	result, err := d.Conn.ExecContext(ctx, `
		UPDATE expense_records
		SET status = $3, match_id = NULLIF($4, ''), confidence = $5
		WHERE expense_id = $1 AND status = $2
	`, id, expected, next, matchID, confidence)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ConflictError{Kind: model.KindExpense, ID: id}
	}
	return nil
}

// OverwriteExpense applies an authoritative-source correction: amount and
// vendor fields are replaced and the correction events are appended to the
// record's audit log. Only the conflict resolver calls this.
func (d Datasource) OverwriteExpense(ctx context.Context, id string, amount decimal.Decimal, vendorName, vendorTaxID, correctedBy string, events []model.CorrectionEvent) error {
	ctx, span := otel.Tracer("Expense").Start(ctx, "Overwriting expense from authoritative source")
	defer span.End()

	eventsJSON, err := json.Marshal(events)
	if err != nil {
		return err
	}

	result, err := d.Conn.ExecContext(ctx, `
		UPDATE expense_records
		SET amount = $2,
			vendor_name = COALESCE(NULLIF($3, ''), vendor_name),
			vendor_tax_id = COALESCE(NULLIF($4, ''), vendor_tax_id),
			last_corrected_by = $5,
			last_corrected_at = NOW(),
			audit_log = audit_log || $6::jsonb
		WHERE expense_id = $1
	`, id, amount, vendorName, vendorTaxID, correctedBy, eventsJSON)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("no expense found with id: %s", id)
	}
	return nil
}
