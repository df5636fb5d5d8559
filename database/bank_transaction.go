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

	"go.opentelemetry.io/otel"

	"github.com/concilia-hq/concilia/model"
)

// RecordBankTransaction inserts a parsed bank statement line into the database
func (d Datasource) RecordBankTransaction(ctx context.Context, txn *model.BankTransaction, uploadID string) error {
	ctx, span := otel.Tracer("BankTransaction").Start(ctx, "Saving bank transaction to db")
	defer span.End()

	_, err := d.Conn.ExecContext(ctx,
		`INSERT INTO bank_transactions(
			transaction_id, tenant_id, amount, currency, date, vendor_tax_id,
			description, status, confidence, upload_id, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())`,
		txn.TransactionID, txn.TenantID, txn.Amount, txn.Currency, txn.Date,
		txn.VendorTaxID, txn.Description, txn.Status, txn.Confidence, uploadID,
	)

	return err
}

// GetBankTransaction retrieves a bank transaction by its ID
func (d Datasource) GetBankTransaction(ctx context.Context, id string) (*model.BankTransaction, error) {
	ctx, span := otel.Tracer("BankTransaction").Start(ctx, "Fetching bank transaction from db")
	defer span.End()

	txn := &model.BankTransaction{}
	var matchID, uploadID sql.NullString

	err := d.Conn.QueryRowContext(ctx, `
		SELECT id, transaction_id, tenant_id, amount, currency, date, vendor_tax_id,
			description, status, confidence, match_id, upload_id, created_at
		FROM bank_transactions
		WHERE transaction_id = $1
	`, id).Scan(
		&txn.ID, &txn.TransactionID, &txn.TenantID, &txn.Amount, &txn.Currency,
		&txn.Date, &txn.VendorTaxID, &txn.Description, &txn.Status,
		&txn.Confidence, &matchID, &uploadID, &txn.CreatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("no bank transaction found with id: %s", id)
		}
		return nil, err
	}

	txn.MatchID = matchID.String
	txn.UploadID = uploadID.String
	return txn, nil
}

// GetUnmatchedBankTransactions retrieves unmatched bank transactions, paginated.
func (d Datasource) GetUnmatchedBankTransactions(ctx context.Context, tenantID string, batchSize int, offset int64) ([]*model.BankTransaction, error) {
	ctx, span := otel.Tracer("BankTransaction").Start(ctx, "Fetching unmatched bank transactions")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT id, transaction_id, tenant_id, amount, currency, date, vendor_tax_id,
			description, status, confidence, created_at
		FROM bank_transactions
		WHERE tenant_id = $1 AND status = 'unmatched'
		ORDER BY date ASC
		LIMIT $2 OFFSET $3
	`, tenantID, batchSize, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transactions []*model.BankTransaction
	for rows.Next() {
		txn := &model.BankTransaction{}
		err = rows.Scan(
			&txn.ID, &txn.TransactionID, &txn.TenantID, &txn.Amount, &txn.Currency,
			&txn.Date, &txn.VendorTaxID, &txn.Description, &txn.Status,
			&txn.Confidence, &txn.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, txn)
	}

	return transactions, rows.Err()
}

// UpdateBankTransactionStatus performs a compare-and-swap status transition on
// a bank transaction.
func (d Datasource) UpdateBankTransactionStatus(ctx context.Context, id string, expected, next model.RecordStatus, matchID string, confidence float64) error {
	ctx, span := otel.Tracer("BankTransaction").Start(ctx, "Updating bank transaction status")
	defer span.End()

	result, err := d.Conn.ExecContext(ctx, `
		UPDATE bank_transactions
		SET status = $3, match_id = NULLIF($4, ''), confidence = $5
		WHERE transaction_id = $1 AND status = $2
	`, id, expected, next, matchID, confidence)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ConflictError{Kind: model.KindBankTransaction, ID: id}
	}
	return nil
}
