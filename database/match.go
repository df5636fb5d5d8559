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

	"github.com/lib/pq"
	"go.opentelemetry.io/otel"

	"github.com/concilia-hq/concilia/model"
)

// uniqueViolation is the Postgres error code raised when an insert collides
// with the one-confirmed-match partial indexes.
const uniqueViolation = "23505"

// RecordMatch inserts a match row and appends the corresponding ledger event
// in one transaction. A unique-index collision on a confirmed match surfaces
// as a ConflictError so the caller discards its computation.
func (d Datasource) RecordMatch(ctx context.Context, match *model.Match) error {
	ctx, span := otel.Tracer("Match").Start(ctx, "Saving match to db")
	defer span.End()

	if err := match.Validate(); err != nil {
		return err
	}

	invoiceJSON, err := json.Marshal(match.InvoiceIDs)
	if err != nil {
		return err
	}

	tx, err := d.Conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO matches(
			match_id, tenant_id, bank_transaction_id, expense_id, invoice_ids,
			match_type, confidence, amount_delta, date_delta_days, status,
			split_group_id, rationale, created_at, confirmed_at, confirmed_by
		) VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8, $9, $10, NULLIF($11, ''), $12, $13, $14, NULLIF($15, ''))`,
		match.MatchID, match.TenantID, match.BankTransactionID, match.ExpenseID,
		invoiceJSON, match.Type, match.Confidence, match.AmountDelta,
		match.DateDeltaDays, match.Status, match.SplitGroupID, match.Rationale,
		match.CreatedAt, match.ConfirmedAt, match.ConfirmedBy,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && string(pqErr.Code) == uniqueViolation {
			return ConflictError{Kind: model.KindBankTransaction, ID: match.BankTransactionID}
		}
		return err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO match_events(match_id, action, actor, rationale, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		match.MatchID, string(match.Status), "engine", match.Rationale, match.CreatedAt,
	)
	if err != nil {
		return err
	}

	return tx.Commit()
}

// GetMatch retrieves a match by its ID
func (d Datasource) GetMatch(ctx context.Context, id string) (*model.Match, error) {
	ctx, span := otel.Tracer("Match").Start(ctx, "Fetching match from db")
	defer span.End()

	row := d.Conn.QueryRowContext(ctx, `
		SELECT id, match_id, tenant_id, bank_transaction_id, expense_id, invoice_ids,
			match_type, confidence, amount_delta, date_delta_days, status,
			split_group_id, rationale, created_at, confirmed_at, confirmed_by
		FROM matches
		WHERE match_id = $1
	`, id)

	match, err := scanMatch(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("no match found with id: %s", id)
		}
		return nil, err
	}
	return match, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMatch(row rowScanner) (*model.Match, error) {
	match := &model.Match{}
	var invoiceJSON []byte
	var expenseID, splitGroupID, rationale, confirmedBy sql.NullString
	var confirmedAt sql.NullTime

	err := row.Scan(
		&match.ID, &match.MatchID, &match.TenantID, &match.BankTransactionID,
		&expenseID, &invoiceJSON, &match.Type, &match.Confidence,
		&match.AmountDelta, &match.DateDeltaDays, &match.Status,
		&splitGroupID, &rationale, &match.CreatedAt, &confirmedAt, &confirmedBy,
	)
	if err != nil {
		return nil, err
	}

	match.ExpenseID = expenseID.String
	match.SplitGroupID = splitGroupID.String
	match.Rationale = rationale.String
	match.ConfirmedBy = confirmedBy.String
	if confirmedAt.Valid {
		match.ConfirmedAt = &confirmedAt.Time
	}
	if err := json.Unmarshal(invoiceJSON, &match.InvoiceIDs); err != nil {
		return nil, fmt.Errorf("error unmarshaling invoice ids: %w", err)
	}
	return match, nil
}

// UpdateMatchStatus performs a compare-and-swap transition on a match and
// appends the ledger event, in one transaction. Confirmation stamps the
// confirming actor and timestamp.
func (d Datasource) UpdateMatchStatus(ctx context.Context, id string, expected, next model.MatchStatus, actor string) error {
	ctx, span := otel.Tracer("Match").Start(ctx, "Updating match status")
	defer span.End()

	tx, err := d.Conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	confirmedAt := sql.NullTime{Time: time.Now(), Valid: next == model.MatchStatusConfirmed}

	result, err := tx.ExecContext(ctx, `
		UPDATE matches
		SET status = $3,
			confirmed_at = COALESCE(confirmed_at, $4),
			confirmed_by = COALESCE(confirmed_by, NULLIF($5, ''))
		WHERE match_id = $1 AND status = $2
	`, id, expected, next, confirmedAt, actor)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && string(pqErr.Code) == uniqueViolation {
			return ConflictError{Kind: model.KindBankTransaction, ID: id}
		}
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ConflictError{Kind: "match", ID: id}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO match_events(match_id, action, actor, created_at)
		 VALUES ($1, $2, $3, NOW())`,
		id, string(next), actor,
	)
	if err != nil {
		return err
	}

	return tx.Commit()
}

// ListMatches retrieves matches filtered by status and date range, paginated.
// This is the query surface consumed by downstream reporting.
func (d Datasource) ListMatches(ctx context.Context, status model.MatchStatus, from, to time.Time, batchSize int, offset int64) ([]*model.Match, error) {
	ctx, span := otel.Tracer("Match").Start(ctx, "Listing matches")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT id, match_id, tenant_id, bank_transaction_id, expense_id, invoice_ids,
			match_type, confidence, amount_delta, date_delta_days, status,
			split_group_id, rationale, created_at, confirmed_at, confirmed_by
		FROM matches
		WHERE ($1 = '' OR status = $1) AND created_at BETWEEN $2 AND $3
		ORDER BY created_at DESC
		LIMIT $4 OFFSET $5
	`, string(status), from, to, batchSize, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var matches []*model.Match
	for rows.Next() {
		match, err := scanMatch(rows)
		if err != nil {
			return nil, err
		}
		matches = append(matches, match)
	}
	return matches, rows.Err()
}

// AppendMatchEvent appends one entry to the match ledger. The ledger is
// insert-only; there is deliberately no update or delete counterpart.
func (d Datasource) AppendMatchEvent(ctx context.Context, event *model.MatchEvent) error {
	ctx, span := otel.Tracer("Match").Start(ctx, "Appending match ledger event")
	defer span.End()

	_, err := d.Conn.ExecContext(ctx,
		`INSERT INTO match_events(match_id, action, actor, rationale, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		event.MatchID, event.Action, event.Actor, event.Rationale, event.CreatedAt,
	)
	return err
}

// GetMatchEvents retrieves the ledger trail for one match, oldest first.
func (d Datasource) GetMatchEvents(ctx context.Context, matchID string) ([]*model.MatchEvent, error) {
	ctx, span := otel.Tracer("Match").Start(ctx, "Fetching match ledger events")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT id, match_id, action, actor, COALESCE(rationale, ''), created_at
		FROM match_events
		WHERE match_id = $1
		ORDER BY id ASC
	`, matchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*model.MatchEvent
	for rows.Next() {
		event := &model.MatchEvent{}
		err = rows.Scan(&event.ID, &event.MatchID, &event.Action, &event.Actor, &event.Rationale, &event.CreatedAt)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}
