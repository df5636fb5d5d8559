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

	"go.opentelemetry.io/otel"

	"github.com/concilia-hq/concilia/model"
)

// RecordRun inserts a new reconciliation run record
func (d Datasource) RecordRun(ctx context.Context, run *model.ReconciliationRun) error {
	ctx, span := otel.Tracer("Run").Start(ctx, "Saving reconciliation run to db")
	defer span.End()

	_, err := d.Conn.ExecContext(ctx,
		`INSERT INTO reconciliation_runs(
			run_id, tenant_id, status, matched, unmatched, skipped, deferred,
			is_dry_run, triggered_by, started_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		run.RunID, run.TenantID, run.Status, run.Matched, run.Unmatched,
		run.Skipped, run.Deferred, run.IsDryRun, run.TriggeredBy, run.StartedAt,
	)

	return err
}

// GetRun retrieves a reconciliation run by its ID
func (d Datasource) GetRun(ctx context.Context, id string) (*model.ReconciliationRun, error) {
	ctx, span := otel.Tracer("Run").Start(ctx, "Fetching reconciliation run from db")
	defer span.End()

	run := &model.ReconciliationRun{}
	var completedAt sql.NullTime

	err := d.Conn.QueryRowContext(ctx, `
		SELECT id, run_id, tenant_id, status, matched, unmatched, skipped, deferred,
			is_dry_run, triggered_by, started_at, completed_at
		FROM reconciliation_runs
		WHERE run_id = $1
	`, id).Scan(
		&run.ID, &run.RunID, &run.TenantID, &run.Status, &run.Matched,
		&run.Unmatched, &run.Skipped, &run.Deferred, &run.IsDryRun,
		&run.TriggeredBy, &run.StartedAt, &completedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("no reconciliation run found with id: %s", id)
		}
		return nil, err
	}

	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	return run, nil
}

// UpdateRunStatus updates a run's status and counters. A terminal status also
// stamps the completion time.
func (d Datasource) UpdateRunStatus(ctx context.Context, id string, status string, matched, unmatched, skipped, deferred int) error {
	ctx, span := otel.Tracer("Run").Start(ctx, "Updating reconciliation run status")
	defer span.End()

	terminal := status == model.RunStatusCompleted || status == model.RunStatusFailed

	result, err := d.Conn.ExecContext(ctx, `
		UPDATE reconciliation_runs
		SET status = $2, matched = $3, unmatched = $4, skipped = $5, deferred = $6,
			completed_at = CASE WHEN $7 THEN NOW() ELSE completed_at END
		WHERE run_id = $1
	`, id, status, matched, unmatched, skipped, deferred, terminal)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("no reconciliation run found with id: %s", id)
	}
	return nil
}

// SaveRunProgress checkpoints a run so an interrupted pass resumes instead of
// restarting.
func (d Datasource) SaveRunProgress(ctx context.Context, id string, progress model.RunProgress) error {
	ctx, span := otel.Tracer("Run").Start(ctx, "Saving reconciliation run progress")
	defer span.End()

	progressJSON, err := json.Marshal(progress)
	if err != nil {
		return err
	}

	_, err = d.Conn.ExecContext(ctx, `
		UPDATE reconciliation_runs
		SET progress = $2::jsonb
		WHERE run_id = $1
	`, id, progressJSON)
	return err
}

// LoadRunProgress retrieves the last saved checkpoint for a run. A run that
// never checkpointed returns the zero progress.
func (d Datasource) LoadRunProgress(ctx context.Context, id string) (model.RunProgress, error) {
	ctx, span := otel.Tracer("Run").Start(ctx, "Loading reconciliation run progress")
	defer span.End()

	var progressJSON []byte
	var progress model.RunProgress

	err := d.Conn.QueryRowContext(ctx, `
		SELECT progress FROM reconciliation_runs WHERE run_id = $1
	`, id).Scan(&progressJSON)
	if err != nil {
		if err == sql.ErrNoRows {
			return progress, fmt.Errorf("no reconciliation run found with id: %s", id)
		}
		return progress, err
	}

	if err := json.Unmarshal(progressJSON, &progress); err != nil {
		return progress, fmt.Errorf("error unmarshaling run progress: %w", err)
	}
	return progress, nil
}
