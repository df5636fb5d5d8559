package database

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/concilia-hq/concilia/model"
)

func TestRecordExpense_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	expense := &model.ExpenseRecord{
		ExpenseID:  "exp_1",
		TenantID:   "tnt_1",
		Amount:     decimal.NewFromFloat(1250.50),
		Currency:   "MXN",
		OccurredOn: time.Now(),
		VendorName: "OFFICE DEPOT",
		Status:     model.StatusUnmatched,
		CreatedAt:  time.Now(),
	}

	mock.ExpectExec("INSERT INTO expense_records").
		WithArgs(expense.ExpenseID, expense.TenantID, expense.Amount, expense.Currency,
			expense.OccurredOn, expense.VendorName, expense.VendorTaxID, expense.Description,
			expense.Status, expense.Confidence, sqlmock.AnyArg(), expense.CreatedAt).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err = ds.RecordExpense(context.Background(), expense)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetExpense_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	auditJSON, err := json.Marshal([]model.CorrectionEvent{})
	assert.NoError(t, err)

	row := sqlmock.NewRows([]string{
		"id", "expense_id", "tenant_id", "amount", "currency", "occurred_on",
		"vendor_name", "vendor_tax_id", "description", "status", "confidence",
		"match_id", "last_corrected_by", "last_corrected_at", "audit_log", "created_at",
	}).AddRow(1, "exp_1", "tnt_1", "1250.50", "MXN", time.Now(),
		"OFFICE DEPOT", "ODM950324V2A", "paper", "unmatched", 0.0,
		nil, nil, nil, auditJSON, time.Now())

	mock.ExpectQuery("SELECT id, expense_id, tenant_id, amount").
		WithArgs("exp_1").
		WillReturnRows(row)

	expense, err := ds.GetExpense(context.Background(), "exp_1")
	assert.NoError(t, err)
	assert.Equal(t, "exp_1", expense.ExpenseID)
	assert.Equal(t, "OFFICE DEPOT", expense.VendorName)
	assert.True(t, expense.Amount.Equal(decimal.NewFromFloat(1250.50)))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetExpense_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	mock.ExpectQuery("SELECT id, expense_id, tenant_id, amount").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err = ds.GetExpense(context.Background(), "missing")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "no expense found")
}

func TestUpdateExpenseStatus_Conflict(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	// Another worker already moved the record out of unmatched.
	mock.ExpectExec("UPDATE expense_records").
		WithArgs("exp_1", model.StatusUnmatched, model.StatusProposed, "mtc_1", 0.92).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = ds.UpdateExpenseStatus(context.Background(), "exp_1", model.StatusUnmatched, model.StatusProposed, "mtc_1", 0.92)
	assert.Error(t, err)
	assert.True(t, IsConflict(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateExpenseStatus_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	mock.ExpectExec("UPDATE expense_records").
		WithArgs("exp_1", model.StatusProposed, model.StatusConfirmed, "mtc_1", 1.0).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = ds.UpdateExpenseStatus(context.Background(), "exp_1", model.StatusProposed, model.StatusConfirmed, "mtc_1", 1.0)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOverwriteExpense_AppendsAuditLog(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	events := []model.CorrectionEvent{{
		Field:     "amount",
		OldValue:  "1250.50",
		NewValue:  "1250.00",
		Source:    "tax_invoice",
		Timestamp: time.Now(),
	}}

	mock.ExpectExec("UPDATE expense_records").
		WithArgs("exp_1", decimal.NewFromFloat(1250.00), "OFFICE DEPOT", "ODM950324V2A", "inv_9", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = ds.OverwriteExpense(context.Background(), "exp_1", decimal.NewFromFloat(1250.00), "OFFICE DEPOT", "ODM950324V2A", "inv_9", events)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
