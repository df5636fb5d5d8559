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
	"database/sql"
	"log"
	"sync"

	_ "github.com/lib/pq"

	"github.com/concilia-hq/concilia/config"
)

// Declare a package-level variable to hold the singleton instance.
// Ensure the instance is not accessible outside the package.
var instance *Datasource
var once sync.Once

type Datasource struct {
	Conn *sql.DB
}

func NewDataSource(configuration *config.Configuration) (IDataSource, error) {
	con, err := GetDBConnection(configuration)
	if err != nil {
		return nil, err
	}
	return con, nil
}

// GetDBConnection provides a global access point to the instance and initializes it if it's not already.
func GetDBConnection(configuration *config.Configuration) (*Datasource, error) {
	var err error
	once.Do(func() {
		con, errConn := ConnectDB(configuration.DataSource.Dns)
		if errConn != nil {
			err = errConn
			return
		}
		instance = &Datasource{Conn: con}
	})
	if err != nil {
		return nil, err
	}
	return instance, nil
}

func ConnectDB(dns string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dns)
	if err != nil {
		return nil, err
	}
	err = db.Ping()
	if err != nil {
		log.Printf("database Connection error ❌: %v", err)
		return nil, err
	}
	err = createExpenseTable(db)
	if err != nil {
		return nil, err
	}
	err = createBankTransactionTable(db)
	if err != nil {
		return nil, err
	}
	err = createTaxInvoiceTable(db)
	if err != nil {
		return nil, err
	}
	err = createMatchTables(db)
	if err != nil {
		return nil, err
	}
	err = createRunTable(db)
	if err != nil {
		return nil, err
	}
	return db, nil
}

// createExpenseTable creates the PostgreSQL table for manually submitted
// expense records. The audit_log column holds the append-only correction
// history as a JSONB array.
func createExpenseTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS expense_records (
			id SERIAL PRIMARY KEY,
			expense_id TEXT NOT NULL UNIQUE,
			tenant_id TEXT NOT NULL,
			amount NUMERIC(20,4) NOT NULL,
			currency TEXT NOT NULL,
			occurred_on TIMESTAMP NOT NULL,
			vendor_name TEXT,
			vendor_tax_id TEXT,
			description TEXT,
			status TEXT NOT NULL DEFAULT 'unmatched',
			confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
			match_id TEXT,
			last_corrected_by TEXT,
			last_corrected_at TIMESTAMP,
			audit_log JSONB NOT NULL DEFAULT '[]',
			created_at TIMESTAMP NOT NULL DEFAULT NOW()
		)
	`)
	return err
}

// createBankTransactionTable creates the PostgreSQL table for parsed bank
// statement lines.
func createBankTransactionTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS bank_transactions (
			id SERIAL PRIMARY KEY,
			transaction_id TEXT NOT NULL UNIQUE,
			tenant_id TEXT NOT NULL,
			amount NUMERIC(20,4) NOT NULL,
			currency TEXT NOT NULL,
			date TIMESTAMP NOT NULL,
			vendor_tax_id TEXT,
			description TEXT,
			status TEXT NOT NULL DEFAULT 'unmatched',
			confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
			match_id TEXT,
			upload_id TEXT,
			created_at TIMESTAMP NOT NULL DEFAULT NOW()
		)
	`)
	return err
}

// createTaxInvoiceTable creates the PostgreSQL table for fiscally stamped
// invoices delivered by the tax ingestion pipeline.
func createTaxInvoiceTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS tax_invoices (
			id SERIAL PRIMARY KEY,
			invoice_id TEXT NOT NULL UNIQUE,
			tenant_id TEXT NOT NULL,
			fiscal_uid TEXT NOT NULL UNIQUE,
			issuer_tax_id TEXT NOT NULL,
			total NUMERIC(20,4) NOT NULL,
			currency TEXT NOT NULL,
			issue_date TIMESTAMP NOT NULL,
			description TEXT,
			status TEXT NOT NULL DEFAULT 'unmatched',
			confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
			match_id TEXT,
			created_at TIMESTAMP NOT NULL DEFAULT NOW()
		)
	`)
	return err
}

// createMatchTables creates the matches table plus the append-only ledger of
// match events. Partial unique indexes enforce the at-most-one-confirmed-match
// invariant per bank transaction and per expense.
func createMatchTables(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS matches (
			id SERIAL PRIMARY KEY,
			match_id TEXT NOT NULL UNIQUE,
			tenant_id TEXT NOT NULL,
			bank_transaction_id TEXT NOT NULL REFERENCES bank_transactions(transaction_id),
			expense_id TEXT REFERENCES expense_records(expense_id),
			invoice_ids JSONB NOT NULL DEFAULT '[]',
			match_type TEXT NOT NULL,
			confidence DOUBLE PRECISION NOT NULL,
			amount_delta NUMERIC(20,4) NOT NULL DEFAULT 0,
			date_delta_days INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'proposed',
			split_group_id TEXT,
			rationale TEXT,
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			confirmed_at TIMESTAMP,
			confirmed_by TEXT
		);
		CREATE UNIQUE INDEX IF NOT EXISTS one_confirmed_match_per_transaction
			ON matches (bank_transaction_id) WHERE status = 'confirmed';
		CREATE UNIQUE INDEX IF NOT EXISTS one_confirmed_match_per_expense
			ON matches (expense_id) WHERE status = 'confirmed' AND expense_id IS NOT NULL;
		CREATE TABLE IF NOT EXISTS match_events (
			id SERIAL PRIMARY KEY,
			match_id TEXT NOT NULL,
			action TEXT NOT NULL,
			actor TEXT NOT NULL,
			rationale TEXT,
			created_at TIMESTAMP NOT NULL DEFAULT NOW()
		)
	`)
	return err
}

// createRunTable creates the PostgreSQL table tracking reconciliation passes
// and orphan sweeps.
func createRunTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS reconciliation_runs (
			id SERIAL PRIMARY KEY,
			run_id TEXT NOT NULL UNIQUE,
			tenant_id TEXT NOT NULL,
			status TEXT NOT NULL,
			matched INTEGER NOT NULL DEFAULT 0,
			unmatched INTEGER NOT NULL DEFAULT 0,
			skipped INTEGER NOT NULL DEFAULT 0,
			deferred INTEGER NOT NULL DEFAULT 0,
			is_dry_run BOOLEAN NOT NULL DEFAULT FALSE,
			triggered_by TEXT,
			progress JSONB NOT NULL DEFAULT '{}',
			started_at TIMESTAMP NOT NULL DEFAULT NOW(),
			completed_at TIMESTAMP
		)
	`)
	return err
}
