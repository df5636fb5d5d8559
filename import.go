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

package concilia

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/concilia-hq/concilia/config"
	"github.com/concilia-hq/concilia/internal/search"
	"github.com/concilia-hq/concilia/model"
)

// statementLine is the wire shape of one row in an uploaded bank statement,
// shared by the CSV and JSON parsers.
type statementLine struct {
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Date        time.Time       `json:"date"`
	Description string          `json:"description"`
	VendorTaxID string          `json:"vendor_tax_id"`
}

// UploadStatement ingests a bank statement file (CSV or JSON), storing one
// BankTransaction per line. Returns the upload id and the number of stored
// lines. File type is detected from the extension first, then from content.
func (s *Concilia) UploadStatement(ctx context.Context, reader io.Reader, filename string) (string, int, error) {
	uploadID := model.GenerateUUIDWithSuffix("upload")

	tempFile, err := s.createAndPopulateTempFile(filename, reader)
	if err != nil {
		return "", 0, err
	}
	defer s.cleanupTempFile(tempFile)

	fileType, err := s.detectFileTypeFromTempFile(tempFile, filename)
	if err != nil {
		return "", 0, err
	}

	total, err := s.parseAndStoreStatement(ctx, uploadID, tempFile, fileType)
	if err != nil {
		return "", 0, err
	}
	return uploadID, total, nil
}

func (s *Concilia) createAndPopulateTempFile(filename string, reader io.Reader) (*os.File, error) {
	tempFile, err := os.CreateTemp("", "upload-*-"+filepath.Base(filename))
	if err != nil {
		return nil, fmt.Errorf("error creating temporary file: %w", err)
	}
	if _, err := io.Copy(tempFile, reader); err != nil {
		return nil, fmt.Errorf("error copying data to temporary file: %w", err)
	}
	return tempFile, nil
}

func (s *Concilia) cleanupTempFile(tempFile *os.File) {
	if tempFile == nil {
		return
	}
	name := tempFile.Name()
	if err := tempFile.Close(); err != nil {
		logrus.Warnf("failed to close temporary file %s: %v", name, err)
	}
	if err := os.Remove(name); err != nil {
		logrus.Warnf("failed to remove temporary file %s: %v", name, err)
	}
}

// detectFileTypeFromTempFile reads the first 512 bytes, enough for MIME
// detection, then rewinds for the parser.
func (s *Concilia) detectFileTypeFromTempFile(tempFile *os.File, filename string) (string, error) {
	header := make([]byte, 512)
	if _, err := tempFile.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("error seeking temporary file: %w", err)
	}
	n, err := tempFile.Read(header)
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("error reading file header: %w", err)
	}

	fileType, err := detectFileType(header[:n], filename)
	if err != nil {
		return "", fmt.Errorf("error detecting file type: %w", err)
	}

	if _, err := tempFile.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("error rewinding temporary file: %w", err)
	}
	return fileType, nil
}

func (s *Concilia) parseAndStoreStatement(ctx context.Context, uploadID string, reader io.Reader, fileType string) (int, error) {
	switch fileType {
	case "text/csv", "text/csv; charset=utf-8":
		return s.parseAndStoreCSV(ctx, uploadID, reader)
	case "application/json":
		return s.parseAndStoreJSON(ctx, uploadID, reader)
	default:
		return 0, fmt.Errorf("unsupported file type: %s", fileType)
	}
}

// detectFileType detects by extension first, then inspects content.
func detectFileType(data []byte, filename string) (string, error) {
	if mimeType := detectByExtension(filename); mimeType != "" {
		return mimeType, nil
	}
	return detectByContent(data)
}

func detectByExtension(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	return mime.TypeByExtension(ext)
}

func detectByContent(data []byte) (string, error) {
	mimeType := http.DetectContentType(data)

	switch mimeType {
	case "application/octet-stream", "text/plain", "text/plain; charset=utf-8":
		return analyzeTextContent(data)
	case "text/csv; charset=utf-8":
		return "text/csv", nil
	default:
		return mimeType, nil
	}
}

func analyzeTextContent(data []byte) (string, error) {
	if looksLikeCSV(data) {
		return "text/csv", nil
	}
	if json.Valid(data) {
		return "application/json", nil
	}
	return "text/plain", nil
}

// looksLikeCSV requires at least two lines with a consistent field count.
func looksLikeCSV(data []byte) bool {
	lines := bytes.Split(data, []byte("\n"))
	if len(lines) < 2 {
		return false
	}

	fields := bytes.Count(lines[0], []byte(",")) + 1
	for _, line := range lines[1:] {
		if len(line) == 0 {
			continue
		}
		if bytes.Count(line, []byte(","))+1 != fields {
			return false
		}
	}
	return fields > 1
}

func (s *Concilia) parseAndStoreCSV(ctx context.Context, uploadID string, reader io.Reader) (int, error) {
	csvReader := csv.NewReader(bufio.NewReader(reader))

	headers, err := csvReader.Read()
	if err != nil {
		return 0, fmt.Errorf("error reading CSV headers: %w", err)
	}
	columnMap, err := createColumnMap(headers)
	if err != nil {
		return 0, err
	}

	var errs []error
	stored := 0
	rowNum := 1
	for {
		record, err := csvReader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("error reading row %d: %w", rowNum, err))
			continue
		}
		rowNum++

		line, err := parseStatementRecord(record, columnMap)
		if err != nil {
			errs = append(errs, fmt.Errorf("error parsing row %d: %w", rowNum, err))
			continue
		}
		if err := s.storeStatementLine(ctx, uploadID, line); err != nil {
			errs = append(errs, fmt.Errorf("error storing row %d: %w", rowNum, err))
			continue
		}
		stored++

		if rowNum%1000 == 0 {
			select {
			case <-ctx.Done():
				return stored, ctx.Err()
			default:
			}
		}
	}

	if len(errs) > 0 {
		return stored, fmt.Errorf("encountered %d errors while processing CSV: %v", len(errs), errs)
	}
	return stored, nil
}

func (s *Concilia) parseAndStoreJSON(ctx context.Context, uploadID string, reader io.Reader) (int, error) {
	decoder := json.NewDecoder(reader)
	var lines []statementLine
	if err := decoder.Decode(&lines); err != nil {
		return 0, err
	}

	for i, line := range lines {
		if err := validateStatementLine(line); err != nil {
			return i, fmt.Errorf("invalid statement line %d: %w", i+1, err)
		}
		if err := s.storeStatementLine(ctx, uploadID, line); err != nil {
			return i, err
		}
	}
	return len(lines), nil
}

// createColumnMap maps lowercased header names to indices and checks the
// required columns are present.
func createColumnMap(headers []string) (map[string]int, error) {
	requiredColumns := []string{"amount", "currency", "date", "description"}
	columnMap := make(map[string]int)

	for i, header := range headers {
		columnMap[strings.ToLower(strings.TrimSpace(header))] = i
	}

	for _, col := range requiredColumns {
		if _, exists := columnMap[col]; !exists {
			return nil, fmt.Errorf("required column '%s' not found in CSV", col)
		}
	}
	return columnMap, nil
}

func parseStatementRecord(record []string, columnMap map[string]int) (statementLine, error) {
	amountStr, err := getRequiredField(record, columnMap, "amount")
	if err != nil {
		return statementLine{}, err
	}
	amount, err := decimal.NewFromString(amountStr)
	if err != nil {
		return statementLine{}, fmt.Errorf("invalid amount %q: %w", amountStr, err)
	}

	currency, err := getRequiredField(record, columnMap, "currency")
	if err != nil {
		return statementLine{}, err
	}
	description, err := getRequiredField(record, columnMap, "description")
	if err != nil {
		return statementLine{}, err
	}
	dateStr, err := getRequiredField(record, columnMap, "date")
	if err != nil {
		return statementLine{}, err
	}
	date, err := parseStatementDate(dateStr)
	if err != nil {
		return statementLine{}, err
	}

	line := statementLine{
		Amount:      amount,
		Currency:    strings.ToUpper(currency),
		Date:        date,
		Description: description,
	}
	if index, exists := columnMap["vendor_tax_id"]; exists && index < len(record) {
		line.VendorTaxID = strings.ToUpper(strings.TrimSpace(record[index]))
	}
	return line, nil
}

// parseStatementDate accepts RFC3339 timestamps and bare calendar dates, the
// two formats banks actually export.
func parseStatementDate(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("invalid date %q", s)
}

func getRequiredField(record []string, columnMap map[string]int, field string) (string, error) {
	if index, exists := columnMap[field]; exists && index < len(record) {
		value := strings.TrimSpace(record[index])
		if value == "" {
			return "", fmt.Errorf("required field '%s' is empty", field)
		}
		return value, nil
	}
	return "", fmt.Errorf("required field '%s' not found in record", field)
}

func validateStatementLine(line statementLine) error {
	if line.Amount.IsZero() {
		return fmt.Errorf("amount is required")
	}
	if line.Currency == "" {
		return fmt.Errorf("currency is required")
	}
	if line.Date.IsZero() {
		return fmt.Errorf("date is required")
	}
	if line.Description == "" {
		return fmt.Errorf("description is required")
	}
	return nil
}

func (s *Concilia) storeStatementLine(ctx context.Context, uploadID string, line statementLine) error {
	conf, err := config.Fetch()
	if err != nil {
		return err
	}

	txn := &model.BankTransaction{
		TransactionID: model.GenerateUUIDWithSuffix("txn"),
		TenantID:      conf.TenantID,
		Amount:        line.Amount,
		Currency:      strings.ToUpper(line.Currency),
		Date:          line.Date,
		VendorTaxID:   strings.ToUpper(strings.TrimSpace(line.VendorTaxID)),
		Description:   line.Description,
		Status:        model.StatusUnmatched,
		CreatedAt:     time.Now(),
	}

	if err := s.datasource.RecordBankTransaction(ctx, txn, uploadID); err != nil {
		return err
	}
	if err := s.queue.queueIndexData(txn.TransactionID, search.CollectionTransactions, txn); err != nil {
		logrus.Warnf("failed to queue transaction index: %v", err)
	}
	return nil
}
