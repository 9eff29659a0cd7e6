// Package ingest turns certificate listings and converted document texts
// into raw records ready for collation.
package ingest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"certcore/internal/collate"
	"certcore/internal/matcher"
	"certcore/pkg/domain"
)

// Listing columns in export order.
const (
	colCategory = iota
	colName
	colManufacturer
	colScheme
	colSecurityLevel
	colProtectionProfiles
	colCertDate
	colArchivedDate
	colReportLink
	colTargetLink
	colMaintenanceDate
	colMaintenanceTitle
	colMaintenanceReport
	colMaintenanceTarget

	listingColumns
)

// CSVListing is the parsed content of one listing file.
type CSVListing struct {
	Records []domain.RawRecord
	// Skipped rows that could not be repaired.
	Skipped []domain.RowError
	// Repaired counts rows fixed by the column heuristics.
	Repaired int
}

// ParseCSVFile parses the listing at path.
func ParseCSVFile(path string, logger *zap.Logger) (CSVListing, error) {
	f, err := os.Open(path) // #nosec G304 -- listing paths come from the dataset directory
	if err != nil {
		return CSVListing{}, fmt.Errorf("open listing: %w", err)
	}
	defer func() { _ = f.Close() }()
	return ParseCSV(filepath.Base(path), f, logger)
}

// ParseCSV parses a certificate listing. The header fixes the column count;
// rows with a different count go through the repair heuristics and are
// skipped when still malformed. Consecutive rows of the same certificate
// collapse into one record carrying every maintenance update.
func ParseCSV(name string, r io.Reader, logger *zap.Logger) (CSVListing, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return CSVListing{}, fmt.Errorf("listing %s: empty file", name)
		}
		return CSVListing{}, fmt.Errorf("listing %s: read header: %w", name, err)
	}
	expected := len(header)
	if expected < listingColumns {
		return CSVListing{}, fmt.Errorf("listing %s: header has %d columns, need %d", name, expected, listingColumns)
	}

	var out CSVListing
	var current *domain.RawRecord
	continues := false
	flush := func() {
		if current != nil {
			out.Records = append(out.Records, *current)
			current = nil
		}
	}
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			line := 0
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				line = perr.StartLine
			}
			rowErr := domain.RowError{File: name, Line: line, Reason: err.Error()}
			out.Skipped = append(out.Skipped, rowErr)
			logger.Warn("skipping unreadable listing row", zap.String("file", name), zap.Int("row", line), zap.Error(err))
			continue
		}
		line, _ := reader.FieldPos(0)
		if isBlank(row) {
			continue
		}
		if len(row) != expected {
			fixed := repairRow(row)
			if len(fixed) != expected {
				rowErr := domain.RowError{File: name, Line: line, Reason: fmt.Sprintf("expected %d columns, got %d", expected, len(row))}
				out.Skipped = append(out.Skipped, rowErr)
				logger.Warn("skipping malformed listing row", zap.String("file", name), zap.Int("row", line), zap.Int("columns", len(row)))
				continue
			}
			logger.Debug("repaired listing row", zap.String("file", name), zap.Int("row", line))
			out.Repaired++
			row = fixed
		}
		for i := range row {
			row[i] = matcher.Normalize(row[i])
		}

		if current == nil || !(continues && (sameCertificate(current, row) || onlyMaintenance(row))) {
			flush()
			rec := listingRecord(row)
			current = &rec
		}
		if m, ok := maintenanceOf(row); ok {
			current.Maintenance = append(current.Maintenance, m)
		}
		continues = row[colMaintenanceDate] != "" || row[colMaintenanceTitle] != ""
	}
	flush()
	logger.Info("listing parsed",
		zap.String("file", name),
		zap.Int("records", len(out.Records)),
		zap.Int("repaired", out.Repaired),
		zap.Int("skipped", len(out.Skipped)))
	return out, nil
}

// repairRow applies the positional fixes for separators inside cell values:
// a product name split over cells 1 and 2 when cell 4 is not a security
// level, and a maintenance title split over cells 11 and 12 when cell 13
// already holds a link.
func repairRow(row []string) []string {
	fixed := append([]string(nil), row...)
	if len(fixed) > colSecurityLevel && !strings.Contains(fixed[colSecurityLevel], "EAL") {
		fixed = mergeCells(fixed, colName)
	}
	if len(fixed) > colMaintenanceTarget && fixed[colMaintenanceTitle] != "" &&
		strings.Contains(fixed[colMaintenanceTarget], "http://") {
		fixed = mergeCells(fixed, colMaintenanceTitle)
	}
	return fixed
}

func mergeCells(row []string, at int) []string {
	if at+1 >= len(row) {
		return row
	}
	merged := make([]string, 0, len(row)-1)
	merged = append(merged, row[:at]...)
	merged = append(merged, row[at]+row[at+1])
	return append(merged, row[at+2:]...)
}

func isBlank(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}

func sameCertificate(rec *domain.RawRecord, row []string) bool {
	return rec.Field(domain.FieldCategory) == row[colCategory] &&
		rec.Field(domain.FieldName) == row[colName] &&
		rec.Field(domain.FieldReportLink) == row[colReportLink]
}

func onlyMaintenance(row []string) bool {
	return isBlank(row[:colMaintenanceDate]) && !isBlank(row[colMaintenanceDate:])
}

func listingRecord(row []string) domain.RawRecord {
	return domain.RawRecord{
		Source:  domain.SourceCSV,
		FileKey: collate.Key(row[colReportLink]),
		Fields: map[string]string{
			domain.FieldCategory:           row[colCategory],
			domain.FieldName:               row[colName],
			domain.FieldManufacturer:       row[colManufacturer],
			domain.FieldScheme:             row[colScheme],
			domain.FieldSecurityLevel:      row[colSecurityLevel],
			domain.FieldProtectionProfiles: row[colProtectionProfiles],
			domain.FieldCertDate:           row[colCertDate],
			domain.FieldArchivedDate:       row[colArchivedDate],
			domain.FieldReportLink:         row[colReportLink],
			domain.FieldTargetLink:         row[colTargetLink],
		},
	}
}

func maintenanceOf(row []string) (domain.MaintenanceRecord, bool) {
	if row[colMaintenanceTitle] == "" {
		return domain.MaintenanceRecord{}, false
	}
	return domain.MaintenanceRecord{
		Date:       row[colMaintenanceDate],
		Title:      row[colMaintenanceTitle],
		ReportLink: row[colMaintenanceReport],
		TargetLink: row[colMaintenanceTarget],
	}, true
}
