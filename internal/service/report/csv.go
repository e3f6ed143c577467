package report

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/splax/bibles/internal/domain"
)

// Encode writes the header and rows as CSV.
func Encode(w io.Writer, rows []domain.ReportRow) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for _, row := range rows {
		if err := cw.Write([]string{row.Licenses, row.Component, row.Copyright, row.Projects}); err != nil {
			return fmt.Errorf("write row %s: %w", row.Component, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteCSV writes the report to path through a temporary file in the same directory, so
// readers never observe a partially written report.
func WriteCSV(path string, rows []domain.ReportRow) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp report: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if err := Encode(tmp, rows); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp report: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		cleanup()
		return fmt.Errorf("chmod report: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("move report into place: %w", err)
	}
	return nil
}
