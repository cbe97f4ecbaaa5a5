// Package csvio implements bulk CSV import and export of readings.
// The column layout is fixed: biomarker,unit,timestamp,value. Lines
// that are empty or start with '#' are ignored, which lets the
// template ship its example rows as comments.
package csvio

import (
	"fmt"
	"io"
	"log/slog"

	"medidash/internal/storage"
)

// Columns is the fixed CSV column order for both import and export.
var Columns = []string{"biomarker", "unit", "timestamp", "value"}

// Engine performs CSV import and export against the store.
type Engine struct {
	db     *storage.DB
	logger *slog.Logger
}

// NewEngine creates a CSV engine.
func NewEngine(db *storage.DB, logger *slog.Logger) *Engine {
	return &Engine{db: db, logger: logger}
}

// Template writes an import template: the header plus example rows
// commented out, so importing an unedited template is a no-op.
func Template(w io.Writer) error {
	lines := []string{
		"biomarker,unit,timestamp,value",
		"# Lines that are empty or start with '#' are ignored.",
		"# Timestamps: 2026-01-05T08:30:00Z, 2026-01-05 08:30 or 2026-01-05.",
		"# Example rows:",
		"# Glucose,mg/dL,2026-01-05T08:30:00Z,95",
		"# HDL,mg/dL,2026-01-05T08:30:00Z,62",
		"# Vitamin D,ng/mL,2026-01-05,41.5",
	}
	for _, line := range lines {
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}
