package csvio

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"medidash/internal/storage"
)

// Export streams every reading joined with its biomarker name and unit,
// ordered by biomarker display order, then name, then timestamp. It
// returns the number of data rows written.
func (e *Engine) Export(w io.Writer) (int64, error) {
	rows, err := e.db.Query(`
		SELECT b.name, b.unit, r.timestamp, r.value
		FROM readings r
		JOIN biomarkers b ON b.id = r.biomarker_id
		ORDER BY b.display_order, b.name, r.timestamp, r.id`)
	if err != nil {
		return 0, fmt.Errorf("failed to query readings for export: %w", err)
	}
	defer rows.Close()

	cw := csv.NewWriter(w)
	if err := cw.Write(Columns); err != nil {
		return 0, fmt.Errorf("failed to write header: %w", err)
	}

	var written int64
	for rows.Next() {
		var name, unit, rawTS string
		var value float64
		if err := rows.Scan(&name, &unit, &rawTS, &value); err != nil {
			return written, fmt.Errorf("failed to scan reading: %w", err)
		}
		ts, err := storage.ParseTimestamp(rawTS)
		if err != nil {
			return written, fmt.Errorf("failed to parse stored timestamp: %w", err)
		}
		record := []string{
			name,
			unit,
			ts.Format(time.RFC3339),
			strconv.FormatFloat(value, 'g', -1, 64),
		}
		if err := cw.Write(record); err != nil {
			return written, fmt.Errorf("failed to write row: %w", err)
		}
		written++
	}
	if err := rows.Err(); err != nil {
		return written, fmt.Errorf("failed to iterate readings: %w", err)
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		return written, fmt.Errorf("failed to flush export: %w", err)
	}

	e.logger.Debug("Export complete", "rows", written)
	return written, nil
}
