package csvio

import (
	"bufio"
	"database/sql"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	mederrors "medidash/internal/errors"
	"medidash/internal/storage"
	"medidash/internal/telemetry"
)

// ImportOptions controls import behavior.
type ImportOptions struct {
	// SkipDuplicates skips rows whose (biomarker, timestamp, value)
	// tuple already exists instead of inserting them again.
	SkipDuplicates bool
	// AllOrNothing rolls back the whole import if any row fails.
	AllOrNothing bool
	// DryRun performs full parsing, resolution, and duplicate probing
	// without writing anything.
	DryRun bool
}

// RowError describes one rejected row.
type RowError struct {
	Line    int                 `json:"line"`
	Code    mederrors.ErrorCode `json:"code"`
	Message string              `json:"message"`
}

// ImportReport summarizes an import run.
type ImportReport struct {
	Inserted int        `json:"inserted"`
	Skipped  int        `json:"skipped"`
	DryRun   bool       `json:"dryRun,omitempty"`
	Errors   []RowError `json:"errors,omitempty"`
}

// errRollbackImport forces the transaction to roll back while keeping
// the report. Used for dry runs and failed all-or-nothing imports.
var errRollbackImport = errors.New("rollback import")

// Import reads CSV rows (gzip input is detected and decompressed) and
// inserts them as readings. Biomarkers are resolved by name, never
// created; the unit column is informational. Processing is row-granular
// by default: bad rows are reported with their line numbers and the
// rest proceeds. The whole run happens in a single write transaction,
// so duplicate detection also catches repeats within the file itself.
func (e *Engine) Import(r io.Reader, opts ImportOptions) (*ImportReport, error) {
	plain, err := maybeGunzip(r)
	if err != nil {
		return nil, err
	}

	cr := csv.NewReader(plain)
	cr.Comment = '#'
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	report := &ImportReport{DryRun: opts.DryRun}
	now := time.Now().UTC().Truncate(time.Second)

	txErr := e.db.WithWriteTx(func(tx *sql.Tx) error {
		ids := make(map[string]int64)
		first := true

		for {
			record, err := cr.Read()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				line := 0
				var pe *csv.ParseError
				if errors.As(err, &pe) {
					line = pe.Line
				}
				report.Errors = append(report.Errors, RowError{
					Line: line, Code: mederrors.Validation, Message: "malformed CSV row",
				})
				continue
			}

			line, _ := cr.FieldPos(0)
			if first {
				first = false
				if isHeader(record) {
					continue
				}
			}

			rowErr, err := e.importRow(tx, record, line, ids, now, opts, report)
			if err != nil {
				return err
			}
			if rowErr != nil {
				report.Errors = append(report.Errors, *rowErr)
			}
		}

		if opts.DryRun || (opts.AllOrNothing && len(report.Errors) > 0) {
			return errRollbackImport
		}
		return nil
	})
	if txErr != nil && !errors.Is(txErr, errRollbackImport) {
		return nil, txErr
	}

	if !opts.DryRun && opts.AllOrNothing && len(report.Errors) > 0 {
		report.Inserted, report.Skipped = 0, 0
		first := report.Errors[0]
		return report, mederrors.New(first.Code,
			fmt.Sprintf("import aborted: line %d: %s", first.Line, first.Message), nil)
	}

	if !opts.DryRun {
		rec := telemetry.Active()
		rec.ImportRows(telemetry.ResultInserted, report.Inserted)
		rec.ImportRows(telemetry.ResultSkipped, report.Skipped)
		rec.ImportRows(telemetry.ResultRejected, len(report.Errors))
		rec.ReadingsWritten(report.Inserted)
	}

	e.logger.Info("Import complete",
		"inserted", report.Inserted, "skipped", report.Skipped,
		"errors", len(report.Errors), "dry_run", opts.DryRun)

	return report, nil
}

// importRow processes one data row. A returned RowError rejects just
// this row; a returned error aborts the whole import.
func (e *Engine) importRow(tx *sql.Tx, record []string, line int, ids map[string]int64, now time.Time, opts ImportOptions, report *ImportReport) (*RowError, error) {
	if len(record) != len(Columns) {
		return &RowError{
			Line: line, Code: mederrors.Validation,
			Message: fmt.Sprintf("expected %d columns, got %d", len(Columns), len(record)),
		}, nil
	}

	name := strings.TrimSpace(record[0])
	if name == "" {
		return &RowError{Line: line, Code: mederrors.Validation, Message: "biomarker name is empty"}, nil
	}

	// record[1] is the unit; it is informational only.

	ts, err := storage.ParseTimestamp(record[2])
	if err != nil {
		return &RowError{
			Line: line, Code: mederrors.Validation,
			Message: fmt.Sprintf("unparseable timestamp %q", strings.TrimSpace(record[2])),
		}, nil
	}
	ts = ts.Truncate(time.Second)

	value, err := strconv.ParseFloat(strings.TrimSpace(record[3]), 64)
	if err != nil {
		return &RowError{
			Line: line, Code: mederrors.Validation,
			Message: fmt.Sprintf("not a number: %q", strings.TrimSpace(record[3])),
		}, nil
	}
	if err := storage.ValidateReadingValue(value); err != nil {
		return &RowError{Line: line, Code: mederrors.Validation, Message: messageOf(err)}, nil
	}

	id, ok := ids[name]
	if !ok {
		err := tx.QueryRow("SELECT id FROM biomarkers WHERE name = ?", name).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return &RowError{
				Line: line, Code: mederrors.NotFound,
				Message: fmt.Sprintf("unknown biomarker %q", name),
			}, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to resolve biomarker %q: %w", name, err)
		}
		ids[name] = id
	}

	if opts.SkipDuplicates {
		var exists int
		err := tx.QueryRow(
			"SELECT EXISTS(SELECT 1 FROM readings WHERE biomarker_id = ? AND timestamp = ? AND value = ?)",
			id, ts.Format(time.RFC3339), value,
		).Scan(&exists)
		if err != nil {
			return nil, fmt.Errorf("failed to probe for duplicate: %w", err)
		}
		if exists == 1 {
			report.Skipped++
			return nil, nil
		}
	}

	_, err = tx.Exec(
		"INSERT INTO readings (biomarker_id, timestamp, value, created_at) VALUES (?, ?, ?, ?)",
		id, ts.Format(time.RFC3339), value, now.Format(time.RFC3339),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert reading: %w", err)
	}
	report.Inserted++
	return nil, nil
}

// maybeGunzip sniffs the gzip magic and decompresses transparently.
func maybeGunzip(r io.Reader) (io.Reader, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(2)
	if err != nil {
		// Shorter than two bytes: pass through, the CSV reader will
		// treat it as empty input.
		return br, nil
	}
	if magic[0] != 0x1f || magic[1] != 0x8b {
		return br, nil
	}
	gr, err := gzip.NewReader(br)
	if err != nil {
		return nil, mederrors.Validationf("bad gzip data: %v", err)
	}
	return gr, nil
}

func isHeader(record []string) bool {
	if len(record) != len(Columns) {
		return false
	}
	for i, col := range Columns {
		if !strings.EqualFold(strings.TrimSpace(record[i]), col) {
			return false
		}
	}
	return true
}

func messageOf(err error) string {
	var me *mederrors.MediError
	if errors.As(err, &me) {
		return me.Message
	}
	return err.Error()
}
