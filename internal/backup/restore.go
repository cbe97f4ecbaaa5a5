package backup

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	mederrors "medidash/internal/errors"
	"medidash/internal/storage"
	"medidash/internal/telemetry"
)

// RestoreReport summarizes what a restore changed.
type RestoreReport struct {
	ReadingsRestored    int64  `json:"readingsRestored"`
	BiomarkersAdded     int64  `json:"biomarkersAdded"`
	BiomarkersUnchanged int64  `json:"biomarkersUnchanged"`
	SafetyBackupPath    string `json:"safetyBackupPath"`
}

// candidate holds the fully loaded and re-validated contents of a
// backup file before any of it touches the live store.
type candidate struct {
	biomarkers []candidateBiomarker
	readings   []candidateReading
	ranges     map[int64]candidateRange
}

type candidateBiomarker struct {
	id       int64
	name     string
	unit     string
	category string
}

type candidateReading struct {
	biomarkerID int64
	timestamp   time.Time
	value       float64
	createdAt   time.Time
}

type candidateRange struct {
	kind  storage.RangeKind
	lower *float64
	upper *float64
}

// Restore merges a backup file into the live store. Biomarker
// definitions from the candidate are matched against live ones by name
// and unit; matches are reused, unmatched ones are added. All live
// readings are then replaced by the candidate's readings. The merge
// runs in a single exclusive transaction: on any error the store is
// left exactly as it was. A safety backup is taken first and its path
// is reported.
//
// Live definitions absent from the candidate survive untouched, so a
// restore never loses the catalog, only rolls measurement data back to
// the snapshot.
func (m *Manager) Restore(ctx context.Context, candidatePath string) (*RestoreReport, error) {
	start := time.Now()

	report, err := m.restore(ctx, candidatePath, start)
	telemetry.Active().RestoreFinished(err == nil, time.Since(start))
	if err == nil {
		telemetry.Active().ReadingsWritten(int(report.ReadingsRestored))
	}
	return report, err
}

func (m *Manager) restore(ctx context.Context, candidatePath string, start time.Time) (*RestoreReport, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	path, cleanup, err := m.stageCandidate(candidatePath)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	cand, err := loadCandidate(ctx, path)
	if err != nil {
		return nil, err
	}

	// Snapshot the live store before mutating it. The pre-restore name
	// keeps it distinct from the archive being restored, even when that
	// is today's default backup. Create manages its own locking, so
	// this must happen before the exclusive section.
	safety, err := m.Create(ctx, filepath.Join(m.cfg.Dir, m.preRestoreName(start)))
	if err != nil {
		return nil, err
	}

	report := &RestoreReport{SafetyBackupPath: safety.Path}

	err = m.db.WithExclusiveTx(func(tx *sql.Tx) error {
		idMap := make(map[int64]int64, len(cand.biomarkers))

		for _, cb := range cand.biomarkers {
			var liveID int64
			err := tx.QueryRow(
				"SELECT id FROM biomarkers WHERE name = ? AND unit = ?",
				cb.name, cb.unit,
			).Scan(&liveID)
			switch {
			case err == nil:
				idMap[cb.id] = liveID
				report.BiomarkersUnchanged++
			case errors.Is(err, sql.ErrNoRows):
				newID, err := insertCandidateBiomarker(tx, cb)
				if err != nil {
					return err
				}
				idMap[cb.id] = newID
				report.BiomarkersAdded++
				// A range from the candidate is adopted only for
				// definitions the restore itself adds. Existing
				// definitions keep their configured ranges.
				if cr, ok := cand.ranges[cb.id]; ok {
					if err := insertCandidateRange(tx, newID, cr); err != nil {
						return err
					}
				}
			default:
				return fmt.Errorf("failed to match biomarker %q: %w", cb.name, err)
			}
		}

		if _, err := tx.Exec("DELETE FROM readings"); err != nil {
			return fmt.Errorf("failed to clear readings: %w", err)
		}

		for _, cr := range cand.readings {
			liveID, ok := idMap[cr.biomarkerID]
			if !ok {
				return mederrors.Validationf("not a valid backup: reading references unknown biomarker %d", cr.biomarkerID)
			}
			_, err := tx.Exec(
				"INSERT INTO readings (biomarker_id, timestamp, value, created_at) VALUES (?, ?, ?, ?)",
				liveID,
				cr.timestamp.Format(time.RFC3339),
				cr.value,
				cr.createdAt.Format(time.RFC3339),
			)
			if err != nil {
				return fmt.Errorf("failed to insert reading: %w", err)
			}
			report.ReadingsRestored++
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info("Restore complete",
		"readings", report.ReadingsRestored,
		"biomarkers_added", report.BiomarkersAdded,
		"biomarkers_unchanged", report.BiomarkersUnchanged,
		"safety_backup", report.SafetyBackupPath,
		"duration", time.Since(start))

	return report, nil
}

func (m *Manager) preRestoreName(now time.Time) string {
	name := fmt.Sprintf("%s_pre-restore_%s.db", m.cfg.Prefix, now.UTC().Format("20060102T150405Z"))
	if m.cfg.Compress {
		name += ".gz"
	}
	return name
}

func insertCandidateBiomarker(tx *sql.Tx, cb candidateBiomarker) (int64, error) {
	// The unique index on name is case-insensitive, so a candidate
	// whose name collides with a live definition under a different
	// unit cannot be inserted. Surface that as a conflict instead of
	// a constraint failure.
	var clashID int64
	err := tx.QueryRow("SELECT id FROM biomarkers WHERE name = ?", cb.name).Scan(&clashID)
	if err == nil {
		return 0, mederrors.Conflictf("biomarker %q already exists with a different unit", cb.name)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("failed to check biomarker name %q: %w", cb.name, err)
	}

	now := time.Now().UTC().Truncate(time.Second)
	res, err := tx.Exec(`
		INSERT INTO biomarkers (name, unit, category, visible, display_order, created_at)
		VALUES (?, ?, ?, 1, (SELECT COALESCE(MAX(display_order), 0) + 1 FROM biomarkers), ?)`,
		cb.name, cb.unit, cb.category, now.Format(time.RFC3339),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert biomarker %q: %w", cb.name, err)
	}
	return res.LastInsertId()
}

func insertCandidateRange(tx *sql.Tx, biomarkerID int64, cr candidateRange) error {
	_, err := tx.Exec(
		"INSERT INTO reference_ranges (biomarker_id, kind, lower_bound, upper_bound) VALUES (?, ?, ?, ?)",
		biomarkerID, string(cr.kind), nullableFloat(cr.lower), nullableFloat(cr.upper),
	)
	if err != nil {
		return fmt.Errorf("failed to insert reference range: %w", err)
	}
	return nil
}

// stageCandidate makes the candidate readable as a plain database
// file, transparently decompressing gzip archives into a temp file.
func (m *Manager) stageCandidate(path string) (string, func(), error) {
	noop := func() {}

	f, err := os.Open(path)
	if err != nil {
		return "", noop, mederrors.IOf(err, "cannot open backup file %s", path)
	}
	defer f.Close()

	var magic [2]byte
	if _, err := io.ReadFull(f, magic[:]); err != nil {
		return "", noop, mederrors.Validationf("not a valid backup: %s is too short", filepath.Base(path))
	}
	if magic[0] != 0x1f || magic[1] != 0x8b {
		return path, noop, nil
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", noop, mederrors.IOf(err, "cannot rewind backup file")
	}
	gr, err := gzip.NewReader(f)
	if err != nil {
		return "", noop, mederrors.Validationf("not a valid backup: bad gzip data")
	}
	defer gr.Close()

	tmp, err := os.CreateTemp("", "medidash-restore-*.db")
	if err != nil {
		return "", noop, mederrors.IOf(err, "cannot create temporary file")
	}
	cleanup := func() { os.Remove(tmp.Name()) }

	if _, err := io.Copy(tmp, gr); err != nil {
		_ = tmp.Close()
		cleanup()
		return "", noop, mederrors.Validationf("not a valid backup: truncated gzip data")
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return "", noop, mederrors.IOf(err, "cannot write temporary file")
	}

	return tmp.Name(), cleanup, nil
}

// loadCandidate opens the candidate read-only, checks it carries the
// expected tables, and loads every row through the same validation the
// store applies to direct writes. Nothing from the file is trusted.
func loadCandidate(ctx context.Context, path string) (*candidate, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?mode=ro", path))
	if err != nil {
		return nil, mederrors.Validationf("not a valid backup: %v", err)
	}
	defer db.Close()

	if err := checkCandidateTables(ctx, db); err != nil {
		return nil, err
	}

	cand := &candidate{ranges: make(map[int64]candidateRange)}

	if err := loadCandidateBiomarkers(ctx, db, cand); err != nil {
		return nil, err
	}
	if err := loadCandidateReadings(ctx, db, cand); err != nil {
		return nil, err
	}
	if err := loadCandidateRanges(ctx, db, cand); err != nil {
		return nil, err
	}

	return cand, nil
}

func checkCandidateTables(ctx context.Context, db *sql.DB) error {
	rows, err := db.QueryContext(ctx,
		"SELECT name FROM sqlite_master WHERE type = 'table' AND name IN ('biomarkers', 'readings')")
	if err != nil {
		return mederrors.Validationf("not a valid backup: %v", err)
	}
	defer rows.Close()

	found := 0
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return mederrors.Validationf("not a valid backup: %v", err)
		}
		found++
	}
	if err := rows.Err(); err != nil {
		return mederrors.Validationf("not a valid backup: %v", err)
	}
	if found < 2 {
		return mederrors.Validationf("not a valid backup: required tables are missing")
	}
	return nil
}

func loadCandidateBiomarkers(ctx context.Context, db *sql.DB, cand *candidate) error {
	rows, err := db.QueryContext(ctx, "SELECT id, name, unit, category FROM biomarkers")
	if err != nil {
		return mederrors.Validationf("not a valid backup: %v", err)
	}
	defer rows.Close()

	for rows.Next() {
		var cb candidateBiomarker
		if err := rows.Scan(&cb.id, &cb.name, &cb.unit, &cb.category); err != nil {
			return mederrors.Validationf("not a valid backup: %v", err)
		}
		cb.name = strings.TrimSpace(cb.name)
		cb.unit = strings.TrimSpace(cb.unit)
		cb.category = strings.TrimSpace(cb.category)
		if err := storage.ValidateName(cb.name); err != nil {
			return invalidRow("biomarker", cb.id, err)
		}
		if err := storage.ValidateUnit(cb.unit); err != nil {
			return invalidRow("biomarker", cb.id, err)
		}
		if err := storage.ValidateCategory(cb.category); err != nil {
			return invalidRow("biomarker", cb.id, err)
		}
		cand.biomarkers = append(cand.biomarkers, cb)
	}
	if err := rows.Err(); err != nil {
		return mederrors.Validationf("not a valid backup: %v", err)
	}
	return nil
}

func loadCandidateReadings(ctx context.Context, db *sql.DB, cand *candidate) error {
	rows, err := db.QueryContext(ctx, "SELECT id, biomarker_id, timestamp, value, created_at FROM readings")
	if err != nil {
		return mederrors.Validationf("not a valid backup: %v", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id        int64
			cr        candidateReading
			rawTS     string
			rawCreate string
		)
		if err := rows.Scan(&id, &cr.biomarkerID, &rawTS, &cr.value, &rawCreate); err != nil {
			return mederrors.Validationf("not a valid backup: %v", err)
		}

		ts, err := storage.ParseTimestamp(rawTS)
		if err != nil {
			return invalidRow("reading", id, err)
		}
		cr.timestamp = ts.Truncate(time.Second)
		if err := storage.ValidateReadingTimestamp(cr.timestamp); err != nil {
			return invalidRow("reading", id, err)
		}
		if err := storage.ValidateReadingValue(cr.value); err != nil {
			return invalidRow("reading", id, err)
		}

		// created_at is bookkeeping, not measurement data. Keep it
		// when parseable, otherwise stamp the restore time.
		if created, err := storage.ParseTimestamp(rawCreate); err == nil {
			cr.createdAt = created.Truncate(time.Second)
		} else {
			cr.createdAt = time.Now().UTC().Truncate(time.Second)
		}

		cand.readings = append(cand.readings, cr)
	}
	return rows.Err()
}

// loadCandidateRanges reads reference ranges when the table exists.
// Older archives that predate ranges restore fine without them.
func loadCandidateRanges(ctx context.Context, db *sql.DB, cand *candidate) error {
	var table string
	err := db.QueryRowContext(ctx,
		"SELECT name FROM sqlite_master WHERE type = 'table' AND name = 'reference_ranges'").Scan(&table)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return mederrors.Validationf("not a valid backup: %v", err)
	}

	rows, err := db.QueryContext(ctx, "SELECT biomarker_id, kind, lower_bound, upper_bound FROM reference_ranges")
	if err != nil {
		return mederrors.Validationf("not a valid backup: %v", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			biomarkerID  int64
			kind         string
			lower, upper sql.NullFloat64
		)
		if err := rows.Scan(&biomarkerID, &kind, &lower, &upper); err != nil {
			return mederrors.Validationf("not a valid backup: %v", err)
		}
		cr := candidateRange{kind: storage.RangeKind(kind)}
		if lower.Valid {
			v := lower.Float64
			cr.lower = &v
		}
		if upper.Valid {
			v := upper.Float64
			cr.upper = &v
		}
		if err := storage.ValidateRange(cr.kind, cr.lower, cr.upper); err != nil {
			return invalidRow("reference range", biomarkerID, err)
		}
		cand.ranges[biomarkerID] = cr
	}
	return rows.Err()
}

func invalidRow(kind string, id int64, err error) error {
	return mederrors.Validationf("not a valid backup: %s %d: %v", kind, id, err)
}

// nullableFloat converts an optional bound for a driver parameter.
func nullableFloat(v *float64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}
