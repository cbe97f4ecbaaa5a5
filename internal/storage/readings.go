package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	mederrors "medidash/internal/errors"
	"medidash/internal/telemetry"
)

// MaxAbsValue bounds reading magnitudes. Values beyond it are almost
// certainly unit-conversion or data-entry mistakes.
const MaxAbsValue = 1e6

// Reading is a single measured value for a biomarker at a point in
// time. Timestamps are stored in UTC.
type Reading struct {
	ID          int64     `json:"id"`
	BiomarkerID int64     `json:"biomarkerId"`
	Timestamp   time.Time `json:"timestamp"`
	Value       float64   `json:"value"`
	CreatedAt   time.Time `json:"createdAt"`
}

// ReadingUpdate describes a partial update. Nil fields are left
// unchanged.
type ReadingUpdate struct {
	Timestamp *time.Time
	Value     *float64
}

// ReadingRepository handles reading persistence.
type ReadingRepository struct {
	db *DB
}

// NewReadingRepository creates a new reading repository
func NewReadingRepository(db *DB) *ReadingRepository {
	return &ReadingRepository{db: db}
}

// Add records a reading for a biomarker. The biomarker must exist;
// values must be finite and within MaxAbsValue.
func (r *ReadingRepository) Add(biomarkerID int64, timestamp time.Time, value float64) (*Reading, error) {
	if err := ValidateReadingValue(value); err != nil {
		return nil, err
	}
	if err := ValidateReadingTimestamp(timestamp); err != nil {
		return nil, err
	}

	var created *Reading
	err := r.db.WithWriteTx(func(tx *sql.Tx) error {
		var exists int64
		err := tx.QueryRow("SELECT id FROM biomarkers WHERE id = ?", biomarkerID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return mederrors.NotFoundf("biomarker %d not found", biomarkerID)
		}
		if err != nil {
			return fmt.Errorf("failed to check biomarker: %w", err)
		}

		ts := timestamp.UTC().Truncate(time.Second)
		now := time.Now().UTC().Truncate(time.Second)
		result, err := tx.Exec(`
			INSERT INTO readings (biomarker_id, timestamp, value, created_at)
			VALUES (?, ?, ?, ?)
		`, biomarkerID, ts.Format(time.RFC3339), value, now.Format(time.RFC3339))
		if err != nil {
			return fmt.Errorf("failed to insert reading: %w", err)
		}

		id, err := result.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to get reading id: %w", err)
		}

		created = &Reading{
			ID:          id,
			BiomarkerID: biomarkerID,
			Timestamp:   ts,
			Value:       value,
			CreatedAt:   now,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	telemetry.Active().ReadingsWritten(1)
	return created, nil
}

// GetByID retrieves a reading by id. Returns nil if not found.
func (r *ReadingRepository) GetByID(id int64) (*Reading, error) {
	row := r.db.QueryRow(`
		SELECT id, biomarker_id, timestamp, value, created_at
		FROM readings WHERE id = ?
	`, id)

	reading, err := scanReadingRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get reading: %w", err)
	}
	return reading, nil
}

// Update applies a partial update to a reading.
func (r *ReadingRepository) Update(id int64, update ReadingUpdate) (*Reading, error) {
	var updated *Reading
	err := r.db.WithWriteTx(func(tx *sql.Tx) error {
		setClauses := []string{}
		args := []interface{}{}

		if update.Timestamp != nil {
			if err := ValidateReadingTimestamp(*update.Timestamp); err != nil {
				return err
			}
			setClauses = append(setClauses, "timestamp = ?")
			args = append(args, update.Timestamp.UTC().Truncate(time.Second).Format(time.RFC3339))
		}
		if update.Value != nil {
			if err := ValidateReadingValue(*update.Value); err != nil {
				return err
			}
			setClauses = append(setClauses, "value = ?")
			args = append(args, *update.Value)
		}

		if len(setClauses) == 0 {
			return mederrors.Validationf("no fields to update")
		}

		args = append(args, id)
		query := fmt.Sprintf("UPDATE readings SET %s WHERE id = ?", strings.Join(setClauses, ", "))
		result, err := tx.Exec(query, args...)
		if err != nil {
			return fmt.Errorf("failed to update reading: %w", err)
		}

		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if rows == 0 {
			return mederrors.NotFoundf("reading %d not found", id)
		}

		row := tx.QueryRow(`
			SELECT id, biomarker_id, timestamp, value, created_at
			FROM readings WHERE id = ?
		`, id)
		reading, err := scanReadingRow(row)
		if err != nil {
			return fmt.Errorf("failed to reload reading: %w", err)
		}
		updated = reading
		return nil
	})
	if err != nil {
		return nil, err
	}

	return updated, nil
}

// Delete removes a reading.
func (r *ReadingRepository) Delete(id int64) error {
	return r.db.WithWriteTx(func(tx *sql.Tx) error {
		result, err := tx.Exec("DELETE FROM readings WHERE id = ?", id)
		if err != nil {
			return fmt.Errorf("failed to delete reading: %w", err)
		}

		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if rows == 0 {
			return mederrors.NotFoundf("reading %d not found", id)
		}
		return nil
	})
}

// ListForBiomarker returns readings for a biomarker ordered ascending
// by timestamp. Nil bounds are unbounded on that side; both bounds are
// inclusive.
func (r *ReadingRepository) ListForBiomarker(biomarkerID int64, from, to *time.Time) ([]*Reading, error) {
	var exists int64
	err := r.db.QueryRow("SELECT id FROM biomarkers WHERE id = ?", biomarkerID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, mederrors.NotFoundf("biomarker %d not found", biomarkerID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to check biomarker: %w", err)
	}

	query := `
		SELECT id, biomarker_id, timestamp, value, created_at
		FROM readings WHERE biomarker_id = ?
	`
	args := []interface{}{biomarkerID}

	// UTC RFC3339 text compares lexically in chronological order.
	if from != nil {
		query += " AND timestamp >= ?"
		args = append(args, from.UTC().Format(time.RFC3339))
	}
	if to != nil {
		query += " AND timestamp <= ?"
		args = append(args, to.UTC().Format(time.RFC3339))
	}
	query += " ORDER BY timestamp, id"

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list readings: %w", err)
	}
	defer rows.Close()

	return scanReadings(rows)
}

// Latest returns the most recent reading for a biomarker, breaking
// timestamp ties by the highest id. Returns nil if there are none.
func (r *ReadingRepository) Latest(biomarkerID int64) (*Reading, error) {
	row := r.db.QueryRow(`
		SELECT id, biomarker_id, timestamp, value, created_at
		FROM readings WHERE biomarker_id = ?
		ORDER BY timestamp DESC, id DESC LIMIT 1
	`, biomarkerID)

	reading, err := scanReadingRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest reading: %w", err)
	}
	return reading, nil
}

// LatestAll returns the most recent reading per biomarker, keyed by
// biomarker id.
func (r *ReadingRepository) LatestAll() (map[int64]*Reading, error) {
	rows, err := r.db.Query(`
		SELECT id, biomarker_id, timestamp, value, created_at
		FROM readings
		ORDER BY biomarker_id, timestamp DESC, id DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list latest readings: %w", err)
	}
	defer rows.Close()

	readings, err := scanReadings(rows)
	if err != nil {
		return nil, err
	}

	latest := make(map[int64]*Reading)
	for _, reading := range readings {
		if _, ok := latest[reading.BiomarkerID]; !ok {
			latest[reading.BiomarkerID] = reading
		}
	}
	return latest, nil
}

// Exists reports whether a reading with the exact (biomarker, timestamp,
// value) tuple is already stored. Import uses this to skip duplicates.
func (r *ReadingRepository) Exists(biomarkerID int64, timestamp time.Time, value float64) (bool, error) {
	var id int64
	err := r.db.QueryRow(`
		SELECT id FROM readings
		WHERE biomarker_id = ? AND timestamp = ? AND value = ?
		LIMIT 1
	`, biomarkerID, timestamp.UTC().Truncate(time.Second).Format(time.RFC3339), value).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check reading: %w", err)
	}
	return true, nil
}

// CountForBiomarker returns the number of readings for one biomarker.
func (r *ReadingRepository) CountForBiomarker(biomarkerID int64) (int64, error) {
	var count int64
	if err := r.db.QueryRow("SELECT COUNT(*) FROM readings WHERE biomarker_id = ?", biomarkerID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count readings: %w", err)
	}
	return count, nil
}

// CountAll returns per-biomarker reading counts keyed by biomarker id.
// Biomarkers without readings are absent from the map.
func (r *ReadingRepository) CountAll() (map[int64]int64, error) {
	rows, err := r.db.Query("SELECT biomarker_id, COUNT(*) FROM readings GROUP BY biomarker_id")
	if err != nil {
		return nil, fmt.Errorf("failed to count readings: %w", err)
	}
	defer rows.Close()

	counts := make(map[int64]int64)
	for rows.Next() {
		var id, count int64
		if err := rows.Scan(&id, &count); err != nil {
			return nil, fmt.Errorf("failed to scan reading count: %w", err)
		}
		counts[id] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate reading counts: %w", err)
	}
	return counts, nil
}

// Count returns the total number of readings.
func (r *ReadingRepository) Count() (int64, error) {
	var count int64
	if err := r.db.QueryRow("SELECT COUNT(*) FROM readings").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count readings: %w", err)
	}
	return count, nil
}

// ValidateReadingValue checks that a reading value is finite and within
// the plausibility cap.
func ValidateReadingValue(value float64) error {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return mederrors.Validationf("value must be finite")
	}
	if math.Abs(value) > MaxAbsValue {
		return mederrors.Validationf("value magnitude must be at most %g", float64(MaxAbsValue))
	}
	return nil
}

// ValidateReadingTimestamp rejects the zero time.
func ValidateReadingTimestamp(timestamp time.Time) error {
	if timestamp.IsZero() {
		return mederrors.Validationf("timestamp must be set")
	}
	return nil
}

// scanReadingRow scans a single row into a Reading.
func scanReadingRow(row *sql.Row) (*Reading, error) {
	var reading Reading
	var timestamp, createdAt string
	if err := row.Scan(&reading.ID, &reading.BiomarkerID, &timestamp, &reading.Value, &createdAt); err != nil {
		return nil, err
	}

	var err error
	reading.Timestamp, err = time.Parse(time.RFC3339, timestamp)
	if err != nil {
		return nil, fmt.Errorf("failed to parse timestamp: %w", err)
	}
	reading.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}
	return &reading, nil
}

// scanReadings scans all rows into a slice of Readings.
func scanReadings(rows *sql.Rows) ([]*Reading, error) {
	var readings []*Reading
	for rows.Next() {
		var reading Reading
		var timestamp, createdAt string
		if err := rows.Scan(&reading.ID, &reading.BiomarkerID, &timestamp, &reading.Value, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan reading: %w", err)
		}

		var err error
		reading.Timestamp, err = time.Parse(time.RFC3339, timestamp)
		if err != nil {
			return nil, fmt.Errorf("failed to parse timestamp: %w", err)
		}
		reading.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to parse created_at: %w", err)
		}
		readings = append(readings, &reading)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate readings: %w", err)
	}
	return readings, nil
}
