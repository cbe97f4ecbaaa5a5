package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"math"

	mederrors "medidash/internal/errors"
)

// RangeKind selects how a reference range is interpreted.
type RangeKind string

const (
	// RangeBelow is healthy strictly below the upper bound ("LDL < 100").
	RangeBelow RangeKind = "below"
	// RangeAbove is healthy strictly above the lower bound ("HDL > 40").
	RangeAbove RangeKind = "above"
	// RangeBetween is healthy within the bounds, inclusive ("70-99").
	RangeBetween RangeKind = "between"
)

// RangeStatus classifies a value against a reference range.
type RangeStatus string

const (
	StatusInRange      RangeStatus = "in_range"
	StatusOutOfRange   RangeStatus = "out_of_range"
	StatusUnclassified RangeStatus = "unclassified"
)

// ReferenceRange is the healthy interval for a biomarker. Each
// biomarker has at most one.
type ReferenceRange struct {
	ID          int64     `json:"id"`
	BiomarkerID int64     `json:"biomarkerId"`
	Kind        RangeKind `json:"kind"`
	Lower       *float64  `json:"lower,omitempty"`
	Upper       *float64  `json:"upper,omitempty"`
}

// Classify reports where a value falls relative to the range.
// A nil range classifies nothing.
func (rr *ReferenceRange) Classify(value float64) RangeStatus {
	if rr == nil {
		return StatusUnclassified
	}
	switch rr.Kind {
	case RangeBelow:
		if value < *rr.Upper {
			return StatusInRange
		}
		return StatusOutOfRange
	case RangeAbove:
		if value > *rr.Lower {
			return StatusInRange
		}
		return StatusOutOfRange
	case RangeBetween:
		if value >= *rr.Lower && value <= *rr.Upper {
			return StatusInRange
		}
		return StatusOutOfRange
	}
	return StatusUnclassified
}

// RangeRepository handles reference range persistence.
type RangeRepository struct {
	db *DB
}

// NewRangeRepository creates a new reference range repository
func NewRangeRepository(db *DB) *RangeRepository {
	return &RangeRepository{db: db}
}

// Set creates or replaces the reference range for a biomarker.
func (r *RangeRepository) Set(biomarkerID int64, kind RangeKind, lower, upper *float64) (*ReferenceRange, error) {
	if err := ValidateRange(kind, lower, upper); err != nil {
		return nil, err
	}

	var set *ReferenceRange
	err := r.db.WithWriteTx(func(tx *sql.Tx) error {
		var exists int64
		err := tx.QueryRow("SELECT id FROM biomarkers WHERE id = ?", biomarkerID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return mederrors.NotFoundf("biomarker %d not found", biomarkerID)
		}
		if err != nil {
			return fmt.Errorf("failed to check biomarker: %w", err)
		}

		_, err = tx.Exec(`
			INSERT INTO reference_ranges (biomarker_id, kind, lower_bound, upper_bound)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(biomarker_id) DO UPDATE SET
				kind = excluded.kind,
				lower_bound = excluded.lower_bound,
				upper_bound = excluded.upper_bound
		`, biomarkerID, string(kind), nullableFloat(lower), nullableFloat(upper))
		if err != nil {
			return fmt.Errorf("failed to set reference range: %w", err)
		}

		var id int64
		if err := tx.QueryRow("SELECT id FROM reference_ranges WHERE biomarker_id = ?", biomarkerID).Scan(&id); err != nil {
			return fmt.Errorf("failed to read reference range id: %w", err)
		}

		set = &ReferenceRange{
			ID:          id,
			BiomarkerID: biomarkerID,
			Kind:        kind,
			Lower:       lower,
			Upper:       upper,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return set, nil
}

// Get retrieves the reference range for a biomarker. Returns nil if
// the biomarker has none.
func (r *RangeRepository) Get(biomarkerID int64) (*ReferenceRange, error) {
	row := r.db.QueryRow(`
		SELECT id, biomarker_id, kind, lower_bound, upper_bound
		FROM reference_ranges WHERE biomarker_id = ?
	`, biomarkerID)

	rr, err := scanRangeRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get reference range: %w", err)
	}
	return rr, nil
}

// Clear removes the reference range for a biomarker. Clearing a
// biomarker that has no range is a no-op; an unknown biomarker is
// NotFound.
func (r *RangeRepository) Clear(biomarkerID int64) error {
	return r.db.WithWriteTx(func(tx *sql.Tx) error {
		var exists int64
		err := tx.QueryRow("SELECT id FROM biomarkers WHERE id = ?", biomarkerID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return mederrors.NotFoundf("biomarker %d not found", biomarkerID)
		}
		if err != nil {
			return fmt.Errorf("failed to check biomarker: %w", err)
		}

		if _, err := tx.Exec("DELETE FROM reference_ranges WHERE biomarker_id = ?", biomarkerID); err != nil {
			return fmt.Errorf("failed to clear reference range: %w", err)
		}
		return nil
	})
}

// ListAll returns every reference range keyed by biomarker id.
func (r *RangeRepository) ListAll() (map[int64]*ReferenceRange, error) {
	rows, err := r.db.Query(`
		SELECT id, biomarker_id, kind, lower_bound, upper_bound
		FROM reference_ranges
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list reference ranges: %w", err)
	}
	defer rows.Close()

	ranges := make(map[int64]*ReferenceRange)
	for rows.Next() {
		var rr ReferenceRange
		var kind string
		var lower, upper sql.NullFloat64
		if err := rows.Scan(&rr.ID, &rr.BiomarkerID, &kind, &lower, &upper); err != nil {
			return nil, fmt.Errorf("failed to scan reference range: %w", err)
		}
		rr.Kind = RangeKind(kind)
		if lower.Valid {
			v := lower.Float64
			rr.Lower = &v
		}
		if upper.Valid {
			v := upper.Float64
			rr.Upper = &v
		}
		ranges[rr.BiomarkerID] = &rr
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate reference ranges: %w", err)
	}
	return ranges, nil
}

// ValidateRange checks a range definition for the given kind.
func ValidateRange(kind RangeKind, lower, upper *float64) error {
	for _, bound := range []*float64{lower, upper} {
		if bound != nil && (math.IsNaN(*bound) || math.IsInf(*bound, 0)) {
			return mederrors.Validationf("range bounds must be finite")
		}
	}

	switch kind {
	case RangeBelow:
		if upper == nil {
			return mederrors.Validationf("range kind %q requires an upper bound", kind)
		}
		if lower != nil {
			return mederrors.Validationf("range kind %q takes no lower bound", kind)
		}
	case RangeAbove:
		if lower == nil {
			return mederrors.Validationf("range kind %q requires a lower bound", kind)
		}
		if upper != nil {
			return mederrors.Validationf("range kind %q takes no upper bound", kind)
		}
	case RangeBetween:
		if lower == nil || upper == nil {
			return mederrors.Validationf("range kind %q requires both bounds", kind)
		}
		if *lower >= *upper {
			return mederrors.Validationf("lower bound %g must be below upper bound %g", *lower, *upper)
		}
	default:
		return mederrors.Validationf("unknown range kind %q", kind)
	}
	return nil
}

// scanRangeRow scans a single row into a ReferenceRange.
func scanRangeRow(row *sql.Row) (*ReferenceRange, error) {
	var rr ReferenceRange
	var kind string
	var lower, upper sql.NullFloat64
	if err := row.Scan(&rr.ID, &rr.BiomarkerID, &kind, &lower, &upper); err != nil {
		return nil, err
	}
	rr.Kind = RangeKind(kind)
	if lower.Valid {
		v := lower.Float64
		rr.Lower = &v
	}
	if upper.Valid {
		v := upper.Float64
		rr.Upper = &v
	}
	return &rr, nil
}

func nullableFloat(f *float64) interface{} {
	if f == nil {
		return nil
	}
	return *f
}
