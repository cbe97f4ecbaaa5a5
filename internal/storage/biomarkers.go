package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	mederrors "medidash/internal/errors"
)

// Field limits enforced on create and update.
const (
	MinNameLen     = 2
	MaxNameLen     = 50
	MaxUnitLen     = 20
	MaxCategoryLen = 30
)

// Biomarker represents a tracked measurement type, such as LDL
// cholesterol or fasting glucose.
type Biomarker struct {
	ID           int64     `json:"id"`
	Name         string    `json:"name"`
	Unit         string    `json:"unit"`
	Category     string    `json:"category,omitempty"`
	Visible      bool      `json:"visible"`
	DisplayOrder int64     `json:"displayOrder"`
	CreatedAt    time.Time `json:"createdAt"`
}

// BiomarkerUpdate describes a partial update. Nil fields are left
// unchanged.
type BiomarkerUpdate struct {
	Name         *string
	Unit         *string
	Category     *string
	Visible      *bool
	DisplayOrder *int64
}

// BiomarkerFilter narrows List results.
type BiomarkerFilter struct {
	Category    *string
	VisibleOnly bool
}

// BiomarkerRepository handles biomarker persistence.
type BiomarkerRepository struct {
	db *DB
}

// NewBiomarkerRepository creates a new biomarker repository
func NewBiomarkerRepository(db *DB) *BiomarkerRepository {
	return &BiomarkerRepository{db: db}
}

// Add creates a biomarker, assigning it the next display order slot.
// The name must be unique ignoring case; a clash is a Conflict error.
func (r *BiomarkerRepository) Add(name, unit, category string) (*Biomarker, error) {
	name = strings.TrimSpace(name)
	unit = strings.TrimSpace(unit)
	category = strings.TrimSpace(category)

	if err := validateBiomarkerFields(name, unit, category); err != nil {
		return nil, err
	}

	var created *Biomarker
	err := r.db.WithWriteTx(func(tx *sql.Tx) error {
		// The name column collates NOCASE, so this comparison is
		// case-insensitive.
		var existingID int64
		err := tx.QueryRow("SELECT id FROM biomarkers WHERE name = ?", name).Scan(&existingID)
		if err == nil {
			return mederrors.Conflictf("biomarker %q already exists", name)
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to check biomarker name: %w", err)
		}

		now := time.Now().UTC().Truncate(time.Second)
		result, err := tx.Exec(`
			INSERT INTO biomarkers (name, unit, category, visible, display_order, created_at)
			VALUES (?, ?, ?, 1, (SELECT COALESCE(MAX(display_order), 0) + 1 FROM biomarkers), ?)
		`, name, unit, category, now.Format(time.RFC3339))
		if err != nil {
			return fmt.Errorf("failed to insert biomarker: %w", err)
		}

		id, err := result.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to get biomarker id: %w", err)
		}

		var order int64
		if err := tx.QueryRow("SELECT display_order FROM biomarkers WHERE id = ?", id).Scan(&order); err != nil {
			return fmt.Errorf("failed to read display order: %w", err)
		}

		created = &Biomarker{
			ID:           id,
			Name:         name,
			Unit:         unit,
			Category:     category,
			Visible:      true,
			DisplayOrder: order,
			CreatedAt:    now,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return created, nil
}

// GetByID retrieves a biomarker by id. Returns nil if not found.
func (r *BiomarkerRepository) GetByID(id int64) (*Biomarker, error) {
	row := r.db.QueryRow(`
		SELECT id, name, unit, category, visible, display_order, created_at
		FROM biomarkers WHERE id = ?
	`, id)

	b, err := scanBiomarkerRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get biomarker: %w", err)
	}
	return b, nil
}

// GetByName retrieves a biomarker by name, ignoring case.
// Returns nil if not found.
func (r *BiomarkerRepository) GetByName(name string) (*Biomarker, error) {
	row := r.db.QueryRow(`
		SELECT id, name, unit, category, visible, display_order, created_at
		FROM biomarkers WHERE name = ?
	`, strings.TrimSpace(name))

	b, err := scanBiomarkerRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get biomarker by name: %w", err)
	}
	return b, nil
}

// Update applies a partial update. Renaming onto an existing name is a
// Conflict; a missing id is NotFound.
func (r *BiomarkerRepository) Update(id int64, update BiomarkerUpdate) (*Biomarker, error) {
	var updated *Biomarker
	err := r.db.WithWriteTx(func(tx *sql.Tx) error {
		setClauses := []string{}
		args := []interface{}{}

		if update.Name != nil {
			name := strings.TrimSpace(*update.Name)
			if err := ValidateName(name); err != nil {
				return err
			}
			var existingID int64
			err := tx.QueryRow("SELECT id FROM biomarkers WHERE name = ? AND id != ?", name, id).Scan(&existingID)
			if err == nil {
				return mederrors.Conflictf("biomarker %q already exists", name)
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("failed to check biomarker name: %w", err)
			}
			setClauses = append(setClauses, "name = ?")
			args = append(args, name)
		}
		if update.Unit != nil {
			unit := strings.TrimSpace(*update.Unit)
			if err := ValidateUnit(unit); err != nil {
				return err
			}
			setClauses = append(setClauses, "unit = ?")
			args = append(args, unit)
		}
		if update.Category != nil {
			category := strings.TrimSpace(*update.Category)
			if err := ValidateCategory(category); err != nil {
				return err
			}
			setClauses = append(setClauses, "category = ?")
			args = append(args, category)
		}
		if update.Visible != nil {
			setClauses = append(setClauses, "visible = ?")
			args = append(args, boolToInt(*update.Visible))
		}
		if update.DisplayOrder != nil {
			if *update.DisplayOrder < 0 {
				return mederrors.Validationf("display order must not be negative")
			}
			setClauses = append(setClauses, "display_order = ?")
			args = append(args, *update.DisplayOrder)
		}

		if len(setClauses) == 0 {
			return mederrors.Validationf("no fields to update")
		}

		args = append(args, id)
		query := fmt.Sprintf("UPDATE biomarkers SET %s WHERE id = ?", strings.Join(setClauses, ", "))
		result, err := tx.Exec(query, args...)
		if err != nil {
			return fmt.Errorf("failed to update biomarker: %w", err)
		}

		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if rows == 0 {
			return mederrors.NotFoundf("biomarker %d not found", id)
		}

		row := tx.QueryRow(`
			SELECT id, name, unit, category, visible, display_order, created_at
			FROM biomarkers WHERE id = ?
		`, id)
		b, err := scanBiomarkerRow(row)
		if err != nil {
			return fmt.Errorf("failed to reload biomarker: %w", err)
		}
		updated = b
		return nil
	})
	if err != nil {
		return nil, err
	}

	return updated, nil
}

// Delete removes a biomarker. If the biomarker still has readings the
// call fails with Conflict unless cascade is set, in which case the
// readings (and any reference range) are removed with it. Returns the
// number of readings deleted.
func (r *BiomarkerRepository) Delete(id int64, cascade bool) (int64, error) {
	var deleted int64
	err := r.db.WithWriteTx(func(tx *sql.Tx) error {
		var count int64
		if err := tx.QueryRow("SELECT COUNT(*) FROM readings WHERE biomarker_id = ?", id).Scan(&count); err != nil {
			return fmt.Errorf("failed to count readings: %w", err)
		}

		if count > 0 && !cascade {
			return mederrors.Conflictf("biomarker %d has %d readings; delete requires cascade", id, count)
		}

		result, err := tx.Exec("DELETE FROM biomarkers WHERE id = ?", id)
		if err != nil {
			return fmt.Errorf("failed to delete biomarker: %w", err)
		}

		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if rows == 0 {
			return mederrors.NotFoundf("biomarker %d not found", id)
		}

		deleted = count
		return nil
	})
	if err != nil {
		return 0, err
	}

	return deleted, nil
}

// List returns biomarkers matching the filter, ordered by display
// order and then name.
func (r *BiomarkerRepository) List(filter BiomarkerFilter) ([]*Biomarker, error) {
	query := `
		SELECT id, name, unit, category, visible, display_order, created_at
		FROM biomarkers
	`
	conditions := []string{}
	args := []interface{}{}

	if filter.Category != nil {
		conditions = append(conditions, "category = ?")
		args = append(args, *filter.Category)
	}
	if filter.VisibleOnly {
		conditions = append(conditions, "visible = 1")
	}

	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY display_order, name"

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list biomarkers: %w", err)
	}
	defer rows.Close()

	return scanBiomarkers(rows)
}

// Count returns the number of biomarkers.
func (r *BiomarkerRepository) Count() (int64, error) {
	var count int64
	if err := r.db.QueryRow("SELECT COUNT(*) FROM biomarkers").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count biomarkers: %w", err)
	}
	return count, nil
}

// validateBiomarkerFields validates all creatable fields at once.
func validateBiomarkerFields(name, unit, category string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	if err := ValidateUnit(unit); err != nil {
		return err
	}
	return ValidateCategory(category)
}

// ValidateName checks a biomarker name against the length limits.
func ValidateName(name string) error {
	n := utf8.RuneCountInString(name)
	if n < MinNameLen || n > MaxNameLen {
		return mederrors.Validationf("name must be %d-%d characters, got %d", MinNameLen, MaxNameLen, n)
	}
	return nil
}

// ValidateUnit checks a biomarker unit against the length limits.
func ValidateUnit(unit string) error {
	n := utf8.RuneCountInString(unit)
	if n == 0 {
		return mederrors.Validationf("unit must not be empty")
	}
	if n > MaxUnitLen {
		return mederrors.Validationf("unit must be at most %d characters, got %d", MaxUnitLen, n)
	}
	return nil
}

// ValidateCategory checks a biomarker category against the length limit.
func ValidateCategory(category string) error {
	if n := utf8.RuneCountInString(category); n > MaxCategoryLen {
		return mederrors.Validationf("category must be at most %d characters, got %d", MaxCategoryLen, n)
	}
	return nil
}

// scanBiomarkerRow scans a single row into a Biomarker.
func scanBiomarkerRow(row *sql.Row) (*Biomarker, error) {
	var b Biomarker
	var visible int
	var createdAt string
	if err := row.Scan(&b.ID, &b.Name, &b.Unit, &b.Category, &visible, &b.DisplayOrder, &createdAt); err != nil {
		return nil, err
	}
	b.Visible = visible != 0

	var err error
	b.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}
	return &b, nil
}

// scanBiomarkers scans all rows into a slice of Biomarkers.
func scanBiomarkers(rows *sql.Rows) ([]*Biomarker, error) {
	var biomarkers []*Biomarker
	for rows.Next() {
		var b Biomarker
		var visible int
		var createdAt string
		if err := rows.Scan(&b.ID, &b.Name, &b.Unit, &b.Category, &visible, &b.DisplayOrder, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan biomarker: %w", err)
		}
		b.Visible = visible != 0

		var err error
		b.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to parse created_at: %w", err)
		}
		biomarkers = append(biomarkers, &b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate biomarkers: %w", err)
	}
	return biomarkers, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
